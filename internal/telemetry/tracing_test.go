package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracerProvider(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "imagevault-test", SampleRatio: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsValid())
	assert.True(t, span.IsRecording())
	span.End()
}

func TestInitTracerProviderValidates(t *testing.T) {
	t.Parallel()
	_, err := InitTracerProvider(context.Background(), Config{})
	assert.Error(t, err)
	_, err = InitTracerProvider(context.Background(), Config{ServiceName: "x", SampleRatio: 2})
	assert.Error(t, err)
}
