package s3_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imagevault/internal/storage/s3"
)

func TestNewRequiresEndpoint(t *testing.T) {
	t.Parallel()
	_, err := s3.New(s3.Config{})
	assert.Error(t, err)
}

func TestNewWithClientRequiresClient(t *testing.T) {
	t.Parallel()
	_, err := s3.NewWithClient(nil)
	assert.Error(t, err)
}

func TestSignedURLIsOffline(t *testing.T) {
	t.Parallel()
	store, err := s3.New(s3.Config{
		Endpoint:  "localhost:9000",
		AccessKey: "minio",
		SecretKey: "minio123",
		Region:    "us-east-1",
	})
	require.NoError(t, err)

	u, err := store.SignedURL(context.Background(), "vault", "stored/cat.jpg", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "http://localhost:9000/vault/stored/cat.jpg?"))
	assert.Contains(t, u, "X-Amz-Expires=300")
	assert.Contains(t, u, "X-Amz-Signature=")
}
