package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/collections/{page_id}", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		r.Post("/assets/reclaim", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		})
	})

	found := httpRequestsTotal.WithLabelValues("GET", "/v1/collections/{page_id}", "200")
	rejected := httpRequestsTotal.WithLabelValues("POST", "/v1/assets/reclaim", "400")
	foundBefore := testutil.ToFloat64(found)
	rejectedBefore := testutil.ToFloat64(rejected)

	for _, id := range []string{"p-1", "p-2"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/collections/"+id, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/assets/reclaim", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Both page ids land on one series keyed by the pattern.
	assert.InDelta(t, 2, testutil.ToFloat64(found)-foundBefore, 0)
	assert.InDelta(t, 1, testutil.ToFloat64(rejected)-rejectedBefore, 0)
	assert.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestResponseWriterRecordsStatus(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}
	rw.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusTeapot, rw.status)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
