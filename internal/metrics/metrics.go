// Package metrics exposes Prometheus collectors for imagevault operations.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesScrapedTotal          *prometheus.CounterVec
	imagesTotal                *prometheus.CounterVec
	bytesStoredTotal           prometheus.Counter
	migrationKeysTotal         *prometheus.CounterVec
	reclaimAssetsTotal         *prometheus.CounterVec
	syncKeysTotal              *prometheus.CounterVec
	operationDurationSeconds   *prometheus.HistogramVec
	eventsPublishedTotal       *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	fetchRetriesTotal          *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesScrapedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagevault_pages_scraped_total",
				Help: "Total number of pages scraped, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		imagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagevault_images_total",
				Help: "Images handled by the store pipeline, labeled by outcome (stored, reused, skipped, failed).",
			},
			[]string{"outcome"},
		)

		bytesStoredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "imagevault_bytes_stored_total",
				Help: "Total number of image bytes uploaded to the object store.",
			},
		)

		migrationKeysTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagevault_layout_migration_keys_total",
				Help: "Processed keys visited by the layout migration, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		reclaimAssetsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagevault_reclaim_assets_total",
				Help: "Assets examined by the orphan reclaimer, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		syncKeysTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagevault_label_sync_keys_total",
				Help: "Keys visited by label sync, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		operationDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imagevault_operation_duration_seconds",
				Help:    "Histogram of operation latencies, labeled by operation.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"operation"},
		)

		eventsPublishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagevault_events_published_total",
				Help: "Operation events published, labeled by operation and status.",
			},
			[]string{"operation", "status"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imagevault_rate_limit_delay_seconds",
				Help:    "Time spent waiting on per-host fetch throttling, labeled by site.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"site"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagevault_fetch_retries_total",
				Help: "Fetch attempts retried after a transient failure, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagevault_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route pattern and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imagevault_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObservePage counts one scraped page.
func ObservePage(site, status string) {
	Init()
	pagesScrapedTotal.WithLabelValues(SanitizeSite(site), status).Inc()
}

// ObserveImage counts one image outcome in the store pipeline.
func ObserveImage(outcome string, bytesStored int) {
	Init()
	imagesTotal.WithLabelValues(outcome).Inc()
	if bytesStored > 0 {
		bytesStoredTotal.Add(float64(bytesStored))
	}
}

// ObserveMigrationKey counts one layout migration outcome.
func ObserveMigrationKey(outcome string) {
	Init()
	migrationKeysTotal.WithLabelValues(outcome).Inc()
}

// ObserveReclaim counts one reclaimer outcome.
func ObserveReclaim(outcome string) {
	Init()
	reclaimAssetsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSyncKey counts one label sync outcome.
func ObserveSyncKey(outcome string) {
	Init()
	syncKeysTotal.WithLabelValues(outcome).Inc()
}

// ObserveOperation records how long an operation took.
func ObserveOperation(operation string, duration time.Duration) {
	Init()
	operationDurationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveEvent counts one publish attempt.
func ObserveEvent(operation, status string) {
	Init()
	eventsPublishedTotal.WithLabelValues(operation, status).Inc()
}

// ObserveRateLimitDelay records time spent waiting for a host's token.
func ObserveRateLimitDelay(site string, waited time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(waited.Seconds())
}

// ObserveFetchRetry counts one retried fetch.
func ObserveFetchRetry(rawURL string) {
	Init()
	fetchRetriesTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
