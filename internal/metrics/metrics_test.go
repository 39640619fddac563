package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if pagesScrapedTotal == nil || imagesTotal == nil || migrationKeysTotal == nil ||
		reclaimAssetsTotal == nil || syncKeysTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveCounters(t *testing.T) {
	Init()
	before := testutil.ToFloat64(pagesScrapedTotal.WithLabelValues("test.com", "success"))
	ObservePage("https://Test.com/gallery", "success")
	if got := testutil.ToFloat64(pagesScrapedTotal.WithLabelValues("test.com", "success")); got != before+1 {
		t.Errorf("expected pages counter to grow by 1, got %f -> %f", before, got)
	}

	beforeStored := testutil.ToFloat64(imagesTotal.WithLabelValues("stored"))
	beforeBytes := testutil.ToFloat64(bytesStoredTotal)
	ObserveImage("stored", 512)
	if got := testutil.ToFloat64(imagesTotal.WithLabelValues("stored")); got != beforeStored+1 {
		t.Errorf("expected stored counter to grow by 1, got %f", got)
	}
	if got := testutil.ToFloat64(bytesStoredTotal); got != beforeBytes+512 {
		t.Errorf("expected bytes counter to grow by 512, got %f", got)
	}

	beforeMig := testutil.ToFloat64(migrationKeysTotal.WithLabelValues("migrated"))
	ObserveMigrationKey("migrated")
	if got := testutil.ToFloat64(migrationKeysTotal.WithLabelValues("migrated")); got != beforeMig+1 {
		t.Errorf("expected migration counter to grow by 1, got %f", got)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
