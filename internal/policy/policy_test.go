package policy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imagevault/internal/catalog"
)

type countingFetcher struct {
	mu       sync.Mutex
	attempts int
	errs     []error
}

func (f *countingFetcher) Fetch(_ context.Context, rawURL string) (catalog.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= len(f.errs) {
		return catalog.FetchResponse{}, f.errs[f.attempts-1]
	}
	return catalog.FetchResponse{URL: rawURL, StatusCode: http.StatusOK, Body: []byte("ok")}, nil
}

func fastRetry(attempts int) Retry {
	return Retry{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestFetcherRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	next := &countingFetcher{errs: []error{
		&catalog.FetchError{URL: "u", StatusCode: http.StatusServiceUnavailable, Err: errors.New("busy")},
		&catalog.FetchError{URL: "u", Err: errors.New("connection reset")},
	}}
	resp, err := Wrap(next, Options{Retry: fastRetry(3)}, nil).Fetch(context.Background(), "https://example.com/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), resp.Body)
	assert.Equal(t, 3, next.attempts)
}

func TestFetcherStopsOnClientError(t *testing.T) {
	t.Parallel()
	notFound := &catalog.FetchError{URL: "u", StatusCode: http.StatusNotFound, Err: errors.New("missing")}
	next := &countingFetcher{errs: []error{notFound}}
	_, err := Wrap(next, Options{Retry: fastRetry(3)}, nil).Fetch(context.Background(), "https://example.com/a.jpg")
	require.ErrorIs(t, err, notFound)
	assert.Equal(t, 1, next.attempts)
}

func TestFetcherGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	busy := &catalog.FetchError{URL: "u", StatusCode: http.StatusTooManyRequests, Err: errors.New("slow down")}
	next := &countingFetcher{errs: []error{busy, busy, busy, busy}}
	_, err := Wrap(next, Options{Retry: fastRetry(2)}, nil).Fetch(context.Background(), "https://example.com/a.jpg")
	require.Error(t, err)
	assert.Equal(t, 2, next.attempts)
}

func TestFetcherRejectsBlockedHosts(t *testing.T) {
	t.Parallel()
	next := &countingFetcher{}
	f := Wrap(next, Options{Blocklist: NewBlocklist([]string{"*.ads.example"})}, nil)

	_, err := f.Fetch(context.Background(), "https://cdn.ads.example/banner.png")
	require.ErrorIs(t, err, ErrBlocked)
	var fe *catalog.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Zero(t, next.attempts)

	_, err = f.Fetch(context.Background(), "https://example.com/a.png")
	require.NoError(t, err)
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()
	p := DefaultRetry()
	cases := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"nil", nil, 1, false},
		{"canceled", context.Canceled, 1, false},
		{"server error", &catalog.FetchError{StatusCode: 502, Err: errors.New("x")}, 1, true},
		{"request timeout", &catalog.FetchError{StatusCode: 408, Err: errors.New("x")}, 1, true},
		{"forbidden", &catalog.FetchError{StatusCode: 403, Err: errors.New("x")}, 1, false},
		{"transport", errors.New("reset"), 2, true},
		{"exhausted", errors.New("reset"), 3, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, p.ShouldRetry(tc.err, tc.attempt))
		})
	}
}

func TestBackoffIsBounded(t *testing.T) {
	t.Parallel()
	p := Retry{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	for attempt := 1; attempt <= 5; attempt++ {
		d := p.Backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestLimiterThrottlesPerHost(t *testing.T) {
	t.Parallel()
	l := NewLimiter(LimiterConfig{RPS: 20, Burst: 1})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://a.example/1"))
	require.NoError(t, l.Wait(ctx, "https://b.example/1"))
	assert.Less(t, time.Since(start), 40*time.Millisecond, "distinct hosts do not share a bucket")

	require.NoError(t, l.Wait(ctx, "https://a.example/2"))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, 2, l.Hosts())
}

func TestLimiterHonorsContext(t *testing.T) {
	t.Parallel()
	l := NewLimiter(LimiterConfig{RPS: 0.001, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example/"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Wait(ctx, "https://slow.example/")
	require.Error(t, err)
}

func TestUnlimitedLimiterNeverBlocks(t *testing.T) {
	t.Parallel()
	l := NewLimiter(LimiterConfig{})
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://fast.example/"))
	}
}
