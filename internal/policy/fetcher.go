package policy

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/imagevault/internal/catalog"
	"github.com/JakeFAU/imagevault/internal/metrics"
)

// ErrBlocked is wrapped by fetch errors for blocklisted hosts.
var ErrBlocked = errors.New("host is blocklisted")

// Options configure a Fetcher. Zero values disable each behavior.
type Options struct {
	Limiter   *Limiter
	Retry     Retry
	Blocklist *Blocklist
}

// Fetcher wraps another fetcher with host blocking, per-host throttling and
// retries.
type Fetcher struct {
	next      catalog.Fetcher
	limiter   *Limiter
	retry     Retry
	blocklist *Blocklist
	logger    *zap.Logger
}

// Wrap decorates next.
func Wrap(next catalog.Fetcher, opts Options, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		next:      next,
		limiter:   opts.Limiter,
		retry:     opts.Retry,
		blocklist: opts.Blocklist,
		logger:    logger,
	}
}

// Fetch implements catalog.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (catalog.FetchResponse, error) {
	if !f.blocklist.Allows(rawURL) {
		return catalog.FetchResponse{}, &catalog.FetchError{URL: rawURL, Err: ErrBlocked}
	}
	for attempt := 1; ; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, rawURL); err != nil {
				return catalog.FetchResponse{}, &catalog.FetchError{URL: rawURL, Err: err}
			}
		}
		resp, err := f.next.Fetch(ctx, rawURL)
		if err == nil || !f.retry.ShouldRetry(err, attempt) {
			return resp, err
		}
		wait := f.retry.Backoff(attempt)
		metrics.ObserveFetchRetry(rawURL)
		f.logger.Debug("retrying fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return catalog.FetchResponse{}, err
		case <-timer.C:
		}
	}
}
