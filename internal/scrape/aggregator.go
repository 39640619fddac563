// Package scrape runs the extraction engine across a batch of page URLs and
// merges the per-page results.
package scrape

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/imagevault/internal/catalog"
	"github.com/JakeFAU/imagevault/internal/extract"
	"github.com/JakeFAU/imagevault/internal/metrics"
)

// DefaultConcurrency bounds pages scraped at once.
const DefaultConcurrency = 4

// Extractor is the per-page extraction capability.
type Extractor interface {
	Extract(ctx context.Context, pageURL string, preset catalog.SizePreset, mode catalog.ExtractionMode) (extract.Result, error)
}

// Aggregator scrapes many pages and merges their results.
type Aggregator struct {
	extractor   Extractor
	concurrency int
	logger      *zap.Logger
}

// New constructs an Aggregator.
func New(extractor Extractor, concurrency int, logger *zap.Logger) (*Aggregator, error) {
	if extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		extractor:   extractor,
		concurrency: concurrency,
		logger:      logger.Named("scrape"),
	}, nil
}

type pageOutcome struct {
	result extract.Result
	err    error
}

// Scrape extracts every URL concurrently and merges results in input order.
// A failing URL is reported in Errors and never aborts the batch.
func (a *Aggregator) Scrape(
	ctx context.Context,
	urls []string,
	preset catalog.SizePreset,
	mode catalog.ExtractionMode,
) catalog.ScrapeResult {
	outcomes := make([]pageOutcome, len(urls))
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, u := range urls {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = pageOutcome{err: err}
				return nil
			}
			res, err := a.extractor.Extract(ctx, u, preset, mode)
			outcomes[i] = pageOutcome{result: res, err: err}
			return nil
		})
	}
	_ = g.Wait()

	return a.merge(urls, outcomes)
}

func (a *Aggregator) merge(urls []string, outcomes []pageOutcome) catalog.ScrapeResult {
	out := catalog.ScrapeResult{
		Images:     []catalog.CandidateImage{},
		Tags:       []string{},
		Categories: []string{},
		Models:     []string{},
		Title:      catalog.UnknownTitle,
		Errors:     []catalog.URLError{},
	}
	var (
		seenURL  = make(map[string]bool)
		seenName = make(map[string]bool)
		tags     = newUnion()
		cats     = newUnion()
		models   = newUnion()
	)

	for i, o := range outcomes {
		if o.err != nil {
			a.logger.Warn("page scrape failed", zap.String("url", urls[i]), zap.Error(o.err))
			metrics.ObservePage(urls[i], statusFor(o.err))
			out.Errors = append(out.Errors, catalog.URLError{URL: urls[i], Error: o.err.Error()})
			continue
		}
		metrics.ObservePage(urls[i], "success")

		for _, img := range o.result.Images {
			// An image is new only if neither its URL nor its filename was seen.
			if seenURL[img.ImageURL] || seenName[img.Filename] {
				continue
			}
			seenURL[img.ImageURL] = true
			seenName[img.Filename] = true
			out.Images = append(out.Images, img)
		}
		tags.add(o.result.Metadata.Tags...)
		cats.add(o.result.Metadata.Categories...)
		models.add(o.result.Metadata.Models...)
		if out.Title == catalog.UnknownTitle && o.result.Metadata.Title != "" {
			out.Title = o.result.Metadata.Title
		}
	}

	out.Tags = tags.items
	out.Categories = cats.items
	out.Models = models.items
	return out
}

func statusFor(err error) string {
	var fe *catalog.FetchError
	var pe *catalog.ParseError
	switch {
	case errors.As(err, &fe):
		return "fetch_error"
	case errors.As(err, &pe):
		return "parse_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

type union struct {
	items []string
	seen  map[string]bool
}

func newUnion() *union {
	return &union{items: []string{}, seen: make(map[string]bool)}
}

func (u *union) add(values ...string) {
	for _, v := range values {
		if v == "" || u.seen[v] {
			continue
		}
		u.seen[v] = true
		u.items = append(u.items, v)
	}
}
