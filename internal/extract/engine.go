// Package extract turns a gallery page into candidate image references plus
// page metadata, in a markup-only light mode or a byte-fetching heavy mode.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"net/url"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"  // register decoder
	_ "golang.org/x/image/tiff" // register decoder
	_ "golang.org/x/image/webp" // register decoder
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/imagevault/internal/catalog"
)

// DefaultImageConcurrency bounds heavy-mode image fetches per page.
const DefaultImageConcurrency = 8

// Result is the output for one page.
type Result struct {
	Images   []catalog.CandidateImage
	Metadata catalog.PageMetadata
}

// Promoter decides whether a statically fetched page must be re-fetched
// through the renderer.
type Promoter interface {
	ShouldPromote(resp catalog.FetchResponse) bool
}

// Engine extracts images from pages.
type Engine struct {
	pages       catalog.Fetcher
	renderer    catalog.Fetcher
	promoter    Promoter
	images      catalog.Fetcher
	concurrency int
	logger      *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRenderer renders heavy-mode pages through f (typically headless Chrome).
func WithRenderer(f catalog.Fetcher) Option {
	return func(e *Engine) { e.renderer = f }
}

// WithPromoter makes heavy mode fetch pages statically first and render only
// those p promotes. Without a promoter every heavy-mode page is rendered.
func WithPromoter(p Promoter) Option {
	return func(e *Engine) { e.promoter = p }
}

// WithImageFetcher fetches heavy-mode image bytes through f instead of the page fetcher.
func WithImageFetcher(f catalog.Fetcher) Option {
	return func(e *Engine) { e.images = f }
}

// WithConcurrency bounds concurrent image fetches.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New constructs an Engine that fetches pages with pages.
func New(pages catalog.Fetcher, opts ...Option) (*Engine, error) {
	if pages == nil {
		return nil, fmt.Errorf("page fetcher is required")
	}
	e := &Engine{
		pages:       pages,
		concurrency: DefaultImageConcurrency,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.images == nil {
		e.images = e.pages
	}
	e.logger = e.logger.Named("extract")
	return e, nil
}

// Extract fetches pageURL and returns its candidate images filtered by preset.
func (e *Engine) Extract(
	ctx context.Context,
	pageURL string,
	preset catalog.SizePreset,
	mode catalog.ExtractionMode,
) (Result, error) {
	page, err := url.Parse(pageURL)
	if err != nil || (page.Scheme != "http" && page.Scheme != "https") || page.Host == "" {
		return Result{}, &catalog.ParseError{Subject: pageURL, Reason: "not an absolute http(s) url", Err: err}
	}

	resp, err := e.fetchPage(ctx, pageURL, mode)
	if err != nil {
		return Result{}, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return Result{}, &catalog.ParseError{Subject: pageURL, Reason: "malformed markup", Err: err}
	}

	base := page
	if resp.URL != "" {
		if final, err := url.Parse(resp.URL); err == nil && final.Host != "" {
			base = final
		}
	}
	refs := collectReferences(doc, baseURL(doc, base))

	var images []catalog.CandidateImage
	switch mode {
	case catalog.ModeHeavy:
		images = e.heavy(ctx, pageURL, refs, preset)
	default:
		images = e.light(pageURL, refs, preset)
	}

	e.logger.Debug("page extracted",
		zap.String("url", pageURL),
		zap.String("mode", string(mode)),
		zap.Int("references", len(refs)),
		zap.Int("images", len(images)),
	)
	return Result{Images: images, Metadata: Metadata(doc)}, nil
}

func (e *Engine) fetchPage(ctx context.Context, pageURL string, mode catalog.ExtractionMode) (catalog.FetchResponse, error) {
	if mode != catalog.ModeHeavy || e.renderer == nil {
		return e.pages.Fetch(ctx, pageURL)
	}
	if e.promoter == nil {
		return e.renderer.Fetch(ctx, pageURL)
	}
	resp, err := e.pages.Fetch(ctx, pageURL)
	if err != nil || !e.promoter.ShouldPromote(resp) {
		return resp, err
	}
	e.logger.Debug("promoting page to renderer", zap.String("url", pageURL))
	return e.renderer.Fetch(ctx, pageURL)
}

func (e *Engine) light(pageURL string, refs []reference, preset catalog.SizePreset) []catalog.CandidateImage {
	images := make([]catalog.CandidateImage, 0, len(refs))
	for _, ref := range refs {
		if !MatchesPreset(preset, ref.Width, ref.Height) {
			continue
		}
		images = append(images, catalog.CandidateImage{
			ImageURL:  ref.URL,
			SourceURL: pageURL,
			Filename:  Filename(ref.URL),
			Width:     ref.Width,
			Height:    ref.Height,
		})
	}
	return images
}

// heavy fetches every reference and keeps those whose real dimensions pass
// preset. A failed or undecodable image only drops that image.
func (e *Engine) heavy(
	ctx context.Context,
	pageURL string,
	refs []reference,
	preset catalog.SizePreset,
) []catalog.CandidateImage {
	slots := make([]*catalog.CandidateImage, len(refs))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, ref := range refs {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			img, err := e.inspect(ctx, pageURL, ref)
			if err != nil {
				e.logger.Debug("image dropped", zap.String("url", ref.URL), zap.Error(err))
				return nil
			}
			if !MatchesPreset(preset, img.Width, img.Height) {
				return nil
			}
			slots[i] = &img
			return nil
		})
	}
	_ = g.Wait()

	images := make([]catalog.CandidateImage, 0, len(refs))
	for _, img := range slots {
		if img != nil {
			images = append(images, *img)
		}
	}
	return images
}

func (e *Engine) inspect(ctx context.Context, pageURL string, ref reference) (catalog.CandidateImage, error) {
	resp, err := e.images.Fetch(ctx, ref.URL)
	if err != nil {
		return catalog.CandidateImage{}, err
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(resp.Body))
	if err != nil {
		return catalog.CandidateImage{}, &catalog.ParseError{Subject: ref.URL, Reason: "undecodable image", Err: err}
	}
	width, height := cfg.Width, cfg.Height
	size := int64(len(resp.Body))
	return catalog.CandidateImage{
		ImageURL:  ref.URL,
		SourceURL: pageURL,
		Filename:  Filename(ref.URL),
		Width:     &width,
		Height:    &height,
		Size:      &size,
		Format:    &format,
	}, nil
}
