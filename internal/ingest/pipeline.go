// Package ingest commits a scrape's images into the content-addressed store.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/JakeFAU/imagevault/internal/catalog"
	"github.com/JakeFAU/imagevault/internal/hash/sha256"
	"github.com/JakeFAU/imagevault/internal/keys"
	"github.com/JakeFAU/imagevault/internal/metrics"
)

// DefaultFetchTimeout bounds each image download.
const DefaultFetchTimeout = 30 * time.Second

// Index is the slice of the relational index the pipeline needs.
type Index interface {
	catalog.ScrapeIndex
	catalog.AssetIndex
	LinkPageAsset(ctx context.Context, pageRefID, assetID string) error
}

// Config controls the pipeline.
type Config struct {
	Bucket       string
	FetchTimeout time.Duration
}

// Result summarizes one Store run. Stored counts every image linked to an
// asset in this run; Reused is the subset that matched an existing hash.
type Result struct {
	Stored  int      `json:"stored"`
	Reused  int      `json:"reused"`
	Skipped int      `json:"skipped"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors"`
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Index   Index
	Store   catalog.ObjectStore
	Fetcher catalog.Fetcher
	Hasher  catalog.Hasher
	Clock   catalog.Clock
	IDs     catalog.IDGenerator
}

// Pipeline downloads, fingerprints, and stores scraped images.
type Pipeline struct {
	cfg     Config
	index   Index
	store   catalog.ObjectStore
	fetcher catalog.Fetcher
	hasher  catalog.Hasher
	clock   catalog.Clock
	ids     catalog.IDGenerator
	logger  *zap.Logger
}

// New constructs a Pipeline.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	switch {
	case deps.Index == nil:
		return nil, fmt.Errorf("index is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("object store is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	case strings.TrimSpace(cfg.Bucket) == "":
		return nil, fmt.Errorf("bucket is required")
	}
	if deps.Hasher == nil {
		deps.Hasher = sha256.New()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:     cfg,
		index:   deps.Index,
		store:   deps.Store,
		fetcher: deps.Fetcher,
		hasher:  deps.Hasher,
		clock:   deps.Clock,
		ids:     deps.IDs,
		logger:  logger.Named("ingest"),
	}, nil
}

// Store commits every not-yet-stored image of the scrape in position order.
// Per-image failures are collected; the scrape is marked stored afterwards
// even when some images failed.
func (p *Pipeline) Store(ctx context.Context, scrapeID string) (Result, error) {
	scrape, err := p.index.GetScrape(ctx, scrapeID)
	if err != nil {
		return Result{}, fmt.Errorf("load scrape: %w", err)
	}
	images, err := p.index.ListScrapedImages(ctx, scrapeID)
	if err != nil {
		return Result{}, fmt.Errorf("list scraped images: %w", err)
	}

	var (
		res  Result
		errs catalog.ErrorList
	)
	for _, img := range images {
		if err := ctx.Err(); err != nil {
			res.Errors = errs.Messages()
			return res, fmt.Errorf("store canceled: %w", err)
		}
		if img.AssetID != nil {
			res.Skipped++
			metrics.ObserveImage("skipped", 0)
			continue
		}
		reused, uploaded, err := p.storeOne(ctx, scrape, img)
		if err != nil {
			res.Failed++
			errs.Add(img.ImageURL, err)
			metrics.ObserveImage("failed", 0)
			p.logger.Warn("image store failed",
				zap.String("scrape_id", scrapeID),
				zap.String("image_url", img.ImageURL),
				zap.Error(err),
			)
			continue
		}
		res.Stored++
		if reused {
			res.Reused++
			metrics.ObserveImage("reused", 0)
		} else {
			metrics.ObserveImage("stored", uploaded)
		}
	}

	if err := p.index.MarkScrapeStored(ctx, scrapeID); err != nil {
		res.Errors = errs.Messages()
		return res, fmt.Errorf("mark scrape stored: %w", err)
	}
	res.Errors = errs.Messages()
	p.logger.Info("scrape stored",
		zap.String("scrape_id", scrapeID),
		zap.Int("stored", res.Stored),
		zap.Int("reused", res.Reused),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// storeOne follows write-before-link: bytes, then the asset row, then the
// image and page links.
func (p *Pipeline) storeOne(ctx context.Context, scrape catalog.Scrape, img catalog.ScrapedImage) (bool, int, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	resp, err := p.fetcher.Fetch(fetchCtx, img.ImageURL)
	cancel()
	if err != nil {
		return false, 0, err
	}
	if len(resp.Body) == 0 {
		return false, 0, &catalog.FetchError{URL: img.ImageURL, StatusCode: resp.StatusCode, Err: errors.New("empty body")}
	}

	fingerprint, err := p.hasher.Hash(resp.Body)
	if err != nil {
		return false, 0, fmt.Errorf("fingerprint: %w", err)
	}
	asset, reused, err := p.resolveAsset(ctx, img, fingerprint, resp.Body)
	if err != nil {
		return false, 0, err
	}

	if err := p.index.MarkImageStored(ctx, img.ID, asset.ID, p.clock.Now()); err != nil {
		return false, 0, fmt.Errorf("link image to asset: %w", err)
	}
	if err := p.index.LinkPageAsset(ctx, scrape.PageReferenceID, asset.ID); err != nil {
		return false, 0, fmt.Errorf("link page to asset: %w", err)
	}
	if reused {
		return true, 0, nil
	}
	return false, len(resp.Body), nil
}

func (p *Pipeline) resolveAsset(
	ctx context.Context,
	img catalog.ScrapedImage,
	fingerprint string,
	body []byte,
) (catalog.Asset, bool, error) {
	existing, err := p.index.FindAssetByHash(ctx, fingerprint)
	if err == nil {
		return existing, true, nil
	}
	if !catalog.IsNotFound(err) {
		return catalog.Asset{}, false, fmt.Errorf("lookup fingerprint: %w", err)
	}

	mtype := mimetype.Detect(body)
	filename, err := p.canonicalFilename(ctx, img.Filename, fingerprint, mtype.Extension())
	if err != nil {
		return catalog.Asset{}, false, err
	}
	key := keys.StoredKey(filename)
	if err := p.store.Put(ctx, p.cfg.Bucket, key, mtype.String(), bytes.NewReader(body)); err != nil {
		return catalog.Asset{}, false, fmt.Errorf("upload %s: %w", key, err)
	}

	id, err := p.ids.NewID()
	if err != nil {
		return catalog.Asset{}, false, fmt.Errorf("generate asset id: %w", err)
	}
	asset := catalog.Asset{
		ID:        id,
		Hash:      fingerprint,
		Filename:  filename,
		OriginURL: img.ImageURL,
		Bucket:    p.cfg.Bucket,
		Key:       key,
		CreatedAt: p.clock.Now(),
	}
	if err := p.index.CreateAsset(ctx, asset); err != nil {
		if errors.Is(err, catalog.ErrConflict) {
			// Another writer committed the same bytes first.
			winner, findErr := p.index.FindAssetByHash(ctx, fingerprint)
			if findErr == nil {
				return winner, true, nil
			}
		}
		return catalog.Asset{}, false, fmt.Errorf("create asset: %w", err)
	}
	return asset, false, nil
}

// canonicalFilename adds the sniffed extension when the name has none and
// disambiguates a name already held by different content with the first
// eight hex digits of the fingerprint.
func (p *Pipeline) canonicalFilename(ctx context.Context, name, fingerprint, sniffedExt string) (string, error) {
	if name == "" {
		name = "image-" + fingerprint[:12]
	}
	if path.Ext(name) == "" && sniffedExt != "" {
		name += sniffedExt
	}
	_, err := p.index.FindAssetByFilename(ctx, name)
	switch {
	case catalog.IsNotFound(err):
		return name, nil
	case err != nil:
		return "", fmt.Errorf("lookup filename: %w", err)
	}
	ext := path.Ext(name)
	return strings.TrimSuffix(name, ext) + "-" + fingerprint[:8] + ext, nil
}
