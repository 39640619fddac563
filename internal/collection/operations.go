package collection

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/imagevault/internal/cache"
	"github.com/JakeFAU/imagevault/internal/catalog"
	"github.com/JakeFAU/imagevault/internal/ingest"
	"github.com/JakeFAU/imagevault/internal/labelsync"
	"github.com/JakeFAU/imagevault/internal/migrate"
	"github.com/JakeFAU/imagevault/internal/policy"
	"github.com/JakeFAU/imagevault/internal/reclaim"
)

// ScrapeDetail is a scrape with its ordered images.
type ScrapeDetail struct {
	Scrape catalog.Scrape         `json:"scrape"`
	Images []catalog.ScrapedImage `json:"images"`
}

// AddLabel registers a label. Engines never create labels on their own.
func (s *Service) AddLabel(ctx context.Context, name string) (catalog.Label, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, "/") {
		return catalog.Label{}, &catalog.ParseError{Subject: name, Reason: "label name must be non-empty and contain no '/'"}
	}
	id, err := s.ids.NewID()
	if err != nil {
		return catalog.Label{}, fmt.Errorf("generate label id: %w", err)
	}
	label := catalog.Label{ID: id, Name: name}
	if err := s.index.CreateLabel(ctx, label); err != nil {
		return catalog.Label{}, fmt.Errorf("create label: %w", err)
	}
	s.publish(ctx, "add_label", id, nil, 0)
	return label, nil
}

// AddCollection registers a page URL as a collection.
func (s *Service) AddCollection(ctx context.Context, rawURL string, labelIDs []string) (catalog.PageReference, error) {
	for _, labelID := range labelIDs {
		if _, err := s.index.GetLabel(ctx, labelID); err != nil {
			return catalog.PageReference{}, fmt.Errorf("resolve label %s: %w", labelID, err)
		}
	}
	pageURL, err := policy.NormalizeURL(rawURL)
	if err != nil {
		return catalog.PageReference{}, &catalog.ParseError{Subject: rawURL, Reason: "invalid collection url", Err: err}
	}
	id, err := s.ids.NewID()
	if err != nil {
		return catalog.PageReference{}, fmt.Errorf("generate page reference id: %w", err)
	}
	ref := catalog.PageReference{
		ID:        id,
		URL:       pageURL,
		LabelIDs:  slices.Clone(labelIDs),
		CreatedAt: s.clock.Now(),
	}
	if err := s.index.CreatePageReference(ctx, ref); err != nil {
		return catalog.PageReference{}, fmt.Errorf("create page reference: %w", err)
	}
	s.publish(ctx, "add_collection", id, nil, 0)
	return ref, nil
}

// Scrape extracts and merges candidate images from urls without persisting
// anything.
func (s *Service) Scrape(
	ctx context.Context,
	urls []string,
	preset catalog.SizePreset,
	mode catalog.ExtractionMode,
) (catalog.ScrapeResult, error) {
	ctx, done := s.begin(ctx, "scrape", attribute.Int("urls", len(urls)))
	defer done()
	if len(urls) == 0 {
		return catalog.ScrapeResult{}, fmt.Errorf("at least one url is required")
	}
	return s.scraper.Scrape(ctx, urls, preset, mode), nil
}

// ScrapeCollection scrapes the collection's page and replaces any previous
// scrape with the new one. When the page itself cannot be fetched the
// previous scrape is kept and the error is returned.
func (s *Service) ScrapeCollection(
	ctx context.Context,
	pageRefID string,
	preset catalog.SizePreset,
	mode catalog.ExtractionMode,
) (ScrapeDetail, error) {
	ctx, done := s.begin(ctx, "scrape_collection", attribute.String("page_reference_id", pageRefID))
	defer done()
	ref, err := s.index.GetPageReference(ctx, pageRefID)
	if err != nil {
		return ScrapeDetail{}, fmt.Errorf("load page reference: %w", err)
	}

	result := s.scraper.Scrape(ctx, []string{ref.URL}, preset, mode)
	if len(result.Errors) > 0 {
		return ScrapeDetail{}, &catalog.FetchError{URL: ref.URL, Err: fmt.Errorf("%s", result.Errors[0].Error)}
	}

	scrapeID, err := s.ids.NewID()
	if err != nil {
		return ScrapeDetail{}, fmt.Errorf("generate scrape id: %w", err)
	}
	scrape := catalog.Scrape{
		ID:              scrapeID,
		PageReferenceID: ref.ID,
		Mode:            mode,
		Preset:          preset,
		Title:           result.Title,
		Tags:            result.Tags,
		Categories:      result.Categories,
		Models:          result.Models,
		Errors:          result.Errors,
		CreatedAt:       s.clock.Now(),
	}
	images := make([]catalog.ScrapedImage, 0, len(result.Images))
	for i, candidate := range result.Images {
		imageID, err := s.ids.NewID()
		if err != nil {
			return ScrapeDetail{}, fmt.Errorf("generate image id: %w", err)
		}
		images = append(images, catalog.ScrapedImage{
			ID:        imageID,
			ScrapeID:  scrapeID,
			Position:  i,
			SourceURL: candidate.SourceURL,
			ImageURL:  candidate.ImageURL,
			Filename:  candidate.Filename,
			Width:     candidate.Width,
			Height:    candidate.Height,
			Size:      candidate.Size,
			Format:    candidate.Format,
		})
	}
	if err := s.index.ReplaceScrape(ctx, scrape, images); err != nil {
		return ScrapeDetail{}, fmt.Errorf("replace scrape: %w", err)
	}
	s.invalidate(scopeScrape, scopeCollection)
	s.logger.Info("collection scraped",
		zap.String("page_reference_id", ref.ID),
		zap.String("scrape_id", scrapeID),
		zap.Int("images", len(images)),
	)
	s.publish(ctx, "scrape_collection", ref.ID, map[string]int{"images": len(images)}, 0)
	return ScrapeDetail{Scrape: scrape, Images: images}, nil
}

// GetScrape returns a scrape with its images, through the query cache.
func (s *Service) GetScrape(ctx context.Context, scrapeID string) (ScrapeDetail, error) {
	key := cache.Key(scopeScrape, map[string]string{"id": scrapeID})
	return cache.Load(s.cache, key, func() (ScrapeDetail, error) {
		return s.loadScrape(ctx, scrapeID)
	})
}

// GetCollectionScrape returns the current scrape of a collection, through the
// query cache.
func (s *Service) GetCollectionScrape(ctx context.Context, pageRefID string) (ScrapeDetail, error) {
	key := cache.Key(scopeCollection, map[string]string{"page": pageRefID})
	return cache.Load(s.cache, key, func() (ScrapeDetail, error) {
		scrape, err := s.index.GetScrapeByPageReference(ctx, pageRefID)
		if err != nil {
			return ScrapeDetail{}, fmt.Errorf("load scrape for page %s: %w", pageRefID, err)
		}
		return s.loadScrape(ctx, scrape.ID)
	})
}

func (s *Service) loadScrape(ctx context.Context, scrapeID string) (ScrapeDetail, error) {
	scrape, err := s.index.GetScrape(ctx, scrapeID)
	if err != nil {
		return ScrapeDetail{}, fmt.Errorf("load scrape: %w", err)
	}
	images, err := s.index.ListScrapedImages(ctx, scrapeID)
	if err != nil {
		return ScrapeDetail{}, fmt.Errorf("list scraped images: %w", err)
	}
	return ScrapeDetail{Scrape: scrape, Images: images}, nil
}

// Store commits the scrape's images.
func (s *Service) Store(ctx context.Context, scrapeID string) (ingest.Result, error) {
	ctx, done := s.begin(ctx, "store", attribute.String("scrape_id", scrapeID))
	defer done()
	res, err := s.storer.Store(ctx, scrapeID)
	if res.Stored > 0 || res.Skipped > 0 || res.Failed > 0 {
		s.invalidate(scopeScrape, scopeCollection)
	}
	if err != nil {
		return res, err
	}
	s.publish(ctx, "store", scrapeID, map[string]int{
		"stored":  res.Stored,
		"reused":  res.Reused,
		"skipped": res.Skipped,
		"failed":  res.Failed,
	}, len(res.Errors))
	return res, nil
}

// ReclaimOrphans deletes the candidates that no record references.
func (s *Service) ReclaimOrphans(ctx context.Context, assetIDs []string) (reclaim.Result, error) {
	ctx, done := s.begin(ctx, "reclaim", attribute.Int("candidates", len(assetIDs)))
	defer done()
	res, err := s.reclaimer.Reclaim(ctx, assetIDs)
	if res.Reclaimed > 0 {
		s.invalidate(scopeAsset)
	}
	if err != nil {
		return res, err
	}
	s.publish(ctx, "reclaim", "", reclaimCounts(res), len(res.Errors))
	return res, nil
}

// DeleteCollection removes the page reference (cascading to its scrape and
// images) and then reclaims every asset it referenced.
func (s *Service) DeleteCollection(ctx context.Context, pageRefID string) (reclaim.Result, error) {
	ctx, done := s.begin(ctx, "delete_collection", attribute.String("page_reference_id", pageRefID))
	defer done()
	candidates, err := s.candidateAssets(ctx, pageRefID)
	if err != nil {
		return reclaim.Result{}, err
	}
	if err := s.index.DeletePageReference(ctx, pageRefID); err != nil {
		return reclaim.Result{}, fmt.Errorf("delete page reference: %w", err)
	}
	s.invalidate(scopeScrape, scopeCollection)

	res, err := s.reclaimer.Reclaim(ctx, candidates)
	if res.Reclaimed > 0 {
		s.invalidate(scopeAsset)
	}
	if err != nil {
		return res, err
	}
	s.logger.Info("collection deleted",
		zap.String("page_reference_id", pageRefID),
		zap.Int("candidates", len(candidates)),
		zap.Int("reclaimed", res.Reclaimed),
	)
	s.publish(ctx, "delete_collection", pageRefID, reclaimCounts(res), len(res.Errors))
	return res, nil
}

// candidateAssets gathers assets linked directly to the page plus those
// linked through its scrape's images.
func (s *Service) candidateAssets(ctx context.Context, pageRefID string) ([]string, error) {
	if _, err := s.index.GetPageReference(ctx, pageRefID); err != nil {
		return nil, fmt.Errorf("load page reference: %w", err)
	}
	ids, err := s.index.PageAssetIDs(ctx, pageRefID)
	if err != nil {
		return nil, fmt.Errorf("list page assets: %w", err)
	}
	scrape, err := s.index.GetScrapeByPageReference(ctx, pageRefID)
	switch {
	case err == nil:
		images, err := s.index.ListScrapedImages(ctx, scrape.ID)
		if err != nil {
			return nil, fmt.Errorf("list scraped images: %w", err)
		}
		for _, img := range images {
			if img.AssetID != nil {
				ids = append(ids, *img.AssetID)
			}
		}
	case catalog.IsNotFound(err):
	default:
		return nil, fmt.Errorf("load scrape: %w", err)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

func reclaimCounts(res reclaim.Result) map[string]int {
	return map[string]int{"reclaimed": res.Reclaimed, "retained": res.Retained, "failed": res.Failed}
}

// MigrateLayout moves legacy processed keys into label partitions.
func (s *Service) MigrateLayout(ctx context.Context, dryRun bool) (migrate.Result, error) {
	ctx, done := s.begin(ctx, "migrate", attribute.Bool("dry_run", dryRun))
	defer done()
	res, err := s.migrator.Run(ctx, dryRun)
	if err != nil || dryRun {
		return res, err
	}
	s.invalidate(scopeProcessed)
	s.publish(ctx, "migrate", "", map[string]int{
		"migrated": res.Migrated,
		"skipped":  res.Skipped,
		"failed":   res.Failed,
	}, len(res.Errors))
	return res, nil
}

// SyncLabel reconciles one label's processed images with the index.
func (s *Service) SyncLabel(ctx context.Context, labelID string) (labelsync.Result, error) {
	ctx, done := s.begin(ctx, "sync", attribute.String("label_id", labelID))
	defer done()
	res, err := s.syncer.SyncLabel(ctx, labelID)
	s.invalidate(scopeProcessed)
	if err != nil {
		return res, err
	}
	s.publish(ctx, "sync", labelID, map[string]int{
		"processed": res.Processed,
		"skipped":   res.Skipped,
		"failed":    res.Failed,
	}, len(res.Errors))
	return res, nil
}

// GetProcessedAsset looks up a processed image row by key, through the query
// cache.
func (s *Service) GetProcessedAsset(ctx context.Context, bucket, key string) (catalog.ProcessedAsset, error) {
	cacheKey := cache.Key(scopeProcessed, map[string]string{"bucket": bucket, "key": key})
	return cache.Load(s.cache, cacheKey, func() (catalog.ProcessedAsset, error) {
		return s.index.FindProcessedAssetByKey(ctx, bucket, key)
	})
}

// SignedAssetURL returns a time limited read URL for an asset.
func (s *Service) SignedAssetURL(ctx context.Context, assetID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.cfg.SignedURLTTL
	}
	key := cache.Key(scopeAsset, map[string]string{"id": assetID})
	asset, err := cache.Load(s.cache, key, func() (catalog.Asset, error) {
		return s.index.GetAsset(ctx, assetID)
	})
	if err != nil {
		return "", fmt.Errorf("load asset: %w", err)
	}
	url, err := s.store.SignedURL(ctx, asset.Bucket, asset.Key, ttl)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", asset.Key, err)
	}
	return url, nil
}
