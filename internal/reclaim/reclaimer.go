// Package reclaim deletes assets that no record references any more.
package reclaim

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/imagevault/internal/catalog"
	"github.com/JakeFAU/imagevault/internal/metrics"
)

// Index is the slice of the relational index the reclaimer needs.
type Index interface {
	GetAsset(ctx context.Context, id string) (catalog.Asset, error)
	CountAssetReferences(ctx context.Context, id string) (catalog.AssetReferences, error)
	DeleteAsset(ctx context.Context, id string) error
}

// Result summarizes one reclaim pass.
type Result struct {
	Reclaimed int      `json:"reclaimed"`
	Retained  int      `json:"retained"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors"`
}

// Reclaimer removes orphaned assets from storage and the index.
type Reclaimer struct {
	index  Index
	store  catalog.ObjectStore
	logger *zap.Logger
}

// New constructs a Reclaimer.
func New(index Index, store catalog.ObjectStore, logger *zap.Logger) (*Reclaimer, error) {
	if index == nil {
		return nil, fmt.Errorf("index is required")
	}
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reclaimer{index: index, store: store, logger: logger.Named("reclaim")}, nil
}

// Reclaim examines each candidate and deletes it only when it has no
// surviving page link, scraped image, or processed asset. Bytes go first; a
// storage failure is reported as a consistency warning and the row is still
// removed so the asset never resurfaces as reusable.
func (r *Reclaimer) Reclaim(ctx context.Context, assetIDs []string) (Result, error) {
	var (
		res  Result
		errs catalog.ErrorList
		seen = make(map[string]bool, len(assetIDs))
	)
	for _, id := range assetIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := ctx.Err(); err != nil {
			res.Errors = errs.Messages()
			return res, fmt.Errorf("reclaim canceled: %w", err)
		}
		outcome := r.reclaimOne(ctx, id, &errs)
		switch outcome {
		case "reclaimed":
			res.Reclaimed++
		case "retained":
			res.Retained++
		case "failed":
			res.Failed++
		}
		if outcome != "" {
			metrics.ObserveReclaim(outcome)
		}
	}
	res.Errors = errs.Messages()
	r.logger.Info("reclaim finished",
		zap.Int("candidates", len(seen)),
		zap.Int("reclaimed", res.Reclaimed),
		zap.Int("retained", res.Retained),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

func (r *Reclaimer) reclaimOne(ctx context.Context, id string, errs *catalog.ErrorList) string {
	asset, err := r.index.GetAsset(ctx, id)
	if err != nil {
		if catalog.IsNotFound(err) {
			r.logger.Debug("asset already gone", zap.String("asset_id", id))
			return ""
		}
		errs.Add(id, err)
		return "failed"
	}

	refs, err := r.index.CountAssetReferences(ctx, id)
	if err != nil {
		errs.Add(id, err)
		return "failed"
	}
	if !refs.Orphaned() {
		r.logger.Debug("asset retained",
			zap.String("asset_id", id),
			zap.Int("page_references", refs.PageReferences),
			zap.Int("scraped_images", refs.ScrapedImages),
			zap.Int("processed_assets", refs.ProcessedAssets),
		)
		return "retained"
	}

	if err := r.store.Delete(ctx, asset.Bucket, asset.Key); err != nil {
		warn := &catalog.ConsistencyWarning{Key: asset.Bucket + "/" + asset.Key, Detail: "object left behind for deleted asset", Err: err}
		r.logger.Warn("object delete failed", zap.String("asset_id", id), zap.Error(warn))
		errs.Add(id, warn)
	}
	if err := r.index.DeleteAsset(ctx, id); err != nil {
		errs.Add(id, err)
		return "failed"
	}
	return "reclaimed"
}
