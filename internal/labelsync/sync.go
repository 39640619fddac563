// Package labelsync reconciles the processed images stored under one label's
// partition with ProcessedAsset rows in the index.
package labelsync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/imagevault/internal/catalog"
	"github.com/JakeFAU/imagevault/internal/keys"
	"github.com/JakeFAU/imagevault/internal/metrics"
	"github.com/JakeFAU/imagevault/internal/migrate"
)

// Index is the slice of the relational index the sync engine needs.
type Index interface {
	GetLabel(ctx context.Context, id string) (catalog.Label, error)
	FindAssetByBaseName(ctx context.Context, base string) (catalog.Asset, error)
	FindScrapedImageByAsset(ctx context.Context, assetID string) (catalog.ScrapedImage, error)
	GetScrape(ctx context.Context, id string) (catalog.Scrape, error)
	FindOrCreateProcessingRun(ctx context.Context, run catalog.ProcessingRun) (catalog.ProcessingRun, error)
	FindProcessedAssetByKey(ctx context.Context, bucket, key string) (catalog.ProcessedAsset, error)
	CreateProcessedAsset(ctx context.Context, asset catalog.ProcessedAsset) error
	UpdateProcessedAsset(ctx context.Context, asset catalog.ProcessedAsset) error
}

// Migrator moves legacy keys into the partitioned layout.
type Migrator interface {
	LegacyKeys(ctx context.Context) ([]string, error)
	MigrateKey(ctx context.Context, key string, dryRun bool) (migrate.KeyResult, error)
}

// Config carries the bucket holding processed images.
type Config struct {
	Bucket string
}

// Result summarizes one sync run.
type Result struct {
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors"`
}

// Engine syncs one label at a time.
type Engine struct {
	cfg      Config
	index    Index
	store    catalog.ObjectStore
	migrator Migrator
	ids      catalog.IDGenerator
	logger   *zap.Logger
}

// New constructs an Engine.
func New(cfg Config, index Index, store catalog.ObjectStore, migrator Migrator, ids catalog.IDGenerator, logger *zap.Logger) (*Engine, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if index == nil || store == nil || migrator == nil || ids == nil {
		return nil, fmt.Errorf("index, store, migrator and id generator are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, index: index, store: store, migrator: migrator, ids: ids, logger: logger.Named("labelsync")}, nil
}

type outcome string

const (
	processed outcome = "processed"
	skipped   outcome = "skipped"
	failed    outcome = "failed"
)

// SyncLabel migrates the label's legacy keys, then creates or updates a
// ProcessedAsset row for every object under the label's partition. Labels are
// never created here: an unknown labelID is an error.
func (e *Engine) SyncLabel(ctx context.Context, labelID string) (Result, error) {
	label, err := e.index.GetLabel(ctx, labelID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve label %s: %w", labelID, err)
	}
	logger := e.logger.With(zap.String("label", label.Name))

	var (
		res  Result
		errs catalog.ErrorList
	)
	tally := func(o outcome) {
		switch o {
		case processed:
			res.Processed++
		case skipped:
			res.Skipped++
		case failed:
			res.Failed++
		}
		metrics.ObserveSyncKey(string(o))
	}

	legacy, err := e.migrator.LegacyKeys(ctx)
	if err != nil {
		return Result{}, err
	}
	for _, key := range legacy {
		pk, err := keys.ParseLegacy(key)
		if err != nil || pk.Label != label.Name {
			continue
		}
		kr, err := e.migrator.MigrateKey(ctx, key, false)
		if kr.Outcome == migrate.OutcomeFailed {
			errs.Add(key, err)
			tally(failed)
			continue
		}
		if err != nil {
			errs.Add(key, err)
			tally(skipped)
		}
	}

	objects, err := e.store.List(ctx, e.cfg.Bucket, keys.LabelPrefix(label.Name))
	if err != nil {
		return Result{}, fmt.Errorf("list %s: %w", keys.LabelPrefix(label.Name), err)
	}
	for _, key := range objects {
		if err := ctx.Err(); err != nil {
			res.Errors = errs.Messages()
			return res, fmt.Errorf("sync canceled: %w", err)
		}
		o, err := e.syncKey(ctx, label, key)
		if err != nil {
			logger.Warn("processed key not synced", zap.String("key", key), zap.String("outcome", string(o)), zap.Error(err))
			errs.Add(key, err)
		}
		tally(o)
	}

	res.Errors = errs.Messages()
	logger.Info("label sync finished",
		zap.Int("processed", res.Processed),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// resolveFailure classifies a lookup error: a missing record makes the key
// unresolvable (skipped), anything else is a failure.
func resolveFailure(what string, err error) (outcome, error) {
	if catalog.IsNotFound(err) {
		return skipped, fmt.Errorf("unresolvable %s: %w", what, err)
	}
	return failed, fmt.Errorf("resolve %s: %w", what, err)
}

func (e *Engine) syncKey(ctx context.Context, label catalog.Label, key string) (outcome, error) {
	pk, err := keys.Parse(key)
	if err != nil {
		return skipped, err
	}
	if pk.Layout != keys.Partitioned || pk.Label != label.Name {
		return skipped, fmt.Errorf("key does not belong to label %q", label.Name)
	}

	asset, err := e.index.FindAssetByBaseName(ctx, pk.Base)
	if err != nil {
		return resolveFailure("source asset", err)
	}
	img, err := e.index.FindScrapedImageByAsset(ctx, asset.ID)
	if err != nil {
		return resolveFailure("scraped image", err)
	}
	scrape, err := e.index.GetScrape(ctx, img.ScrapeID)
	if err != nil {
		return resolveFailure("scrape", err)
	}

	runID, err := e.ids.NewID()
	if err != nil {
		return failed, fmt.Errorf("generate run id: %w", err)
	}
	run, err := e.index.FindOrCreateProcessingRun(ctx, catalog.ProcessingRun{
		ID:              runID,
		PageReferenceID: scrape.PageReferenceID,
		LabelID:         label.ID,
	})
	if err != nil {
		return failed, fmt.Errorf("processing run: %w", err)
	}

	existing, err := e.index.FindProcessedAssetByKey(ctx, e.cfg.Bucket, key)
	if catalog.IsNotFound(err) {
		// A row left at the legacy key by an unfinished migration is moved
		// here rather than duplicated.
		existing, err = e.index.FindProcessedAssetByKey(ctx, e.cfg.Bucket, pk.LegacyKey())
	}
	switch {
	case err == nil:
		existing.Key = key
		existing.RunID = run.ID
		existing.SourceAssetID = asset.ID
		existing.Filename = pk.Name()
		if err := e.index.UpdateProcessedAsset(ctx, existing); err != nil {
			return failed, fmt.Errorf("update processed asset: %w", err)
		}
	case catalog.IsNotFound(err):
		id, err := e.ids.NewID()
		if err != nil {
			return failed, fmt.Errorf("generate processed asset id: %w", err)
		}
		row := catalog.ProcessedAsset{
			ID:            id,
			RunID:         run.ID,
			SourceAssetID: asset.ID,
			Filename:      pk.Name(),
			Bucket:        e.cfg.Bucket,
			Key:           key,
		}
		if err := e.index.CreateProcessedAsset(ctx, row); err != nil {
			return failed, fmt.Errorf("create processed asset: %w", err)
		}
	default:
		return failed, fmt.Errorf("lookup processed asset: %w", err)
	}
	return processed, nil
}
