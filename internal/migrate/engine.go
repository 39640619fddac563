// Package migrate moves processed images from the legacy flat layout
// (processed/<name>) to the label partitioned layout (processed/<label>/<name>).
//
// Every step is ordered so that a crash leaves a state a rerun can finish:
// the target is written before the row is repointed, and the legacy object is
// deleted last.
package migrate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/JakeFAU/imagevault/internal/catalog"
	"github.com/JakeFAU/imagevault/internal/keys"
	"github.com/JakeFAU/imagevault/internal/metrics"
)

// Outcome classifies what happened to one legacy key.
type Outcome string

// Key outcomes.
const (
	OutcomeMigrated Outcome = "migrated"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// Index is the slice of the relational index the engine needs.
type Index interface {
	FindLabelByName(ctx context.Context, name string) (catalog.Label, error)
	FindProcessedAssetByKey(ctx context.Context, bucket, key string) (catalog.ProcessedAsset, error)
	UpdateProcessedAsset(ctx context.Context, asset catalog.ProcessedAsset) error
	DeleteProcessedAsset(ctx context.Context, id string) error
	RepointProcessedAsset(ctx context.Context, bucket, oldKey, newKey string) (bool, error)
}

// Config tunes a migration run.
type Config struct {
	Bucket string
	// MaxKeys bounds the number of legacy keys examined per run; zero means all.
	MaxKeys int
}

// Action is one move a dry run would perform.
type Action struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Result summarizes one migration run.
type Result struct {
	Migrated int      `json:"migrated"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors"`
	Actions  []Action `json:"actions,omitempty"`
}

// KeyResult is the outcome for a single legacy key.
type KeyResult struct {
	Outcome Outcome
	Source  string
	Target  string
	Label   string
}

// Engine migrates legacy processed keys.
type Engine struct {
	cfg    Config
	index  Index
	store  catalog.ObjectStore
	logger *zap.Logger
}

// New constructs an Engine.
func New(cfg Config, index Index, store catalog.ObjectStore, logger *zap.Logger) (*Engine, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.MaxKeys < 0 {
		return nil, fmt.Errorf("max keys must be >= 0")
	}
	if index == nil {
		return nil, fmt.Errorf("index is required")
	}
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, index: index, store: store, logger: logger.Named("migrate")}, nil
}

// Bucket returns the bucket the engine operates on.
func (e *Engine) Bucket() string {
	return e.cfg.Bucket
}

// LegacyKeys lists the keys sitting directly under processed/.
func (e *Engine) LegacyKeys(ctx context.Context) ([]string, error) {
	all, err := e.store.List(ctx, e.cfg.Bucket, keys.ProcessedPrefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", keys.ProcessedPrefix, err)
	}
	out := make([]string, 0, len(all))
	for _, key := range all {
		if keys.IsRootProcessed(key) {
			out = append(out, key)
		}
	}
	return out, nil
}

// Run migrates every legacy key. A dry run resolves labels and checks
// targets but writes nothing; would-migrate keys are counted as migrated and
// listed in Actions.
func (e *Engine) Run(ctx context.Context, dryRun bool) (Result, error) {
	legacy, err := e.LegacyKeys(ctx)
	if err != nil {
		return Result{}, err
	}
	if e.cfg.MaxKeys > 0 && len(legacy) > e.cfg.MaxKeys {
		legacy = legacy[:e.cfg.MaxKeys]
	}

	var (
		res  Result
		errs catalog.ErrorList
	)
	for _, key := range legacy {
		if err := ctx.Err(); err != nil {
			res.Errors = errs.Messages()
			return res, fmt.Errorf("migration canceled: %w", err)
		}
		kr, err := e.MigrateKey(ctx, key, dryRun)
		if err != nil {
			errs.Add(key, err)
		}
		switch kr.Outcome {
		case OutcomeMigrated:
			res.Migrated++
			if dryRun {
				res.Actions = append(res.Actions, Action{From: kr.Source, To: kr.Target})
			}
		case OutcomeSkipped:
			res.Skipped++
		case OutcomeFailed:
			res.Failed++
		}
	}
	res.Errors = errs.Messages()
	e.logger.Info("layout migration finished",
		zap.Bool("dry_run", dryRun),
		zap.Int("candidates", len(legacy)),
		zap.Int("migrated", res.Migrated),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// MigrateKey moves one legacy key. The returned error explains a skipped or
// failed outcome; a skip because the target already exists carries no error.
func (e *Engine) MigrateKey(ctx context.Context, key string, dryRun bool) (KeyResult, error) {
	kr, err := e.migrateKey(ctx, key, dryRun)
	if !dryRun {
		metrics.ObserveMigrationKey(string(kr.Outcome))
	}
	logger := e.logger.With(zap.String("key", key), zap.String("outcome", string(kr.Outcome)))
	if err != nil {
		logger.Warn("legacy key not migrated", zap.Error(err))
	} else {
		logger.Debug("legacy key handled", zap.String("target", kr.Target), zap.Bool("dry_run", dryRun))
	}
	return kr, err
}

func (e *Engine) migrateKey(ctx context.Context, key string, dryRun bool) (KeyResult, error) {
	kr := KeyResult{Source: key, Outcome: OutcomeSkipped}
	pk, err := keys.ParseLegacy(key)
	if err != nil {
		return kr, err
	}
	kr.Label = pk.Label
	kr.Target = pk.PartitionedKey()

	if _, err := e.index.FindLabelByName(ctx, pk.Label); err != nil {
		if catalog.IsNotFound(err) {
			return kr, fmt.Errorf("unknown label %q: %w", pk.Label, err)
		}
		kr.Outcome = OutcomeFailed
		return kr, fmt.Errorf("resolve label %q: %w", pk.Label, err)
	}

	exists, err := e.store.Exists(ctx, e.cfg.Bucket, kr.Target)
	if err != nil {
		kr.Outcome = OutcomeFailed
		return kr, fmt.Errorf("check target %s: %w", kr.Target, err)
	}
	if exists {
		if dryRun {
			return kr, nil
		}
		// A previous run copied the bytes and stopped; finish the tail.
		if err := e.finish(ctx, key, kr.Target); err != nil {
			kr.Outcome = OutcomeFailed
			return kr, err
		}
		return kr, nil
	}

	kr.Outcome = OutcomeMigrated
	if dryRun {
		return kr, nil
	}
	if err := e.copy(ctx, key, kr.Target); err != nil {
		kr.Outcome = OutcomeFailed
		return kr, err
	}
	if err := e.finish(ctx, key, kr.Target); err != nil {
		kr.Outcome = OutcomeFailed
		return kr, err
	}
	return kr, nil
}

func (e *Engine) copy(ctx context.Context, from, to string) error {
	rc, err := e.store.Get(ctx, e.cfg.Bucket, from)
	if err != nil {
		return fmt.Errorf("download %s: %w", from, err)
	}
	data, err := io.ReadAll(rc)
	closeErr := rc.Close()
	if err != nil {
		return fmt.Errorf("read %s: %w", from, err)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", from, closeErr)
	}
	contentType := mimetype.Detect(data).String()
	if err := e.store.Put(ctx, e.cfg.Bucket, to, contentType, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("upload %s: %w", to, err)
	}
	return nil
}

// finish repoints the row (if any) and removes the legacy object.
func (e *Engine) finish(ctx context.Context, from, to string) error {
	moved, err := e.index.RepointProcessedAsset(ctx, e.cfg.Bucket, from, to)
	switch {
	case errors.Is(err, catalog.ErrConflict):
		if err := e.mergeRows(ctx, from, to); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("repoint processed asset: %w", err)
	case !moved:
		e.logger.Debug("no processed asset row for legacy key", zap.String("key", from))
	}
	if err := e.store.Delete(ctx, e.cfg.Bucket, from); err != nil {
		return fmt.Errorf("delete legacy %s: %w", from, err)
	}
	return nil
}

// mergeRows folds the legacy row into the row already at the target key, then
// drops the legacy row. The target row is written first so a rerun after a
// crash merges again and converges.
func (e *Engine) mergeRows(ctx context.Context, from, to string) error {
	old, err := e.index.FindProcessedAssetByKey(ctx, e.cfg.Bucket, from)
	if err != nil {
		return fmt.Errorf("load legacy processed asset: %w", err)
	}
	cur, err := e.index.FindProcessedAssetByKey(ctx, e.cfg.Bucket, to)
	if err != nil {
		return fmt.Errorf("load target processed asset: %w", err)
	}
	cur.Hidden = cur.Hidden || old.Hidden
	cur.Flagged = cur.Flagged || old.Flagged
	if cur.Score == nil {
		cur.Score = old.Score
	}
	if err := e.index.UpdateProcessedAsset(ctx, cur); err != nil {
		return fmt.Errorf("merge processed asset: %w", err)
	}
	if err := e.index.DeleteProcessedAsset(ctx, old.ID); err != nil && !catalog.IsNotFound(err) {
		return fmt.Errorf("drop legacy processed asset: %w", err)
	}
	e.logger.Info("merged duplicate processed asset rows",
		zap.String("legacy_id", old.ID), zap.String("target_id", cur.ID))
	return nil
}
