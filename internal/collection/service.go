// Package collection is the application service behind the CLI and the
// operations server. It composes scraping, storing, reclaiming, migration and
// sync over one index and one object store, caches read queries, and
// publishes an event after every state changing operation.
package collection

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/imagevault/internal/cache"
	"github.com/JakeFAU/imagevault/internal/catalog"
	"github.com/JakeFAU/imagevault/internal/ingest"
	"github.com/JakeFAU/imagevault/internal/labelsync"
	"github.com/JakeFAU/imagevault/internal/metrics"
	"github.com/JakeFAU/imagevault/internal/migrate"
	"github.com/JakeFAU/imagevault/internal/reclaim"
)

// DefaultSignedURLTTL is used when a caller passes a non-positive TTL.
const DefaultSignedURLTTL = 15 * time.Minute

// Cache scopes.
const (
	scopeScrape     = "scrape"
	scopeCollection = "collection"
	scopeAsset      = "asset"
	scopeProcessed  = "processed"
)

// Scraper extracts and merges images from a batch of pages.
type Scraper interface {
	Scrape(ctx context.Context, urls []string, preset catalog.SizePreset, mode catalog.ExtractionMode) catalog.ScrapeResult
}

// Storer commits a scrape's images to the object store.
type Storer interface {
	Store(ctx context.Context, scrapeID string) (ingest.Result, error)
}

// Reclaimer deletes orphaned assets.
type Reclaimer interface {
	Reclaim(ctx context.Context, assetIDs []string) (reclaim.Result, error)
}

// LayoutMigrator moves legacy processed keys to the partitioned layout.
type LayoutMigrator interface {
	Run(ctx context.Context, dryRun bool) (migrate.Result, error)
}

// LabelSyncer reconciles one label's processed images with the index.
type LabelSyncer interface {
	SyncLabel(ctx context.Context, labelID string) (labelsync.Result, error)
}

// Config carries service level settings.
type Config struct {
	EventTopic   string
	SignedURLTTL time.Duration
}

// Deps bundles the collaborators of a Service. Publisher and Cache may be nil.
type Deps struct {
	Index     catalog.Index
	Store     catalog.ObjectStore
	Scraper   Scraper
	Storer    Storer
	Reclaimer Reclaimer
	Migrator  LayoutMigrator
	Syncer    LabelSyncer
	Publisher catalog.Publisher
	Cache     *cache.Cache
	Clock     catalog.Clock
	IDs       catalog.IDGenerator
}

// Service implements the collection operations.
type Service struct {
	cfg       Config
	index     catalog.Index
	store     catalog.ObjectStore
	scraper   Scraper
	storer    Storer
	reclaimer Reclaimer
	migrator  LayoutMigrator
	syncer    LabelSyncer
	publisher catalog.Publisher
	cache     *cache.Cache
	clock     catalog.Clock
	ids       catalog.IDGenerator
	logger    *zap.Logger
}

// New validates deps and builds a Service.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Service, error) {
	switch {
	case deps.Index == nil:
		return nil, fmt.Errorf("index is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("object store is required")
	case deps.Scraper == nil:
		return nil, fmt.Errorf("scraper is required")
	case deps.Storer == nil:
		return nil, fmt.Errorf("storer is required")
	case deps.Reclaimer == nil:
		return nil, fmt.Errorf("reclaimer is required")
	case deps.Migrator == nil:
		return nil, fmt.Errorf("migrator is required")
	case deps.Syncer == nil:
		return nil, fmt.Errorf("label syncer is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = DefaultSignedURLTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		index:     deps.Index,
		store:     deps.Store,
		scraper:   deps.Scraper,
		storer:    deps.Storer,
		reclaimer: deps.Reclaimer,
		migrator:  deps.Migrator,
		syncer:    deps.Syncer,
		publisher: deps.Publisher,
		cache:     deps.Cache,
		clock:     deps.Clock,
		ids:       deps.IDs,
		logger:    logger.Named("collection"),
	}, nil
}

var tracer = otel.Tracer("github.com/JakeFAU/imagevault/internal/collection")

// begin opens a span for the operation; the returned func ends it and records
// the duration.
func (s *Service) begin(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func()) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "collection."+operation, trace.WithAttributes(attrs...))
	return ctx, func() {
		span.End()
		metrics.ObserveOperation(operation, time.Since(start))
	}
}

// publish emits an OperationEvent. Failures are logged and never returned.
func (s *Service) publish(ctx context.Context, operation, subject string, counts map[string]int, errCount int) {
	if s.publisher == nil {
		return
	}
	event := catalog.OperationEvent{
		Operation: operation,
		Subject:   subject,
		Counts:    counts,
		Errors:    errCount,
		At:        s.clock.Now(),
	}
	id, err := s.publisher.Publish(ctx, s.cfg.EventTopic, event)
	if err != nil {
		metrics.ObserveEvent(operation, "error")
		s.logger.Warn("event publish failed", zap.String("operation", operation), zap.Error(err))
		return
	}
	metrics.ObserveEvent(operation, "published")
	s.logger.Debug("event published", zap.String("operation", operation), zap.String("message_id", id))
}

func (s *Service) invalidate(scopes ...string) {
	if n := s.cache.Invalidate(scopes...); n > 0 {
		s.logger.Debug("cache invalidated", zap.Strings("scopes", scopes), zap.Int("entries", n))
	}
}
