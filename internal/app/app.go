// Package app initializes and holds long-lived application services, acting
// as a dependency injection container. Backends are chosen once here from
// configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
	"go.uber.org/zap"

	"github.com/JakeFAU/imagevault/internal/cache"
	"github.com/JakeFAU/imagevault/internal/catalog"
	"github.com/JakeFAU/imagevault/internal/clock/system"
	"github.com/JakeFAU/imagevault/internal/collection"
	"github.com/JakeFAU/imagevault/internal/config"
	"github.com/JakeFAU/imagevault/internal/extract"
	collyfetcher "github.com/JakeFAU/imagevault/internal/fetcher/colly"
	"github.com/JakeFAU/imagevault/internal/fetcher/detector"
	headlessfetcher "github.com/JakeFAU/imagevault/internal/fetcher/headless"
	"github.com/JakeFAU/imagevault/internal/hash/sha256"
	"github.com/JakeFAU/imagevault/internal/id/uuid"
	"github.com/JakeFAU/imagevault/internal/ingest"
	"github.com/JakeFAU/imagevault/internal/labelsync"
	"github.com/JakeFAU/imagevault/internal/logging"
	"github.com/JakeFAU/imagevault/internal/metrics"
	"github.com/JakeFAU/imagevault/internal/migrate"
	"github.com/JakeFAU/imagevault/internal/policy"
	memorypublisher "github.com/JakeFAU/imagevault/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/imagevault/internal/publisher/pubsub"
	"github.com/JakeFAU/imagevault/internal/reclaim"
	"github.com/JakeFAU/imagevault/internal/scrape"
	gcsstorage "github.com/JakeFAU/imagevault/internal/storage/gcs"
	localstorage "github.com/JakeFAU/imagevault/internal/storage/local"
	memorystorage "github.com/JakeFAU/imagevault/internal/storage/memory"
	pgstore "github.com/JakeFAU/imagevault/internal/storage/postgres"
	s3storage "github.com/JakeFAU/imagevault/internal/storage/s3"
	"github.com/JakeFAU/imagevault/internal/telemetry"
)

// App holds the shared, long-lived services for one process.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	index   catalog.Index
	store   catalog.ObjectStore
	service *collection.Service
	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Service returns the collection service.
func (a *App) Service() *collection.Service { return a.service }

// Index returns the relational index.
func (a *App) Index() catalog.Index { return a.index }

// Store returns the object store.
func (a *App) Store() catalog.ObjectStore { return a.store }

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Build creates the application's dependencies. On failure everything built
// so far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx); err != nil {
		if closeErr := a.Close(context.Background()); closeErr != nil {
			logger.Warn("partial shutdown failed", zap.Error(closeErr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	metrics.Init()
	if err := a.setupTelemetry(ctx); err != nil {
		return err
	}
	var err error
	if a.store, err = a.setupStorage(ctx); err != nil {
		return err
	}
	if a.index, err = a.setupIndex(ctx); err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	a.service, err = a.setupService(publisher)
	return err
}

func (a *App) setupTelemetry(ctx context.Context) error {
	if !a.cfg.Telemetry.TracingEnabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Telemetry.ServiceName,
		SampleRatio: a.cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.onClose("tracer", tp.Shutdown)
	a.logger.Info("tracing enabled", zap.Float64("sample_ratio", a.cfg.Telemetry.SampleRatio))
	return nil
}

func (a *App) setupStorage(ctx context.Context) (catalog.ObjectStore, error) {
	sc := a.cfg.Storage
	switch sc.Backend {
	case config.BackendGCS:
		var opts []option.ClientOption
		if sc.GCS.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(sc.GCS.CredentialsFile))
		}
		client, err := gcs.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.onClose("gcs client", func(context.Context) error { return client.Close() })
		store, err := gcsstorage.New(client)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", sc.Bucket))
		return store, nil
	case config.BackendS3:
		store, err := s3storage.New(s3storage.Config{
			Endpoint:  sc.S3.Endpoint,
			AccessKey: sc.S3.AccessKey,
			SecretKey: sc.S3.SecretKey,
			Region:    sc.S3.Region,
			UseSSL:    sc.S3.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		a.logger.Info("using S3 storage backend", zap.String("endpoint", sc.S3.Endpoint), zap.String("bucket", sc.Bucket))
		return store, nil
	case config.BackendLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: sc.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", sc.Local.BaseDir))
		return store, nil
	case config.BackendMemory:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", sc.Backend)
	}
}

func (a *App) setupIndex(ctx context.Context) (catalog.Index, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, using in-memory index")
		return memorystorage.NewIndex(), nil
	}
	if a.cfg.DB.MigrateOnStart {
		if err := pgstore.MigrateUp(a.cfg.DB.DSN, logging.Component(a.logger, "schema")); err != nil {
			return nil, fmt.Errorf("schema migration failed: %w", err)
		}
	}
	index, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.MaxConnLifetime(),
	})
	if err != nil {
		return nil, fmt.Errorf("postgres index init failed: %w", err)
	}
	a.onClose("postgres index", func(context.Context) error { return index.Close() })
	a.logger.Info("postgres index initialized", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	return index, nil
}

func (a *App) setupPublisher(ctx context.Context) (catalog.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	publisher := gcppublisher.New(client, a.cfg.PubSub.TopicName)
	a.onClose("pubsub publisher", func(context.Context) error { return publisher.Close() })
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return publisher, nil
}

func (a *App) setupFetchers() (pages catalog.Fetcher, renderer catalog.Fetcher, err error) {
	retry := policy.DefaultRetry()
	retry.MaxAttempts = a.cfg.HTTP.MaxAttempts
	opts := policy.Options{
		Limiter:   policy.NewLimiter(policy.LimiterConfig{RPS: a.cfg.HTTP.HostRPS, Burst: a.cfg.HTTP.HostBurst}),
		Retry:     retry,
		Blocklist: policy.NewBlocklist(a.cfg.HTTP.BlockedDomains),
	}
	pages = policy.Wrap(collyfetcher.New(collyfetcher.Config{
		UserAgent:   a.cfg.HTTP.UserAgent,
		Timeout:     a.cfg.FetchTimeout(),
		MaxBodySize: a.cfg.HTTP.MaxBodyBytes,
	}), opts, logging.Component(a.logger, "fetch"))
	a.logger.Info("using colly fetcher",
		zap.String("user_agent", a.cfg.HTTP.UserAgent),
		zap.Float64("host_rps", a.cfg.HTTP.HostRPS),
		zap.Int("max_attempts", retry.MaxAttempts),
	)
	if !a.cfg.Headless.Enabled {
		return pages, nil, nil
	}
	headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.HTTP.UserAgent,
		NavigationTimeout: a.cfg.NavTimeout(),
		Settle:            a.cfg.Settle(),
		SkipScroll:        a.cfg.Headless.SkipScroll,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	a.onClose("headless fetcher", func(context.Context) error {
		headless.Close()
		return nil
	})
	a.logger.Info("using headless renderer for heavy mode", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	opts.Retry = policy.Retry{MaxAttempts: 1}
	return pages, policy.Wrap(headless, opts, logging.Component(a.logger, "render")), nil
}

func (a *App) setupService(publisher catalog.Publisher) (*collection.Service, error) {
	pages, renderer, err := a.setupFetchers()
	if err != nil {
		return nil, err
	}
	clock := system.New()
	ids := uuid.New()
	bucket := a.cfg.Storage.Bucket

	opts := []extract.Option{
		extract.WithConcurrency(a.cfg.Scrape.ImageConcurrency),
		extract.WithLogger(a.logger),
	}
	if renderer != nil {
		opts = append(opts, extract.WithRenderer(renderer))
		if a.cfg.Headless.PromoteOnly {
			opts = append(opts, extract.WithPromoter(detector.NewHeuristic(a.cfg.Headless.PromotionThreshold)))
		}
	}
	engine, err := extract.New(pages, opts...)
	if err != nil {
		return nil, fmt.Errorf("extraction engine init failed: %w", err)
	}
	scraper, err := scrape.New(engine, a.cfg.Scrape.Concurrency, a.logger)
	if err != nil {
		return nil, fmt.Errorf("scraper init failed: %w", err)
	}
	pipeline, err := ingest.New(ingest.Config{Bucket: bucket, FetchTimeout: a.cfg.FetchTimeout()}, ingest.Deps{
		Index:   a.index,
		Store:   a.store,
		Fetcher: pages,
		Hasher:  sha256.New(),
		Clock:   clock,
		IDs:     ids,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("ingest pipeline init failed: %w", err)
	}
	reclaimer, err := reclaim.New(a.index, a.store, a.logger)
	if err != nil {
		return nil, fmt.Errorf("reclaimer init failed: %w", err)
	}
	migrator, err := migrate.New(migrate.Config{Bucket: bucket, MaxKeys: a.cfg.Migration.MaxKeys}, a.index, a.store, a.logger)
	if err != nil {
		return nil, fmt.Errorf("layout migrator init failed: %w", err)
	}
	syncer, err := labelsync.New(labelsync.Config{Bucket: bucket}, a.index, a.store, migrator, ids, a.logger)
	if err != nil {
		return nil, fmt.Errorf("label sync init failed: %w", err)
	}
	queryCache, err := cache.New(a.cfg.Cache.Size)
	if err != nil {
		return nil, fmt.Errorf("query cache init failed: %w", err)
	}

	return collection.New(collection.Config{
		EventTopic:   a.cfg.PubSub.TopicName,
		SignedURLTTL: a.cfg.SignedURLTTL(),
	}, collection.Deps{
		Index:     a.index,
		Store:     a.store,
		Scraper:   scraper,
		Storer:    pipeline,
		Reclaimer: reclaimer,
		Migrator:  migrator,
		Syncer:    syncer,
		Publisher: publisher,
		Cache:     queryCache,
		Clock:     clock,
		IDs:       ids,
	}, a.logger)
}

// Close releases services in reverse construction order and flushes the
// logger. Every closer runs even when an earlier one fails.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
