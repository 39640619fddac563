// Package config loads and validates imagevault configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/imagevault/internal/catalog"
)

// EnvPrefix prefixes every environment override, e.g. IMAGEVAULT_DB_DSN.
const EnvPrefix = "IMAGEVAULT"

// Storage backends.
const (
	BackendGCS    = "gcs"
	BackendS3     = "s3"
	BackendLocal  = "local"
	BackendMemory = "memory"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Migration MigrationConfig `mapstructure:"migration"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls the operations HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// HTTPConfig configures outbound page and image fetches.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`

	// HostRPS throttles fetches per host; zero disables throttling.
	HostRPS     float64 `mapstructure:"host_rps"`
	HostBurst   int     `mapstructure:"host_burst"`
	MaxAttempts int     `mapstructure:"max_attempts"`

	// BlockedDomains lists hosts never fetched; "*.example.com" matches
	// subdomains.
	BlockedDomains []string `mapstructure:"blocked_domains"`
}

// HeadlessConfig configures the headless renderer used by heavy mode.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	SettleMillis  int  `mapstructure:"settle_ms"`
	SkipScroll    bool `mapstructure:"skip_scroll"`

	// PromoteOnly renders a heavy-mode page only when its static markup
	// looks script-driven.
	PromoteOnly        bool `mapstructure:"promote_only"`
	PromotionThreshold int  `mapstructure:"promotion_threshold"`
}

// ScrapeConfig bounds extraction fan-out and supplies CLI defaults.
type ScrapeConfig struct {
	Concurrency      int    `mapstructure:"concurrency"`
	ImageConcurrency int    `mapstructure:"image_concurrency"`
	DefaultPreset    string `mapstructure:"default_preset"`
	DefaultMode      string `mapstructure:"default_mode"`
}

// StorageConfig selects the object store backend.
type StorageConfig struct {
	Backend             string             `mapstructure:"backend"`
	Bucket              string             `mapstructure:"bucket"`
	SignedURLTTLSeconds int                `mapstructure:"signed_url_ttl_seconds"`
	GCS                 GCSConfig          `mapstructure:"gcs"`
	S3                  S3Config           `mapstructure:"s3"`
	Local               LocalStorageConfig `mapstructure:"local"`
}

// GCSConfig configures Google Cloud Storage.
type GCSConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"`
}

// S3Config configures any S3 compatible endpoint.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// LocalStorageConfig configures the filesystem backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DBConfig controls access to the relational index. An empty DSN selects the
// in-memory index.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	MigrateOnStart         bool   `mapstructure:"migrate_on_start"`
}

// PubSubConfig holds metadata for operation events. An empty project ID keeps
// events in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// CacheConfig sizes the query cache; zero disables it.
type CacheConfig struct {
	Size int `mapstructure:"size"`
}

// MigrationConfig bounds layout migration runs.
type MigrationConfig struct {
	MaxKeys int `mapstructure:"max_keys"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// SearchPaths are the directories searched for imagevault.{yaml,json,toml}
// when Load is given no explicit path.
var SearchPaths = []string{".", "/etc/imagevault", "$HOME/.imagevault"}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("imagevault")
		for _, dir := range SearchPaths {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "imagevault/0.1")
	v.SetDefault("http.max_body_bytes", 32<<20)
	v.SetDefault("http.host_rps", 0)
	v.SetDefault("http.host_burst", 4)
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.blocked_domains", []string{})
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.settle_ms", 500)
	v.SetDefault("headless.skip_scroll", false)
	v.SetDefault("headless.promote_only", true)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("scrape.concurrency", 4)
	v.SetDefault("scrape.image_concurrency", 8)
	v.SetDefault("scrape.default_preset", string(catalog.SizeAll))
	v.SetDefault("scrape.default_mode", string(catalog.ModeLight))
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.bucket", "imagevault")
	v.SetDefault("storage.signed_url_ttl_seconds", 900)
	v.SetDefault("storage.local.base_dir", "./data")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.use_ssl", true)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_minutes", 60)
	v.SetDefault("db.migrate_on_start", false)
	v.SetDefault("pubsub.topic_name", "imagevault-events")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("cache.size", 1024)
	v.SetDefault("migration.max_keys", 0)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.service_name", "imagevault")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxBodyBytes < 0 {
		return fmt.Errorf("http.max_body_bytes must be >= 0")
	}
	if c.HTTP.HostRPS < 0 {
		return fmt.Errorf("http.host_rps must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Headless.Enabled && c.Headless.NavTimeoutSec <= 0 {
		return fmt.Errorf("headless.nav_timeout_seconds must be > 0 when headless is enabled")
	}
	if c.Scrape.Concurrency <= 0 {
		return fmt.Errorf("scrape.concurrency must be > 0")
	}
	if c.Scrape.ImageConcurrency <= 0 {
		return fmt.Errorf("scrape.image_concurrency must be > 0")
	}
	if _, err := catalog.ParseSizePreset(c.Scrape.DefaultPreset); err != nil {
		return fmt.Errorf("scrape.default_preset: %w", err)
	}
	if _, err := catalog.ParseExtractionMode(c.Scrape.DefaultMode); err != nil {
		return fmt.Errorf("scrape.default_mode: %w", err)
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if c.DB.DSN != "" && c.DB.MaxConns <= 0 {
		return fmt.Errorf("db.max_conns must be > 0")
	}
	if c.DB.MinConns < 0 || c.DB.MinConns > c.DB.MaxConns {
		return fmt.Errorf("db.min_conns must be between 0 and db.max_conns")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	if c.Cache.Size < 0 {
		return fmt.Errorf("cache.size must be >= 0")
	}
	if c.Migration.MaxKeys < 0 {
		return fmt.Errorf("migration.max_keys must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Telemetry.TracingEnabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name must be set when tracing is enabled")
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("telemetry.sample_ratio must be in [0, 1]")
		}
	}
	return nil
}

func (s StorageConfig) validate() error {
	if s.Bucket == "" {
		return fmt.Errorf("storage.bucket is required")
	}
	if s.SignedURLTTLSeconds <= 0 {
		return fmt.Errorf("storage.signed_url_ttl_seconds must be > 0")
	}
	switch s.Backend {
	case BackendGCS, BackendMemory:
	case BackendS3:
		if s.S3.Endpoint == "" {
			return fmt.Errorf("storage.s3.endpoint is required for the s3 backend")
		}
	case BackendLocal:
		if s.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of gcs, s3, local, memory; got %q", s.Backend)
	}
	return nil
}

// FetchTimeout converts http.timeout_seconds to a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// NavTimeout converts headless.nav_timeout_seconds to a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}

// Settle converts headless.settle_ms to a duration.
func (c Config) Settle() time.Duration {
	return time.Duration(c.Headless.SettleMillis) * time.Millisecond
}

// SignedURLTTL converts storage.signed_url_ttl_seconds to a duration.
func (c Config) SignedURLTTL() time.Duration {
	return time.Duration(c.Storage.SignedURLTTLSeconds) * time.Second
}

// MaxConnLifetime converts db.max_conn_lifetime_minutes to a duration.
func (c Config) MaxConnLifetime() time.Duration {
	return time.Duration(c.DB.MaxConnLifetimeMinutes) * time.Minute
}
