// Package config loads and validates clipqueue configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. CLIPQUEUE_DATABASE_DSN.
const EnvPrefix = "CLIPQUEUE"

// MaxHeartbeatInterval bounds how long a cancellation can go unobserved.
const MaxHeartbeatInterval = 10 * time.Second

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	JobLog    JobLogConfig    `mapstructure:"joblog"`
}

// ServerConfig controls the supervisor HTTP server.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	LogFollowInterval time.Duration `mapstructure:"log_follow_interval"`
	// RunReaper starts the stale-job reaper next to the API.
	RunReaper bool `mapstructure:"run_reaper"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and sets the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DatabaseConfig selects the store backend. An empty DSN runs everything in
// memory, which only makes sense when serve and work share a process.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// WorkerConfig tunes the worker loop and the reaper.
type WorkerConfig struct {
	ID                   string        `mapstructure:"id"`
	Count                int           `mapstructure:"count"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	ProgressBatch        int           `mapstructure:"progress_batch"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffCap           time.Duration `mapstructure:"backoff_cap"`
	FinalizeTimeout      time.Duration `mapstructure:"finalize_timeout"`
	// StaleMultiplier times HeartbeatInterval is the silence after which a
	// running job is reclaimed.
	StaleMultiplier int           `mapstructure:"stale_multiplier"`
	ReaperInterval  time.Duration `mapstructure:"reaper_interval"`
}

// StaleAfter is the heartbeat silence the reaper tolerates.
func (w WorkerConfig) StaleAfter() time.Duration {
	return time.Duration(w.StaleMultiplier) * w.HeartbeatInterval
}

// DiscoveryConfig bounds the discovery engine and the csv_upload handler.
type DiscoveryConfig struct {
	Concurrency         int           `mapstructure:"concurrency"`
	MaxInFlightEntities int           `mapstructure:"max_in_flight_entities"`
	ScoreFloor          float64       `mapstructure:"score_floor"`
	FetchTimeout        time.Duration `mapstructure:"fetch_timeout"`
	ReprocessPageSize   int           `mapstructure:"reprocess_page_size"`
	BlockedDomains      []string      `mapstructure:"blocked_domains"`
}

// RetryConfig overrides per-outcome cooldowns, keyed by outcome name.
type RetryConfig struct {
	Cooldowns map[string]time.Duration `mapstructure:"cooldowns"`
}

// SourcesConfig configures the source adapters.
type SourcesConfig struct {
	UserAgent     string          `mapstructure:"user_agent"`
	MaxBodyBytes  int             `mapstructure:"max_body_bytes"`
	PromoteBelow  int             `mapstructure:"promote_below"`
	MinTextLength int             `mapstructure:"min_text_length"`
	LoansTimeout  time.Duration   `mapstructure:"loans_timeout"`
	Robots        RobotsConfig    `mapstructure:"robots"`
	Headless      HeadlessConfig  `mapstructure:"headless"`
	RateLimit     RateLimitConfig `mapstructure:"rate_limit"`
	YouTube       YouTubeConfig   `mapstructure:"youtube"`
}

// RobotsConfig toggles robots.txt enforcement.
type RobotsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// HeadlessConfig configures chromedp rendering.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
}

// RateLimitConfig sets per-domain token buckets.
type RateLimitConfig struct {
	DefaultRPS   float64            `mapstructure:"default_rps"`
	DefaultBurst int                `mapstructure:"default_burst"`
	PerDomainRPS map[string]float64 `mapstructure:"per_domain_rps"`
}

// YouTubeConfig toggles the video adapter.
type YouTubeConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// StorageConfig selects the archive backend for accepted payloads.
type StorageConfig struct {
	Backend  string `mapstructure:"backend"`
	LocalDir string `mapstructure:"local_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// Archive backends.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// PubSubConfig holds metadata for result notifications. An empty ProjectID
// keeps notifications in process.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
	ProjectID   string `mapstructure:"project_id"`
}

// JobLogConfig sizes the job log hub.
type JobLogConfig struct {
	BufferSize   int           `mapstructure:"buffer_size"`
	MaxBatch     int           `mapstructure:"max_batch"`
	MaxBatchWait time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout  time.Duration `mapstructure:"sink_timeout"`
}

const keyDelimiter = "::"

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	// Map keys such as per-domain rate limits are host names, so the nesting
	// delimiter cannot be ".".
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
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
	v.SetDefault("server::port", 8080)
	v.SetDefault("server::request_timeout", 60*time.Second)
	v.SetDefault("server::shutdown_timeout", 15*time.Second)
	v.SetDefault("server::log_follow_interval", time.Second)
	v.SetDefault("server::run_reaper", true)
	v.SetDefault("auth::enabled", false)
	v.SetDefault("auth::api_key", "")
	v.SetDefault("logging::development", true)
	v.SetDefault("logging::level", "info")
	v.SetDefault("database::dsn", "")
	v.SetDefault("database::max_conns", 10)
	v.SetDefault("worker::id", "")
	v.SetDefault("worker::count", 1)
	v.SetDefault("worker::heartbeat_interval", 5*time.Second)
	v.SetDefault("worker::poll_interval", 2*time.Second)
	v.SetDefault("worker::progress_batch", 10)
	v.SetDefault("worker::max_consecutive_errors", 5)
	v.SetDefault("worker::backoff_base", 5*time.Second)
	v.SetDefault("worker::backoff_cap", 60*time.Second)
	v.SetDefault("worker::finalize_timeout", 30*time.Second)
	v.SetDefault("worker::stale_multiplier", 3)
	v.SetDefault("worker::reaper_interval", 5*time.Minute)
	v.SetDefault("discovery::concurrency", 5)
	v.SetDefault("discovery::max_in_flight_entities", 0)
	v.SetDefault("discovery::score_floor", 5.0)
	v.SetDefault("discovery::fetch_timeout", 30*time.Second)
	v.SetDefault("discovery::reprocess_page_size", 100)
	v.SetDefault("discovery::blocked_domains", []string{})
	v.SetDefault("sources::user_agent", "clipqueue/0.1 (+https://driveshop.com)")
	v.SetDefault("sources::max_body_bytes", 10<<20)
	v.SetDefault("sources::promote_below", 2048)
	v.SetDefault("sources::min_text_length", 200)
	v.SetDefault("sources::loans_timeout", 60*time.Second)
	v.SetDefault("sources::robots::enabled", true)
	v.SetDefault("sources::robots::timeout", 10*time.Second)
	v.SetDefault("sources::robots::cache_ttl", time.Hour)
	v.SetDefault("sources::headless::enabled", false)
	v.SetDefault("sources::headless::max_parallel", 1)
	v.SetDefault("sources::headless::navigation_timeout", 45*time.Second)
	v.SetDefault("sources::headless::settle_delay", time.Second)
	v.SetDefault("sources::rate_limit::default_rps", 1.0)
	v.SetDefault("sources::rate_limit::default_burst", 1)
	v.SetDefault("sources::youtube::enabled", true)
	v.SetDefault("storage::backend", BackendNone)
	v.SetDefault("storage::local_dir", "./archive")
	v.SetDefault("storage::prefix", "clips")
	v.SetDefault("pubsub::topic_name", "clip-results")
	v.SetDefault("telemetry::service_name", "clipqueue")
	v.SetDefault("telemetry::version", "dev")
	v.SetDefault("joblog::buffer_size", 1024)
	v.SetDefault("joblog::max_batch", 50)
	v.SetDefault("joblog::max_batch_wait", 500*time.Millisecond)
	v.SetDefault("joblog::sink_timeout", 5*time.Second)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be > 0")
	}
	if c.Worker.HeartbeatInterval <= 0 || c.Worker.HeartbeatInterval > MaxHeartbeatInterval {
		return fmt.Errorf("worker.heartbeat_interval must be within (0, %s]", MaxHeartbeatInterval)
	}
	if c.Worker.StaleMultiplier < 2 {
		return fmt.Errorf("worker.stale_multiplier must be >= 2")
	}
	if c.Worker.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("worker.max_consecutive_errors must be > 0")
	}
	if c.Worker.BackoffBase <= 0 || c.Worker.BackoffCap < c.Worker.BackoffBase {
		return fmt.Errorf("worker.backoff_cap must be >= worker.backoff_base > 0")
	}
	if c.Discovery.Concurrency <= 0 {
		return fmt.Errorf("discovery.concurrency must be > 0")
	}
	if c.Discovery.ScoreFloor < 0 || c.Discovery.ScoreFloor > 10 {
		return fmt.Errorf("discovery.score_floor must be within [0, 10]")
	}
	if c.Sources.Headless.Enabled && c.Sources.Headless.MaxParallel <= 0 {
		return fmt.Errorf("sources.headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Backend {
	case BackendNone, BackendMemory, BackendLocal:
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of none, memory, local, gcs", c.Storage.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	return nil
}
