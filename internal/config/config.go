// Package config loads the immutable-after-startup configuration shared
// by the gateway and inference processes: a TOML file overlaid with
// environment variables, in the same koanf pattern used throughout this
// corpus.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// Config holds every knob named in spec §6. All fields are read once at
// startup and never mutated afterward.
type Config struct {
	// Shared
	BindAddress string `koanf:"bind_address"`
	Port        int    `koanf:"port"`
	MetricsAddr string `koanf:"metrics_address"`
	HealthAddr  string `koanf:"health_address"`
	LogLevel    string `koanf:"log_level"`

	// Batching (inference process)
	MaxBatchSize   int           `koanf:"max_batch_size"`
	BatchTimeout   time.Duration `koanf:"batch_timeout"`
	NumCollectors  int           `koanf:"num_collectors"`
	NumWorkers     int           `koanf:"num_workers"`
	QueueCapacity  int           `koanf:"queue_capacity"`
	RequestMaxLen  int           `koanf:"request_max_len"`
	RequestDefault time.Duration `koanf:"request_default_deadline"`

	// Upstream (gateway -> inference)
	InferenceURL     string        `koanf:"inference_url"`
	UpstreamTimeout  time.Duration `koanf:"upstream_timeout"`
	MaxIdleConnsHost int           `koanf:"max_idle_conns_per_host"`

	// Rate limiting (gateway)
	RateLimitMinute  int64  `koanf:"rate_limit_minute"`
	RateLimitHour    int64  `koanf:"rate_limit_hour"`
	BypassRateLimits bool   `koanf:"bypass_rate_limits"`
	CounterStoreURL  string `koanf:"counter_store_url"`

	// Auth (gateway)
	PostgresDSN   string `koanf:"postgres_dsn"`
	AuthCachePath string `koanf:"auth_cache_path"`

	// Audit (supplemental, optional)
	AuditNATSURL string `koanf:"audit_nats_url"`
}

// Load reads path (a TOML file) and overlays matching environment
// variables: only env vars prefixed BATCHGATE_ are read; the prefix is
// stripped and the rest lowercased, so BATCHGATE_MAX_BATCH_SIZE overrides
// max_batch_size.
func Load(path string) (*Config, error) {
	ko := koanf.New(".")

	if err := ko.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}

	if err := ko.Load(env.Provider("BATCHGATE_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "BATCHGATE_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	cfg := defaults()
	if err := ko.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		BindAddress:      "0.0.0.0",
		Port:             8080,
		MetricsAddr:      ":9090",
		HealthAddr:       ":9091",
		LogLevel:         "info",
		MaxBatchSize:     32,
		BatchTimeout:     10 * time.Millisecond,
		NumCollectors:    4,
		NumWorkers:       2,
		QueueCapacity:    1024,
		RequestMaxLen:    1024,
		RequestDefault:   5 * time.Second,
		UpstreamTimeout:  5 * time.Second,
		MaxIdleConnsHost: 64,
		RateLimitMinute:  60,
		RateLimitHour:    1000,
		BypassRateLimits: false,
	}
}

func validate(cfg *Config) error {
	if cfg.MaxBatchSize < 1 {
		return fmt.Errorf("max_batch_size must be >= 1, got %d", cfg.MaxBatchSize)
	}
	if cfg.BatchTimeout <= 0 {
		return fmt.Errorf("batch_timeout must be > 0, got %s", cfg.BatchTimeout)
	}
	if cfg.NumCollectors < 1 {
		return fmt.Errorf("num_collectors must be >= 1, got %d", cfg.NumCollectors)
	}
	if cfg.NumWorkers < 1 {
		return fmt.Errorf("num_workers must be >= 1, got %d", cfg.NumWorkers)
	}
	if cfg.QueueCapacity < cfg.MaxBatchSize {
		return fmt.Errorf("queue_capacity (%d) must be >= max_batch_size (%d)", cfg.QueueCapacity, cfg.MaxBatchSize)
	}
	return nil
}

// UpdateLogLevel applies cfg.LogLevel to the global zerolog level.
func UpdateLogLevel(cfg *Config, logger *zerolog.Logger) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
		logger.Warn().Str("configured_level", cfg.LogLevel).Msg("unknown log level, defaulting to info")
	}
	zerolog.SetGlobalLevel(level)
}
