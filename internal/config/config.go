// Package config provides centralized configuration for the ingestion
// pipeline. Configuration is loaded once at startup from an optional JSON
// file plus environment overrides, validated, and handed to components as
// immutable typed sections; components never read files or environment
// variables themselves.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// AppConfig is the complete application configuration.
type AppConfig struct {
	AppName string `json:"app_name" env:"APP_NAME"`

	Exchange  ExchangeConfig  `json:"exchange"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Cache     CacheConfig     `json:"cache"`
	Fetch     FetchConfig     `json:"fetch"`
	Validator ValidatorConfig `json:"validator"`
	Archive   ArchiveConfig   `json:"archive"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// ExchangeConfig configures the remote API transport.
type ExchangeConfig struct {
	BaseURL   string   `json:"base_url" env:"EXCHANGE_BASE_URL"`
	APIKey    string   `json:"api_key" env:"EXCHANGE_API_KEY"`
	APISecret string   `json:"api_secret" env:"EXCHANGE_API_SECRET"`
	Timeout   Duration `json:"timeout" env:"EXCHANGE_TIMEOUT"`
}

// RateLimitConfig configures the adaptive token bucket.
type RateLimitConfig struct {
	MaxRequestsPerWindow int      `json:"max_requests_per_window" env:"RATE_MAX_REQUESTS"`
	Window               Duration `json:"window" env:"RATE_WINDOW"`
	SafetyMargin         float64  `json:"safety_margin" env:"RATE_SAFETY_MARGIN"`
	MaxConcurrent        int64    `json:"max_concurrent" env:"RATE_MAX_CONCURRENT"`
	MaxAdmitWait         Duration `json:"max_admit_wait" env:"RATE_MAX_ADMIT_WAIT"`
	ShrinkFactor         float64  `json:"shrink_factor"`
	GrowFactor           float64  `json:"grow_factor"`
	ThrottleWindow       Duration `json:"throttle_window"`
	ThrottleThreshold    int      `json:"throttle_threshold"`
}

// CacheConfig configures the two-tier cache store.
type CacheConfig struct {
	Dir            string   `json:"dir" env:"CACHE_DIR"`
	MemoryCapacity int      `json:"memory_capacity" env:"CACHE_MEMORY_CAPACITY"`
	TTL            Duration `json:"ttl" env:"CACHE_TTL"`
	SchemaVersion  int      `json:"schema_version"`
}

// FetchConfig configures the batch fetch orchestrator.
type FetchConfig struct {
	BatchLimit   int      `json:"batch_limit" env:"FETCH_BATCH_LIMIT"`
	WorkerCount  int      `json:"worker_count" env:"FETCH_WORKER_COUNT"`
	MaxAttempts  int      `json:"max_attempts" env:"FETCH_MAX_ATTEMPTS"`
	InitialDelay Duration `json:"initial_delay"`
	MaxDelay     Duration `json:"max_delay"`
}

// ValidatorConfig configures dataset validation thresholds.
type ValidatorConfig struct {
	VolatilityThreshold  float64 `json:"volatility_threshold" env:"VOLATILITY_THRESHOLD"`
	GapToleranceMultiple float64 `json:"gap_tolerance_multiple"`
}

// ArchiveConfig configures the optional bar archive.
type ArchiveConfig struct {
	Enabled      bool   `json:"enabled" env:"ARCHIVE_ENABLED"`
	DatabasePath string `json:"database_path" env:"ARCHIVE_DATABASE_PATH"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`     // debug, info, warn, error
	Format     string `json:"format" env:"LOG_FORMAT"`   // json, text
	Output     string `json:"output" env:"LOG_OUTPUT"`   // stdout, stderr, file
	FilePath   string `json:"file_path" env:"LOG_FILE_PATH"`
	MaxSizeMB  int    `json:"max_size_mb" env:"LOG_MAX_SIZE"`
	MaxBackups int    `json:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAgeDays int    `json:"max_age_days" env:"LOG_MAX_AGE"`
	Compress   bool   `json:"compress" env:"LOG_COMPRESS"`
}

// MetricsConfig configures the in-process observability collector.
type MetricsConfig struct {
	Enabled        bool     `json:"enabled" env:"METRICS_ENABLED"`
	EvalInterval   Duration `json:"eval_interval" env:"METRICS_EVAL_INTERVAL"`
	HistoryEntries int      `json:"history_entries"`
}

// Default returns a configuration with production defaults. The rate limit
// defaults match Binance's 1200 weight/minute budget with a 5% safety
// margin.
func Default() *AppConfig {
	return &AppConfig{
		AppName: "virtuos-market",
		Exchange: ExchangeConfig{
			BaseURL: "https://api.binance.com/api/v3",
			Timeout: D(30 * time.Second),
		},
		RateLimit: RateLimitConfig{
			MaxRequestsPerWindow: 1200,
			Window:               D(time.Minute),
			SafetyMargin:         0.95,
			MaxConcurrent:        5,
			MaxAdmitWait:         D(5 * time.Second),
			ShrinkFactor:         0.9,
			GrowFactor:           1.05,
			ThrottleWindow:       D(5 * time.Minute),
			ThrottleThreshold:    3,
		},
		Cache: CacheConfig{
			Dir:            "./cache",
			MemoryCapacity: 100,
			TTL:            D(7 * 24 * time.Hour),
			SchemaVersion:  1,
		},
		Fetch: FetchConfig{
			BatchLimit:   1000,
			WorkerCount:  4,
			MaxAttempts:  3,
			InitialDelay: D(time.Second),
			MaxDelay:     D(30 * time.Second),
		},
		Validator: ValidatorConfig{
			VolatilityThreshold:  0.5,
			GapToleranceMultiple: 1.5,
		},
		Archive: ArchiveConfig{
			Enabled:      false,
			DatabasePath: "./archive.duckdb",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			EvalInterval:   D(time.Minute),
			HistoryEntries: 1000,
		},
	}
}

// Load builds the configuration from defaults, an optional JSON file, and
// environment overrides, then validates the result.
func Load(path string) (*AppConfig, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies the environment variables that operators most
// commonly override. Full structural configuration belongs in the file.
func (c *AppConfig) applyEnvOverrides() {
	if v := os.Getenv("EXCHANGE_BASE_URL"); v != "" {
		c.Exchange.BaseURL = v
	}
	if v := os.Getenv("EXCHANGE_API_KEY"); v != "" {
		c.Exchange.APIKey = v
	}
	if v := os.Getenv("EXCHANGE_API_SECRET"); v != "" {
		c.Exchange.APISecret = v
	}
	if v := os.Getenv("CACHE_DIR"); v != "" {
		c.Cache.Dir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("ARCHIVE_DATABASE_PATH"); v != "" {
		c.Archive.DatabasePath = v
	}
	if v := os.Getenv("RATE_MAX_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RateLimit.MaxRequestsPerWindow = n
		}
	}
	if v := os.Getenv("FETCH_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Fetch.WorkerCount = n
		}
	}
	if v := os.Getenv("CACHE_MEMORY_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Cache.MemoryCapacity = n
		}
	}
}

// Validate checks cross-field constraints on the loaded configuration.
func (c *AppConfig) Validate() error {
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	if c.RateLimit.MaxRequestsPerWindow <= 0 {
		return fmt.Errorf("rate_limit.max_requests_per_window must be positive")
	}
	if c.RateLimit.Window.Duration <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}
	if c.RateLimit.SafetyMargin <= 0 || c.RateLimit.SafetyMargin > 1 {
		return fmt.Errorf("rate_limit.safety_margin must be in (0, 1]")
	}
	if c.RateLimit.MaxConcurrent <= 0 {
		return fmt.Errorf("rate_limit.max_concurrent must be positive")
	}
	if c.RateLimit.ShrinkFactor <= 0 || c.RateLimit.ShrinkFactor >= 1 {
		return fmt.Errorf("rate_limit.shrink_factor must be in (0, 1)")
	}
	if c.RateLimit.GrowFactor <= 1 {
		return fmt.Errorf("rate_limit.grow_factor must be greater than 1")
	}
	if c.Cache.MemoryCapacity <= 0 {
		return fmt.Errorf("cache.memory_capacity must be positive")
	}
	if c.Cache.TTL.Duration <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Cache.SchemaVersion <= 0 {
		return fmt.Errorf("cache.schema_version must be positive")
	}
	if c.Fetch.BatchLimit <= 0 {
		return fmt.Errorf("fetch.batch_limit must be positive")
	}
	if c.Fetch.WorkerCount <= 0 {
		return fmt.Errorf("fetch.worker_count must be positive")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be positive")
	}
	if c.Validator.VolatilityThreshold <= 0 {
		return fmt.Errorf("validator.volatility_threshold must be positive")
	}
	if c.Validator.GapToleranceMultiple < 1 {
		return fmt.Errorf("validator.gap_tolerance_multiple must be at least 1")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text")
	}
	return nil
}
