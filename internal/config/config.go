package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for klinecache.
type Config struct {
	Server   Server         `yaml:"server"`
	Storage  Storage        `yaml:"storage"`
	Bulk     Bulk           `yaml:"bulk"`
	Live     Live           `yaml:"live"`
	Alpaca   Alpaca         `yaml:"alpaca"`
	Download Download       `yaml:"download"`
	Logging  Logging        `yaml:"logging"`
	Backfill BackfillConfig `yaml:"backfill"`
}

// Server configures the HTTP query API.
type Server struct {
	Addr            string        `yaml:"addr" env:"KLINE_SERVER_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Storage holds paths and integrity limits for the local cache.
type Storage struct {
	DataDir   string `yaml:"data_dir" env:"DATA_DIR"`
	IndexPath string `yaml:"index_path" env:"INDEX_PATH"`
	// MinFileSize rejects cache files smaller than this many bytes.
	MinFileSize int64 `yaml:"min_file_size"`
	// MaxAge marks incomplete cache days older than this as stale. Zero
	// disables the check.
	MaxAge time.Duration `yaml:"max_age" env:"CACHE_MAX_AGE"`
}

// Bulk configures the daily archive source.
type Bulk struct {
	BaseURL                  string        `yaml:"base_url" env:"BULK_BASE_URL"`
	ConsolidationDelay       time.Duration `yaml:"consolidation_delay"`
	ProceedOnChecksumFailure bool          `yaml:"proceed_on_checksum_failure" env:"PROCEED_ON_CHECKSUM_FAILURE"`
}

// Live configures the paginated REST source. Endpoints override the
// per-market defaults, keyed by market type ("spot", "futures/um", ...).
type Live struct {
	Endpoints       map[string]string `yaml:"endpoints"`
	RateLimitPerMin int               `yaml:"rate_limit_per_min" env:"LIVE_RATE_LIMIT_PER_MIN"`
	RequestTimeout  time.Duration     `yaml:"request_timeout"`
}

// Alpaca holds credentials and endpoints for the Alpaca market-data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key" env:"ALPACA_API_KEY"`
	APISecret string `yaml:"api_secret" env:"ALPACA_API_SECRET"`
	DataURL   string `yaml:"data_url" env:"ALPACA_DATA_URL"`
}

// Download configures the retrying downloader and the shared semaphore.
type Download struct {
	MaxConcurrent  int           `yaml:"max_concurrent" env:"MAX_CONCURRENT_DOWNLOADS"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	StallWindow    time.Duration `yaml:"stall_window"`
	MinBytesPerSec int64         `yaml:"min_bytes_per_sec"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// Logging configures the application logger.
type Logging struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format"`
	File       string `yaml:"file" env:"LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// BackfillConfig holds parameters for the cache warming job.
type BackfillConfig struct {
	Market     string   `yaml:"market"`
	Symbols    []string `yaml:"symbols"`
	Intervals  []string `yaml:"intervals"`
	StartDate  string   `yaml:"start_date"`
	MaxWorkers int      `yaml:"max_workers"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, and fills defaults
// for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)

	return cfg, nil
}

// LoadOptional is Load for callers that may run without a config file: a
// missing file yields the environment overrides on top of the defaults.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}

	cfg = &Config{}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// Default returns a configuration with every default applied, for callers
// that run without a config file.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// applyEnvOverrides overlays the env-tagged fields, then the canonical
// Alpaca SDK variable names, which take the highest priority.
func applyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("reading environment overrides: %w", err)
	}

	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	return nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.IndexPath == "" {
		cfg.Storage.IndexPath = cfg.Storage.DataDir + "/index.db"
	}
	if cfg.Storage.MinFileSize == 0 {
		cfg.Storage.MinFileSize = 64
	}

	if cfg.Bulk.BaseURL == "" {
		cfg.Bulk.BaseURL = "https://data.binance.vision/data"
	}
	if cfg.Bulk.ConsolidationDelay == 0 {
		cfg.Bulk.ConsolidationDelay = 48 * time.Hour
	}

	if cfg.Live.RateLimitPerMin == 0 {
		cfg.Live.RateLimitPerMin = 600
	}
	if cfg.Live.RequestTimeout == 0 {
		cfg.Live.RequestTimeout = 30 * time.Second
	}

	if cfg.Download.MaxConcurrent == 0 {
		cfg.Download.MaxConcurrent = 12
	}
	if cfg.Download.MaxAttempts == 0 {
		cfg.Download.MaxAttempts = 5
	}
	if cfg.Download.BaseDelay == 0 {
		cfg.Download.BaseDelay = 4 * time.Second
	}
	if cfg.Download.MaxDelay == 0 {
		cfg.Download.MaxDelay = 60 * time.Second
	}
	if cfg.Download.StallWindow == 0 {
		cfg.Download.StallWindow = 5 * time.Second
	}
	if cfg.Download.MinBytesPerSec == 0 {
		cfg.Download.MinBytesPerSec = 1024
	}
	if cfg.Download.AttemptTimeout == 0 {
		cfg.Download.AttemptTimeout = 5 * time.Minute
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}

	if cfg.Backfill.Market == "" {
		cfg.Backfill.Market = "spot"
	}
	if cfg.Backfill.MaxWorkers == 0 {
		cfg.Backfill.MaxWorkers = 4
	}
}
