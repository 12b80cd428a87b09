package config

import (
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the quarry pipeline.
type Config struct {
	Storage   Storage   `yaml:"storage"`
	Alpaca    Alpaca    `yaml:"alpaca"`
	Databento Databento `yaml:"databento"`
	Backfill  Backfill  `yaml:"backfill"`
	Pacing    Pacing    `yaml:"pacing"`
	Bars      Bars      `yaml:"bars"`
	Ledger    Ledger    `yaml:"ledger"`
	Archive   Archive   `yaml:"archive"`
	Status    Status    `yaml:"status"`
	Logging   Logging   `yaml:"logging"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir         string `yaml:"data_dir"`
	LedgerPath      string `yaml:"ledger_path"`
	PacingStatePath string `yaml:"pacing_state_path"`
}

// Alpaca holds credentials for the Alpaca market-data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// Databento holds credentials and defaults for the order-book vendor.
type Databento struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Dataset        string `yaml:"dataset"`
	Schema         string `yaml:"schema"`
	MaxRowsPerTask int    `yaml:"max_rows_per_task"`
}

// Backfill controls the order-book backfill run.
type Backfill struct {
	WindowET        string `yaml:"window_et"`
	TradingWindowET string `yaml:"trading_window_et"`
	MaxWorkers      int    `yaml:"max_workers"`
	TasksPath       string `yaml:"tasks_path"`
	OutDir          string `yaml:"out_dir"`
	MappingPath     string `yaml:"mapping_path"`
	BackoffBaseMS   int    `yaml:"backoff_base_ms"`
	BackoffMaxMS    int    `yaml:"backoff_max_ms"`
}

// Pacing configures the request-pacing gate.
type Pacing struct {
	WindowSec           int `yaml:"window_sec"`
	MaxRequests         int `yaml:"max_requests"`
	IdenticalSpacingSec int `yaml:"identical_spacing_sec"`
	BurstWindowSec      int `yaml:"burst_window_sec"`
	BurstMaxRequests    int `yaml:"burst_max_requests"`
}

// Bars controls the historical bar acquisition job.
type Bars struct {
	Symbols      []string `yaml:"symbols"`
	BarSizes     []string `yaml:"bar_sizes"`
	LookbackDays int      `yaml:"lookback_days"`
}

// Ledger configures download-ledger flush batching.
type Ledger struct {
	FailedFlushThreshold       int `yaml:"failed_flush_threshold"`
	DownloadableFlushThreshold int `yaml:"downloadable_flush_threshold"`
	DownloadedFlushThreshold   int `yaml:"downloaded_flush_threshold"`
}

// Archive configures optional mirroring of written artifacts to
// S3-compatible object storage.
type Archive struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Status configures the HTTP status listener. Empty Addr disables it.
type Status struct {
	Addr string `yaml:"addr"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, and fills defaults
// for anything still unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("LEDGER_PATH"); v != "" {
		cfg.Storage.LedgerPath = v
	}

	if v := os.Getenv("DATABENTO_API_KEY"); v != "" {
		cfg.Databento.APIKey = v
	}
	if v := os.Getenv("L2_MAX_ROWS_PER_TASK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Databento.MaxRowsPerTask = n
		}
	}

	if v := os.Getenv("L2_BACKFILL_WINDOW_ET"); v != "" {
		cfg.Backfill.WindowET = v
	}
	if v := os.Getenv("L2_TRADING_WINDOW_ET"); v != "" {
		cfg.Backfill.TradingWindowET = v
	}
	if v := os.Getenv("L2_TASK_BACKOFF_BASE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Backfill.BackoffBaseMS = n
		}
	}
	if v := os.Getenv("L2_TASK_BACKOFF_MAX_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Backfill.BackoffMaxMS = n
		}
	}

	if v := os.Getenv("ARCHIVE_ENDPOINT"); v != "" {
		cfg.Archive.Endpoint = v
	}
	if v := os.Getenv("ARCHIVE_ACCESS_KEY"); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv("ARCHIVE_SECRET_KEY"); v != "" {
		cfg.Archive.SecretKey = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// applyDefaults fills zero-valued fields with working defaults so a minimal
// config file is enough to run.
func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Storage.LedgerPath == "" {
		cfg.Storage.LedgerPath = filepath.Join(cfg.Storage.DataDir, "ledger.db")
	}
	if cfg.Storage.PacingStatePath == "" {
		cfg.Storage.PacingStatePath = filepath.Join(cfg.Storage.DataDir, "pacing_state.json")
	}

	if cfg.Databento.BaseURL == "" {
		cfg.Databento.BaseURL = "https://hist.databento.com"
	}
	if cfg.Databento.Dataset == "" {
		cfg.Databento.Dataset = "XNAS.ITCH"
	}
	if cfg.Databento.Schema == "" {
		cfg.Databento.Schema = "mbp-10"
	}
	if cfg.Databento.MaxRowsPerTask == 0 {
		cfg.Databento.MaxRowsPerTask = 5_000_000
	}

	if cfg.Backfill.WindowET == "" {
		cfg.Backfill.WindowET = "08:30-11:00"
	}
	if cfg.Backfill.TradingWindowET == "" {
		cfg.Backfill.TradingWindowET = "09:00-11:00"
	}
	if cfg.Backfill.MaxWorkers == 0 {
		cfg.Backfill.MaxWorkers = 4
	}
	if cfg.Backfill.OutDir == "" {
		cfg.Backfill.OutDir = filepath.Join(cfg.Storage.DataDir, "backfill")
	}
	if cfg.Backfill.BackoffBaseMS == 0 {
		cfg.Backfill.BackoffBaseMS = 250
	}
	if cfg.Backfill.BackoffMaxMS == 0 {
		cfg.Backfill.BackoffMaxMS = 2000
	}

	if cfg.Pacing.WindowSec == 0 {
		cfg.Pacing.WindowSec = 600
	}
	if cfg.Pacing.MaxRequests == 0 {
		cfg.Pacing.MaxRequests = 60
	}
	if cfg.Pacing.IdenticalSpacingSec == 0 {
		cfg.Pacing.IdenticalSpacingSec = 15
	}
	if cfg.Pacing.BurstWindowSec == 0 {
		cfg.Pacing.BurstWindowSec = 2
	}
	if cfg.Pacing.BurstMaxRequests == 0 {
		cfg.Pacing.BurstMaxRequests = 6
	}

	if len(cfg.Bars.BarSizes) == 0 {
		cfg.Bars.BarSizes = []string{"1 day"}
	}
	if cfg.Bars.LookbackDays == 0 {
		cfg.Bars.LookbackDays = 400
	}

	if cfg.Ledger.FailedFlushThreshold == 0 {
		cfg.Ledger.FailedFlushThreshold = 20
	}
	if cfg.Ledger.DownloadableFlushThreshold == 0 {
		cfg.Ledger.DownloadableFlushThreshold = 100
	}
	if cfg.Ledger.DownloadedFlushThreshold == 0 {
		cfg.Ledger.DownloadedFlushThreshold = 50
	}

	if cfg.Archive.Bucket == "" {
		cfg.Archive.Bucket = "quarry-artifacts"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
