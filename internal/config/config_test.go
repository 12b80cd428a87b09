package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quarry.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATA_DIR", "LEDGER_PATH", "DATABENTO_API_KEY", "L2_MAX_ROWS_PER_TASK",
		"L2_BACKFILL_WINDOW_ET", "L2_TRADING_WINDOW_ET",
		"L2_TASK_BACKOFF_BASE_MS", "L2_TASK_BACKOFF_MAX_MS",
		"ARCHIVE_ENDPOINT", "ARCHIVE_ACCESS_KEY", "ARCHIVE_SECRET_KEY",
		"LOG_LEVEL", "APCA_API_KEY_ID", "APCA_API_SECRET_KEY",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadFull(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  data_dir: "/tmp/quarry/data"
  ledger_path: "/tmp/quarry/ledger.db"
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
databento:
  api_key: "db-key"
  dataset: "NASDAQ.ITCH"
  schema: "mbp-10"
backfill:
  window_et: "08:30-11:00"
  trading_window_et: "09:00-11:00"
  max_workers: 8
  tasks_path: "/tmp/quarry/tasks.csv"
pacing:
  window_sec: 600
  max_requests: 60
bars:
  symbols: ["AAPL", "TSLA"]
  bar_sizes: ["1 min", "1 day"]
logging:
  level: "debug"
  format: "text"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.DataDir != "/tmp/quarry/data" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/tmp/quarry/data")
	}
	if cfg.Storage.LedgerPath != "/tmp/quarry/ledger.db" {
		t.Errorf("Storage.LedgerPath = %q, want %q", cfg.Storage.LedgerPath, "/tmp/quarry/ledger.db")
	}
	if cfg.Alpaca.APIKey != "test-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q", cfg.Alpaca.APIKey, "test-key")
	}
	if cfg.Databento.APIKey != "db-key" {
		t.Errorf("Databento.APIKey = %q, want %q", cfg.Databento.APIKey, "db-key")
	}
	if cfg.Backfill.MaxWorkers != 8 {
		t.Errorf("Backfill.MaxWorkers = %d, want 8", cfg.Backfill.MaxWorkers)
	}
	if cfg.Pacing.MaxRequests != 60 {
		t.Errorf("Pacing.MaxRequests = %d, want 60", cfg.Pacing.MaxRequests)
	}
	if len(cfg.Bars.Symbols) != 2 || cfg.Bars.Symbols[0] != "AAPL" {
		t.Errorf("Bars.Symbols = %v, want [AAPL TSLA]", cfg.Bars.Symbols)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want debug/text", cfg.Logging)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  data_dir: "/tmp/quarry/data"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.LedgerPath != filepath.Join("/tmp/quarry/data", "ledger.db") {
		t.Errorf("Storage.LedgerPath = %q, want data-dir default", cfg.Storage.LedgerPath)
	}
	if cfg.Storage.PacingStatePath != filepath.Join("/tmp/quarry/data", "pacing_state.json") {
		t.Errorf("Storage.PacingStatePath = %q, want data-dir default", cfg.Storage.PacingStatePath)
	}
	if cfg.Databento.Dataset != "XNAS.ITCH" {
		t.Errorf("Databento.Dataset = %q, want XNAS.ITCH", cfg.Databento.Dataset)
	}
	if cfg.Databento.Schema != "mbp-10" {
		t.Errorf("Databento.Schema = %q, want mbp-10", cfg.Databento.Schema)
	}
	if cfg.Databento.MaxRowsPerTask != 5_000_000 {
		t.Errorf("Databento.MaxRowsPerTask = %d, want 5000000", cfg.Databento.MaxRowsPerTask)
	}
	if cfg.Backfill.WindowET != "08:30-11:00" {
		t.Errorf("Backfill.WindowET = %q, want 08:30-11:00", cfg.Backfill.WindowET)
	}
	if cfg.Backfill.TradingWindowET != "09:00-11:00" {
		t.Errorf("Backfill.TradingWindowET = %q, want 09:00-11:00", cfg.Backfill.TradingWindowET)
	}
	if cfg.Backfill.MaxWorkers != 4 {
		t.Errorf("Backfill.MaxWorkers = %d, want 4", cfg.Backfill.MaxWorkers)
	}
	if cfg.Backfill.BackoffBaseMS != 250 || cfg.Backfill.BackoffMaxMS != 2000 {
		t.Errorf("Backfill backoff = %d/%d, want 250/2000",
			cfg.Backfill.BackoffBaseMS, cfg.Backfill.BackoffMaxMS)
	}
	if cfg.Pacing.WindowSec != 600 || cfg.Pacing.MaxRequests != 60 {
		t.Errorf("Pacing = %+v, want 600s/60", cfg.Pacing)
	}
	if cfg.Pacing.IdenticalSpacingSec != 15 {
		t.Errorf("Pacing.IdenticalSpacingSec = %d, want 15", cfg.Pacing.IdenticalSpacingSec)
	}
	if cfg.Pacing.BurstWindowSec != 2 || cfg.Pacing.BurstMaxRequests != 6 {
		t.Errorf("Pacing burst = %d/%d, want 2/6",
			cfg.Pacing.BurstWindowSec, cfg.Pacing.BurstMaxRequests)
	}
	if cfg.Bars.LookbackDays != 400 {
		t.Errorf("Bars.LookbackDays = %d, want 400", cfg.Bars.LookbackDays)
	}
	if cfg.Ledger.FailedFlushThreshold != 20 ||
		cfg.Ledger.DownloadableFlushThreshold != 100 ||
		cfg.Ledger.DownloadedFlushThreshold != 50 {
		t.Errorf("Ledger thresholds = %+v, want 20/100/50", cfg.Ledger)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want info/json", cfg.Logging)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  data_dir: "/original/data"
databento:
  api_key: "yaml-key"
backfill:
  window_et: "08:30-11:00"
`)

	os.Setenv("DATA_DIR", "/env/data")
	os.Setenv("DATABENTO_API_KEY", "env-key")
	os.Setenv("L2_BACKFILL_WINDOW_ET", "09:15-10:30")
	os.Setenv("L2_MAX_ROWS_PER_TASK", "1000")
	defer clearEnv(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want env override", cfg.Storage.DataDir)
	}
	if cfg.Databento.APIKey != "env-key" {
		t.Errorf("Databento.APIKey = %q, want env override", cfg.Databento.APIKey)
	}
	if cfg.Backfill.WindowET != "09:15-10:30" {
		t.Errorf("Backfill.WindowET = %q, want env override", cfg.Backfill.WindowET)
	}
	if cfg.Databento.MaxRowsPerTask != 1000 {
		t.Errorf("Databento.MaxRowsPerTask = %d, want 1000", cfg.Databento.MaxRowsPerTask)
	}
	// Ledger path default should chase the overridden data dir.
	if cfg.Storage.LedgerPath != filepath.Join("/env/data", "ledger.db") {
		t.Errorf("Storage.LedgerPath = %q, want env-data default", cfg.Storage.LedgerPath)
	}
}
