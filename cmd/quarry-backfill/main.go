// Order-book backfill runner: turns a CSV of (symbol, trading day) tasks
// into per-day parquet artifacts through the paced vendor client, with an
// append-only manifest and a run summary.
//
// Usage:
//
//	go build -o bin/quarry-backfill ./cmd/quarry-backfill/
//	bin/quarry-backfill [-tasks PATH] [-since N] [-last N] [-max-tasks N]
//	                    [-max-workers N] [-force] [-strict] [-dry-run]
//
// Exit status: 0 on success, 1 when -strict and at least one task errored,
// 2 when the run produced nothing at all.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quarry/internal/backfill"
	"quarry/internal/bars"
	"quarry/internal/config"
	"quarry/internal/ledger"
	"quarry/internal/pacing"
	"quarry/internal/provider"
	"quarry/internal/store"
	"quarry/internal/util"
)

func main() {
	tasksPath := flag.String("tasks", "", "task CSV file or directory (overrides config)")
	since := flag.Int("since", 0, "keep only tasks within the last N days")
	last := flag.Int("last", 0, "keep only the most recent N distinct days")
	maxTasks := flag.Int("max-tasks", 0, "cap the number of tasks after sorting")
	maxWorkers := flag.Int("max-workers", 0, "concurrent tasks (overrides config)")
	force := flag.Bool("force", false, "rewrite artifacts that already exist")
	strict := flag.Bool("strict", false, "exit nonzero when any task errors")
	dryRun := flag.Bool("dry-run", false, "print the task preview and exit")
	flag.Parse()

	cfgPath := "config/quarry.yaml"
	if p := os.Getenv("QUARRY_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	source := *tasksPath
	if source == "" {
		source = cfg.Backfill.TasksPath
	}
	if source == "" {
		log.Fatal("no task source: set -tasks or backfill.tasks_path")
	}

	tasks, err := backfill.DiscoverTasks(source, backfill.DiscoverOptions{
		Since:    *since,
		Last:     *last,
		MaxTasks: *maxTasks,
	}, logger)
	if err != nil {
		log.Fatalf("discovering tasks: %v", err)
	}
	if len(tasks) == 0 {
		slog.Info("no tasks to run", "source", source)
		os.Exit(2)
	}

	// The ledger covers bar series and book schemas alike; seed every
	// granularity so downloaded rows carry placeholder marks for all.
	seeds := append(bars.AllBarSizes(), cfg.Databento.Schema)
	led, err := ledger.Open(cfg.Storage.LedgerPath, seeds, ledger.Thresholds{
		Failed:       cfg.Ledger.FailedFlushThreshold,
		Downloadable: cfg.Ledger.DownloadableFlushThreshold,
		Downloaded:   cfg.Ledger.DownloadedFlushThreshold,
	}, logger)
	if err != nil {
		log.Fatalf("opening ledger: %v", err)
	}

	gate := pacing.New(pacing.Config{
		Window:           time.Duration(cfg.Pacing.WindowSec) * time.Second,
		MaxRequests:      cfg.Pacing.MaxRequests,
		IdenticalSpacing: time.Duration(cfg.Pacing.IdenticalSpacingSec) * time.Second,
		BurstWindow:      time.Duration(cfg.Pacing.BurstWindowSec) * time.Second,
		BurstMaxRequests: cfg.Pacing.BurstMaxRequests,
	}, logger)
	if err := gate.Load(cfg.Storage.PacingStatePath); err != nil {
		slog.Warn("loading pacing state", "error", err)
	}

	var archiver *backfill.Archiver
	if cfg.Archive.Enabled {
		archiver, err = backfill.NewArchiver(ctx, backfill.ArchiveConfig{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			UseSSL:    cfg.Archive.UseSSL,
		}, cfg.Storage.DataDir, logger)
		if err != nil {
			log.Fatalf("connecting archive: %v", err)
		}
	}

	orch, err := backfill.NewOrchestrator(
		provider.NewDatabento(provider.DatabentoConfig{
			APIKey:  cfg.Databento.APIKey,
			BaseURL: cfg.Databento.BaseURL,
			MaxRows: cfg.Databento.MaxRowsPerTask,
		}, logger),
		gate, led, store.New(cfg.Storage.DataDir),
		backfill.NewMappingStore(cfg.Backfill.MappingPath, logger),
		archiver,
		backfill.OrchestratorConfig{
			Dataset:         cfg.Databento.Dataset,
			Schema:          cfg.Databento.Schema,
			Source:          "databento",
			WindowET:        cfg.Backfill.WindowET,
			TradingWindowET: cfg.Backfill.TradingWindowET,
			OutDir:          cfg.Backfill.OutDir,
			BackoffBase:     time.Duration(cfg.Backfill.BackoffBaseMS) * time.Millisecond,
			BackoffMax:      time.Duration(cfg.Backfill.BackoffMaxMS) * time.Millisecond,
		}, logger)
	if err != nil {
		log.Fatalf("configuring backfill: %v", err)
	}

	workers := *maxWorkers
	if workers <= 0 {
		workers = cfg.Backfill.MaxWorkers
	}
	sum, runErr := orch.Run(ctx, tasks, backfill.Options{
		MaxWorkers: workers,
		Force:      *force,
		Strict:     *strict,
		DryRun:     *dryRun,
		MaxTasks:   *maxTasks,
	})

	if err := gate.Save(cfg.Storage.PacingStatePath); err != nil {
		slog.Warn("saving pacing state", "error", err)
	}
	if err := led.Close(); err != nil {
		slog.Error("closing ledger", "error", err)
	}

	if *dryRun {
		return
	}

	switch {
	case errors.Is(runErr, backfill.ErrStrict):
		os.Exit(1)
	case runErr != nil:
		slog.Error("backfill run failed", "error", runErr)
		os.Exit(1)
	case sum.Counts["WRITE"]+sum.Counts["SKIP"]+sum.Counts["EMPTY"] == 0:
		// Every task errored; nothing was produced.
		os.Exit(2)
	}
}
