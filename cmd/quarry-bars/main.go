// Historical bar acquisition daemon: walks the configured symbols and bar
// sizes for the latest finished trading day, paging each series backwards
// from the session close through the pacing gate, and records every outcome
// in the download ledger.
//
// Usage:
//
//	go build -o bin/quarry-bars ./cmd/quarry-bars/
//	bin/quarry-bars [-symbols A,B,C] [-bar-size "1 day"] [-once]
//	bin/quarry-bars -loop [-interval 1h]
//
// With status.addr configured the process also serves the HTTP status API
// for as long as the fetch loop runs.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"quarry/internal/bars"
	"quarry/internal/config"
	"quarry/internal/ledger"
	"quarry/internal/pacing"
	"quarry/internal/provider"
	"quarry/internal/status"
	"quarry/internal/store"
	"quarry/internal/util"
)

func main() {
	symbolsFlag := flag.String("symbols", "", "comma-separated symbols (overrides config)")
	barSize := flag.String("bar-size", "", "single bar size to fetch (overrides config)")
	once := flag.Bool("once", true, "run a single pass and exit")
	loop := flag.Bool("loop", false, "keep running, one pass per interval")
	interval := flag.Duration("interval", time.Hour, "pause between passes in loop mode")
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

	symbols := cfg.Bars.Symbols
	if *symbolsFlag != "" {
		symbols = symbols[:0]
		for _, s := range strings.Split(*symbolsFlag, ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, s)
			}
		}
	}
	if len(symbols) == 0 {
		log.Fatal("no symbols: set -symbols or bars.symbols")
	}

	barSizes := cfg.Bars.BarSizes
	if *barSize != "" {
		barSizes = []string{*barSize}
	}
	specs := make([]bars.Spec, 0, len(barSizes))
	for _, size := range barSizes {
		spec, err := bars.New(size)
		if err != nil {
			log.Fatalf("bar size: %v", err)
		}
		specs = append(specs, spec)
	}

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

	alpacaCfg := provider.AlpacaConfig{
		APIKey:    cfg.Alpaca.APIKey,
		APISecret: cfg.Alpaca.APISecret,
		BaseURL:   cfg.Alpaca.BaseURL,
	}
	fetcher := bars.NewFetcher(
		provider.NewAlpacaBars(alpacaCfg, logger),
		gate, led, store.New(cfg.Storage.DataDir),
		cfg.Bars.LookbackDays, logger)
	cal := provider.NewCalendar(alpacaCfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The status API lives exactly as long as the fetch loop: stop releases
	// it once the last pass finishes.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	if cfg.Status.Addr != "" {
		srv := status.NewServer(led, gate, cfg.Backfill.OutDir, logger)
		g.Go(func() error { return srv.Run(gctx, cfg.Status.Addr) })
	}

	if *loop {
		*once = false
	}
	doLoop := !*once
	g.Go(func() error {
		defer stop()
		return fetchLoop(gctx, fetcher, cal, symbols, specs, doLoop, *interval)
	})

	runErr := g.Wait()

	if err := gate.Save(cfg.Storage.PacingStatePath); err != nil {
		slog.Warn("saving pacing state", "error", err)
	}
	if err := led.Close(); err != nil {
		slog.Error("closing ledger", "error", err)
	}
	if runErr != nil {
		slog.Error("bar acquisition failed", "error", runErr)
		os.Exit(1)
	}
}

// fetchLoop runs bar passes until the context is cancelled (loop mode) or
// one pass completes (single-pass mode). In loop mode a failed pass is
// logged and retried on the next tick; shutdown is never an error.
func fetchLoop(ctx context.Context, fetcher *bars.Fetcher, cal *provider.Calendar,
	symbols []string, specs []bars.Spec, loop bool, interval time.Duration) error {

	for {
		var day time.Time
		err := util.Retry(ctx, 3, 2*time.Second, func() error {
			var probeErr error
			day, probeErr = cal.LatestFinishedTradingDay(ctx, time.Now())
			return probeErr
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !loop {
				return err
			}
			slog.Error("resolving trading day", "error", err)
		} else {
			slog.Info("bar pass starting", "day", day.Format("2006-01-02"),
				"symbols", len(symbols), "bar_sizes", len(specs))
			if err := fetcher.Run(ctx, symbols, specs, day); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if !loop {
					return err
				}
				slog.Error("bar pass failed", "error", err)
			}
		}

		if !loop {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}
