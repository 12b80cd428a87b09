package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"quarry/internal/ledger"
	"quarry/internal/pacing"
	"quarry/internal/provider"
	"quarry/internal/store"
	"quarry/internal/util"
)

// maxFetchAttempts bounds transport retries per task. Quota rejections do
// not count against it.
const maxFetchAttempts = 3

// ErrStrict marks a strict run that finished with task errors. The run
// itself completed; callers translate this into the exit status.
var ErrStrict = errors.New("strict run finished with task errors")

// Options control one backfill run.
type Options struct {
	MaxWorkers int
	Force      bool
	Strict     bool
	DryRun     bool
	MaxTasks   int // echoed into the summary; discovery already truncated
}

// OrchestratorConfig carries the run-invariant settings.
type OrchestratorConfig struct {
	Dataset         string
	Schema          string
	Source          string // artifact filename suffix, e.g. "databento"
	WindowET        string // configured backfill window, "HH:MM-HH:MM"
	TradingWindowET string // hard trading-window policy, same form
	OutDir          string // manifest and summary live here
	BackoffBase     time.Duration
	BackoffMax      time.Duration
}

// Orchestrator runs backfill tasks through a bounded worker pool. Every
// vendor call passes through the pacing gate, and every outcome feeds the
// ledger.
type Orchestrator struct {
	provider provider.BookProvider
	gate     *pacing.Gate
	led      *ledger.Ledger
	st       *store.Store
	mapping  *MappingStore
	archive  *Archiver // nil disables mirroring
	log      *slog.Logger

	dataset     string
	schema      string
	source      string
	outDir      string
	backoffBase time.Duration
	backoffMax  time.Duration

	windowStart time.Time // clamped session clock times
	windowEnd   time.Time
	windowLabel WindowET

	now func() time.Time
}

// NewOrchestrator wires an orchestrator. The session window is the
// intersection of the configured backfill window and the hard trading
// window; an empty intersection is a configuration error.
func NewOrchestrator(p provider.BookProvider, gate *pacing.Gate, led *ledger.Ledger, st *store.Store,
	mapping *MappingStore, archive *Archiver, cfg OrchestratorConfig, log *slog.Logger) (*Orchestrator, error) {

	reqStart, reqEnd, err := util.ParseWindowET(cfg.WindowET)
	if err != nil {
		return nil, fmt.Errorf("backfill window: %w", err)
	}
	hardStart, hardEnd, err := util.ParseWindowET(cfg.TradingWindowET)
	if err != nil {
		return nil, fmt.Errorf("trading window: %w", err)
	}
	start, end := util.ClampWindow(reqStart, reqEnd, hardStart, hardEnd)
	if !end.After(start) {
		return nil, fmt.Errorf("backfill window %s does not intersect trading window %s",
			cfg.WindowET, cfg.TradingWindowET)
	}

	source := cfg.Source
	if source == "" {
		source = "databento"
	}
	if mapping == nil {
		mapping = NewMappingStore("", log)
	}

	return &Orchestrator{
		provider:    p,
		gate:        gate,
		led:         led,
		st:          st,
		mapping:     mapping,
		archive:     archive,
		log:         log.With("component", "backfill"),
		dataset:     cfg.Dataset,
		schema:      cfg.Schema,
		source:      source,
		outDir:      cfg.OutDir,
		backoffBase: cfg.BackoffBase,
		backoffMax:  cfg.BackoffMax,
		windowStart: start,
		windowEnd:   end,
		windowLabel: WindowET{Start: reqStart.Format("15:04"), End: reqEnd.Format("15:04")},
		now:         time.Now,
	}, nil
}

// Run executes the task set and returns the summary. Per-task failures are
// captured in results, never propagated between tasks; the returned error
// covers run-level conditions only (manifest IO, strict-mode failure).
// A summary is produced even for an empty task set.
func (o *Orchestrator) Run(ctx context.Context, tasks []Task, opts Options) (Summary, error) {
	started := o.now()
	runID := uuid.NewString()
	log := o.log.With("run_id", runID)

	sortTasks(tasks)
	for i := range tasks {
		tasks[i].VendorSymbol, tasks[i].Dataset, tasks[i].Schema =
			o.mapping.Resolve(tasks[i].Symbol, o.dataset, o.schema)
	}

	if opts.DryRun {
		o.preview(tasks)
		return Summary{}, nil
	}

	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	log.Info("backfill starting", "tasks", len(tasks), "workers", opts.MaxWorkers,
		"force", opts.Force, "strict", opts.Strict)

	results := make([]Result, len(tasks))
	sem := make(chan struct{}, opts.MaxWorkers)
	g, gctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = o.runTask(gctx, task, opts.Force)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}

	sum := newSummary(results, opts, runID, o.windowLabel, o.now().Sub(started))
	if err := AppendManifest(filepath.Join(o.outDir, "manifest.jsonl"), results); err != nil {
		return sum, err
	}
	if err := WriteSummary(filepath.Join(o.outDir, "summary.json"), sum); err != nil {
		return sum, err
	}

	log.Info("SUMMARY",
		"total", sum.TotalTasks,
		"write", sum.Counts[string(StatusWrite)],
		"skip", sum.Counts[string(StatusSkip)],
		"empty", sum.Counts[string(StatusEmpty)],
		"error", sum.Counts[string(StatusError)],
		"duration_sec", sum.DurationSec)

	if opts.Strict && sum.Counts[string(StatusError)] > 0 {
		return sum, fmt.Errorf("%d of %d tasks: %w",
			sum.Counts[string(StatusError)], sum.TotalTasks, ErrStrict)
	}
	return sum, nil
}

// runTask executes one task end to end. All failures are converted into the
// result here; nothing escapes into the pool.
func (o *Orchestrator) runTask(ctx context.Context, t Task, force bool) Result {
	started := o.now()
	res := Result{Symbol: t.Symbol, Day: t.Day}
	finish := func(s Status) Result {
		res.Status = s
		res.Duration = o.now().Sub(started)
		return res
	}
	fail := func(err error) Result {
		res.Err = fmt.Sprintf("%s %s %v", t.Symbol, t.Day.Format(dayFormat), err)
		o.log.Error("task failed", "symbol", t.Symbol, "day", t.Day.Format(dayFormat), "error", err)
		return finish(StatusError)
	}

	dest := store.WithSourceSuffix(o.st.BookPath(t.Symbol, t.Day, t.Schema), o.source)
	res.Path = dest

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	// Disk is the final authority; the ledger mark is backfilled when the
	// artifact is already there.
	if !force && store.Exists(dest) {
		o.led.MarkDownloaded(t.Symbol, t.Schema, t.Day)
		return finish(StatusSkip)
	}

	if err := o.provider.Available(); err != nil {
		return fail(err)
	}

	startET, err := util.AtClockET(t.Day, o.windowStart)
	if err != nil {
		return fail(err)
	}
	endET, err := util.AtClockET(t.Day, o.windowEnd)
	if err != nil {
		return fail(err)
	}

	rows, err := o.fetch(ctx, t, startET, endET)
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrSymbolUnknown):
			o.led.MarkFailed(t.Symbol, t.Schema, t.Day, true, "book: symbol unknown")
		case errors.Is(err, provider.ErrRangeUnavailable):
			o.led.MarkFailed(t.Symbol, t.Schema, t.Day, false, "book: range unavailable")
		}
		return fail(err)
	}
	if len(rows) == 0 {
		return finish(StatusEmpty)
	}

	canonical := NormalizeBookRows(t.Symbol, o.source, rows)
	written, err := store.AtomicWriteParquet(dest, canonical, force)
	if err != nil {
		return fail(err)
	}
	if !written {
		// Another writer got there between the existence check and ours.
		return finish(StatusSkip)
	}
	res.Rows = len(canonical)
	o.led.MarkDownloaded(t.Symbol, t.Schema, t.Day)
	if o.archive != nil {
		o.archive.Upload(ctx, dest)
	}
	return finish(StatusWrite)
}

// fetch performs the paced, retried vendor call. Transport errors consume
// retry attempts; quota rejections re-pace and retry the same attempt; all
// other errors stop immediately.
func (o *Orchestrator) fetch(ctx context.Context, t Task, start, end time.Time) ([]provider.BookRow, error) {
	req := provider.BookRequest{
		Dataset: t.Dataset,
		Schema:  t.Schema,
		Symbol:  t.VendorSymbol,
		Start:   start,
		End:     end,
	}
	key := pacing.Key{Symbol: t.VendorSymbol, BarSize: t.Schema, End: end}

	var rows []provider.BookRow
	var permanent error
	err := util.RetryJitter(ctx, maxFetchAttempts, o.backoffBase, o.backoffMax, func() error {
		for {
			if _, err := o.gate.Wait(ctx, key); err != nil {
				permanent = err
				return nil
			}
			got, err := o.provider.FetchBook(ctx, req)
			if errors.Is(err, provider.ErrQuotaExceeded) {
				o.log.Warn("vendor quota hit, re-pacing", "symbol", t.VendorSymbol)
				continue
			}
			if err != nil {
				if provider.IsTransient(err) {
					return err
				}
				permanent = err
				return nil
			}
			rows = got
			return nil
		}
	})
	if permanent != nil {
		return nil, permanent
	}
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// preview prints the dry-run JSON: what the run would touch, with no vendor
// calls and no writes.
func (o *Orchestrator) preview(tasks []Task) {
	symbols := make(map[string]bool)
	completed := 0
	var first, last time.Time
	for _, t := range tasks {
		symbols[t.Symbol] = true
		dest := store.WithSourceSuffix(o.st.BookPath(t.Symbol, t.Day, t.Schema), o.source)
		if store.Exists(dest) {
			completed++
		}
		if first.IsZero() || t.Day.Before(first) {
			first = t.Day
		}
		if t.Day.After(last) {
			last = t.Day
		}
	}
	dateRange := ""
	if !first.IsZero() {
		dateRange = first.Format(dayFormat) + ".." + last.Format(dayFormat)
	}
	out := struct {
		TaskCount           int    `json:"task_count"`
		SymbolCount         int    `json:"symbol_count"`
		DateRange           string `json:"date_range"`
		CompletedTasksCount int    `json:"completed_tasks_count"`
	}{
		TaskCount:           len(tasks),
		SymbolCount:         len(symbols),
		DateRange:           dateRange,
		CompletedTasksCount: completed,
	}
	b, err := json.Marshal(out)
	if err != nil {
		o.log.Error("building dry-run preview", "error", err)
		return
	}
	fmt.Println(string(b))
}
