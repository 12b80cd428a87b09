package bars

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"quarry/internal/ledger"
	"quarry/internal/pacing"
	"quarry/internal/provider"
	"quarry/internal/store"
	"quarry/internal/util"
)

var (
	// ErrNoData reports a window that produced no rows and has no previous
	// file to fall back on.
	ErrNoData = errors.New("window produced no data")

	// ErrBadWindow reports a vendor page carrying an unusable time bound.
	ErrBadWindow = errors.New("vendor page carried an unusable time bound")
)

// Intraday windows span one extended session, premarket open to the end of
// after-hours trading.
var (
	sessionOpenClock  = time.Date(0, time.January, 1, 4, 0, 0, 0, time.UTC)
	sessionCloseClock = time.Date(0, time.January, 1, 20, 0, 0, 0, time.UTC)
)

const dayFormat = "2006-01-02"

// Fetcher drives the page loop for one series at a time. It holds no state
// between calls; the gate, ledger and store are shared with the rest of the
// process.
type Fetcher struct {
	provider provider.BarProvider
	gate     *pacing.Gate
	led      *ledger.Ledger
	st       *store.Store
	log      *slog.Logger

	lookbackDays int
	now          func() time.Time
}

// NewFetcher wires a fetcher. lookbackDays bounds how far back a fresh
// multi-day series reaches; zero means as far as the vendor has data.
func NewFetcher(p provider.BarProvider, gate *pacing.Gate, led *ledger.Ledger, st *store.Store, lookbackDays int, log *slog.Logger) *Fetcher {
	return &Fetcher{
		provider:     p,
		gate:         gate,
		led:          led,
		st:           st,
		log:          log.With("component", "bars"),
		lookbackDays: lookbackDays,
		now:          time.Now,
	}
}

// Run fetches every (symbol, spec) pair for the task day, skipping series
// the ledger already accounts for. Per-series failures are logged and
// counted rather than aborting the sweep; cancellation stops it.
func (f *Fetcher) Run(ctx context.Context, symbols []string, specs []Spec, day time.Time) error {
	var failed int
	for _, spec := range specs {
		for _, symbol := range symbols {
			if err := ctx.Err(); err != nil {
				return err
			}
			symbol = strings.ToUpper(symbol)
			if f.led.IsDownloaded(symbol, spec.Token, day) {
				continue
			}
			if !f.led.IsAvailable(symbol, spec.Token, day) {
				f.log.Debug("skipping unavailable series",
					"symbol", symbol, "bar_size", spec.Name, "day", day.Format(dayFormat))
				continue
			}
			if _, err := f.FetchSeries(ctx, symbol, spec, day); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				failed++
				f.log.Error("series fetch failed",
					"symbol", symbol, "bar_size", spec.Name, "error", err)
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d series failed", failed)
	}
	return nil
}

// FetchSeries brings one (symbol, granularity) series up to date for the
// task day and returns the artifact path. Pages already fetched survive a
// mid-flight vendor failure: whatever arrived is reconciled and written
// before the error is reported.
func (f *Fetcher) FetchSeries(ctx context.Context, symbol string, spec Spec, day time.Time) (string, error) {
	symbol = strings.ToUpper(symbol)
	log := f.log.With("symbol", symbol, "bar_size", spec.Name, "day", day.Format(dayFormat))

	pathDay := day
	if spec.MultiDay {
		pathDay = time.Time{}
	}
	dest := f.st.BarPath(spec.KindDir, spec.FileTag, symbol, pathDay)

	prior, onDisk, err := f.loadPrior(spec, dest)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", dest, err)
	}
	if !spec.MultiDay && onDisk {
		// Intraday sessions are fetched whole; a file on disk means done.
		f.led.MarkDownloaded(symbol, spec.Token, day)
		log.Debug("session already on disk", "path", dest)
		return dest, nil
	}

	windowStart, windowEnd, err := f.computeWindow(ctx, symbol, spec, day, prior)
	if err != nil {
		return "", err
	}

	fetched, fetchErr := f.page(ctx, symbol, spec, windowStart, windowEnd, log)
	switch {
	case errors.Is(fetchErr, ErrBadWindow):
		f.led.MarkFailed(symbol, spec.Token, day, false, "vendor returned an unusable page bound")
		return "", fetchErr
	case errors.Is(fetchErr, provider.ErrSymbolUnknown):
		f.led.MarkFailed(symbol, spec.Token, day, true, "symbol unknown")
	case errors.Is(fetchErr, provider.ErrRangeUnavailable):
		f.led.MarkFailed(symbol, spec.Token, day, false, "range unavailable")
	}

	rows, err := dedupe(fetched)
	if err != nil {
		f.led.MarkFailed(symbol, spec.Token, day, false, err.Error())
		return "", fmt.Errorf("%s %s: %w", symbol, spec.Name, err)
	}
	merged := reconcile(prior, rows)

	if len(merged) == 0 {
		if fetchErr != nil {
			return "", fetchErr
		}
		f.led.MarkFailed(symbol, spec.Token, day, spec.MultiDay, "window produced no data")
		return "", fmt.Errorf("%s %s %s: %w", symbol, spec.Name, day.Format(dayFormat), ErrNoData)
	}

	if err := f.persist(symbol, spec, dest, merged); err != nil {
		return "", fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := f.recordCoverage(symbol, spec, merged); err != nil {
		return "", err
	}

	if fetchErr != nil {
		log.Warn("partial series saved", "path", dest, "rows", len(merged), "error", fetchErr)
		return dest, fetchErr
	}
	log.Info("series saved", "path", dest, "rows", len(merged))
	return dest, nil
}

// loadPrior reads the series already on disk, if any.
func (f *Fetcher) loadPrior(spec Spec, path string) ([]Row, bool, error) {
	if !store.Exists(path) {
		return nil, false, nil
	}
	switch {
	case spec.Kind == KindTick:
		rows, err := store.ReadParquet[store.TickRow](path)
		if err != nil {
			return nil, true, err
		}
		return fromTickRows(rows), true, nil
	case spec.MergeQuotes:
		rows, err := store.ReadParquet[store.QuoteBarRow](path)
		if err != nil {
			return nil, true, err
		}
		return fromQuoteBarRows(rows), true, nil
	default:
		rows, err := store.ReadParquet[store.BarRow](path)
		if err != nil {
			return nil, true, err
		}
		return fromBarRows(rows), true, nil
	}
}

// computeWindow resolves the fetch window. Intraday series span the task
// day's extended session. Multi-day series resume from the last saved row,
// or on a first fetch reach back lookbackDays, clamped to the symbol's
// earliest available bar.
func (f *Fetcher) computeWindow(ctx context.Context, symbol string, spec Spec, day time.Time, prior []Row) (start, end time.Time, err error) {
	end, err = util.AtClockET(day, sessionCloseClock)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !spec.MultiDay {
		start, err = util.AtClockET(day, sessionOpenClock)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		return start, end, nil
	}
	if len(prior) > 0 {
		return prior[len(prior)-1].Time, end, nil
	}
	if f.lookbackDays > 0 {
		start = day.AddDate(0, 0, -f.lookbackDays)
	}
	head, err := f.headTimestamp(ctx, symbol, spec, day)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if head.After(start) {
		start = head
	}
	return start, end, nil
}

// headTimestamp asks the vendor for the symbol's earliest available bar and
// records it. The call goes through the gate like any other request, and a
// quota rejection re-paces rather than failing.
func (f *Fetcher) headTimestamp(ctx context.Context, symbol string, spec Spec, day time.Time) (time.Time, error) {
	key := pacing.Key{Symbol: symbol, BarSize: spec.Token}
	for {
		if _, err := f.gate.Wait(ctx, key); err != nil {
			return time.Time{}, err
		}
		head, err := f.provider.HeadTimestamp(ctx, symbol)
		if errors.Is(err, provider.ErrQuotaExceeded) {
			f.log.Warn("vendor quota hit, re-pacing", "symbol", symbol)
			continue
		}
		if err != nil {
			if errors.Is(err, provider.ErrSymbolUnknown) {
				f.led.MarkFailed(symbol, spec.Token, day, true, "head timestamp: symbol unknown")
			}
			return time.Time{}, fmt.Errorf("head timestamp for %s: %w", symbol, err)
		}
		f.led.SetEarliestAvailable(symbol, head)
		return head, nil
	}
}

// page walks the vendor cursor backward from windowEnd until the window is
// covered, the vendor runs dry, or IntervalFor rules the remainder too small
// to be worth a request. Rows fetched before a failure are returned alongside
// the error.
func (f *Fetcher) page(ctx context.Context, symbol string, spec Spec, windowStart, windowEnd time.Time, log *slog.Logger) ([]Row, error) {
	var out []Row
	cursor := windowEnd
	for {
		dur := spec.IntervalFor(windowStart, cursor)
		if dur == "" {
			break
		}
		page, err := f.fetchPage(ctx, symbol, spec, cursor, dur)
		if err != nil {
			return out, err
		}
		if len(page) == 0 {
			break
		}
		earliest := page[0].Time
		for _, r := range page[1:] {
			if r.Time.Before(earliest) {
				earliest = r.Time
			}
		}
		if earliest.IsZero() {
			return out, ErrBadWindow
		}
		out = append(out, page...)
		if !earliest.Before(cursor) {
			log.Warn("vendor page did not advance", "cursor", cursor)
			break
		}
		cursor = earliest
		if !windowStart.IsZero() && !cursor.After(windowStart) {
			break
		}
		if windowStart.IsZero() && spec.TargetBars > 0 && len(out) >= spec.TargetBars {
			// Unbounded pull reached its target depth.
			break
		}
	}
	return out, nil
}

// fetchPage issues the vendor requests for one page ending at end. Quote-
// merged specs take three requests sharing one pacing key, so the
// identical-request spacing paces the triple as a unit.
func (f *Fetcher) fetchPage(ctx context.Context, symbol string, spec Spec, end time.Time, dur string) ([]Row, error) {
	key := pacing.Key{Symbol: symbol, BarSize: spec.Token, End: end}
	req := provider.HistoricalRequest{
		Symbol:   symbol,
		End:      end,
		Duration: dur,
		BarSize:  spec.Token,
		What:     provider.WhatTrades,
	}
	trades, err := f.request(ctx, key, req)
	if err != nil {
		return nil, err
	}
	rows := fromTrades(trades)
	if roundLotOnly(rows) {
		f.log.Warn("page volumes are all round lots", "symbol", symbol, "end", end)
	}
	if !spec.MergeQuotes {
		return rows, nil
	}
	req.What = provider.WhatAsk
	ask, err := f.request(ctx, key, req)
	if err != nil {
		return rows, err
	}
	req.What = provider.WhatBid
	bid, err := f.request(ctx, key, req)
	if err != nil {
		return rows, err
	}
	return mergeQuotes(rows, ask, bid), nil
}

// request performs one paced vendor call. A quota rejection loops back to
// the gate with the same key, so the identical-request spacing supplies the
// backoff; the context is the way out.
func (f *Fetcher) request(ctx context.Context, key pacing.Key, req provider.HistoricalRequest) ([]provider.Bar, error) {
	for {
		if _, err := f.gate.Wait(ctx, key); err != nil {
			return nil, err
		}
		page, err := f.provider.HistoricalBars(ctx, req)
		if errors.Is(err, provider.ErrQuotaExceeded) {
			f.log.Warn("vendor quota hit, re-pacing", "symbol", req.Symbol, "end", req.End)
			continue
		}
		if err != nil {
			return nil, err
		}
		return page, nil
	}
}

// persist writes the merged series. Intraday files are written once and
// left alone; rolling multi-day files are replaced whole.
func (f *Fetcher) persist(symbol string, spec Spec, dest string, rows []Row) error {
	var err error
	switch {
	case spec.Kind == KindTick:
		_, err = store.AtomicWriteParquet(dest, toTickRows(symbol, rows), spec.MultiDay)
	case spec.MergeQuotes:
		_, err = store.AtomicWriteParquet(dest, toQuoteBarRows(symbol, rows), spec.MultiDay)
	default:
		_, err = store.AtomicWriteParquet(dest, toBarRows(symbol, rows), spec.MultiDay)
	}
	return err
}

// recordCoverage updates the ledger after a successful write: the covered
// span plus a downloaded mark for every session day the series now touches.
// Days are attributed in Eastern time so an extended session stays on its
// calendar day.
func (f *Fetcher) recordCoverage(symbol string, spec Spec, rows []Row) error {
	et, err := util.Eastern()
	if err != nil {
		return err
	}
	first := rows[0].Time
	last := rows[len(rows)-1].Time
	f.led.MarkDownloadable(symbol, spec.Token, time.Time{}, first, last)

	prev := ""
	for _, r := range rows {
		local := r.Time.In(et)
		d := local.Format(dayFormat)
		if d == prev {
			continue
		}
		prev = d
		f.led.MarkDownloaded(symbol, spec.Token,
			time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC))
	}
	return nil
}
