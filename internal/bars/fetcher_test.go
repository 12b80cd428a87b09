package bars

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"quarry/internal/ledger"
	"quarry/internal/pacing"
	"quarry/internal/provider"
	"quarry/internal/store"
	"quarry/internal/util"
)

// taskDay is a Monday.
var taskDay = time.Date(2025, 7, 14, 0, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// openGate builds a gate whose limits are too generous to ever sleep.
func openGate(log *slog.Logger) *pacing.Gate {
	return pacing.New(pacing.Config{
		Window:           10 * time.Minute,
		MaxRequests:      1 << 20,
		BurstWindow:      2 * time.Second,
		BurstMaxRequests: 1 << 20,
	}, log)
}

func newTestFetcher(t *testing.T, sim *provider.Sim) (*Fetcher, *ledger.Ledger, *store.Store) {
	t.Helper()
	log := discardLogger()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), AllBarSizes(), ledger.DefaultThresholds(), log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = led.Close() })
	st := store.New(t.TempDir())
	return NewFetcher(sim, openGate(log), led, st, 0, log), led, st
}

func etTime(t *testing.T, day time.Time, hh, mm, ss int) time.Time {
	t.Helper()
	loc, err := util.Eastern()
	if err != nil {
		t.Fatal(err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hh, mm, ss, 0, loc)
}

func TestFetchIntradayMinutes(t *testing.T) {
	sim := provider.NewSim()
	bar := func(mm int, close float64) provider.Bar {
		return provider.Bar{
			Time: etTime(t, taskDay, 9, mm, 0),
			Open: close, High: close, Low: close, Close: close,
			Volume: 101, BarCount: 1,
		}
	}
	sim.AddBars("AAPL", "1 min", provider.WhatTrades, bar(30, 10), bar(31, 11), bar(32, 12))
	sim.AddBars("AAPL", "1 min", provider.WhatAsk, bar(30, 10.1), bar(31, 11.1), bar(32, 12.1))
	sim.AddBars("AAPL", "1 min", provider.WhatBid, bar(30, 9.9), bar(31, 10.9), bar(32, 11.9))

	f, led, _ := newTestFetcher(t, sim)
	path, err := f.FetchSeries(context.Background(), "aapl", mustSpec(t, "1 min"), taskDay)
	if err != nil {
		t.Fatalf("FetchSeries: %v", err)
	}
	rows, err := store.ReadParquet[store.QuoteBarRow](path)
	if err != nil {
		t.Fatalf("reading artifact: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if rows[0].Symbol != "AAPL" {
		t.Errorf("symbol = %q, want uppercased AAPL", rows[0].Symbol)
	}
	if rows[0].Close != 10 || rows[0].AskClose != 10.1 || rows[0].BidClose != 9.9 {
		t.Errorf("first row not quote-merged: %+v", rows[0])
	}
	if rows[2].Close != 12 || rows[2].BidClose != 11.9 {
		t.Errorf("last row not quote-merged: %+v", rows[2])
	}
	if !led.IsDownloaded("AAPL", "1 min", taskDay) {
		t.Error("day not marked downloaded")
	}
}

func TestFetchIntradaySkipsExisting(t *testing.T) {
	sim := provider.NewSim()
	f, led, st := newTestFetcher(t, sim)
	spec := mustSpec(t, "1 min")

	dest := st.BarPath(spec.KindDir, spec.FileTag, "AAPL", taskDay)
	seed := []store.QuoteBarRow{{
		Symbol:    "AAPL",
		Timestamp: etTime(t, taskDay, 9, 30, 0).UnixMilli(),
		Close:     5,
	}}
	if err := store.WriteParquet(dest, seed); err != nil {
		t.Fatal(err)
	}

	path, err := f.FetchSeries(context.Background(), "AAPL", spec, taskDay)
	if err != nil {
		t.Fatalf("FetchSeries: %v", err)
	}
	if path != dest {
		t.Errorf("path = %q, want %q", path, dest)
	}
	if len(sim.Calls) != 0 {
		t.Errorf("vendor hit %d times for a session already on disk", len(sim.Calls))
	}
	if !led.IsDownloaded("AAPL", "1 min", taskDay) {
		t.Error("existing file not recorded as downloaded")
	}
}

func TestFetchMultiDayResume(t *testing.T) {
	sim := provider.NewSim()
	dayBar := func(d int, close float64) provider.Bar {
		ts := etTime(t, time.Date(2025, 7, d, 0, 0, 0, 0, time.UTC), 0, 0, 0)
		return provider.Bar{Time: ts, Open: close, High: close, Low: close, Close: close, Volume: 7}
	}
	sim.AddBars("AAPL", "1 day", provider.WhatTrades, dayBar(11, 3), dayBar(14, 4))

	f, led, st := newTestFetcher(t, sim)
	spec := mustSpec(t, "1 day")

	rolling := st.BarPath(spec.KindDir, spec.FileTag, "AAPL", time.Time{})
	prior := []store.BarRow{
		{Symbol: "AAPL", Timestamp: etTime(t, time.Date(2025, 7, 9, 0, 0, 0, 0, time.UTC), 0, 0, 0).UnixMilli(), Close: 1, Volume: 7},
		{Symbol: "AAPL", Timestamp: etTime(t, time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC), 0, 0, 0).UnixMilli(), Close: 2, Volume: 7},
	}
	if err := store.WriteParquet(rolling, prior); err != nil {
		t.Fatal(err)
	}

	// No head registered: a resumed series must not probe it.
	path, err := f.FetchSeries(context.Background(), "AAPL", spec, taskDay)
	if err != nil {
		t.Fatalf("FetchSeries: %v", err)
	}
	rows, err := store.ReadParquet[store.BarRow](path)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Fatalf("got %d rows, want 4", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].Timestamp <= rows[i-1].Timestamp {
			t.Fatalf("rows not strictly ascending at %d", i)
		}
	}
	if rows[0].Close != 1 || rows[3].Close != 4 {
		t.Errorf("merge order wrong: first %v last %v", rows[0].Close, rows[3].Close)
	}

	span, ok := led.Coverage("AAPL", "1 day")
	if !ok {
		t.Fatal("no coverage recorded")
	}
	if !span.End.After(span.Start) {
		t.Errorf("degenerate coverage span: %+v", span)
	}
	if !led.IsDownloaded("AAPL", "1 day", time.Date(2025, 7, 11, 0, 0, 0, 0, time.UTC)) {
		t.Error("fetched day not marked downloaded")
	}
}

func TestFetchMultiDayFreshClampsToHead(t *testing.T) {
	sim := provider.NewSim()
	head := etTime(t, time.Date(2025, 7, 9, 0, 0, 0, 0, time.UTC), 0, 0, 0)
	sim.SetHead("AAPL", head)
	dayBar := func(d int, close float64) provider.Bar {
		ts := etTime(t, time.Date(2025, 7, d, 0, 0, 0, 0, time.UTC), 0, 0, 0)
		return provider.Bar{Time: ts, Close: close, Volume: 7}
	}
	sim.AddBars("AAPL", "1 day", provider.WhatTrades, dayBar(10, 1), dayBar(11, 2), dayBar(14, 3))

	f, led, _ := newTestFetcher(t, sim)
	path, err := f.FetchSeries(context.Background(), "AAPL", mustSpec(t, "1 day"), taskDay)
	if err != nil {
		t.Fatalf("FetchSeries: %v", err)
	}
	rows, err := store.ReadParquet[store.BarRow](path)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if led.IsAvailable("AAPL", "1 day", head.AddDate(0, 0, -2)) {
		t.Error("date before the recorded head still reads available")
	}
	if !led.IsAvailable("AAPL", "1 day", taskDay) {
		t.Error("covered date reads unavailable")
	}
}

func TestFetchUnknownSymbol(t *testing.T) {
	sim := provider.NewSim() // no head registered for the symbol
	f, led, _ := newTestFetcher(t, sim)
	spec := mustSpec(t, "1 day")

	_, err := f.FetchSeries(context.Background(), "ZZZQ", spec, taskDay)
	if !errors.Is(err, provider.ErrSymbolUnknown) {
		t.Fatalf("err = %v, want ErrSymbolUnknown", err)
	}
	if !led.IsFailed("ZZZQ", "1 day", taskDay) {
		t.Error("unknown symbol not marked failed")
	}

	// The sweep now skips it without touching the vendor.
	if err := f.Run(context.Background(), []string{"ZZZQ"}, []Spec{spec}, taskDay); err != nil {
		t.Fatalf("Run over a known-failed symbol: %v", err)
	}
	if len(sim.Calls) != 0 {
		t.Errorf("skipped symbol still produced %d bar requests", len(sim.Calls))
	}
}

func TestFetchEmptySessionMarksFailed(t *testing.T) {
	sim := provider.NewSim()
	f, led, _ := newTestFetcher(t, sim)

	_, err := f.FetchSeries(context.Background(), "AAPL", mustSpec(t, "1 sec"), taskDay)
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("err = %v, want ErrNoData", err)
	}
	if !led.IsFailed("AAPL", "1 secs", taskDay) {
		t.Error("empty session not marked failed")
	}
	if led.IsFailed("AAPL", "1 secs", taskDay.AddDate(0, 0, 1)) {
		t.Error("failure leaked to a later day")
	}
}

func TestQuotaRetry(t *testing.T) {
	sim := provider.NewSim()
	bar := provider.Bar{Time: etTime(t, taskDay, 9, 30, 0), Close: 10, Volume: 101}
	sim.AddBars("AAPL", "1 min", provider.WhatTrades, bar)
	sim.AddBars("AAPL", "1 min", provider.WhatAsk, bar)
	sim.AddBars("AAPL", "1 min", provider.WhatBid, bar)
	sim.FailNext("AAPL", provider.ErrQuotaExceeded)

	f, led, _ := newTestFetcher(t, sim)
	path, err := f.FetchSeries(context.Background(), "AAPL", mustSpec(t, "1 min"), taskDay)
	if err != nil {
		t.Fatalf("FetchSeries after quota rejection: %v", err)
	}
	rows, err := store.ReadParquet[store.QuoteBarRow](path)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if led.IsFailed("AAPL", "1 min", taskDay) {
		t.Error("quota rejection marked the series failed")
	}
	// Page one costs four calls (the rejected request plus the retried
	// triple); the boundary page costs three more.
	if len(sim.Calls) != 7 {
		t.Errorf("got %d vendor calls, want 7", len(sim.Calls))
	}
}

func TestTransportErrorKeepsPartial(t *testing.T) {
	sim := provider.NewSim()
	sim.FailAlways("AAPL", &provider.TransportError{Op: "read", Err: errors.New("connection reset")})

	f, led, st := newTestFetcher(t, sim)
	spec := mustSpec(t, "1 day")
	rolling := st.BarPath(spec.KindDir, spec.FileTag, "AAPL", time.Time{})
	prior := []store.BarRow{
		{Symbol: "AAPL", Timestamp: etTime(t, time.Date(2025, 7, 9, 0, 0, 0, 0, time.UTC), 0, 0, 0).UnixMilli(), Close: 1},
		{Symbol: "AAPL", Timestamp: etTime(t, time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC), 0, 0, 0).UnixMilli(), Close: 2},
	}
	if err := store.WriteParquet(rolling, prior); err != nil {
		t.Fatal(err)
	}

	path, err := f.FetchSeries(context.Background(), "AAPL", spec, taskDay)
	if err == nil || !provider.IsTransient(err) {
		t.Fatalf("err = %v, want transport error", err)
	}
	if path != rolling {
		t.Errorf("path = %q, want %q", path, rolling)
	}
	rows, readErr := store.ReadParquet[store.BarRow](rolling)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if len(rows) != 2 {
		t.Errorf("saved series disturbed: %d rows", len(rows))
	}
	if led.IsFailed("AAPL", "1 day", taskDay) {
		t.Error("transient failure marked the series failed")
	}
}

func TestTickSeries(t *testing.T) {
	sim := provider.NewSim()
	tick := func(ss int, price float64, size int64) provider.Bar {
		return provider.Bar{Time: etTime(t, taskDay, 19, 50, ss), Close: price, Volume: size}
	}
	sim.AddBars("AAPL", "ticks", provider.WhatTrades, tick(0, 101.5, 300), tick(1, 101.6, 100))

	f, led, _ := newTestFetcher(t, sim)
	path, err := f.FetchSeries(context.Background(), "AAPL", mustSpec(t, "tick"), taskDay)
	if err != nil {
		t.Fatalf("FetchSeries: %v", err)
	}
	rows, err := store.ReadParquet[store.TickRow](path)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Price != 101.5 || rows[0].Size != 300 {
		t.Errorf("tick fields wrong: %+v", rows[0])
	}
	if !led.IsDownloaded("AAPL", "ticks", taskDay) {
		t.Error("tick day not marked downloaded")
	}
}

func TestRunSweep(t *testing.T) {
	sim := provider.NewSim()
	sim.FailAlways("BAD", &provider.TransportError{Op: "read", Err: errors.New("boom")})
	head := etTime(t, time.Date(2025, 7, 9, 0, 0, 0, 0, time.UTC), 0, 0, 0)
	sim.SetHead("GOOD", head)
	sim.AddBars("GOOD", "1 day", provider.WhatTrades,
		provider.Bar{Time: etTime(t, time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC), 0, 0, 0), Close: 1, Volume: 7},
		provider.Bar{Time: etTime(t, taskDay, 0, 0, 0), Close: 2, Volume: 7},
	)

	f, _, st := newTestFetcher(t, sim)
	spec := mustSpec(t, "1 day")

	err := f.Run(context.Background(), []string{"GOOD", "BAD"}, []Spec{spec}, taskDay)
	if err == nil || !strings.Contains(err.Error(), "1 series failed") {
		t.Fatalf("Run err = %v, want one failed series", err)
	}
	if !store.Exists(st.BarPath(spec.KindDir, spec.FileTag, "GOOD", time.Time{})) {
		t.Error("healthy symbol not written")
	}

	// A second sweep skips the completed symbol and retries the broken one.
	goodCalls := func() int {
		n := 0
		for _, c := range sim.Calls {
			if c.Symbol == "GOOD" {
				n++
			}
		}
		return n
	}
	before := goodCalls()
	if err := f.Run(context.Background(), []string{"GOOD", "BAD"}, []Spec{spec}, taskDay); err == nil {
		t.Fatal("second Run succeeded, want the broken symbol to fail again")
	}
	if goodCalls() != before {
		t.Error("completed symbol fetched again")
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f, _, _ := newTestFetcher(t, provider.NewSim())
	err := f.Run(ctx, []string{"AAPL"}, []Spec{mustSpec(t, "1 day")}, taskDay)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
