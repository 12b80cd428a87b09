package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"quarry/internal/util"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		token string
		want  time.Duration
		ok    bool
	}{
		{"1800 S", 1800 * time.Second, true},
		{"41 D", 41 * 24 * time.Hour, true},
		{"1 S", time.Second, true},
		{"", 0, false},
		{"S", 0, false},
		{"0 S", 0, false},
		{"-3 D", 0, false},
		{"5 X", 0, false},
		{"5  S  extra", 0, false},
	}
	for _, c := range cases {
		got, err := ParseDuration(c.token)
		if c.ok && (err != nil || got != c.want) {
			t.Errorf("ParseDuration(%q) = %v, %v; want %v", c.token, got, err, c.want)
		}
		if !c.ok && err == nil {
			t.Errorf("ParseDuration(%q) should fail", c.token)
		}
	}
}

func TestClassifyCode(t *testing.T) {
	cases := []struct {
		code int
		want error
	}{
		{162, ErrQuotaExceeded},
		{200, ErrSymbolUnknown},
		{354, ErrRangeUnavailable},
		{1100, ErrVendorUnavailable},
	}
	for _, c := range cases {
		err := ClassifyCode(c.code, "msg")
		if !errors.Is(err, c.want) {
			t.Errorf("ClassifyCode(%d) = %v; want %v", c.code, err, c.want)
		}
	}
	if !IsTransient(ClassifyCode(9999, "huh")) {
		t.Error("unknown code should classify as transient")
	}
}

func TestTransportErrorUnwrap(t *testing.T) {
	inner := errors.New("connection reset")
	err := fmt.Errorf("page 3: %w", &TransportError{Op: "bars AAPL", Err: inner})
	if !IsTransient(err) {
		t.Error("wrapped transport error should stay transient")
	}
	if !errors.Is(err, inner) {
		t.Error("inner error should be reachable")
	}
	if IsTransient(ErrQuotaExceeded) {
		t.Error("quota errors are not transient")
	}
}

func TestLatestFinished(t *testing.T) {
	et, err := util.Eastern()
	if err != nil {
		t.Fatalf("Eastern: %v", err)
	}
	day := func(s string) time.Time {
		d, err := time.Parse("2006-01-02", s)
		if err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
		return d
	}
	days := []time.Time{day("2025-07-24"), day("2025-07-25"), day("2025-07-28"), day("2025-07-29")}

	// Tuesday before the 20:05 cutoff: Monday is the newest finished day.
	got, err := latestFinished(days, time.Date(2025, 7, 29, 18, 0, 0, 0, et))
	if err != nil {
		t.Fatal(err)
	}
	if got.Format("2006-01-02") != "2025-07-28" {
		t.Errorf("before cutoff: got %s", got.Format("2006-01-02"))
	}

	// Tuesday after the cutoff: Tuesday itself counts.
	got, err = latestFinished(days, time.Date(2025, 7, 29, 20, 30, 0, 0, et))
	if err != nil {
		t.Fatal(err)
	}
	if got.Format("2006-01-02") != "2025-07-29" {
		t.Errorf("after cutoff: got %s", got.Format("2006-01-02"))
	}

	// Saturday: Friday is the newest finished day.
	got, err = latestFinished(days[:2], time.Date(2025, 7, 26, 12, 0, 0, 0, et))
	if err != nil {
		t.Fatal(err)
	}
	if got.Format("2006-01-02") != "2025-07-25" {
		t.Errorf("weekend: got %s", got.Format("2006-01-02"))
	}

	if _, err := latestFinished(nil, time.Now()); err == nil {
		t.Error("empty calendar should fail")
	}
}

func TestDatabentoFetchBook(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, ok := r.BasicAuth(); !ok {
			t.Error("missing basic auth")
		}
		q := r.URL.Query()
		gotQuery = map[string]string{
			"dataset": q.Get("dataset"),
			"schema":  q.Get("schema"),
			"symbols": q.Get("symbols"),
		}
		io.WriteString(w, `{"ts_event":1753779600000000000,"act":"A","side":"B","px":12.5,"sz":100,"depth":0,"publisher_id":2}
{"ts_event":1753779600000000100,"act":"C","side":"S","px":12.6,"sz":50,"depth":1,"publisher_id":2}
`)
	}))
	defer srv.Close()

	d := NewDatabento(DatabentoConfig{APIKey: "key", BaseURL: srv.URL}, discardLogger())
	rows, err := d.FetchBook(context.Background(), BookRequest{
		Dataset: "XNAS.ITCH",
		Schema:  "mbp-10",
		Symbol:  "AAPL",
		Start:   time.Unix(0, 1753779600000000000),
		End:     time.Unix(0, 1753783200000000000),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows", len(rows))
	}
	if rows[0].Action != "A" || rows[0].Side != "B" || rows[0].Price != 12.5 {
		t.Errorf("row 0 = %+v", rows[0])
	}
	if rows[1].Level != 1 || rows[1].Exchange != "2" {
		t.Errorf("row 1 = %+v", rows[1])
	}
	if gotQuery["dataset"] != "XNAS.ITCH" || gotQuery["schema"] != "mbp-10" || gotQuery["symbols"] != "AAPL" {
		t.Errorf("query = %v", gotQuery)
	}
}

func TestDatabentoRejectsNonBookSchema(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	d := NewDatabento(DatabentoConfig{APIKey: "key", BaseURL: srv.URL}, discardLogger())
	_, err := d.FetchBook(context.Background(), BookRequest{Dataset: "XNAS.ITCH", Schema: "trades", Symbol: "AAPL"})
	if err == nil {
		t.Fatal("non-book schema should be rejected")
	}
	if hits != 0 {
		t.Errorf("request went to the network: %d hits", hits)
	}
}

func TestDatabentoStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		body      string
		want      error
		transient bool
	}{
		{http.StatusTooManyRequests, "slow down", ErrQuotaExceeded, false},
		{http.StatusUnauthorized, "bad key", ErrVendorUnavailable, false},
		{http.StatusNotFound, "symbol not resolved", ErrSymbolUnknown, false},
		{http.StatusBadRequest, "start after end", ErrRangeUnavailable, false},
		{http.StatusBadGateway, "upstream", nil, true},
	}
	for _, c := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(c.status)
			io.WriteString(w, c.body)
		}))
		d := NewDatabento(DatabentoConfig{APIKey: "key", BaseURL: srv.URL}, discardLogger())
		_, err := d.FetchBook(context.Background(), BookRequest{Dataset: "XNAS.ITCH", Schema: "mbp-10", Symbol: "AAPL"})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d should fail", c.status)
		}
		if c.transient != IsTransient(err) {
			t.Errorf("status %d: transient = %v, want %v", c.status, IsTransient(err), c.transient)
		}
		if c.want != nil && !errors.Is(err, c.want) {
			t.Errorf("status %d: got %v, want %v", c.status, err, c.want)
		}
	}
}

func TestDatabentoRowCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, `{"ts_event":%d,"act":"A","side":"B","px":1,"sz":1,"depth":0,"publisher_id":1}`+"\n", i)
		}
	}))
	defer srv.Close()

	d := NewDatabento(DatabentoConfig{APIKey: "key", BaseURL: srv.URL, MaxRows: 2}, discardLogger())
	_, err := d.FetchBook(context.Background(), BookRequest{Dataset: "XNAS.ITCH", Schema: "mbp-10", Symbol: "AAPL"})
	if err == nil {
		t.Fatal("row cap should fail the request")
	}
}

func TestDatabentoUnavailableWithoutKey(t *testing.T) {
	d := NewDatabento(DatabentoConfig{}, discardLogger())
	if err := d.Available(); err == nil {
		t.Fatal("missing key should report unavailable")
	}
}

func TestSimBars(t *testing.T) {
	sim := NewSim()
	base := time.Date(2025, 7, 29, 13, 30, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		sim.AddBars("AAPL", "1 min", WhatTrades, Bar{Time: base.Add(time.Duration(i) * time.Minute), Close: float64(i), Volume: 100})
	}

	bars, err := sim.HistoricalBars(context.Background(), HistoricalRequest{
		Symbol:   "AAPL",
		End:      base.Add(5 * time.Minute),
		Duration: "180 S",
		BarSize:  "1 min",
		What:     WhatTrades,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Window is (end-180s, end]: minutes 3, 4, 5.
	if len(bars) != 3 {
		t.Fatalf("got %d bars", len(bars))
	}
	if bars[0].Close != 3 || bars[2].Close != 5 {
		t.Errorf("bars = %+v", bars)
	}
	if len(sim.Calls) != 1 {
		t.Errorf("recorded %d calls", len(sim.Calls))
	}
}

func TestSimFailures(t *testing.T) {
	sim := NewSim()
	sim.SetHead("AAPL", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	sim.FailNext("AAPL", fmt.Errorf("%w: scripted", ErrQuotaExceeded))

	if _, err := sim.HeadTimestamp(context.Background(), "AAPL"); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("first call: got %v", err)
	}
	if _, err := sim.HeadTimestamp(context.Background(), "AAPL"); err != nil {
		t.Errorf("second call should succeed: %v", err)
	}
	if _, err := sim.HeadTimestamp(context.Background(), "MISSING"); !errors.Is(err, ErrSymbolUnknown) {
		t.Errorf("unknown symbol: got %v", err)
	}

	sim.FailAlways("BRKN", fmt.Errorf("%w: scripted", ErrVendorUnavailable))
	for i := 0; i < 2; i++ {
		if _, err := sim.FetchBook(context.Background(), BookRequest{Symbol: "BRKN"}); !errors.Is(err, ErrVendorUnavailable) {
			t.Errorf("call %d: got %v", i, err)
		}
	}
}

func TestSimBookRange(t *testing.T) {
	sim := NewSim()
	sim.AddBook("AAPL",
		BookRow{TsEvent: 100, Action: "A"},
		BookRow{TsEvent: 200, Action: "C"},
		BookRow{TsEvent: 300, Action: "D"},
	)
	rows, err := sim.FetchBook(context.Background(), BookRequest{
		Symbol: "AAPL",
		Start:  time.Unix(0, 100),
		End:    time.Unix(0, 300),
	})
	if err != nil {
		t.Fatal(err)
	}
	// Start inclusive, end exclusive.
	if len(rows) != 2 || rows[0].TsEvent != 100 || rows[1].TsEvent != 200 {
		t.Errorf("rows = %+v", rows)
	}
}
