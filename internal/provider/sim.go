package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var (
	_ BarProvider  = (*Sim)(nil)
	_ BookProvider = (*Sim)(nil)
)

// Sim is an in-memory provider fed from scripted data. Tests and dry runs
// use it in place of a live vendor: bars and book rows are registered up
// front and served back filtered to each request's range.
type Sim struct {
	mu     sync.Mutex
	heads  map[string]time.Time
	series map[string][]Bar
	books  map[string][]BookRow

	failNext   map[string][]error
	failAlways map[string]error

	// Calls records every historical request, in order.
	Calls []HistoricalRequest
}

func NewSim() *Sim {
	return &Sim{
		heads:      make(map[string]time.Time),
		series:     make(map[string][]Bar),
		books:      make(map[string][]BookRow),
		failNext:   make(map[string][]error),
		failAlways: make(map[string]error),
	}
}

func seriesKey(symbol, barSize string, what WhatToShow) string {
	return symbol + "|" + barSize + "|" + string(what)
}

// SetHead registers the earliest-data timestamp for a symbol.
func (s *Sim) SetHead(symbol string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heads[symbol] = t
}

// AddBars registers bars to serve for a symbol at one granularity and
// stream. Bars must be appended oldest first.
func (s *Sim) AddBars(symbol, barSize string, what WhatToShow, bars ...Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := seriesKey(symbol, barSize, what)
	s.series[k] = append(s.series[k], bars...)
}

// AddBook registers book rows to serve for a symbol, oldest first.
func (s *Sim) AddBook(symbol string, rows ...BookRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[symbol] = append(s.books[symbol], rows...)
}

// FailNext queues errors returned by upcoming requests for the symbol, one
// per call, before any data is served.
func (s *Sim) FailNext(symbol string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[symbol] = append(s.failNext[symbol], errs...)
}

// FailAlways makes every request for the symbol fail with err.
func (s *Sim) FailAlways(symbol string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAlways[symbol] = err
}

func (s *Sim) popFailure(symbol string) error {
	if q := s.failNext[symbol]; len(q) > 0 {
		err := q[0]
		s.failNext[symbol] = q[1:]
		return err
	}
	return s.failAlways[symbol]
}

func (s *Sim) HeadTimestamp(ctx context.Context, symbol string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.popFailure(symbol); err != nil {
		return time.Time{}, err
	}
	head, ok := s.heads[symbol]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrSymbolUnknown, symbol)
	}
	return head, nil
}

func (s *Sim) HistoricalBars(ctx context.Context, req HistoricalRequest) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	span, err := ParseDuration(req.Duration)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, req)
	if err := s.popFailure(req.Symbol); err != nil {
		return nil, err
	}
	start := req.End.Add(-span)
	var out []Bar
	for _, b := range s.series[seriesKey(req.Symbol, req.BarSize, req.What)] {
		if b.Time.After(start) && !b.Time.After(req.End) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *Sim) Available() error { return nil }

func (s *Sim) FetchBook(ctx context.Context, req BookRequest) ([]BookRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.popFailure(req.Symbol); err != nil {
		return nil, err
	}
	startNS := req.Start.UnixNano()
	endNS := req.End.UnixNano()
	var out []BookRow
	for _, r := range s.books[req.Symbol] {
		if r.TsEvent >= startNS && r.TsEvent < endNS {
			out = append(out, r)
		}
	}
	return out, nil
}
