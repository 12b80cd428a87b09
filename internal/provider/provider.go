// Package provider defines the vendor collaborator interfaces the pipeline
// talks to: a historical-bar provider and an order-book provider. Vendors are
// opaque behind these interfaces; implementations normalize their native
// shapes and map their failure signals onto one error taxonomy.
package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WhatToShow selects which stream a historical-bar request aggregates.
type WhatToShow string

const (
	WhatTrades WhatToShow = "TRADES"
	WhatBid    WhatToShow = "BID"
	WhatAsk    WhatToShow = "ASK"
)

// HistoricalRequest asks for one page of bars ending at End, covering
// Duration, at BarSize granularity. Duration uses vendor duration tokens
// ("1800 S", "41 D"); BarSize uses vendor bar-size tokens ("1 min", "1 day").
type HistoricalRequest struct {
	Symbol   string
	End      time.Time
	Duration string
	BarSize  string
	What     WhatToShow
}

// Bar is one OHLC sample in a historical page.
type Bar struct {
	Time     time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   int64
	Average  float64
	BarCount int64
}

// BarProvider serves historical bar pages and earliest-data probes.
type BarProvider interface {
	// HeadTimestamp returns the earliest instant the vendor has any data
	// for the symbol.
	HeadTimestamp(ctx context.Context, symbol string) (time.Time, error)

	// HistoricalBars returns one page of bars, oldest first.
	HistoricalBars(ctx context.Context, req HistoricalRequest) ([]Bar, error)
}

// BookRequest asks for raw order-book rows for one symbol over one absolute
// time range within a dataset/schema.
type BookRequest struct {
	Dataset string
	Schema  string
	Symbol  string
	Start   time.Time
	End     time.Time
}

// BookRow is a lightly-normalized vendor order-book row. Field names follow
// the vendor's native shape; canonical-schema conversion happens downstream.
type BookRow struct {
	TsEvent  int64 // nanoseconds since epoch
	Action   string
	Side     string
	Price    float64
	Size     float64
	Level    int16
	Exchange string
}

// BookProvider serves historical order-book data.
type BookProvider interface {
	// Available reports whether the provider can be used at all (credentials
	// present, endpoint configured). Returns a descriptive error when not.
	Available() error

	// FetchBook returns raw book rows for the request, oldest first.
	FetchBook(ctx context.Context, req BookRequest) ([]BookRow, error)
}

// BookSchemas lists the accepted book-depth schemas. Any other schema is
// rejected before a network call is made.
var BookSchemas = map[string]bool{
	"mbp-10": true,
	"mbp-1":  true,
}

// ParseDuration converts a vendor duration token ("1800 S", "41 D") into a
// time.Duration. The zero token and "0 ..." are rejected: callers treat those
// as loop-termination upstream and must not issue them.
func ParseDuration(token string) (time.Duration, error) {
	fields := strings.Fields(token)
	if len(fields) != 2 {
		return 0, fmt.Errorf("duration token %q: want \"<n> <unit>\"", token)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("duration token %q: bad count", token)
	}
	switch fields[1] {
	case "S":
		return time.Duration(n) * time.Second, nil
	case "D":
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("duration token %q: unknown unit", token)
	}
}
