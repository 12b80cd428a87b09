package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
)

var _ BarProvider = (*AlpacaBars)(nil)

// AlpacaConfig carries credentials for the Alpaca data and trading APIs.
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

// AlpacaBars serves historical bars from the Alpaca market-data API. Alpaca
// aggregates trades only, at minute granularity and above; bid/ask bars and
// sub-minute granularities are declined up front.
type AlpacaBars struct {
	client *marketdata.Client
	log    *slog.Logger
}

func NewAlpacaBars(cfg AlpacaConfig, log *slog.Logger) *AlpacaBars {
	client := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
	})
	return &AlpacaBars{
		client: client,
		log:    log.With("component", "alpaca"),
	}
}

// HeadTimestamp probes for the earliest daily bar the vendor has.
func (a *AlpacaBars) HeadTimestamp(ctx context.Context, symbol string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	bars, err := a.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame:  marketdata.OneDay,
		Start:      time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		TotalLimit: 1,
		Feed:       "sip",
	})
	if err != nil {
		return time.Time{}, a.mapErr("head", symbol, err)
	}
	if len(bars) == 0 {
		return time.Time{}, fmt.Errorf("%w: %s", ErrSymbolUnknown, symbol)
	}
	return bars[0].Timestamp, nil
}

func (a *AlpacaBars) HistoricalBars(ctx context.Context, req HistoricalRequest) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.What != WhatTrades {
		return nil, fmt.Errorf("alpaca: %s bars not served", req.What)
	}
	tf, err := alpacaTimeFrame(req.BarSize)
	if err != nil {
		return nil, err
	}
	span, err := ParseDuration(req.Duration)
	if err != nil {
		return nil, err
	}
	start := req.End.Add(-span)

	raw, err := a.client.GetBars(req.Symbol, marketdata.GetBarsRequest{
		TimeFrame: tf,
		Start:     start,
		End:       req.End,
		Feed:      "sip",
	})
	if err != nil {
		return nil, a.mapErr("bars", req.Symbol, err)
	}
	out := make([]Bar, 0, len(raw))
	for _, b := range raw {
		out = append(out, Bar{
			Time:     b.Timestamp,
			Open:     b.Open,
			High:     b.High,
			Low:      b.Low,
			Close:    b.Close,
			Volume:   int64(b.Volume),
			Average:  b.VWAP,
			BarCount: int64(b.TradeCount),
		})
	}
	return out, nil
}

func alpacaTimeFrame(barSize string) (marketdata.TimeFrame, error) {
	switch barSize {
	case "1 min":
		return marketdata.OneMin, nil
	case "30 mins":
		return marketdata.NewTimeFrame(30, marketdata.Min), nil
	case "1 hour":
		return marketdata.OneHour, nil
	case "1 day":
		return marketdata.OneDay, nil
	default:
		return marketdata.TimeFrame{}, fmt.Errorf("alpaca: bar size %q not served", barSize)
	}
}

// mapErr folds SDK failures onto the provider taxonomy. The SDK surfaces
// HTTP status on its APIError; anything unrecognized is treated as
// transport so the caller retries rather than gives up.
func (a *AlpacaBars) mapErr(op, symbol string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return fmt.Errorf("%w: %s %s", ErrQuotaExceeded, op, symbol)
		case apiErr.StatusCode == 404 || apiErr.StatusCode == 422:
			return fmt.Errorf("%w: %s", ErrSymbolUnknown, symbol)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %s: %s", ErrVendorUnavailable, op, apiErr.Message)
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "too many requests"):
		return fmt.Errorf("%w: %s %s", ErrQuotaExceeded, op, symbol)
	case strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %s", ErrSymbolUnknown, symbol)
	}
	return &TransportError{Op: op + " " + symbol, Err: err}
}
