package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"quarry/internal/util"
)

// Calendar answers trading-day questions against the Alpaca trading
// calendar API.
type Calendar struct {
	client *alpaca.Client
}

func NewCalendar(cfg AlpacaConfig) *Calendar {
	return &Calendar{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
	}
}

// TradingDays returns the exchange trading days in [start, end], midnight
// UTC, oldest first.
func (c *Calendar) TradingDays(ctx context.Context, start, end time.Time) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	calendar, err := c.client.GetCalendar(alpaca.GetCalendarRequest{
		Start: start,
		End:   end,
	})
	if err != nil {
		return nil, fmt.Errorf("GetCalendar: %w", err)
	}
	days := make([]time.Time, 0, len(calendar))
	for _, d := range calendar {
		t, err := time.Parse("2006-01-02", d.Date)
		if err != nil {
			continue
		}
		days = append(days, t)
	}
	return days, nil
}

// LatestFinishedTradingDay returns the most recent trading day whose market
// session has ended (after 20:05 ET, so extended-hours data has settled).
func (c *Calendar) LatestFinishedTradingDay(ctx context.Context, now time.Time) (time.Time, error) {
	et, err := util.Eastern()
	if err != nil {
		return time.Time{}, err
	}
	nowET := now.In(et)
	days, err := c.TradingDays(ctx, nowET.AddDate(0, 0, -7), nowET)
	if err != nil {
		return time.Time{}, err
	}
	return latestFinished(days, nowET)
}

// latestFinished picks the newest day from the calendar slice that has
// fully settled by nowET. The current day only counts after the 20:05 ET
// cutoff.
func latestFinished(days []time.Time, nowET time.Time) (time.Time, error) {
	if len(days) == 0 {
		return time.Time{}, fmt.Errorf("no trading days returned from calendar")
	}
	today := nowET.Format("2006-01-02")
	cutoff := time.Date(nowET.Year(), nowET.Month(), nowET.Day(), 20, 5, 0, 0, nowET.Location())

	for i := len(days) - 1; i >= 0; i-- {
		day := days[i]
		if day.Format("2006-01-02") == today {
			if nowET.After(cutoff) {
				return day, nil
			}
			continue
		}
		if day.Before(nowET) {
			return day, nil
		}
	}
	return time.Time{}, fmt.Errorf("could not determine latest finished trading day")
}
