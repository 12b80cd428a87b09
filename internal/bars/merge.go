package bars

import (
	"fmt"
	"sort"
	"time"

	"quarry/internal/provider"
	"quarry/internal/store"
)

// Row is the in-memory row accumulated during a fetch: a superset of every
// on-disk bar schema. Conversion to BarRow, QuoteBarRow or TickRow happens
// at persist time.
type Row struct {
	Time     time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	AskOpen  float64
	AskHigh  float64
	AskLow   float64
	AskClose float64
	BidOpen  float64
	BidHigh  float64
	BidLow   float64
	BidClose float64
	Volume   int64
	Average  float64
	BarCount int64
}

// sameRow reports field-for-field equality, comparing times as instants.
func sameRow(a, b Row) bool {
	if !a.Time.Equal(b.Time) {
		return false
	}
	a.Time = time.Time{}
	b.Time = time.Time{}
	return a == b
}

func fromTrades(page []provider.Bar) []Row {
	rows := make([]Row, 0, len(page))
	for _, b := range page {
		rows = append(rows, Row{
			Time:     b.Time,
			Open:     b.Open,
			High:     b.High,
			Low:      b.Low,
			Close:    b.Close,
			Volume:   b.Volume,
			Average:  b.Average,
			BarCount: b.BarCount,
		})
	}
	return rows
}

// mergeQuotes overlays ask and bid OHLC onto trade rows, joining on
// timestamp. The trade stream defines the series; quote bars with no trade
// bar at the same instant are dropped.
func mergeQuotes(trades []Row, ask, bid []provider.Bar) []Row {
	index := make(map[int64]int, len(trades))
	for i, r := range trades {
		index[r.Time.UnixMilli()] = i
	}
	for _, b := range ask {
		if i, ok := index[b.Time.UnixMilli()]; ok {
			trades[i].AskOpen = b.Open
			trades[i].AskHigh = b.High
			trades[i].AskLow = b.Low
			trades[i].AskClose = b.Close
		}
	}
	for _, b := range bid {
		if i, ok := index[b.Time.UnixMilli()]; ok {
			trades[i].BidOpen = b.Open
			trades[i].BidHigh = b.High
			trades[i].BidLow = b.Low
			trades[i].BidClose = b.Close
		}
	}
	return trades
}

// dedupe sorts fetched rows and collapses the duplicates that overlapping
// page boundaries produce. Two fetched rows at one timestamp must agree
// field for field; disagreement means the vendor served inconsistent pages
// and the whole series is suspect.
func dedupe(rows []Row) ([]Row, error) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Time.Before(rows[j].Time) })
	out := rows[:0]
	for _, r := range rows {
		if n := len(out); n > 0 && out[n-1].Time.Equal(r.Time) {
			if !sameRow(out[n-1], r) {
				return nil, fmt.Errorf("conflicting bars at %s", r.Time.UTC().Format(time.RFC3339))
			}
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// reconcile overlays freshly fetched rows onto the previously saved series.
// Saved rows win at overlapping timestamps: the file on disk is the
// authority for history already recorded.
func reconcile(prior, fetched []Row) []Row {
	if len(prior) == 0 {
		return fetched
	}
	have := make(map[int64]bool, len(prior))
	for _, r := range prior {
		have[r.Time.UnixMilli()] = true
	}
	merged := append([]Row(nil), prior...)
	for _, r := range fetched {
		if !have[r.Time.UnixMilli()] {
			merged = append(merged, r)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Time.Before(merged[j].Time) })
	return merged
}

// roundLotOnly reports whether every nonzero volume in the page is a
// multiple of 100. Such pages usually mean the vendor reported lots rather
// than shares.
func roundLotOnly(rows []Row) bool {
	nonzero := false
	for _, r := range rows {
		if r.Volume == 0 {
			continue
		}
		nonzero = true
		if r.Volume%100 != 0 {
			return false
		}
	}
	return nonzero
}

// ------------------------------------------------------------------
// On-disk schema conversions
// ------------------------------------------------------------------

func toBarRows(symbol string, rows []Row) []store.BarRow {
	out := make([]store.BarRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, store.BarRow{
			Symbol:    symbol,
			Timestamp: r.Time.UnixMilli(),
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
			Average:   r.Average,
			BarCount:  r.BarCount,
		})
	}
	return out
}

func toQuoteBarRows(symbol string, rows []Row) []store.QuoteBarRow {
	out := make([]store.QuoteBarRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, store.QuoteBarRow{
			Symbol:    symbol,
			Timestamp: r.Time.UnixMilli(),
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			AskOpen:   r.AskOpen,
			AskHigh:   r.AskHigh,
			AskLow:    r.AskLow,
			AskClose:  r.AskClose,
			BidOpen:   r.BidOpen,
			BidHigh:   r.BidHigh,
			BidLow:    r.BidLow,
			BidClose:  r.BidClose,
			Volume:    r.Volume,
			Average:   r.Average,
			BarCount:  r.BarCount,
		})
	}
	return out
}

// toTickRows persists ticks, which travel with the price in Close and the
// size in Volume.
func toTickRows(symbol string, rows []Row) []store.TickRow {
	out := make([]store.TickRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, store.TickRow{
			Symbol:    symbol,
			Timestamp: r.Time.UnixMilli(),
			Price:     r.Close,
			Size:      r.Volume,
		})
	}
	return out
}

func fromBarRows(rows []store.BarRow) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, Row{
			Time:     time.UnixMilli(r.Timestamp).UTC(),
			Open:     r.Open,
			High:     r.High,
			Low:      r.Low,
			Close:    r.Close,
			Volume:   r.Volume,
			Average:  r.Average,
			BarCount: r.BarCount,
		})
	}
	return out
}

func fromQuoteBarRows(rows []store.QuoteBarRow) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, Row{
			Time:     time.UnixMilli(r.Timestamp).UTC(),
			Open:     r.Open,
			High:     r.High,
			Low:      r.Low,
			Close:    r.Close,
			AskOpen:  r.AskOpen,
			AskHigh:  r.AskHigh,
			AskLow:   r.AskLow,
			AskClose: r.AskClose,
			BidOpen:  r.BidOpen,
			BidHigh:  r.BidHigh,
			BidLow:   r.BidLow,
			BidClose: r.BidClose,
			Volume:   r.Volume,
			Average:  r.Average,
			BarCount: r.BarCount,
		})
	}
	return out
}

func fromTickRows(rows []store.TickRow) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, Row{
			Time:   time.UnixMilli(r.Timestamp).UTC(),
			Close:  r.Price,
			Volume: r.Size,
		})
	}
	return out
}
