package store

import (
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
)

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRow is the on-disk schema for trade-aggregated bars.
type BarRow struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
	Average   float64 `parquet:"average"`
	BarCount  int64   `parquet:"bar_count"`
}

// QuoteBarRow is the on-disk schema for quote-merged bars: trade OHLC plus
// ask/bid OHLC merged column-wise on timestamp.
type QuoteBarRow struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	AskOpen   float64 `parquet:"ask_open"`
	AskHigh   float64 `parquet:"ask_high"`
	AskLow    float64 `parquet:"ask_low"`
	AskClose  float64 `parquet:"ask_close"`
	BidOpen   float64 `parquet:"bid_open"`
	BidHigh   float64 `parquet:"bid_high"`
	BidLow    float64 `parquet:"bid_low"`
	BidClose  float64 `parquet:"bid_close"`
	Volume    int64   `parquet:"volume"`
	Average   float64 `parquet:"average"`
	BarCount  int64   `parquet:"bar_count"`
}

// TickRow is the on-disk schema for raw ticks.
type TickRow struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Price     float64 `parquet:"price"`
	Size      int64   `parquet:"size"`
}

// BookRow is the canonical on-disk schema for order-book rows. Every vendor
// feed is normalized to these columns before writing.
type BookRow struct {
	TimestampNS int64   `parquet:"timestamp_ns"`
	Action      string  `parquet:"action"`
	Side        string  `parquet:"side"`
	Price       float64 `parquet:"price"`
	Size        float64 `parquet:"size"`
	Level       int32   `parquet:"level"`
	Exchange    string  `parquet:"exchange"`
	Symbol      string  `parquet:"symbol"`
	Source      string  `parquet:"source"`
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

// WriteParquet writes rows to path, creating parent directories.
func WriteParquet[T any](path string, rows []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, rows)
}

// ReadParquet reads every row from the file at path.
func ReadParquet[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}

// AtomicWriteParquet writes rows through a temp file in the destination
// directory and renames it into place, so readers never observe a partial
// artifact. When overwrite is false and the destination already exists, the
// write is skipped. Returns whether a file was written.
func AtomicWriteParquet[T any](dest string, rows []T, overwrite bool) (bool, error) {
	if !overwrite && Exists(dest) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, err
	}
	tmp := dest + ".tmp"
	if err := parquet.WriteFile(tmp, rows); err != nil {
		os.Remove(tmp)
		return false, err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return false, err
	}
	return true, nil
}
