// Package store owns the on-disk artifact layout: parquet files for bars,
// ticks, and order-book days, addressed by deterministic paths. Artifact
// existence on disk is the final authority for idempotency decisions, so
// path construction lives here and nowhere else.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const dayFormat = "2006-01-02"

// Store resolves artifact paths under one data directory.
type Store struct {
	DataDir string
}

func New(dataDir string) *Store {
	return &Store{DataDir: dataDir}
}

// BarPath returns the canonical bar-series path for one (symbol, kind,
// day). Intraday kinds are one file per day; multi-day kinds pass a zero
// day and share one rolling file per symbol. Layout:
//
//	<dataDir>/bars/<kindDir>/<SYMBOL>/<SYMBOL><fileTag>_<YYYY-MM-DD>.parquet
//	<dataDir>/bars/<kindDir>/<SYMBOL>/<SYMBOL><fileTag>.parquet
func (s *Store) BarPath(kindDir, fileTag, symbol string, day time.Time) string {
	sym := strings.ToUpper(symbol)
	name := sym + fileTag
	if !day.IsZero() {
		name += "_" + day.Format(dayFormat)
	}
	return filepath.Join(s.DataDir, "bars", kindDir, sym, name+".parquet")
}

// BookPath returns the canonical order-book path for one (symbol, day,
// schema). Layout:
//
//	<dataDir>/book/<SYMBOL>/<SYMBOL>_<YYYY-MM-DD>_<schema>.parquet
//
// Vendor-specific suffixes are applied with WithSourceSuffix.
func (s *Store) BookPath(symbol string, day time.Time, schema string) string {
	sym := strings.ToUpper(symbol)
	name := fmt.Sprintf("%s_%s_%s.parquet", sym, day.Format(dayFormat), schema)
	return filepath.Join(s.DataDir, "book", sym, name)
}

// WithSourceSuffix inserts "_<source>" before the path's extension, so
// artifacts from different vendors coexist in one directory.
func WithSourceSuffix(path, source string) string {
	if source == "" {
		return path
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_" + source + ext
}

// Exists reports whether the artifact at path is present.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
