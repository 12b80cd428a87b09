// Package ledger tracks acquisition state across runs: what failed and why,
// what coverage exists per symbol and granularity, and which (day, symbol,
// granularity) units have been written. Three tables back every idempotency
// decision the fetchers make. The in-memory view is authoritative; SQLite
// persistence catches up in batches and on close.
package ledger

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const dayFormat = "2006-01-02"

// Existence is the tri-state knowledge about a symbol.
type Existence string

const (
	ExistUnknown Existence = "unknown"
	ExistAbsent  Existence = "absent"
	ExistPresent Existence = "present"
)

// Mark is the per-cell download state. A cell moves placeholder → written
// and never backwards; an absent cell means the unit was never attempted.
type Mark string

const (
	MarkPlaceholder Mark = "placeholder"
	MarkWritten     Mark = "written"
)

const maxNotes = 10

// Note is one diagnostic entry on a failed row.
type Note struct {
	Date    string `json:"date"`
	Comment string `json:"comment"`
}

// FailedRow records what is known about a symbol's failures. Watermarks map
// bar size to the earliest date that came back empty; retention vanishes
// backwards in time, so everything at or before a watermark is unavailable.
type FailedRow struct {
	Symbol      string
	Existence   Existence
	EarliestBar time.Time
	Watermarks  map[string]string
	Notes       []Note
}

// Span is a covered [Start, End] range for one bar size.
type Span struct {
	Start time.Time
	End   time.Time
}

// DownloadableRow records confirmed coverage per symbol. Coverage only
// widens: start moves earlier, end moves later.
type DownloadableRow struct {
	Symbol      string
	EarliestBar time.Time
	Coverage    map[string]Span
}

// DownloadedRow records which granularities were written for one
// (day, symbol).
type DownloadedRow struct {
	Day    string
	Symbol string
	Marks  map[string]Mark
}

// Thresholds are the dirty-row counts that trigger an automatic flush.
type Thresholds struct {
	Failed       int
	Downloadable int
	Downloaded   int
}

func DefaultThresholds() Thresholds {
	return Thresholds{Failed: 20, Downloadable: 100, Downloaded: 50}
}

// Stats reports row counts for the status API and the ledger CLI.
type Stats struct {
	Failed       int `json:"failed"`
	Downloadable int `json:"downloadable"`
	Downloaded   int `json:"downloaded"`
	Dirty        int `json:"dirty"`
}

// Ledger is the tri-table download ledger. All methods are safe for
// concurrent use; one mutex serializes every read and mutation.
type Ledger struct {
	mu  sync.Mutex
	db  *store
	log *slog.Logger

	// barSizes seeds placeholder marks when a downloaded row is created.
	barSizes   []string
	thresholds Thresholds

	failed       map[string]*FailedRow
	downloadable map[string]*DownloadableRow
	downloaded   map[string]*DownloadedRow

	dirtyFailed       map[string]bool
	dirtyDownloadable map[string]bool
	dirtyDownloaded   map[string]bool
}

// Open loads the ledger at path, creating the database on first use.
// barSizes lists every granularity a downloaded row should pre-seed as
// placeholder.
func Open(path string, barSizes []string, th Thresholds, log *slog.Logger) (*Ledger, error) {
	db, err := openStore(path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger at %s: %w", path, err)
	}
	l := &Ledger{
		db:                db,
		log:               log.With("component", "ledger"),
		barSizes:          barSizes,
		thresholds:        th,
		failed:            make(map[string]*FailedRow),
		downloadable:      make(map[string]*DownloadableRow),
		downloaded:        make(map[string]*DownloadedRow),
		dirtyFailed:       make(map[string]bool),
		dirtyDownloadable: make(map[string]bool),
		dirtyDownloaded:   make(map[string]bool),
	}
	if err := db.loadInto(l); err != nil {
		db.close()
		return nil, fmt.Errorf("loading ledger: %w", err)
	}
	return l, nil
}

func downloadedKey(day, symbol string) string { return day + "|" + symbol }

func dayOf(date time.Time) string { return date.UTC().Format(dayFormat) }

// ------------------------------------------------------------------
// Queries
// ------------------------------------------------------------------

// IsFailed reports whether (symbol, barSize, date) is known bad: the symbol
// is confirmed absent, or the bar-size watermark is on or after date.
func (l *Ledger) IsFailed(symbol, barSize string, date time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isFailedLocked(symbol, barSize, date)
}

func (l *Ledger) isFailedLocked(symbol, barSize string, date time.Time) bool {
	row, ok := l.failed[symbol]
	if !ok {
		return false
	}
	if row.Existence == ExistAbsent {
		return true
	}
	w, ok := row.Watermarks[barSize]
	return ok && w >= dayOf(date)
}

// IsAvailable reports whether data is believed to exist for (symbol,
// barSize, date). Unknown symbols default to available; a past failure
// without confirmed coverage does not.
func (l *Ledger) IsAvailable(symbol, barSize string, date time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isFailedLocked(symbol, barSize, date) {
		return false
	}
	earliest := l.earliestBarLocked(symbol)
	if !earliest.IsZero() && date.Before(earliest) {
		return false
	}
	row, ok := l.failed[symbol]
	if !ok {
		return true
	}
	if w, ok := row.Watermarks[barSize]; ok && w < dayOf(date) && earliest.IsZero() {
		return false
	}
	return true
}

func (l *Ledger) earliestBarLocked(symbol string) time.Time {
	if row, ok := l.downloadable[symbol]; ok && !row.EarliestBar.IsZero() {
		return row.EarliestBar
	}
	if row, ok := l.failed[symbol]; ok {
		return row.EarliestBar
	}
	return time.Time{}
}

// IsDownloaded reports whether the (day, symbol, barSize) cell is written.
// Callers that know the artifact path still check the disk; the ledger is
// an accelerating cache, not the final authority.
func (l *Ledger) IsDownloaded(symbol, barSize string, date time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.downloaded[downloadedKey(dayOf(date), symbol)]
	return ok && row.Marks[barSize] == MarkWritten
}

// Coverage returns the recorded [start, end] span for (symbol, barSize).
func (l *Ledger) Coverage(symbol, barSize string) (Span, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.downloadable[symbol]
	if !ok {
		return Span{}, false
	}
	span, ok := row.Coverage[barSize]
	return span, ok
}

// Stats returns current row counts.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Failed:       len(l.failed),
		Downloadable: len(l.downloadable),
		Downloaded:   len(l.downloaded),
		Dirty:        len(l.dirtyFailed) + len(l.dirtyDownloadable) + len(l.dirtyDownloaded),
	}
}

// FailedRows returns a copy of the failed table for reporting.
func (l *Ledger) FailedRows() []FailedRow {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]FailedRow, 0, len(l.failed))
	for _, row := range l.failed {
		cp := *row
		cp.Watermarks = copyStringMap(row.Watermarks)
		cp.Notes = append([]Note(nil), row.Notes...)
		out = append(out, cp)
	}
	return out
}

// DownloadableRows returns a copy of the downloadable table for reporting.
func (l *Ledger) DownloadableRows() []DownloadableRow {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]DownloadableRow, 0, len(l.downloadable))
	for _, row := range l.downloadable {
		cp := *row
		cp.Coverage = make(map[string]Span, len(row.Coverage))
		for k, v := range row.Coverage {
			cp.Coverage[k] = v
		}
		out = append(out, cp)
	}
	return out
}

// DownloadedRows returns a copy of the downloaded table for reporting.
func (l *Ledger) DownloadedRows() []DownloadedRow {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]DownloadedRow, 0, len(l.downloaded))
	for _, row := range l.downloaded {
		cp := *row
		cp.Marks = make(map[string]Mark, len(row.Marks))
		for k, v := range row.Marks {
			cp.Marks[k] = v
		}
		out = append(out, cp)
	}
	return out
}

// ------------------------------------------------------------------
// Mutations
// ------------------------------------------------------------------

// MarkFailed records a failure for (symbol, barSize) at date. nonExistent
// confirms the symbol has no data at all; otherwise the symbol exists but
// this range is empty. The watermark only ever moves earlier, and once a
// symbol is absent it stays absent.
func (l *Ledger) MarkFailed(symbol, barSize string, date time.Time, nonExistent bool, comment string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row, ok := l.failed[symbol]
	if !ok {
		row = &FailedRow{
			Symbol:     symbol,
			Existence:  ExistUnknown,
			Watermarks: make(map[string]string),
		}
		l.failed[symbol] = row
	}
	if nonExistent {
		row.Existence = ExistAbsent
	} else if row.Existence != ExistAbsent {
		row.Existence = ExistPresent
	}

	d := dayOf(date)
	if w, ok := row.Watermarks[barSize]; !ok || d < w {
		row.Watermarks[barSize] = d
	}
	l.appendNote(row, d, comment)

	l.dirtyFailed[symbol] = true
	l.maybeFlushLocked()
}

// appendNote adds a diagnostic note unless the row already holds an
// identical one or all slots are taken.
func (l *Ledger) appendNote(row *FailedRow, date, comment string) {
	if comment == "" {
		return
	}
	for _, n := range row.Notes {
		if n.Date == date && n.Comment == comment {
			return
		}
	}
	if len(row.Notes) >= maxNotes {
		return
	}
	row.Notes = append(row.Notes, Note{Date: date, Comment: comment})
}

// SetEarliestAvailable caches the vendor's earliest-data timestamp for a
// symbol. First writer wins.
func (l *Ledger) SetEarliestAvailable(symbol string, t time.Time) {
	if t.IsZero() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if row, ok := l.downloadable[symbol]; ok {
		if row.EarliestBar.IsZero() {
			row.EarliestBar = t
			l.dirtyDownloadable[symbol] = true
		}
	} else {
		l.downloadable[symbol] = &DownloadableRow{
			Symbol:      symbol,
			EarliestBar: t,
			Coverage:    make(map[string]Span),
		}
		l.dirtyDownloadable[symbol] = true
	}
	if row, ok := l.failed[symbol]; ok && row.EarliestBar.IsZero() {
		row.EarliestBar = t
		l.dirtyFailed[symbol] = true
	}
	l.maybeFlushLocked()
}

// MarkDownloadable widens the recorded coverage for (symbol, barSize) to
// include [start, end]. Start only moves earlier and end only moves later.
func (l *Ledger) MarkDownloadable(symbol, barSize string, earliestAvail, start, end time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row, ok := l.downloadable[symbol]
	if !ok {
		row = &DownloadableRow{
			Symbol:   symbol,
			Coverage: make(map[string]Span),
		}
		l.downloadable[symbol] = row
	}
	changed := !ok
	if row.EarliestBar.IsZero() && !earliestAvail.IsZero() {
		row.EarliestBar = earliestAvail
		changed = true
	}
	span, ok := row.Coverage[barSize]
	if !ok {
		span = Span{Start: start, End: end}
		changed = true
	} else {
		if start.Before(span.Start) {
			span.Start = start
			changed = true
		}
		if end.After(span.End) {
			span.End = end
			changed = true
		}
	}
	row.Coverage[barSize] = span

	if changed {
		l.dirtyDownloadable[symbol] = true
	}
	if fr, ok := l.failed[symbol]; ok && fr.EarliestBar.IsZero() && !earliestAvail.IsZero() {
		fr.EarliestBar = earliestAvail
		l.dirtyFailed[symbol] = true
	}
	l.maybeFlushLocked()
}

// MarkDownloaded flips the (day, symbol, barSize) cell to written. A new
// row seeds every known bar size as placeholder first.
func (l *Ledger) MarkDownloaded(symbol, barSize string, date time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	day := dayOf(date)
	key := downloadedKey(day, symbol)
	row, ok := l.downloaded[key]
	if !ok {
		row = &DownloadedRow{
			Day:    day,
			Symbol: symbol,
			Marks:  make(map[string]Mark, len(l.barSizes)),
		}
		for _, bs := range l.barSizes {
			row.Marks[bs] = MarkPlaceholder
		}
		l.downloaded[key] = row
	}
	if row.Marks[barSize] != MarkWritten {
		row.Marks[barSize] = MarkWritten
		l.dirtyDownloaded[key] = true
		l.maybeFlushLocked()
	}
}

// ------------------------------------------------------------------
// Persistence
// ------------------------------------------------------------------

func (l *Ledger) maybeFlushLocked() {
	if len(l.dirtyFailed) >= l.thresholds.Failed ||
		len(l.dirtyDownloadable) >= l.thresholds.Downloadable ||
		len(l.dirtyDownloaded) >= l.thresholds.Downloaded {
		if err := l.flushLocked(); err != nil {
			l.log.Error("ledger flush failed", "err", err)
		}
	}
}

// Flush writes all dirty rows in one transaction.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Ledger) flushLocked() error {
	if len(l.dirtyFailed) == 0 && len(l.dirtyDownloadable) == 0 && len(l.dirtyDownloaded) == 0 {
		return nil
	}
	if err := l.db.save(l); err != nil {
		return err
	}
	l.dirtyFailed = make(map[string]bool)
	l.dirtyDownloadable = make(map[string]bool)
	l.dirtyDownloaded = make(map[string]bool)
	return nil
}

// Close flushes outstanding mutations and releases the database.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	flushErr := l.flushLocked()
	closeErr := l.db.close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
