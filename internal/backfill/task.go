// Package backfill turns a list of (symbol, trading day) pairs into
// idempotent, atomically written order-book artifacts, with an append-only
// manifest and a run summary that are deterministic functions of the task
// set regardless of worker count.
package backfill

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const dayFormat = "2006-01-02"

var symbolRe = regexp.MustCompile(`^[A-Z][A-Z0-9.-]{0,6}$`)

// Task is one unit of backfill work. Discovery fills Symbol and Day; the
// orchestrator resolves the vendor parameters before dispatch.
type Task struct {
	Symbol string
	Day    time.Time

	VendorSymbol string
	Dataset      string
	Schema       string
}

// DiscoverOptions filter the raw task source.
type DiscoverOptions struct {
	Since    int       // keep only days within the last N days
	Last     int       // keep only the most recent N distinct days
	MaxTasks int       // truncate after sorting
	Now      time.Time // reference for Since; zero means time.Now
}

// NormalizeSymbol uppercases and maps slash and dot share-class notation to
// the dashed form vendors use.
func NormalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, ".", "-")
	return s
}

// DiscoverTasks reads the task source (a CSV file, or a directory of CSV
// files) and returns the cleaned task list: symbols normalized and
// validated, dates parsed, duplicates dropped, filters applied, sorted by
// (day, symbol).
func DiscoverTasks(path string, opts DiscoverOptions, log *slog.Logger) ([]Task, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("task source: %w", err)
	}
	files := []string{path}
	if info.IsDir() {
		files, err = filepath.Glob(filepath.Join(path, "*.csv"))
		if err != nil {
			return nil, err
		}
		sort.Strings(files)
	}

	seen := make(map[string]bool)
	var tasks []Task
	for _, f := range files {
		rows, err := readTaskFile(f, log)
		if err != nil {
			return nil, err
		}
		for _, t := range rows {
			k := t.Symbol + "|" + t.Day.Format(dayFormat)
			if seen[k] {
				continue
			}
			seen[k] = true
			tasks = append(tasks, t)
		}
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	if opts.Since > 0 {
		cutoff := now.UTC().AddDate(0, 0, -opts.Since)
		cutoff = time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, time.UTC)
		kept := tasks[:0]
		for _, t := range tasks {
			if !t.Day.Before(cutoff) {
				kept = append(kept, t)
			}
		}
		tasks = kept
	}
	if opts.Last > 0 {
		tasks = keepNewestDays(tasks, opts.Last)
	}

	sortTasks(tasks)
	if opts.MaxTasks > 0 && len(tasks) > opts.MaxTasks {
		tasks = tasks[:opts.MaxTasks]
	}
	return tasks, nil
}

// readTaskFile parses one CSV. A header row naming symbol/date columns is
// honored; without one the first two columns are assumed. Unparsable rows
// are skipped, not fatal: one bad line must not sink a batch.
func readTaskFile(path string, log *slog.Logger) ([]Task, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	rd := csv.NewReader(fh)
	rd.FieldsPerRecord = -1
	rd.TrimLeadingSpace = true
	records, err := rd.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	symCol, dateCol, startRow := 0, 1, 0
	for i, cell := range records[0] {
		switch strings.ToLower(strings.TrimSpace(cell)) {
		case "symbol", "ticker":
			symCol, startRow = i, 1
		case "date", "day", "trading_day":
			dateCol, startRow = i, 1
		}
	}

	var tasks []Task
	skipped := 0
	for _, rec := range records[startRow:] {
		if len(rec) <= symCol || len(rec) <= dateCol {
			skipped++
			continue
		}
		sym := NormalizeSymbol(rec[symCol])
		if !symbolRe.MatchString(sym) {
			skipped++
			continue
		}
		day, err := time.Parse(dayFormat, strings.TrimSpace(rec[dateCol]))
		if err != nil {
			skipped++
			continue
		}
		tasks = append(tasks, Task{Symbol: sym, Day: day})
	}
	if skipped > 0 {
		log.Warn("skipped unparsable task rows", "file", filepath.Base(path), "rows", skipped)
	}
	return tasks, nil
}

// keepNewestDays filters tasks down to the most recent n distinct days.
func keepNewestDays(tasks []Task, n int) []Task {
	seen := make(map[string]bool)
	var days []string
	for _, t := range tasks {
		d := t.Day.Format(dayFormat)
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	if len(days) > n {
		days = days[:n]
	}
	keep := make(map[string]bool, len(days))
	for _, d := range days {
		keep[d] = true
	}
	kept := tasks[:0]
	for _, t := range tasks {
		if keep[t.Day.Format(dayFormat)] {
			kept = append(kept, t)
		}
	}
	return kept
}

// sortTasks orders tasks by (day, symbol), the canonical manifest order.
func sortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].Day.Equal(tasks[j].Day) {
			return tasks[i].Day.Before(tasks[j].Day)
		}
		return tasks[i].Symbol < tasks[j].Symbol
	})
}
