package backfill

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Status classifies one task's outcome.
type Status string

const (
	StatusWrite Status = "WRITE"
	StatusSkip  Status = "SKIP"
	StatusEmpty Status = "EMPTY"
	StatusError Status = "ERROR"
)

// Result is the immutable outcome of one task.
type Result struct {
	Symbol   string
	Day      time.Time
	Status   Status
	Rows     int
	Path     string
	Duration time.Duration
	Err      string // "SYM YYYY-MM-DD <cause>", verbatim in the summary
}

// WindowET is the requested session window, echoed into the summary.
type WindowET struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Summary is the aggregate record of one run. One JSON object, overwritten
// per run; the manifest is the append-only per-task companion.
type Summary struct {
	Counts            map[string]int `json:"counts"`
	ZeroRowTasks      [][2]string    `json:"zero_row_tasks"`
	Errors            []string       `json:"errors"`
	TotalTasks        int            `json:"total_tasks"`
	DurationSec       float64        `json:"duration_sec"`
	Strict            bool           `json:"strict"`
	Force             bool           `json:"force"`
	MaxTasks          int            `json:"max_tasks"`
	Concurrency       int            `json:"concurrency"`
	RunID             string         `json:"run_id"`
	RequestedWindowET WindowET       `json:"requested_window_et"`
}

type manifestLine struct {
	Symbol string `json:"symbol"`
	Date   string `json:"date"`
	Status string `json:"status"`
}

// AppendManifest appends one JSON line per result, in the order given.
// Callers pass results in canonical task order, so the manifest reads the
// same no matter how many workers ran.
func AppendManifest(path string, results []Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(fh)
	for _, r := range results {
		line := manifestLine{
			Symbol: r.Symbol,
			Date:   r.Day.Format(dayFormat),
			Status: string(r.Status),
		}
		if err := enc.Encode(line); err != nil {
			fh.Close()
			return fmt.Errorf("appending manifest: %w", err)
		}
	}
	return fh.Close()
}

// WriteSummary overwrites the run summary file.
func WriteSummary(path string, s Summary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// newSummary aggregates results into the run summary. Slices are allocated
// even when empty so the JSON shows [] rather than null.
func newSummary(results []Result, opts Options, runID string, window WindowET, duration time.Duration) Summary {
	s := Summary{
		Counts: map[string]int{
			string(StatusWrite): 0,
			string(StatusSkip):  0,
			string(StatusEmpty): 0,
			string(StatusError): 0,
		},
		ZeroRowTasks:      make([][2]string, 0),
		Errors:            make([]string, 0),
		TotalTasks:        len(results),
		DurationSec:       duration.Seconds(),
		Strict:            opts.Strict,
		Force:             opts.Force,
		MaxTasks:          opts.MaxTasks,
		Concurrency:       opts.MaxWorkers,
		RunID:             runID,
		RequestedWindowET: window,
	}
	for _, r := range results {
		s.Counts[string(r.Status)]++
		switch r.Status {
		case StatusEmpty:
			s.ZeroRowTasks = append(s.ZeroRowTasks, [2]string{r.Symbol, r.Day.Format(dayFormat)})
		case StatusError:
			s.Errors = append(s.Errors, r.Err)
		}
	}
	return s
}
