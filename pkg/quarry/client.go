// Package quarry provides a Go client for the quarry status API.
package quarry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrNoSummary means no backfill run has produced a summary yet.
var ErrNoSummary = errors.New("no backfill summary available")

// Health reports daemon liveness.
type Health struct {
	Status    string  `json:"status"`
	UptimeSec float64 `json:"uptime_sec"`
}

// LedgerStats mirrors GET /api/ledger.
type LedgerStats struct {
	Failed       int `json:"failed"`
	Downloadable int `json:"downloadable"`
	Downloaded   int `json:"downloaded"`
	Dirty        int `json:"dirty"`
}

// PacingStats mirrors GET /api/pacing.
type PacingStats struct {
	InWindow      int       `json:"in_window"`
	InBurstWindow int       `json:"in_burst_window"`
	LastKey       string    `json:"last_key"`
	LastRequestAt time.Time `json:"last_request_at"`
}

// WindowET is a requested clock window in Eastern time.
type WindowET struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// BackfillSummary mirrors GET /api/summary.
type BackfillSummary struct {
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

// Client talks to one quarry status endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the status API at baseURL,
// e.g. "http://localhost:8095".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Health fetches daemon liveness.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.get(ctx, "/api/health", &h)
	return h, err
}

// LedgerStats fetches ledger row counts.
func (c *Client) LedgerStats(ctx context.Context) (LedgerStats, error) {
	var s LedgerStats
	err := c.get(ctx, "/api/ledger", &s)
	return s, err
}

// PacingStats fetches pacing-gate occupancy.
func (c *Client) PacingStats(ctx context.Context) (PacingStats, error) {
	var s PacingStats
	err := c.get(ctx, "/api/pacing", &s)
	return s, err
}

// Summary fetches the last backfill summary. Returns ErrNoSummary when no
// run has completed yet.
func (c *Client) Summary(ctx context.Context) (*BackfillSummary, error) {
	var s BackfillSummary
	if err := c.get(ctx, "/api/summary", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && path == "/api/summary" {
		return ErrNoSummary
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decoding response: %w", path, err)
	}
	return nil
}
