// Package pacing enforces vendor request-pacing rules: a rolling-window
// request quota, minimum spacing between identical requests, and a tighter
// burst sub-window for second-granularity bar requests. Waits block only the
// calling goroutine; unrelated requests keep flowing.
package pacing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Key identifies a historical-data request for pacing purposes. Two requests
// with equal keys are "identical" in the vendor's sense.
type Key struct {
	Symbol  string
	BarSize string
	End     time.Time
}

// String renders the key in a stable form usable as a map key.
func (k Key) String() string {
	return k.Symbol + "|" + k.BarSize + "|" + k.End.UTC().Format(time.RFC3339)
}

// secondGranularity reports whether the bar size is tracked by the burst
// sub-window rule.
func secondGranularity(barSize string) bool {
	return strings.Contains(strings.ToLower(barSize), "sec")
}

// Config holds the gate's rule parameters.
type Config struct {
	Window           time.Duration // rolling quota window
	MaxRequests      int           // quota within Window
	IdenticalSpacing time.Duration // min gap between identical requests
	BurstWindow      time.Duration // sub-window for second-granularity bars
	BurstMaxRequests int           // quota within BurstWindow
}

// DefaultConfig returns the vendor's documented limits: 60 requests per
// 10 minutes, 15s identical-request spacing, and 6 second-bar requests per 2s.
func DefaultConfig() Config {
	return Config{
		Window:           10 * time.Minute,
		MaxRequests:      60,
		IdenticalSpacing: 15 * time.Second,
		BurstWindow:      2 * time.Second,
		BurstMaxRequests: 6,
	}
}

// Gate tracks recent request timestamps and computes required sleeps. All
// rule evaluation happens under a short-lived mutex; actual sleeping happens
// outside it so one waiting task never blocks another.
type Gate struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	requests  []time.Time // admitted requests inside Window, oldest first
	burst     []time.Time // admitted second-bar requests inside BurstWindow
	lastKey   string
	lastKeyAt time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New creates a Gate with the given rule parameters.
func New(cfg Config, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{
		cfg:   cfg,
		log:   log.With("component", "pacing"),
		now:   time.Now,
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// maxWaitChunk bounds a single uninterrupted sleep so cancellation stays
// prompt even for multi-minute pacing waits.
const maxWaitChunk = time.Second

// Wait blocks until the request identified by key may be sent, then records
// it. It returns the total time slept. When several rules demand different
// sleeps, the longest one governs.
func (g *Gate) Wait(ctx context.Context, key Key) (time.Duration, error) {
	var (
		total  time.Duration
		logged bool
		ks     = key.String()
		burst  = secondGranularity(key.BarSize)
	)

	for {
		g.mu.Lock()
		now := g.now()
		g.prune(now)

		var need time.Duration
		reason := ""

		if len(g.requests) >= g.cfg.MaxRequests {
			if d := g.cfg.Window - now.Sub(g.requests[0]); d > need {
				need, reason = d, "window quota"
			}
		}
		if ks == g.lastKey {
			if d := g.cfg.IdenticalSpacing - now.Sub(g.lastKeyAt); d > need {
				need, reason = d, "identical request"
			}
		}
		if burst && len(g.burst) >= g.cfg.BurstMaxRequests {
			if d := g.cfg.BurstWindow - now.Sub(g.burst[0]); d > need {
				need, reason = d, "burst quota"
			}
		}

		if need <= 0 {
			g.requests = append(g.requests, now)
			if burst {
				g.burst = append(g.burst, now)
			}
			g.lastKey, g.lastKeyAt = ks, now
			g.mu.Unlock()
			return total, nil
		}
		g.mu.Unlock()

		if !logged {
			g.log.Info("pacing limit reached, waiting",
				"reason", reason, "wait", need.Round(100*time.Millisecond),
				"symbol", key.Symbol, "bar_size", key.BarSize)
			logged = true
		}

		chunk := need
		if chunk > maxWaitChunk {
			chunk = maxWaitChunk
		}
		if err := g.sleep(ctx, chunk); err != nil {
			return total, err
		}
		total += chunk
	}
}

// prune discards timestamps that have aged out of their windows. Callers must
// hold g.mu.
func (g *Gate) prune(now time.Time) {
	cutoff := now.Add(-g.cfg.Window)
	i := 0
	for i < len(g.requests) && !g.requests[i].After(cutoff) {
		i++
	}
	g.requests = g.requests[i:]

	burstCutoff := now.Add(-g.cfg.BurstWindow)
	i = 0
	for i < len(g.burst) && !g.burst[i].After(burstCutoff) {
		i++
	}
	g.burst = g.burst[i:]
}

// Snapshot reports the gate's current occupancy for diagnostics.
type Snapshot struct {
	InWindow      int       `json:"in_window"`
	InBurstWindow int       `json:"in_burst_window"`
	LastKey       string    `json:"last_key,omitempty"`
	LastRequestAt time.Time `json:"last_request_at,omitempty"`
}

// Stats returns a point-in-time snapshot after pruning expired entries.
func (g *Gate) Stats() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prune(g.now())
	return Snapshot{
		InWindow:      len(g.requests),
		InBurstWindow: len(g.burst),
		LastKey:       g.lastKey,
		LastRequestAt: g.lastKeyAt,
	}
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

// stateFile is the on-disk form of the gate's rolling history. Timestamps are
// stored as ages relative to the save instant so a restart can re-base them
// against its own clock: the newest entry reappears exactly file-age seconds
// in the past and older entries keep their relative spacing.
type stateFile struct {
	SavedAtUnixMS  int64   `json:"saved_at_unix_ms"`
	RequestAgesMS  []int64 `json:"request_ages_ms"`
	BurstAgesMS    []int64 `json:"burst_ages_ms"`
	LastKey        string  `json:"last_key,omitempty"`
	LastKeyAgeMS   int64   `json:"last_key_age_ms,omitempty"`
}

// Save writes the rolling history to path. Best effort: pacing state is an
// accelerating cache, not a correctness requirement.
func (g *Gate) Save(path string) error {
	g.mu.Lock()
	now := g.now()
	g.prune(now)
	st := stateFile{
		SavedAtUnixMS: now.UnixMilli(),
		RequestAgesMS: agesMS(now, g.requests),
		BurstAgesMS:   agesMS(now, g.burst),
		LastKey:       g.lastKey,
	}
	if g.lastKey != "" {
		st.LastKeyAgeMS = now.Sub(g.lastKeyAt).Milliseconds()
	}
	g.mu.Unlock()

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding pacing state: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("writing pacing state: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing pacing state: %w", err)
	}
	return nil
}

func agesMS(now time.Time, ts []time.Time) []int64 {
	ages := make([]int64, len(ts))
	for i, t := range ts {
		ages[i] = now.Sub(t).Milliseconds()
	}
	return ages
}

// Load restores rolling history saved by a previous process. A missing file
// leaves the gate empty; a corrupt file is ignored the same way.
func (g *Gate) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading pacing state: %w", err)
	}

	var st stateFile
	if err := json.Unmarshal(data, &st); err != nil {
		g.log.Warn("discarding corrupt pacing state", "path", path, "err", err)
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	elapsed := now.Sub(time.UnixMilli(st.SavedAtUnixMS))
	if elapsed < 0 {
		elapsed = 0
	}

	g.requests = rebase(now, elapsed, st.RequestAgesMS)
	g.burst = rebase(now, elapsed, st.BurstAgesMS)
	if st.LastKey != "" {
		g.lastKey = st.LastKey
		g.lastKeyAt = now.Add(-elapsed - time.Duration(st.LastKeyAgeMS)*time.Millisecond)
	}
	g.prune(now)
	return nil
}

func rebase(now time.Time, elapsed time.Duration, agesMS []int64) []time.Time {
	ts := make([]time.Time, 0, len(agesMS))
	for _, age := range agesMS {
		ts = append(ts, now.Add(-elapsed-time.Duration(age)*time.Millisecond))
	}
	return ts
}
