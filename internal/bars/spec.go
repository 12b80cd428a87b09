// Package bars fetches historical bar series from a vendor page by page,
// under pacing control, and reconciles the result with whatever is already
// on disk. The vendor serves pages backward from a requested end time, so
// the fetch loop walks a cursor from the session end toward the window
// start and merges as it goes.
package bars

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind enumerates the supported bar granularities.
type Kind int

const (
	KindTick Kind = iota
	KindSecond
	KindMinute
	KindHalfHour
	KindHour
	KindDay
)

// Spec describes one bar granularity: how the vendor names it, how pages
// are sized, and how the series is laid out on disk. Specs are built by New
// and never mutated.
type Spec struct {
	Name        string // human name used in logs
	Token       string // vendor bar-size token, also the ledger key
	Kind        Kind
	FileTag     string // filename suffix, e.g. "_1m"
	KindDir     string // directory under bars/, e.g. "1m"
	MaxInterval int    // vendor cap on units per request
	TargetBars  int    // rows expected from a full default pull
	MultiDay    bool   // one rolling file per symbol instead of one per day
	MergeQuotes bool   // fetch ASK and BID streams and merge column-wise

	durUnit    string        // duration token unit: " S" or " D"
	convFactor float64       // bar units -> duration token count
	unit       time.Duration // span of one bar
}

// New resolves a granularity name to its Spec. Matching is loose: "tick",
// "1 sec", "1 min", "30 mins", "1 hour" and "1 day" all resolve, as do
// close variants of each.
func New(name string) (Spec, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	period := 1
	if i := strings.IndexByte(lower, ' '); i > 0 {
		if n, err := strconv.Atoi(lower[:i]); err == nil {
			period = n
		}
	}
	switch {
	case strings.Contains(lower, "tick"):
		return Spec{
			Name: "ticks", Token: "ticks", Kind: KindTick,
			FileTag: "_Tick", KindDir: "tick",
			MaxInterval: 1000, TargetBars: 1000,
			durUnit: " S", convFactor: 1, unit: time.Second,
		}, nil
	case strings.Contains(lower, "sec"):
		return Spec{
			Name: "seconds", Token: "1 secs", Kind: KindSecond,
			FileTag: "_1s", KindDir: "1s",
			MaxInterval: 2000, TargetBars: 1800, MergeQuotes: true,
			durUnit: " S", convFactor: 1, unit: time.Second,
		}, nil
	case strings.Contains(lower, "min"):
		switch period {
		case 1:
			return Spec{
				Name: "minutes", Token: "1 min", Kind: KindMinute,
				FileTag: "_1m", KindDir: "1m",
				MaxInterval: 2000, TargetBars: 480, MergeQuotes: true,
				durUnit: " S", convFactor: 60, unit: time.Minute,
			}, nil
		case 30:
			return Spec{
				Name: "30 mins", Token: "30 mins", Kind: KindHalfHour,
				FileTag: "_30m", KindDir: "30m",
				MaxInterval: 2000, TargetBars: 5000, MultiDay: true,
				durUnit: " D", convFactor: 1.0 / 48.0, unit: 30 * time.Minute,
			}, nil
		default:
			return Spec{}, fmt.Errorf("minute bars come in 1 and 30 minute periods, not %d", period)
		}
	case strings.Contains(lower, "hour"):
		return Spec{
			Name: "hours", Token: "1 hour", Kind: KindHour,
			FileTag: "_1h", KindDir: "1h",
			MaxInterval: 2000, TargetBars: 2500, MultiDay: true,
			durUnit: " D", convFactor: 1.0 / 24.0, unit: time.Hour,
		}, nil
	case strings.Contains(lower, "day"):
		return Spec{
			Name: "days", Token: "1 day", Kind: KindDay,
			FileTag: "_1d", KindDir: "1d",
			MaxInterval: 2000, TargetBars: 3650, MultiDay: true,
			durUnit: " D", convFactor: 1, unit: 24 * time.Hour,
		}, nil
	}
	return Spec{}, fmt.Errorf("unsupported bar size %q", name)
}

// AllBarSizes returns the vendor token of every supported granularity.
// These are the bar-size keys the ledger tracks.
func AllBarSizes() []string {
	return []string{"ticks", "1 secs", "1 min", "30 mins", "1 hour", "1 day"}
}

// IntervalFor sizes the next page ending at end, given the earliest bound
// still to cover. A zero start means the window is unbounded and the page
// takes the vendor maximum. The empty string means no page is worth
// requesting and the loop should stop: the remainder is less than one bar,
// or the token degenerates to a span the vendor rejects.
func (s Spec) IntervalFor(start, end time.Time) string {
	if start.IsZero() {
		return s.durationToken(s.MaxInterval)
	}
	remaining := end.Sub(start)
	if remaining <= 0 {
		return ""
	}
	needed := int(remaining / s.unit)
	if needed > s.MaxInterval {
		needed = s.MaxInterval
	}
	return s.durationToken(needed)
}

// durationToken renders a bar count as a vendor duration token, or "" when
// the span degenerates.
func (s Spec) durationToken(units int) string {
	n := int(float64(units) * s.convFactor)
	if n <= 0 {
		return ""
	}
	tok := strconv.Itoa(n) + s.durUnit
	// A one-second page, or a one-bar page of minutes, never advances the
	// cursor and loops forever.
	if tok == "1 S" || (s.Kind == KindMinute && tok == "60 S") {
		return ""
	}
	return tok
}
