package bars

import (
	"testing"
	"time"
)

func mustSpec(t *testing.T, name string) Spec {
	t.Helper()
	s, err := New(name)
	if err != nil {
		t.Fatalf("New(%q): %v", name, err)
	}
	return s
}

func TestNewSpec(t *testing.T) {
	cases := []struct {
		name    string
		token   string
		fileTag string
		multi   bool
		quotes  bool
	}{
		{"tick", "ticks", "_Tick", false, false},
		{"ticks", "ticks", "_Tick", false, false},
		{"1 sec", "1 secs", "_1s", false, true},
		{"1 secs", "1 secs", "_1s", false, true},
		{"1 min", "1 min", "_1m", false, true},
		{"30 min", "30 mins", "_30m", true, false},
		{"30 mins", "30 mins", "_30m", true, false},
		{"1 hour", "1 hour", "_1h", true, false},
		{"1 day", "1 day", "_1d", true, false},
	}
	for _, tc := range cases {
		s, err := New(tc.name)
		if err != nil {
			t.Errorf("New(%q): %v", tc.name, err)
			continue
		}
		if s.Token != tc.token || s.FileTag != tc.fileTag {
			t.Errorf("New(%q) = token %q tag %q, want %q %q",
				tc.name, s.Token, s.FileTag, tc.token, tc.fileTag)
		}
		if s.MultiDay != tc.multi {
			t.Errorf("New(%q).MultiDay = %v, want %v", tc.name, s.MultiDay, tc.multi)
		}
		if s.MergeQuotes != tc.quotes {
			t.Errorf("New(%q).MergeQuotes = %v, want %v", tc.name, s.MergeQuotes, tc.quotes)
		}
	}
}

func TestNewSpecRejects(t *testing.T) {
	for _, name := range []string{"2 min", "5 mins", "weekly", ""} {
		if _, err := New(name); err == nil {
			t.Errorf("New(%q) succeeded, want error", name)
		}
	}
}

func TestAllBarSizes(t *testing.T) {
	sizes := AllBarSizes()
	if len(sizes) != 6 {
		t.Fatalf("AllBarSizes() has %d entries, want 6", len(sizes))
	}
	for _, name := range sizes {
		s, err := New(name)
		if err != nil {
			t.Errorf("token %q does not round-trip through New: %v", name, err)
			continue
		}
		if s.Token != name {
			t.Errorf("New(%q).Token = %q", name, s.Token)
		}
	}
}

func TestIntervalFor(t *testing.T) {
	end := time.Date(2025, 7, 14, 20, 0, 0, 0, time.UTC)
	cases := []struct {
		spec      string
		remaining time.Duration // zero means unbounded start
		want      string
	}{
		{"1 day", 0, "2000 D"},
		{"1 hour", 0, "83 D"},
		{"30 mins", 0, "41 D"},
		{"1 min", 0, "120000 S"},
		{"1 secs", 0, "2000 S"},
		{"ticks", 0, "1000 S"},

		{"1 day", 5 * 24 * time.Hour, "5 D"},
		{"1 day", 12 * time.Hour, ""}, // less than one bar
		{"1 hour", 3 * 24 * time.Hour, "3 D"},
		{"30 mins", 3 * 24 * time.Hour, "3 D"},
		{"30 mins", 10 * time.Hour, ""}, // rounds down to zero days
		{"1 min", 90 * time.Minute, "5400 S"},
		{"1 min", time.Minute, ""}, // one-bar page never advances
		{"1 secs", time.Second, ""},
		{"1 secs", 30 * time.Minute, "1800 S"},
		{"ticks", 2 * time.Hour, "1000 S"}, // capped at the vendor max
	}
	for _, tc := range cases {
		s := mustSpec(t, tc.spec)
		start := time.Time{}
		if tc.remaining != 0 {
			start = end.Add(-tc.remaining)
		}
		if got := s.IntervalFor(start, end); got != tc.want {
			t.Errorf("%s IntervalFor(remaining %v) = %q, want %q",
				tc.spec, tc.remaining, got, tc.want)
		}
	}
}

func TestIntervalForExhausted(t *testing.T) {
	s := mustSpec(t, "1 day")
	end := time.Date(2025, 7, 14, 0, 0, 0, 0, time.UTC)
	if got := s.IntervalFor(end, end); got != "" {
		t.Errorf("IntervalFor(start == end) = %q, want empty", got)
	}
	if got := s.IntervalFor(end.Add(24*time.Hour), end); got != "" {
		t.Errorf("IntervalFor(start after end) = %q, want empty", got)
	}
}
