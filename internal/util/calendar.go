package util

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	etOnce sync.Once
	etLoc  *time.Location
	etErr  error
)

// Eastern returns the America/New_York location, loaded once.
func Eastern() (*time.Location, error) {
	etOnce.Do(func() {
		etLoc, etErr = time.LoadLocation("America/New_York")
	})
	if etErr != nil {
		return nil, fmt.Errorf("loading ET timezone: %w", etErr)
	}
	return etLoc, nil
}

// ParseWindowET parses a "HH:MM-HH:MM" Eastern-time window into clock times
// anchored to the zero date. The end must be after the start.
func ParseWindowET(s string) (start, end time.Time, err error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return time.Time{}, time.Time{}, fmt.Errorf("window %q: want HH:MM-HH:MM", s)
	}
	start, err = time.Parse("15:04", strings.TrimSpace(parts[0]))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("window %q start: %w", s, err)
	}
	end, err = time.Parse("15:04", strings.TrimSpace(parts[1]))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("window %q end: %w", s, err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("window %q: end not after start", s)
	}
	return start, end, nil
}

// ClampWindow intersects two clock-time windows, returning the later start
// and the earlier end. The result can be empty (start >= end); callers decide
// whether that is an error.
func ClampWindow(start, end, hardStart, hardEnd time.Time) (time.Time, time.Time) {
	if hardStart.After(start) {
		start = hardStart
	}
	if hardEnd.Before(end) {
		end = hardEnd
	}
	return start, end
}

// AtClockET combines a calendar day with a clock time (as produced by
// ParseWindowET) into an instant in Eastern time. The day's own location is
// ignored: a task day parsed from "2006-01-02" names a calendar date, not an
// instant.
func AtClockET(day time.Time, clock time.Time) (time.Time, error) {
	et, err := Eastern()
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, clock.Hour(), clock.Minute(), 0, 0, et), nil
}
