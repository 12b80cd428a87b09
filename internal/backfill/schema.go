package backfill

import (
	"strings"

	"quarry/internal/provider"
	"quarry/internal/store"
)

// NormalizeBookRows converts vendor book rows into the canonical on-disk
// schema. Symbol and source are stamped from the request, never taken from
// vendor data.
func NormalizeBookRows(symbol, source string, raw []provider.BookRow) []store.BookRow {
	out := make([]store.BookRow, 0, len(raw))
	for _, r := range raw {
		out = append(out, store.BookRow{
			TimestampNS: r.TsEvent,
			Action:      normalizeAction(r.Action),
			Side:        normalizeSide(r.Side),
			Price:       r.Price,
			Size:        r.Size,
			Level:       int32(r.Level),
			Exchange:    r.Exchange,
			Symbol:      symbol,
			Source:      source,
		})
	}
	return out
}

// normalizeAction maps vendor action codes to canonical names. Codes not in
// the map pass through as-is rather than being dropped.
func normalizeAction(a string) string {
	switch strings.ToUpper(strings.TrimSpace(a)) {
	case "A", "1":
		return "add"
	case "C", "2":
		return "change"
	case "D", "3":
		return "delete"
	case "U":
		return "unknown"
	}
	return a
}

// normalizeSide keeps B and S, everything else becomes U.
func normalizeSide(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "U"
	}
	switch c := strings.ToUpper(s[:1]); c {
	case "B", "S":
		return c
	}
	return "U"
}
