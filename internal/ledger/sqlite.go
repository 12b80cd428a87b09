package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// store persists the three tables in SQLite. Per-bar-size maps are stored
// as JSON text; timestamps as unix milliseconds (0 = unset).
type store struct {
	db *sql.DB
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS failed (
	symbol      TEXT PRIMARY KEY,
	existence   TEXT NOT NULL,
	earliest_ms INTEGER NOT NULL DEFAULT 0,
	watermarks  TEXT NOT NULL,
	notes       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS downloadable (
	symbol      TEXT PRIMARY KEY,
	earliest_ms INTEGER NOT NULL DEFAULT 0,
	coverage    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS downloaded (
	day    TEXT NOT NULL,
	symbol TEXT NOT NULL,
	marks  TEXT NOT NULL,
	PRIMARY KEY (day, symbol)
);
`

func openStore(path string) (*store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single connection: sqlite allows one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &store{db: db}, nil
}

func (s *store) close() error { return s.db.Close() }

func msOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOf(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

type spanJSON struct {
	StartMS int64 `json:"start_ms"`
	EndMS   int64 `json:"end_ms"`
}

func encodeCoverage(cov map[string]Span) (string, error) {
	m := make(map[string]spanJSON, len(cov))
	for k, v := range cov {
		m[k] = spanJSON{StartMS: msOf(v.Start), EndMS: msOf(v.End)}
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func decodeCoverage(text string) (map[string]Span, error) {
	var m map[string]spanJSON
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return nil, err
	}
	cov := make(map[string]Span, len(m))
	for k, v := range m {
		cov[k] = Span{Start: timeOf(v.StartMS), End: timeOf(v.EndMS)}
	}
	return cov, nil
}

func (s *store) loadInto(l *Ledger) error {
	rows, err := s.db.Query(`SELECT symbol, existence, earliest_ms, watermarks, notes FROM failed`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var (
			row        FailedRow
			earliestMS int64
			watermarks string
			notes      string
		)
		if err := rows.Scan(&row.Symbol, &row.Existence, &earliestMS, &watermarks, &notes); err != nil {
			rows.Close()
			return err
		}
		row.EarliestBar = timeOf(earliestMS)
		if err := json.Unmarshal([]byte(watermarks), &row.Watermarks); err != nil {
			rows.Close()
			return fmt.Errorf("failed row %s: %w", row.Symbol, err)
		}
		if err := json.Unmarshal([]byte(notes), &row.Notes); err != nil {
			rows.Close()
			return fmt.Errorf("failed row %s: %w", row.Symbol, err)
		}
		if row.Watermarks == nil {
			row.Watermarks = make(map[string]string)
		}
		l.failed[row.Symbol] = &row
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT symbol, earliest_ms, coverage FROM downloadable`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var (
			row        DownloadableRow
			earliestMS int64
			coverage   string
		)
		if err := rows.Scan(&row.Symbol, &earliestMS, &coverage); err != nil {
			rows.Close()
			return err
		}
		row.EarliestBar = timeOf(earliestMS)
		cov, err := decodeCoverage(coverage)
		if err != nil {
			rows.Close()
			return fmt.Errorf("downloadable row %s: %w", row.Symbol, err)
		}
		row.Coverage = cov
		l.downloadable[row.Symbol] = &row
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT day, symbol, marks FROM downloaded`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			row   DownloadedRow
			marks string
		)
		if err := rows.Scan(&row.Day, &row.Symbol, &marks); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(marks), &row.Marks); err != nil {
			return fmt.Errorf("downloaded row %s %s: %w", row.Day, row.Symbol, err)
		}
		if row.Marks == nil {
			row.Marks = make(map[string]Mark)
		}
		l.downloaded[downloadedKey(row.Day, row.Symbol)] = &row
	}
	return rows.Err()
}

// save upserts every dirty row in one transaction.
func (s *store) save(l *Ledger) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for symbol := range l.dirtyFailed {
		row := l.failed[symbol]
		if row == nil {
			continue
		}
		watermarks, err := json.Marshal(row.Watermarks)
		if err != nil {
			return err
		}
		notes, err := json.Marshal(row.Notes)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO failed (symbol, existence, earliest_ms, watermarks, notes)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(symbol) DO UPDATE SET
				existence = excluded.existence,
				earliest_ms = excluded.earliest_ms,
				watermarks = excluded.watermarks,
				notes = excluded.notes`,
			row.Symbol, string(row.Existence), msOf(row.EarliestBar), string(watermarks), string(notes),
		); err != nil {
			return err
		}
	}

	for symbol := range l.dirtyDownloadable {
		row := l.downloadable[symbol]
		if row == nil {
			continue
		}
		coverage, err := encodeCoverage(row.Coverage)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO downloadable (symbol, earliest_ms, coverage)
			VALUES (?, ?, ?)
			ON CONFLICT(symbol) DO UPDATE SET
				earliest_ms = excluded.earliest_ms,
				coverage = excluded.coverage`,
			row.Symbol, msOf(row.EarliestBar), coverage,
		); err != nil {
			return err
		}
	}

	for key := range l.dirtyDownloaded {
		row := l.downloaded[key]
		if row == nil {
			continue
		}
		marks, err := json.Marshal(row.Marks)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO downloaded (day, symbol, marks)
			VALUES (?, ?, ?)
			ON CONFLICT(day, symbol) DO UPDATE SET
				marks = excluded.marks`,
			row.Day, row.Symbol, string(marks),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}
