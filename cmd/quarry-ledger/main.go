// Ledger inspection tool: dump tables, check one (symbol, barSize, date)
// cell, or print row counts.
//
// Usage:
//
//	go build -o bin/quarry-ledger ./cmd/quarry-ledger/
//	bin/quarry-ledger [-db PATH] -stats
//	bin/quarry-ledger [-db PATH] -dump failed|downloadable|downloaded
//	bin/quarry-ledger [-db PATH] -check "AAPL,1 day,2025-07-14"
//
// Without -db the ledger path comes from the config file.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"quarry/internal/bars"
	"quarry/internal/config"
	"quarry/internal/ledger"
	"quarry/internal/util"
)

func main() {
	dbPath := flag.String("db", "", "ledger database path (default from config)")
	stats := flag.Bool("stats", false, "print row counts")
	dump := flag.String("dump", "", "dump a table: failed, downloadable, downloaded")
	check := flag.String("check", "", `check one cell: "SYMBOL,BARSIZE,YYYY-MM-DD"`)
	flag.Parse()

	logger := util.NewLogger("warn", "text")
	util.SetDefault(logger)

	path := *dbPath
	if path == "" {
		cfgPath := "config/quarry.yaml"
		if p := os.Getenv("QUARRY_CONFIG"); p != "" {
			cfgPath = p
		}
		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.Fatalf("no -db given and config unreadable: %v", err)
		}
		path = cfg.Storage.LedgerPath
	}

	led, err := ledger.Open(path, bars.AllBarSizes(), ledger.DefaultThresholds(), logger)
	if err != nil {
		log.Fatalf("opening ledger: %v", err)
	}
	defer led.Close()

	if *dump != "" {
		if err := dumpTable(led, *dump); err != nil {
			log.Fatal(err)
		}
	}
	if *check != "" {
		if err := checkCell(led, *check); err != nil {
			log.Fatal(err)
		}
	}
	if *stats || (*dump == "" && *check == "") {
		printJSON(led.Stats())
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("encoding output: %v", err)
	}
	fmt.Println(string(data))
}

func dumpTable(led *ledger.Ledger, table string) error {
	switch table {
	case "failed":
		rows := led.FailedRows()
		sort.Slice(rows, func(i, j int) bool { return rows[i].Symbol < rows[j].Symbol })
		printJSON(rows)
	case "downloadable":
		rows := led.DownloadableRows()
		sort.Slice(rows, func(i, j int) bool { return rows[i].Symbol < rows[j].Symbol })
		printJSON(rows)
	case "downloaded":
		rows := led.DownloadedRows()
		sort.Slice(rows, func(i, j int) bool {
			if rows[i].Day != rows[j].Day {
				return rows[i].Day < rows[j].Day
			}
			return rows[i].Symbol < rows[j].Symbol
		})
		printJSON(rows)
	default:
		return fmt.Errorf("unknown table %q: want failed, downloadable, or downloaded", table)
	}
	return nil
}

// checkCell answers the operator's day-to-day question: what does the
// ledger believe about one (symbol, barSize, date)?
func checkCell(led *ledger.Ledger, arg string) error {
	parts := strings.SplitN(arg, ",", 3)
	if len(parts) != 3 {
		return fmt.Errorf(`-check wants "SYMBOL,BARSIZE,YYYY-MM-DD", got %q`, arg)
	}
	symbol := strings.ToUpper(strings.TrimSpace(parts[0]))
	barSize := strings.TrimSpace(parts[1])
	date, err := time.Parse("2006-01-02", strings.TrimSpace(parts[2]))
	if err != nil {
		return fmt.Errorf("bad date %q: %w", parts[2], err)
	}

	out := struct {
		Symbol     string       `json:"symbol"`
		BarSize    string       `json:"bar_size"`
		Date       string       `json:"date"`
		Failed     bool         `json:"failed"`
		Available  bool         `json:"available"`
		Downloaded bool         `json:"downloaded"`
		Coverage   *ledger.Span `json:"coverage,omitempty"`
	}{
		Symbol:     symbol,
		BarSize:    barSize,
		Date:       date.Format("2006-01-02"),
		Failed:     led.IsFailed(symbol, barSize, date),
		Available:  led.IsAvailable(symbol, barSize, date),
		Downloaded: led.IsDownloaded(symbol, barSize, date),
	}
	if span, ok := led.Coverage(symbol, barSize); ok {
		out.Coverage = &span
	}
	printJSON(out)
	return nil
}
