package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var _ BookProvider = (*Databento)(nil)

// DatabentoConfig carries connection settings for the Databento historical
// API.
type DatabentoConfig struct {
	APIKey  string
	BaseURL string
	// MaxRows caps rows accepted per request; a response exceeding it fails
	// the task rather than truncating silently. Zero means no cap.
	MaxRows int
}

// Databento fetches historical order-book data over the timeseries range
// endpoint. Responses are newline-delimited JSON, one row per line.
type Databento struct {
	apiKey  string
	baseURL string
	maxRows int
	http    *http.Client
	log     *slog.Logger
}

func NewDatabento(cfg DatabentoConfig, log *slog.Logger) *Databento {
	base := cfg.BaseURL
	if base == "" {
		base = "https://hist.databento.com"
	}
	return &Databento{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(base, "/"),
		maxRows: cfg.MaxRows,
		http:    &http.Client{Timeout: 2 * time.Minute},
		log:     log.With("component", "databento"),
	}
}

func (d *Databento) Available() error {
	if d.apiKey == "" {
		return errors.New("databento: api key not configured")
	}
	return nil
}

func (d *Databento) FetchBook(ctx context.Context, req BookRequest) ([]BookRow, error) {
	if err := d.Available(); err != nil {
		return nil, err
	}
	if !BookSchemas[req.Schema] {
		return nil, fmt.Errorf("databento: schema %q is not a book schema", req.Schema)
	}

	q := url.Values{}
	q.Set("dataset", req.Dataset)
	q.Set("symbols", req.Symbol)
	q.Set("schema", req.Schema)
	q.Set("stype_in", "raw_symbol")
	q.Set("start", req.Start.UTC().Format(time.RFC3339Nano))
	q.Set("end", req.End.UTC().Format(time.RFC3339Nano))
	q.Set("encoding", "json")

	u := d.baseURL + "/v0/timeseries.get_range?" + q.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	httpReq.SetBasicAuth(d.apiKey, "")

	resp, err := d.http.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: "get_range " + req.Symbol, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, d.statusErr(resp, req.Symbol)
	}

	rows, err := decodeBookRows(resp.Body, d.maxRows)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// statusErr folds a non-200 response onto the taxonomy. 5xx comes back as
// transport so the request is retried; 4xx is permanent.
func (d *Databento) statusErr(resp *http.Response, symbol string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, msg)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrVendorUnavailable, msg)
	case resp.StatusCode >= 500:
		return &TransportError{Op: "get_range " + symbol, Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
	case strings.Contains(strings.ToLower(msg), "symbol"):
		return fmt.Errorf("%w: %s: %s", ErrSymbolUnknown, symbol, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrRangeUnavailable, resp.StatusCode, msg)
	}
}

type bookRowJSON struct {
	TsEvent     int64   `json:"ts_event"`
	Act         string  `json:"act"`
	Side        string  `json:"side"`
	Px          float64 `json:"px"`
	Sz          float64 `json:"sz"`
	Depth       int16   `json:"depth"`
	PublisherID int     `json:"publisher_id"`
}

func decodeBookRows(r io.Reader, maxRows int) ([]BookRow, error) {
	var rows []BookRow
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var jr bookRowJSON
		if err := json.Unmarshal([]byte(line), &jr); err != nil {
			return nil, &TransportError{Op: "decode", Err: err}
		}
		rows = append(rows, BookRow{
			TsEvent:  jr.TsEvent,
			Action:   jr.Act,
			Side:     jr.Side,
			Price:    jr.Px,
			Size:     jr.Sz,
			Level:    jr.Depth,
			Exchange: strconv.Itoa(jr.PublisherID),
		})
		if maxRows > 0 && len(rows) > maxRows {
			return nil, fmt.Errorf("databento: response exceeds row cap %d", maxRows)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &TransportError{Op: "read", Err: err}
	}
	return rows, nil
}
