// Package status exposes the daemon's operational state as a small HTTP
// JSON API: process health, ledger row counts, pacing-gate occupancy, and
// the last backfill summary.
package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"quarry/internal/ledger"
	"quarry/internal/pacing"
)

// HealthResponse reports process liveness.
type HealthResponse struct {
	Status    string  `json:"status"`
	UptimeSec float64 `json:"uptime_sec"`
}

// Server serves the status API. All endpoints are read-only.
type Server struct {
	led     *ledger.Ledger
	gate    *pacing.Gate
	runDir  string // backfill run dir holding summary.json
	started time.Time
	log     *slog.Logger
}

// NewServer wires the status API over the live ledger and pacing gate.
// runDir points at the backfill output directory; its summary.json, when
// present, is served verbatim.
func NewServer(led *ledger.Ledger, gate *pacing.Gate, runDir string, log *slog.Logger) *Server {
	return &Server{
		led:     led,
		gate:    gate,
		runDir:  runDir,
		started: time.Now(),
		log:     log.With("component", "status"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ledger", s.handleLedger)
	mux.HandleFunc("GET /api/pacing", s.handlePacing)
	mux.HandleFunc("GET /api/summary", s.handleSummary)
}

// Handler returns the API as an http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Run serves the API on addr until the context is cancelled, then shuts
// down gracefully. Suitable for launching in an errgroup beside the fetch
// loop.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("status API listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, HealthResponse{
		Status:    "ok",
		UptimeSec: time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.led.Stats())
}

func (s *Server) handlePacing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.gate.Stats())
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(filepath.Join(s.runDir, "summary.json"))
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "no backfill summary yet")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to read summary")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
