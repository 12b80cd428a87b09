package backfill

import (
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Mapping is one per-symbol vendor override. Empty fields fall back to the
// run defaults.
type Mapping struct {
	Symbol  string `json:"symbol"`
	Dataset string `json:"dataset"`
	Schema  string `json:"schema"`
}

// MappingStore resolves local symbols to vendor request parameters. It is
// loaded once from a JSON file; a missing file means the identity mapping.
// Entries come in two forms: `"SYM": "VENDORSYM"` for a plain rename, or a
// full object for dataset/schema overrides.
type MappingStore struct {
	mu  sync.RWMutex
	m   map[string]Mapping
	log *slog.Logger
}

// datasetAliases maps operator-friendly venue names to vendor dataset codes.
var datasetAliases = map[string]string{
	"NASDAQ.ITCH":    "XNAS.ITCH",
	"NASDAQ.BASIC":   "XNAS.BASIC",
	"NASDAQ.QBBO":    "XNAS.QBBO",
	"NASDAQ.NLS":     "XNAS.NLS",
	"NYSE.PILLAR":    "XNYS.PILLAR",
	"NYSE.BBO":       "XNYS.BBO",
	"NYSE.TRADES":    "XNYS.TRADES",
	"NYSE.TRADESBBO": "XNYS.TRADESBBO",
}

// NewMappingStore loads the mapping file at path. An empty path or a
// missing file is fine; a corrupt file is logged and ignored.
func NewMappingStore(path string, log *slog.Logger) *MappingStore {
	s := &MappingStore{
		m:   make(map[string]Mapping),
		log: log.With("component", "mapping"),
	}
	s.load(path)
	return s
}

func (s *MappingStore) load(path string) {
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return // no mapping file, identity mapping
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.log.Warn("loading symbol mapping", "error", err)
		return
	}
	for sym, v := range raw {
		key := NormalizeSymbol(sym)
		var rename string
		if err := json.Unmarshal(v, &rename); err == nil {
			s.m[key] = Mapping{Symbol: rename}
			continue
		}
		var m Mapping
		if err := json.Unmarshal(v, &m); err != nil {
			s.log.Warn("bad symbol mapping entry", "symbol", sym, "error", err)
			continue
		}
		s.m[key] = m
	}
	s.log.Info("loaded symbol mapping", "entries", len(s.m))
}

// Resolve returns the vendor (symbol, dataset, schema) for a local symbol,
// applying any per-symbol override and normalizing dataset aliases.
func (s *MappingStore) Resolve(symbol, defaultDataset, defaultSchema string) (string, string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vendorSym, dataset, schema := symbol, defaultDataset, defaultSchema
	if m, ok := s.m[symbol]; ok {
		if m.Symbol != "" {
			vendorSym = m.Symbol
		}
		if m.Dataset != "" {
			dataset = m.Dataset
		}
		if m.Schema != "" {
			schema = m.Schema
		}
	}
	if alias, ok := datasetAliases[strings.ToUpper(dataset)]; ok {
		dataset = alias
	}
	return vendorSym, dataset, schema
}
