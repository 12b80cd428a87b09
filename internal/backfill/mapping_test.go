package backfill

import (
	"os"
	"path/filepath"
	"testing"
)

func resolveCheck(t *testing.T, s *MappingStore, symbol, wantSym, wantDataset, wantSchema string) {
	t.Helper()
	gotSym, gotDataset, gotSchema := s.Resolve(symbol, "NASDAQ.ITCH", "mbp-10")
	if gotSym != wantSym || gotDataset != wantDataset || gotSchema != wantSchema {
		t.Errorf("Resolve(%q) = (%q, %q, %q), want (%q, %q, %q)",
			symbol, gotSym, gotDataset, gotSchema, wantSym, wantDataset, wantSchema)
	}
}

func TestMappingMissingFile(t *testing.T) {
	s := NewMappingStore(filepath.Join(t.TempDir(), "absent.json"), discardLogger())
	// Identity mapping, but venue aliases still normalize.
	resolveCheck(t, s, "AAPL", "AAPL", "XNAS.ITCH", "mbp-10")
}

func TestMappingResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.json")
	body := `{
  "BRK-B": "BRK B",
  "tsla": {"symbol": "TSLA", "dataset": "NYSE.PILLAR"},
  "NVDA": {"schema": "mbp-1"}
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewMappingStore(path, discardLogger())

	resolveCheck(t, s, "BRK-B", "BRK B", "XNAS.ITCH", "mbp-10")
	resolveCheck(t, s, "TSLA", "TSLA", "XNYS.PILLAR", "mbp-10")
	resolveCheck(t, s, "NVDA", "NVDA", "XNAS.ITCH", "mbp-1")
	resolveCheck(t, s, "AAPL", "AAPL", "XNAS.ITCH", "mbp-10")
}

func TestMappingCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewMappingStore(path, discardLogger())
	resolveCheck(t, s, "AAPL", "AAPL", "XNAS.ITCH", "mbp-10")
}
