package agentdb

import (
	"path/filepath"
	"testing"

	"github.com/refine-digital/agentdb/internal/config"
	"github.com/refine-digital/agentdb/internal/rvf"
)

func testConfig(dims int) *config.Config {
	cfg := config.NewConfig()
	cfg.Store.Dimensions = dims
	return cfg
}

func TestOpenRejectsZeroDimensions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "e.rvf")
	if _, err := Open(path, testConfig(0), nil); err == nil {
		t.Error("expected error for zero dimensions")
	}
}

func TestOpenInsertSearchRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "e.rvf")
	engine, err := Open(path, testConfig(4), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer engine.Destroy()

	if err := engine.InsertBatch([]rvf.Row{{ID: "a", Vector: []float32{1, 0, 0, 0}}}); err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}
	if err := engine.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	res, err := engine.Search([]float32{1, 0, 0, 0}, rvf.SearchOptions{K: 1})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(res.Results) != 1 || res.Results[0].ID != "a" {
		t.Errorf("expected self-match, got %+v", res.Results)
	}
}
