package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	if cfg.Store.Metric != "cosine" {
		t.Errorf("expected default metric cosine, got %s", cfg.Store.Metric)
	}
	if cfg.Store.BatchThreshold != 1000 {
		t.Errorf("expected default batch threshold 1000, got %d", cfg.Store.BatchThreshold)
	}
	if cfg.Store.PendingWriteCap != 100000 {
		t.Errorf("expected default pending write cap 100000, got %d", cfg.Store.PendingWriteCap)
	}
	if len(cfg.Solver.Arms) != 4 {
		t.Errorf("expected 4 default solver arms, got %d", len(cfg.Solver.Arms))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load should not fail on missing file: %v", err)
	}
	if cfg.Store.Metric != "cosine" {
		t.Errorf("expected default metric, got %s", cfg.Store.Metric)
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentdb.yaml")
	content := []byte("store:\n  dimensions: 384\n  metric: l2\n  batch_threshold: 500\n")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write fixture config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Store.Dimensions != 384 {
		t.Errorf("expected dimensions 384, got %d", cfg.Store.Dimensions)
	}
	if cfg.Store.Metric != "l2" {
		t.Errorf("expected metric l2, got %s", cfg.Store.Metric)
	}
	if cfg.Store.BatchThreshold != 500 {
		t.Errorf("expected batch threshold 500, got %d", cfg.Store.BatchThreshold)
	}
	// Untouched fields keep their defaults.
	if cfg.Store.PendingWriteCap != 100000 {
		t.Errorf("expected pending write cap to keep default, got %d", cfg.Store.PendingWriteCap)
	}
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentdb.yaml")
	content := []byte("store:\n  batch_threshold: 500\n")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write fixture config: %v", err)
	}

	t.Setenv("AGENTDB_BATCH_THRESHOLD", "250")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Store.BatchThreshold != 250 {
		t.Errorf("expected env override 250, got %d", cfg.Store.BatchThreshold)
	}
}

func TestValidateRejectsBadMetric(t *testing.T) {
	cfg := NewConfig()
	cfg.Store.Metric = "manhattan"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for unsupported metric")
	}
}

func TestValidateRejectsPendingCapBelowBatchThreshold(t *testing.T) {
	cfg := NewConfig()
	cfg.Store.BatchThreshold = 2000
	cfg.Store.PendingWriteCap = 1000
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error when pending cap is below batch threshold")
	}
}

func TestValidateRejectsEmptySolverArms(t *testing.T) {
	cfg := NewConfig()
	cfg.Solver.Arms = nil
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for empty solver arms")
	}
}

func TestWriteYAMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")

	cfg := NewConfig()
	cfg.Store.Dimensions = 768
	if err := cfg.WriteYAML(path); err != nil {
		t.Fatalf("WriteYAML failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load of written config failed: %v", err)
	}
	if loaded.Store.Dimensions != 768 {
		t.Errorf("expected round-tripped dimensions 768, got %d", loaded.Store.Dimensions)
	}
}
