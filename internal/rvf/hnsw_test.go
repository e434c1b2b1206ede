package rvf

import (
	"bytes"
	"testing"
)

func vec(xs ...float32) []float32 { return xs }

func TestHNSWIndexInsertAndSearch(t *testing.T) {
	idx := newHNSWIndex(MetricCosine, graphParams{})
	idx.insert("a", vec(1, 0, 0))
	idx.insert("b", vec(0, 1, 0))
	idx.insert("c", vec(0.9, 0.1, 0))

	results := idx.search(vec(1, 0, 0), 2, 0)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "a" {
		t.Errorf("expected closest match to be 'a', got %s", results[0].ID)
	}
}

func TestHNSWIndexInnerProductMetricRanksByDotProduct(t *testing.T) {
	idx := newHNSWIndex(MetricIP, graphParams{})
	idx.insert("small", vec(1, 0, 0))
	idx.insert("large", vec(3, 0, 0))

	results := idx.search(vec(1, 0, 0), 2, 0)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "large" {
		t.Errorf("expected the larger-magnitude vector to rank first under inner-product, got %s", results[0].ID)
	}
}

func TestDistanceToScoreFormulas(t *testing.T) {
	if got := distanceToScore(0.25, MetricCosine); got != 0.75 {
		t.Errorf("cosine: expected 1-distance=0.75, got %v", got)
	}
	if got := distanceToScore(-2, MetricIP); got != 2 {
		t.Errorf("ip: expected -distance=2, got %v", got)
	}
	if got := distanceToScore(0, MetricL2); got != 1 {
		t.Errorf("l2: expected exp(0)=1, got %v", got)
	}
}

func TestHNSWIndexRemoveTombstonesAndHidesFromSearch(t *testing.T) {
	idx := newHNSWIndex(MetricCosine, graphParams{})
	idx.insert("a", vec(1, 0, 0))
	idx.insert("b", vec(0, 1, 0))

	if !idx.remove("a") {
		t.Fatal("expected remove of existing id to succeed")
	}
	if idx.contains("a") {
		t.Error("removed id should not be contained")
	}

	results := idx.search(vec(1, 0, 0), 2, 0)
	for _, r := range results {
		if r.ID == "a" {
			t.Error("tombstoned id surfaced in search results")
		}
	}

	stats := idx.stats()
	if stats.Tombstones != 1 {
		t.Errorf("expected 1 tombstone, got %d", stats.Tombstones)
	}
}

func TestHNSWIndexReplaceExistingIDTombstonesOld(t *testing.T) {
	idx := newHNSWIndex(MetricCosine, graphParams{})
	idx.insert("a", vec(1, 0, 0))
	idx.insert("a", vec(0, 1, 0))

	if idx.stats().LiveRows != 1 {
		t.Errorf("expected 1 live row after replace, got %d", idx.stats().LiveRows)
	}
	if idx.stats().Tombstones != 1 {
		t.Errorf("expected 1 tombstone after replace, got %d", idx.stats().Tombstones)
	}
}

func TestHNSWIndexSearchEfOverrideDoesNotLeakToDefault(t *testing.T) {
	idx := newHNSWIndex(MetricCosine, graphParams{EfSearch: 100})
	idx.insert("a", vec(1, 0, 0))

	idx.search(vec(1, 0, 0), 1, 250)

	if idx.graph.EfSearch != 100 {
		t.Errorf("expected EfSearch to be restored to 100 after an overridden call, got %d", idx.graph.EfSearch)
	}

	idx.search(vec(1, 0, 0), 1, 0)
	if idx.graph.EfSearch != 100 {
		t.Errorf("expected EfSearch to remain 100 after a default (ef=0) call, got %d", idx.graph.EfSearch)
	}
}

func TestHNSWIndexMetadataRoundTrip(t *testing.T) {
	idx := newHNSWIndex(MetricCosine, graphParams{M: 8, EfConstruction: 50, EfSearch: 25})
	idx.insert("a", vec(1, 0, 0))
	idx.insert("b", vec(0, 1, 0))
	idx.remove("b")

	var buf bytes.Buffer
	if err := idx.exportMetadata(&buf, []byte(`{"a":{"tag":"x"}}`)); err != nil {
		t.Fatalf("exportMetadata failed: %v", err)
	}
	tomb, err := idx.exportTombstones()
	if err != nil {
		t.Fatalf("exportTombstones failed: %v", err)
	}

	restored := newHNSWIndex(MetricCosine, graphParams{})
	rowMeta, err := restored.importMetadata(&buf)
	if err != nil {
		t.Fatalf("importMetadata failed: %v", err)
	}
	if string(rowMeta) != `{"a":{"tag":"x"}}` {
		t.Errorf("expected row metadata JSON to round-trip, got %q", rowMeta)
	}
	if err := restored.importTombstones(tomb); err != nil {
		t.Fatalf("importTombstones failed: %v", err)
	}

	if !restored.contains("a") {
		t.Error("expected restored index to contain 'a'")
	}
	if restored.contains("b") {
		t.Error("expected restored index to not contain tombstoned 'b'")
	}
	if restored.stats().Tombstones != 1 {
		t.Errorf("expected 1 tombstone after restore, got %d", restored.stats().Tombstones)
	}
}
