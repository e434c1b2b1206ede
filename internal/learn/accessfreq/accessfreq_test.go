package accessfreq

import "testing"

func TestSeedAndHit(t *testing.T) {
	c := New()
	c.Seed("a")

	v, ok := c.Frequency("a")
	if !ok || v != SeedValue {
		t.Fatalf("expected seeded value %f, got %f (ok=%v)", SeedValue, v, ok)
	}

	c.Hit("a")
	v, _ = c.Frequency("a")
	if v != SeedValue {
		t.Errorf("expected hit on already-maxed id to clamp at 1.0, got %f", v)
	}
}

func TestHitSeedsUntrackedID(t *testing.T) {
	c := New()
	c.Hit("new")
	v, ok := c.Frequency("new")
	if !ok || v != HitIncrement {
		t.Errorf("expected untracked hit to seed at increment value, got %f (ok=%v)", v, ok)
	}
}

func TestUpdateFrequencyClamps(t *testing.T) {
	c := New()
	c.UpdateFrequency("a", 5)
	v, _ := c.Frequency("a")
	if v != 1.0 {
		t.Errorf("expected clamp to 1.0, got %f", v)
	}

	c.UpdateFrequency("a", -5)
	v, _ = c.Frequency("a")
	if v != 0.0 {
		t.Errorf("expected clamp to 0.0, got %f", v)
	}
}

func TestRemove(t *testing.T) {
	c := New()
	c.Seed("a")
	c.Remove("a")
	if _, ok := c.Frequency("a"); ok {
		t.Error("expected removed id to no longer be tracked")
	}
}

func TestTickDecaysAndPrunes(t *testing.T) {
	c := New()
	c.UpdateFrequency("low", 0.0011)

	var pruned int
	for i := 0; i < PruneEveryTicks; i++ {
		pruned = c.Tick()
	}

	if pruned == 0 {
		t.Error("expected the low-popularity entry to be pruned by the 50th tick")
	}
	if c.Size() != 0 {
		t.Errorf("expected compressor to be empty after pruning, got size %d", c.Size())
	}
}

func TestTickDoesNotPruneBeforeCadence(t *testing.T) {
	c := New()
	c.UpdateFrequency("low", 0.0005)
	c.Tick()
	if c.Size() != 1 {
		t.Errorf("expected entry to survive until prune cadence, got size %d", c.Size())
	}
}
