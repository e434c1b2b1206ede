package solver

import (
	"testing"

	"github.com/refine-digital/agentdb/internal/cancel"
)

func TestContextBucket(t *testing.T) {
	cases := []struct {
		score float32
		want  string
	}{
		{0.9, BucketNarrow},
		{0.71, BucketNarrow},
		{0.7, BucketMedium},
		{0.5, BucketMedium},
		{0.4, BucketWide},
		{0.1, BucketWide},
	}
	for _, c := range cases {
		if got := ContextBucket(c.score); got != c.want {
			t.Errorf("ContextBucket(%v) = %v, want %v", c.score, got, c.want)
		}
	}
}

func TestSelectArmColdCellUsesHeuristic(t *testing.T) {
	s := New(Config{Seed: 1})
	if arm := s.SelectArm(BucketNarrow); arm != 50 {
		t.Errorf("expected heuristic 50 for cold narrow cell, got %d", arm)
	}
	if arm := s.SelectArm(BucketMedium); arm != 100 {
		t.Errorf("expected heuristic 100 for cold medium cell, got %d", arm)
	}
	if arm := s.SelectArm(BucketWide); arm != 400 {
		t.Errorf("expected heuristic 400 for cold wide cell, got %d", arm)
	}
}

func TestSelectArmOnlyReturnsConfiguredArms(t *testing.T) {
	s := New(Config{Seed: 2})
	for _, context := range []string{BucketNarrow, BucketMedium, BucketWide} {
		for _, arm := range Arms {
			s.Record(context, arm, 0.8, 1.0)
		}
		got := s.SelectArm(context)
		found := false
		for _, a := range Arms {
			if a == got {
				found = true
			}
		}
		if !found {
			t.Errorf("SelectArm(%s) = %d, not one of the configured arms", context, got)
		}
	}
}

func TestRecordPrefersHigherSuccessRate(t *testing.T) {
	s := New(Config{Seed: 3})
	s.Record(BucketNarrow, 50, 0.2, 1.0)
	s.Record(BucketNarrow, 100, 0.9, 1.0)
	if arm := s.SelectArm(BucketNarrow); arm != 100 {
		t.Errorf("expected the higher-reward arm 100 to win, got %d", arm)
	}
}

func TestAcceptanceGatesAdaptiveEnabled(t *testing.T) {
	s := New(Config{Seed: 42})
	report, err := s.Acceptance(2, 50, 10)
	if err != nil {
		t.Fatalf("Acceptance failed: %v", err)
	}
	if report.Accepted != s.AdaptiveEnabled() {
		t.Errorf("AdaptiveEnabled() = %v, expected to match report.Accepted = %v", s.AdaptiveEnabled(), report.Accepted)
	}
	if !report.Accepted {
		if got := s.SelectArm(BucketNarrow); got != heuristicArm(BucketNarrow) {
			t.Errorf("expected heuristic fallback after rejected acceptance, got %d", got)
		}
	}
}

func TestAcceptanceRejectsZeroHoldout(t *testing.T) {
	s := New(Config{})
	if _, err := s.Acceptance(1, 0, 1); err == nil {
		t.Error("expected error for zero holdoutSize")
	}
}

func TestAcceptanceHonorsCancelHandle(t *testing.T) {
	s := New(Config{})
	h := cancel.New()
	h.Cancel()
	if _, err := s.Acceptance(5, 10, 1, h); err == nil {
		t.Error("expected a cancellation error")
	}
}

func TestTickAcceptanceDue(t *testing.T) {
	s := New(Config{AcceptanceIntervalTicks: 3})
	if s.TickAcceptanceDue() {
		t.Error("expected not due after 1 tick")
	}
	if s.TickAcceptanceDue() {
		t.Error("expected not due after 2 ticks")
	}
	if !s.TickAcceptanceDue() {
		t.Error("expected due after 3 ticks")
	}
}
