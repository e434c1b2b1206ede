package federation

import "testing"

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{Dimensions: 4, ConsolidationThreshold: 0.3, ConsolidateEveryClosing: 2})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestBeginSessionRejectsEmptyAgentID(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.BeginSession(""); err == nil {
		t.Error("expected error for empty agent id")
	}
}

func TestRecordTrajectoryClampsQuality(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.BeginSession("agent-1")
	if err != nil {
		t.Fatalf("BeginSession failed: %v", err)
	}
	if err := sess.RecordTrajectory([]float32{1, 0, 0, 0}, 5.0, "route-a"); err != nil {
		t.Fatalf("RecordTrajectory failed: %v", err)
	}
	patterns := sess.GetPatterns(1)
	if len(patterns) != 1 || patterns[0].Quality != 1.0 {
		t.Errorf("expected quality clamped to 1.0, got %+v", patterns)
	}
}

func TestRecordTrajectoryRejectsEndedSession(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.BeginSession("agent-1")
	if err != nil {
		t.Fatalf("BeginSession failed: %v", err)
	}
	sess.End()
	if err := sess.RecordTrajectory([]float32{1, 0, 0, 0}, 0.5, "route-a"); err == nil {
		t.Error("expected error recording on ended session")
	}
}

func TestEndSessionConsolidatesEveryNClosings(t *testing.T) {
	m := newTestManager(t)

	for i := 0; i < 2; i++ {
		sess, err := m.BeginSession("agent-1")
		if err != nil {
			t.Fatalf("BeginSession failed: %v", err)
		}
		if err := sess.RecordTrajectory([]float32{1, 0, 0, 0}, 0.9, "route-a"); err != nil {
			t.Fatalf("RecordTrajectory failed: %v", err)
		}
		if _, err := m.EndSession(sess.ID); err != nil {
			t.Fatalf("EndSession failed: %v", err)
		}
	}

	m.mu.Lock()
	patternCount := len(m.patterns)
	m.mu.Unlock()
	if patternCount != 1 {
		t.Errorf("expected consolidation to dedupe to 1 pattern for route-a, got %d", patternCount)
	}
}

func TestEndAllSessionsEndsEveryLiveSessionWithNeutralQuality(t *testing.T) {
	m := newTestManager(t)

	var ids []string
	for i := 0; i < 3; i++ {
		sess, err := m.BeginSession("agent-1")
		if err != nil {
			t.Fatalf("BeginSession failed: %v", err)
		}
		if err := sess.RecordTrajectory([]float32{1, 0, 0, 0}, 0.9, "route-a"); err != nil {
			t.Fatalf("RecordTrajectory failed: %v", err)
		}
		ids = append(ids, sess.ID)
	}

	summaries := m.EndAllSessions(0.5)
	if len(summaries) != 3 {
		t.Fatalf("expected 3 summaries, got %d", len(summaries))
	}
	for _, s := range summaries {
		if s.AvgQuality != 0.5 {
			t.Errorf("expected neutral quality 0.5, got %v", s.AvgQuality)
		}
	}

	m.mu.Lock()
	remaining := len(m.sessions)
	m.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected no live sessions after EndAllSessions, got %d", remaining)
	}

	for _, id := range ids {
		if _, err := m.EndSession(id); err == nil {
			t.Errorf("expected session %s to already be ended", id)
		}
	}
}

func TestEndAllSessionsOnEmptyManagerReturnsNoSummaries(t *testing.T) {
	m := newTestManager(t)
	if summaries := m.EndAllSessions(0.5); len(summaries) != 0 {
		t.Errorf("expected no summaries for manager with no sessions, got %d", len(summaries))
	}
}

func TestEndSessionRejectsUnknownID(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.EndSession("missing"); err == nil {
		t.Error("expected error for unknown session id")
	}
}

func TestWarmStartPatternsRespectsFlag(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.BeginSession("agent-1")
	sess.RecordTrajectory([]float32{1, 0, 0, 0}, 0.9, "route-a")
	m.EndSession(sess.ID)
	m.Consolidate()

	if got := m.WarmStartPatterns(5, false); got != nil {
		t.Errorf("expected nil patterns when warmStart is false, got %+v", got)
	}
	if got := m.WarmStartPatterns(5, true); len(got) == 0 {
		t.Error("expected at least one warm-start pattern")
	}
}

func TestBeginSessionSeedsWarmStartPatterns(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.BeginSession("agent-1")
	sess.RecordTrajectory([]float32{1, 0, 0, 0}, 0.9, "route-a")
	m.EndSession(sess.ID)
	m.Consolidate()

	warm, err := m.BeginSession("agent-2")
	if err != nil {
		t.Fatalf("BeginSession failed: %v", err)
	}
	if got := warm.WarmStartPatterns(); len(got) == 0 {
		t.Error("expected new session to be seeded with warm-start patterns")
	}

	cold, err := m.BeginSession("agent-3", false)
	if err != nil {
		t.Fatalf("BeginSession failed: %v", err)
	}
	if got := cold.WarmStartPatterns(); len(got) != 0 {
		t.Errorf("expected no warm-start patterns when declined, got %d", len(got))
	}
}

func TestCreateAdapterClampsRank(t *testing.T) {
	m := newTestManager(t)
	if err := m.CreateAdapter("tiny", 0, nil); err != nil {
		t.Fatalf("CreateAdapter failed: %v", err)
	}
	m.mu.Lock()
	rank := m.adapters["tiny"].Rank
	m.mu.Unlock()
	if rank != MinLoraRank {
		t.Errorf("expected rank clamped to %d, got %d", MinLoraRank, rank)
	}

	if err := m.CreateAdapter("huge", 1000, nil); err != nil {
		t.Fatalf("CreateAdapter failed: %v", err)
	}
	m.mu.Lock()
	rank = m.adapters["huge"].Rank
	m.mu.Unlock()
	if rank != MaxLoraRank {
		t.Errorf("expected rank clamped to %d, got %d", MaxLoraRank, rank)
	}
}

func TestActivateAdapterRejectsUnknownName(t *testing.T) {
	m := newTestManager(t)
	if err := m.ActivateAdapter("missing"); err == nil {
		t.Error("expected error activating unknown adapter")
	}
}

func TestApplyLoraWithoutActiveAdapterIsIdentity(t *testing.T) {
	m := newTestManager(t)
	vec := []float32{1, 2, 3, 4}
	got := m.ApplyLora(vec)
	for i := range vec {
		if got[i] != vec[i] {
			t.Fatalf("expected identity with no active adapter, got %+v", got)
		}
	}
}

func TestApplyLoraPerturbsVectorWithActiveAdapter(t *testing.T) {
	m := newTestManager(t)
	init := func(i, j int) float64 { return 0.1 }
	if err := m.CreateAdapter("a", 2, init); err != nil {
		t.Fatalf("CreateAdapter failed: %v", err)
	}
	if err := m.ActivateAdapter("a"); err != nil {
		t.Fatalf("ActivateAdapter failed: %v", err)
	}

	vec := []float32{1, 1, 1, 1}
	got := m.ApplyLora(vec)
	same := true
	for i := range vec {
		if got[i] != vec[i] {
			same = false
		}
	}
	if same {
		t.Error("expected active adapter to perturb the vector")
	}
}
