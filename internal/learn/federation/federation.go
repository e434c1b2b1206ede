// Package federation tracks per-agent query sessions and their trajectories,
// consolidates high-quality trajectories into a cross-session pattern store,
// and manages named low-rank (LoRA) adapters applied to query vectors.
// Sessions, patterns and adapters are held in memory only; nothing is
// written to disk.
package federation

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/refine-digital/agentdb/internal/errs"
)

// MaxAgentIDLength bounds a session's agent id.
const MaxAgentIDLength = 256

// DefaultConsolidationThreshold is the minimum trajectory quality that
// qualifies for cross-session consolidation.
const DefaultConsolidationThreshold = 0.3

// DefaultConsolidateEveryClosings triggers an automatic consolidation after
// this many sessions have ended, if Consolidate isn't called explicitly.
const DefaultConsolidateEveryClosings = 10

// MinLoraRank and MaxLoraRank bound a LoRA adapter's rank.
const (
	MinLoraRank = 1
	MaxLoraRank = 64
)

// Trajectory is one recorded query within a session.
type Trajectory struct {
	Embedding  []float32
	Quality    float32
	Route      string
	RecordedAt time.Time
}

// SessionSummary is returned by Session.End.
type SessionSummary struct {
	TrajectoryCount int
	AvgQuality      float32
	SessionDuration time.Duration
}

// Pattern is a consolidated, high-quality trajectory surfaced across
// sessions.
type Pattern struct {
	Embedding []float32
	Quality   float32
	Route     string
}

// DefaultWarmStartTopK is how many global patterns a new session is seeded
// with.
const DefaultWarmStartTopK = 5

// Session is a single agent's query trajectory log.
type Session struct {
	mu sync.Mutex

	ID        string
	AgentID   string
	startedAt time.Time
	endedAt   time.Time
	ended     bool

	warm         []Pattern
	trajectories []Trajectory
}

// WarmStartPatterns returns the global patterns this session was seeded
// with at BeginSession time (empty when warm-start was declined).
func (s *Session) WarmStartPatterns() []Pattern {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Pattern, len(s.warm))
	copy(out, s.warm)
	return out
}

// RecordTrajectory appends a trajectory, clamping quality to [0, 1].
func (s *Session) RecordTrajectory(embedding []float32, quality float32, route string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return errs.Lifecycle("federation.RecordTrajectory", "session %s has ended", s.ID)
	}
	if quality < 0 {
		quality = 0
	}
	if quality > 1 {
		quality = 1
	}
	s.trajectories = append(s.trajectories, Trajectory{
		Embedding:  embedding,
		Quality:    quality,
		Route:      route,
		RecordedAt: time.Now(),
	})
	return nil
}

// End closes the session and summarizes it. Calling End twice is a no-op
// returning the original summary.
func (s *Session) End() SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ended {
		s.ended = true
		s.endedAt = time.Now()
	}
	return s.summaryLocked()
}

func (s *Session) summaryLocked() SessionSummary {
	var sum float32
	for _, t := range s.trajectories {
		sum += t.Quality
	}
	avg := float32(0)
	if len(s.trajectories) > 0 {
		avg = sum / float32(len(s.trajectories))
	}
	end := s.endedAt
	if end.IsZero() {
		end = time.Now()
	}
	return SessionSummary{
		TrajectoryCount: len(s.trajectories),
		AvgQuality:      avg,
		SessionDuration: end.Sub(s.startedAt),
	}
}

// GetPatterns returns the topK highest-quality trajectories recorded in this
// session, as patterns.
func (s *Session) GetPatterns(topK int) []Pattern {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := make([]Trajectory, len(s.trajectories))
	copy(sorted, s.trajectories)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Quality > sorted[j].Quality })
	if topK > 0 && len(sorted) > topK {
		sorted = sorted[:topK]
	}

	out := make([]Pattern, len(sorted))
	for i, t := range sorted {
		out[i] = Pattern{Embedding: t.Embedding, Quality: t.Quality, Route: t.Route}
	}
	return out
}

// LoraAdapter is a named low-rank adapter applied to query vectors. Its
// effect is the additive delta Up*Down*vec, where Down projects the vector
// down to rank dimensions and Up projects it back to D.
type LoraAdapter struct {
	Name string
	Rank int
	Up   []float64 // D x rank, row-major
	Down []float64 // rank x D, row-major
}

// Manager owns all live sessions, the cross-session pattern store, and the
// set of named LoRA adapters.
type Manager struct {
	mu sync.Mutex

	dim                     int
	consolidationThreshold  float32
	consolidateEveryClosing int

	sessions map[string]*Session
	patterns []Pattern
	closings int

	adapters      map[string]*LoraAdapter
	activeAdapter string
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Dimensions              int
	ConsolidationThreshold  float32
	ConsolidateEveryClosing int
}

// NewManager constructs a federation Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Dimensions <= 0 {
		return nil, errs.Validation("federation.NewManager", "dimensions must be positive")
	}
	if cfg.ConsolidationThreshold == 0 {
		cfg.ConsolidationThreshold = DefaultConsolidationThreshold
	}
	if cfg.ConsolidateEveryClosing == 0 {
		cfg.ConsolidateEveryClosing = DefaultConsolidateEveryClosings
	}
	return &Manager{
		dim:                     cfg.Dimensions,
		consolidationThreshold:  cfg.ConsolidationThreshold,
		consolidateEveryClosing: cfg.ConsolidateEveryClosing,
		sessions:                make(map[string]*Session),
		adapters:                make(map[string]*LoraAdapter),
	}, nil
}

// BeginSession creates a new session for agentID, seeding it with the
// current top global patterns unless warmStart is explicitly false.
func (m *Manager) BeginSession(agentID string, warmStart ...bool) (*Session, error) {
	if agentID == "" || len(agentID) > MaxAgentIDLength {
		return nil, errs.Validation("federation.BeginSession", "agent id must be 1-%d characters", MaxAgentIDLength)
	}
	if strings.Contains(agentID, "\x00") {
		return nil, errs.Validation("federation.BeginSession", "agent id must not contain a null byte")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	if _, exists := m.sessions[id]; exists {
		return nil, errs.Validation("federation.BeginSession", "session id collision")
	}

	sess := &Session{ID: id, AgentID: agentID, startedAt: time.Now()}
	if len(warmStart) == 0 || warmStart[0] {
		sess.warm = m.topPatternsLocked(DefaultWarmStartTopK)
	}
	m.sessions[id] = sess
	return sess, nil
}

// WarmStartPatterns returns the current top-K global patterns for a newly
// begun session to seed itself with, unless warmStart is explicitly false.
func (m *Manager) WarmStartPatterns(topK int, warmStart bool) []Pattern {
	if !warmStart {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topPatternsLocked(topK)
}

func (m *Manager) topPatternsLocked(topK int) []Pattern {
	sorted := make([]Pattern, len(m.patterns))
	copy(sorted, m.patterns)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Quality > sorted[j].Quality })
	if topK > 0 && len(sorted) > topK {
		sorted = sorted[:topK]
	}
	return sorted
}

// EndSession ends the named session and, every consolidateEveryClosing
// closings, triggers an automatic Consolidate.
func (m *Manager) EndSession(id string) (SessionSummary, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return SessionSummary{}, errs.Validation("federation.EndSession", "unknown session %s", id)
	}
	delete(m.sessions, id)
	m.closings++
	shouldConsolidate := m.closings%m.consolidateEveryClosing == 0
	m.mu.Unlock()

	summary := sess.End()

	m.absorb(sess)
	if shouldConsolidate {
		m.Consolidate()
	}
	return summary, nil
}

// EndAllSessions ends every still-live session at once, the way Destroy
// needs to when the orchestrator is torn down with sessions still open.
// Each summary's AvgQuality is overridden to neutralQuality: a session cut
// off by shutdown rather than an agent's own EndSession call carries no
// completed feedback signal, so its reported quality shouldn't be taken
// as real.
func (m *Manager) EndAllSessions(neutralQuality float32) []SessionSummary {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	summaries := make([]SessionSummary, 0, len(ids))
	for _, id := range ids {
		m.mu.Lock()
		sess, ok := m.sessions[id]
		if !ok {
			m.mu.Unlock()
			continue
		}
		delete(m.sessions, id)
		m.closings++
		shouldConsolidate := m.closings%m.consolidateEveryClosing == 0
		m.mu.Unlock()

		summary := sess.End()
		summary.AvgQuality = neutralQuality
		m.absorb(sess)
		if shouldConsolidate {
			m.Consolidate()
		}
		summaries = append(summaries, summary)
	}
	return summaries
}

// absorb folds a just-ended session's high-quality trajectories into the
// candidate pool considered by the next Consolidate call.
func (m *Manager) absorb(sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range sess.trajectories {
		if t.Quality >= m.consolidationThreshold {
			m.patterns = append(m.patterns, Pattern{Embedding: t.Embedding, Quality: t.Quality, Route: t.Route})
		}
	}
}

// Consolidate merges the global pattern pool, keeping it deduplicated by
// highest quality per route and bounded to a reasonable size.
func (m *Manager) Consolidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	byRoute := make(map[string]Pattern, len(m.patterns))
	for _, p := range m.patterns {
		existing, ok := byRoute[p.Route]
		if !ok || p.Quality > existing.Quality {
			byRoute[p.Route] = p
		}
	}
	merged := make([]Pattern, 0, len(byRoute))
	for _, p := range byRoute {
		merged = append(merged, p)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Quality > merged[j].Quality })
	m.patterns = merged
}

// CreateAdapter registers a new named LoRA adapter with rank clamped to
// [MinLoraRank, MaxLoraRank]. init seeds each cell of Up/Down; if nil, zero
// is used (an adapter with no effect until trained).
func (m *Manager) CreateAdapter(name string, rank int, init func(i, j int) float64) error {
	if name == "" {
		return errs.Validation("federation.CreateAdapter", "adapter name must not be empty")
	}
	if rank < MinLoraRank {
		rank = MinLoraRank
	}
	if rank > MaxLoraRank {
		rank = MaxLoraRank
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	up := make([]float64, m.dim*rank)
	down := make([]float64, rank*m.dim)
	if init != nil {
		for i := 0; i < m.dim; i++ {
			for j := 0; j < rank; j++ {
				up[i*rank+j] = init(i, j)
			}
		}
		for i := 0; i < rank; i++ {
			for j := 0; j < m.dim; j++ {
				down[i*m.dim+j] = init(i, j)
			}
		}
	}

	m.adapters[name] = &LoraAdapter{Name: name, Rank: rank, Up: up, Down: down}
	return nil
}

// ActivateAdapter marks name as the adapter ApplyLora uses.
func (m *Manager) ActivateAdapter(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.adapters[name]; !ok {
		return errs.Validation("federation.ActivateAdapter", "unknown adapter %q", name)
	}
	m.activeAdapter = name
	return nil
}

// ApplyLora applies the active adapter's low-rank delta to vec: vec + Up*Down*vec.
// With no active adapter, vec is returned unchanged.
func (m *Manager) ApplyLora(vec []float32) []float32 {
	m.mu.Lock()
	adapter, ok := m.adapters[m.activeAdapter]
	m.mu.Unlock()

	if !ok {
		out := make([]float32, len(vec))
		copy(out, vec)
		return out
	}

	mid := make([]float64, adapter.Rank)
	for r := 0; r < adapter.Rank; r++ {
		var sum float64
		for j := 0; j < m.dim && j < len(vec); j++ {
			sum += adapter.Down[r*m.dim+j] * float64(vec[j])
		}
		mid[r] = sum
	}

	out := make([]float32, len(vec))
	copy(out, vec)
	for i := 0; i < m.dim && i < len(out); i++ {
		var delta float64
		for r := 0; r < adapter.Rank; r++ {
			delta += adapter.Up[i*adapter.Rank+r] * mid[r]
		}
		out[i] += float32(delta)
	}
	return out
}
