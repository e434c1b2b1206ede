// Package solver implements the context-stratified multi-armed bandit that
// chooses an HNSW ef_search arm per query, plus the periodic acceptance
// cycle that gates whether its learned policy stays in effect. Policy
// state is per-(context, arm) attempt/success counters plus a latency EMA;
// the acceptance cycle runs on a tick cadence.
package solver

import (
	"math/rand"
	"sync"

	"github.com/refine-digital/agentdb/internal/cancel"
	"github.com/refine-digital/agentdb/internal/errs"
)

// Arms are the only ef_search values the policy may select.
var Arms = []int{50, 100, 200, 400}

// Context buckets, derived from the top route-match similarity score.
const (
	BucketNarrow = "narrow" // score > 0.7
	BucketMedium = "medium" // score > 0.4
	BucketWide   = "wide"   // otherwise
)

// ContextBucket discretizes a top route-match score into a coarse regime.
func ContextBucket(topScore float32) string {
	switch {
	case topScore > 0.7:
		return BucketNarrow
	case topScore > 0.4:
		return BucketMedium
	default:
		return BucketWide
	}
}

// heuristicArm is the deterministic fallback used for cold cells and
// whenever adaptive ef_search has been disabled by a failed acceptance
// cycle.
func heuristicArm(context string) int {
	switch context {
	case BucketNarrow:
		return 50
	case BucketMedium:
		return 100
	default:
		return 400
	}
}

// DefaultAcceptanceIntervalTicks is how often, in orchestrator ticks, an
// acceptance cycle runs.
const DefaultAcceptanceIntervalTicks = 100

// costWeight is the per-unit-latency penalty applied when scoring arms.
const costWeight = 0.01

// emaAlpha controls how quickly costEma tracks newly observed latency.
const emaAlpha = 0.1

type cell struct {
	attempts  int
	successes int
	costEma   float64
}

// Config configures a Solver.
type Config struct {
	AcceptanceIntervalTicks int
	LearningRate            float64
	Seed                    int64
}

// Solver is a context-stratified bandit over ef_search arms.
type Solver struct {
	mu sync.Mutex

	// acceptMu serializes acceptance cycles with each other; concurrent
	// callers queue behind the one in flight.
	acceptMu sync.Mutex

	cells map[string]map[int]*cell

	acceptanceInterval int
	ticksSinceAccept   int
	adaptiveEnabled    bool
	learningRate       float64

	rng *rand.Rand
}

// New constructs a Solver with adaptive ef_search enabled.
func New(cfg Config) *Solver {
	if cfg.AcceptanceIntervalTicks == 0 {
		cfg.AcceptanceIntervalTicks = DefaultAcceptanceIntervalTicks
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.1
	}
	s := &Solver{
		cells:              make(map[string]map[int]*cell),
		acceptanceInterval: cfg.AcceptanceIntervalTicks,
		adaptiveEnabled:    true,
		learningRate:       cfg.LearningRate,
		rng:                rand.New(rand.NewSource(cfg.Seed)),
	}
	for _, b := range []string{BucketNarrow, BucketMedium, BucketWide} {
		s.cells[b] = make(map[int]*cell, len(Arms))
	}
	return s
}

// SelectArm picks the ef_search value to use for a query in the given
// context bucket. When adaptive ef_search is disabled (a prior acceptance
// cycle failed) or the cell is cold, it falls back to the deterministic
// heuristic.
func (s *Solver) SelectArm(context string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectArmLocked(context)
}

func (s *Solver) selectArmLocked(context string) int {
	if !s.adaptiveEnabled {
		return heuristicArm(context)
	}

	cells, ok := s.cells[context]
	if !ok {
		return heuristicArm(context)
	}

	bestArm := 0
	bestScore := -1e18
	attempted := false
	for _, arm := range Arms {
		c, ok := cells[arm]
		if !ok || c.attempts == 0 {
			continue
		}
		attempted = true
		score := float64(c.successes)/float64(c.attempts) - costWeight*c.costEma
		if score > bestScore {
			bestScore = score
			bestArm = arm
		}
	}
	if !attempted {
		return heuristicArm(context)
	}
	return bestArm
}

// Record feeds back the outcome of a query answered with arm in context:
// reward in [0,1] (>= 0.5 counts as a success) and the measured cost
// (latency, in arbitrary consistent units).
func (s *Solver) Record(context string, arm int, reward, cost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(context, arm, reward, cost)
}

func (s *Solver) recordLocked(context string, arm int, reward, cost float64) {
	cells, ok := s.cells[context]
	if !ok {
		cells = make(map[int]*cell, len(Arms))
		s.cells[context] = cells
	}
	c, ok := cells[arm]
	if !ok {
		c = &cell{}
		cells[arm] = c
	}
	c.attempts++
	if reward >= 0.5 {
		c.successes++
	}
	if c.attempts == 1 {
		c.costEma = cost
	} else {
		c.costEma = c.costEma*(1-emaAlpha) + cost*emaAlpha
	}
}

// AdaptiveEnabled reports whether the learned policy is currently in
// effect (as opposed to having fallen back to the deterministic heuristic
// after a failed acceptance cycle).
func (s *Solver) AdaptiveEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adaptiveEnabled
}

// Train runs count synthetic training episodes of increasing difficulty
// between minDifficulty and maxDifficulty (both in [0,1]), feeding
// simulated rewards back into the bandit. seed, if non-nil, reseeds the
// solver's RNG for reproducible training runs.
func (s *Solver) Train(count int, minDifficulty, maxDifficulty float64, seed *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seed != nil {
		s.rng = rand.New(rand.NewSource(*seed))
	}
	if count <= 0 {
		return
	}
	if maxDifficulty < minDifficulty {
		minDifficulty, maxDifficulty = maxDifficulty, minDifficulty
	}

	buckets := []string{BucketNarrow, BucketMedium, BucketWide}
	for i := 0; i < count; i++ {
		frac := 0.0
		if count > 1 {
			frac = float64(i) / float64(count-1)
		}
		difficulty := minDifficulty + frac*(maxDifficulty-minDifficulty)
		context := buckets[s.rng.Intn(len(buckets))]
		arm := s.selectArmLocked(context)
		reward, cost := simulateEpisode(s.rng, context, arm, difficulty)
		s.recordLocked(context, arm, reward, cost)
	}
}

// simulateEpisode models a synthetic training episode: larger arms cost
// more but tolerate higher difficulty better; narrow contexts are easiest.
func simulateEpisode(rng *rand.Rand, context string, arm int, difficulty float64) (reward, cost float64) {
	contextEase := map[string]float64{BucketNarrow: 0.9, BucketMedium: 0.6, BucketWide: 0.3}[context]
	armCapacity := float64(arm) / 400.0 // 0.125 .. 1.0
	base := contextEase*(1-difficulty) + armCapacity*difficulty
	noise := (rng.Float64() - 0.5) * 0.1
	reward = clamp01(base + noise)
	cost = float64(arm) / 100.0 // larger ef costs more latency
	return reward, cost
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ModeResult summarizes one acceptance-cycle mode's evaluation against the
// holdout set.
type ModeResult struct {
	Accuracy          float64
	AccuracyUnderNoise float64
	Violations        int
	PatternsDistilled int
}

// Improvement reports how ModeC compares to the ModeA baseline across
// accuracy, cost, and robustness.
type Improvement struct {
	AccuracyMaintained  bool
	CostImproved        bool
	RobustnessImproved  bool
	DimensionsImproved  int
}

// AcceptanceReport is the outcome of one acceptance() cycle.
type AcceptanceReport struct {
	ModeA    ModeResult // fixed ef=100 baseline
	ModeB    ModeResult // deterministic heuristic
	ModeC    ModeResult // learned policy with further online training
	Improve  Improvement
	Accepted bool // whether ModeC's adaptation was retained
}

// costBudget is the per-episode cost above which an episode counts as a
// violation.
const costBudget = 3.0

// Acceptance runs cycles evaluation rounds, each over a fresh holdout of
// holdoutSize synthetic episodes, training the learned policy
// trainingPerCycle steps between rounds. The learned policy (Mode C) is
// retained only if it maintains accuracy, has zero cost-budget violations,
// and improves at least two of the three dimensions over the baseline;
// otherwise adaptive ef_search is disabled and the learning rate halved.
func (s *Solver) Acceptance(cycles, holdoutSize, trainingPerCycle int, handle ...*cancel.Handle) (AcceptanceReport, error) {
	if cycles <= 0 || holdoutSize <= 0 {
		return AcceptanceReport{}, errs.Validation("solver.Acceptance", "cycles and holdoutSize must be positive")
	}
	h := firstHandle(handle)

	s.acceptMu.Lock()
	defer s.acceptMu.Unlock()

	// Evaluate with a locally derived RNG so the holdout never races the
	// shared training RNG.
	s.mu.Lock()
	rng := rand.New(rand.NewSource(s.rng.Int63()))
	s.mu.Unlock()

	var report AcceptanceReport
	for c := 0; c < cycles; c++ {
		if h.Cancelled() {
			return report, errs.Cancelled("solver.Acceptance")
		}
		report.ModeA = evaluateMode(rng, holdoutSize, func(context string) int { return 100 })
		report.ModeB = evaluateMode(rng, holdoutSize, heuristicArm)
		if trainingPerCycle > 0 {
			s.Train(trainingPerCycle, 0.1, 0.9, nil)
		}
		report.ModeC = evaluateMode(rng, holdoutSize, s.SelectArm)
	}

	report.Improve = compareToBaseline(report.ModeA, report.ModeC)
	report.Accepted = report.Improve.AccuracyMaintained && report.ModeC.Violations == 0 && report.Improve.DimensionsImproved >= 2

	s.mu.Lock()
	if report.Accepted {
		s.adaptiveEnabled = true
	} else {
		s.adaptiveEnabled = false
		s.learningRate /= 2
	}
	s.ticksSinceAccept = 0
	s.mu.Unlock()

	return report, nil
}

func evaluateMode(rng *rand.Rand, holdoutSize int, armFor func(context string) int) ModeResult {
	buckets := []string{BucketNarrow, BucketMedium, BucketWide}
	var result ModeResult
	var accSum, noisySum float64
	for i := 0; i < holdoutSize; i++ {
		context := buckets[rng.Intn(len(buckets))]
		difficulty := rng.Float64()
		arm := armFor(context)
		reward, cost := simulateEpisode(rng, context, arm, difficulty)
		accSum += reward
		noisyReward := clamp01(reward + (rng.Float64()-0.5)*0.3)
		noisySum += noisyReward
		if cost > costBudget {
			result.Violations++
		}
		if reward >= 0.8 {
			result.PatternsDistilled++
		}
	}
	result.Accuracy = accSum / float64(holdoutSize)
	result.AccuracyUnderNoise = noisySum / float64(holdoutSize)
	return result
}

func compareToBaseline(baseline, candidate ModeResult) Improvement {
	const epsilon = 0.01
	var imp Improvement
	imp.AccuracyMaintained = candidate.Accuracy >= baseline.Accuracy-epsilon
	imp.CostImproved = candidate.Violations <= baseline.Violations
	imp.RobustnessImproved = candidate.AccuracyUnderNoise >= baseline.AccuracyUnderNoise-epsilon

	dims := 0
	if candidate.Accuracy > baseline.Accuracy {
		dims++
	}
	if candidate.Violations < baseline.Violations {
		dims++
	}
	if candidate.AccuracyUnderNoise > baseline.AccuracyUnderNoise {
		dims++
	}
	imp.DimensionsImproved = dims
	return imp
}

// TickAcceptanceDue reports whether acceptanceIntervalTicks have elapsed
// since the last acceptance cycle, advancing the internal tick counter.
func (s *Solver) TickAcceptanceDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticksSinceAccept++
	return s.ticksSinceAccept >= s.acceptanceInterval
}

// LearningRate returns the current learning rate, which is halved after
// each rejected acceptance cycle. Train and Record do not read it, so it
// does not change how the bandit's counters are updated.
func (s *Solver) LearningRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.learningRate
}

// firstHandle returns the sole variadic cancel handle supplied, or nil (a
// handle that is never cancelled) when the caller passed none.
func firstHandle(handle []*cancel.Handle) *cancel.Handle {
	if len(handle) == 0 {
		return nil
	}
	return handle[0]
}
