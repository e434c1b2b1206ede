// Package orchestrator wraps an rvf.Store with the self-learning layer:
// a query router, a contrastive projection trainer, an access-frequency
// compressor, a federated session manager, and an adaptive ef_search
// policy. The orchestrator is the sole owner of its components; the store
// operation always completes even when a learning component fails.
package orchestrator

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/refine-digital/agentdb/internal/cancel"
	"github.com/refine-digital/agentdb/internal/errs"
	"github.com/refine-digital/agentdb/internal/learn/accessfreq"
	"github.com/refine-digital/agentdb/internal/learn/contrastive"
	"github.com/refine-digital/agentdb/internal/learn/federation"
	"github.com/refine-digital/agentdb/internal/learn/router"
	"github.com/refine-digital/agentdb/internal/learn/solver"
	"github.com/refine-digital/agentdb/internal/rvf"
)

// RecentSearchCap bounds the orchestrator's ring of recently-answered
// searches, kept for diagnostics and for synthesizing contrastive
// negatives.
const RecentSearchCap = 200

// ContrastiveBatchSize is the default number of buffered samples that
// triggers a trainer.TrainBatch call during tick().
const ContrastiveBatchSize = 32

// ContrastiveBufferCap bounds the buffered-sample backlog; the oldest
// sample is dropped once full.
const ContrastiveBufferCap = 1000

// MaxSampleNegatives bounds the negatives attached to one synthesized
// contrastive sample.
const MaxSampleNegatives = 4

// StageAdvanceInterval is how many completed trainer batches elapse before
// the hard-negative mining curriculum advances to its next, harder stage.
const StageAdvanceInterval = 20

// recentSearch is one entry in the orchestrator's diagnostic ring buffer.
type recentSearch struct {
	Query   []float32
	Results []rvf.SearchResult
}

// Trajectory is one recorded search episode: a search's inputs, outputs,
// and (once fed back) quality.
type Trajectory struct {
	ID         string
	Query      []float32
	Route      string
	Scores     []float32
	Arm        int
	StartedAt  time.Time
	Quality    *float32
	hasFeedback bool
}

// TrajectoryTTL bounds how long a trajectory may sit without feedback
// before it is evicted with a neutral quality score.
const TrajectoryTTL = 60 * time.Second

// MaxLiveTrajectories bounds the trajectory table's live population.
const MaxLiveTrajectories = 500

// NeutralQuality is assigned to trajectories evicted without feedback.
const NeutralQuality = 0.5

// Default operation budgets, applied when the caller supplies no
// cancellation handle of their own. A handle that trips on its deadline
// surfaces as a timeout error.
const (
	DefaultSearchTimeout  = 5 * time.Second
	DefaultFlushTimeout   = 60 * time.Second
	DefaultCompactTimeout = 600 * time.Second
)

// Options configures an Orchestrator. Every learning component is
// optional; a nil component is simply skipped on the hot path (the
// "boxed polymorphic interface with a no-op default" capability set
// design note, expressed here as plain nil-checks since Go interfaces are
// already nilable).
type Options struct {
	Store       *rvf.Store
	Router      *router.Router
	Trainer     *contrastive.Trainer
	AccessFreq  *accessfreq.Compressor
	Federation  *federation.Manager
	Solver      *solver.Solver
	Logger      *slog.Logger
	RouteTopK   int
}

// Orchestrator is the self-learning wrapper around a vector store. Its
// public contract mirrors the store's (Insert/Search/Remove) and adds
// tick-driven housekeeping, feedback ingestion, and session delegation.
// It is the sole owner of its learning components (§5): none are shared
// across Orchestrator instances.
type Orchestrator struct {
	mu sync.RWMutex

	store      *rvf.Store
	router     *router.Router
	trainer    *contrastive.Trainer
	accessFreq *accessfreq.Compressor
	federation *federation.Manager
	solver     *solver.Solver
	logger     *slog.Logger
	routeTopK  int

	trajectories    map[string]*Trajectory
	trajectoryOrder []string
	nextTrajID      uint64

	contrastiveBuffer []contrastive.Sample
	recentLowQuality  [][]float32

	recent    *lru.Cache[uint64, recentSearch]
	recentSeq uint64

	ticks     int
	tickGroup singleflight.Group
	destroyed bool
}

// New constructs an Orchestrator around opts.Store, which must not be nil.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errs.Validation("orchestrator.New", "store is required")
	}
	if opts.RouteTopK <= 0 {
		opts.RouteTopK = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cache, err := lru.New[uint64, recentSearch](RecentSearchCap)
	if err != nil {
		return nil, errs.Validation("orchestrator.New", "recent-search cache: %v", err)
	}

	return &Orchestrator{
		store:        opts.Store,
		router:       opts.Router,
		trainer:      opts.Trainer,
		accessFreq:   opts.AccessFreq,
		federation:   opts.Federation,
		solver:       opts.Solver,
		logger:       opts.Logger,
		routeTopK:    opts.RouteTopK,
		trajectories: make(map[string]*Trajectory),
		recent:       cache,
	}, nil
}

// Insert validates and delegates to the store, then seeds access
// frequency and appends a witness event via the store's own chain.
func (o *Orchestrator) Insert(row rvf.Row) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return errs.Lifecycle("orchestrator.Insert", "orchestrator is destroyed")
	}
	if err := o.store.Insert(row); err != nil {
		return err
	}
	if o.accessFreq != nil {
		o.accessFreq.Seed(row.ID)
	}
	return nil
}

// InsertBatch validates and delegates a batch to the store, seeding access
// frequency for every row.
func (o *Orchestrator) InsertBatch(rows []rvf.Row) error {
	return o.InsertBatchCancellable(rows, nil)
}

// InsertBatchCancellable is InsertBatch with a cancellation handle forwarded
// to the store's per-row safe points.
func (o *Orchestrator) InsertBatchCancellable(rows []rvf.Row, handle *cancel.Handle) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return errs.Lifecycle("orchestrator.InsertBatch", "orchestrator is destroyed")
	}
	if err := o.store.InsertBatchCancellable(rows, handle); err != nil {
		return err
	}
	if o.accessFreq != nil {
		for _, row := range rows {
			o.accessFreq.Seed(row.ID)
		}
	}
	return nil
}

// Remove delegates removal to the store and drops access-frequency
// tracking for the removed ids, reporting per id whether it was present.
func (o *Orchestrator) Remove(ids []string) ([]bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return nil, errs.Lifecycle("orchestrator.Remove", "orchestrator is destroyed")
	}
	present, err := o.store.Remove(ids)
	if err != nil {
		return nil, err
	}
	if o.accessFreq != nil {
		for _, id := range ids {
			o.accessFreq.Remove(id)
		}
	}
	return present, nil
}

// SearchResult is a search hit together with the trajectory id recording
// it, if trajectory recording produced one (empty when no router/solver is
// configured and feedback tracking is therefore meaningless).
type SearchResult struct {
	Results      []rvf.SearchResult
	TrajectoryID string
}

// Search routes, projects, delegates to the store, bumps access frequency,
// records a trajectory, and returns results unchanged to the caller.
// Learning-component failures are swallowed; the store operation always
// completes.
func (o *Orchestrator) Search(query []float32, opts rvf.SearchOptions) (SearchResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.destroyed {
		return SearchResult{}, errs.Lifecycle("orchestrator.Search", "orchestrator is destroyed")
	}

	if opts.Cancel == nil {
		opts.Cancel = cancel.NewWithTimeout(DefaultSearchTimeout)
		defer opts.Cancel.Stop()
	}

	originalQuery := append([]float32{}, query...)

	var route string
	var topScore float32
	if o.router != nil {
		matches, err := o.router.Route(query, o.routeTopK)
		if err != nil {
			o.logger.Warn("orchestrator: route failed, continuing without routing", "error", err)
		} else if len(matches) > 0 {
			route = matches[0].Intent
			topScore = matches[0].Score
		}
	}

	if o.solver != nil && opts.EfSearch == 0 {
		// An explicit caller-supplied EfSearch always wins over the
		// policy suggestion.
		context := solver.ContextBucket(topScore)
		opts.EfSearch = o.solver.SelectArm(context)
	}

	enhancedQuery := query
	if o.trainer != nil {
		enhancedQuery = o.trainer.Project(query)
	}
	if o.federation != nil {
		enhancedQuery = o.federation.ApplyLora(enhancedQuery)
	}

	results, err := o.store.Search(enhancedQuery, opts)
	if err != nil {
		return SearchResult{}, err
	}

	if o.accessFreq != nil {
		for _, r := range results {
			o.accessFreq.Hit(r.ID)
		}
	}
	o.pushRecentLocked(originalQuery, results)

	trajID := ""
	if o.router != nil || o.solver != nil {
		trajID = o.recordTrajectoryLocked(originalQuery, route, opts.EfSearch, results)
	}

	return SearchResult{Results: results, TrajectoryID: trajID}, nil
}

func (o *Orchestrator) pushRecentLocked(query []float32, results []rvf.SearchResult) {
	o.recentSeq++
	o.recent.Add(o.recentSeq, recentSearch{Query: query, Results: results})
}

func (o *Orchestrator) recordTrajectoryLocked(query []float32, route string, arm int, results []rvf.SearchResult) string {
	o.nextTrajID++
	id := trajectoryID(o.nextTrajID)

	scores := make([]float32, len(results))
	for i, r := range results {
		scores[i] = r.Score
	}

	traj := &Trajectory{
		ID:        id,
		Query:     query,
		Route:     route,
		Scores:    scores,
		Arm:       arm,
		StartedAt: time.Now(),
	}
	o.trajectories[id] = traj
	o.trajectoryOrder = append(o.trajectoryOrder, id)
	o.evictStaleTrajectoriesLocked()
	return id
}

func trajectoryID(n uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 0, 16)
	for n > 0 {
		buf = append([]byte{hexDigits[n%16]}, buf...)
		n /= 16
	}
	if len(buf) == 0 {
		buf = []byte{'0'}
	}
	return "traj_" + string(buf)
}

// evictStaleTrajectoriesLocked drops trajectories older than TrajectoryTTL
// or beyond MaxLiveTrajectories, assigning a neutral quality to each.
func (o *Orchestrator) evictStaleTrajectoriesLocked() {
	now := time.Now()
	kept := o.trajectoryOrder[:0]
	for _, id := range o.trajectoryOrder {
		traj, ok := o.trajectories[id]
		if !ok {
			continue
		}
		if !traj.hasFeedback && now.Sub(traj.StartedAt) > TrajectoryTTL {
			o.finalizeTrajectoryLocked(traj, NeutralQuality)
			delete(o.trajectories, id)
			continue
		}
		kept = append(kept, id)
	}
	o.trajectoryOrder = kept

	for len(o.trajectoryOrder) > MaxLiveTrajectories {
		id := o.trajectoryOrder[0]
		o.trajectoryOrder = o.trajectoryOrder[1:]
		if traj, ok := o.trajectories[id]; ok {
			o.finalizeTrajectoryLocked(traj, NeutralQuality)
			delete(o.trajectories, id)
		}
	}
}

// finalizeTrajectoryLocked feeds a closed trajectory's outcome into the
// solver (reward) and, if its quality falls below the contrastive negative
// threshold, adds its query to the negatives pool. The contrastive buffer
// is not fed here.
func (o *Orchestrator) finalizeTrajectoryLocked(traj *Trajectory, quality float32) {
	cost := float64(len(traj.Scores))
	if o.solver != nil {
		context := solver.ContextBucket(maxScore(traj.Scores))
		arm := traj.Arm
		if arm == 0 {
			arm = solver.Arms[1]
		}
		o.solver.Record(context, arm, float64(quality), cost)
	}
	if o.trainer != nil {
		if o.trainer.FeedsNegativePool(quality) {
			o.recentLowQuality = append(o.recentLowQuality, traj.Query)
			if len(o.recentLowQuality) > ContrastiveBatchSize*4 {
				o.recentLowQuality = o.recentLowQuality[1:]
			}
		}
	}
}

func maxScore(scores []float32) float32 {
	var m float32
	for _, s := range scores {
		if s > m {
			m = s
		}
	}
	return m
}

// RecordFeedback closes a trajectory with a quality score in [0,1]
// (clamped on ingestion). If quality clears the contrastive positive
// threshold, a contrastive sample is synthesized (anchor = original query,
// positive = a small perturbation of it, negatives = recent low-quality
// queries) and enqueued for the next trainer batch.
func (o *Orchestrator) RecordFeedback(trajectoryID string, quality float32) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.destroyed {
		return errs.Lifecycle("orchestrator.RecordFeedback", "orchestrator is destroyed")
	}
	if quality < 0 {
		quality = 0
	}
	if quality > 1 {
		quality = 1
	}

	traj, ok := o.trajectories[trajectoryID]
	if !ok {
		return errs.Validation("orchestrator.RecordFeedback", "unknown trajectory %q", trajectoryID)
	}
	traj.hasFeedback = true
	traj.Quality = &quality

	o.finalizeTrajectoryLocked(traj, quality)

	if o.trainer != nil && o.trainer.AcceptsPositive(quality) && len(o.recentLowQuality) > 0 {
		positive := perturb(traj.Query)
		negatives := o.trainer.MineHardNegatives(traj.Query, o.recentLowQuality, nil, MaxSampleNegatives)
		if len(negatives) == 0 {
			// Curriculum's hardness floor rejected every candidate this round;
			// fall back to the most recent low-quality queries so the sample
			// still has something to contrast against.
			negatives = o.recentLowQuality
		}
		if len(negatives) > MaxSampleNegatives {
			negatives = negatives[len(negatives)-MaxSampleNegatives:]
		}
		o.contrastiveBuffer = append(o.contrastiveBuffer, contrastive.Sample{
			Anchor:    traj.Query,
			Positive:  positive,
			Negatives: negatives,
		})
		if len(o.contrastiveBuffer) > ContrastiveBufferCap {
			o.contrastiveBuffer = o.contrastiveBuffer[len(o.contrastiveBuffer)-ContrastiveBufferCap:]
		}
	}

	delete(o.trajectories, trajectoryID)
	return nil
}

// perturb returns a small deterministic nudge of v, used to synthesize a
// contrastive "positive" from a high-quality query without needing a
// second real observation.
func perturb(v []float32) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x + 0.001*float32(i%7-3)
	}
	return out
}

// BeginSession delegates to the federation manager, if configured.
func (o *Orchestrator) BeginSession(agentID string, warmStart ...bool) (*federation.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return nil, errs.Lifecycle("orchestrator.BeginSession", "orchestrator is destroyed")
	}
	if o.federation == nil {
		return nil, errs.Lifecycle("orchestrator.BeginSession", "federation is not configured")
	}
	return o.federation.BeginSession(agentID, warmStart...)
}

// EndSession delegates to the federation manager, if configured.
func (o *Orchestrator) EndSession(sessionID string) (federation.SessionSummary, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return federation.SessionSummary{}, errs.Lifecycle("orchestrator.EndSession", "orchestrator is destroyed")
	}
	if o.federation == nil {
		return federation.SessionSummary{}, errs.Lifecycle("orchestrator.EndSession", "federation is not configured")
	}
	return o.federation.EndSession(sessionID)
}

// Tick performs one step of housekeeping: a trainer batch step if the
// contrastive buffer is full, incremental solver training, access-
// frequency decay and periodic pruning, stale-trajectory eviction, and an
// acceptance check at its configured cadence. Concurrent Tick calls
// coalesce into one via singleflight.
func (o *Orchestrator) Tick() error {
	_, err, _ := o.tickGroup.Do("tick", func() (any, error) {
		return nil, o.tickOnce()
	})
	return err
}

func (o *Orchestrator) tickOnce() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.destroyed {
		return errs.Lifecycle("orchestrator.Tick", "orchestrator is destroyed")
	}
	o.ticks++

	if o.trainer != nil && len(o.contrastiveBuffer) >= ContrastiveBatchSize {
		batch := o.contrastiveBuffer[:ContrastiveBatchSize]
		o.contrastiveBuffer = o.contrastiveBuffer[ContrastiveBatchSize:]
		if result, err := o.trainer.TrainBatch(batch); err != nil {
			o.logger.Warn("orchestrator: contrastive training step failed", "error", err)
		} else {
			o.witnessTrain(result)
			if o.trainer.BatchesRun()%StageAdvanceInterval == 0 {
				o.trainer.AdvanceStage()
			}
		}
	}

	if o.solver != nil {
		o.solver.Train(1, 0.2, 0.8, nil)
		o.witnessTrain(nil)
	}

	if o.accessFreq != nil {
		o.accessFreq.Tick()
	}

	o.evictStaleTrajectoriesLocked()

	if o.solver != nil && o.solver.TickAcceptanceDue() {
		if report, err := o.solver.Acceptance(1, 50, 20); err != nil {
			o.logger.Warn("orchestrator: acceptance cycle failed", "error", err)
		} else {
			o.witnessAcceptance(report)
		}
	}

	return nil
}

// witnessTrain records a train event in the store's witness chain; the
// chain covers learned-policy updates, not just vector rows. payload is
// whatever training-outcome value is available
// (a contrastive TrainResult, or nil for an incremental solver step); it is
// only used to vary the hash, never interpreted.
func (o *Orchestrator) witnessTrain(payload any) {
	b, _ := json.Marshal(payload)
	o.store.WitnessChain().Append(rvf.OpTrain, b)
}

// witnessAcceptance records an acceptance-cycle event in the store's
// witness chain.
func (o *Orchestrator) witnessAcceptance(report solver.AcceptanceReport) {
	b, _ := json.Marshal(report)
	o.store.WitnessChain().Append(rvf.OpAcceptance, b)
}

// ForceLearn flushes all pending learning immediately: any buffered
// contrastive samples (regardless of batch size) and one solver training
// step.
func (o *Orchestrator) ForceLearn() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.destroyed {
		return errs.Lifecycle("orchestrator.ForceLearn", "orchestrator is destroyed")
	}

	if o.trainer != nil && len(o.contrastiveBuffer) > 0 {
		batch := o.contrastiveBuffer
		o.contrastiveBuffer = nil
		if result, err := o.trainer.TrainBatch(batch); err != nil {
			o.logger.Warn("orchestrator: forced contrastive training failed", "error", err)
		} else {
			o.witnessTrain(result)
		}
	}
	if o.solver != nil {
		o.solver.Train(1, 0.2, 0.8, nil)
		o.witnessTrain(nil)
	}
	return nil
}

// Stats exposes the wrapped store's stats unchanged.
func (o *Orchestrator) Stats() rvf.Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.store.Stats()
}

// Flush delegates to the store under the default flush budget.
func (o *Orchestrator) Flush() error {
	handle := cancel.NewWithTimeout(DefaultFlushTimeout)
	defer handle.Stop()
	return o.FlushCancellable(handle)
}

// FlushCancellable is Flush with a cancellation handle forwarded to the
// store's per-row safe points.
func (o *Orchestrator) FlushCancellable(handle *cancel.Handle) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return errs.Lifecycle("orchestrator.Flush", "orchestrator is destroyed")
	}
	return o.store.FlushCancellable(handle)
}

// Compact delegates to the store under the default compaction budget.
func (o *Orchestrator) Compact() (rvf.CompactResult, error) {
	handle := cancel.NewWithTimeout(DefaultCompactTimeout)
	defer handle.Stop()
	return o.CompactCancellable(handle)
}

// CompactCancellable is Compact with a cancellation handle forwarded to the
// store's per-row rebuild safe points.
func (o *Orchestrator) CompactCancellable(handle *cancel.Handle) (rvf.CompactResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return rvf.CompactResult{}, errs.Lifecycle("orchestrator.Compact", "orchestrator is destroyed")
	}
	return o.store.CompactCancellable(handle)
}

// Destroy ends any still-live federation sessions with neutral quality,
// persists the router (cancelling its debounce timer first), and closes
// the store, concurrently. Idempotent; a destroyed orchestrator rejects
// all further calls with a LifecycleError.
func (o *Orchestrator) Destroy() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return nil
	}
	o.destroyed = true

	var g errgroup.Group
	if o.federation != nil {
		g.Go(func() error {
			o.federation.EndAllSessions(NeutralQuality)
			return nil
		})
	}
	if o.router != nil {
		g.Go(func() error {
			if err := o.router.Destroy(); err != nil {
				o.logger.Warn("orchestrator: router persistence on destroy failed", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return o.store.Close()
	})
	return g.Wait()
}
