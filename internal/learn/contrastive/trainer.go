// Package contrastive implements a learned linear projection trained with
// an InfoNCE objective, plus curriculum-staged hard-negative mining. The
// matrices involved are small (D x D, single gradient step per batch), so
// this stays on bare float64 slice math rather than a tensor library.
package contrastive

import (
	"math"
	"sync"

	"github.com/refine-digital/agentdb/internal/errs"
)

// DefaultPositiveThreshold is the minimum query quality required to
// synthesize a contrastive sample at all.
const DefaultPositiveThreshold = 0.7

// DefaultNegativeThreshold is the quality below which a query's embedding
// feeds the negatives pool.
const DefaultNegativeThreshold = 0.3

// Sample is a single (anchor, positive, negatives) contrastive training
// example.
type Sample struct {
	Anchor    []float32
	Positive  []float32
	Negatives [][]float32
}

// TrainResult reports the outcome of one trainBatch call.
type TrainResult struct {
	Loss        float64
	BatchSize   int
	AvgGradNorm float64
}

// Stage describes one step of the hard-negative mining curriculum: how many
// negatives to mine, and the minimum similarity ("hardness") a candidate
// must clear to count as hard.
type Stage struct {
	NegativeCount int
	Hardness      float32
}

// DefaultCurriculum is a three-stage schedule of increasing difficulty.
var DefaultCurriculum = []Stage{
	{NegativeCount: 4, Hardness: 0.3},
	{NegativeCount: 8, Hardness: 0.5},
	{NegativeCount: 16, Hardness: 0.7},
}

// Config configures a Trainer.
type Config struct {
	Dimensions        int
	LearningRate      float64
	Temperature       float64
	PositiveThreshold float32
	NegativeThreshold float32
	Curriculum        []Stage
}

// Trainer maintains a learned projection matrix P (flattened row-major
// D x D) and applies gradient steps against batches of contrastive samples.
type Trainer struct {
	mu sync.Mutex

	dim   int
	lr    float64
	temp  float64
	posTh float32
	negTh float32

	curriculum []Stage
	stage      int
	batchesRun int

	p []float64 // D x D, row-major
}

// New constructs a Trainer with P initialized to identity plus small noise.
// noise is a deterministic per-cell perturbation function so the result is
// reproducible without requiring a process-wide random source; callers that
// want stochastic initialization can pass a closure over their own RNG.
func New(cfg Config, noise func(row, col int) float64) (*Trainer, error) {
	if cfg.Dimensions <= 0 {
		return nil, errs.Validation("contrastive.New", "dimensions must be positive")
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.01
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.1
	}
	if cfg.PositiveThreshold == 0 {
		cfg.PositiveThreshold = DefaultPositiveThreshold
	}
	if cfg.NegativeThreshold == 0 {
		cfg.NegativeThreshold = DefaultNegativeThreshold
	}
	if len(cfg.Curriculum) == 0 {
		cfg.Curriculum = DefaultCurriculum
	}

	d := cfg.Dimensions
	p := make([]float64, d*d)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			v := 0.0
			if i == j {
				v = 1.0
			}
			if noise != nil {
				v += noise(i, j)
			}
			p[i*d+j] = v
		}
	}

	return &Trainer{
		dim:        d,
		lr:         cfg.LearningRate,
		temp:       cfg.Temperature,
		posTh:      cfg.PositiveThreshold,
		negTh:      cfg.NegativeThreshold,
		curriculum: cfg.Curriculum,
		p:          p,
	}, nil
}

// Project applies the current projection to v, returning P*v.
func (t *Trainer) Project(v []float32) []float32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.projectLocked(v)
}

func (t *Trainer) projectLocked(v []float32) []float32 {
	out := make([]float32, t.dim)
	for i := 0; i < t.dim; i++ {
		var sum float64
		row := t.p[i*t.dim : (i+1)*t.dim]
		n := t.dim
		if len(v) < n {
			n = len(v)
		}
		for j := 0; j < n; j++ {
			sum += row[j] * float64(v[j])
		}
		out[i] = float32(sum)
	}
	return out
}

// AcceptsPositive reports whether a query's quality clears the positive
// threshold, i.e. whether a contrastive sample should be synthesized from
// it at all.
func (t *Trainer) AcceptsPositive(quality float32) bool {
	return quality >= t.posTh
}

// FeedsNegativePool reports whether a query's quality is low enough to
// contribute its embedding to the negatives pool.
func (t *Trainer) FeedsNegativePool(quality float32) bool {
	return quality < t.negTh
}

// TrainBatch performs a single InfoNCE gradient step over samples and
// updates P in place.
func (t *Trainer) TrainBatch(samples []Sample) (TrainResult, error) {
	if len(samples) == 0 {
		return TrainResult{}, errs.Validation("contrastive.TrainBatch", "batch must not be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	d := t.dim
	grad := make([]float64, d*d)
	var totalLoss float64

	for _, s := range samples {
		pa := t.projectLocked(s.Anchor)
		pp := t.projectLocked(s.Positive)
		posSim := cosine(pa, pp) / float32(t.temp)

		negSims := make([]float32, len(s.Negatives))
		for i, neg := range s.Negatives {
			pn := t.projectLocked(neg)
			negSims[i] = cosine(pa, pn) / float32(t.temp)
		}

		// softmax denominator over {positive} ∪ negatives
		maxLogit := posSim
		for _, s := range negSims {
			if s > maxLogit {
				maxLogit = s
			}
		}
		denom := math.Exp(float64(posSim - maxLogit))
		for _, s := range negSims {
			denom += math.Exp(float64(s - maxLogit))
		}
		loss := -float64(posSim-maxLogit) + math.Log(denom)
		totalLoss += loss

		// Gradient of InfoNCE loss w.r.t. P, approximated via the
		// outer-product rule for a bilinear similarity: push P toward
		// anchor-positive alignment, away from anchor-negative alignment,
		// scaled by the softmax weight each pair received.
		posWeight := 1.0 - math.Exp(float64(posSim-maxLogit))/denom
		accumulateGradient(grad, s.Anchor, s.Positive, d, posWeight)

		for i, neg := range s.Negatives {
			negWeight := -math.Exp(float64(negSims[i]-maxLogit)) / denom
			accumulateGradient(grad, s.Anchor, neg, d, negWeight)
		}
	}

	var gradNormSq float64
	n := float64(len(samples))
	for i := range t.p {
		step := t.lr * grad[i] / n
		t.p[i] += step
		gradNormSq += step * step
	}
	t.batchesRun++

	return TrainResult{
		Loss:        totalLoss / n,
		BatchSize:   len(samples),
		AvgGradNorm: math.Sqrt(gradNormSq),
	}, nil
}

// BatchesRun reports how many TrainBatch calls have completed, for callers
// that pace curriculum advancement off a batch cadence.
func (t *Trainer) BatchesRun() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.batchesRun
}

// Stage returns the index of the curriculum stage currently in effect.
func (t *Trainer) Stage() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage % len(t.curriculum)
}

// accumulateGradient adds weight * outer(a, b) into grad (row-major D x D).
func accumulateGradient(grad []float64, a, b []float32, d int, weight float64) {
	for i := 0; i < d && i < len(a); i++ {
		for j := 0; j < d && j < len(b); j++ {
			grad[i*d+j] += weight * float64(a[i]) * float64(b[j])
		}
	}
}

// MineHardNegatives returns up to k vectors from pool with the highest
// similarity to anchor, excluding any index in excluded and any candidate
// whose similarity falls below the current curriculum stage's hardness
// threshold.
func (t *Trainer) MineHardNegatives(anchor []float32, pool [][]float32, excluded map[int]bool, k int) [][]float32 {
	t.mu.Lock()
	stage := t.curriculum[t.stage%len(t.curriculum)]
	t.mu.Unlock()

	if k <= 0 || k > stage.NegativeCount {
		k = stage.NegativeCount
	}

	type scored struct {
		vec   []float32
		score float32
	}
	candidates := make([]scored, 0, len(pool))
	for i, v := range pool {
		if excluded[i] {
			continue
		}
		sim := cosine(anchor, v)
		if sim < stage.Hardness {
			continue
		}
		candidates = append(candidates, scored{vec: v, score: sim})
	}

	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].score > candidates[j-1].score; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	out := make([][]float32, len(candidates))
	for i, c := range candidates {
		out[i] = c.vec
	}
	return out
}

// AdvanceStage moves the curriculum to its next, harder stage. Called after
// enough batches have been trained at the current stage; the orchestrator
// decides the cadence. Once the last stage is reached it stays in effect.
func (t *Trainer) AdvanceStage() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stage < len(t.curriculum)-1 {
		t.stage++
	}
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
