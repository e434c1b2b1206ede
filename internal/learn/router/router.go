// Package router implements named-centroid query routing: a small set of
// intents, each described by a centroid vector, that incoming queries are
// scored against by cosine similarity. Routing decisions feed the solver's
// context buckets and the orchestrator's search path.
package router

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/refine-digital/agentdb/internal/errs"
)

// MaxNameLength bounds an intent's name.
const MaxNameLength = 128

// DefaultDebounce is how long persistence waits after a mutation before
// writing state to disk, coalescing bursts of addIntent/removeIntent calls
// into a single save.
const DefaultDebounce = 5 * time.Second

// Intent is a named routing target: a centroid vector plus free-form
// metadata carried through to Route results.
type Intent struct {
	Name     string
	Centroid []float32
	Metadata map[string]any
}

// Match is one scored routing result.
type Match struct {
	Intent   string
	Score    float32
	Metadata map[string]any
}

// Stats summarizes router usage.
type Stats struct {
	TotalQueries    int64
	HitsByIntent    map[string]int64
	AvgRouteLatency time.Duration
	totalRouteNanos int64
}

// Config configures a Router.
type Config struct {
	Dimensions      int
	Threshold       float32
	PersistencePath string // empty disables persistence
	PersistenceRoot string // save/load paths must resolve beneath this, if set
	RecentCacheSize int
	Debounce        time.Duration

	// WatchExternal, if true, watches the persistence path's directory for
	// writes from outside this process (an operator restoring a saved
	// state file) and reloads it. Requires PersistencePath to be set.
	WatchExternal bool
}

// Router holds named intents and routes queries against their centroids.
type Router struct {
	mu sync.RWMutex

	dim       int
	threshold float32
	persist   string
	root      string
	debounce  time.Duration

	intents map[string]*Intent
	stats   Stats

	recent *lru.Cache[string, []Match]

	saveTimer *time.Timer
	destroyed bool

	watcher      *fsnotify.Watcher
	watchDone    chan struct{}
	lastSaveUnix atomic.Int64
}

// New constructs a Router. If cfg.RecentCacheSize is 0, no recent-route
// cache is used.
func New(cfg Config) (*Router, error) {
	if cfg.Dimensions <= 0 {
		return nil, errs.Validation("router.New", "dimensions must be positive")
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.5
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = DefaultDebounce
	}

	r := &Router{
		dim:       cfg.Dimensions,
		threshold: cfg.Threshold,
		persist:   cfg.PersistencePath,
		root:      cfg.PersistenceRoot,
		debounce:  cfg.Debounce,
		intents:   make(map[string]*Intent),
		stats:     Stats{HitsByIntent: make(map[string]int64)},
	}

	if cfg.RecentCacheSize > 0 {
		cache, err := lru.New[string, []Match](cfg.RecentCacheSize)
		if err != nil {
			return nil, errs.Validation("router.New", "invalid recent cache size: %v", err)
		}
		r.recent = cache
	}

	// A router constructed over an existing state file picks it up
	// immediately; persistence is not just write-through.
	if cfg.PersistencePath != "" {
		if resolved, err := r.resolvePath(cfg.PersistencePath); err != nil {
			return nil, err
		} else if _, statErr := os.Stat(resolved); statErr == nil {
			if err := r.Load(cfg.PersistencePath); err != nil {
				return nil, err
			}
		}
	}

	if cfg.WatchExternal && cfg.PersistencePath != "" {
		if err := r.startWatch(cfg.PersistencePath); err != nil {
			return nil, errs.Resource("router.New", "start persistence watch: %v", err)
		}
	}

	return r, nil
}

// startWatch watches the directory containing path and reloads the router
// whenever path itself is written by something other than saveLocked (an
// operator restoring a previously exported state file).
func (r *Router) startWatch(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	r.watcher = watcher
	r.watchDone = make(chan struct{})
	target := filepath.Clean(path)

	go func() {
		defer close(r.watchDone)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				r.mu.RLock()
				debounce := r.debounce
				r.mu.RUnlock()
				lastSave := time.Unix(0, r.lastSaveUnix.Load())
				if time.Since(lastSave) < debounce {
					continue
				}
				_ = r.Load(path)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// AddIntent registers a new routing target. The centroid is the mean of the
// (L2-normalized) exemplars.
func (r *Router) AddIntent(name string, exemplars [][]float32, metadata map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return errs.Lifecycle("router.AddIntent", "router is destroyed")
	}
	if name == "" || len(name) > MaxNameLength {
		return errs.Validation("router.AddIntent", "intent name must be 1-%d characters", MaxNameLength)
	}
	if strings.Contains(name, "\x00") {
		return errs.Validation("router.AddIntent", "intent name must not contain a null byte")
	}
	if _, exists := r.intents[name]; exists {
		return errs.Validation("router.AddIntent", "intent %q already exists", name)
	}
	if len(exemplars) == 0 {
		return errs.Validation("router.AddIntent", "at least one exemplar is required")
	}

	centroid := make([]float32, r.dim)
	for _, ex := range exemplars {
		if len(ex) != r.dim {
			return errs.Validation("router.AddIntent", "exemplar dimension %d does not match router dimension %d", len(ex), r.dim)
		}
		norm := normalize(ex)
		for i, v := range norm {
			centroid[i] += v
		}
	}
	for i := range centroid {
		centroid[i] /= float32(len(exemplars))
	}

	r.intents[name] = &Intent{Name: name, Centroid: centroid, Metadata: metadata}
	r.invalidateRecentLocked()
	r.armDebounceLocked()
	return nil
}

// RemoveIntent deletes a named intent, reporting whether it existed.
func (r *Router) RemoveIntent(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.intents[name]; !ok {
		return false
	}
	delete(r.intents, name)
	delete(r.stats.HitsByIntent, name)
	r.invalidateRecentLocked()
	r.armDebounceLocked()
	return true
}

// SetThreshold updates the cosine-similarity cutoff for Route results.
func (r *Router) SetThreshold(threshold float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threshold = threshold
	r.invalidateRecentLocked()
	r.armDebounceLocked()
}

// Route scores query against every intent's centroid and returns the
// topK matches above threshold, sorted by score descending.
func (r *Router) Route(query []float32, topK int) ([]Match, error) {
	start := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return nil, errs.Lifecycle("router.Route", "router is destroyed")
	}
	if len(query) != r.dim {
		return nil, errs.Validation("router.Route", "query dimension %d does not match router dimension %d", len(query), r.dim)
	}

	cacheKey := quantizeKey(query)
	if r.recent != nil {
		if cached, ok := r.recent.Get(cacheKey); ok {
			r.recordRouteLocked(cached, start)
			return cached, nil
		}
	}

	norm := normalize(query)
	matches := make([]Match, 0, len(r.intents))
	for _, it := range r.intents {
		// The centroid is a mean of unit vectors, so it is not unit-norm
		// itself; renormalize so the score is a true cosine similarity.
		score := dot(norm, normalize(it.Centroid))
		if score < r.threshold {
			continue
		}
		matches = append(matches, Match{Intent: it.Name, Score: score, Metadata: it.Metadata})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}

	if r.recent != nil {
		r.recent.Add(cacheKey, matches)
	}
	r.recordRouteLocked(matches, start)
	return matches, nil
}

func (r *Router) recordRouteLocked(matches []Match, start time.Time) {
	r.stats.TotalQueries++
	for _, m := range matches {
		r.stats.HitsByIntent[m.Intent]++
	}
	elapsed := time.Since(start)
	r.stats.totalRouteNanos += elapsed.Nanoseconds()
}

// Stats returns a snapshot of router usage statistics.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.stats
	out.HitsByIntent = make(map[string]int64, len(r.stats.HitsByIntent))
	for k, v := range r.stats.HitsByIntent {
		out.HitsByIntent[k] = v
	}
	if out.TotalQueries > 0 {
		out.AvgRouteLatency = time.Duration(out.totalRouteNanos / out.TotalQueries)
	}
	return out
}

func (r *Router) invalidateRecentLocked() {
	if r.recent != nil {
		r.recent.Purge()
	}
}

type routerDoc struct {
	Dim       int               `json:"dim"`
	Threshold float32           `json:"threshold"`
	Intents   []routerIntentDoc `json:"intents"`
}

type routerIntentDoc struct {
	Name     string         `json:"name"`
	Centroid []float32      `json:"centroid"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Save writes the router's full state to path as a JSON document.
func (r *Router) Save(path string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.saveLocked(path)
}

func (r *Router) saveLocked(path string) error {
	resolved, err := r.resolvePath(path)
	if err != nil {
		return err
	}

	doc := routerDoc{Dim: r.dim, Threshold: r.threshold}
	for _, it := range r.intents {
		doc.Intents = append(doc.Intents, routerIntentDoc{Name: it.Name, Centroid: it.Centroid, Metadata: it.Metadata})
	}
	sort.Slice(doc.Intents, func(i, j int) bool { return doc.Intents[i].Name < doc.Intents[j].Name })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errs.Storage("router.Save", err)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return errs.Storage("router.Save", err)
	}
	tmp := resolved + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.Storage("router.Save", err)
	}
	if err := os.Rename(tmp, resolved); err != nil {
		os.Remove(tmp)
		return errs.Storage("router.Save", err)
	}
	r.lastSaveUnix.Store(time.Now().UnixNano())
	return nil
}

// Load replaces the router's state with the document at path.
func (r *Router) Load(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	resolved, err := r.resolvePath(path)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return errs.Storage("router.Load", err)
	}

	var doc routerDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return errs.Storage("router.Load", err)
	}

	r.dim = doc.Dim
	r.threshold = doc.Threshold
	r.intents = make(map[string]*Intent, len(doc.Intents))
	for _, it := range doc.Intents {
		r.intents[it.Name] = &Intent{Name: it.Name, Centroid: it.Centroid, Metadata: it.Metadata}
	}
	r.invalidateRecentLocked()
	return nil
}

// resolvePath validates path against traversal, null bytes, and (if
// configured) escaping the persistence root.
func (r *Router) resolvePath(path string) (string, error) {
	if strings.Contains(path, "\x00") {
		return "", errs.Validation("router.resolvePath", "path contains a null byte")
	}
	if strings.Contains(path, "..") {
		return "", errs.Validation("router.resolvePath", "path must not contain '..' segments")
	}
	if r.root == "" {
		return path, nil
	}

	rootAbs, err := filepath.Abs(r.root)
	if err != nil {
		return "", errs.Validation("router.resolvePath", "invalid persistence root: %v", err)
	}
	var candidate string
	if filepath.IsAbs(path) {
		candidate = filepath.Clean(path)
	} else {
		candidate = filepath.Join(rootAbs, path)
	}
	if candidate != rootAbs && !strings.HasPrefix(candidate, rootAbs+string(filepath.Separator)) {
		return "", errs.Validation("router.resolvePath", "path escapes the configured persistence root")
	}
	return candidate, nil
}

// armDebounceLocked (re)starts the debounce timer; on expiry the full state
// is saved to the configured persistence path. Must be called with r.mu
// held.
func (r *Router) armDebounceLocked() {
	if r.persist == "" {
		return
	}
	if r.saveTimer != nil {
		r.saveTimer.Stop()
	}
	r.saveTimer = time.AfterFunc(r.debounce, func() {
		r.mu.RLock()
		persist := r.persist
		destroyed := r.destroyed
		r.mu.RUnlock()
		if destroyed || persist == "" {
			return
		}
		r.mu.RLock()
		_ = r.saveLocked(persist)
		r.mu.RUnlock()
	})
}

// Destroy cancels any pending debounce timer and, if a persistence path is
// configured, attempts one final synchronous save (best-effort).
func (r *Router) Destroy() error {
	r.mu.Lock()
	if r.saveTimer != nil {
		r.saveTimer.Stop()
		r.saveTimer = nil
	}
	persist := r.persist
	r.destroyed = true
	watcher := r.watcher
	r.watcher = nil
	r.mu.Unlock()

	if watcher != nil {
		watcher.Close()
		<-r.watchDone
	}

	if persist == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.saveLocked(persist)
}

func normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	var sumSq float32
	for _, x := range out {
		sumSq += x * x
	}
	if sumSq == 0 {
		return out
	}
	norm := float32(math.Sqrt(float64(sumSq)))
	for i := range out {
		out[i] /= norm
	}
	return out
}

func dot(a, b []float32) float32 {
	var sum float32
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// quantizeKey builds a cache key from a query vector quantized to two
// decimal places, so near-identical repeated queries within a tick share a
// cache entry without requiring exact float equality.
func quantizeKey(v []float32) string {
	var sb strings.Builder
	for _, x := range v {
		sb.WriteString(strconv.FormatFloat(math.Round(float64(x)*100)/100, 'f', 2, 64))
		sb.WriteByte(',')
	}
	return sb.String()
}
