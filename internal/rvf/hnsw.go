package rvf

import (
	"bufio"
	"encoding/gob"
	"io"
	"math"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/coder/hnsw"

	"github.com/refine-digital/agentdb/internal/errs"
)

// Metric identifies the distance function a store was built with.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
	MetricIP     Metric = "ip"
)

// negativeDotDistance is coder/hnsw's Distance func for the inner-product
// metric: HNSW always treats a smaller Distance as "closer", so the raw dot
// product is negated (a larger dot product becomes a smaller distance).
func negativeDotDistance(a, b []float32) float32 {
	var sum float32
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return -sum
}

// graphParams are the HNSW build parameters persisted in the file header.
type graphParams struct {
	M              int
	EfConstruction int
	EfSearch       int
}

// hnswIndex wraps a coder/hnsw graph with a string-id <-> uint64-key mapping
// and a tombstone bitmap tracking logically-deleted keys. Unlike the lazy
// orphan-map approach, tombstones are tracked explicitly so stats() can
// report live-row counts without walking the id map.
type hnswIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	metric Metric
	params graphParams

	idMap      map[string]uint64
	keyMap     map[uint64]string
	vectors    map[uint64][]float32 // normalized vector by internal key, for rebuild/compact
	tombstones *bitset.BitSet
	nextKey    uint64
}

// hnswMetadata is the gob-encoded vector-row block persisted alongside the
// graph export: id mappings, raw vectors, and the rows' metadata (carried
// as pre-marshalled JSON so gob never has to encode interface values).
type hnswMetadata struct {
	IDMap       map[string]uint64
	NextKey     uint64
	Metric      Metric
	Params      graphParams
	Vectors     map[uint64][]float32
	RowMetaJSON []byte
}

func newHNSWIndex(metric Metric, params graphParams) *hnswIndex {
	graph := hnsw.NewGraph[uint64]()

	switch metric {
	case MetricL2:
		graph.Distance = hnsw.EuclideanDistance
	case MetricIP:
		graph.Distance = negativeDotDistance
	default:
		metric = MetricCosine
		graph.Distance = hnsw.CosineDistance
	}

	if params.M == 0 {
		params.M = 16
	}
	if params.EfSearch == 0 {
		params.EfSearch = 100
	}
	if params.EfConstruction == 0 {
		params.EfConstruction = 200
	}

	graph.M = params.M
	graph.EfSearch = params.EfSearch
	graph.Ml = 0.25

	return &hnswIndex{
		graph:      graph,
		metric:     metric,
		params:     params,
		idMap:      make(map[string]uint64),
		keyMap:     make(map[uint64]string),
		vectors:    make(map[uint64][]float32),
		tombstones: bitset.New(0),
	}
}

// insert adds or replaces a single vector under id. Replacing an existing id
// tombstones its previous key rather than calling graph.Delete, avoiding a
// known coder/hnsw issue deleting the last remaining node.
func (h *hnswIndex) insert(id string, vec []float32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existingKey, exists := h.idMap[id]; exists {
		h.tombstones.Set(uint(existingKey))
		delete(h.keyMap, existingKey)
		delete(h.idMap, id)
		delete(h.vectors, existingKey)
	}

	key := h.nextKey
	h.nextKey++

	normalized := make([]float32, len(vec))
	copy(normalized, vec)
	if h.metric == MetricCosine {
		normalizeVectorInPlace(normalized)
	}

	h.graph.Add(hnsw.MakeNode(key, normalized))
	h.idMap[id] = key
	h.keyMap[key] = id
	h.vectors[key] = normalized
}

// remove tombstones id's key, if present. Returns whether it was present.
func (h *hnswIndex) remove(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	key, ok := h.idMap[id]
	if !ok {
		return false
	}

	h.tombstones.Set(uint(key))
	delete(h.keyMap, key)
	delete(h.idMap, id)
	delete(h.vectors, key)
	return true
}

// vectorFor returns the normalized vector last inserted for id, if still
// live (not tombstoned).
func (h *hnswIndex) vectorFor(id string) ([]float32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	key, ok := h.idMap[id]
	if !ok {
		return nil, false
	}
	vec, ok := h.vectors[key]
	return vec, ok
}

type scoredID struct {
	ID       string
	Distance float32
	Score    float32
}

// search returns the k nearest live (non-tombstoned) neighbours of query.
// ef, if positive, overrides the graph's configured EfSearch for this call
// only: the prior value is restored before search returns, under the same
// lock used to set it, so concurrent callers passing different ef values
// (as the solver's per-context bandit arms do) never clobber one
// another's effective ef_search. ef == 0 uses the graph's
// already-configured value and takes the cheaper read lock, since nothing
// is mutated.
func (h *hnswIndex) search(query []float32, k int, ef int) []scoredID {
	if ef > 0 {
		h.mu.Lock()
		prev := h.graph.EfSearch
		h.graph.EfSearch = ef
		defer func() {
			h.graph.EfSearch = prev
			h.mu.Unlock()
		}()
	} else {
		h.mu.RLock()
		defer h.mu.RUnlock()
	}

	if h.graph.Len() == 0 {
		return nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	if h.metric == MetricCosine {
		normalizeVectorInPlace(normalized)
	}

	// Tombstoned keys never surface, so over-fetch to make room for them
	// being filtered out below.
	fetch := k
	if tomb := int(h.tombstones.Count()); tomb > 0 {
		fetch += tomb
	}

	nodes := h.graph.Search(normalized, fetch)
	results := make([]scoredID, 0, k)
	for _, node := range nodes {
		if h.tombstones.Test(uint(node.Key)) {
			continue
		}
		id, ok := h.keyMap[node.Key]
		if !ok {
			continue
		}
		distance := h.graph.Distance(normalized, node.Value)
		results = append(results, scoredID{
			ID:       id,
			Distance: distance,
			Score:    distanceToScore(distance, h.metric),
		})
		if len(results) == k {
			break
		}
	}
	return results
}

func (h *hnswIndex) contains(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.idMap[id]
	return ok
}

func (h *hnswIndex) allIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.idMap))
	for id := range h.idMap {
		ids = append(ids, id)
	}
	return ids
}

// indexStats describes the live/tombstoned/total breakdown of the graph.
type indexStats struct {
	LiveRows   int
	Tombstones int
	GraphNodes int
}

func (h *hnswIndex) stats() indexStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return indexStats{
		LiveRows:   len(h.idMap),
		Tombstones: int(h.tombstones.Count()),
		GraphNodes: h.graph.Len(),
	}
}

// tombstoneRatio reports the fraction of graph nodes that are tombstoned.
// The store does not consult it; compaction runs only when Compact is called.
func (h *hnswIndex) tombstoneRatio() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := h.graph.Len()
	if total == 0 {
		return 0
	}
	return float64(h.tombstones.Count()) / float64(total)
}

// exportGraph writes the raw HNSW graph export to w.
func (h *hnswIndex) exportGraph(w io.Writer) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if err := h.graph.Export(w); err != nil {
		return errs.Storage("rvf.exportGraph", err)
	}
	return nil
}

// importGraph reads a raw HNSW graph export from r.
func (h *hnswIndex) importGraph(r io.Reader) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	reader := bufio.NewReader(r)
	if err := h.graph.Import(reader); err != nil {
		return errs.Storage("rvf.importGraph", err)
	}
	return nil
}

// exportMetadata gob-encodes the id mapping, vectors, and the caller's
// pre-marshalled per-row metadata JSON.
func (h *hnswIndex) exportMetadata(w io.Writer, rowMetaJSON []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	meta := hnswMetadata{
		IDMap:       h.idMap,
		NextKey:     h.nextKey,
		Metric:      h.metric,
		Params:      h.params,
		Vectors:     h.vectors,
		RowMetaJSON: rowMetaJSON,
	}
	if err := gob.NewEncoder(w).Encode(meta); err != nil {
		return errs.Storage("rvf.exportMetadata", err)
	}
	return nil
}

// importMetadata restores id mapping and vectors from r and returns the
// row-metadata JSON the export carried.
func (h *hnswIndex) importMetadata(r io.Reader) ([]byte, error) {
	var meta hnswMetadata
	if err := gob.NewDecoder(r).Decode(&meta); err != nil {
		return nil, errs.Storage("rvf.importMetadata", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.idMap = meta.IDMap
	if h.idMap == nil {
		h.idMap = make(map[string]uint64)
	}
	h.nextKey = meta.NextKey
	h.metric = meta.Metric
	h.params = meta.Params
	h.vectors = meta.Vectors
	if h.vectors == nil {
		h.vectors = make(map[uint64][]float32)
	}
	h.keyMap = make(map[uint64]string, len(h.idMap))
	for id, key := range h.idMap {
		h.keyMap[key] = id
	}

	return meta.RowMetaJSON, nil
}

// exportTombstones serializes the tombstone bitmap.
func (h *hnswIndex) exportTombstones() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	buf, err := h.tombstones.MarshalBinary()
	if err != nil {
		return nil, errs.Storage("rvf.exportTombstones", err)
	}
	return buf, nil
}

// importTombstones restores the tombstone bitmap from its serialized form.
func (h *hnswIndex) importTombstones(payload []byte) error {
	ts := bitset.New(0)
	if err := ts.UnmarshalBinary(payload); err != nil {
		return errs.Storage("rvf.importTombstones", err)
	}
	h.mu.Lock()
	h.tombstones = ts
	h.mu.Unlock()
	return nil
}

func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}

// distanceToScore converts a raw graph distance into a similarity score:
// 1-distance for cosine, exp(-distance) for L2, and -distance for
// inner-product.
func distanceToScore(distance float32, metric Metric) float32 {
	switch metric {
	case MetricL2:
		return float32(math.Exp(-float64(distance)))
	case MetricIP:
		return -distance
	default:
		return 1.0 - distance
	}
}
