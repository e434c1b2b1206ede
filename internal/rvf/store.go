// Package rvf implements the RVF (Reasoning Vector Format) single-file
// vector store: an HNSW approximate nearest-neighbour index, a metadata
// filter engine, and a cryptographic witness chain over every mutation,
// all persisted to one file with atomic save-and-swap semantics.
package rvf

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/refine-digital/agentdb/internal/cancel"
	"github.com/refine-digital/agentdb/internal/errs"
)

// DefaultBatchThreshold is the number of buffered writes that triggers an
// automatic flush into the HNSW graph.
const DefaultBatchThreshold = 1000

// MaxBatchThreshold is the hard ceiling on BatchThreshold.
const MaxBatchThreshold = 10000

// DefaultPendingWriteCap is the maximum number of buffered, unflushed
// writes a store will hold before rejecting further inserts.
const DefaultPendingWriteCap = 100000

// Row is a single vector entry: an opaque id, its embedding, and an
// arbitrary JSON-serializable metadata map usable by Filter.Evaluate.
type Row struct {
	ID       string
	Vector   []float32
	Metadata map[string]any
}

// MaxDimensions is the largest vector dimension a store supports.
const MaxDimensions = 4096

// MaxIDBytes is the longest id a row may carry.
const MaxIDBytes = 256

// MaxMetadataBytes bounds a row's metadata, measured serialized.
const MaxMetadataBytes = 64 * 1024

// Options configures a new or reopened Store.
type Options struct {
	Path            string
	Dimensions      int
	Metric          Metric
	M               int
	EfConstruction  int
	EfSearchDefault int
	BatchThreshold  int
	PendingWriteCap int

	// ReadOnly opens without the advisory writer lock and rejects every
	// mutating operation.
	ReadOnly bool
}

func (o *Options) setDefaults() {
	if o.Metric == "" {
		o.Metric = MetricCosine
	}
	if o.M == 0 {
		o.M = 16
	}
	if o.EfConstruction == 0 {
		o.EfConstruction = 200
	}
	if o.EfSearchDefault == 0 {
		o.EfSearchDefault = 100
	}
	if o.BatchThreshold == 0 {
		o.BatchThreshold = DefaultBatchThreshold
	}
	if o.BatchThreshold > MaxBatchThreshold {
		o.BatchThreshold = MaxBatchThreshold
	}
	if o.PendingWriteCap == 0 {
		o.PendingWriteCap = DefaultPendingWriteCap
	}
}

// Store is a single-file, single-writer/multi-reader vector store.
type Store struct {
	mu      sync.RWMutex
	opts    Options
	index   *hnswIndex
	witness *WitnessChain
	meta    map[string]map[string]any // id -> metadata, for filter evaluation

	pending    []Row // buffered inserts not yet folded into the graph
	pendingCap int
	batchSize  int

	lastCompactEpoch uint64
	compacted        bool

	lock   *flock.Flock // nil when opened read-only
	closed bool
}

// Open creates a new store or loads an existing one at opts.Path.
func Open(opts Options) (*Store, error) {
	opts.setDefaults()
	if opts.Dimensions <= 0 || opts.Dimensions > MaxDimensions {
		return nil, errs.Validation("rvf.Open", "dimensions must be in [1, %d], got %d", MaxDimensions, opts.Dimensions)
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil && filepath.Dir(opts.Path) != "." {
		return nil, errs.Storage("rvf.Open", err)
	}

	// Read-only opens take no lock at all; concurrent readers are fine.
	var fl *flock.Flock
	if !opts.ReadOnly {
		fl = flock.New(opts.Path + ".lock")
		locked, err := fl.TryLock()
		if err != nil {
			return nil, errs.Storage("rvf.Open", err)
		}
		if !locked {
			return nil, errs.Resource("rvf.Open", "store at %s is already open for writing", opts.Path)
		}
	}

	s := &Store{
		opts:       opts,
		index:      newHNSWIndex(opts.Metric, graphParams{M: opts.M, EfConstruction: opts.EfConstruction, EfSearch: opts.EfSearchDefault}),
		witness:    NewRootWitnessChain(),
		meta:       make(map[string]map[string]any),
		pendingCap: opts.PendingWriteCap,
		batchSize:  opts.BatchThreshold,
		lock:       fl,
	}

	if _, err := os.Stat(opts.Path); err == nil {
		if err := s.load(); err != nil {
			if fl != nil {
				_ = fl.Unlock()
			}
			return nil, err
		}
	}

	return s, nil
}

// Insert buffers a single row for later flushing into the graph.
func (s *Store) Insert(row Row) error {
	return s.InsertBatch([]Row{row})
}

// InsertBatch buffers rows for later flushing. If the buffer crosses
// BatchThreshold, a flush is triggered automatically.
func (s *Store) InsertBatch(rows []Row) error {
	return s.InsertBatchCancellable(rows, nil)
}

// reservedMetadataKeys are stripped from every row's metadata on insert so
// a consumer that deserializes metadata into a dynamic/prototype-based
// object can never have its prototype polluted by stored data.
var reservedMetadataKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// stripReservedMetadata returns a copy of meta with reservedMetadataKeys
// removed, leaving every other key untouched. A nil map stays nil.
func stripReservedMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if _, reserved := reservedMetadataKeys[k]; reserved {
			continue
		}
		out[k] = v
	}
	return out
}

// cancelErr maps a tripped handle to the right error kind: a handle that
// cancelled itself on deadline surfaces as a timeout, an externally
// cancelled one as a plain cancellation.
func cancelErr(op string, h *cancel.Handle) *errs.Error {
	if h.TimedOut() {
		return errs.Timeout(op)
	}
	return errs.Cancelled(op)
}

// validateID checks the id length and charset constraints shared by insert
// and remove.
func validateID(op, id string) error {
	if id == "" || len(id) > MaxIDBytes {
		return errs.Validation(op, "id must be 1..%d bytes, got %d", MaxIDBytes, len(id))
	}
	if strings.IndexByte(id, 0) >= 0 {
		return errs.Validation(op, "id must not contain a null byte")
	}
	return nil
}

// InsertBatchCancellable is InsertBatch with a cancellation handle polled
// once per row, before any witnessing or buffering happens for that row.
func (s *Store) InsertBatchCancellable(rows []Row, handle *cancel.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.Lifecycle("rvf.InsertBatch", "store is closed")
	}
	if s.opts.ReadOnly {
		return errs.Validation("rvf.InsertBatch", "store opened read-only")
	}

	cleaned := make([]Row, len(rows))
	for i, row := range rows {
		if handle.Cancelled() {
			return cancelErr("rvf.InsertBatch", handle)
		}
		if err := validateID("rvf.InsertBatch", row.ID); err != nil {
			return err
		}
		if len(row.Vector) != s.opts.Dimensions {
			return errs.Validation("rvf.InsertBatch", "row %s: expected %d dimensions, got %d", row.ID, s.opts.Dimensions, len(row.Vector))
		}
		meta := stripReservedMetadata(row.Metadata)
		if len(meta) > 0 {
			enc, err := json.Marshal(meta)
			if err != nil {
				return errs.Validation("rvf.InsertBatch", "row %s: metadata is not JSON-serializable: %v", row.ID, err)
			}
			if len(enc) > MaxMetadataBytes {
				return errs.Validation("rvf.InsertBatch", "row %s: metadata is %d bytes serialized, limit %d", row.ID, len(enc), MaxMetadataBytes)
			}
		}
		// Own the vector so later caller mutation cannot corrupt the buffer.
		vec := make([]float32, len(row.Vector))
		copy(vec, row.Vector)
		cleaned[i] = Row{ID: row.ID, Vector: vec, Metadata: meta}
	}

	if len(s.pending)+len(cleaned) > s.pendingCap {
		return errs.Resource("rvf.InsertBatch", "pending write buffer would exceed cap %d", s.pendingCap)
	}

	s.pending = append(s.pending, cleaned...)

	// A single-row insert gets its own OpInsert entry; a true batch gets
	// one OpBatch entry over all its rows. Insert and batch are distinct
	// op kinds, not a batch being N inserts.
	if len(cleaned) == 1 {
		payload, _ := json.Marshal(cleaned[0])
		s.witness.Append(OpInsert, payload)
	} else if len(cleaned) > 1 {
		payload, _ := json.Marshal(cleaned)
		s.witness.Append(OpBatch, payload)
	}

	if len(s.pending) >= s.batchSize {
		return s.flushLocked(handle)
	}
	return nil
}

// Remove tombstones each id immediately (removal is not buffered: a removed
// id must never surface in search results, even transiently), reporting per
// id whether it was present in the graph or the pending-write buffer.
func (s *Store) Remove(ids []string) ([]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errs.Lifecycle("rvf.Remove", "store is closed")
	}
	if s.opts.ReadOnly {
		return nil, errs.Validation("rvf.Remove", "store opened read-only")
	}

	present := make([]bool, len(ids))
	for i, id := range ids {
		// An id can be live in the graph and buffered again in pending
		// (re-insert before flush); both copies must go, or the pending one
		// would resurrect the row on the next flush.
		inGraph := s.index.remove(id)
		inPending := s.removePending(id)
		if inGraph {
			delete(s.meta, id)
		}
		present[i] = inGraph || inPending
		payload, _ := json.Marshal(id)
		s.witness.Append(OpRemove, payload)
	}
	return present, nil
}

// removePending drops id from the pending-write buffer, reporting whether
// it was found there.
func (s *Store) removePending(id string) bool {
	found := false
	filtered := s.pending[:0]
	for _, row := range s.pending {
		if row.ID != id {
			filtered = append(filtered, row)
		} else {
			found = true
		}
	}
	s.pending = filtered
	return found
}

// SearchOptions configures a single Search call.
type SearchOptions struct {
	K        int
	EfSearch int // 0 means "use the policy/default value"
	Filter   *Filter

	// Cancel, if set, is polled between candidate-result and pending-row
	// scan steps. A nil handle never cancels.
	Cancel *cancel.Handle
}

// SearchResult is one ranked match.
type SearchResult struct {
	ID       string
	Distance float32
	Score    float32
}

// Search finds the K nearest neighbours of query, never returning a
// tombstoned or not-yet-flushed-but-removed id, and applying opts.Filter
// (if set) against each candidate's stored metadata.
func (s *Store) Search(query []float32, opts SearchOptions) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errs.Lifecycle("rvf.Search", "store is closed")
	}
	if len(query) != s.opts.Dimensions {
		return nil, errs.Validation("rvf.Search", "expected %d dimensions, got %d", s.opts.Dimensions, len(query))
	}
	if opts.K <= 0 {
		return nil, errs.Validation("rvf.Search", "k must be positive")
	}

	// Ids buffered in pending shadow their flushed versions: the pending
	// copy is newer and is scored by the brute-force scan below.
	var pendingIDs map[string]struct{}
	if len(s.pending) > 0 {
		pendingIDs = make(map[string]struct{}, len(s.pending))
		for _, row := range s.pending {
			pendingIDs[row.ID] = struct{}{}
		}
	}

	raw := s.index.search(query, opts.K*4+opts.K, opts.EfSearch) // over-fetch to survive filtering
	results := make([]SearchResult, 0, opts.K)
	for _, r := range raw {
		if opts.Cancel.Cancelled() {
			return nil, cancelErr("rvf.Search", opts.Cancel)
		}
		if _, shadowed := pendingIDs[r.ID]; shadowed {
			continue
		}
		if opts.Filter != nil {
			if !opts.Filter.Evaluate(s.meta[r.ID]) {
				continue
			}
		}
		results = append(results, SearchResult{ID: r.ID, Distance: r.Distance, Score: r.Score})
		if len(results) == opts.K {
			break
		}
	}

	if opts.Cancel.Cancelled() {
		return nil, cancelErr("rvf.Search", opts.Cancel)
	}

	// Pending (unflushed) rows are brute-force scanned so they're visible to
	// search before the next flush.
	if len(s.pending) > 0 {
		pendingResults := s.bruteForcePending(query, opts)
		results = mergeTopK(results, pendingResults, opts.K)
	}

	return results, nil
}

func (s *Store) bruteForcePending(query []float32, opts SearchOptions) []SearchResult {
	qvec := make([]float32, len(query))
	copy(qvec, query)
	if s.opts.Metric == MetricCosine {
		normalizeVectorInPlace(qvec)
	}

	// Walk newest-first so a re-inserted id is scored by its latest vector.
	seen := make(map[string]struct{}, len(s.pending))
	out := make([]SearchResult, 0, len(s.pending))
	for i := len(s.pending) - 1; i >= 0; i-- {
		row := s.pending[i]
		if _, dup := seen[row.ID]; dup {
			continue
		}
		seen[row.ID] = struct{}{}
		if opts.Filter != nil && !opts.Filter.Evaluate(row.Metadata) {
			continue
		}
		vec := make([]float32, len(row.Vector))
		copy(vec, row.Vector)
		if s.opts.Metric == MetricCosine {
			normalizeVectorInPlace(vec)
		}
		distance := s.index.graph.Distance(qvec, vec)
		out = append(out, SearchResult{ID: row.ID, Distance: distance, Score: distanceToScore(distance, s.opts.Metric)})
	}
	return out
}

func mergeTopK(a, b []SearchResult, k int) []SearchResult {
	merged := append(append([]SearchResult{}, a...), b...)
	for i := 1; i < len(merged); i++ {
		for j := i; j > 0 && merged[j].Score > merged[j-1].Score; j-- {
			merged[j], merged[j-1] = merged[j-1], merged[j]
		}
	}
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged
}

// Flush folds all buffered rows into the HNSW graph.
func (s *Store) Flush() error {
	return s.FlushCancellable(nil)
}

// FlushCancellable is Flush with a cancellation handle polled once per
// buffered row. On cancellation the rows not yet folded in remain pending
// (a partial flush is never witnessed), so a later Flush retries them.
func (s *Store) FlushCancellable(handle *cancel.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(handle)
}

func (s *Store) flushLocked(handle *cancel.Handle) error {
	if len(s.pending) == 0 {
		return nil
	}
	if s.opts.ReadOnly {
		return errs.Validation("rvf.Flush", "store opened read-only")
	}

	i := 0
	for ; i < len(s.pending); i++ {
		if handle.Cancelled() {
			break
		}
		row := s.pending[i]
		s.index.insert(row.ID, row.Vector)
		if row.Metadata != nil {
			s.meta[row.ID] = row.Metadata
		}
	}
	if i < len(s.pending) {
		s.pending = s.pending[i:]
		return cancelErr("rvf.Flush", handle)
	}
	s.pending = s.pending[:0]

	// The batch is on disk before flush reports success; until the next
	// batch fills, no further I/O happens.
	return s.saveLocked()
}

// Stats summarizes the store's current state: live rows minus tombstones
// plus buffered inserts.
type Stats struct {
	LiveRows       int
	Tombstones     int
	GraphNodes     int
	PendingWrites  int
	WitnessEntries int
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.index.stats()
	return Stats{
		LiveRows:       idx.LiveRows + len(s.pending),
		Tombstones:     idx.Tombstones,
		GraphNodes:     idx.GraphNodes,
		PendingWrites:  len(s.pending),
		WitnessEntries: s.witness.Len(),
	}
}

// WitnessChain exposes the store's mutation log for verification.
func (s *Store) WitnessChain() *WitnessChain {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.witness
}

// CompactResult reports what a compaction reclaimed.
type CompactResult struct {
	SegmentsCompacted int
	BytesReclaimed    int64
}

// Compact rebuilds the HNSW graph from only the live rows, discarding
// tombstoned entries, rewrites the backing file, and atomically hot-swaps
// the result into place.
func (s *Store) Compact() (CompactResult, error) {
	return s.CompactCancellable(nil)
}

// CompactCancellable is Compact with a cancellation handle polled once per
// rebuilt row. On cancellation the original index is left untouched (the
// rebuild never hot-swaps a partial graph into place).
func (s *Store) CompactCancellable(handle *cancel.Handle) (CompactResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return CompactResult{}, errs.Lifecycle("rvf.Compact", "store is closed")
	}
	if s.opts.ReadOnly {
		return CompactResult{}, errs.Validation("rvf.Compact", "store opened read-only")
	}

	if err := s.flushLocked(handle); err != nil {
		return CompactResult{}, err
	}

	var sizeBefore int64
	if fi, err := os.Stat(s.opts.Path); err == nil {
		sizeBefore = fi.Size()
	}
	dropped := s.index.stats().Tombstones

	fresh := newHNSWIndex(s.opts.Metric, graphParams{M: s.opts.M, EfConstruction: s.opts.EfConstruction, EfSearch: s.opts.EfSearchDefault})
	for _, id := range s.index.allIDs() {
		if handle.Cancelled() {
			return CompactResult{}, cancelErr("rvf.Compact", handle)
		}
		vec, ok := s.index.vectorFor(id)
		if !ok {
			continue
		}
		fresh.insert(id, vec)
	}

	s.index = fresh
	entry := s.witness.Append(OpCompact, nil)
	s.lastCompactEpoch = entry.Epoch
	s.compacted = true
	if err := s.saveLocked(); err != nil {
		return CompactResult{}, err
	}

	var sizeAfter int64
	if fi, err := os.Stat(s.opts.Path); err == nil {
		sizeAfter = fi.Size()
	}
	reclaimed := sizeBefore - sizeAfter
	if reclaimed < 0 {
		reclaimed = 0
	}
	return CompactResult{SegmentsCompacted: dropped, BytesReclaimed: reclaimed}, nil
}

// Save persists the store to its backing file via temp-file-and-rename.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.ReadOnly {
		return errs.Validation("rvf.Save", "store opened read-only")
	}
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	tmpPath := s.opts.Path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errs.Storage("rvf.Save", err)
	}

	header := Header{
		Version:    FormatVersion,
		Dimensions: uint32(s.opts.Dimensions),
		Metric:     s.opts.Metric,
		Params:     graphParams{M: s.opts.M, EfConstruction: s.opts.EfConstruction, EfSearch: s.opts.EfSearchDefault},
	}
	if err := WriteHeader(f, header); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}

	var graphBuf bytes.Buffer
	if err := s.index.exportGraph(&graphBuf); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := WriteSegment(f, SegmentGraphLayer, graphBuf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}

	rowMeta, err := json.Marshal(s.meta)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errs.Storage("rvf.Save", err)
	}
	var metaBuf bytes.Buffer
	if err := s.index.exportMetadata(&metaBuf, rowMeta); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := WriteSegment(f, SegmentVectorRow, metaBuf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}

	tomb, err := s.index.exportTombstones()
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := WriteSegment(f, SegmentTombstoneBitmap, tomb); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}

	if s.compacted {
		marker := make([]byte, 8)
		binary.BigEndian.PutUint64(marker, s.lastCompactEpoch)
		if err := WriteSegment(f, SegmentCompactionMarker, marker); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return err
		}
	}

	if err := WriteSegment(f, SegmentWitnessBlock, s.witness.MarshalBinary()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.Storage("rvf.Save", err)
	}

	if err := os.Rename(tmpPath, s.opts.Path); err != nil {
		os.Remove(tmpPath)
		return errs.Storage("rvf.Save", err)
	}

	return nil
}

// load reads the store's backing file, populating index, metadata, and
// witness chain. Called only from Open, so s.mu need not be held.
func (s *Store) load() error {
	f, err := os.Open(s.opts.Path)
	if err != nil {
		return errs.Storage("rvf.load", err)
	}
	defer f.Close()

	header, err := ReadHeader(f)
	if err != nil {
		return err
	}
	if int(header.Dimensions) != s.opts.Dimensions {
		return errs.Validation("rvf.load", "store dimensions %d do not match requested %d", header.Dimensions, s.opts.Dimensions)
	}

	for {
		tag, payload, err := ReadSegment(f)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}

		switch tag {
		case SegmentGraphLayer:
			if err := s.index.importGraph(bytes.NewReader(payload)); err != nil {
				return err
			}
		case SegmentVectorRow:
			rowMeta, err := s.index.importMetadata(bytes.NewReader(payload))
			if err != nil {
				return err
			}
			if len(rowMeta) > 0 {
				if err := json.Unmarshal(rowMeta, &s.meta); err != nil {
					return errs.Storage("rvf.load", err)
				}
			}
		case SegmentTombstoneBitmap:
			if len(payload) > 0 {
				if err := s.index.importTombstones(payload); err != nil {
					return err
				}
			}
		case SegmentCompactionMarker:
			if len(payload) == 8 {
				s.lastCompactEpoch = binary.BigEndian.Uint64(payload)
				s.compacted = true
			}
		case SegmentWitnessBlock:
			chain, err := UnmarshalWitnessChain(payload)
			if err != nil {
				return err
			}
			s.witness = chain
		}
	}

	return nil
}

// Close releases the writer lock. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			return errs.Storage("rvf.Close", err)
		}
	}
	return nil
}
