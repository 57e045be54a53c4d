// Package vectra implements an embedded, persistent vector database
// core: a write-ahead log, per-collection durable storage, a
// concurrent HNSW approximate-nearest-neighbor index, and a façade
// that coordinates the two.
package vectra

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"

	"github.com/nodalsystems/vectra/pkg/engine"
	"github.com/nodalsystems/vectra/pkg/filter"
	"github.com/nodalsystems/vectra/pkg/fusion"
	"github.com/nodalsystems/vectra/pkg/index"
	"github.com/nodalsystems/vectra/pkg/logging"
	"github.com/nodalsystems/vectra/pkg/quantization"
	"github.com/nodalsystems/vectra/pkg/vector"
)

const lockFileName = ".vectra.lock"

// CollectionState is the lifecycle state of one collection's index.
type CollectionState int

const (
	StateAbsent CollectionState = iota
	StateCreated
	StateLive
	StateDegraded
	StateDropped
)

func (s CollectionState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateLive:
		return "live"
	case StateDegraded:
		return "degraded"
	case StateDropped:
		return "dropped"
	default:
		return "absent"
	}
}

// Result is one search hit returned to the caller.
type Result struct {
	ID       vector.ID
	Distance float32
	Metadata map[string]any
}

// RecommendStrategy selects how Recommend derives its query from a set
// of positive and negative example ids.
type RecommendStrategy int

const (
	AverageVector RecommendStrategy = iota
	BestScore
)

// VectorStore is the embedded database façade: it owns the Storage
// Engine and one HNSW index per collection, and coordinates writes and
// searches between them.
type VectorStore struct {
	mu      sync.RWMutex
	cfg     Config
	eng     *engine.Engine
	indexes map[string]*index.HNSW
	states  map[string]CollectionState
	logger  logging.Logger
	lock    *flock.Flock
}

// Open constructs (or re-opens) a VectorStore rooted at cfg.DataDir:
// it acquires the process-level lock, opens the Storage Engine
// (which performs discovery and WAL replay), and rebuilds every
// collection's HNSW index from its durable vectors.
func Open(cfg Config) (*VectorStore, error) {
	if cfg.DataDir == "" {
		return nil, wrapErr("open", KindInvalidArgument, ErrInvalidConfig)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, wrapErr("open", KindInternal, err)
	}

	lock := flock.New(filepath.Join(cfg.DataDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, wrapErr("open", KindInternal, fmt.Errorf("acquire data dir lock: %w", err))
	}
	if !locked {
		return nil, wrapErr("open", KindDurabilityFailure, fmt.Errorf("data directory %s is already in use by another process", cfg.DataDir))
	}

	eng, err := engine.Open(cfg.DataDir, cfg.WALFsyncPolicy, cfg.GroupCommitInterval, cfg.Logger)
	if err != nil {
		lock.Unlock()
		return nil, wrapErr("open", KindInternal, err)
	}

	vs := &VectorStore{
		cfg:     cfg,
		eng:     eng,
		indexes: make(map[string]*index.HNSW),
		states:  make(map[string]CollectionState),
		logger:  cfg.Logger.With("component", "vectra"),
		lock:    lock,
	}

	for _, name := range eng.ListCollections() {
		vs.states[name] = StateCreated
	}
	vs.RebuildIndexes()
	return vs, nil
}

// Close releases the resources Open acquired: the Storage Engine (and
// its WAL) is closed and the process-level lock is released. The
// in-memory HNSW indexes are left as they are.
func (vs *VectorStore) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	err := vs.eng.Close()
	if unlockErr := vs.lock.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	if err != nil {
		return wrapErr("close", KindInternal, err)
	}
	return nil
}

// buildIndex constructs a fresh, empty HNSW index for cfg.
func (vs *VectorStore) buildIndex(cfg vector.CollectionConfig) (*index.HNSW, error) {
	var rng *rand.Rand
	if vs.cfg.RandSeed != nil {
		rng = rand.New(rand.NewSource(*vs.cfg.RandSeed))
	}

	var quant index.Quantizer
	if cfg.Quantization != nil && cfg.Quantization.Enabled && cfg.Quantization.Type == "scalar" {
		bits := cfg.Quantization.Bits
		if bits <= 0 {
			bits = 8
		}
		sq, err := quantization.New(cfg.Dimension, bits)
		if err != nil {
			return nil, err
		}
		quant = sq
	}

	return index.New(index.Config{
		M:              cfg.IndexConfig.MaxConnections,
		EfConstruction: cfg.IndexConfig.EfConstruction,
		EfSearch:       cfg.IndexConfig.EfSearch,
		MaxLayer:       cfg.IndexConfig.MaxLayer,
		Metric:         cfg.DistanceMetric,
		Quantizer:      quant,
		Rand:           rng,
	})
}

// CreateCollection delegates to the Storage Engine and then creates
// an empty HNSW index for it. Fails if the name already exists.
func (vs *VectorStore) CreateCollection(cfg vector.CollectionConfig) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if err := vs.eng.CreateCollection(cfg); err != nil {
		if err == engine.ErrCollectionExists {
			return wrapErr("create_collection", KindAlreadyExists, ErrAlreadyExists)
		}
		return wrapErr("create_collection", KindInvalidArgument, err)
	}

	idx, err := vs.buildIndex(cfg)
	if err != nil {
		return wrapErr("create_collection", KindInternal, err)
	}
	vs.indexes[cfg.Name] = idx
	vs.states[cfg.Name] = StateLive
	return nil
}

// DropCollection removes a collection's index and delegates to the
// Storage Engine to remove its durable data.
func (vs *VectorStore) DropCollection(name string) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if err := vs.eng.DropCollection(name); err != nil {
		if err == engine.ErrCollectionNotFound {
			return wrapErr("drop_collection", KindNotFound, ErrNotFound)
		}
		return wrapErr("drop_collection", KindInternal, err)
	}
	delete(vs.indexes, name)
	vs.states[name] = StateDropped
	return nil
}

// Insert writes v to collection: WAL, then Collection Store, then
// HNSW, in that order. A post-storage HNSW failure marks the
// collection Degraded and returns a Degraded error while leaving
// storage consistent.
func (vs *VectorStore) Insert(collection string, v vector.Vector) error {
	return vs.write(collection, v, false)
}

// Upsert is Insert for a new id, or tombstone-then-reinsert for an
// existing one: HNSW nodes are immutable once constructed, so an
// update removes the stale node and inserts a fresh one carrying the
// new vector data.
func (vs *VectorStore) Upsert(collection string, v vector.Vector) error {
	return vs.write(collection, v, true)
}

func (vs *VectorStore) write(collection string, v vector.Vector, upsert bool) error {
	vs.mu.RLock()
	idx, ok := vs.indexes[collection]
	vs.mu.RUnlock()
	if !ok {
		return wrapErr("insert", KindNotFound, ErrNotFound)
	}

	var storeErr error
	if upsert {
		storeErr = vs.eng.Upsert(collection, v)
	} else {
		storeErr = vs.eng.Insert(collection, v)
	}
	if storeErr != nil {
		if storeErr == engine.ErrCollectionNotFound {
			return wrapErr("insert", KindNotFound, ErrNotFound)
		}
		return wrapErr("insert", KindInvalidArgument, storeErr)
	}

	if upsert {
		_ = idx.Remove(v.ID) // absent is fine: this is then a plain insert
	}
	idxErr := idx.Insert(v.ID, v.Data)
	if idxErr != nil {
		vs.mu.Lock()
		vs.states[collection] = StateDegraded
		vs.mu.Unlock()
		vs.logger.Error("insert: index update failed after storage commit, collection degraded", "collection", collection, "id", v.ID, "err", idxErr)
		return wrapErr("insert", KindDegraded, idxErr)
	}
	return nil
}

// Delete removes id from collection's storage and HNSW index.
func (vs *VectorStore) Delete(collection string, id vector.ID) error {
	vs.mu.RLock()
	idx, ok := vs.indexes[collection]
	vs.mu.RUnlock()
	if !ok {
		return wrapErr("delete", KindNotFound, ErrNotFound)
	}
	if err := vs.eng.Delete(collection, id); err != nil {
		if err == engine.ErrCollectionNotFound {
			return wrapErr("delete", KindNotFound, ErrNotFound)
		}
		return wrapErr("delete", KindInternal, err)
	}
	_ = idx.Remove(id) // absent-from-index is not an error: already reconciled
	return nil
}

// Get returns the current value of id in collection.
func (vs *VectorStore) Get(collection string, id vector.ID) (vector.Vector, bool, error) {
	v, ok, err := vs.eng.Get(collection, id)
	if err != nil {
		if err == engine.ErrCollectionNotFound {
			return vector.Vector{}, false, wrapErr("get", KindNotFound, ErrNotFound)
		}
		return vector.Vector{}, false, wrapErr("get", KindInternal, err)
	}
	return v, ok, nil
}

const defaultOverfetch = 3
const maxOverfetchPasses = 4

// Search performs an approximate k-NN search against collection,
// optionally post-filtering results against metadata.
func (vs *VectorStore) Search(collection string, query []float32, k int, ef int, f *filter.Node) ([]Result, error) {
	vs.mu.RLock()
	idx, ok := vs.indexes[collection]
	vs.mu.RUnlock()
	if !ok {
		return nil, wrapErr("search", KindNotFound, ErrNotFound)
	}

	cfg, err := vs.eng.GetCollectionConfig(collection)
	if err != nil {
		return nil, wrapErr("search", KindNotFound, ErrNotFound)
	}
	if len(query) != cfg.Dimension {
		return nil, wrapErr("search", KindInvalidArgument, fmt.Errorf("dimension mismatch: expected %d, got %d", cfg.Dimension, len(query)))
	}

	effEf := ef
	if effEf <= 0 {
		effEf = vs.cfg.DefaultEfSearch
	}
	if effEf < k {
		effEf = k
	}

	if f == nil {
		raw, err := idx.Search(query, k, effEf)
		if err != nil {
			return nil, wrapErr("search", KindInternal, err)
		}
		return vs.toResults(collection, raw), nil
	}

	fetchK := k * defaultOverfetch
	currentEf := effEf
	var matched []Result
	for pass := 0; pass < maxOverfetchPasses; pass++ {
		raw, err := idx.Search(query, fetchK, currentEf)
		if err != nil {
			return nil, wrapErr("search", KindInternal, err)
		}
		matched = matched[:0]
		for _, r := range raw {
			v, ok, err := vs.eng.Get(collection, r.ID)
			if err != nil || !ok {
				continue
			}
			if filter.Eval(*f, v.Metadata) {
				matched = append(matched, Result{ID: r.ID, Distance: r.Distance, Metadata: v.Metadata})
				if len(matched) >= k {
					break
				}
			}
		}
		if len(matched) >= k || len(raw) < fetchK {
			break
		}
		fetchK *= defaultOverfetch
		currentEf *= 2
	}
	if len(matched) > k {
		matched = matched[:k]
	}
	return matched, nil
}

func (vs *VectorStore) toResults(collection string, raw []index.Result) []Result {
	out := make([]Result, len(raw))
	for i, r := range raw {
		v, _, _ := vs.eng.Get(collection, r.ID)
		out[i] = Result{ID: r.ID, Distance: r.Distance, Metadata: v.Metadata}
	}
	return out
}

// BatchSearch runs Search once per query, independently.
func (vs *VectorStore) BatchSearch(collection string, queries [][]float32, k int, ef int, f *filter.Node) ([][]Result, error) {
	out := make([][]Result, len(queries))
	for i, q := range queries {
		res, err := vs.Search(collection, q, k, ef, f)
		if err != nil {
			return nil, err
		}
		out[i] = res
	}
	return out, nil
}

// Count returns the number of vectors in collection matching f (nil
// means every live vector).
func (vs *VectorStore) Count(collection string, f *filter.Node) (int, error) {
	count := 0
	err := vs.eng.GetAllVectors(collection, func(v vector.Vector) error {
		if f == nil || filter.Eval(*f, v.Metadata) {
			count++
		}
		return nil
	})
	if err != nil {
		if err == engine.ErrCollectionNotFound {
			return 0, wrapErr("count", KindNotFound, ErrNotFound)
		}
		return 0, wrapErr("count", KindInternal, err)
	}
	return count, nil
}

// Scroll returns up to limit vectors from collection matching f, in
// ascending id order, starting strictly after cursor (a zero ID starts
// from the beginning), plus the cursor to resume from for the next
// call (the zero ID once exhausted).
func (vs *VectorStore) Scroll(collection string, cursor vector.ID, limit int, f *filter.Node) ([]vector.Vector, vector.ID, error) {
	var all []vector.Vector
	err := vs.eng.GetAllVectors(collection, func(v vector.Vector) error {
		if f == nil || filter.Eval(*f, v.Metadata) {
			all = append(all, v)
		}
		return nil
	})
	if err != nil {
		if err == engine.ErrCollectionNotFound {
			return nil, vector.ID{}, wrapErr("scroll", KindNotFound, ErrNotFound)
		}
		return nil, vector.ID{}, wrapErr("scroll", KindInternal, err)
	}

	sort.Slice(all, func(i, j int) bool { return lessID(all[i].ID, all[j].ID) })

	start := 0
	if cursor != (vector.ID{}) {
		for i, v := range all {
			if lessID(cursor, v.ID) {
				start = i
				break
			}
			start = i + 1
		}
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page := all[start:end]

	next := vector.ID{}
	if end < len(all) {
		next = page[len(page)-1].ID
	}
	return page, next, nil
}

// Recommend builds a query vector from positive and negative example
// ids already present in collection, and returns the top-k results.
func (vs *VectorStore) Recommend(collection string, positive, negative []vector.ID, strategy RecommendStrategy, k int, ef int) ([]Result, error) {
	cfg, err := vs.eng.GetCollectionConfig(collection)
	if err != nil {
		return nil, wrapErr("recommend", KindNotFound, ErrNotFound)
	}

	posVecs, err := vs.fetchVectors(collection, positive)
	if err != nil {
		return nil, err
	}
	negVecs, err := vs.fetchVectors(collection, negative)
	if err != nil {
		return nil, err
	}
	if len(posVecs) == 0 {
		return nil, wrapErr("recommend", KindInvalidArgument, fmt.Errorf("at least one positive example is required"))
	}

	switch strategy {
	case BestScore:
		return vs.recommendBestScore(collection, cfg, posVecs, negVecs, k, ef)
	default:
		query := averageVector(posVecs, negVecs, cfg.Dimension)
		return vs.Search(collection, query, k, ef, nil)
	}
}

func (vs *VectorStore) fetchVectors(collection string, ids []vector.ID) ([][]float32, error) {
	out := make([][]float32, 0, len(ids))
	for _, id := range ids {
		v, ok, err := vs.eng.Get(collection, id)
		if err != nil {
			return nil, wrapErr("recommend", KindInternal, err)
		}
		if !ok {
			return nil, wrapErr("recommend", KindNotFound, fmt.Errorf("example id %s not found", id))
		}
		out = append(out, v.Data)
	}
	return out, nil
}

func averageVector(positives, negatives [][]float32, dim int) []float32 {
	posMean := meanVector(positives, dim)
	if len(negatives) == 0 {
		return posMean
	}
	negMean := meanVector(negatives, dim)
	out := make([]float32, dim)
	for i := range out {
		out[i] = posMean[i] - negMean[i]
	}
	return out
}

func meanVector(vecs [][]float32, dim int) []float32 {
	out := make([]float32, dim)
	if len(vecs) == 0 {
		return out
	}
	for _, v := range vecs {
		for i := 0; i < dim && i < len(v); i++ {
			out[i] += v[i]
		}
	}
	for i := range out {
		out[i] /= float32(len(vecs))
	}
	return out
}

// recommendBestScore scores every candidate by (max similarity to a
// positive) minus (max similarity to a negative), using the
// collection's own distance function via repeated nearest-neighbor
// passes seeded from each example.
func (vs *VectorStore) recommendBestScore(collection string, cfg vector.CollectionConfig, positives, negatives [][]float32, k, ef int) ([]Result, error) {
	candidates := make(map[vector.ID]Result)
	gather := func(seed []float32) error {
		hits, err := vs.Search(collection, seed, k*4, ef, nil)
		if err != nil {
			return err
		}
		for _, h := range hits {
			candidates[h.ID] = h
		}
		return nil
	}
	for _, p := range positives {
		if err := gather(p); err != nil {
			return nil, err
		}
	}
	for _, n := range negatives {
		if err := gather(n); err != nil {
			return nil, err
		}
	}

	distFn, err := index.ForMetric(cfg.DistanceMetric)
	if err != nil {
		return nil, wrapErr("recommend", KindInternal, err)
	}

	type scored struct {
		res   Result
		score float32
	}
	out := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		v, ok, err := vs.eng.Get(collection, c.ID)
		if err != nil || !ok {
			continue
		}
		best := closestDistance(distFn, v.Data, positives)
		worst := closestDistance(distFn, v.Data, negatives)
		out = append(out, scored{res: c, score: worst - best})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].score > out[j].score })
	if len(out) > k {
		out = out[:k]
	}
	results := make([]Result, len(out))
	for i, s := range out {
		results[i] = s.res
	}
	return results, nil
}

func closestDistance(distFn index.DistanceFunc, v []float32, examples [][]float32) float32 {
	if len(examples) == 0 {
		return 0
	}
	best := distFn(v, examples[0])
	for _, e := range examples[1:] {
		if d := distFn(v, e); d < best {
			best = d
		}
	}
	return best
}

// HybridSearch runs a dense vector search and combines it with a
// caller-supplied sparse (keyword) result list using the given fusion
// strategy.
func (vs *VectorStore) HybridSearch(collection string, denseQuery []float32, sparse []fusion.Hit, k, ef int, strategy fusion.Strategy) ([]Result, error) {
	denseResults, err := vs.Search(collection, denseQuery, k*defaultOverfetch, ef, nil)
	if err != nil {
		return nil, err
	}
	denseHits := make([]fusion.Hit, len(denseResults))
	for i, r := range denseResults {
		// Distance is smaller-is-better; invert so fusion's
		// higher-is-better convention holds uniformly.
		denseHits[i] = fusion.Hit{ID: r.ID, Score: -r.Distance}
	}

	fused := strategy(denseHits, sparse)
	if len(fused) > k {
		fused = fused[:k]
	}

	out := make([]Result, 0, len(fused))
	for _, h := range fused {
		v, ok, err := vs.eng.Get(collection, h.ID)
		if err != nil || !ok {
			continue
		}
		out = append(out, Result{ID: h.ID, Distance: -h.Score, Metadata: v.Metadata})
	}
	return out, nil
}

// RebuildIndexes constructs a fresh HNSW index for every collection
// from its durable vectors. Per-vector deserialisation failure is
// logged and skipped (handled inside Store.Iter); per-collection
// failure is logged and leaves that collection with an empty index,
// never aborting the rebuild of the others. Large collections stream
// in bounded batches sized to MemoryBudgetBytes.
func (vs *VectorStore) RebuildIndexes() {
	vs.mu.Lock()
	names := vs.eng.ListCollections()
	vs.mu.Unlock()

	for _, name := range names {
		if err := vs.rebuildOne(name); err != nil {
			vs.logger.Error("rebuild_indexes: collection left with empty index", "collection", name, "err", err)
			vs.mu.Lock()
			if cfg, cerr := vs.eng.GetCollectionConfig(name); cerr == nil {
				if empty, berr := vs.buildIndex(cfg); berr == nil {
					vs.indexes[name] = empty
				}
			}
			vs.states[name] = StateDegraded
			vs.mu.Unlock()
			continue
		}
		vs.mu.Lock()
		vs.states[name] = StateLive
		vs.mu.Unlock()
	}
}

func (vs *VectorStore) rebuildOne(name string) error {
	cfg, err := vs.eng.GetCollectionConfig(name)
	if err != nil {
		return err
	}
	idx, err := vs.buildIndex(cfg)
	if err != nil {
		return err
	}

	batchBytes := vs.cfg.MemoryBudgetBytes
	perVectorBytes := int64(cfg.Dimension) * 4
	batchSize := 0
	if batchBytes > 0 && perVectorBytes > 0 {
		batchSize = int(batchBytes / perVectorBytes)
	}
	if batchSize <= 0 {
		batchSize = 1 << 30 // effectively unbounded
	}

	batch := make([]index.Item, 0, minInt(batchSize, 1024))
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := idx.BatchInsert(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err = vs.eng.GetAllVectors(name, func(v vector.Vector) error {
		batch = append(batch, index.Item{ID: v.ID, Vector: v.Data})
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	vs.mu.Lock()
	vs.indexes[name] = idx
	vs.mu.Unlock()
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func lessID(a, b vector.ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
