// Package index implements the concurrent HNSW (Hierarchical
// Navigable Small World) approximate nearest neighbor index.
//
// Graph nodes live in a dense arena addressed by integer index, not
// by pointer cycles, so neighbor lists hold int32 arena indices (see
// the "graph with back-edges without cycles in ownership" design
// note). The arena itself is published lock-free via
// atomic.Pointer: Insert appends under a short-lived mutex, Search
// never takes a lock. Per-node neighbor lists are themselves
// published the same way, so a concurrent Search always observes a
// complete pre- or post-update neighbor slice for any node, never a
// torn one, and tolerates staleness by design.
package index

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodalsystems/vectra/pkg/vector"
)

// Quantizer compresses and decompresses vectors for reduced memory
// footprint inside the index.
type Quantizer interface {
	Encode(vec []float32) ([]byte, error)
	Decode(encoded []byte) ([]float32, error)
}

// Item is one (id, vector) pair for batch insertion.
type Item struct {
	ID     vector.ID
	Vector []float32
}

// Result is one search hit.
type Result struct {
	ID       vector.ID
	Distance float32
}

// Index is the common capability set shared by every ANN index
// variant (see the "deep inheritance" design note: tagged capability
// set instead of open polymorphism).
type Index interface {
	Insert(id vector.ID, vec []float32) error
	Search(query []float32, k, ef int) ([]Result, error)
	BatchInsert(items []Item) error
	Remove(id vector.ID) error
	Len() int
}

type node struct {
	id        vector.ID
	vec       []float32 // nil if dropped in favor of a quantized encoding
	quantized []byte
	level     int

	neighbors []atomic.Pointer[[]int32] // one per layer 0..level, published lock-free
	deleted   atomic.Bool
	mu        sync.Mutex // serializes writers mutating this node's neighbor lists
}

func (n *node) neighborsAt(layer int) []int32 {
	if layer >= len(n.neighbors) {
		return nil
	}
	p := n.neighbors[layer].Load()
	if p == nil {
		return nil
	}
	return *p
}

func (n *node) setNeighborsAt(layer int, ids []int32) {
	cp := make([]int32, len(ids))
	copy(cp, ids)
	n.neighbors[layer].Store(&cp)
}

// Config carries the parameters from CollectionConfig.IndexConfig
// plus the wiring (distance metric, optional quantizer, RNG seed)
// needed to construct an HNSW instance.
type Config struct {
	M              int
	EfConstruction int
	EfSearch       int
	MaxLayer       int
	Metric         vector.DistanceMetric
	Quantizer      Quantizer
	// Rand, if non-nil, makes level assignment (and therefore
	// Insert) deterministic; production code leaves it nil to get a
	// per-index, time-seeded generator.
	Rand *rand.Rand
}

// HNSW is a concurrent, arena-backed HNSW index.
type HNSW struct {
	m              int
	maxM0          int // 2*M, layer-0 cap
	efConstruction int
	efSearch       int
	maxLayer       int
	mL             float64 // 1 / ln(M)
	distFn         DistanceFunc

	quantizer Quantizer

	arena   atomic.Pointer[[]*node]
	idToIdx sync.Map // vector.ID -> int32

	appendMu sync.Mutex // serializes arena growth only

	entryPoint atomic.Int64 // arena index of the entry point, -1 if empty

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New constructs an empty HNSW index for one collection.
func New(cfg Config) (*HNSW, error) {
	if cfg.M <= 0 {
		return nil, fmt.Errorf("index: M must be positive")
	}
	distFn, err := ForMetric(cfg.Metric)
	if err != nil {
		return nil, err
	}
	maxLayer := cfg.MaxLayer
	if maxLayer <= 0 {
		maxLayer = 16
	}
	efSearch := cfg.EfSearch
	if efSearch <= 0 {
		efSearch = cfg.EfConstruction
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	h := &HNSW{
		m:              cfg.M,
		maxM0:          cfg.M * 2,
		efConstruction: cfg.EfConstruction,
		efSearch:       efSearch,
		maxLayer:       maxLayer,
		mL:             1.0 / math.Log(float64(cfg.M)),
		distFn:         distFn,
		quantizer:      cfg.Quantizer,
		rng:            rng,
	}
	h.entryPoint.Store(-1)
	empty := make([]*node, 0)
	h.arena.Store(&empty)
	return h, nil
}

func (h *HNSW) nodes() []*node { return *h.arena.Load() }

func (h *HNSW) nodeByID(id vector.ID) (*node, int32, bool) {
	v, ok := h.idToIdx.Load(id)
	if !ok {
		return nil, 0, false
	}
	idx := v.(int32)
	ns := h.nodes()
	if int(idx) >= len(ns) {
		return nil, 0, false
	}
	return ns[idx], idx, true
}

func (h *HNSW) nodeAt(idx int32) *node {
	return h.nodes()[idx]
}

func (h *HNSW) selectLevel() int {
	h.rngMu.Lock()
	u := 1 - h.rng.Float64() // (0,1]
	h.rngMu.Unlock()

	level := int(math.Floor(-math.Log(u) * h.mL))
	if level > h.maxLayer {
		level = h.maxLayer
	}
	return level
}

// vecFor returns the vector to use for distance computation against
// n, decoding a quantized copy if the raw vector was dropped.
func (h *HNSW) vecFor(n *node) []float32 {
	if n.vec != nil {
		return n.vec
	}
	if n.quantized != nil && h.quantizer != nil {
		if v, err := h.quantizer.Decode(n.quantized); err == nil {
			return v
		}
	}
	return nil
}

func (h *HNSW) distTo(query []float32, n *node) float32 {
	v := h.vecFor(n)
	if v == nil {
		return float32(math.Inf(1))
	}
	return h.distFn(query, v)
}

// Insert adds a new vector to the index. An insert that fails
// validation makes no partial graph mutation visible.
func (h *HNSW) Insert(id vector.ID, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("index: empty vector")
	}
	if _, _, exists := h.nodeByID(id); exists {
		return fmt.Errorf("index: id %s already present", id)
	}

	level := h.selectLevel()

	var stored []float32 = vec
	var quantized []byte
	if h.quantizer != nil {
		if q, err := h.quantizer.Encode(vec); err == nil {
			quantized = q
			stored = nil
		}
	}

	n := &node{id: id, vec: stored, quantized: quantized, level: level}
	n.neighbors = make([]atomic.Pointer[[]int32], level+1)
	for l := 0; l <= level; l++ {
		empty := make([]int32, 0)
		n.neighbors[l].Store(&empty)
	}

	idx := h.publish(n, id)

	ep := h.entryPoint.Load()
	if ep < 0 {
		if h.entryPoint.CompareAndSwap(-1, int64(idx)) {
			return nil
		}
		ep = h.entryPoint.Load()
	}

	entry := h.nodeAt(int32(ep))
	curr := []int32{int32(ep)}

	for lc := entry.level; lc > level; lc-- {
		curr = h.searchLayerClosest(vec, curr, 1, lc)
	}

	top := level
	if entry.level < top {
		top = entry.level
	}
	for lc := top; lc >= 0; lc-- {
		capAt := h.m
		if lc == 0 {
			capAt = h.maxM0
		}
		candidates := h.searchLayer(vec, curr, h.efConstruction, lc)
		selected := h.selectNeighborsHeuristic(vec, candidates, capAt)

		n.setNeighborsAt(lc, selected)
		for _, nb := range selected {
			h.addBidirectional(idx, nb, lc, capAt)
		}
		if len(selected) > 0 {
			curr = selected
		}
	}

	for {
		cur := h.entryPoint.Load()
		if level <= h.nodeAt(int32(cur)).level || h.entryPoint.CompareAndSwap(cur, int64(idx)) {
			break
		}
	}
	return nil
}

// publish appends n to the arena and registers its id, serialized by
// appendMu; the resulting slice is installed atomically so concurrent
// readers never see a partially-built arena.
func (h *HNSW) publish(n *node, id vector.ID) int32 {
	h.appendMu.Lock()
	defer h.appendMu.Unlock()

	old := h.nodes()
	next := make([]*node, len(old)+1)
	copy(next, old)
	next[len(old)] = n
	idx := int32(len(old))
	h.arena.Store(&next)
	h.idToIdx.Store(id, idx)
	return idx
}

// addBidirectional links from<->to on layer lc, pruning to's
// connections back down to capAt if needed.
func (h *HNSW) addBidirectional(from, to int32, lc, capAt int) {
	peer := h.nodeAt(to)
	if lc >= len(peer.neighbors) {
		return
	}
	peer.mu.Lock()
	defer peer.mu.Unlock()

	existing := peer.neighborsAt(lc)
	for _, e := range existing {
		if e == from {
			return
		}
	}
	updated := append(append([]int32{}, existing...), from)

	if len(updated) > capAt {
		peerVec := h.vecFor(peer)
		if peerVec != nil {
			updated = h.selectNeighborsHeuristic(peerVec, updated, capAt)
		} else {
			updated = updated[:capAt]
		}
	}
	peer.setNeighborsAt(lc, updated)
}

type candidate struct {
	idx  int32
	dist float32
}

// searchLayer runs a bounded best-first search on one layer, returning
// up to ef results ordered by ascending distance.
func (h *HNSW) searchLayer(query []float32, entryPoints []int32, ef int, layer int) []int32 {
	visited := make(map[int32]bool, ef*2)
	candidates := &minHeap{}
	result := &maxHeap{}

	for _, ep := range entryPoints {
		if visited[ep] {
			continue
		}
		visited[ep] = true
		d := h.distTo(query, h.nodeAt(ep))
		heapPushMin(candidates, candidate{ep, d})
		heapPushMax(result, candidate{ep, d})
	}

	for candidates.Len() > 0 {
		c := heapPopMin(candidates)
		if result.Len() >= ef && c.dist > (*result)[0].dist {
			break
		}
		n := h.nodeAt(c.idx)
		for _, nb := range n.neighborsAt(layer) {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			d := h.distTo(query, h.nodeAt(nb))
			if result.Len() < ef || d < (*result)[0].dist {
				heapPushMin(candidates, candidate{nb, d})
				heapPushMax(result, candidate{nb, d})
				if result.Len() > ef {
					heapPopMax(result)
				}
			}
		}
	}

	out := make([]candidate, result.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heapPopMax(result)
	}
	ids := make([]int32, len(out))
	for i, c := range out {
		ids[i] = c.idx
	}
	return ids
}

func (h *HNSW) searchLayerClosest(query []float32, entryPoints []int32, num, layer int) []int32 {
	res := h.searchLayer(query, entryPoints, num, layer)
	if len(res) > num {
		res = res[:num]
	}
	return res
}

// selectNeighborsHeuristic implements the diversity-preferring
// neighbor selection: a candidate c is excluded if some already
// selected neighbor n is closer to c than c is to the query. This is
// the "simple" heuristic variant (no extendCandidates / no
// keepPrunedConnections); either variant is acceptable so long as the
// bidirectional-edge invariant holds.
func (h *HNSW) selectNeighborsHeuristic(query []float32, candidates []int32, m int) []int32 {
	if len(candidates) <= m {
		return candidates
	}

	cs := make([]candidate, len(candidates))
	for i, idx := range candidates {
		cs[i] = candidate{idx, h.distTo(query, h.nodeAt(idx))}
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].dist < cs[j].dist })

	var selected []int32
	var selectedVecs [][]float32
	for _, c := range cs {
		if len(selected) >= m {
			break
		}
		cv := h.vecFor(h.nodeAt(c.idx))
		good := true
		for _, sv := range selectedVecs {
			if cv != nil && sv != nil && h.distFn(sv, cv) < c.dist {
				good = false
				break
			}
		}
		if good {
			selected = append(selected, c.idx)
			selectedVecs = append(selectedVecs, cv)
		}
	}
	// If the diversity filter rejected too many candidates to reach
	// m, fill the remainder by plain distance order so neighbor
	// lists are not starved.
	if len(selected) < m {
		have := make(map[int32]bool, len(selected))
		for _, s := range selected {
			have[s] = true
		}
		for _, c := range cs {
			if len(selected) >= m {
				break
			}
			if !have[c.idx] {
				selected = append(selected, c.idx)
			}
		}
	}
	return selected
}

// Search performs an approximate k-NN search. An empty graph returns
// an empty result without error.
func (h *HNSW) Search(query []float32, k, ef int) ([]Result, error) {
	ep := h.entryPoint.Load()
	if ep < 0 {
		return nil, nil
	}
	if ef < k {
		ef = k
	}

	entry := h.nodeAt(int32(ep))
	curr := []int32{int32(ep)}
	for layer := entry.level; layer > 0; layer-- {
		next := h.searchLayerClosest(query, curr, 1, layer)
		if len(next) > 0 {
			curr = next
		}
	}

	candidates := h.searchLayer(query, curr, ef, 0)

	results := make([]Result, 0, len(candidates))
	for _, idx := range candidates {
		n := h.nodeAt(idx)
		if n.deleted.Load() {
			continue
		}
		results = append(results, Result{ID: n.id, Distance: h.distTo(query, n)})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return lessID(results[i].ID, results[j].ID)
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// BatchInsert is semantically equivalent to sequential Insert calls.
// Graph-level searches for distinct items may run concurrently;
// neighbor-list mutation is always serialized per node regardless of
// how many goroutines run at once (see addBidirectional's per-node
// lock).
func (h *HNSW) BatchInsert(items []Item) error {
	if len(items) == 0 {
		return nil
	}
	workers := runtime.NumCPU()
	if workers > len(items) {
		workers = len(items)
	}
	if workers < 1 {
		workers = 1
	}

	type outcome struct {
		idx int
		err error
	}
	jobs := make(chan int)
	results := make(chan outcome, len(items))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				err := h.Insert(items[i].ID, items[i].Vector)
				results <- outcome{idx: i, err: err}
			}
		}()
	}
	go func() {
		for i := range items {
			jobs <- i
		}
		close(jobs)
	}()
	wg.Wait()
	close(results)

	var firstErr error
	for r := range results {
		if r.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("index: batch insert item %d: %w", r.idx, r.err)
		}
	}
	return firstErr
}

// Remove tombstones id: the node is excluded from search results but
// its edges remain in the arena for graph traversal, preserving
// connectivity. Full removal happens at the next rebuild. id is freed
// from the id->node lookup so a later Insert under the same id (an
// upsert's reinsert) is accepted rather than rejected as a duplicate.
func (h *HNSW) Remove(id vector.ID) error {
	n, _, ok := h.nodeByID(id)
	if !ok {
		return fmt.Errorf("index: id %s not found", id)
	}
	n.deleted.Store(true)
	h.idToIdx.Delete(id)
	return nil
}

// Len reports the number of non-tombstoned nodes.
func (h *HNSW) Len() int {
	count := 0
	for _, n := range h.nodes() {
		if !n.deleted.Load() {
			count++
		}
	}
	return count
}

func lessID(a, b vector.ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
