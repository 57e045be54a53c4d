package index

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodalsystems/vectra/pkg/vector"
)

func newTestIndex(t *testing.T, seed int64) *HNSW {
	t.Helper()
	h, err := New(Config{
		M:              8,
		EfConstruction: 64,
		EfSearch:       32,
		MaxLayer:       8,
		Metric:         vector.Euclidean,
		Rand:           rand.New(rand.NewSource(seed)),
	})
	require.NoError(t, err)
	return h
}

func TestSearchOnEmptyIndexReturnsEmpty(t *testing.T) {
	h := newTestIndex(t, 1)
	res, err := h.Search([]float32{1, 2, 3}, 5, 10)
	require.NoError(t, err)
	require.Empty(t, res)
}

func TestInsertAndSearchFindsNearest(t *testing.T) {
	h := newTestIndex(t, 42)

	ids := make([]vector.ID, 0, 50)
	vecs := make(map[vector.ID][]float32)
	for i := 0; i < 50; i++ {
		id := vector.NewID()
		v := []float32{float32(i), float32(i) * 2}
		require.NoError(t, h.Insert(id, v))
		ids = append(ids, id)
		vecs[id] = v
	}
	require.Equal(t, 50, h.Len())

	target := vecs[ids[25]]
	res, err := h.Search(target, 1, 32)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, ids[25], res[0].ID)
	require.Equal(t, float32(0), res[0].Distance)
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	h := newTestIndex(t, 2)
	id := vector.NewID()
	require.NoError(t, h.Insert(id, []float32{1, 1}))
	err := h.Insert(id, []float32{2, 2})
	require.Error(t, err)
}

func TestInsertRejectsEmptyVector(t *testing.T) {
	h := newTestIndex(t, 3)
	err := h.Insert(vector.NewID(), []float32{})
	require.Error(t, err)
}

func TestRemoveExcludesFromSearchButKeepsEdges(t *testing.T) {
	h := newTestIndex(t, 7)

	ids := make([]vector.ID, 0, 30)
	for i := 0; i < 30; i++ {
		id := vector.NewID()
		require.NoError(t, h.Insert(id, []float32{float32(i), float32(i)}))
		ids = append(ids, id)
	}
	target := ids[15]
	require.NoError(t, h.Remove(target))
	require.Equal(t, 29, h.Len())

	res, err := h.Search([]float32{15, 15}, 30, 64)
	require.NoError(t, err)
	for _, r := range res {
		require.NotEqual(t, target, r.ID)
	}

	// Remove frees the id lookup, so find the tombstoned node in the arena.
	var removed *node
	for _, n := range h.nodes() {
		if n.id == target {
			removed = n
		}
	}
	require.NotNil(t, removed)
	require.True(t, removed.deleted.Load())
}

func TestRemoveUnknownIDErrors(t *testing.T) {
	h := newTestIndex(t, 9)
	err := h.Remove(vector.NewID())
	require.Error(t, err)
}

func TestBidirectionalEdgeInvariant(t *testing.T) {
	h := newTestIndex(t, 11)

	for i := 0; i < 40; i++ {
		id := vector.NewID()
		require.NoError(t, h.Insert(id, []float32{float32(i % 7), float32(i % 5), float32(i % 3)}))
	}

	for _, n := range h.nodes() {
		_, fromIdx, ok := h.nodeByID(n.id)
		require.True(t, ok)
		for lc := 0; lc <= n.level; lc++ {
			for _, nb := range n.neighborsAt(lc) {
				peer := h.nodeAt(nb)
				found := false
				for _, back := range peer.neighborsAt(lc) {
					if back == fromIdx {
						found = true
						break
					}
				}
				require.True(t, found, "missing back-edge at layer %d", lc)
			}
		}
	}
}

func TestDeterministicUnderFixedSeed(t *testing.T) {
	ids := make([]vector.ID, 20)
	vecs := make([][]float32, 20)
	for i := range ids {
		ids[i] = vector.NewID()
		vecs[i] = []float32{float32(i), float32(i * 3 % 11)}
	}

	run := func() []Result {
		h := newTestIndex(t, 99)
		for i := range ids {
			require.NoError(t, h.Insert(ids[i], vecs[i]))
		}
		res, err := h.Search([]float32{5, 4}, 5, 32)
		require.NoError(t, err)
		return res
	}

	a := run()
	b := run()
	require.Equal(t, a, b)
}

func TestBatchInsertEquivalentToSequential(t *testing.T) {
	items := make([]Item, 60)
	for i := range items {
		items[i] = Item{ID: vector.NewID(), Vector: []float32{float32(i % 13), float32(i % 7)}}
	}

	hSeq := newTestIndex(t, 5)
	for _, it := range items {
		require.NoError(t, hSeq.Insert(it.ID, it.Vector))
	}

	hBatch := newTestIndex(t, 5)
	require.NoError(t, hBatch.BatchInsert(items))

	require.Equal(t, hSeq.Len(), hBatch.Len())
	for _, it := range items {
		_, _, ok := hBatch.nodeByID(it.ID)
		require.True(t, ok)
	}
}

func TestSearchEfLowerThanKIsRaisedInternally(t *testing.T) {
	h := newTestIndex(t, 13)
	for i := 0; i < 20; i++ {
		require.NoError(t, h.Insert(vector.NewID(), []float32{float32(i), float32(i)}))
	}
	res, err := h.Search([]float32{0, 0}, 10, 1)
	require.NoError(t, err)
	require.Len(t, res, 10)
}
