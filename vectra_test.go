package vectra

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodalsystems/vectra/pkg/filter"
	"github.com/nodalsystems/vectra/pkg/fusion"
	"github.com/nodalsystems/vectra/pkg/vector"
)

func testStore(t *testing.T, dir string) *VectorStore {
	t.Helper()
	seed := int64(7)
	cfg := DefaultConfig(dir)
	cfg.WALFsyncPolicy = FsyncEveryWrite
	cfg.RandSeed = &seed
	vs, err := Open(cfg)
	require.NoError(t, err)
	return vs
}

func cosineCollection(name string, dim int) vector.CollectionConfig {
	return vector.CollectionConfig{
		Name:           name,
		Dimension:      dim,
		DistanceMetric: vector.Cosine,
		VectorType:     vector.Float32,
		IndexConfig:    vector.DefaultIndexConfig(),
	}
}

func normalize(v []float32) []float32 {
	var sum float32
	for _, f := range v {
		sum += f * f
	}
	n := float32(math.Sqrt(float64(sum)))
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = f / n
	}
	return out
}

func TestCreateInsertSearch(t *testing.T) {
	dir := t.TempDir()
	vs := testStore(t, dir)
	defer vs.Close()

	require.NoError(t, vs.CreateCollection(cosineCollection("C", 4)))

	id1, id2, id3 := vector.NewID(), vector.NewID(), vector.NewID()
	require.NoError(t, vs.Insert("C", vector.Vector{ID: id1, Data: []float32{1, 0, 0, 0}}))
	require.NoError(t, vs.Insert("C", vector.Vector{ID: id2, Data: []float32{0, 1, 0, 0}}))
	require.NoError(t, vs.Insert("C", vector.Vector{ID: id3, Data: normalize([]float32{1, 1, 0, 0})}))

	res, err := vs.Search("C", []float32{1, 0, 0, 0}, 2, 0, nil)
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.Equal(t, id1, res[0].ID)
	require.InDelta(t, 0, res[0].Distance, 1e-5)
	require.Equal(t, id3, res[1].ID)
	require.InDelta(t, 0.2929, res[1].Distance, 0.01)
}

func TestRestartRebuildsIndexAndData(t *testing.T) {
	dir := t.TempDir()
	vs := testStore(t, dir)

	require.NoError(t, vs.CreateCollection(vector.CollectionConfig{
		Name: "C", Dimension: 8, DistanceMetric: vector.Euclidean,
		VectorType: vector.Float32, IndexConfig: vector.DefaultIndexConfig(),
	}))

	rng := rand.New(rand.NewSource(1))
	const n = 1000
	ids := make([]vector.ID, n)
	var v0 []float32
	for i := 0; i < n; i++ {
		vec := make([]float32, 8)
		for d := range vec {
			vec[d] = rng.Float32()
		}
		id := vector.NewID()
		if i == 0 {
			v0 = vec
			ids[i] = id
		} else {
			ids[i] = id
		}
		require.NoError(t, vs.Insert("C", vector.Vector{ID: id, Data: vec}))
	}
	require.NoError(t, vs.Close())

	vs2 := testStore(t, dir)
	defer vs2.Close()

	count, err := vs2.Count("C", nil)
	require.NoError(t, err)
	require.Equal(t, n, count)

	res, err := vs2.Search("C", v0, 1, 0, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, ids[0], res[0].ID)
	require.InDelta(t, 0, res[0].Distance, 1e-4)
}

func TestIdempotentUpsert(t *testing.T) {
	dir := t.TempDir()
	vs := testStore(t, dir)
	defer vs.Close()

	require.NoError(t, vs.CreateCollection(cosineCollection("C", 2)))
	id := vector.NewID()
	require.NoError(t, vs.Upsert("C", vector.Vector{ID: id, Data: []float32{1, 0}}))
	require.NoError(t, vs.Upsert("C", vector.Vector{ID: id, Data: []float32{1, 0}}))

	got, ok, err := vs.Get("C", id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []float32{1, 0}, got.Data)

	count, err := vs.Count("C", nil)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestUpsertReplacesVectorData(t *testing.T) {
	dir := t.TempDir()
	vs := testStore(t, dir)
	defer vs.Close()

	require.NoError(t, vs.CreateCollection(cosineCollection("C", 2)))
	id := vector.NewID()
	require.NoError(t, vs.Upsert("C", vector.Vector{ID: id, Data: []float32{1, 0}}))
	require.NoError(t, vs.Upsert("C", vector.Vector{ID: id, Data: []float32{0, 1}}))

	got, ok, err := vs.Get("C", id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []float32{0, 1}, got.Data)

	res, err := vs.Search("C", []float32{0, 1}, 1, 0, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, id, res[0].ID)
}

func TestFilteredSearchReturnsOnlyMatching(t *testing.T) {
	dir := t.TempDir()
	vs := testStore(t, dir)
	defer vs.Close()

	require.NoError(t, vs.CreateCollection(cosineCollection("C", 2)))
	red1 := vector.NewID()
	red2 := vector.NewID()
	blue1 := vector.NewID()
	blue2 := vector.NewID()
	require.NoError(t, vs.Insert("C", vector.Vector{ID: red1, Data: []float32{1, 0}, Metadata: map[string]any{"color": "red"}}))
	require.NoError(t, vs.Insert("C", vector.Vector{ID: red2, Data: []float32{2, 0}, Metadata: map[string]any{"color": "red"}}))
	require.NoError(t, vs.Insert("C", vector.Vector{ID: blue1, Data: []float32{3, 0}, Metadata: map[string]any{"color": "blue"}}))
	require.NoError(t, vs.Insert("C", vector.Vector{ID: blue2, Data: []float32{4, 0}, Metadata: map[string]any{"color": "blue"}}))

	f := filter.Node{Must: []filter.Node{
		{MatchKeyword: &filter.MatchKeywordLeaf{Field: "color", Value: "red"}},
	}}
	res, err := vs.Search("C", []float32{0, 0}, 10, 0, &f)
	require.NoError(t, err)
	require.Len(t, res, 2)
	for _, r := range res {
		require.Contains(t, []vector.ID{red1, red2}, r.ID)
	}
	require.True(t, res[0].Distance <= res[1].Distance)
}

func TestDimensionMismatchRejectedWithoutSideEffects(t *testing.T) {
	dir := t.TempDir()
	vs := testStore(t, dir)
	defer vs.Close()

	require.NoError(t, vs.CreateCollection(cosineCollection("C", 4)))
	err := vs.Insert("C", vector.Vector{ID: vector.NewID(), Data: []float32{1, 2, 3}})
	require.Error(t, err)
	require.Equal(t, KindInvalidArgument, KindOf(err))

	count, err := vs.Count("C", nil)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestDropThenRecreateWithDifferentDimension(t *testing.T) {
	dir := t.TempDir()
	vs := testStore(t, dir)
	defer vs.Close()

	require.NoError(t, vs.CreateCollection(cosineCollection("C", 4)))
	for i := 0; i < 3; i++ {
		require.NoError(t, vs.Insert("C", vector.Vector{ID: vector.NewID(), Data: []float32{1, 2, 3, 4}}))
	}
	require.NoError(t, vs.DropCollection("C"))
	require.NoError(t, vs.CreateCollection(cosineCollection("C", 2)))

	id := vector.NewID()
	require.NoError(t, vs.Insert("C", vector.Vector{ID: id, Data: []float32{1, 1}}))

	res, err := vs.Search("C", []float32{1, 1}, 10, 0, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, id, res[0].ID)
}

func TestCreateCollectionTwiceFails(t *testing.T) {
	dir := t.TempDir()
	vs := testStore(t, dir)
	defer vs.Close()

	require.NoError(t, vs.CreateCollection(cosineCollection("C", 2)))
	err := vs.CreateCollection(cosineCollection("C", 2))
	require.Equal(t, KindAlreadyExists, KindOf(err))
}

func TestSecondOpenOfSameDataDirIsRejected(t *testing.T) {
	dir := t.TempDir()
	vs := testStore(t, dir)
	defer vs.Close()

	_, err := Open(Config{DataDir: dir})
	require.Error(t, err)
}

func TestHybridSearchFusesDenseAndSparse(t *testing.T) {
	dir := t.TempDir()
	vs := testStore(t, dir)
	defer vs.Close()

	require.NoError(t, vs.CreateCollection(cosineCollection("C", 2)))
	a, b := vector.NewID(), vector.NewID()
	require.NoError(t, vs.Insert("C", vector.Vector{ID: a, Data: []float32{1, 0}}))
	require.NoError(t, vs.Insert("C", vector.Vector{ID: b, Data: []float32{0, 1}}))

	res, err := vs.HybridSearch("C", []float32{1, 0}, nil, 2, 0, fusion.RelativeScore)
	require.NoError(t, err)
	require.Len(t, res, 2)
}
