package collection

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodalsystems/vectra/pkg/logging"
	"github.com/nodalsystems/vectra/pkg/vector"
)

func testConfig(name string, dim int) vector.CollectionConfig {
	return vector.CollectionConfig{
		Name:           name,
		Dimension:      dim,
		DistanceMetric: vector.Cosine,
		VectorType:     vector.Float32,
		IndexConfig:    vector.DefaultIndexConfig(),
	}
}

func TestPutGetLatestWins(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir, testConfig("C", 3), logging.Nop())
	require.NoError(t, err)
	defer s.Close()

	id := vector.NewID()
	require.NoError(t, s.Put(vector.Vector{ID: id, Data: []float32{1, 2, 3}}))
	require.NoError(t, s.Put(vector.Vector{ID: id, Data: []float32{4, 5, 6}}))

	got, ok, err := s.Get(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []float32{4, 5, 6}, got.Data)
	require.Equal(t, 1, s.Len())
}

func TestDeleteRemovesFromIndex(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir, testConfig("C", 2), logging.Nop())
	require.NoError(t, err)
	defer s.Close()

	id := vector.NewID()
	require.NoError(t, s.Put(vector.Vector{ID: id, Data: []float32{1, 1}}))
	require.NoError(t, s.Delete(id))

	_, ok, err := s.Get(id)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, s.Len())
}

func TestIterYieldsOnlyLatestLiveRecords(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir, testConfig("C", 2), logging.Nop())
	require.NoError(t, err)
	defer s.Close()

	a, b, c := vector.NewID(), vector.NewID(), vector.NewID()
	require.NoError(t, s.Put(vector.Vector{ID: a, Data: []float32{1, 0}}))
	require.NoError(t, s.Put(vector.Vector{ID: b, Data: []float32{0, 1}}))
	require.NoError(t, s.Put(vector.Vector{ID: a, Data: []float32{9, 9}})) // supersede a
	require.NoError(t, s.Put(vector.Vector{ID: c, Data: []float32{2, 2}}))
	require.NoError(t, s.Delete(b))

	seen := map[vector.ID][]float32{}
	require.NoError(t, s.Iter(func(v vector.Vector) error {
		seen[v.ID] = v.Data
		return nil
	}))

	require.Len(t, seen, 2)
	require.Equal(t, []float32{9, 9}, seen[a])
	require.Equal(t, []float32{2, 2}, seen[c])
	require.NotContains(t, seen, b)
}

func TestRebuildIndexOnReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir, testConfig("C", 2), logging.Nop())
	require.NoError(t, err)

	ids := make([]vector.ID, 5)
	for i := range ids {
		ids[i] = vector.NewID()
		require.NoError(t, s.Put(vector.Vector{ID: ids[i], Data: []float32{float32(i), 0}}))
	}
	require.NoError(t, s.Delete(ids[2]))
	require.NoError(t, s.Close())

	s2, err := Open(dir, "C", logging.Nop())
	require.NoError(t, err)
	defer s2.Close()

	require.Equal(t, 4, s2.Len())
	_, ok, err := s2.Get(ids[2])
	require.NoError(t, err)
	require.False(t, ok)

	got, ok, err := s2.Get(ids[4])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []float32{4, 0}, got.Data)
}

func TestOpenMissingMetadataFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ghost"), 0o755))
	_, err := Open(dir, "ghost", logging.Nop())
	require.Error(t, err)
}

func TestIterSkipsUndecodableRecord(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir, testConfig("C", 2), logging.Nop())
	require.NoError(t, err)

	id := vector.NewID()
	require.NoError(t, s.Put(vector.Vector{ID: id, Data: []float32{1, 1}}))
	require.NoError(t, s.Close())

	// Corrupt the live record's payload bytes in place without
	// touching the length/tag header, so the reader frames it
	// correctly but msgpack decoding fails.
	path := filepath.Join(dir, "C", vectorsFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for i := recordHeaderLen; i < len(data); i++ {
		data[i] = 0xFF
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s2, err := Open(dir, "C", logging.Nop())
	require.NoError(t, err)
	defer s2.Close()
	require.Equal(t, 0, s2.Len())

	var count int
	require.NoError(t, s2.Iter(func(vector.Vector) error {
		count++
		return nil
	}))
	require.Equal(t, 0, count)
}
