package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodalsystems/vectra/pkg/logging"
	"github.com/nodalsystems/vectra/pkg/vector"
	"github.com/nodalsystems/vectra/pkg/wal"
)

func testCfg(name string, dim int) vector.CollectionConfig {
	return vector.CollectionConfig{
		Name:           name,
		Dimension:      dim,
		DistanceMetric: vector.Cosine,
		VectorType:     vector.Float32,
		IndexConfig:    vector.DefaultIndexConfig(),
	}
}

func openTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := Open(dir, wal.FsyncEveryWrite, 0, logging.Nop())
	require.NoError(t, err)
	return e
}

func TestCreateInsertGetDelete(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	require.NoError(t, e.CreateCollection(testCfg("C", 2)))

	id := vector.NewID()
	require.NoError(t, e.Insert("C", vector.Vector{ID: id, Data: []float32{1, 2}}))

	got, ok, err := e.Get("C", id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []float32{1, 2}, got.Data)

	require.NoError(t, e.Delete("C", id))
	_, ok, err = e.Get("C", id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCreateCollectionTwiceFails(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	require.NoError(t, e.CreateCollection(testCfg("C", 2)))
	err := e.CreateCollection(testCfg("C", 2))
	require.ErrorIs(t, err, ErrCollectionExists)
}

func TestOperationsOnUnknownCollectionFail(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	_, _, err := e.Get("ghost", vector.NewID())
	require.ErrorIs(t, err, ErrCollectionNotFound)

	err = e.Insert("ghost", vector.Vector{ID: vector.NewID(), Data: []float32{1}})
	require.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestDropCollectionRemovesData(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	require.NoError(t, e.CreateCollection(testCfg("C", 2)))
	require.NoError(t, e.DropCollection("C"))
	require.NoError(t, e.Close())

	_, err := os.Stat(filepath.Join(dir, "C"))
	require.True(t, os.IsNotExist(err))
}

func TestRestartRebuildsCollectionsFromDiscoveryAndWAL(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)

	require.NoError(t, e.CreateCollection(testCfg("C", 2)))
	ids := make([]vector.ID, 10)
	for i := range ids {
		ids[i] = vector.NewID()
		require.NoError(t, e.Insert("C", vector.Vector{ID: ids[i], Data: []float32{float32(i), 0}}))
	}
	require.NoError(t, e.Delete("C", ids[3]))
	require.NoError(t, e.Close())

	e2 := openTestEngine(t, dir)
	defer e2.Close()

	n, err := e2.Len("C")
	require.NoError(t, err)
	require.Equal(t, 9, n)

	_, ok, err := e2.Get("C", ids[3])
	require.NoError(t, err)
	require.False(t, ok)

	got, ok, err := e2.Get("C", ids[7])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []float32{7, 0}, got.Data)
}

func TestGetAllVectorsStreamsLiveRecords(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	require.NoError(t, e.CreateCollection(testCfg("C", 1)))
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Insert("C", vector.Vector{ID: vector.NewID(), Data: []float32{float32(i)}}))
	}

	count := 0
	require.NoError(t, e.GetAllVectors("C", func(vector.Vector) error {
		count++
		return nil
	}))
	require.Equal(t, 5, count)
}

func TestListCollectionsAndConfig(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	require.NoError(t, e.CreateCollection(testCfg("A", 3)))
	require.NoError(t, e.CreateCollection(testCfg("B", 4)))

	names := e.ListCollections()
	require.ElementsMatch(t, []string{"A", "B"}, names)

	cfg, err := e.GetCollectionConfig("B")
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Dimension)
}

func TestWALTornTailDuringRecoveryIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	require.NoError(t, e.CreateCollection(testCfg("C", 1)))
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Insert("C", vector.Vector{ID: vector.NewID(), Data: []float32{float32(i)}}))
	}
	require.NoError(t, e.Close())

	walPath := filepath.Join(dir, walFileName)
	f, err := os.OpenFile(walPath, os.O_RDWR|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x56, 0x57, 0x41, 0x4c, 0x01, 0x00, 0x00, 0x00, 0xFF, 0x99})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	e2 := openTestEngine(t, dir)
	defer e2.Close()

	n, err := e2.Len("C")
	require.NoError(t, err)
	require.Equal(t, 5, n)
}
