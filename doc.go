// Package vectra implements an embedded, persistent vector database
// core: no network layer, no server process, just a library a host
// process opens against a data directory it owns.
//
// A VectorStore manages any number of named collections, each with
// its own dimension, distance metric, and HNSW index parameters.
// Every mutation is WAL-first: an Insert, Upsert, or Delete is
// durable in the write-ahead log before it is applied to the
// collection's storage file and its HNSW index, so a crash between
// those steps is recoverable by replay on the next Open.
//
// # Quick start
//
//	cfg := vectra.DefaultConfig("./data")
//	store, err := vectra.Open(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	err = store.CreateCollection(vector.CollectionConfig{
//	    Name:           "docs",
//	    Dimension:      384,
//	    DistanceMetric: vector.Cosine,
//	    VectorType:     vector.Float32,
//	    IndexConfig:    vector.DefaultIndexConfig(),
//	})
//
//	err = store.Insert("docs", vector.Vector{
//	    ID:   vector.NewID(),
//	    Data: embedding,
//	})
//
//	results, err := store.Search("docs", queryEmbedding, 10, 0, nil)
//
// # On-disk layout
//
// <data-dir>/<collection>/metadata.json and vectors.bin hold one
// collection's configuration and durable vector records; <data-dir>/
// wal.log is the engine-wide write-ahead log; <data-dir>/.vectra.lock
// is an advisory lock held for the lifetime of an open VectorStore.
//
// # Recovery
//
// On Open, the Storage Engine discovers every collection directory
// with a valid metadata.json, replays the WAL from the last truncated
// LSN, and the façade then rebuilds every collection's HNSW index
// from its storage file — the index itself is never persisted.
package vectra
