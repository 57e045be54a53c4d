// Package engine implements the Storage Engine: it owns every
// collection's on-disk Store plus the shared WAL, and performs
// discovery and crash recovery on startup.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nodalsystems/vectra/pkg/collection"
	"github.com/nodalsystems/vectra/pkg/logging"
	"github.com/nodalsystems/vectra/pkg/vector"
	"github.com/nodalsystems/vectra/pkg/wal"
)

// Sentinel errors the façade classifies into its own ErrKind taxonomy.
var (
	ErrCollectionNotFound = errors.New("engine: collection not found")
	ErrCollectionExists   = errors.New("engine: collection already exists")
)

const walFileName = "wal.log"

// Engine owns the shared WAL and every collection's Store.
type Engine struct {
	mu          sync.RWMutex
	dataDir     string
	wal         *wal.WAL
	collections map[string]*collection.Store
	logger      logging.Logger
}

// Open enumerates dataDir's subdirectories for existing collections,
// opens the WAL, and replays it from the last truncated LSN, applying
// only operations whose target collection is known or was created
// earlier in the replay. A CRC or framing error at record R discards
// everything from R onward, with a warning.
func Open(dataDir string, policy wal.FsyncPolicy, groupInterval time.Duration, logger logging.Logger) (*Engine, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: mkdir data dir: %w", err)
	}

	e := &Engine{
		dataDir:     dataDir,
		collections: make(map[string]*collection.Store),
		logger:      logger.With("component", "engine"),
	}

	if err := e.discover(); err != nil {
		return nil, err
	}

	w, _, err := wal.Open(filepath.Join(dataDir, walFileName), policy, groupInterval, logger)
	if err != nil {
		return nil, err
	}
	e.wal = w

	if err := e.replay(); err != nil {
		return nil, err
	}
	return e, nil
}

// discover constructs a CollectionStore for every subdirectory of
// dataDir that has a valid metadata.json.
func (e *Engine) discover() error {
	entries, err := os.ReadDir(e.dataDir)
	if err != nil {
		return fmt.Errorf("engine: read data dir: %w", err)
	}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		name := ent.Name()
		store, err := collection.Open(e.dataDir, name, e.logger)
		if err != nil {
			e.logger.Warn("engine: skipping directory without valid metadata", "dir", name, "err", err)
			continue
		}
		e.collections[name] = store
	}
	return nil
}

// replay applies every WAL record from LSN 1 onward whose target
// collection is known (or created by an earlier record in this same
// replay pass).
func (e *Engine) replay() error {
	return e.wal.Replay(0, func(rec wal.Record) error {
		switch rec.Op {
		case wal.OpCreateCollection:
			var cfg vector.CollectionConfig
			if err := decodeConfig(rec.Payload, &cfg); err != nil {
				e.logger.Warn("engine: skipping undecodable create_collection record", "lsn", rec.LSN, "err", err)
				return nil
			}
			if _, exists := e.collections[cfg.Name]; exists {
				return nil
			}
			store, err := collection.Create(e.dataDir, cfg, e.logger)
			if err != nil {
				e.logger.Warn("engine: replay create_collection failed", "lsn", rec.LSN, "collection", cfg.Name, "err", err)
				return nil
			}
			e.collections[cfg.Name] = store

		case wal.OpDropCollection:
			if store, ok := e.collections[rec.Collection]; ok {
				store.Close()
				delete(e.collections, rec.Collection)
			}

		case wal.OpInsert, wal.OpUpsert:
			store, ok := e.collections[rec.Collection]
			if !ok {
				e.logger.Warn("engine: skipping record for unknown collection", "lsn", rec.LSN, "collection", rec.Collection)
				return nil
			}
			v, err := vector.Decode(rec.Payload)
			if err != nil {
				e.logger.Warn("engine: skipping undecodable vector record", "lsn", rec.LSN, "collection", rec.Collection, "err", err)
				return nil
			}
			if err := store.Put(v); err != nil {
				e.logger.Warn("engine: replay put failed", "lsn", rec.LSN, "collection", rec.Collection, "err", err)
			}

		case wal.OpDelete:
			store, ok := e.collections[rec.Collection]
			if !ok {
				return nil
			}
			var id vector.ID
			if err := id.UnmarshalBinary(rec.Payload); err != nil {
				e.logger.Warn("engine: skipping undecodable delete record", "lsn", rec.LSN, "collection", rec.Collection, "err", err)
				return nil
			}
			if err := store.Delete(id); err != nil {
				e.logger.Warn("engine: replay delete failed", "lsn", rec.LSN, "collection", rec.Collection, "err", err)
			}
		}
		return nil
	})
}

// CreateCollection WAL-logs then creates a new collection's durable
// store.
func (e *Engine) CreateCollection(cfg vector.CollectionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.collections[cfg.Name]; exists {
		return ErrCollectionExists
	}

	payload, err := encodeConfig(cfg)
	if err != nil {
		return fmt.Errorf("engine: encode config: %w", err)
	}
	if _, err := e.wal.Append(wal.OpCreateCollection, cfg.Name, payload); err != nil {
		return fmt.Errorf("engine: wal append create_collection: %w", err)
	}

	store, err := collection.Create(e.dataDir, cfg, e.logger)
	if err != nil {
		return err
	}
	e.collections[cfg.Name] = store
	return nil
}

// DropCollection WAL-logs then removes a collection's durable store
// and data directory.
func (e *Engine) DropCollection(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	store, ok := e.collections[name]
	if !ok {
		return ErrCollectionNotFound
	}

	if _, err := e.wal.Append(wal.OpDropCollection, name, nil); err != nil {
		return fmt.Errorf("engine: wal append drop_collection: %w", err)
	}

	if err := store.Close(); err != nil {
		e.logger.Warn("engine: error closing store on drop", "collection", name, "err", err)
	}
	delete(e.collections, name)
	return os.RemoveAll(filepath.Join(e.dataDir, name))
}

// Insert WAL-logs then stores v in collection name.
func (e *Engine) Insert(name string, v vector.Vector) error {
	return e.put(wal.OpInsert, name, v)
}

// Upsert WAL-logs then stores v in collection name, superseding any
// prior value for v.ID.
func (e *Engine) Upsert(name string, v vector.Vector) error {
	return e.put(wal.OpUpsert, name, v)
}

func (e *Engine) put(op wal.Op, name string, v vector.Vector) error {
	e.mu.RLock()
	store, ok := e.collections[name]
	e.mu.RUnlock()
	if !ok {
		return ErrCollectionNotFound
	}
	if err := v.Validate(store.Config().Dimension); err != nil {
		return err
	}

	payload, err := vector.Encode(v)
	if err != nil {
		return fmt.Errorf("engine: encode vector: %w", err)
	}
	if _, err := e.wal.Append(op, name, payload); err != nil {
		return fmt.Errorf("engine: wal append %s: %w", op, err)
	}
	return store.Put(v)
}

// Delete WAL-logs then removes id from collection name.
func (e *Engine) Delete(name string, id vector.ID) error {
	e.mu.RLock()
	store, ok := e.collections[name]
	e.mu.RUnlock()
	if !ok {
		return ErrCollectionNotFound
	}

	idBytes, err := id.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := e.wal.Append(wal.OpDelete, name, idBytes); err != nil {
		return fmt.Errorf("engine: wal append delete: %w", err)
	}
	return store.Delete(id)
}

// Get returns the current value of id in collection name.
func (e *Engine) Get(name string, id vector.ID) (vector.Vector, bool, error) {
	e.mu.RLock()
	store, ok := e.collections[name]
	e.mu.RUnlock()
	if !ok {
		return vector.Vector{}, false, ErrCollectionNotFound
	}
	return store.Get(id)
}

// GetAllVectors streams every live vector of collection name, used by
// index rebuild.
func (e *Engine) GetAllVectors(name string, fn func(vector.Vector) error) error {
	e.mu.RLock()
	store, ok := e.collections[name]
	e.mu.RUnlock()
	if !ok {
		return ErrCollectionNotFound
	}
	return store.Iter(fn)
}

// ListCollections returns every known collection name.
func (e *Engine) ListCollections() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.collections))
	for name := range e.collections {
		names = append(names, name)
	}
	return names
}

// GetCollectionConfig returns the configuration of collection name.
func (e *Engine) GetCollectionConfig(name string) (vector.CollectionConfig, error) {
	e.mu.RLock()
	store, ok := e.collections[name]
	e.mu.RUnlock()
	if !ok {
		return vector.CollectionConfig{}, ErrCollectionNotFound
	}
	return store.Config(), nil
}

// Len reports the number of live vectors in collection name.
func (e *Engine) Len(name string) (int, error) {
	e.mu.RLock()
	store, ok := e.collections[name]
	e.mu.RUnlock()
	if !ok {
		return 0, ErrCollectionNotFound
	}
	return store.Len(), nil
}

// Close closes every collection's store and the WAL.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for _, store := range e.collections {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func encodeConfig(cfg vector.CollectionConfig) ([]byte, error) {
	return json.Marshal(cfg)
}

func decodeConfig(b []byte, cfg *vector.CollectionConfig) error {
	return json.Unmarshal(b, cfg)
}
