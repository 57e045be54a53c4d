// Package collection implements the per-collection durable store: the
// vector data file, its id->offset index, and the JSON metadata
// descriptor.
package collection

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nodalsystems/vectra/pkg/logging"
	"github.com/nodalsystems/vectra/pkg/vector"
)

const (
	vectorsFileName  = "vectors.bin"
	metadataFileName = "metadata.json"

	tagLive      = byte(1)
	tagTombstone = byte(2)

	recordHeaderLen = 4 + 1 // u32 length + u8 tag
)

// Store persists one collection's vectors and metadata, and tracks
// the current offset of each live id.
type Store struct {
	mu  sync.RWMutex
	dir string

	f   *os.File
	w   *bufio.Writer
	cfg vector.CollectionConfig

	idIndex map[vector.ID]int64 // id -> offset of its length-prefix in the data file
	size    int64               // current file size, for the next append's offset

	logger logging.Logger
}

// Create initialises a new collection directory: writes
// metadata.json and an empty vectors.bin.
func Create(dataDir string, cfg vector.CollectionConfig, logger logging.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dir := filepath.Join(dataDir, cfg.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("collection: mkdir %s: %w", dir, err)
	}

	s := &Store{dir: dir, cfg: cfg, idIndex: make(map[vector.ID]int64), logger: logger}
	if err := s.SaveMetadata(); err != nil {
		return nil, err
	}
	if err := s.openDataFile(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open loads an existing collection directory: its metadata.json must
// be present and readable, and vectors.bin (if present) is replayed
// to rebuild the id index.
func Open(dataDir, name string, logger logging.Logger) (*Store, error) {
	dir := filepath.Join(dataDir, name)
	s := &Store{dir: dir, idIndex: make(map[vector.ID]int64), logger: logger}

	cfg, err := s.LoadMetadata()
	if err != nil {
		return nil, err
	}
	s.cfg = cfg

	if err := s.openDataFile(); err != nil {
		return nil, err
	}
	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) openDataFile() error {
	path := filepath.Join(s.dir, vectorsFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("collection: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	s.f = f
	s.w = bufio.NewWriter(f)
	s.size = info.Size()
	return nil
}

// rebuildIndex scans the data file front to back, recording the
// offset of the latest live occurrence of each id and forgetting ids
// that are later tombstoned. Deserialisation failures are logged and
// skipped, never fatal.
func (s *Store) rebuildIndex() error {
	if _, err := s.f.Seek(0, 0); err != nil {
		return err
	}
	br := bufio.NewReader(s.f)
	var offset int64
	for {
		rec, tag, consumed, ok := readRecord(br)
		if !ok {
			break
		}
		switch tag {
		case tagLive:
			v, err := vector.Decode(rec)
			if err != nil {
				s.logger.Warn("collection: skipping undecodable live record", "collection", s.cfg.Name, "offset", offset)
			} else {
				s.idIndex[v.ID] = offset
			}
		case tagTombstone:
			if id, err := decodeTombstone(rec); err == nil {
				delete(s.idIndex, id)
			}
		}
		offset += consumed
	}
	if _, err := s.f.Seek(0, 2); err != nil {
		return err
	}
	return nil
}

// Config returns the collection's configuration.
func (s *Store) Config() vector.CollectionConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Put appends v's canonical encoding and records it as the live
// offset for v.ID, superseding any earlier copy. Idempotent on ID:
// calling Put twice with the same id just moves the live pointer
// forward; the old bytes become dead and are reclaimed by compaction.
func (s *Store) Put(v vector.Vector) error {
	body, err := vector.Encode(v)
	if err != nil {
		return fmt.Errorf("collection: encode vector: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	offset := s.size
	if err := s.appendRecord(tagLive, body); err != nil {
		return err
	}
	s.idIndex[v.ID] = offset
	return nil
}

// Get returns the current value of id, or ok=false if absent.
func (s *Store) Get(id vector.ID) (vector.Vector, bool, error) {
	s.mu.RLock()
	offset, ok := s.idIndex[id]
	s.mu.RUnlock()
	if !ok {
		return vector.Vector{}, false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, tag, err := s.readAt(offset)
	if err != nil {
		return vector.Vector{}, false, err
	}
	if tag != tagLive {
		return vector.Vector{}, false, nil
	}
	v, err := vector.Decode(rec)
	if err != nil {
		return vector.Vector{}, false, fmt.Errorf("collection: decode %s: %w", id, err)
	}
	return v, true, nil
}

// Delete removes id from the index and appends a tombstone record.
func (s *Store) Delete(id vector.ID) error {
	body := encodeTombstone(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.idIndex[id]; !ok {
		return nil
	}
	if err := s.appendRecord(tagTombstone, body); err != nil {
		return err
	}
	delete(s.idIndex, id)
	return nil
}

// Len reports the number of live ids.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idIndex)
}

// appendRecord writes one framed record and advances s.size. Caller
// holds s.mu for writing.
func (s *Store) appendRecord(tag byte, body []byte) error {
	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(body)))
	hdr[4] = tag

	if _, err := s.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("collection: write header: %w", err)
	}
	if _, err := s.w.Write(body); err != nil {
		return fmt.Errorf("collection: write body: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("collection: flush: %w", err)
	}
	s.size += int64(recordHeaderLen + len(body))
	return nil
}

// readAt reads one record starting at offset using an independent
// file handle so it never disturbs the append cursor.
func (s *Store) readAt(offset int64) ([]byte, byte, error) {
	path := filepath.Join(s.dir, vectorsFileName)
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, 0, err
	}
	br := bufio.NewReader(f)
	rec, tag, _, ok := readRecord(br)
	if !ok {
		return nil, 0, fmt.Errorf("collection: no record at offset %d", offset)
	}
	return rec, tag, nil
}

// Iter streams every currently-live vector, front to back. It is
// finite and not restartable mid-iteration: callers re-invoke Iter
// for another pass. Deserialisation failures are logged and skipped,
// never fatal; superseded (dead) or tombstoned records are silently
// skipped by comparing against the current id index.
func (s *Store) Iter(fn func(vector.Vector) error) error {
	path := filepath.Join(s.dir, vectorsFileName)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("collection: open for iter: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var offset int64
	for {
		rec, tag, consumed, ok := readRecord(br)
		if !ok {
			return nil
		}
		if tag == tagLive {
			v, err := vector.Decode(rec)
			if err != nil {
				s.logger.Warn("collection: skipping undecodable record during iteration", "collection", s.cfg.Name, "offset", offset)
			} else {
				s.mu.RLock()
				liveOffset, isLive := s.idIndex[v.ID]
				s.mu.RUnlock()
				if isLive && liveOffset == offset {
					if err := fn(v); err != nil {
						return err
					}
				}
			}
		}
		offset += consumed
	}
}

// SaveMetadata writes the collection's config as metadata.json.
func (s *Store) SaveMetadata() error {
	path := filepath.Join(s.dir, metadataFileName)
	data, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("collection: marshal metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("collection: write metadata: %w", err)
	}
	return nil
}

// LoadMetadata reads and parses metadata.json.
func (s *Store) LoadMetadata() (vector.CollectionConfig, error) {
	path := filepath.Join(s.dir, metadataFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return vector.CollectionConfig{}, fmt.Errorf("collection: read metadata: %w", err)
	}
	var cfg vector.CollectionConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return vector.CollectionConfig{}, fmt.Errorf("collection: parse metadata: %w", err)
	}
	return cfg, nil
}

// Close flushes and closes the data file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w != nil {
		_ = s.w.Flush()
	}
	if s.f != nil {
		return s.f.Close()
	}
	return nil
}

// readRecord reads one length-prefixed record from br. ok is false at
// clean EOF or on any malformed/short record (treated uniformly as
// "nothing more to read" per the iterator's fault-tolerance contract).
func readRecord(br *bufio.Reader) ([]byte, byte, int64, bool) {
	var hdr [recordHeaderLen]byte
	n, err := readFull(br, hdr[:])
	if err != nil || n < recordHeaderLen {
		return nil, 0, 0, false
	}
	length := binary.BigEndian.Uint32(hdr[0:4])
	tag := hdr[4]
	body := make([]byte, length)
	if n, err := readFull(br, body); err != nil || n < int(length) {
		return nil, 0, 0, false
	}
	return body, tag, int64(recordHeaderLen) + int64(length), true
}

func readFull(br *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := br.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func encodeTombstone(id vector.ID) []byte {
	b, _ := id.MarshalBinary()
	return b
}

func decodeTombstone(b []byte) (vector.ID, error) {
	var id vector.ID
	if err := id.UnmarshalBinary(b); err != nil {
		return vector.ID{}, err
	}
	return id, nil
}
