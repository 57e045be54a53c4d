// Package wal implements the write-ahead log: an append-only,
// framed, CRC32-checksummed record stream that survives process
// crashes and supports replay and prefix truncation.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nodalsystems/vectra/pkg/logging"
)

const (
	magic         = "VWAL"
	version       = byte(1)
	headerLen     = 4 + 1 + 4 // magic + version + length
	trailerLen    = 4         // crc32
	maxFrameBytes = 256 << 20 // sanity cap against a corrupt length field
)

// Op identifies the kind of mutation a record represents.
type Op byte

const (
	OpCreateCollection Op = iota + 1
	OpDropCollection
	OpInsert
	OpDelete
	OpUpsert
)

func (o Op) String() string {
	switch o {
	case OpCreateCollection:
		return "create_collection"
	case OpDropCollection:
		return "drop_collection"
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpUpsert:
		return "upsert"
	default:
		return fmt.Sprintf("op(%d)", o)
	}
}

// Record is one decoded WAL entry.
type Record struct {
	LSN        uint64
	Op         Op
	Collection string
	Payload    []byte
}

// frameBody is the msgpack-encoded payload written between the
// operation tag and the CRC trailer.
type frameBody struct {
	LSN        uint64 `msgpack:"lsn"`
	Collection string `msgpack:"collection"`
	Payload    []byte `msgpack:"payload"`
}

// FsyncPolicy controls when an Append becomes durable.
type FsyncPolicy int

const (
	// FsyncEveryWrite fsyncs after every append before acknowledging it.
	FsyncEveryWrite FsyncPolicy = iota
	// FsyncGroupCommit batches appends and fsyncs on a timer,
	// acknowledging all appends in the batch together.
	FsyncGroupCommit
	// FsyncNone never fsyncs; durability is left to the OS page cache.
	FsyncNone
)

// WAL is the append-only log for one data directory.
type WAL struct {
	mu       sync.Mutex
	f        *os.File
	w        *bufio.Writer
	path     string
	nextLSN  uint64
	policy   FsyncPolicy
	interval time.Duration
	logger   logging.Logger

	closed   bool
	readOnly bool // set after a durability failure; fatal, not retried in place

	// group-commit coordination
	cond     *sync.Cond
	epoch    uint64
	dirty    bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Open opens (or creates) the WAL file at path, validates its
// contents, truncates any torn tail found at the end, and returns the
// WAL along with the highest LSN found among valid records (0 if the
// log is empty).
func Open(path string, policy FsyncPolicy, groupInterval time.Duration, logger logging.Logger) (*WAL, uint64, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("wal: open %s: %w", path, err)
	}

	validLen, lastLSN, err := scanValidPrefix(f, logger)
	if err != nil {
		f.Close()
		return nil, 0, err
	}

	if info, err := f.Stat(); err == nil && info.Size() > validLen {
		logger.Warn("wal: discarding torn or corrupt tail", "valid_bytes", validLen, "file_bytes", info.Size())
	}
	if err := f.Truncate(validLen); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("wal: truncate torn tail: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("wal: seek end: %w", err)
	}

	w := &WAL{
		f:        f,
		w:        bufio.NewWriter(f),
		path:     path,
		nextLSN:  lastLSN + 1,
		policy:   policy,
		interval: groupInterval,
		logger:   logger.With("component", "wal"),
	}
	w.cond = sync.NewCond(&w.mu)

	if policy == FsyncGroupCommit {
		if w.interval <= 0 {
			w.interval = 5 * time.Millisecond
		}
		w.stopCh = make(chan struct{})
		w.wg.Add(1)
		go w.fsyncLoop()
	}

	return w, lastLSN, nil
}

// Append serialises and writes a record, returning its LSN. It
// returns only after the record is durable according to the
// configured fsync policy. An I/O error is fatal and puts the WAL
// into read-only mode; it is never retried in place.
func (w *WAL) Append(op Op, collection string, payload []byte) (uint64, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, fmt.Errorf("wal: closed")
	}
	if w.readOnly {
		w.mu.Unlock()
		return 0, fmt.Errorf("wal: read-only after prior durability failure")
	}

	lsn := w.nextLSN
	body, err := msgpack.Marshal(frameBody{LSN: lsn, Collection: collection, Payload: payload})
	if err != nil {
		w.mu.Unlock()
		return 0, fmt.Errorf("wal: encode frame: %w", err)
	}

	if err := w.writeFrame(op, body); err != nil {
		w.readOnly = true
		w.mu.Unlock()
		return 0, fmt.Errorf("wal: write: %w", err)
	}
	w.nextLSN++

	switch w.policy {
	case FsyncEveryWrite:
		if err := w.flushAndSync(); err != nil {
			w.readOnly = true
			w.mu.Unlock()
			return 0, fmt.Errorf("wal: fsync: %w", err)
		}
		w.mu.Unlock()
	case FsyncNone:
		if err := w.w.Flush(); err != nil {
			w.readOnly = true
			w.mu.Unlock()
			return 0, fmt.Errorf("wal: flush: %w", err)
		}
		w.mu.Unlock()
	case FsyncGroupCommit:
		w.dirty = true
		target := w.epoch + 1
		for w.epoch < target && !w.readOnly {
			w.cond.Wait()
		}
		ro := w.readOnly
		w.mu.Unlock()
		if ro {
			return 0, fmt.Errorf("wal: fsync: durability failure during group commit")
		}
	}

	return lsn, nil
}

// writeFrame writes one frame to the buffered writer. Caller holds mu.
func (w *WAL) writeFrame(op Op, body []byte) error {
	var hdr [headerLen]byte
	copy(hdr[0:4], magic)
	hdr[4] = version
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(body)))

	crc := crc32.NewIEEE()
	crc.Write(hdr[5:9])
	crc.Write([]byte{byte(op)})
	crc.Write(body)

	if _, err := w.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.w.Write([]byte{byte(op)}); err != nil {
		return err
	}
	if _, err := w.w.Write(body); err != nil {
		return err
	}
	var trailer [trailerLen]byte
	binary.BigEndian.PutUint32(trailer[:], crc.Sum32())
	if _, err := w.w.Write(trailer[:]); err != nil {
		return err
	}
	return nil
}

func (w *WAL) flushAndSync() error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

// fsyncLoop is the background group-commit thread.
func (w *WAL) fsyncLoop() {
	defer w.wg.Done()
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			w.mu.Lock()
			if w.dirty {
				err := w.flushAndSync()
				w.dirty = false
				if err != nil {
					w.readOnly = true
				}
			}
			w.epoch++
			w.cond.Broadcast()
			w.mu.Unlock()
		case <-w.stopCh:
			return
		}
	}
}

// Replay calls fn for every record with LSN >= fromLSN, in order,
// stopping (without error) at the first framing or CRC mismatch: the
// remainder of the file is treated as a torn write and discarded.
// fn returning an error aborts replay and propagates that error.
func (w *WAL) Replay(fromLSN uint64, fn func(Record) error) error {
	w.mu.Lock()
	if err := w.flushAndSync(); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("wal: flush before replay: %w", err)
	}
	w.mu.Unlock()

	r, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("wal: reopen for replay: %w", err)
	}
	defer r.Close()

	br := bufio.NewReader(r)
	for {
		op, body, ok, err := readFrame(br)
		if err != nil {
			return fmt.Errorf("wal: replay: %w", err)
		}
		if !ok {
			return nil
		}
		var fb frameBody
		if err := msgpack.Unmarshal(body, &fb); err != nil {
			// Corrupt payload despite a valid CRC is treated the same
			// as a framing error: stop, discard the remainder.
			return nil
		}
		if fb.LSN < fromLSN {
			continue
		}
		rec := Record{LSN: fb.LSN, Op: op, Collection: fb.Collection, Payload: fb.Payload}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Truncate discards the prefix of the log up to and including
// upToLSN, typically called after a full state snapshot. LSNs are
// never reused or renumbered.
func (w *WAL) Truncate(upToLSN uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushAndSync(); err != nil {
		return fmt.Errorf("wal: flush before truncate: %w", err)
	}

	src, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("wal: reopen for truncate: %w", err)
	}
	defer src.Close()

	tmpPath := w.path + ".compact"
	dst, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("wal: create compaction file: %w", err)
	}

	br := bufio.NewReader(src)
	bw := bufio.NewWriter(dst)
	for {
		op, body, ok, err := readFrame(br)
		if err != nil || !ok {
			break
		}
		var fb frameBody
		if err := msgpack.Unmarshal(body, &fb); err != nil {
			break
		}
		if fb.LSN <= upToLSN {
			continue
		}
		var hdr [headerLen]byte
		copy(hdr[0:4], magic)
		hdr[4] = version
		binary.BigEndian.PutUint32(hdr[5:9], uint32(len(body)))
		crc := crc32.NewIEEE()
		crc.Write(hdr[5:9])
		crc.Write([]byte{byte(op)})
		crc.Write(body)
		var trailer [trailerLen]byte
		binary.BigEndian.PutUint32(trailer[:], crc.Sum32())

		bw.Write(hdr[:])
		bw.Write([]byte{byte(op)})
		bw.Write(body)
		bw.Write(trailer[:])
	}
	if err := bw.Flush(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("wal: flush compaction file: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("wal: sync compaction file: %w", err)
	}
	dst.Close()

	if err := w.f.Close(); err != nil {
		return fmt.Errorf("wal: close old log: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("wal: replace log: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: reopen after truncate: %w", err)
	}
	w.f = f
	w.w = bufio.NewWriter(f)
	return nil
}

// Close stops the background fsync thread (if any) and closes the
// underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	flushErr := w.flushAndSync()
	w.mu.Unlock()

	if w.stopCh != nil {
		w.stopOnce.Do(func() { close(w.stopCh) })
		w.wg.Wait()
	}
	if err := w.f.Close(); err != nil {
		return err
	}
	return flushErr
}

// ReadOnly reports whether a prior durability failure has put the WAL
// into read-only mode.
func (w *WAL) ReadOnly() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readOnly
}

// scanValidPrefix walks f from the start, validating framing and CRC,
// and returns the byte length of the valid prefix plus the highest
// LSN seen. It never returns a partial-record error: a torn or
// corrupt tail simply ends the valid prefix early.
func scanValidPrefix(f *os.File, logger logging.Logger) (int64, uint64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, 0, err
	}
	br := bufio.NewReader(f)

	var offset int64
	var lastLSN uint64
	for {
		op, body, ok, consumed, err := readFrameCounting(br)
		if err != nil {
			return 0, 0, fmt.Errorf("wal: scan: %w", err)
		}
		if !ok {
			break
		}
		var fb frameBody
		if err := msgpack.Unmarshal(body, &fb); err != nil {
			logger.Warn("wal: corrupt frame payload, discarding tail", "offset", offset)
			break
		}
		_ = op
		offset += consumed
		if fb.LSN > lastLSN {
			lastLSN = fb.LSN
		}
	}
	return offset, lastLSN, nil
}

// readFrame reads one frame, returning ok=false at clean EOF and a
// nil error at a torn/corrupt record (both treated as "stop here").
func readFrame(br *bufio.Reader) (Op, []byte, bool, error) {
	op, body, ok, _, err := readFrameCounting(br)
	return op, body, ok, err
}

func readFrameCounting(br *bufio.Reader) (Op, []byte, bool, int64, error) {
	var hdr [headerLen]byte
	n, err := io.ReadFull(br, hdr[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return 0, nil, false, 0, nil
		}
		// Partial header: torn write, stop without surfacing an error.
		return 0, nil, false, 0, nil
	}
	if string(hdr[0:4]) != magic || hdr[4] != version {
		return 0, nil, false, 0, nil
	}
	length := binary.BigEndian.Uint32(hdr[5:9])
	if length > maxFrameBytes {
		return 0, nil, false, 0, nil
	}

	rest := make([]byte, 1+int(length)+trailerLen)
	if _, err := io.ReadFull(br, rest); err != nil {
		return 0, nil, false, 0, nil
	}
	op := Op(rest[0])
	body := rest[1 : 1+length]
	storedCRC := binary.BigEndian.Uint32(rest[1+length:])

	crc := crc32.NewIEEE()
	crc.Write(hdr[5:9])
	crc.Write(rest[0:1])
	crc.Write(body)
	if crc.Sum32() != storedCRC {
		return 0, nil, false, 0, nil
	}

	consumed := int64(headerLen + 1 + int(length) + trailerLen)
	return op, body, true, consumed, nil
}
