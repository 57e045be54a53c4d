package vectra

import (
	"time"

	"github.com/nodalsystems/vectra/pkg/logging"
	"github.com/nodalsystems/vectra/pkg/wal"
)

// FsyncPolicy re-exports the WAL's durability policy so callers never
// need to import pkg/wal directly just to construct a Config.
type FsyncPolicy = wal.FsyncPolicy

const (
	FsyncEveryWrite  = wal.FsyncEveryWrite
	FsyncGroupCommit = wal.FsyncGroupCommit
	FsyncNone        = wal.FsyncNone
)

// Config is the single construction-time configuration object for a
// VectorStore. It is a plain struct passed once by the host process;
// there is no external config-file loader (see DESIGN.md).
type Config struct {
	// DataDir is the directory holding every collection subdirectory,
	// the shared wal.log, and the process lock file.
	DataDir string

	// WALFsyncPolicy controls when a write becomes durable.
	WALFsyncPolicy FsyncPolicy
	// GroupCommitInterval is the batching window used when
	// WALFsyncPolicy is FsyncGroupCommit. Defaults to 5ms if zero.
	GroupCommitInterval time.Duration

	// MemoryBudgetBytes bounds how much vector data RebuildIndexes
	// holds in memory at once per collection; it streams in batches
	// when vector_count * dimension * 4 exceeds this budget. Zero
	// means no bound (rebuild the whole collection in one batch).
	MemoryBudgetBytes int64

	// DefaultEfSearch is used when a Search call does not specify ef.
	DefaultEfSearch int

	Logger logging.Logger

	// RandSeed makes HNSW level assignment deterministic when set;
	// nil means a time-seeded, non-reproducible generator.
	RandSeed *int64
}

// DefaultConfig returns sane defaults for dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:             dataDir,
		WALFsyncPolicy:      FsyncGroupCommit,
		GroupCommitInterval: 5 * time.Millisecond,
		MemoryBudgetBytes:   256 << 20,
		DefaultEfSearch:     50,
		Logger:              logging.NewProduction(),
	}
}
