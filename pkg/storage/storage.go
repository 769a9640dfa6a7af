// Package storage persists indexed records and indexer progress behind a
// single Store contract with interchangeable backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0xmhha/registry-indexer/pkg/types"
)

// Common errors
var (
	// ErrNotFound is returned when a record is not found
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned when operating on a closed storage
	ErrClosed = errors.New("storage closed")

	// ErrInvalidData is returned when stored data cannot be decoded
	ErrInvalidData = errors.New("invalid data")

	// ErrInvalidRecord is returned for records without an id
	ErrInvalidRecord = errors.New("invalid record")
)

// Backend names
const (
	BackendPebble = "pebble"
	BackendSQL    = "sql"
)

// SaveResult reports the merged record and whether it was first seen
type SaveResult struct {
	Record  *types.Record
	Created bool
}

// RecordReader provides read access to records
type RecordReader interface {
	// GetRecord returns a record by id or ErrNotFound
	GetRecord(ctx context.Context, id common.Hash) (*types.Record, error)

	// GetAllRecords returns every record ordered by chain position
	GetAllRecords(ctx context.Context) ([]*types.Record, error)

	// GetRecordsByPublisher returns the records of one publisher
	GetRecordsByPublisher(ctx context.Context, publisher common.Address) ([]*types.Record, error)

	// SearchByName returns records whose name contains query, case-insensitively
	SearchByName(ctx context.Context, query string) ([]*types.Record, error)

	// GetUnenrichedRecords returns up to limit records still missing
	// descriptive fields. limit <= 0 means no limit.
	GetUnenrichedRecords(ctx context.Context, limit int) ([]*types.Record, error)
}

// RecordWriter provides upsert access to records
type RecordWriter interface {
	// SaveRecord merges r over any stored record with the same id
	SaveRecord(ctx context.Context, r *types.Record) (SaveResult, error)

	// SaveRecords merges a batch atomically
	SaveRecords(ctx context.Context, records []*types.Record) ([]SaveResult, error)
}

// ProgressStore holds the per-network checkpoint
type ProgressStore interface {
	// GetProgress returns the progress, zero-valued on first run
	GetProgress(ctx context.Context) (*types.IndexerProgress, error)

	// UpdateProgress applies a partial update atomically
	UpdateProgress(ctx context.Context, u types.ProgressUpdate) (*types.IndexerProgress, error)

	// ResetProgress rewinds the checkpoint to zero. Operator action only.
	ResetProgress(ctx context.Context) error
}

// Store combines every storage capability used by the pipeline
type Store interface {
	RecordReader
	RecordWriter
	ProgressStore

	// GetStats summarizes the record set
	GetStats(ctx context.Context) (*types.Stats, error)

	// GetPublisherStats returns the aggregated view for one publisher
	GetPublisherStats(ctx context.Context, publisher common.Address) (*types.PublisherStats, error)

	// Backend returns the backend name
	Backend() string

	// Close releases resources
	Close() error
}

// Config selects and configures a backend
type Config struct {
	// Backend is "pebble" or "sql". Empty selects sql when DSN is set.
	Backend string

	// Network scopes the progress row
	Network string

	// Pebble
	Path         string
	Cache        int // MB
	MaxOpenFiles int
	FS           vfs.FS

	// SQL
	Driver   string
	DSN      string
	MaxConns int
}

// DefaultConfig returns a Pebble configuration rooted at path
func DefaultConfig(path, network string) *Config {
	return &Config{
		Backend:      BackendPebble,
		Network:      network,
		Path:         path,
		Cache:        64,
		MaxOpenFiles: 1000,
		Driver:       "sqlite3",
		MaxConns:     10,
	}
}

// ResolveBackend returns the backend Open would pick
func (c *Config) ResolveBackend() string {
	if c.Backend != "" {
		return c.Backend
	}
	if c.DSN != "" {
		return BackendSQL
	}
	return BackendPebble
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Network == "" {
		return errors.New("network cannot be empty")
	}
	switch c.ResolveBackend() {
	case BackendPebble:
		if c.Path == "" && c.FS == nil {
			return errors.New("path cannot be empty")
		}
		if c.Cache < 0 {
			return errors.New("cache size cannot be negative")
		}
	case BackendSQL:
		if c.DSN == "" {
			return errors.New("dsn cannot be empty")
		}
		if _, err := dialectFor(c.Driver); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Backend)
	}
	return nil
}

// Open resolves the backend once and returns the store
func Open(ctx context.Context, cfg *Config, logger *zap.Logger) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	backend := cfg.ResolveBackend()
	logger.Info("opening storage",
		zap.String("backend", backend),
		zap.String("network", cfg.Network))

	switch backend {
	case BackendSQL:
		return NewSQLStore(ctx, cfg, logger)
	default:
		return NewPebbleStore(cfg, logger)
	}
}

// sortRecords orders records by chain position
func sortRecords(records []*types.Record) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		if a.LogIndex != b.LogIndex {
			return a.LogIndex < b.LogIndex
		}
		return a.ID.Hex() < b.ID.Hex()
	})
}

// limitRecords truncates to limit when positive
func limitRecords(records []*types.Record, limit int) []*types.Record {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}

func validateRecord(r *types.Record) error {
	if r == nil || r.ID == (common.Hash{}) {
		return ErrInvalidRecord
	}
	return nil
}
