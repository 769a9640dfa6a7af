package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0xmhha/registry-indexer/pkg/types"
)

// PebbleStore implements Store using PebbleDB
type PebbleStore struct {
	db      *pebble.DB
	network string
	logger  *zap.Logger
	closed  atomic.Bool

	// writeMu serializes read-merge-write cycles
	writeMu sync.Mutex

	now func() time.Time
}

var _ Store = (*PebbleStore)(nil)

// NewPebbleStore opens (or creates) a PebbleDB store
func NewPebbleStore(cfg *Config, logger *zap.Logger) (*PebbleStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	cacheSize := int64(cfg.Cache) << 20
	if cacheSize == 0 {
		cacheSize = 8 << 20
	}
	cache := pebble.NewCache(cacheSize)
	defer cache.Unref()

	opts := &pebble.Options{
		Cache:        cache,
		MaxOpenFiles: cfg.MaxOpenFiles,
	}
	if cfg.FS != nil {
		opts.FS = cfg.FS
	}

	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &PebbleStore{
		db:      db,
		network: cfg.Network,
		logger:  logger.Named("pebble"),
		now:     time.Now,
	}, nil
}

// Backend returns the backend name
func (s *PebbleStore) Backend() string { return BackendPebble }

// Close closes the storage and releases resources
func (s *PebbleStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *PebbleStore) ensureNotClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// getJSON decodes the value at key into v. Returns ErrNotFound when missing.
func (s *PebbleStore) getJSON(key []byte, v interface{}) error {
	value, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()

	if err := json.Unmarshal(value, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidData, key, err)
	}
	return nil
}

func setJSON(batch *pebble.Batch, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return batch.Set(key, data, nil)
}

// ============================================================================
// Records
// ============================================================================

// GetRecord returns a record by id
func (s *PebbleStore) GetRecord(ctx context.Context, id common.Hash) (*types.Record, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	var r types.Record
	if err := s.getJSON(RecordKey(id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// SaveRecord merges r over the stored record
func (s *PebbleStore) SaveRecord(ctx context.Context, r *types.Record) (SaveResult, error) {
	results, err := s.SaveRecords(ctx, []*types.Record{r})
	if err != nil {
		return SaveResult{}, err
	}
	return results[0], nil
}

// SaveRecords merges a batch of records in one atomic Pebble batch
func (s *PebbleStore) SaveRecords(ctx context.Context, records []*types.Record) ([]SaveResult, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	for _, r := range records {
		if err := validateRecord(r); err != nil {
			return nil, err
		}
	}
	if len(records) == 0 {
		return nil, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now().Unix()
	batch := s.db.NewBatch()
	defer batch.Close()

	// pending holds records already merged earlier in this batch
	pending := make(map[common.Hash]*types.Record, len(records))
	publishers := make(map[common.Address]*types.PublisherStats)
	results := make([]SaveResult, 0, len(records))
	var created uint64

	for _, r := range records {
		existing, ok := pending[r.ID]
		if !ok {
			stored, err := s.GetRecord(ctx, r.ID)
			switch {
			case err == nil:
				existing = stored
			case errors.Is(err, ErrNotFound):
			default:
				return nil, err
			}
		}

		merged := types.MergeRecord(existing, r, now)
		pending[r.ID] = merged

		if err := setJSON(batch, RecordKey(r.ID), merged); err != nil {
			return nil, err
		}

		isNew := existing == nil
		if isNew {
			created++
			if err := batch.Set(PublisherIndexKey(merged.Publisher, merged.ID), nil, nil); err != nil {
				return nil, fmt.Errorf("failed to index publisher: %w", err)
			}
			ps, err := s.publisherStatsFor(merged.Publisher, publishers)
			if err != nil {
				return nil, err
			}
			ps.Observe(merged)
		}
		results = append(results, SaveResult{Record: merged.Clone(), Created: isNew})
	}

	for addr, ps := range publishers {
		if err := setJSON(batch, PublisherStatsKey(addr), ps); err != nil {
			return nil, err
		}
	}

	if created > 0 {
		progress, err := s.loadProgress()
		if err != nil {
			return nil, err
		}
		progress.TotalIndexed += created
		if err := setJSON(batch, ProgressKey(s.network), progress); err != nil {
			return nil, err
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to commit records: %w", err)
	}

	return results, nil
}

func (s *PebbleStore) publisherStatsFor(addr common.Address, cache map[common.Address]*types.PublisherStats) (*types.PublisherStats, error) {
	if ps, ok := cache[addr]; ok {
		return ps, nil
	}
	ps := &types.PublisherStats{Publisher: addr}
	if err := s.getJSON(PublisherStatsKey(addr), ps); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	cache[addr] = ps
	return ps, nil
}

// scanRecords iterates every record and keeps those accepted by keep
func (s *PebbleStore) scanRecords(keep func(*types.Record) bool) ([]*types.Record, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	prefix := RecordPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: incrementPrefix(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var out []*types.Record
	for iter.First(); iter.Valid(); iter.Next() {
		var r types.Record
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			s.logger.Warn("skipping undecodable record",
				zap.ByteString("key", iter.Key()),
				zap.Error(err))
			continue
		}
		if keep == nil || keep(&r) {
			out = append(out, &r)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}

	sortRecords(out)
	return out, nil
}

// GetAllRecords returns every record ordered by chain position
func (s *PebbleStore) GetAllRecords(ctx context.Context) ([]*types.Record, error) {
	return s.scanRecords(nil)
}

// GetRecordsByPublisher returns the records of one publisher
func (s *PebbleStore) GetRecordsByPublisher(ctx context.Context, publisher common.Address) ([]*types.Record, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	prefix := PublisherIndexPrefix(publisher)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: incrementPrefix(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var out []*types.Record
	for iter.First(); iter.Valid(); iter.Next() {
		id, err := ParseIndexedID(iter.Key())
		if err != nil {
			return nil, err
		}
		r, err := s.GetRecord(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load indexed record %s: %w", id.Hex(), err)
		}
		out = append(out, r)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate publisher index: %w", err)
	}

	sortRecords(out)
	return out, nil
}

// SearchByName returns records whose name contains query
func (s *PebbleStore) SearchByName(ctx context.Context, query string) ([]*types.Record, error) {
	needle := strings.ToLower(query)
	return s.scanRecords(func(r *types.Record) bool {
		return r.Name != "" && strings.Contains(strings.ToLower(r.Name), needle)
	})
}

// GetUnenrichedRecords returns records still missing name or definition
func (s *PebbleStore) GetUnenrichedRecords(ctx context.Context, limit int) ([]*types.Record, error) {
	out, err := s.scanRecords(func(r *types.Record) bool { return r.NeedsEnrichment() })
	if err != nil {
		return nil, err
	}
	return limitRecords(out, limit), nil
}

// ============================================================================
// Progress
// ============================================================================

func (s *PebbleStore) loadProgress() (*types.IndexerProgress, error) {
	p := &types.IndexerProgress{Network: s.network}
	if err := s.getJSON(ProgressKey(s.network), p); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return p, nil
}

// GetProgress returns the network progress
func (s *PebbleStore) GetProgress(ctx context.Context) (*types.IndexerProgress, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	return s.loadProgress()
}

// UpdateProgress applies a partial update
func (s *PebbleStore) UpdateProgress(ctx context.Context, u types.ProgressUpdate) (*types.IndexerProgress, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	p, err := s.loadProgress()
	if err != nil {
		return nil, err
	}
	u.Apply(p)

	if err := s.writeProgress(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ResetProgress rewinds the scanned height
func (s *PebbleStore) ResetProgress(ctx context.Context) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	p, err := s.loadProgress()
	if err != nil {
		return err
	}
	p.LastScannedHeight = 0
	p.LastSyncTime = 0
	return s.writeProgress(p)
}

func (s *PebbleStore) writeProgress(p *types.IndexerProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	if err := s.db.Set(ProgressKey(s.network), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write progress: %w", err)
	}
	return nil
}

// ============================================================================
// Stats
// ============================================================================

// GetStats summarizes the record set
func (s *PebbleStore) GetStats(ctx context.Context) (*types.Stats, error) {
	records, err := s.scanRecords(nil)
	if err != nil {
		return nil, err
	}

	stats := &types.Stats{}
	publishers := make(map[common.Address]struct{})
	for _, r := range records {
		stats.TotalRecords++
		if r.EnrichedAt != 0 {
			stats.EnrichedRecords++
		}
		if r.NeedsEnrichment() {
			stats.PendingEnrichment++
		}
		if r.IsPublic {
			stats.PublicRecords++
		}
		publishers[r.Publisher] = struct{}{}
	}
	stats.Publishers = uint64(len(publishers))

	progress, err := s.loadProgress()
	if err != nil {
		return nil, err
	}
	stats.Progress = progress
	return stats, nil
}

// GetPublisherStats returns the aggregated view for one publisher
func (s *PebbleStore) GetPublisherStats(ctx context.Context, publisher common.Address) (*types.PublisherStats, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	var ps types.PublisherStats
	if err := s.getJSON(PublisherStatsKey(publisher), &ps); err != nil {
		return nil, err
	}
	return &ps, nil
}
