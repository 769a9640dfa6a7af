package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/0xmhha/registry-indexer/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// gooseMu guards goose's package-level dialect and filesystem
var gooseMu sync.Mutex

// SQLStore implements Store on a relational database through sqlx
type SQLStore struct {
	db      *sqlx.DB
	network string
	logger  *zap.Logger
	closed  atomic.Bool

	// writeMu serializes read-merge-write cycles
	writeMu sync.Mutex

	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

func dialectFor(driver string) (string, error) {
	switch driver {
	case "sqlite3":
		return "sqlite3", nil
	case "postgres":
		return "postgres", nil
	default:
		return "", fmt.Errorf("unsupported sql driver %q", driver)
	}
}

// NewSQLStore connects, tunes the pool and runs migrations
func NewSQLStore(ctx context.Context, cfg *Config, logger *zap.Logger) (*SQLStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(db, cfg.Driver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate db: %w", err)
	}

	return &SQLStore{
		db:      db,
		network: cfg.Network,
		logger:  logger.Named("sql"),
		now:     time.Now,
	}, nil
}

func migrate(db *sqlx.DB, driver string) error {
	dialect, err := dialectFor(driver)
	if err != nil {
		return err
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	// goose needs the *sql.DB that sqlx wraps
	return goose.Up(db.DB, "migrations")
}

// Backend returns the backend name
func (s *SQLStore) Backend() string { return BackendSQL }

// Close closes the database
func (s *SQLStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) ensureNotClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// recordRow is the relational shape of a record
type recordRow struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	Definition   string         `db:"definition"`
	Publisher    string         `db:"publisher"`
	BlockNumber  int64          `db:"block_number"`
	LogIndex     int64          `db:"log_index"`
	BlockTime    int64          `db:"block_time"`
	OriginTxHash string         `db:"origin_tx_hash"`
	ParentID     sql.NullString `db:"parent_id"`
	IsPublic     bool           `db:"is_public"`
	Metadata     string         `db:"metadata"`
	CreatedAt    int64          `db:"created_at"`
	UpdatedAt    int64          `db:"updated_at"`
	EnrichedAt   int64          `db:"enriched_at"`
}

const recordColumns = `id, name, definition, publisher, block_number, log_index, block_time,
	origin_tx_hash, parent_id, is_public, metadata, created_at, updated_at, enriched_at`

func toRow(r *types.Record) (*recordRow, error) {
	row := &recordRow{
		ID:           r.ID.Hex(),
		Name:         r.Name,
		Definition:   r.Definition,
		Publisher:    r.Publisher.Hex(),
		BlockNumber:  int64(r.BlockNumber),
		LogIndex:     int64(r.LogIndex),
		BlockTime:    int64(r.Timestamp),
		OriginTxHash: r.OriginTxHash.Hex(),
		IsPublic:     r.IsPublic,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		EnrichedAt:   r.EnrichedAt,
	}
	if r.ParentID != nil {
		row.ParentID = sql.NullString{String: r.ParentID.Hex(), Valid: true}
	}
	if len(r.Metadata) > 0 {
		data, err := json.Marshal(r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
		row.Metadata = string(data)
	}
	return row, nil
}

func (row *recordRow) toRecord() (*types.Record, error) {
	r := &types.Record{
		ID:           common.HexToHash(row.ID),
		Name:         row.Name,
		Definition:   row.Definition,
		Publisher:    common.HexToAddress(row.Publisher),
		BlockNumber:  uint64(row.BlockNumber),
		LogIndex:     uint(row.LogIndex),
		Timestamp:    uint64(row.BlockTime),
		OriginTxHash: common.HexToHash(row.OriginTxHash),
		IsPublic:     row.IsPublic,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
		EnrichedAt:   row.EnrichedAt,
	}
	if row.ParentID.Valid {
		parent := common.HexToHash(row.ParentID.String)
		r.ParentID = &parent
	}
	if row.Metadata != "" {
		if err := json.Unmarshal([]byte(row.Metadata), &r.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata of %s: %v", ErrInvalidData, row.ID, err)
		}
	}
	return r, nil
}

func rowsToRecords(rows []recordRow) ([]*types.Record, error) {
	out := make([]*types.Record, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ============================================================================
// Records
// ============================================================================

// GetRecord returns a record by id
func (s *SQLStore) GetRecord(ctx context.Context, id common.Hash) (*types.Record, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	return getRecord(ctx, s.db, id)
}

func getRecord(ctx context.Context, q sqlx.QueryerContext, id common.Hash) (*types.Record, error) {
	var row recordRow
	query := sqlx.Rebind(sqlx.BindType(driverOf(q)), `SELECT `+recordColumns+` FROM records WHERE id = ?`)
	if err := sqlx.GetContext(ctx, q, &row, query, id.Hex()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get record %s: %w", id.Hex(), err)
	}
	return row.toRecord()
}

// driverOf returns the driver name of a sqlx handle
func driverOf(q sqlx.QueryerContext) string {
	switch h := q.(type) {
	case *sqlx.DB:
		return h.DriverName()
	case *sqlx.Tx:
		return h.DriverName()
	}
	return ""
}

// SaveRecord merges r over the stored record
func (s *SQLStore) SaveRecord(ctx context.Context, r *types.Record) (SaveResult, error) {
	results, err := s.SaveRecords(ctx, []*types.Record{r})
	if err != nil {
		return SaveResult{}, err
	}
	return results[0], nil
}

// SaveRecords merges a batch of records in one transaction
func (s *SQLStore) SaveRecords(ctx context.Context, records []*types.Record) ([]SaveResult, error) {
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

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().Unix()
	pending := make(map[common.Hash]*types.Record, len(records))
	results := make([]SaveResult, 0, len(records))
	var created int64

	upsert := `INSERT INTO records (` + recordColumns + `)
		VALUES (:id, :name, :definition, :publisher, :block_number, :log_index, :block_time,
			:origin_tx_hash, :parent_id, :is_public, :metadata, :created_at, :updated_at, :enriched_at)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			definition = excluded.definition,
			publisher = excluded.publisher,
			block_number = excluded.block_number,
			log_index = excluded.log_index,
			block_time = excluded.block_time,
			origin_tx_hash = excluded.origin_tx_hash,
			parent_id = excluded.parent_id,
			is_public = excluded.is_public,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at,
			enriched_at = excluded.enriched_at`

	for _, r := range records {
		existing, ok := pending[r.ID]
		if !ok {
			stored, err := getRecord(ctx, tx, r.ID)
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

		row, err := toRow(merged)
		if err != nil {
			return nil, err
		}
		if _, err := tx.NamedExecContext(ctx, upsert, row); err != nil {
			return nil, fmt.Errorf("failed to upsert record %s: %w", r.ID.Hex(), err)
		}

		isNew := existing == nil
		if isNew {
			created++
			if err := s.observePublisher(ctx, tx, merged); err != nil {
				return nil, err
			}
		}
		results = append(results, SaveResult{Record: merged.Clone(), Created: isNew})
	}

	if created > 0 {
		if err := s.ensureProgressRow(ctx, tx); err != nil {
			return nil, err
		}
		query := tx.Rebind(`UPDATE indexer_progress SET total_indexed = total_indexed + ? WHERE network = ?`)
		if _, err := tx.ExecContext(ctx, query, created, s.network); err != nil {
			return nil, fmt.Errorf("failed to update total indexed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit records: %w", err)
	}
	return results, nil
}

type publisherRow struct {
	Publisher string `db:"publisher"`
	Count     int64  `db:"record_count"`
	FirstSeen int64  `db:"first_seen"`
	LastSeen  int64  `db:"last_seen"`
}

func (row publisherRow) toStats() *types.PublisherStats {
	return &types.PublisherStats{
		Publisher: common.HexToAddress(row.Publisher),
		Count:     uint64(row.Count),
		FirstSeen: uint64(row.FirstSeen),
		LastSeen:  uint64(row.LastSeen),
	}
}

func (s *SQLStore) observePublisher(ctx context.Context, tx *sqlx.Tx, r *types.Record) error {
	ps := &types.PublisherStats{Publisher: r.Publisher}

	var row publisherRow
	query := tx.Rebind(`SELECT publisher, record_count, first_seen, last_seen FROM publisher_stats WHERE publisher = ?`)
	err := tx.GetContext(ctx, &row, query, r.Publisher.Hex())
	switch {
	case err == nil:
		ps = row.toStats()
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("failed to get publisher stats: %w", err)
	}

	ps.Observe(r)

	upsert := tx.Rebind(`INSERT INTO publisher_stats (publisher, record_count, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (publisher) DO UPDATE SET
			record_count = excluded.record_count,
			first_seen = excluded.first_seen,
			last_seen = excluded.last_seen`)
	if _, err := tx.ExecContext(ctx, upsert, ps.Publisher.Hex(), int64(ps.Count), int64(ps.FirstSeen), int64(ps.LastSeen)); err != nil {
		return fmt.Errorf("failed to update publisher stats: %w", err)
	}
	return nil
}

func (s *SQLStore) selectRecords(ctx context.Context, where string, args ...interface{}) ([]*types.Record, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	query := `SELECT ` + recordColumns + ` FROM records`
	if where != "" {
		query += ` WHERE ` + where
	}
	query += ` ORDER BY block_number, log_index, id`

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	return rowsToRecords(rows)
}

// GetAllRecords returns every record ordered by chain position
func (s *SQLStore) GetAllRecords(ctx context.Context) ([]*types.Record, error) {
	return s.selectRecords(ctx, "")
}

// GetRecordsByPublisher returns the records of one publisher
func (s *SQLStore) GetRecordsByPublisher(ctx context.Context, publisher common.Address) ([]*types.Record, error) {
	return s.selectRecords(ctx, "publisher = ?", publisher.Hex())
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchByName returns records whose name contains query
func (s *SQLStore) SearchByName(ctx context.Context, query string) ([]*types.Record, error) {
	pattern := "%" + likeEscaper.Replace(strings.ToLower(query)) + "%"
	return s.selectRecords(ctx, `name <> '' AND LOWER(name) LIKE ? ESCAPE '\'`, pattern)
}

// GetUnenrichedRecords returns records still missing name or definition
func (s *SQLStore) GetUnenrichedRecords(ctx context.Context, limit int) ([]*types.Record, error) {
	out, err := s.selectRecords(ctx, "name = '' OR definition = ''")
	if err != nil {
		return nil, err
	}
	return limitRecords(out, limit), nil
}

// ============================================================================
// Progress
// ============================================================================

type progressRow struct {
	Network           string `db:"network"`
	LastScannedHeight int64  `db:"last_scanned_height"`
	LastSyncTime      int64  `db:"last_sync_time"`
	TotalIndexed      int64  `db:"total_indexed"`
	Healthy           bool   `db:"healthy"`
}

func loadProgress(ctx context.Context, q sqlx.QueryerContext, network string) (*types.IndexerProgress, error) {
	var row progressRow
	query := sqlx.Rebind(sqlx.BindType(driverOf(q)), `SELECT network, last_scanned_height, last_sync_time, total_indexed, healthy
		FROM indexer_progress WHERE network = ?`)
	err := sqlx.GetContext(ctx, q, &row, query, network)
	if errors.Is(err, sql.ErrNoRows) {
		return &types.IndexerProgress{Network: network}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}
	return &types.IndexerProgress{
		Network:           row.Network,
		LastScannedHeight: uint64(row.LastScannedHeight),
		LastSyncTime:      row.LastSyncTime,
		TotalIndexed:      uint64(row.TotalIndexed),
		Healthy:           row.Healthy,
	}, nil
}

func (s *SQLStore) ensureProgressRow(ctx context.Context, tx *sqlx.Tx) error {
	query := tx.Rebind(`INSERT INTO indexer_progress (network) VALUES (?) ON CONFLICT (network) DO NOTHING`)
	if _, err := tx.ExecContext(ctx, query, s.network); err != nil {
		return fmt.Errorf("failed to create progress row: %w", err)
	}
	return nil
}

// GetProgress returns the network progress
func (s *SQLStore) GetProgress(ctx context.Context) (*types.IndexerProgress, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	return loadProgress(ctx, s.db, s.network)
}

// UpdateProgress applies a partial update
func (s *SQLStore) UpdateProgress(ctx context.Context, u types.ProgressUpdate) (*types.IndexerProgress, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var p *types.IndexerProgress
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if p, err = loadProgress(ctx, tx, s.network); err != nil {
			return err
		}
		u.Apply(p)
		return s.writeProgress(ctx, tx, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ResetProgress rewinds the scanned height
func (s *SQLStore) ResetProgress(ctx context.Context) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		p, err := loadProgress(ctx, tx, s.network)
		if err != nil {
			return err
		}
		p.LastScannedHeight = 0
		p.LastSyncTime = 0
		return s.writeProgress(ctx, tx, p)
	})
}

func (s *SQLStore) writeProgress(ctx context.Context, tx *sqlx.Tx, p *types.IndexerProgress) error {
	query := tx.Rebind(`INSERT INTO indexer_progress (network, last_scanned_height, last_sync_time, total_indexed, healthy)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (network) DO UPDATE SET
			last_scanned_height = excluded.last_scanned_height,
			last_sync_time = excluded.last_sync_time,
			total_indexed = excluded.total_indexed,
			healthy = excluded.healthy`)
	_, err := tx.ExecContext(ctx, query, s.network, int64(p.LastScannedHeight), p.LastSyncTime, int64(p.TotalIndexed), p.Healthy)
	if err != nil {
		return fmt.Errorf("failed to write progress: %w", err)
	}
	return nil
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ============================================================================
// Stats
// ============================================================================

// GetStats summarizes the record set
func (s *SQLStore) GetStats(ctx context.Context) (*types.Stats, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	var row struct {
		Total      int64 `db:"total"`
		Enriched   int64 `db:"enriched"`
		Pending    int64 `db:"pending"`
		Public     int64 `db:"public_count"`
		Publishers int64 `db:"publishers"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT
		COUNT(*) AS total,
		COALESCE(SUM(CASE WHEN enriched_at <> 0 THEN 1 ELSE 0 END), 0) AS enriched,
		COALESCE(SUM(CASE WHEN name = '' OR definition = '' THEN 1 ELSE 0 END), 0) AS pending,
		COALESCE(SUM(CASE WHEN is_public THEN 1 ELSE 0 END), 0) AS public_count,
		COUNT(DISTINCT publisher) AS publishers
		FROM records`)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	progress, err := loadProgress(ctx, s.db, s.network)
	if err != nil {
		return nil, err
	}

	return &types.Stats{
		TotalRecords:      uint64(row.Total),
		EnrichedRecords:   uint64(row.Enriched),
		PendingEnrichment: uint64(row.Pending),
		PublicRecords:     uint64(row.Public),
		Publishers:        uint64(row.Publishers),
		Progress:          progress,
	}, nil
}

// GetPublisherStats returns the aggregated view for one publisher
func (s *SQLStore) GetPublisherStats(ctx context.Context, publisher common.Address) (*types.PublisherStats, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	var row publisherRow
	query := s.db.Rebind(`SELECT publisher, record_count, first_seen, last_seen FROM publisher_stats WHERE publisher = ?`)
	if err := s.db.GetContext(ctx, &row, query, publisher.Hex()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get publisher stats: %w", err)
	}
	return row.toStats(), nil
}
