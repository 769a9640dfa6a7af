// Package enricher completes stored records with the descriptive fields
// read from the registry contract.
package enricher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0xmhha/registry-indexer/internal/constants"
	"github.com/0xmhha/registry-indexer/pkg/client"
	"github.com/0xmhha/registry-indexer/pkg/eventbus"
	"github.com/0xmhha/registry-indexer/pkg/metrics"
	"github.com/0xmhha/registry-indexer/pkg/resilience"
	"github.com/0xmhha/registry-indexer/pkg/storage"
	"github.com/0xmhha/registry-indexer/pkg/types"
)

// ErrSchemaNotFound is returned when the registry has no entry for an id
var ErrSchemaNotFound = errors.New("schema not found in registry")

const subscriberID = "enricher"

// Config configures the enricher
type Config struct {
	// Registry is the contract queried with getSchema
	Registry common.Address

	Workers   int
	QueueSize int

	// Retry is the budget of one getSchema call
	Retry resilience.RetryPolicy
}

// Enricher fetches registry metadata for records that still miss it.
type Enricher struct {
	cfg     Config
	ledger  client.Ledger
	store   storage.Store
	limiter *resilience.RateLimiter
	bus     *eventbus.Bus
	abi     abi.ABI
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	pending map[common.Hash]struct{}
	queue   chan common.Hash
	running bool
	closed  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an enricher. limiter, bus and m may be nil.
func New(
	ledger client.Ledger,
	store storage.Store,
	limiter *resilience.RateLimiter,
	bus *eventbus.Bus,
	cfg Config,
	logger *zap.Logger,
	m *metrics.Metrics,
) (*Enricher, error) {
	if ledger == nil || store == nil {
		return nil, fmt.Errorf("enricher needs a ledger and a store")
	}
	parsed, err := parseRegistryABI()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = constants.DefaultEnrichWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = constants.DefaultEnrichQueueSize
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = resilience.DefaultRetryPolicy().WithMaxAttempts(constants.DefaultEventRetryMaxAttempts)
	}

	return &Enricher{
		cfg:     cfg,
		ledger:  ledger,
		store:   store,
		limiter: limiter,
		bus:     bus,
		abi:     parsed,
		logger:  logger.Named("enricher"),
		metrics: m,
		now:     time.Now,
		pending: make(map[common.Hash]struct{}),
		queue:   make(chan common.Hash, cfg.QueueSize),
	}, nil
}

// Enrich reads the registry entry of id and merges it into the stored record.
func (e *Enricher) Enrich(ctx context.Context, id common.Hash) (*types.Record, error) {
	existing, err := e.store.GetRecord(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s: %w", id.Hex(), err)
	}

	info, err := e.fetchSchema(ctx, id)
	if err != nil {
		e.metrics.IncEnrich("failure")
		return nil, err
	}

	incoming := &types.Record{
		ID:         id,
		Name:       info.Name,
		Definition: info.Definition,
		IsPublic:   info.IsPublic,
		Metadata:   info.metadata(),
		EnrichedAt: e.now().Unix(),
	}
	switch {
	case info.ParentID == (common.Hash{}):
	case info.ParentID == id:
		e.logger.Warn("ignoring self-referencing parent", zap.String("id", id.Hex()))
	default:
		parent := info.ParentID
		incoming.ParentID = &parent
	}
	if existing.ParentID != nil && incoming.ParentID != nil && *existing.ParentID != *incoming.ParentID {
		e.logger.Warn("registry reports a different parent, keeping the stored one",
			zap.String("id", id.Hex()),
			zap.String("stored", existing.ParentID.Hex()),
			zap.String("reported", incoming.ParentID.Hex()))
	}

	res, err := e.store.SaveRecord(ctx, incoming)
	if err != nil {
		e.metrics.IncEnrich("failure")
		return nil, fmt.Errorf("failed to save enriched record %s: %w", id.Hex(), err)
	}

	e.metrics.IncEnrich("success")
	e.logger.Debug("record enriched", zap.String("id", id.Hex()), zap.String("name", res.Record.Name))
	if e.bus != nil {
		e.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventTypeRecordEnriched, eventbus.EnrichedData{Record: res.Record}))
	}
	return res.Record, nil
}

func (e *Enricher) fetchSchema(ctx context.Context, id common.Hash) (*SchemaInfo, error) {
	input, err := e.abi.Pack(getSchemaMethod, [32]byte(id))
	if err != nil {
		return nil, fmt.Errorf("failed to pack getSchema call: %w", err)
	}
	registry := e.cfg.Registry
	msg := ethereum.CallMsg{To: &registry, Data: input}

	policy := e.cfg.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		e.metrics.IncRetry("get_schema")
		e.logger.Debug("retrying getSchema",
			zap.String("id", id.Hex()),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	out, err := resilience.Do(ctx, policy, func(ctx context.Context) ([]byte, error) {
		data, err := e.call(ctx, msg)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, resilience.Permanent(fmt.Errorf("%w: %s", ErrSchemaNotFound, id.Hex()))
		}
		return data, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call getSchema: %w", err)
	}

	info, err := decodeSchema(e.abi, out)
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (e *Enricher) call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	if e.limiter == nil {
		return e.ledger.CallContract(ctx, msg)
	}
	return resilience.Call(ctx, e.limiter, func(ctx context.Context) ([]byte, error) {
		return e.ledger.CallContract(ctx, msg)
	})
}

// HandleEvent queues records announced by record.indexed that are still
// incomplete.
func (e *Enricher) HandleEvent(_ context.Context, ev eventbus.Event) error {
	if ev.Type != eventbus.EventTypeRecordIndexed {
		return nil
	}
	data, ok := ev.Data.(eventbus.IndexedData)
	if !ok || data.Record == nil {
		return fmt.Errorf("unexpected payload %T for %s", ev.Data, ev.Type)
	}
	if data.Record.NeedsEnrichment() {
		e.Enqueue(data.Record.ID)
	}
	return nil
}

// Enqueue schedules id unless it is already queued or the queue is full.
func (e *Enricher) Enqueue(id common.Hash) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false
	}
	if _, ok := e.pending[id]; ok {
		return false
	}
	select {
	case e.queue <- id:
		e.pending[id] = struct{}{}
		e.metrics.SetEnrichQueueDepth(len(e.queue))
		return true
	default:
		e.logger.Warn("enrichment queue full, deferring to next sweep", zap.String("id", id.Hex()))
		return false
	}
}

// EnrichPending queues up to limit stored records that still need
// enrichment and returns how many were queued.
func (e *Enricher) EnrichPending(ctx context.Context, limit int) (int, error) {
	records, err := e.store.GetUnenrichedRecords(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list unenriched records: %w", err)
	}

	queued := 0
	for _, r := range records {
		if e.Enqueue(r.ID) {
			queued++
		}
	}
	if queued > 0 {
		e.logger.Info("queued records for enrichment", zap.Int("count", queued), zap.Int("candidates", len(records)))
	}
	return queued, nil
}

// Start subscribes to record.indexed and launches the workers. A failed
// subscription leaves the enricher stopped.
func (e *Enricher) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running || e.closed {
		e.mu.Unlock()
		return fmt.Errorf("enricher already started")
	}
	e.running = true
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.mu.Unlock()

	if e.bus != nil {
		if err := e.bus.Subscribe(subscriberID, []eventbus.EventType{eventbus.EventTypeRecordIndexed}, e.HandleEvent); err != nil {
			e.mu.Lock()
			e.running = false
			e.mu.Unlock()
			cancel()
			return fmt.Errorf("failed to subscribe enricher: %w", err)
		}
	}

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(workerCtx, i)
	}

	e.logger.Info("enricher started", zap.Int("workers", e.cfg.Workers))
	return nil
}

func (e *Enricher) worker(ctx context.Context, id int) {
	defer e.wg.Done()

	for recordID := range e.queue {
		e.mu.Lock()
		delete(e.pending, recordID)
		e.metrics.SetEnrichQueueDepth(len(e.queue))
		e.mu.Unlock()

		if ctx.Err() != nil {
			continue
		}
		if _, err := e.Enrich(ctx, recordID); err != nil {
			level := zap.WarnLevel
			if errors.Is(err, ErrSchemaNotFound) || errors.Is(err, context.Canceled) {
				level = zap.DebugLevel
			}
			e.logger.Log(level, "enrichment failed",
				zap.Int("worker_id", id),
				zap.String("id", recordID.Hex()),
				zap.Error(err))
		}
	}
}

// Stop unsubscribes, cancels in-flight calls and waits for the workers.
// Records left unenriched are picked up by the next sweep.
func (e *Enricher) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	wasRunning := e.running
	close(e.queue)
	e.mu.Unlock()

	if !wasRunning {
		return
	}
	if e.bus != nil {
		_ = e.bus.Unsubscribe(subscriberID)
	}
	e.cancel()
	e.wg.Wait()
	e.logger.Info("enricher stopped")
}

// QueueDepth returns the number of queued ids.
func (e *Enricher) QueueDepth() int {
	return len(e.queue)
}
