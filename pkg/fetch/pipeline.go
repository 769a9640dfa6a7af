package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0xmhha/registry-indexer/pkg/client"
	"github.com/0xmhha/registry-indexer/pkg/eventbus"
	"github.com/0xmhha/registry-indexer/pkg/resilience"
	"github.com/0xmhha/registry-indexer/pkg/storage"
	"github.com/0xmhha/registry-indexer/pkg/types"
)

// pipeline turns registry logs into stored records. It is shared by the
// historical scanner and the real-time monitor.
type pipeline struct {
	cfg  *Config
	deps Deps
	now  func() time.Time
}

// BatchStats summarizes one processed batch of logs
type BatchStats struct {
	Logs     int
	Indexed  int
	Existing int
	Failed   int
}

func (s *BatchStats) add(o BatchStats) {
	s.Logs += o.Logs
	s.Indexed += o.Indexed
	s.Existing += o.Existing
	s.Failed += o.Failed
}

func newPipeline(cfg *Config, deps Deps) (*pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &pipeline{cfg: cfg, deps: deps, now: time.Now}, nil
}

func (p *pipeline) limited(ctx context.Context, op func(ctx context.Context) error) error {
	if p.deps.Limiter == nil {
		return op(ctx)
	}
	return p.deps.Limiter.Do(ctx, op)
}

func (p *pipeline) withRetry(policy resilience.RetryPolicy, operation string, fields ...zap.Field) resilience.RetryPolicy {
	logger := p.deps.Logger
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		p.deps.Metrics.IncRetry(operation)
		logger.Debug("retrying remote call",
			append(fields,
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))...)
	}
	return policy
}

func (p *pipeline) currentHeight(ctx context.Context) (uint64, error) {
	var head uint64
	err := p.limited(ctx, func(ctx context.Context) error {
		h, err := p.deps.Ledger.CurrentHeight(ctx)
		head = h
		return err
	})
	return head, err
}

func (p *pipeline) getLogs(ctx context.Context, from, to uint64) ([]types.EventLog, error) {
	var logs []types.EventLog
	err := p.limited(ctx, func(ctx context.Context) error {
		l, err := p.deps.Ledger.GetLogs(ctx, client.LogQuery{
			Address:        p.cfg.Registry,
			EventSignature: p.cfg.EventSignature,
			FromHeight:     from,
			ToHeight:       to,
		})
		logs = l
		return err
	})
	return logs, err
}

// getLogsWithRetry runs a window query under the log retry budget.
func (p *pipeline) getLogsWithRetry(ctx context.Context, from, to uint64) ([]types.EventLog, error) {
	policy := p.withRetry(p.cfg.LogRetry, "get_logs", zap.Uint64("from", from), zap.Uint64("to", to))
	return resilience.Do(ctx, policy, func(ctx context.Context) ([]types.EventLog, error) {
		return p.getLogs(ctx, from, to)
	})
}

// buildRecord fetches the block timestamp and the publisher of log.
func (p *pipeline) buildRecord(ctx context.Context, log types.EventLog) (*types.Record, error) {
	id := zap.String("id", log.ID.Hex())

	block, err := resilience.Do(ctx, p.withRetry(p.cfg.EventRetry, "get_block", id), func(ctx context.Context) (*types.BlockInfo, error) {
		var b *types.BlockInfo
		err := p.limited(ctx, func(ctx context.Context) error {
			var err error
			b, err = p.deps.Ledger.GetBlock(ctx, log.BlockNumber)
			return err
		})
		return b, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get block %d: %w", log.BlockNumber, err)
	}

	tx, err := resilience.Do(ctx, p.withRetry(p.cfg.EventRetry, "get_transaction", id), func(ctx context.Context) (*types.TxInfo, error) {
		var t *types.TxInfo
		err := p.limited(ctx, func(ctx context.Context) error {
			var err error
			t, err = p.deps.Ledger.GetTransaction(ctx, log.TxHash)
			return err
		})
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", log.TxHash.Hex(), err)
	}

	return &types.Record{
		ID:           log.ID,
		Publisher:    tx.From,
		BlockNumber:  log.BlockNumber,
		LogIndex:     log.LogIndex,
		Timestamp:    block.Timestamp,
		OriginTxHash: log.TxHash,
	}, nil
}

func (p *pipeline) publish(ctx context.Context, ev eventbus.Event) {
	if p.deps.Bus != nil {
		p.deps.Bus.Publish(ctx, ev)
	}
}

func (p *pipeline) eventFailed(ctx context.Context, source string, log types.EventLog, err error) {
	p.deps.Metrics.IncEventFailure(source)
	p.deps.Logger.Warn("skipping event after retries",
		zap.String("source", source),
		zap.String("id", log.ID.Hex()),
		zap.Uint64("block", log.BlockNumber),
		zap.Uint("log_index", log.LogIndex),
		zap.Error(err))
	p.publish(ctx, eventbus.NewErrorEvent("process_event", err, map[string]interface{}{
		"id":          log.ID.Hex(),
		"blockNumber": log.BlockNumber,
		"txHash":      log.TxHash.Hex(),
		"source":      source,
	}))
}

// processLogs persists the records of logs not stored yet in one batch.
// Ids already stored are not fetched again; the ones still incomplete are
// re-announced so enrichment can retry. A storage error aborts the batch.
func (p *pipeline) processLogs(ctx context.Context, source string, logs []types.EventLog) (BatchStats, error) {
	stats := BatchStats{Logs: len(logs)}
	seen := make(map[common.Hash]struct{}, len(logs))
	announce := source == eventbus.SourceRealtime

	var (
		records    []*types.Record
		incomplete []*types.Record
	)
	for _, log := range logs {
		if log.Removed || log.ID == (common.Hash{}) {
			continue
		}
		if _, dup := seen[log.ID]; dup {
			continue
		}
		seen[log.ID] = struct{}{}

		existing, err := p.deps.Store.GetRecord(ctx, log.ID)
		switch {
		case err == nil:
			stats.Existing++
			if existing.NeedsEnrichment() {
				incomplete = append(incomplete, existing)
			}
			continue
		case !errors.Is(err, storage.ErrNotFound):
			return stats, fmt.Errorf("failed to look up record %s: %w", log.ID.Hex(), err)
		}

		if announce {
			p.publish(ctx, eventbus.NewEvent(eventbus.EventTypeRecordDiscovered, eventbus.DiscoveredData{
				ID:          log.ID,
				BlockNumber: log.BlockNumber,
				TxHash:      log.TxHash,
				LogIndex:    log.LogIndex,
			}))
		}

		rec, err := p.buildRecord(ctx, log)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Failed++
			p.eventFailed(ctx, source, log, err)
			continue
		}
		records = append(records, rec)
	}

	if len(records) > 0 {
		results, err := p.deps.Store.SaveRecords(ctx, records)
		if err != nil {
			return stats, fmt.Errorf("failed to save records: %w", err)
		}
		for _, res := range results {
			if res.Created {
				stats.Indexed++
			} else {
				stats.Existing++
			}
			p.deps.Metrics.IncIndexed(source, res.Created)
			p.publish(ctx, eventbus.NewEvent(eventbus.EventTypeRecordIndexed, eventbus.IndexedData{
				Record: res.Record,
				IsNew:  res.Created,
				Source: source,
			}))
		}
	}

	for _, rec := range incomplete {
		p.publish(ctx, eventbus.NewEvent(eventbus.EventTypeRecordIndexed, eventbus.IndexedData{
			Record: rec,
			IsNew:  false,
			Source: source,
		}))
	}

	return stats, nil
}

// checkpoint records that every block through height has been processed.
func (p *pipeline) checkpoint(ctx context.Context, height uint64) (*types.IndexerProgress, error) {
	progress, err := p.deps.Store.UpdateProgress(ctx, types.ScannedThrough(height, p.now()))
	if err != nil {
		return nil, fmt.Errorf("failed to update progress: %w", err)
	}
	p.deps.Metrics.SetScannedHeight(progress.LastScannedHeight)
	return progress, nil
}
