package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/registry-indexer/pkg/eventbus"
	"github.com/0xmhha/registry-indexer/pkg/resilience"
)

// ErrScanInProgress is returned when a scan is requested while one runs
var ErrScanInProgress = errors.New("historical scan already in progress")

// Window is an inclusive block range
type Window struct {
	From uint64
	To   uint64
}

// Size returns the number of blocks in the window
func (w Window) Size() uint64 {
	if w.To < w.From {
		return 0
	}
	return w.To - w.From + 1
}

// Windows splits [start, end] into contiguous, non-overlapping windows of
// batchSize blocks. The last window may be shorter.
func Windows(start, end, batchSize uint64) []Window {
	if start > end {
		return nil
	}
	if batchSize == 0 {
		batchSize = 1
	}

	windows := make([]Window, 0, (end-start)/batchSize+1)
	for from := start; ; {
		to := end
		if end-from >= batchSize {
			to = from + batchSize - 1
		}
		windows = append(windows, Window{From: from, To: to})
		if to == end {
			break
		}
		from = to + 1
	}
	return windows
}

// ScanResult summarizes a scan
type ScanResult struct {
	From    uint64
	To      uint64
	Windows int
	BatchStats
}

// HistoricalScanner backfills a bounded block range window by window and
// advances the checkpoint after each window.
type HistoricalScanner struct {
	*pipeline
	logger *zap.Logger

	mu sync.Mutex
}

// NewHistoricalScanner creates a scanner
func NewHistoricalScanner(cfg *Config, deps Deps) (*HistoricalScanner, error) {
	p, err := newPipeline(cfg, deps)
	if err != nil {
		return nil, err
	}
	return &HistoricalScanner{
		pipeline: p,
		logger:   p.deps.Logger.Named("scanner"),
	}, nil
}

// Resume scans from the block after the checkpoint, or from the configured
// start height on a fresh index, up to the current head.
func (s *HistoricalScanner) Resume(ctx context.Context) (*ScanResult, error) {
	progress, err := s.deps.Store.GetProgress(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}

	start := s.cfg.StartHeight
	if progress.LastSyncTime != 0 || progress.LastScannedHeight > 0 {
		if next := progress.LastScannedHeight + 1; next > start {
			start = next
		}
	}
	return s.ScanToHead(ctx, start)
}

// ScanToHead scans [start, head] where head is read once before scanning.
func (s *HistoricalScanner) ScanToHead(ctx context.Context, start uint64) (*ScanResult, error) {
	policy := s.withRetry(s.cfg.LogRetry, "current_height")
	head, err := resilience.Do(ctx, policy, s.currentHeight)
	if err != nil {
		return nil, fmt.Errorf("failed to get current height: %w", err)
	}
	if start > head {
		s.logger.Debug("already at head", zap.Uint64("start", start), zap.Uint64("head", head))
		return &ScanResult{From: start, To: head}, nil
	}
	return s.Scan(ctx, start, head)
}

// Scan processes [start, end]. Only one scan runs at a time. Cancellation
// is observed between windows; a window in flight runs to completion.
func (s *HistoricalScanner) Scan(ctx context.Context, start, end uint64) (*ScanResult, error) {
	if !s.mu.TryLock() {
		return nil, ErrScanInProgress
	}
	defer s.mu.Unlock()

	result := &ScanResult{From: start, To: end}
	windows := Windows(start, end, s.cfg.BatchSize)
	if len(windows) == 0 {
		return result, nil
	}

	s.logger.Info("starting historical scan",
		zap.Uint64("from", start),
		zap.Uint64("to", end),
		zap.Int("windows", len(windows)))

	started := time.Now()
	for i, w := range windows {
		if err := ctx.Err(); err != nil {
			s.logger.Info("historical scan interrupted",
				zap.Uint64("next", w.From),
				zap.Int("windows_done", result.Windows))
			return result, err
		}

		stats, err := s.scanWindow(context.WithoutCancel(ctx), w)
		result.add(stats)
		if err != nil {
			s.publish(ctx, eventbus.NewErrorEvent("historical_scan", err, map[string]interface{}{
				"from": w.From,
				"to":   w.To,
			}))
			return result, fmt.Errorf("failed to scan window %d-%d: %w", w.From, w.To, err)
		}
		result.Windows++

		if i < len(windows)-1 && s.cfg.WindowPause > 0 {
			if err := resilience.Sleep(ctx, s.cfg.WindowPause); err != nil {
				return result, err
			}
		}
	}

	s.logger.Info("historical scan complete",
		zap.Uint64("from", start),
		zap.Uint64("to", end),
		zap.Int("indexed", result.Indexed),
		zap.Int("existing", result.Existing),
		zap.Int("failed", result.Failed),
		zap.Duration("elapsed", time.Since(started)))
	return result, nil
}

func (s *HistoricalScanner) scanWindow(ctx context.Context, w Window) (BatchStats, error) {
	started := time.Now()

	logs, err := s.getLogsWithRetry(ctx, w.From, w.To)
	if err != nil {
		return BatchStats{}, fmt.Errorf("failed to get logs: %w", err)
	}

	stats, err := s.processLogs(ctx, eventbus.SourceHistorical, logs)
	if err != nil {
		return stats, err
	}

	if _, err := s.checkpoint(ctx, w.To); err != nil {
		return stats, err
	}
	s.deps.Metrics.ObserveWindow(w.To, time.Since(started))

	s.logger.Debug("window scanned",
		zap.Uint64("from", w.From),
		zap.Uint64("to", w.To),
		zap.Int("logs", stats.Logs),
		zap.Int("indexed", stats.Indexed))
	return stats, nil
}
