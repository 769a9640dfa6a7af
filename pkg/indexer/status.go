package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/0xmhha/registry-indexer/pkg/types"
)

// ScanStatus describes the most recent historical scan
type ScanStatus struct {
	From      uint64    `json:"from"`
	To        uint64    `json:"to"`
	Windows   int       `json:"windows"`
	Indexed   int       `json:"indexed"`
	Existing  int       `json:"existing"`
	Failed    int       `json:"failed"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	Duration  string    `json:"duration"`
}

// MonitorStatus describes the real-time monitor
type MonitorStatus struct {
	Enabled bool   `json:"enabled"`
	State   string `json:"state"`
	Healthy bool   `json:"healthy"`
	Cursor  uint64 `json:"cursor"`
}

// Status is the operational snapshot served by the ops endpoints
type Status struct {
	Network      string                 `json:"network"`
	Indexer      string                 `json:"indexer"`
	Backend      string                 `json:"backend"`
	Healthy      bool                   `json:"healthy"`
	Uptime       string                 `json:"uptime"`
	Progress     *types.IndexerProgress `json:"progress"`
	Stats        *types.Stats           `json:"stats,omitempty"`
	Monitor      MonitorStatus          `json:"monitor"`
	LastScan     *ScanStatus            `json:"lastScan,omitempty"`
	Subscribers  int                    `json:"subscribers"`
	EnrichQueue  int                    `json:"enrichQueue"`
	WebhookQueue int                    `json:"webhookQueue"`
	RPCInFlight  int                    `json:"rpcInFlight"`
}

// Healthy reports the persisted health flag, and the monitor's state when
// real-time monitoring is enabled.
func (ix *Indexer) Healthy(ctx context.Context) (bool, error) {
	progress, err := ix.store.GetProgress(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get progress: %w", err)
	}
	return ix.healthy(progress), nil
}

func (ix *Indexer) healthy(progress *types.IndexerProgress) bool {
	if !progress.Healthy {
		return false
	}
	if ix.monitor != nil {
		return ix.monitor.Healthy()
	}
	return true
}

// Status returns the current snapshot
func (ix *Indexer) Status(ctx context.Context) (*Status, error) {
	progress, err := ix.store.GetProgress(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}
	stats, err := ix.store.GetStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	status := &Status{
		Network:      ix.cfg.Network,
		Indexer:      ix.cfg.IndexerName,
		Backend:      ix.store.Backend(),
		Healthy:      ix.healthy(progress),
		Uptime:       time.Since(ix.startedAt).Round(time.Second).String(),
		Progress:     progress,
		Stats:        stats,
		Subscribers:  ix.bus.SubscriberCount(),
		EnrichQueue:  ix.enricher.QueueDepth(),
		WebhookQueue: ix.dispatcher.QueueDepth(),
		RPCInFlight:  ix.limiter.InFlight(),
	}
	if ix.monitor != nil {
		status.Monitor = MonitorStatus{
			Enabled: true,
			State:   ix.monitor.State().String(),
			Healthy: ix.monitor.Healthy(),
			Cursor:  ix.monitor.Cursor(),
		}
	}

	ix.mu.Lock()
	if ix.lastScan != nil {
		scan := *ix.lastScan
		status.LastScan = &scan
	}
	ix.mu.Unlock()

	return status, nil
}
