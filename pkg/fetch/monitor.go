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
	"github.com/0xmhha/registry-indexer/pkg/types"
)

// MonitorState is the lifecycle state of the real-time monitor
type MonitorState int32

const (
	StateStopped MonitorState = iota
	StateConnecting
	StateWatching
	StateReconnecting
)

func (s MonitorState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateWatching:
		return "watching"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// ErrMonitorRunning is returned by Start while the monitor runs
var ErrMonitorRunning = errors.New("realtime monitor already running")

// ErrReconnectExhausted is reported when every reconnect attempt failed
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// RealtimeMonitor tails the chain head and indexes new registrations as
// they appear. Connectivity loss triggers a bounded reconnect sequence.
type RealtimeMonitor struct {
	*pipeline
	logger *zap.Logger

	mu      sync.Mutex
	state   MonitorState
	healthy bool
	cursor  uint64
	running bool
	cancel  context.CancelFunc
	timer   *time.Timer
	done    chan struct{}
}

// NewRealtimeMonitor creates a monitor in the Stopped state
func NewRealtimeMonitor(cfg *Config, deps Deps) (*RealtimeMonitor, error) {
	p, err := newPipeline(cfg, deps)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	close(done)
	return &RealtimeMonitor{
		pipeline: p,
		logger:   p.deps.Logger.Named("monitor"),
		done:     done,
	}, nil
}

// State returns the current state
func (m *RealtimeMonitor) State() MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Healthy reports whether the monitor is watching the chain
func (m *RealtimeMonitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// Cursor returns the last block processed by the monitor
func (m *RealtimeMonitor) Cursor() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

// Done is closed when the poll loop has exited
func (m *RealtimeMonitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

func (m *RealtimeMonitor) setState(s MonitorState, healthy bool) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.healthy = healthy
	m.mu.Unlock()

	m.deps.Metrics.SetMonitorState(int(s), healthy)
	if prev != s {
		m.logger.Info("monitor state changed", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// Start launches the poll loop. The loop connects, then polls every
// PollInterval until Stop is called or reconnection is exhausted.
func (m *RealtimeMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrMonitorRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.setState(StateConnecting, false)
	go m.run(loopCtx, done)
	return nil
}

// Stop cancels the poll loop and any pending reconnect timer, then waits
// for the loop to exit. It is safe to call more than once.
func (m *RealtimeMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	if m.timer != nil {
		m.timer.Stop()
	}
	done := m.done
	m.mu.Unlock()

	<-done
	m.logger.Info("realtime monitor stopped")
}

func (m *RealtimeMonitor) run(ctx context.Context, done chan struct{}) {
	defer func() {
		m.setState(StateStopped, false)
		close(done)
	}()

	if err := m.connect(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("failed to establish session", zap.Error(err))
		if !m.reconnect(ctx, err) {
			return
		}
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := m.poll(ctx); err != nil && !m.handlePollError(ctx, err) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// connect reads the head and seeds the cursor from the checkpoint, or from
// the head on a fresh index.
func (m *RealtimeMonitor) connect(ctx context.Context) error {
	head, err := m.currentHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current height: %w", err)
	}

	progress, err := m.deps.Store.GetProgress(ctx)
	if err != nil {
		return fmt.Errorf("failed to get progress: %w", err)
	}

	cursor := head
	if progress.LastSyncTime != 0 || progress.LastScannedHeight > 0 {
		cursor = progress.LastScannedHeight
	}

	m.mu.Lock()
	m.cursor = cursor
	m.mu.Unlock()

	m.setState(StateWatching, true)
	m.logger.Info("watching chain head", zap.Uint64("head", head), zap.Uint64("cursor", cursor))
	m.publish(ctx, eventbus.NewEvent(eventbus.EventTypeConnectionEstablished, eventbus.ConnectionData{
		Network: m.cfg.Network,
	}))
	return nil
}

// poll processes the blocks between the cursor and the head, capped at
// MaxBlocksPerPoll. The cursor only moves once the batch is persisted.
func (m *RealtimeMonitor) poll(ctx context.Context) error {
	head, err := m.currentHeight(ctx)
	if err != nil {
		return err
	}

	cursor := m.Cursor()
	if head <= cursor {
		return nil
	}
	to := head
	if head-cursor > m.cfg.MaxBlocksPerPoll {
		to = cursor + m.cfg.MaxBlocksPerPoll
	}

	logs, err := m.getLogs(ctx, cursor+1, to)
	if err != nil {
		return err
	}

	stats, err := m.processLogs(ctx, eventbus.SourceRealtime, logs)
	if err != nil {
		return err
	}
	if _, err := m.checkpoint(ctx, to); err != nil {
		return err
	}

	m.mu.Lock()
	if to > m.cursor {
		m.cursor = to
	}
	m.mu.Unlock()

	if stats.Logs > 0 {
		m.logger.Debug("poll processed",
			zap.Uint64("from", cursor+1),
			zap.Uint64("to", to),
			zap.Int("indexed", stats.Indexed),
			zap.Int("existing", stats.Existing),
			zap.Int("failed", stats.Failed))
	}
	return nil
}

// handlePollError reacts to a failed poll and reports whether the loop
// should keep running.
func (m *RealtimeMonitor) handlePollError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	switch resilience.ClassifyError(err) {
	case resilience.ClassIgnorable:
		m.logger.Debug("ignoring poll error", zap.Error(err))
		return true
	case resilience.ClassConnectivity:
		m.logger.Warn("connection lost", zap.Error(err))
		return m.reconnect(ctx, err)
	default:
		m.logger.Error("poll failed", zap.Uint64("cursor", m.Cursor()), zap.Error(err))
		m.publish(ctx, eventbus.NewErrorEvent("realtime_poll", err, map[string]interface{}{
			"cursor": m.Cursor(),
		}))
		return true
	}
}

// reconnect retries the session with a linearly growing delay. It returns
// false when the monitor was stopped or every attempt failed.
func (m *RealtimeMonitor) reconnect(ctx context.Context, cause error) bool {
	m.setState(StateReconnecting, false)
	m.publish(ctx, eventbus.NewEvent(eventbus.EventTypeConnectionLost, eventbus.ConnectionData{
		Network: m.cfg.Network,
		Reason:  cause.Error(),
	}))

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		delay := m.cfg.ReconnectDelay * time.Duration(attempt)
		if !m.wait(ctx, delay) {
			return false
		}

		lastErr = m.deps.Ledger.Reconnect(ctx)
		if lastErr == nil {
			_, lastErr = m.currentHeight(ctx)
		}
		if lastErr == nil {
			m.deps.Metrics.IncReconnect("success")
			m.setState(StateWatching, true)
			if _, err := m.deps.Store.UpdateProgress(ctx, types.HealthUpdate(true)); err != nil {
				m.logger.Warn("failed to record health", zap.Error(err))
			}
			m.logger.Info("reconnected", zap.Int("attempt", attempt))
			m.publish(ctx, eventbus.NewEvent(eventbus.EventTypeConnectionEstablished, eventbus.ConnectionData{
				Network: m.cfg.Network,
				Attempt: attempt,
			}))
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		m.deps.Metrics.IncReconnect("failure")
		m.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.cfg.MaxReconnectAttempts),
			zap.Error(lastErr))
	}

	err := fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, m.cfg.MaxReconnectAttempts, lastErr)
	m.logger.Error("giving up on realtime monitoring", zap.Error(err))
	m.setState(StateStopped, false)
	if _, uerr := m.deps.Store.UpdateProgress(context.WithoutCancel(ctx), types.HealthUpdate(false)); uerr != nil {
		m.logger.Warn("failed to record health", zap.Error(uerr))
	}
	m.publish(ctx, eventbus.NewErrorEvent("realtime_reconnect", err, map[string]interface{}{
		"attempts": m.cfg.MaxReconnectAttempts,
	}))
	return false
}

// wait sleeps on the monitor-owned timer so Stop can cancel it.
func (m *RealtimeMonitor) wait(ctx context.Context, d time.Duration) bool {
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	timer := time.NewTimer(d)
	m.timer = timer
	m.mu.Unlock()

	defer func() {
		timer.Stop()
		m.mu.Lock()
		if m.timer == timer {
			m.timer = nil
		}
		m.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
