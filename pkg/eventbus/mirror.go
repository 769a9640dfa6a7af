package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/registry-indexer/internal/constants"
	"github.com/0xmhha/registry-indexer/pkg/metrics"
)

// Sink is an external destination for mirrored events
type Sink interface {
	// Name identifies the sink in logs and metrics
	Name() string

	// Write sends one encoded envelope
	Write(ctx context.Context, env Envelope, payload []byte) error

	// Close releases the underlying client
	Close() error
}

// MirrorConfig configures a Mirror
type MirrorConfig struct {
	Network      string
	IndexerName  string
	BufferSize   int
	WriteTimeout time.Duration
}

// Mirror forwards every bus event to a Sink from its own goroutine.
// Events are dropped when the buffer is full so publishers never block.
type Mirror struct {
	cfg     MirrorConfig
	sink    Sink
	bus     *Bus
	subID   string
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan Event

	done     chan struct{}
	stopOnce sync.Once
}

// NewMirror subscribes to every event type on bus and starts forwarding.
func NewMirror(bus *Bus, sink Sink, cfg MirrorConfig, logger *zap.Logger, m *metrics.Metrics) (*Mirror, error) {
	if bus == nil || sink == nil {
		return nil, fmt.Errorf("%w: mirror needs a bus and a sink", ErrInvalidConfiguration)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = constants.DefaultMirrorBufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = constants.DefaultMirrorWriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	mr := &Mirror{
		cfg:     cfg,
		sink:    sink,
		bus:     bus,
		subID:   "mirror-" + sink.Name(),
		logger:  logger.Named("mirror").With(zap.String("sink", sink.Name())),
		metrics: m,
		queue:   make(chan Event, cfg.BufferSize),
		done:    make(chan struct{}),
	}

	if err := bus.Subscribe(mr.subID, nil, mr.enqueue); err != nil {
		return nil, fmt.Errorf("failed to subscribe mirror: %w", err)
	}

	go mr.run()
	return mr, nil
}

func (mr *Mirror) enqueue(_ context.Context, ev Event) error {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	if mr.closed {
		return nil
	}
	select {
	case mr.queue <- ev:
	default:
		mr.metrics.IncMirrorDropped(mr.sink.Name())
		mr.logger.Warn("mirror buffer full, dropping event", zap.String("event", string(ev.Type)))
	}
	return nil
}

func (mr *Mirror) run() {
	defer close(mr.done)

	for ev := range mr.queue {
		mr.forward(ev)
	}
}

func (mr *Mirror) forward(ev Event) {
	env := NewEnvelope(ev, mr.cfg.Network, mr.cfg.IndexerName)
	payload, err := env.Marshal()
	if err != nil {
		mr.metrics.IncMirrorWrite(mr.sink.Name(), false)
		mr.logger.Error("failed to encode event", zap.String("event", string(ev.Type)), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mr.cfg.WriteTimeout)
	defer cancel()

	if err := mr.sink.Write(ctx, env, payload); err != nil {
		mr.metrics.IncMirrorWrite(mr.sink.Name(), false)
		mr.logger.Warn("failed to mirror event", zap.String("event", string(ev.Type)), zap.Error(err))
		return
	}
	mr.metrics.IncMirrorWrite(mr.sink.Name(), true)
}

// Stop unsubscribes, flushes the buffered events and closes the sink.
func (mr *Mirror) Stop() error {
	var err error
	mr.stopOnce.Do(func() {
		_ = mr.bus.Unsubscribe(mr.subID)

		mr.mu.Lock()
		mr.closed = true
		close(mr.queue)
		mr.mu.Unlock()

		<-mr.done
		err = mr.sink.Close()
	})
	return err
}

// Name returns the sink name.
func (mr *Mirror) Name() string {
	return mr.sink.Name()
}
