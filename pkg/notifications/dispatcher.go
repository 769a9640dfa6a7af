package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0xmhha/registry-indexer/internal/constants"
	"github.com/0xmhha/registry-indexer/pkg/eventbus"
	"github.com/0xmhha/registry-indexer/pkg/metrics"
	"github.com/0xmhha/registry-indexer/pkg/resilience"
)

const subscriberID = "webhooks"

// DispatcherConfig configures the webhook dispatcher
type DispatcherConfig struct {
	Network     string
	IndexerName string
	Workers     int
	QueueSize   int

	// Backoff between attempts; the attempt budget comes from each subscription
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// Dispatcher fans bus events out to webhook subscriptions. The bus handler
// only enqueues; worker goroutines perform the HTTP requests with retries.
type Dispatcher struct {
	cfg     DispatcherConfig
	subs    []Subscription
	bus     *eventbus.Bus
	handler *WebhookHandler
	logger  *zap.Logger
	metrics *metrics.Metrics

	queue chan *Delivery

	// stopping releases publishers blocked on a full queue
	stopping chan struct{}
	stopOnce sync.Once

	mu      sync.RWMutex
	running bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher for subs. m may be nil.
func NewDispatcher(bus *eventbus.Bus, subs []Subscription, cfg DispatcherConfig, logger *zap.Logger, m *metrics.Metrics) (*Dispatcher, error) {
	if bus == nil {
		return nil, fmt.Errorf("%w: dispatcher needs an event bus", ErrInvalidSubscription)
	}
	for i := range subs {
		if err := subs[i].Validate(); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = constants.DefaultWebhookWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = constants.DefaultWebhookQueueSize
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = constants.DefaultRetryBaseDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = constants.DefaultRetryMultiplier
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = constants.DefaultWebhookMaxDelay
	}

	return &Dispatcher{
		cfg:      cfg,
		subs:     subs,
		bus:      bus,
		handler:  NewWebhookHandler(logger),
		logger:   logger.Named("notifications"),
		metrics:  m,
		queue:    make(chan *Delivery, cfg.QueueSize),
		stopping: make(chan struct{}),
	}, nil
}

// Start subscribes to the union of the configured event types and starts
// the workers. A failed subscription leaves the dispatcher stopped.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running || d.closed {
		d.mu.Unlock()
		return fmt.Errorf("webhook dispatcher already started")
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	d.mu.Unlock()

	if len(d.subs) > 0 {
		if err := d.bus.Subscribe(subscriberID, d.eventTypes(), d.handleEvent); err != nil {
			d.mu.Lock()
			d.running = false
			d.cancel()
			d.mu.Unlock()
			return fmt.Errorf("failed to subscribe to events: %w", err)
		}
	}

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	d.logger.Info("webhook dispatcher started",
		zap.Int("subscriptions", len(d.subs)),
		zap.Int("workers", d.cfg.Workers),
		zap.Int("queue_size", d.cfg.QueueSize),
	)
	return nil
}

// eventTypes returns the union of subscribed types, or nil for all.
func (d *Dispatcher) eventTypes() []eventbus.EventType {
	seen := make(map[eventbus.EventType]struct{})
	var out []eventbus.EventType
	for _, s := range d.subs {
		if len(s.Events) == 0 {
			return nil
		}
		for _, t := range s.Events {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				out = append(out, t)
			}
		}
	}
	return out
}

func (d *Dispatcher) handleEvent(ctx context.Context, ev eventbus.Event) error {
	env := eventbus.NewEnvelope(ev, d.cfg.Network, d.cfg.IndexerName)
	payload, err := env.Marshal()
	if err != nil {
		return err
	}

	for i := range d.subs {
		sub := &d.subs[i]
		if !sub.Wants(ev.Type) {
			continue
		}
		d.enqueue(ctx, &Delivery{
			ID:           uuid.New().String(),
			Subscription: sub,
			Event:        ev.Type,
			Payload:      payload,
			CreatedAt:    time.Now(),
		})
	}
	return nil
}

// enqueue blocks while the queue is full. It gives up only when the
// dispatcher is stopping or the publisher's ctx is done.
func (d *Dispatcher) enqueue(ctx context.Context, delivery *Delivery) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return
	}
	select {
	case d.queue <- delivery:
		d.metrics.SetWebhookQueueDepth(len(d.queue))
		return
	default:
	}

	d.logger.Debug("webhook queue full, waiting",
		zap.String("webhook", delivery.Subscription.ID),
		zap.Int("queue_size", d.cfg.QueueSize))

	select {
	case d.queue <- delivery:
		d.metrics.SetWebhookQueueDepth(len(d.queue))
	case <-d.stopping:
		d.abandon(delivery, "dispatcher stopping")
	case <-ctx.Done():
		d.abandon(delivery, "publisher cancelled")
	}
}

func (d *Dispatcher) abandon(delivery *Delivery, reason string) {
	d.metrics.ObserveWebhook(delivery.Subscription.ID, "dropped", 0)
	d.logger.Warn("webhook delivery not queued",
		zap.String("webhook", delivery.Subscription.ID),
		zap.String("event", string(delivery.Event)),
		zap.String("reason", reason))
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	d.logger.Debug("webhook worker started", zap.Int("worker_id", id))

	for delivery := range d.queue {
		d.metrics.SetWebhookQueueDepth(len(d.queue))
		d.process(delivery)
	}
}

func (d *Dispatcher) process(delivery *Delivery) {
	sub := delivery.Subscription
	policy := resilience.RetryPolicy{
		MaxAttempts: sub.MaxRetries,
		BaseDelay:   d.cfg.BaseDelay,
		Multiplier:  d.cfg.Multiplier,
		MaxDelay:    d.cfg.MaxDelay,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			d.logger.Debug("retrying webhook delivery",
				zap.String("webhook", sub.ID),
				zap.String("delivery_id", delivery.ID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		},
	}

	err := policy.Run(d.ctx, func(ctx context.Context) error {
		result, err := d.handler.Deliver(ctx, delivery)
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		d.metrics.ObserveWebhook(sub.ID, outcome, result.Duration)
		return err
	})
	if err == nil {
		return
	}

	var statusErr *StatusError
	fields := []zap.Field{
		zap.String("webhook", sub.ID),
		zap.String("delivery_id", delivery.ID),
		zap.String("event", string(delivery.Event)),
		zap.Error(err),
	}
	if errors.As(err, &statusErr) {
		fields = append(fields, zap.Int("status_code", statusErr.StatusCode))
	}
	d.logger.Warn("webhook delivery failed, dropping", fields...)
}

// Stop unsubscribes and drains queued deliveries. When ctx expires first,
// in-flight retries are abandoned and ctx's error is returned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stopping) })

	d.mu.Lock()
	if !d.running || d.closed {
		d.closed = true
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	_ = d.bus.Unsubscribe(subscriberID)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		d.logger.Info("webhook dispatcher stopped gracefully")
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		d.logger.Warn("webhook dispatcher stop timed out")
		return ctx.Err()
	}
}

// QueueDepth returns the number of pending deliveries.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}
