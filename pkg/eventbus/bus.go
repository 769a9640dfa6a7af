package eventbus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/0xmhha/registry-indexer/pkg/metrics"
)

// Handler consumes one event. Returned errors are logged, never propagated.
type Handler func(ctx context.Context, ev Event) error

// Publisher is the producing side of the bus
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

type subscription struct {
	id      string
	types   map[EventType]struct{}
	handler Handler
}

func (s *subscription) wants(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus delivers events synchronously to subscribers in subscription order.
// A failing or panicking handler does not affect the others or the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs []*subscription

	logger  *zap.Logger
	metrics *metrics.Metrics
}

var _ Publisher = (*Bus)(nil)

// NewBus creates an empty bus. m may be nil.
func NewBus(logger *zap.Logger, m *metrics.Metrics) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger:  logger.Named("eventbus"),
		metrics: m,
	}
}

// Subscribe registers handler for the given types. No types means all.
func (b *Bus) Subscribe(id string, eventTypes []EventType, handler Handler) error {
	if id == "" {
		return fmt.Errorf("%w: empty subscription id", ErrInvalidConfiguration)
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrInvalidConfiguration, id)
	}

	sub := &subscription{
		id:      id,
		types:   make(map[EventType]struct{}, len(eventTypes)),
		handler: handler,
	}
	for _, t := range eventTypes {
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		if s.id == id {
			return fmt.Errorf("%w: %s", ErrDuplicateSubscription, id)
		}
	}
	b.subs = append(b.subs, sub)

	b.logger.Debug("subscriber added", zap.String("id", id), zap.Int("types", len(eventTypes)))
	return nil
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
}

// SubscriberCount returns the number of subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers ev to every matching subscriber before returning.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(ev.Type) {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	b.metrics.IncPublished(string(ev.Type))

	for _, s := range subs {
		if err := b.deliver(ctx, s, ev); err != nil {
			b.metrics.IncHandlerError(s.id)
			b.logger.Warn("event handler failed",
				zap.String("subscriber", s.id),
				zap.String("event", string(ev.Type)),
				zap.Error(err),
			)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, s *subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, ev)
}
