package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestBus_PublishInSubscriptionOrder(t *testing.T) {
	bus := NewBus(zap.NewNop(), nil)

	var order []string
	for _, id := range []string{"first", "second", "third"} {
		id := id
		require.NoError(t, bus.Subscribe(id, nil, func(ctx context.Context, ev Event) error {
			order = append(order, id)
			return nil
		}))
	}

	bus.Publish(context.Background(), NewEvent(EventTypeRecordIndexed, nil))

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestBus_FiltersByType(t *testing.T) {
	bus := NewBus(zap.NewNop(), nil)

	var indexed, all atomic.Int32
	require.NoError(t, bus.Subscribe("indexed", []EventType{EventTypeRecordIndexed}, func(ctx context.Context, ev Event) error {
		indexed.Add(1)
		return nil
	}))
	require.NoError(t, bus.Subscribe("all", nil, func(ctx context.Context, ev Event) error {
		all.Add(1)
		return nil
	}))

	ctx := context.Background()
	bus.Publish(ctx, NewEvent(EventTypeRecordIndexed, nil))
	bus.Publish(ctx, NewEvent(EventTypeRecordDiscovered, nil))
	bus.Publish(ctx, NewEvent(EventTypeIndexerError, nil))

	assert.Equal(t, int32(1), indexed.Load())
	assert.Equal(t, int32(3), all.Load())
}

func TestBus_IsolatesFailingHandlers(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	bus := NewBus(zap.New(core), nil)

	var reached atomic.Bool
	require.NoError(t, bus.Subscribe("erroring", nil, func(ctx context.Context, ev Event) error {
		return errors.New("boom")
	}))
	require.NoError(t, bus.Subscribe("panicking", nil, func(ctx context.Context, ev Event) error {
		panic("kaboom")
	}))
	require.NoError(t, bus.Subscribe("healthy", nil, func(ctx context.Context, ev Event) error {
		reached.Store(true)
		return nil
	}))

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), NewEvent(EventTypeRecordEnriched, nil))
	})
	assert.True(t, reached.Load())
	assert.Equal(t, 2, logs.FilterMessage("event handler failed").Len())
}

func TestBus_SubscribeValidation(t *testing.T) {
	bus := NewBus(nil, nil)
	noop := func(ctx context.Context, ev Event) error { return nil }

	assert.ErrorIs(t, bus.Subscribe("", nil, noop), ErrInvalidConfiguration)
	assert.ErrorIs(t, bus.Subscribe("x", nil, nil), ErrInvalidConfiguration)

	require.NoError(t, bus.Subscribe("x", nil, noop))
	assert.ErrorIs(t, bus.Subscribe("x", nil, noop), ErrDuplicateSubscription)
	assert.Equal(t, 1, bus.SubscriberCount())
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil, nil)

	var calls atomic.Int32
	require.NoError(t, bus.Subscribe("a", nil, func(ctx context.Context, ev Event) error {
		calls.Add(1)
		return nil
	}))

	bus.Publish(context.Background(), NewEvent(EventTypeRecordIndexed, nil))
	require.NoError(t, bus.Unsubscribe("a"))
	bus.Publish(context.Background(), NewEvent(EventTypeRecordIndexed, nil))

	assert.Equal(t, int32(1), calls.Load())
	assert.ErrorIs(t, bus.Unsubscribe("a"), ErrSubscriptionNotFound)
}

func TestBus_HandlerMayPublish(t *testing.T) {
	bus := NewBus(nil, nil)

	var enriched atomic.Int32
	require.NoError(t, bus.Subscribe("chain", []EventType{EventTypeRecordIndexed}, func(ctx context.Context, ev Event) error {
		bus.Publish(ctx, NewEvent(EventTypeRecordEnriched, nil))
		return nil
	}))
	require.NoError(t, bus.Subscribe("sink", []EventType{EventTypeRecordEnriched}, func(ctx context.Context, ev Event) error {
		enriched.Add(1)
		return nil
	}))

	bus.Publish(context.Background(), NewEvent(EventTypeRecordIndexed, nil))
	assert.Equal(t, int32(1), enriched.Load())
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(nil, nil)

	var count atomic.Int64
	require.NoError(t, bus.Subscribe("counter", nil, func(ctx context.Context, ev Event) error {
		count.Add(1)
		return nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(context.Background(), NewEvent(EventTypeRecordIndexed, nil))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), count.Load())
}

func TestParseEventType(t *testing.T) {
	for _, et := range AllEventTypes() {
		got, err := ParseEventType(string(et))
		require.NoError(t, err)
		assert.Equal(t, et, got)
	}

	_, err := ParseEventType("block.new")
	assert.ErrorIs(t, err, ErrInvalidEventType)
}
