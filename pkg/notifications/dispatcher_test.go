package notifications

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xmhha/registry-indexer/pkg/eventbus"
)

func fastConfig() DispatcherConfig {
	return DispatcherConfig{
		Network:     "testnet",
		IndexerName: "registry",
		Workers:     2,
		QueueSize:   100,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxDelay:    5 * time.Millisecond,
	}
}

type collector struct {
	mu     sync.Mutex
	bodies []map[string]interface{}
	ids    []string
}

func (c *collector) add(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var decoded map[string]interface{}
	_ = json.Unmarshal(body, &decoded)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.bodies = append(c.bodies, decoded)
	c.ids = append(c.ids, r.Header.Get("X-Webhook-ID"))
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func TestDispatcher_DeliversEnvelope(t *testing.T) {
	got := &collector{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.add(r)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	bus := eventbus.NewBus(zap.NewNop(), nil)
	subs := []Subscription{{ID: "hook", URL: server.URL, Events: []eventbus.EventType{eventbus.EventTypeRecordIndexed}, MaxRetries: 3}}
	d, err := NewDispatcher(bus, subs, fastConfig(), zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	ctx := context.Background()
	bus.Publish(ctx, eventbus.Event{Type: eventbus.EventTypeRecordIndexed, Timestamp: time.UnixMilli(1_700_000_000_000), Data: eventbus.IndexedData{IsNew: true, Source: eventbus.SourceRealtime}})
	bus.Publish(ctx, eventbus.NewEvent(eventbus.EventTypeIndexerError, nil))

	require.NoError(t, d.Stop(context.Background()))

	require.Equal(t, 1, got.len())
	body := got.bodies[0]
	assert.Equal(t, "record.indexed", body["event"])
	assert.Equal(t, float64(1_700_000_000_000), body["timestamp"])
	assert.Equal(t, map[string]interface{}{"network": "testnet", "indexer": "registry"}, body["metadata"])
	assert.NotEmpty(t, got.ids[0])
}

func TestDispatcher_RetriesUntilSuccess(t *testing.T) {
	var attempts atomic.Int32
	got := &collector{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		got.add(r)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	bus := eventbus.NewBus(nil, nil)
	d, err := NewDispatcher(bus, []Subscription{{ID: "flaky", URL: server.URL, MaxRetries: 3}}, fastConfig(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeRecordEnriched, nil))
	require.NoError(t, d.Stop(context.Background()))

	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 1, got.len())
}

func TestDispatcher_SameDeliveryIDAcrossRetries(t *testing.T) {
	var mu sync.Mutex
	var ids []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ids = append(ids, r.Header.Get("X-Webhook-ID"))
		n := len(ids)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	bus := eventbus.NewBus(nil, nil)
	d, err := NewDispatcher(bus, []Subscription{{ID: "h", URL: server.URL, MaxRetries: 3}}, fastConfig(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeRecordIndexed, nil))
	require.NoError(t, d.Stop(context.Background()))

	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1])
}

func TestDispatcher_TerminalStatusNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	bus := eventbus.NewBus(nil, nil)
	d, err := NewDispatcher(bus, []Subscription{{ID: "bad", URL: server.URL, MaxRetries: 5}}, fastConfig(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeRecordIndexed, nil))
	require.NoError(t, d.Stop(context.Background()))

	assert.Equal(t, int32(1), attempts.Load())
}

func TestDispatcher_ExhaustedDeliveryIsDropped(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	bus := eventbus.NewBus(nil, nil)
	d, err := NewDispatcher(bus, []Subscription{{ID: "down", URL: server.URL, MaxRetries: 3}}, fastConfig(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeRecordIndexed, nil))
	bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeRecordIndexed, nil))
	require.NoError(t, d.Stop(context.Background()))

	assert.Equal(t, int32(6), attempts.Load())
}

func TestDispatcher_AtLeastOnceUnderTransientFailures(t *testing.T) {
	const events = 50

	var mu sync.Mutex
	delivered := make(map[float64]int)
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1)%3 == 0 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var env struct {
			Data struct {
				Attempt float64 `json:"attempt"`
			} `json:"data"`
		}
		_ = json.Unmarshal(body, &env)
		mu.Lock()
		delivered[env.Data.Attempt]++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := fastConfig()
	cfg.Workers = 1

	bus := eventbus.NewBus(nil, nil)
	d, err := NewDispatcher(bus, []Subscription{{ID: "h", URL: server.URL, MaxRetries: 3}}, cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	for i := 1; i <= events; i++ {
		bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeConnectionEstablished, eventbus.ConnectionData{Network: "testnet", Attempt: i}))
	}
	require.NoError(t, d.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i <= events; i++ {
		assert.GreaterOrEqual(t, delivered[float64(i)], 1, "event %d not delivered", i)
	}
}

func TestDispatcher_FansOutToMatchingSubscriptions(t *testing.T) {
	var a, b atomic.Int32
	serverA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { a.Add(1) }))
	defer serverA.Close()
	serverB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { b.Add(1) }))
	defer serverB.Close()

	bus := eventbus.NewBus(nil, nil)
	subs := []Subscription{
		{ID: "a", URL: serverA.URL, Events: []eventbus.EventType{eventbus.EventTypeRecordIndexed}, MaxRetries: 1},
		{ID: "b", URL: serverB.URL, Events: []eventbus.EventType{eventbus.EventTypeRecordEnriched}, MaxRetries: 1},
	}
	d, err := NewDispatcher(bus, subs, fastConfig(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeRecordIndexed, nil))
	bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeRecordIndexed, nil))
	bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeRecordEnriched, nil))
	bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeConnectionLost, nil))
	require.NoError(t, d.Stop(context.Background()))

	assert.Equal(t, int32(2), a.Load())
	assert.Equal(t, int32(1), b.Load())
}

func TestDispatcher_FullQueueAppliesBackpressure(t *testing.T) {
	var delivered atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := fastConfig()
	cfg.Workers = 1
	cfg.QueueSize = 2

	bus := eventbus.NewBus(nil, nil)
	d, err := NewDispatcher(bus, []Subscription{{ID: "slow", URL: server.URL, MaxRetries: 3}}, cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	const events = 10
	for i := 0; i < events; i++ {
		bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeRecordIndexed, nil))
	}
	require.NoError(t, d.Stop(context.Background()))

	assert.Equal(t, int32(events), delivered.Load())
}

func TestDispatcher_StopReleasesBlockedPublisher(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	cfg := fastConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1

	bus := eventbus.NewBus(nil, nil)
	d, err := NewDispatcher(bus, []Subscription{{ID: "stuck", URL: server.URL, MaxRetries: 1}}, cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < 5; i++ {
			bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeRecordIndexed, nil))
		}
	}()

	select {
	case <-published:
		t.Fatal("publisher should block while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = d.Stop(ctx)

	select {
	case <-published:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher still blocked after Stop")
	}
}

func TestDispatcher_StartFailsCleanlyWhenSubscriptionTaken(t *testing.T) {
	got := &collector{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.add(r)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	bus := eventbus.NewBus(nil, nil)
	noop := func(context.Context, eventbus.Event) error { return nil }
	require.NoError(t, bus.Subscribe("webhooks", nil, noop))

	d, err := NewDispatcher(bus, []Subscription{{ID: "h", URL: server.URL, MaxRetries: 1}}, fastConfig(), nil, nil)
	require.NoError(t, err)

	err = d.Start(context.Background())
	require.ErrorIs(t, err, eventbus.ErrDuplicateSubscription)

	require.NoError(t, bus.Unsubscribe("webhooks"))
	require.NoError(t, d.Start(context.Background()))

	bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeRecordIndexed, nil))
	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, 1, got.len())
}

func TestDispatcher_StopTimeoutAbandonsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := fastConfig()
	cfg.BaseDelay = time.Minute
	cfg.MaxDelay = time.Minute

	bus := eventbus.NewBus(nil, nil)
	d, err := NewDispatcher(bus, []Subscription{{ID: "h", URL: server.URL, MaxRetries: 3}}, cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeRecordIndexed, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = d.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDispatcher_StopIdempotentAndLateEventsIgnored(t *testing.T) {
	bus := eventbus.NewBus(nil, nil)
	d, err := NewDispatcher(bus, []Subscription{{ID: "h", URL: "http://127.0.0.1:1", MaxRetries: 1}}, fastConfig(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	require.NoError(t, d.Stop(context.Background()))
	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, 0, bus.SubscriberCount())

	assert.NotPanics(t, func() {
		_ = d.handleEvent(context.Background(), eventbus.NewEvent(eventbus.EventTypeRecordIndexed, nil))
	})
	assert.Error(t, d.Start(context.Background()))
}

func TestNewDispatcher_Validation(t *testing.T) {
	_, err := NewDispatcher(nil, nil, DispatcherConfig{}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidSubscription)

	_, err = NewDispatcher(eventbus.NewBus(nil, nil), []Subscription{{ID: "x", URL: "mailto:a@b"}}, DispatcherConfig{}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidSubscription)

	d, err := NewDispatcher(eventbus.NewBus(nil, nil), nil, DispatcherConfig{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, d.cfg.Workers)
	assert.Equal(t, 1000, d.cfg.QueueSize)
	assert.Equal(t, time.Second, d.cfg.BaseDelay)
	assert.Equal(t, 10*time.Second, d.cfg.MaxDelay)
}

func TestDispatcher_EventTypesUnion(t *testing.T) {
	d := &Dispatcher{subs: []Subscription{
		{Events: []eventbus.EventType{eventbus.EventTypeRecordIndexed, eventbus.EventTypeRecordEnriched}},
		{Events: []eventbus.EventType{eventbus.EventTypeRecordEnriched, eventbus.EventTypeIndexerError}},
	}}
	assert.Equal(t, []eventbus.EventType{
		eventbus.EventTypeRecordIndexed,
		eventbus.EventTypeRecordEnriched,
		eventbus.EventTypeIndexerError,
	}, d.eventTypes())

	d.subs = append(d.subs, Subscription{})
	assert.Nil(t, d.eventTypes())
}
