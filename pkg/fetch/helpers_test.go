package fetch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/registry-indexer/internal/testutil"
	"github.com/0xmhha/registry-indexer/pkg/eventbus"
	"github.com/0xmhha/registry-indexer/pkg/resilience"
	"github.com/0xmhha/registry-indexer/pkg/storage"
	"github.com/0xmhha/registry-indexer/pkg/types"
)

const testNetwork = "testnet"

var testRegistry = common.HexToAddress("0x0000000000000000000000000000000000001000")

func fastPolicy(attempts int) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxDelay:    4 * time.Millisecond,
	}
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Network = testNetwork
	cfg.Registry = testRegistry
	cfg.EventSignature = "SchemaRegistered(bytes32,address)"
	cfg.BatchSize = 100
	cfg.WindowPause = 0
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ReconnectDelay = 5 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	cfg.LogRetry = fastPolicy(5)
	cfg.EventRetry = fastPolicy(3)
	return cfg
}

// recorder captures every bus event
type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func newRecorder(t *testing.T, bus *eventbus.Bus) *recorder {
	t.Helper()
	r := &recorder{}
	require.NoError(t, bus.Subscribe("recorder", nil, func(ctx context.Context, ev eventbus.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
		return nil
	}))
	return r
}

func (r *recorder) ofType(t eventbus.EventType) []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []eventbus.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) indexed() []eventbus.IndexedData {
	var out []eventbus.IndexedData
	for _, ev := range r.ofType(eventbus.EventTypeRecordIndexed) {
		out = append(out, ev.Data.(eventbus.IndexedData))
	}
	return out
}

type env struct {
	ledger *testutil.FakeLedger
	store  storage.Store
	bus    *eventbus.Bus
	events *recorder
}

func newEnv(t *testing.T, head uint64) *env {
	t.Helper()
	bus := eventbus.NewBus(nil, nil)
	return &env{
		ledger: testutil.NewFakeLedger(head),
		store:  testutil.NewMemStore(t, testNetwork),
		bus:    bus,
		events: newRecorder(t, bus),
	}
}

func (e *env) deps(t *testing.T) Deps {
	return Deps{
		Ledger:  e.ledger,
		Store:   e.store,
		Limiter: resilience.NewRateLimiter(5, 0),
		Bus:     e.bus,
		Logger:  testutil.NewTestLogger(t),
	}
}

func (e *env) progress(t *testing.T) *types.IndexerProgress {
	t.Helper()
	p, err := e.store.GetProgress(context.Background())
	require.NoError(t, err)
	return p
}

// failingStore fails SaveRecords while fail is set
type failingStore struct {
	storage.Store

	mu   sync.Mutex
	fail error
}

func (s *failingStore) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *failingStore) SaveRecords(ctx context.Context, records []*types.Record) ([]storage.SaveResult, error) {
	s.mu.Lock()
	err := s.fail
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Store.SaveRecords(ctx, records)
}
