package fetch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/registry-indexer/internal/testutil"
	"github.com/0xmhha/registry-indexer/pkg/client"
	"github.com/0xmhha/registry-indexer/pkg/eventbus"
	"github.com/0xmhha/registry-indexer/pkg/types"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newMonitor(t *testing.T, e *env, cfg *Config) *RealtimeMonitor {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	m, err := NewRealtimeMonitor(cfg, e.deps(t))
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func TestMonitorState_String(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "watching", StateWatching.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "unknown(9)", MonitorState(9).String())
}

func TestMonitor_IndexesNewRegistrations(t *testing.T) {
	e := newEnv(t, 100)
	m := newMonitor(t, e, nil)
	assert.Equal(t, StateStopped, m.State())

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return m.State() == StateWatching }, waitFor, tick)
	assert.True(t, m.Healthy())
	assert.Equal(t, uint64(100), m.Cursor(), "a fresh index starts at the head")

	e.ledger.AddLog(testutil.RecordID(1), 105, 0)
	e.ledger.SetHead(110)

	require.Eventually(t, func() bool { return m.Cursor() == 110 }, waitFor, tick)

	rec, err := e.store.GetRecord(context.Background(), testutil.RecordID(1))
	require.NoError(t, err)
	assert.Equal(t, testutil.DefaultPublisher, rec.Publisher)
	assert.Equal(t, uint64(testutil.BaseTimestamp+105), rec.Timestamp)

	p := e.progress(t)
	assert.Equal(t, uint64(110), p.LastScannedHeight)
	assert.Equal(t, uint64(1), p.TotalIndexed)

	discovered := e.events.ofType(eventbus.EventTypeRecordDiscovered)
	require.Len(t, discovered, 1)
	assert.Equal(t, testutil.RecordID(1), discovered[0].Data.(eventbus.DiscoveredData).ID)

	indexed := e.events.indexed()
	require.Len(t, indexed, 1)
	assert.True(t, indexed[0].IsNew)
	assert.Equal(t, eventbus.SourceRealtime, indexed[0].Source)

	assert.Len(t, e.events.ofType(eventbus.EventTypeConnectionEstablished), 1)

	m.Stop()
	assert.Equal(t, StateStopped, m.State())
	assert.False(t, m.Healthy())
}

func TestMonitor_StartTwice(t *testing.T) {
	e := newEnv(t, 100)
	m := newMonitor(t, e, nil)

	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), ErrMonitorRunning)

	m.Stop()
	m.Stop()
	select {
	case <-m.Done():
	default:
		t.Fatal("done channel should be closed after Stop")
	}

	require.NoError(t, m.Start(context.Background()), "a stopped monitor can start again")
	require.Eventually(t, func() bool { return m.State() == StateWatching }, waitFor, tick)
}

func TestMonitor_ConnectSeedsCursorFromCheckpoint(t *testing.T) {
	e := newEnv(t, 100)
	_, err := e.store.UpdateProgress(context.Background(), types.ScannedThrough(50, time.Now()))
	require.NoError(t, err)
	e.ledger.AddLog(testutil.RecordID(7), 70, 0)

	m := newMonitor(t, e, nil)
	ctx := context.Background()
	require.NoError(t, m.connect(ctx))
	assert.Equal(t, uint64(50), m.Cursor())

	require.NoError(t, m.poll(ctx))
	assert.Equal(t, uint64(100), m.Cursor())
	_, err = e.store.GetRecord(ctx, testutil.RecordID(7))
	assert.NoError(t, err)
}

func TestMonitor_DuplicateIDsInOnePollCountOnce(t *testing.T) {
	e := newEnv(t, 100)
	m := newMonitor(t, e, nil)
	ctx := context.Background()
	require.NoError(t, m.connect(ctx))

	id := testutil.RecordID(9)
	e.ledger.AddLog(id, 105, 0)
	e.ledger.AddLog(id, 106, 1)
	e.ledger.SetHead(110)

	require.NoError(t, m.poll(ctx))

	assert.Equal(t, uint64(1), e.progress(t).TotalIndexed)
	assert.Len(t, e.events.ofType(eventbus.EventTypeRecordDiscovered), 1)
	assert.Len(t, e.events.indexed(), 1)
	assert.Equal(t, 1, e.ledger.BlockCalls())
}

func TestMonitor_StoredRecordsAreNotFetchedAgain(t *testing.T) {
	e := newEnv(t, 100)
	ctx := context.Background()

	complete := &types.Record{ID: testutil.RecordID(1), Name: "a", Definition: "uint256 a", BlockNumber: 101}
	partial := &types.Record{ID: testutil.RecordID(2), BlockNumber: 102}
	_, err := e.store.SaveRecords(ctx, []*types.Record{complete, partial})
	require.NoError(t, err)

	m := newMonitor(t, e, nil)
	m.cursor = 100
	m.setState(StateWatching, true)

	e.ledger.AddLog(complete.ID, 101, 0)
	e.ledger.AddLog(partial.ID, 102, 0)
	e.ledger.SetHead(103)

	require.NoError(t, m.poll(ctx))
	assert.Zero(t, e.ledger.BlockCalls())
	assert.Empty(t, e.events.ofType(eventbus.EventTypeRecordDiscovered))

	indexed := e.events.indexed()
	require.Len(t, indexed, 1, "only the incomplete record is re-announced")
	assert.Equal(t, partial.ID, indexed[0].Record.ID)
	assert.False(t, indexed[0].IsNew)
}

func TestMonitor_MaxBlocksPerPoll(t *testing.T) {
	e := newEnv(t, 5000)
	_, err := e.store.UpdateProgress(context.Background(), types.ScannedThrough(0, time.Now()))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MaxBlocksPerPoll = 1000
	m := newMonitor(t, e, cfg)
	ctx := context.Background()
	require.NoError(t, m.connect(ctx))
	require.NoError(t, m.poll(ctx))

	queries := e.ledger.Queries()
	require.Len(t, queries, 1)
	assert.Equal(t, uint64(1), queries[0].FromHeight)
	assert.Equal(t, uint64(1000), queries[0].ToHeight)
	assert.Equal(t, uint64(1000), m.Cursor())

	require.NoError(t, m.poll(ctx))
	assert.Equal(t, uint64(2000), m.Cursor())
}

func TestMonitor_StorageErrorKeepsCursor(t *testing.T) {
	e := newEnv(t, 100)
	store := &failingStore{Store: e.store}
	deps := e.deps(t)
	deps.Store = store

	m, err := NewRealtimeMonitor(testConfig(), deps)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, m.connect(ctx))

	e.ledger.AddLog(testutil.RecordID(1), 105, 0)
	e.ledger.SetHead(110)

	store.setFail(errors.New("disk full"))
	require.ErrorContains(t, m.poll(ctx), "disk full")
	assert.Equal(t, uint64(100), m.Cursor())

	store.setFail(nil)
	require.NoError(t, m.poll(ctx))
	assert.Equal(t, uint64(110), m.Cursor())
	assert.Equal(t, uint64(1), e.progress(t).TotalIndexed)
}

func TestMonitor_SharesDedupWithScanner(t *testing.T) {
	e := newEnv(t, 100)
	m := newMonitor(t, e, nil)
	ctx := context.Background()
	require.NoError(t, m.connect(ctx))

	e.ledger.AddLog(testutil.RecordID(3), 105, 0)
	e.ledger.SetHead(110)
	require.NoError(t, m.poll(ctx))

	s, err := NewHistoricalScanner(testConfig(), e.deps(t))
	require.NoError(t, err)
	result, err := s.Scan(ctx, 0, 110)
	require.NoError(t, err)
	assert.Zero(t, result.Indexed)
	assert.Equal(t, 1, result.Existing)
	assert.Equal(t, uint64(1), e.progress(t).TotalIndexed)
}

func TestMonitor_ReconnectsAfterConnectivityLoss(t *testing.T) {
	e := newEnv(t, 100)

	var down atomic.Bool
	e.ledger.HeadErr = func() error {
		if down.Load() {
			return errors.New("dial tcp 127.0.0.1:8545: connection refused")
		}
		return nil
	}
	e.ledger.ReconnectErr = func(attempt int) error {
		down.Store(false)
		return nil
	}

	m := newMonitor(t, e, nil)
	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return m.State() == StateWatching }, waitFor, tick)

	down.Store(true)
	require.Eventually(t, func() bool {
		return len(e.events.ofType(eventbus.EventTypeConnectionEstablished)) == 2
	}, waitFor, tick)
	assert.Equal(t, StateWatching, m.State())
	assert.True(t, m.Healthy())
	assert.Equal(t, 1, e.ledger.ReconnectCalls())

	lost := e.events.ofType(eventbus.EventTypeConnectionLost)
	require.Len(t, lost, 1)
	assert.Contains(t, lost[0].Data.(eventbus.ConnectionData).Reason, "connection refused")

	established := e.events.ofType(eventbus.EventTypeConnectionEstablished)
	assert.Equal(t, 1, established[1].Data.(eventbus.ConnectionData).Attempt)

	// Polling resumes after the reconnect
	e.ledger.AddLog(testutil.RecordID(4), 120, 0)
	e.ledger.SetHead(120)
	require.Eventually(t, func() bool { return m.Cursor() == 120 }, waitFor, tick)
}

func TestMonitor_ReconnectExhaustion(t *testing.T) {
	e := newEnv(t, 100)
	e.ledger.HeadErr = func() error { return errors.New("connection reset by peer") }
	e.ledger.ReconnectErr = func(attempt int) error { return errors.New("dial tcp: connection refused") }

	m := newMonitor(t, e, nil)
	require.NoError(t, m.Start(context.Background()))

	select {
	case <-m.Done():
	case <-time.After(waitFor):
		t.Fatal("monitor did not give up")
	}

	assert.Equal(t, StateStopped, m.State())
	assert.False(t, m.Healthy())
	assert.Equal(t, 3, e.ledger.ReconnectCalls())
	assert.False(t, e.progress(t).Healthy)

	errs := e.events.ofType(eventbus.EventTypeIndexerError)
	require.Len(t, errs, 1)
	data := errs[0].Data.(eventbus.ErrorData)
	assert.Equal(t, "realtime_reconnect", data.Operation)
	assert.Contains(t, data.Error, ErrReconnectExhausted.Error())

	assert.ErrorIs(t, m.Start(context.Background()), ErrMonitorRunning, "Stop is required before restarting")
	m.Stop()
}

func TestMonitor_StopCancelsPendingReconnect(t *testing.T) {
	e := newEnv(t, 100)
	e.ledger.HeadErr = func() error { return errors.New("EOF") }

	cfg := testConfig()
	cfg.ReconnectDelay = time.Hour
	m := newMonitor(t, e, cfg)
	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return m.State() == StateReconnecting }, waitFor, tick)

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("Stop blocked on the reconnect timer")
	}

	m.Stop()
	assert.Equal(t, StateStopped, m.State())
	assert.Zero(t, e.ledger.ReconnectCalls())
}

func TestMonitor_IgnorableErrorsKeepWatching(t *testing.T) {
	e := newEnv(t, 100)
	var calls atomic.Int32
	e.ledger.HeadErr = func() error {
		if n := calls.Add(1); n > 1 && n < 6 {
			return errors.New("filter not found")
		}
		return nil
	}

	m := newMonitor(t, e, nil)
	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() >= 8 }, waitFor, tick)

	assert.Equal(t, StateWatching, m.State())
	assert.Empty(t, e.events.ofType(eventbus.EventTypeConnectionLost))
	assert.Empty(t, e.events.ofType(eventbus.EventTypeIndexerError))
}

func TestMonitor_OtherErrorsAreReported(t *testing.T) {
	e := newEnv(t, 100)
	var failed atomic.Bool
	e.ledger.LogsErr = func(q client.LogQuery) error {
		if failed.CompareAndSwap(false, true) {
			return errors.New("execution reverted")
		}
		return nil
	}

	m := newMonitor(t, e, nil)
	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return m.State() == StateWatching }, waitFor, tick)

	e.ledger.AddLog(testutil.RecordID(5), 101, 0)
	e.ledger.SetHead(101)

	require.Eventually(t, func() bool { return m.Cursor() == 101 }, waitFor, tick)
	assert.Equal(t, StateWatching, m.State())

	errs := e.events.ofType(eventbus.EventTypeIndexerError)
	require.Len(t, errs, 1)
	assert.Equal(t, "realtime_poll", errs[0].Data.(eventbus.ErrorData).Operation)

	_, err := e.store.GetRecord(context.Background(), testutil.RecordID(5))
	assert.NoError(t, err, "the failed range is polled again")
}
