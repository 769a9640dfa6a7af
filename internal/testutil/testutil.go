// Package testutil holds fakes and helpers shared by package tests.
package testutil

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0xmhha/registry-indexer/pkg/client"
	"github.com/0xmhha/registry-indexer/pkg/storage"
	"github.com/0xmhha/registry-indexer/pkg/types"
)

// BaseTimestamp is the synthesized timestamp of block 0
const BaseTimestamp = 1_700_000_000

// DefaultPublisher is the sender of transactions without an explicit entry
var DefaultPublisher = common.HexToAddress("0x00000000000000000000000000000000000000f1")

// NewTestLogger creates a development logger for tests
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(zap.WarnLevel))
	if err != nil {
		t.Fatalf("Failed to create test logger: %v", err)
	}
	return logger
}

// NewMemStore opens a Pebble store on an in-memory filesystem
func NewMemStore(t *testing.T, network string) storage.Store {
	t.Helper()
	cfg := storage.DefaultConfig("registry", network)
	cfg.FS = vfs.NewMem()
	s, err := storage.NewPebbleStore(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to open memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// RecordID returns a deterministic non-zero record id
func RecordID(n uint64) common.Hash {
	var h common.Hash
	h[0] = 0xee
	for i := 0; i < 8; i++ {
		h[31-i] = byte(n >> (8 * i))
	}
	return h
}

// TxHash returns a deterministic transaction hash
func TxHash(n uint64) common.Hash {
	var h common.Hash
	h[0] = 0xaa
	for i := 0; i < 8; i++ {
		h[31-i] = byte(n >> (8 * i))
	}
	return h
}

// FakeLedger is an in-memory client.Ledger. Hooks inject failures; counters
// record calls.
type FakeLedger struct {
	mu sync.Mutex

	head    uint64
	logs    []types.EventLog
	blocks  map[uint64]*types.BlockInfo
	txs     map[common.Hash]*types.TxInfo
	queries []client.LogQuery

	HeadErr      func() error
	LogsErr      func(q client.LogQuery) error
	BlockErr     func(height uint64) error
	TxErr        func(hash common.Hash) error
	ReconnectErr func(attempt int) error
	CallFn       func(msg ethereum.CallMsg) ([]byte, error)

	blockCalls     int
	txCalls        int
	reconnectCalls int
}

var _ client.Ledger = (*FakeLedger)(nil)

// NewFakeLedger creates a ledger at the given head
func NewFakeLedger(head uint64) *FakeLedger {
	return &FakeLedger{
		head:   head,
		blocks: make(map[uint64]*types.BlockInfo),
		txs:    make(map[common.Hash]*types.TxInfo),
	}
}

// SetHead moves the chain head
func (f *FakeLedger) SetHead(head uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = head
}

// AddLog appends a registry log for id at block, sent by DefaultPublisher
func (f *FakeLedger) AddLog(id common.Hash, block uint64, logIndex uint) types.EventLog {
	f.mu.Lock()
	defer f.mu.Unlock()

	l := types.EventLog{
		ID:          id,
		BlockNumber: block,
		TxHash:      TxHash(block<<16 | uint64(logIndex)),
		LogIndex:    logIndex,
	}
	f.logs = append(f.logs, l)
	return l
}

// SetSender overrides the sender of a transaction
func (f *FakeLedger) SetSender(hash common.Hash, from common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[hash] = &types.TxInfo{Hash: hash, From: from}
}

// Queries returns the log queries received so far
func (f *FakeLedger) Queries() []client.LogQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]client.LogQuery(nil), f.queries...)
}

// BlockCalls returns the number of GetBlock calls
func (f *FakeLedger) BlockCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockCalls
}

// TxCalls returns the number of GetTransaction calls
func (f *FakeLedger) TxCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txCalls
}

// ReconnectCalls returns the number of Reconnect calls
func (f *FakeLedger) ReconnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnectCalls
}

// CurrentHeight returns the head
func (f *FakeLedger) CurrentHeight(ctx context.Context) (uint64, error) {
	if f.HeadErr != nil {
		if err := f.HeadErr(); err != nil {
			return 0, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

// GetLogs returns logs inside the query range, in chain order
func (f *FakeLedger) GetLogs(ctx context.Context, q client.LogQuery) ([]types.EventLog, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()

	if f.LogsErr != nil {
		if err := f.LogsErr(q); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.EventLog
	for _, l := range f.logs {
		if l.BlockNumber >= q.FromHeight && l.BlockNumber <= q.ToHeight {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, nil
}

// GetBlock returns a block with a synthesized timestamp
func (f *FakeLedger) GetBlock(ctx context.Context, height uint64) (*types.BlockInfo, error) {
	f.mu.Lock()
	f.blockCalls++
	f.mu.Unlock()

	if f.BlockErr != nil {
		if err := f.BlockErr(height); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.blocks[height]; ok {
		return b, nil
	}
	return &types.BlockInfo{Number: height, Timestamp: BaseTimestamp + height}, nil
}

// GetTransaction returns the sender of hash
func (f *FakeLedger) GetTransaction(ctx context.Context, hash common.Hash) (*types.TxInfo, error) {
	f.mu.Lock()
	f.txCalls++
	f.mu.Unlock()

	if f.TxErr != nil {
		if err := f.TxErr(hash); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if tx, ok := f.txs[hash]; ok {
		return tx, nil
	}
	return &types.TxInfo{Hash: hash, From: DefaultPublisher}, nil
}

// CallContract delegates to CallFn
func (f *FakeLedger) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	if f.CallFn == nil {
		return nil, nil
	}
	return f.CallFn(msg)
}

// Reconnect counts the attempt and consults ReconnectErr
func (f *FakeLedger) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	f.reconnectCalls++
	n := f.reconnectCalls
	f.mu.Unlock()

	if f.ReconnectErr != nil {
		return f.ReconnectErr(n)
	}
	return nil
}
