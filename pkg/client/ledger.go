package client

import (
	"context"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/0xmhha/registry-indexer/pkg/types"
)

// LogQuery selects registry logs in a closed height range.
type LogQuery struct {
	Address        common.Address
	EventSignature string
	FromHeight     uint64
	ToHeight       uint64
}

// Ledger is the remote chain contract the indexing pipeline depends on.
type Ledger interface {
	// CurrentHeight returns the latest block number
	CurrentHeight(ctx context.Context) (uint64, error)

	// GetLogs returns the registry logs matching q
	GetLogs(ctx context.Context, q LogQuery) ([]types.EventLog, error)

	// GetBlock returns the block at height
	GetBlock(ctx context.Context, height uint64) (*types.BlockInfo, error)

	// GetTransaction returns the transaction with the given hash
	GetTransaction(ctx context.Context, hash common.Hash) (*types.TxInfo, error)

	// CallContract executes a read-only contract call at the latest block
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)

	// Reconnect replaces the transport session
	Reconnect(ctx context.Context) error
}
