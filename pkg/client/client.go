// Package client wraps the go-ethereum JSON-RPC client behind the Ledger
// contract used by the indexing pipeline.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/0xmhha/registry-indexer/pkg/types"
)

// ErrNotFound is returned when the node does not know the requested object
var ErrNotFound = errors.New("not found")

// Client wraps Ethereum JSON-RPC client with reconnect support
type Client struct {
	mu        sync.RWMutex
	ethClient *ethclient.Client
	rpcClient *rpc.Client

	endpoint string
	timeout  time.Duration
	logger   *zap.Logger
}

var _ Ledger = (*Client)(nil)

// Config holds client configuration
type Config struct {
	Endpoint string
	Timeout  time.Duration
	Logger   *zap.Logger
}

// NewClient dials the endpoint and verifies the connection
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		endpoint: cfg.Endpoint,
		timeout:  cfg.Timeout,
		logger:   logger.Named("client"),
	}

	ctx, cancel := c.callContext(context.Background())
	defer cancel()

	if err := c.dial(ctx); err != nil {
		return nil, err
	}

	logger.Info("connected to Ethereum RPC",
		zap.String("endpoint", cfg.Endpoint))

	return c, nil
}

func (c *Client) dial(ctx context.Context) error {
	rpcClient, err := rpc.DialContext(ctx, c.endpoint)
	if err != nil {
		return fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}
	ethClient := ethclient.NewClient(rpcClient)

	if _, err := ethClient.ChainID(ctx); err != nil {
		rpcClient.Close()
		return fmt.Errorf("failed to ping RPC endpoint: %w", err)
	}

	c.mu.Lock()
	old := c.rpcClient
	c.rpcClient = rpcClient
	c.ethClient = ethClient
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// Reconnect dials a fresh session and swaps it in
func (c *Client) Reconnect(ctx context.Context) error {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	if err := c.dial(ctx); err != nil {
		return err
	}
	c.logger.Info("reconnected to Ethereum RPC", zap.String("endpoint", c.endpoint))
	return nil
}

// Close closes the client connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

func (c *Client) clients() (*ethclient.Client, *rpc.Client) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ethClient, c.rpcClient
}

// callContext applies the per-call timeout
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

// CurrentHeight returns the latest block number
func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	eth, _ := c.clients()
	height, err := eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block number: %w", err)
	}
	return height, nil
}

// EventTopic returns topic0 for an event signature such as
// "Registered(bytes32,address)".
func EventTopic(signature string) common.Hash {
	return crypto.Keccak256Hash([]byte(signature))
}

// GetLogs returns registry logs in [FromHeight, ToHeight]. The record id is
// the first indexed topic; logs without one are dropped.
func (c *Client) GetLogs(ctx context.Context, q LogQuery) ([]types.EventLog, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	filter := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(q.FromHeight),
		ToBlock:   new(big.Int).SetUint64(q.ToHeight),
		Addresses: []common.Address{q.Address},
	}
	if q.EventSignature != "" {
		filter.Topics = [][]common.Hash{{EventTopic(q.EventSignature)}}
	}

	eth, _ := c.clients()
	logs, err := eth.FilterLogs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs for blocks %d-%d: %w", q.FromHeight, q.ToHeight, err)
	}

	out := make([]types.EventLog, 0, len(logs))
	for _, l := range logs {
		if len(l.Topics) < 2 {
			c.logger.Warn("skipping log without indexed id",
				zap.String("tx_hash", l.TxHash.Hex()),
				zap.Uint("log_index", l.Index))
			continue
		}
		out = append(out, types.EventLog{
			ID:          l.Topics[1],
			BlockNumber: l.BlockNumber,
			TxHash:      l.TxHash,
			LogIndex:    l.Index,
			Removed:     l.Removed,
		})
	}
	return out, nil
}

type rpcBlock struct {
	Number    hexutil.Uint64 `json:"number"`
	Hash      common.Hash    `json:"hash"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
}

// GetBlock returns the block header fields at height
func (c *Client) GetBlock(ctx context.Context, height uint64) (*types.BlockInfo, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	_, rpcClient := c.clients()
	var raw *rpcBlock
	if err := rpcClient.CallContext(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(height), false); err != nil {
		return nil, fmt.Errorf("failed to get block %d: %w", height, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("failed to get block %d: %w", height, ErrNotFound)
	}

	return &types.BlockInfo{
		Number:    uint64(raw.Number),
		Hash:      raw.Hash,
		Timestamp: uint64(raw.Timestamp),
	}, nil
}

type rpcTransaction struct {
	Hash common.Hash    `json:"hash"`
	From common.Address `json:"from"`
}

// GetTransaction returns the sender of a transaction
func (c *Client) GetTransaction(ctx context.Context, hash common.Hash) (*types.TxInfo, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	_, rpcClient := c.clients()
	var raw *rpcTransaction
	if err := rpcClient.CallContext(ctx, &raw, "eth_getTransactionByHash", hash); err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", hash.Hex(), err)
	}
	if raw == nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", hash.Hex(), ErrNotFound)
	}

	return &types.TxInfo{Hash: raw.Hash, From: raw.From}, nil
}

// CallContract executes a read-only call against the latest state
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	eth, _ := c.clients()
	out, err := eth.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call contract %s: %w", msg.To.Hex(), err)
	}
	return out, nil
}

// GetChainID returns the chain ID
func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	eth, _ := c.clients()
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	return chainID, nil
}

// Endpoint returns the RPC endpoint URL
func (c *Client) Endpoint() string {
	return c.endpoint
}
