// Package fetch discovers registry events on chain and persists them as
// records, through a bounded historical scan and a real-time tail monitor
// that share one checkpoint.
package fetch

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0xmhha/registry-indexer/internal/constants"
	"github.com/0xmhha/registry-indexer/pkg/client"
	"github.com/0xmhha/registry-indexer/pkg/eventbus"
	"github.com/0xmhha/registry-indexer/pkg/metrics"
	"github.com/0xmhha/registry-indexer/pkg/resilience"
	"github.com/0xmhha/registry-indexer/pkg/storage"
)

// Config holds scanner and monitor configuration
type Config struct {
	// Network scopes events and log fields
	Network string

	// Registry is the contract emitting registration events
	Registry common.Address

	// EventSignature is the canonical registration event signature
	EventSignature string

	// StartHeight is the first block a fresh index scans
	StartHeight uint64

	// BatchSize is the number of blocks per historical window
	BatchSize uint64

	// WindowPause separates consecutive windows
	WindowPause time.Duration

	// PollInterval is the real-time polling cadence
	PollInterval time.Duration

	// ReconnectDelay is multiplied by the attempt number
	ReconnectDelay time.Duration

	// MaxReconnectAttempts bounds reconnection before the monitor stops
	MaxReconnectAttempts int

	// MaxBlocksPerPoll caps the range of one poll
	MaxBlocksPerPoll uint64

	// LogRetry is the budget of a window log query
	LogRetry resilience.RetryPolicy

	// EventRetry is the budget of per-event block and transaction lookups
	EventRetry resilience.RetryPolicy
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		BatchSize:            constants.DefaultBatchSize,
		WindowPause:          constants.DefaultWindowPause,
		PollInterval:         constants.DefaultPollInterval,
		ReconnectDelay:       constants.DefaultReconnectDelay,
		MaxReconnectAttempts: constants.DefaultMaxReconnectAttempts,
		MaxBlocksPerPoll:     constants.DefaultMaxBlocksPerPoll,
		LogRetry:             resilience.DefaultRetryPolicy(),
		EventRetry:           resilience.DefaultRetryPolicy().WithMaxAttempts(constants.DefaultEventRetryMaxAttempts),
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Network == "" {
		return fmt.Errorf("network is required")
	}
	if c.Registry == (common.Address{}) {
		return fmt.Errorf("registry address is required")
	}
	if c.EventSignature == "" {
		return fmt.Errorf("event signature is required")
	}
	if c.BatchSize == 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect delay must be positive")
	}
	if c.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("max reconnect attempts must be positive")
	}
	if c.MaxBlocksPerPoll == 0 {
		return fmt.Errorf("max blocks per poll must be positive")
	}
	if c.LogRetry.MaxAttempts <= 0 || c.EventRetry.MaxAttempts <= 0 {
		return fmt.Errorf("retry attempts must be positive")
	}
	return nil
}

// Deps are the collaborators shared by the scanner and the monitor
type Deps struct {
	Ledger  client.Ledger
	Store   storage.Store
	Limiter *resilience.RateLimiter
	Bus     eventbus.Publisher
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (d *Deps) validate() error {
	if d.Ledger == nil {
		return fmt.Errorf("ledger cannot be nil")
	}
	if d.Store == nil {
		return fmt.Errorf("store cannot be nil")
	}
	return nil
}
