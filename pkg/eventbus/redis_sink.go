package eventbus

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/0xmhha/registry-indexer/internal/config"
	"github.com/0xmhha/registry-indexer/internal/constants"
)

// RedisSink publishes envelopes on a Redis Pub/Sub channel
type RedisSink struct {
	client  redis.UniversalClient
	channel string
	closed  atomic.Bool
}

var _ Sink = (*RedisSink)(nil)

// NewRedisSink creates the Redis client. No connection is made until the
// first write or Ping.
func NewRedisSink(cfg config.EventBusRedisConfig) (*RedisSink, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("%w: no Redis addresses configured", ErrInvalidConfiguration)
	}

	channel := cfg.Channel
	if channel == "" {
		channel = constants.DefaultRedisChannel
	}

	var client redis.UniversalClient
	if cfg.ClusterMode {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addresses,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.DialTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	} else {
		// Standalone mode - use first address
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addresses[0],
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.DialTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	return &RedisSink{client: client, channel: channel}, nil
}

// NewRedisSinkWithClient wraps an existing client.
func NewRedisSinkWithClient(client redis.UniversalClient, channel string) *RedisSink {
	if channel == "" {
		channel = constants.DefaultRedisChannel
	}
	return &RedisSink{client: client, channel: channel}
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Channel returns the Pub/Sub channel.
func (s *RedisSink) Channel() string { return s.channel }

// Ping checks connectivity.
func (s *RedisSink) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrNotConnected
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Write implements Sink.
func (s *RedisSink) Write(ctx context.Context, _ Envelope, payload []byte) error {
	if s.closed.Load() {
		return ErrNotConnected
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to Redis: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *RedisSink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.client.Close()
}
