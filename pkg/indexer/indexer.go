// Package indexer wires the pipeline components together and runs them:
// an initial backfill, the real-time monitor, and a periodic catch-up scan.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0xmhha/registry-indexer/internal/config"
	"github.com/0xmhha/registry-indexer/internal/constants"
	"github.com/0xmhha/registry-indexer/pkg/client"
	"github.com/0xmhha/registry-indexer/pkg/enricher"
	"github.com/0xmhha/registry-indexer/pkg/eventbus"
	"github.com/0xmhha/registry-indexer/pkg/fetch"
	"github.com/0xmhha/registry-indexer/pkg/metrics"
	"github.com/0xmhha/registry-indexer/pkg/notifications"
	"github.com/0xmhha/registry-indexer/pkg/resilience"
	"github.com/0xmhha/registry-indexer/pkg/storage"
)

// Options carries collaborators that override the ones built from config.
type Options struct {
	Logger *zap.Logger

	// Registry receives the Prometheus collectors; nil disables metrics
	Registry prometheus.Registerer

	// Ledger is dialed from the rpc section when nil
	Ledger client.Ledger

	// Store is opened from the database section when nil
	Store storage.Store

	// Sinks are mirrored in addition to the configured Redis and Kafka sinks
	Sinks []eventbus.Sink

	// ShutdownTimeout bounds the webhook drain on shutdown
	ShutdownTimeout time.Duration
}

// Indexer owns every pipeline component for one network
type Indexer struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	ledger  client.Ledger
	store   storage.Store
	limiter *resilience.RateLimiter
	bus     *eventbus.Bus

	mirrors    []*eventbus.Mirror
	dispatcher *notifications.Dispatcher
	enricher   *enricher.Enricher
	scanner    *fetch.HistoricalScanner
	monitor    *fetch.RealtimeMonitor

	closers         []func() error
	shutdownTimeout time.Duration
	startedAt       time.Time

	mu       sync.Mutex
	lastScan *ScanStatus
	running  bool
	closed   bool
}

// New builds the pipeline from cfg. Resources it opens are released by Close,
// or by Run when it returns.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Indexer, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ix := &Indexer{
		cfg:             cfg,
		logger:          logger.Named("indexer"),
		shutdownTimeout: opts.ShutdownTimeout,
		startedAt:       time.Now(),
	}
	if ix.shutdownTimeout <= 0 {
		ix.shutdownTimeout = constants.DefaultShutdownTimeout
	}
	if opts.Registry != nil {
		ix.metrics = metrics.New(opts.Registry)
	}

	defer func() {
		if err != nil {
			ix.release()
		}
	}()

	ix.store = opts.Store
	if ix.store == nil {
		store, err := storage.Open(ctx, storageConfig(cfg), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		ix.store = store
		ix.closers = append(ix.closers, store.Close)
	}

	ix.ledger = opts.Ledger
	if ix.ledger == nil {
		c, err := client.NewClient(&client.Config{
			Endpoint: cfg.RPC.Endpoint,
			Timeout:  cfg.RPC.Timeout,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create client: %w", err)
		}
		ix.ledger = c
		ix.closers = append(ix.closers, func() error {
			c.Close()
			return nil
		})
	}

	ix.limiter = resilience.NewRateLimiter(cfg.RateLimit.MaxConcurrent, cfg.RateLimit.MinSpacing)
	ix.bus = eventbus.NewBus(logger, ix.metrics)

	if err := ix.buildMirrors(cfg, opts.Sinks, logger); err != nil {
		return nil, err
	}
	if err := ix.buildDispatcher(cfg, logger); err != nil {
		return nil, err
	}

	registry := common.HexToAddress(cfg.Registry.Address)
	ix.enricher, err = enricher.New(ix.ledger, ix.store, ix.limiter, ix.bus, enricher.Config{
		Registry:  registry,
		Workers:   cfg.Indexer.EnrichWorkers,
		QueueSize: cfg.Indexer.EnrichQueueSize,
		Retry:     retryPolicy(cfg.Retry, cfg.Retry.EventMaxAttempts),
	}, logger, ix.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create enricher: %w", err)
	}

	fetchCfg := FetchConfig(cfg)
	deps := fetch.Deps{
		Ledger:  ix.ledger,
		Store:   ix.store,
		Limiter: ix.limiter,
		Bus:     ix.bus,
		Logger:  logger,
		Metrics: ix.metrics,
	}
	ix.scanner, err = fetch.NewHistoricalScanner(fetchCfg, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create scanner: %w", err)
	}
	if cfg.Indexer.IsRealtimeEnabled() {
		ix.monitor, err = fetch.NewRealtimeMonitor(fetchCfg, deps)
		if err != nil {
			return nil, fmt.Errorf("failed to create monitor: %w", err)
		}
	}

	return ix, nil
}

func (ix *Indexer) buildMirrors(cfg *config.Config, extra []eventbus.Sink, logger *zap.Logger) error {
	sinks := append([]eventbus.Sink(nil), extra...)

	if cfg.EventBus.Redis.Enabled {
		sink, err := eventbus.NewRedisSink(cfg.EventBus.Redis)
		if err != nil {
			return fmt.Errorf("failed to create redis sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.EventBus.Kafka.Enabled {
		sink, err := eventbus.NewKafkaSink(cfg.EventBus.Kafka)
		if err != nil {
			return fmt.Errorf("failed to create kafka sink: %w", err)
		}
		sinks = append(sinks, sink)
	}

	for i, sink := range sinks {
		mirror, err := eventbus.NewMirror(ix.bus, sink, eventbus.MirrorConfig{
			Network:     cfg.Network,
			IndexerName: cfg.IndexerName,
			BufferSize:  cfg.EventBus.BufferSize,
		}, logger, ix.metrics)
		if err != nil {
			for _, s := range sinks[i:] {
				_ = s.Close()
			}
			return fmt.Errorf("failed to create %s mirror: %w", sink.Name(), err)
		}
		ix.mirrors = append(ix.mirrors, mirror)
		logger.Info("event mirror enabled", zap.String("sink", sink.Name()))
	}
	return nil
}

func (ix *Indexer) buildDispatcher(cfg *config.Config, logger *zap.Logger) error {
	subs, err := notifications.SubscriptionsFromConfig(cfg.Webhooks.Subscriptions)
	if err != nil {
		return fmt.Errorf("failed to load webhook subscriptions: %w", err)
	}
	ix.dispatcher, err = notifications.NewDispatcher(ix.bus, subs, notifications.DispatcherConfig{
		Network:     cfg.Network,
		IndexerName: cfg.IndexerName,
		Workers:     cfg.Webhooks.Workers,
		QueueSize:   cfg.Webhooks.QueueSize,
		BaseDelay:   cfg.Retry.BaseDelay,
		Multiplier:  cfg.Retry.Multiplier,
		MaxDelay:    cfg.Retry.MaxDelay,
	}, logger, ix.metrics)
	if err != nil {
		return fmt.Errorf("failed to create webhook dispatcher: %w", err)
	}
	return nil
}

// FetchConfig maps the indexer configuration onto the scanner and monitor
func FetchConfig(cfg *config.Config) *fetch.Config {
	fc := fetch.DefaultConfig()
	fc.Network = cfg.Network
	fc.Registry = common.HexToAddress(cfg.Registry.Address)
	fc.EventSignature = cfg.Registry.EventSignature
	fc.StartHeight = cfg.Indexer.StartHeight
	fc.BatchSize = cfg.Indexer.BatchSize
	fc.WindowPause = cfg.Indexer.WindowPause
	fc.PollInterval = cfg.Indexer.PollInterval
	fc.ReconnectDelay = cfg.Indexer.ReconnectDelay
	fc.MaxReconnectAttempts = cfg.Indexer.MaxReconnectAttempts
	fc.MaxBlocksPerPoll = cfg.Indexer.MaxBlocksPerPoll
	fc.LogRetry = retryPolicy(cfg.Retry, cfg.Retry.MaxAttempts)
	fc.EventRetry = retryPolicy(cfg.Retry, cfg.Retry.EventMaxAttempts)
	return fc
}

func retryPolicy(rc config.RetryConfig, attempts int) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   rc.BaseDelay,
		Multiplier:  rc.Multiplier,
		MaxDelay:    rc.MaxDelay,
	}
}

func storageConfig(cfg *config.Config) *storage.Config {
	sc := storage.DefaultConfig(cfg.Database.Path, cfg.Network)
	sc.Backend = cfg.Database.Backend
	sc.Cache = cfg.Database.Cache
	sc.Driver = cfg.Database.Driver
	sc.DSN = cfg.Database.DSN
	sc.MaxConns = cfg.Database.MaxConns
	return sc
}

// Run performs the initial backfill, then keeps the index current until ctx
// is cancelled. A failed initial backfill is returned as an error. Every
// component is shut down before Run returns.
func (ix *Indexer) Run(ctx context.Context) error {
	ix.mu.Lock()
	if ix.running || ix.closed {
		ix.mu.Unlock()
		return fmt.Errorf("indexer already started")
	}
	ix.running = true
	ix.mu.Unlock()

	defer ix.shutdown()

	if err := ix.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start webhook dispatcher: %w", err)
	}
	if err := ix.enricher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start enricher: %w", err)
	}

	ix.logger.Info("starting initial backfill", zap.String("network", ix.cfg.Network))
	if err := ix.catchUp(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("initial backfill failed: %w", err)
	}

	if ix.monitor != nil {
		if err := ix.monitor.Start(ctx); err != nil {
			return fmt.Errorf("failed to start realtime monitor: %w", err)
		}
	} else {
		ix.logger.Info("realtime monitoring disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ix.catchUpLoop(gctx)
	})
	if ix.monitor != nil {
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-ix.monitor.Done():
				if gctx.Err() == nil {
					ix.logger.Error("realtime monitor stopped; relying on catch-up scans",
						zap.Duration("interval", ix.cfg.Indexer.CatchUpInterval))
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (ix *Indexer) catchUpLoop(ctx context.Context) error {
	ticker := time.NewTicker(ix.cfg.Indexer.CatchUpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		err := ix.catchUp(ctx)
		switch {
		case err == nil, ctx.Err() != nil:
		case errors.Is(err, fetch.ErrScanInProgress):
			ix.logger.Debug("catch-up skipped, scan in progress")
		default:
			ix.logger.Warn("catch-up scan failed", zap.Error(err))
		}
	}
}

// catchUp resumes the scanner to the head and sweeps unenriched records.
func (ix *Indexer) catchUp(ctx context.Context) error {
	started := time.Now()
	result, err := ix.scanner.Resume(ctx)
	ix.recordScan(result, err, started)
	if err != nil {
		return err
	}

	queued, err := ix.enricher.EnrichPending(ctx, ix.cfg.Indexer.EnrichSweepLimit)
	if err != nil {
		ix.logger.Warn("enrichment sweep failed", zap.Error(err))
	} else if queued > 0 {
		ix.logger.Info("queued records for enrichment", zap.Int("count", queued))
	}
	return nil
}

func (ix *Indexer) recordScan(result *fetch.ScanResult, err error, started time.Time) {
	if errors.Is(err, fetch.ErrScanInProgress) {
		return
	}
	status := &ScanStatus{StartedAt: started, Duration: time.Since(started).String()}
	if result != nil {
		status.From = result.From
		status.To = result.To
		status.Windows = result.Windows
		status.Indexed = result.Indexed
		status.Existing = result.Existing
		status.Failed = result.Failed
	}
	if err != nil {
		status.Error = err.Error()
	}

	ix.mu.Lock()
	ix.lastScan = status
	ix.mu.Unlock()
}

// shutdown stops components in dependency order: producers first, then
// consumers, then the store.
func (ix *Indexer) shutdown() {
	ix.logger.Info("shutting down indexer")

	if ix.monitor != nil {
		ix.monitor.Stop()
	}
	ix.enricher.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), ix.shutdownTimeout)
	defer cancel()
	if err := ix.dispatcher.Stop(ctx); err != nil {
		ix.logger.Warn("webhook queue not fully drained", zap.Error(err))
	}

	ix.release()
	ix.logger.Info("indexer stopped")
}

// release stops mirrors and closes owned resources. Safe to call twice.
func (ix *Indexer) release() {
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return
	}
	ix.closed = true
	ix.mu.Unlock()

	for _, mirror := range ix.mirrors {
		if err := mirror.Stop(); err != nil {
			ix.logger.Warn("failed to stop mirror", zap.String("sink", mirror.Name()), zap.Error(err))
		}
	}
	for i := len(ix.closers) - 1; i >= 0; i-- {
		if err := ix.closers[i](); err != nil {
			ix.logger.Warn("failed to release resource", zap.Error(err))
		}
	}
}

// Close releases resources of an indexer that was never run
func (ix *Indexer) Close() error {
	ix.mu.Lock()
	running := ix.running
	ix.mu.Unlock()
	if running {
		return nil
	}
	ix.enricher.Stop()
	_ = ix.dispatcher.Stop(context.Background())
	ix.release()
	return nil
}

// ResetProgress rewinds the checkpoint so the next run rescans from the
// configured start height. Stored records are kept.
func (ix *Indexer) ResetProgress(ctx context.Context) error {
	if err := ix.store.ResetProgress(ctx); err != nil {
		return fmt.Errorf("failed to reset progress: %w", err)
	}
	ix.logger.Warn("indexer progress reset", zap.String("network", ix.cfg.Network))
	return nil
}

// Bus returns the event bus shared by the components
func (ix *Indexer) Bus() *eventbus.Bus {
	return ix.bus
}

// Store returns the state store
func (ix *Indexer) Store() storage.Store {
	return ix.store
}
