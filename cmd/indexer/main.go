package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0xmhha/registry-indexer/internal/config"
	"github.com/0xmhha/registry-indexer/internal/logger"
	"github.com/0xmhha/registry-indexer/pkg/api"
	"github.com/0xmhha/registry-indexer/pkg/indexer"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// flags holds command-line overrides
type flags struct {
	configFile    string
	showVersion   bool
	resetProgress bool

	network     string
	rpcEndpoint string
	registry    string
	dbPath      string
	dbDSN       string
	startHeight uint64
	batchSize   uint64
	logLevel    string
	logFormat   string
	noRealtime  bool

	enableAPI bool
	apiHost   string
	apiPort   int
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.configFile, "config", "", "Path to configuration file (YAML)")
	flag.BoolVar(&f.showVersion, "version", false, "Show version information and exit")
	flag.BoolVar(&f.resetProgress, "reset-progress", false, "Reset the indexing checkpoint before starting")

	flag.StringVar(&f.network, "network", "", "Network name")
	flag.StringVar(&f.rpcEndpoint, "rpc", "", "Ethereum RPC endpoint URL")
	flag.StringVar(&f.registry, "registry", "", "Registry contract address")
	flag.StringVar(&f.dbPath, "db", "", "Pebble database path")
	flag.StringVar(&f.dbDSN, "dsn", "", "SQL database DSN (selects the sql backend)")
	flag.Uint64Var(&f.startHeight, "start-height", 0, "Block height a fresh index starts from")
	flag.Uint64Var(&f.batchSize, "batch-size", 0, "Number of blocks per historical window")
	flag.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.logFormat, "log-format", "", "Log format (json, console)")
	flag.BoolVar(&f.noRealtime, "no-realtime", false, "Disable the realtime monitor and rely on catch-up scans")

	flag.BoolVar(&f.enableAPI, "api", false, "Enable the ops server (/health, /status, /metrics)")
	flag.StringVar(&f.apiHost, "api-host", "", "Ops server host")
	flag.IntVar(&f.apiPort, "api-port", 0, "Ops server port")

	flag.Parse()
	return f
}

// apply copies the flags that were set onto cfg
func (f *flags) apply(cfg *config.Config) {
	if f.network != "" {
		cfg.Network = f.network
	}
	if f.rpcEndpoint != "" {
		cfg.RPC.Endpoint = f.rpcEndpoint
	}
	if f.registry != "" {
		cfg.Registry.Address = f.registry
	}
	if f.dbPath != "" {
		cfg.Database.Path = f.dbPath
	}
	if f.dbDSN != "" {
		cfg.Database.DSN = f.dbDSN
		cfg.Database.Backend = "sql"
	}
	if f.startHeight > 0 {
		cfg.Indexer.StartHeight = f.startHeight
	}
	if f.batchSize > 0 {
		cfg.Indexer.BatchSize = f.batchSize
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if f.noRealtime {
		disabled := false
		cfg.Indexer.RealtimeEnabled = &disabled
	}
	if f.enableAPI {
		cfg.API.Enabled = true
	}
	if f.apiHost != "" {
		cfg.API.Host = f.apiHost
	}
	if f.apiPort > 0 {
		cfg.API.Port = f.apiPort
	}
}

func main() {
	f := parseFlags()

	if f.showVersion {
		fmt.Printf("registry-indexer version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	if err := loadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(f.configFile, f.apply)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.ForIndexer(cfg.Log.Level, cfg.Log.Format, cfg.Network, cfg.IndexerName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	code := run(cfg, f, log)
	_ = log.Sync()
	os.Exit(code)
}

// run starts the indexer and the optional ops server, and returns the
// process exit code.
func run(cfg *config.Config, f *flags, log *zap.Logger) int {
	log.Info("starting registry indexer",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.String("rpc_endpoint", cfg.RPC.Endpoint),
		zap.String("registry", cfg.Registry.Address),
		zap.Uint64("start_height", cfg.Indexer.StartHeight),
		zap.Uint64("batch_size", cfg.Indexer.BatchSize),
		zap.Bool("realtime", cfg.Indexer.IsRealtimeEnabled()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ix, err := indexer.New(ctx, cfg, indexer.Options{
		Logger:   log,
		Registry: registry,
	})
	if err != nil {
		log.Error("failed to initialize indexer", zap.Error(err))
		return 1
	}

	if f.resetProgress {
		if err := ix.ResetProgress(ctx); err != nil {
			log.Error("failed to reset progress", zap.Error(err))
			_ = ix.Close()
			return 1
		}
	}

	var server *api.Server
	if cfg.API.Enabled {
		apiCfg := api.DefaultConfig()
		apiCfg.Host = cfg.API.Host
		apiCfg.Port = cfg.API.Port
		apiCfg.Version = version

		server, err = api.NewServer(apiCfg, log, ix, registry)
		if err != nil {
			log.Error("failed to create ops server", zap.Error(err))
			_ = ix.Close()
			return 1
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ix.Run(gctx)
	})
	if server != nil {
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			return server.Stop(context.Background())
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("indexer stopped with error", zap.Error(err))
		return 1
	}

	log.Info("indexer stopped")
	return 0
}

// loadDotEnv loads environment variables from a .env file if it exists.
func loadDotEnv() error {
	info, err := os.Stat(".env")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat .env: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf(".env exists but is a directory")
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}
