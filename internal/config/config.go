package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/0xmhha/registry-indexer/internal/constants"
)

// DefaultEventSignature is the registry event carrying the record id as its
// first indexed topic
const DefaultEventSignature = "SchemaRegistered(bytes32,address)"

// Config holds all configuration for the indexer
type Config struct {
	Network     string          `yaml:"network"`
	IndexerName string          `yaml:"indexer_name"`
	RPC         RPCConfig       `yaml:"rpc"`
	Registry    RegistryConfig  `yaml:"registry"`
	Database    DatabaseConfig  `yaml:"database"`
	Log         LogConfig       `yaml:"log"`
	Indexer     IndexerConfig   `yaml:"indexer"`
	Retry       RetryConfig     `yaml:"retry"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	Webhooks    WebhooksConfig  `yaml:"webhooks"`
	EventBus    EventBusConfig  `yaml:"eventbus"`
	API         APIConfig       `yaml:"api"`
}

// RPCConfig holds RPC client configuration
type RPCConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RegistryConfig identifies the registry contract and its event
type RegistryConfig struct {
	Address        string `yaml:"address"`
	EventSignature string `yaml:"event_signature"`
}

// DatabaseConfig holds storage configuration
type DatabaseConfig struct {
	// Backend is "pebble" or "sql"; empty picks sql when DSN is set
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path"`
	Cache    int    `yaml:"cache_mb"`
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IndexerConfig holds scanner, monitor and enricher configuration
type IndexerConfig struct {
	StartHeight     uint64        `yaml:"start_height"`
	BatchSize       uint64        `yaml:"batch_size"`
	WindowPause     time.Duration `yaml:"window_pause"`
	CatchUpInterval time.Duration `yaml:"catch_up_interval"`

	// RealtimeEnabled defaults to true when omitted
	RealtimeEnabled      *bool         `yaml:"realtime_enabled"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	MaxBlocksPerPoll     uint64        `yaml:"max_blocks_per_poll"`

	EnrichWorkers    int `yaml:"enrich_workers"`
	EnrichQueueSize  int `yaml:"enrich_queue_size"`
	EnrichSweepLimit int `yaml:"enrich_sweep_limit"`
}

// IsRealtimeEnabled reports whether the realtime monitor should run
func (c IndexerConfig) IsRealtimeEnabled() bool {
	return c.RealtimeEnabled == nil || *c.RealtimeEnabled
}

// RetryConfig holds backoff settings for remote calls
type RetryConfig struct {
	// MaxAttempts is the budget for log queries
	MaxAttempts int `yaml:"max_attempts"`
	// EventMaxAttempts is the budget for per-event block/tx lookups
	EventMaxAttempts int           `yaml:"event_max_attempts"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	Multiplier       float64       `yaml:"multiplier"`
	MaxDelay         time.Duration `yaml:"max_delay"`
}

// RateLimitConfig bounds outbound RPC traffic
type RateLimitConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	MinSpacing    time.Duration `yaml:"min_spacing"`
}

// WebhooksConfig holds webhook dispatcher configuration
type WebhooksConfig struct {
	Workers       int             `yaml:"workers"`
	QueueSize     int             `yaml:"queue_size"`
	Subscriptions []WebhookConfig `yaml:"subscriptions"`
}

// WebhookConfig describes one subscriber endpoint
type WebhookConfig struct {
	ID         string        `yaml:"id"`
	URL        string        `yaml:"url"`
	Events     []string      `yaml:"events"`
	AuthToken  string        `yaml:"auth_token,omitempty"`
	Secret     string        `yaml:"secret,omitempty"`
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
}

// EventBusConfig holds configuration for mirroring events to external brokers
type EventBusConfig struct {
	// BufferSize is the mirror queue size
	BufferSize int `yaml:"buffer_size"`
	// Redis holds Redis Pub/Sub mirror configuration
	Redis EventBusRedisConfig `yaml:"redis"`
	// Kafka holds Kafka mirror configuration
	Kafka EventBusKafkaConfig `yaml:"kafka"`
}

// EventBusRedisConfig holds Redis Pub/Sub mirror configuration
type EventBusRedisConfig struct {
	// Enabled indicates whether the Redis mirror is active
	Enabled bool `yaml:"enabled"`
	// Addresses is the list of Redis server addresses (supports cluster mode)
	Addresses []string `yaml:"addresses"`
	// Password is the Redis password
	Password string `yaml:"password,omitempty"`
	// DB is the Redis database number (ignored in cluster mode)
	DB int `yaml:"db"`
	// PoolSize is the maximum number of socket connections
	PoolSize int `yaml:"pool_size"`
	// DialTimeout is the timeout for establishing new connections
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// WriteTimeout is the timeout for socket writes
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Channel is the Pub/Sub channel events are published to
	Channel string `yaml:"channel"`
	// ClusterMode indicates whether to use Redis Cluster
	ClusterMode bool `yaml:"cluster_mode"`
}

// EventBusKafkaConfig holds Kafka mirror configuration
type EventBusKafkaConfig struct {
	// Enabled indicates whether the Kafka mirror is active
	Enabled bool `yaml:"enabled"`
	// Brokers is the list of Kafka broker addresses
	Brokers []string `yaml:"brokers"`
	// Topic is the Kafka topic for events
	Topic string `yaml:"topic"`
	// BatchSize is the maximum size of a message batch
	BatchSize int `yaml:"batch_size"`
	// LingerMs is the time to wait for the batch to fill
	LingerMs int `yaml:"linger_ms"`
	// Compression is the compression type: "none", "gzip", "snappy", "lz4", "zstd"
	Compression string `yaml:"compression"`
	// RequiredAcks is the number of acknowledgments required: 0, 1, -1 (all)
	RequiredAcks int `yaml:"required_acks"`
}

// APIConfig holds the ops server configuration
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	if c.Network == "" {
		c.Network = "mainnet"
	}
	if c.IndexerName == "" {
		c.IndexerName = "registry-indexer"
	}

	// RPC defaults
	if c.RPC.Timeout == 0 {
		c.RPC.Timeout = constants.DefaultRPCTimeout
	}

	// Registry defaults
	if c.Registry.EventSignature == "" {
		c.Registry.EventSignature = DefaultEventSignature
	}

	// Database defaults
	if c.Database.Path == "" {
		c.Database.Path = constants.DefaultDatabasePath
	}
	if c.Database.Cache == 0 {
		c.Database.Cache = constants.DefaultPebbleCacheMB
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = constants.DefaultSQLMaxConns
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	// Indexer defaults
	if c.Indexer.BatchSize == 0 {
		c.Indexer.BatchSize = constants.DefaultBatchSize
	}
	if c.Indexer.WindowPause == 0 {
		c.Indexer.WindowPause = constants.DefaultWindowPause
	}
	if c.Indexer.CatchUpInterval == 0 {
		c.Indexer.CatchUpInterval = constants.DefaultCatchUpInterval
	}
	if c.Indexer.RealtimeEnabled == nil {
		enabled := true
		c.Indexer.RealtimeEnabled = &enabled
	}
	if c.Indexer.PollInterval == 0 {
		c.Indexer.PollInterval = constants.DefaultPollInterval
	}
	if c.Indexer.ReconnectDelay == 0 {
		c.Indexer.ReconnectDelay = constants.DefaultReconnectDelay
	}
	if c.Indexer.MaxReconnectAttempts == 0 {
		c.Indexer.MaxReconnectAttempts = constants.DefaultMaxReconnectAttempts
	}
	if c.Indexer.MaxBlocksPerPoll == 0 {
		c.Indexer.MaxBlocksPerPoll = constants.DefaultMaxBlocksPerPoll
	}
	if c.Indexer.EnrichWorkers == 0 {
		c.Indexer.EnrichWorkers = constants.DefaultEnrichWorkers
	}
	if c.Indexer.EnrichQueueSize == 0 {
		c.Indexer.EnrichQueueSize = constants.DefaultEnrichQueueSize
	}
	if c.Indexer.EnrichSweepLimit == 0 {
		c.Indexer.EnrichSweepLimit = constants.DefaultEnrichSweepLimit
	}

	// Retry defaults
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = constants.DefaultRetryMaxAttempts
	}
	if c.Retry.EventMaxAttempts == 0 {
		c.Retry.EventMaxAttempts = constants.DefaultEventRetryMaxAttempts
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = constants.DefaultRetryBaseDelay
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = constants.DefaultRetryMultiplier
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = constants.DefaultRetryMaxDelay
	}

	// Rate limit defaults
	if c.RateLimit.MaxConcurrent == 0 {
		c.RateLimit.MaxConcurrent = constants.DefaultMaxConcurrentRequests
	}
	if c.RateLimit.MinSpacing == 0 {
		c.RateLimit.MinSpacing = constants.DefaultMinRequestSpacing
	}

	// Webhook defaults
	if c.Webhooks.Workers == 0 {
		c.Webhooks.Workers = constants.DefaultWebhookWorkers
	}
	if c.Webhooks.QueueSize == 0 {
		c.Webhooks.QueueSize = constants.DefaultWebhookQueueSize
	}
	for i := range c.Webhooks.Subscriptions {
		sub := &c.Webhooks.Subscriptions[i]
		if sub.ID == "" {
			sub.ID = fmt.Sprintf("webhook-%d", i+1)
		}
		if sub.MaxRetries == 0 {
			sub.MaxRetries = constants.DefaultWebhookMaxRetries
		}
		if sub.Timeout == 0 {
			sub.Timeout = constants.DefaultWebhookTimeout
		}
	}

	// EventBus defaults
	if c.EventBus.BufferSize == 0 {
		c.EventBus.BufferSize = constants.DefaultMirrorBufferSize
	}
	if c.EventBus.Redis.PoolSize == 0 {
		c.EventBus.Redis.PoolSize = 10
	}
	if c.EventBus.Redis.DialTimeout == 0 {
		c.EventBus.Redis.DialTimeout = 5 * time.Second
	}
	if c.EventBus.Redis.WriteTimeout == 0 {
		c.EventBus.Redis.WriteTimeout = 3 * time.Second
	}
	if c.EventBus.Redis.Channel == "" {
		c.EventBus.Redis.Channel = constants.DefaultRedisChannel
	}
	if c.EventBus.Kafka.Topic == "" {
		c.EventBus.Kafka.Topic = constants.DefaultKafkaTopic
	}
	if c.EventBus.Kafka.BatchSize == 0 {
		c.EventBus.Kafka.BatchSize = 100
	}
	if c.EventBus.Kafka.LingerMs == 0 {
		c.EventBus.Kafka.LingerMs = 10
	}
	if c.EventBus.Kafka.Compression == "" {
		c.EventBus.Kafka.Compression = "none"
	}

	// API defaults
	if c.API.Host == "" {
		c.API.Host = constants.DefaultAPIHost
	}
	if c.API.Port == 0 {
		c.API.Port = constants.DefaultAPIPort
	}
}

// LoadFromEnv loads configuration from environment variables
// Environment variables take precedence over file configuration
func (c *Config) LoadFromEnv() error {
	if network := os.Getenv("INDEXER_NETWORK"); network != "" {
		c.Network = network
	}
	if name := os.Getenv("INDEXER_NAME"); name != "" {
		c.IndexerName = name
	}

	// RPC configuration
	if endpoint := os.Getenv("INDEXER_RPC_ENDPOINT"); endpoint != "" {
		c.RPC.Endpoint = endpoint
	}
	if err := envDuration("INDEXER_RPC_TIMEOUT", &c.RPC.Timeout); err != nil {
		return err
	}

	// Registry configuration
	if addr := os.Getenv("INDEXER_REGISTRY_ADDRESS"); addr != "" {
		c.Registry.Address = addr
	}
	if sig := os.Getenv("INDEXER_EVENT_SIGNATURE"); sig != "" {
		c.Registry.EventSignature = sig
	}

	// Database configuration
	if backend := os.Getenv("INDEXER_DB_BACKEND"); backend != "" {
		c.Database.Backend = backend
	}
	if path := os.Getenv("INDEXER_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if driver := os.Getenv("INDEXER_DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("INDEXER_DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}

	// Log configuration
	if level := os.Getenv("INDEXER_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("INDEXER_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	// Indexer configuration
	if startHeight := os.Getenv("INDEXER_START_HEIGHT"); startHeight != "" {
		val, err := strconv.ParseUint(startHeight, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_START_HEIGHT: %w", err)
		}
		c.Indexer.StartHeight = val
	}
	if batchSize := os.Getenv("INDEXER_BATCH_SIZE"); batchSize != "" {
		val, err := strconv.ParseUint(batchSize, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_BATCH_SIZE: %w", err)
		}
		c.Indexer.BatchSize = val
	}
	if err := envDuration("INDEXER_CATCH_UP_INTERVAL", &c.Indexer.CatchUpInterval); err != nil {
		return err
	}
	if realtime := os.Getenv("INDEXER_REALTIME_ENABLED"); realtime != "" {
		val, err := strconv.ParseBool(realtime)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_REALTIME_ENABLED: %w", err)
		}
		c.Indexer.RealtimeEnabled = &val
	}
	if err := envDuration("INDEXER_POLL_INTERVAL", &c.Indexer.PollInterval); err != nil {
		return err
	}
	if err := envDuration("INDEXER_RECONNECT_DELAY", &c.Indexer.ReconnectDelay); err != nil {
		return err
	}
	if attempts := os.Getenv("INDEXER_MAX_RECONNECT_ATTEMPTS"); attempts != "" {
		val, err := strconv.Atoi(attempts)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_MAX_RECONNECT_ATTEMPTS: %w", err)
		}
		c.Indexer.MaxReconnectAttempts = val
	}

	// Webhook configuration (single subscription shorthand)
	if url := os.Getenv("INDEXER_WEBHOOK_URL"); url != "" {
		sub := WebhookConfig{
			ID:     "env",
			URL:    url,
			Secret: os.Getenv("INDEXER_WEBHOOK_SECRET"),
		}
		if events := os.Getenv("INDEXER_WEBHOOK_EVENTS"); events != "" {
			sub.Events = splitList(events)
		}
		c.Webhooks.Subscriptions = append(c.Webhooks.Subscriptions, sub)
	}

	// API configuration
	if enabled := os.Getenv("INDEXER_API_ENABLED"); enabled != "" {
		val, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_API_ENABLED: %w", err)
		}
		c.API.Enabled = val
	}
	if host := os.Getenv("INDEXER_API_HOST"); host != "" {
		c.API.Host = host
	}
	if port := os.Getenv("INDEXER_API_PORT"); port != "" {
		val, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_API_PORT: %w", err)
		}
		c.API.Port = val
	}

	return nil
}

func envDuration(key string, dst *time.Duration) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Network == "" {
		return fmt.Errorf("network is required")
	}

	// Validate RPC configuration
	if c.RPC.Endpoint == "" {
		return fmt.Errorf("RPC endpoint is required")
	}
	if c.RPC.Timeout <= 0 {
		return fmt.Errorf("RPC timeout must be positive")
	}

	// Validate registry configuration
	if !common.IsHexAddress(c.Registry.Address) {
		return fmt.Errorf("invalid registry address %q", c.Registry.Address)
	}
	if c.Registry.EventSignature == "" {
		return fmt.Errorf("registry event signature is required")
	}

	// Validate database configuration
	switch c.Database.Backend {
	case "", "pebble":
		if c.Database.Backend == "pebble" && c.Database.Path == "" {
			return fmt.Errorf("database path is required")
		}
	case "sql":
		if c.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for sql backend")
		}
	default:
		return fmt.Errorf("invalid database backend %q, must be one of: pebble, sql", c.Database.Backend)
	}
	if c.Database.DSN != "" && c.Database.Driver != "sqlite3" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver %q, must be one of: sqlite3, postgres", c.Database.Driver)
	}

	// Validate log configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	// Validate indexer configuration
	if c.Indexer.BatchSize == 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Indexer.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Indexer.CatchUpInterval <= 0 {
		return fmt.Errorf("catch-up interval must be positive")
	}
	if c.Indexer.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts cannot be negative")
	}
	if c.Indexer.EnrichWorkers <= 0 {
		return fmt.Errorf("enrich worker count must be positive")
	}

	// Validate retry configuration
	if c.Retry.MaxAttempts <= 0 || c.Retry.EventMaxAttempts <= 0 {
		return fmt.Errorf("retry attempts must be positive")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry max delay must not be below base delay")
	}

	// Validate rate limit configuration
	if c.RateLimit.MaxConcurrent <= 0 {
		return fmt.Errorf("rate limit max concurrent must be positive")
	}
	if c.RateLimit.MinSpacing < 0 {
		return fmt.Errorf("rate limit min spacing cannot be negative")
	}

	// Validate webhooks
	seen := make(map[string]bool)
	for _, sub := range c.Webhooks.Subscriptions {
		if sub.URL == "" {
			return fmt.Errorf("webhook %q has no url", sub.ID)
		}
		if !strings.HasPrefix(sub.URL, "http://") && !strings.HasPrefix(sub.URL, "https://") {
			return fmt.Errorf("webhook %q url must be http or https", sub.ID)
		}
		if seen[sub.ID] {
			return fmt.Errorf("duplicate webhook id %q", sub.ID)
		}
		seen[sub.ID] = true
	}

	// Validate Redis configuration if enabled
	if c.EventBus.Redis.Enabled {
		if len(c.EventBus.Redis.Addresses) == 0 {
			return fmt.Errorf("redis eventbus enabled but no addresses configured")
		}
		if c.EventBus.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis pool size must be positive")
		}
	}
	// Validate Kafka configuration if enabled
	if c.EventBus.Kafka.Enabled {
		if len(c.EventBus.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka eventbus enabled but no brokers configured")
		}
		if c.EventBus.Kafka.Topic == "" {
			return fmt.Errorf("kafka topic is required when kafka is enabled")
		}
	}

	// Validate API configuration
	if c.API.Enabled && (c.API.Port < constants.MinPort || c.API.Port > constants.MaxPort) {
		return fmt.Errorf("invalid API port %d", c.API.Port)
	}

	return nil
}

// Load is a convenience method that loads configuration in the following order:
// 1. Set defaults
// 2. Load from file (if provided)
// 3. Load from environment variables (override file)
// 4. Apply overrides (command-line flags)
// 5. Validate
func Load(configFile string, overrides ...func(*Config)) (*Config, error) {
	cfg := NewConfig()

	// Load from file if provided
	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Load from environment variables (override file)
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	// Command-line overrides take precedence over the environment
	for _, apply := range overrides {
		apply(cfg)
	}

	// Set defaults for any missing values
	cfg.SetDefaults()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
