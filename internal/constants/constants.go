package constants

import "time"

// API Server Constants
const (
	// DefaultAPIHost is the default ops server host
	DefaultAPIHost = "localhost"

	// DefaultAPIPort is the default ops server port
	DefaultAPIPort = 8080

	// MinPort is the minimum valid port number
	MinPort = 1

	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DefaultReadTimeout is the default HTTP read timeout
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout is the default HTTP write timeout
	DefaultWriteTimeout = 15 * time.Second

	// DefaultIdleTimeout is the default HTTP idle timeout
	DefaultIdleTimeout = 60 * time.Second

	// DefaultShutdownTimeout is the default graceful shutdown timeout
	DefaultShutdownTimeout = 30 * time.Second
)

// API Paths
const (
	DefaultHealthPath  = "/health"
	DefaultStatusPath  = "/status"
	DefaultMetricsPath = "/metrics"
)

// RPC Constants
const (
	// DefaultRPCTimeout is the per-call timeout of the ledger client
	DefaultRPCTimeout = 30 * time.Second
)

// Scanner Constants
const (
	// DefaultBatchSize is the number of blocks in one historical window
	DefaultBatchSize = 1000

	// DefaultWindowPause separates consecutive historical windows
	DefaultWindowPause = 100 * time.Millisecond

	// DefaultCatchUpInterval is how often the historical scanner re-runs
	// while the realtime monitor is active
	DefaultCatchUpInterval = 5 * time.Minute
)

// Realtime Monitor Constants
const (
	// DefaultPollInterval is the tail polling cadence
	DefaultPollInterval = 2 * time.Second

	// DefaultReconnectDelay is the base delay, multiplied by the attempt number
	DefaultReconnectDelay = 5 * time.Second

	// DefaultMaxReconnectAttempts bounds reconnection before the monitor stops
	DefaultMaxReconnectAttempts = 10

	// DefaultMaxBlocksPerPoll caps the range of a single poll
	DefaultMaxBlocksPerPoll = 1000
)

// Retry Constants
const (
	// DefaultRetryMaxAttempts is the retry budget for log queries
	DefaultRetryMaxAttempts = 5

	// DefaultEventRetryMaxAttempts is the retry budget for per-event block and
	// transaction lookups
	DefaultEventRetryMaxAttempts = 3

	// DefaultRetryBaseDelay is the first backoff delay
	DefaultRetryBaseDelay = time.Second

	// DefaultRetryMultiplier is the exponential backoff factor
	DefaultRetryMultiplier = 2.0

	// DefaultRetryMaxDelay caps a single backoff delay
	DefaultRetryMaxDelay = 10 * time.Second
)

// Rate Limiter Constants
const (
	// DefaultMaxConcurrentRequests bounds in-flight remote calls
	DefaultMaxConcurrentRequests = 5

	// DefaultMinRequestSpacing is the minimum gap between call starts
	DefaultMinRequestSpacing = 100 * time.Millisecond
)

// Enricher Constants
const (
	// DefaultEnrichWorkers is the number of concurrent enrichment workers
	DefaultEnrichWorkers = 2

	// DefaultEnrichQueueSize is the enrichment queue capacity
	DefaultEnrichQueueSize = 1000

	// DefaultEnrichSweepLimit bounds one sweep of unenriched records
	DefaultEnrichSweepLimit = 500
)

// Webhook Constants
const (
	// DefaultWebhookTimeout is the per-request timeout
	DefaultWebhookTimeout = 10 * time.Second

	// DefaultWebhookMaxRetries is the delivery attempt budget per endpoint
	DefaultWebhookMaxRetries = 3

	// DefaultWebhookWorkers is the number of delivery workers
	DefaultWebhookWorkers = 4

	// DefaultWebhookQueueSize is the delivery queue capacity
	DefaultWebhookQueueSize = 1000

	// DefaultWebhookMaxDelay caps the delivery backoff
	DefaultWebhookMaxDelay = 10 * time.Second

	// MaxWebhookResponseBody limits how much of a response body is read
	MaxWebhookResponseBody = 10 * 1024
)

// EventBus Constants
const (
	// DefaultMirrorBufferSize is the queue size of the external mirror
	DefaultMirrorBufferSize = 1000

	// DefaultMirrorWriteTimeout bounds one sink write
	DefaultMirrorWriteTimeout = 5 * time.Second

	// DefaultRedisChannel is the Pub/Sub channel events are mirrored to
	DefaultRedisChannel = "registry-indexer:events"

	// DefaultKafkaTopic is the topic events are mirrored to
	DefaultKafkaTopic = "registry-indexer-events"
)

// Storage Constants
const (
	// DefaultDatabasePath is the Pebble data directory
	DefaultDatabasePath = "./data"

	// DefaultSQLMaxConns is the default SQL pool size
	DefaultSQLMaxConns = 10

	// DefaultPebbleCacheMB is the Pebble block cache size in MB
	DefaultPebbleCacheMB = 64
)
