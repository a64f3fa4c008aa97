package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for HeroMessaging
type Config struct {
	// Processing pipeline configuration
	Processing ProcessingConfig

	// Retry policy configuration
	Retry RetryConfig

	// Circuit breaker configuration
	CircuitBreaker CircuitBreakerConfig

	// Rate limiter configuration
	RateLimit RateLimitConfig

	// Idempotency configuration
	Idempotency IdempotencyConfig

	// Inbox deduplication configuration
	Inbox InboxConfig

	// Outbox relay configuration
	Outbox OutboxConfig

	// Scheduler configuration
	Scheduler SchedulerConfig

	// Saga engine configuration
	Saga SagaConfig

	// Transport configuration (memory or NATS)
	Transport TransportConfig

	// Storage configuration (memory, redis, mongo)
	Storage StorageConfig

	// Ops HTTP server configuration
	Ops OpsConfig

	// Transport payload protection. Keys are secrets, so they load from
	// the environment only, never from the config file.
	Security SecurityConfig

	// Development mode
	DevMode bool
}

// ProcessingConfig holds pipeline configuration
type ProcessingConfig struct {
	// Timeout bounds a single handler invocation including retries
	Timeout time.Duration

	// EventDispatch selects "sequential" or "parallel" event delivery
	EventDispatch string

	// EventErrors selects "failfast" or "aggregate" error handling
	EventErrors string

	// MaxConcurrency bounds parallel event handler fan-out; 0 is unbounded
	MaxConcurrency int
}

// RetryConfig holds retry policy configuration
type RetryConfig struct {
	Policy      string // "none", "linear", "exponential"
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      time.Duration
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	WindowDuration   time.Duration
	OpenDuration     time.Duration
	HalfOpenProbes   int
}

// RateLimitConfig holds token bucket configuration
type RateLimitConfig struct {
	Enabled      bool
	Capacity     int
	RefillRate   float64 // tokens per second
	Behavior     string  // "reject" or "queue"
	MaxQueueWait time.Duration
	MaxScopes    int
}

// IdempotencyConfig holds idempotency decorator configuration
type IdempotencyConfig struct {
	Enabled       bool
	KeyStrategy   string // "message-id", "content-hash", "metadata"
	KeyFields     []string
	TTLSuccess    time.Duration
	TTLFailure    time.Duration
	CacheFailures bool
}

// InboxConfig holds inbox deduplication configuration
type InboxConfig struct {
	DedupWindow time.Duration

	// RetentionProcessed covers Processed and Duplicate entries
	RetentionProcessed time.Duration

	// RetentionFailed covers Failed entries; zero keeps them until purged
	RetentionFailed time.Duration
}

// OutboxConfig holds outbox relay configuration
type OutboxConfig struct {
	PollInterval     time.Duration
	BatchSize        int
	MaxRetries       int
	RecoveryInterval time.Duration

	// ProcessingTimeout is how long an entry may sit in processing state
	// before recovery returns it to pending
	ProcessingTimeout time.Duration
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	Strategy     string // "memory" or "storage"
	PollInterval time.Duration
	BatchSize    int
}

// SagaConfig holds saga engine configuration
type SagaConfig struct {
	ConflictRetries     int
	ConflictBackoff     time.Duration
	CompensationTimeout time.Duration
	CompensationRetries int
}

// TransportConfig holds transport configuration
type TransportConfig struct {
	Type string // "memory" or "nats"

	NATS NATSConfig
}

// NATSConfig holds NATS connection configuration
type NATSConfig struct {
	URL        string
	StreamName string
}

// StorageConfig holds storage backend configuration
type StorageConfig struct {
	Type string // "memory", "redis", "mongo"

	Redis RedisConfig
	Mongo MongoConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MongoConfig holds MongoDB connection configuration
type MongoConfig struct {
	URI      string
	Database string
}

// SecurityConfig holds transport payload protection keys. An empty key
// disables the corresponding protection.
type SecurityConfig struct {
	// EncryptionKey is the hex-encoded 32-byte XChaCha20-Poly1305 key
	EncryptionKey string

	// SigningKey is the HMAC-SHA256 signing key
	SigningKey string
}

// OpsConfig holds the ops HTTP server configuration
type OpsConfig struct {
	Enabled     bool
	Port        int
	CORSOrigins []string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Processing: ProcessingConfig{
			Timeout:        getEnvDuration("PROCESSING_TIMEOUT", 30*time.Second),
			EventDispatch:  getEnv("EVENT_DISPATCH", "sequential"),
			EventErrors:    getEnv("EVENT_ERRORS", "failfast"),
			MaxConcurrency: getEnvInt("PROCESSING_MAX_CONCURRENCY", 0),
		},

		Retry: RetryConfig{
			Policy:      getEnv("RETRY_POLICY", "exponential"),
			BaseDelay:   getEnvDuration("RETRY_BASE_DELAY", 100*time.Millisecond),
			MaxDelay:    getEnvDuration("RETRY_MAX_DELAY", 5*time.Second),
			MaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			Jitter:      getEnvDuration("RETRY_JITTER", 25*time.Millisecond),
		},

		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          getEnvBool("BREAKER_ENABLED", true),
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			WindowDuration:   getEnvDuration("BREAKER_WINDOW", 60*time.Second),
			OpenDuration:     getEnvDuration("BREAKER_OPEN_DURATION", 30*time.Second),
			HalfOpenProbes:   getEnvInt("BREAKER_HALF_OPEN_PROBES", 1),
		},

		RateLimit: RateLimitConfig{
			Enabled:      getEnvBool("RATE_LIMIT_ENABLED", false),
			Capacity:     getEnvInt("RATE_LIMIT_CAPACITY", 100),
			RefillRate:   getEnvFloat("RATE_LIMIT_REFILL_RATE", 50),
			Behavior:     getEnv("RATE_LIMIT_BEHAVIOR", "reject"),
			MaxQueueWait: getEnvDuration("RATE_LIMIT_MAX_QUEUE_WAIT", 5*time.Second),
			MaxScopes:    getEnvInt("RATE_LIMIT_MAX_SCOPES", 1024),
		},

		Idempotency: IdempotencyConfig{
			Enabled:       getEnvBool("IDEMPOTENCY_ENABLED", false),
			KeyStrategy:   getEnv("IDEMPOTENCY_KEY_STRATEGY", "message-id"),
			KeyFields:     getEnvSlice("IDEMPOTENCY_KEY_FIELDS", nil),
			TTLSuccess:    getEnvDuration("IDEMPOTENCY_TTL_SUCCESS", 24*time.Hour),
			TTLFailure:    getEnvDuration("IDEMPOTENCY_TTL_FAILURE", time.Hour),
			CacheFailures: getEnvBool("IDEMPOTENCY_CACHE_FAILURES", false),
		},

		Inbox: InboxConfig{
			DedupWindow:        getEnvDuration("INBOX_DEDUP_WINDOW", 24*time.Hour),
			RetentionProcessed: getEnvDuration("INBOX_RETENTION_PROCESSED", 7*24*time.Hour),
			RetentionFailed:    getEnvDuration("INBOX_RETENTION_FAILED", 0),
		},

		Outbox: OutboxConfig{
			PollInterval:      getEnvDuration("OUTBOX_POLL_INTERVAL", time.Second),
			BatchSize:         getEnvInt("OUTBOX_BATCH_SIZE", 100),
			MaxRetries:        getEnvInt("OUTBOX_MAX_RETRIES", 5),
			RecoveryInterval:  getEnvDuration("OUTBOX_RECOVERY_INTERVAL", time.Minute),
			ProcessingTimeout: getEnvDuration("OUTBOX_PROCESSING_TIMEOUT", 5*time.Minute),
		},

		Scheduler: SchedulerConfig{
			Strategy:     getEnv("SCHEDULER_STRATEGY", "memory"),
			PollInterval: getEnvDuration("SCHEDULER_POLL_INTERVAL", time.Second),
			BatchSize:    getEnvInt("SCHEDULER_BATCH_SIZE", 100),
		},

		Saga: SagaConfig{
			ConflictRetries:     getEnvInt("SAGA_CONFLICT_RETRIES", 3),
			ConflictBackoff:     getEnvDuration("SAGA_CONFLICT_BACKOFF", 50*time.Millisecond),
			CompensationTimeout: getEnvDuration("SAGA_COMPENSATION_TIMEOUT", 30*time.Second),
			CompensationRetries: getEnvInt("SAGA_COMPENSATION_RETRIES", 3),
		},

		Transport: TransportConfig{
			Type: getEnv("TRANSPORT_TYPE", "memory"),
			NATS: NATSConfig{
				URL:        getEnv("NATS_URL", "nats://localhost:4222"),
				StreamName: getEnv("NATS_STREAM_NAME", "HEROMESSAGING"),
			},
		},

		Storage: StorageConfig{
			Type: getEnv("STORAGE_TYPE", "memory"),
			Redis: RedisConfig{
				Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
			},
			Mongo: MongoConfig{
				URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017"),
				Database: getEnv("MONGODB_DATABASE", "heromessaging"),
			},
		},

		Ops: OpsConfig{
			Enabled:     getEnvBool("OPS_ENABLED", true),
			Port:        getEnvInt("OPS_PORT", 8080),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:4200"}),
		},

		Security: SecurityConfig{
			EncryptionKey: getEnv("TRANSPORT_ENCRYPTION_KEY", ""),
			SigningKey:    getEnv("TRANSPORT_SIGNING_KEY", ""),
		},

		DevMode: getEnvBool("HEROMESSAGING_DEV", false),
	}

	return cfg, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}
