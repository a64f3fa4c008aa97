package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the TOML configuration file structure
type TOMLConfig struct {
	Processing     TOMLProcessingConfig     `toml:"processing"`
	Retry          TOMLRetryConfig          `toml:"retry"`
	CircuitBreaker TOMLCircuitBreakerConfig `toml:"circuit_breaker"`
	RateLimit      TOMLRateLimitConfig      `toml:"rate_limit"`
	Idempotency    TOMLIdempotencyConfig    `toml:"idempotency"`
	Inbox          TOMLInboxConfig          `toml:"inbox"`
	Outbox         TOMLOutboxConfig         `toml:"outbox"`
	Scheduler      TOMLSchedulerConfig      `toml:"scheduler"`
	Saga           TOMLSagaConfig           `toml:"saga"`
	Transport      TOMLTransportConfig      `toml:"transport"`
	Storage        TOMLStorageConfig        `toml:"storage"`
	Ops            TOMLOpsConfig            `toml:"ops"`
	DevMode        bool                     `toml:"dev_mode"`
}

// TOMLProcessingConfig represents pipeline configuration in TOML
type TOMLProcessingConfig struct {
	Timeout        string `toml:"timeout"`
	EventDispatch  string `toml:"event_dispatch"`
	EventErrors    string `toml:"event_errors"`
	MaxConcurrency int    `toml:"max_concurrency"`
}

// TOMLRetryConfig represents retry configuration in TOML
type TOMLRetryConfig struct {
	Policy      string `toml:"policy"`
	BaseDelay   string `toml:"base_delay"`
	MaxDelay    string `toml:"max_delay"`
	MaxAttempts int    `toml:"max_attempts"`
	Jitter      string `toml:"jitter"`
}

// TOMLCircuitBreakerConfig represents breaker configuration in TOML
type TOMLCircuitBreakerConfig struct {
	Enabled          bool   `toml:"enabled"`
	FailureThreshold int    `toml:"failure_threshold"`
	WindowDuration   string `toml:"window_duration"`
	OpenDuration     string `toml:"open_duration"`
	HalfOpenProbes   int    `toml:"half_open_probes"`
}

// TOMLRateLimitConfig represents rate limiter configuration in TOML
type TOMLRateLimitConfig struct {
	Enabled      bool    `toml:"enabled"`
	Capacity     int     `toml:"capacity"`
	RefillRate   float64 `toml:"refill_rate"`
	Behavior     string  `toml:"behavior"`
	MaxQueueWait string  `toml:"max_queue_wait"`
	MaxScopes    int     `toml:"max_scopes"`
}

// TOMLIdempotencyConfig represents idempotency configuration in TOML
type TOMLIdempotencyConfig struct {
	Enabled       bool     `toml:"enabled"`
	KeyStrategy   string   `toml:"key_strategy"`
	KeyFields     []string `toml:"key_fields"`
	TTLSuccess    string   `toml:"ttl_success"`
	TTLFailure    string   `toml:"ttl_failure"`
	CacheFailures bool     `toml:"cache_failures"`
}

// TOMLInboxConfig represents inbox configuration in TOML
type TOMLInboxConfig struct {
	DedupWindow        string `toml:"dedup_window"`
	RetentionProcessed string `toml:"retention_processed"`
	RetentionFailed    string `toml:"retention_failed"`
}

// TOMLOutboxConfig represents outbox relay configuration in TOML
type TOMLOutboxConfig struct {
	PollInterval      string `toml:"poll_interval"`
	BatchSize         int    `toml:"batch_size"`
	MaxRetries        int    `toml:"max_retries"`
	RecoveryInterval  string `toml:"recovery_interval"`
	ProcessingTimeout string `toml:"processing_timeout"`
}

// TOMLSchedulerConfig represents scheduler configuration in TOML
type TOMLSchedulerConfig struct {
	Strategy     string `toml:"strategy"`
	PollInterval string `toml:"poll_interval"`
	BatchSize    int    `toml:"batch_size"`
}

// TOMLSagaConfig represents saga engine configuration in TOML
type TOMLSagaConfig struct {
	ConflictRetries     int    `toml:"conflict_retries"`
	ConflictBackoff     string `toml:"conflict_backoff"`
	CompensationTimeout string `toml:"compensation_timeout"`
	CompensationRetries int    `toml:"compensation_retries"`
}

// TOMLTransportConfig represents transport configuration in TOML
type TOMLTransportConfig struct {
	Type string         `toml:"type"`
	NATS TOMLNATSConfig `toml:"nats"`
}

// TOMLNATSConfig represents NATS configuration in TOML
type TOMLNATSConfig struct {
	URL        string `toml:"url"`
	StreamName string `toml:"stream_name"`
}

// TOMLStorageConfig represents storage configuration in TOML
type TOMLStorageConfig struct {
	Type  string          `toml:"type"`
	Redis TOMLRedisConfig `toml:"redis"`
	Mongo TOMLMongoConfig `toml:"mongo"`
}

// TOMLRedisConfig represents Redis configuration in TOML
type TOMLRedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// TOMLMongoConfig represents MongoDB configuration in TOML
type TOMLMongoConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// TOMLOpsConfig represents ops server configuration in TOML
type TOMLOpsConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// ConfigPaths lists the paths to search for config files
var ConfigPaths = []string{
	"config.toml",
	"heromessaging.toml",
	"./config/config.toml",
	"/etc/heromessaging/config.toml",
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg)
}

// LoadWithFile loads configuration from file first, then overrides with env vars
func LoadWithFile() (*Config, error) {
	// Start with defaults from environment
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	// Check for explicit config file path
	configPath := os.Getenv("HEROMESSAGING_CONFIG")
	if configPath == "" {
		// Search for config file in standard locations
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	// If no config file found, just use env vars
	if configPath == "" {
		return cfg, nil
	}

	// Load from file
	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	// Merge: file config as base, env vars override
	return mergeConfigs(fileCfg, cfg), nil
}

func parseDuration(s string, into *time.Duration) {
	if s == "" {
		return
	}
	if d, err := time.ParseDuration(s); err == nil {
		*into = d
	}
}

// tomlConfigToConfig converts TOML config to the internal Config struct
func tomlConfigToConfig(tc *TOMLConfig) (*Config, error) {
	cfg := &Config{
		Processing: ProcessingConfig{
			EventDispatch:  tc.Processing.EventDispatch,
			EventErrors:    tc.Processing.EventErrors,
			MaxConcurrency: tc.Processing.MaxConcurrency,
		},
		Retry: RetryConfig{
			Policy:      tc.Retry.Policy,
			MaxAttempts: tc.Retry.MaxAttempts,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          tc.CircuitBreaker.Enabled,
			FailureThreshold: tc.CircuitBreaker.FailureThreshold,
			HalfOpenProbes:   tc.CircuitBreaker.HalfOpenProbes,
		},
		RateLimit: RateLimitConfig{
			Enabled:    tc.RateLimit.Enabled,
			Capacity:   tc.RateLimit.Capacity,
			RefillRate: tc.RateLimit.RefillRate,
			Behavior:   tc.RateLimit.Behavior,
			MaxScopes:  tc.RateLimit.MaxScopes,
		},
		Idempotency: IdempotencyConfig{
			Enabled:       tc.Idempotency.Enabled,
			KeyStrategy:   tc.Idempotency.KeyStrategy,
			KeyFields:     tc.Idempotency.KeyFields,
			CacheFailures: tc.Idempotency.CacheFailures,
		},
		Outbox: OutboxConfig{
			BatchSize:  tc.Outbox.BatchSize,
			MaxRetries: tc.Outbox.MaxRetries,
		},
		Scheduler: SchedulerConfig{
			Strategy:  tc.Scheduler.Strategy,
			BatchSize: tc.Scheduler.BatchSize,
		},
		Saga: SagaConfig{
			ConflictRetries:     tc.Saga.ConflictRetries,
			CompensationRetries: tc.Saga.CompensationRetries,
		},
		Transport: TransportConfig{
			Type: tc.Transport.Type,
			NATS: NATSConfig{
				URL:        tc.Transport.NATS.URL,
				StreamName: tc.Transport.NATS.StreamName,
			},
		},
		Storage: StorageConfig{
			Type: tc.Storage.Type,
			Redis: RedisConfig{
				Addr:     tc.Storage.Redis.Addr,
				Password: tc.Storage.Redis.Password,
				DB:       tc.Storage.Redis.DB,
			},
			Mongo: MongoConfig{
				URI:      tc.Storage.Mongo.URI,
				Database: tc.Storage.Mongo.Database,
			},
		},
		Ops: OpsConfig{
			Enabled:     tc.Ops.Enabled,
			Port:        tc.Ops.Port,
			CORSOrigins: tc.Ops.CORSOrigins,
		},
		DevMode: tc.DevMode,
	}

	// Parse durations
	parseDuration(tc.Processing.Timeout, &cfg.Processing.Timeout)
	parseDuration(tc.Retry.BaseDelay, &cfg.Retry.BaseDelay)
	parseDuration(tc.Retry.MaxDelay, &cfg.Retry.MaxDelay)
	parseDuration(tc.Retry.Jitter, &cfg.Retry.Jitter)
	parseDuration(tc.CircuitBreaker.WindowDuration, &cfg.CircuitBreaker.WindowDuration)
	parseDuration(tc.CircuitBreaker.OpenDuration, &cfg.CircuitBreaker.OpenDuration)
	parseDuration(tc.RateLimit.MaxQueueWait, &cfg.RateLimit.MaxQueueWait)
	parseDuration(tc.Idempotency.TTLSuccess, &cfg.Idempotency.TTLSuccess)
	parseDuration(tc.Idempotency.TTLFailure, &cfg.Idempotency.TTLFailure)
	parseDuration(tc.Inbox.DedupWindow, &cfg.Inbox.DedupWindow)
	parseDuration(tc.Inbox.RetentionProcessed, &cfg.Inbox.RetentionProcessed)
	parseDuration(tc.Inbox.RetentionFailed, &cfg.Inbox.RetentionFailed)
	parseDuration(tc.Outbox.PollInterval, &cfg.Outbox.PollInterval)
	parseDuration(tc.Outbox.RecoveryInterval, &cfg.Outbox.RecoveryInterval)
	parseDuration(tc.Outbox.ProcessingTimeout, &cfg.Outbox.ProcessingTimeout)
	parseDuration(tc.Scheduler.PollInterval, &cfg.Scheduler.PollInterval)
	parseDuration(tc.Saga.ConflictBackoff, &cfg.Saga.ConflictBackoff)
	parseDuration(tc.Saga.CompensationTimeout, &cfg.Saga.CompensationTimeout)

	return cfg, nil
}

// mergeConfigs merges two configs, with override taking precedence for values
// that differ from the environment defaults
func mergeConfigs(base, override *Config) *Config {
	defaults, _ := defaultConfig()
	result := *base

	// Processing
	if override.Processing.Timeout != defaults.Processing.Timeout {
		result.Processing.Timeout = override.Processing.Timeout
	}
	if override.Processing.EventDispatch != defaults.Processing.EventDispatch {
		result.Processing.EventDispatch = override.Processing.EventDispatch
	}
	if override.Processing.EventErrors != defaults.Processing.EventErrors {
		result.Processing.EventErrors = override.Processing.EventErrors
	}

	// Retry
	if override.Retry.Policy != defaults.Retry.Policy {
		result.Retry.Policy = override.Retry.Policy
	}
	if override.Retry.MaxAttempts != defaults.Retry.MaxAttempts {
		result.Retry.MaxAttempts = override.Retry.MaxAttempts
	}
	if override.Retry.BaseDelay != defaults.Retry.BaseDelay {
		result.Retry.BaseDelay = override.Retry.BaseDelay
	}
	if override.Retry.MaxDelay != defaults.Retry.MaxDelay {
		result.Retry.MaxDelay = override.Retry.MaxDelay
	}

	// Rate limit
	if override.RateLimit.Enabled != defaults.RateLimit.Enabled {
		result.RateLimit.Enabled = override.RateLimit.Enabled
	}
	if override.RateLimit.Capacity != defaults.RateLimit.Capacity {
		result.RateLimit.Capacity = override.RateLimit.Capacity
	}
	if override.RateLimit.Behavior != defaults.RateLimit.Behavior {
		result.RateLimit.Behavior = override.RateLimit.Behavior
	}

	// Transport
	if override.Transport.Type != defaults.Transport.Type {
		result.Transport.Type = override.Transport.Type
	}
	if override.Transport.NATS.URL != defaults.Transport.NATS.URL {
		result.Transport.NATS.URL = override.Transport.NATS.URL
	}

	// Storage
	if override.Storage.Type != defaults.Storage.Type {
		result.Storage.Type = override.Storage.Type
	}
	if override.Storage.Redis.Addr != defaults.Storage.Redis.Addr {
		result.Storage.Redis.Addr = override.Storage.Redis.Addr
	}
	if override.Storage.Mongo.URI != defaults.Storage.Mongo.URI {
		result.Storage.Mongo.URI = override.Storage.Mongo.URI
	}
	if override.Storage.Mongo.Database != defaults.Storage.Mongo.Database {
		result.Storage.Mongo.Database = override.Storage.Mongo.Database
	}

	// Ops
	if override.Ops.Port != defaults.Ops.Port {
		result.Ops.Port = override.Ops.Port
	}
	if len(override.Ops.CORSOrigins) > 0 {
		result.Ops.CORSOrigins = override.Ops.CORSOrigins
	}

	if override.DevMode {
		result.DevMode = true
	}

	return &result
}

// defaultConfig mirrors the fallback values in Load. mergeConfigs uses it to
// distinguish env overrides from defaults.
func defaultConfig() (*Config, error) {
	return &Config{
		Processing: ProcessingConfig{
			Timeout:       30 * time.Second,
			EventDispatch: "sequential",
			EventErrors:   "failfast",
		},
		Retry: RetryConfig{
			Policy:      "exponential",
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			MaxAttempts: 3,
			Jitter:      25 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Capacity:   100,
			RefillRate: 50,
			Behavior:   "reject",
			MaxScopes:  1024,
		},
		Transport: TransportConfig{
			Type: "memory",
			NATS: NATSConfig{URL: "nats://localhost:4222", StreamName: "HEROMESSAGING"},
		},
		Storage: StorageConfig{
			Type:  "memory",
			Redis: RedisConfig{Addr: "localhost:6379"},
			Mongo: MongoConfig{URI: "mongodb://localhost:27017", Database: "heromessaging"},
		},
		Ops: OpsConfig{Enabled: true, Port: 8080},
	}, nil
}

// WriteExampleConfig writes an example configuration file
func WriteExampleConfig(path string) error {
	example := `# HeroMessaging Configuration
# Environment variables override these settings

[processing]
timeout = "30s"
event_dispatch = "sequential"  # sequential or parallel
event_errors = "failfast"      # failfast or aggregate
max_concurrency = 0            # 0 = unbounded parallel fan-out

[retry]
policy = "exponential"  # none, linear, or exponential
base_delay = "100ms"
max_delay = "5s"
max_attempts = 3
jitter = "25ms"

[circuit_breaker]
enabled = true
failure_threshold = 5
window_duration = "60s"
open_duration = "30s"
half_open_probes = 1

[rate_limit]
enabled = false
capacity = 100
refill_rate = 50.0
behavior = "reject"  # reject or queue
max_queue_wait = "5s"
max_scopes = 1024

[idempotency]
enabled = false
key_strategy = "message-id"  # message-id, content-hash, or metadata
key_fields = []
ttl_success = "24h"
ttl_failure = "1h"
cache_failures = false

[inbox]
dedup_window = "24h"
retention_processed = "168h"
# zero keeps failed entries until they are purged explicitly
retention_failed = "0s"

[outbox]
poll_interval = "1s"
batch_size = 100
max_retries = 5
recovery_interval = "1m"
processing_timeout = "5m"

[scheduler]
strategy = "memory"  # memory or storage
poll_interval = "1s"
batch_size = 100

[saga]
conflict_retries = 3
conflict_backoff = "50ms"
compensation_timeout = "30s"
compensation_retries = 3

[transport]
type = "memory"  # memory or nats

[transport.nats]
url = "nats://localhost:4222"
stream_name = "HEROMESSAGING"

[storage]
type = "memory"  # memory, redis, or mongo

[storage.redis]
addr = "localhost:6379"
password = ""
db = 0

[storage.mongo]
uri = "mongodb://localhost:27017"
database = "heromessaging"

[ops]
enabled = true
port = 8080
cors_origins = ["http://localhost:4200"]

dev_mode = false
`

	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
