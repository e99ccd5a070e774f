// Package config holds all configuration types and loading logic for EventRelay.
// Fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for an EventRelay instance.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Log      LogConfig      `yaml:"log"`
	Storage  StorageConfig  `yaml:"storage"`
	Cache    CacheConfig    `yaml:"cache"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	Submit   SubmitConfig   `yaml:"submit"`
	Retry    RetryConfig    `yaml:"retry"`
	Guard    GuardConfig    `yaml:"guard"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Worker   WorkerConfig   `yaml:"worker"`
	API      APIConfig      `yaml:"api"`
	Auth     AuthConfig     `yaml:"auth"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// NodeConfig holds identity and network settings for this instance.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// LogConfig selects the zap encoder and minimum level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | console
}

// Backend names a storage or cache implementation.
type Backend string

const (
	BackendLocal  Backend = "local"  // bbolt file under node.data_dir
	BackendRedis  Backend = "redis"  // shared redis instance
	BackendMemory Backend = "memory" // in-process, lost on restart (dev/test only)
)

// StorageConfig selects where the work queue, dead-letter queue and scheduled
// retries live.
type StorageConfig struct {
	Backend Backend `yaml:"backend"`
}

// CacheConfig selects where rate-limit counters and the breaker record live.
type CacheConfig struct {
	Backend Backend `yaml:"backend"`
}

// RedisConfig is shared by every redis-backed component.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// QueueConfig controls claim leases on the work queue.
type QueueConfig struct {
	// VisibilityTimeoutMs is how long a claimed item stays invisible before it
	// becomes claimable again.
	VisibilityTimeoutMs int `yaml:"visibility_timeout_ms"`
}

// SubmitConfig controls the submission gate.
type SubmitConfig struct {
	MaxPayloadBytes int `yaml:"max_payload_bytes"`
	// DirectSendTimeoutMs bounds the synchronous fallback used when the work
	// queue is unavailable.
	DirectSendTimeoutMs int `yaml:"direct_send_timeout_ms"`
}

// RetryConfig controls backoff and dead-lettering. Delays are in seconds.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelay   int `yaml:"base_delay"`
	MaxDelay    int `yaml:"max_delay"`
	// DeadLetterRetention is how long archived items are kept. Zero keeps them forever.
	DeadLetterRetention int `yaml:"dead_letter_retention"`
}

// GuardConfig controls the outbound rate limiter and circuit breaker.
type GuardConfig struct {
	EnableRateLimiting             bool `yaml:"enable_rate_limiting"`
	MaxRequestsPerMinute           int  `yaml:"max_requests_per_minute"`
	MaxRequestsPerHour             int  `yaml:"max_requests_per_hour"`
	EnableCircuitBreaker           bool `yaml:"enable_circuit_breaker"`
	CircuitBreakerFailureThreshold int  `yaml:"circuit_breaker_failure_threshold"`
	// CircuitBreakerTimeout is the open period in seconds.
	CircuitBreakerTimeout int `yaml:"circuit_breaker_timeout"`
}

// DeliveryConfig points the HTTP deliverer at the remote events API.
type DeliveryConfig struct {
	Endpoint         string `yaml:"endpoint"`
	SiteUUID         string `yaml:"site_uuid"`
	PublishableKey   string `yaml:"publishable_key"`
	SecretKey        string `yaml:"secret_key"`
	RequestTimeoutMs int    `yaml:"request_timeout_ms"`
	ConnectTimeoutMs int    `yaml:"connect_timeout_ms"`
}

// WorkerConfig controls the periodic drain and sweep triggers.
type WorkerConfig struct {
	BatchSize       int `yaml:"batch_size"`
	DrainIntervalMs int `yaml:"drain_interval_ms"`
	SweepIntervalMs int `yaml:"sweep_interval_ms"`
}

// APIConfig sets rate limiting applied per client IP on the ingest API.
type APIConfig struct {
	// MaxRate is requests per second per client.
	MaxRate int `yaml:"max_rate"`
	// Burst allows temporary spikes above MaxRate.
	Burst int `yaml:"burst"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{Backend: BackendLocal},
		Cache:   CacheConfig{Backend: BackendMemory},
		Redis: RedisConfig{
			Addr:      "127.0.0.1:6379",
			KeyPrefix: "eventrelay:",
		},
		Queue: QueueConfig{
			VisibilityTimeoutMs: 300_000,
		},
		Submit: SubmitConfig{
			MaxPayloadBytes:     1 << 20,
			DirectSendTimeoutMs: 15_000,
		},
		Retry: RetryConfig{
			MaxAttempts:         3,
			BaseDelay:           60,
			MaxDelay:            300,
			DeadLetterRetention: 30 * 24 * 3600,
		},
		Guard: GuardConfig{
			EnableRateLimiting:             true,
			MaxRequestsPerMinute:           60,
			MaxRequestsPerHour:             1000,
			EnableCircuitBreaker:           true,
			CircuitBreakerFailureThreshold: 5,
			CircuitBreakerTimeout:          300,
		},
		Delivery: DeliveryConfig{
			Endpoint:         "https://app.bentonow.com/api/v1/batch/events",
			RequestTimeoutMs: 30_000,
			ConnectTimeoutMs: 10_000,
		},
		Worker: WorkerConfig{
			BatchSize:       10,
			DrainIntervalMs: 60_000,
			SweepIntervalMs: 60_000,
		},
		API: APIConfig{
			MaxRate: 100,
			Burst:   200,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run EventRelay with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	EVENTRELAY_AUTH_API_KEY       sets auth.api_key and enables auth
//	EVENTRELAY_DATA_DIR           sets node.data_dir
//	EVENTRELAY_PORT               sets node.port
//	EVENTRELAY_LOG_LEVEL          sets log.level
//	EVENTRELAY_REDIS_ADDR         sets redis.addr
//	EVENTRELAY_REDIS_PASSWORD     sets redis.password
//	EVENTRELAY_DELIVERY_ENDPOINT  sets delivery.endpoint
//	EVENTRELAY_SITE_UUID          sets delivery.site_uuid
//	EVENTRELAY_PUBLISHABLE_KEY    sets delivery.publishable_key
//	EVENTRELAY_SECRET_KEY         sets delivery.secret_key
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("EVENTRELAY_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("EVENTRELAY_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("EVENTRELAY_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("EVENTRELAY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("EVENTRELAY_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("EVENTRELAY_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("EVENTRELAY_DELIVERY_ENDPOINT"); v != "" {
		cfg.Delivery.Endpoint = v
	}
	if v := os.Getenv("EVENTRELAY_SITE_UUID"); v != "" {
		cfg.Delivery.SiteUUID = v
	}
	if v := os.Getenv("EVENTRELAY_PUBLISHABLE_KEY"); v != "" {
		cfg.Delivery.PublishableKey = v
	}
	if v := os.Getenv("EVENTRELAY_SECRET_KEY"); v != "" {
		cfg.Delivery.SecretKey = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New(`log.level must be one of "debug", "info", "warn", "error"`)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return errors.New(`log.format must be "json" or "console"`)
	}
	switch c.Storage.Backend {
	case BackendLocal, BackendRedis, BackendMemory:
	default:
		return errors.New(`storage.backend must be one of "local", "redis", "memory"`)
	}
	switch c.Cache.Backend {
	case BackendRedis, BackendMemory:
	default:
		return errors.New(`cache.backend must be "redis" or "memory"`)
	}
	if (c.Storage.Backend == BackendRedis || c.Cache.Backend == BackendRedis) && c.Redis.Addr == "" {
		return errors.New("redis.addr must be set when a redis backend is selected")
	}
	if c.Queue.VisibilityTimeoutMs < 1000 {
		return errors.New("queue.visibility_timeout_ms must be at least 1000")
	}
	if c.Submit.MaxPayloadBytes < 1 {
		return errors.New("submit.max_payload_bytes must be at least 1")
	}
	if c.Submit.DirectSendTimeoutMs < 1 {
		return errors.New("submit.direct_send_timeout_ms must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelay < 1 {
		return errors.New("retry.base_delay must be at least 1")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return errors.New("retry.max_delay must not be less than retry.base_delay")
	}
	if c.Retry.DeadLetterRetention < 0 {
		return errors.New("retry.dead_letter_retention must be >= 0")
	}
	if c.Guard.EnableRateLimiting && (c.Guard.MaxRequestsPerMinute < 1 || c.Guard.MaxRequestsPerHour < 1) {
		return errors.New("guard request ceilings must be at least 1 when rate limiting is enabled")
	}
	if c.Guard.EnableCircuitBreaker && c.Guard.CircuitBreakerFailureThreshold < 1 {
		return errors.New("guard.circuit_breaker_failure_threshold must be at least 1")
	}
	if c.Guard.EnableCircuitBreaker && c.Guard.CircuitBreakerTimeout < 1 {
		return errors.New("guard.circuit_breaker_timeout must be at least 1")
	}
	if c.Delivery.RequestTimeoutMs < 1 || c.Delivery.ConnectTimeoutMs < 1 {
		return errors.New("delivery timeouts must be at least 1ms")
	}
	if c.Worker.BatchSize < 1 {
		return errors.New("worker.batch_size must be at least 1")
	}
	if c.Worker.DrainIntervalMs < 1 || c.Worker.SweepIntervalMs < 1 {
		return errors.New("worker intervals must be at least 1ms")
	}
	if c.API.MaxRate < 1 || c.API.Burst < 1 {
		return errors.New("api.max_rate and api.burst must be at least 1")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	return nil
}

// Ms converts a millisecond config value to a time.Duration.
func Ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// Seconds converts a second config value to a time.Duration.
func Seconds(v int) time.Duration { return time.Duration(v) * time.Second }
