// Package config provides configuration types and defaults for the platform.
// Values are loaded through viper in cmd and unmarshalled into these structs
// via the mapstructure tags.
package config

import (
	"fmt"
	"time"
)

// Config holds all configuration options for the platform daemon.
type Config struct {
	// NodeName identifies this process in outbox claims (claimed_by).
	// Default: os.Hostname.
	NodeName string `mapstructure:"node_name"`

	Database DatabaseConfig `mapstructure:"database"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
	Process  ProcessConfig  `mapstructure:"process"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// DatabaseConfig holds the platform schema location.
type DatabaseConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string `mapstructure:"path"`
}

// BrokerConfig selects and configures the broker adapter.
type BrokerConfig struct {
	// Kind selects the adapter: "memory" (single node) or "redis".
	Kind string `mapstructure:"kind"`
	// RedisAddr is the redis host:port for the redis adapter.
	RedisAddr string `mapstructure:"redis_addr"`
}

// OutboxConfig tunes the relay, sweeper and fast-path pool.
type OutboxConfig struct {
	// SweepInterval is how often the relay claims a batch.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// BatchSize caps rows claimed per sweep.
	BatchSize int `mapstructure:"batch_size"`
	// MaxBackoffMillis caps the exponential publish backoff.
	MaxBackoffMillis int `mapstructure:"max_backoff_millis"`
	// StuckThreshold is the claim lease: CLAIMED/SENDING rows older than
	// this are recovered by the sweeper.
	StuckThreshold time.Duration `mapstructure:"stuck_threshold"`
	// FastPathConcurrency bounds the fast-path publisher worker pool.
	FastPathConcurrency int `mapstructure:"fastpath_concurrency"`
	// FastPathEnabled toggles the optional post-commit wake channel.
	FastPathEnabled bool `mapstructure:"fastpath_enabled"`
}

// ConsumerConfig tunes the inbox-guarded command consumer.
type ConsumerConfig struct {
	// HandlerLease bounds a single handler invocation.
	HandlerLease time.Duration `mapstructure:"handler_lease"`
	// MaxRetries is the redelivery budget before a command is parked.
	MaxRetries int `mapstructure:"max_retries"`
	// TransientErrorPatterns classifies retryable handler errors by
	// case-insensitive substring match.
	TransientErrorPatterns []string `mapstructure:"transient_error_patterns"`
}

// ProcessConfig tunes the process manager.
type ProcessConfig struct {
	// MaxRetriesDefault is the per-step retry budget when a configuration
	// does not override it.
	MaxRetriesDefault int `mapstructure:"max_retries_default"`
	// RetryBase is the base for the per-step exponential retry delay.
	RetryBase time.Duration `mapstructure:"retry_base"`
	// ReplyWaitTTL bounds the response-registry waiters.
	ReplyWaitTTL time.Duration `mapstructure:"reply_wait_ttl"`
}

// HTTPConfig configures the ingress listener.
type HTTPConfig struct {
	// Addr is the listen address; empty disables the HTTP ingress.
	Addr string `mapstructure:"addr"`
}

// TracingConfig configures the OpenTelemetry provider.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Exporter selects the export backend: "stdout" or "otlp".
	Exporter string `mapstructure:"exporter"`
	// OTLPEndpoint is the collector endpoint for the otlp exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	// ServiceName identifies this service in traces.
	ServiceName string `mapstructure:"service_name"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{Path: "platform.db"},
		Broker:   BrokerConfig{Kind: "memory", RedisAddr: "localhost:6379"},
		Outbox: OutboxConfig{
			SweepInterval:       time.Second,
			BatchSize:           500,
			MaxBackoffMillis:    300_000,
			StuckThreshold:      10 * time.Second,
			FastPathConcurrency: 32,
			FastPathEnabled:     true,
		},
		Consumer: ConsumerConfig{
			HandlerLease: 60 * time.Second,
			MaxRetries:   3,
			TransientErrorPatterns: []string{
				"timeout", "connection", "temporary", "deadlock",
			},
		},
		Process: ProcessConfig{
			MaxRetriesDefault: 3,
			RetryBase:         time.Second,
			ReplyWaitTTL:      2 * time.Second,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "stdout",
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "messaging-platform",
		},
	}
}

// Validate checks configuration invariants.
func (c Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	switch c.Broker.Kind {
	case "memory", "redis":
	default:
		return fmt.Errorf("broker.kind must be \"memory\" or \"redis\", got %q", c.Broker.Kind)
	}
	if c.Broker.Kind == "redis" && c.Broker.RedisAddr == "" {
		return fmt.Errorf("broker.redis_addr required for the redis adapter")
	}
	if c.Outbox.SweepInterval <= 0 {
		return fmt.Errorf("outbox.sweep_interval must be positive")
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox.batch_size must be positive")
	}
	if c.Outbox.MaxBackoffMillis <= 0 {
		return fmt.Errorf("outbox.max_backoff_millis must be positive")
	}
	if c.Outbox.StuckThreshold <= 0 {
		return fmt.Errorf("outbox.stuck_threshold must be positive")
	}
	if c.Outbox.FastPathConcurrency <= 0 {
		return fmt.Errorf("outbox.fastpath_concurrency must be positive")
	}
	if c.Consumer.HandlerLease <= 0 {
		return fmt.Errorf("consumer.handler_lease must be positive")
	}
	if c.Consumer.MaxRetries < 0 {
		return fmt.Errorf("consumer.max_retries must not be negative")
	}
	if c.Process.MaxRetriesDefault < 0 {
		return fmt.Errorf("process.max_retries_default must not be negative")
	}
	if c.Process.RetryBase <= 0 {
		return fmt.Errorf("process.retry_base must be positive")
	}
	return nil
}
