// Package config provides configuration management for ordersaga.
package config

import (
	"fmt"
	"time"

	"github.com/goclaw/ordersaga/pkg/saga"
)

// Config is the global configuration for ordersaga.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Saga is the executor configuration.
	Saga SagaConfig `mapstructure:"saga"`

	// Storage selects where run snapshots and journals are kept.
	Storage StorageConfig `mapstructure:"storage"`

	// Signal selects the bus that carries cancellation signals.
	Signal SignalConfig `mapstructure:"signal"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the OpenTelemetry configuration.
	Tracing TracingConfig `mapstructure:"tracing"`

	// Simulator configures the in-process order collaborators.
	Simulator SimulatorConfig `mapstructure:"simulator"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"env"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, discard, or file path).
	Output string `mapstructure:"output"`

	// AddSource includes the caller location in every record.
	AddSource bool `mapstructure:"add_source"`
}

// SagaConfig holds executor and step settings.
type SagaConfig struct {
	// StepTimeout bounds a single step attempt.
	StepTimeout time.Duration `mapstructure:"step_timeout" validate:"gt=0"`

	// MaxConcurrentRuns caps the number of runs driven at once.
	MaxConcurrentRuns int `mapstructure:"max_concurrent_runs" validate:"min=1"`

	// StepRateLimit is the number of step attempts allowed per second. Zero disables the limiter.
	StepRateLimit float64 `mapstructure:"step_rate_limit" validate:"gte=0"`

	// StepRateBurst is the limiter burst size.
	StepRateBurst int `mapstructure:"step_rate_burst" validate:"gte=0"`

	// Retry is the forward step retry policy.
	Retry RetryConfig `mapstructure:"retry"`

	// CompensationRetry is the retry policy for compensating actions.
	CompensationRetry RetryConfig `mapstructure:"compensation_retry"`

	// CompensationTimeout bounds a single compensation attempt.
	CompensationTimeout time.Duration `mapstructure:"compensation_timeout" validate:"gt=0"`
}

// RetryConfig mirrors saga.RetryPolicy.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" validate:"min=1"`
	InitialInterval time.Duration `mapstructure:"initial_interval" validate:"gte=0"`
	MaxInterval     time.Duration `mapstructure:"max_interval" validate:"gte=0"`
	Multiplier      float64       `mapstructure:"multiplier" validate:"gte=1"`
}

// Policy converts the configuration into a saga.RetryPolicy.
func (r RetryConfig) Policy() saga.RetryPolicy {
	return saga.RetryPolicy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval,
		MaxInterval:     r.MaxInterval,
		Multiplier:      r.Multiplier,
	}
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Type is the storage backend (memory, badger, postgres).
	Type string `mapstructure:"type" validate:"oneof=memory badger postgres"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`

	// Postgres is the SQL run store configuration.
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// JournalWriteMode is sync or async.
	JournalWriteMode string `mapstructure:"journal_write_mode" validate:"oneof=sync async"`

	// AsyncQueueSize is the journal queue length in async mode.
	AsyncQueueSize int `mapstructure:"async_queue_size" validate:"min=1"`
}

// PostgresConfig holds settings for the SQL run store.
type PostgresConfig struct {
	// DSN is the pgx connection string.
	DSN string `mapstructure:"dsn"`

	// MaxOpenConns caps the connection pool.
	MaxOpenConns int `mapstructure:"max_open_conns" validate:"min=0"`
}

// SignalConfig holds signal bus settings.
type SignalConfig struct {
	// Type is the bus implementation (local, redis).
	Type string `mapstructure:"type" validate:"oneof=local redis"`

	// BufferSize is the per-run subscription buffer.
	BufferSize int `mapstructure:"buffer_size" validate:"min=1"`

	// Redis is used when Type is redis.
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db" validate:"min=0"`

	// ChannelPrefix namespaces the pub/sub channels.
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	// Enabled enables tracing export.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the exporter kind.
	Exporter string `mapstructure:"exporter" validate:"omitempty,oneof=otlp"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Timeout bounds a single export.
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`

	// Sampler is always_on, always_off or ratio.
	Sampler string `mapstructure:"sampler" validate:"omitempty,oneof=always_on always_off ratio"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`

	// Headers are sent with every export request.
	Headers map[string]string `mapstructure:"headers"`
}

// SimulatorConfig configures the simulated inventory, payment and shipping services.
type SimulatorConfig struct {
	// Latency is added to every call.
	Latency time.Duration `mapstructure:"latency" validate:"gte=0"`

	// OperationLatency overrides Latency per operation.
	OperationLatency map[string]time.Duration `mapstructure:"operation_latency"`

	// Failures makes an operation fail its first N calls; -1 fails every call.
	Failures map[string]int `mapstructure:"failures"`

	// Stock is the initial stock per product.
	Stock map[string]int `mapstructure:"stock"`

	// DefaultStock is used for products missing from Stock.
	DefaultStock int `mapstructure:"default_stock" validate:"gte=0"`

	// DeclinedCustomers have every payment declined.
	DeclinedCustomers []string `mapstructure:"declined_customers"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Env: %s, Storage: %s, Signal: %s}",
		c.App.Name, c.App.Environment, c.Storage.Type, c.Signal.Type)
}
