package config

import (
	"time"

	"github.com/goclaw/ordersaga/pkg/saga"
	"github.com/goclaw/ordersaga/pkg/signal"
)

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	retry := saga.DefaultRetryPolicy()
	return &Config{
		App: AppConfig{
			Name:        "ordersaga",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Saga: SagaConfig{
			StepTimeout:       saga.DefaultStepTimeout,
			MaxConcurrentRuns: saga.DefaultMaxConcurrentRuns,
			StepRateLimit:     0,
			StepRateBurst:     1,
			Retry: RetryConfig{
				MaxAttempts:     retry.MaxAttempts,
				InitialInterval: retry.InitialInterval,
				MaxInterval:     retry.MaxInterval,
				Multiplier:      retry.Multiplier,
			},
			CompensationRetry: RetryConfig{
				MaxAttempts:     5,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     10 * time.Second,
				Multiplier:      2,
			},
			CompensationTimeout: saga.DefaultCompensationTimeout,
		},
		Storage: StorageConfig{
			Type: "memory",
			Badger: BadgerConfig{
				Path:             "./data/badger",
				JournalWriteMode: string(saga.JournalWriteModeSync),
				AsyncQueueSize:   1024,
			},
			Postgres: PostgresConfig{
				MaxOpenConns: 10,
			},
		},
		Signal: SignalConfig{
			Type:       "local",
			BufferSize: 16,
			Redis: RedisConfig{
				Address:       "localhost:6379",
				ChannelPrefix: signal.DefaultRedisChannelPrefix,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlp",
			Endpoint:   "localhost:4317",
			Timeout:    5 * time.Second,
			Sampler:    "ratio",
			SampleRate: 0.1,
		},
		Simulator: SimulatorConfig{
			Latency:      20 * time.Millisecond,
			DefaultStock: 100,
		},
	}
}
