// Package metrics provides Prometheus metrics instrumentation for ordersaga.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager manages all Prometheus metrics for ordersaga.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	// Run metrics
	runExecutions *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	runActive     prometheus.Gauge

	// Step metrics
	stepAttempts *prometheus.CounterVec

	// Compensation metrics
	compensations        *prometheus.CounterVec
	compensationDuration prometheus.Histogram

	// Cancellation metrics
	cancellations *prometheus.CounterVec

	// Signal metrics
	signalSent     *prometheus.CounterVec
	signalReceived *prometheus.CounterVec
	signalFailures *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	// Histogram bucket configurations
	RunDurationBuckets          []float64
	CompensationDurationBuckets []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                     true,
		Port:                        9091,
		Path:                        "/metrics",
		RunDurationBuckets:          []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		CompensationDurationBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}
}

// NewManager creates a new metrics manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}
	defaults := DefaultConfig()
	if len(cfg.RunDurationBuckets) == 0 {
		cfg.RunDurationBuckets = defaults.RunDurationBuckets
	}
	if len(cfg.CompensationDurationBuckets) == 0 {
		cfg.CompensationDurationBuckets = defaults.CompensationDurationBuckets
	}

	registry := prometheus.NewRegistry()

	// Register Go runtime metrics
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		enabled:  true,
	}

	m.initSagaMetrics(cfg)
	m.initSignalMetrics()

	return m
}

// Enabled returns whether metrics collection is enabled.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Registry exposes the underlying registry; nil when metrics are disabled.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server on the configured port. It blocks
// until ctx is cancelled and returns nil after a clean shutdown.
func (m *Manager) StartServer(ctx context.Context, port int, path string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// NoOpManager returns a no-op metrics manager for when metrics are disabled.
func NoOpManager() *Manager {
	return &Manager{enabled: false}
}
