package metrics

import (
	"time"

	"github.com/goclaw/ordersaga/pkg/saga"
	"github.com/prometheus/client_golang/prometheus"
)

var _ saga.MetricsRecorder = (*Manager)(nil)

func (m *Manager) initSagaMetrics(cfg Config) {
	m.runExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_runs_total",
			Help: "Total number of saga runs by terminal status",
		},
		[]string{"status"},
	)

	m.runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_run_duration_seconds",
			Help:    "Saga run duration in seconds",
			Buckets: cfg.RunDurationBuckets,
		},
		[]string{"status"},
	)

	m.runActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "saga_active_runs",
			Help: "Current number of saga runs being driven",
		},
	)

	m.stepAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_step_attempts_total",
			Help: "Total number of step attempts by step and outcome",
		},
		[]string{"step", "outcome"},
	)

	m.compensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Total number of compensation phases by status",
		},
		[]string{"status"},
	)

	m.compensationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "saga_compensation_duration_seconds",
			Help:    "Compensation phase duration in seconds",
			Buckets: cfg.CompensationDurationBuckets,
		},
	)

	m.cancellations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_cancellations_total",
			Help: "Total number of cancellation requests by result",
		},
		[]string{"result"},
	)

	m.registry.MustRegister(m.runExecutions)
	m.registry.MustRegister(m.runDuration)
	m.registry.MustRegister(m.runActive)
	m.registry.MustRegister(m.stepAttempts)
	m.registry.MustRegister(m.compensations)
	m.registry.MustRegister(m.compensationDuration)
	m.registry.MustRegister(m.cancellations)
}

// RecordRunExecution records one run reaching a terminal status.
func (m *Manager) RecordRunExecution(status string) {
	if !m.enabled {
		return
	}
	m.runExecutions.WithLabelValues(status).Inc()
}

// RecordRunDuration records run latency.
func (m *Manager) RecordRunDuration(status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// IncActiveRuns increments the active run gauge.
func (m *Manager) IncActiveRuns() {
	if !m.enabled {
		return
	}
	m.runActive.Inc()
}

// DecActiveRuns decrements the active run gauge.
func (m *Manager) DecActiveRuns() {
	if !m.enabled {
		return
	}
	m.runActive.Dec()
}

// RecordStepAttempt records the outcome of one step execution.
func (m *Manager) RecordStepAttempt(step, outcome string) {
	if !m.enabled {
		return
	}
	m.stepAttempts.WithLabelValues(step, outcome).Inc()
}

// RecordCompensation records one compensation phase outcome.
func (m *Manager) RecordCompensation(status string) {
	if !m.enabled {
		return
	}
	m.compensations.WithLabelValues(status).Inc()
}

// RecordCompensationDuration records compensation phase duration.
func (m *Manager) RecordCompensationDuration(duration time.Duration) {
	if !m.enabled {
		return
	}
	m.compensationDuration.Observe(duration.Seconds())
}

// RecordCancellation records whether a cancel request was accepted.
func (m *Manager) RecordCancellation(result string) {
	if !m.enabled {
		return
	}
	m.cancellations.WithLabelValues(result).Inc()
}
