package signal

import "sync"

// MetricsRecorder defines metrics hooks for signal operations.
type MetricsRecorder interface {
	RecordSignalSent(mode string, signalType string)
	RecordSignalReceived(mode string, signalType string)
	RecordSignalFailed(mode string, signalType string, reason string)
}

type nopMetrics struct{}

func (nopMetrics) RecordSignalSent(string, string) {}
func (nopMetrics) RecordSignalReceived(string, string) {}
func (nopMetrics) RecordSignalFailed(string, string, string) {}

var (
	metricsMu sync.RWMutex
	metrics   MetricsRecorder = nopMetrics{}
)

// SetMetricsRecorder sets the package-level signal metrics recorder.
func SetMetricsRecorder(recorder MetricsRecorder) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if recorder == nil {
		metrics = nopMetrics{}
		return
	}
	metrics = recorder
}

func metricsRecorder() MetricsRecorder {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return metrics
}
