package saga

import "time"

// MetricsRecorder records saga execution metrics.
type MetricsRecorder interface {
	RecordRunExecution(status string)
	RecordRunDuration(status string, duration time.Duration)
	IncActiveRuns()
	DecActiveRuns()
	RecordStepAttempt(step, outcome string)
	RecordCompensation(status string)
	RecordCompensationDuration(duration time.Duration)
	RecordCancellation(result string)
}

type nopMetricsRecorder struct{}

func (nopMetricsRecorder) RecordRunExecution(string) {}
func (nopMetricsRecorder) RecordRunDuration(string, time.Duration) {}
func (nopMetricsRecorder) IncActiveRuns() {}
func (nopMetricsRecorder) DecActiveRuns() {}
func (nopMetricsRecorder) RecordStepAttempt(string, string) {}
func (nopMetricsRecorder) RecordCompensation(string) {}
func (nopMetricsRecorder) RecordCompensationDuration(time.Duration) {}
func (nopMetricsRecorder) RecordCancellation(string) {}
