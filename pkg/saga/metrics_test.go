package saga

import (
	"fmt"
	"sync"
	"time"
)

type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
	active int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counts: make(map[string]int)}
}

func (m *recordingMetrics) inc(key string) {
	m.mu.Lock()
	m.counts[key]++
	m.mu.Unlock()
}

func (m *recordingMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func (m *recordingMetrics) activeRuns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *recordingMetrics) RecordRunExecution(status string) {
	m.inc("run:" + status)
}

func (m *recordingMetrics) RecordRunDuration(status string, _ time.Duration) {
	m.inc("run_duration:" + status)
}

func (m *recordingMetrics) IncActiveRuns() {
	m.mu.Lock()
	m.active++
	m.mu.Unlock()
}

func (m *recordingMetrics) DecActiveRuns() {
	m.mu.Lock()
	m.active--
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordStepAttempt(step, outcome string) {
	m.inc(fmt.Sprintf("step:%s:%s", step, outcome))
}

func (m *recordingMetrics) RecordCompensation(status string) {
	m.inc("compensation:" + status)
}

func (m *recordingMetrics) RecordCompensationDuration(time.Duration) {
	m.inc("compensation_duration")
}

func (m *recordingMetrics) RecordCancellation(result string) {
	m.inc("cancel:" + result)
}

var _ MetricsRecorder = (*recordingMetrics)(nil)
