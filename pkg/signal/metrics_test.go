package signal

import (
	"context"
	"sync"
	"testing"
)

type testSignalMetrics struct {
	mu sync.Mutex

	sent     int
	received int
	failures map[string]int
}

func newTestSignalMetrics() *testSignalMetrics {
	return &testSignalMetrics{failures: make(map[string]int)}
}

func (m *testSignalMetrics) RecordSignalSent(string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent++
}

func (m *testSignalMetrics) RecordSignalReceived(string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received++
}

func (m *testSignalMetrics) RecordSignalFailed(_ string, _ string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[reason]++
}

func TestLocalBus_RecordsMetrics(t *testing.T) {
	rec := newTestSignalMetrics()
	SetMetricsRecorder(rec)
	t.Cleanup(func() { SetMetricsRecorder(nil) })

	bus := NewLocalBus(2)
	defer bus.Close()

	ch, err := bus.Subscribe(context.Background(), "order-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := SendCancel(context.Background(), bus, "order-1", "", ""); err != nil {
		t.Fatal(err)
	}
	<-ch
	if err := SendCancel(context.Background(), bus, "order-unknown", "", ""); err != nil {
		t.Fatal(err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.sent != 1 {
		t.Fatalf("sent = %d, want 1", rec.sent)
	}
	if rec.received != 1 {
		t.Fatalf("received = %d, want 1", rec.received)
	}
	if rec.failures["no_subscriber"] != 1 {
		t.Fatalf("expected no_subscriber failure, got %v", rec.failures)
	}
}
