package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/saga"
	"github.com/goclaw/ordersaga/pkg/signal"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func scrape(t *testing.T, m *Manager) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	return w.Body.String()
}

func TestNewManager(t *testing.T) {
	m := NewManager(DefaultConfig())
	if !m.Enabled() {
		t.Error("expected metrics to be enabled")
	}
	if m.Registry() == nil {
		t.Error("expected a registry")
	}
}

func TestNewManager_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	m := NewManager(cfg)
	if m.Enabled() {
		t.Error("expected metrics to be disabled")
	}
	if m.Registry() != nil {
		t.Error("disabled manager should not own a registry")
	}
}

func TestNewManager_FillsBuckets(t *testing.T) {
	m := NewManager(Config{Enabled: true})
	m.RecordRunDuration("completed", time.Second)
	if !strings.Contains(scrape(t, m), `saga_run_duration_seconds_bucket{status="completed",le="1"} 1`) {
		t.Error("expected default buckets on run duration histogram")
	}
}

func TestSagaMetricsRecorded(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.RecordRunExecution("completed")
	m.RecordRunExecution("completed")
	m.RecordRunExecution("cancelled")
	m.RecordRunDuration("completed", 2*time.Second)
	m.IncActiveRuns()
	m.IncActiveRuns()
	m.DecActiveRuns()
	m.RecordStepAttempt("process-payment", "success")
	m.RecordStepAttempt("process-payment", "retried")
	m.RecordCompensation("partial")
	m.RecordCompensationDuration(150 * time.Millisecond)
	m.RecordCancellation("accepted")
	m.RecordCancellation("rejected")

	if got := testutil.ToFloat64(m.runExecutions.WithLabelValues("completed")); got != 2 {
		t.Errorf("completed runs = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.runActive); got != 1 {
		t.Errorf("active runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.stepAttempts.WithLabelValues("process-payment", "retried")); got != 1 {
		t.Errorf("retried attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.compensations.WithLabelValues("partial")); got != 1 {
		t.Errorf("partial compensations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.cancellations.WithLabelValues("rejected")); got != 1 {
		t.Errorf("rejected cancellations = %v, want 1", got)
	}

	body := scrape(t, m)
	for _, metric := range []string{
		"saga_runs_total",
		"saga_run_duration_seconds",
		"saga_active_runs",
		"saga_step_attempts_total",
		"saga_compensations_total",
		"saga_compensation_duration_seconds",
		"saga_cancellations_total",
		"go_goroutines",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("expected metric %s not found in output", metric)
		}
	}
}

func TestExecutorReportsToManager(t *testing.T) {
	m := NewManager(DefaultConfig())
	exec := saga.NewExecutor(
		saga.WithMetrics(m),
		saga.WithLogger(logger.NewNop()),
	)

	def, err := saga.New("metrics").
		Step("only", saga.Action(func(context.Context, *saga.StepContext) (any, error) {
			return "done", nil
		})).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	run, err := exec.Start(context.Background(), "run-1", def, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := run.Wait(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if err := exec.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if got := testutil.ToFloat64(m.runExecutions.WithLabelValues(string(saga.StatusCompleted))); got != 1 {
		t.Errorf("completed runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.runActive); got != 0 {
		t.Errorf("active runs = %v, want 0", got)
	}
	if got := testutil.CollectAndCount(m.stepAttempts); got == 0 {
		t.Error("expected step attempts to be recorded")
	}
}

func TestSignalMetricsRegistered(t *testing.T) {
	m := NewManager(DefaultConfig())
	signal.SetMetricsRecorder(m)
	t.Cleanup(func() { signal.SetMetricsRecorder(nil) })

	bus := signal.NewLocalBus(2)
	defer bus.Close()

	ch, err := bus.Subscribe(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := signal.SendCancel(context.Background(), bus, "order-1", "customer request", "test"); err != nil {
		t.Fatalf("SendCancel failed: %v", err)
	}
	<-ch
	if err := signal.SendCancel(context.Background(), bus, "order-unknown", "", ""); err != nil {
		t.Fatalf("SendCancel failed: %v", err)
	}

	if got := testutil.ToFloat64(m.signalSent.WithLabelValues("local", string(signal.SignalCancel))); got != 1 {
		t.Errorf("sent = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.signalReceived.WithLabelValues("local", string(signal.SignalCancel))); got != 1 {
		t.Errorf("received = %v, want 1", got)
	}

	body := scrape(t, m)
	for _, metric := range []string{"signal_sent_total", "signal_received_total", "signal_failures_total"} {
		if !strings.Contains(body, metric) {
			t.Errorf("expected metric %s not found in output", metric)
		}
	}
}

func TestMetricsHandler_Disabled(t *testing.T) {
	m := NoOpManager()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestNoOpManager(t *testing.T) {
	m := NoOpManager()
	if m.Enabled() {
		t.Error("expected NoOpManager to be disabled")
	}

	// None of these should panic.
	m.RecordRunExecution("completed")
	m.RecordRunDuration("completed", time.Second)
	m.IncActiveRuns()
	m.DecActiveRuns()
	m.RecordStepAttempt("s", "success")
	m.RecordCompensation("completed")
	m.RecordCompensationDuration(time.Second)
	m.RecordCancellation("accepted")
	m.RecordSignalSent("local", "cancel")
	m.RecordSignalReceived("local", "cancel")
	m.RecordSignalFailed("local", "cancel", "closed")

	if err := m.StartServer(context.Background(), 0, "/metrics"); err != nil {
		t.Errorf("disabled StartServer should return nil, got %v", err)
	}
}

func TestStartServer(t *testing.T) {
	m := NewManager(DefaultConfig())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.StartServer(ctx, port, "/metrics")
	}()

	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err = http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/metrics")
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("failed to fetch metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("server error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("server did not stop after cancel")
	}
}
