package saga

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}
}

func TestStepExecutorSucceedsFirstAttempt(t *testing.T) {
	exec := NewStepExecutor()
	res := exec.Execute(context.Background(), "reserve", time.Second, fastRetry(3), func(context.Context) (any, error) {
		return "RES-1", nil
	})
	if res.Err != nil {
		t.Fatalf("Execute() error = %v", res.Err)
	}
	if res.Value != "RES-1" || res.Attempts != 1 || res.Outcome() != OutcomeOK {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestStepExecutorRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	exec := NewStepExecutor()
	res := exec.Execute(context.Background(), "pay", time.Second, fastRetry(3), func(context.Context) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("gateway unavailable")
		}
		return "PAY-1", nil
	})
	if res.Err != nil {
		t.Fatalf("Execute() error = %v", res.Err)
	}
	if res.Attempts != 2 || res.Value != "PAY-1" {
		t.Fatalf("expected success on attempt 2, got %+v", res)
	}
}

func TestStepExecutorDoesNotRetryBusinessFailure(t *testing.T) {
	var calls atomic.Int32
	exec := NewStepExecutor()
	res := exec.Execute(context.Background(), "check", time.Second, fastRetry(5), func(context.Context) (any, error) {
		calls.Add(1)
		return nil, BusinessFailure("insufficient inventory")
	})
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}
	if res.Outcome() != OutcomeBusinessFailure {
		t.Fatalf("Outcome() = %s, want %s", res.Outcome(), OutcomeBusinessFailure)
	}
	if res.Err.Step != "check" {
		t.Fatalf("expected step to be attached, got %q", res.Err.Step)
	}
	if got, want := res.Err.Error(), "business: check: insufficient inventory"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestStepExecutorExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	cause := errors.New("connection refused")
	exec := NewStepExecutor()
	res := exec.Execute(context.Background(), "ship", time.Second, fastRetry(3), func(context.Context) (any, error) {
		calls.Add(1)
		return nil, cause
	})
	if calls.Load() != 3 || res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got calls=%d attempts=%d", calls.Load(), res.Attempts)
	}
	if res.Err == nil || res.Err.Kind != KindExhausted {
		t.Fatalf("expected exhausted error, got %v", res.Err)
	}
	if !errors.Is(res.Err, cause) {
		t.Fatal("expected exhausted error to wrap the last cause")
	}
	if res.Value != nil {
		t.Fatalf("expected no value, got %v", res.Value)
	}
}

func TestStepExecutorTimesOutAttempts(t *testing.T) {
	exec := NewStepExecutor()
	res := exec.Execute(context.Background(), "slow", 10*time.Millisecond, fastRetry(2), func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if res.Err == nil || res.Err.Kind != KindExhausted {
		t.Fatalf("expected exhausted error, got %v", res.Err)
	}
	if res.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.Attempts)
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded in chain, got %v", res.Err)
	}
}

func TestStepExecutorRecoversPanic(t *testing.T) {
	var calls atomic.Int32
	exec := NewStepExecutor()
	res := exec.Execute(context.Background(), "boom", time.Second, fastRetry(3), func(context.Context) (any, error) {
		calls.Add(1)
		panic("nil map write")
	})
	if calls.Load() != 1 {
		t.Fatalf("expected panics not to be retried, got %d calls", calls.Load())
	}
	if res.Outcome() != OutcomeInternal {
		t.Fatalf("Outcome() = %s, want %s", res.Outcome(), OutcomeInternal)
	}
}

func TestStepExecutorStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := NewStepExecutor()
	policy := RetryPolicy{MaxAttempts: 5, InitialInterval: time.Hour, Multiplier: 1}

	done := make(chan StepResult, 1)
	go func() {
		done <- exec.Execute(ctx, "stuck", time.Second, policy, func(context.Context) (any, error) {
			return nil, errors.New("try later")
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		if res.Err == nil || res.Attempts != 1 {
			t.Fatalf("unexpected result %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("Execute() did not return after cancellation")
	}
}

func TestStepExecutorUsesRateLimiter(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(30*time.Millisecond), 1)
	exec := NewStepExecutor(WithRateLimiter(limiter))

	start := time.Now()
	for i := 0; i < 3; i++ {
		res := exec.Execute(context.Background(), "limited", time.Second, fastRetry(1), func(context.Context) (any, error) {
			return i, nil
		})
		if res.Err != nil {
			t.Fatalf("Execute() error = %v", res.Err)
		}
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected limiter to pace attempts, took %s", elapsed)
	}
}

func TestStepExecutorRecordsAttempts(t *testing.T) {
	recorder := newRecordingMetrics()
	exec := NewStepExecutor(WithStepMetrics(recorder))
	var calls atomic.Int32
	exec.Execute(context.Background(), "pay", time.Second, fastRetry(3), func(context.Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("flaky")
		}
		return "ok", nil
	})

	if got := recorder.count("step:pay:transient"); got != 2 {
		t.Fatalf("transient attempts = %d, want 2", got)
	}
	if got := recorder.count("step:pay:ok"); got != 1 {
		t.Fatalf("ok attempts = %d, want 1", got)
	}
}
