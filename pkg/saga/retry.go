package saga

import (
	"fmt"
	"math"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy decides how often a failing step is tried again and how long to wait
// between attempts. It is a plain value with no state.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy returns three attempts with exponential backoff from one second,
// capped at ten seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
	}
}

// Validate reports whether the policy can be used.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.InitialInterval < 0 {
		return fmt.Errorf("retry initial interval cannot be negative")
	}
	if p.MaxInterval < 0 {
		return fmt.Errorf("retry max interval cannot be negative")
	}
	if p.MaxInterval > 0 && p.InitialInterval > p.MaxInterval {
		return fmt.Errorf("retry initial interval %s exceeds max interval %s", p.InitialInterval, p.MaxInterval)
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1, got %v", p.Multiplier)
	}
	return nil
}

// Delay returns the wait before the next attempt, given the 1-based number of the
// attempt that just failed. It returns false once attempt reaches MaxAttempts.
func (p RetryPolicy) Delay(attempt int) (time.Duration, bool) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if attempt >= maxAttempts {
		return 0, false
	}
	if attempt < 1 {
		attempt = 1
	}

	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	delay := float64(p.InitialInterval) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxInterval > 0 && delay > float64(p.MaxInterval) {
		return p.MaxInterval, true
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64), true
	}
	return time.Duration(delay), true
}

// Backoff adapts the policy to go-retry. Every call returns an independent counter.
func (p RetryPolicy) Backoff() retry.Backoff {
	failed := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		failed++
		delay, ok := p.Delay(failed)
		return delay, !ok
	})
}

func (p RetryPolicy) orDefault(fallback RetryPolicy) RetryPolicy {
	if p.MaxAttempts == 0 {
		return fallback
	}
	return p
}
