package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// DefaultStepTimeout bounds a single attempt when neither the step nor the
// definition sets a timeout.
const DefaultStepTimeout = 2 * time.Minute

// Outcome summarises a StepResult.
type Outcome string

const (
	OutcomeOK              Outcome = "ok"
	OutcomeBusinessFailure Outcome = "business-failure"
	OutcomeExhausted       Outcome = "exhausted"
	OutcomeInternal        Outcome = "internal"
)

// StepFunc is one invocation of a remote collaborator.
type StepFunc func(ctx context.Context) (any, error)

// StepResult is the settled outcome of a step after all of its attempts.
type StepResult struct {
	Step     string
	Value    any
	Attempts int
	Err      *Error
}

// Outcome classifies the result.
func (r StepResult) Outcome() Outcome {
	if r.Err == nil {
		return OutcomeOK
	}
	switch r.Err.Kind {
	case KindBusiness, KindValidation:
		return OutcomeBusinessFailure
	case KindInternal:
		return OutcomeInternal
	default:
		return OutcomeExhausted
	}
}

// StepExecutor runs one remote operation under a per-attempt timeout and a retry policy.
// It never touches saga state.
type StepExecutor struct {
	limiter *rate.Limiter
	metrics MetricsRecorder
	logger  logger.Logger
}

// StepExecutorOption configures a StepExecutor.
type StepExecutorOption func(*StepExecutor)

// WithRateLimiter gates every attempt behind limiter.
func WithRateLimiter(limiter *rate.Limiter) StepExecutorOption {
	return func(e *StepExecutor) {
		e.limiter = limiter
	}
}

// WithStepMetrics records one sample per attempt.
func WithStepMetrics(recorder MetricsRecorder) StepExecutorOption {
	return func(e *StepExecutor) {
		if recorder != nil {
			e.metrics = recorder
		}
	}
}

// WithStepLogger sets the logger used for retry warnings.
func WithStepLogger(log logger.Logger) StepExecutorOption {
	return func(e *StepExecutor) {
		if log != nil {
			e.logger = log
		}
	}
}

// NewStepExecutor creates a step executor.
func NewStepExecutor(opts ...StepExecutorOption) *StepExecutor {
	e := &StepExecutor{
		metrics: nopMetricsRecorder{},
		logger:  logger.Global(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute runs fn until it succeeds, fails non-retryably, or the policy gives up.
// A zero timeout means DefaultStepTimeout.
func (e *StepExecutor) Execute(ctx context.Context, step string, timeout time.Duration, policy RetryPolicy, fn StepFunc) StepResult {
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	policy = policy.orDefault(DefaultRetryPolicy())

	ctx, span := sagaTracer().Start(ctx, spanSagaStep, trace.WithAttributes(
		attribute.String("saga.step", step),
		attribute.Int("saga.step.max_attempts", policy.MaxAttempts),
	))
	defer span.End()

	result := StepResult{Step: step}
	err := retry.Do(ctx, policy.Backoff(), func(ctx context.Context) error {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limiter: %w", err)
			}
		}

		result.Attempts++
		value, err := e.attempt(ctx, timeout, fn)
		if err == nil {
			result.Value = value
			e.metrics.RecordStepAttempt(step, string(OutcomeOK))
			return nil
		}
		if !retryable(err) {
			return err
		}

		e.metrics.RecordStepAttempt(step, string(KindTransient))
		e.logger.WarnContext(ctx, "step attempt failed",
			"step", step,
			"attempt", result.Attempts,
			"max_attempts", policy.MaxAttempts,
			"error", err,
		)
		return retry.RetryableError(err)
	})

	span.SetAttributes(attribute.Int("saga.step.attempts", result.Attempts))
	if err == nil {
		return result
	}

	var sagaErr *Error
	if errors.As(err, &sagaErr) && !retryable(sagaErr) {
		result.Err = sagaErr.withStep(step)
	} else {
		result.Err = &Error{
			Kind: KindExhausted,
			Step: step,
			Err:  fmt.Errorf("after %d attempts: %w", result.Attempts, err),
		}
	}
	result.Value = nil
	e.metrics.RecordStepAttempt(step, string(result.Outcome()))
	span.RecordError(result.Err)
	span.SetStatus(codes.Error, result.Err.Error())
	return result
}

func (e *StepExecutor) attempt(ctx context.Context, timeout time.Duration, fn StepFunc) (value any, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			value = nil
			err = internalError("panic: %v", rec)
		}
	}()

	value, err = fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("attempt timed out after %s: %w", timeout, err)
	}
	return value, err
}
