package saga

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies why a step, a run or a request failed.
type ErrorKind string

const (
	// KindValidation marks an input that can never succeed. Never retried.
	KindValidation ErrorKind = "validation"
	// KindBusiness marks an expected negative outcome such as insufficient stock. Never retried.
	KindBusiness ErrorKind = "business"
	// KindTransient marks a presumably temporary failure. Retried per RetryPolicy.
	KindTransient ErrorKind = "transient"
	// KindExhausted marks a transient failure that persisted past the retry budget.
	KindExhausted ErrorKind = "exhausted"
	// KindCompensation marks one or more undo actions that could not be completed.
	KindCompensation ErrorKind = "compensation"
	// KindCancelled is the reason attached to runs that were cancelled on request.
	KindCancelled ErrorKind = "cancelled"
	// KindCancellationRejected marks a cancel request against a run that cannot be cancelled.
	KindCancellationRejected ErrorKind = "cancellation-rejected"
	// KindDuplicateRun marks a start request for a run id that is already tracked.
	KindDuplicateRun ErrorKind = "duplicate-run"
	// KindInternal marks a defect: a panic or a broken invariant inside the executor.
	KindInternal ErrorKind = "internal"
)

var (
	// ErrRunNotFound is returned when a run id is unknown to the executor and its store.
	ErrRunNotFound = errors.New("saga run not found")
	// ErrCancellationRejected matches every error of kind KindCancellationRejected.
	ErrCancellationRejected = errors.New("cancellation rejected")
	// ErrDuplicateRun matches every error of kind KindDuplicateRun.
	ErrDuplicateRun = errors.New("duplicate run")
	// ErrCancelled matches every error of kind KindCancelled.
	ErrCancelled = errors.New("run cancelled")
	// ErrRunCompleted is the cause of a cancel rejection against a completed run.
	ErrRunCompleted = errors.New("cannot cancel a completed saga")
)

// Error is the typed failure carried through step results, run outcomes and snapshots.
type Error struct {
	Kind ErrorKind
	Step string
	Err  error
}

// Error renders "kind: step: reason", omitting the step when there is none.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Step != "" {
		b.WriteString(": ")
		b.WriteString(e.Step)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets callers match kinds through the package sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrCancellationRejected:
		return e.Kind == KindCancellationRejected
	case ErrDuplicateRun:
		return e.Kind == KindDuplicateRun
	case ErrCancelled:
		return e.Kind == KindCancelled
	}
	return false
}

func (e *Error) withStep(step string) *Error {
	if e.Step != "" || step == "" {
		return e
	}
	clone := *e
	clone.Step = step
	return &clone
}

// BusinessFailure returns an error that marks a step outcome as an expected negative.
// The step executor never retries it.
func BusinessFailure(reason string) error {
	return &Error{Kind: KindBusiness, Err: errors.New(reason)}
}

// ValidationFailure returns an error that marks the step input as invalid.
// The step executor never retries it.
func ValidationFailure(reason string) error {
	return &Error{Kind: KindValidation, Err: errors.New(reason)}
}

// KindOf reports the kind of err. Untyped errors are transient; nil has no kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var sagaErr *Error
	if errors.As(err, &sagaErr) {
		return sagaErr.Kind
	}
	return KindTransient
}

// retryable reports whether the step executor may try again after err.
func retryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindBusiness, KindInternal, KindCancellationRejected, KindDuplicateRun, KindCancelled:
		return false
	}
	return true
}

func internalError(format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Err: fmt.Errorf(format, args...)}
}

// errorList joins errors with "; " so the combined text stays on one line.
type errorList []error

func (l errorList) Error() string {
	parts := make([]string, 0, len(l))
	for _, err := range l {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}

func (l errorList) Unwrap() []error {
	return l
}
