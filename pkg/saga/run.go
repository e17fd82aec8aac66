package saga

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/qmuntal/stateless"
)

type cancelRequest struct {
	reply chan error
}

// run is the mutable state of one saga run. Only the run's own goroutine writes
// to it; readers go through the published snapshot.
type run struct {
	id    string
	def   *Definition
	input any
	now   func() time.Time

	status      Status
	results     map[string]any
	published   map[string]string
	completed   []string
	compensated []string
	cause       error
	compErr     error
	cancelled   bool

	createdAt  time.Time
	updatedAt  time.Time
	finishedAt *time.Time

	machine *stateless.StateMachine
	stack   *CompensationStack

	current  atomic.Pointer[Snapshot]
	cancelCh chan cancelRequest
	done     chan struct{}
	outcome  error
}

func (r *run) publish() {
	r.updatedAt = r.now()
	snap := Snapshot{
		RunID:                r.id,
		Saga:                 r.def.Name,
		Status:               r.status,
		Results:              maps.Clone(r.published),
		CompletedSteps:       slices.Clone(r.completed),
		Compensated:          slices.Clone(r.compensated),
		PendingCompensations: r.stack.Pending(),
		CreatedAt:            r.createdAt,
		UpdatedAt:            r.updatedAt,
	}
	if r.cause != nil {
		snap.LastError = r.cause.Error()
		snap.ErrorKind = KindOf(r.cause)
	}
	if r.compErr != nil {
		if snap.LastError != "" {
			snap.LastError += "; "
		}
		snap.LastError += r.compErr.Error()
		if snap.ErrorKind == "" {
			snap.ErrorKind = KindCompensation
		}
	}
	if r.finishedAt != nil {
		finished := *r.finishedAt
		snap.FinishedAt = &finished
	}
	r.current.Store(&snap)
}

func (r *run) snapshot() Snapshot {
	return r.current.Load().Clone()
}

func (r *run) stepContext(step string) *StepContext {
	return &StepContext{
		RunID:   r.id,
		Step:    step,
		Input:   r.input,
		Results: maps.Clone(r.results),
	}
}

// RunHandle gives callers access to one run. All methods are safe for concurrent use.
type RunHandle struct {
	exec *Executor
	run  *run
}

// ID returns the run id.
func (h *RunHandle) ID() string {
	return h.run.id
}

// Snapshot returns the latest published snapshot.
func (h *RunHandle) Snapshot() Snapshot {
	return h.run.snapshot()
}

// Status returns the current status.
func (h *RunHandle) Status() Status {
	return h.run.current.Load().Status
}

// Result returns a published step result, such as a tracking number.
func (h *RunHandle) Result(key string) (string, bool) {
	return h.run.current.Load().Result(key)
}

// LastError returns the recorded failure or cancellation reason.
func (h *RunHandle) LastError() (string, bool) {
	return h.run.current.Load().Error()
}

// Cancel asks the run to stop and compensate.
func (h *RunHandle) Cancel(ctx context.Context) error {
	return h.exec.Cancel(ctx, h.run.id)
}

// Done is closed once the run reaches a terminal status.
func (h *RunHandle) Done() <-chan struct{} {
	return h.run.done
}

// Wait blocks until the run ends and returns its final snapshot. The error is nil
// for completed runs and carries the failure or cancellation reason otherwise.
func (h *RunHandle) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-h.run.done:
		return h.run.snapshot(), h.run.outcome
	case <-ctx.Done():
		return h.run.snapshot(), ctx.Err()
	}
}

var _ StatusView = (*RunHandle)(nil)

func duplicateRun(runID string) error {
	return &Error{Kind: KindDuplicateRun, Err: fmt.Errorf("run %s already exists", runID)}
}

func cancelRejection(status Status, requested bool) error {
	var reason string
	switch {
	case status == StatusCompleted:
		return &Error{Kind: KindCancellationRejected, Err: ErrRunCompleted}
	case status.IsTerminal():
		reason = fmt.Sprintf("run already finished with status %s", status)
	case status == StatusCancelling || requested:
		reason = "cancellation already in progress"
	case status == StatusCompensating:
		reason = "run is already compensating after a failure"
	default:
		return nil
	}
	return &Error{Kind: KindCancellationRejected, Err: fmt.Errorf("%s", reason)}
}
