package saga

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"
)

// Status is the lifecycle state of a run. Besides the fixed statuses below, every
// step contributes the status the run reports while that step executes.
type Status string

const (
	StatusPending      Status = "pending"
	StatusCompensating Status = "compensating"
	StatusCancelling   Status = "cancelling"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
	// StatusPartiallyCompensated ends a run whose unwind left effects unreversed.
	StatusPartiallyCompensated Status = "failed-with-partial-compensation"
)

// String returns the status text.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusPartiallyCompensated:
		return true
	default:
		return false
	}
}

func (s Status) reserved() bool {
	switch s {
	case StatusPending, StatusCompensating, StatusCancelling,
		StatusCompleted, StatusFailed, StatusCancelled, StatusPartiallyCompensated:
		return true
	default:
		return false
	}
}

type trigger string

const (
	triggerAdvance    trigger = "advance"
	triggerFail       trigger = "fail"
	triggerCancel     trigger = "cancel"
	triggerRolledBack trigger = "rolled-back"
	triggerPartial    trigger = "partially-rolled-back"
)

// newLifecycle builds the status machine of one run. The run owns the state; the
// machine only decides which transitions are legal.
func newLifecycle(def *Definition, get func() Status, set func(Status), onTransition func(context.Context, Status, Status)) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			return get(), nil
		},
		func(_ context.Context, state stateless.State) error {
			status, ok := state.(Status)
			if !ok {
				return fmt.Errorf("unexpected state type %T", state)
			}
			set(status)
			return nil
		},
		stateless.FiringImmediate,
	)

	chain := append([]Status{StatusPending}, def.Statuses()...)
	for i, status := range chain {
		next := StatusCompleted
		if i+1 < len(chain) {
			next = chain[i+1]
		}
		sm.Configure(status).
			Permit(triggerAdvance, next).
			Permit(triggerFail, StatusCompensating).
			Permit(triggerCancel, StatusCancelling)
	}

	sm.Configure(StatusCompensating).
		Permit(triggerRolledBack, StatusFailed).
		Permit(triggerPartial, StatusPartiallyCompensated)
	sm.Configure(StatusCancelling).
		Permit(triggerRolledBack, StatusCancelled).
		Permit(triggerPartial, StatusPartiallyCompensated)

	if onTransition != nil {
		sm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
			from, _ := t.Source.(Status)
			to, _ := t.Destination.(Status)
			onTransition(ctx, from, to)
		})
	}
	return sm
}
