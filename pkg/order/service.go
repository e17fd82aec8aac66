package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/saga"
)

var errCompletedOrder = errors.New("cannot cancel a completed order")

// WorkflowID derives the run id of an order.
func WorkflowID(orderID string) string {
	return "order-" + orderID
}

// Status is the externally visible state of one order run.
type Status struct {
	OrderID        string         `json:"orderId"`
	WorkflowID     string         `json:"workflowId"`
	Status         saga.Status    `json:"status"`
	ReservationID  string         `json:"reservationId,omitempty"`
	PaymentID      string         `json:"paymentId,omitempty"`
	TrackingNumber string         `json:"trackingNumber,omitempty"`
	Error          string         `json:"error,omitempty"`
	ErrorKind      saga.ErrorKind `json:"errorKind,omitempty"`
	Compensated    []string       `json:"compensated,omitempty"`
	Unreversed     []string       `json:"unreversed,omitempty"`
}

// Terminal reports whether the order run has ended.
func (s Status) Terminal() bool {
	return s.Status.IsTerminal()
}

// Service submits, cancels and queries order runs.
type Service struct {
	exec   *saga.Executor
	def    *saga.Definition
	logger logger.Logger
}

// NewService builds the order saga from acts and runs it on exec.
func NewService(exec *saga.Executor, acts Activities, cfg StepConfig, log logger.Logger) (*Service, error) {
	if exec == nil {
		return nil, fmt.Errorf("saga executor cannot be nil")
	}
	def, err := NewDefinition(acts, cfg)
	if err != nil {
		return nil, fmt.Errorf("build order saga: %w", err)
	}
	if log == nil {
		log = logger.Global()
	}
	return &Service{exec: exec, def: def, logger: log}, nil
}

// Definition returns the saga definition the service runs.
func (s *Service) Definition() *saga.Definition {
	return s.def
}

// Submit starts the saga for o and returns without waiting. Submitting the same
// order id twice fails with saga.ErrDuplicateRun.
func (s *Service) Submit(ctx context.Context, o Order) (*saga.RunHandle, error) {
	if o.OrderID == "" {
		return nil, fmt.Errorf("order id cannot be empty")
	}
	h, err := s.exec.Start(ctx, WorkflowID(o.OrderID), s.def, o.Clone())
	if err != nil {
		return nil, fmt.Errorf("submit order %s: %w", o.OrderID, err)
	}
	s.logger.InfoContext(ctx, "order submitted",
		"order_id", o.OrderID,
		"run_id", h.ID(),
		"total", o.TotalAmount.String(),
	)
	return h, nil
}

// Process submits o and waits for the run to end. It returns the tracking number
// of a completed order, or the failure or cancellation reason.
func (s *Service) Process(ctx context.Context, o Order) (string, error) {
	h, err := s.Submit(ctx, o)
	if err != nil {
		return "", err
	}
	snap, err := h.Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("order %s %s: %w", o.OrderID, snap.Status, err)
	}
	trackingNumber, ok := snap.Result(ResultTrackingNumber)
	if !ok || trackingNumber == "" {
		return "", fmt.Errorf("order %s: tracking number not generated", o.OrderID)
	}
	return trackingNumber, nil
}

// Cancel requests cancellation of an order run.
func (s *Service) Cancel(ctx context.Context, orderID string) error {
	if err := s.exec.Cancel(ctx, WorkflowID(orderID)); err != nil {
		if errors.Is(err, saga.ErrRunCompleted) {
			err = &saga.Error{Kind: saga.KindCancellationRejected, Err: errCompletedOrder}
		}
		if errors.Is(err, saga.ErrCancellationRejected) {
			s.logger.InfoContext(ctx, "order cancellation rejected", "order_id", orderID, "error", err)
		}
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	s.logger.InfoContext(ctx, "order cancellation accepted", "order_id", orderID)
	return nil
}

// Status returns the current state of an order run.
func (s *Service) Status(ctx context.Context, orderID string) (Status, error) {
	snap, err := s.exec.Snapshot(ctx, WorkflowID(orderID))
	if err != nil {
		return Status{}, fmt.Errorf("order %s: %w", orderID, err)
	}
	return statusFromSnapshot(orderID, snap), nil
}

// TrackingNumber returns the tracking number once fulfillment has committed.
func (s *Service) TrackingNumber(ctx context.Context, orderID string) (string, bool, error) {
	snap, err := s.exec.Snapshot(ctx, WorkflowID(orderID))
	if err != nil {
		return "", false, fmt.Errorf("order %s: %w", orderID, err)
	}
	trackingNumber, ok := snap.Result(ResultTrackingNumber)
	return trackingNumber, ok, nil
}

// LastError returns the recorded failure or cancellation reason, if any.
func (s *Service) LastError(ctx context.Context, orderID string) (string, bool, error) {
	snap, err := s.exec.Snapshot(ctx, WorkflowID(orderID))
	if err != nil {
		return "", false, fmt.Errorf("order %s: %w", orderID, err)
	}
	msg, ok := snap.Error()
	return msg, ok, nil
}

func statusFromSnapshot(orderID string, snap saga.Snapshot) Status {
	status := Status{
		OrderID:     orderID,
		WorkflowID:  snap.RunID,
		Status:      snap.Status,
		Error:       snap.LastError,
		ErrorKind:   snap.ErrorKind,
		Compensated: snap.Compensated,
		Unreversed:  snap.PendingCompensations,
	}
	status.ReservationID, _ = snap.Result(ResultReservationID)
	status.PaymentID, _ = snap.Result(ResultPaymentID)
	status.TrackingNumber, _ = snap.Result(ResultTrackingNumber)
	return status
}
