package order

import (
	"context"
	"fmt"
	"time"

	"github.com/goclaw/ordersaga/pkg/saga"
)

// SagaName names the order saga.
const SagaName = "process-order"

// Step names in execution order.
const (
	StepValidate         = "validate"
	StepCheckInventory   = "check-inventory"
	StepReserveInventory = "reserve-inventory"
	StepProcessPayment   = "process-payment"
	StepFulfillOrder     = "fulfill-order"
	StepConfirm          = "confirm"
)

// Statuses reported while the matching step runs.
const (
	StatusValidating         saga.Status = "validating"
	StatusCheckingInventory  saga.Status = "checking-inventory"
	StatusReservingInventory saga.Status = "reserving-inventory"
	StatusProcessingPayment  saga.Status = "processing-payment"
	StatusFulfilling         saga.Status = "fulfilling"
	StatusConfirming         saga.Status = "confirming"
)

// Compensation names.
const (
	CompensateInventory = "compensate-inventory"
	RefundPayment       = "refund-payment"
)

// Published result keys.
const (
	ResultReservationID  = "reservationId"
	ResultPaymentID      = "paymentId"
	ResultTrackingNumber = "trackingNumber"
)

// StepConfig holds the per-step timeout and retry policy shared by every step.
type StepConfig struct {
	Timeout time.Duration
	Retry   saga.RetryPolicy
}

// DefaultStepConfig returns a two-minute timeout and three attempts backing off
// from one to ten seconds.
func DefaultStepConfig() StepConfig {
	return StepConfig{
		Timeout: saga.DefaultStepTimeout,
		Retry:   saga.DefaultRetryPolicy(),
	}
}

// NewDefinition builds the six-step order saga on top of acts. Only the
// reservation and the payment are reversible; on rollback the payment is
// refunded before the reservation is released.
func NewDefinition(acts Activities, cfg StepConfig) (*saga.Definition, error) {
	if acts == nil {
		return nil, fmt.Errorf("order activities cannot be nil")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = saga.DefaultStepTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = saga.DefaultRetryPolicy()
	}

	return saga.New(SagaName).
		WithDefaultStepTimeout(cfg.Timeout).
		WithDefaultRetry(cfg.Retry).
		Step(StepValidate,
			saga.EnterStatus(StatusValidating),
			saga.Action(func(ctx context.Context, sc *saga.StepContext) (any, error) {
				o, err := orderInput(sc)
				if err != nil {
					return nil, err
				}
				if err := o.Validate(); err != nil {
					return nil, saga.ValidationFailure(err.Error())
				}
				ok, err := acts.ValidateOrder(ctx, o)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, saga.ValidationFailure("order validation failed")
				}
				return true, nil
			}),
		).
		Step(StepCheckInventory,
			saga.EnterStatus(StatusCheckingInventory),
			saga.Action(func(ctx context.Context, sc *saga.StepContext) (any, error) {
				o, err := orderInput(sc)
				if err != nil {
					return nil, err
				}
				ok, err := acts.CheckInventory(ctx, o.Items)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, saga.BusinessFailure("insufficient inventory")
				}
				return true, nil
			}),
		).
		Step(StepReserveInventory,
			saga.EnterStatus(StatusReservingInventory),
			saga.Action(func(ctx context.Context, sc *saga.StepContext) (any, error) {
				o, err := orderInput(sc)
				if err != nil {
					return nil, err
				}
				reservationID, err := acts.ReserveInventory(ctx, o.Items)
				if err != nil {
					return nil, err
				}
				if reservationID == "" {
					return nil, saga.BusinessFailure("reservation id not returned")
				}
				return reservationID, nil
			}),
			saga.Compensate(CompensateInventory, func(result any) saga.CompensationFunc {
				reservationID, _ := result.(string)
				if reservationID == "" {
					return nil
				}
				return func(ctx context.Context) error {
					return acts.CompensateInventory(ctx, reservationID)
				}
			}),
			saga.Publish(ResultReservationID),
		).
		Step(StepProcessPayment,
			saga.EnterStatus(StatusProcessingPayment),
			saga.Action(func(ctx context.Context, sc *saga.StepContext) (any, error) {
				o, err := orderInput(sc)
				if err != nil {
					return nil, err
				}
				paymentID, err := acts.ProcessPayment(ctx, o.OrderID, o.TotalAmount, o.CustomerID)
				if err != nil {
					return nil, err
				}
				if paymentID == "" {
					return nil, saga.BusinessFailure("payment id not returned")
				}
				return paymentID, nil
			}),
			saga.Compensate(RefundPayment, func(result any) saga.CompensationFunc {
				paymentID, _ := result.(string)
				if paymentID == "" {
					return nil
				}
				return func(ctx context.Context) error {
					return acts.RefundPayment(ctx, paymentID)
				}
			}),
			saga.Publish(ResultPaymentID),
		).
		Step(StepFulfillOrder,
			saga.EnterStatus(StatusFulfilling),
			saga.Action(func(ctx context.Context, sc *saga.StepContext) (any, error) {
				o, err := orderInput(sc)
				if err != nil {
					return nil, err
				}
				trackingNumber, err := acts.FulfillOrder(ctx, o.OrderID, o.Items)
				if err != nil {
					return nil, err
				}
				if trackingNumber == "" {
					return nil, saga.BusinessFailure("tracking number not generated")
				}
				return trackingNumber, nil
			}),
			saga.Publish(ResultTrackingNumber),
		).
		Step(StepConfirm,
			saga.EnterStatus(StatusConfirming),
			saga.Action(func(ctx context.Context, sc *saga.StepContext) (any, error) {
				o, err := orderInput(sc)
				if err != nil {
					return nil, err
				}
				result, _ := sc.Result(StepFulfillOrder)
				trackingNumber, _ := result.(string)
				if err := acts.SendConfirmation(ctx, o.OrderID, o.CustomerID, trackingNumber); err != nil {
					return nil, err
				}
				return nil, nil
			}),
		).
		Build()
}

func orderInput(sc *saga.StepContext) (Order, error) {
	o, ok := sc.Input.(Order)
	if !ok {
		return Order{}, saga.ValidationFailure(fmt.Sprintf("saga input is %T, want order.Order", sc.Input))
	}
	return o, nil
}
