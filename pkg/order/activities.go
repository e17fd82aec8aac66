package order

import (
	"context"

	"github.com/shopspring/decimal"
)

// Activities are the remote collaborators the order saga calls. Implementations
// return a plain error for transient failures; saga.BusinessFailure marks an
// expected negative outcome that must not be retried.
type Activities interface {
	// ValidateOrder returns false when the order is not acceptable.
	ValidateOrder(ctx context.Context, order Order) (bool, error)
	// CheckInventory returns false when stock is insufficient.
	CheckInventory(ctx context.Context, items []OrderItem) (bool, error)
	ReserveInventory(ctx context.Context, items []OrderItem) (reservationID string, err error)
	ProcessPayment(ctx context.Context, orderID string, amount decimal.Decimal, customerID string) (paymentID string, err error)
	FulfillOrder(ctx context.Context, orderID string, items []OrderItem) (trackingNumber string, err error)
	SendConfirmation(ctx context.Context, orderID, customerID, trackingNumber string) error
	CompensateInventory(ctx context.Context, reservationID string) error
	RefundPayment(ctx context.Context, paymentID string) error
}
