// Package simulator provides in-process order collaborators backed by go-memdb.
// Latency and transient failures are configured per operation so runs are
// reproducible.
package simulator

import (
	"context"
	"fmt"
	"time"

	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/order"
	"github.com/goclaw/ordersaga/pkg/saga"
	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/shopspring/decimal"
)

// Operation names used in failure schedules and call counters.
const (
	OpValidateOrder       = "validate-order"
	OpCheckInventory      = "check-inventory"
	OpReserveInventory    = "reserve-inventory"
	OpProcessPayment      = "process-payment"
	OpFulfillOrder        = "fulfill-order"
	OpSendConfirmation    = "send-confirmation"
	OpCompensateInventory = "compensate-inventory"
	OpRefundPayment       = "refund-payment"
)

// AlwaysFail in a failure schedule makes every call of the operation fail.
const AlwaysFail = -1

const (
	tableStock        = "stock"
	tableReservations = "reservations"
	tablePayments     = "payments"
	tableShipments    = "shipments"
	tableCalls        = "calls"
)

// Config configures the simulated services.
type Config struct {
	// Latency delays every call.
	Latency time.Duration
	// OperationLatency overrides Latency per operation.
	OperationLatency map[string]time.Duration
	// Failures makes the first N calls of an operation fail transiently.
	// AlwaysFail fails every call.
	Failures map[string]int
	// Stock seeds available quantities per product.
	Stock map[string]int
	// DefaultStock is the quantity of products missing from Stock.
	DefaultStock int
	// DeclinedCustomers have their payments declined.
	DeclinedCustomers []string
	Logger            logger.Logger
}

// Reservation is a stock hold created by ReserveInventory.
type Reservation struct {
	ID       string
	Items    []order.OrderItem
	Released bool
}

// Payment is a charge created by ProcessPayment.
type Payment struct {
	ID         string
	OrderID    string
	CustomerID string
	Amount     decimal.Decimal
	Refunded   bool
}

// Shipment is created by FulfillOrder.
type Shipment struct {
	TrackingNumber string
	OrderID        string
}

type stockRow struct {
	ProductID string
	Available int
}

type callRow struct {
	Operation string
	Count     int
}

// Services implements order.Activities against in-memory tables.
type Services struct {
	db       *memdb.MemDB
	cfg      Config
	declined map[string]struct{}
	logger   logger.Logger
}

func schema() *memdb.DBSchema {
	idIndex := func(field string) map[string]*memdb.IndexSchema {
		return map[string]*memdb.IndexSchema{
			"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: field}},
		}
	}
	orderIndex := &memdb.IndexSchema{Name: "order", Indexer: &memdb.StringFieldIndex{Field: "OrderID"}}

	payments := idIndex("ID")
	payments["order"] = orderIndex
	shipments := idIndex("TrackingNumber")
	shipments["order"] = orderIndex

	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableStock:        {Name: tableStock, Indexes: idIndex("ProductID")},
			tableReservations: {Name: tableReservations, Indexes: idIndex("ID")},
			tablePayments:     {Name: tablePayments, Indexes: payments},
			tableShipments:    {Name: tableShipments, Indexes: shipments},
			tableCalls:        {Name: tableCalls, Indexes: idIndex("Operation")},
		},
	}
}

// New creates the simulated services and seeds the stock table.
func New(cfg Config) (*Services, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("create simulator db: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Global()
	}

	txn := db.Txn(true)
	for productID, qty := range cfg.Stock {
		if err := txn.Insert(tableStock, &stockRow{ProductID: productID, Available: qty}); err != nil {
			txn.Abort()
			return nil, fmt.Errorf("seed stock for %s: %w", productID, err)
		}
	}
	txn.Commit()

	declined := make(map[string]struct{}, len(cfg.DeclinedCustomers))
	for _, customerID := range cfg.DeclinedCustomers {
		declined[customerID] = struct{}{}
	}
	return &Services{db: db, cfg: cfg, declined: declined, logger: cfg.Logger}, nil
}

// ValidateOrder accepts orders with at least one item and a positive total.
func (s *Services) ValidateOrder(ctx context.Context, o order.Order) (bool, error) {
	if err := s.enter(ctx, OpValidateOrder); err != nil {
		return false, err
	}
	return len(o.Items) > 0 && o.TotalAmount.IsPositive(), nil
}

// CheckInventory reports whether every item is in stock.
func (s *Services) CheckInventory(ctx context.Context, items []order.OrderItem) (bool, error) {
	if err := s.enter(ctx, OpCheckInventory); err != nil {
		return false, err
	}
	txn := s.db.Txn(false)
	defer txn.Abort()
	for _, item := range items {
		available, err := s.available(txn, item.ProductID)
		if err != nil {
			return false, err
		}
		if available < item.Quantity {
			s.logger.InfoContext(ctx, "insufficient stock",
				"product_id", item.ProductID,
				"available", available,
				"requested", item.Quantity,
			)
			return false, nil
		}
	}
	return true, nil
}

// ReserveInventory takes the items out of stock and returns the reservation id.
func (s *Services) ReserveInventory(ctx context.Context, items []order.OrderItem) (string, error) {
	if err := s.enter(ctx, OpReserveInventory); err != nil {
		return "", err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	for _, item := range items {
		available, err := s.available(txn, item.ProductID)
		if err != nil {
			return "", err
		}
		if available < item.Quantity {
			return "", saga.BusinessFailure(fmt.Sprintf("insufficient inventory for %s", item.ProductID))
		}
		if err := txn.Insert(tableStock, &stockRow{ProductID: item.ProductID, Available: available - item.Quantity}); err != nil {
			return "", err
		}
	}

	reservation := &Reservation{ID: "res_" + uuid.NewString(), Items: append([]order.OrderItem(nil), items...)}
	if err := txn.Insert(tableReservations, reservation); err != nil {
		return "", err
	}
	txn.Commit()
	return reservation.ID, nil
}

// CompensateInventory releases a reservation. Releasing twice is a no-op.
func (s *Services) CompensateInventory(ctx context.Context, reservationID string) error {
	if err := s.enter(ctx, OpCompensateInventory); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableReservations, "id", reservationID)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("unknown reservation %s", reservationID)
	}
	reservation := *raw.(*Reservation)
	if reservation.Released {
		return nil
	}
	for _, item := range reservation.Items {
		available, err := s.available(txn, item.ProductID)
		if err != nil {
			return err
		}
		if err := txn.Insert(tableStock, &stockRow{ProductID: item.ProductID, Available: available + item.Quantity}); err != nil {
			return err
		}
	}
	reservation.Released = true
	if err := txn.Insert(tableReservations, &reservation); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// ProcessPayment charges the customer and returns the payment id.
func (s *Services) ProcessPayment(ctx context.Context, orderID string, amount decimal.Decimal, customerID string) (string, error) {
	if err := s.enter(ctx, OpProcessPayment); err != nil {
		return "", err
	}
	if _, ok := s.declined[customerID]; ok {
		return "", saga.BusinessFailure(fmt.Sprintf("payment declined for customer %s", customerID))
	}

	payment := &Payment{
		ID:         "pay_" + uuid.NewString(),
		OrderID:    orderID,
		CustomerID: customerID,
		Amount:     amount,
	}
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tablePayments, payment); err != nil {
		return "", err
	}
	txn.Commit()
	return payment.ID, nil
}

// RefundPayment refunds a payment. Refunding twice is a no-op.
func (s *Services) RefundPayment(ctx context.Context, paymentID string) error {
	if err := s.enter(ctx, OpRefundPayment); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tablePayments, "id", paymentID)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("unknown payment %s", paymentID)
	}
	payment := *raw.(*Payment)
	if payment.Refunded {
		return nil
	}
	payment.Refunded = true
	if err := txn.Insert(tablePayments, &payment); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// FulfillOrder creates a shipment and returns its tracking number.
func (s *Services) FulfillOrder(ctx context.Context, orderID string, _ []order.OrderItem) (string, error) {
	if err := s.enter(ctx, OpFulfillOrder); err != nil {
		return "", err
	}
	shipment := &Shipment{TrackingNumber: "trk_" + uuid.NewString(), OrderID: orderID}
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableShipments, shipment); err != nil {
		return "", err
	}
	txn.Commit()
	return shipment.TrackingNumber, nil
}

// SendConfirmation logs the notification.
func (s *Services) SendConfirmation(ctx context.Context, orderID, customerID, trackingNumber string) error {
	if err := s.enter(ctx, OpSendConfirmation); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "order confirmation sent",
		"order_id", orderID,
		"customer_id", customerID,
		"tracking_number", trackingNumber,
	)
	return nil
}

// Available returns the stock of productID.
func (s *Services) Available(productID string) int {
	txn := s.db.Txn(false)
	defer txn.Abort()
	available, _ := s.available(txn, productID)
	return available
}

// Reservation returns a reservation by id.
func (s *Services) Reservation(id string) (Reservation, bool) {
	raw, err := s.db.Txn(false).First(tableReservations, "id", id)
	if err != nil || raw == nil {
		return Reservation{}, false
	}
	return *raw.(*Reservation), true
}

// Payment returns a payment by id.
func (s *Services) Payment(id string) (Payment, bool) {
	raw, err := s.db.Txn(false).First(tablePayments, "id", id)
	if err != nil || raw == nil {
		return Payment{}, false
	}
	return *raw.(*Payment), true
}

// PaymentsForOrder returns every payment taken for orderID.
func (s *Services) PaymentsForOrder(orderID string) []Payment {
	it, err := s.db.Txn(false).Get(tablePayments, "order", orderID)
	if err != nil {
		return nil
	}
	var payments []Payment
	for raw := it.Next(); raw != nil; raw = it.Next() {
		payments = append(payments, *raw.(*Payment))
	}
	return payments
}

// Shipments returns every shipment of orderID.
func (s *Services) Shipments(orderID string) []Shipment {
	it, err := s.db.Txn(false).Get(tableShipments, "order", orderID)
	if err != nil {
		return nil
	}
	var shipments []Shipment
	for raw := it.Next(); raw != nil; raw = it.Next() {
		shipments = append(shipments, *raw.(*Shipment))
	}
	return shipments
}

// Calls returns how often op has been invoked.
func (s *Services) Calls(op string) int {
	raw, err := s.db.Txn(false).First(tableCalls, "id", op)
	if err != nil || raw == nil {
		return 0
	}
	return raw.(*callRow).Count
}

// enter counts the call, waits for the configured latency and applies the
// failure schedule.
func (s *Services) enter(ctx context.Context, op string) error {
	count, err := s.countCall(op)
	if err != nil {
		return err
	}

	latency := s.cfg.Latency
	if d, ok := s.cfg.OperationLatency[op]; ok {
		latency = d
	}
	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	failures := s.cfg.Failures[op]
	if failures == AlwaysFail || count <= failures {
		s.logger.DebugContext(ctx, "simulated failure", "operation", op, "call", count)
		return fmt.Errorf("simulated %s failure (call %d)", op, count)
	}
	return nil
}

func (s *Services) countCall(op string) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	count := 1
	raw, err := txn.First(tableCalls, "id", op)
	if err != nil {
		return 0, err
	}
	if raw != nil {
		count = raw.(*callRow).Count + 1
	}
	if err := txn.Insert(tableCalls, &callRow{Operation: op, Count: count}); err != nil {
		return 0, err
	}
	txn.Commit()
	return count, nil
}

func (s *Services) available(txn *memdb.Txn, productID string) (int, error) {
	raw, err := txn.First(tableStock, "id", productID)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return s.cfg.DefaultStock, nil
	}
	return raw.(*stockRow).Available, nil
}

var _ order.Activities = (*Services)(nil)
