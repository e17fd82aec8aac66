// Package order wires the order-processing saga: the order model, the
// collaborators the saga calls, the six-step definition and a service facade
// that submits, cancels and queries order runs.
package order

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Order is the immutable input of one saga run.
type Order struct {
	OrderID     string          `json:"orderId" validate:"required"`
	CustomerID  string          `json:"customerId" validate:"required"`
	Items       []OrderItem     `json:"items" validate:"required,min=1,dive"`
	TotalAmount decimal.Decimal `json:"totalAmount" validate:"gt=0"`
	Status      string          `json:"status,omitempty"`
}

// OrderItem is one order line.
type OrderItem struct {
	ProductID string          `json:"productId" validate:"required"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	Price     decimal.Decimal `json:"price" validate:"gt=0"`
}

// Subtotal returns quantity times price.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// ItemsTotal sums the subtotals of all items.
func (o Order) ItemsTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// Clone returns a copy that shares no memory with o.
func (o Order) Clone() Order {
	out := o
	out.Items = slices.Clone(o.Items)
	return out
}

// Validate checks field constraints and that TotalAmount equals the sum of the
// item subtotals.
func (o Order) Validate() error {
	if err := orderValidator().Struct(o); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return formatValidationErrors(validationErrors)
		}
		return err
	}
	if sum := o.ItemsTotal(); !sum.Equal(o.TotalAmount) {
		return fmt.Errorf("total amount %s does not match item subtotals %s", o.TotalAmount, sum)
	}
	return nil
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func orderValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterCustomTypeFunc(func(field reflect.Value) any {
			if d, ok := field.Interface().(decimal.Decimal); ok {
				f, _ := d.Float64()
				return f
			}
			return nil
		}, decimal.Decimal{})
	})
	return validate
}

func formatValidationErrors(errs validator.ValidationErrors) error {
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		field := strings.TrimPrefix(e.Namespace(), "Order.")
		switch e.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", field))
		case "min":
			messages = append(messages, fmt.Sprintf("%s must contain at least %s entries", field, e.Param()))
		case "gt":
			messages = append(messages, fmt.Sprintf("%s must be greater than %s", field, e.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed %s validation", field, e.Tag()))
		}
	}
	return fmt.Errorf("invalid order: %s", strings.Join(messages, "; "))
}

// SampleOrder returns the demo order: two items totalling 200.
func SampleOrder(orderID string) Order {
	return Order{
		OrderID:    orderID,
		CustomerID: "cust-001",
		Items: []OrderItem{
			{ProductID: "prod-001", Quantity: 2, Price: decimal.NewFromInt(50)},
			{ProductID: "prod-002", Quantity: 1, Price: decimal.NewFromInt(100)},
		},
		TotalAmount: decimal.NewFromInt(200),
		Status:      "new",
	}
}
