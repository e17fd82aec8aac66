package order

import (
	"context"
	"testing"

	"github.com/goclaw/ordersaga/pkg/saga"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefinitionLayout(t *testing.T) {
	def, err := NewDefinition(nopActivities{}, StepConfig{})
	require.NoError(t, err)

	assert.Equal(t, SagaName, def.Name)
	assert.Equal(t, []string{
		StepValidate, StepCheckInventory, StepReserveInventory,
		StepProcessPayment, StepFulfillOrder, StepConfirm,
	}, def.StepNames())
	assert.Equal(t, []saga.Status{
		StatusValidating, StatusCheckingInventory, StatusReservingInventory,
		StatusProcessingPayment, StatusFulfilling, StatusConfirming,
	}, def.Statuses())

	reversible := map[string]string{}
	for _, step := range def.Steps() {
		if step.Reversible() {
			reversible[step.Name] = step.CompensationName
		}
		assert.Equal(t, saga.DefaultStepTimeout, step.Timeout)
		assert.Equal(t, saga.DefaultRetryPolicy(), step.Retry)
	}
	assert.Equal(t, map[string]string{
		StepReserveInventory: CompensateInventory,
		StepProcessPayment:   RefundPayment,
	}, reversible)
}

func TestNewDefinitionRequiresActivities(t *testing.T) {
	_, err := NewDefinition(nil, DefaultStepConfig())
	require.Error(t, err)
}

type nopActivities struct{}

func (nopActivities) ValidateOrder(context.Context, Order) (bool, error) { return true, nil }
func (nopActivities) CheckInventory(context.Context, []OrderItem) (bool, error) {
	return true, nil
}
func (nopActivities) ReserveInventory(context.Context, []OrderItem) (string, error) {
	return "res", nil
}
func (nopActivities) ProcessPayment(context.Context, string, decimal.Decimal, string) (string, error) {
	return "pay", nil
}
func (nopActivities) FulfillOrder(context.Context, string, []OrderItem) (string, error) {
	return "trk", nil
}
func (nopActivities) SendConfirmation(context.Context, string, string, string) error { return nil }
func (nopActivities) CompensateInventory(context.Context, string) error { return nil }
func (nopActivities) RefundPayment(context.Context, string) error { return nil }
