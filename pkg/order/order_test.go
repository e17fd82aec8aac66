package order

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleOrderIsValid(t *testing.T) {
	o := SampleOrder("O1")
	require.NoError(t, o.Validate())
	assert.True(t, o.ItemsTotal().Equal(decimal.NewFromInt(200)))
	assert.Equal(t, "cust-001", o.CustomerID)
}

func TestOrderValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(o *Order)
		wantErr string
	}{
		{name: "missing order id", mutate: func(o *Order) { o.OrderID = "" }, wantErr: "OrderID is required"},
		{name: "missing customer", mutate: func(o *Order) { o.CustomerID = "" }, wantErr: "CustomerID is required"},
		{name: "no items", mutate: func(o *Order) { o.Items = nil }, wantErr: "Items is required"},
		{name: "zero quantity", mutate: func(o *Order) { o.Items[0].Quantity = 0 }, wantErr: "Items[0].Quantity must be greater than 0"},
		{name: "negative price", mutate: func(o *Order) { o.Items[1].Price = decimal.NewFromInt(-1) }, wantErr: "Items[1].Price must be greater than 0"},
		{name: "zero total", mutate: func(o *Order) { o.TotalAmount = decimal.Zero }, wantErr: "TotalAmount must be greater than 0"},
		{name: "total mismatch", mutate: func(o *Order) { o.TotalAmount = decimal.NewFromInt(150) }, wantErr: "does not match item subtotals 200"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := SampleOrder("O1")
			tt.mutate(&o)
			err := o.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOrderValidateAcceptsFractionalPrices(t *testing.T) {
	o := Order{
		OrderID:    "O2",
		CustomerID: "c",
		Items: []OrderItem{
			{ProductID: "p", Quantity: 3, Price: decimal.RequireFromString("0.10")},
		},
		TotalAmount: decimal.RequireFromString("0.30"),
	}
	require.NoError(t, o.Validate())
}

func TestOrderCloneDoesNotShareItems(t *testing.T) {
	o := SampleOrder("O1")
	clone := o.Clone()
	clone.Items[0].Quantity = 99
	assert.Equal(t, 2, o.Items[0].Quantity)
}

func TestWorkflowID(t *testing.T) {
	assert.Equal(t, "order-O1", WorkflowID("O1"))
}
