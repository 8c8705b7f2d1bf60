package product

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestStockStrategy(t *testing.T) {
	price := decimal.RequireFromString("10.00")
	zero, five := 0, 5

	tests := []struct {
		name      string
		product   Product
		available bool
		message   string
	}{
		{name: "no price", product: Product{SKU: "A"}, message: "Unavailable"},
		{name: "untracked stock", product: Product{SKU: "B", Price: &price}, available: true, message: "Available"},
		{name: "in stock", product: Product{SKU: "C", Price: &price, NumInStock: &five}, available: true, message: "Available"},
		{name: "out of stock", product: Product{SKU: "D", Price: &price, NumInStock: &zero}, message: "No stock available"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StockStrategy{}.FetchForProduct(context.Background(), &tt.product)
			assert.Equal(t, tt.available, got.IsAvailableToBuy)
			assert.Equal(t, tt.message, got.Message)
		})
	}
}
