// Package pricing computes shipping charges and order totals for a basket.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/basket"
)

// Charge is a shipping charge.
type Charge struct {
	Currency string
	ExclTax  decimal.Decimal
}

// Total is the amount payable for an order.
type Total struct {
	Currency string
	ExclTax  decimal.Decimal
}

// ShippingMethod prices delivery of a basket.
type ShippingMethod interface {
	Code() string
	Name() string
	Calculate(b *basket.Basket) Charge
}

// Free is the only shipping method digital goods need.
type Free struct{}

var _ ShippingMethod = Free{}

func (Free) Code() string { return "free-shipping" }
func (Free) Name() string { return "Free shipping" }

// Calculate returns a zero charge in the basket currency.
func (Free) Calculate(b *basket.Basket) Charge {
	return Charge{Currency: b.Currency, ExclTax: decimal.Zero}
}

// Engine prices baskets with a fixed shipping method. Results depend only on
// the basket snapshot passed in.
type Engine struct {
	method ShippingMethod
}

// NewEngine returns an Engine using method for every basket.
func NewEngine(method ShippingMethod) *Engine {
	return &Engine{method: method}
}

// ShippingMethod returns the method used by the engine.
func (e *Engine) ShippingMethod() ShippingMethod { return e.method }

// CalculateShipping prices delivery of b.
func (e *Engine) CalculateShipping(b *basket.Basket) Charge {
	return e.method.Calculate(b)
}

// CalculateTotal adds the shipping charge to the basket lines.
func (e *Engine) CalculateTotal(b *basket.Basket, shipping Charge) Total {
	return Total{
		Currency: b.Currency,
		ExclTax:  b.TotalExclTax().Add(shipping.ExclTax).Round(2),
	}
}
