package product

import "context"

// Availability describes whether a product can currently be bought.
type Availability struct {
	IsAvailableToBuy bool
	Message          string
}

// Strategy decides purchasability of a product.
type Strategy interface {
	FetchForProduct(ctx context.Context, p *Product) Availability
}

// StockStrategy treats a product as purchasable when it has a price and,
// if stock is tracked, at least one unit in stock.
type StockStrategy struct{}

var _ Strategy = StockStrategy{}

// FetchForProduct implements Strategy.
func (StockStrategy) FetchForProduct(_ context.Context, p *Product) Availability {
	switch {
	case p.Price == nil:
		return Availability{Message: "Unavailable"}
	case p.NumInStock != nil && *p.NumInStock <= 0:
		return Availability{Message: "No stock available"}
	default:
		return Availability{IsAvailableToBuy: true, Message: "Available"}
	}
}
