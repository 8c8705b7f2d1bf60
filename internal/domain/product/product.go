package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a product lookup yields no result.
var ErrNotFound = errors.New("product not found")

// ClassSeat is the product class of course seats fulfilled by enrollment.
const ClassSeat = "Seat"

// Attribute names carried by Seat products.
const (
	AttrCourseKey       = "course_key"
	AttrCertificateType = "certificate_type"
)

// Product is a purchasable catalog item together with its stock record.
type Product struct {
	ID       int64
	SKU      string
	Title    string
	Class    string
	Price    *decimal.Decimal // nil when the product has no price
	Currency string
	// NumInStock is nil when stock is not tracked for the product.
	NumInStock *int
	Attributes map[string]string
}

// Attribute returns the named attribute value, or "" when unset.
func (p *Product) Attribute(name string) string {
	if p.Attributes == nil {
		return ""
	}
	return p.Attributes[name]
}

// Repository defines read access to the product catalog.
type Repository interface {
	GetBySKU(ctx context.Context, sku string) (*Product, error)
}
