package basket

import (
	"fmt"
	"maps"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/product"
)

// Status is the lifecycle state of a basket.
type Status string

// Basket statuses. Only Open baskets are editable.
const (
	StatusOpen      Status = "Open"
	StatusMerged    Status = "Merged"
	StatusFrozen    Status = "Frozen"
	StatusSubmitted Status = "Submitted"
)

// Sentinel errors for basket operations.
var (
	ErrNotFound         = errors.New("basket not found")
	ErrInvalidState     = errors.New("invalid basket state")
	ErrCurrencyMismatch = errors.New("basket currency mismatch")
	ErrInvalidPrice     = errors.New("invalid product price")
)

// InvalidStateError reports an operation attempted on a basket in the wrong
// status.
type InvalidStateError struct {
	BasketID int64
	Status   Status
	Want     Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("basket %d is %s, want %s", e.BasketID, e.Status, e.Want)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// UnavailableError reports a product rejected by the availability strategy.
type UnavailableError struct {
	SKU     string
	Message string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("product %s is not available to buy: %s", e.SKU, e.Message)
}

// Line is a product held in a basket. Product data is snapshotted when the
// line is created.
type Line struct {
	ID               int64
	ProductID        int64
	SKU              string
	Title            string
	ProductClass     string
	Attributes       map[string]string
	Quantity         int
	UnitPriceExclTax decimal.Decimal
	CreatedAt        time.Time
}

// LinePriceExclTax is quantity times unit price, rounded to the currency unit.
func (l Line) LinePriceExclTax() decimal.Decimal {
	return l.UnitPriceExclTax.Mul(decimal.NewFromInt(int64(l.Quantity))).Round(2)
}

// Basket groups lines owned by a single user.
type Basket struct {
	ID          int64
	OwnerID     string
	Status      Status
	Currency    string
	Lines       []Line
	CreatedAt   time.Time
	MergedAt    *time.Time
	FrozenAt    *time.Time
	SubmittedAt *time.Time
}

// IsEditable reports whether lines may still be added to the basket.
func (b *Basket) IsEditable() bool { return b.Status == StatusOpen }

// IsEmpty reports whether the basket holds no lines.
func (b *Basket) IsEmpty() bool { return len(b.Lines) == 0 }

// NumItems returns the total quantity across all lines.
func (b *Basket) NumItems() int {
	n := 0
	for _, l := range b.Lines {
		n += l.Quantity
	}
	return n
}

// TotalExclTax sums the line prices.
func (b *Basket) TotalExclTax() decimal.Decimal {
	total := decimal.Zero
	for _, l := range b.Lines {
		total = total.Add(l.LinePriceExclTax())
	}
	return total.Round(2)
}

// Clone returns a deep copy of the basket.
func (b *Basket) Clone() *Basket {
	c := *b
	c.Lines = make([]Line, len(b.Lines))
	for i, l := range b.Lines {
		l.Attributes = maps.Clone(l.Attributes)
		c.Lines[i] = l
	}
	return &c
}

func (b *Basket) lineFor(productID int64) *Line {
	for i := range b.Lines {
		if b.Lines[i].ProductID == productID {
			return &b.Lines[i]
		}
	}
	return nil
}

// add appends a line for p or increments the existing one.
func (b *Basket) add(p *product.Product, quantity int, now time.Time) error {
	if p.Price == nil || p.Price.IsNegative() {
		return ErrInvalidPrice
	}
	if !b.IsEmpty() && b.Currency != "" && b.Currency != p.Currency {
		return errors.Wrapf(ErrCurrencyMismatch, "basket %d holds %s, product %s is priced in %s",
			b.ID, b.Currency, p.SKU, p.Currency)
	}
	b.Currency = p.Currency

	if l := b.lineFor(p.ID); l != nil {
		l.Quantity += quantity
		return nil
	}
	b.Lines = append(b.Lines, Line{
		ProductID:        p.ID,
		SKU:              p.SKU,
		Title:            p.Title,
		ProductClass:     p.Class,
		Attributes:       maps.Clone(p.Attributes),
		Quantity:         quantity,
		UnitPriceExclTax: p.Price.Round(2),
		CreatedAt:        now,
	})
	return nil
}

// Merge moves the lines of other into b. A product present in both keeps the
// larger quantity instead of the sum. Lines priced in a different currency
// than b are dropped; the number of dropped lines is returned.
func (b *Basket) Merge(other *Basket) (dropped int) {
	if b.IsEmpty() && b.Currency == "" {
		b.Currency = other.Currency
	}
	for _, ol := range other.Lines {
		if other.Currency != "" && b.Currency != "" && other.Currency != b.Currency {
			dropped++
			continue
		}
		if l := b.lineFor(ol.ProductID); l != nil {
			l.Quantity = max(l.Quantity, ol.Quantity)
			continue
		}
		ol.ID = 0
		ol.Attributes = maps.Clone(ol.Attributes)
		b.Lines = append(b.Lines, ol)
	}
	return dropped
}
