package order

import (
	"context"
	"maps"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/payment"
)

// Sentinel errors for orders.
var (
	ErrNotFound                = errors.New("order not found")
	ErrDuplicateNumber         = errors.New("order number already exists")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
)

// Line is one purchased product of an order.
type Line struct {
	ID               int64
	ProductID        int64
	SKU              string
	Title            string
	ProductClass     string
	Attributes       map[string]string
	Quantity         int
	UnitPriceExclTax decimal.Decimal
	LinePriceExclTax decimal.Decimal
	Status           LineStatus
}

// Attribute returns the named product attribute captured at placement.
func (l *Line) Attribute(name string) string {
	return l.Attributes[name]
}

// SetStatus moves the line to next if the line pipeline allows it.
func (l *Line) SetStatus(next LineStatus) error {
	if !l.Status.CanTransitionTo(next) {
		return errors.Wrapf(ErrInvalidStatusTransition, "line %d: %s -> %s", l.ID, l.Status, next)
	}
	l.Status = next
	return nil
}

// Address is a billing address.
type Address struct {
	FirstName   string
	LastName    string
	Line1       string
	Line2       string
	City        string
	State       string
	Postcode    string
	CountryCode string
}

// Order is a placed order.
type Order struct {
	ID              int64
	Number          string
	BasketID        int64
	OwnerID         string
	Currency        string
	ShippingMethod  string
	ShippingExclTax decimal.Decimal
	TotalExclTax    decimal.Decimal
	Status          Status
	Lines           []Line
	Sources         []payment.Source
	PaymentEvents   []payment.Event
	BillingAddress  *Address
	DatePlaced      time.Time
}

// CanRetryFulfillment is true only for orders whose last fulfillment attempt
// failed.
func (o *Order) CanRetryFulfillment() bool {
	return o.Status == StatusFulfillmentError
}

// SetStatus moves the order to next if the order pipeline allows it.
func (o *Order) SetStatus(next Status) error {
	if !o.Status.CanTransitionTo(next) {
		return errors.Wrapf(ErrInvalidStatusTransition, "order %s: %s -> %s", o.Number, o.Status, next)
	}
	o.Status = next
	return nil
}

// LinesTotalExclTax sums the line prices.
func (o *Order) LinesTotalExclTax() decimal.Decimal {
	total := decimal.Zero
	for _, l := range o.Lines {
		total = total.Add(l.LinePriceExclTax)
	}
	return total
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	c := *o
	c.Lines = make([]Line, len(o.Lines))
	for i, l := range o.Lines {
		l.Attributes = maps.Clone(l.Attributes)
		c.Lines[i] = l
	}
	c.Sources = append([]payment.Source(nil), o.Sources...)
	c.PaymentEvents = append([]payment.Event(nil), o.PaymentEvents...)
	if o.BillingAddress != nil {
		addr := *o.BillingAddress
		c.BillingAddress = &addr
	}
	return &c
}

// EventShipped is the shipping event type recorded by fulfillment.
const EventShipped = "shipped"

// ShippingEventLine is the quantity of one line covered by a shipping event.
type ShippingEventLine struct {
	LineID   int64
	Quantity int
}

// ShippingEvent records delivery progress of an order.
type ShippingEvent struct {
	ID        int64
	OrderID   int64
	EventType string
	Lines     []ShippingEventLine
	CreatedAt time.Time
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Create inserts o with its lines, payment sources and payment events and
	// assigns their IDs. It fails with ErrDuplicateNumber when the number is
	// taken and with payment.ErrDuplicatePayment when a source reference is.
	Create(ctx context.Context, o *Order) error
	GetByNumber(ctx context.Context, number string) (*Order, error)
	// ListByOwner returns the owner's orders, newest first.
	ListByOwner(ctx context.Context, owner string) ([]*Order, error)
	// UpdateStatuses stores the status of o and of each of its lines.
	UpdateStatuses(ctx context.Context, o *Order) error
	CreateShippingEvent(ctx context.Context, ev *ShippingEvent) error
	ListShippingEvents(ctx context.Context, orderID int64) ([]ShippingEvent, error)
}
