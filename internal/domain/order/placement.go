package order

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/basket"
	"github.com/xenking/storefront-checkout/internal/domain/payment"
	"github.com/xenking/storefront-checkout/internal/domain/pricing"
	"github.com/xenking/storefront-checkout/internal/domain/txn"
)

// Sentinel errors for order placement.
var (
	ErrEmptyBasket   = errors.New("basket is empty")
	ErrOwnerMismatch = errors.New("order owner differs from basket owner")
)

// TotalMismatchError reports a total that does not equal lines plus shipping.
type TotalMismatchError struct {
	Expected decimal.Decimal
	Got      decimal.Decimal
}

func (e *TotalMismatchError) Error() string {
	return fmt.Sprintf("order total %s does not match lines plus shipping %s",
		e.Got.StringFixed(2), e.Expected.StringFixed(2))
}

// PlaceRequest holds the input for placing an order from a frozen basket.
type PlaceRequest struct {
	Basket         *basket.Basket
	Total          pricing.Total
	ShippingMethod pricing.ShippingMethod
	ShippingCharge pricing.Charge
	OwnerID        string
	Number         string
	// InitialStatus defaults to StatusOpen, the only accepted value.
	InitialStatus  Status
	BillingAddress *Address
	// Payments holds sources and events recorded for this attempt, if any.
	Payments *payment.Stage
}

// PlacementService turns frozen baskets into persisted orders.
type PlacementService struct {
	tx     txn.Runner
	orders Repository
}

// NewPlacementService creates a PlacementService.
func NewPlacementService(tx txn.Runner, orders Repository) *PlacementService {
	return &PlacementService{tx: tx, orders: orders}
}

// PlaceOrder persists one order built from req.Basket together with the
// staged payments, all or nothing. The basket is left Frozen; the caller
// submits it once the order is durable.
func (s *PlacementService) PlaceOrder(ctx context.Context, req PlaceRequest) (*Order, error) {
	b := req.Basket
	if b.Status != basket.StatusFrozen {
		return nil, &basket.InvalidStateError{BasketID: b.ID, Status: b.Status, Want: basket.StatusFrozen}
	}
	if b.IsEmpty() {
		return nil, errors.Wrapf(ErrEmptyBasket, "basket %d", b.ID)
	}
	if req.OwnerID != b.OwnerID {
		return nil, errors.Wrapf(ErrOwnerMismatch, "basket %d", b.ID)
	}
	status := req.InitialStatus
	if status == "" {
		status = StatusOpen
	}
	if status != StatusOpen {
		return nil, errors.Wrapf(ErrInvalidStatusTransition, "initial status %q", status)
	}

	o := &Order{
		Number:          req.Number,
		BasketID:        b.ID,
		OwnerID:         req.OwnerID,
		Currency:        b.Currency,
		ShippingMethod:  req.ShippingMethod.Code(),
		ShippingExclTax: req.ShippingCharge.ExclTax.Round(2),
		TotalExclTax:    req.Total.ExclTax.Round(2),
		Status:          status,
		Lines:           make([]Line, 0, len(b.Lines)),
		Sources:         append([]payment.Source(nil), req.Payments.Sources()...),
		PaymentEvents:   append([]payment.Event(nil), req.Payments.Events()...),
		BillingAddress:  req.BillingAddress,
	}
	for _, bl := range b.Lines {
		o.Lines = append(o.Lines, Line{
			ProductID:        bl.ProductID,
			SKU:              bl.SKU,
			Title:            bl.Title,
			ProductClass:     bl.ProductClass,
			Attributes:       bl.Attributes,
			Quantity:         bl.Quantity,
			UnitPriceExclTax: bl.UnitPriceExclTax,
			LinePriceExclTax: bl.LinePriceExclTax(),
			Status:           LineOpen,
		})
	}

	expected := o.LinesTotalExclTax().Add(o.ShippingExclTax).Round(2)
	if !expected.Equal(o.TotalExclTax) {
		return nil, &TotalMismatchError{Expected: expected, Got: o.TotalExclTax}
	}

	if err := s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.orders.Create(ctx, o)
	}); err != nil {
		return nil, errors.Wrapf(err, "create order %s", o.Number)
	}

	zctx.From(ctx).Info("Order placed",
		zap.String("number", o.Number),
		zap.Int64("basket_id", b.ID),
		zap.String("total", o.TotalExclTax.StringFixed(2)),
		zap.Int("sources", len(o.Sources)),
	)
	return o, nil
}
