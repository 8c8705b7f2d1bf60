// Package checkout composes the basket store, pricing, order placement,
// payment recording and fulfillment into the operations exposed to the HTTP
// layer.
package checkout

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/basket"
	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/payment"
	"github.com/xenking/storefront-checkout/internal/domain/pricing"
	"github.com/xenking/storefront-checkout/internal/domain/product"
	"github.com/xenking/storefront-checkout/internal/domain/txn"
)

// OrderReader loads placed orders.
type OrderReader interface {
	GetByNumber(ctx context.Context, number string) (*order.Order, error)
	ListByOwner(ctx context.Context, owner string) ([]*order.Order, error)
}

// Fulfiller runs fulfillment attempts.
type Fulfiller interface {
	Fulfill(ctx context.Context, number string) (*order.Order, error)
	Retry(ctx context.Context, number string) (*order.Order, error)
}

// Deps are the collaborators of a Service. Tracer and Meter are optional.
type Deps struct {
	Tx          txn.Runner
	Products    product.Repository
	Baskets     *basket.Store
	Pricing     *pricing.Engine
	Numbers     order.NumberGenerator
	Placement   *order.PlacementService
	Orders      OrderReader
	Payments    *payment.Recorder
	Processor   payment.Processor
	Fulfillment Fulfiller
	Tracer      trace.Tracer
	Meter       metric.Meter
}

// Result is the outcome of a checkout call. Basket is always set; at most one
// of Order and Payment is.
type Result struct {
	Basket  *basket.Basket
	Order   *order.Order
	Payment *payment.Parameters
}

// Service implements the checkout operations.
type Service struct {
	tx          txn.Runner
	products    product.Repository
	baskets     *basket.Store
	pricing     *pricing.Engine
	numbers     order.NumberGenerator
	placement   *order.PlacementService
	orders      OrderReader
	payments    *payment.Recorder
	processor   payment.Processor
	fulfillment Fulfiller
	tracer      trace.Tracer
	placed      metric.Int64Counter
}

// NewService creates a Service.
func NewService(d Deps) (*Service, error) {
	if d.Processor == nil {
		return nil, errors.New("payment processor is required")
	}
	if d.Tracer == nil {
		d.Tracer = tracenoop.NewTracerProvider().Tracer("")
	}
	if d.Meter == nil {
		d.Meter = metricnoop.NewMeterProvider().Meter("")
	}
	placed, err := d.Meter.Int64Counter("checkout.orders.placed",
		metric.WithDescription("Orders placed by payment kind"))
	if err != nil {
		return nil, errors.Wrap(err, "orders placed counter")
	}
	return &Service{
		tx:          d.Tx,
		products:    d.Products,
		baskets:     d.Baskets,
		pricing:     d.Pricing,
		numbers:     d.Numbers,
		placement:   d.Placement,
		orders:      d.Orders,
		payments:    d.Payments,
		processor:   d.Processor,
		fulfillment: d.Fulfillment,
		tracer:      d.Tracer,
		placed:      placed,
	}, nil
}

// Checkout adds one unit of sku to the owner's active basket. Unless
// immediate is set the basket is returned as is. Otherwise the basket is
// frozen: a free basket becomes an order right away and is fulfilled, any
// other basket gets payment parameters and stays frozen until the processor
// notifies the payment.
func (s *Service) Checkout(ctx context.Context, owner, sku string, immediate bool) (_ *Result, rerr error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Checkout", trace.WithAttributes(
		attribute.String("sku", sku),
		attribute.Bool("immediate", immediate),
	))
	defer func() { endSpan(span, rerr) }()

	sku = strings.TrimSpace(sku)
	if sku == "" {
		return nil, &ClientError{
			Code:             CodeSkuMissing,
			DeveloperMessage: "No SKU provided.",
			UserMessage:      "No SKU provided.",
		}
	}

	p, err := s.products.GetBySKU(ctx, sku)
	if errors.Is(err, product.ErrNotFound) {
		return nil, &ClientError{
			Code:             CodeProductNotFound,
			DeveloperMessage: fmt.Sprintf("No product with SKU [%s] exists.", sku),
			UserMessage:      fmt.Sprintf("No product with SKU [%s] exists.", sku),
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get product %q", sku)
	}

	b, err := s.baskets.GetOrCreateActive(ctx, owner)
	if err != nil {
		return nil, errors.Wrap(err, "get active basket")
	}
	if err := s.baskets.AddProduct(ctx, b, p); err != nil {
		var unavailable *basket.UnavailableError
		if errors.As(err, &unavailable) {
			return nil, &ClientError{
				Code:             CodeProductUnavailable,
				DeveloperMessage: fmt.Sprintf("Product [%s] not available to buy: %s", sku, unavailable.Message),
				UserMessage:      fmt.Sprintf("Product [%s] not available to buy.", p.Title),
			}
		}
		if errors.Is(err, basket.ErrInvalidPrice) {
			return nil, &ClientError{
				Code:             CodeProductUnavailable,
				DeveloperMessage: fmt.Sprintf("Product [%s] not available to buy: invalid price.", sku),
				UserMessage:      fmt.Sprintf("Product [%s] not available to buy.", p.Title),
			}
		}
		if errors.Is(err, basket.ErrCurrencyMismatch) {
			return nil, &ClientError{
				Code:             CodeCurrencyMismatch,
				DeveloperMessage: fmt.Sprintf("Product [%s] is priced in %s, basket holds %s.", sku, p.Currency, b.Currency),
				UserMessage:      fmt.Sprintf("Product [%s] cannot be added to a basket priced in another currency.", p.Title),
			}
		}
		return nil, errors.Wrapf(err, "add %q to basket %d", sku, b.ID)
	}

	res := &Result{Basket: b}
	if !immediate {
		return res, nil
	}

	if err := s.baskets.Freeze(ctx, b); err != nil {
		return nil, errors.Wrap(err, "freeze basket")
	}
	shipping := s.pricing.CalculateShipping(b)
	total := s.pricing.CalculateTotal(b, shipping)

	if !total.ExclTax.IsZero() {
		params, err := s.processor.GenerateTransactionParameters(ctx, b)
		if err != nil {
			return nil, errors.Wrap(err, "generate payment parameters")
		}
		res.Payment = params
		return res, nil
	}

	o, err := s.placeAndSubmit(ctx, b, shipping, total, nil)
	if err != nil {
		return nil, err
	}
	res.Order = s.fulfill(ctx, o)
	return res, nil
}

// HandleNotification processes a payment notification posted by the
// processor. Rejected notifications are logged and returned as
// *payment.ResponseError without touching the basket. A replayed
// notification returns the order placed by the first one.
func (s *Service) HandleNotification(ctx context.Context, raw map[string]string) (_ *order.Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "checkout.HandleNotification",
		trace.WithAttributes(attribute.String("processor", s.processor.Name())))
	defer func() { endSpan(span, rerr) }()

	lg := zctx.From(ctx).With(zap.String("processor", s.processor.Name()))

	resp, err := s.processor.ValidateResponse(ctx, raw)
	if err != nil {
		var rejected *payment.ResponseError
		if errors.As(err, &rejected) {
			lg.Warn("Dropped payment notification",
				zap.String("kind", string(rejected.Kind)),
				zap.String("reason", rejected.Reason),
			)
		}
		return nil, err
	}

	lg = lg.With(zap.Int64("basket_id", resp.BasketID), zap.String("reference", resp.Reference))

	b, err := s.baskets.Get(ctx, resp.BasketID)
	if err != nil {
		return nil, errors.Wrapf(err, "get basket %d", resp.BasketID)
	}
	number := s.numbers.Generate(b)

	if b.Status == basket.StatusSubmitted {
		lg.Info("Payment notification replayed", zap.String("order", number))
		return s.orders.GetByNumber(ctx, number)
	}
	if b.Status != basket.StatusFrozen {
		return nil, &basket.InvalidStateError{BasketID: b.ID, Status: b.Status, Want: basket.StatusFrozen}
	}

	shipping := s.pricing.CalculateShipping(b)
	total := s.pricing.CalculateTotal(b, shipping)
	if resp.Currency != total.Currency || !resp.Amount.Round(2).Equal(total.ExclTax) {
		lg.Error("Payment does not match basket total",
			zap.String("paid", resp.Amount.StringFixed(2)+" "+resp.Currency),
			zap.String("expected", total.ExclTax.StringFixed(2)+" "+total.Currency),
		)
		return nil, errors.Wrapf(ErrPaymentMismatch, "basket %d", b.ID)
	}

	o, err := s.placeAndSubmit(ctx, b, shipping, total, func(ctx context.Context, stage *payment.Stage) error {
		return s.payments.RecordPayment(ctx, stage, s.processor.Name(), resp.Reference, resp.Amount, resp.Currency)
	})
	if errors.Is(err, payment.ErrDuplicatePayment) || errors.Is(err, order.ErrDuplicateNumber) {
		lg.Info("Payment already recorded", zap.String("order", number))
		return s.orders.GetByNumber(ctx, number)
	}
	if err != nil {
		return nil, err
	}
	return s.fulfill(ctx, o), nil
}

// GetOrder returns the owner's order. Orders of other owners are reported
// as not found.
func (s *Service) GetOrder(ctx context.Context, owner, number string) (*order.Order, error) {
	o, err := s.orders.GetByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if o.OwnerID != owner {
		return nil, errors.Wrapf(order.ErrNotFound, "order %s", number)
	}
	return o, nil
}

// ListOrders returns the owner's orders, newest first.
func (s *Service) ListOrders(ctx context.Context, owner string) ([]*order.Order, error) {
	return s.orders.ListByOwner(ctx, owner)
}

// RetryFulfillment re-attempts fulfillment of an order in Fulfillment Error.
// The returned order reflects the outcome of the attempt.
func (s *Service) RetryFulfillment(ctx context.Context, number string) (*order.Order, error) {
	o, err := s.fulfillment.Retry(ctx, number)
	if err != nil {
		return nil, errors.Wrapf(err, "retry fulfillment of order %s", number)
	}
	return o, nil
}

// placeAndSubmit records staged payments, places the order and submits the
// basket in one unit of work.
func (s *Service) placeAndSubmit(
	ctx context.Context,
	b *basket.Basket,
	shipping pricing.Charge,
	total pricing.Total,
	record func(ctx context.Context, stage *payment.Stage) error,
) (*order.Order, error) {
	var placed *order.Order
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		stage := payment.NewStage()
		if record != nil {
			if err := record(ctx, stage); err != nil {
				return errors.Wrap(err, "record payment")
			}
		}
		o, err := s.placement.PlaceOrder(ctx, order.PlaceRequest{
			Basket:         b,
			Total:          total,
			ShippingMethod: s.pricing.ShippingMethod(),
			ShippingCharge: shipping,
			OwnerID:        b.OwnerID,
			Number:         s.numbers.Generate(b),
			InitialStatus:  order.StatusOpen,
			Payments:       stage,
		})
		if err != nil {
			return err
		}
		if err := s.baskets.Submit(ctx, b); err != nil {
			return errors.Wrap(err, "submit basket")
		}
		placed = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.placed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("paid", record != nil)))
	return placed, nil
}

// fulfill runs the first attempt for a placed order. The attempt is detached
// from ctx cancellation: the order is already placed and its line statuses
// must be recorded. An attempt that could not run leaves the order Open; the
// placed order is returned either way.
func (s *Service) fulfill(ctx context.Context, placed *order.Order) *order.Order {
	o, err := s.fulfillment.Fulfill(context.WithoutCancel(ctx), placed.Number)
	if err != nil {
		zctx.From(ctx).Error("Fulfillment attempt failed",
			zap.String("order", placed.Number),
			zap.Error(err),
		)
		return placed
	}
	return o
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
