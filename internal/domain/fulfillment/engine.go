package fulfillment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/txn"
)

// DefaultTimeout bounds one module invocation when Config.Timeout is unset.
const DefaultTimeout = 5 * time.Second

// Sentinel errors for fulfillment preconditions.
var (
	ErrNotRetryable         = errors.New("order fulfillment cannot be retried")
	ErrIncorrectOrderStatus = errors.New("order is not in a fulfillable status")
	// ErrLockLost cancels an attempt whose order lease expired.
	ErrLockLost = errors.New("order lock lost")
)

// Repository defines the order persistence used by the Engine.
type Repository interface {
	GetByNumber(ctx context.Context, number string) (*order.Order, error)
	UpdateStatuses(ctx context.Context, o *order.Order) error
	ShippingEventWriter
}

// Config tunes the Engine. Zero values select defaults.
type Config struct {
	// Timeout bounds each module invocation.
	Timeout time.Duration
	// Concurrency caps module invocations running at once for one order.
	Concurrency int
	Tracer      trace.Tracer
	Meter       metric.Meter
}

// Engine fulfills order lines through the first registered module that
// supports each line.
type Engine struct {
	tx          txn.Runner
	orders      Repository
	locker      Locker
	modules     []Module
	events      *EventHandler
	timeout     time.Duration
	concurrency int
	tracer      trace.Tracer
	attempts    metric.Int64Counter
	lines       metric.Int64Counter
}

// NewEngine creates an Engine. Modules are consulted in order.
func NewEngine(tx txn.Runner, orders Repository, locker Locker, modules []Module, cfg Config) (*Engine, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer("")
	}
	if cfg.Meter == nil {
		cfg.Meter = metricnoop.NewMeterProvider().Meter("")
	}

	attempts, err := cfg.Meter.Int64Counter("checkout.fulfillment.attempts",
		metric.WithDescription("Fulfillment attempts by resulting order status"))
	if err != nil {
		return nil, errors.Wrap(err, "attempts counter")
	}
	lines, err := cfg.Meter.Int64Counter("checkout.fulfillment.lines",
		metric.WithDescription("Fulfilled order lines by resulting line status"))
	if err != nil {
		return nil, errors.Wrap(err, "lines counter")
	}

	return &Engine{
		tx:          tx,
		orders:      orders,
		locker:      locker,
		modules:     modules,
		events:      NewEventHandler(orders),
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		tracer:      cfg.Tracer,
		attempts:    attempts,
		lines:       lines,
	}, nil
}

// Fulfill runs the first fulfillment attempt of a freshly placed order. Orders
// in Fulfillment Error are accepted as well.
func (e *Engine) Fulfill(ctx context.Context, number string) (*order.Order, error) {
	return e.attempt(ctx, number, func(o *order.Order) error {
		if o.Status != order.StatusOpen && o.Status != order.StatusFulfillmentError {
			return errors.Wrapf(ErrIncorrectOrderStatus, "order %s is %s", o.Number, o.Status)
		}
		return nil
	})
}

// Retry re-attempts fulfillment of an order in Fulfillment Error. Only lines
// not yet Complete are re-invoked.
func (e *Engine) Retry(ctx context.Context, number string) (*order.Order, error) {
	return e.attempt(ctx, number, func(o *order.Order) error {
		if !o.CanRetryFulfillment() {
			return errors.Wrapf(ErrNotRetryable, "order %s is %s", o.Number, o.Status)
		}
		return nil
	})
}

// attempt holds the order lock for the whole attempt so concurrent callers
// never invoke a module twice for the same line.
func (e *Engine) attempt(ctx context.Context, number string, guard func(*order.Order) error) (_ *order.Order, rerr error) {
	ctx, span := e.tracer.Start(ctx, "fulfillment.Attempt",
		trace.WithAttributes(attribute.String("order.number", number)))
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	lost, unlock, err := e.lock(ctx, LockKey(number))
	if err != nil {
		return nil, errors.Wrapf(err, "lock order %s", number)
	}
	defer unlock()

	// Once the lock is held the attempt runs to completion even if the caller
	// goes away. Only losing the lock cancels it.
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancel(nil)
	if lost != nil {
		go func() {
			select {
			case <-lost:
				cancel(ErrLockLost)
			case <-ctx.Done():
			}
		}()
	}

	o, err := e.orders.GetByNumber(ctx, number)
	if err != nil {
		return nil, errors.Wrapf(err, "get order %s", number)
	}
	if err := guard(o); err != nil {
		return nil, err
	}

	lg := zctx.From(ctx).With(zap.String("order", o.Number))
	before := make([]order.LineStatus, len(o.Lines))
	for i, l := range o.Lines {
		before[i] = l.Status
	}

	for i, st := range e.invoke(ctx, o) {
		if st == "" {
			continue
		}
		l := &o.Lines[i]
		if err := l.SetStatus(st); err != nil {
			return nil, err
		}
		e.lines.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(st))))
		if st != order.LineComplete {
			lg.Warn("Line fulfillment failed",
				zap.Int64("line_id", l.ID),
				zap.String("sku", l.SKU),
				zap.String("status", string(st)),
				zap.Bool("retryable", st.IsRetryable()),
			)
		}
	}

	quantities := make([]int, len(o.Lines))
	for i, l := range o.Lines {
		if l.Status == order.LineComplete && before[i] != order.LineComplete {
			quantities[i] = l.Quantity
		}
	}

	if err := o.SetStatus(deriveStatus(o.Lines)); err != nil {
		return nil, err
	}

	if ctx.Err() != nil {
		lg.Error("Fulfillment attempt abandoned", zap.Error(context.Cause(ctx)))
		return nil, errors.Wrapf(context.Cause(ctx), "fulfill order %s", o.Number)
	}

	if err := e.tx.InTx(ctx, func(ctx context.Context) error {
		if err := e.orders.UpdateStatuses(ctx, o); err != nil {
			return errors.Wrap(err, "update statuses")
		}
		_, err := e.events.CreateShippingEvent(ctx, o, order.EventShipped, o.Lines, quantities)
		return err
	}); err != nil {
		return nil, errors.Wrapf(err, "save fulfillment of order %s", o.Number)
	}

	e.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(o.Status))))
	span.SetAttributes(attribute.String("order.status", string(o.Status)))
	lg.Info("Fulfillment attempt finished", zap.String("status", string(o.Status)))
	return o, nil
}

func (e *Engine) lock(ctx context.Context, key string) (<-chan struct{}, func(), error) {
	if l, ok := e.locker.(LeaseLocker); ok {
		return l.LockLease(ctx, key)
	}
	unlock, err := e.locker.Lock(ctx, key)
	return nil, unlock, err
}

// deriveStatus marks the order failed while any line still awaits
// fulfillment, however many lines succeeded.
func deriveStatus(lines []order.Line) order.Status {
	for _, l := range lines {
		if l.Status.AwaitsFulfillment() {
			return order.StatusFulfillmentError
		}
	}
	return order.StatusComplete
}

type group struct {
	module  Module
	indices []int
}

// invoke returns the new status of every line processed in this attempt,
// aligned with o.Lines. Untouched lines get "".
func (e *Engine) invoke(ctx context.Context, o *order.Order) []order.LineStatus {
	out := make([]order.LineStatus, len(o.Lines))
	view := o.Clone()

	var groups []*group
	byModule := make(map[int]*group)
	for i := range view.Lines {
		l := &view.Lines[i]
		if !l.Status.AwaitsFulfillment() {
			continue
		}
		mi := e.moduleFor(l)
		if mi < 0 {
			zctx.From(ctx).Warn("No fulfillment module supports line",
				zap.String("order", o.Number),
				zap.Int64("line_id", l.ID),
				zap.String("product_class", l.ProductClass),
			)
			out[i] = order.LineFulfillmentConfigurationError
			continue
		}
		g, ok := byModule[mi]
		if !ok {
			g = &group{module: e.modules[mi]}
			byModule[mi] = g
			groups = append(groups, g)
		}
		g.indices = append(g.indices, i)
	}

	var eg errgroup.Group
	eg.SetLimit(e.concurrency)
	for _, g := range groups {
		eg.Go(func() error {
			lines := make([]*order.Line, len(g.indices))
			for j, idx := range g.indices {
				lines[j] = &view.Lines[idx]
			}
			statuses := e.invokeModule(ctx, view, g.module, lines)
			for j, idx := range g.indices {
				out[idx] = statuses[j]
			}
			return nil
		})
	}
	_ = eg.Wait()
	return out
}

func (e *Engine) moduleFor(l *order.Line) int {
	for i, m := range e.modules {
		if m.Supports(l) {
			return i
		}
	}
	return -1
}

// invokeModule calls m under the configured timeout. Lines of an invocation
// that does not return in time are classified as timed out.
func (e *Engine) invokeModule(ctx context.Context, o *order.Order, m Module, lines []*order.Line) []order.LineStatus {
	ctx, span := e.tracer.Start(ctx, "fulfillment.Module", trace.WithAttributes(
		attribute.String("module", m.Name()),
		attribute.Int("lines", len(lines)),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan []order.LineStatus, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				zctx.From(ctx).Error("Fulfillment module panicked",
					zap.String("module", m.Name()),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				done <- fill(len(lines), order.LineFulfillmentServerError)
			}
		}()
		done <- m.Fulfill(callCtx, o, lines)
	}()

	select {
	case res := <-done:
		if len(res) != len(lines) {
			zctx.From(ctx).Error("Fulfillment module returned malformed result",
				zap.String("module", m.Name()),
				zap.Int("want", len(lines)),
				zap.Int("got", len(res)),
			)
			return fill(len(lines), order.LineFulfillmentConfigurationError)
		}
		out := make([]order.LineStatus, len(res))
		for i, st := range res {
			if st != order.LineComplete && !st.IsFulfillmentError() {
				st = order.LineFulfillmentConfigurationError
			}
			out[i] = st
		}
		return out
	case <-callCtx.Done():
		span.SetStatus(codes.Error, "timeout")
		zctx.From(ctx).Warn("Fulfillment module timed out",
			zap.String("module", m.Name()),
			zap.Duration("timeout", e.timeout),
		)
		return fill(len(lines), order.LineFulfillmentTimeoutError)
	}
}

func fill(n int, st order.LineStatus) []order.LineStatus {
	out := make([]order.LineStatus, n)
	for i := range out {
		out[i] = st
	}
	return out
}
