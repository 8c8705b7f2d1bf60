package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/payment"
)

const (
	createOrderSQL = `INSERT INTO orders (number, basket_id, owner_id, currency, shipping_method,
			shipping_excl_tax, total_excl_tax, status, billing_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, date_placed`

	insertOrderLineSQL = `INSERT INTO order_lines (order_id, position, product_id, sku, title, product_class,
			attributes, quantity, unit_price_excl_tax, line_price_excl_tax, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`

	insertPaymentSourceSQL = `INSERT INTO payment_sources (order_id, source_type_id, reference, currency,
			amount_allocated, amount_debited, amount_refunded)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	insertPaymentEventSQL = `INSERT INTO payment_events (order_id, event_type, amount, reference, processor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	orderColumns = `id, number, basket_id, owner_id, currency, shipping_method, shipping_excl_tax,
		total_excl_tax, status, billing_address, date_placed`

	getOrderByNumberSQL = `SELECT ` + orderColumns + ` FROM orders WHERE number = $1`

	listOrdersByOwnerSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE owner_id = $1 ORDER BY date_placed DESC, id DESC`

	listOrderLinesSQL = `SELECT id, product_id, sku, title, product_class, attributes, quantity,
			unit_price_excl_tax, line_price_excl_tax, status
		FROM order_lines WHERE order_id = $1 ORDER BY position`

	listPaymentSourcesSQL = `SELECT s.id, t.id, t.name, s.reference, s.currency,
			s.amount_allocated, s.amount_debited, s.amount_refunded
		FROM payment_sources s JOIN payment_source_types t ON t.id = s.source_type_id
		WHERE s.order_id = $1 ORDER BY s.id`

	listPaymentEventsSQL = `SELECT id, event_type, amount, reference, processor, created_at
		FROM payment_events WHERE order_id = $1 ORDER BY id`

	updateOrderStatusSQL = `UPDATE orders SET status = $2 WHERE id = $1`

	updateOrderLineStatusSQL = `UPDATE order_lines SET status = $3 WHERE id = $2 AND order_id = $1`

	insertShippingEventSQL = `INSERT INTO shipping_events (order_id, event_type)
		VALUES ($1, $2) RETURNING id, created_at`

	insertShippingEventLineSQL = `INSERT INTO shipping_event_lines (shipping_event_id, order_line_id, quantity)
		VALUES ($1, $2, $3)`

	listShippingEventsSQL = `SELECT e.id, e.order_id, e.event_type, e.created_at, l.order_line_id, l.quantity
		FROM shipping_events e JOIN shipping_event_lines l ON l.shipping_event_id = e.id
		WHERE e.order_id = $1 ORDER BY e.id, l.order_line_id`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	db *DB
}

// NewOrderRepository returns an OrderRepository using db.
func NewOrderRepository(db *DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create implements order.Repository. The order, its lines, payment sources
// and payment events are inserted in one transaction.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	return r.db.InTx(ctx, func(ctx context.Context) error {
		q := r.db.q(ctx)
		err := q.QueryRow(ctx, createOrderSQL,
			o.Number, o.BasketID, o.OwnerID, o.Currency, o.ShippingMethod,
			o.ShippingExclTax, o.TotalExclTax, string(o.Status), o.BillingAddress,
		).Scan(&o.ID, &o.DatePlaced)
		if err != nil {
			if uniqueViolation(err, ordersNumberKey) {
				return fmt.Errorf("order %s: %w", o.Number, order.ErrDuplicateNumber)
			}
			return fmt.Errorf("creating order %s: %w", o.Number, err)
		}

		batch := &pgx.Batch{}
		for i, l := range o.Lines {
			batch.Queue(insertOrderLineSQL,
				o.ID, i, l.ProductID, l.SKU, l.Title, l.ProductClass, attributesOrEmpty(l.Attributes),
				l.Quantity, l.UnitPriceExclTax, l.LinePriceExclTax, string(l.Status),
			)
		}
		for _, s := range o.Sources {
			batch.Queue(insertPaymentSourceSQL,
				o.ID, s.SourceType.ID, s.Reference, s.Currency,
				s.AmountAllocated, s.AmountDebited, s.AmountRefunded,
			)
		}
		for _, e := range o.PaymentEvents {
			batch.Queue(insertPaymentEventSQL, o.ID, e.Type, e.Amount, e.Reference, e.Processor, e.CreatedAt)
		}

		br := q.SendBatch(ctx, batch)
		defer func() { _ = br.Close() }()

		for i := range o.Lines {
			if err := br.QueryRow().Scan(&o.Lines[i].ID); err != nil {
				return fmt.Errorf("inserting line %q of order %s: %w", o.Lines[i].SKU, o.Number, err)
			}
		}
		for i := range o.Sources {
			if err := br.QueryRow().Scan(&o.Sources[i].ID); err != nil {
				if uniqueViolation(err, paymentSourcesReferenceKey) {
					return fmt.Errorf("%s reference %q: %w",
						o.Sources[i].SourceType.Name, o.Sources[i].Reference, payment.ErrDuplicatePayment)
				}
				return fmt.Errorf("inserting payment source of order %s: %w", o.Number, err)
			}
		}
		for i := range o.PaymentEvents {
			if err := br.QueryRow().Scan(&o.PaymentEvents[i].ID); err != nil {
				return fmt.Errorf("inserting payment event of order %s: %w", o.Number, err)
			}
		}
		return br.Close()
	})
}

// GetByNumber implements order.Repository.
func (r *OrderRepository) GetByNumber(ctx context.Context, number string) (*order.Order, error) {
	rows, err := r.db.q(ctx).Query(ctx, getOrderByNumberSQL, number)
	if err != nil {
		return nil, fmt.Errorf("getting order %s: %w", number, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", number, order.ErrNotFound)
		}
		return nil, fmt.Errorf("getting order %s: %w", number, err)
	}
	if err := r.loadChildren(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// ListByOwner implements order.Repository.
func (r *OrderRepository) ListByOwner(ctx context.Context, owner string) ([]*order.Order, error) {
	rows, err := r.db.q(ctx).Query(ctx, listOrdersByOwnerSQL, owner)
	if err != nil {
		return nil, fmt.Errorf("listing orders of %q: %w", owner, err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("listing orders of %q: %w", owner, err)
	}
	for _, o := range orders {
		if err := r.loadChildren(ctx, o); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

// UpdateStatuses implements order.Repository.
func (r *OrderRepository) UpdateStatuses(ctx context.Context, o *order.Order) error {
	batch := &pgx.Batch{}
	batch.Queue(updateOrderStatusSQL, o.ID, string(o.Status))
	for _, l := range o.Lines {
		batch.Queue(updateOrderLineStatusSQL, o.ID, l.ID, string(l.Status))
	}

	return r.db.InTx(ctx, func(ctx context.Context) error {
		br := r.db.q(ctx).SendBatch(ctx, batch)
		defer func() { _ = br.Close() }()

		tag, err := br.Exec()
		if err != nil {
			return fmt.Errorf("updating order %s status: %w", o.Number, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("order %s: %w", o.Number, order.ErrNotFound)
		}
		for _, l := range o.Lines {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("updating line %d status: %w", l.ID, err)
			}
		}
		return br.Close()
	})
}

// CreateShippingEvent implements order.Repository.
func (r *OrderRepository) CreateShippingEvent(ctx context.Context, ev *order.ShippingEvent) error {
	return r.db.InTx(ctx, func(ctx context.Context) error {
		q := r.db.q(ctx)
		if err := q.QueryRow(ctx, insertShippingEventSQL, ev.OrderID, ev.EventType).Scan(&ev.ID, &ev.CreatedAt); err != nil {
			return fmt.Errorf("creating shipping event for order %d: %w", ev.OrderID, err)
		}

		batch := &pgx.Batch{}
		for _, l := range ev.Lines {
			batch.Queue(insertShippingEventLineSQL, ev.ID, l.LineID, l.Quantity)
		}
		if err := q.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("creating shipping event lines: %w", err)
		}
		return nil
	})
}

// ListShippingEvents implements order.Repository.
func (r *OrderRepository) ListShippingEvents(ctx context.Context, orderID int64) ([]order.ShippingEvent, error) {
	rows, err := r.db.q(ctx).Query(ctx, listShippingEventsSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing shipping events of order %d: %w", orderID, err)
	}
	defer rows.Close()

	var events []order.ShippingEvent
	for rows.Next() {
		var (
			ev   order.ShippingEvent
			line order.ShippingEventLine
		)
		if err := rows.Scan(&ev.ID, &ev.OrderID, &ev.EventType, &ev.CreatedAt, &line.LineID, &line.Quantity); err != nil {
			return nil, fmt.Errorf("scanning shipping event: %w", err)
		}
		if n := len(events); n > 0 && events[n-1].ID == ev.ID {
			events[n-1].Lines = append(events[n-1].Lines, line)
			continue
		}
		ev.Lines = []order.ShippingEventLine{line}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing shipping events of order %d: %w", orderID, err)
	}
	return events, nil
}

func (r *OrderRepository) loadChildren(ctx context.Context, o *order.Order) error {
	q := r.db.q(ctx)

	rows, err := q.Query(ctx, listOrderLinesSQL, o.ID)
	if err != nil {
		return fmt.Errorf("listing lines of order %s: %w", o.Number, err)
	}
	o.Lines, err = pgx.CollectRows(rows, scanOrderLine)
	if err != nil {
		return fmt.Errorf("listing lines of order %s: %w", o.Number, err)
	}

	rows, err = q.Query(ctx, listPaymentSourcesSQL, o.ID)
	if err != nil {
		return fmt.Errorf("listing payment sources of order %s: %w", o.Number, err)
	}
	o.Sources, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (payment.Source, error) {
		var s payment.Source
		err := row.Scan(&s.ID, &s.SourceType.ID, &s.SourceType.Name, &s.Reference, &s.Currency,
			&s.AmountAllocated, &s.AmountDebited, &s.AmountRefunded)
		return s, err
	})
	if err != nil {
		return fmt.Errorf("listing payment sources of order %s: %w", o.Number, err)
	}

	rows, err = q.Query(ctx, listPaymentEventsSQL, o.ID)
	if err != nil {
		return fmt.Errorf("listing payment events of order %s: %w", o.Number, err)
	}
	o.PaymentEvents, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (payment.Event, error) {
		var e payment.Event
		err := row.Scan(&e.ID, &e.Type, &e.Amount, &e.Reference, &e.Processor, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return fmt.Errorf("listing payment events of order %s: %w", o.Number, err)
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (*order.Order, error) {
	var (
		o      order.Order
		status string
	)
	if err := row.Scan(&o.ID, &o.Number, &o.BasketID, &o.OwnerID, &o.Currency, &o.ShippingMethod,
		&o.ShippingExclTax, &o.TotalExclTax, &status, &o.BillingAddress, &o.DatePlaced); err != nil {
		return nil, err
	}
	st, err := order.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", o.Number, err)
	}
	o.Status = st
	return &o, nil
}

func scanOrderLine(row pgx.CollectableRow) (order.Line, error) {
	var (
		l      order.Line
		status string
	)
	if err := row.Scan(&l.ID, &l.ProductID, &l.SKU, &l.Title, &l.ProductClass, &l.Attributes, &l.Quantity,
		&l.UnitPriceExclTax, &l.LinePriceExclTax, &status); err != nil {
		return l, err
	}
	st, err := order.ParseLineStatus(status)
	if err != nil {
		return l, fmt.Errorf("order line %d: %w", l.ID, err)
	}
	l.Status = st
	return l, nil
}
