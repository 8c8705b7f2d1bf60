package memory

import (
	"cmp"
	"context"
	"slices"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/payment"
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository.
type OrderRepository struct {
	s *Store
}

// Create implements order.Repository.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	return r.s.do(ctx, func(st *state) error {
		if _, ok := st.orders[o.Number]; ok {
			return errors.Wrapf(order.ErrDuplicateNumber, "order %s", o.Number)
		}
		for _, src := range o.Sources {
			if sourceExists(st, src.SourceType.Name, src.Reference) {
				return errors.Wrapf(payment.ErrDuplicatePayment, "%s reference %s", src.SourceType.Name, src.Reference)
			}
		}

		o.ID = st.id()
		if o.DatePlaced.IsZero() {
			o.DatePlaced = r.s.now()
		}
		for i := range o.Lines {
			o.Lines[i].ID = st.id()
		}
		for i := range o.Sources {
			o.Sources[i].ID = st.id()
		}
		for i := range o.PaymentEvents {
			o.PaymentEvents[i].ID = st.id()
		}
		st.orders[o.Number] = o.Clone()
		return nil
	})
}

// GetByNumber implements order.Repository.
func (r *OrderRepository) GetByNumber(ctx context.Context, number string) (*order.Order, error) {
	var out *order.Order
	err := r.s.do(ctx, func(st *state) error {
		o, ok := st.orders[number]
		if !ok {
			return errors.Wrapf(order.ErrNotFound, "order %s", number)
		}
		out = o.Clone()
		return nil
	})
	return out, err
}

// ListByOwner implements order.Repository.
func (r *OrderRepository) ListByOwner(ctx context.Context, owner string) ([]*order.Order, error) {
	var out []*order.Order
	err := r.s.do(ctx, func(st *state) error {
		for _, o := range st.orders {
			if o.OwnerID == owner {
				out = append(out, o.Clone())
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b *order.Order) int {
		if c := b.DatePlaced.Compare(a.DatePlaced); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out, err
}

// UpdateStatuses implements order.Repository.
func (r *OrderRepository) UpdateStatuses(ctx context.Context, o *order.Order) error {
	return r.s.do(ctx, func(st *state) error {
		stored, ok := st.orders[o.Number]
		if !ok {
			return errors.Wrapf(order.ErrNotFound, "order %s", o.Number)
		}
		lines := make(map[int64]order.LineStatus, len(o.Lines))
		for _, l := range o.Lines {
			lines[l.ID] = l.Status
		}
		stored.Status = o.Status
		for i := range stored.Lines {
			if status, ok := lines[stored.Lines[i].ID]; ok {
				stored.Lines[i].Status = status
			}
		}
		return nil
	})
}

// CreateShippingEvent implements order.Repository.
func (r *OrderRepository) CreateShippingEvent(ctx context.Context, ev *order.ShippingEvent) error {
	return r.s.do(ctx, func(st *state) error {
		ev.ID = st.id()
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = r.s.now()
		}
		st.shippingEvents[ev.OrderID] = append(st.shippingEvents[ev.OrderID], cloneShippingEvents([]order.ShippingEvent{*ev})...)
		return nil
	})
}

// ListShippingEvents implements order.Repository.
func (r *OrderRepository) ListShippingEvents(ctx context.Context, orderID int64) ([]order.ShippingEvent, error) {
	var out []order.ShippingEvent
	err := r.s.do(ctx, func(st *state) error {
		out = cloneShippingEvents(st.shippingEvents[orderID])
		return nil
	})
	return out, err
}
