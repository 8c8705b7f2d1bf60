package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront-checkout/internal/domain/basket"
)

var _ basket.Repository = (*BasketRepository)(nil)

// BasketRepository implements basket.Repository.
type BasketRepository struct {
	s *Store
}

// Create implements basket.Repository.
func (r *BasketRepository) Create(ctx context.Context, b *basket.Basket) error {
	return r.s.do(ctx, func(st *state) error {
		b.ID = st.id()
		if b.CreatedAt.IsZero() {
			b.CreatedAt = r.s.now()
		}
		if b.Status == "" {
			b.Status = basket.StatusOpen
		}
		assignLineIDs(st, b)
		st.baskets[b.ID] = b.Clone()
		return nil
	})
}

// Get implements basket.Repository.
func (r *BasketRepository) Get(ctx context.Context, id int64) (*basket.Basket, error) {
	var out *basket.Basket
	err := r.s.do(ctx, func(st *state) error {
		b, ok := st.baskets[id]
		if !ok {
			return errors.Wrapf(basket.ErrNotFound, "basket %d", id)
		}
		out = b.Clone()
		return nil
	})
	return out, err
}

// ListOpen implements basket.Repository.
func (r *BasketRepository) ListOpen(ctx context.Context, owner string) ([]*basket.Basket, error) {
	var out []*basket.Basket
	err := r.s.do(ctx, func(st *state) error {
		for _, b := range st.baskets {
			if b.OwnerID == owner && b.Status == basket.StatusOpen {
				out = append(out, b.Clone())
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b *basket.Basket) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, err
}

// LockOwner implements basket.Repository. Transactions already hold the
// store mutex, so there is nothing more to lock.
func (r *BasketRepository) LockOwner(context.Context, string) error { return nil }

// SaveLines implements basket.Repository.
func (r *BasketRepository) SaveLines(ctx context.Context, b *basket.Basket) error {
	return r.s.do(ctx, func(st *state) error {
		stored, ok := st.baskets[b.ID]
		if !ok {
			return errors.Wrapf(basket.ErrNotFound, "basket %d", b.ID)
		}
		if stored.Status != basket.StatusOpen {
			return &basket.InvalidStateError{BasketID: b.ID, Status: stored.Status, Want: basket.StatusOpen}
		}
		assignLineIDs(st, b)
		c := b.Clone()
		stored.Currency = c.Currency
		stored.Lines = c.Lines
		return nil
	})
}

// SetStatus implements basket.Repository.
func (r *BasketRepository) SetStatus(ctx context.Context, id int64, from, to basket.Status, at time.Time) error {
	return r.s.do(ctx, func(st *state) error {
		stored, ok := st.baskets[id]
		if !ok {
			return errors.Wrapf(basket.ErrNotFound, "basket %d", id)
		}
		if stored.Status != from {
			return &basket.InvalidStateError{BasketID: id, Status: stored.Status, Want: from}
		}
		stored.Status = to
		switch to {
		case basket.StatusMerged:
			stored.MergedAt = &at
		case basket.StatusFrozen:
			stored.FrozenAt = &at
		case basket.StatusSubmitted:
			stored.SubmittedAt = &at
		}
		return nil
	})
}

func assignLineIDs(st *state, b *basket.Basket) {
	for i := range b.Lines {
		if b.Lines[i].ID == 0 {
			b.Lines[i].ID = st.id()
		}
	}
}
