package basket

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/product"
	"github.com/xenking/storefront-checkout/internal/domain/txn"
)

// Repository defines persistence operations for baskets.
type Repository interface {
	// Create inserts b and assigns its ID and CreatedAt.
	Create(ctx context.Context, b *Basket) error
	// Get returns the basket with its lines, or ErrNotFound.
	Get(ctx context.Context, id int64) (*Basket, error)
	// ListOpen returns the owner's Open baskets, earliest created first.
	ListOpen(ctx context.Context, owner string) ([]*Basket, error)
	// LockOwner serializes basket lookups for owner until the surrounding
	// transaction ends.
	LockOwner(ctx context.Context, owner string) error
	// SaveLines replaces the stored lines and currency of b. It fails with
	// InvalidStateError unless the stored basket is still Open.
	SaveLines(ctx context.Context, b *Basket) error
	// SetStatus moves basket id from one status to another. It fails with
	// ErrInvalidState when the stored status is not from.
	SetStatus(ctx context.Context, id int64, from, to Status, at time.Time) error
}

// Store owns the basket lifecycle: merge-on-read, adding products, freezing
// at checkout and submitting once an order exists.
type Store struct {
	tx           txn.Runner
	repo         Repository
	availability product.Strategy
	now          func() time.Time
}

// NewStore creates a basket Store.
func NewStore(tx txn.Runner, repo Repository, availability product.Strategy) *Store {
	return &Store{
		tx:           tx,
		repo:         repo,
		availability: availability,
		now:          time.Now,
	}
}

// Get returns a basket by id.
func (s *Store) Get(ctx context.Context, id int64) (*Basket, error) {
	return s.repo.Get(ctx, id)
}

// GetOrCreateActive returns the single Open basket of owner. When none exists
// a new one is created. When several exist the earliest is kept and every
// other one is merged into it.
func (s *Store) GetOrCreateActive(ctx context.Context, owner string) (*Basket, error) {
	var active *Basket
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.LockOwner(ctx, owner); err != nil {
			return errors.Wrap(err, "lock owner")
		}
		open, err := s.repo.ListOpen(ctx, owner)
		if err != nil {
			return errors.Wrap(err, "list open baskets")
		}

		switch len(open) {
		case 0:
			b := &Basket{OwnerID: owner, Status: StatusOpen}
			if err := s.repo.Create(ctx, b); err != nil {
				return errors.Wrap(err, "create basket")
			}
			active = b
			return nil
		case 1:
			active = open[0]
			return nil
		}

		survivor := open[0]
		now := s.now()
		for _, other := range open[1:] {
			if dropped := survivor.Merge(other); dropped > 0 {
				zctx.From(ctx).Warn("Dropped basket lines with foreign currency",
					zap.Int64("basket_id", other.ID),
					zap.Int("lines", dropped),
				)
			}
			if err := s.repo.SetStatus(ctx, other.ID, StatusOpen, StatusMerged, now); err != nil {
				return errors.Wrapf(err, "mark basket %d merged", other.ID)
			}
		}
		if err := s.repo.SaveLines(ctx, survivor); err != nil {
			return errors.Wrap(err, "save merged lines")
		}
		zctx.From(ctx).Info("Merged duplicate baskets",
			zap.String("owner", owner),
			zap.Int64("survivor", survivor.ID),
			zap.Int("merged", len(open)-1),
		)
		active = survivor
		return nil
	})
	if err != nil {
		return nil, err
	}
	return active, nil
}

// AddProduct adds one unit of p to b after consulting the availability
// strategy. b is refreshed with the stored state.
func (s *Store) AddProduct(ctx context.Context, b *Basket, p *product.Product) error {
	if a := s.availability.FetchForProduct(ctx, p); !a.IsAvailableToBuy {
		return &UnavailableError{SKU: p.SKU, Message: a.Message}
	}
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.Get(ctx, b.ID)
		if err != nil {
			return errors.Wrap(err, "get basket")
		}
		if !current.IsEditable() {
			return &InvalidStateError{BasketID: b.ID, Status: current.Status, Want: StatusOpen}
		}
		if err := current.add(p, 1, s.now()); err != nil {
			return err
		}
		if err := s.repo.SaveLines(ctx, current); err != nil {
			return errors.Wrap(err, "save lines")
		}
		*b = *current
		return nil
	})
}

// Freeze moves b from Open to Frozen. Frozen baskets are never returned by
// GetOrCreateActive again.
func (s *Store) Freeze(ctx context.Context, b *Basket) error {
	return s.transition(ctx, b, StatusOpen, StatusFrozen)
}

// Submit moves b from Frozen to Submitted. It is called once an order
// referencing b exists.
func (s *Store) Submit(ctx context.Context, b *Basket) error {
	return s.transition(ctx, b, StatusFrozen, StatusSubmitted)
}

func (s *Store) transition(ctx context.Context, b *Basket, from, to Status) error {
	if b.Status != from {
		return &InvalidStateError{BasketID: b.ID, Status: b.Status, Want: from}
	}
	now := s.now()
	if err := s.repo.SetStatus(ctx, b.ID, from, to, now); err != nil {
		return errors.Wrapf(err, "basket %d %s -> %s", b.ID, from, to)
	}
	b.Status = to
	switch to {
	case StatusFrozen:
		b.FrozenAt = &now
	case StatusSubmitted:
		b.SubmittedAt = &now
	}
	return nil
}
