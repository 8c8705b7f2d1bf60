package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/storefront-checkout/internal/domain/basket"
)

const (
	createBasketSQL = `INSERT INTO baskets (owner_id, status, currency)
		VALUES ($1, $2, $3) RETURNING id, created_at`

	basketColumns = `id, owner_id, status, currency, created_at, merged_at, frozen_at, submitted_at`

	getBasketSQL = `SELECT ` + basketColumns + ` FROM baskets WHERE id = $1`

	listOpenBasketsSQL = `SELECT ` + basketColumns + ` FROM baskets
		WHERE owner_id = $1 AND status = 'Open' ORDER BY created_at, id`

	listBasketLinesSQL = `SELECT id, basket_id, product_id, sku, title, product_class, attributes,
			quantity, unit_price_excl_tax, created_at
		FROM basket_lines WHERE basket_id = ANY($1) ORDER BY id`

	lockBasketOwnerSQL = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`

	deleteBasketLinesSQL = `DELETE FROM basket_lines WHERE basket_id = $1`

	updateBasketCurrencySQL = `UPDATE baskets SET currency = $2 WHERE id = $1 AND status = 'Open'`

	insertBasketLineSQL = `INSERT INTO basket_lines (id, basket_id, product_id, sku, title, product_class,
			attributes, quantity, unit_price_excl_tax, created_at)
		VALUES (COALESCE(NULLIF($1::bigint, 0), nextval(pg_get_serial_sequence('basket_lines', 'id'))),
			$2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, now()))
		RETURNING id`

	setBasketStatusSQL = `UPDATE baskets SET status = $3,
			merged_at = CASE WHEN $3 = 'Merged' THEN $4 ELSE merged_at END,
			frozen_at = CASE WHEN $3 = 'Frozen' THEN $4 ELSE frozen_at END,
			submitted_at = CASE WHEN $3 = 'Submitted' THEN $4 ELSE submitted_at END
		WHERE id = $1 AND status = $2`

	getBasketStatusSQL = `SELECT status FROM baskets WHERE id = $1`
)

var _ basket.Repository = (*BasketRepository)(nil)

// BasketRepository implements basket.Repository backed by PostgreSQL.
type BasketRepository struct {
	db *DB
}

// NewBasketRepository returns a BasketRepository using db.
func NewBasketRepository(db *DB) *BasketRepository {
	return &BasketRepository{db: db}
}

// Create implements basket.Repository.
func (r *BasketRepository) Create(ctx context.Context, b *basket.Basket) error {
	if b.Status == "" {
		b.Status = basket.StatusOpen
	}
	return r.db.InTx(ctx, func(ctx context.Context) error {
		err := r.db.q(ctx).QueryRow(ctx, createBasketSQL, b.OwnerID, string(b.Status), b.Currency).
			Scan(&b.ID, &b.CreatedAt)
		if err != nil {
			return fmt.Errorf("creating basket for %q: %w", b.OwnerID, err)
		}
		if len(b.Lines) > 0 {
			return r.insertLines(ctx, b)
		}
		return nil
	})
}

// Get implements basket.Repository.
func (r *BasketRepository) Get(ctx context.Context, id int64) (*basket.Basket, error) {
	rows, err := r.db.q(ctx).Query(ctx, getBasketSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting basket %d: %w", id, err)
	}
	b, err := pgx.CollectExactlyOneRow(rows, scanBasket)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("basket %d: %w", id, basket.ErrNotFound)
		}
		return nil, fmt.Errorf("getting basket %d: %w", id, err)
	}
	if err := r.loadLines(ctx, []*basket.Basket{b}); err != nil {
		return nil, err
	}
	return b, nil
}

// ListOpen implements basket.Repository.
func (r *BasketRepository) ListOpen(ctx context.Context, owner string) ([]*basket.Basket, error) {
	rows, err := r.db.q(ctx).Query(ctx, listOpenBasketsSQL, owner)
	if err != nil {
		return nil, fmt.Errorf("listing open baskets of %q: %w", owner, err)
	}
	baskets, err := pgx.CollectRows(rows, scanBasket)
	if err != nil {
		return nil, fmt.Errorf("listing open baskets of %q: %w", owner, err)
	}
	if err := r.loadLines(ctx, baskets); err != nil {
		return nil, err
	}
	return baskets, nil
}

// LockOwner implements basket.Repository with a transaction-scoped advisory
// lock.
func (r *BasketRepository) LockOwner(ctx context.Context, owner string) error {
	if _, err := r.db.q(ctx).Exec(ctx, lockBasketOwnerSQL, "basket:owner:"+owner); err != nil {
		return fmt.Errorf("locking baskets of %q: %w", owner, err)
	}
	return nil
}

// SaveLines implements basket.Repository. Existing line IDs are preserved.
// The currency update holds the basket row until commit, so a concurrent
// Freeze either waits for the new lines or makes this call fail.
func (r *BasketRepository) SaveLines(ctx context.Context, b *basket.Basket) error {
	return r.db.InTx(ctx, func(ctx context.Context) error {
		q := r.db.q(ctx)
		tag, err := q.Exec(ctx, updateBasketCurrencySQL, b.ID, b.Currency)
		if err != nil {
			return fmt.Errorf("updating basket %d: %w", b.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return r.stateError(ctx, b.ID, basket.StatusOpen)
		}
		if _, err := q.Exec(ctx, deleteBasketLinesSQL, b.ID); err != nil {
			return fmt.Errorf("clearing lines of basket %d: %w", b.ID, err)
		}
		return r.insertLines(ctx, b)
	})
}

// SetStatus implements basket.Repository.
func (r *BasketRepository) SetStatus(ctx context.Context, id int64, from, to basket.Status, at time.Time) error {
	q := r.db.q(ctx)
	tag, err := q.Exec(ctx, setBasketStatusSQL, id, string(from), string(to), at)
	if err != nil {
		return fmt.Errorf("setting basket %d status: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return r.stateError(ctx, id, from)
}

// stateError explains why a statement guarded by status = want touched no
// rows.
func (r *BasketRepository) stateError(ctx context.Context, id int64, want basket.Status) error {
	var current string
	if err := r.db.q(ctx).QueryRow(ctx, getBasketStatusSQL, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("basket %d: %w", id, basket.ErrNotFound)
		}
		return fmt.Errorf("getting basket %d status: %w", id, err)
	}
	return &basket.InvalidStateError{BasketID: id, Status: basket.Status(current), Want: want}
}

func (r *BasketRepository) insertLines(ctx context.Context, b *basket.Basket) error {
	batch := &pgx.Batch{}
	for _, l := range b.Lines {
		var createdAt *time.Time
		if !l.CreatedAt.IsZero() {
			createdAt = &l.CreatedAt
		}
		batch.Queue(insertBasketLineSQL,
			l.ID, b.ID, l.ProductID, l.SKU, l.Title, l.ProductClass,
			attributesOrEmpty(l.Attributes), l.Quantity, l.UnitPriceExclTax, createdAt,
		)
	}

	br := r.db.q(ctx).SendBatch(ctx, batch)
	for i := range b.Lines {
		if err := br.QueryRow().Scan(&b.Lines[i].ID); err != nil {
			_ = br.Close()
			return fmt.Errorf("inserting line %q of basket %d: %w", b.Lines[i].SKU, b.ID, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("inserting lines of basket %d: %w", b.ID, err)
	}
	return nil
}

func (r *BasketRepository) loadLines(ctx context.Context, baskets []*basket.Basket) error {
	if len(baskets) == 0 {
		return nil
	}
	ids := make([]int64, len(baskets))
	byID := make(map[int64]*basket.Basket, len(baskets))
	for i, b := range baskets {
		ids[i] = b.ID
		byID[b.ID] = b
	}

	rows, err := r.db.q(ctx).Query(ctx, listBasketLinesSQL, ids)
	if err != nil {
		return fmt.Errorf("listing basket lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			l        basket.Line
			basketID int64
		)
		if err := rows.Scan(
			&l.ID, &basketID, &l.ProductID, &l.SKU, &l.Title, &l.ProductClass, &l.Attributes,
			&l.Quantity, &l.UnitPriceExclTax, &l.CreatedAt,
		); err != nil {
			return fmt.Errorf("scanning basket line: %w", err)
		}
		b := byID[basketID]
		b.Lines = append(b.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("listing basket lines: %w", err)
	}
	return nil
}

func scanBasket(row pgx.CollectableRow) (*basket.Basket, error) {
	var (
		b      basket.Basket
		status string
	)
	err := row.Scan(&b.ID, &b.OwnerID, &status, &b.Currency, &b.CreatedAt, &b.MergedAt, &b.FrozenAt, &b.SubmittedAt)
	b.Status = basket.Status(status)
	return &b, err
}

func attributesOrEmpty(attrs map[string]string) map[string]string {
	if attrs == nil {
		return map[string]string{}
	}
	return attrs
}
