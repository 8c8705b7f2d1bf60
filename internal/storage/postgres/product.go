package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/storefront-checkout/internal/domain/product"
)

const (
	getProductBySKUSQL = `SELECT id, sku, title, class, price, currency, num_in_stock, attributes
		FROM products WHERE sku = $1`

	upsertProductSQL = `INSERT INTO products (sku, title, class, price, currency, num_in_stock, attributes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sku) DO UPDATE SET
			title = EXCLUDED.title,
			class = EXCLUDED.class,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			num_in_stock = EXCLUDED.num_in_stock,
			attributes = EXCLUDED.attributes,
			updated_at = now()
		RETURNING id`

	listProductSKUsSQL = `SELECT sku FROM products ORDER BY sku`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	db *DB
}

// NewProductRepository returns a ProductRepository using db.
func NewProductRepository(db *DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// GetBySKU returns a single product by its SKU.
func (r *ProductRepository) GetBySKU(ctx context.Context, sku string) (*product.Product, error) {
	rows, err := r.db.q(ctx).Query(ctx, getProductBySKUSQL, sku)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", sku, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("sku %q: %w", sku, product.ErrNotFound)
		}
		return nil, fmt.Errorf("getting product %q: %w", sku, err)
	}
	return &p, nil
}

// Upsert inserts p or updates the product with the same SKU, and sets p.ID.
func (r *ProductRepository) Upsert(ctx context.Context, p *product.Product) error {
	err := r.db.q(ctx).QueryRow(ctx, upsertProductSQL,
		p.SKU, p.Title, p.Class, p.Price, p.Currency, p.NumInStock, attributesOrEmpty(p.Attributes),
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("upserting product %q: %w", p.SKU, err)
	}
	return nil
}

// ListSKUs returns every stored SKU in ascending order.
func (r *ProductRepository) ListSKUs(ctx context.Context) ([]string, error) {
	rows, err := r.db.q(ctx).Query(ctx, listProductSKUsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing skus: %w", err)
	}
	skus, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing skus: %w", err)
	}
	return skus, nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var p product.Product
	err := row.Scan(&p.ID, &p.SKU, &p.Title, &p.Class, &p.Price, &p.Currency, &p.NumInStock, &p.Attributes)
	return p, err
}
