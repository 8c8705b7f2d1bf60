package memory

import (
	"context"
	"slices"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront-checkout/internal/domain/product"
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository.
type ProductRepository struct {
	s *Store
}

// GetBySKU implements product.Repository.
func (r *ProductRepository) GetBySKU(ctx context.Context, sku string) (*product.Product, error) {
	var out *product.Product
	err := r.s.do(ctx, func(st *state) error {
		p, ok := st.products[sku]
		if !ok {
			return errors.Wrapf(product.ErrNotFound, "sku %q", sku)
		}
		out = cloneProduct(p)
		return nil
	})
	return out, err
}

// Upsert stores p keyed by SKU, keeping the ID of an existing product.
func (r *ProductRepository) Upsert(ctx context.Context, p *product.Product) error {
	return r.s.do(ctx, func(st *state) error {
		if existing, ok := st.products[p.SKU]; ok {
			p.ID = existing.ID
		} else {
			p.ID = st.id()
		}
		st.products[p.SKU] = cloneProduct(p)
		return nil
	})
}

// ListSKUs returns every stored SKU in ascending order.
func (r *ProductRepository) ListSKUs(ctx context.Context) ([]string, error) {
	var out []string
	err := r.s.do(ctx, func(st *state) error {
		for sku := range st.products {
			out = append(out, sku)
		}
		return nil
	})
	slices.Sort(out)
	return out, err
}
