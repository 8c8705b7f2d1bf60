package memory

import (
	"context"

	"github.com/xenking/storefront-checkout/internal/domain/payment"
)

var _ payment.Repository = (*PaymentRepository)(nil)

// PaymentRepository implements payment.Repository over the sources stored
// with orders.
type PaymentRepository struct {
	s *Store
}

// GetOrCreateSourceType implements payment.Repository.
func (r *PaymentRepository) GetOrCreateSourceType(ctx context.Context, name string) (payment.SourceType, error) {
	var out payment.SourceType
	err := r.s.do(ctx, func(st *state) error {
		t, ok := st.sourceTypes[name]
		if !ok {
			t = payment.SourceType{ID: st.id(), Name: name}
			st.sourceTypes[name] = t
		}
		out = t
		return nil
	})
	return out, err
}

// SourceExists implements payment.Repository.
func (r *PaymentRepository) SourceExists(ctx context.Context, sourceType, reference string) (bool, error) {
	var exists bool
	err := r.s.do(ctx, func(st *state) error {
		exists = sourceExists(st, sourceType, reference)
		return nil
	})
	return exists, err
}

func sourceExists(st *state, sourceType, reference string) bool {
	for _, o := range st.orders {
		for _, src := range o.Sources {
			if src.SourceType.Name == sourceType && src.Reference == reference {
				return true
			}
		}
	}
	return false
}
