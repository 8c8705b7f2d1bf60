package postgres

import (
	"context"
	"fmt"

	"github.com/xenking/storefront-checkout/internal/domain/payment"
)

const (
	getOrCreateSourceTypeSQL = `INSERT INTO payment_source_types (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name`

	sourceExistsSQL = `SELECT EXISTS (
		SELECT 1 FROM payment_sources s JOIN payment_source_types t ON t.id = s.source_type_id
		WHERE t.name = $1 AND s.reference = $2)`
)

var _ payment.Repository = (*PaymentRepository)(nil)

// PaymentRepository implements payment.Repository backed by PostgreSQL.
type PaymentRepository struct {
	db *DB
}

// NewPaymentRepository returns a PaymentRepository using db.
func NewPaymentRepository(db *DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// GetOrCreateSourceType implements payment.Repository.
func (r *PaymentRepository) GetOrCreateSourceType(ctx context.Context, name string) (payment.SourceType, error) {
	var st payment.SourceType
	if err := r.db.q(ctx).QueryRow(ctx, getOrCreateSourceTypeSQL, name).Scan(&st.ID, &st.Name); err != nil {
		return payment.SourceType{}, fmt.Errorf("getting source type %q: %w", name, err)
	}
	return st, nil
}

// SourceExists implements payment.Repository.
func (r *PaymentRepository) SourceExists(ctx context.Context, sourceType, reference string) (bool, error) {
	var exists bool
	if err := r.db.q(ctx).QueryRow(ctx, sourceExistsSQL, sourceType, reference).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking %s source %q: %w", sourceType, reference, err)
	}
	return exists, nil
}
