package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/storefront-checkout/internal/domain/auth"
)

const (
	getAPIKeyByHashSQL = `SELECT id, key_hash, name, scopes FROM api_keys
		WHERE key_hash = $1 AND active`

	upsertAPIKeySQL = `INSERT INTO api_keys (key_hash, name, scopes) VALUES ($1, $2, $3)
		ON CONFLICT (key_hash) DO UPDATE SET name = EXCLUDED.name, scopes = EXCLUDED.scopes, active = TRUE
		RETURNING id`
)

var _ auth.Repository = (*APIKeyRepository)(nil)

// APIKeyRepository provides API key lookups backed by PostgreSQL.
type APIKeyRepository struct {
	db *DB
}

// NewAPIKeyRepository returns an APIKeyRepository using db.
func NewAPIKeyRepository(db *DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// FindByHash looks up an active API key by its HMAC-SHA256 hash.
func (r *APIKeyRepository) FindByHash(ctx context.Context, hash string) (*auth.APIKey, error) {
	var k auth.APIKey
	err := r.db.q(ctx).QueryRow(ctx, getAPIKeyByHashSQL, hash).Scan(&k.ID, &k.KeyHash, &k.Name, &k.Scopes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrKeyNotFound
		}
		return nil, fmt.Errorf("finding api key by hash: %w", err)
	}
	return &k, nil
}

// Upsert stores k, reactivating a key with the same hash.
func (r *APIKeyRepository) Upsert(ctx context.Context, k *auth.APIKey) error {
	if err := r.db.q(ctx).QueryRow(ctx, upsertAPIKeySQL, k.KeyHash, k.Name, k.Scopes).Scan(&k.ID); err != nil {
		return fmt.Errorf("upserting api key %q: %w", k.Name, err)
	}
	return nil
}
