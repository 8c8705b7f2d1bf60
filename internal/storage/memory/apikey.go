package memory

import (
	"context"

	"github.com/xenking/storefront-checkout/internal/domain/auth"
)

var _ auth.Repository = (*APIKeyRepository)(nil)

// APIKeyRepository implements auth.Repository.
type APIKeyRepository struct {
	s *Store
}

// Add stores k under its hash.
func (r *APIKeyRepository) Add(ctx context.Context, k auth.APIKey) error {
	return r.s.do(ctx, func(st *state) error {
		if k.ID == 0 {
			k.ID = st.id()
		}
		st.apiKeys[k.KeyHash] = &k
		return nil
	})
}

// FindByHash implements auth.Repository.
func (r *APIKeyRepository) FindByHash(ctx context.Context, hash string) (*auth.APIKey, error) {
	var out *auth.APIKey
	err := r.s.do(ctx, func(st *state) error {
		k, ok := st.apiKeys[hash]
		if !ok {
			return auth.ErrKeyNotFound
		}
		c := *k
		c.Scopes = append([]string(nil), k.Scopes...)
		out = &c
		return nil
	})
	return out, err
}
