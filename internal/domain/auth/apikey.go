// Package auth defines caller identities for the checkout API.
package auth

import (
	"context"
	"slices"

	"github.com/go-faster/errors"
)

// ScopeFulfillOrders allows operators to retry order fulfillment.
const ScopeFulfillOrders = "orders:fulfill"

// ErrKeyNotFound is returned when no active key matches a hash.
var ErrKeyNotFound = errors.New("api key not found")

// APIKey is an operator credential, stored as an HMAC-SHA256 hash.
type APIKey struct {
	ID      int64
	KeyHash string
	Name    string
	Scopes  []string
}

// HasScope reports whether the key grants scope.
func (k *APIKey) HasScope(scope string) bool {
	return slices.Contains(k.Scopes, scope)
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKey, error)
}

type userKey struct{}

// User is an authenticated storefront user. Username identifies basket and
// order ownership.
type User struct {
	Username string
	Email    string
}

// WithUser stores u in ctx.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFrom returns the authenticated user stored in ctx.
func UserFrom(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userKey{}).(User)
	return u, ok
}
