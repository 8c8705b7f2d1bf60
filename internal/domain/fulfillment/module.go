// Package fulfillment delivers order lines through per-product modules and
// derives the order status from the outcome.
package fulfillment

import (
	"context"

	"github.com/xenking/storefront-checkout/internal/domain/order"
)

// Module delivers lines of the products it supports.
type Module interface {
	Name() string
	// Supports reports whether the module can fulfill line.
	Supports(line *order.Line) bool
	// Fulfill delivers lines of o and returns one status per line, aligned by
	// index. Each status is LineComplete or a fulfillment error. The context
	// carries the invocation deadline.
	Fulfill(ctx context.Context, o *order.Order, lines []*order.Line) []order.LineStatus
}

// Locker provides mutual exclusion keyed by name, across processes when the
// implementation supports it.
type Locker interface {
	// Lock blocks until the key is held or ctx is done. The returned function
	// releases the key.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LeaseLocker is a Locker whose hold can expire before it is released.
type LeaseLocker interface {
	Locker
	// LockLease is Lock that also returns a channel closed when the hold is
	// lost.
	LockLease(ctx context.Context, key string) (lost <-chan struct{}, unlock func(), err error)
}

// LockKey is the Locker key guarding fulfillment of the numbered order.
func LockKey(number string) string {
	return "fulfillment:order:" + number
}
