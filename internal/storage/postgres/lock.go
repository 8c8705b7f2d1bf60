package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/fulfillment"
)

const (
	advisoryLockSQL   = `SELECT pg_advisory_lock(hashtextextended($1, 0))`
	advisoryUnlockSQL = `SELECT pg_advisory_unlock(hashtextextended($1, 0))`
)

var _ fulfillment.Locker = (*AdvisoryLocker)(nil)

// AdvisoryLocker is a fulfillment.Locker backed by session-level advisory
// locks. Each held key pins one pooled connection until it is released.
type AdvisoryLocker struct {
	db *DB
}

// NewAdvisoryLocker returns an AdvisoryLocker using db.
func NewAdvisoryLocker(db *DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db}
}

// Lock implements fulfillment.Locker.
func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.db.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection for lock %q: %w", key, err)
	}
	if _, err := conn.Exec(ctx, advisoryLockSQL, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("taking advisory lock %q: %w", key, err)
	}

	lg := zctx.From(ctx)
	return func() {
		// The caller's context may already be done; unlocking must still happen.
		if _, err := conn.Exec(context.WithoutCancel(ctx), advisoryUnlockSQL, key); err != nil {
			lg.Error("Release advisory lock", zap.String("key", key), zap.Error(err))
			// Closing the session drops every lock it holds.
			_ = conn.Conn().Close(context.WithoutCancel(ctx))
		}
		conn.Release()
	}, nil
}
