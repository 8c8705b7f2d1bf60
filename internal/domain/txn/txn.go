// Package txn defines the unit-of-work boundary shared by the domain services.
package txn

import "context"

// Runner executes fn inside a single transaction. Repositories called with
// the context passed to fn participate in that transaction. Nested calls
// reuse the outer transaction. If fn returns an error, every write made
// through the context is rolled back.
type Runner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// InTx calls f(ctx, fn).
func (f RunnerFunc) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}

// Direct runs fn without any transaction. Useful for tests that exercise a
// service against hand-written repository mocks.
var Direct Runner = RunnerFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
})
