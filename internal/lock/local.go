// Package lock provides fulfillment.Locker implementations: an in-process
// keyed mutex and a Redis lease shared between replicas.
package lock

import (
	"context"
	"sync"

	"github.com/xenking/storefront-checkout/internal/domain/fulfillment"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// Local serializes holders of the same key within one process.
type Local struct {
	mu   sync.Mutex
	keys map[string]*entry
}

var _ fulfillment.Locker = (*Local)(nil)

// NewLocal returns an empty Local locker.
func NewLocal() *Local {
	return &Local{keys: make(map[string]*entry)}
}

// Lock implements fulfillment.Locker.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.keys[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.keys[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *Local) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.keys, key)
	}
}

func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
