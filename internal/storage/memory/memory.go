// Package memory implements every checkout repository in process memory.
// It backs tests and single-node development setups.
package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/xenking/storefront-checkout/internal/domain/auth"
	"github.com/xenking/storefront-checkout/internal/domain/basket"
	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/payment"
	"github.com/xenking/storefront-checkout/internal/domain/product"
	"github.com/xenking/storefront-checkout/internal/domain/txn"
)

type state struct {
	nextID         int64
	products       map[string]*product.Product
	baskets        map[int64]*basket.Basket
	orders         map[string]*order.Order
	sourceTypes    map[string]payment.SourceType
	shippingEvents map[int64][]order.ShippingEvent
	apiKeys        map[string]*auth.APIKey
}

func newState() *state {
	return &state{
		products:       make(map[string]*product.Product),
		baskets:        make(map[int64]*basket.Basket),
		orders:         make(map[string]*order.Order),
		sourceTypes:    make(map[string]payment.SourceType),
		shippingEvents: make(map[int64][]order.ShippingEvent),
		apiKeys:        make(map[string]*auth.APIKey),
	}
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *state) clone() *state {
	c := &state{
		nextID:         s.nextID,
		products:       make(map[string]*product.Product, len(s.products)),
		baskets:        make(map[int64]*basket.Basket, len(s.baskets)),
		orders:         make(map[string]*order.Order, len(s.orders)),
		sourceTypes:    maps.Clone(s.sourceTypes),
		shippingEvents: make(map[int64][]order.ShippingEvent, len(s.shippingEvents)),
		apiKeys:        maps.Clone(s.apiKeys),
	}
	for k, p := range s.products {
		c.products[k] = cloneProduct(p)
	}
	for k, b := range s.baskets {
		c.baskets[k] = b.Clone()
	}
	for k, o := range s.orders {
		c.orders[k] = o.Clone()
	}
	for k, evs := range s.shippingEvents {
		c.shippingEvents[k] = cloneShippingEvents(evs)
	}
	return c
}

type txKey struct{}

// Store holds all checkout state behind a single mutex. A transaction keeps
// the mutex for its whole duration and restores a snapshot if it fails.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

var _ txn.Runner = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{st: newState(), now: time.Now}
}

// InTx implements txn.Runner.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// do runs fn with exclusive access to the state, joining the transaction
// carried by ctx if there is one.
func (s *Store) do(ctx context.Context, fn func(st *state) error) error {
	if !s.inTx(ctx) {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return fn(s.st)
}

// Baskets returns the basket repository.
func (s *Store) Baskets() *BasketRepository { return &BasketRepository{s: s} }

// Orders returns the order repository.
func (s *Store) Orders() *OrderRepository { return &OrderRepository{s: s} }

// Payments returns the payment repository.
func (s *Store) Payments() *PaymentRepository { return &PaymentRepository{s: s} }

// Products returns the product repository.
func (s *Store) Products() *ProductRepository { return &ProductRepository{s: s} }

// APIKeys returns the API key repository.
func (s *Store) APIKeys() *APIKeyRepository { return &APIKeyRepository{s: s} }

func cloneProduct(p *product.Product) *product.Product {
	c := *p
	c.Attributes = maps.Clone(p.Attributes)
	if p.Price != nil {
		price := *p.Price
		c.Price = &price
	}
	if p.NumInStock != nil {
		n := *p.NumInStock
		c.NumInStock = &n
	}
	return &c
}

func cloneShippingEvents(evs []order.ShippingEvent) []order.ShippingEvent {
	out := make([]order.ShippingEvent, len(evs))
	for i, ev := range evs {
		ev.Lines = append([]order.ShippingEventLine(nil), ev.Lines...)
		out[i] = ev
	}
	return out
}
