package fulfillment

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/txn"
)

// --- Mock implementations ---

type mockRepository struct {
	mu     sync.Mutex
	orders map[string]*order.Order
	events []*order.ShippingEvent
}

func newMockRepository(orders ...*order.Order) *mockRepository {
	m := &mockRepository{orders: make(map[string]*order.Order)}
	for _, o := range orders {
		m.orders[o.Number] = o.Clone()
	}
	return m
}

func (m *mockRepository) GetByNumber(_ context.Context, number string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[number]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o.Clone(), nil
}

func (m *mockRepository) UpdateStatuses(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.Number] = o.Clone()
	return nil
}

func (m *mockRepository) CreateShippingEvent(_ context.Context, ev *order.ShippingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

func (m *mockRepository) shippingEvents() []*order.ShippingEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*order.ShippingEvent(nil), m.events...)
}

type mutexLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	keys  []string
}

func (l *mutexLocker) Lock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.keys = append(l.keys, key)
	l.mu.Unlock()

	m.Lock()
	return m.Unlock, nil
}

// leaseLocker hands out one lease whose loss the test triggers.
type leaseLocker struct {
	mutexLocker
	lost chan struct{}
}

func (l *leaseLocker) LockLease(ctx context.Context, key string) (<-chan struct{}, func(), error) {
	unlock, err := l.Lock(ctx, key)
	return l.lost, unlock, err
}

// ctxRunner refuses to start a transaction on a done context, like pgx.
var ctxRunner = txn.RunnerFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
})

// funcModule supports lines of one product class and delegates to fn.
type funcModule struct {
	class string
	calls atomic.Int32
	seen  sync.Map // line id -> invocation count
	fn    func(ctx context.Context, lines []*order.Line) []order.LineStatus
}

func (m *funcModule) Name() string { return "func:" + m.class }

func (m *funcModule) Supports(l *order.Line) bool { return l.ProductClass == m.class }

func (m *funcModule) Fulfill(ctx context.Context, _ *order.Order, lines []*order.Line) []order.LineStatus {
	m.calls.Add(1)
	for _, l := range lines {
		v, _ := m.seen.LoadOrStore(l.ID, new(atomic.Int32))
		v.(*atomic.Int32).Add(1)
	}
	return m.fn(ctx, lines)
}

func (m *funcModule) invocations(lineID int64) int32 {
	v, ok := m.seen.Load(lineID)
	if !ok {
		return 0
	}
	return v.(*atomic.Int32).Load()
}

// --- Helpers ---

func newOrder(status order.Status, lines ...order.Line) *order.Order {
	for i := range lines {
		lines[i].ID = int64(i + 1)
		if lines[i].Quantity == 0 {
			lines[i].Quantity = 1
		}
		if lines[i].Status == "" {
			lines[i].Status = order.LineOpen
		}
	}
	return &order.Order{ID: 1, Number: "OSCR-100001", OwnerID: "alice", Status: status, Lines: lines}
}

func newEngine(t *testing.T, repo *mockRepository, cfg Config, modules ...Module) *Engine {
	t.Helper()
	e, err := NewEngine(txn.Direct, repo, &mutexLocker{}, modules, cfg)
	require.NoError(t, err)
	return e
}

func statusesByID(results map[int64]order.LineStatus) func(ctx context.Context, lines []*order.Line) []order.LineStatus {
	return func(_ context.Context, lines []*order.Line) []order.LineStatus {
		out := make([]order.LineStatus, len(lines))
		for i, l := range lines {
			out[i] = results[l.ID]
		}
		return out
	}
}

// --- Tests ---

func TestEngine_PartialFulfillmentThenRetry(t *testing.T) {
	repo := newMockRepository(newOrder(order.StatusOpen,
		order.Line{ProductClass: "Seat"},
		order.Line{ProductClass: "Seat"},
	))
	results := map[int64]order.LineStatus{1: order.LineComplete, 2: order.LineFulfillmentNetworkError}
	seat := &funcModule{class: "Seat", fn: statusesByID(results)}
	e := newEngine(t, repo, Config{}, seat)

	o, err := e.Fulfill(context.Background(), "OSCR-100001")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFulfillmentError, o.Status)
	assert.True(t, o.CanRetryFulfillment())
	assert.Equal(t, order.LineComplete, o.Lines[0].Status)
	assert.Equal(t, order.LineFulfillmentNetworkError, o.Lines[1].Status)

	events := repo.shippingEvents()
	require.Len(t, events, 1)
	assert.Equal(t, []order.ShippingEventLine{{LineID: 1, Quantity: 1}}, events[0].Lines)

	results[2] = order.LineComplete
	o, err = e.Retry(context.Background(), "OSCR-100001")
	require.NoError(t, err)
	assert.Equal(t, order.StatusComplete, o.Status)
	assert.False(t, o.CanRetryFulfillment())

	events = repo.shippingEvents()
	require.Len(t, events, 2)
	assert.Equal(t, []order.ShippingEventLine{{LineID: 2, Quantity: 1}}, events[1].Lines)

	// Completed lines are never re-attempted.
	assert.Equal(t, int32(1), seat.invocations(1))
	assert.Equal(t, int32(2), seat.invocations(2))

	stored, err := repo.GetByNumber(context.Background(), "OSCR-100001")
	require.NoError(t, err)
	assert.Equal(t, order.StatusComplete, stored.Status)
}

func TestEngine_AllComplete(t *testing.T) {
	repo := newMockRepository(newOrder(order.StatusOpen, order.Line{ProductClass: "Seat", Quantity: 2}))
	seat := &funcModule{class: "Seat", fn: statusesByID(map[int64]order.LineStatus{1: order.LineComplete})}

	o, err := newEngine(t, repo, Config{}, seat).Fulfill(context.Background(), "OSCR-100001")
	require.NoError(t, err)
	assert.Equal(t, order.StatusComplete, o.Status)

	events := repo.shippingEvents()
	require.Len(t, events, 1)
	assert.Equal(t, []order.ShippingEventLine{{LineID: 1, Quantity: 2}}, events[0].Lines)
}

func TestEngine_AllFailedCreatesNoEvent(t *testing.T) {
	repo := newMockRepository(newOrder(order.StatusOpen, order.Line{ProductClass: "Seat"}))
	seat := &funcModule{class: "Seat", fn: statusesByID(map[int64]order.LineStatus{1: order.LineFulfillmentServerError})}

	o, err := newEngine(t, repo, Config{}, seat).Fulfill(context.Background(), "OSCR-100001")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFulfillmentError, o.Status)
	assert.Empty(t, repo.shippingEvents())
}

func TestEngine_UnsupportedLine(t *testing.T) {
	repo := newMockRepository(newOrder(order.StatusOpen,
		order.Line{ProductClass: "Seat"},
		order.Line{ProductClass: "Coupon"},
	))
	seat := &funcModule{class: "Seat", fn: statusesByID(map[int64]order.LineStatus{1: order.LineComplete})}

	o, err := newEngine(t, repo, Config{}, seat).Fulfill(context.Background(), "OSCR-100001")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFulfillmentError, o.Status)
	assert.Equal(t, order.LineComplete, o.Lines[0].Status)
	assert.Equal(t, order.LineFulfillmentConfigurationError, o.Lines[1].Status)
	assert.Equal(t, int32(0), seat.invocations(2))
}

func TestEngine_GroupsLinesByModule(t *testing.T) {
	repo := newMockRepository(newOrder(order.StatusOpen,
		order.Line{ProductClass: "Seat"},
		order.Line{ProductClass: "Ebook"},
		order.Line{ProductClass: "Seat"},
	))
	seat := &funcModule{class: "Seat", fn: statusesByID(map[int64]order.LineStatus{1: order.LineComplete, 3: order.LineComplete})}
	ebook := &funcModule{class: "Ebook", fn: statusesByID(map[int64]order.LineStatus{2: order.LineComplete})}

	o, err := newEngine(t, repo, Config{Concurrency: 2}, seat, ebook).Fulfill(context.Background(), "OSCR-100001")
	require.NoError(t, err)
	assert.Equal(t, order.StatusComplete, o.Status)
	assert.Equal(t, int32(1), seat.calls.Load())
	assert.Equal(t, int32(1), ebook.calls.Load())
	require.Len(t, repo.shippingEvents(), 1)
	assert.Len(t, repo.shippingEvents()[0].Lines, 3)
}

func TestEngine_Timeout(t *testing.T) {
	repo := newMockRepository(newOrder(order.StatusOpen, order.Line{ProductClass: "Seat"}))
	release := make(chan struct{})
	defer close(release)
	slow := &funcModule{class: "Seat", fn: func(_ context.Context, lines []*order.Line) []order.LineStatus {
		<-release
		return fill(len(lines), order.LineComplete)
	}}

	o, err := newEngine(t, repo, Config{Timeout: 20 * time.Millisecond}, slow).Fulfill(context.Background(), "OSCR-100001")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFulfillmentError, o.Status)
	assert.Equal(t, order.LineFulfillmentTimeoutError, o.Lines[0].Status)
}

func TestEngine_MalformedAndPanickingModules(t *testing.T) {
	t.Run("wrong length", func(t *testing.T) {
		repo := newMockRepository(newOrder(order.StatusOpen, order.Line{ProductClass: "Seat"}))
		bad := &funcModule{class: "Seat", fn: func(context.Context, []*order.Line) []order.LineStatus { return nil }}

		o, err := newEngine(t, repo, Config{}, bad).Fulfill(context.Background(), "OSCR-100001")
		require.NoError(t, err)
		assert.Equal(t, order.LineFulfillmentConfigurationError, o.Lines[0].Status)
	})
	t.Run("non-terminal status", func(t *testing.T) {
		repo := newMockRepository(newOrder(order.StatusOpen, order.Line{ProductClass: "Seat"}))
		bad := &funcModule{class: "Seat", fn: func(_ context.Context, lines []*order.Line) []order.LineStatus {
			return fill(len(lines), order.LineOpen)
		}}

		o, err := newEngine(t, repo, Config{}, bad).Fulfill(context.Background(), "OSCR-100001")
		require.NoError(t, err)
		assert.Equal(t, order.LineFulfillmentConfigurationError, o.Lines[0].Status)
	})
	t.Run("panic", func(t *testing.T) {
		repo := newMockRepository(newOrder(order.StatusOpen, order.Line{ProductClass: "Seat"}))
		bad := &funcModule{class: "Seat", fn: func(context.Context, []*order.Line) []order.LineStatus { panic("boom") }}

		o, err := newEngine(t, repo, Config{}, bad).Fulfill(context.Background(), "OSCR-100001")
		require.NoError(t, err)
		assert.Equal(t, order.LineFulfillmentServerError, o.Lines[0].Status)
	})
}

func TestEngine_Guards(t *testing.T) {
	complete := &funcModule{class: "Seat", fn: statusesByID(map[int64]order.LineStatus{1: order.LineComplete})}

	tests := []struct {
		name    string
		status  order.Status
		retry   bool
		wantErr error
	}{
		{name: "retry open order", status: order.StatusOpen, retry: true, wantErr: ErrNotRetryable},
		{name: "retry complete order", status: order.StatusComplete, retry: true, wantErr: ErrNotRetryable},
		{name: "retry refunded order", status: order.StatusRefunded, retry: true, wantErr: ErrNotRetryable},
		{name: "fulfill complete order", status: order.StatusComplete, wantErr: ErrIncorrectOrderStatus},
		{name: "fulfill refunded order", status: order.StatusRefunded, wantErr: ErrIncorrectOrderStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockRepository(newOrder(tt.status, order.Line{ProductClass: "Seat"}))
			e := newEngine(t, repo, Config{}, complete)

			var err error
			if tt.retry {
				_, err = e.Retry(context.Background(), "OSCR-100001")
			} else {
				_, err = e.Fulfill(context.Background(), "OSCR-100001")
			}
			require.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, repo.shippingEvents())
		})
	}

	t.Run("missing order", func(t *testing.T) {
		_, err := newEngine(t, newMockRepository(), Config{}, complete).Retry(context.Background(), "OSCR-1")
		require.ErrorIs(t, err, order.ErrNotFound)
	})
}

func TestEngine_ConcurrentRetriesAreSerialized(t *testing.T) {
	repo := newMockRepository(newOrder(order.StatusFulfillmentError,
		order.Line{ProductClass: "Seat", Status: order.LineFulfillmentNetworkError},
	))
	seat := &funcModule{class: "Seat", fn: func(_ context.Context, lines []*order.Line) []order.LineStatus {
		time.Sleep(10 * time.Millisecond)
		return fill(len(lines), order.LineComplete)
	}}
	locker := &mutexLocker{}
	e, err := NewEngine(txn.Direct, repo, locker, []Module{seat}, Config{})
	require.NoError(t, err)

	const callers = 5
	var (
		wg          sync.WaitGroup
		succeeded   atomic.Int32
		notRetrying atomic.Int32
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Retry(context.Background(), "OSCR-100001")
			switch {
			case err == nil:
				succeeded.Add(1)
			case assert.ErrorIs(t, err, ErrNotRetryable):
				notRetrying.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(callers-1), notRetrying.Load())
	assert.Equal(t, int32(1), seat.invocations(1))
	assert.Len(t, repo.shippingEvents(), 1)
	assert.Contains(t, locker.keys, LockKey("OSCR-100001"))
}

func TestEngine_CallerCancellationKeepsStatuses(t *testing.T) {
	repo := newMockRepository(newOrder(order.StatusOpen, order.Line{ProductClass: "Seat"}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seat := &funcModule{class: "Seat", fn: func(callCtx context.Context, lines []*order.Line) []order.LineStatus {
		cancel()
		assert.NoError(t, callCtx.Err())
		return fill(len(lines), order.LineComplete)
	}}
	e, err := NewEngine(ctxRunner, repo, &mutexLocker{}, []Module{seat}, Config{})
	require.NoError(t, err)

	o, err := e.Fulfill(ctx, "OSCR-100001")
	require.NoError(t, err)
	assert.Equal(t, order.StatusComplete, o.Status)

	stored, err := repo.GetByNumber(context.Background(), "OSCR-100001")
	require.NoError(t, err)
	assert.Equal(t, order.StatusComplete, stored.Status)
	assert.Equal(t, order.LineComplete, stored.Lines[0].Status)
	assert.Len(t, repo.shippingEvents(), 1)
}

func TestEngine_LostLockAbandonsAttempt(t *testing.T) {
	repo := newMockRepository(newOrder(order.StatusOpen, order.Line{ProductClass: "Seat"}))
	locker := &leaseLocker{lost: make(chan struct{})}
	seat := &funcModule{class: "Seat", fn: func(callCtx context.Context, lines []*order.Line) []order.LineStatus {
		close(locker.lost)
		<-callCtx.Done()
		return fill(len(lines), order.LineComplete)
	}}
	e, err := NewEngine(txn.Direct, repo, locker, []Module{seat}, Config{Timeout: time.Second})
	require.NoError(t, err)

	_, err = e.Fulfill(context.Background(), "OSCR-100001")
	require.ErrorIs(t, err, ErrLockLost)

	stored, err := repo.GetByNumber(context.Background(), "OSCR-100001")
	require.NoError(t, err)
	assert.Equal(t, order.StatusOpen, stored.Status)
	assert.Empty(t, repo.shippingEvents())
}
