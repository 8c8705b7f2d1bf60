//go:build integration

package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/storefront-checkout/internal/domain/auth"
	"github.com/xenking/storefront-checkout/internal/domain/basket"
	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/payment"
	"github.com/xenking/storefront-checkout/internal/domain/product"
)

var testDB *DB

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "checkout",
				"POSTGRES_PASSWORD": "checkout",
				"POSTGRES_DB":       "checkout",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres: %v\n", err)
		return 1
	}
	defer func() { _ = container.Terminate(context.Background()) }()

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "container host: %v\n", err)
		return 1
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "container port: %v\n", err)
		return 1
	}
	url := fmt.Sprintf("postgres://checkout:checkout@%s:%s/checkout?sslmode=disable", host, port.Port())

	if err := RunMigrations(url); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}
	// A second run must be a no-op.
	if err := RunMigrations(url); err != nil {
		fmt.Fprintf(os.Stderr, "migrate again: %v\n", err)
		return 1
	}

	pool, err := NewPool(ctx, url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pool: %v\n", err)
		return 1
	}
	defer pool.Close()
	testDB = New(pool)

	return m.Run()
}

var skuSeq atomic.Int64

func seedProduct(t *testing.T, price string) *product.Product {
	t.Helper()
	d := decimal.RequireFromString(price)
	p := &product.Product{
		SKU:        fmt.Sprintf("SKU-%d", skuSeq.Add(1)),
		Title:      "Seat",
		Class:      product.ClassSeat,
		Price:      &d,
		Currency:   "USD",
		Attributes: map[string]string{product.AttrCourseKey: "course-v1:edX+Demo", product.AttrCertificateType: "verified"},
	}
	require.NoError(t, NewProductRepository(testDB).Upsert(context.Background(), p))
	return p
}

func TestProductRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewProductRepository(testDB)
	p := seedProduct(t, "12.50")

	got, err := repo.GetBySKU(ctx, p.SKU)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	require.NotNil(t, got.Price)
	assert.Equal(t, "12.50", got.Price.StringFixed(2))
	assert.Nil(t, got.NumInStock)
	assert.Equal(t, "verified", got.Attribute(product.AttrCertificateType))

	_, err = repo.GetBySKU(ctx, "missing")
	require.ErrorIs(t, err, product.ErrNotFound)

	skus, err := repo.ListSKUs(ctx)
	require.NoError(t, err)
	assert.Contains(t, skus, p.SKU)
}

func TestBasketRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewBasketRepository(testDB)
	p := seedProduct(t, "10")
	owner := fmt.Sprintf("owner-%d", time.Now().UnixNano())

	b := &basket.Basket{OwnerID: owner}
	require.NoError(t, repo.Create(ctx, b))
	assert.NotZero(t, b.ID)
	assert.Equal(t, basket.StatusOpen, b.Status)

	b.Currency = "USD"
	b.Lines = []basket.Line{{
		ProductID: p.ID, SKU: p.SKU, Title: p.Title, ProductClass: p.Class,
		Attributes: p.Attributes, Quantity: 1, UnitPriceExclTax: *p.Price,
	}}
	require.NoError(t, repo.SaveLines(ctx, b))
	lineID := b.Lines[0].ID
	require.NotZero(t, lineID)

	b.Lines[0].Quantity = 3
	require.NoError(t, repo.SaveLines(ctx, b))
	assert.Equal(t, lineID, b.Lines[0].ID)

	open, err := repo.ListOpen(ctx, owner)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Len(t, open[0].Lines, 1)
	assert.Equal(t, 3, open[0].Lines[0].Quantity)
	assert.Equal(t, "USD", open[0].Currency)

	require.NoError(t, repo.SetStatus(ctx, b.ID, basket.StatusOpen, basket.StatusFrozen, time.Now()))
	err = repo.SetStatus(ctx, b.ID, basket.StatusOpen, basket.StatusFrozen, time.Now())
	var stateErr *basket.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, basket.StatusFrozen, stateErr.Status)

	got, err := repo.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, basket.StatusFrozen, got.Status)
	assert.NotNil(t, got.FrozenAt)

	open, err = repo.ListOpen(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = repo.Get(ctx, -1)
	require.ErrorIs(t, err, basket.ErrNotFound)
}

func TestBasketRepository_SaveLinesRejectsFrozenBasket(t *testing.T) {
	ctx := context.Background()
	repo := NewBasketRepository(testDB)
	p := seedProduct(t, "10")
	owner := fmt.Sprintf("frozen-%d", time.Now().UnixNano())

	b := &basket.Basket{OwnerID: owner, Currency: "USD"}
	require.NoError(t, repo.Create(ctx, b))
	b.Lines = []basket.Line{{
		ProductID: p.ID, SKU: p.SKU, Title: p.Title, ProductClass: p.Class,
		Attributes: p.Attributes, Quantity: 1, UnitPriceExclTax: *p.Price,
	}}
	require.NoError(t, repo.SaveLines(ctx, b))

	// A request that read the basket while it was Open saves after checkout
	// froze it.
	stale, err := repo.Get(ctx, b.ID)
	require.NoError(t, err)
	require.NoError(t, repo.SetStatus(ctx, b.ID, basket.StatusOpen, basket.StatusFrozen, time.Now()))

	stale.Lines[0].Quantity = 5
	stale.Lines = append(stale.Lines, basket.Line{
		ProductID: p.ID, SKU: p.SKU, Title: p.Title, ProductClass: p.Class,
		Attributes: p.Attributes, Quantity: 1, UnitPriceExclTax: *p.Price,
	})
	err = repo.SaveLines(ctx, stale)
	var stateErr *basket.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, basket.StatusFrozen, stateErr.Status)
	assert.Equal(t, basket.StatusOpen, stateErr.Want)

	got, err := repo.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, got.Lines, 1)
	assert.Equal(t, 1, got.Lines[0].Quantity)

	stale.ID = -1
	require.ErrorIs(t, repo.SaveLines(ctx, stale), basket.ErrNotFound)
}

func TestDB_InTxRollsBack(t *testing.T) {
	ctx := context.Background()
	repo := NewBasketRepository(testDB)
	owner := fmt.Sprintf("rollback-%d", time.Now().UnixNano())

	errBoom := errors.New("boom")
	err := testDB.InTx(ctx, func(ctx context.Context) error {
		require.NoError(t, repo.LockOwner(ctx, owner))
		require.NoError(t, repo.Create(ctx, &basket.Basket{OwnerID: owner}))
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	open, err := repo.ListOpen(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func placedOrder(t *testing.T, reference string) *order.Order {
	t.Helper()
	ctx := context.Background()
	p := seedProduct(t, "10")
	b := &basket.Basket{OwnerID: "alice"}
	require.NoError(t, NewBasketRepository(testDB).Create(ctx, b))

	st, err := NewPaymentRepository(testDB).GetOrCreateSourceType(ctx, "cybersource")
	require.NoError(t, err)

	price := decimal.RequireFromString("10.00")
	line := order.Line{
		ProductID: p.ID, SKU: p.SKU, Title: p.Title, ProductClass: p.Class, Attributes: p.Attributes,
		Quantity: 1, UnitPriceExclTax: price, LinePriceExclTax: price, Status: order.LineOpen,
	}
	return &order.Order{
		Number:          fmt.Sprintf("OSCR-%d", 100000+b.ID),
		BasketID:        b.ID,
		OwnerID:         "alice",
		Currency:        "USD",
		ShippingMethod:  "free-shipping",
		ShippingExclTax: decimal.Zero,
		TotalExclTax:    decimal.RequireFromString("20.00"),
		Status:          order.StatusOpen,
		Lines:           []order.Line{line, line},
		Sources: []payment.Source{{
			SourceType: st, Reference: reference, Currency: "USD", AmountAllocated: decimal.RequireFromString("20.00"),
		}},
		PaymentEvents: []payment.Event{{
			Type: payment.EventSettlement, Amount: decimal.RequireFromString("20.00"),
			Reference: reference, Processor: "cybersource", CreatedAt: time.Now(),
		}},
		BillingAddress: &order.Address{FirstName: "Ada", LastName: "Lovelace", CountryCode: "GB"},
	}
}

func TestOrderRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(testDB)
	reference := fmt.Sprintf("ref-%d", time.Now().UnixNano())

	o := placedOrder(t, reference)
	require.NoError(t, repo.Create(ctx, o))
	assert.NotZero(t, o.ID)
	assert.NotZero(t, o.Lines[1].ID)
	assert.NotZero(t, o.Sources[0].ID)

	dup := placedOrder(t, reference+"-other")
	dup.Number = o.Number
	require.ErrorIs(t, repo.Create(ctx, dup), order.ErrDuplicateNumber)

	replay := placedOrder(t, reference)
	require.ErrorIs(t, repo.Create(ctx, replay), payment.ErrDuplicatePayment)

	exists, err := NewPaymentRepository(testDB).SourceExists(ctx, "cybersource", reference)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := repo.GetByNumber(ctx, o.Number)
	require.NoError(t, err)
	assert.Equal(t, "20.00", got.TotalExclTax.StringFixed(2))
	require.Len(t, got.Lines, 2)
	require.Len(t, got.Sources, 1)
	assert.Equal(t, "cybersource", got.Sources[0].SourceType.Name)
	require.Len(t, got.PaymentEvents, 1)
	require.NotNil(t, got.BillingAddress)
	assert.Equal(t, "Lovelace", got.BillingAddress.LastName)

	got.Status = order.StatusFulfillmentError
	got.Lines[0].Status = order.LineComplete
	got.Lines[1].Status = order.LineFulfillmentNetworkError
	require.NoError(t, repo.UpdateStatuses(ctx, got))
	require.NoError(t, repo.CreateShippingEvent(ctx, &order.ShippingEvent{
		OrderID:   got.ID,
		EventType: order.EventShipped,
		Lines:     []order.ShippingEventLine{{LineID: got.Lines[0].ID, Quantity: 1}},
	}))

	reloaded, err := repo.GetByNumber(ctx, o.Number)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFulfillmentError, reloaded.Status)
	assert.Equal(t, order.LineComplete, reloaded.Lines[0].Status)
	assert.Equal(t, order.LineFulfillmentNetworkError, reloaded.Lines[1].Status)

	events, err := repo.ListShippingEvents(ctx, got.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, []order.ShippingEventLine{{LineID: got.Lines[0].ID, Quantity: 1}}, events[0].Lines)

	list, err := repo.ListByOwner(ctx, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, list)
	assert.Equal(t, o.Number, list[0].Number)

	_, err = repo.GetByNumber(ctx, "OSCR-0")
	require.ErrorIs(t, err, order.ErrNotFound)
}


func TestOrderRepository_UnknownStoredStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(testDB)

	o := placedOrder(t, fmt.Sprintf("ref-status-%d", time.Now().UnixNano()))
	require.NoError(t, repo.Create(ctx, o))

	_, err := testDB.pool.Exec(ctx, `UPDATE order_lines SET status = 'Shipped' WHERE id = $1`, o.Lines[0].ID)
	require.NoError(t, err)
	_, err = repo.GetByNumber(ctx, o.Number)
	require.ErrorContains(t, err, `unknown line status "Shipped"`)

	_, err = testDB.pool.Exec(ctx, `UPDATE orders SET status = 'Paid' WHERE id = $1`, o.ID)
	require.NoError(t, err)
	_, err = repo.GetByNumber(ctx, o.Number)
	require.ErrorContains(t, err, `unknown order status "Paid"`)
	_, err = repo.ListByOwner(ctx, o.OwnerID)
	require.ErrorContains(t, err, `unknown order status "Paid"`)
}
func TestAPIKeyRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewAPIKeyRepository(testDB)

	k := &auth.APIKey{KeyHash: fmt.Sprintf("hash-%d", time.Now().UnixNano()), Name: "ops", Scopes: []string{auth.ScopeFulfillOrders}}
	require.NoError(t, repo.Upsert(ctx, k))

	got, err := repo.FindByHash(ctx, k.KeyHash)
	require.NoError(t, err)
	assert.True(t, got.HasScope(auth.ScopeFulfillOrders))

	_, err = repo.FindByHash(ctx, "missing")
	require.ErrorIs(t, err, auth.ErrKeyNotFound)
}

func TestAdvisoryLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	locker := NewAdvisoryLocker(testDB)

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "fulfillment:order:OSCR-LOCK")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(20 * time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())

	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	unlock, err := locker.Lock(ctx, "fulfillment:order:OSCR-HELD")
	require.NoError(t, err)
	defer unlock()
	_, err = locker.Lock(timeoutCtx, "fulfillment:order:OSCR-HELD")
	assert.Error(t, err)
}
