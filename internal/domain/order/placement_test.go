package order

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront-checkout/internal/domain/basket"
	"github.com/xenking/storefront-checkout/internal/domain/payment"
	"github.com/xenking/storefront-checkout/internal/domain/pricing"
	"github.com/xenking/storefront-checkout/internal/domain/txn"
)

// --- Mock implementations ---

type mockOrderRepo struct {
	created []*Order
	err     error
}

func (m *mockOrderRepo) Create(_ context.Context, o *Order) error {
	if m.err != nil {
		return m.err
	}
	o.ID = int64(len(m.created) + 1)
	m.created = append(m.created, o)
	return nil
}

func (m *mockOrderRepo) GetByNumber(context.Context, string) (*Order, error) { return nil, ErrNotFound }

func (m *mockOrderRepo) ListByOwner(context.Context, string) ([]*Order, error) { return nil, nil }

func (m *mockOrderRepo) UpdateStatuses(context.Context, *Order) error { return nil }

func (m *mockOrderRepo) CreateShippingEvent(context.Context, *ShippingEvent) error { return nil }

func (m *mockOrderRepo) ListShippingEvents(context.Context, int64) ([]ShippingEvent, error) {
	return nil, nil
}

// --- Helpers ---

func frozenBasket(prices ...string) *basket.Basket {
	b := &basket.Basket{ID: 8, OwnerID: "alice", Status: basket.StatusFrozen, Currency: "USD"}
	for i, p := range prices {
		b.Lines = append(b.Lines, basket.Line{
			ProductID:        int64(i + 1),
			SKU:              "SKU",
			Title:            "Seat",
			Quantity:         1,
			UnitPriceExclTax: decimal.RequireFromString(p),
		})
	}
	return b
}

func placeRequest(b *basket.Basket) PlaceRequest {
	engine := pricing.NewEngine(pricing.Free{})
	charge := engine.CalculateShipping(b)
	return PlaceRequest{
		Basket:         b,
		Total:          engine.CalculateTotal(b, charge),
		ShippingMethod: engine.ShippingMethod(),
		ShippingCharge: charge,
		OwnerID:        b.OwnerID,
		Number:         NewNumberGenerator(DefaultNumberPrefix, DefaultNumberOffset).Generate(b),
	}
}

// --- Tests ---

func TestPlaceOrder_Success(t *testing.T) {
	repo := &mockOrderRepo{}
	svc := NewPlacementService(txn.Direct, repo)
	b := frozenBasket("10.00", "5.50")

	stage := payment.NewStage()
	rec := payment.NewRecorder(stubPaymentRepo{})
	require.NoError(t, rec.RecordPayment(context.Background(), stage, "cybersource", "tx-1",
		decimal.RequireFromString("15.50"), "USD"))

	req := placeRequest(b)
	req.Payments = stage
	o, err := svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, repo.created, 1)
	assert.Equal(t, "OSCR-100008", o.Number)
	assert.Equal(t, StatusOpen, o.Status)
	assert.Equal(t, "alice", o.OwnerID)
	assert.Equal(t, "free-shipping", o.ShippingMethod)
	assert.Equal(t, "15.50", o.TotalExclTax.StringFixed(2))
	require.Len(t, o.Lines, 2)
	for _, l := range o.Lines {
		assert.Equal(t, LineOpen, l.Status)
	}
	assert.True(t, o.LinesTotalExclTax().Add(o.ShippingExclTax).Equal(o.TotalExclTax))
	require.Len(t, o.Sources, 1)
	assert.Equal(t, "tx-1", o.Sources[0].Reference)
	require.Len(t, o.PaymentEvents, 1)

	// Placement never submits the basket.
	assert.Equal(t, basket.StatusFrozen, b.Status)
}

func TestPlaceOrder_RecomputesLinePrice(t *testing.T) {
	repo := &mockOrderRepo{}
	b := frozenBasket("3.335")
	b.Lines[0].Quantity = 3

	o, err := NewPlacementService(txn.Direct, repo).PlaceOrder(context.Background(), placeRequest(b))
	require.NoError(t, err)
	assert.Equal(t, "10.01", o.Lines[0].LinePriceExclTax.StringFixed(2))
	assert.Equal(t, "10.01", o.TotalExclTax.StringFixed(2))
}

func TestPlaceOrder_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PlaceRequest)
		check  func(t *testing.T, err error)
	}{
		{
			name:   "basket not frozen",
			mutate: func(r *PlaceRequest) { r.Basket.Status = basket.StatusOpen },
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, basket.ErrInvalidState) },
		},
		{
			name:   "basket already submitted",
			mutate: func(r *PlaceRequest) { r.Basket.Status = basket.StatusSubmitted },
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, basket.ErrInvalidState) },
		},
		{
			name:   "empty basket",
			mutate: func(r *PlaceRequest) { r.Basket.Lines = nil; r.Total.ExclTax = decimal.Zero },
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrEmptyBasket) },
		},
		{
			name:   "owner mismatch",
			mutate: func(r *PlaceRequest) { r.OwnerID = "mallory" },
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrOwnerMismatch) },
		},
		{
			name:   "non-open initial status",
			mutate: func(r *PlaceRequest) { r.InitialStatus = StatusComplete },
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrInvalidStatusTransition) },
		},
		{
			name:   "total mismatch",
			mutate: func(r *PlaceRequest) { r.Total.ExclTax = decimal.RequireFromString("1.00") },
			check: func(t *testing.T, err error) {
				var mismatch *TotalMismatchError
				require.ErrorAs(t, err, &mismatch)
				assert.Equal(t, "10.00", mismatch.Expected.StringFixed(2))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockOrderRepo{}
			req := placeRequest(frozenBasket("10.00"))
			tt.mutate(&req)

			_, err := NewPlacementService(txn.Direct, repo).PlaceOrder(context.Background(), req)
			require.Error(t, err)
			tt.check(t, err)
			assert.Empty(t, repo.created)
		})
	}
}

func TestPlaceOrder_PersistenceFailure(t *testing.T) {
	repo := &mockOrderRepo{err: errors.Wrap(ErrDuplicateNumber, "insert")}
	b := frozenBasket("10.00")

	_, err := NewPlacementService(txn.Direct, repo).PlaceOrder(context.Background(), placeRequest(b))
	require.ErrorIs(t, err, ErrDuplicateNumber)
	assert.Equal(t, basket.StatusFrozen, b.Status)
}

type stubPaymentRepo struct{}

func (stubPaymentRepo) GetOrCreateSourceType(_ context.Context, name string) (payment.SourceType, error) {
	return payment.SourceType{ID: 1, Name: name}, nil
}

func (stubPaymentRepo) SourceExists(context.Context, string, string) (bool, error) { return false, nil }
