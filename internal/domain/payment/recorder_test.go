package payment

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockRepository struct {
	types    map[string]SourceType
	existing map[string]bool
	err      error
}

func newMockRepository() *mockRepository {
	return &mockRepository{types: make(map[string]SourceType), existing: make(map[string]bool)}
}

func (m *mockRepository) GetOrCreateSourceType(_ context.Context, name string) (SourceType, error) {
	if m.err != nil {
		return SourceType{}, m.err
	}
	st, ok := m.types[name]
	if !ok {
		st = SourceType{ID: int64(len(m.types) + 1), Name: name}
		m.types[name] = st
	}
	return st, nil
}

func (m *mockRepository) SourceExists(_ context.Context, sourceType, reference string) (bool, error) {
	return m.existing[stageKey(sourceType, reference)], nil
}

// --- Tests ---

func TestRecorder_RecordPayment(t *testing.T) {
	repo := newMockRepository()
	r := NewRecorder(repo)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	stage := NewStage()
	err := r.RecordPayment(context.Background(), stage, "cybersource", "tx-1", decimal.RequireFromString("10.005"), "USD")
	require.NoError(t, err)

	require.Len(t, stage.Sources(), 1)
	src := stage.Sources()[0]
	assert.Equal(t, "cybersource", src.SourceType.Name)
	assert.Equal(t, int64(1), src.SourceType.ID)
	assert.Equal(t, "tx-1", src.Reference)
	assert.Equal(t, "10.01", src.AmountAllocated.StringFixed(2))
	assert.Equal(t, "USD", src.Currency)

	require.Len(t, stage.Events(), 1)
	ev := stage.Events()[0]
	assert.Equal(t, EventSettlement, ev.Type)
	assert.Equal(t, "tx-1", ev.Reference)
	assert.Equal(t, now, ev.CreatedAt)
}

func TestRecorder_StagingTwiceIsNoop(t *testing.T) {
	r := NewRecorder(newMockRepository())
	stage := NewStage()
	amount := decimal.RequireFromString("5")

	require.NoError(t, r.RecordPayment(context.Background(), stage, "cybersource", "tx-1", amount, "USD"))
	require.NoError(t, r.RecordPayment(context.Background(), stage, "cybersource", "tx-1", amount, "USD"))

	assert.Len(t, stage.Sources(), 1)
	assert.Len(t, stage.Events(), 1)
}

func TestRecorder_Errors(t *testing.T) {
	amount := decimal.RequireFromString("5")

	t.Run("already persisted", func(t *testing.T) {
		repo := newMockRepository()
		repo.existing[stageKey("cybersource", "tx-1")] = true
		stage := NewStage()

		err := NewRecorder(repo).RecordPayment(context.Background(), stage, "cybersource", "tx-1", amount, "USD")
		assert.ErrorIs(t, err, ErrDuplicatePayment)
		assert.Empty(t, stage.Sources())
	})

	t.Run("missing reference", func(t *testing.T) {
		err := NewRecorder(newMockRepository()).RecordPayment(context.Background(), NewStage(), "cybersource", "", amount, "USD")
		assert.Error(t, err)
	})

	t.Run("negative amount", func(t *testing.T) {
		err := NewRecorder(newMockRepository()).RecordPayment(context.Background(), NewStage(), "cybersource", "tx",
			decimal.RequireFromString("-1"), "USD")
		assert.Error(t, err)
	})

	t.Run("repository failure", func(t *testing.T) {
		repo := newMockRepository()
		repo.err = errors.New("connection reset")
		stage := NewStage()

		err := NewRecorder(repo).RecordPayment(context.Background(), stage, "cybersource", "tx", amount, "USD")
		assert.ErrorContains(t, err, "connection reset")
		assert.Empty(t, stage.Events())
	})
}

func TestParameters_KeepInsertionOrder(t *testing.T) {
	p := NewParameters("https://pay.example.com")
	p.Set("b", "1")
	p.Set("a", "2")
	p.Set("b", "3")

	assert.Equal(t, []string{"b", "a"}, p.Keys())
	v, ok := p.Get("b")
	assert.True(t, ok)
	assert.Equal(t, "3", v)
	assert.Equal(t, 2, p.Len())
}
