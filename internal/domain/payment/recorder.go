package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Stage collects the sources and events of one checkout attempt until the
// order they belong to is persisted.
type Stage struct {
	sources []Source
	events  []Event
	keys    map[string]struct{}
}

// NewStage returns an empty Stage.
func NewStage() *Stage {
	return &Stage{keys: make(map[string]struct{})}
}

// Sources returns the staged sources.
func (s *Stage) Sources() []Source {
	if s == nil {
		return nil
	}
	return s.sources
}

// Events returns the staged events.
func (s *Stage) Events() []Event {
	if s == nil {
		return nil
	}
	return s.events
}

func stageKey(processor, reference string) string {
	return processor + "\x00" + reference
}

// Repository defines the persistence needed to record payments. Sources and
// events themselves are stored together with their order.
type Repository interface {
	GetOrCreateSourceType(ctx context.Context, name string) (SourceType, error)
	SourceExists(ctx context.Context, sourceType, reference string) (bool, error)
}

// Recorder stages payment sources and settlement events.
type Recorder struct {
	repo Repository
	now  func() time.Time
}

// NewRecorder creates a Recorder.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo, now: time.Now}
}

// RecordPayment stages one Source with amount allocated and one settlement
// Event for the charge identified by (processor, reference). Staging the same
// charge twice is a no-op. A charge already persisted on an order fails with
// ErrDuplicatePayment. Call it inside the transaction that places the order.
func (r *Recorder) RecordPayment(
	ctx context.Context,
	stage *Stage,
	processor, reference string,
	amount decimal.Decimal,
	currency string,
) error {
	if processor == "" || reference == "" {
		return errors.New("processor and reference are required")
	}
	if amount.IsNegative() {
		return errors.Errorf("negative payment amount %s", amount)
	}
	key := stageKey(processor, reference)
	if _, ok := stage.keys[key]; ok {
		return nil
	}

	exists, err := r.repo.SourceExists(ctx, processor, reference)
	if err != nil {
		return errors.Wrap(err, "check source")
	}
	if exists {
		return errors.Wrapf(ErrDuplicatePayment, "%s reference %q", processor, reference)
	}

	st, err := r.repo.GetOrCreateSourceType(ctx, processor)
	if err != nil {
		return errors.Wrap(err, "get source type")
	}

	amount = amount.Round(2)
	stage.keys[key] = struct{}{}
	stage.sources = append(stage.sources, Source{
		SourceType:      st,
		Reference:       reference,
		Currency:        currency,
		AmountAllocated: amount,
	})
	stage.events = append(stage.events, Event{
		Type:      EventSettlement,
		Amount:    amount,
		Reference: reference,
		Processor: processor,
		CreatedAt: r.now(),
	})
	return nil
}
