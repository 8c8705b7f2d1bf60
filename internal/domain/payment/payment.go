// Package payment records payment sources and events against orders and
// defines the contract of an external payment processor.
package payment

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// EventSettlement is the payment event type recorded for a captured charge.
const EventSettlement = "Settlement"

// ErrDuplicatePayment is returned when a processor reference has already been
// recorded against an order.
var ErrDuplicatePayment = errors.New("payment already recorded")

// SourceType identifies the processor a source was paid through.
type SourceType struct {
	ID   int64
	Name string
}

// Source is money allocated to an order by one processor charge.
type Source struct {
	ID              int64
	SourceType      SourceType
	Reference       string
	Currency        string
	AmountAllocated decimal.Decimal
	AmountDebited   decimal.Decimal
	AmountRefunded  decimal.Decimal
}

// Event is an append-only record of a payment operation.
type Event struct {
	ID        int64
	Type      string
	Amount    decimal.Decimal
	Reference string
	Processor string
	CreatedAt time.Time
}
