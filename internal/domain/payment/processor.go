package payment

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/basket"
)

// Parameters is the ordered set of fields a client submits to the processor's
// payment page.
type Parameters struct {
	PageURL string
	keys    []string
	values  map[string]string
}

// NewParameters returns empty Parameters posting to pageURL.
func NewParameters(pageURL string) *Parameters {
	return &Parameters{PageURL: pageURL, values: make(map[string]string)}
}

// Set adds or replaces a field, keeping first-insertion order.
func (p *Parameters) Set(key, value string) {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Get returns the value of key.
func (p *Parameters) Get(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Keys returns field names in insertion order.
func (p *Parameters) Keys() []string { return p.keys }

// Len returns the number of fields.
func (p *Parameters) Len() int { return len(p.keys) }

// Response is a successfully validated processor notification.
type Response struct {
	Success   bool
	Reference string
	BasketID  int64
	Amount    decimal.Decimal
	Currency  string
}

// ResponseErrorKind classifies rejected processor notifications.
type ResponseErrorKind string

// Rejection kinds.
const (
	ResponseCancelled      ResponseErrorKind = "cancelled"
	ResponseDeclined       ResponseErrorKind = "declined"
	ResponseProcessorError ResponseErrorKind = "processor_error"
	ResponseSignature      ResponseErrorKind = "signature"
	ResponseData           ResponseErrorKind = "data"
)

// ResponseError reports a notification that must not lead to an order.
type ResponseError struct {
	Kind   ResponseErrorKind
	Reason string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("payment response rejected (%s): %s", e.Kind, e.Reason)
}

// Processor is an external payment processor.
type Processor interface {
	Name() string
	// GenerateTransactionParameters returns the signed fields needed to pay
	// for b. The basket id travels as the processor reference number.
	GenerateTransactionParameters(ctx context.Context, b *basket.Basket) (*Parameters, error)
	// ValidateResponse verifies a raw notification. Rejections are returned
	// as *ResponseError.
	ValidateResponse(ctx context.Context, raw map[string]string) (*Response, error)
}
