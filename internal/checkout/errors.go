package checkout

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Client error codes.
const (
	CodeSkuMissing         = "sku_missing"
	CodeProductNotFound    = "product_not_found"
	CodeProductUnavailable = "product_unavailable"
	CodeCurrencyMismatch   = "currency_mismatch"
)

// ErrPaymentMismatch is returned when a notified payment does not cover the
// basket it references.
var ErrPaymentMismatch = errors.New("payment does not match basket total")

// ClientError is a rejected request input. It carries a message for the
// integrating developer and one that can be shown to the shopper.
type ClientError struct {
	Code             string
	DeveloperMessage string
	UserMessage      string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.DeveloperMessage)
}
