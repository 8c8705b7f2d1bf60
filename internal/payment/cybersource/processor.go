// Package cybersource implements the hosted payment page processor: signed
// transaction parameters for the client and verification of the
// notifications posted back by the processor.
package cybersource

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/basket"
	"github.com/xenking/storefront-checkout/internal/domain/payment"
)

// Name is the processor name recorded on payment sources.
const Name = "cybersource"

// Decisions reported by the processor.
const (
	DecisionAccept  = "ACCEPT"
	DecisionCancel  = "CANCEL"
	DecisionDecline = "DECLINE"
	DecisionError   = "ERROR"
)

const (
	fieldAccessKey          = "access_key"
	fieldProfileID          = "profile_id"
	fieldReferenceNumber    = "reference_number"
	fieldTransactionUUID    = "transaction_uuid"
	fieldTransactionType    = "transaction_type"
	fieldPaymentMethod      = "payment_method"
	fieldCurrency           = "currency"
	fieldAmount             = "amount"
	fieldLocale             = "locale"
	fieldReceiptPage        = "override_custom_receipt_page"
	fieldCancelPage         = "override_custom_cancel_page"
	fieldSignedDateTime     = "signed_date_time"
	fieldUnsignedFieldNames = "unsigned_field_names"
	fieldSignedFieldNames   = "signed_field_names"
	fieldSignature          = "signature"

	fieldDecision           = "decision"
	fieldReqReferenceNumber = "req_reference_number"
	fieldReqCurrency        = "req_currency"
	fieldAuthAmount         = "auth_amount"
	fieldTransactionID      = "transaction_id"

	signedDateTimeLayout = "2006-01-02T15:04:05Z"
)

// Config holds the merchant profile credentials.
type Config struct {
	ProfileID      string
	AccessKey      string
	SecretKey      string
	PaymentPageURL string
	ReceiptPageURL string
	CancelPageURL  string
	Locale         string
}

// Processor signs and verifies hosted payment page transactions.
type Processor struct {
	cfg     Config
	now     func() time.Time
	newUUID func() string
}

var _ payment.Processor = (*Processor)(nil)

// New creates a Processor.
func New(cfg Config) (*Processor, error) {
	if cfg.ProfileID == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("cybersource profile id, access key and secret key are required")
	}
	if cfg.Locale == "" {
		cfg.Locale = "en-us"
	}
	return &Processor{
		cfg: cfg,
		now: time.Now,
		newUUID: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")
		},
	}, nil
}

// Name implements payment.Processor.
func (p *Processor) Name() string { return Name }

// GenerateTransactionParameters implements payment.Processor. The basket id
// is sent as reference_number and comes back as req_reference_number.
func (p *Processor) GenerateTransactionParameters(ctx context.Context, b *basket.Basket) (*payment.Parameters, error) {
	if b.ID == 0 {
		return nil, errors.New("basket has no id")
	}

	params := payment.NewParameters(p.cfg.PaymentPageURL)
	params.Set(fieldAccessKey, p.cfg.AccessKey)
	params.Set(fieldProfileID, p.cfg.ProfileID)
	params.Set(fieldReferenceNumber, strconv.FormatInt(b.ID, 10))
	params.Set(fieldTransactionUUID, p.newUUID())
	params.Set(fieldTransactionType, "sale")
	params.Set(fieldPaymentMethod, "card")
	params.Set(fieldCurrency, b.Currency)
	params.Set(fieldAmount, b.TotalExclTax().StringFixed(2))
	params.Set(fieldLocale, p.cfg.Locale)
	if p.cfg.ReceiptPageURL != "" {
		params.Set(fieldReceiptPage, p.cfg.ReceiptPageURL)
	}
	if p.cfg.CancelPageURL != "" {
		params.Set(fieldCancelPage, p.cfg.CancelPageURL)
	}
	params.Set(fieldSignedDateTime, p.now().UTC().Format(signedDateTimeLayout))
	params.Set(fieldUnsignedFieldNames, "")
	// Must be set last: it lists every key including itself.
	params.Set(fieldSignedFieldNames, "")
	params.Set(fieldSignedFieldNames, strings.Join(params.Keys(), separator))
	params.Set(fieldSignature, sign(p.cfg.SecretKey, func(k string) string {
		v, _ := params.Get(k)
		return v
	}))

	zctx.From(ctx).Debug("Generated transaction parameters", zap.Int64("basket_id", b.ID))
	return params, nil
}

// ValidateResponse implements payment.Processor.
func (p *Processor) ValidateResponse(_ context.Context, raw map[string]string) (*payment.Response, error) {
	decision := raw[fieldDecision]
	switch decision {
	case DecisionCancel:
		return nil, &payment.ResponseError{Kind: payment.ResponseCancelled, Reason: "user cancelled the transaction"}
	case DecisionDecline:
		return nil, &payment.ResponseError{Kind: payment.ResponseDeclined, Reason: "transaction declined"}
	}

	if !verify(p.cfg.SecretKey, raw) {
		return nil, &payment.ResponseError{Kind: payment.ResponseSignature, Reason: "signature mismatch"}
	}
	if decision == DecisionError {
		return nil, &payment.ResponseError{Kind: payment.ResponseProcessorError, Reason: "processor reported an error"}
	}

	for _, key := range []string{fieldReqReferenceNumber, fieldReqCurrency, fieldDecision, fieldAuthAmount} {
		if _, ok := raw[key]; !ok {
			return nil, &payment.ResponseError{Kind: payment.ResponseData, Reason: "missing parameter " + key}
		}
	}
	// A valid signature only vouches for the fields it lists.
	if key, ok := unsigned(raw, fieldReqReferenceNumber, fieldReqCurrency, fieldDecision, fieldAuthAmount, fieldTransactionID); ok {
		return nil, &payment.ResponseError{Kind: payment.ResponseSignature, Reason: "parameter " + key + " is not signed"}
	}
	basketID, err := strconv.ParseInt(raw[fieldReqReferenceNumber], 10, 64)
	if err != nil {
		return nil, &payment.ResponseError{Kind: payment.ResponseData, Reason: "bad reference number " + strconv.Quote(raw[fieldReqReferenceNumber])}
	}
	amount, err := decimal.NewFromString(raw[fieldAuthAmount])
	if err != nil {
		return nil, &payment.ResponseError{Kind: payment.ResponseData, Reason: "bad auth amount " + strconv.Quote(raw[fieldAuthAmount])}
	}
	if decision != DecisionAccept {
		return nil, &payment.ResponseError{Kind: payment.ResponseData, Reason: "unknown decision " + strconv.Quote(decision)}
	}

	reference := raw[fieldTransactionID]
	if reference == "" {
		reference = raw[fieldReqReferenceNumber]
	}
	return &payment.Response{
		Success:   true,
		Reference: reference,
		BasketID:  basketID,
		Amount:    amount,
		Currency:  raw[fieldReqCurrency],
	}, nil
}
