package order

import (
	"github.com/go-faster/errors"
)

// Status is the aggregate state of an order.
type Status string

// Order statuses. Open is the only initial status.
const (
	StatusOpen             Status = "Open"
	StatusFulfillmentError Status = "Fulfillment Error"
	StatusComplete         Status = "Complete"
	StatusRefunded         Status = "Refunded"
)

var statusPipeline = map[Status][]Status{
	StatusOpen:             {StatusComplete, StatusFulfillmentError, StatusRefunded},
	StatusFulfillmentError: {StatusComplete, StatusRefunded},
	StatusComplete:         {StatusRefunded},
	StatusRefunded:         {},
}

// ParseStatus converts a stored status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := statusPipeline[st]; !ok {
		return "", errors.Errorf("unknown order status %q", s)
	}
	return st, nil
}

// CanTransitionTo reports whether an order may move from s to next. Staying
// in the same status is always allowed.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	for _, st := range statusPipeline[s] {
		if st == next {
			return true
		}
	}
	return false
}

// LineStatus is the fulfillment state of a single order line.
type LineStatus string

// Line statuses.
const (
	LineOpen     LineStatus = "Open"
	LineComplete LineStatus = "Complete"
	LineRefunded LineStatus = "Refunded"

	LineFulfillmentConfigurationError LineStatus = "Fulfillment Configuration Error"
	LineFulfillmentNetworkError       LineStatus = "Fulfillment Network Error"
	LineFulfillmentTimeoutError       LineStatus = "Fulfillment Timeout Error"
	LineFulfillmentServerError        LineStatus = "Fulfillment Server Error"

	LineRevokeConfigurationError LineStatus = "Revoke Configuration Error"
	LineRevokeNetworkError       LineStatus = "Revoke Network Error"
	LineRevokeTimeoutError       LineStatus = "Revoke Timeout Error"
	LineRevokeServerError        LineStatus = "Revoke Server Error"
)

var (
	fulfillmentErrors = []LineStatus{
		LineFulfillmentConfigurationError,
		LineFulfillmentNetworkError,
		LineFulfillmentTimeoutError,
		LineFulfillmentServerError,
	}
	revokeErrors = []LineStatus{
		LineRevokeConfigurationError,
		LineRevokeNetworkError,
		LineRevokeTimeoutError,
		LineRevokeServerError,
	}
	linePipeline = buildLinePipeline()
)

func buildLinePipeline() map[LineStatus][]LineStatus {
	p := map[LineStatus][]LineStatus{
		LineOpen:     append([]LineStatus{LineComplete}, fulfillmentErrors...),
		LineComplete: append([]LineStatus{LineRefunded}, revokeErrors...),
		LineRefunded: {},
	}
	for _, st := range fulfillmentErrors {
		p[st] = append([]LineStatus{LineComplete, LineRefunded}, fulfillmentErrors...)
	}
	for _, st := range revokeErrors {
		p[st] = append([]LineStatus{LineRefunded}, revokeErrors...)
	}
	return p
}

// ParseLineStatus converts a stored line status string.
func ParseLineStatus(s string) (LineStatus, error) {
	st := LineStatus(s)
	if _, ok := linePipeline[st]; !ok {
		return "", errors.Errorf("unknown line status %q", s)
	}
	return st, nil
}

// CanTransitionTo reports whether a line may move from s to next.
func (s LineStatus) CanTransitionTo(next LineStatus) bool {
	if s == next {
		return true
	}
	for _, st := range linePipeline[s] {
		if st == next {
			return true
		}
	}
	return false
}

// IsFulfillmentError reports whether s is one of the four fulfillment
// failure classes.
func (s LineStatus) IsFulfillmentError() bool {
	for _, st := range fulfillmentErrors {
		if s == st {
			return true
		}
	}
	return false
}

// IsRetryable reports whether re-invoking fulfillment can fix the failure
// without external correction.
func (s LineStatus) IsRetryable() bool {
	return s.IsFulfillmentError() && s != LineFulfillmentConfigurationError
}

// AwaitsFulfillment reports whether a fulfillment attempt should process a
// line in status s.
func (s LineStatus) AwaitsFulfillment() bool {
	return s == LineOpen || s.IsFulfillmentError()
}
