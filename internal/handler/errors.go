package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/checkout"
	"github.com/xenking/storefront-checkout/internal/domain/basket"
	"github.com/xenking/storefront-checkout/internal/domain/fulfillment"
	"github.com/xenking/storefront-checkout/internal/domain/order"
)

// apiError is the body of every error response.
type apiError struct {
	status           int
	code             string
	message          string
	developerMessage string
	userMessage      string
}

func (e apiError) encode(enc *jx.Encoder) {
	enc.ObjStart()
	enc.FieldStart("code")
	enc.Str(e.code)
	enc.FieldStart("message")
	enc.Str(e.message)
	if e.developerMessage != "" {
		enc.FieldStart("developer_message")
		enc.Str(e.developerMessage)
	}
	if e.userMessage != "" {
		enc.FieldStart("user_message")
		enc.Str(e.userMessage)
	}
	enc.ObjEnd()
}

// mapError converts domain errors to API errors.
func mapError(err error) apiError {
	var clientErr *checkout.ClientError
	if errors.As(err, &clientErr) {
		return apiError{
			status:           http.StatusBadRequest,
			code:             clientErr.Code,
			message:          clientErr.DeveloperMessage,
			developerMessage: clientErr.DeveloperMessage,
			userMessage:      clientErr.UserMessage,
		}
	}

	var invalidState *basket.InvalidStateError
	switch {
	case errors.Is(err, errUnauthorized):
		return apiError{status: http.StatusUnauthorized, code: "unauthorized", message: "authentication required"}
	case errors.Is(err, errForbidden):
		return apiError{status: http.StatusForbidden, code: "forbidden", message: "insufficient scope"}
	case errors.Is(err, errBadRequest):
		return apiError{status: http.StatusBadRequest, code: "bad_request", message: err.Error()}
	case errors.Is(err, order.ErrNotFound), errors.Is(err, basket.ErrNotFound):
		return apiError{status: http.StatusNotFound, code: "not_found", message: "order not found"}
	case errors.Is(err, fulfillment.ErrNotRetryable), errors.Is(err, fulfillment.ErrIncorrectOrderStatus):
		return apiError{status: http.StatusNotAcceptable, code: "not_retryable", message: err.Error()}
	case errors.As(err, &invalidState):
		return apiError{status: http.StatusConflict, code: "invalid_basket_state", message: invalidState.Error()}
	default:
		return apiError{status: http.StatusInternalServerError, code: "internal", message: "internal server error"}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := mapError(err)
	if e.status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	var enc jx.Encoder
	e.encode(&enc)
	writeJSON(w, e.status, enc.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
