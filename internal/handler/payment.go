package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/checkout"
	"github.com/xenking/storefront-checkout/internal/domain/basket"
	"github.com/xenking/storefront-checkout/internal/domain/payment"
)

// Notify accepts a form-encoded payment notification from the processor.
// Notifications that are rejected or cannot be matched to a frozen basket
// are logged and acknowledged so the processor does not redeliver them.
func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := r.ParseForm(); err != nil {
		writeError(w, r, errors.Wrap(errBadRequest, err.Error()))
		return
	}
	raw := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		raw[k] = r.PostForm.Get(k)
	}

	lg := zctx.From(r.Context())
	o, err := h.svc.HandleNotification(r.Context(), raw)

	var (
		rejected     *payment.ResponseError
		invalidState *basket.InvalidStateError
	)
	switch {
	case err == nil:
		lg.Info("Payment notification processed",
			zap.String("order", o.Number),
			zap.String("status", string(o.Status)),
		)
	case errors.As(err, &rejected),
		errors.As(err, &invalidState),
		errors.Is(err, basket.ErrNotFound),
		errors.Is(err, checkout.ErrPaymentMismatch):
		lg.Warn("Payment notification not processed", zap.Error(err))
	default:
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
