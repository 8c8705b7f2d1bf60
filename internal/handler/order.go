package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/auth"
	"github.com/xenking/storefront-checkout/internal/domain/order"
)

// ListOrders returns the user's orders, newest first.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())

	orders, err := h.svc.ListOrders(r.Context(), u.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	encodeOrders(&e, orders)
	writeJSON(w, http.StatusOK, e.Bytes())
}

// GetOrder returns one of the user's orders.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())

	o, err := h.svc.GetOrder(r.Context(), u.Username, chi.URLParam(r, "number"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOrder(w, http.StatusOK, o)
}

// FulfillOrder retries fulfillment of an order in Fulfillment Error. The
// response carries the order after the attempt; an attempt that still fails
// some lines is reported with 200 and the Fulfillment Error status.
func (h *Handler) FulfillOrder(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")

	o, err := h.svc.RetryFulfillment(r.Context(), number)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if o.Status == order.StatusFulfillmentError {
		zctx.From(r.Context()).Warn("Fulfillment retry incomplete", zap.String("order", number))
	}
	writeOrder(w, http.StatusOK, o)
}

func writeOrder(w http.ResponseWriter, status int, o *order.Order) {
	var e jx.Encoder
	encodeOrder(&e, o)
	writeJSON(w, status, e.Bytes())
}
