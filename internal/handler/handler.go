// Package handler exposes the checkout operations over HTTP.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xenking/storefront-checkout/internal/checkout"
	"github.com/xenking/storefront-checkout/internal/domain/auth"
	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/pkg/httpmiddleware"
)

// Service is the checkout surface the handler delegates to.
type Service interface {
	Checkout(ctx context.Context, owner, sku string, immediate bool) (*checkout.Result, error)
	HandleNotification(ctx context.Context, raw map[string]string) (*order.Order, error)
	GetOrder(ctx context.Context, owner, number string) (*order.Order, error)
	ListOrders(ctx context.Context, owner string) ([]*order.Order, error)
	RetryFulfillment(ctx context.Context, number string) (*order.Order, error)
}

// RateLimit is a per-user request budget.
type RateLimit struct {
	Max    int
	Window time.Duration
}

// HandlerConfig holds non-dependency configuration for the Handler.
type HandlerConfig struct {
	JWT          JWTConfig
	APIKeyPepper []byte
	// NotifyPath is the processor notification route below /api/v1.
	NotifyPath  string
	BasketLimit RateLimit
	OrderLimit  RateLimit
}

// Handler serves the checkout API.
type Handler struct {
	svc      Service
	jwt      *JWTAuthenticator
	security *SecurityHandler
	cfg      HandlerConfig
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(cfg HandlerConfig, svc Service, apikeys auth.Repository) *Handler {
	if cfg.NotifyPath == "" {
		cfg.NotifyPath = "/payment/cybersource/notify"
	}
	return &Handler{
		svc:      svc,
		jwt:      NewJWTAuthenticator(cfg.JWT),
		security: NewSecurityHandler(apikeys, cfg.APIKeyPepper),
		cfg:      cfg,
	}
}

// Router builds the API routes. Rate limiter state is evicted until ctx is
// cancelled.
func (h *Handler) Router(ctx context.Context) http.Handler {
	basketLimit := userLimit(ctx, h.cfg.BasketLimit)
	orderLimit := userLimit(ctx, h.cfg.OrderLimit)

	r := chi.NewRouter()
	r.Use(middleware.StripSlashes)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.jwt.Middleware)
			r.With(basketLimit).Post("/baskets", h.CreateBasket)
			r.With(orderLimit).Get("/orders", h.ListOrders)
			r.With(orderLimit).Get("/orders/{number}", h.GetOrder)
		})
		r.With(h.security.RequireScope(auth.ScopeFulfillOrders)).
			Put("/orders/{number}/fulfill", h.FulfillOrder)
		r.Post(h.cfg.NotifyPath, h.Notify)
	})
	return r
}

func userLimit(ctx context.Context, l RateLimit) func(http.Handler) http.Handler {
	if l.Max <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
		Max:    l.Max,
		Window: l.Window,
		KeyFunc: func(r *http.Request) string {
			u, _ := auth.UserFrom(r.Context())
			return u.Username
		},
	})
}
