// Package app wires the checkout API server.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/checkout"
	"github.com/xenking/storefront-checkout/internal/domain/basket"
	"github.com/xenking/storefront-checkout/internal/domain/fulfillment"
	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/payment"
	"github.com/xenking/storefront-checkout/internal/domain/pricing"
	"github.com/xenking/storefront-checkout/internal/domain/product"
	"github.com/xenking/storefront-checkout/internal/fulfillment/enrollment"
	"github.com/xenking/storefront-checkout/internal/handler"
	"github.com/xenking/storefront-checkout/internal/payment/cybersource"
	"github.com/xenking/storefront-checkout/pkg/health"
	"github.com/xenking/storefront-checkout/pkg/httpmiddleware"
)

const (
	serviceName      = "storefront-checkout"
	readinessTimeout = 5 * time.Second
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage),
		zap.String("lock", cfg.Fulfillment.Lock),
		zap.String("processor", cfg.Payment.Processor),
	)

	healthSvc := health.New()
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Storage: PostgreSQL pool + migrations, or the in-memory store.
	st, err := openStorage(ctx, lg, cfg, healthSvc)
	if err != nil {
		return err
	}
	defer st.close()

	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		if rdb, err = newRedis(cfg.Redis); err != nil {
			return errors.Wrap(err, "create redis client")
		}
		defer func() { _ = rdb.Close() }()
		healthSvc.AddReadinessCheck("redis", readinessTimeout, health.RedisCheck(rdb))
	}

	locker, err := newLocker(cfg, st, rdb)
	if err != nil {
		return errors.Wrap(err, "create order locker")
	}

	processor, err := newProcessor(cfg.Payment)
	if err != nil {
		return errors.Wrap(err, "create payment processor")
	}

	tracer := m.TracerProvider().Tracer(serviceName)
	meter := m.MeterProvider().Meter(serviceName)

	// Fulfillment modules and engine.
	modules := []fulfillment.Module{
		enrollment.New(enrollment.Config{
			APIURL:  cfg.Enrollment.APIURL,
			APIKey:  cfg.Enrollment.APIKey,
			Timeout: cfg.Enrollment.Timeout,
		}),
	}
	engine, err := fulfillment.NewEngine(st.tx, st.orders, locker, modules, fulfillment.Config{
		Timeout:     cfg.Fulfillment.Timeout,
		Concurrency: cfg.Fulfillment.Concurrency,
		Tracer:      tracer,
		Meter:       meter,
	})
	if err != nil {
		return errors.Wrap(err, "create fulfillment engine")
	}

	// Domain services.
	svc, err := checkout.NewService(checkout.Deps{
		Tx:          st.tx,
		Products:    st.products,
		Baskets:     basket.NewStore(st.tx, st.baskets, product.StockStrategy{}),
		Pricing:     pricing.NewEngine(pricing.Free{}),
		Numbers:     order.NewNumberGenerator(cfg.Orders.NumberPrefix, cfg.Orders.NumberOffset),
		Placement:   order.NewPlacementService(st.tx, st.orders),
		Orders:      st.orders,
		Payments:    payment.NewRecorder(st.payments),
		Processor:   processor,
		Fulfillment: engine,
		Tracer:      tracer,
		Meter:       meter,
	})
	if err != nil {
		return errors.Wrap(err, "create checkout service")
	}

	// HTTP handlers.
	h := handler.NewHandler(handler.HandlerConfig{
		JWT: handler.JWTConfig{
			Secret: []byte(cfg.JWT.Secret),
			Issuer: cfg.JWT.Issuer,
			Leeway: cfg.JWT.Leeway,
		},
		APIKeyPepper: []byte(cfg.APIKeyPepper),
		NotifyPath:   cfg.Payment.NotifyPath,
		BasketLimit:  handler.RateLimit(cfg.RateLimit.Baskets),
		OrderLimit:   handler.RateLimit(cfg.RateLimit.Orders),
	}, svc, st.apikeys)

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Mux: health endpoints + API routes on one server.
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/api/", h.Router(ctx))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.Fulfillment.Timeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Recovery(),
			httpmiddleware.Instrument(serviceName, m.TracerProvider(), m.MeterProvider()),
			httpmiddleware.LogRequests(),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// newProcessor resolves the configured payment processor once at startup.
func newProcessor(cfg PaymentConfig) (payment.Processor, error) {
	switch cfg.Processor {
	case cybersource.Name:
		return cybersource.New(cybersource.Config{
			ProfileID:      cfg.Cybersource.ProfileID,
			AccessKey:      cfg.Cybersource.AccessKey,
			SecretKey:      cfg.Cybersource.SecretKey,
			PaymentPageURL: cfg.Cybersource.PaymentPageURL,
			ReceiptPageURL: cfg.Cybersource.ReceiptPageURL,
			CancelPageURL:  cfg.Cybersource.CancelPageURL,
			Locale:         cfg.Cybersource.Locale,
		})
	default:
		return nil, errors.Errorf("unknown payment processor %q", cfg.Processor)
	}
}
