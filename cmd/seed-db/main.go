package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/auth"
	"github.com/xenking/storefront-checkout/internal/domain/product"
	"github.com/xenking/storefront-checkout/internal/handler"
	"github.com/xenking/storefront-checkout/internal/storage/postgres"
)

type options struct {
	databaseURL  string
	courseKey    string
	currency     string
	paidPrice    string
	apiKey       string
	apiKeyPepper string
}

func main() {
	var opts options

	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.courseKey, "course-key", "course-v1:Demo+DX101+2024", "course key of the demo seats")
	flag.StringVar(&opts.currency, "currency", "USD", "currency of the demo seats")
	flag.StringVar(&opts.paidPrice, "paid-price", "49.00", "price of the verified demo seat")
	flag.StringVar(&opts.apiKey, "api-key", "", "operator API key to seed (or CHECKOUT_SEED_API_KEY env)")
	flag.StringVar(&opts.apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or CHECKOUT_API_KEY_PEPPER env)")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if opts.apiKey == "" {
		opts.apiKey = os.Getenv("CHECKOUT_SEED_API_KEY")
	}
	if opts.apiKey == "" {
		slog.Error("API key is required: set --api-key or CHECKOUT_SEED_API_KEY")
		os.Exit(1)
	}
	if opts.apiKeyPepper == "" {
		opts.apiKeyPepper = os.Getenv("CHECKOUT_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, opts options) error {
	price, err := decimal.NewFromString(opts.paidPrice)
	if err != nil {
		return errors.Wrap(err, "parse paid price")
	}

	slog.Info("running migrations")
	if err := postgres.RunMigrations(opts.databaseURL); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	db := postgres.New(pool)
	return db.InTx(ctx, func(ctx context.Context) error {
		if err := seedProducts(ctx, postgres.NewProductRepository(db), opts, price); err != nil {
			return errors.Wrap(err, "seed products")
		}
		if err := seedAPIKey(ctx, postgres.NewAPIKeyRepository(db), opts); err != nil {
			return errors.Wrap(err, "seed api key")
		}
		return nil
	})
}

func seedProducts(ctx context.Context, repo *postgres.ProductRepository, opts options, paid decimal.Decimal) error {
	free := decimal.Zero
	products := []*product.Product{
		{
			SKU:      "SEAT-AUDIT",
			Title:    "Seat in Demo course with audit certificate",
			Class:    product.ClassSeat,
			Price:    &free,
			Currency: opts.currency,
			Attributes: map[string]string{
				product.AttrCourseKey:       opts.courseKey,
				product.AttrCertificateType: "audit",
			},
		},
		{
			SKU:      "SEAT-VERIFIED",
			Title:    "Seat in Demo course with verified certificate",
			Class:    product.ClassSeat,
			Price:    &paid,
			Currency: opts.currency,
			Attributes: map[string]string{
				product.AttrCourseKey:       opts.courseKey,
				product.AttrCertificateType: "verified",
			},
		},
	}

	for _, p := range products {
		if err := repo.Upsert(ctx, p); err != nil {
			return err
		}
		slog.Info("upserted product",
			slog.String("sku", p.SKU),
			slog.String("price", p.Price.StringFixed(2)),
		)
	}
	return nil
}

func seedAPIKey(ctx context.Context, repo *postgres.APIKeyRepository, opts options) error {
	key := &auth.APIKey{
		KeyHash: handler.HashAPIKey([]byte(opts.apiKeyPepper), opts.apiKey),
		Name:    "operator",
		Scopes:  []string{auth.ScopeFulfillOrders},
	}
	if err := repo.Upsert(ctx, key); err != nil {
		return err
	}
	slog.Info("upserted API key", slog.Int64("id", key.ID), slog.String("name", key.Name))
	return nil
}
