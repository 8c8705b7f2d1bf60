package app

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/auth"
	"github.com/xenking/storefront-checkout/internal/domain/basket"
	"github.com/xenking/storefront-checkout/internal/domain/fulfillment"
	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/payment"
	"github.com/xenking/storefront-checkout/internal/domain/product"
	"github.com/xenking/storefront-checkout/internal/domain/txn"
	"github.com/xenking/storefront-checkout/internal/lock"
	"github.com/xenking/storefront-checkout/internal/storage/memory"
	"github.com/xenking/storefront-checkout/internal/storage/postgres"
	"github.com/xenking/storefront-checkout/pkg/health"
)

type orderStore interface {
	order.Repository
	fulfillment.Repository
}

// storage is the set of repositories of one backend.
type storage struct {
	tx       txn.Runner
	products product.Repository
	baskets  basket.Repository
	orders   orderStore
	payments payment.Repository
	apikeys  auth.Repository

	// db is nil for the memory backend.
	db    *postgres.DB
	close func()
}

func openStorage(ctx context.Context, lg *zap.Logger, cfg *Config, probes *health.Health) (*storage, error) {
	if cfg.Storage == StorageMemory {
		lg.Warn("Using in-memory storage, data is lost on restart")
		s := memory.New()
		return &storage{
			tx:       s,
			products: s.Products(),
			baskets:  s.Baskets(),
			orders:   s.Orders(),
			payments: s.Payments(),
			apikeys:  s.APIKeys(),
			close:    func() {},
		}, nil
	}

	if err := postgres.RunMigrations(cfg.DatabaseURL); err != nil {
		return nil, errors.Wrap(err, "run migrations")
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	probes.AddReadinessCheck("postgres", readinessTimeout, health.PingCheck(pool))

	db := postgres.New(pool)
	return &storage{
		tx:       db,
		products: postgres.NewProductRepository(db),
		baskets:  postgres.NewBasketRepository(db),
		orders:   postgres.NewOrderRepository(db),
		payments: postgres.NewPaymentRepository(db),
		apikeys:  postgres.NewAPIKeyRepository(db),
		db:       db,
		close:    pool.Close,
	}, nil
}

// newRedis accepts either a redis:// URL or a bare host:port.
func newRedis(cfg RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	if u, err := redis.ParseURL(cfg.Addr); err == nil {
		opts = u
		if cfg.Password != "" {
			opts.Password = cfg.Password
		}
	}
	if opts.Addr == "" {
		return nil, errors.New("redis address is empty")
	}
	return redis.NewClient(opts), nil
}

func newLocker(cfg *Config, st *storage, rdb redis.UniversalClient) (fulfillment.Locker, error) {
	switch cfg.Fulfillment.Lock {
	case LockLocal:
		return lock.NewLocal(), nil
	case LockPostgres:
		if st.db == nil {
			return nil, errors.New("postgres lock requires postgres storage")
		}
		return postgres.NewAdvisoryLocker(st.db), nil
	case LockRedis:
		if rdb == nil {
			return nil, errors.New("redis lock requires a redis address")
		}
		return lock.NewRedis(rdb, lock.RedisConfig{
			Prefix: "checkout:",
			TTL:    cfg.Fulfillment.LockTTL,
		}), nil
	default:
		return nil, errors.Errorf("unknown lock backend %q", cfg.Fulfillment.Lock)
	}
}
