package lock

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/fulfillment"
)

// Redis lease defaults.
const (
	DefaultTTL          = 30 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
)

// Compare-and-delete and compare-and-extend keep a holder from touching a
// lease that expired and was taken by someone else.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisConfig tunes a Redis locker.
type RedisConfig struct {
	// Prefix is prepended to every key.
	Prefix string
	// TTL is the lease duration. Held leases are extended every TTL/3.
	TTL time.Duration
	// PollInterval is the delay between acquisition attempts.
	PollInterval time.Duration
}

// Redis is a lease lock shared by every process using the same Redis.
type Redis struct {
	client redis.UniversalClient
	cfg    RedisConfig
}

var _ fulfillment.LeaseLocker = (*Redis)(nil)

// NewRedis returns a Redis locker using client.
func NewRedis(client redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Redis{client: client, cfg: cfg}
}

// Lock implements fulfillment.Locker. It polls until the lease is free or
// ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	_, unlock, err := r.LockLease(ctx, key)
	return unlock, err
}

// LockLease implements fulfillment.LeaseLocker. The returned channel is
// closed when the lease is taken over or could not be extended for a full
// TTL.
func (r *Redis) LockLease(ctx context.Context, key string) (<-chan struct{}, func(), error) {
	key = r.cfg.Prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.cfg.TTL).Result()
		if err != nil {
			return nil, nil, errors.Wrapf(err, "acquire lease %q", key)
		}
		if ok {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, nil, errors.Wrapf(ctx.Err(), "wait for lease %q", key)
		}
	}

	lg := zctx.From(ctx).With(zap.String("lease", key))
	bg := context.WithoutCancel(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})
	lost := make(chan struct{})
	go func() {
		defer close(done)
		if !r.keepAlive(bg, lg, key, token, stop) {
			close(lost)
		}
	}()

	var once sync.Once
	return lost, func() {
		once.Do(func() {
			close(stop)
			<-done
			if err := releaseScript.Run(bg, r.client, []string{key}, token).Err(); err != nil {
				lg.Error("Release lease", zap.Error(err))
			}
		})
	}, nil
}

// keepAlive extends the lease until stop is closed. It returns false when
// the lease is lost.
func (r *Redis) keepAlive(ctx context.Context, lg *zap.Logger, key, token string, stop <-chan struct{}) bool {
	ticker := time.NewTicker(r.cfg.TTL / 3)
	defer ticker.Stop()
	extended := time.Now()
	for {
		select {
		case <-stop:
			return true
		case <-ticker.C:
			n, err := extendScript.Run(ctx, r.client, []string{key}, token, r.cfg.TTL.Milliseconds()).Int()
			if err != nil {
				if time.Since(extended) >= r.cfg.TTL {
					lg.Error("Lease expired while unreachable", zap.Error(err))
					return false
				}
				lg.Warn("Extend lease", zap.Error(err))
				continue
			}
			if n == 0 {
				lg.Error("Lease lost")
				return false
			}
			extended = time.Now()
		}
	}
}
