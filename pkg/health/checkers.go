package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// Pinger is implemented by connection pools such as *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck reports unhealthy when p cannot be pinged.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		return errors.Wrap(p.Ping(ctx), "ping")
	}
}

// RedisCheck reports unhealthy when the Redis server does not answer PING.
func RedisCheck(c redis.UniversalClient) CheckFunc {
	return func(ctx context.Context) error {
		return errors.Wrap(c.Ping(ctx).Err(), "redis ping")
	}
}

// GoroutineCountCheck reports unhealthy when more than threshold goroutines
// are running, which usually means a leak.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}
