//go:build integration

package lock

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var redisClient *redis.Client

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start redis: %v\n", err)
		return 1
	}
	defer func() { _ = container.Terminate(context.Background()) }()

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis endpoint: %v\n", err)
		return 1
	}
	redisClient = redis.NewClient(&redis.Options{Addr: endpoint})
	defer func() { _ = redisClient.Close() }()

	return m.Run()
}

func TestRedis_MutualExclusion(t *testing.T) {
	l := NewRedis(redisClient, RedisConfig{Prefix: "test:", PollInterval: 5 * time.Millisecond})

	var (
		inside  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "order:1")
			if !assert.NoError(t, err) {
				return
			}
			if inside.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(10 * time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load())
	n, err := redisClient.Exists(context.Background(), "test:order:1").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedis_LeaseIsExtended(t *testing.T) {
	ctx := context.Background()
	l := NewRedis(redisClient, RedisConfig{Prefix: "test:", TTL: 150 * time.Millisecond})

	unlock, err := l.Lock(ctx, "order:2")
	require.NoError(t, err)

	time.Sleep(400 * time.Millisecond)
	n, err := redisClient.Exists(ctx, "test:order:2").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "order:2")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock, err = l.Lock(ctx, "order:2")
	require.NoError(t, err)
	unlock()
}

func TestRedis_ReleaseKeepsForeignLease(t *testing.T) {
	ctx := context.Background()
	l := NewRedis(redisClient, RedisConfig{Prefix: "test:"})

	unlock, err := l.Lock(ctx, "order:3")
	require.NoError(t, err)

	// Simulate expiry and takeover by another holder.
	require.NoError(t, redisClient.Set(ctx, "test:order:3", "someone-else", time.Minute).Err())
	unlock()

	got, err := redisClient.Get(ctx, "test:order:3").Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedis_LostLeaseIsReported(t *testing.T) {
	ctx := context.Background()
	l := NewRedis(redisClient, RedisConfig{Prefix: "test:", TTL: 150 * time.Millisecond})

	lost, unlock, err := l.LockLease(ctx, "order:4")
	require.NoError(t, err)
	defer unlock()

	select {
	case <-lost:
		t.Fatal("lease reported lost while held")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, redisClient.Set(ctx, "test:order:4", "someone-else", time.Minute).Err())

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("lost lease was not reported")
	}
}
