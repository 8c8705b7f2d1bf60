package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/jx"
)

// RateLimitConfig configures the sliding window rate limiter.
type RateLimitConfig struct {
	// Max is the number of requests allowed per window.
	Max    int
	Window time.Duration
	// KeyFunc extracts the rate limit key from a request. Requests for which
	// it returns "" are keyed by client IP, as are all requests when KeyFunc
	// is nil.
	KeyFunc func(*http.Request) string
}

// window counts requests in the current and the previous fixed window.
type window struct {
	prev      float64
	curr      float64
	currStart time.Time
}

type rateLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	windows map[string]*window
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	return &rateLimiter{
		cfg:     cfg,
		windows: make(map[string]*window),
	}
}

func (rl *rateLimiter) key(r *http.Request) string {
	if rl.cfg.KeyFunc != nil {
		if k := rl.cfg.KeyFunc(r); k != "" {
			return "k:" + k
		}
	}
	return "ip:" + clientIP(r)
}

// allow records a request for key if the weighted count of the sliding
// window is below Max.
func (rl *rateLimiter) allow(key string, now time.Time) (remaining int, resetAt time.Time, ok bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	size := rl.cfg.Window
	start := now.Truncate(size)

	w, found := rl.windows[key]
	switch {
	case !found:
		w = &window{currStart: start}
		rl.windows[key] = w
	case start.Sub(w.currStart) >= 2*size:
		w.prev, w.curr, w.currStart = 0, 0, start
	case start.Sub(w.currStart) >= size:
		w.prev, w.curr, w.currStart = w.curr, 0, start
	}

	overlap := 1 - float64(now.Sub(w.currStart))/float64(size)
	count := w.prev*math.Max(overlap, 0) + w.curr
	resetAt = w.currStart.Add(size)

	if count >= float64(rl.cfg.Max) {
		return 0, resetAt, false
	}
	w.curr++
	return max(rl.cfg.Max-int(math.Ceil(count+1)), 0), resetAt, true
}

// evict drops windows that can no longer affect a decision.
func (rl *rateLimiter) evict(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, w := range rl.windows {
		if now.Sub(w.currStart) >= 2*rl.cfg.Window {
			delete(rl.windows, key)
		}
	}
}

// RateLimit returns a middleware enforcing a per-key sliding window limit.
// Rejected requests get 429 with a JSON body. Every response carries the
// X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset headers.
func RateLimit(cfg RateLimitConfig) Middleware {
	return newRateLimiter(cfg).middleware
}

// RateLimitWithCleanup is RateLimit with a background goroutine that evicts
// stale keys until ctx is cancelled.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	rl := newRateLimiter(cfg)
	go func() {
		ticker := time.NewTicker(2 * cfg.Window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				rl.evict(now)
			}
		}
	}()
	return rl.middleware
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		remaining, resetAt, ok := rl.allow(rl.key(r), now)

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.Max))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !ok {
			retryAfter := max(resetAt.Sub(now), 0)
			h.Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))

			var e jx.Encoder
			e.ObjStart()
			e.FieldStart("code")
			e.Str("rate_limited")
			e.FieldStart("message")
			e.Str("rate limit exceeded")
			e.ObjEnd()

			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write(e.Bytes())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
