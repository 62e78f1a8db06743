package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/iho/sagaledger/internal/infrastructure/metrics"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// RateLimiter implements per-IP rate limiting
type RateLimiter struct {
	limiters *xsync.MapOf[string, *clientLimiter]
	rate     rate.Limit
	burst    int
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewRateLimiter creates a new rate limiter
// rate: requests per second
// burst: max burst size
func NewRateLimiter(r float64, b int) *RateLimiter {
	return &RateLimiter{
		limiters: xsync.NewMapOf[string, *clientLimiter](),
		rate:     rate.Limit(r),
		burst:    b,
		now:      time.Now,
	}
}

// WithMetrics counts rejected requests per client.
func (rl *RateLimiter) WithMetrics(m *metrics.Metrics) *RateLimiter {
	rl.metrics = m
	return rl
}

// getLimiter returns a rate limiter for the given IP
func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	cl, _ := rl.limiters.LoadOrCompute(ip, func() *clientLimiter {
		return &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
	})
	cl.lastSeen.Store(rl.now().UnixNano())
	return cl.limiter
}

// Limit is a middleware that enforces rate limiting per IP. It must run
// after chi's RealIP so that RemoteAddr is the client address.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.getLimiter(ip).Allow() {
			if rl.metrics != nil {
				rl.metrics.RateLimitHits.WithLabelValues(ip).Inc()
			}
			w.Header().Set("Retry-After", strconv.Itoa(rl.retryAfter()))
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) retryAfter() int {
	if rl.rate <= 0 {
		return 1
	}
	secs := int(1 / float64(rl.rate))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// CleanupLimiters drops the limiters of clients idle for longer than maxIdle
// and returns how many were dropped.
func (rl *RateLimiter) CleanupLimiters(maxIdle time.Duration) int {
	cutoff := rl.now().Add(-maxIdle).UnixNano()
	dropped := 0
	rl.limiters.Range(func(ip string, cl *clientLimiter) bool {
		if cl.lastSeen.Load() < cutoff {
			rl.limiters.Delete(ip)
			dropped++
		}
		return true
	})
	return dropped
}

// RunCleanup calls CleanupLimiters every interval until ctx is done.
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.CleanupLimiters(maxIdle)
		}
	}
}
