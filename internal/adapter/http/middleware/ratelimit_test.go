package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/iho/sagaledger/internal/infrastructure/metrics"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_PerClient(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	rl := NewRateLimiter(1, 1).WithMetrics(m)
	h := rl.Limit(okHandler())

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := send("1.2.3.4:1000"); code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", code)
	}
	// a new source port is the same client
	if code := send("1.2.3.4:2000"); code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be throttled, got %d", code)
	}
	if code := send("5.6.7.8:1000"); code != http.StatusOK {
		t.Fatalf("expected other client to pass, got %d", code)
	}

	if got := testutil.ToFloat64(m.RateLimitHits.WithLabelValues("1.2.3.4")); got != 1 {
		t.Fatalf("expected one rate limit hit, got %v", got)
	}
}

func TestRateLimiter_CleanupDropsIdleClients(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(10, 10)
	rl.now = func() time.Time { return now }

	rl.getLimiter("idle")
	now = now.Add(2 * time.Hour)
	rl.getLimiter("active")

	if dropped := rl.CleanupLimiters(time.Hour); dropped != 1 {
		t.Fatalf("expected one idle limiter dropped, got %d", dropped)
	}
	if _, ok := rl.limiters.Load("idle"); ok {
		t.Fatalf("idle limiter still present")
	}
	if _, ok := rl.limiters.Load("active"); !ok {
		t.Fatalf("active limiter dropped")
	}
}
