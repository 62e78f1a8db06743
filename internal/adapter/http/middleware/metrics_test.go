package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/iho/sagaledger/internal/infrastructure/metrics"
)

func TestMetricsMiddlewareLabelsByRoutePattern(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(Metrics(m))
	r.Get("/api/v1/sagas/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"s1", "s2", "s3"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/sagas/"+id, nil))
	}

	got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodGet, "/api/v1/sagas/{id}", "418"))
	if got != 3 {
		t.Fatalf("expected 3 requests under the route pattern, got %v", got)
	}
	if n := testutil.CollectAndCount(m.HTTPDuration); n != 1 {
		t.Fatalf("expected one duration series, got %d", n)
	}
}

func TestMetricsMiddlewareUnmatchedRoute(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(Metrics(m))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope/123", nil))

	got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodGet, "unmatched", "404"))
	if got != 1 {
		t.Fatalf("expected unmatched request to be counted once, got %v", got)
	}
}
