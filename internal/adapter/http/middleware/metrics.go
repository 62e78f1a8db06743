package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/iho/sagaledger/internal/infrastructure/metrics"
)

// Metrics records request counts and latencies. Requests are labeled with
// the chi route pattern so that ids do not inflate cardinality.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			// the pattern is only complete once routing has finished
			path := routePattern(r)
			if path == "" {
				path = "unmatched"
			}

			m.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
			m.HTTPDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}
