package middleware

import (
	"net"
	"net/http"
	"strings"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/infrastructure/logging"
)

const (
	// ActorIDHeader names the principal performing the request.
	ActorIDHeader = "X-Actor-ID"
	// TraceIDHeader carries a caller supplied correlation id.
	TraceIDHeader = "X-Trace-ID"
)

// Actor resolves the calling principal from X-Actor-ID and the network
// origin from RemoteAddr, which chi's RealIP has already rewritten. Requests
// without an actor pass through; write paths reject them in the use cases.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if reqID := chimiddleware.GetReqID(ctx); reqID != "" {
			ctx = logging.WithRequestID(ctx, reqID)
		}
		if traceID := strings.TrimSpace(r.Header.Get(TraceIDHeader)); traceID != "" {
			ctx = logging.WithTraceID(ctx, traceID)
		}

		if id := strings.TrimSpace(r.Header.Get(ActorIDHeader)); id != "" {
			ctx = domain.WithActor(ctx, domain.Actor{ID: id, IP: clientIP(r)})
			ctx = logging.WithActorID(ctx, id)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIP strips the port from RemoteAddr when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
