package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/iho/sagaledger/internal/usecase"
)

const (
	// IdempotencyKeyHeader is the header name for idempotency keys.
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotencyReplayHeader marks a response served from the cache.
	IdempotencyReplayHeader = "X-Idempotency-Replay"
)

// IdempotencyStore is the response cache behind IdempotencyMiddleware.
type IdempotencyStore interface {
	usecase.IdempotencyStore
	// Release drops a key so that the request can be retried.
	Release(ctx context.Context, key string) error
}

// cachedResponse is what a completed request leaves behind under its key.
// Anything else stored under a key means the first request is still running.
type cachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// IdempotencyMiddleware replays the first successful response of a POST for
// every later request that carries the same Idempotency-Key.
type IdempotencyMiddleware struct {
	store  IdempotencyStore
	ttl    time.Duration
	logger zerolog.Logger
}

// NewIdempotencyMiddleware creates a new IdempotencyMiddleware.
func NewIdempotencyMiddleware(store IdempotencyStore, logger zerolog.Logger) *IdempotencyMiddleware {
	return &IdempotencyMiddleware{store: store, ttl: usecase.IdempotencyKeyTTL, logger: logger}
}

// Wrap wraps an http.Handler with idempotency checking.
func (m *IdempotencyMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only apply to mutating requests
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(IdempotencyKeyHeader)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		// the same key on two routes names two different operations
		key = r.URL.Path + "|" + key

		exists, value, err := m.store.CheckAndSet(r.Context(), key, nil, m.ttl)
		if err != nil {
			m.logger.Error().Err(err).Str("path", r.URL.Path).Msg("idempotency check failed")
			writeJSONError(w, http.StatusInternalServerError, "idempotency check failed")
			return
		}

		if exists {
			var cached cachedResponse
			if json.Unmarshal(value, &cached) != nil || cached.Status == 0 {
				writeJSONError(w, http.StatusConflict, "a request with this idempotency key is in progress")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(IdempotencyReplayHeader, "true")
			w.WriteHeader(cached.Status)
			w.Write(cached.Body)
			return
		}

		recorder := &responseRecorder{
			ResponseWriter: w,
			body:           &bytes.Buffer{},
			statusCode:     http.StatusOK,
		}
		next.ServeHTTP(recorder, r)

		// a failed attempt must not pin the key, the caller retries with it
		if recorder.statusCode < 200 || recorder.statusCode >= 300 {
			if err := m.store.Release(r.Context(), key); err != nil {
				m.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("failed to release idempotency key")
			}
			return
		}

		payload, err := json.Marshal(cachedResponse{Status: recorder.statusCode, Body: recorder.body.Bytes()})
		if err != nil {
			return
		}
		if err := m.store.Update(r.Context(), key, payload, m.ttl); err != nil {
			m.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("failed to cache idempotent response")
		}
	})
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
