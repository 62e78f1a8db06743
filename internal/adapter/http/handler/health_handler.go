package handler

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// Check probes one dependency and returns nil when it is usable.
type Check func(ctx context.Context) error

// HealthHandler handles health check requests.
type HealthHandler struct {
	checks  map[string]Check
	timeout time.Duration
}

// NewHealthHandler creates a HealthHandler probing checks on readiness.
// Backends that are not configured are simply left out of checks.
func NewHealthHandler(checks map[string]Check) *HealthHandler {
	return &HealthHandler{checks: checks, timeout: 5 * time.Second}
}

// Liveness returns 200 if the service is alive.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness returns 200 if the service is ready to accept traffic.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := map[string]string{"status": "ready"}
	status := http.StatusOK
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			resp[name] = err.Error()
			resp["status"] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp[name] = "ok"
	}

	writeJSON(w, status, resp)
}
