package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/iho/sagaledger/internal/adapter/http/dto"
	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/usecase"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
	maxBodyBytes    = 1 << 20
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, dto.ErrorResponse{
		Error:   message,
		Message: details,
	})
}

// writeDomainError writes err with the status mapDomainError picks for it.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	status := mapDomainError(err)
	if status == http.StatusInternalServerError {
		writeError(w, status, message, "")
		return
	}
	writeError(w, status, message, err.Error())
}

// decode reads a JSON body into req and runs its validation tags. It writes
// the 400 response itself and reports false on failure.
func decode(w http.ResponseWriter, r *http.Request, req any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}

	if fields := dto.Validate(req); fields != nil {
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{
			Error:  "validation failed",
			Fields: fields,
		})
		return false
	}
	return true
}

// actorFrom returns the caller resolved by the actor middleware.
func actorFrom(r *http.Request) domain.Actor {
	actor, _ := domain.ActorFromContext(r.Context())
	return actor
}

// mapDomainError maps domain errors to HTTP status codes.
func mapDomainError(err error) int {
	switch {
	case errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrEntryNotFound),
		errors.Is(err, domain.ErrSagaNotFound),
		errors.Is(err, domain.ErrEventNotFound),
		errors.Is(err, domain.ErrUnknownSaga):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrMissingActor):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrImmutabilityViolation),
		errors.Is(err, domain.ErrAlreadyReversed),
		errors.Is(err, domain.ErrAlreadyVoided),
		errors.Is(err, domain.ErrVoidedEntry),
		errors.Is(err, domain.ErrBalanceConflict),
		errors.Is(err, domain.ErrSagaConflict),
		errors.Is(err, usecase.ErrInconsistentLedger):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrTrustNegativeViolation),
		errors.Is(err, domain.ErrAuthorizationRequired),
		errors.Is(err, domain.ErrNoSweepItems):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrUnbalancedEntry),
		errors.Is(err, domain.ErrZeroAmountPosting),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrUnknownSweepType),
		errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultValue int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return i
}

// pageParams reads limit and offset, clamped to sane bounds.
func pageParams(r *http.Request) (limit, offset int) {
	limit = parseIntQuery(r, "limit", defaultPageSize)
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset = parseIntQuery(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
