package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iho/sagaledger/internal/adapter/http/dto"
	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/usecase"
)

// SweepPlanner validates a sweep request into its saga payload.
type SweepPlanner interface {
	NewPayload(ctx context.Context, req usecase.SweepRequest) (*domain.SweepPayload, error)
}

// SagaService defines the orchestrator behavior needed by SagaHandler.
type SagaService interface {
	StartSaga(ctx context.Context, input usecase.StartSagaInput) (string, error)
	Get(ctx context.Context, id string) (*domain.SagaState, error)
	List(ctx context.Context, filter domain.SagaFilter) ([]*domain.SagaState, error)
}

// EventLister lists the outbox events of a saga.
type EventLister interface {
	ListBySaga(ctx context.Context, sagaID string, limit, offset int) ([]*domain.OutboxEvent, error)
}

// AuditLister lists audit records.
type AuditLister interface {
	List(ctx context.Context, filter domain.AuditFilter) ([]*domain.AuditLog, error)
}

// SagaHandler starts sweeps and exposes saga state for operators.
type SagaHandler struct {
	planner SweepPlanner
	sagas   SagaService
	events  EventLister
	audit   AuditLister
}

// NewSagaHandler creates a new SagaHandler.
func NewSagaHandler(planner SweepPlanner, sagas SagaService, events EventLister, audit AuditLister) *SagaHandler {
	return &SagaHandler{planner: planner, sagas: sagas, events: events, audit: audit}
}

// StartSweep starts a fund sweep saga. The first step runs before the
// response is written, later steps run in the worker, so the saga is returned
// with 202.
func (h *SagaHandler) StartSweep(w http.ResponseWriter, r *http.Request) {
	var req dto.StartSweepRequest
	if !decode(w, r, &req) {
		return
	}

	actor := actorFrom(r)
	if err := domain.ValidateActor(actor); err != nil {
		writeDomainError(w, "failed to start sweep", err)
		return
	}

	payload, err := h.planner.NewPayload(r.Context(), req.ToSweepRequest(actor))
	if err != nil {
		writeDomainError(w, "invalid sweep", err)
		return
	}

	id, err := h.sagas.StartSaga(r.Context(), usecase.StartSagaInput{
		Name:           usecase.SagaNameFundSweep,
		OrganizationID: req.OrganizationID,
		Payload:        payload,
		Timeout:        req.Timeout(),
		Actor:          actor,
	})
	if err != nil {
		writeDomainError(w, "failed to start sweep", err)
		return
	}

	saga, err := h.sagas.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, "failed to load saga", err)
		return
	}

	writeJSON(w, http.StatusAccepted, dto.SagaFromDomain(saga))
}

// List lists sagas, optionally filtered by status and name.
func (h *SagaHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	status := domain.SagaStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status", string(status))
		return
	}

	sagas, err := h.sagas.List(r.Context(), domain.SagaFilter{
		Status: status,
		Name:   r.URL.Query().Get("name"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeDomainError(w, "failed to list sagas", err)
		return
	}

	writeJSON(w, http.StatusOK, dto.ListSagasResponse{
		Sagas:  dto.SagasFromDomain(sagas),
		Limit:  limit,
		Offset: offset,
	})
}

// Get retrieves a saga by ID.
func (h *SagaHandler) Get(w http.ResponseWriter, r *http.Request) {
	saga, err := h.sagas.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "failed to get saga", err)
		return
	}

	writeJSON(w, http.StatusOK, dto.SagaFromDomain(saga))
}

// Events lists the outbox events a saga emitted.
func (h *SagaHandler) Events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.sagas.Get(r.Context(), id); err != nil {
		writeDomainError(w, "failed to get saga", err)
		return
	}

	limit, offset := pageParams(r)
	events, err := h.events.ListBySaga(r.Context(), id, limit, offset)
	if err != nil {
		writeDomainError(w, "failed to list events", err)
		return
	}

	writeJSON(w, http.StatusOK, dto.EventsFromDomain(events))
}

// Audit returns the audit trail of a saga.
func (h *SagaHandler) Audit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.sagas.Get(r.Context(), id); err != nil {
		writeDomainError(w, "failed to get saga", err)
		return
	}

	limit, offset := pageParams(r)
	logs, err := h.audit.List(r.Context(), domain.AuditFilter{
		ResourceType: domain.ResourceTypeSaga,
		ResourceID:   id,
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		writeDomainError(w, "failed to list audit logs", err)
		return
	}

	writeJSON(w, http.StatusOK, dto.SagaAuditFromDomain(id, logs))
}
