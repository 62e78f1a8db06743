package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iho/sagaledger/internal/adapter/http/dto"
	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/usecase"
)

// IdempotencyKeyHeader carries the caller's entry idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

// EntryService defines the behavior needed by EntryHandler.
type EntryService interface {
	CreateEntry(ctx context.Context, input usecase.CreateEntryInput) (*usecase.CreateEntryResult, error)
	GetEntry(ctx context.Context, id string) (*domain.JournalEntry, error)
	VerifyChain(ctx context.Context, id string) (*domain.ChainVerification, error)
	ReverseEntry(ctx context.Context, input usecase.ReverseEntryInput) (*domain.JournalEntry, error)
	VoidEntry(ctx context.Context, input usecase.VoidEntryInput) (*domain.JournalEntry, error)
	UpdateEntry(ctx context.Context, id string, patch domain.EntryPatch, actor domain.Actor) error
	DeleteEntry(ctx context.Context, id string, actor domain.Actor) error
}

// EntryHandler handles journal entry requests.
type EntryHandler struct {
	ledger EntryService
}

// NewEntryHandler creates a new EntryHandler.
func NewEntryHandler(ledger EntryService) *EntryHandler {
	return &EntryHandler{ledger: ledger}
}

// Create posts a journal entry. A repeated Idempotency-Key returns the
// original entry with 200 instead of 201.
func (h *EntryHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateEntryRequest
	if !decode(w, r, &req) {
		return
	}

	input := req.ToUseCaseInput(actorFrom(r), r.Header.Get(IdempotencyKeyHeader))
	result, err := h.ledger.CreateEntry(r.Context(), input)
	if err != nil {
		writeDomainError(w, "failed to create entry", err)
		return
	}

	resp := dto.EntryFromDomain(result.Entry)
	status := http.StatusCreated
	if result.Replayed {
		resp.Replayed = true
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// Get retrieves an entry by ID.
func (h *EntryHandler) Get(w http.ResponseWriter, r *http.Request) {
	entry, err := h.ledger.GetEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "failed to get entry", err)
		return
	}

	writeJSON(w, http.StatusOK, dto.EntryFromDomain(entry))
}

// Verify checks the entry's balance and reversal links.
func (h *EntryHandler) Verify(w http.ResponseWriter, r *http.Request) {
	result, err := h.ledger.VerifyChain(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "failed to verify entry", err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Reverse posts the negating entry of an existing one.
func (h *EntryHandler) Reverse(w http.ResponseWriter, r *http.Request) {
	var req dto.ReasonRequest
	if !decode(w, r, &req) {
		return
	}

	reversal, err := h.ledger.ReverseEntry(r.Context(), usecase.ReverseEntryInput{
		EntryID: chi.URLParam(r, "id"),
		Reason:  req.Reason,
		Actor:   actorFrom(r),
	})
	if err != nil {
		writeDomainError(w, "failed to reverse entry", err)
		return
	}

	writeJSON(w, http.StatusCreated, dto.EntryFromDomain(reversal))
}

// Void marks an entry voided without touching its postings.
func (h *EntryHandler) Void(w http.ResponseWriter, r *http.Request) {
	var req dto.ReasonRequest
	if !decode(w, r, &req) {
		return
	}

	entry, err := h.ledger.VoidEntry(r.Context(), usecase.VoidEntryInput{
		EntryID: chi.URLParam(r, "id"),
		Reason:  req.Reason,
		Actor:   actorFrom(r),
	})
	if err != nil {
		writeDomainError(w, "failed to void entry", err)
		return
	}

	writeJSON(w, http.StatusOK, dto.EntryFromDomain(entry))
}

// Update applies a patch. Every field of a posted entry is immutable except
// linking an unset reversed_by_entry_id to the entry that reverses it, so
// nearly all patches end in 409. Rejections are audited by the ledger.
func (h *EntryHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch domain.EntryPatch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.ledger.UpdateEntry(r.Context(), id, patch, actorFrom(r)); err != nil {
		writeDomainError(w, "entry cannot be modified", err)
		return
	}

	entry, err := h.ledger.GetEntry(r.Context(), id)
	if err != nil {
		writeDomainError(w, "failed to get entry", err)
		return
	}
	writeJSON(w, http.StatusOK, dto.EntryFromDomain(entry))
}

// Delete always fails: posted entries are immutable.
func (h *EntryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	err := h.ledger.DeleteEntry(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err == nil {
		err = domain.ErrImmutabilityViolation
	}
	writeDomainError(w, "entry cannot be deleted", err)
}
