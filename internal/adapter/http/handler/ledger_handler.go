package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/iho/sagaledger/internal/adapter/http/dto"
	"github.com/iho/sagaledger/internal/usecase"
)

// ConsistencyChecker runs the ledger-wide zero-sum check.
type ConsistencyChecker interface {
	CheckConsistency(ctx context.Context) (bool, error)
}

// LedgerHandler handles ledger-wide operations.
type LedgerHandler struct {
	ledgerUC ConsistencyChecker
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(ledgerUC ConsistencyChecker) *LedgerHandler {
	return &LedgerHandler{ledgerUC: ledgerUC}
}

// CheckConsistency checks if the ledger is consistent.
func (h *LedgerHandler) CheckConsistency(w http.ResponseWriter, r *http.Request) {
	consistent, err := h.ledgerUC.CheckConsistency(r.Context())
	if err != nil {
		if errors.Is(err, usecase.ErrInconsistentLedger) {
			writeJSON(w, http.StatusConflict, dto.ConsistencyResponse{
				Status:  "inconsistent",
				Message: err.Error(),
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to check consistency", "")
		return
	}

	writeJSON(w, http.StatusOK, dto.ConsistencyResponse{
		Status:     "consistent",
		Consistent: consistent,
	})
}
