// Package handlers provides HTTP handlers for the dispense API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/carepoint/dispensary/internal/domain/billing"
	"github.com/carepoint/dispensary/internal/domain/dispense"
	"github.com/carepoint/dispensary/internal/domain/prescription"
	"github.com/carepoint/dispensary/internal/domain/stock"
	"github.com/carepoint/dispensary/pkg/idempotency"
)

// ErrorResponse is the wire shape for every API error.
type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	MedicineID string `json:"medicine_id,omitempty"`
	Available  *int   `json:"available,omitempty"`
	Remaining  *int   `json:"remaining,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, resp ErrorResponse) {
	writeJSON(w, status, resp)
}

// writeDomainError maps a domain failure onto status and wire code.
func writeDomainError(w http.ResponseWriter, err error) {
	var lineQty *dispense.LineQuantityError
	var lineNotFound *dispense.LineNotFoundError
	var stockErr *dispense.InsufficientStockError
	var replayFailed *idempotency.PermanentFailureError

	switch {
	case errors.Is(err, dispense.ErrPrescriptionNotFound),
		errors.Is(err, prescription.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrorResponse{
			Error: "prescription not found",
			Code:  dispense.CodePrescriptionNotFound,
		})

	case errors.Is(err, dispense.ErrPrescriptionCompleted):
		writeError(w, http.StatusConflict, ErrorResponse{
			Error: err.Error(),
			Code:  dispense.CodePrescriptionCompleted,
		})

	case errors.Is(err, dispense.ErrInvalidQuantity):
		writeError(w, http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  dispense.CodeInvalidQuantity,
		})

	case errors.As(err, &lineNotFound):
		writeError(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:      err.Error(),
			Code:       dispense.CodeLineNotFound,
			MedicineID: lineNotFound.MedicineID.String(),
		})

	case errors.As(err, &lineQty):
		writeError(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:      err.Error(),
			Code:       dispense.CodeLineQuantityExceeded,
			MedicineID: lineQty.MedicineID.String(),
			Remaining:  &lineQty.Remaining,
		})

	case errors.As(err, &stockErr):
		writeError(w, http.StatusConflict, ErrorResponse{
			Error:      err.Error(),
			Code:       dispense.CodeInsufficientStock,
			MedicineID: stockErr.MedicineID.String(),
			Available:  &stockErr.Available,
		})

	case errors.As(err, &replayFailed):
		writeError(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: err.Error(),
			Code:  dispense.CodeReplayFailed,
		})

	case errors.Is(err, idempotency.ErrInProgress):
		writeError(w, http.StatusConflict, ErrorResponse{
			Error: err.Error(),
			Code:  "replay_in_progress",
		})

	case errors.Is(err, stock.ErrMedicineNotFound):
		writeError(w, http.StatusNotFound, ErrorResponse{
			Error: "medicine not found",
			Code:  "medicine_not_found",
		})

	case errors.Is(err, stock.ErrStockUnderflow):
		writeError(w, http.StatusConflict, ErrorResponse{
			Error: err.Error(),
			Code:  "stock_underflow",
		})

	case errors.Is(err, billing.ErrInvoiceNotFound):
		writeError(w, http.StatusNotFound, ErrorResponse{
			Error: "invoice not found",
			Code:  "invoice_not_found",
		})

	case errors.Is(err, billing.ErrInvalidTransition):
		writeError(w, http.StatusConflict, ErrorResponse{
			Error: err.Error(),
			Code:  "invalid_payment_transition",
		})

	default:
		writeError(w, http.StatusInternalServerError, ErrorResponse{
			Error: "internal server error",
		})
	}
}
