package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/carepoint/dispensary/internal/domain/billing"
	"github.com/carepoint/dispensary/internal/domain/dispense"
	"github.com/carepoint/dispensary/internal/domain/stock"
)

func TestWriteDomainError(t *testing.T) {
	medID := uuid.New()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"prescription not found", dispense.ErrPrescriptionNotFound,
			http.StatusNotFound, dispense.CodePrescriptionNotFound},
		{"prescription completed", dispense.ErrPrescriptionCompleted,
			http.StatusConflict, dispense.CodePrescriptionCompleted},
		{"invalid quantity", dispense.ErrInvalidQuantity,
			http.StatusBadRequest, dispense.CodeInvalidQuantity},
		{"line not found", &dispense.LineNotFoundError{MedicineID: medID},
			http.StatusUnprocessableEntity, dispense.CodeLineNotFound},
		{"line quantity exceeded", &dispense.LineQuantityError{MedicineID: medID, Requested: 5, Remaining: 2},
			http.StatusUnprocessableEntity, dispense.CodeLineQuantityExceeded},
		{"insufficient stock", &dispense.InsufficientStockError{MedicineID: medID, Requested: 5, Available: 1},
			http.StatusConflict, dispense.CodeInsufficientStock},
		{"medicine not found", stock.ErrMedicineNotFound,
			http.StatusNotFound, "medicine_not_found"},
		{"invoice not found", billing.ErrInvoiceNotFound,
			http.StatusNotFound, "invoice_not_found"},
		{"invalid payment transition", billing.ErrInvalidTransition,
			http.StatusConflict, "invalid_payment_transition"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeDomainError(rec, tt.err)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}

			var resp ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", resp.Code, tt.wantCode)
			}
			if resp.Error == "" {
				t.Error("error message empty")
			}
		})
	}
}

func TestInsufficientStockCarriesAvailable(t *testing.T) {
	rec := httptest.NewRecorder()
	writeDomainError(rec, &dispense.InsufficientStockError{
		MedicineID: uuid.New(), Requested: 10, Available: 3,
	})

	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.Available == nil || *resp.Available != 3 {
		t.Errorf("available = %v, want 3", resp.Available)
	}
	if resp.MedicineID == "" {
		t.Error("medicine_id missing")
	}
}
