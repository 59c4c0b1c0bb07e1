package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/carepoint/dispensary/internal/domain/dispense"
	"github.com/carepoint/dispensary/internal/domain/prescription"
)

func newClient(t *testing.T, serverURL string) *HTTPClient {
	t.Helper()
	c, err := NewHTTPClient(ClientConfig{BaseURL: serverURL, APIKey: "test-key"}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestReplaySuccess(t *testing.T) {
	actionID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/dispense" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Error("api key header not sent")
		}

		var req dispense.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.IdempotencyKey == "" {
			t.Error("idempotency key missing from replay body")
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(dispense.Result{
			ActionID:           actionID,
			InvoiceID:          uuid.New(),
			PrescriptionStatus: prescription.StatusCompleted,
			DispensedCents:     1500,
		})
	}))
	defer srv.Close()

	result, err := newClient(t, srv.URL).Replay(context.Background(), &dispense.Request{
		PrescriptionID: uuid.New(),
		PharmacistID:   uuid.New(),
		IdempotencyKey: uuid.New().String(),
		Items:          []dispense.RequestItem{{MedicineID: uuid.New(), Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.ActionID != actionID {
		t.Errorf("action id %s, want %s", result.ActionID, actionID)
	}
	if result.DispensedCents != 1500 {
		t.Errorf("dispensed cents = %d, want 1500", result.DispensedCents)
	}
}

func TestReplayValidationRejectionIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":       "requested 5 but only 2 in stock",
			"code":        dispense.CodeInsufficientStock,
			"medicine_id": uuid.New().String(),
			"available":   2,
		})
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).Replay(context.Background(), &dispense.Request{
		PrescriptionID: uuid.New(),
		PharmacistID:   uuid.New(),
		Items:          []dispense.RequestItem{{MedicineID: uuid.New(), Quantity: 5}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsTerminal(err) {
		t.Errorf("validation rejection not classified terminal: %v", err)
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error type %T, want *ValidationError", err)
	}
	if verr.Code != dispense.CodeInsufficientStock {
		t.Errorf("code = %s, want %s", verr.Code, dispense.CodeInsufficientStock)
	}
	if verr.Available != 2 {
		t.Errorf("available = %d, want 2", verr.Available)
	}
}

func TestReplayServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).Replay(context.Background(), &dispense.Request{
		PrescriptionID: uuid.New(),
		PharmacistID:   uuid.New(),
		Items:          []dispense.RequestItem{{MedicineID: uuid.New(), Quantity: 1}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTerminal(err) {
		t.Errorf("server error wrongly classified terminal: %v", err)
	}
}

func TestReplayUnknownCodeIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"invalid API key"}`))
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).Replay(context.Background(), &dispense.Request{
		PrescriptionID: uuid.New(),
		PharmacistID:   uuid.New(),
		Items:          []dispense.RequestItem{{MedicineID: uuid.New(), Quantity: 1}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	// An auth problem is an agent configuration issue, not stale queue
	// state; the entry must stay retriable.
	if IsTerminal(err) {
		t.Errorf("auth failure wrongly classified terminal: %v", err)
	}
}
