package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carepoint/dispensary/internal/api/middleware"
	"github.com/carepoint/dispensary/internal/domain/billing"
)

// BillingHandler handles invoice endpoints.
type BillingHandler struct {
	repo   *billing.Repository
	logger *zap.Logger
}

// NewBillingHandler creates the handler.
func NewBillingHandler(repo *billing.Repository, logger *zap.Logger) *BillingHandler {
	return &BillingHandler{repo: repo, logger: logger}
}

// Routes returns routes mounted under /invoices.
func (h *BillingHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}", h.Get)
	r.Post("/{id}/pay", h.Pay)
	r.Post("/{id}/cancel", h.Cancel)
	return r
}

// PatientRoutes returns routes mounted under /patients.
func (h *BillingHandler) PatientRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{patientID}/invoices", h.ListByPatient)
	return r
}

// Get handles GET /invoices/{id}.
func (h *BillingHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}

	inv, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// ListByPatient handles GET /patients/{patientID}/invoices.
func (h *BillingHandler) ListByPatient(w http.ResponseWriter, r *http.Request) {
	patientID, err := uuid.Parse(chi.URLParam(r, "patientID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid patient id"})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	invoices, err := h.repo.ListByPatient(r.Context(), patientID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invoices)
}

// Pay handles POST /invoices/{id}/pay.
func (h *BillingHandler) Pay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}

	if err := h.repo.MarkPaid(ctx, id); err != nil {
		writeDomainError(w, err)
		return
	}

	h.logger.Info("invoice paid",
		zap.String("invoice_id", id.String()),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	inv, err := h.repo.GetByID(ctx, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// Cancel handles POST /invoices/{id}/cancel.
func (h *BillingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}

	if err := h.repo.Cancel(ctx, id); err != nil {
		writeDomainError(w, err)
		return
	}

	h.logger.Info("invoice cancelled",
		zap.String("invoice_id", id.String()),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	inv, err := h.repo.GetByID(ctx, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *BillingHandler) invoiceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid invoice id"})
		return uuid.Nil, false
	}
	return id, true
}
