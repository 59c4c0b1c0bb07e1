package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carepoint/dispensary/internal/domain/prescription"
)

// PrescriptionHandler handles prescription intake and lookup.
type PrescriptionHandler struct {
	repo   *prescription.Repository
	logger *zap.Logger
}

// NewPrescriptionHandler creates the handler.
func NewPrescriptionHandler(repo *prescription.Repository, logger *zap.Logger) *PrescriptionHandler {
	return &PrescriptionHandler{repo: repo, logger: logger}
}

// Routes returns routes mounted under /prescriptions.
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	return r
}

// CreatePrescriptionRequest is the body for registering a prescription.
type CreatePrescriptionRequest struct {
	PatientID uuid.UUID `json:"patient_id"`
	Lines     []struct {
		MedicineID    uuid.UUID `json:"medicine_id"`
		PrescribedQty int       `json:"prescribed_qty"`
	} `json:"lines"`
}

// Create handles POST /prescriptions.
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreatePrescriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.PatientID == uuid.Nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "patient_id is required"})
		return
	}
	if len(req.Lines) == 0 {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "at least one line is required"})
		return
	}

	p := &prescription.Prescription{PatientID: req.PatientID}
	seen := make(map[uuid.UUID]struct{}, len(req.Lines))
	for _, l := range req.Lines {
		if l.PrescribedQty <= 0 {
			writeError(w, http.StatusBadRequest, ErrorResponse{
				Error:      "prescribed_qty must be positive",
				MedicineID: l.MedicineID.String(),
			})
			return
		}
		if _, dup := seen[l.MedicineID]; dup {
			writeError(w, http.StatusBadRequest, ErrorResponse{
				Error:      "duplicate medicine line",
				MedicineID: l.MedicineID.String(),
			})
			return
		}
		seen[l.MedicineID] = struct{}{}
		p.Lines = append(p.Lines, &prescription.Line{
			MedicineID:    l.MedicineID,
			PrescribedQty: l.PrescribedQty,
		})
	}

	if err := h.repo.Create(ctx, p); err != nil {
		h.logger.Error("create prescription failed", zap.Error(err))
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

// Get handles GET /prescriptions/{id}.
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid prescription id"})
		return
	}

	p, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
