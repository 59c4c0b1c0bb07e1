package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carepoint/dispensary/internal/api/middleware"
	"github.com/carepoint/dispensary/internal/domain/stock"
	"github.com/carepoint/dispensary/internal/observability/metrics"
)

// StockHandler handles medicine catalog and stock ledger endpoints.
type StockHandler struct {
	ledger  *stock.Ledger
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewStockHandler creates the handler.
func NewStockHandler(ledger *stock.Ledger, m *metrics.Metrics, logger *zap.Logger) *StockHandler {
	return &StockHandler{ledger: ledger, metrics: m, logger: logger}
}

// Routes returns routes mounted under /stock.
func (h *StockHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/verify", h.Verify)
	r.Get("/{medicineID}", h.Get)
	r.Get("/{medicineID}/transactions", h.Transactions)
	r.Post("/{medicineID}/restock", h.Restock)
	r.Post("/{medicineID}/adjust", h.Adjust)
	return r
}

// MedicineRoutes returns routes mounted under /medicines.
func (h *StockHandler) MedicineRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.CreateMedicine)
	return r
}

// CreateMedicineRequest is the body for registering a medicine.
type CreateMedicineRequest struct {
	Name           string `json:"name"`
	InitialStock   int    `json:"initial_stock"`
	MinStock       int    `json:"min_stock"`
	MaxStock       int    `json:"max_stock"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// CreateMedicine handles POST /medicines.
func (h *StockHandler) CreateMedicine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateMedicineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "name is required"})
		return
	}
	if req.InitialStock < 0 {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "initial_stock must not be negative"})
		return
	}

	med := &stock.Medicine{
		ID:             uuid.New(),
		Name:           req.Name,
		MinStock:       req.MinStock,
		MaxStock:       req.MaxStock,
		UnitPriceCents: req.UnitPriceCents,
	}

	actor := middleware.GetClientID(ctx)
	if err := h.ledger.CreateMedicine(ctx, med, req.InitialStock, actor); err != nil {
		h.logger.Error("create medicine failed", zap.Error(err))
		writeDomainError(w, err)
		return
	}

	h.logger.Info("medicine registered",
		zap.String("medicine_id", med.ID.String()),
		zap.String("name", med.Name),
		zap.Int("initial_stock", req.InitialStock))

	writeJSON(w, http.StatusCreated, med)
}

// Get handles GET /stock/{medicineID}.
func (h *StockHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.medicineID(w, r)
	if !ok {
		return
	}

	med, err := h.ledger.GetMedicine(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, med)
}

// Transactions handles GET /stock/{medicineID}/transactions.
func (h *StockHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.medicineID(w, r)
	if !ok {
		return
	}

	txs, err := h.ledger.Transactions(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// RestockRequest is the body for a restock.
type RestockRequest struct {
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents,omitempty"`
	Actor          string `json:"actor,omitempty"`
}

// Restock handles POST /stock/{medicineID}/restock.
func (h *StockHandler) Restock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.medicineID(w, r)
	if !ok {
		return
	}

	var req RestockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "quantity must be positive"})
		return
	}

	actor := req.Actor
	if actor == "" {
		actor = middleware.GetClientID(ctx)
	}

	tx, err := h.ledger.Restock(ctx, id, req.Quantity, req.UnitPriceCents, actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.logger.Info("stock restocked",
		zap.String("medicine_id", id.String()),
		zap.Int("quantity", req.Quantity),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	writeJSON(w, http.StatusCreated, tx)
}

// AdjustRequest is the body for a manual correction.
type AdjustRequest struct {
	Delta int    `json:"delta"`
	Note  string `json:"note"`
	Actor string `json:"actor,omitempty"`
}

// Adjust handles POST /stock/{medicineID}/adjust.
func (h *StockHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.medicineID(w, r)
	if !ok {
		return
	}

	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.Delta == 0 {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "delta must be non-zero"})
		return
	}
	if req.Note == "" {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "note is required for adjustments"})
		return
	}

	actor := req.Actor
	if actor == "" {
		actor = middleware.GetClientID(ctx)
	}

	tx, err := h.ledger.Adjust(ctx, id, req.Delta, actor, req.Note)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.logger.Info("stock adjusted",
		zap.String("medicine_id", id.String()),
		zap.Int("delta", req.Delta),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	writeJSON(w, http.StatusCreated, tx)
}

// VerifyResponse reports projection-versus-ledger agreement.
type VerifyResponse struct {
	Consistent bool          `json:"consistent"`
	Drift      []stock.Drift `json:"drift,omitempty"`
}

// Verify handles GET /stock/verify.
func (h *StockHandler) Verify(w http.ResponseWriter, r *http.Request) {
	drift, err := h.ledger.Verify(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.StockDrift.Set(float64(len(drift)))
	}
	if len(drift) > 0 {
		h.logger.Error("stock drift detected", zap.Int("medicines", len(drift)))
	}

	writeJSON(w, http.StatusOK, VerifyResponse{
		Consistent: len(drift) == 0,
		Drift:      drift,
	})
}

func (h *StockHandler) medicineID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "medicineID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid medicine id"})
		return uuid.Nil, false
	}
	return id, true
}
