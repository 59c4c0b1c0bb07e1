package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/carepoint/dispensary/internal/api/middleware"
	"github.com/carepoint/dispensary/internal/domain/dispense"
	"github.com/carepoint/dispensary/internal/observability/metrics"
	"github.com/carepoint/dispensary/pkg/idempotency"
)

// DispenseHandler handles the dispense endpoint.
type DispenseHandler struct {
	engine  *dispense.Engine
	inbox   *idempotency.Inbox
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewDispenseHandler creates the handler. inbox may be nil in tests;
// keyed requests then rely on the engine's own key lookup.
func NewDispenseHandler(engine *dispense.Engine, inbox *idempotency.Inbox, m *metrics.Metrics, logger *zap.Logger) *DispenseHandler {
	return &DispenseHandler{
		engine:  engine,
		inbox:   inbox,
		metrics: m,
		logger:  logger,
	}
}

// Routes returns the handler routes.
func (h *DispenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Dispense)
	return r
}

// Dispense handles POST /dispense. Requests carrying an idempotency key
// (live retries via the Idempotency-Key header, or offline replays in
// the body) run through the inbox so a key applies at most once.
func (h *DispenseHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	var req dispense.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	result, duplicate, err := h.run(ctx, &req)
	if err != nil {
		if code := dispense.ErrorCode(err); code != "" && h.metrics != nil {
			h.metrics.DispensesRejected.WithLabelValues(code).Inc()
		}
		h.logger.Warn("dispense rejected",
			zap.String("prescription_id", req.PrescriptionID.String()),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		writeDomainError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.DispenseDuration.Observe(time.Since(start).Seconds())
		if duplicate || result.Replayed {
			h.metrics.DispensesReplayed.Inc()
		} else {
			h.metrics.DispensesApplied.Inc()
			h.metrics.InvoicesGenerated.Inc()
			h.metrics.InvoiceCents.Add(float64(result.DispensedCents))
		}
	}

	h.logger.Info("dispense applied",
		zap.String("prescription_id", req.PrescriptionID.String()),
		zap.String("action_id", result.ActionID.String()),
		zap.String("status", string(result.PrescriptionStatus)),
		zap.Bool("replayed", duplicate || result.Replayed),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	status := http.StatusCreated
	if duplicate || result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// run executes the request, through the inbox when it carries a key.
func (h *DispenseHandler) run(ctx context.Context, req *dispense.Request) (*dispense.Result, bool, error) {
	if req.IdempotencyKey == "" || h.inbox == nil {
		result, err := h.engine.Dispense(ctx, req)
		return result, false, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, false, err
	}

	procResult, err := h.inbox.Process(ctx, req.IdempotencyKey, payload,
		func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			result, err := h.engine.Dispense(ctx, req)
			if err != nil {
				return nil, err
			}
			return json.Marshal(result)
		},
		dispense.IsValidation,
	)
	if err != nil {
		return nil, false, err
	}

	var result dispense.Result
	if err := json.Unmarshal(procResult.Result, &result); err != nil {
		return nil, false, err
	}
	return &result, procResult.Duplicate, nil
}
