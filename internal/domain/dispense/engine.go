package dispense

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carepoint/dispensary/internal/domain/billing"
	"github.com/carepoint/dispensary/internal/domain/prescription"
	"github.com/carepoint/dispensary/internal/domain/stock"
)

// Event topics staged through Tx.PublishEvent. The relay publishes them to
// the stream after the transaction commits.
const (
	TopicActions  = "dispense.actions"
	TopicStockTx  = "stock.transactions"
	TopicInvoices = "billing.invoices"
)

// Engine validates and applies dispense requests. A request either applies
// in full (prescription lines, stock ledger, one action, one invoice) or
// not at all.
type Engine struct {
	store     Store
	generator *billing.Generator
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewEngine creates a dispensing engine.
func NewEngine(store Store, generator *billing.Generator, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     store,
		generator: generator,
		logger:    logger,
		tracer:    otel.Tracer("dispense-engine"),
	}
}

// Dispense attempts to dispense all items as a single atomic unit. When the
// request carries an idempotency key that already produced an action, the
// existing result is returned with Replayed set and nothing is mutated.
func (e *Engine) Dispense(ctx context.Context, req *Request) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "dispense",
		trace.WithAttributes(
			attribute.String("prescription_id", req.PrescriptionID.String()),
			attribute.Int("item_count", len(req.Items)),
		))
	defer span.End()

	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrInvalidQuantity)
	}
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: medicine %s quantity %d",
				ErrInvalidQuantity, item.MedicineID, item.Quantity)
		}
	}

	if req.IdempotencyKey != "" {
		if res, err := e.replayResult(ctx, req.IdempotencyKey); err != nil {
			return nil, err
		} else if res != nil {
			span.SetAttributes(attribute.Bool("replayed", true))
			return res, nil
		}
	}

	var result *Result
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		// Re-check the key under the transaction so two concurrent replays
		// of the same entry cannot both apply.
		if req.IdempotencyKey != "" {
			existing, err := tx.ActionByClientKey(ctx, req.IdempotencyKey)
			if err != nil {
				return fmt.Errorf("check client key: %w", err)
			}
			if existing != nil {
				res, err := e.resultForAction(ctx, tx, existing)
				if err != nil {
					return err
				}
				result = res
				return nil
			}
		}

		res, err := e.apply(ctx, tx, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		if IsValidation(err) {
			span.SetAttributes(attribute.String("validation_code", ErrorCode(err)))
		} else {
			span.RecordError(err)
		}
		return nil, err
	}

	e.logger.Info("dispense applied",
		zap.String("prescription_id", req.PrescriptionID.String()),
		zap.String("action_id", result.ActionID.String()),
		zap.String("invoice_id", result.InvoiceID.String()),
		zap.String("status", string(result.PrescriptionStatus)),
		zap.Bool("replayed", result.Replayed))
	return result, nil
}

// apply runs validation and mutation inside tx. All preconditions are checked
// for every item before the first mutation.
func (e *Engine) apply(ctx context.Context, tx Tx, req *Request) (*Result, error) {
	p, err := tx.PrescriptionForUpdate(ctx, req.PrescriptionID)
	if err != nil {
		return nil, err
	}
	if p.Status == prescription.StatusCompleted {
		return nil, ErrPrescriptionCompleted
	}

	linesByMedicine := make(map[uuid.UUID]*prescription.Line, len(p.Lines))
	for _, line := range p.Lines {
		linesByMedicine[line.MedicineID] = line
	}

	// Lock medicines in a deterministic order so two overlapping dispenses
	// cannot deadlock. Stable sort keeps batch order within a medicine.
	items := make([]RequestItem, len(req.Items))
	copy(items, req.Items)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].MedicineID.String() < items[j].MedicineID.String()
	})

	// A medicine may appear on several items (one per batch). Preconditions
	// check the combined quantity per medicine so the apply phase can never
	// underflow stock or overshoot a line part-way through.
	totals := make(map[uuid.UUID]int, len(items))
	for _, item := range items {
		totals[item.MedicineID] += item.Quantity
	}

	type validated struct {
		item RequestItem
		line *prescription.Line
		med  *stock.Medicine
	}
	plan := make([]validated, 0, len(items))
	meds := make(map[uuid.UUID]*stock.Medicine, len(totals))

	for _, item := range items {
		line, ok := linesByMedicine[item.MedicineID]
		if !ok {
			return nil, &LineNotFoundError{MedicineID: item.MedicineID}
		}
		med, seen := meds[item.MedicineID]
		if !seen {
			if totals[item.MedicineID] > line.Remaining() {
				return nil, &LineQuantityError{
					MedicineID: item.MedicineID,
					Requested:  totals[item.MedicineID],
					Remaining:  line.Remaining(),
				}
			}
			var err error
			med, err = tx.MedicineForUpdate(ctx, item.MedicineID)
			if err != nil {
				return nil, err
			}
			if totals[item.MedicineID] > med.CurrentStock {
				return nil, &InsufficientStockError{
					MedicineID: item.MedicineID,
					Requested:  totals[item.MedicineID],
					Available:  med.CurrentStock,
				}
			}
			meds[item.MedicineID] = med
		}
		plan = append(plan, validated{item: item, line: line, med: med})
	}

	action := &Action{
		ID:             uuid.New(),
		PrescriptionID: p.ID,
		PharmacistID:   req.PharmacistID,
		CreatedAt:      time.Now().UTC(),
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		action.ClientKey = &key
	}

	var total int64
	billingItems := make([]billing.Item, 0, len(plan))

	for _, v := range plan {
		price := v.item.UnitPriceCents
		if price == 0 {
			price = v.med.UnitPriceCents
		}

		newQty := v.line.DispensedQty + v.item.Quantity
		full := newQty == v.line.PrescribedQty
		if err := tx.ApplyLine(ctx, v.line.ID, newQty, full); err != nil {
			return nil, fmt.Errorf("apply line: %w", err)
		}
		v.line.DispensedQty = newQty
		v.line.Dispensed = full

		st := &stock.Transaction{
			MedicineID:     v.item.MedicineID,
			Type:           stock.TxDispense,
			Delta:          -v.item.Quantity,
			UnitPriceCents: price,
			ActionID:       &action.ID,
			Actor:          req.PharmacistID.String(),
		}
		if err := tx.AppendStock(ctx, st); err != nil {
			return nil, fmt.Errorf("append stock: %w", err)
		}
		if err := tx.PublishEvent(ctx, TopicStockTx, v.item.MedicineID.String(), st); err != nil {
			return nil, fmt.Errorf("publish stock event: %w", err)
		}

		action.Items = append(action.Items, &ActionItem{
			ID:             uuid.New(),
			ActionID:       action.ID,
			MedicineID:     v.item.MedicineID,
			Quantity:       v.item.Quantity,
			UnitPriceCents: price,
			BatchNumber:    v.item.BatchNumber,
			ExpiryDate:     v.item.ExpiryDate,
		})
		billingItems = append(billingItems, billing.Item{
			MedicineID:     v.item.MedicineID,
			Quantity:       v.item.Quantity,
			UnitPriceCents: price,
		})
		total += int64(v.item.Quantity) * price
	}

	completed := true
	for _, line := range p.Lines {
		if !line.Dispensed {
			completed = false
			break
		}
	}

	status := prescription.StatusActive
	action.Status = StatusPartial
	if completed {
		status = prescription.StatusCompleted
		action.Status = StatusDispensed
		if err := tx.SetPrescriptionStatus(ctx, p.ID, status); err != nil {
			return nil, fmt.Errorf("complete prescription: %w", err)
		}
	}

	if err := tx.InsertAction(ctx, action); err != nil {
		return nil, fmt.Errorf("insert action: %w", err)
	}
	if err := tx.PublishEvent(ctx, TopicActions, action.ID.String(), action); err != nil {
		return nil, fmt.Errorf("publish action event: %w", err)
	}

	inv, err := e.generator.GenerateForAction(ctx, tx, action.ID, p.PatientID, billingItems)
	if err != nil {
		return nil, err
	}
	if err := tx.PublishEvent(ctx, TopicInvoices, inv.ID.String(), inv); err != nil {
		return nil, fmt.Errorf("publish invoice event: %w", err)
	}

	return &Result{
		ActionID:           action.ID,
		InvoiceID:          inv.ID,
		PrescriptionStatus: status,
		DispensedCents:     total,
	}, nil
}

// replayResult resolves an idempotency key that was already applied.
func (e *Engine) replayResult(ctx context.Context, key string) (*Result, error) {
	action, err := e.store.FindActionByClientKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("find action by key: %w", err)
	}
	if action == nil {
		return nil, nil
	}
	inv, err := e.store.FindInvoiceForAction(ctx, action.ID)
	if err != nil {
		return nil, fmt.Errorf("find invoice for action: %w", err)
	}
	res := &Result{
		ActionID: action.ID,
		Replayed: true,
	}
	if inv != nil {
		res.InvoiceID = inv.ID
		res.DispensedCents = inv.TotalCents
	}
	if action.Status == StatusDispensed {
		res.PrescriptionStatus = prescription.StatusCompleted
	} else {
		res.PrescriptionStatus = prescription.StatusActive
	}
	return res, nil
}

// resultForAction builds the replay result inside a transaction.
func (e *Engine) resultForAction(ctx context.Context, tx Tx, action *Action) (*Result, error) {
	inv, err := tx.FindInvoiceByAction(ctx, action.ID)
	if err != nil {
		return nil, fmt.Errorf("find invoice for action: %w", err)
	}
	res := &Result{ActionID: action.ID, Replayed: true}
	if inv != nil {
		res.InvoiceID = inv.ID
		res.DispensedCents = inv.TotalCents
	}
	if action.Status == StatusDispensed {
		res.PrescriptionStatus = prescription.StatusCompleted
	} else {
		res.PrescriptionStatus = prescription.StatusActive
	}
	return res, nil
}
