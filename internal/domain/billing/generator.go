package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the slice of the billing ledger the generator needs. It is
// implemented by the dispense engine's transaction so that invoice creation
// commits or rolls back together with the stock and prescription mutations.
type Store interface {
	// FindInvoiceByAction returns the invoice generated for a dispense
	// action, or nil if none exists yet.
	FindInvoiceByAction(ctx context.Context, actionID uuid.UUID) (*Invoice, error)
	// InsertInvoice persists an invoice with its lines.
	InsertInvoice(ctx context.Context, inv *Invoice) error
}

// Generator produces at most one invoice per dispense action. Invoking it
// again for the same action returns the existing invoice unchanged, which
// makes it safe under sync replays.
type Generator struct {
	logger *zap.Logger
}

// NewGenerator creates a generator.
func NewGenerator(logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{logger: logger}
}

// GenerateForAction returns the invoice for a dispense action, creating it if
// it does not exist. Line items mirror the dispensed items at the unit price
// recorded at dispensing time, never the current catalog price.
func (g *Generator) GenerateForAction(ctx context.Context, store Store, actionID, patientID uuid.UUID, items []Item) (*Invoice, error) {
	existing, err := store.FindInvoiceByAction(ctx, actionID)
	if err != nil {
		return nil, fmt.Errorf("find invoice by action: %w", err)
	}
	if existing != nil {
		g.logger.Debug("invoice already exists for action",
			zap.String("action_id", actionID.String()),
			zap.String("invoice_id", existing.ID.String()))
		return existing, nil
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("dispense action %s has no items", actionID)
	}

	aid := actionID
	inv := &Invoice{
		ID:        uuid.New(),
		PatientID: patientID,
		ActionID:  &aid,
		Status:    PaymentPending,
	}
	for _, item := range items {
		lineTotal := int64(item.Quantity) * item.UnitPriceCents
		inv.Lines = append(inv.Lines, &Line{
			ID:             uuid.New(),
			InvoiceID:      inv.ID,
			MedicineID:     item.MedicineID,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
			TotalCents:     lineTotal,
		})
		inv.TotalCents += lineTotal
	}

	if err := store.InsertInvoice(ctx, inv); err != nil {
		return nil, fmt.Errorf("insert invoice: %w", err)
	}

	g.logger.Info("invoice generated",
		zap.String("invoice_id", inv.ID.String()),
		zap.String("action_id", actionID.String()),
		zap.Int64("total_cents", inv.TotalCents))
	return inv, nil
}
