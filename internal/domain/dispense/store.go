package dispense

import (
	"context"

	"github.com/google/uuid"

	"github.com/carepoint/dispensary/internal/domain/billing"
	"github.com/carepoint/dispensary/internal/domain/prescription"
	"github.com/carepoint/dispensary/internal/domain/stock"
)

// Store runs engine work inside a single database transaction. No concurrent
// dispense may observe a partially-applied state of another; the Tx
// implementation is responsible for the required row locking.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// FindActionByClientKey looks up an already-applied action by its client
	// idempotency key, outside any transaction. Returns nil if none.
	FindActionByClientKey(ctx context.Context, key string) (*Action, error)
	// FindInvoiceForAction returns the invoice generated for an action, or
	// nil if none exists.
	FindInvoiceForAction(ctx context.Context, actionID uuid.UUID) (*billing.Invoice, error)
}

// Tx is the unit of work the engine drives. All mutations applied through a
// Tx commit or roll back together.
type Tx interface {
	billing.Store

	// PrescriptionForUpdate loads a prescription with its lines, locking the
	// prescription row for the remainder of the transaction.
	PrescriptionForUpdate(ctx context.Context, id uuid.UUID) (*prescription.Prescription, error)
	// MedicineForUpdate loads and locks a medicine row.
	MedicineForUpdate(ctx context.Context, id uuid.UUID) (*stock.Medicine, error)
	// ApplyLine sets the dispensed quantity and dispensed flag on a line.
	ApplyLine(ctx context.Context, lineID uuid.UUID, dispensedQty int, dispensed bool) error
	// SetPrescriptionStatus transitions the prescription status.
	SetPrescriptionStatus(ctx context.Context, id uuid.UUID, status prescription.Status) error
	// AppendStock appends a stock ledger entry and updates the projection.
	AppendStock(ctx context.Context, st *stock.Transaction) error
	// ActionByClientKey looks up an action by idempotency key inside the
	// transaction. Returns nil if none.
	ActionByClientKey(ctx context.Context, key string) (*Action, error)
	// InsertAction persists an action with its items.
	InsertAction(ctx context.Context, a *Action) error
	// PublishEvent stages a domain event for publication after commit.
	PublishEvent(ctx context.Context, topic, key string, payload any) error
}
