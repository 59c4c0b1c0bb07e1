package dispense

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carepoint/dispensary/internal/domain/billing"
	"github.com/carepoint/dispensary/internal/domain/prescription"
	"github.com/carepoint/dispensary/internal/domain/stock"
	"github.com/carepoint/dispensary/internal/infrastructure/postgres"
)

// PgStore is the production Store over a pgx pool. Stock mutation is
// delegated to the stock ledger so the projection is only ever written in
// lock-step with the transaction log.
type PgStore struct {
	pool   *pgxpool.Pool
	ledger *stock.Ledger
	logger *zap.Logger
}

// NewPgStore creates a store.
func NewPgStore(pool *pgxpool.Pool, ledger *stock.Ledger, logger *zap.Logger) *PgStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PgStore{pool: pool, ledger: ledger, logger: logger}
}

// WithinTx runs fn inside one database transaction.
func (s *PgStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx, ledger: s.ledger}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// FindActionByClientKey looks up an action by idempotency key.
func (s *PgStore) FindActionByClientKey(ctx context.Context, key string) (*Action, error) {
	return scanActionByKey(ctx, s.pool, key)
}

// FindInvoiceForAction returns the invoice generated for an action, or nil.
func (s *PgStore) FindInvoiceForAction(ctx context.Context, actionID uuid.UUID) (*billing.Invoice, error) {
	return scanInvoiceByAction(ctx, s.pool, actionID)
}

// pgTx implements Tx over a pgx transaction.
type pgTx struct {
	tx     pgx.Tx
	ledger *stock.Ledger
}

func (t *pgTx) PrescriptionForUpdate(ctx context.Context, id uuid.UUID) (*prescription.Prescription, error) {
	p := &prescription.Prescription{}
	err := t.tx.QueryRow(ctx, `
		SELECT id, patient_id, status, created_at, updated_at
		FROM prescriptions WHERE id = $1 FOR UPDATE`, id).Scan(
		&p.ID, &p.PatientID, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPrescriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock prescription: %w", err)
	}

	rows, err := t.tx.Query(ctx, `
		SELECT id, prescription_id, medicine_id, prescribed_qty, dispensed_qty, dispensed
		FROM prescription_lines WHERE prescription_id = $1
		ORDER BY medicine_id
		FOR UPDATE`, id)
	if err != nil {
		return nil, fmt.Errorf("lock lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		line := &prescription.Line{}
		if err := rows.Scan(&line.ID, &line.PrescriptionID, &line.MedicineID,
			&line.PrescribedQty, &line.DispensedQty, &line.Dispensed); err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		p.Lines = append(p.Lines, line)
	}
	return p, rows.Err()
}

func (t *pgTx) MedicineForUpdate(ctx context.Context, id uuid.UUID) (*stock.Medicine, error) {
	m := &stock.Medicine{}
	err := t.tx.QueryRow(ctx, `
		SELECT id, name, current_stock, min_stock, max_stock, unit_price_cents, created_at, updated_at
		FROM medicines WHERE id = $1 FOR UPDATE`, id).Scan(
		&m.ID, &m.Name, &m.CurrentStock, &m.MinStock, &m.MaxStock,
		&m.UnitPriceCents, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, stock.ErrMedicineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock medicine: %w", err)
	}
	return m, nil
}

func (t *pgTx) ApplyLine(ctx context.Context, lineID uuid.UUID, dispensedQty int, dispensed bool) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE prescription_lines SET dispensed_qty = $1, dispensed = $2 WHERE id = $3`,
		dispensedQty, dispensed, lineID)
	if err != nil {
		return fmt.Errorf("update line: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("line %s not found", lineID)
	}
	return nil
}

func (t *pgTx) SetPrescriptionStatus(ctx context.Context, id uuid.UUID, status prescription.Status) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE prescriptions SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update prescription status: %w", err)
	}
	return nil
}

func (t *pgTx) AppendStock(ctx context.Context, st *stock.Transaction) error {
	return t.ledger.AppendTx(ctx, t.tx, st)
}

func (t *pgTx) ActionByClientKey(ctx context.Context, key string) (*Action, error) {
	return scanActionByKey(ctx, t.tx, key)
}

func (t *pgTx) InsertAction(ctx context.Context, a *Action) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO dispense_actions (id, prescription_id, pharmacist_id, client_key, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.PrescriptionID, a.PharmacistID, a.ClientKey, a.Status, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	for _, item := range a.Items {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO dispense_action_items (id, action_id, medicine_id, quantity, unit_price_cents, batch_number, expiry_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			item.ID, item.ActionID, item.MedicineID, item.Quantity,
			item.UnitPriceCents, item.BatchNumber, item.ExpiryDate)
		if err != nil {
			return fmt.Errorf("insert action item: %w", err)
		}
	}
	return nil
}

func (t *pgTx) FindInvoiceByAction(ctx context.Context, actionID uuid.UUID) (*billing.Invoice, error) {
	return scanInvoiceByAction(ctx, t.tx, actionID)
}

func (t *pgTx) InsertInvoice(ctx context.Context, inv *billing.Invoice) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO invoices (id, patient_id, action_id, total_cents, status)
		VALUES ($1, $2, $3, $4, $5)`,
		inv.ID, inv.PatientID, inv.ActionID, inv.TotalCents, inv.Status)
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	for _, line := range inv.Lines {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO invoice_lines (id, invoice_id, medicine_id, quantity, unit_price_cents, total_cents)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			line.ID, line.InvoiceID, line.MedicineID, line.Quantity,
			line.UnitPriceCents, line.TotalCents)
		if err != nil {
			return fmt.Errorf("insert invoice line: %w", err)
		}
	}
	return nil
}

func (t *pgTx) PublishEvent(ctx context.Context, topic, key string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return postgres.WriteEntry(ctx, t.tx, &postgres.OutboxEntry{
		EntityID: key,
		Topic:    topic,
		Key:      key,
		Payload:  raw,
	})
}

// querier covers pool and tx for the shared scan helpers.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanActionByKey(ctx context.Context, q querier, key string) (*Action, error) {
	a := &Action{}
	err := q.QueryRow(ctx, `
		SELECT id, prescription_id, pharmacist_id, client_key, status, created_at
		FROM dispense_actions WHERE client_key = $1`, key).Scan(
		&a.ID, &a.PrescriptionID, &a.PharmacistID, &a.ClientKey, &a.Status, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find action by key: %w", err)
	}
	return a, nil
}

func scanInvoiceByAction(ctx context.Context, q querier, actionID uuid.UUID) (*billing.Invoice, error) {
	inv := &billing.Invoice{}
	err := q.QueryRow(ctx, `
		SELECT id, patient_id, action_id, total_cents, status, created_at, updated_at
		FROM invoices WHERE action_id = $1`, actionID).Scan(
		&inv.ID, &inv.PatientID, &inv.ActionID, &inv.TotalCents,
		&inv.Status, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find invoice by action: %w", err)
	}
	return inv, nil
}
