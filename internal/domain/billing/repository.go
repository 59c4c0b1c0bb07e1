package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrInvoiceNotFound indicates the invoice does not exist.
var ErrInvoiceNotFound = errors.New("invoice not found")

// ErrInvalidTransition indicates a payment-status change that is not allowed.
var ErrInvalidTransition = errors.New("invalid payment status transition")

// Repository provides read and payment-status access to the billing ledger.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// GetByID loads an invoice with its lines.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv := &Invoice{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, patient_id, action_id, total_cents, status, created_at, updated_at
		FROM invoices WHERE id = $1`, id).Scan(
		&inv.ID, &inv.PatientID, &inv.ActionID, &inv.TotalCents,
		&inv.Status, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get invoice: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, invoice_id, medicine_id, quantity, unit_price_cents, total_cents
		FROM invoice_lines WHERE invoice_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get invoice lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		line := &Line{}
		if err := rows.Scan(&line.ID, &line.InvoiceID, &line.MedicineID,
			&line.Quantity, &line.UnitPriceCents, &line.TotalCents); err != nil {
			return nil, fmt.Errorf("scan invoice line: %w", err)
		}
		inv.Lines = append(inv.Lines, line)
	}
	return inv, rows.Err()
}

// ListByPatient returns invoices for a patient, newest first.
func (r *Repository) ListByPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]*Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, patient_id, action_id, total_cents, status, created_at, updated_at
		FROM invoices WHERE patient_id = $1
		ORDER BY created_at DESC LIMIT $2`, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*Invoice
	for rows.Next() {
		inv := &Invoice{}
		if err := rows.Scan(&inv.ID, &inv.PatientID, &inv.ActionID,
			&inv.TotalCents, &inv.Status, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// MarkPaid transitions a pending invoice to paid.
func (r *Repository) MarkPaid(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, id, PaymentPending, PaymentPaid)
}

// Cancel transitions a pending invoice to cancelled.
func (r *Repository) Cancel(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, id, PaymentPending, PaymentCancelled)
}

func (r *Repository) transition(ctx context.Context, id uuid.UUID, from, to PaymentStatus) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE invoices SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`, to, id, from)
	if err != nil {
		return fmt.Errorf("update invoice status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var status PaymentStatus
		err := r.pool.QueryRow(ctx, `SELECT status FROM invoices WHERE id = $1`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInvoiceNotFound
		}
		if err != nil {
			return fmt.Errorf("check invoice status: %w", err)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, to)
	}

	r.logger.Info("invoice status changed",
		zap.String("invoice_id", id.String()),
		zap.String("status", string(to)))
	return nil
}
