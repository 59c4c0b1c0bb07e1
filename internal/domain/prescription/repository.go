package prescription

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrNotFound indicates the prescription does not exist.
var ErrNotFound = errors.New("prescription not found")

// Repository provides prescription persistence.
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

// Create inserts a prescription with its lines. Used at the clinical boundary
// when an order arrives at the dispensary.
func (r *Repository) Create(ctx context.Context, p *Prescription) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Status = StatusActive

	_, err = tx.Exec(ctx, `
		INSERT INTO prescriptions (id, patient_id, status) VALUES ($1, $2, $3)`,
		p.ID, p.PatientID, p.Status)
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}

	for _, line := range p.Lines {
		if line.ID == uuid.Nil {
			line.ID = uuid.New()
		}
		line.PrescriptionID = p.ID
		_, err = tx.Exec(ctx, `
			INSERT INTO prescription_lines (id, prescription_id, medicine_id, prescribed_qty, dispensed_qty, dispensed)
			VALUES ($1, $2, $3, $4, 0, FALSE)`,
			line.ID, p.ID, line.MedicineID, line.PrescribedQty)
		if err != nil {
			return fmt.Errorf("insert line: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Info("prescription created",
		zap.String("id", p.ID.String()),
		zap.Int("lines", len(p.Lines)))
	return nil
}

// GetByID loads a prescription with its lines.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p := &Prescription{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, patient_id, status, created_at, updated_at
		FROM prescriptions WHERE id = $1`, id).Scan(
		&p.ID, &p.PatientID, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prescription: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, prescription_id, medicine_id, prescribed_qty, dispensed_qty, dispensed
		FROM prescription_lines WHERE prescription_id = $1
		ORDER BY medicine_id`, id)
	if err != nil {
		return nil, fmt.Errorf("get lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		line := &Line{}
		if err := rows.Scan(&line.ID, &line.PrescriptionID, &line.MedicineID,
			&line.PrescribedQty, &line.DispensedQty, &line.Dispensed); err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		p.Lines = append(p.Lines, line)
	}
	return p, rows.Err()
}
