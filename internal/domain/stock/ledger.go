package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrMedicineNotFound indicates the medicine does not exist.
var ErrMedicineNotFound = errors.New("medicine not found")

// ErrStockUnderflow indicates a delta that would take current stock below zero.
var ErrStockUnderflow = errors.New("stock would go negative")

// Ledger owns all mutation of medicine stock. Every quantity change goes
// through an append: insert a transaction row and update the projection in the
// same database transaction, with the medicine row locked first.
type Ledger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewLedger creates a stock ledger.
func NewLedger(pool *pgxpool.Pool, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("stock-ledger"),
	}
}

// CreateMedicine inserts a catalog entry. Initial stock is recorded as a
// restock transaction so the ledger sum equals the projection from day one.
func (l *Ledger) CreateMedicine(ctx context.Context, m *Medicine, initialStock int, actor string) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO medicines (id, name, current_stock, min_stock, max_stock, unit_price_cents)
		VALUES ($1, $2, 0, $3, $4, $5)`,
		m.ID, m.Name, m.MinStock, m.MaxStock, m.UnitPriceCents)
	if err != nil {
		return fmt.Errorf("insert medicine: %w", err)
	}

	if initialStock > 0 {
		st := &Transaction{
			MedicineID:     m.ID,
			Type:           TxRestock,
			Delta:          initialStock,
			UnitPriceCents: m.UnitPriceCents,
			Actor:          actor,
			Note:           "initial stock",
		}
		if err := l.AppendTx(ctx, tx, st); err != nil {
			return err
		}
	}
	m.CurrentStock = initialStock

	return tx.Commit(ctx)
}

// GetMedicine returns a medicine by id.
func (l *Ledger) GetMedicine(ctx context.Context, id uuid.UUID) (*Medicine, error) {
	m := &Medicine{}
	err := l.pool.QueryRow(ctx, `
		SELECT id, name, current_stock, min_stock, max_stock, unit_price_cents, created_at, updated_at
		FROM medicines WHERE id = $1`, id).Scan(
		&m.ID, &m.Name, &m.CurrentStock, &m.MinStock, &m.MaxStock,
		&m.UnitPriceCents, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMedicineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get medicine: %w", err)
	}
	return m, nil
}

// CurrentStock returns the projected stock level for a medicine.
func (l *Ledger) CurrentStock(ctx context.Context, id uuid.UUID) (int, error) {
	var qty int
	err := l.pool.QueryRow(ctx, `SELECT current_stock FROM medicines WHERE id = $1`, id).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrMedicineNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("current stock: %w", err)
	}
	return qty, nil
}

// AppendTx appends a ledger entry inside the caller's transaction. The
// medicine row is locked for the remainder of the transaction, which is what
// serializes concurrent dispenses against the same medicine. Returns
// ErrStockUnderflow without mutating anything if the delta would take the
// projection below zero.
func (l *Ledger) AppendTx(ctx context.Context, tx pgx.Tx, st *Transaction) error {
	var current int
	err := tx.QueryRow(ctx, `SELECT current_stock FROM medicines WHERE id = $1 FOR UPDATE`, st.MedicineID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrMedicineNotFound
	}
	if err != nil {
		return fmt.Errorf("lock medicine: %w", err)
	}

	if current+st.Delta < 0 {
		return fmt.Errorf("%w: medicine %s has %d, delta %d", ErrStockUnderflow, st.MedicineID, current, st.Delta)
	}

	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO stock_transactions (id, medicine_id, tx_type, delta, unit_price_cents, action_id, actor, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		st.ID, st.MedicineID, st.Type, st.Delta, st.UnitPriceCents, st.ActionID, st.Actor, st.Note)
	if err != nil {
		return fmt.Errorf("insert stock transaction: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE medicines SET current_stock = current_stock + $1, updated_at = NOW()
		WHERE id = $2`, st.Delta, st.MedicineID)
	if err != nil {
		return fmt.Errorf("update projection: %w", err)
	}

	return nil
}

// Restock appends a positive delta as a self-contained transaction.
func (l *Ledger) Restock(ctx context.Context, medicineID uuid.UUID, quantity int, unitPriceCents int64, actor string) (*Transaction, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("restock quantity must be positive, got %d", quantity)
	}
	st := &Transaction{
		MedicineID:     medicineID,
		Type:           TxRestock,
		Delta:          quantity,
		UnitPriceCents: unitPriceCents,
		Actor:          actor,
	}
	return st, l.appendOne(ctx, st)
}

// Adjust appends a manual correction. Delta may be negative but may not take
// the projection below zero.
func (l *Ledger) Adjust(ctx context.Context, medicineID uuid.UUID, delta int, actor, note string) (*Transaction, error) {
	if delta == 0 {
		return nil, errors.New("adjustment delta must be non-zero")
	}
	st := &Transaction{
		MedicineID: medicineID,
		Type:       TxAdjustment,
		Delta:      delta,
		Actor:      actor,
		Note:       note,
	}
	return st, l.appendOne(ctx, st)
}

func (l *Ledger) appendOne(ctx context.Context, st *Transaction) error {
	ctx, span := l.tracer.Start(ctx, "stock_append",
		trace.WithAttributes(
			attribute.String("medicine_id", st.MedicineID.String()),
			attribute.String("tx_type", string(st.Type)),
			attribute.Int("delta", st.Delta),
		))
	defer span.End()

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := l.AppendTx(ctx, tx, st); err != nil {
		span.RecordError(err)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	l.logger.Info("stock transaction appended",
		zap.String("medicine_id", st.MedicineID.String()),
		zap.String("type", string(st.Type)),
		zap.Int("delta", st.Delta),
		zap.String("actor", st.Actor))
	return nil
}

// Transactions returns the ledger entries for a medicine, oldest first.
func (l *Ledger) Transactions(ctx context.Context, medicineID uuid.UUID) ([]*Transaction, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, medicine_id, tx_type, delta, unit_price_cents, action_id, actor, note, created_at
		FROM stock_transactions
		WHERE medicine_id = $1
		ORDER BY created_at ASC`, medicineID)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		st := &Transaction{}
		if err := rows.Scan(&st.ID, &st.MedicineID, &st.Type, &st.Delta,
			&st.UnitPriceCents, &st.ActionID, &st.Actor, &st.Note, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, st)
	}
	return txs, rows.Err()
}

// Verify recomputes every projection from the ledger and returns the
// medicines whose current_stock column disagrees with the sum of deltas. An
// empty result means the projection is consistent.
func (l *Ledger) Verify(ctx context.Context) ([]Drift, error) {
	ctx, span := l.tracer.Start(ctx, "stock_verify")
	defer span.End()

	rows, err := l.pool.Query(ctx, `
		SELECT m.id, m.current_stock, COALESCE(SUM(t.delta), 0) AS ledger_sum
		FROM medicines m
		LEFT JOIN stock_transactions t ON t.medicine_id = m.id
		GROUP BY m.id, m.current_stock
		HAVING m.current_stock <> COALESCE(SUM(t.delta), 0)`)
	if err != nil {
		return nil, fmt.Errorf("verify query: %w", err)
	}
	defer rows.Close()

	var drifts []Drift
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.MedicineID, &d.Projected, &d.LedgerSum); err != nil {
			return nil, fmt.Errorf("scan drift: %w", err)
		}
		drifts = append(drifts, d)
	}
	if len(drifts) > 0 {
		span.SetAttributes(attribute.Int("drift_count", len(drifts)))
		l.logger.Warn("stock projection drift detected", zap.Int("medicines", len(drifts)))
	}
	return drifts, rows.Err()
}
