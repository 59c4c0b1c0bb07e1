package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Migrate applies the dispensary schema. Statements are idempotent so the
// server can run this at startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS medicines (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			current_stock INT NOT NULL DEFAULT 0 CHECK (current_stock >= 0),
			min_stock INT NOT NULL DEFAULT 0,
			max_stock INT NOT NULL DEFAULT 0,
			unit_price_cents BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS prescriptions (
			id UUID PRIMARY KEY,
			patient_id UUID NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS prescription_lines (
			id UUID PRIMARY KEY,
			prescription_id UUID NOT NULL REFERENCES prescriptions(id),
			medicine_id UUID NOT NULL REFERENCES medicines(id),
			prescribed_qty INT NOT NULL CHECK (prescribed_qty > 0),
			dispensed_qty INT NOT NULL DEFAULT 0 CHECK (dispensed_qty >= 0 AND dispensed_qty <= prescribed_qty),
			dispensed BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE (prescription_id, medicine_id)
		)`,
		`CREATE TABLE IF NOT EXISTS dispense_actions (
			id UUID PRIMARY KEY,
			prescription_id UUID NOT NULL REFERENCES prescriptions(id),
			pharmacist_id UUID NOT NULL,
			client_key TEXT UNIQUE,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS dispense_action_items (
			id UUID PRIMARY KEY,
			action_id UUID NOT NULL REFERENCES dispense_actions(id),
			medicine_id UUID NOT NULL REFERENCES medicines(id),
			quantity INT NOT NULL CHECK (quantity > 0),
			unit_price_cents BIGINT NOT NULL,
			batch_number TEXT NOT NULL DEFAULT '',
			expiry_date TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS stock_transactions (
			id UUID PRIMARY KEY,
			medicine_id UUID NOT NULL REFERENCES medicines(id),
			tx_type TEXT NOT NULL,
			delta INT NOT NULL,
			unit_price_cents BIGINT NOT NULL DEFAULT 0,
			action_id UUID REFERENCES dispense_actions(id),
			actor TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stock_tx_medicine ON stock_transactions (medicine_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS invoices (
			id UUID PRIMARY KEY,
			patient_id UUID NOT NULL,
			action_id UUID UNIQUE REFERENCES dispense_actions(id),
			total_cents BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS invoice_lines (
			id UUID PRIMARY KEY,
			invoice_id UUID NOT NULL REFERENCES invoices(id),
			medicine_id UUID NOT NULL REFERENCES medicines(id),
			quantity INT NOT NULL,
			unit_price_cents BIGINT NOT NULL,
			total_cents BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outbox (
			id BIGSERIAL PRIMARY KEY,
			entity_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			key TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ,
			retry_count INT NOT NULL DEFAULT 0,
			last_error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (created_at) WHERE processed_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS dispense_inbox (
			idempotency_key TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			payload JSONB,
			result JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ
		)`,
	}

	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	logger.Info("schema migration applied", zap.Int("statements", len(schema)))
	return nil
}
