// Package stock implements the stock ledger: an append-only log of
// quantity-affecting events per medicine, with the current-stock column
// maintained as a materialized projection of the log.
package stock

import (
	"time"

	"github.com/google/uuid"
)

// TxType classifies a stock transaction.
type TxType string

const (
	TxDispense   TxType = "dispense"
	TxRestock    TxType = "restock"
	TxAdjustment TxType = "adjustment"
)

// Medicine represents a catalog entry with its projected stock level.
type Medicine struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	CurrentStock   int       `json:"current_stock"`
	MinStock       int       `json:"min_stock"`
	MaxStock       int       `json:"max_stock"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Transaction is one immutable ledger entry. Delta is negative for dispenses
// and positive for restocks; adjustments may go either way.
type Transaction struct {
	ID             uuid.UUID  `json:"id"`
	MedicineID     uuid.UUID  `json:"medicine_id"`
	Type           TxType     `json:"type"`
	Delta          int        `json:"delta"`
	UnitPriceCents int64      `json:"unit_price_cents"`
	ActionID       *uuid.UUID `json:"action_id,omitempty"`
	Actor          string     `json:"actor"`
	Note           string     `json:"note,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Drift reports a medicine whose projected stock disagrees with the ledger.
type Drift struct {
	MedicineID uuid.UUID `json:"medicine_id"`
	Projected  int       `json:"projected"`
	LedgerSum  int       `json:"ledger_sum"`
}
