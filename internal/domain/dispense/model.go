// Package dispense implements the dispensing engine: validation and atomic
// application of a multi-medicine dispense against a prescription, stock
// ledger and billing ledger.
package dispense

import (
	"time"

	"github.com/google/uuid"

	"github.com/carepoint/dispensary/internal/domain/prescription"
)

// ActionStatus records the outcome of a dispense action.
type ActionStatus string

const (
	// StatusDispensed means the action completed the prescription.
	StatusDispensed ActionStatus = "dispensed"
	// StatusPartial means the prescription still has undispensed quantity.
	StatusPartial ActionStatus = "partially_dispensed"
)

// RequestItem is one medicine in a dispense request. UnitPriceCents may be
// zero, in which case the catalog price at dispense time is used; offline
// captures carry the price the terminal saw so it stays locked at capture.
type RequestItem struct {
	MedicineID     uuid.UUID  `json:"medicine_id"`
	Quantity       int        `json:"quantity"`
	BatchNumber    string     `json:"batch_number,omitempty"`
	ExpiryDate     *time.Time `json:"expiry_date,omitempty"`
	UnitPriceCents int64      `json:"unit_price_cents,omitempty"`
}

// Request is a dispense request, from the pharmacy UI or a sync replay.
// IdempotencyKey is set on replays so a retried request applies at most once.
type Request struct {
	PrescriptionID uuid.UUID     `json:"prescription_id"`
	PharmacistID   uuid.UUID     `json:"pharmacist_id"`
	Items          []RequestItem `json:"items"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
}

// Action is the record of one atomic dispensing act.
type Action struct {
	ID             uuid.UUID     `json:"id"`
	PrescriptionID uuid.UUID     `json:"prescription_id"`
	PharmacistID   uuid.UUID     `json:"pharmacist_id"`
	ClientKey      *string       `json:"client_key,omitempty"`
	Status         ActionStatus  `json:"status"`
	Items          []*ActionItem `json:"items,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ActionItem is one dispensed medicine within an action, with the unit price
// locked at dispensing time.
type ActionItem struct {
	ID             uuid.UUID  `json:"id"`
	ActionID       uuid.UUID  `json:"action_id"`
	MedicineID     uuid.UUID  `json:"medicine_id"`
	Quantity       int        `json:"quantity"`
	UnitPriceCents int64      `json:"unit_price_cents"`
	BatchNumber    string     `json:"batch_number,omitempty"`
	ExpiryDate     *time.Time `json:"expiry_date,omitempty"`
}

// Result is returned to the caller after a successful dispense, or when an
// idempotency key resolves to an already-applied action.
type Result struct {
	ActionID           uuid.UUID           `json:"dispense_action_id"`
	InvoiceID          uuid.UUID           `json:"invoice_id"`
	PrescriptionStatus prescription.Status `json:"prescription_status"`
	DispensedCents     int64               `json:"dispensed_amount_cents"`
	Replayed           bool                `json:"replayed,omitempty"`
}
