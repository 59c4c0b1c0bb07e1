// Package billing implements the billing ledger and the auto-billing
// generator that turns a completed dispense action into exactly one invoice.
package billing

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus of an invoice.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentCancelled PaymentStatus = "cancelled"
)

// Invoice is a billing ledger entry. ActionID links back to the dispense
// action that generated it; nil for invoices raised outside the pharmacy.
type Invoice struct {
	ID         uuid.UUID     `json:"id"`
	PatientID  uuid.UUID     `json:"patient_id"`
	ActionID   *uuid.UUID    `json:"action_id,omitempty"`
	Lines      []*Line       `json:"lines,omitempty"`
	TotalCents int64         `json:"total_cents"`
	Status     PaymentStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Line is one invoice line item, priced at the moment of dispensing.
type Line struct {
	ID             uuid.UUID `json:"id"`
	InvoiceID      uuid.UUID `json:"invoice_id"`
	MedicineID     uuid.UUID `json:"medicine_id"`
	Quantity       int       `json:"quantity"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	TotalCents     int64     `json:"total_cents"`
}

// Item is a dispensed medicine handed to the generator.
type Item struct {
	MedicineID     uuid.UUID
	Quantity       int
	UnitPriceCents int64
}
