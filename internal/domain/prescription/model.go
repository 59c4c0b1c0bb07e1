// Package prescription holds the dispensing-side view of prescriptions.
// The clinical workflow that authors prescriptions is external; this package
// reads remaining quantities and records dispensed quantities on lines.
package prescription

import (
	"time"

	"github.com/google/uuid"
)

// Status of a prescription as the dispensary sees it.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Prescription is a patient order with one line per medicine.
type Prescription struct {
	ID        uuid.UUID `json:"id"`
	PatientID uuid.UUID `json:"patient_id"`
	Status    Status    `json:"status"`
	Lines     []*Line   `json:"lines,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Line tracks how much of a prescribed medicine has been handed out.
// DispensedQty never exceeds PrescribedQty; once equal the line is closed.
type Line struct {
	ID             uuid.UUID `json:"id"`
	PrescriptionID uuid.UUID `json:"prescription_id"`
	MedicineID     uuid.UUID `json:"medicine_id"`
	PrescribedQty  int       `json:"prescribed_qty"`
	DispensedQty   int       `json:"dispensed_qty"`
	Dispensed      bool      `json:"dispensed"`
}

// Remaining returns how much can still be dispensed against the line.
func (l *Line) Remaining() int {
	return l.PrescribedQty - l.DispensedQty
}
