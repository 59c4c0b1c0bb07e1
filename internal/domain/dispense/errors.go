package dispense

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error codes carried on the wire so the sync agent can classify failures
// without parsing messages.
const (
	CodePrescriptionNotFound  = "prescription_not_found"
	CodePrescriptionCompleted = "prescription_completed"
	CodeLineNotFound          = "line_not_found"
	CodeLineQuantityExceeded  = "line_quantity_exceeded"
	CodeInsufficientStock     = "insufficient_stock"
	CodeInvalidQuantity       = "invalid_quantity"
	// CodeReplayFailed marks a replayed key whose original attempt was
	// rejected; retrying the same key can never succeed.
	CodeReplayFailed = "replay_failed"
)

var (
	// ErrPrescriptionNotFound indicates the prescription does not exist.
	ErrPrescriptionNotFound = errors.New("prescription not found")
	// ErrPrescriptionCompleted indicates the prescription is fully dispensed.
	ErrPrescriptionCompleted = errors.New("prescription already completed")
	// ErrInvalidQuantity indicates a zero, negative or missing quantity.
	ErrInvalidQuantity = errors.New("invalid quantity")
)

// LineNotFoundError indicates the prescription has no line for a medicine in
// the request.
type LineNotFoundError struct {
	MedicineID uuid.UUID
}

func (e *LineNotFoundError) Error() string {
	return fmt.Sprintf("prescription has no line for medicine %s", e.MedicineID)
}

// LineQuantityError indicates a request for more than the line has remaining.
type LineQuantityError struct {
	MedicineID uuid.UUID
	Requested  int
	Remaining  int
}

func (e *LineQuantityError) Error() string {
	return fmt.Sprintf("medicine %s: requested %d exceeds remaining %d",
		e.MedicineID, e.Requested, e.Remaining)
}

// InsufficientStockError reports available stock so the caller can offer a
// partial dispense.
type InsufficientStockError struct {
	MedicineID uuid.UUID
	Requested  int
	Available  int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("medicine %s: requested %d but only %d in stock",
		e.MedicineID, e.Requested, e.Available)
}

// ErrorCode maps a dispense failure to its wire code; empty for errors that
// are not validation failures.
func ErrorCode(err error) string {
	var lineNotFound *LineNotFoundError
	var lineQty *LineQuantityError
	var stockErr *InsufficientStockError
	switch {
	case errors.Is(err, ErrPrescriptionNotFound):
		return CodePrescriptionNotFound
	case errors.Is(err, ErrPrescriptionCompleted):
		return CodePrescriptionCompleted
	case errors.Is(err, ErrInvalidQuantity):
		return CodeInvalidQuantity
	case errors.As(err, &lineNotFound):
		return CodeLineNotFound
	case errors.As(err, &lineQty):
		return CodeLineQuantityExceeded
	case errors.As(err, &stockErr):
		return CodeInsufficientStock
	}
	return ""
}

// IsValidation reports whether the error is a local validation failure that
// must not be retried automatically.
func IsValidation(err error) bool {
	return ErrorCode(err) != ""
}
