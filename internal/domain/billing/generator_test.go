package billing

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

type mockStore struct {
	invoices map[uuid.UUID]*Invoice
	inserts  int
}

func newMockStore() *mockStore {
	return &mockStore{invoices: make(map[uuid.UUID]*Invoice)}
}

func (m *mockStore) FindInvoiceByAction(_ context.Context, actionID uuid.UUID) (*Invoice, error) {
	for _, inv := range m.invoices {
		if inv.ActionID != nil && *inv.ActionID == actionID {
			return inv, nil
		}
	}
	return nil, nil
}

func (m *mockStore) InsertInvoice(_ context.Context, inv *Invoice) error {
	m.invoices[inv.ID] = inv
	m.inserts++
	return nil
}

func TestGenerateForAction(t *testing.T) {
	store := newMockStore()
	gen := NewGenerator(nil)
	actionID, patientID := uuid.New(), uuid.New()
	medA, medB := uuid.New(), uuid.New()

	inv, err := gen.GenerateForAction(context.Background(), store, actionID, patientID, []Item{
		{MedicineID: medA, Quantity: 3, UnitPriceCents: 250},
		{MedicineID: medB, Quantity: 2, UnitPriceCents: 1000},
	})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	if inv.TotalCents != 3*250+2*1000 {
		t.Errorf("total %d, want %d", inv.TotalCents, 3*250+2*1000)
	}
	if inv.Status != PaymentPending {
		t.Errorf("status %s, want pending", inv.Status)
	}
	if len(inv.Lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(inv.Lines))
	}
	for _, line := range inv.Lines {
		if line.TotalCents != int64(line.Quantity)*line.UnitPriceCents {
			t.Errorf("line total %d inconsistent with %d x %d",
				line.TotalCents, line.Quantity, line.UnitPriceCents)
		}
	}
	if inv.ActionID == nil || *inv.ActionID != actionID {
		t.Error("invoice does not reference its action")
	}
}

func TestGenerateForActionIdempotent(t *testing.T) {
	store := newMockStore()
	gen := NewGenerator(nil)
	actionID, patientID := uuid.New(), uuid.New()
	items := []Item{{MedicineID: uuid.New(), Quantity: 1, UnitPriceCents: 500}}

	first, err := gen.GenerateForAction(context.Background(), store, actionID, patientID, items)
	if err != nil {
		t.Fatalf("first generate failed: %v", err)
	}
	second, err := gen.GenerateForAction(context.Background(), store, actionID, patientID, items)
	if err != nil {
		t.Fatalf("second generate failed: %v", err)
	}

	if first.ID != second.ID {
		t.Error("second invocation created a different invoice")
	}
	if store.inserts != 1 {
		t.Errorf("expected 1 insert, got %d", store.inserts)
	}
}

func TestGenerateForActionEmptyItems(t *testing.T) {
	store := newMockStore()
	gen := NewGenerator(nil)

	if _, err := gen.GenerateForAction(context.Background(), store, uuid.New(), uuid.New(), nil); err == nil {
		t.Error("expected error for empty item list")
	}
}
