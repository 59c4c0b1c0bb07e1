package dispense

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/carepoint/dispensary/internal/domain/billing"
	"github.com/carepoint/dispensary/internal/domain/prescription"
	"github.com/carepoint/dispensary/internal/domain/stock"
)

// -- In-memory store --
//
// memStore mimics the transactional behavior of the real store: WithinTx runs
// against a deep copy of the state and only installs it on success, so a
// failed dispense leaves no mutation behind.

type memEvent struct {
	topic string
	key   string
}

type memState struct {
	prescriptions map[uuid.UUID]*prescription.Prescription
	medicines     map[uuid.UUID]*stock.Medicine
	stockTxs      []*stock.Transaction
	actions       map[uuid.UUID]*Action
	actionsByKey  map[string]uuid.UUID
	invoices      map[uuid.UUID]*billing.Invoice
	invoiceByAct  map[uuid.UUID]uuid.UUID
	events        []memEvent
}

func newMemState() *memState {
	return &memState{
		prescriptions: make(map[uuid.UUID]*prescription.Prescription),
		medicines:     make(map[uuid.UUID]*stock.Medicine),
		actions:       make(map[uuid.UUID]*Action),
		actionsByKey:  make(map[string]uuid.UUID),
		invoices:      make(map[uuid.UUID]*billing.Invoice),
		invoiceByAct:  make(map[uuid.UUID]uuid.UUID),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for id, p := range s.prescriptions {
		cp := *p
		cp.Lines = nil
		for _, l := range p.Lines {
			cl := *l
			cp.Lines = append(cp.Lines, &cl)
		}
		c.prescriptions[id] = &cp
	}
	for id, m := range s.medicines {
		cm := *m
		c.medicines[id] = &cm
	}
	for _, st := range s.stockTxs {
		cs := *st
		c.stockTxs = append(c.stockTxs, &cs)
	}
	for id, a := range s.actions {
		ca := *a
		ca.Items = nil
		for _, it := range a.Items {
			ci := *it
			ca.Items = append(ca.Items, &ci)
		}
		c.actions[id] = &ca
	}
	for k, v := range s.actionsByKey {
		c.actionsByKey[k] = v
	}
	for id, inv := range s.invoices {
		ci := *inv
		ci.Lines = nil
		for _, l := range inv.Lines {
			cl := *l
			ci.Lines = append(ci.Lines, &cl)
		}
		c.invoices[id] = &ci
	}
	for k, v := range s.invoiceByAct {
		c.invoiceByAct[k] = v
	}
	c.events = append(c.events, s.events...)
	return c
}

type memStore struct {
	state *memState
}

func newMemStore() *memStore {
	return &memStore{state: newMemState()}
}

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	working := s.state.clone()
	if err := fn(ctx, &memTx{state: working}); err != nil {
		return err
	}
	s.state = working
	return nil
}

func (s *memStore) FindActionByClientKey(_ context.Context, key string) (*Action, error) {
	if id, ok := s.state.actionsByKey[key]; ok {
		return s.state.actions[id], nil
	}
	return nil, nil
}

func (s *memStore) FindInvoiceForAction(_ context.Context, actionID uuid.UUID) (*billing.Invoice, error) {
	if id, ok := s.state.invoiceByAct[actionID]; ok {
		return s.state.invoices[id], nil
	}
	return nil, nil
}

type memTx struct {
	state *memState
}

func (t *memTx) PrescriptionForUpdate(_ context.Context, id uuid.UUID) (*prescription.Prescription, error) {
	p, ok := t.state.prescriptions[id]
	if !ok {
		return nil, ErrPrescriptionNotFound
	}
	return p, nil
}

func (t *memTx) MedicineForUpdate(_ context.Context, id uuid.UUID) (*stock.Medicine, error) {
	m, ok := t.state.medicines[id]
	if !ok {
		return nil, stock.ErrMedicineNotFound
	}
	return m, nil
}

func (t *memTx) ApplyLine(_ context.Context, lineID uuid.UUID, dispensedQty int, dispensed bool) error {
	for _, p := range t.state.prescriptions {
		for _, l := range p.Lines {
			if l.ID == lineID {
				if dispensedQty > l.PrescribedQty {
					return errors.New("dispensed quantity exceeds prescribed")
				}
				l.DispensedQty = dispensedQty
				l.Dispensed = dispensed
				return nil
			}
		}
	}
	return errors.New("line not found")
}

func (t *memTx) SetPrescriptionStatus(_ context.Context, id uuid.UUID, status prescription.Status) error {
	p, ok := t.state.prescriptions[id]
	if !ok {
		return ErrPrescriptionNotFound
	}
	p.Status = status
	return nil
}

func (t *memTx) AppendStock(_ context.Context, st *stock.Transaction) error {
	m, ok := t.state.medicines[st.MedicineID]
	if !ok {
		return stock.ErrMedicineNotFound
	}
	if m.CurrentStock+st.Delta < 0 {
		return stock.ErrStockUnderflow
	}
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	m.CurrentStock += st.Delta
	t.state.stockTxs = append(t.state.stockTxs, st)
	return nil
}

func (t *memTx) ActionByClientKey(_ context.Context, key string) (*Action, error) {
	if id, ok := t.state.actionsByKey[key]; ok {
		return t.state.actions[id], nil
	}
	return nil, nil
}

func (t *memTx) InsertAction(_ context.Context, a *Action) error {
	t.state.actions[a.ID] = a
	if a.ClientKey != nil {
		t.state.actionsByKey[*a.ClientKey] = a.ID
	}
	return nil
}

func (t *memTx) FindInvoiceByAction(_ context.Context, actionID uuid.UUID) (*billing.Invoice, error) {
	if id, ok := t.state.invoiceByAct[actionID]; ok {
		return t.state.invoices[id], nil
	}
	return nil, nil
}

func (t *memTx) InsertInvoice(_ context.Context, inv *billing.Invoice) error {
	t.state.invoices[inv.ID] = inv
	if inv.ActionID != nil {
		t.state.invoiceByAct[*inv.ActionID] = inv.ID
	}
	return nil
}

func (t *memTx) PublishEvent(_ context.Context, topic, key string, _ any) error {
	t.state.events = append(t.state.events, memEvent{topic: topic, key: key})
	return nil
}

// -- Fixtures --

func seedMedicine(s *memStore, stockQty int, priceCents int64) uuid.UUID {
	id := uuid.New()
	s.state.medicines[id] = &stock.Medicine{
		ID:             id,
		Name:           "amoxicillin 500mg",
		CurrentStock:   stockQty,
		MinStock:       5,
		UnitPriceCents: priceCents,
	}
	return id
}

func seedPrescription(s *memStore, lines map[uuid.UUID]int) (uuid.UUID, uuid.UUID) {
	pid := uuid.New()
	patient := uuid.New()
	p := &prescription.Prescription{
		ID:        pid,
		PatientID: patient,
		Status:    prescription.StatusActive,
	}
	for medID, qty := range lines {
		p.Lines = append(p.Lines, &prescription.Line{
			ID:             uuid.New(),
			PrescriptionID: pid,
			MedicineID:     medID,
			PrescribedQty:  qty,
		})
	}
	s.state.prescriptions[pid] = p
	return pid, patient
}

func newTestEngine(s *memStore) *Engine {
	return NewEngine(s, billing.NewGenerator(nil), nil)
}

func ledgerSum(s *memStore, medID uuid.UUID) int {
	sum := 0
	for _, st := range s.state.stockTxs {
		if st.MedicineID == medID {
			sum += st.Delta
		}
	}
	return sum
}

// -- Tests --

func TestDispenseFullLine(t *testing.T) {
	store := newMemStore()
	med := seedMedicine(store, 10, 250)
	pid, _ := seedPrescription(store, map[uuid.UUID]int{med: 10})

	engine := newTestEngine(store)
	res, err := engine.Dispense(context.Background(), &Request{
		PrescriptionID: pid,
		PharmacistID:   uuid.New(),
		Items:          []RequestItem{{MedicineID: med, Quantity: 10}},
	})
	if err != nil {
		t.Fatalf("dispense failed: %v", err)
	}

	if res.PrescriptionStatus != prescription.StatusCompleted {
		t.Errorf("expected completed prescription, got %s", res.PrescriptionStatus)
	}
	if res.DispensedCents != 2500 {
		t.Errorf("expected total 2500, got %d", res.DispensedCents)
	}
	if store.state.medicines[med].CurrentStock != 0 {
		t.Errorf("expected stock 0, got %d", store.state.medicines[med].CurrentStock)
	}
	line := store.state.prescriptions[pid].Lines[0]
	if line.DispensedQty != 10 || !line.Dispensed {
		t.Errorf("line not fully dispensed: qty=%d flag=%v", line.DispensedQty, line.Dispensed)
	}
	if len(store.state.actions) != 1 {
		t.Errorf("expected 1 action, got %d", len(store.state.actions))
	}
	if len(store.state.invoices) != 1 {
		t.Fatalf("expected 1 invoice, got %d", len(store.state.invoices))
	}
	inv := store.state.invoices[res.InvoiceID]
	if inv.TotalCents != 2500 {
		t.Errorf("invoice total %d, want 2500", inv.TotalCents)
	}
	if inv.Status != billing.PaymentPending {
		t.Errorf("invoice status %s, want pending", inv.Status)
	}
	act := store.state.actions[res.ActionID]
	if act.Status != StatusDispensed {
		t.Errorf("action status %s, want dispensed", act.Status)
	}
}

func TestDispenseLineQuantityExceeded(t *testing.T) {
	store := newMemStore()
	med := seedMedicine(store, 100, 250)
	pid, _ := seedPrescription(store, map[uuid.UUID]int{med: 10})

	engine := newTestEngine(store)
	_, err := engine.Dispense(context.Background(), &Request{
		PrescriptionID: pid,
		PharmacistID:   uuid.New(),
		Items:          []RequestItem{{MedicineID: med, Quantity: 15}},
	})

	var lineErr *LineQuantityError
	if !errors.As(err, &lineErr) {
		t.Fatalf("expected LineQuantityError, got %v", err)
	}
	if lineErr.MedicineID != med || lineErr.Remaining != 10 {
		t.Errorf("error details wrong: %+v", lineErr)
	}
	if store.state.medicines[med].CurrentStock != 100 {
		t.Errorf("stock mutated on rejected dispense: %d", store.state.medicines[med].CurrentStock)
	}
	if len(store.state.actions) != 0 || len(store.state.invoices) != 0 {
		t.Error("action or invoice created on rejected dispense")
	}
}

func TestDispenseInsufficientStock(t *testing.T) {
	store := newMemStore()
	med := seedMedicine(store, 3, 250)
	pid, _ := seedPrescription(store, map[uuid.UUID]int{med: 10})

	engine := newTestEngine(store)
	_, err := engine.Dispense(context.Background(), &Request{
		PrescriptionID: pid,
		PharmacistID:   uuid.New(),
		Items:          []RequestItem{{MedicineID: med, Quantity: 5}},
	})

	var stockErr *InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if stockErr.Available != 3 {
		t.Errorf("expected available 3, got %d", stockErr.Available)
	}
	if store.state.medicines[med].CurrentStock != 3 {
		t.Error("stock mutated on rejected dispense")
	}
}

func TestDispenseMultiBatchCombinesQuantities(t *testing.T) {
	store := newMemStore()
	med := seedMedicine(store, 10, 250)
	pid, _ := seedPrescription(store, map[uuid.UUID]int{med: 10})

	engine := newTestEngine(store)
	res, err := engine.Dispense(context.Background(), &Request{
		PrescriptionID: pid,
		PharmacistID:   uuid.New(),
		Items: []RequestItem{
			{MedicineID: med, Quantity: 6, BatchNumber: "LOT-A1"},
			{MedicineID: med, Quantity: 4, BatchNumber: "LOT-B2"},
		},
	})
	if err != nil {
		t.Fatalf("dispense failed: %v", err)
	}

	if res.PrescriptionStatus != prescription.StatusCompleted {
		t.Errorf("expected completed prescription, got %s", res.PrescriptionStatus)
	}
	if store.state.medicines[med].CurrentStock != 0 {
		t.Errorf("expected stock 0, got %d", store.state.medicines[med].CurrentStock)
	}
	act := store.state.actions[res.ActionID]
	if len(act.Items) != 2 {
		t.Fatalf("expected 2 action items, got %d", len(act.Items))
	}
	if act.Items[0].BatchNumber != "LOT-A1" || act.Items[1].BatchNumber != "LOT-B2" {
		t.Errorf("batch numbers lost: %s, %s", act.Items[0].BatchNumber, act.Items[1].BatchNumber)
	}
	if res.DispensedCents != 2500 {
		t.Errorf("expected total 2500, got %d", res.DispensedCents)
	}
}

func TestDispenseMultiBatchInsufficientCombinedStock(t *testing.T) {
	store := newMemStore()
	med := seedMedicine(store, 8, 250)
	pid, _ := seedPrescription(store, map[uuid.UUID]int{med: 10})

	engine := newTestEngine(store)
	_, err := engine.Dispense(context.Background(), &Request{
		PrescriptionID: pid,
		PharmacistID:   uuid.New(),
		Items: []RequestItem{
			{MedicineID: med, Quantity: 5, BatchNumber: "LOT-A1"},
			{MedicineID: med, Quantity: 5, BatchNumber: "LOT-B2"},
		},
	})

	var stockErr *InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if stockErr.Requested != 10 || stockErr.Available != 8 {
		t.Errorf("expected requested 10 available 8, got %+v", stockErr)
	}
	if store.state.medicines[med].CurrentStock != 8 {
		t.Error("stock mutated on rejected dispense")
	}
	if len(store.state.stockTxs) != 0 {
		t.Errorf("%d stock transactions written on rejected dispense", len(store.state.stockTxs))
	}
}

func TestDispenseMultiBatchExceedsLineCombined(t *testing.T) {
	store := newMemStore()
	med := seedMedicine(store, 100, 250)
	pid, _ := seedPrescription(store, map[uuid.UUID]int{med: 8})

	engine := newTestEngine(store)
	_, err := engine.Dispense(context.Background(), &Request{
		PrescriptionID: pid,
		PharmacistID:   uuid.New(),
		Items: []RequestItem{
			{MedicineID: med, Quantity: 5, BatchNumber: "LOT-A1"},
			{MedicineID: med, Quantity: 5, BatchNumber: "LOT-B2"},
		},
	})

	var lineErr *LineQuantityError
	if !errors.As(err, &lineErr) {
		t.Fatalf("expected LineQuantityError, got %v", err)
	}
	if lineErr.Requested != 10 || lineErr.Remaining != 8 {
		t.Errorf("expected requested 10 remaining 8, got %+v", lineErr)
	}
	for _, line := range store.state.prescriptions[pid].Lines {
		if line.DispensedQty != 0 {
			t.Errorf("line mutated on rejected dispense: %d", line.DispensedQty)
		}
	}
}

func TestDispenseAllOrNothing(t *testing.T) {
	store := newMemStore()
	medA := seedMedicine(store, 50, 100)
	medB := seedMedicine(store, 2, 300)
	pid, _ := seedPrescription(store, map[uuid.UUID]int{medA: 10, medB: 10})

	engine := newTestEngine(store)
	_, err := engine.Dispense(context.Background(), &Request{
		PrescriptionID: pid,
		PharmacistID:   uuid.New(),
		Items: []RequestItem{
			{MedicineID: medA, Quantity: 10},
			{MedicineID: medB, Quantity: 5}, // only 2 in stock
		},
	})

	var stockErr *InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if store.state.medicines[medA].CurrentStock != 50 {
		t.Errorf("medicine A stock mutated: %d", store.state.medicines[medA].CurrentStock)
	}
	for _, line := range store.state.prescriptions[pid].Lines {
		if line.DispensedQty != 0 {
			t.Errorf("line mutated on failed dispense: %d", line.DispensedQty)
		}
	}
	if len(store.state.stockTxs) != 0 {
		t.Errorf("%d stock transactions written on failed dispense", len(store.state.stockTxs))
	}
}

func TestDispensePartialKeepsPrescriptionActive(t *testing.T) {
	store := newMemStore()
	med := seedMedicine(store, 20, 150)
	pid, _ := seedPrescription(store, map[uuid.UUID]int{med: 10})

	engine := newTestEngine(store)
	res, err := engine.Dispense(context.Background(), &Request{
		PrescriptionID: pid,
		PharmacistID:   uuid.New(),
		Items:          []RequestItem{{MedicineID: med, Quantity: 4}},
	})
	if err != nil {
		t.Fatalf("dispense failed: %v", err)
	}

	if res.PrescriptionStatus != prescription.StatusActive {
		t.Errorf("expected active prescription, got %s", res.PrescriptionStatus)
	}
	if store.state.actions[res.ActionID].Status != StatusPartial {
		t.Error("expected partially_dispensed action status")
	}

	// Second visit completes the line.
	res2, err := engine.Dispense(context.Background(), &Request{
		PrescriptionID: pid,
		PharmacistID:   uuid.New(),
		Items:          []RequestItem{{MedicineID: med, Quantity: 6}},
	})
	if err != nil {
		t.Fatalf("second dispense failed: %v", err)
	}
	if res2.PrescriptionStatus != prescription.StatusCompleted {
		t.Errorf("expected completed after second visit, got %s", res2.PrescriptionStatus)
	}

	// A third attempt must be rejected.
	_, err = engine.Dispense(context.Background(), &Request{
		PrescriptionID: pid,
		PharmacistID:   uuid.New(),
		Items:          []RequestItem{{MedicineID: med, Quantity: 1}},
	})
	if !errors.Is(err, ErrPrescriptionCompleted) {
		t.Errorf("expected ErrPrescriptionCompleted, got %v", err)
	}
}

func TestDispenseIdempotencyKeyReplay(t *testing.T) {
	store := newMemStore()
	med := seedMedicine(store, 10, 250)
	pid, _ := seedPrescription(store, map[uuid.UUID]int{med: 10})

	engine := newTestEngine(store)
	req := &Request{
		PrescriptionID: pid,
		PharmacistID:   uuid.New(),
		Items:          []RequestItem{{MedicineID: med, Quantity: 10}},
		IdempotencyKey: uuid.New().String(),
	}

	first, err := engine.Dispense(context.Background(), req)
	if err != nil {
		t.Fatalf("first dispense failed: %v", err)
	}
	second, err := engine.Dispense(context.Background(), req)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	if !second.Replayed {
		t.Error("expected replayed result")
	}
	if first.ActionID != second.ActionID {
		t.Error("replay created a second action")
	}
	if first.InvoiceID != second.InvoiceID {
		t.Error("replay created a second invoice")
	}
	if len(store.state.actions) != 1 || len(store.state.invoices) != 1 {
		t.Errorf("expected 1 action and 1 invoice, got %d/%d",
			len(store.state.actions), len(store.state.invoices))
	}
	if store.state.medicines[med].CurrentStock != 0 {
		t.Errorf("replay mutated stock: %d", store.state.medicines[med].CurrentStock)
	}
}

func TestDispensePriceLockedAtCapture(t *testing.T) {
	store := newMemStore()
	med := seedMedicine(store, 10, 999) // catalog price changed after capture
	pid, _ := seedPrescription(store, map[uuid.UUID]int{med: 10})

	engine := newTestEngine(store)
	res, err := engine.Dispense(context.Background(), &Request{
		PrescriptionID: pid,
		PharmacistID:   uuid.New(),
		Items:          []RequestItem{{MedicineID: med, Quantity: 2, UnitPriceCents: 250}},
	})
	if err != nil {
		t.Fatalf("dispense failed: %v", err)
	}
	if res.DispensedCents != 500 {
		t.Errorf("expected captured price 2x250=500, got %d", res.DispensedCents)
	}
}

func TestDispenseUnknownPrescription(t *testing.T) {
	store := newMemStore()
	med := seedMedicine(store, 10, 250)

	engine := newTestEngine(store)
	_, err := engine.Dispense(context.Background(), &Request{
		PrescriptionID: uuid.New(),
		PharmacistID:   uuid.New(),
		Items:          []RequestItem{{MedicineID: med, Quantity: 1}},
	})
	if !errors.Is(err, ErrPrescriptionNotFound) {
		t.Errorf("expected ErrPrescriptionNotFound, got %v", err)
	}
}

func TestDispenseInvalidQuantity(t *testing.T) {
	store := newMemStore()
	med := seedMedicine(store, 10, 250)
	pid, _ := seedPrescription(store, map[uuid.UUID]int{med: 10})

	engine := newTestEngine(store)
	for _, qty := range []int{0, -3} {
		_, err := engine.Dispense(context.Background(), &Request{
			PrescriptionID: pid,
			PharmacistID:   uuid.New(),
			Items:          []RequestItem{{MedicineID: med, Quantity: qty}},
		})
		if !errors.Is(err, ErrInvalidQuantity) {
			t.Errorf("qty %d: expected ErrInvalidQuantity, got %v", qty, err)
		}
	}
}

func TestDispenseLedgerConsistency(t *testing.T) {
	store := newMemStore()
	med := seedMedicine(store, 20, 100)
	pid, _ := seedPrescription(store, map[uuid.UUID]int{med: 15})

	engine := newTestEngine(store)
	for _, qty := range []int{5, 7, 3} {
		if _, err := engine.Dispense(context.Background(), &Request{
			PrescriptionID: pid,
			PharmacistID:   uuid.New(),
			Items:          []RequestItem{{MedicineID: med, Quantity: qty}},
		}); err != nil {
			t.Fatalf("dispense %d failed: %v", qty, err)
		}
	}

	// Projection must equal initial seed plus the sum of ledger deltas.
	if got := 20 + ledgerSum(store, med); got != store.state.medicines[med].CurrentStock {
		t.Errorf("projection %d != seed+ledger %d", store.state.medicines[med].CurrentStock, got)
	}
	if store.state.medicines[med].CurrentStock != 5 {
		t.Errorf("expected stock 5, got %d", store.state.medicines[med].CurrentStock)
	}
}

func TestDispensePublishesEvents(t *testing.T) {
	store := newMemStore()
	med := seedMedicine(store, 10, 250)
	pid, _ := seedPrescription(store, map[uuid.UUID]int{med: 10})

	engine := newTestEngine(store)
	if _, err := engine.Dispense(context.Background(), &Request{
		PrescriptionID: pid,
		PharmacistID:   uuid.New(),
		Items:          []RequestItem{{MedicineID: med, Quantity: 10}},
	}); err != nil {
		t.Fatalf("dispense failed: %v", err)
	}

	counts := map[string]int{}
	for _, e := range store.state.events {
		counts[e.topic]++
	}
	if counts[TopicStockTx] != 1 || counts[TopicActions] != 1 || counts[TopicInvoices] != 1 {
		t.Errorf("unexpected event counts: %v", counts)
	}
}
