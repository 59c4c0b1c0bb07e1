package monitor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carepoint/dispensary/internal/domain/stock"
	"github.com/carepoint/dispensary/internal/infrastructure/redpanda"
	"github.com/carepoint/dispensary/pkg/workerpool"
)

type fakeCatalog struct {
	medicines map[uuid.UUID]*stock.Medicine
}

func (f *fakeCatalog) GetMedicine(ctx context.Context, id uuid.UUID) (*stock.Medicine, error) {
	med, ok := f.medicines[id]
	if !ok {
		return nil, stock.ErrMedicineNotFound
	}
	return med, nil
}

func TestCheckFlagsAndClears(t *testing.T) {
	lowID, okID := uuid.New(), uuid.New()
	catalog := &fakeCatalog{medicines: map[uuid.UUID]*stock.Medicine{
		lowID: {ID: lowID, Name: "Amoxicillin 500mg", CurrentStock: 4, MinStock: 10},
		okID:  {ID: okID, Name: "Paracetamol 500mg", CurrentStock: 80, MinStock: 10},
	}}

	ls := &LowStock{catalog: catalog, logger: zap.NewNop(), low: make(map[uuid.UUID]struct{})}

	if err := ls.check(context.Background(), &workerpool.Task{Payload: lowID}); err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := ls.check(context.Background(), &workerpool.Task{Payload: okID}); err != nil {
		t.Fatalf("check: %v", err)
	}

	low := ls.Low()
	if len(low) != 1 || low[0] != lowID {
		t.Fatalf("low set = %v, want only %s", low, lowID)
	}

	// Restock brings it back above the line.
	catalog.medicines[lowID].CurrentStock = 25
	if err := ls.check(context.Background(), &workerpool.Task{Payload: lowID}); err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(ls.Low()) != 0 {
		t.Error("medicine still flagged after restock")
	}
}

func TestSmallRestockKeepsLowFlag(t *testing.T) {
	medID := uuid.New()
	catalog := &fakeCatalog{medicines: map[uuid.UUID]*stock.Medicine{
		medID: {ID: medID, Name: "Insulin glargine", CurrentStock: 2, MinStock: 10},
	}}

	ls := &LowStock{catalog: catalog, logger: zap.NewNop(), low: make(map[uuid.UUID]struct{})}
	pool, err := workerpool.New(workerpool.DefaultConfig(), ls.check, zap.NewNop())
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	ls.pool = pool
	pool.Start()

	if err := ls.check(context.Background(), &workerpool.Task{Payload: medID}); err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(ls.Low()) != 1 {
		t.Fatal("medicine not flagged while below minimum")
	}

	// Restock of one unit leaves the medicine at 3 of 10; the inflow event
	// must not clear the flag.
	catalog.medicines[medID].CurrentStock = 3
	tx := stock.Transaction{ID: uuid.New(), MedicineID: medID, Type: stock.TxRestock, Delta: 1}
	payload, err := json.Marshal(tx)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := ls.handle(context.Background(), &redpanda.ConsumedMessage{Value: payload}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := pool.Stop(); err != nil {
		t.Fatalf("stop pool: %v", err)
	}

	if len(ls.Low()) != 1 {
		t.Error("flag cleared by a restock that left stock below minimum")
	}
}
