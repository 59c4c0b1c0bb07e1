package offline

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/carepoint/dispensary/internal/domain/dispense"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"), nil)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func testRequest() *dispense.Request {
	return &dispense.Request{
		PrescriptionID: uuid.New(),
		PharmacistID:   uuid.New(),
		Items: []dispense.RequestItem{
			{MedicineID: uuid.New(), Quantity: 2, UnitPriceCents: 250},
		},
	}
}

func TestEnqueueAndListPending(t *testing.T) {
	q := testQueue(t)

	keyA, err := q.Enqueue(testRequest())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	keyB, err := q.Enqueue(testRequest())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	entries, err := q.ListPending()
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	// Capture order, oldest first.
	if entries[0].IdempotencyKey != keyA || entries[1].IdempotencyKey != keyB {
		t.Error("entries not in capture order")
	}

	req, err := entries[0].Request()
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if req.IdempotencyKey != keyA {
		t.Errorf("payload key %s, want %s", req.IdempotencyKey, keyA)
	}

	count, err := q.PendingCount()
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if count != 2 {
		t.Errorf("pending count %d, want 2", count)
	}
}

func TestListPendingBreaksTimestampTies(t *testing.T) {
	q := testQueue(t)

	// Entries captured within the same clock instant still replay in
	// insertion order.
	capturedAt := time.Now().UTC()
	keys := []string{uuid.New().String(), uuid.New().String(), uuid.New().String()}
	for _, key := range keys {
		_, err := q.db.Exec(`
			INSERT INTO offline_queue (idempotency_key, payload, status, captured_at)
			VALUES (?, ?, ?, ?)`,
			key, []byte(`{}`), StatusPending, capturedAt)
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	entries, err := q.ListPending()
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, key := range keys {
		if entries[i].IdempotencyKey != key {
			t.Errorf("entry %d = %s, want %s", i, entries[i].IdempotencyKey, key)
		}
	}
}

func TestMarkSyncedRemovesAndRecordsHistory(t *testing.T) {
	q := testQueue(t)

	key, _ := q.Enqueue(testRequest())
	if err := q.MarkSyncing(key); err != nil {
		t.Fatalf("mark syncing: %v", err)
	}

	actionID, invoiceID := uuid.New().String(), uuid.New().String()
	if err := q.MarkSynced(key, actionID, invoiceID); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	count, _ := q.PendingCount()
	if count != 0 {
		t.Errorf("entry still pending after sync: count=%d", count)
	}

	records, err := q.History(10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(records))
	}
	if records[0].ActionID != actionID || records[0].InvoiceID != invoiceID {
		t.Error("history record missing server-assigned ids")
	}
}

func TestMarkFailedKeepsEntryAndCountsRetries(t *testing.T) {
	q := testQueue(t)

	key, _ := q.Enqueue(testRequest())
	if err := q.MarkFailed(key, "insufficient_stock: 3 available"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := q.MarkFailed(key, "insufficient_stock: 3 available"); err != nil {
		t.Fatalf("mark failed again: %v", err)
	}

	failed, err := q.Failed()
	if err != nil {
		t.Fatalf("failed list: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed entry, got %d", len(failed))
	}
	if failed[0].RetryCount != 2 {
		t.Errorf("retry count %d, want 2", failed[0].RetryCount)
	}
	if failed[0].LastError == "" {
		t.Error("last error not stored")
	}

	// Failed entries stay retriable: they appear in the pending list.
	pending, _ := q.ListPending()
	if len(pending) != 1 {
		t.Errorf("failed entry not listed for retry: %d", len(pending))
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")

	q, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	key, _ := q.Enqueue(testRequest())
	q.Close()

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	entries, err := reopened.ListPending()
	if err != nil {
		t.Fatalf("list after reopen: %v", err)
	}
	if len(entries) != 1 || entries[0].IdempotencyKey != key {
		t.Error("entry lost across restart")
	}
}

func TestResetSyncing(t *testing.T) {
	q := testQueue(t)

	key, _ := q.Enqueue(testRequest())
	q.MarkSyncing(key)

	n, err := q.ResetSyncing()
	if err != nil {
		t.Fatalf("reset syncing: %v", err)
	}
	if n != 1 {
		t.Errorf("reset %d entries, want 1", n)
	}

	entries, _ := q.ListPending()
	if len(entries) != 1 || entries[0].Status != StatusPending {
		t.Error("entry not returned to pending")
	}
}

func TestDiscard(t *testing.T) {
	q := testQueue(t)

	key, _ := q.Enqueue(testRequest())
	if err := q.Discard(key); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if err := q.Discard(key); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}
}
