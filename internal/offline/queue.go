// Package offline implements the terminal-resident capture queue. Dispenses
// recorded while the terminal is disconnected are stored here durably and
// replayed by the sync reconciler once connectivity returns.
package offline

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/carepoint/dispensary/internal/domain/dispense"
)

// SyncStatus of a queue entry.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSyncing SyncStatus = "syncing"
	StatusFailed  SyncStatus = "failed"
)

// ErrEntryNotFound indicates the idempotency key is not in the queue.
var ErrEntryNotFound = errors.New("queue entry not found")

// Entry is one captured dispense awaiting sync. The payload is whatever the
// terminal believed was valid at capture time; it is re-validated server-side
// at replay.
type Entry struct {
	IdempotencyKey string     `db:"idempotency_key"`
	Payload        []byte     `db:"payload"`
	Status         SyncStatus `db:"status"`
	RetryCount     int        `db:"retry_count"`
	LastError      string     `db:"last_error"`
	CapturedAt     time.Time  `db:"captured_at"`
}

// Request unmarshals the captured dispense request.
func (e *Entry) Request() (*dispense.Request, error) {
	req := &dispense.Request{}
	if err := json.Unmarshal(e.Payload, req); err != nil {
		return nil, fmt.Errorf("decode queue payload: %w", err)
	}
	return req, nil
}

// SyncedRecord is the history row kept after an entry syncs, holding the
// server-assigned identities for UI display.
type SyncedRecord struct {
	IdempotencyKey string    `db:"idempotency_key"`
	ActionID       string    `db:"action_id"`
	InvoiceID      string    `db:"invoice_id"`
	CapturedAt     time.Time `db:"captured_at"`
	SyncedAt       time.Time `db:"synced_at"`
}

// Queue is the durable capture queue over a local SQLite file. It survives
// process restart; nothing here ever touches the network.
type Queue struct {
	db     *sqlx.DB
	logger *zap.Logger
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS offline_queue (
		idempotency_key TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		captured_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_history (
		idempotency_key TEXT PRIMARY KEY,
		action_id TEXT NOT NULL,
		invoice_id TEXT NOT NULL,
		captured_at DATETIME NOT NULL,
		synced_at DATETIME NOT NULL
	)`,
}

// Open opens (or creates) the queue database at path. Use ":memory:" for
// tests only; real terminals need a file so captures survive restart.
func Open(path string, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("queue migration: %w", err)
		}
	}
	return &Queue{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error { return q.db.Close() }

// Enqueue captures a dispense request, assigns it a fresh idempotency key
// and stores it as pending. Returns the key. Never blocks on network and
// never fails due to connectivity.
func (q *Queue) Enqueue(req *dispense.Request) (string, error) {
	key := uuid.New().String()
	req.IdempotencyKey = key

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode queue payload: %w", err)
	}

	_, err = q.db.Exec(`
		INSERT INTO offline_queue (idempotency_key, payload, status, captured_at)
		VALUES (?, ?, ?, ?)`,
		key, payload, StatusPending, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	q.logger.Info("dispense captured offline",
		zap.String("idempotency_key", key),
		zap.String("prescription_id", req.PrescriptionID.String()))
	return key, nil
}

// ListPending returns pending and retriable failed entries in capture order,
// oldest first. Capture order matters: later entries may depend on stock
// states left by earlier ones.
func (q *Queue) ListPending() ([]*Entry, error) {
	var entries []*Entry
	err := q.db.Select(&entries, `
		SELECT idempotency_key, payload, status, retry_count, last_error, captured_at
		FROM offline_queue
		WHERE status IN (?, ?)
		ORDER BY captured_at ASC, rowid ASC`, StatusPending, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return entries, nil
}

// Failed returns entries needing human attention.
func (q *Queue) Failed() ([]*Entry, error) {
	var entries []*Entry
	err := q.db.Select(&entries, `
		SELECT idempotency_key, payload, status, retry_count, last_error, captured_at
		FROM offline_queue
		WHERE status = ?
		ORDER BY captured_at ASC, rowid ASC`, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}
	return entries, nil
}

// PendingCount returns how many entries await sync, for the "N items pending
// sync" indicator.
func (q *Queue) PendingCount() (int, error) {
	var count int
	err := q.db.Get(&count, `
		SELECT COUNT(*) FROM offline_queue WHERE status IN (?, ?)`,
		StatusPending, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return count, nil
}

// MarkSyncing transitions an entry to syncing.
func (q *Queue) MarkSyncing(key string) error {
	return q.setStatus(key, StatusSyncing)
}

// MarkPending returns an entry to pending, used after a transient sync
// failure so the next pass retries it.
func (q *Queue) MarkPending(key string) error {
	return q.setStatus(key, StatusPending)
}

// MarkSynced records the server-assigned identities in the history table and
// removes the entry from the queue.
func (q *Queue) MarkSynced(key, actionID, invoiceID string) error {
	tx, err := q.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var capturedAt time.Time
	err = tx.Get(&capturedAt, `SELECT captured_at FROM offline_queue WHERE idempotency_key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrEntryNotFound
	}
	if err != nil {
		return fmt.Errorf("load entry: %w", err)
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO sync_history (idempotency_key, action_id, invoice_id, captured_at, synced_at)
		VALUES (?, ?, ?, ?, ?)`,
		key, actionID, invoiceID, capturedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record history: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM offline_queue WHERE idempotency_key = ?`, key); err != nil {
		return fmt.Errorf("remove entry: %w", err)
	}
	return tx.Commit()
}

// MarkFailed keeps the entry, stores the error and increments the retry
// count so a human can decide after repeated failures.
func (q *Queue) MarkFailed(key, errMsg string) error {
	result, err := q.db.Exec(`
		UPDATE offline_queue
		SET status = ?, retry_count = retry_count + 1, last_error = ?
		WHERE idempotency_key = ?`,
		StatusFailed, errMsg, key)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return checkAffected(result)
}

// ResetSyncing returns entries stuck in syncing to pending; called at agent
// startup to recover from a crash mid-sync. Replay is idempotent server-side
// so re-attempting a possibly-applied entry is safe.
func (q *Queue) ResetSyncing() (int64, error) {
	result, err := q.db.Exec(`
		UPDATE offline_queue SET status = ? WHERE status = ?`,
		StatusPending, StatusSyncing)
	if err != nil {
		return 0, fmt.Errorf("reset syncing: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// Discard removes an entry without syncing it. Manual-intervention path for
// stale captures that can never replay.
func (q *Queue) Discard(key string) error {
	result, err := q.db.Exec(`DELETE FROM offline_queue WHERE idempotency_key = ?`, key)
	if err != nil {
		return fmt.Errorf("discard: %w", err)
	}
	return checkAffected(result)
}

// History returns synced records, newest first.
func (q *Queue) History(limit int) ([]*SyncedRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []*SyncedRecord
	err := q.db.Select(&records, `
		SELECT idempotency_key, action_id, invoice_id, captured_at, synced_at
		FROM sync_history ORDER BY synced_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return records, nil
}

func (q *Queue) setStatus(key string, status SyncStatus) error {
	result, err := q.db.Exec(`
		UPDATE offline_queue SET status = ? WHERE idempotency_key = ?`, status, key)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return checkAffected(result)
}

func checkAffected(result interface{ RowsAffected() (int64, error) }) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}
