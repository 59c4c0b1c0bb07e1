// Package idempotency provides the server-side inbox that makes dispense
// replays apply at most once. Keys are client-generated UUIDs attached to
// offline queue entries; a key that already finished returns its stored
// result instead of re-running the handler.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status of an inbox entry.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry is one inbox record.
type Entry struct {
	IdempotencyKey string
	Status         Status
	Payload        json.RawMessage
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

// Config holds inbox configuration.
type Config struct {
	// DefaultTTL is how long finished entries are kept for replay lookups.
	DefaultTTL time.Duration
	// CleanupInterval is how often expired entries are removed.
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered crashed and
	// eligible for reprocessing.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns sensible defaults. The TTL must comfortably exceed
// the longest plausible offline period of a pharmacy terminal.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      30 * 24 * time.Hour,
		CleanupInterval: 1 * time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox manages idempotent replay processing.
type Inbox struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox.
func NewInbox(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("dispense-inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ErrInProgress indicates the key is currently being processed elsewhere.
var ErrInProgress = errors.New("replay in progress for this key")

// PermanentFailureError reports a key whose processing already failed
// terminally. Stored carries the error payload recorded at failure time.
type PermanentFailureError struct {
	Key    string
	Stored json.RawMessage
}

func (e *PermanentFailureError) Error() string {
	return fmt.Sprintf("key %s previously failed permanently: %s", e.Key, string(e.Stored))
}

// ProcessResult is the outcome of idempotent processing.
type ProcessResult struct {
	// Duplicate is true when the stored result was returned without running
	// the handler.
	Duplicate bool
	Result    json.RawMessage
}

// ProcessFunc runs the dispense for a not-yet-applied key.
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// TerminalFunc classifies handler errors: terminal errors (validation
// failures) are stored as FAILED and never reprocessed; everything else is
// RECOVERABLE and may be retried on the next sync pass.
type TerminalFunc func(err error) bool

// Process executes fn with at-most-once semantics for the key.
func (i *Inbox) Process(ctx context.Context, key string, payload json.RawMessage, fn ProcessFunc, isTerminal TerminalFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(attribute.String("idempotency_key", key)))
	defer span.End()

	entry, err := i.getEntry(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Duplicate: true, Result: entry.Result}, nil

		case StatusFailed:
			span.SetAttributes(attribute.Bool("previously_failed", true))
			return nil, &PermanentFailureError{Key: key, Stored: entry.Result}

		case StatusStarted:
			if time.Since(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrInProgress
			}
			// Stale STARTED entry, likely a crash. Fall through and retake.

		case StatusRecoverable:
			span.SetAttributes(attribute.Bool("recovered", true))
		}
	}

	if err := i.takeKey(ctx, key, payload); err != nil {
		return nil, fmt.Errorf("take key: %w", err)
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if isTerminal != nil && isTerminal(handlerErr) {
			status = StatusFailed
		}
		errPayload, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.markStatus(ctx, key, status, errPayload); err != nil {
			i.logger.Error("failed to mark inbox error status",
				zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.markStatus(ctx, key, StatusFinished, result); err != nil {
		// The dispense committed; losing the inbox mark only costs a
		// redundant engine-side key lookup on the next replay.
		i.logger.Error("failed to mark inbox finished",
			zap.String("key", key), zap.Error(err))
	}

	return &ProcessResult{Result: result}, nil
}

func (i *Inbox) getEntry(ctx context.Context, key string) (*Entry, error) {
	entry := &Entry{}
	err := i.pool.QueryRow(ctx, `
		SELECT idempotency_key, status, payload, result, created_at, updated_at, expires_at
		FROM dispense_inbox WHERE idempotency_key = $1`, key).Scan(
		&entry.IdempotencyKey, &entry.Status, &entry.Payload,
		&entry.Result, &entry.CreatedAt, &entry.UpdatedAt, &entry.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// takeKey claims the key as STARTED, creating or reclaiming the row.
func (i *Inbox) takeKey(ctx context.Context, key string, payload json.RawMessage) error {
	expiresAt := time.Now().Add(i.config.DefaultTTL)
	_, err := i.pool.Exec(ctx, `
		INSERT INTO dispense_inbox (idempotency_key, status, payload, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $2, updated_at = NOW()
		WHERE dispense_inbox.status IN ('RECOVERABLE', 'STARTED')`,
		key, StatusStarted, payload, expiresAt)
	return err
}

func (i *Inbox) markStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE dispense_inbox SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3`, status, result, key)
	return err
}

// StartCleanup starts the background cleanup goroutine.
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup goroutine.
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if err := i.cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

func (i *Inbox) cleanup(ctx context.Context) error {
	result, err := i.pool.Exec(ctx, `DELETE FROM dispense_inbox WHERE expires_at < NOW()`)
	if err != nil {
		return err
	}
	if result.RowsAffected() > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", result.RowsAffected()))
	}
	return nil
}

// RecoverStaleEntries marks stale STARTED entries as RECOVERABLE so the next
// replay attempt can retake them.
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	result, err := i.pool.Exec(ctx, `
		UPDATE dispense_inbox SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - $1::interval`, i.config.RecoveryTimeout.String())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
