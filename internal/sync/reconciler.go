package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carepoint/dispensary/internal/domain/dispense"
	"github.com/carepoint/dispensary/internal/offline"
	"github.com/carepoint/dispensary/pkg/circuitbreaker"
)

// Progress is reported to the caller after every processed entry.
type Progress struct {
	Synced  int
	Failed  int
	Skipped int
	Total   int
	Percent float64
}

// Report summarises one sync pass.
type Report struct {
	Synced    int
	Failed    int
	Skipped   int
	Remaining int
}

// ErrSyncInProgress is returned when Sync is called while a pass is
// already draining the queue.
var ErrSyncInProgress = errors.New("sync already in progress")

// Reconciler drains the offline queue against the server, strictly in
// capture order. At most one pass runs at a time per process.
type Reconciler struct {
	queue      *offline.Queue
	client     Client
	logger     *zap.Logger
	onProgress func(Progress)

	running atomic.Bool
}

// NewReconciler builds a reconciler. onProgress may be nil.
func NewReconciler(queue *offline.Queue, client Client, logger *zap.Logger, onProgress func(Progress)) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		queue:      queue,
		client:     client,
		logger:     logger,
		onProgress: onProgress,
	}
}

// Sync runs one reconciliation pass. Entries are replayed oldest first.
// A validation rejection marks its entry failed and blocks every later
// entry in the pass that touches the same prescription or any of the
// rejected entry's medicines; unrelated entries keep flowing. Transient
// failures return the entry to pending. Cancelling ctx lets the
// in-flight entry finish and leaves the rest pending.
func (r *Reconciler) Sync(ctx context.Context) (*Report, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer r.running.Store(false)

	entries, err := r.queue.ListPending()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return &Report{}, nil
	}

	r.logger.Info("sync pass starting", zap.Int("entries", len(entries)))

	report := &Report{}
	blockedRx := make(map[uuid.UUID]struct{})
	blockedMed := make(map[uuid.UUID]struct{})

	for i, entry := range entries {
		if ctx.Err() != nil {
			r.logger.Info("sync cancelled",
				zap.Int("processed", i), zap.Int("remaining", len(entries)-i))
			break
		}

		req, err := entry.Request()
		if err != nil {
			// Unreadable payload cannot ever replay.
			r.logger.Error("discarding undecodable entry",
				zap.String("key", entry.IdempotencyKey), zap.Error(err))
			if derr := r.queue.Discard(entry.IdempotencyKey); derr != nil {
				r.logger.Error("discard failed", zap.Error(derr))
			}
			report.Failed++
			r.report(report, len(entries))
			continue
		}

		if r.isBlocked(req, blockedRx, blockedMed) {
			report.Skipped++
			r.report(report, len(entries))
			continue
		}

		if err := r.queue.MarkSyncing(entry.IdempotencyKey); err != nil {
			return report, err
		}

		result, err := r.client.Replay(ctx, req)
		switch {
		case err == nil:
			if err := r.queue.MarkSynced(entry.IdempotencyKey,
				result.ActionID.String(), result.InvoiceID.String()); err != nil {
				return report, err
			}
			report.Synced++
			r.logger.Info("entry synced",
				zap.String("key", entry.IdempotencyKey),
				zap.String("action_id", result.ActionID.String()),
				zap.Bool("replayed", result.Replayed))

		case IsTerminal(err):
			if merr := r.queue.MarkFailed(entry.IdempotencyKey, err.Error()); merr != nil {
				return report, merr
			}
			report.Failed++
			r.block(req, blockedRx, blockedMed)
			r.logger.Warn("entry rejected by server, needs review",
				zap.String("key", entry.IdempotencyKey),
				zap.String("prescription_id", req.PrescriptionID.String()),
				zap.Error(err))

		default:
			// Server unreachable or failing. Put the entry back and
			// stop the pass; a later trigger will resume here.
			if merr := r.queue.MarkPending(entry.IdempotencyKey); merr != nil {
				return report, merr
			}
			r.logger.Warn("transient sync failure, pass stopped",
				zap.String("key", entry.IdempotencyKey),
				zap.Bool("circuit_open", errors.Is(err, circuitbreaker.ErrOpen)),
				zap.Error(err))
			report.Remaining = len(entries) - i
			r.report(report, len(entries))
			return report, nil
		}

		r.report(report, len(entries))
	}

	report.Remaining = len(entries) - report.Synced - report.Failed - report.Skipped
	r.logger.Info("sync pass finished",
		zap.Int("synced", report.Synced),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Int("remaining", report.Remaining))
	return report, nil
}

// Run triggers a pass whenever the trigger channel fires (connectivity
// regained, manual button) and on a periodic ticker, until ctx ends.
func (r *Reconciler) Run(ctx context.Context, trigger <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger:
		case <-ticker.C:
		}

		if _, err := r.Sync(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
			r.logger.Error("sync pass aborted", zap.Error(err))
		}
	}
}

func (r *Reconciler) isBlocked(req *dispense.Request, rx, med map[uuid.UUID]struct{}) bool {
	if _, ok := rx[req.PrescriptionID]; ok {
		return true
	}
	for _, item := range req.Items {
		if _, ok := med[item.MedicineID]; ok {
			return true
		}
	}
	return false
}

func (r *Reconciler) block(req *dispense.Request, rx, med map[uuid.UUID]struct{}) {
	rx[req.PrescriptionID] = struct{}{}
	for _, item := range req.Items {
		med[item.MedicineID] = struct{}{}
	}
}

func (r *Reconciler) report(rep *Report, total int) {
	if r.onProgress == nil {
		return
	}
	done := rep.Synced + rep.Failed + rep.Skipped
	r.onProgress(Progress{
		Synced:  rep.Synced,
		Failed:  rep.Failed,
		Skipped: rep.Skipped,
		Total:   total,
		Percent: float64(done) / float64(total) * 100,
	})
}
