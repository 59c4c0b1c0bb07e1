// Package monitor watches the stock transaction stream and flags
// medicines that fall below their minimum level.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carepoint/dispensary/internal/domain/stock"
	"github.com/carepoint/dispensary/internal/infrastructure/redpanda"
	"github.com/carepoint/dispensary/internal/observability/metrics"
	"github.com/carepoint/dispensary/pkg/workerpool"
)

// Catalog is the slice of the stock ledger the monitor needs.
type Catalog interface {
	GetMedicine(ctx context.Context, id uuid.UUID) (*stock.Medicine, error)
}

// LowStock consumes stock.transactions and checks the touched medicine
// against its minimum level. Checks run on a worker pool so a burst of
// dispenses does not stall the consumer.
type LowStock struct {
	catalog Catalog
	logger  *zap.Logger
	metrics *metrics.Metrics

	pool     *workerpool.Pool
	consumer *redpanda.Consumer

	mu  sync.Mutex
	low map[uuid.UUID]struct{}
}

// NewLowStock builds the monitor. consumerCfg decides brokers and group;
// the topic is always the stock transaction feed.
func NewLowStock(catalog Catalog, consumerCfg redpanda.ConsumerConfig, m *metrics.Metrics, logger *zap.Logger) (*LowStock, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	ls := &LowStock{
		catalog: catalog,
		logger:  logger,
		metrics: m,
		low:     make(map[uuid.UUID]struct{}),
	}

	pool, err := workerpool.New(workerpool.DefaultConfig(), ls.check, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	ls.pool = pool

	consumerCfg.Topics = []string{redpanda.TopicStockTransactions}
	consumer, err := redpanda.NewConsumer(consumerCfg, ls.handle, logger)
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	ls.consumer = consumer

	return ls, nil
}

// Start launches the pool and the consumer.
func (ls *LowStock) Start() {
	ls.pool.Start()
	ls.consumer.Start()
}

// Stop drains the consumer, then the pool.
func (ls *LowStock) Stop() error {
	if err := ls.consumer.Stop(); err != nil {
		return err
	}
	return ls.pool.Stop()
}

// handle decodes one stock transaction and queues a threshold check.
func (ls *LowStock) handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var tx stock.Transaction
	if err := json.Unmarshal(msg.Value, &tx); err != nil {
		// A malformed event will never decode; drop it rather than
		// block the partition.
		ls.logger.Error("dropping undecodable stock event",
			zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	if ls.metrics != nil {
		ls.metrics.EventsConsumed.Inc()
	}

	// Every delta gets a full threshold check: a small restock can leave
	// the medicine below its minimum, so inflow alone never clears it.
	return ls.pool.Submit(&workerpool.Task{
		ID:      tx.ID.String(),
		Payload: tx.MedicineID,
	})
}

// check loads the medicine and updates the low-stock set.
func (ls *LowStock) check(ctx context.Context, task *workerpool.Task) error {
	medicineID := task.Payload.(uuid.UUID)

	med, err := ls.catalog.GetMedicine(ctx, medicineID)
	if err != nil {
		return fmt.Errorf("load medicine %s: %w", medicineID, err)
	}

	if med.CurrentStock < med.MinStock {
		ls.markLow(medicineID)
		ls.logger.Warn("medicine below minimum stock",
			zap.String("medicine_id", medicineID.String()),
			zap.String("name", med.Name),
			zap.Int("current", med.CurrentStock),
			zap.Int("minimum", med.MinStock))
	} else {
		ls.clearLow(medicineID)
	}
	return nil
}

// Low returns the medicine ids currently below minimum.
func (ls *LowStock) Low() []uuid.UUID {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(ls.low))
	for id := range ls.low {
		ids = append(ids, id)
	}
	return ids
}

func (ls *LowStock) markLow(id uuid.UUID) {
	ls.mu.Lock()
	_, present := ls.low[id]
	ls.low[id] = struct{}{}
	n := len(ls.low)
	ls.mu.Unlock()

	if !present && ls.metrics != nil {
		ls.metrics.LowStockMedicines.Set(float64(n))
	}
}

func (ls *LowStock) clearLow(id uuid.UUID) {
	ls.mu.Lock()
	_, present := ls.low[id]
	delete(ls.low, id)
	n := len(ls.low)
	ls.mu.Unlock()

	if present && ls.metrics != nil {
		ls.metrics.LowStockMedicines.Set(float64(n))
	}
}
