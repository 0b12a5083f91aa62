package worker

import (
	"context"
	"time"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
)

// BatchMaker seals the transactions of the clients into batches, when the batch is full
// or when the batch delay expires.
type BatchMaker struct {
	updatable *config.Updatable
	metrics   *metrics.WorkerMetrics
	logger    hclog.Logger

	rxTransactions <-chan []byte
	txQuorumWaiter chan<- *types.Batch

	current *types.Batch
	size    int
}

func newBatchMaker(conf *config.Config, m *metrics.WorkerMetrics, logger hclog.Logger, rxTransactions <-chan []byte,
	txQuorumWaiter chan<- *types.Batch) *BatchMaker {
	return &BatchMaker{
		updatable:      conf.Updatable,
		metrics:        m,
		logger:         logger,
		rxTransactions: rxTransactions,
		txQuorumWaiter: txQuorumWaiter,
		current:        &types.Batch{},
	}
}

// Run seals batches until ctx is done. The parameters are read again after every event so
// updates apply to the batch being filled.
func (b *BatchMaker) Run(ctx context.Context) error {
	timer := time.NewTimer(b.updatable.Load().MaxBatchDelay)
	defer timer.Stop()
	for {
		select {
		case tx := <-b.rxTransactions:
			b.current.Transactions = append(b.current.Transactions, tx)
			b.size += len(tx)
			if b.size >= b.updatable.Load().BatchSize {
				if !b.seal(ctx) {
					return nil
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(b.updatable.Load().MaxBatchDelay)
			}
		case <-timer.C:
			if len(b.current.Transactions) > 0 {
				if !b.seal(ctx) {
					return nil
				}
			}
			timer.Reset(b.updatable.Load().MaxBatchDelay)
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *BatchMaker) seal(ctx context.Context) bool {
	batch := b.current
	b.metrics.BatchesSealed.Inc()
	b.metrics.BatchSize.Observe(float64(b.size))
	b.logger.Debug("batch sealed", "transactions", len(batch.Transactions), "size", b.size)
	b.current = &types.Batch{}
	b.size = 0

	select {
	case b.txQuorumWaiter <- batch:
		return true
	case <-ctx.Done():
		return false
	}
}
