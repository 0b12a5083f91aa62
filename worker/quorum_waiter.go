package worker

import (
	"context"
	"time"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/conn"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
)

const maxResendBackoff = 8 // times the base delay

type ack struct {
	digest types.Digest
	from   string
}

type pendingBatch struct {
	batch *types.Batch
	stake uint64
	acked map[string]struct{}
	next  time.Time
	delay time.Duration
}

// QuorumWaiter broadcasts our batches to the other authorities and waits until a quorum of
// stake stored them. Peers that did not acknowledge are sent the batch again.
type QuorumWaiter struct {
	name       string
	id         types.WorkerID
	committee  *config.Committee
	sender     *conn.Sender
	retryDelay time.Duration
	metrics    *metrics.WorkerMetrics
	logger     hclog.Logger

	rxBatchMaker <-chan *types.Batch
	rxAcks       <-chan ack
	txProcessor  chan<- *types.Batch

	pending map[types.Digest]*pendingBatch
}

func newQuorumWaiter(conf *config.Config, id types.WorkerID, sender *conn.Sender, m *metrics.WorkerMetrics,
	logger hclog.Logger, rxBatchMaker <-chan *types.Batch, rxAcks <-chan ack, txProcessor chan<- *types.Batch) *QuorumWaiter {
	return &QuorumWaiter{
		name:         conf.Name,
		id:           id,
		committee:    conf.Committee,
		sender:       sender,
		retryDelay:   conf.Parameters.SyncRetryDelay,
		metrics:      m,
		logger:       logger,
		rxBatchMaker: rxBatchMaker,
		rxAcks:       rxAcks,
		txProcessor:  txProcessor,
		pending:      make(map[types.Digest]*pendingBatch),
	}
}

// Run waits for the acknowledgements until ctx is done.
func (q *QuorumWaiter) Run(ctx context.Context) error {
	resolution := q.retryDelay
	if resolution > time.Second {
		resolution = time.Second
	}
	ticker := time.NewTicker(resolution)
	defer ticker.Stop()

	for {
		select {
		case batch := <-q.rxBatchMaker:
			digest := batch.Digest()
			p := &pendingBatch{
				batch: batch,
				stake: q.committee.Stake(q.name),
				acked: map[string]struct{}{q.name: {}},
				next:  time.Now().Add(q.retryDelay),
				delay: q.retryDelay,
			}
			// registered first, so an ack can never precede it
			q.pending[digest] = p
			if err := q.sender.Broadcast(ctx, q.committee.OtherWorkers(q.name, q.id), BatchTag, batch); err != nil {
				q.logger.Error("fail to broadcast the batch", "digest", digest.Short(), "error", err)
			}
			if !q.check(ctx, digest, p) {
				return nil
			}
		case a := <-q.rxAcks:
			p, ok := q.pending[a.digest]
			if !ok {
				continue
			}
			if _, ok := p.acked[a.from]; ok {
				continue
			}
			p.acked[a.from] = struct{}{}
			p.stake += q.committee.Stake(a.from)
			if !q.check(ctx, a.digest, p) {
				return nil
			}
		case now := <-ticker.C:
			q.resend(ctx, now)
		case <-ctx.Done():
			return nil
		}
	}
}

// check hands the batch to the processor once a quorum stored it. It returns false when
// ctx is done.
func (q *QuorumWaiter) check(ctx context.Context, digest types.Digest, p *pendingBatch) bool {
	if p.stake < q.committee.QuorumThreshold() {
		return true
	}
	delete(q.pending, digest)
	q.metrics.BatchesAcknowledged.Inc()
	select {
	case q.txProcessor <- p.batch:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *QuorumWaiter) resend(ctx context.Context, now time.Time) {
	for digest, p := range q.pending {
		if now.Before(p.next) {
			continue
		}
		var targets []string
		for _, name := range q.committee.Names() {
			if _, ok := p.acked[name]; ok {
				continue
			}
			if addr, ok := q.committee.WorkerAddress(name, q.id); ok {
				targets = append(targets, addr)
			}
		}
		q.logger.Debug("resend the batch", "digest", digest.Short(), "peers", len(targets))
		q.metrics.BatchesRetried.Add(float64(len(targets)))
		if err := q.sender.Broadcast(ctx, targets, BatchTag, p.batch); err != nil {
			q.logger.Error("fail to resend the batch", "digest", digest.Short(), "error", err)
		}
		p.delay *= 2
		if p.delay > maxResendBackoff*q.retryDelay {
			p.delay = maxResendBackoff * q.retryDelay
		}
		p.next = now.Add(p.delay)
	}
}
