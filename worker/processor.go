package worker

import (
	"context"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/conn"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
)

type receivedBatch struct {
	batch *types.Batch
	from  string
}

// Processor stores batches and reports their digest to our primary. Batches of the others
// are acknowledged to their author.
type Processor struct {
	name      string
	id        types.WorkerID
	committee *config.Committee
	primary   string
	store     *store.Store
	sender    *conn.Sender
	metrics   *metrics.WorkerMetrics
	logger    hclog.Logger

	rxOwn    <-chan *types.Batch
	rxOthers <-chan receivedBatch
}

func newProcessor(conf *config.Config, id types.WorkerID, st *store.Store, sender *conn.Sender, m *metrics.WorkerMetrics,
	logger hclog.Logger, rxOwn <-chan *types.Batch, rxOthers <-chan receivedBatch) *Processor {
	primary, _ := conf.Committee.PrimaryAddress(conf.Name)
	return &Processor{
		name:      conf.Name,
		id:        id,
		committee: conf.Committee,
		primary:   primary,
		store:     st,
		sender:    sender,
		metrics:   m,
		logger:    logger,
		rxOwn:     rxOwn,
		rxOthers:  rxOthers,
	}
}

// Run processes batches until ctx is done. A storage failure stops it.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case batch := <-p.rxOwn:
			digest, err := p.storeBatch(batch)
			if err != nil {
				return err
			}
			if err := p.sender.Send(ctx, p.primary, types.OurBatchTag, types.OurBatch{Digest: digest, WorkerID: p.id}); err != nil {
				p.logger.Error("fail to report the batch", "digest", digest.Short(), "error", err)
			}
		case received := <-p.rxOthers:
			digest := received.batch.Digest()
			stored, err := p.store.Read(digest[:])
			if err != nil {
				return err
			}
			// the author re-sends until we ack, so a known batch is only acknowledged again
			if stored == nil {
				if _, err := p.storeBatch(received.batch); err != nil {
					return err
				}
				p.metrics.BatchesReceived.Inc()
				if err := p.sender.Send(ctx, p.primary, types.OthersBatchTag, types.OthersBatch{Digest: digest, WorkerID: p.id}); err != nil {
					p.logger.Error("fail to report the batch", "digest", digest.Short(), "error", err)
				}
			}
			if addr, ok := p.committee.WorkerAddress(received.from, p.id); ok {
				if err := p.sender.Send(ctx, addr, BatchAckTag, BatchAck{Digest: digest}); err != nil {
					p.logger.Error("fail to acknowledge the batch", "digest", digest.Short(), "error", err)
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Processor) storeBatch(batch *types.Batch) (types.Digest, error) {
	digest := batch.Digest()
	data, err := conn.Encode(batch)
	if err != nil {
		return digest, err
	}
	if err := p.store.Write(digest[:], data); err != nil {
		p.logger.Error("fail to store the batch", "digest", digest.Short(), "error", err)
		return digest, err
	}
	return digest, nil
}
