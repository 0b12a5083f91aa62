package primary

import (
	"context"

	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
)

// PayloadReceiver records the batches of other authorities stored by our workers, so the
// core knows it can vote for headers referencing them.
type PayloadReceiver struct {
	store     *store.Store
	logger    hclog.Logger
	rxWorkers <-chan types.OthersBatch
}

func newPayloadReceiver(st *store.Store, logger hclog.Logger, rxWorkers <-chan types.OthersBatch) *PayloadReceiver {
	return &PayloadReceiver{store: st, logger: logger, rxWorkers: rxWorkers}
}

// Run stores the markers until ctx is done. A storage failure stops it.
func (r *PayloadReceiver) Run(ctx context.Context) error {
	for {
		select {
		case batch := <-r.rxWorkers:
			if err := r.store.Write(payloadKey(batch.Digest, batch.WorkerID), nil); err != nil {
				r.logger.Error("fail to store the batch marker", "digest", batch.Digest.Short(), "error", err)
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
