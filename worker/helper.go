package worker

import (
	"context"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/conn"
	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
)

// Helper sends the batches requested by the same worker of other authorities.
type Helper struct {
	id         types.WorkerID
	committee  *config.Committee
	store      *store.Store
	sender     *conn.Sender
	logger     hclog.Logger
	rxRequests <-chan *BatchRequest
}

func newHelper(conf *config.Config, id types.WorkerID, st *store.Store, sender *conn.Sender, logger hclog.Logger,
	rxRequests <-chan *BatchRequest) *Helper {
	return &Helper{
		id:         id,
		committee:  conf.Committee,
		store:      st,
		sender:     sender,
		logger:     logger,
		rxRequests: rxRequests,
	}
}

// Run serves requests until ctx is done. A storage failure stops it.
func (h *Helper) Run(ctx context.Context) error {
	for {
		select {
		case req := <-h.rxRequests:
			addr, ok := h.committee.WorkerAddress(req.Requestor, h.id)
			if !ok {
				h.logger.Warn("batch request from an unknown worker", "requestor", req.Requestor)
				continue
			}
			for _, digest := range req.Digests {
				data, err := h.store.Read(digest[:])
				if err != nil {
					return err
				}
				if data == nil {
					continue
				}
				var batch types.Batch
				if err := conn.Decode(data, &batch); err != nil {
					h.logger.Error("fail to decode a stored batch", "digest", digest.Short(), "error", err)
					continue
				}
				if err := h.sender.Send(ctx, addr, BatchTag, &batch); err != nil {
					h.logger.Error("fail to send the batch", "requestor", req.Requestor, "error", err)
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}
