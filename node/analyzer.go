package node

import (
	"context"

	"github.com/gitzhang10/narwhal/consensus"
	"github.com/hashicorp/go-hclog"
)

// Analyze consumes the committed certificates until ctx is done. It stands for the
// application: it only logs what was committed.
func Analyze(ctx context.Context, outputs <-chan consensus.Output, logger hclog.Logger) error {
	for {
		select {
		case out := <-outputs:
			cert := out.Certificate
			logger.Info("committed", "sequence", out.Sequence, "round", cert.Round(), "author", cert.Origin(),
				"digest", cert.Digest().Short(), "batches", len(cert.Header.Payload))
			for _, p := range cert.Header.Payload {
				logger.Debug("committed batch", "digest", p.Digest.Short(), "worker", p.WorkerID)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
