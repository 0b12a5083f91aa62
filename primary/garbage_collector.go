package primary

import (
	"context"
	"sync/atomic"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/conn"
	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
)

// GarbageCollector reads the certificates committed by consensus, publishes the highest
// committed round to the other components and tells our workers to clean up.
type GarbageCollector struct {
	consensusRound *atomic.Uint64
	workers        []string
	sender         *conn.Sender
	logger         hclog.Logger
	rxConsensus    <-chan *Certificate
}

func newGarbageCollector(conf *config.Config, consensusRound *atomic.Uint64, sender *conn.Sender,
	rxConsensus <-chan *Certificate) *GarbageCollector {
	var workers []string
	for _, id := range conf.Committee.WorkerIDs(conf.Name) {
		addr, _ := conf.Committee.WorkerAddress(conf.Name, id)
		workers = append(workers, addr)
	}
	return &GarbageCollector{
		consensusRound: consensusRound,
		workers:        workers,
		sender:         sender,
		logger:         conf.Logger("gc"),
		rxConsensus:    rxConsensus,
	}
}

// Run updates the consensus round until ctx is done.
func (g *GarbageCollector) Run(ctx context.Context) error {
	for {
		select {
		case cert := <-g.rxConsensus:
			round := cert.Round()
			if round <= g.consensusRound.Load() {
				continue
			}
			g.consensusRound.Store(round)
			g.logger.Debug("consensus round advanced", "round", round)
			if err := g.sender.Broadcast(ctx, g.workers, types.CleanupTag, types.Cleanup{Round: round}); err != nil {
				g.logger.Error("fail to send the cleanup", "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
