package primary

import (
	"context"
	"time"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
)

// Proposer creates one header per round, once the previous round is closed and either
// enough batch digests are pending or the header delay expired.
type Proposer struct {
	name      string
	updatable *config.Updatable
	metrics   *metrics.PrimaryMetrics
	logger    hclog.Logger

	rxCore    <-chan parentsMsg
	rxWorkers <-chan PayloadEntry
	txCore    chan<- *Header

	round             uint64
	lastParents       []types.Digest
	lastProposedRound uint64
	digests           []PayloadEntry
	payloadSize       int
}

func newProposer(conf *config.Config, genesis []*Certificate, m *metrics.PrimaryMetrics, rxCore <-chan parentsMsg,
	rxWorkers <-chan PayloadEntry, txCore chan<- *Header) *Proposer {
	p := &Proposer{
		name:      conf.Name,
		updatable: conf.Updatable,
		metrics:   m,
		logger:    conf.Logger("proposer"),
		rxCore:    rxCore,
		rxWorkers: rxWorkers,
		txCore:    txCore,
		round:     1,
	}
	for _, c := range genesis {
		p.lastParents = append(p.lastParents, c.Digest())
	}
	return p
}

func (p *Proposer) makeHeader(ctx context.Context) bool {
	h := NewHeader(p.name, p.round, p.digests, p.lastParents)
	p.logger.Debug("created header", "header", h.String(), "batches", len(h.Payload))
	p.lastProposedRound = p.round
	p.digests = nil
	p.payloadSize = 0
	p.lastParents = nil
	p.metrics.HeadersProposed.Inc()

	select {
	case p.txCore <- h:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run proposes headers until ctx is done.
func (p *Proposer) Run(ctx context.Context) error {
	params := p.updatable.Load()
	timer := time.NewTimer(params.MaxHeaderDelay)
	defer timer.Stop()
	timerExpired := false

	for {
		params = p.updatable.Load()
		enoughParents := len(p.lastParents) > 0
		enoughDigests := p.payloadSize >= params.HeaderSize
		if (timerExpired || enoughDigests) && enoughParents && p.round > p.lastProposedRound {
			if !p.makeHeader(ctx) {
				return nil
			}
			if !timer.Stop() && !timerExpired {
				<-timer.C
			}
			timer.Reset(params.MaxHeaderDelay)
			timerExpired = false
		}

		select {
		case msg := <-p.rxCore:
			if msg.Round < p.round {
				continue
			}
			p.round = msg.Round + 1
			p.lastParents = msg.Parents
			p.metrics.ProposerRound.Set(float64(p.round))
			p.logger.Debug("advance to round", "round", p.round)
		case entry := <-p.rxWorkers:
			p.digests = append(p.digests, entry)
			p.payloadSize += types.DigestLen
		case <-timer.C:
			timerExpired = true
		case <-ctx.Done():
			return nil
		}
	}
}
