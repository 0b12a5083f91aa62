/*
Package consensus totally orders the certificate DAG. Every round has a leader; a leader
certificate is committed when enough certificates of the next round reference it, or
indirectly through a later committed leader that links to it. Committing a leader outputs
its not yet committed causal history in a deterministic order.
*/
package consensus

import (
	"context"
	"sort"
	"time"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/primary"
	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
)

// Output is a certificate in the total order.
type Output struct {
	Certificate *primary.Certificate
	Sequence    uint64
	CommitTime  time.Time
}

type status uint8

const (
	undecided status = iota
	commit
	skip
)

// Consensus keeps its own copy of the DAG, fed by the primary.
type Consensus struct {
	committee *config.Committee
	gcDepth   uint64
	elector   LeaderElector
	metrics   *metrics.ConsensusMetrics
	logger    hclog.Logger

	rxPrimary <-chan *primary.Certificate
	txPrimary chan<- *primary.Certificate
	txOutput  chan<- Output

	dag                *Dag
	committed          map[types.Digest]uint64 // map from digest to round of the committed certificates
	lastDecidedRound   uint64
	lastCommittedRound uint64
	sequence           uint64
}

func New(committee *config.Committee, gcDepth uint64, elector LeaderElector, m *metrics.ConsensusMetrics,
	logger hclog.Logger, rxPrimary <-chan *primary.Certificate, txPrimary chan<- *primary.Certificate,
	txOutput chan<- Output) *Consensus {
	return &Consensus{
		committee: committee,
		gcDepth:   gcDepth,
		elector:   elector,
		metrics:   m,
		logger:    logger,
		rxPrimary: rxPrimary,
		txPrimary: txPrimary,
		txOutput:  txOutput,
		dag:       newDag(),
		committed: make(map[types.Digest]uint64),
	}
}

// Run orders the certificates received from the primary until ctx is done. Every output is
// sent to the application and fed back to the primary.
func (c *Consensus) Run(ctx context.Context) error {
	for {
		select {
		case cert := <-c.rxPrimary:
			for _, out := range c.ProcessCertificate(cert) {
				select {
				case c.txOutput <- out:
				case <-ctx.Done():
					return nil
				}
				select {
				case c.txPrimary <- out.Certificate:
				case <-ctx.Done():
					return nil
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// LastCommittedRound returns the highest committed leader round.
func (c *Consensus) LastCommittedRound() uint64 {
	return c.lastCommittedRound
}

func (c *Consensus) gcBound() uint64 {
	if c.lastCommittedRound <= c.gcDepth {
		return 0
	}
	return c.lastCommittedRound - c.gcDepth
}

// ProcessCertificate inserts cert, whose parents must have been processed before, and
// returns the certificates it lets us commit.
func (c *Consensus) ProcessCertificate(cert *primary.Certificate) []Output {
	if cert.Round() <= c.gcBound() {
		return nil
	}
	if !c.dag.insert(cert) {
		return nil
	}
	c.metrics.DagRounds.Set(float64(c.dag.len()))

	outputs := c.tryCommit()
	if len(outputs) > 0 {
		c.dag.pruneTo(c.gcBound())
		for digest, round := range c.committed {
			if round <= c.gcBound() {
				delete(c.committed, digest)
			}
		}
		c.metrics.DagRounds.Set(float64(c.dag.len()))
	}
	return outputs
}

// support returns the stake of the round+1 certificates referencing leader.
func (c *Consensus) support(leader *primary.Certificate) uint64 {
	digest := leader.Digest()
	var stake uint64
	for author, child := range c.dag.round(leader.Round() + 1) {
		for _, parent := range child.Header.Parents {
			if parent == digest {
				stake += c.committee.Stake(author)
				break
			}
		}
	}
	return stake
}

// decide computes the status of every undecided leader round, from the highest one down,
// so that each round can be decided by the first later leader that is not skipped.
func (c *Consensus) decide() map[uint64]status {
	maxRound := c.dag.maxRound()
	statuses := make(map[uint64]status)
	for round := maxRound; round > c.lastDecidedRound; round-- {
		leader, ok := c.dag.get(round, c.elector.Leader(round))
		if ok && c.support(leader) >= c.committee.ValidityThreshold() {
			statuses[round] = commit
			continue
		}

		statuses[round] = undecided
		for anchorRound := round + 2; anchorRound <= maxRound; anchorRound++ {
			s := statuses[anchorRound]
			if s == skip {
				continue
			}
			if s == commit {
				anchor, _ := c.dag.get(anchorRound, c.elector.Leader(anchorRound))
				if ok && c.dag.linked(anchor, leader) {
					statuses[round] = commit
				} else {
					statuses[round] = skip
				}
			}
			break
		}
	}
	return statuses
}

func (c *Consensus) tryCommit() []Output {
	statuses := c.decide()
	var outputs []Output
	for round := c.lastDecidedRound + 1; ; round++ {
		s, ok := statuses[round]
		if !ok || s == undecided {
			break
		}
		c.lastDecidedRound = round
		leaderName := c.elector.Leader(round)
		if s == skip {
			c.logger.Debug("skip the leader", "round", round, "leader", leaderName)
			c.metrics.SkippedLeaders.Inc()
			continue
		}

		leader, _ := c.dag.get(round, leaderName)
		c.logger.Info("commit the leader certificate", "round", round, "leader", leaderName)
		c.metrics.CommittedLeaders.Inc()
		now := time.Now()
		for _, cert := range c.orderDag(leader) {
			c.sequence++
			outputs = append(outputs, Output{Certificate: cert, Sequence: c.sequence, CommitTime: now})
		}
		c.lastCommittedRound = round
		c.metrics.LastCommittedRound.Set(float64(round))
	}
	c.metrics.CommittedCertificates.Add(float64(len(outputs)))
	return outputs
}

// orderDag returns the uncommitted causal history of leader, ordered by round then author,
// and marks it committed.
func (c *Consensus) orderDag(leader *primary.Certificate) []*primary.Certificate {
	bound := c.gcBound()
	var ordered []*primary.Certificate
	visited := map[types.Digest]struct{}{leader.Digest(): {}}
	stack := []*primary.Certificate{leader}
	for len(stack) > 0 {
		cert := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		ordered = append(ordered, cert)
		for _, parent := range cert.Header.Parents {
			if _, ok := visited[parent]; ok {
				continue
			}
			visited[parent] = struct{}{}
			if _, ok := c.committed[parent]; ok {
				continue
			}
			p, ok := c.dag.certificate(parent)
			if !ok || p.Round() <= bound {
				continue
			}
			stack = append(stack, p)
		}
	}

	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Round() != ordered[j].Round() {
			return ordered[i].Round() < ordered[j].Round()
		}
		return ordered[i].Origin() < ordered[j].Origin()
	})
	for _, cert := range ordered {
		c.committed[cert.Digest()] = cert.Round()
	}
	return ordered
}
