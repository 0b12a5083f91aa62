package primary

import (
	"context"
	"sync/atomic"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/conn"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
)

// parentsMsg tells the proposer that Round is closed.
type parentsMsg struct {
	Parents []types.Digest
	Round   uint64
}

// Core builds the local view of the DAG. It votes for the headers of the others, turns the
// votes for our header into a certificate, and admits certificates once their history is
// complete. All of its state is owned by the goroutine running Run.
type Core struct {
	name           string
	committee      *config.Committee
	store          *store.Store
	synchronizer   *Synchronizer
	blsKey         kyber.Scalar
	consensusRound *atomic.Uint64
	gcDepth        uint64
	sender         *conn.Sender
	metrics        *metrics.PrimaryMetrics
	logger         hclog.Logger

	rxPrimaryMessages     <-chan interface{} // Header, Vote and Certificate from the network
	rxHeaderLoopback      <-chan *Header
	rxCertificateLoopback <-chan *Certificate
	rxProposer            <-chan *Header
	txConsensus           chan<- *Certificate
	txProposer            chan<- parentsMsg

	gcRound                 uint64
	lastVoted               map[uint64]map[string]struct{}       // map from round to the authors we voted for
	processing              map[uint64]map[types.Digest]struct{} // map from round to the headers being processed
	currentHeader           *Header
	votesAggregator         *VotesAggregator
	certificatesAggregators map[uint64]*CertificatesAggregator
	slots                   map[uint64]map[string]types.Digest // map from round to author to admitted certificate
}

// coreChannels groups the channels of the core.
type coreChannels struct {
	RxPrimaryMessages     <-chan interface{}
	RxHeaderLoopback      <-chan *Header
	RxCertificateLoopback <-chan *Certificate
	RxProposer            <-chan *Header
	TxConsensus           chan<- *Certificate
	TxProposer            chan<- parentsMsg
}

func newCore(conf *config.Config, st *store.Store, synchronizer *Synchronizer, consensusRound *atomic.Uint64,
	sender *conn.Sender, m *metrics.PrimaryMetrics, chans coreChannels) *Core {
	return &Core{
		name:                    conf.Name,
		committee:               conf.Committee,
		store:                   st,
		synchronizer:            synchronizer,
		blsKey:                  conf.KeyPair.BLSPrivateKey,
		consensusRound:          consensusRound,
		gcDepth:                 conf.Parameters.GCDepth,
		sender:                  sender,
		metrics:                 m,
		logger:                  conf.Logger("core"),
		rxPrimaryMessages:       chans.RxPrimaryMessages,
		rxHeaderLoopback:        chans.RxHeaderLoopback,
		rxCertificateLoopback:   chans.RxCertificateLoopback,
		rxProposer:              chans.RxProposer,
		txConsensus:             chans.TxConsensus,
		txProposer:              chans.TxProposer,
		lastVoted:               make(map[uint64]map[string]struct{}),
		processing:              make(map[uint64]map[types.Digest]struct{}),
		votesAggregator:         NewVotesAggregator(),
		certificatesAggregators: make(map[uint64]*CertificatesAggregator),
		slots:                   make(map[uint64]map[string]types.Digest),
	}
}

// Run processes messages until ctx is done. It only returns an error on a storage failure.
func (c *Core) Run(ctx context.Context) error {
	for {
		var err error
		var kind string
		select {
		case msg := <-c.rxPrimaryMessages:
			switch m := msg.(type) {
			case *Header:
				kind = "header"
				if err = c.sanitizeHeader(m); err == nil {
					err = c.processHeader(ctx, m)
				}
			case *Vote:
				kind = "vote"
				if err = c.sanitizeVote(m); err == nil {
					err = c.processVote(ctx, m)
				}
			case *Certificate:
				kind = "certificate"
				if err = c.sanitizeCertificate(m); err == nil {
					err = c.processCertificate(ctx, m)
				}
			}
		case h := <-c.rxHeaderLoopback:
			kind = "header"
			if h.Round > c.gcRound {
				err = c.processHeader(ctx, h)
			}
		case cert := <-c.rxCertificateLoopback:
			kind = "certificate"
			if cert.Round() > c.gcRound {
				err = c.processCertificate(ctx, cert)
			}
		case h := <-c.rxProposer:
			kind = "header"
			err = c.processOwnHeader(ctx, h)
		case <-ctx.Done():
			return nil
		}

		if err != nil {
			if isFatal(err) {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Error("core failed", "error", err)
				return err
			}
			c.metrics.RejectedMessages.WithLabelValues(kind, reason(err)).Inc()
			c.logger.Debug("message rejected", "kind", kind, "error", err)
		}

		c.garbageCollect()
	}
}

type storageError struct {
	error
}

func isFatal(err error) bool {
	_, ok := errors.Cause(err).(storageError)
	return ok || errors.Cause(err) == context.Canceled
}

func fatal(err error) error {
	if err == nil {
		return nil
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return context.Canceled
	}
	return storageError{err}
}

func (c *Core) garbageCollect() {
	round := c.consensusRound.Load()
	if round <= c.gcDepth || round-c.gcDepth <= c.gcRound {
		return
	}
	c.gcRound = round - c.gcDepth
	for r := range c.lastVoted {
		if r <= c.gcRound {
			delete(c.lastVoted, r)
		}
	}
	for r := range c.processing {
		if r <= c.gcRound {
			delete(c.processing, r)
		}
	}
	for r := range c.certificatesAggregators {
		if r <= c.gcRound {
			delete(c.certificatesAggregators, r)
		}
	}
	for r := range c.slots {
		if r <= c.gcRound {
			delete(c.slots, r)
		}
	}
	c.metrics.GCRound.Set(float64(c.gcRound))
}

func (c *Core) sanitizeHeader(h *Header) error {
	if h.Round <= c.gcRound {
		return errors.Wrapf(ErrTooOld, "%s", h)
	}
	return h.Verify(c.committee)
}

func (c *Core) sanitizeVote(v *Vote) error {
	if c.currentHeader == nil || v.Round < c.currentHeader.Round {
		return errors.Wrapf(ErrTooOld, "vote of %s for round %d", v.Author, v.Round)
	}
	if v.ID != c.currentHeader.ID || v.Origin != c.name || v.Round != c.currentHeader.Round {
		return errors.Wrapf(ErrUnexpectedVote, "vote of %s for round %d", v.Author, v.Round)
	}
	return v.Verify(c.committee)
}

func (c *Core) sanitizeCertificate(cert *Certificate) error {
	if cert.Header == nil {
		return ErrMalformedCertificate
	}
	if cert.Round() <= c.gcRound {
		return errors.Wrapf(ErrTooOld, "%s", cert)
	}
	return cert.Verify(c.committee)
}

func (c *Core) processOwnHeader(ctx context.Context, h *Header) error {
	c.votesAggregator = NewVotesAggregator()
	c.currentHeader = h

	if err := c.sender.Broadcast(ctx, c.committee.OtherPrimaries(c.name), HeaderTag, h); err != nil {
		return err
	}
	return c.processHeader(ctx, h)
}

func (c *Core) processHeader(ctx context.Context, h *Header) error {
	c.logger.Debug("processing header", "header", h.String())
	if d, ok := c.slots[h.Round][h.Author]; ok {
		// the slot is taken; the header of an admitted certificate needs no vote
		if d == (&Certificate{Header: h}).Digest() {
			return nil
		}
		return errors.Wrapf(ErrAlreadyCertified, "%s", h)
	}

	if _, ok := c.processing[h.Round]; !ok {
		c.processing[h.Round] = make(map[types.Digest]struct{})
	}
	c.processing[h.Round][h.ID] = struct{}{}

	parents, err := c.synchronizer.GetParents(ctx, h)
	if err != nil {
		return fatal(err)
	}
	if parents == nil {
		c.logger.Debug("processing of header suspended: missing parents", "header", h.String())
		c.metrics.SyncRequests.WithLabelValues("parents").Inc()
		return nil
	}

	var stake uint64
	authors := make(map[string]struct{}, len(parents))
	for _, p := range parents {
		if p.Round()+1 != h.Round {
			return errors.Wrapf(ErrMalformedHeader, "%s has parent %s", h, p)
		}
		if _, ok := authors[p.Origin()]; ok {
			return errors.Wrapf(ErrMalformedHeader, "%s has two parents from %s", h, p.Origin())
		}
		authors[p.Origin()] = struct{}{}
		stake += c.committee.Stake(p.Origin())
	}
	if stake < c.committee.QuorumThreshold() {
		return errors.Wrapf(ErrHeaderRequiresQuorum, "%s", h)
	}

	missing, err := c.synchronizer.MissingPayload(ctx, h)
	if err != nil {
		return fatal(err)
	}
	if missing {
		c.logger.Debug("processing of header suspended: missing payload", "header", h.String())
		c.metrics.SyncRequests.WithLabelValues("batches").Inc()
		return nil
	}

	if err := writeHeader(c.store, h); err != nil {
		return fatal(err)
	}

	if _, ok := c.lastVoted[h.Round]; !ok {
		c.lastVoted[h.Round] = make(map[string]struct{})
	}
	if _, ok := c.lastVoted[h.Round][h.Author]; ok {
		return nil
	}
	c.lastVoted[h.Round][h.Author] = struct{}{}

	v, err := NewVote(h, c.name, c.blsKey)
	if err != nil {
		return err
	}
	c.metrics.VotesSent.Inc()
	c.logger.Debug("vote for header", "header", h.String())
	if h.Author == c.name {
		return c.processVote(ctx, v)
	}
	addr, _ := c.committee.PrimaryAddress(h.Author)
	return c.sender.Send(ctx, addr, VoteTag, v)
}

func (c *Core) processVote(ctx context.Context, v *Vote) error {
	cert, err := c.votesAggregator.Append(v, c.committee, c.currentHeader)
	if err != nil || cert == nil {
		return err
	}
	c.logger.Debug("assembled certificate", "certificate", cert.String())
	c.metrics.CertificatesCreated.Inc()
	if err := c.sender.Broadcast(ctx, c.committee.OtherPrimaries(c.name), CertificateTag, cert); err != nil {
		return err
	}
	return c.processCertificate(ctx, cert)
}

func (c *Core) processCertificate(ctx context.Context, cert *Certificate) error {
	round, origin, digest := cert.Round(), cert.Origin(), cert.Digest()
	if d, ok := c.slots[round][origin]; ok {
		if d == digest {
			return nil
		}
		c.metrics.Equivocations.Inc()
		c.logger.Warn("equivocating certificate", "author", origin, "round", round,
			"admitted", d.Short(), "received", digest.Short())
		return errors.Wrapf(ErrEquivocation, "%s", cert)
	}

	// vote for the header if we have not seen it; this also fetches what it misses
	if _, ok := c.processing[round][cert.Header.ID]; !ok {
		if err := c.processHeader(ctx, cert.Header); err != nil {
			if isFatal(err) {
				return err
			}
			c.logger.Debug("header of certificate rejected", "certificate", cert.String(), "error", err)
		}
	}

	ok, err := c.synchronizer.DeliverCertificate(ctx, cert)
	if err != nil {
		return fatal(err)
	}
	if !ok {
		c.logger.Debug("processing of certificate suspended: missing ancestors", "certificate", cert.String())
		return nil
	}

	if err := writeCertificate(c.store, cert); err != nil {
		return fatal(err)
	}
	if _, ok := c.slots[round]; !ok {
		c.slots[round] = make(map[string]types.Digest)
	}
	c.slots[round][origin] = digest
	c.metrics.CertificatesAdmitted.Inc()
	c.logger.Debug("certificate admitted", "certificate", cert.String())

	if _, ok := c.certificatesAggregators[round]; !ok {
		c.certificatesAggregators[round] = NewCertificatesAggregator()
	}
	if parents := c.certificatesAggregators[round].Append(cert, c.committee); parents != nil {
		select {
		case c.txProposer <- parentsMsg{Parents: parents, Round: round}:
		case <-ctx.Done():
			return fatal(ctx.Err())
		}
	}

	select {
	case c.txConsensus <- cert:
	case <-ctx.Done():
		return fatal(ctx.Err())
	}
	return nil
}
