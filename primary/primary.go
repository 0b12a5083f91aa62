/*
Package primary implements the primary of an authority: it proposes headers referencing the
batches of its workers, votes for the headers of the others, assembles certificates, and keeps
a causally complete DAG of certificates that it feeds to consensus.
*/
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
	"golang.org/x/sync/errgroup"
)

type Primary struct {
	name      string
	committee *config.Committee
	trans     conn.Transport
	sender    *conn.Sender
	logger    hclog.Logger
	metrics   *metrics.PrimaryMetrics

	consensusRound *atomic.Uint64

	core              *Core
	proposer          *Proposer
	headerWaiter      *HeaderWaiter
	certificateWaiter *CertificateWaiter
	helper            *Helper
	garbageCollector  *GarbageCollector
	payloadReceiver   *PayloadReceiver

	txPrimaryMessages      chan interface{}
	txCertificatesRequests chan *CertificatesRequest
	txOurBatch             chan PayloadEntry
	txOthersBatch          chan types.OthersBatch
}

// NewPrimary wires the components of a primary. Certificates admitted in the DAG are sent
// on txConsensus; the certificates committed by consensus are read back from rxConsensus.
func NewPrimary(conf *config.Config, trans conn.Transport, st *store.Store, txConsensus chan<- *Certificate,
	rxConsensus <-chan *Certificate, m *metrics.PrimaryMetrics) *Primary {
	capacity := conf.Parameters.ChannelCapacity
	logger := conf.Logger("primary")
	genesis := GenesisCertificates(conf.Committee)

	p := &Primary{
		name:                   conf.Name,
		committee:              conf.Committee,
		trans:                  trans,
		sender:                 conn.NewSender(conf.Name, conf.KeyPair.PrivateKey, trans, capacity, logger),
		logger:                 logger,
		metrics:                m,
		consensusRound:         &atomic.Uint64{},
		txPrimaryMessages:      make(chan interface{}, capacity),
		txCertificatesRequests: make(chan *CertificatesRequest, capacity),
		txOurBatch:             make(chan PayloadEntry, capacity),
		txOthersBatch:          make(chan types.OthersBatch, capacity),
	}

	headerWaiterCh := make(chan waiterMsg, capacity)
	certificateWaiterCh := make(chan *Certificate, capacity)
	headerLoopback := make(chan *Header, capacity)
	certificateLoopback := make(chan *Certificate, capacity)
	proposerToCore := make(chan *Header, capacity)
	coreToProposer := make(chan parentsMsg, capacity)

	synchronizer := newSynchronizer(conf.Name, st, genesis, headerWaiterCh, certificateWaiterCh)
	p.core = newCore(conf, st, synchronizer, p.consensusRound, p.sender, m, coreChannels{
		RxPrimaryMessages:     p.txPrimaryMessages,
		RxHeaderLoopback:      headerLoopback,
		RxCertificateLoopback: certificateLoopback,
		RxProposer:            proposerToCore,
		TxConsensus:           txConsensus,
		TxProposer:            coreToProposer,
	})
	p.proposer = newProposer(conf, genesis, m, coreToProposer, p.txOurBatch, proposerToCore)
	p.headerWaiter = newHeaderWaiter(conf, st, p.consensusRound, p.sender, headerWaiterCh, headerLoopback)
	p.certificateWaiter = newCertificateWaiter(conf, st, genesis, p.consensusRound, certificateWaiterCh, certificateLoopback)
	p.helper = newHelper(conf, st, p.sender, p.txCertificatesRequests)
	p.garbageCollector = newGarbageCollector(conf, p.consensusRound, p.sender, rxConsensus)
	p.payloadReceiver = newPayloadReceiver(st, conf.Logger("payload-receiver"), p.txOthersBatch)
	return p
}

// Run starts every component and blocks until ctx is done or one of them fails.
func (p *Primary) Run(ctx context.Context) error {
	defer p.sender.Close()
	p.logger.Info("primary is running", "address", p.trans.LocalAddr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.core.Run(ctx) })
	g.Go(func() error { return p.proposer.Run(ctx) })
	g.Go(func() error { return p.headerWaiter.Run(ctx) })
	g.Go(func() error { return p.certificateWaiter.Run(ctx) })
	g.Go(func() error { return p.helper.Run(ctx) })
	g.Go(func() error { return p.garbageCollector.Run(ctx) })
	g.Go(func() error { return p.payloadReceiver.Run(ctx) })
	g.Go(func() error { return p.HandleMsgLoop(ctx) })
	return g.Wait()
}

// ConsensusRound returns the highest round committed by consensus.
func (p *Primary) ConsensusRound() uint64 {
	return p.consensusRound.Load()
}

// HandleMsgLoop authenticates the received messages and dispatches them.
func (p *Primary) HandleMsgLoop(ctx context.Context) error {
	msgCh := p.trans.MsgChan()
	for {
		select {
		case msgWithSig := <-msgCh:
			if !p.verifySigED25519(msgWithSig) {
				p.logger.Error("fail to verify the message's signature", "sender", msgWithSig.Sender)
				p.metrics.RejectedMessages.WithLabelValues("frame", "invalid_signature").Inc()
				continue
			}
			if !p.dispatch(ctx, msgWithSig) {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// dispatch returns false when ctx is done.
func (p *Primary) dispatch(ctx context.Context, msgWithSig conn.MsgWithSig) bool {
	sender := msgWithSig.Sender

	switch msgAsserted := msgWithSig.Msg.(type) {
	case Header:
		if msgAsserted.Author != sender {
			p.logger.Warn("header relayed by another authority", "author", msgAsserted.Author, "sender", sender)
			return true
		}
		return p.forward(ctx, &msgAsserted)
	case Vote:
		if msgAsserted.Author != sender {
			p.logger.Warn("vote relayed by another authority", "author", msgAsserted.Author, "sender", sender)
			return true
		}
		return p.forward(ctx, &msgAsserted)
	case Certificate:
		return p.forward(ctx, &msgAsserted)
	case CertificatesResponse:
		for _, cert := range msgAsserted.Certificates {
			if cert == nil {
				continue
			}
			if !p.forward(ctx, cert) {
				return false
			}
		}
		return true
	case CertificatesRequest:
		if msgAsserted.Requestor != sender {
			p.logger.Warn("certificates request relayed by another authority", "requestor", msgAsserted.Requestor,
				"sender", sender)
			return true
		}
		select {
		case p.txCertificatesRequests <- &msgAsserted:
			return true
		case <-ctx.Done():
			return false
		}
	case types.OurBatch:
		if sender != p.name {
			p.logger.Warn("batch report from another authority", "sender", sender)
			return true
		}
		select {
		case p.txOurBatch <- PayloadEntry{Digest: msgAsserted.Digest, WorkerID: msgAsserted.WorkerID}:
			return true
		case <-ctx.Done():
			return false
		}
	case types.OthersBatch:
		if sender != p.name {
			p.logger.Warn("batch report from another authority", "sender", sender)
			return true
		}
		select {
		case p.txOthersBatch <- msgAsserted:
			return true
		case <-ctx.Done():
			return false
		}
	default:
		p.logger.Error("unexpected message", "sender", sender)
		return true
	}
}

func (p *Primary) forward(ctx context.Context, msg interface{}) bool {
	select {
	case p.txPrimaryMessages <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Primary) verifySigED25519(msgWithSig conn.MsgWithSig) bool {
	authority, ok := p.committee.Authority(msgWithSig.Sender)
	if !ok {
		p.logger.Error("node is unknown", "node", msgWithSig.Sender)
		return false
	}
	ok, err := conn.VerifyFrame(authority.PublicKey, msgWithSig)
	if err != nil {
		p.logger.Error("fail to verify the ED25519 signature", "error", err)
		return false
	}
	return ok
}
