/*
Package worker implements the batch pipeline of an authority: it seals client transactions
into batches, makes sure a quorum of authorities stores each batch before its digest reaches
the primary, and serves and fetches batches for the other authorities.
*/
package worker

import (
	"context"
	"strconv"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/conn"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
)

type Worker struct {
	name      string
	id        types.WorkerID
	committee *config.Committee
	trans     conn.Transport
	sender    *conn.Sender
	metrics   *metrics.WorkerMetrics
	logger    hclog.Logger

	batchMaker   *BatchMaker
	quorumWaiter *QuorumWaiter
	processor    *Processor
	synchronizer *Synchronizer
	helper       *Helper

	txTransactions chan []byte
	txAcks         chan ack
	txOthers       chan receivedBatch
	txPrimary      chan interface{}
	txRequests     chan *BatchRequest
}

// NewWorker wires the components of worker id of the authority of conf.
func NewWorker(conf *config.Config, id types.WorkerID, trans conn.Transport, st *store.Store, m *metrics.WorkerMetrics) *Worker {
	capacity := conf.Parameters.ChannelCapacity
	logger := conf.Logger("worker" + strconv.Itoa(int(id)))
	w := &Worker{
		name:           conf.Name,
		id:             id,
		committee:      conf.Committee,
		trans:          trans,
		sender:         conn.NewSender(conf.Name, conf.KeyPair.PrivateKey, trans, capacity, logger),
		metrics:        m,
		logger:         logger,
		txTransactions: make(chan []byte, capacity),
		txAcks:         make(chan ack, capacity),
		txOthers:       make(chan receivedBatch, capacity),
		txPrimary:      make(chan interface{}, capacity),
		txRequests:     make(chan *BatchRequest, capacity),
	}

	sealed := make(chan *types.Batch, capacity)
	certified := make(chan *types.Batch, capacity)
	w.batchMaker = newBatchMaker(conf, m, logger, w.txTransactions, sealed)
	w.quorumWaiter = newQuorumWaiter(conf, id, w.sender, m, logger, sealed, w.txAcks, certified)
	w.processor = newProcessor(conf, id, st, w.sender, m, logger, certified, w.txOthers)
	w.synchronizer = newSynchronizer(conf, id, st, w.sender, m, logger, w.txPrimary)
	w.helper = newHelper(conf, id, st, w.sender, logger, w.txRequests)
	return w
}

// Run starts every component and blocks until ctx is done or one of them fails.
func (w *Worker) Run(ctx context.Context) error {
	defer w.sender.Close()
	w.logger.Info("worker is running", "address", w.trans.LocalAddr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.batchMaker.Run(ctx) })
	g.Go(func() error { return w.quorumWaiter.Run(ctx) })
	g.Go(func() error { return w.processor.Run(ctx) })
	g.Go(func() error { return w.synchronizer.Run(ctx) })
	g.Go(func() error { return w.helper.Run(ctx) })
	g.Go(func() error { return w.HandleMsgLoop(ctx) })
	return g.Wait()
}

// HandleMsgLoop authenticates the received messages and dispatches them. Transactions come
// from clients and are not signed.
func (w *Worker) HandleMsgLoop(ctx context.Context) error {
	msgCh := w.trans.MsgChan()
	for {
		var msgWithSig conn.MsgWithSig
		select {
		case msgWithSig = <-msgCh:
		case <-ctx.Done():
			return nil
		}

		if tx, ok := msgWithSig.Msg.(Transaction); ok {
			w.metrics.TransactionsReceived.Inc()
			select {
			case w.txTransactions <- tx.Data:
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if !w.verifySigED25519(msgWithSig) {
			w.logger.Error("fail to verify the message's signature", "sender", msgWithSig.Sender)
			continue
		}

		sender := msgWithSig.Sender
		var ok bool
		switch msgAsserted := msgWithSig.Msg.(type) {
		case types.Batch:
			if sender == w.name {
				continue
			}
			ok = send[receivedBatch](ctx, w.txOthers, receivedBatch{batch: &msgAsserted, from: sender})
		case BatchAck:
			ok = send[ack](ctx, w.txAcks, ack{digest: msgAsserted.Digest, from: sender})
		case BatchRequest:
			if msgAsserted.Requestor != sender {
				w.logger.Warn("batch request relayed by another authority", "requestor", msgAsserted.Requestor,
					"sender", sender)
				continue
			}
			ok = send[*BatchRequest](ctx, w.txRequests, &msgAsserted)
		case types.Synchronize:
			if sender != w.name {
				w.logger.Warn("synchronize request from another authority", "sender", sender)
				continue
			}
			ok = send[interface{}](ctx, w.txPrimary, &msgAsserted)
		case types.Cleanup:
			if sender != w.name {
				w.logger.Warn("cleanup from another authority", "sender", sender)
				continue
			}
			ok = send[interface{}](ctx, w.txPrimary, &msgAsserted)
		default:
			w.logger.Error("unexpected message", "sender", sender)
			continue
		}
		if !ok {
			return nil
		}
	}
}

func send[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) verifySigED25519(msgWithSig conn.MsgWithSig) bool {
	authority, ok := w.committee.Authority(msgWithSig.Sender)
	if !ok {
		w.logger.Error("node is unknown", "node", msgWithSig.Sender)
		return false
	}
	ok, err := conn.VerifyFrame(authority.PublicKey, msgWithSig)
	if err != nil {
		w.logger.Error("fail to verify the ED25519 signature", "error", err)
		return false
	}
	return ok
}
