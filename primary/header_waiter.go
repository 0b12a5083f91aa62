package primary

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/conn"
	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
)

const maxRetryBackoff = 8 // times sync_retry_delay

type pendingHeader struct {
	round   uint64
	cancel  context.CancelFunc
	parents []types.Digest
	batches []types.Digest
}

type parentRequest struct {
	round uint64
	next  time.Time
	delay time.Duration
}

// HeaderWaiter holds headers whose parents or batches are missing. It asks for them, waits
// for them to reach the store and loops the header back to the core.
type HeaderWaiter struct {
	name           string
	committee      *config.Committee
	store          *store.Store
	consensusRound *atomic.Uint64
	gcDepth        uint64
	syncRetryDelay time.Duration
	syncRetryNodes int
	sender         *conn.Sender
	logger         hclog.Logger

	rxSynchronizer <-chan waiterMsg
	txCore         chan<- *Header

	pending        map[types.Digest]*pendingHeader // map from header id to the wait
	parentRequests map[types.Digest]*parentRequest
	batchRequests  map[types.Digest]uint64 // map from batch digest to the round of the header
	done           chan types.Digest
}

func newHeaderWaiter(conf *config.Config, st *store.Store, consensusRound *atomic.Uint64, sender *conn.Sender,
	rxSynchronizer <-chan waiterMsg, txCore chan<- *Header) *HeaderWaiter {
	return &HeaderWaiter{
		name:           conf.Name,
		committee:      conf.Committee,
		store:          st,
		consensusRound: consensusRound,
		gcDepth:        conf.Parameters.GCDepth,
		syncRetryDelay: conf.Parameters.SyncRetryDelay,
		syncRetryNodes: conf.Parameters.SyncRetryNodes,
		sender:         sender,
		logger:         conf.Logger("header-waiter"),
		rxSynchronizer: rxSynchronizer,
		txCore:         txCore,
		pending:        make(map[types.Digest]*pendingHeader),
		parentRequests: make(map[types.Digest]*parentRequest),
		batchRequests:  make(map[types.Digest]uint64),
		done:           make(chan types.Digest, conf.Parameters.ChannelCapacity),
	}
}

// Run serves the waits until ctx is done.
func (w *HeaderWaiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.timerResolution())
	defer ticker.Stop()
	for {
		select {
		case msg := <-w.rxSynchronizer:
			w.handle(ctx, msg)
		case id := <-w.done:
			w.finish(id)
		case now := <-ticker.C:
			w.retry(ctx, now)
			w.garbageCollect()
		case <-ctx.Done():
			for _, p := range w.pending {
				p.cancel()
			}
			return nil
		}
	}
}

func (w *HeaderWaiter) timerResolution() time.Duration {
	if w.syncRetryDelay < time.Second {
		return w.syncRetryDelay
	}
	return time.Second
}

func (w *HeaderWaiter) handle(ctx context.Context, msg waiterMsg) {
	h := msg.header
	if _, ok := w.pending[h.ID]; ok {
		return
	}
	p := &pendingHeader{round: h.Round}
	var keys [][]byte

	switch msg.kind {
	case syncBatches:
		requests := make(map[types.WorkerID][]types.Digest)
		for digest, workerID := range msg.batches {
			keys = append(keys, payloadKey(digest, workerID))
			p.batches = append(p.batches, digest)
			if _, ok := w.batchRequests[digest]; ok {
				continue
			}
			w.batchRequests[digest] = h.Round
			requests[workerID] = append(requests[workerID], digest)
		}
		for workerID, digests := range requests {
			addr, ok := w.committee.WorkerAddress(w.name, workerID)
			if !ok {
				w.logger.Error("no local worker for the batches", "worker", workerID, "header", h.String())
				continue
			}
			msg := types.Synchronize{Digests: digests, Target: h.Author}
			if err := w.sender.Send(ctx, addr, types.SynchronizeTag, msg); err != nil {
				w.logger.Error("fail to send the sync request", "worker", workerID, "error", err)
			}
		}
	case syncParents:
		var digests []types.Digest
		now := time.Now()
		for _, digest := range msg.parents {
			keys = append(keys, certificateKey(digest))
			p.parents = append(p.parents, digest)
			if _, ok := w.parentRequests[digest]; ok {
				continue
			}
			w.parentRequests[digest] = &parentRequest{
				round: h.Round,
				next:  now.Add(w.syncRetryDelay),
				delay: w.syncRetryDelay,
			}
			digests = append(digests, digest)
		}
		if len(digests) > 0 {
			addr, _ := w.committee.PrimaryAddress(h.Author)
			req := CertificatesRequest{Digests: digests, Requestor: w.name}
			if err := w.sender.Send(ctx, addr, CertificatesRequestTag, req); err != nil {
				w.logger.Error("fail to send the certificates request", "error", err)
			}
		}
	}

	waitCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	w.pending[h.ID] = p
	go w.wait(waitCtx, h, keys)
}

// wait blocks until every key is in the store, then hands h back to the core.
func (w *HeaderWaiter) wait(ctx context.Context, h *Header, keys [][]byte) {
	defer func() {
		select {
		case w.done <- h.ID:
		case <-ctx.Done():
		}
	}()
	for _, key := range keys {
		if _, err := w.store.NotifyRead(ctx, key); err != nil {
			return
		}
	}
	select {
	case w.txCore <- h:
	case <-ctx.Done():
	}
}

func (w *HeaderWaiter) finish(id types.Digest) {
	p, ok := w.pending[id]
	if !ok {
		return
	}
	p.cancel()
	delete(w.pending, id)
	for _, d := range p.parents {
		delete(w.parentRequests, d)
	}
	for _, d := range p.batches {
		delete(w.batchRequests, d)
	}
}

// retry re-sends the certificate requests that are still unanswered to random peers.
func (w *HeaderWaiter) retry(ctx context.Context, now time.Time) {
	var digests []types.Digest
	for digest, req := range w.parentRequests {
		if now.Before(req.next) {
			continue
		}
		digests = append(digests, digest)
		req.delay *= 2
		if req.delay > maxRetryBackoff*w.syncRetryDelay {
			req.delay = maxRetryBackoff * w.syncRetryDelay
		}
		req.next = now.Add(req.delay)
	}
	if len(digests) == 0 {
		return
	}

	peers := w.committee.OtherPrimaries(w.name)
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	if len(peers) > w.syncRetryNodes {
		peers = peers[:w.syncRetryNodes]
	}
	w.logger.Debug("retry certificates requests", "number", len(digests), "peers", len(peers))
	req := CertificatesRequest{Digests: digests, Requestor: w.name}
	if err := w.sender.Broadcast(ctx, peers, CertificatesRequestTag, req); err != nil {
		w.logger.Error("fail to send the certificates request", "error", err)
	}
}

func (w *HeaderWaiter) garbageCollect() {
	round := w.consensusRound.Load()
	if round <= w.gcDepth {
		return
	}
	gcRound := round - w.gcDepth
	for id, p := range w.pending {
		if p.round <= gcRound {
			p.cancel()
			delete(w.pending, id)
		}
	}
	for d, req := range w.parentRequests {
		if req.round <= gcRound {
			delete(w.parentRequests, d)
		}
	}
	for d, r := range w.batchRequests {
		if r <= gcRound {
			delete(w.batchRequests, d)
		}
	}
}
