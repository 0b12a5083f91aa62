package worker

import (
	"context"
	"math/rand"
	"time"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/conn"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
)

type batchRequest struct {
	round  uint64
	cancel context.CancelFunc
	next   time.Time
	delay  time.Duration
}

// Synchronizer fetches the batches our primary misses from the other authorities.
type Synchronizer struct {
	name           string
	id             types.WorkerID
	committee      *config.Committee
	store          *store.Store
	sender         *conn.Sender
	gcDepth        uint64
	syncRetryDelay time.Duration
	syncRetryNodes int
	metrics        *metrics.WorkerMetrics
	logger         hclog.Logger

	rxPrimary <-chan interface{} // types.Synchronize and types.Cleanup

	round   uint64 // consensus round from the last cleanup
	pending map[types.Digest]*batchRequest
	done    chan types.Digest
}

func newSynchronizer(conf *config.Config, id types.WorkerID, st *store.Store, sender *conn.Sender, m *metrics.WorkerMetrics,
	logger hclog.Logger, rxPrimary <-chan interface{}) *Synchronizer {
	return &Synchronizer{
		name:           conf.Name,
		id:             id,
		committee:      conf.Committee,
		store:          st,
		sender:         sender,
		gcDepth:        conf.Parameters.GCDepth,
		syncRetryDelay: conf.Parameters.SyncRetryDelay,
		syncRetryNodes: conf.Parameters.SyncRetryNodes,
		metrics:        m,
		logger:         logger,
		rxPrimary:      rxPrimary,
		pending:        make(map[types.Digest]*batchRequest),
		done:           make(chan types.Digest, conf.Parameters.ChannelCapacity),
	}
}

// Run serves the requests of the primary until ctx is done.
func (s *Synchronizer) Run(ctx context.Context) error {
	resolution := s.syncRetryDelay
	if resolution > time.Second {
		resolution = time.Second
	}
	ticker := time.NewTicker(resolution)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.rxPrimary:
			switch m := msg.(type) {
			case *types.Synchronize:
				if err := s.synchronize(ctx, m); err != nil {
					return err
				}
			case *types.Cleanup:
				s.cleanup(m.Round)
			}
		case digest := <-s.done:
			if req, ok := s.pending[digest]; ok {
				req.cancel()
				delete(s.pending, digest)
			}
		case now := <-ticker.C:
			s.retry(ctx, now)
		case <-ctx.Done():
			for _, req := range s.pending {
				req.cancel()
			}
			return nil
		}
	}
}

func (s *Synchronizer) synchronize(ctx context.Context, msg *types.Synchronize) error {
	var missing []types.Digest
	now := time.Now()
	for _, digest := range msg.Digests {
		if _, ok := s.pending[digest]; ok {
			continue
		}
		data, err := s.store.Read(digest[:])
		if err != nil {
			return err
		}
		if data != nil {
			// stored meanwhile; the primary only needs the report
			primary, _ := s.committee.PrimaryAddress(s.name)
			if err := s.sender.Send(ctx, primary, types.OthersBatchTag, types.OthersBatch{Digest: digest, WorkerID: s.id}); err != nil {
				s.logger.Error("fail to report the batch", "digest", digest.Short(), "error", err)
			}
			continue
		}
		waitCtx, cancel := context.WithCancel(ctx)
		s.pending[digest] = &batchRequest{
			round:  s.round,
			cancel: cancel,
			next:   now.Add(s.syncRetryDelay),
			delay:  s.syncRetryDelay,
		}
		missing = append(missing, digest)
		go s.wait(waitCtx, digest)
	}
	if len(missing) == 0 {
		return nil
	}

	addr, ok := s.committee.WorkerAddress(msg.Target, s.id)
	if !ok {
		s.logger.Warn("no worker to synchronize with", "target", msg.Target, "worker", s.id)
		return nil
	}
	s.metrics.SyncRequests.Inc()
	if err := s.sender.Send(ctx, addr, BatchRequestTag, BatchRequest{Digests: missing, Requestor: s.name}); err != nil {
		s.logger.Error("fail to send the batch request", "target", msg.Target, "error", err)
	}
	return nil
}

func (s *Synchronizer) wait(ctx context.Context, digest types.Digest) {
	if _, err := s.store.NotifyRead(ctx, digest[:]); err != nil {
		return
	}
	select {
	case s.done <- digest:
	case <-ctx.Done():
	}
}

func (s *Synchronizer) retry(ctx context.Context, now time.Time) {
	var digests []types.Digest
	for digest, req := range s.pending {
		if now.Before(req.next) {
			continue
		}
		digests = append(digests, digest)
		req.delay *= 2
		if req.delay > maxResendBackoff*s.syncRetryDelay {
			req.delay = maxResendBackoff * s.syncRetryDelay
		}
		req.next = now.Add(req.delay)
	}
	if len(digests) == 0 {
		return
	}

	peers := s.committee.OtherWorkers(s.name, s.id)
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	if len(peers) > s.syncRetryNodes {
		peers = peers[:s.syncRetryNodes]
	}
	s.metrics.SyncRequests.Add(float64(len(peers)))
	if err := s.sender.Broadcast(ctx, peers, BatchRequestTag, BatchRequest{Digests: digests, Requestor: s.name}); err != nil {
		s.logger.Error("fail to send the batch request", "error", err)
	}
}

// cleanup drops the requests made too many rounds before round.
func (s *Synchronizer) cleanup(round uint64) {
	if round <= s.round {
		return
	}
	s.round = round
	if round <= s.gcDepth {
		return
	}
	gcRound := round - s.gcDepth
	for digest, req := range s.pending {
		if req.round < gcRound {
			req.cancel()
			delete(s.pending, digest)
		}
	}
}
