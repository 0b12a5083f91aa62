package primary

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
)

type pendingCertificate struct {
	round  uint64
	cancel context.CancelFunc
}

// CertificateWaiter holds certificates until all their parents are in the store, so the
// core only admits certificates with a complete history.
type CertificateWaiter struct {
	store          *store.Store
	genesis        map[types.Digest]struct{}
	consensusRound *atomic.Uint64
	gcDepth        uint64
	logger         hclog.Logger

	rxSynchronizer <-chan *Certificate
	txCore         chan<- *Certificate

	pending map[types.Digest]*pendingCertificate
	done    chan types.Digest
}

func newCertificateWaiter(conf *config.Config, st *store.Store, genesis []*Certificate, consensusRound *atomic.Uint64,
	rxSynchronizer <-chan *Certificate, txCore chan<- *Certificate) *CertificateWaiter {
	w := &CertificateWaiter{
		store:          st,
		genesis:        make(map[types.Digest]struct{}, len(genesis)),
		consensusRound: consensusRound,
		gcDepth:        conf.Parameters.GCDepth,
		logger:         conf.Logger("certificate-waiter"),
		rxSynchronizer: rxSynchronizer,
		txCore:         txCore,
		pending:        make(map[types.Digest]*pendingCertificate),
		done:           make(chan types.Digest, conf.Parameters.ChannelCapacity),
	}
	for _, c := range genesis {
		w.genesis[c.Digest()] = struct{}{}
	}
	return w
}

// Run serves the waits until ctx is done.
func (w *CertificateWaiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case cert := <-w.rxSynchronizer:
			digest := cert.Digest()
			if _, ok := w.pending[digest]; ok {
				continue
			}
			var keys [][]byte
			for _, parent := range cert.Header.Parents {
				if _, ok := w.genesis[parent]; !ok {
					keys = append(keys, certificateKey(parent))
				}
			}
			waitCtx, cancel := context.WithCancel(ctx)
			w.pending[digest] = &pendingCertificate{round: cert.Round(), cancel: cancel}
			go w.wait(waitCtx, cert, digest, keys)
		case digest := <-w.done:
			if p, ok := w.pending[digest]; ok {
				p.cancel()
				delete(w.pending, digest)
			}
		case <-ticker.C:
			w.garbageCollect()
		case <-ctx.Done():
			for _, p := range w.pending {
				p.cancel()
			}
			return nil
		}
	}
}

func (w *CertificateWaiter) wait(ctx context.Context, cert *Certificate, digest types.Digest, keys [][]byte) {
	defer func() {
		select {
		case w.done <- digest:
		case <-ctx.Done():
		}
	}()
	for _, key := range keys {
		if _, err := w.store.NotifyRead(ctx, key); err != nil {
			return
		}
	}
	select {
	case w.txCore <- cert:
	case <-ctx.Done():
	}
}

func (w *CertificateWaiter) garbageCollect() {
	round := w.consensusRound.Load()
	if round <= w.gcDepth {
		return
	}
	gcRound := round - w.gcDepth
	for digest, p := range w.pending {
		if p.round <= gcRound {
			w.logger.Debug("drop certificate below the gc round", "round", p.round, "digest", digest.Short())
			p.cancel()
			delete(w.pending, digest)
		}
	}
}
