package primary

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gitzhang10/narwhal/conn"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type coreHarness struct {
	f              *fixture
	core           *Core
	peers          []*conn.MemTransport
	store          *store.Store
	genesis        []types.Digest
	consensus      chan *Certificate
	parents        chan parentsMsg
	headerWaiter   chan waiterMsg
	certWaiter     chan *Certificate
	consensusRound *atomic.Uint64
}

// newCoreHarness builds the core of node0 without running it; the test calls its methods
// and observes its output channels.
func newCoreHarness(t *testing.T) *coreHarness {
	f := newFixture(t, 4)
	network := conn.NewMemNetwork()
	h := &coreHarness{
		f:              f,
		genesis:        certDigests(GenesisCertificates(f.committee)),
		consensus:      make(chan *Certificate, 100),
		parents:        make(chan parentsMsg, 100),
		headerWaiter:   make(chan waiterMsg, 100),
		certWaiter:     make(chan *Certificate, 100),
		consensusRound: &atomic.Uint64{},
	}
	for i := 0; i < 4; i++ {
		addr, _ := f.committee.PrimaryAddress(f.keys[i].Name)
		h.peers = append(h.peers, network.NewTransport(addr, 100, ReflectedTypesMap()))
	}
	st, err := store.NewMem()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	h.store = st

	sender := conn.NewSender("node0", f.keys[0].PrivateKey, h.peers[0], 100, hclog.NewNullLogger())
	t.Cleanup(sender.Close)
	synchronizer := newSynchronizer("node0", st, GenesisCertificates(f.committee), h.headerWaiter, h.certWaiter)
	h.core = newCore(f.config(0), st, synchronizer, h.consensusRound, sender, metrics.NewNoopPrimaryMetrics(),
		coreChannels{TxConsensus: h.consensus, TxProposer: h.parents})
	return h
}

// receive waits for a message of type T at peer i.
func receive[T any](t *testing.T, h *coreHarness, i int) T {
	for {
		select {
		case msg := <-h.peers[i].MsgChan():
			if v, ok := msg.Msg.(T); ok {
				return v
			}
		case <-time.After(2 * time.Second):
			var zero T
			t.Fatalf("no %T received", zero)
			return zero
		}
	}
}

func nothing(t *testing.T, ch <-chan conn.MsgWithSig) {
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %T", msg.Msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCoreVotesOncePerAuthorAndRound(t *testing.T) {
	h := newCoreHarness(t)
	ctx := context.Background()

	header := NewHeader("node1", 1, nil, h.genesis)
	require.NoError(t, h.core.processHeader(ctx, header))
	v := receive[Vote](t, h, 1)
	assert.Equal(t, "node0", v.Author)
	assert.Equal(t, header.ID, v.ID)
	require.NoError(t, v.Verify(h.f.committee))

	stored, err := h.store.Read(headerKey(header.ID))
	require.NoError(t, err)
	assert.NotNil(t, stored)

	// same header again, then another header for the same round
	require.NoError(t, h.core.processHeader(ctx, header))
	require.NoError(t, h.core.processHeader(ctx, NewHeader("node1", 1, nil, h.genesis[:3])))
	nothing(t, h.peers[1].MsgChan())
}

func TestCoreDefersHeaderWithMissingParents(t *testing.T) {
	h := newCoreHarness(t)
	ctx := context.Background()

	var round1 []*Certificate
	for i := 1; i < 4; i++ {
		round1 = append(round1, h.f.certify(t, NewHeader(h.f.keys[i].Name, 1, nil, h.genesis), 3))
	}
	header := NewHeader("node1", 2, nil, certDigests(round1))
	require.NoError(t, h.core.processHeader(ctx, header))

	msg := <-h.headerWaiter
	assert.Equal(t, syncParents, msg.kind)
	assert.Equal(t, header.ID, msg.header.ID)
	assert.ElementsMatch(t, certDigests(round1), msg.parents)
	nothing(t, h.peers[1].MsgChan())
}

func TestCoreTreatsHeaderIDAsMissingParent(t *testing.T) {
	h := newCoreHarness(t)
	ctx := context.Background()

	first := NewHeader("node1", 1, nil, h.genesis)
	require.NoError(t, h.core.processHeader(ctx, first))
	receive[Vote](t, h, 1)

	stored, err := readCertificate(h.store, first.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)

	parents := append(append([]types.Digest{}, h.genesis[:2]...), first.ID)
	header := NewHeader("node2", 2, nil, parents)
	require.NoError(t, h.core.processHeader(ctx, header))

	msg := <-h.headerWaiter
	assert.Equal(t, syncParents, msg.kind)
	assert.Equal(t, header.ID, msg.header.ID)
	assert.Equal(t, []types.Digest{first.ID}, msg.parents)
	nothing(t, h.peers[2].MsgChan())
}

func TestCoreDefersHeaderWithMissingPayload(t *testing.T) {
	h := newCoreHarness(t)
	ctx := context.Background()

	batch := types.Digest{5}
	header := NewHeader("node1", 1, []PayloadEntry{{Digest: batch, WorkerID: 0}}, h.genesis)
	require.NoError(t, h.core.processHeader(ctx, header))
	msg := <-h.headerWaiter
	assert.Equal(t, syncBatches, msg.kind)
	assert.Equal(t, map[types.Digest]types.WorkerID{batch: 0}, msg.batches)

	// our worker stored the batch, the header comes back from the waiter
	require.NoError(t, h.store.Write(payloadKey(batch, 0), nil))
	require.NoError(t, h.core.processHeader(ctx, header))
	v := receive[Vote](t, h, 1)
	assert.Equal(t, header.ID, v.ID)
}

func TestCoreRejectsEquivocation(t *testing.T) {
	h := newCoreHarness(t)
	ctx := context.Background()

	cert := h.f.certify(t, NewHeader("node1", 1, nil, h.genesis), 3)
	require.NoError(t, h.core.sanitizeCertificate(cert))
	require.NoError(t, h.core.processCertificate(ctx, cert))
	assert.Equal(t, cert.Digest(), (<-h.consensus).Digest())

	// identical re-delivery is ignored
	require.NoError(t, h.core.processCertificate(ctx, cert))
	assert.Len(t, h.consensus, 0)

	conflicting := h.f.certify(t, NewHeader("node1", 1, nil, h.genesis[1:]), 3)
	require.NoError(t, h.core.sanitizeCertificate(conflicting))
	err := h.core.processCertificate(ctx, conflicting)
	assert.Equal(t, ErrEquivocation, errors.Cause(err))
	assert.Len(t, h.consensus, 0)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.core.metrics.Equivocations))

	// the header of an admitted certificate is not voted again
	assert.Equal(t, ErrAlreadyCertified, errors.Cause(h.core.processHeader(ctx, conflicting.Header)))
}

func TestCoreAdmitsCertificatesWithCompleteHistory(t *testing.T) {
	h := newCoreHarness(t)
	ctx := context.Background()

	var round1 []*Certificate
	for i := 1; i < 4; i++ {
		round1 = append(round1, h.f.certify(t, NewHeader(h.f.keys[i].Name, 1, nil, h.genesis), 3))
	}
	child := h.f.certify(t, NewHeader("node1", 2, nil, certDigests(round1)), 3)

	require.NoError(t, h.core.processCertificate(ctx, child))
	assert.Equal(t, child.Digest(), (<-h.certWaiter).Digest())
	assert.Len(t, h.consensus, 0)

	for _, cert := range round1 {
		require.NoError(t, h.core.processCertificate(ctx, cert))
	}
	parents := <-h.parents
	assert.Equal(t, uint64(1), parents.Round)
	assert.ElementsMatch(t, certDigests(round1), parents.Parents)

	// the certificate waiter loops the child back once its parents are stored
	require.NoError(t, h.core.processCertificate(ctx, child))
	var admitted []types.Digest
	for i := 0; i < 4; i++ {
		admitted = append(admitted, (<-h.consensus).Digest())
	}
	assert.Equal(t, append(certDigests(round1), child.Digest()), admitted)
}

func TestCoreCertifiesOwnHeader(t *testing.T) {
	h := newCoreHarness(t)
	ctx := context.Background()

	header := NewHeader("node0", 1, nil, h.genesis)
	require.NoError(t, h.core.processOwnHeader(ctx, header))
	assert.Equal(t, header.ID, receive[Header](t, h, 2).ID)

	stray, err := NewVote(NewHeader("node0", 1, nil, h.genesis[1:]), "node1", h.f.keys[1].BLSPrivateKey)
	require.NoError(t, err)
	assert.Equal(t, ErrUnexpectedVote, errors.Cause(h.core.sanitizeVote(stray)))

	for i := 1; i <= 2; i++ {
		v, err := NewVote(header, h.f.keys[i].Name, h.f.keys[i].BLSPrivateKey)
		require.NoError(t, err)
		require.NoError(t, h.core.sanitizeVote(v))
		require.NoError(t, h.core.processVote(ctx, v))
	}
	cert := <-h.consensus
	assert.Equal(t, header.ID, cert.Header.ID)
	assert.Len(t, cert.Votes, 3)
	require.NoError(t, cert.Verify(h.f.committee))
	broadcast := receive[Certificate](t, h, 3)
	assert.Equal(t, cert.Digest(), broadcast.Digest())
}

func TestCoreGarbageCollect(t *testing.T) {
	h := newCoreHarness(t)
	ctx := context.Background()

	require.NoError(t, h.core.processHeader(ctx, NewHeader("node1", 1, nil, h.genesis)))
	h.consensusRound.Store(h.f.params.GCDepth + 10)
	h.core.garbageCollect()
	assert.Equal(t, uint64(10), h.core.gcRound)
	assert.Empty(t, h.core.lastVoted)
	assert.Empty(t, h.core.processing)

	stale := NewHeader("node1", 10, nil, h.genesis)
	assert.Equal(t, ErrTooOld, errors.Cause(h.core.sanitizeHeader(stale)))
	cert := h.f.certify(t, NewHeader("node2", 3, nil, h.genesis), 3)
	assert.Equal(t, ErrTooOld, errors.Cause(h.core.sanitizeCertificate(cert)))
}
