package worker

import (
	"context"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/conn"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// primaryTypes is what a primary decodes from its workers.
var primaryTypes = map[uint8]reflect.Type{
	types.OurBatchTag:    reflect.TypeOf(types.OurBatch{}),
	types.OthersBatchTag: reflect.TypeOf(types.OthersBatch{}),
}

type testbed struct {
	committee *config.Committee
	keys      []*config.KeyPair
	params    config.Parameters
	network   *conn.MemNetwork
	primaries []*conn.MemTransport
	stores    []*store.Store
}

func newTestbed(t *testing.T, n int) *testbed {
	tb := &testbed{params: config.DefaultParameters(), network: conn.NewMemNetwork()}
	tb.params.BatchSize = 100
	tb.params.MaxBatchDelay = 50 * time.Millisecond
	tb.params.SyncRetryDelay = 200 * time.Millisecond

	var authorities []*config.Authority
	for i := 0; i < n; i++ {
		name := "node" + strconv.Itoa(i)
		kp := config.GenerateKeyPair(name)
		tb.keys = append(tb.keys, kp)
		authorities = append(authorities, &config.Authority{
			Name:           name,
			Stake:          1,
			PublicKey:      kp.PublicKey,
			BLSPublicKey:   kp.BLSPublicKey,
			PrimaryAddress: "primary-" + strconv.Itoa(i),
			Workers:        map[types.WorkerID]string{0: "worker-" + strconv.Itoa(i)},
		})
	}
	committee, err := config.NewCommittee(0, authorities)
	require.NoError(t, err)
	tb.committee = committee

	for i := 0; i < n; i++ {
		tb.primaries = append(tb.primaries, tb.network.NewTransport("primary-"+strconv.Itoa(i), 100, primaryTypes))
		st, err := store.NewMem()
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		tb.stores = append(tb.stores, st)
	}
	return tb
}

func (tb *testbed) config(i int) *config.Config {
	return config.New(tb.keys[i], tb.committee, tb.params, "", int(hclog.Off))
}

// start runs the workers of the given authorities.
func (tb *testbed) start(ctx context.Context, ids ...int) {
	for _, i := range ids {
		trans := tb.network.NewTransport("worker-"+strconv.Itoa(i), 100, ReflectedTypesMap())
		w := NewWorker(tb.config(i), 0, trans, tb.stores[i], metrics.NewNoopWorkerMetrics())
		go func() { _ = w.Run(ctx) }()
	}
}

func receive(t *testing.T, trans *conn.MemTransport) interface{} {
	select {
	case msg := <-trans.MsgChan():
		return msg.Msg
	case <-time.After(3 * time.Second):
		t.Fatal("nothing received")
		return nil
	}
}

func submit(t *testing.T, network *conn.MemNetwork, target string, data []byte) {
	client := network.NewTransport("client", 1, nil)
	defer client.Close()
	payload, err := conn.Encode(&Transaction{Data: data})
	require.NoError(t, err)
	require.NoError(t, client.SendTo(target, TransactionTag, "client", payload, nil))
}

func TestQuorumWaiter(t *testing.T) {
	tb := newTestbed(t, 4)
	var peers []*conn.MemTransport
	for i := 1; i < 4; i++ {
		peers = append(peers, tb.network.NewTransport("worker-"+strconv.Itoa(i), 100, ReflectedTypesMap()))
	}
	trans := tb.network.NewTransport("worker-0", 100, ReflectedTypesMap())
	sender := conn.NewSender("node0", tb.keys[0].PrivateKey, trans, 100, hclog.NewNullLogger())
	t.Cleanup(sender.Close)

	batches := make(chan *types.Batch, 1)
	acks := make(chan ack, 10)
	certified := make(chan *types.Batch, 1)
	q := newQuorumWaiter(tb.config(0), 0, sender, metrics.NewNoopWorkerMetrics(), hclog.NewNullLogger(), batches, acks, certified)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	batch := &types.Batch{Transactions: [][]byte{[]byte("tx")}}
	batches <- batch
	// the batch is pending once its broadcast went out
	_, ok := receive(t, peers[0]).(types.Batch)
	require.True(t, ok)

	acks <- ack{digest: batch.Digest(), from: "node1"}
	acks <- ack{digest: batch.Digest(), from: "node1"}
	acks <- ack{digest: types.Digest{1}, from: "node2"}
	select {
	case <-certified:
		t.Fatal("batch certified without a quorum")
	case <-time.After(200 * time.Millisecond):
	}

	acks <- ack{digest: batch.Digest(), from: "node2"}
	select {
	case b := <-certified:
		assert.Equal(t, batch.Digest(), b.Digest())
	case <-time.After(3 * time.Second):
		t.Fatal("batch not certified")
	}
}

func TestProcessorAcksRedeliveredBatch(t *testing.T) {
	tb := newTestbed(t, 4)
	author := tb.network.NewTransport("worker-1", 100, ReflectedTypesMap())
	trans := tb.network.NewTransport("worker-0", 100, ReflectedTypesMap())
	sender := conn.NewSender("node0", tb.keys[0].PrivateKey, trans, 100, hclog.NewNullLogger())
	t.Cleanup(sender.Close)

	others := make(chan receivedBatch, 2)
	p := newProcessor(tb.config(0), 0, tb.stores[0], sender, metrics.NewNoopWorkerMetrics(), hclog.NewNullLogger(),
		make(chan *types.Batch), others)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	batch := &types.Batch{Transactions: [][]byte{[]byte("tx")}}
	others <- receivedBatch{batch: batch, from: "node1"}
	others <- receivedBatch{batch: batch, from: "node1"}

	for i := 0; i < 2; i++ {
		a, ok := receive(t, author).(BatchAck)
		require.True(t, ok)
		assert.Equal(t, batch.Digest(), a.Digest)
	}
	reported, ok := receive(t, tb.primaries[0]).(types.OthersBatch)
	require.True(t, ok)
	assert.Equal(t, batch.Digest(), reported.Digest)
	select {
	case msg := <-tb.primaries[0].MsgChan():
		t.Fatalf("batch reported twice: %T", msg.Msg)
	case <-time.After(200 * time.Millisecond):
	}

	digest := batch.Digest()
	stored, err := tb.stores[0].Read(digest[:])
	require.NoError(t, err)
	assert.NotNil(t, stored)
}

func TestBatchDissemination(t *testing.T) {
	tb := newTestbed(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tb.start(ctx, 0, 1, 2, 3)

	submit(t, tb.network, "worker-0", []byte("hello"))

	own, ok := receive(t, tb.primaries[0]).(types.OurBatch)
	require.True(t, ok)
	assert.Equal(t, types.WorkerID(0), own.WorkerID)
	expected := (&types.Batch{Transactions: [][]byte{[]byte("hello")}}).Digest()
	assert.Equal(t, expected, own.Digest)

	for i := 1; i < 4; i++ {
		others, ok := receive(t, tb.primaries[i]).(types.OthersBatch)
		require.True(t, ok)
		assert.Equal(t, expected, others.Digest)

		data, err := tb.stores[i].Read(expected[:])
		require.NoError(t, err)
		var batch types.Batch
		require.NoError(t, conn.Decode(data, &batch))
		assert.Equal(t, [][]byte{[]byte("hello")}, batch.Transactions)
	}
}

func TestBatchSizeSealsEarly(t *testing.T) {
	tb := newTestbed(t, 4)
	tb.params.MaxBatchDelay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tb.start(ctx, 0, 1, 2, 3)

	submit(t, tb.network, "worker-0", make([]byte, 60))
	submit(t, tb.network, "worker-0", make([]byte, 60))

	own, ok := receive(t, tb.primaries[0]).(types.OurBatch)
	require.True(t, ok)
	assert.Equal(t, (&types.Batch{Transactions: [][]byte{make([]byte, 60), make([]byte, 60)}}).Digest(), own.Digest)
}

func TestSynchronizerFetchesMissingBatches(t *testing.T) {
	tb := newTestbed(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batch := &types.Batch{Transactions: [][]byte{[]byte("late")}}
	digest := batch.Digest()
	data, err := conn.Encode(batch)
	require.NoError(t, err)
	require.NoError(t, tb.stores[1].Write(digest[:], data))

	// node2 lacks the batch too; node0 asks node2 first and falls back to the others
	tb.start(ctx, 0, 1, 2)
	primary := conn.NewSender("node0", tb.keys[0].PrivateKey, tb.primaries[0], 10, hclog.NewNullLogger())
	t.Cleanup(primary.Close)
	require.NoError(t, primary.Send(context.Background(), "worker-0", types.SynchronizeTag, &types.Synchronize{Digests: []types.Digest{digest}, Target: "node2"}))

	report, ok := receive(t, tb.primaries[0]).(types.OthersBatch)
	require.True(t, ok)
	assert.Equal(t, digest, report.Digest)
	stored, err := tb.stores[0].Read(digest[:])
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	// already stored batches are reported right away
	require.NoError(t, primary.Send(context.Background(), "worker-0", types.SynchronizeTag, &types.Synchronize{Digests: []types.Digest{digest}, Target: "node1"}))
	report, ok = receive(t, tb.primaries[0]).(types.OthersBatch)
	require.True(t, ok)
	assert.Equal(t, digest, report.Digest)
}

func TestWorkerRejectsForeignPrimaryMessages(t *testing.T) {
	tb := newTestbed(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batch := &types.Batch{Transactions: [][]byte{[]byte("tx")}}
	digest := batch.Digest()
	data, err := conn.Encode(batch)
	require.NoError(t, err)
	require.NoError(t, tb.stores[0].Write(digest[:], data))
	tb.start(ctx, 0)

	intruder := conn.NewSender("node1", tb.keys[1].PrivateKey, tb.primaries[1], 10, hclog.NewNullLogger())
	t.Cleanup(intruder.Close)
	require.NoError(t, intruder.Send(context.Background(), "worker-0", types.SynchronizeTag, &types.Synchronize{Digests: []types.Digest{digest}, Target: "node1"}))

	select {
	case msg := <-tb.primaries[0].MsgChan():
		t.Fatalf("unexpected report %T", msg.Msg)
	case <-time.After(300 * time.Millisecond):
	}
}
