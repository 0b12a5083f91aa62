package node

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/conn"
	"github.com/gitzhang10/narwhal/consensus"
	"github.com/gitzhang10/narwhal/primary"
	"github.com/gitzhang10/narwhal/types"
	"github.com/gitzhang10/narwhal/worker"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cluster struct {
	committee *config.Committee
	keys      []*config.KeyPair
	params    config.Parameters
	network   *conn.MemNetwork

	lock    sync.Mutex
	outputs [][]consensus.Output
}

func newCluster(t *testing.T, n int) *cluster {
	c := &cluster{params: config.DefaultParameters(), network: conn.NewMemNetwork()}
	c.params.MaxHeaderDelay = 50 * time.Millisecond
	c.params.MaxBatchDelay = 20 * time.Millisecond
	c.params.SyncRetryDelay = 200 * time.Millisecond

	var authorities []*config.Authority
	for i := 0; i < n; i++ {
		kp := config.GenerateKeyPair("node" + strconv.Itoa(i))
		c.keys = append(c.keys, kp)
		authorities = append(authorities, &config.Authority{
			Name:           kp.Name,
			Stake:          1,
			PublicKey:      kp.PublicKey,
			BLSPublicKey:   kp.BLSPublicKey,
			PrimaryAddress: "primary-" + strconv.Itoa(i),
			Workers:        map[types.WorkerID]string{0: "worker-" + strconv.Itoa(i)},
		})
	}
	committee, err := config.NewCommittee(0, authorities)
	require.NoError(t, err)
	c.committee = committee
	c.outputs = make([][]consensus.Output, n)
	return c
}

// start runs the primary and the worker of every authority.
func (c *cluster) start(t *testing.T, ctx context.Context) {
	for i, kp := range c.keys {
		conf := config.New(kp, c.committee, c.params, "", int(hclog.Off))

		pst, err := OpenStore(conf, "primary")
		require.NoError(t, err)
		t.Cleanup(func() { pst.Close() })
		p, err := NewPrimary(conf, c.network.NewTransport("primary-"+strconv.Itoa(i), 1000, primary.ReflectedTypesMap()), pst)
		require.NoError(t, err)

		wst, err := OpenStore(conf, WorkerProcess(0))
		require.NoError(t, err)
		t.Cleanup(func() { wst.Close() })
		w, err := NewWorker(conf, 0, c.network.NewTransport("worker-"+strconv.Itoa(i), 1000, worker.ReflectedTypesMap()), wst)
		require.NoError(t, err)

		go func() { _ = p.Run(ctx, "") }()
		go func() { _ = w.Run(ctx, "") }()

		i := i
		go func() {
			for {
				select {
				case out := <-p.Output():
					c.lock.Lock()
					c.outputs[i] = append(c.outputs[i], out)
					c.lock.Unlock()
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

func (c *cluster) committed(i int) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.outputs[i])
}

// sequence returns the digests committed by i, in order.
func (c *cluster) sequence(i int) []types.Digest {
	c.lock.Lock()
	defer c.lock.Unlock()
	var ds []types.Digest
	for j, out := range c.outputs[i] {
		if out.Sequence != uint64(j+1) {
			return nil
		}
		ds = append(ds, out.Certificate.Digest())
	}
	return ds
}

func (c *cluster) submit(t *testing.T, target string, data []byte) {
	client := c.network.NewTransport("client", 1, nil)
	defer client.Close()
	payload, err := conn.Encode(&worker.Transaction{Data: data})
	require.NoError(t, err)
	require.NoError(t, client.SendTo(target, worker.TransactionTag, "client", payload, nil))
}

func assertSamePrefix(t *testing.T, c *cluster, nodes []int) {
	reference := c.sequence(nodes[0])
	require.NotEmpty(t, reference)
	for _, i := range nodes[1:] {
		seq := c.sequence(i)
		require.NotEmpty(t, seq)
		n := len(seq)
		if len(reference) < n {
			n = len(reference)
		}
		assert.Equal(t, reference[:n], seq[:n], "node%d diverges", i)
	}
}

func TestClusterCommitsTransactions(t *testing.T) {
	c := newCluster(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.start(t, ctx)

	c.submit(t, "worker-1", []byte("transfer"))
	batch := (&types.Batch{Transactions: [][]byte{[]byte("transfer")}}).Digest()

	includes := func(i int) bool {
		c.lock.Lock()
		defer c.lock.Unlock()
		for _, out := range c.outputs[i] {
			for _, p := range out.Certificate.Header.Payload {
				if p.Digest == batch {
					return true
				}
			}
		}
		return false
	}
	require.Eventually(t, func() bool {
		for i := range c.keys {
			if !includes(i) {
				return false
			}
		}
		return true
	}, 30*time.Second, 100*time.Millisecond)

	cancel()
	assertSamePrefix(t, c, []int{0, 1, 2, 3})
}

func TestClusterRecoversFromCrashedAuthority(t *testing.T) {
	c := newCluster(t, 4)
	c.network.SetDown("primary-3", true)
	c.network.SetDown("worker-3", true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.start(t, ctx)

	require.Eventually(t, func() bool {
		return c.committed(0) >= 12 && c.committed(1) >= 12 && c.committed(2) >= 12
	}, 30*time.Second, 100*time.Millisecond)
	assert.Zero(t, c.committed(3))

	c.network.SetDown("primary-3", false)
	c.network.SetDown("worker-3", false)
	require.Eventually(t, func() bool { return c.committed(3) >= 12 }, 30*time.Second, 100*time.Millisecond)

	cancel()
	assertSamePrefix(t, c, []int{0, 1, 2, 3})
}
