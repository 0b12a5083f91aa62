package primary

import (
	"strconv"
	"testing"
	"time"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/types"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	committee *config.Committee
	keys      []*config.KeyPair
	params    config.Parameters
}

func newFixture(t *testing.T, n int) *fixture {
	f := &fixture{params: config.DefaultParameters()}
	f.params.MaxHeaderDelay = 50 * time.Millisecond
	f.params.SyncRetryDelay = 200 * time.Millisecond
	f.params.MaxBatchDelay = 20 * time.Millisecond

	var authorities []*config.Authority
	for i := 0; i < n; i++ {
		name := "node" + strconv.Itoa(i)
		kp := config.GenerateKeyPair(name)
		f.keys = append(f.keys, kp)
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
	f.committee = committee
	return f
}

func (f *fixture) config(i int) *config.Config {
	return config.New(f.keys[i], f.committee, f.params, "", int(hclog.Off))
}

// certify collects the votes of the first voters authorities for h.
func (f *fixture) certify(t *testing.T, h *Header, voters int) *Certificate {
	cert := &Certificate{Header: h}
	for i := 0; i < voters; i++ {
		v, err := NewVote(h, f.keys[i].Name, f.keys[i].BLSPrivateKey)
		require.NoError(t, err)
		cert.Votes = append(cert.Votes, VoteSignature{Voter: v.Author, Signature: v.Signature})
	}
	return cert
}

func certDigests(certs []*Certificate) []types.Digest {
	var ds []types.Digest
	for _, c := range certs {
		ds = append(ds, c.Digest())
	}
	return ds
}
