package config

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gitzhang10/narwhal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCommittee(t *testing.T, stakes ...uint64) (*Committee, []*KeyPair) {
	var authorities []*Authority
	var keys []*KeyPair
	for i, stake := range stakes {
		name := "node" + strconv.Itoa(i)
		kp := GenerateKeyPair(name)
		keys = append(keys, kp)
		authorities = append(authorities, &Authority{
			Name:           name,
			Stake:          stake,
			PublicKey:      kp.PublicKey,
			BLSPublicKey:   kp.BLSPublicKey,
			PrimaryAddress: "127.0.0.1:" + strconv.Itoa(9000+i),
			Workers:        map[types.WorkerID]string{0: "127.0.0.1:" + strconv.Itoa(9100+i)},
		})
	}
	c, err := NewCommittee(1, authorities)
	require.NoError(t, err)
	return c, keys
}

func TestThresholds(t *testing.T) {
	c, _ := testCommittee(t, 1, 1, 1, 1)
	assert.Equal(t, uint64(4), c.TotalStake())
	assert.Equal(t, uint64(3), c.QuorumThreshold())
	assert.Equal(t, uint64(2), c.ValidityThreshold())

	c, _ = testCommittee(t, 1, 1, 1, 1, 1, 1, 1)
	assert.Equal(t, uint64(5), c.QuorumThreshold())
	assert.Equal(t, uint64(3), c.ValidityThreshold())

	c, _ = testCommittee(t, 10, 1, 1)
	assert.Equal(t, uint64(9), c.QuorumThreshold())
	assert.Equal(t, uint64(10), c.Stake("node0"))
	assert.Equal(t, uint64(0), c.Stake("stranger"))
}

func TestCommitteeLookups(t *testing.T) {
	c, _ := testCommittee(t, 1, 1, 1)
	assert.Equal(t, []string{"node0", "node1", "node2"}, c.Names())
	assert.Equal(t, []string{"127.0.0.1:9001", "127.0.0.1:9002"}, c.OtherPrimaries("node0"))
	assert.Equal(t, []string{"127.0.0.1:9100", "127.0.0.1:9102"}, c.OtherWorkers("node1", 0))
	addr, ok := c.WorkerAddress("node2", 0)
	assert.True(t, ok)
	assert.Equal(t, "127.0.0.1:9102", addr)
	_, ok = c.WorkerAddress("node2", 1)
	assert.False(t, ok)
}

func TestNewCommitteeRejects(t *testing.T) {
	_, err := NewCommittee(0, nil)
	assert.Error(t, err)
	_, err = NewCommittee(0, []*Authority{{Name: "a", Stake: 1}, {Name: "a", Stake: 1}})
	assert.Error(t, err)
	_, err = NewCommittee(0, []*Authority{{Name: "a"}})
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	c, keys := testCommittee(t, 1, 2, 3, 4)
	committeeFile := filepath.Join(dir, "committee.yaml")
	require.NoError(t, ExportCommittee(committeeFile, c))
	keyFile := filepath.Join(dir, "node1.yaml")
	require.NoError(t, keys[1].Export(keyFile))
	paramsFile := filepath.Join(dir, "parameters.yaml")
	require.NoError(t, os.WriteFile(paramsFile, []byte("gc_depth: 20\nmax_header_delay: 250ms\nleader_policy: stake-weighted\n"), 0o644))

	conf, err := LoadConfig(keyFile, committeeFile, paramsFile, filepath.Join(dir, "db"), 3)
	require.NoError(t, err)
	assert.Equal(t, "node1", conf.Name)
	assert.Equal(t, uint64(10), conf.Committee.TotalStake())
	assert.Equal(t, uint64(20), conf.Parameters.GCDepth)
	assert.Equal(t, 250*time.Millisecond, conf.Parameters.MaxHeaderDelay)
	assert.Equal(t, LeaderStakeWeighted, conf.Parameters.LeaderPolicy)
	assert.Equal(t, DefaultParameters().BatchSize, conf.Parameters.BatchSize)

	loaded, ok := conf.Committee.Authority("node3")
	require.True(t, ok)
	assert.True(t, loaded.BLSPublicKey.Equal(keys[3].BLSPublicKey))
	assert.Equal(t, "127.0.0.1:9103", loaded.Workers[0])
	assert.True(t, conf.KeyPair.BLSPrivateKey.Equal(keys[1].BLSPrivateKey))

	// a key that is not in the committee
	strangerFile := filepath.Join(dir, "stranger.yaml")
	require.NoError(t, GenerateKeyPair("stranger").Export(strangerFile))
	_, err = LoadConfig(strangerFile, committeeFile, "", "", 3)
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"), committeeFile, "", "", 3)
	assert.Error(t, err)
}

func TestParameters(t *testing.T) {
	p, err := LoadParameters("")
	require.NoError(t, err)
	assert.Equal(t, DefaultParameters(), p)

	path := filepath.Join(t.TempDir(), "parameters.json")
	p.BatchSize = 1234
	p.SyncRetryDelay = time.Second
	require.NoError(t, ExportParameters(path, p))
	loaded, err := LoadParameters(path)
	require.NoError(t, err)
	assert.Equal(t, p, loaded)

	bad := DefaultParameters()
	bad.LeaderPolicy = "random"
	assert.Error(t, bad.Validate())
	bad = DefaultParameters()
	bad.GCDepth = 1
	assert.Error(t, bad.Validate())
}

func TestUpdatable(t *testing.T) {
	u := NewUpdatable(DefaultParameters())
	assert.Equal(t, uint64(0), u.Version())

	p := u.Load()
	p.BatchSize = 10
	v, err := u.Update(p)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
	assert.Equal(t, 10, u.Load().BatchSize)

	p.BatchSize = 0
	_, err = u.Update(p)
	assert.Error(t, err)
	assert.Equal(t, 10, u.Load().BatchSize)
	assert.Equal(t, uint64(1), u.Version())
}
