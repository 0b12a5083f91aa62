package config

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Leader election policies accepted by leader_policy.
const (
	LeaderRoundRobin    = "round-robin"
	LeaderStakeWeighted = "stake-weighted"
)

// Parameters tune the primary, the workers and consensus.
type Parameters struct {
	HeaderSize      int           `json:"header_size"`      // bytes of batch digests that trigger a header
	MaxHeaderDelay  time.Duration `json:"max_header_delay"` // max delay between two headers
	GCDepth         uint64        `json:"gc_depth"`         // rounds kept in memory behind the committed round
	SyncRetryDelay  time.Duration `json:"sync_retry_delay"` // delay before a sync request is re-sent
	SyncRetryNodes  int           `json:"sync_retry_nodes"` // peers asked when a sync request is re-sent
	BatchSize       int           `json:"batch_size"`       // bytes of transactions that seal a batch
	MaxBatchDelay   time.Duration `json:"max_batch_delay"`  // max delay before a non-empty batch is sealed
	ChannelCapacity int           `json:"channel_capacity"` // capacity of the channels between components
	MaxPool         int           `json:"max_pool"`         // idle connections kept per peer
	LeaderPolicy    string        `json:"leader_policy"`    // round-robin or stake-weighted
}

// DefaultParameters returns the parameters used when a key is not configured.
func DefaultParameters() Parameters {
	return Parameters{
		HeaderSize:      1000,
		MaxHeaderDelay:  100 * time.Millisecond,
		GCDepth:         50,
		SyncRetryDelay:  5 * time.Second,
		SyncRetryNodes:  3,
		BatchSize:       500000,
		MaxBatchDelay:   100 * time.Millisecond,
		ChannelCapacity: 1000,
		MaxPool:         10,
		LeaderPolicy:    LeaderRoundRobin,
	}
}

// Validate rejects parameters the protocol cannot run with.
func (p Parameters) Validate() error {
	switch {
	case p.HeaderSize <= 0:
		return errors.New("header_size must be positive")
	case p.MaxHeaderDelay <= 0:
		return errors.New("max_header_delay must be positive")
	case p.GCDepth < 4:
		return errors.New("gc_depth must be at least 4")
	case p.SyncRetryDelay <= 0:
		return errors.New("sync_retry_delay must be positive")
	case p.SyncRetryNodes <= 0:
		return errors.New("sync_retry_nodes must be positive")
	case p.BatchSize <= 0:
		return errors.New("batch_size must be positive")
	case p.MaxBatchDelay <= 0:
		return errors.New("max_batch_delay must be positive")
	case p.ChannelCapacity <= 0:
		return errors.New("channel_capacity must be positive")
	case p.MaxPool <= 0:
		return errors.New("max_pool must be positive")
	}
	if p.LeaderPolicy != LeaderRoundRobin && p.LeaderPolicy != LeaderStakeWeighted {
		return errors.Errorf("unknown leader_policy %q", p.LeaderPolicy)
	}
	return nil
}

// LoadParameters reads a parameters file. Missing keys keep their default value and every
// key can be overridden by an environment variable such as NARWHAL_GC_DEPTH.
// An empty path yields the defaults, still subject to the environment.
func LoadParameters(path string) (Parameters, error) {
	viperConfig := viper.New()

	def := DefaultParameters()
	viperConfig.SetDefault("header_size", def.HeaderSize)
	viperConfig.SetDefault("max_header_delay", def.MaxHeaderDelay)
	viperConfig.SetDefault("gc_depth", def.GCDepth)
	viperConfig.SetDefault("sync_retry_delay", def.SyncRetryDelay)
	viperConfig.SetDefault("sync_retry_nodes", def.SyncRetryNodes)
	viperConfig.SetDefault("batch_size", def.BatchSize)
	viperConfig.SetDefault("max_batch_delay", def.MaxBatchDelay)
	viperConfig.SetDefault("channel_capacity", def.ChannelCapacity)
	viperConfig.SetDefault("max_pool", def.MaxPool)
	viperConfig.SetDefault("leader_policy", def.LeaderPolicy)

	// for environment variables
	viperConfig.SetEnvPrefix("narwhal")
	viperConfig.AutomaticEnv()
	viperConfig.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		viperConfig.SetConfigFile(path)
		if err := viperConfig.ReadInConfig(); err != nil {
			return Parameters{}, errors.Wrapf(err, "read parameters file %s", path)
		}
	}

	p := Parameters{
		HeaderSize:      viperConfig.GetInt("header_size"),
		MaxHeaderDelay:  viperConfig.GetDuration("max_header_delay"),
		GCDepth:         viperConfig.GetUint64("gc_depth"),
		SyncRetryDelay:  viperConfig.GetDuration("sync_retry_delay"),
		SyncRetryNodes:  viperConfig.GetInt("sync_retry_nodes"),
		BatchSize:       viperConfig.GetInt("batch_size"),
		MaxBatchDelay:   viperConfig.GetDuration("max_batch_delay"),
		ChannelCapacity: viperConfig.GetInt("channel_capacity"),
		MaxPool:         viperConfig.GetInt("max_pool"),
		LeaderPolicy:    viperConfig.GetString("leader_policy"),
	}
	if err := p.Validate(); err != nil {
		return Parameters{}, errors.Wrapf(err, "parameters file %s", path)
	}
	return p, nil
}

// ExportParameters writes p to path; the format follows the file extension.
func ExportParameters(path string, p Parameters) error {
	viperWrite := viper.New()
	viperWrite.Set("header_size", p.HeaderSize)
	viperWrite.Set("max_header_delay", p.MaxHeaderDelay.String())
	viperWrite.Set("gc_depth", p.GCDepth)
	viperWrite.Set("sync_retry_delay", p.SyncRetryDelay.String())
	viperWrite.Set("sync_retry_nodes", p.SyncRetryNodes)
	viperWrite.Set("batch_size", p.BatchSize)
	viperWrite.Set("max_batch_delay", p.MaxBatchDelay.String())
	viperWrite.Set("channel_capacity", p.ChannelCapacity)
	viperWrite.Set("max_pool", p.MaxPool)
	viperWrite.Set("leader_policy", p.LeaderPolicy)
	return errors.Wrapf(viperWrite.WriteConfigAs(path), "write parameters file %s", path)
}

type snapshot struct {
	version uint64
	params  Parameters
}

// Updatable holds the parameters that may change while the node runs. Readers always get a
// complete snapshot; updates replace it as a whole.
type Updatable struct {
	current atomic.Pointer[snapshot]
}

// NewUpdatable starts at version 0 with p.
func NewUpdatable(p Parameters) *Updatable {
	u := &Updatable{}
	u.current.Store(&snapshot{params: p})
	return u
}

// Load returns the current parameters.
func (u *Updatable) Load() Parameters {
	return u.current.Load().params
}

// Version returns the number of updates applied so far.
func (u *Updatable) Version() uint64 {
	return u.current.Load().version
}

// Update validates p and installs it, returning the new version.
func (u *Updatable) Update(p Parameters) (uint64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	for {
		old := u.current.Load()
		next := &snapshot{version: old.version + 1, params: p}
		if u.current.CompareAndSwap(old, next) {
			return next.version, nil
		}
	}
}
