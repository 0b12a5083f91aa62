package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"sort"

	"github.com/gitzhang10/narwhal/sign"
	"github.com/gitzhang10/narwhal/types"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.dedis.ch/kyber/v3"
)

// Authority is a member of the committee.
type Authority struct {
	Name           string
	Stake          uint64
	PublicKey      ed25519.PublicKey
	BLSPublicKey   kyber.Point
	PrimaryAddress string
	Workers        map[types.WorkerID]string // map from worker id to address
}

// Committee is the fixed set of authorities of an epoch. It is never mutated once built,
// so every component shares the same pointer.
type Committee struct {
	Epoch       uint64
	Authorities map[string]*Authority
	names       []string // sorted
	totalStake  uint64
}

// NewCommittee builds a committee. Names must be unique and stakes positive.
func NewCommittee(epoch uint64, authorities []*Authority) (*Committee, error) {
	c := &Committee{
		Epoch:       epoch,
		Authorities: make(map[string]*Authority, len(authorities)),
	}
	for _, a := range authorities {
		if a.Name == "" {
			return nil, errors.New("authority without name")
		}
		if _, ok := c.Authorities[a.Name]; ok {
			return nil, errors.Errorf("authority %s is listed twice", a.Name)
		}
		if a.Stake == 0 {
			return nil, errors.Errorf("authority %s has no stake", a.Name)
		}
		c.Authorities[a.Name] = a
		c.names = append(c.names, a.Name)
		c.totalStake += a.Stake
	}
	if len(c.names) == 0 {
		return nil, errors.New("empty committee")
	}
	sort.Strings(c.names)
	return c, nil
}

// Size returns the number of authorities.
func (c *Committee) Size() int {
	return len(c.names)
}

// Names returns the sorted authority names. The slice must not be modified.
func (c *Committee) Names() []string {
	return c.names
}

// Authority looks an authority up by name.
func (c *Committee) Authority(name string) (*Authority, bool) {
	a, ok := c.Authorities[name]
	return a, ok
}

// Stake returns the stake of name, 0 for strangers.
func (c *Committee) Stake(name string) uint64 {
	if a, ok := c.Authorities[name]; ok {
		return a.Stake
	}
	return 0
}

// TotalStake returns the stake of the whole committee.
func (c *Committee) TotalStake() uint64 {
	return c.totalStake
}

// QuorumThreshold is the smallest stake strictly above 2/3 of the total (2f+1).
func (c *Committee) QuorumThreshold() uint64 {
	return 2*c.totalStake/3 + 1
}

// ValidityThreshold is the smallest stake that contains an honest authority (f+1).
func (c *Committee) ValidityThreshold() uint64 {
	return (c.totalStake + 2) / 3
}

// OtherPrimaries returns the primary addresses of everybody but name.
func (c *Committee) OtherPrimaries(name string) []string {
	var addrs []string
	for _, n := range c.names {
		if n != name {
			addrs = append(addrs, c.Authorities[n].PrimaryAddress)
		}
	}
	return addrs
}

// PrimaryAddress returns the primary address of name.
func (c *Committee) PrimaryAddress(name string) (string, bool) {
	a, ok := c.Authorities[name]
	if !ok {
		return "", false
	}
	return a.PrimaryAddress, true
}

// WorkerAddress returns the address of worker id of name.
func (c *Committee) WorkerAddress(name string, id types.WorkerID) (string, bool) {
	a, ok := c.Authorities[name]
	if !ok {
		return "", false
	}
	addr, ok := a.Workers[id]
	return addr, ok
}

// OtherWorkers returns the addresses of worker id of everybody but name.
func (c *Committee) OtherWorkers(name string, id types.WorkerID) []string {
	var addrs []string
	for _, n := range c.names {
		if n == name {
			continue
		}
		if addr, ok := c.Authorities[n].Workers[id]; ok {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// WorkerIDs returns the sorted worker ids of name.
func (c *Committee) WorkerIDs(name string) []types.WorkerID {
	a, ok := c.Authorities[name]
	if !ok {
		return nil
	}
	ids := make([]types.WorkerID, 0, len(a.Workers))
	for id := range a.Workers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// WorkerAddress is the file representation of a worker.
type WorkerAddress struct {
	ID      uint32 `mapstructure:"id"`
	Address string `mapstructure:"address"`
}

type authorityFile struct {
	Name           string          `mapstructure:"name"`
	Stake          uint64          `mapstructure:"stake"`
	PublicKey      string          `mapstructure:"public_key"`
	BLSPublicKey   string          `mapstructure:"bls_public_key"`
	PrimaryAddress string          `mapstructure:"primary_address"`
	Workers        []WorkerAddress `mapstructure:"workers"`
}

// LoadCommittee loads a committee file (yaml, json or toml) by package viper.
func LoadCommittee(path string) (*Committee, error) {
	viperConfig := viper.New()
	viperConfig.SetConfigFile(path)
	if err := viperConfig.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read committee file %s", path)
	}

	var files []authorityFile
	if err := viperConfig.UnmarshalKey("authorities", &files); err != nil {
		return nil, errors.Wrapf(err, "decode committee file %s", path)
	}
	authorities := make([]*Authority, 0, len(files))
	for _, f := range files {
		pubKey, err := hex.DecodeString(f.PublicKey)
		if err != nil || len(pubKey) != ed25519.PublicKeySize {
			return nil, errors.Errorf("public key of %s in the committee file cannot be decoded correctly", f.Name)
		}
		blsBytes, err := hex.DecodeString(f.BLSPublicKey)
		if err != nil {
			return nil, errors.Wrapf(err, "BLS key of %s", f.Name)
		}
		blsKey, err := sign.DecodeBLSPublicKey(blsBytes)
		if err != nil {
			return nil, errors.Wrapf(err, "BLS key of %s", f.Name)
		}
		workers := make(map[types.WorkerID]string, len(f.Workers))
		for _, w := range f.Workers {
			workers[types.WorkerID(w.ID)] = w.Address
		}
		authorities = append(authorities, &Authority{
			Name:           f.Name,
			Stake:          f.Stake,
			PublicKey:      pubKey,
			BLSPublicKey:   blsKey,
			PrimaryAddress: f.PrimaryAddress,
			Workers:        workers,
		})
	}
	c, err := NewCommittee(viperConfig.GetUint64("epoch"), authorities)
	if err != nil {
		return nil, errors.Wrapf(err, "committee file %s", path)
	}
	return c, nil
}

// ExportCommittee writes the committee to path; the format follows the file extension.
func ExportCommittee(path string, c *Committee) error {
	viperWrite := viper.New()
	var authorities []map[string]interface{}
	for _, name := range c.names {
		a := c.Authorities[name]
		blsBytes, err := sign.EncodeBLSPublicKey(a.BLSPublicKey)
		if err != nil {
			return err
		}
		var workers []map[string]interface{}
		for _, id := range c.WorkerIDs(name) {
			workers = append(workers, map[string]interface{}{
				"id":      uint32(id),
				"address": a.Workers[id],
			})
		}
		authorities = append(authorities, map[string]interface{}{
			"name":            a.Name,
			"stake":           a.Stake,
			"public_key":      hex.EncodeToString(a.PublicKey),
			"bls_public_key":  hex.EncodeToString(blsBytes),
			"primary_address": a.PrimaryAddress,
			"workers":         workers,
		})
	}
	viperWrite.Set("epoch", c.Epoch)
	viperWrite.Set("authorities", authorities)
	return errors.Wrapf(viperWrite.WriteConfigAs(path), "write committee file %s", path)
}
