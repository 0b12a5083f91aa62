package consensus

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/gitzhang10/narwhal/config"
	"github.com/pkg/errors"
)

// LeaderElector maps a round to its leader. It must be a pure function of the round so
// every authority elects the same leaders.
type LeaderElector interface {
	Leader(round uint64) string
}

// NewLeaderElector returns the elector of the policy named in the parameters.
func NewLeaderElector(policy string, committee *config.Committee) (LeaderElector, error) {
	switch policy {
	case config.LeaderRoundRobin, "":
		return &RoundRobin{names: committee.Names()}, nil
	case config.LeaderStakeWeighted:
		return newStakeWeighted(committee), nil
	default:
		return nil, errors.Errorf("unknown leader policy %q", policy)
	}
}

// RoundRobin rotates the leadership over the sorted committee.
type RoundRobin struct {
	names []string
}

func (r *RoundRobin) Leader(round uint64) string {
	return r.names[round%uint64(len(r.names))]
}

// StakeWeighted picks the leader of a round with a probability proportional to its stake,
// using the hash of the round as the randomness.
type StakeWeighted struct {
	names  []string
	stakes []uint64
	total  uint64
}

func newStakeWeighted(committee *config.Committee) *StakeWeighted {
	s := &StakeWeighted{names: committee.Names(), total: committee.TotalStake()}
	for _, name := range s.names {
		s.stakes = append(s.stakes, committee.Stake(name))
	}
	return s
}

func (s *StakeWeighted) Leader(round uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], round)
	h := sha256.Sum256(buf[:])
	point := binary.BigEndian.Uint64(h[:8]) % s.total
	for i, stake := range s.stakes {
		if point < stake {
			return s.names[i]
		}
		point -= stake
	}
	return s.names[len(s.names)-1]
}
