package primary

import (
	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/types"
	"github.com/pkg/errors"
)

// VotesAggregator collects the votes for our current header.
type VotesAggregator struct {
	weight uint64
	votes  []VoteSignature
	used   map[string]struct{}
	done   bool
}

func NewVotesAggregator() *VotesAggregator {
	return &VotesAggregator{used: make(map[string]struct{})}
}

// Append adds a verified vote and returns the certificate the first time the votes reach
// a quorum, nil otherwise.
func (a *VotesAggregator) Append(v *Vote, committee *config.Committee, header *Header) (*Certificate, error) {
	if _, ok := a.used[v.Author]; ok {
		return nil, errors.Wrapf(ErrAuthorityReuse, "vote of %s for %s", v.Author, header)
	}
	a.used[v.Author] = struct{}{}
	a.votes = append(a.votes, VoteSignature{Voter: v.Author, Signature: v.Signature})
	a.weight += committee.Stake(v.Author)
	if a.done || a.weight < committee.QuorumThreshold() {
		return nil, nil
	}
	a.done = true
	return &Certificate{
		Header: header,
		Votes:  append([]VoteSignature(nil), a.votes...),
	}, nil
}

// CertificatesAggregator collects the certificates of a round.
type CertificatesAggregator struct {
	weight       uint64
	certificates []types.Digest
	used         map[string]struct{}
	done         bool
}

func NewCertificatesAggregator() *CertificatesAggregator {
	return &CertificatesAggregator{used: make(map[string]struct{})}
}

// Append adds a certificate and returns the digests of the round the first time they reach
// a quorum, nil otherwise.
func (a *CertificatesAggregator) Append(c *Certificate, committee *config.Committee) []types.Digest {
	origin := c.Origin()
	if _, ok := a.used[origin]; ok {
		return nil
	}
	a.used[origin] = struct{}{}
	a.certificates = append(a.certificates, c.Digest())
	a.weight += committee.Stake(origin)
	if a.done || a.weight < committee.QuorumThreshold() {
		return nil
	}
	a.done = true
	return append([]types.Digest(nil), a.certificates...)
}
