package primary

import (
	"fmt"
	"sort"
	"time"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/sign"
	"github.com/gitzhang10/narwhal/types"
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
)

// PayloadEntry references a batch held by the worker WorkerID of the header author.
type PayloadEntry struct {
	Digest   types.Digest
	WorkerID types.WorkerID
}

// Header is the proposal of an authority for a round.
type Header struct {
	ID        types.Digest
	Author    string
	Round     uint64
	Payload   []PayloadEntry // sorted
	Parents   []types.Digest // sorted certificate digests of round-1
	Timestamp int64
}

// NewHeader builds a header; payload and parents are copied and sorted.
func NewHeader(author string, round uint64, payload []PayloadEntry, parents []types.Digest) *Header {
	h := &Header{
		Author:    author,
		Round:     round,
		Payload:   append([]PayloadEntry(nil), payload...),
		Parents:   append([]types.Digest(nil), parents...),
		Timestamp: time.Now().UnixNano(),
	}
	sort.Slice(h.Payload, func(i, j int) bool {
		if h.Payload[i].Digest == h.Payload[j].Digest {
			return h.Payload[i].WorkerID < h.Payload[j].WorkerID
		}
		return h.Payload[i].Digest.Less(h.Payload[j].Digest)
	})
	sort.Slice(h.Parents, func(i, j int) bool { return h.Parents[i].Less(h.Parents[j]) })
	h.ID = h.digest()
	return h
}

func (h *Header) digest() types.Digest {
	hs := newHasher().string(h.Author).uint64(h.Round)
	hs.uint64(uint64(len(h.Payload)))
	for _, p := range h.Payload {
		hs.digest(p.Digest).uint64(uint64(p.WorkerID))
	}
	hs.uint64(uint64(len(h.Parents)))
	for _, p := range h.Parents {
		hs.digest(p)
	}
	return hs.uint64(uint64(h.Timestamp)).sum()
}

// Verify checks the author, the id and the worker ids of the payload.
func (h *Header) Verify(committee *config.Committee) error {
	if _, ok := committee.Authority(h.Author); !ok {
		return errors.Wrapf(ErrUnknownAuthority, "header author %s", h.Author)
	}
	if h.digest() != h.ID {
		return errors.Wrapf(ErrInvalidHeaderID, "header %s", h.ID.Short())
	}
	for _, p := range h.Payload {
		if _, ok := committee.WorkerAddress(h.Author, p.WorkerID); !ok {
			return errors.Wrapf(ErrUnknownWorker, "worker %d of %s", p.WorkerID, h.Author)
		}
	}
	return nil
}

func (h *Header) String() string {
	return fmt.Sprintf("H%d(%s, %s)", h.Round, h.Author, h.ID.Short())
}

// Vote is the BLS signature of Author on the header ID of Origin at Round.
type Vote struct {
	ID        types.Digest
	Round     uint64
	Origin    string
	Author    string
	Signature []byte
}

func voteMessage(id types.Digest, round uint64, origin string) []byte {
	d := newHasher().digest(id).uint64(round).string(origin).sum()
	return d[:]
}

// NewVote signs a vote for header.
func NewVote(header *Header, author string, blsKey kyber.Scalar) (*Vote, error) {
	sig, err := sign.SignBLS(blsKey, voteMessage(header.ID, header.Round, header.Author))
	if err != nil {
		return nil, err
	}
	return &Vote{
		ID:        header.ID,
		Round:     header.Round,
		Origin:    header.Author,
		Author:    author,
		Signature: sig,
	}, nil
}

// Verify checks the voter and its signature.
func (v *Vote) Verify(committee *config.Committee) error {
	authority, ok := committee.Authority(v.Author)
	if !ok {
		return errors.Wrapf(ErrUnknownAuthority, "voter %s", v.Author)
	}
	if err := sign.VerifyBLS(authority.BLSPublicKey, voteMessage(v.ID, v.Round, v.Origin), v.Signature); err != nil {
		return errors.Wrapf(ErrInvalidSignature, "vote of %s: %v", v.Author, err)
	}
	return nil
}

// VoteSignature is a vote stripped of what the certificate header already carries.
type VoteSignature struct {
	Voter     string
	Signature []byte
}

// Certificate is a header together with a quorum of votes for it.
type Certificate struct {
	Header *Header
	Votes  []VoteSignature
}

// Digest identifies the certificate. It differs from the header id.
func (c *Certificate) Digest() types.Digest {
	return newHasher().string("certificate").digest(c.Header.ID).uint64(c.Header.Round).string(c.Header.Author).sum()
}

// Round of the certified header.
func (c *Certificate) Round() uint64 {
	return c.Header.Round
}

// Origin is the author of the certified header.
func (c *Certificate) Origin() string {
	return c.Header.Author
}

func (c *Certificate) String() string {
	return fmt.Sprintf("C%d(%s, %s)", c.Round(), c.Origin(), c.Digest().Short())
}

// Verify checks that the votes come from distinct authorities holding a quorum of stake and
// that their aggregated signature is valid. Genesis certificates are valid without votes.
func (c *Certificate) Verify(committee *config.Committee) error {
	if c.Header == nil {
		return ErrMalformedCertificate
	}
	if c.Header.Round == 0 {
		if _, ok := committee.Authority(c.Header.Author); ok && genesisHeader(c.Header.Author).ID == c.Header.ID {
			return nil
		}
		return errors.Wrapf(ErrInvalidGenesis, "certificate of %s", c.Header.Author)
	}
	if err := c.Header.Verify(committee); err != nil {
		return err
	}

	var weight uint64
	used := make(map[string]struct{}, len(c.Votes))
	publicKeys := make([]kyber.Point, 0, len(c.Votes))
	sigs := make([][]byte, 0, len(c.Votes))
	for _, v := range c.Votes {
		if _, ok := used[v.Voter]; ok {
			return errors.Wrapf(ErrAuthorityReuse, "voter %s", v.Voter)
		}
		authority, ok := committee.Authority(v.Voter)
		if !ok {
			return errors.Wrapf(ErrUnknownAuthority, "voter %s", v.Voter)
		}
		used[v.Voter] = struct{}{}
		weight += authority.Stake
		publicKeys = append(publicKeys, authority.BLSPublicKey)
		sigs = append(sigs, v.Signature)
	}
	if weight < committee.QuorumThreshold() {
		return errors.Wrapf(ErrCertificateRequiresQuorum, "%s has stake %d", c, weight)
	}
	if err := sign.VerifyAggregateBLS(publicKeys, voteMessage(c.Header.ID, c.Header.Round, c.Header.Author), sigs); err != nil {
		return errors.Wrapf(ErrInvalidSignature, "%s: %v", c, err)
	}
	return nil
}

func genesisHeader(author string) *Header {
	h := &Header{Author: author}
	h.ID = h.digest()
	return h
}

// GenesisCertificates returns the round 0 certificate of every authority, sorted by author.
func GenesisCertificates(committee *config.Committee) []*Certificate {
	certs := make([]*Certificate, 0, committee.Size())
	for _, name := range committee.Names() {
		certs = append(certs, &Certificate{Header: genesisHeader(name)})
	}
	return certs
}

// CertificatesRequest asks a peer for certificates we miss.
type CertificatesRequest struct {
	Digests   []types.Digest
	Requestor string
}

// CertificatesResponse carries the requested certificates the peer holds.
type CertificatesResponse struct {
	Certificates []*Certificate
}
