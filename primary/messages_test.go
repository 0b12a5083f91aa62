package primary

import (
	"testing"

	"github.com/gitzhang10/narwhal/conn"
	"github.com/gitzhang10/narwhal/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderDigest(t *testing.T) {
	f := newFixture(t, 4)
	genesis := certDigests(GenesisCertificates(f.committee))
	payload := []PayloadEntry{
		{Digest: types.Digest{2}, WorkerID: 0},
		{Digest: types.Digest{1}, WorkerID: 0},
	}
	h := NewHeader("node0", 1, payload, genesis)
	require.NoError(t, h.Verify(f.committee))
	assert.Equal(t, types.Digest{1}, h.Payload[0].Digest)

	// the id survives the wire
	data, err := conn.Encode(h)
	require.NoError(t, err)
	var decoded Header
	require.NoError(t, conn.Decode(data, &decoded))
	require.NoError(t, decoded.Verify(f.committee))
	assert.Equal(t, h.ID, decoded.ID)

	tampered := *h
	tampered.Round = 2
	assert.Equal(t, ErrInvalidHeaderID, errors.Cause(tampered.Verify(f.committee)))

	stranger := NewHeader("stranger", 1, nil, genesis)
	assert.Equal(t, ErrUnknownAuthority, errors.Cause(stranger.Verify(f.committee)))

	badWorker := NewHeader("node0", 1, []PayloadEntry{{Digest: types.Digest{1}, WorkerID: 7}}, genesis)
	assert.Equal(t, ErrUnknownWorker, errors.Cause(badWorker.Verify(f.committee)))
}

func TestVote(t *testing.T) {
	f := newFixture(t, 4)
	h := NewHeader("node0", 1, nil, certDigests(GenesisCertificates(f.committee)))
	v, err := NewVote(h, "node1", f.keys[1].BLSPrivateKey)
	require.NoError(t, err)
	require.NoError(t, v.Verify(f.committee))

	forged := *v
	forged.Author = "node2"
	assert.Equal(t, ErrInvalidSignature, errors.Cause(forged.Verify(f.committee)))
	forged = *v
	forged.Round = 2
	assert.Equal(t, ErrInvalidSignature, errors.Cause(forged.Verify(f.committee)))
}

func TestCertificateVerify(t *testing.T) {
	f := newFixture(t, 4)
	h := NewHeader("node0", 1, nil, certDigests(GenesisCertificates(f.committee)))

	cert := f.certify(t, h, 3)
	require.NoError(t, cert.Verify(f.committee))
	assert.NotEqual(t, h.ID, cert.Digest())

	data, err := conn.Encode(cert)
	require.NoError(t, err)
	var decoded Certificate
	require.NoError(t, conn.Decode(data, &decoded))
	require.NoError(t, decoded.Verify(f.committee))
	assert.Equal(t, cert.Digest(), decoded.Digest())

	// two votes are not a quorum of four
	assert.Equal(t, ErrCertificateRequiresQuorum, errors.Cause(f.certify(t, h, 2).Verify(f.committee)))

	reused := f.certify(t, h, 2)
	reused.Votes = append(reused.Votes, reused.Votes[0])
	assert.Equal(t, ErrAuthorityReuse, errors.Cause(reused.Verify(f.committee)))

	swapped := f.certify(t, h, 3)
	swapped.Votes[0].Signature, swapped.Votes[1].Signature = swapped.Votes[1].Signature, swapped.Votes[0].Signature
	swapped.Votes[2].Voter = "node3"
	assert.Equal(t, ErrInvalidSignature, errors.Cause(swapped.Verify(f.committee)))

	// votes for another header do not certify this one
	other := NewHeader("node0", 1, []PayloadEntry{{Digest: types.Digest{9}}}, h.Parents)
	moved := f.certify(t, other, 3)
	moved.Header = h
	assert.Equal(t, ErrInvalidSignature, errors.Cause(moved.Verify(f.committee)))
}

func TestGenesis(t *testing.T) {
	f := newFixture(t, 4)
	genesis := GenesisCertificates(f.committee)
	require.Len(t, genesis, 4)
	seen := make(map[types.Digest]struct{})
	for _, c := range genesis {
		require.NoError(t, c.Verify(f.committee))
		assert.Equal(t, uint64(0), c.Round())
		seen[c.Digest()] = struct{}{}
	}
	assert.Len(t, seen, 4)
	assert.Equal(t, certDigests(genesis), certDigests(GenesisCertificates(f.committee)))

	fake := &Certificate{Header: NewHeader("node0", 0, nil, nil)}
	assert.Equal(t, ErrInvalidGenesis, errors.Cause(fake.Verify(f.committee)))
}
