package primary

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"

	"github.com/gitzhang10/narwhal/conn"
	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/types"
)

type hasher struct {
	h   hash.Hash
	buf [8]byte
}

func newHasher() *hasher {
	return &hasher{h: sha256.New()}
}

func (h *hasher) uint64(v uint64) *hasher {
	binary.BigEndian.PutUint64(h.buf[:], v)
	h.h.Write(h.buf[:])
	return h
}

func (h *hasher) string(s string) *hasher {
	h.uint64(uint64(len(s)))
	h.h.Write([]byte(s))
	return h
}

func (h *hasher) digest(d types.Digest) *hasher {
	h.h.Write(d[:])
	return h
}

func (h *hasher) sum() types.Digest {
	return types.DigestFromBytes(h.h.Sum(nil))
}

// Store keys are prefixed by kind, so a digest of one kind never reads a blob of another.
const (
	certificatePrefix byte = 'c'
	headerPrefix      byte = 'h'
	payloadPrefix     byte = 'p'
)

func certificateKey(digest types.Digest) []byte {
	return append([]byte{certificatePrefix}, digest[:]...)
}

func headerKey(id types.Digest) []byte {
	return append([]byte{headerPrefix}, id[:]...)
}

// payloadKey is the store key telling that our worker holds a batch.
func payloadKey(digest types.Digest, workerID types.WorkerID) []byte {
	key := make([]byte, 1+types.DigestLen+4)
	key[0] = payloadPrefix
	copy(key[1:], digest[:])
	binary.BigEndian.PutUint32(key[1+types.DigestLen:], uint32(workerID))
	return key
}

// readCertificate returns nil if no valid certificate is stored under digest.
func readCertificate(st *store.Store, digest types.Digest) (*Certificate, error) {
	data, err := st.Read(certificateKey(digest))
	if err != nil || data == nil {
		return nil, err
	}
	var cert Certificate
	if err := conn.Decode(data, &cert); err != nil || cert.Header == nil || cert.Digest() != digest {
		return nil, nil
	}
	return &cert, nil
}

func writeCertificate(st *store.Store, cert *Certificate) error {
	data, err := conn.Encode(cert)
	if err != nil {
		return err
	}
	return st.Write(certificateKey(cert.Digest()), data)
}

func writeHeader(st *store.Store, header *Header) error {
	data, err := conn.Encode(header)
	if err != nil {
		return err
	}
	return st.Write(headerKey(header.ID), data)
}
