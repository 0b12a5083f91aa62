// Package types holds the values shared by primaries, workers and consensus.
package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// DigestLen is the size of a digest in bytes.
const DigestLen = 32

// Digest identifies batches, headers and certificates by content.
type Digest [DigestLen]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first bytes of the digest, for logs.
func (d Digest) Short() string {
	return hex.EncodeToString(d[:4])
}

// Bytes returns the digest as a slice.
func (d Digest) Bytes() []byte {
	return d[:]
}

// Less orders digests bytewise.
func (d Digest) Less(o Digest) bool {
	return bytes.Compare(d[:], o[:]) < 0
}

// DigestFromBytes copies b into a Digest. Shorter inputs are zero padded.
func DigestFromBytes(b []byte) Digest {
	var d Digest
	copy(d[:], b)
	return d
}

// WorkerID identifies a worker of an authority.
type WorkerID uint32

// Batch is an ordered list of opaque transactions.
type Batch struct {
	Transactions [][]byte
}

// Digest hashes the length-prefixed transactions.
func (b *Batch) Digest() Digest {
	h := sha256.New()
	var l [8]byte
	for _, tx := range b.Transactions {
		binary.BigEndian.PutUint64(l[:], uint64(len(tx)))
		h.Write(l[:])
		h.Write(tx)
	}
	return DigestFromBytes(h.Sum(nil))
}

// Size returns the number of payload bytes in the batch.
func (b *Batch) Size() int {
	size := 0
	for _, tx := range b.Transactions {
		size += len(tx)
	}
	return size
}
