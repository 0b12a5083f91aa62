package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBatchDigest(t *testing.T) {
	a := &Batch{Transactions: [][]byte{[]byte("ab"), []byte("c")}}
	b := &Batch{Transactions: [][]byte{[]byte("a"), []byte("bc")}}
	c := &Batch{Transactions: [][]byte{[]byte("ab"), []byte("c")}}

	assert.Equal(t, a.Digest(), c.Digest())
	// length prefixes keep different splits apart
	assert.NotEqual(t, a.Digest(), b.Digest())
	assert.Equal(t, 3, a.Size())
}

func TestDigest(t *testing.T) {
	d := DigestFromBytes([]byte{1, 2, 3, 4, 5})
	assert.Equal(t, "01020304", d.Short())
	assert.Len(t, d.String(), 2*DigestLen)
	assert.True(t, Digest{}.Less(d))
	assert.False(t, d.Less(d))
}
