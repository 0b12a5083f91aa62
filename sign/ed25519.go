/*
Package sign implements the signature schemes used by the nodes.
ED25519 authenticates every message on the wire, BLS (over the bn256 pairing) signs the votes
so that a quorum of votes can be checked with a single aggregated verification.
*/
package sign

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/pkg/errors"
)

// GenED25519Keys generates a fresh ED25519 key pair.
func GenED25519Keys() (ed25519.PrivateKey, ed25519.PublicKey) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return privKey, pubKey
}

// SignEd25519 signs the data with the private key.
func SignEd25519(privateKey ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(privateKey, data)
}

// VerifySignEd25519 checks the signature of data against the public key.
func VerifySignEd25519(publicKey ed25519.PublicKey, data, sig []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, errors.Errorf("bad ED25519 public key length %d", len(publicKey))
	}
	if len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(publicKey, data, sig), nil
}
