package sign

import (
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"
)

var suite = bn256.NewSuite()

// GenBLSKeys generates a BLS key pair. Public keys live in G2, signatures in G1.
func GenBLSKeys() (kyber.Scalar, kyber.Point) {
	return bls.NewKeyPair(suite, suite.RandomStream())
}

// SignBLS signs msg with the BLS private key.
func SignBLS(privateKey kyber.Scalar, msg []byte) ([]byte, error) {
	return bls.Sign(suite, privateKey, msg)
}

// VerifyBLS checks a single BLS signature.
func VerifyBLS(publicKey kyber.Point, msg, sig []byte) error {
	return bls.Verify(suite, publicKey, msg, sig)
}

// AggregateBLS combines signatures over the same message into one.
func AggregateBLS(sigs [][]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, errors.New("no signature to aggregate")
	}
	return bls.AggregateSignatures(suite, sigs...)
}

// VerifyAggregateBLS checks that sigs are valid signatures of msg by the owners of publicKeys.
// The signatures and the keys are aggregated so only one pairing check is needed.
func VerifyAggregateBLS(publicKeys []kyber.Point, msg []byte, sigs [][]byte) error {
	if len(publicKeys) != len(sigs) {
		return errors.Errorf("got %d keys for %d signatures", len(publicKeys), len(sigs))
	}
	aggSig, err := AggregateBLS(sigs)
	if err != nil {
		return err
	}
	aggKey := bls.AggregatePublicKeys(suite, publicKeys...)
	return bls.Verify(suite, aggKey, msg, aggSig)
}

// EncodeBLSPublicKey marshals a BLS public key.
func EncodeBLSPublicKey(publicKey kyber.Point) ([]byte, error) {
	return publicKey.MarshalBinary()
}

// DecodeBLSPublicKey unmarshals a BLS public key.
func DecodeBLSPublicKey(data []byte) (kyber.Point, error) {
	point := suite.G2().Point()
	if err := point.UnmarshalBinary(data); err != nil {
		return nil, errors.Wrap(err, "decode BLS public key")
	}
	return point, nil
}

// EncodeBLSPrivateKey marshals a BLS private key.
func EncodeBLSPrivateKey(privateKey kyber.Scalar) ([]byte, error) {
	return privateKey.MarshalBinary()
}

// DecodeBLSPrivateKey unmarshals a BLS private key.
func DecodeBLSPrivateKey(data []byte) (kyber.Scalar, error) {
	scalar := suite.G2().Scalar()
	if err := scalar.UnmarshalBinary(data); err != nil {
		return nil, errors.Wrap(err, "decode BLS private key")
	}
	return scalar, nil
}
