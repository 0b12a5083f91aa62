package config

import (
	"crypto/ed25519"
	"encoding/hex"

	"github.com/gitzhang10/narwhal/sign"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.dedis.ch/kyber/v3"
)

// KeyPair holds the keys of a node: ED25519 for the wire, BLS for the votes.
type KeyPair struct {
	Name          string
	PublicKey     ed25519.PublicKey
	PrivateKey    ed25519.PrivateKey
	BLSPublicKey  kyber.Point
	BLSPrivateKey kyber.Scalar
}

// GenerateKeyPair creates fresh keys for name.
func GenerateKeyPair(name string) *KeyPair {
	privKey, pubKey := sign.GenED25519Keys()
	blsPrivKey, blsPubKey := sign.GenBLSKeys()
	return &KeyPair{
		Name:          name,
		PublicKey:     pubKey,
		PrivateKey:    privKey,
		BLSPublicKey:  blsPubKey,
		BLSPrivateKey: blsPrivKey,
	}
}

// Export writes the key pair to path; the format follows the file extension.
func (k *KeyPair) Export(path string) error {
	blsPub, err := sign.EncodeBLSPublicKey(k.BLSPublicKey)
	if err != nil {
		return err
	}
	blsPriv, err := sign.EncodeBLSPrivateKey(k.BLSPrivateKey)
	if err != nil {
		return err
	}
	viperWrite := viper.New()
	viperWrite.Set("name", k.Name)
	viperWrite.Set("public_key", hex.EncodeToString(k.PublicKey))
	viperWrite.Set("private_key", hex.EncodeToString(k.PrivateKey))
	viperWrite.Set("bls_public_key", hex.EncodeToString(blsPub))
	viperWrite.Set("bls_private_key", hex.EncodeToString(blsPriv))
	return errors.Wrapf(viperWrite.WriteConfigAs(path), "write key file %s", path)
}

// LoadKeyPair reads a key file written by Export.
func LoadKeyPair(path string) (*KeyPair, error) {
	viperConfig := viper.New()
	viperConfig.SetConfigFile(path)
	if err := viperConfig.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read key file %s", path)
	}

	decode := func(key string) ([]byte, error) {
		data, err := hex.DecodeString(viperConfig.GetString(key))
		if err != nil {
			return nil, errors.Wrapf(err, "%s in key file %s", key, path)
		}
		return data, nil
	}
	pubKey, err := decode("public_key")
	if err != nil {
		return nil, err
	}
	privKey, err := decode("private_key")
	if err != nil {
		return nil, err
	}
	if len(pubKey) != ed25519.PublicKeySize || len(privKey) != ed25519.PrivateKeySize {
		return nil, errors.Errorf("bad ED25519 key length in key file %s", path)
	}
	blsPubBytes, err := decode("bls_public_key")
	if err != nil {
		return nil, err
	}
	blsPub, err := sign.DecodeBLSPublicKey(blsPubBytes)
	if err != nil {
		return nil, err
	}
	blsPrivBytes, err := decode("bls_private_key")
	if err != nil {
		return nil, err
	}
	blsPriv, err := sign.DecodeBLSPrivateKey(blsPrivBytes)
	if err != nil {
		return nil, err
	}

	name := viperConfig.GetString("name")
	if name == "" {
		return nil, errors.Errorf("no name in key file %s", path)
	}
	return &KeyPair{
		Name:          name,
		PublicKey:     pubKey,
		PrivateKey:    privKey,
		BLSPublicKey:  blsPub,
		BLSPrivateKey: blsPriv,
	}, nil
}
