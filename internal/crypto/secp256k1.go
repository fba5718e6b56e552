// Package crypto wraps the node's secp256k1 signing key material and a
// binary Merkle-root helper, both built on go-ethereum's crypto primitives
// so they stay wire-compatible with the rest of the chain.
package crypto

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/reimint-labs/reimint/internal/types"
)

// KeyPair holds a node's secp256k1 identity.
type KeyPair struct {
	PrivateKey *ecdsa.PrivateKey
	Address    types.Address
}

// GenerateKeyPair creates a new random secp256k1 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return &KeyPair{
		PrivateKey: priv,
		Address:    crypto.PubkeyToAddress(priv.PublicKey),
	}, nil
}

// KeyPairFromHex loads a key pair from a hex-encoded private key, the
// encoding walletkey.Save writes into a node key file.
func KeyPairFromHex(hexKey string) (*KeyPair, error) {
	priv, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse private key: %w", err)
	}
	return &KeyPair{
		PrivateKey: priv,
		Address:    crypto.PubkeyToAddress(priv.PublicKey),
	}, nil
}

// PublicKeyBytes returns the uncompressed secp256k1 public key, the
// format stored on types.Validator.PublicKey.
func (k *KeyPair) PublicKeyBytes() []byte {
	return crypto.FromECDSAPub(&k.PrivateKey.PublicKey)
}

// AddressFromPublicKey recovers the Ethereum-style address for an
// uncompressed secp256k1 public key as stored on types.Validator.
func AddressFromPublicKey(pub []byte) (types.Address, error) {
	key, err := crypto.UnmarshalPubkey(pub)
	if err != nil {
		return types.Address{}, fmt.Errorf("crypto: unmarshal public key: %w", err)
	}
	return crypto.PubkeyToAddress(*key), nil
}

// MerkleRoot computes a simple binary Merkle root over leaf hashes,
// duplicating the last node when a level has an odd count. Transaction
// commitments use types.TxRootOf rather than this helper.
func MerkleRoot(leaves []types.Hash) types.Hash {
	if len(leaves) == 0 {
		return types.ZeroHash
	}
	level := make([]types.Hash, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]types.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			buf := make([]byte, 64)
			copy(buf[:32], level[i][:])
			copy(buf[32:], level[i+1][:])
			next[i/2] = crypto.Keccak256Hash(buf)
		}
		level = next
	}
	return level[0]
}
