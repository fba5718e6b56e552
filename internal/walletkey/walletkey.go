// Package walletkey loads and persists the node's secp256k1 validator
// key, the identity internal/consensus signs votes and proposals with.
package walletkey

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/crypto"

	nodecrypto "github.com/reimint-labs/reimint/internal/crypto"
)

// keyFile is the on-disk JSON representation of a node key, hex-encoded
// for readability rather than binary, so it can be copy-pasted or
// inspected without tooling.
type keyFile struct {
	PrivateKey string `json:"private_key"`
}

// Generate creates a new random key pair without persisting it.
func Generate() (*nodecrypto.KeyPair, error) {
	return nodecrypto.GenerateKeyPair()
}

// Load reads a key pair from path, a JSON file written by Save.
func Load(path string) (*nodecrypto.KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("walletkey: read %s: %w", path, err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("walletkey: parse %s: %w", path, err)
	}
	kp, err := nodecrypto.KeyPairFromHex(kf.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("walletkey: %s: %w", path, err)
	}
	return kp, nil
}

// Save persists kp to path as JSON, mode 0600 since it holds the raw
// private key.
func Save(path string, kp *nodecrypto.KeyPair) error {
	kf := keyFile{
		PrivateKey: hex.EncodeToString(crypto.FromECDSA(kp.PrivateKey)),
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("walletkey: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("walletkey: write %s: %w", path, err)
	}
	return nil
}

// LoadOrGenerate loads the key at path, generating and saving a fresh
// one if the file doesn't exist yet.
func LoadOrGenerate(path string) (*nodecrypto.KeyPair, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		kp, err := Generate()
		if err != nil {
			return nil, err
		}
		if err := Save(path, kp); err != nil {
			return nil, err
		}
		return kp, nil
	}
	return Load(path)
}
