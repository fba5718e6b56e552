// Package types defines the wire-level data model shared by the consensus
// core and its collaborators: validators, votes, proposals, blocks and
// evidence. Hashing and addressing follow Ethereum convention so the chain
// stays compatible with the execution side of the node.
package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Hash is a 32-byte content hash, Keccak256 throughout this package.
type Hash = common.Hash

// Address is a 20-byte validator/account identifier.
type Address = common.Address

// ZeroHash is the nil/absent block hash. A prevote or precommit for
// ZeroHash means "vote for nil".
var ZeroHash = common.Hash{}

// ZeroAddress is the absent-validator sentinel.
var ZeroAddress = common.Address{}

// RLPHash RLP-encodes v and returns its Keccak256 hash.
func RLPHash(v interface{}) (Hash, error) {
	enc, err := rlp.EncodeToBytes(v)
	if err != nil {
		return Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}
