package types

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// VoteType distinguishes prevotes from precommits. Proposal (32) is used
// only to derive the proposal signing hash below; it is never stored in
// a VoteSet.
type VoteType byte

const (
	VoteTypePrevote   VoteType = 1
	VoteTypePrecommit VoteType = 2
	VoteTypeProposal  VoteType = 32
)

func (t VoteType) String() string {
	switch t {
	case VoteTypePrevote:
		return "prevote"
	case VoteTypePrecommit:
		return "precommit"
	case VoteTypeProposal:
		return "proposal"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// IsValid reports whether t is a vote type a VoteSet will accept.
func (t VoteType) IsValid() bool {
	return t == VoteTypePrevote || t == VoteTypePrecommit
}

// Vote is a single validator's signed ballot for a (height, round, type).
// BlockHash of ZeroHash means "vote for nil".
type Vote struct {
	ChainID        string
	Type           VoteType
	Height         uint64
	Round          int32
	BlockHash      Hash
	Timestamp      uint64
	ValidatorIndex int32
	ValidatorAddr  Address
	Signature      []byte
}

// voteSigningPayload is the RLP-encoded struct whose hash a validator
// signs; field order is the canonical vote signing byte layout.
type voteSigningPayload struct {
	ChainID   string
	Type      uint8
	Height    uint64
	Round     int32
	BlockHash Hash
	Timestamp uint64
}

// SignBytes returns the canonical bytes a validator signs for this vote:
// RLP([chainId, type, height, round, blockHash, timestamp]).
func (v *Vote) SignBytes() ([]byte, error) {
	return rlp.EncodeToBytes(voteSigningPayload{
		ChainID:   v.ChainID,
		Type:      uint8(v.Type),
		Height:    v.Height,
		Round:     v.Round,
		BlockHash: v.BlockHash,
		Timestamp: v.Timestamp,
	})
}

// SignVote signs the vote with privKey and stamps the signer's address.
func SignVote(v *Vote, privKey *ecdsa.PrivateKey) error {
	payload, err := v.SignBytes()
	if err != nil {
		return err
	}
	digest := crypto.Keccak256(payload)
	sig, err := crypto.Sign(digest, privKey)
	if err != nil {
		return err
	}
	v.Signature = sig
	v.ValidatorAddr = crypto.PubkeyToAddress(privKey.PublicKey)
	return nil
}

// Verify recovers the signer from v.Signature and checks it matches addr.
func (v *Vote) Verify(addr Address) error {
	payload, err := v.SignBytes()
	if err != nil {
		return err
	}
	digest := crypto.Keccak256(payload)
	pub, err := crypto.SigToPub(digest, v.Signature)
	if err != nil {
		return fmt.Errorf("types: recover vote signer: %w", err)
	}
	if got := crypto.PubkeyToAddress(*pub); got != addr {
		return fmt.Errorf("types: vote signature does not match validator %s (got %s)", addr, got)
	}
	return nil
}
