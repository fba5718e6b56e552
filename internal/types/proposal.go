package types

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Proposal is the proposer's signed nomination of a block for a given
// (height, round). POLRound of -1 means no prior prevote-polka justifies
// this proposal.
type Proposal struct {
	Height    uint64
	Round     int32
	POLRound  int32
	BlockHash Hash
	Timestamp uint64
	Signature []byte
}

type proposalSigningPayload struct {
	ChainID   string
	Type      uint8
	Height    uint64
	Round     int32
	POLRound  int32
	BlockHash Hash
	Timestamp uint64
}

// SignBytes returns the canonical bytes a proposer signs:
// RLP([chainId, 32, height, round, POLRound, blockHash, timestamp]).
func (p *Proposal) SignBytes(chainID string) ([]byte, error) {
	return rlp.EncodeToBytes(proposalSigningPayload{
		ChainID:   chainID,
		Type:      uint8(VoteTypeProposal),
		Height:    p.Height,
		Round:     p.Round,
		POLRound:  p.POLRound,
		BlockHash: p.BlockHash,
		Timestamp: p.Timestamp,
	})
}

// SignProposal signs p with privKey.
func SignProposal(p *Proposal, chainID string, privKey *ecdsa.PrivateKey) error {
	payload, err := p.SignBytes(chainID)
	if err != nil {
		return err
	}
	digest := crypto.Keccak256(payload)
	sig, err := crypto.Sign(digest, privKey)
	if err != nil {
		return err
	}
	p.Signature = sig
	return nil
}

// ValidateSignature recovers the signer and checks it equals proposer.
func (p *Proposal) ValidateSignature(chainID string, proposer Address) error {
	payload, err := p.SignBytes(chainID)
	if err != nil {
		return err
	}
	digest := crypto.Keccak256(payload)
	pub, err := crypto.SigToPub(digest, p.Signature)
	if err != nil {
		return fmt.Errorf("types: recover proposal signer: %w", err)
	}
	if got := crypto.PubkeyToAddress(*pub); got != proposer {
		return fmt.Errorf("types: proposal signed by %s, expected proposer %s", got, proposer)
	}
	return nil
}
