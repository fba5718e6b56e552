package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// DuplicateVoteEvidence records two conflicting votes signed by the same
// validator for the same (height, round, type) — proof of equivocation.
// VoteA.BlockHash is always the canonically smaller of the two hashes.
type DuplicateVoteEvidence struct {
	VoteA *Vote
	VoteB *Vote
}

// NewDuplicateVoteEvidence orders a and b so VoteA.BlockHash < VoteB.BlockHash.
func NewDuplicateVoteEvidence(a, b *Vote) *DuplicateVoteEvidence {
	if lessHash(b.BlockHash, a.BlockHash) {
		a, b = b, a
	}
	return &DuplicateVoteEvidence{VoteA: a, VoteB: b}
}

func lessHash(a, b Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Height returns the height at which the equivocation occurred.
func (e *DuplicateVoteEvidence) Height() uint64 { return e.VoteA.Height }

// Validator returns the address of the equivocating validator.
func (e *DuplicateVoteEvidence) Validator() Address { return e.VoteA.ValidatorAddr }

// Hash returns the RLP/Keccak256 hash of the evidence, used as its
// persistence key suffix.
func (e *DuplicateVoteEvidence) Hash() (Hash, error) {
	return RLPHash(e)
}

// Commit is the aggregate of precommit votes justifying a block's
// finalization: a bitmap of which validator indices signed, and their
// signatures in validator-set order.
type Commit struct {
	Round      int32
	BlockHash  Hash
	VoteBitmap []byte
	Signatures [][]byte
	Timestamps []uint64
}

// ExtraData is the structured payload carried after the 32-byte vanity
// prefix of a block header's ExtraData: the round and
// commit-round the block was decided in, the POLRound that justified the
// proposal, any evidence to include, the proposal itself, and the
// precommit aggregate (Commit) that finalized this block.
type ExtraData struct {
	Round       int32
	CommitRound int32
	POLRound    int32
	Evidence    []*DuplicateVoteEvidence
	Proposal    *Proposal
	Commit      *Commit
}

// VanitySize is the reserved, consensus-ignored prefix of ExtraData.
const VanitySize = 32

// EncodeExtraData serializes vanity||RLP(ed) into header.ExtraData form.
func EncodeExtraData(vanity [VanitySize]byte, ed *ExtraData) ([]byte, error) {
	payload, err := rlp.EncodeToBytes(ed)
	if err != nil {
		return nil, fmt.Errorf("types: encode extra data: %w", err)
	}
	out := make([]byte, VanitySize+len(payload))
	copy(out, vanity[:])
	copy(out[VanitySize:], payload)
	return out, nil
}

// DecodeExtraData splits raw header.ExtraData bytes back into the vanity
// prefix and the structured payload.
func DecodeExtraData(raw []byte) (vanity [VanitySize]byte, ed *ExtraData, err error) {
	if len(raw) < VanitySize {
		return vanity, nil, fmt.Errorf("types: extra data shorter than vanity prefix")
	}
	copy(vanity[:], raw[:VanitySize])
	ed = &ExtraData{}
	if len(raw) > VanitySize {
		if err := rlp.DecodeBytes(raw[VanitySize:], ed); err != nil {
			return vanity, nil, fmt.Errorf("types: decode extra data: %w", err)
		}
	}
	return vanity, ed, nil
}

// BlockHeader is the canonical, hashable header of a block. Votes and
// the proposal live in ExtraData but are explicitly excluded from the
// block hash — only the evidence set affects block identity.
type BlockHeader struct {
	Height     uint64
	ParentHash Hash
	StateRoot  Hash
	TxRoot     Hash
	Proposer   Address
	Timestamp  uint64
	ChainID    string
	ExtraData  []byte
}

// Block pairs a header with its transaction bodies.
type Block struct {
	Header       *BlockHeader
	Transactions [][]byte
}

// hashableHeader is the RLP shape actually hashed: ExtraData is replaced
// by vanity || keccak256(ev1) || keccak256(ev2) || ..., so that differing
// vote sets for the same evidence never change the block hash.
type hashableHeader struct {
	Height     uint64
	ParentHash Hash
	StateRoot  Hash
	TxRoot     Hash
	Proposer   Address
	Timestamp  uint64
	ChainID    string
	ExtraData  []byte
}

// Hash computes keccak256(RLP(header')), the reduced header form where
// ExtraData carries only evidence hashes.
func (h *BlockHeader) Hash() (Hash, error) {
	vanity, ed, err := DecodeExtraData(h.ExtraData)
	if err != nil {
		return Hash{}, err
	}

	reduced := make([]byte, VanitySize, VanitySize+len(ed.Evidence)*32)
	copy(reduced, vanity[:])
	for _, ev := range ed.Evidence {
		evHash, err := ev.Hash()
		if err != nil {
			return Hash{}, err
		}
		reduced = append(reduced, evHash[:]...)
	}

	return RLPHash(hashableHeader{
		Height:     h.Height,
		ParentHash: h.ParentHash,
		StateRoot:  h.StateRoot,
		TxRoot:     h.TxRoot,
		Proposer:   h.Proposer,
		Timestamp:  h.Timestamp,
		ChainID:    h.ChainID,
		ExtraData:  reduced,
	})
}

// TxRootOf computes a deterministic root over transaction bytes:
// keccak256(RLP([tx0, tx1, ...])), i.e. RLPHash of the ordered list.
// A real execution backend would use a trie; this node treats tx
// inclusion as opaque bytes (EVM semantics are out of scope) so a simple
// ordered commitment is sufficient and still collision-resistant.
func TxRootOf(txs [][]byte) (Hash, error) {
	return RLPHash(txs)
}
