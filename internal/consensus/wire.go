package consensus

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/reimint-labs/reimint/internal/types"
)

// MessageCode identifies the payload carried by a wire envelope
// [code, payload].
type MessageCode byte

const (
	CodeNewRoundStep     MessageCode = 0
	CodeNewValidBlock    MessageCode = 1
	CodeHasVote          MessageCode = 2
	CodeProposal         MessageCode = 3
	CodeProposalPOL      MessageCode = 4
	CodeProposalBlock    MessageCode = 5
	CodeVote             MessageCode = 6
	CodeVoteSetMaj23     MessageCode = 7
	CodeVoteSetBits      MessageCode = 8
	CodeGetProposalBlock MessageCode = 9
)

// NewRoundStepMessage announces a peer's current round state.
type NewRoundStepMessage struct {
	Height               uint64
	Round                int32
	Step                 uint8
	SecondsSinceStart    uint64
	LastCommitRound      int32
}

// NewValidBlockMessage announces that a peer has a validBlock for round.
type NewValidBlockMessage struct {
	Height    uint64
	Round     int32
	BlockHash types.Hash
	IsCommit  bool
}

// HasVoteMessage announces that a peer already holds the vote at index
// for (height, round, type).
type HasVoteMessage struct {
	Height uint64
	Round  int32
	Type   types.VoteType
	Index  int32
}

// ProposalPOLMessage announces the bit array of prevotes a peer holds
// for the POL round it claims justifies its proposal.
type ProposalPOLMessage struct {
	Height   uint64
	POLRound int32
	BitArray []byte
}

// VoteSetMaj23Message announces that a peer observed a 2/3 majority for
// blockHash at (height, round, type).
type VoteSetMaj23Message struct {
	Height    uint64
	Round     int32
	Type      types.VoteType
	BlockHash types.Hash
}

// VoteSetBitsMessage carries the bit array of votes a peer holds for
// (height, round, type, blockHash), answering a VoteSetMaj23Message.
type VoteSetBitsMessage struct {
	Height    uint64
	Round     int32
	Type      types.VoteType
	BlockHash types.Hash
	BitArray  []byte
}

// GetProposalBlockMessage requests the full block for blockHash from a
// peer, used when the state machine reaches Commit holding only the
// majority hash and needs to fetch the block itself before it can persist.
type GetProposalBlockMessage struct {
	BlockHash types.Hash
}

// envelope is the RLP wire shape: a message code and its opaque,
// already-encoded payload.
type envelope struct {
	Code    MessageCode
	Payload []byte
}

// EncodeMessage wraps msg (one of the typed messages above, or
// *types.Proposal/*types.Vote/*types.Block for codes 3/6/5) into a
// framed [code, payload] envelope.
func EncodeMessage(code MessageCode, msg interface{}) ([]byte, error) {
	payload, err := rlp.EncodeToBytes(msg)
	if err != nil {
		return nil, fmt.Errorf("consensus: encode message code %d: %w", code, err)
	}
	return rlp.EncodeToBytes(envelope{Code: code, Payload: payload})
}

// DecodeMessage unframes raw into its code and a decode function the
// caller invokes with a destination pointer matching that code.
func DecodeMessage(raw []byte) (code MessageCode, decode func(dst interface{}) error, err error) {
	var env envelope
	if err := rlp.DecodeBytes(raw, &env); err != nil {
		return 0, nil, fmt.Errorf("consensus: decode envelope: %w", err)
	}
	return env.Code, func(dst interface{}) error {
		return rlp.DecodeBytes(env.Payload, dst)
	}, nil
}
