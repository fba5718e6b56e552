package consensus

import (
	"fmt"

	"github.com/reimint-labs/reimint/internal/types"
)

// ConflictingVotesError is raised by VoteSet.AddVote when a validator
// signs two votes for the same (height, round, type) with different
// block hashes. It is not a protocol-violation error to the state
// machine — tryAddVote forwards it to the Evidence Pool instead of
// dropping the message.
type ConflictingVotesError struct {
	VoteA *types.Vote
	VoteB *types.Vote
}

func (e *ConflictingVotesError) Error() string {
	return fmt.Sprintf("consensus: conflicting votes from validator %s at height %d round %d: %s vs %s",
		e.VoteA.ValidatorAddr, e.VoteA.Height, e.VoteA.Round, e.VoteA.BlockHash, e.VoteB.BlockHash)
}

// ProtocolViolationError marks a message that should be dropped (and may
// warrant a peer ban) rather than surfaced as evidence: bad signature,
// out-of-range validator index, invalid POLRound, duplicate proposal.
type ProtocolViolationError struct {
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return "consensus: protocol violation: " + e.Reason
}

func protocolViolation(format string, args ...interface{}) error {
	return &ProtocolViolationError{Reason: fmt.Sprintf(format, args...)}
}
