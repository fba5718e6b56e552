package consensus

import (
	"time"

	"github.com/reimint-labs/reimint/internal/types"
)

// Step is the phase within a round.
type Step int

const (
	StepNewHeight Step = iota
	StepNewRound
	StepPropose
	StepPrevote
	StepPrevoteWait
	StepPrecommit
	StepPrecommitWait
	StepCommit
)

func (s Step) String() string {
	switch s {
	case StepNewHeight:
		return "NewHeight"
	case StepNewRound:
		return "NewRound"
	case StepPropose:
		return "Propose"
	case StepPrevote:
		return "Prevote"
	case StepPrevoteWait:
		return "PrevoteWait"
	case StepPrecommit:
		return "Precommit"
	case StepPrecommitWait:
		return "PrecommitWait"
	case StepCommit:
		return "Commit"
	default:
		return "Unknown"
	}
}

// RoundState is the transient per-height state the consensus engine
// drives forward.
type RoundState struct {
	Height uint64
	Round  int32
	Step   Step

	StartTime  time.Time
	CommitTime time.Time

	Validators *types.ValidatorSet

	Proposal          *types.Proposal
	ProposalBlockHash types.Hash
	ProposalBlock     *types.Block

	LockedRound int32
	LockedBlock *types.Block

	ValidRound int32
	ValidBlock *types.Block

	Votes *HeightVoteSet

	CommitRound int32

	TriggeredTimeoutPrecommit bool
}

// NewRoundState creates the state for height with a fresh HeightVoteSet,
// no lock, no valid block — what newBlockHeader(h-1) produces for the
// following height.
func NewRoundState(height uint64, valSet *types.ValidatorSet) *RoundState {
	return &RoundState{
		Height:      height,
		Round:       0,
		Step:        StepNewHeight,
		Validators:  valSet,
		LockedRound: -1,
		ValidRound:  -1,
		CommitRound: -1,
		Votes:       NewHeightVoteSet(height, valSet),
	}
}

// ResetForNewRound prepares the state for round r: bumps the proposer
// priority by the number of rounds skipped, clears the proposal unless
// r==0, ensures the next round's VoteSets exist, and resets the
// precommit-timeout trigger.
func (rs *RoundState) ResetForNewRound(r int32) {
	if r > rs.Round {
		rs.Validators = rs.Validators.Copy()
		rs.Validators.IncrementProposerPriority(int(r - rs.Round))
	}
	rs.Round = r
	rs.Step = StepNewRound
	if r > 0 {
		rs.Proposal = nil
		rs.ProposalBlockHash = types.Hash{}
		rs.ProposalBlock = nil
	}
	rs.Votes.SetRound(r + 1)
	rs.TriggeredTimeoutPrecommit = false
}

// IsLocked reports whether the round state currently holds a lock.
func (rs *RoundState) IsLocked() bool {
	return rs.LockedBlock != nil
}

// Lock records a lock on block at round.
func (rs *RoundState) Lock(block *types.Block, round int32) {
	rs.LockedBlock = block
	rs.LockedRound = round
}

// Unlock clears any held lock.
func (rs *RoundState) Unlock() {
	rs.LockedBlock = nil
	rs.LockedRound = -1
}
