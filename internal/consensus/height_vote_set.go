package consensus

import (
	"sync"

	"github.com/reimint-labs/reimint/internal/types"
)

// maxPeerCatchupRounds bounds how many future rounds a single peer may
// seed votes for before the height machinery itself has advanced there.
const maxPeerCatchupRounds = 2

type roundVoteSets struct {
	prevotes   *VoteSet
	precommits *VoteSet
}

// HeightVoteSet is the union of every round's VoteSets at the current
// height, plus the bound on how many future rounds a given peer may
// introduce ahead of the state machine's own progress.
type HeightVoteSet struct {
	mu sync.Mutex

	height uint64
	valSet *types.ValidatorSet

	roundVoteSets     map[int32]*roundVoteSets
	peerCatchupRounds map[string]map[int32]bool
}

// NewHeightVoteSet creates a HeightVoteSet for height with no rounds yet.
func NewHeightVoteSet(height uint64, valSet *types.ValidatorSet) *HeightVoteSet {
	return &HeightVoteSet{
		height:            height,
		valSet:            valSet,
		roundVoteSets:     make(map[int32]*roundVoteSets),
		peerCatchupRounds: make(map[string]map[int32]bool),
	}
}

// SetRound ensures VoteSets exist for every round up to (and including)
// round, called with round+1 from enterNewRound so the *next* round's
// sets are ready before they're needed.
func (hvs *HeightVoteSet) SetRound(round int32) {
	hvs.mu.Lock()
	defer hvs.mu.Unlock()
	for r := int32(0); r <= round; r++ {
		hvs.ensureRoundLocked(r)
	}
}

func (hvs *HeightVoteSet) ensureRoundLocked(round int32) *roundVoteSets {
	rvs, ok := hvs.roundVoteSets[round]
	if !ok {
		rvs = &roundVoteSets{
			prevotes:   NewVoteSet(hvs.height, round, types.VoteTypePrevote, hvs.valSet),
			precommits: NewVoteSet(hvs.height, round, types.VoteTypePrecommit, hvs.valSet),
		}
		hvs.roundVoteSets[round] = rvs
	}
	return rvs
}

// Prevotes returns the prevote VoteSet for round, creating it if absent.
func (hvs *HeightVoteSet) Prevotes(round int32) *VoteSet {
	hvs.mu.Lock()
	defer hvs.mu.Unlock()
	return hvs.ensureRoundLocked(round).prevotes
}

// Precommits returns the precommit VoteSet for round, creating it if absent.
func (hvs *HeightVoteSet) Precommits(round int32) *VoteSet {
	hvs.mu.Lock()
	defer hvs.mu.Unlock()
	return hvs.ensureRoundLocked(round).precommits
}

// AddVote dispatches v to the appropriate round's VoteSet. If v.Round
// exceeds every round the height machinery has reached so far, the vote
// is accepted only while peerID's catchup-round budget (≤2) allows it.
func (hvs *HeightVoteSet) AddVote(v *types.Vote, peerID string, currentRound int32) (quorumReached bool, err error) {
	if v.Round > currentRound {
		hvs.mu.Lock()
		seeded, ok := hvs.peerCatchupRounds[peerID]
		if !ok {
			seeded = make(map[int32]bool)
			hvs.peerCatchupRounds[peerID] = seeded
		}
		if !seeded[v.Round] && len(seeded) >= maxPeerCatchupRounds {
			hvs.mu.Unlock()
			return false, protocolViolation("peer %s exceeded catchup-round budget at round %d", peerID, v.Round)
		}
		seeded[v.Round] = true
		hvs.mu.Unlock()
	}

	var vs *VoteSet
	switch v.Type {
	case types.VoteTypePrevote:
		vs = hvs.Prevotes(v.Round)
	case types.VoteTypePrecommit:
		vs = hvs.Precommits(v.Round)
	default:
		return false, protocolViolation("unsupported vote type %s in HeightVoteSet", v.Type)
	}
	return vs.AddVote(v)
}

// POLInfo returns the greatest round r <= currentRound whose prevote
// VoteSet has a non-nil maj23, or (-1, zero, false) if none exists.
func (hvs *HeightVoteSet) POLInfo(currentRound int32) (round int32, hash types.Hash, ok bool) {
	hvs.mu.Lock()
	defer hvs.mu.Unlock()
	for r := currentRound; r >= 0; r-- {
		rvs, present := hvs.roundVoteSets[r]
		if !present {
			continue
		}
		if h, set := rvs.prevotes.HasTwoThirdsMajority(); set && h != types.ZeroHash {
			return r, h, true
		}
	}
	return -1, types.Hash{}, false
}
