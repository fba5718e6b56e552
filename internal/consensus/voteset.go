package consensus

import (
	"fmt"
	"sync"

	"github.com/reimint-labs/reimint/internal/types"
)

// blockVotes tracks the accumulated voting power and vote list for one
// candidate block hash within a VoteSet.
type blockVotes struct {
	power int64
	votes []*types.Vote
}

// VoteSet tallies every vote cast for a single (height, round, type) and
// detects when any one block hash crosses the two-thirds-majority
// threshold.
type VoteSet struct {
	mu sync.RWMutex

	height uint64
	round  int32
	typ    types.VoteType
	valSet *types.ValidatorSet

	votes       map[int32]*types.Vote   // validatorIndex -> vote
	votesByHash map[types.Hash]*blockVotes
	sum         int64
	maj23       *types.Hash // nil until a hash crosses quorum; never reset after
	maj23Set    bool

	peerMaj23 map[string]types.Hash
}

// NewVoteSet creates an empty VoteSet for the given (height, round, type).
func NewVoteSet(height uint64, round int32, typ types.VoteType, valSet *types.ValidatorSet) *VoteSet {
	return &VoteSet{
		height:      height,
		round:       round,
		typ:         typ,
		valSet:      valSet,
		votes:       make(map[int32]*types.Vote),
		votesByHash: make(map[types.Hash]*blockVotes),
		peerMaj23:   make(map[string]types.Hash),
	}
}

func (vs *VoteSet) Height() uint64        { return vs.height }
func (vs *VoteSet) Round() int32          { return vs.round }
func (vs *VoteSet) Type() types.VoteType  { return vs.typ }
func (vs *VoteSet) ValidatorSet() *types.ValidatorSet { return vs.valSet }

// AddVote validates and records v. quorumReached is true only for the
// vote that makes a block hash cross the two-thirds threshold. err is a
// *ConflictingVotesError when v conflicts with an already-recorded vote
// from the same validator index — the caller (tryAddVote) forwards that
// case to the Evidence Pool rather than treating it as a protocol
// violation.
func (vs *VoteSet) AddVote(v *types.Vote) (quorumReached bool, err error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if v.Height != vs.height || v.Round != vs.round || v.Type != vs.typ {
		return false, protocolViolation("vote height/round/type mismatch: want (%d,%d,%s) got (%d,%d,%s)",
			vs.height, vs.round, vs.typ, v.Height, v.Round, v.Type)
	}

	val := vs.valSet.GetByIndex(int(v.ValidatorIndex))
	if val == nil {
		return false, protocolViolation("validator index %d out of range", v.ValidatorIndex)
	}
	if val.Address != v.ValidatorAddr {
		return false, protocolViolation("validator index %d address mismatch", v.ValidatorIndex)
	}
	if err := v.Verify(val.Address); err != nil {
		return false, protocolViolation("%v", err)
	}

	if existing, ok := vs.votes[v.ValidatorIndex]; ok {
		if existing.BlockHash == v.BlockHash {
			return false, nil // idempotent duplicate
		}
		return false, &ConflictingVotesError{VoteA: existing, VoteB: v}
	}

	vs.votes[v.ValidatorIndex] = v
	vs.sum += int64(val.VotingPower)

	bv, ok := vs.votesByHash[v.BlockHash]
	if !ok {
		bv = &blockVotes{}
		vs.votesByHash[v.BlockHash] = bv
	}
	bv.power += int64(val.VotingPower)
	bv.votes = append(bv.votes, v)

	justReached := false
	if !vs.maj23Set && vs.valSet.HasTwoThirdsMajority(bv.power) {
		h := v.BlockHash
		vs.maj23 = &h
		vs.maj23Set = true
		justReached = true
	}

	return justReached, nil
}

// HasTwoThirdsMajority reports whether maj23 has been set, and the hash
// it was set to.
func (vs *VoteSet) HasTwoThirdsMajority() (types.Hash, bool) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	if !vs.maj23Set {
		return types.Hash{}, false
	}
	return *vs.maj23, true
}

// HasTwoThirdsAny reports whether total voting power across all block
// hashes exceeds two thirds, regardless of which hash(es) received it.
func (vs *VoteSet) HasTwoThirdsAny() bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.valSet.HasTwoThirdsMajority(vs.sum)
}

// BitArraySize returns the number of validators this set is voting
// among, for HasVote/VoteSetBits wire messages.
func (vs *VoteSet) BitArraySize() int {
	return vs.valSet.Len()
}

// HasVoteFromIndex reports whether a vote has already been recorded
// from the given validator index.
func (vs *VoteSet) HasVoteFromIndex(idx int32) bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	_, ok := vs.votes[idx]
	return ok
}

// VotesFor returns the recorded votes for a given block hash, used to
// build a Commit.
func (vs *VoteSet) VotesFor(hash types.Hash) []*types.Vote {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	bv, ok := vs.votesByHash[hash]
	if !ok {
		return nil
	}
	out := make([]*types.Vote, len(bv.votes))
	copy(out, bv.votes)
	return out
}

// SetPeerMaj23 records that a peer claims hash has reached majority for
// this (height, round, type). Used to target gossip of the relevant
// votes back to that peer; this implementation records the claim only
// and leaves the actual gossip scheduling to the caller.
func (vs *VoteSet) SetPeerMaj23(peerID string, hash types.Hash) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.peerMaj23[peerID] = hash
}

// MakeCommit builds a Commit for the majority block hash. Only valid for
// precommit VoteSets with maj23 already set.
func (vs *VoteSet) MakeCommit() (*types.Commit, error) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	if vs.typ != types.VoteTypePrecommit {
		return nil, fmt.Errorf("consensus: MakeCommit called on non-precommit VoteSet")
	}
	if !vs.maj23Set {
		return nil, fmt.Errorf("consensus: MakeCommit requires a 2/3 majority")
	}

	bv := vs.votesByHash[*vs.maj23]
	n := vs.valSet.Len()
	bitmap := make([]byte, (n+7)/8)
	sigs := make([][]byte, 0, len(bv.votes))
	timestamps := make([]uint64, 0, len(bv.votes))
	for _, v := range bv.votes {
		bitmap[v.ValidatorIndex/8] |= 1 << uint(v.ValidatorIndex%8)
		sigs = append(sigs, v.Signature)
		timestamps = append(timestamps, v.Timestamp)
	}

	return &types.Commit{
		Round:      vs.round,
		BlockHash:  *vs.maj23,
		VoteBitmap: bitmap,
		Signatures: sigs,
		Timestamps: timestamps,
	}, nil
}
