package consensus

import (
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/reimint-labs/reimint/internal/types"
)

type testSigner struct {
	priv *ecdsa.PrivateKey
	addr types.Address
}

func signVoteWithKey(t *testing.T, v *types.Vote, s *testSigner) {
	t.Helper()
	if err := types.SignVote(v, s.priv); err != nil {
		t.Fatalf("SignVote: %v", err)
	}
}

func newTestValidatorSet(t *testing.T, powers ...uint64) (*types.ValidatorSet, []*testSigner) {
	t.Helper()
	vals := make([]*types.Validator, len(powers))
	signers := make([]*testSigner, len(powers))
	for i, p := range powers {
		priv, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		addr := crypto.PubkeyToAddress(priv.PublicKey)
		vals[i] = &types.Validator{Address: addr, VotingPower: p}
		signers[i] = &testSigner{priv: priv, addr: addr}
	}
	vs, err := types.NewValidatorSet(vals)
	if err != nil {
		t.Fatalf("NewValidatorSet: %v", err)
	}
	return vs, signers
}

func TestVoteSetAddVoteReachesMaj23(t *testing.T) {
	vs, signers := newTestValidatorSet(t, 10, 10, 10, 10)
	voteSet := NewVoteSet(1, 0, types.VoteTypePrevote, vs)

	blockHash := types.Hash{0xAA}
	reachedAt := -1
	for i, s := range signers {
		idx, val := vs.GetByAddress(s.addr)
		v := &types.Vote{ChainID: "c", Type: types.VoteTypePrevote, Height: 1, Round: 0, BlockHash: blockHash, ValidatorIndex: int32(idx), ValidatorAddr: val.Address}
		signVoteWithKey(t, v, s)
		reached, err := voteSet.AddVote(v)
		if err != nil {
			t.Fatalf("AddVote %d: %v", i, err)
		}
		if reached {
			reachedAt = i
		}
	}
	if reachedAt != 2 {
		t.Fatalf("expected maj23 to be reached after 3rd of 4 equal-power votes, reached at vote index %d", reachedAt)
	}
	h, ok := voteSet.HasTwoThirdsMajority()
	if !ok || h != blockHash {
		t.Fatalf("HasTwoThirdsMajority = (%s, %v), want (%s, true)", h, ok, blockHash)
	}
}

func TestVoteSetConflictingVotes(t *testing.T) {
	vs, signers := newTestValidatorSet(t, 10, 10, 10)
	voteSet := NewVoteSet(1, 0, types.VoteTypePrevote, vs)

	s := signers[0]
	idx, val := vs.GetByAddress(s.addr)
	v1 := &types.Vote{ChainID: "c", Type: types.VoteTypePrevote, Height: 1, Round: 0, BlockHash: types.Hash{0x01}, ValidatorIndex: int32(idx), ValidatorAddr: val.Address}
	signVoteWithKey(t, v1, s)
	if _, err := voteSet.AddVote(v1); err != nil {
		t.Fatalf("first vote: %v", err)
	}

	v2 := &types.Vote{ChainID: "c", Type: types.VoteTypePrevote, Height: 1, Round: 0, BlockHash: types.Hash{0x02}, ValidatorIndex: int32(idx), ValidatorAddr: val.Address}
	signVoteWithKey(t, v2, s)
	_, err := voteSet.AddVote(v2)
	if err == nil {
		t.Fatal("expected ConflictingVotesError")
	}
	if _, ok := err.(*ConflictingVotesError); !ok {
		t.Fatalf("expected *ConflictingVotesError, got %T", err)
	}
}

func TestVoteSetIdempotentDuplicate(t *testing.T) {
	vs, signers := newTestValidatorSet(t, 10, 10, 10)
	voteSet := NewVoteSet(1, 0, types.VoteTypePrevote, vs)

	s := signers[0]
	idx, val := vs.GetByAddress(s.addr)
	v := &types.Vote{ChainID: "c", Type: types.VoteTypePrevote, Height: 1, Round: 0, BlockHash: types.Hash{0x01}, ValidatorIndex: int32(idx), ValidatorAddr: val.Address}
	signVoteWithKey(t, v, s)

	if _, err := voteSet.AddVote(v); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := voteSet.AddVote(v); err != nil {
		t.Fatalf("duplicate add should be idempotent, got error: %v", err)
	}
}

func TestVoteSetRejectsWrongHeightRoundType(t *testing.T) {
	vs, signers := newTestValidatorSet(t, 10)
	voteSet := NewVoteSet(5, 2, types.VoteTypePrecommit, vs)

	s := signers[0]
	idx, val := vs.GetByAddress(s.addr)
	v := &types.Vote{ChainID: "c", Type: types.VoteTypePrevote, Height: 5, Round: 2, ValidatorIndex: int32(idx), ValidatorAddr: val.Address}
	signVoteWithKey(t, v, s)
	if _, err := voteSet.AddVote(v); err == nil {
		t.Fatal("expected protocol violation for type mismatch")
	}
}

func TestMakeCommitRequiresPrecommitMaj23(t *testing.T) {
	vs, signers := newTestValidatorSet(t, 10, 10, 10)
	voteSet := NewVoteSet(1, 0, types.VoteTypePrecommit, vs)

	if _, err := voteSet.MakeCommit(); err == nil {
		t.Fatal("expected MakeCommit to fail before maj23")
	}

	blockHash := types.Hash{0xBB}
	for _, s := range signers {
		idx, val := vs.GetByAddress(s.addr)
		v := &types.Vote{ChainID: "c", Type: types.VoteTypePrecommit, Height: 1, Round: 0, BlockHash: blockHash, ValidatorIndex: int32(idx), ValidatorAddr: val.Address}
		signVoteWithKey(t, v, s)
		if _, err := voteSet.AddVote(v); err != nil {
			t.Fatalf("AddVote: %v", err)
		}
	}

	commit, err := voteSet.MakeCommit()
	if err != nil {
		t.Fatalf("MakeCommit: %v", err)
	}
	if commit.BlockHash != blockHash {
		t.Fatalf("commit.BlockHash = %s, want %s", commit.BlockHash, blockHash)
	}
	if len(commit.Signatures) != 3 {
		t.Fatalf("expected 3 signatures, got %d", len(commit.Signatures))
	}
}
