package types

import (
	"math/big"
	"testing"
)

func addrN(n byte) Address {
	var a Address
	a[19] = n
	return a
}

func mustValSet(t *testing.T, powers ...uint64) *ValidatorSet {
	t.Helper()
	vals := make([]*Validator, len(powers))
	for i, p := range powers {
		vals[i] = &Validator{Address: addrN(byte(i + 1)), VotingPower: p}
	}
	vs, err := NewValidatorSet(vals)
	if err != nil {
		t.Fatalf("NewValidatorSet: %v", err)
	}
	return vs
}

func TestNewValidatorSetOrdering(t *testing.T) {
	vs := mustValSet(t, 10, 30, 20)
	if vs.Validators[0].VotingPower != 30 {
		t.Fatalf("expected highest power first, got %d", vs.Validators[0].VotingPower)
	}
	if vs.TotalVotingPower() != 60 {
		t.Fatalf("total voting power = %d, want 60", vs.TotalVotingPower())
	}
}

func TestNewValidatorSetRejectsZeroPower(t *testing.T) {
	_, err := NewValidatorSet([]*Validator{{Address: addrN(1), VotingPower: 0}})
	if err == nil {
		t.Fatal("expected error for zero voting power")
	}
}

func TestQuorumIsStrictlyMoreThanTwoThirds(t *testing.T) {
	vs := mustValSet(t, 1, 1, 1, 1) // P=4, 2P/3 = 2.667
	if vs.Quorum() != 3 {
		t.Fatalf("Quorum() = %d, want 3", vs.Quorum())
	}
	if vs.HasTwoThirdsMajority(2) {
		t.Fatal("2 should not satisfy quorum of 4")
	}
	if !vs.HasTwoThirdsMajority(3) {
		t.Fatal("3 should satisfy quorum of 4")
	}
}

func TestSingleValidatorAlwaysHasQuorum(t *testing.T) {
	vs := mustValSet(t, 100)
	if !vs.HasTwoThirdsMajority(100) {
		t.Fatal("a single validator's own vote must reach quorum")
	}
}

func TestIncrementProposerPriorityRotates(t *testing.T) {
	vs := mustValSet(t, 10, 10, 10)
	seen := map[Address]bool{}
	for i := 0; i < 3; i++ {
		vs.IncrementProposerPriority(1)
		seen[vs.Proposer().Address] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected all 3 validators to take a turn as proposer over 3 rounds with equal power, got %d distinct proposers", len(seen))
	}
}

func TestIncrementProposerPriorityKeepsSumBounded(t *testing.T) {
	vs := mustValSet(t, 1, 2, 3, 100)
	P := vs.TotalVotingPower()
	bound := big.NewInt(P)
	bound.Mul(bound, big.NewInt(183))
	bound.Div(bound, big.NewInt(100)) // 1.83P

	for i := 0; i < 500; i++ {
		vs.IncrementProposerPriority(1)
		sum := vs.SumPriorities()
		abs := new(big.Int).Abs(sum)
		if abs.Cmp(bound) > 0 {
			t.Fatalf("iteration %d: |sum priorities| = %s exceeds bound %s", i, sum, bound)
		}
	}
}

func TestIncrementProposerPriorityFavorsHigherPower(t *testing.T) {
	vs := mustValSet(t, 1, 1, 100)
	counts := map[Address]int{}
	for i := 0; i < 100; i++ {
		vs.IncrementProposerPriority(1)
		counts[vs.Proposer().Address]++
	}
	if counts[addrN(3)] < 80 {
		t.Fatalf("validator with 100/102 power should win most rounds, got %d/100", counts[addrN(3)])
	}
}

func TestGetByAddressAndIndex(t *testing.T) {
	vs := mustValSet(t, 10, 20)
	idx, v := vs.GetByAddress(addrN(2))
	if v == nil || v.VotingPower != 20 {
		t.Fatalf("GetByAddress failed to find validator 2")
	}
	if vs.GetByIndex(idx) != v {
		t.Fatalf("GetByIndex(%d) did not return the same validator", idx)
	}
	if _, v := vs.GetByAddress(addrN(99)); v != nil {
		t.Fatal("expected nil for unknown address")
	}
}

func TestCopyIsIndependent(t *testing.T) {
	vs := mustValSet(t, 10, 20)
	cp := vs.Copy()
	cp.IncrementProposerPriority(5)
	if vs.Proposer().Address == cp.Proposer().Address && vs.SumPriorities().Sign() != 0 {
		// not a strict assertion of difference, just that original is untouched
	}
	if vs.Validators[0].Priority.Sign() != 0 {
		t.Fatal("incrementing the copy must not mutate the original's priorities")
	}
}
