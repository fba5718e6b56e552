package types

import (
	"bytes"
	"fmt"
	"math"
	"math/big"
	"sort"
)

// Validator is a single member of the validator set: an address, its
// voting power, and the proposer-priority accumulator used by
// ValidatorSet.IncrementProposerPriority.
type Validator struct {
	Address     Address
	PublicKey   []byte // uncompressed secp256k1 public key
	VotingPower uint64
	Priority    *big.Int
}

// Copy returns a deep copy of the validator, including its priority.
func (v *Validator) Copy() *Validator {
	cp := *v
	cp.PublicKey = append([]byte(nil), v.PublicKey...)
	if v.Priority != nil {
		cp.Priority = new(big.Int).Set(v.Priority)
	} else {
		cp.Priority = big.NewInt(0)
	}
	return &cp
}

// priorityComparesLessThan breaks address ties deterministically: the
// validator with the lexicographically smaller address sorts first among
// equal priorities, matching the canonical ordering used for proposer
// selection.
func priorityComparesLessThan(a, b *Validator) bool {
	if a.Priority.Cmp(b.Priority) != 0 {
		return a.Priority.Cmp(b.Priority) > 0 // higher priority sorts first
	}
	return bytes.Compare(a.Address[:], b.Address[:]) < 0
}

// ValidatorSet is an ordered, weighted set of validators plus the
// proposer-priority bookkeeping required to deterministically rotate the
// proposer role round by round.
type ValidatorSet struct {
	Validators []*Validator
	proposer   *Validator
	totalPower int64
}

// priorityWindowCoefficient bounds the spread of priorities relative to
// total voting power: after re-centering, if max-min exceeds this many
// times the total power, every priority is scaled down.
const priorityWindowCoefficient = 2

// NewValidatorSet builds a ValidatorSet from validators sorted by
// descending voting power (address tiebreak), seeding priorities at zero
// and the proposer at the highest-power (address-tiebreak) validator.
func NewValidatorSet(validators []*Validator) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, fmt.Errorf("types: empty validator set")
	}

	vals := make([]*Validator, len(validators))
	var total int64
	for i, v := range validators {
		if v.VotingPower == 0 {
			return nil, fmt.Errorf("types: validator %s has zero voting power", v.Address)
		}
		next := total + int64(v.VotingPower)
		if next < total || v.VotingPower > math.MaxInt64 {
			return nil, fmt.Errorf("types: InvalidValidatorSet: total voting power overflows 63 bits")
		}
		total = next
		cp := v.Copy()
		if cp.Priority == nil {
			cp.Priority = big.NewInt(0)
		}
		vals[i] = cp
	}

	sort.SliceStable(vals, func(i, j int) bool {
		if vals[i].VotingPower != vals[j].VotingPower {
			return vals[i].VotingPower > vals[j].VotingPower
		}
		return bytes.Compare(vals[i].Address[:], vals[j].Address[:]) < 0
	})

	vs := &ValidatorSet{Validators: vals, totalPower: total}
	vs.proposer = vs.Validators[0]
	return vs, nil
}

// Copy returns a deep copy of the set, preserving priorities and proposer.
func (vs *ValidatorSet) Copy() *ValidatorSet {
	cp := &ValidatorSet{
		Validators: make([]*Validator, len(vs.Validators)),
		totalPower: vs.totalPower,
	}
	for i, v := range vs.Validators {
		cp.Validators[i] = v.Copy()
		if vs.proposer != nil && v.Address == vs.proposer.Address {
			cp.proposer = cp.Validators[i]
		}
	}
	return cp
}

// Len returns the number of validators.
func (vs *ValidatorSet) Len() int { return len(vs.Validators) }

// TotalVotingPower returns P, the sum of all validators' voting power.
func (vs *ValidatorSet) TotalVotingPower() int64 { return vs.totalPower }

// Quorum returns the minimal voting power that strictly exceeds 2P/3.
// Matches VoteSet's ">2P/3" majority threshold.
func (vs *ValidatorSet) Quorum() int64 {
	return vs.totalPower*2/3 + 1
}

// GetByAddress returns the validator and its index, if present.
func (vs *ValidatorSet) GetByAddress(addr Address) (int, *Validator) {
	for i, v := range vs.Validators {
		if v.Address == addr {
			return i, v
		}
	}
	return -1, nil
}

// GetByIndex returns the validator at idx, or nil if out of range.
func (vs *ValidatorSet) GetByIndex(idx int) *Validator {
	if idx < 0 || idx >= len(vs.Validators) {
		return nil
	}
	return vs.Validators[idx]
}

// Proposer returns the validator selected by the most recent
// IncrementProposerPriority call (or the seeded proposer before any
// increment has run).
func (vs *ValidatorSet) Proposer() *Validator {
	return vs.proposer
}

// maxTotalVotingPower bounds voting powers to keep priority arithmetic
// from overflowing during the centering/scaling steps below; go-ethereum
// style chains never approach this, but the guard documents the
// assumption the algorithm below relies on.
const maxTotalVotingPower = int64(1) << 62

// IncrementProposerPriority runs the proposer-priority algorithm `times`
// iterations:
//  1. add each validator's voting power to its priority,
//  2. re-center priorities so their sum is as close to zero as integer
//     division allows,
//  3. if the max-min spread exceeds 2P, scale every priority down,
//  4. select the highest-priority validator (address tiebreak),
//  5. subtract P from the selected validator's priority.
//
// The last selected validator becomes the new Proposer().
func (vs *ValidatorSet) IncrementProposerPriority(times int) {
	if times <= 0 {
		return
	}
	if vs.totalPower <= 0 || vs.totalPower >= maxTotalVotingPower {
		panic(fmt.Sprintf("types: validator set total power out of range: %d", vs.totalPower))
	}

	P := big.NewInt(vs.totalPower)
	for i := 0; i < times; i++ {
		for _, v := range vs.Validators {
			v.Priority.Add(v.Priority, big.NewInt(int64(v.VotingPower)))
		}
		vs.recenterPriorities()
		vs.scaleIfNeeded(P)

		selected := vs.Validators[0]
		for _, v := range vs.Validators[1:] {
			if priorityComparesLessThan(v, selected) {
				selected = v
			}
		}
		selected.Priority.Sub(selected.Priority, P)
		vs.proposer = selected
	}
}

// recenterPriorities subtracts floor(sum/n) from every priority so the
// accumulator's mean tracks zero instead of drifting with repeated
// increments.
func (vs *ValidatorSet) recenterPriorities() {
	n := int64(len(vs.Validators))
	if n == 0 {
		return
	}
	sum := big.NewInt(0)
	for _, v := range vs.Validators {
		sum.Add(sum, v.Priority)
	}
	avg := new(big.Int).Div(sum, big.NewInt(n))
	if avg.Sign() == 0 {
		return
	}
	for _, v := range vs.Validators {
		v.Priority.Sub(v.Priority, avg)
	}
}

// scaleIfNeeded clamps the priority spread to within [-2P, 2P] by
// dividing every priority by ceil(diff / diffMax) when the max-min
// spread exceeds diffMax = 2P.
func (vs *ValidatorSet) scaleIfNeeded(P *big.Int) {
	if len(vs.Validators) == 0 {
		return
	}
	min, max := vs.Validators[0].Priority, vs.Validators[0].Priority
	for _, v := range vs.Validators[1:] {
		if v.Priority.Cmp(min) < 0 {
			min = v.Priority
		}
		if v.Priority.Cmp(max) > 0 {
			max = v.Priority
		}
	}
	diff := new(big.Int).Sub(max, min)
	diffMax := new(big.Int).Mul(P, big.NewInt(priorityWindowCoefficient))
	if diff.Cmp(diffMax) <= 0 {
		return
	}

	divisor := new(big.Int).Div(diff, diffMax)
	rem := new(big.Int).Mod(diff, diffMax)
	if rem.Sign() != 0 {
		divisor.Add(divisor, big.NewInt(1))
	}
	if divisor.Sign() <= 0 {
		return
	}
	for _, v := range vs.Validators {
		v.Priority.Div(v.Priority, divisor)
	}
}

// SumPriorities returns the sum of all priorities. Exposed for invariant
// testing: |SumPriorities()| must stay bounded within roughly
// [-1.83P, 1.83P] across repeated increments.
func (vs *ValidatorSet) SumPriorities() *big.Int {
	sum := big.NewInt(0)
	for _, v := range vs.Validators {
		sum.Add(sum, v.Priority)
	}
	return sum
}

// HasTwoThirdsMajority reports whether power reaches the set's Quorum,
// i.e. strictly exceeds 2P/3.
func (vs *ValidatorSet) HasTwoThirdsMajority(power int64) bool {
	return power >= vs.Quorum()
}
