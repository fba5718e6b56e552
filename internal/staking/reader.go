// Package staking stands in for an on-chain staking contract: it
// resolves the validator set effective for a given state root. A real
// deployment would read this from contract storage via the execution
// adapter; since EVM execution is out of scope here, the roster is
// instead recorded directly into the node's state store, keyed by the
// state root it became effective at, which preserves the property a
// staking-contract reader must have: a pure, deterministic function of
// state root.
package staking

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/reimint-labs/reimint/internal/storage"
	"github.com/reimint-labs/reimint/internal/types"
)

const rosterKeyPrefix = "staking/roster/"

func rosterKey(stateRoot types.Hash) []byte {
	return append([]byte(rosterKeyPrefix), stateRoot[:]...)
}

// Reader resolves the validator set effective at a given state root.
type Reader struct {
	store storage.StateStore
}

// NewReader creates a Reader backed by store.
func NewReader(store storage.StateStore) *Reader {
	return &Reader{store: store}
}

// ValidatorSetAt returns the validator set recorded as effective at
// stateRoot. It is a pure function of (store contents, stateRoot): the
// same state root always yields the same roster.
func (r *Reader) ValidatorSetAt(stateRoot types.Hash) (*types.ValidatorSet, error) {
	raw, err := r.store.Get(rosterKey(stateRoot))
	if err != nil {
		return nil, fmt.Errorf("staking: read roster at %s: %w", stateRoot, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("staking: no roster recorded for state root %s", stateRoot)
	}
	var validators []*types.Validator
	if err := rlp.DecodeBytes(raw, &validators); err != nil {
		return nil, fmt.Errorf("staking: decode roster at %s: %w", stateRoot, err)
	}
	return types.NewValidatorSet(validators)
}

// SetValidatorSetAt records valSet as the roster effective at
// stateRoot. Called at genesis and whenever execution reports a
// validator-set change folded into the new state root.
func (r *Reader) SetValidatorSetAt(stateRoot types.Hash, valSet *types.ValidatorSet) error {
	enc, err := rlp.EncodeToBytes(valSet.Validators)
	if err != nil {
		return fmt.Errorf("staking: encode roster: %w", err)
	}
	if err := r.store.Put(rosterKey(stateRoot), enc); err != nil {
		return fmt.Errorf("staking: write roster at %s: %w", stateRoot, err)
	}
	return nil
}
