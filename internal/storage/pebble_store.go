package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/reimint-labs/reimint/internal/types"
)

// PebbleStore implements Store on top of a single Pebble database,
// namespacing blocks, state, and evidence by key prefix (keys.go).
type PebbleStore struct {
	db *pebble.DB
}

var _ Store = (*PebbleStore)(nil)

// OpenPebbleStore opens (creating if necessary) a Pebble database at dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("storage: open pebble db at %q: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), v...)
	if cerr := closer.Close(); cerr != nil {
		return nil, cerr
	}
	return out, nil
}

// PutBlock implements BlockStore.
func (s *PebbleStore) PutBlock(block *types.Block, commit *types.Commit) error {
	if block == nil || block.Header == nil {
		return fmt.Errorf("storage: put block: nil header")
	}
	height := block.Header.Height

	blockEnc, err := rlp.EncodeToBytes(block)
	if err != nil {
		return fmt.Errorf("storage: encode block: %w", err)
	}
	commitEnc, err := rlp.EncodeToBytes(commit)
	if err != nil {
		return fmt.Errorf("storage: encode commit: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(blockKey(height), blockEnc, nil); err != nil {
		return err
	}
	if err := batch.Set(commitKey(height), commitEnc, nil); err != nil {
		return err
	}
	for i, tx := range block.Transactions {
		txHash := crypto.Keccak256Hash(tx)
		if err := batch.Set(txLocKey(txHash), encodeTxLoc(height, i), nil); err != nil {
			return err
		}
	}

	latest, err := s.GetLatestHeight()
	if err != nil {
		return err
	}
	if height > latest {
		if err := batch.Set(keyLatestHeight, heightBytes(height), nil); err != nil {
			return err
		}
	}

	return batch.Commit(pebble.Sync)
}

// GetBlock implements BlockStore.
func (s *PebbleStore) GetBlock(height uint64) (*types.Block, error) {
	raw, err := s.get(blockKey(height))
	if err != nil {
		return nil, fmt.Errorf("storage: get block %d: %w", height, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("storage: no block at height %d", height)
	}
	block := new(types.Block)
	if err := rlp.DecodeBytes(raw, block); err != nil {
		return nil, fmt.Errorf("storage: decode block %d: %w", height, err)
	}
	return block, nil
}

// GetCommit implements BlockStore.
func (s *PebbleStore) GetCommit(height uint64) (*types.Commit, error) {
	raw, err := s.get(commitKey(height))
	if err != nil {
		return nil, fmt.Errorf("storage: get commit %d: %w", height, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("storage: no commit at height %d", height)
	}
	commit := new(types.Commit)
	if err := rlp.DecodeBytes(raw, commit); err != nil {
		return nil, fmt.Errorf("storage: decode commit %d: %w", height, err)
	}
	return commit, nil
}

// GetLatestHeight implements BlockStore.
func (s *PebbleStore) GetLatestHeight() (uint64, error) {
	raw, err := s.get(keyLatestHeight)
	if err != nil {
		return 0, fmt.Errorf("storage: get latest height: %w", err)
	}
	if raw == nil {
		return 0, nil
	}
	return decodeHeight(raw), nil
}

// GetTxLocation implements BlockStore.
func (s *PebbleStore) GetTxLocation(txHash types.Hash) (uint64, int, error) {
	raw, err := s.get(txLocKey(txHash))
	if err != nil {
		return 0, 0, fmt.Errorf("storage: get tx location: %w", err)
	}
	if raw == nil {
		return 0, 0, fmt.Errorf("storage: tx %s not found", txHash)
	}
	height, index := decodeTxLoc(raw)
	return height, index, nil
}

// Get implements StateStore.
func (s *PebbleStore) Get(key []byte) ([]byte, error) {
	return s.get(stateKey(key))
}

// Put implements StateStore.
func (s *PebbleStore) Put(key, value []byte) error {
	return s.db.Set(stateKey(key), value, pebble.Sync)
}

// ApplyWriteSet implements StateStore.
func (s *PebbleStore) ApplyWriteSet(writes map[string][]byte) error {
	if len(writes) == 0 {
		return nil
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	for k, v := range writes {
		if err := batch.Set(stateKey([]byte(k)), v, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// GetStateRoot implements StateStore.
func (s *PebbleStore) GetStateRoot() (types.Hash, error) {
	raw, err := s.get(keyStateRoot)
	if err != nil {
		return types.Hash{}, fmt.Errorf("storage: get state root: %w", err)
	}
	var root types.Hash
	copy(root[:], raw)
	return root, nil
}

// SetStateRoot implements StateStore.
func (s *PebbleStore) SetStateRoot(root types.Hash) error {
	return s.db.Set(keyStateRoot, root[:], pebble.Sync)
}

// PutPendingEvidence implements EvidenceStore.
func (s *PebbleStore) PutPendingEvidence(ev *types.DuplicateVoteEvidence) error {
	h, enc, err := encodeEvidence(ev)
	if err != nil {
		return err
	}
	return s.db.Set(evidenceKey(prefixEvidPend, ev.VoteA.Height, h), enc, pebble.Sync)
}

// PutCommittedEvidence implements EvidenceStore.
func (s *PebbleStore) PutCommittedEvidence(height uint64, ev *types.DuplicateVoteEvidence) error {
	h, enc, err := encodeEvidence(ev)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(evidenceKey(prefixEvidPend, ev.VoteA.Height, h), nil); err != nil {
		return err
	}
	if err := batch.Set(evidenceKey(prefixEvidCommit, height, h), enc, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// PendingEvidence implements EvidenceStore.
func (s *PebbleStore) PendingEvidence() ([]*types.DuplicateVoteEvidence, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixEvidPend,
		UpperBound: prefixUpperBound(prefixEvidPend),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: iterate pending evidence: %w", err)
	}
	defer iter.Close()

	var out []*types.DuplicateVoteEvidence
	for iter.First(); iter.Valid(); iter.Next() {
		ev := new(types.DuplicateVoteEvidence)
		if err := rlp.DecodeBytes(iter.Value(), ev); err != nil {
			return nil, fmt.Errorf("storage: decode pending evidence: %w", err)
		}
		out = append(out, ev)
	}
	return out, iter.Error()
}

// Close implements Store.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func decodeHeight(b []byte) uint64 {
	var h uint64
	for _, c := range b {
		h = h<<8 | uint64(c)
	}
	return h
}

func encodeEvidence(ev *types.DuplicateVoteEvidence) (types.Hash, []byte, error) {
	h, err := ev.Hash()
	if err != nil {
		return types.Hash{}, nil, fmt.Errorf("storage: hash evidence: %w", err)
	}
	enc, err := rlp.EncodeToBytes(ev)
	if err != nil {
		return types.Hash{}, nil, fmt.Errorf("storage: encode evidence: %w", err)
	}
	return h, enc, nil
}

// prefixUpperBound returns the smallest key strictly greater than every
// key starting with prefix, for use as a pebble.IterOptions.UpperBound.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}
