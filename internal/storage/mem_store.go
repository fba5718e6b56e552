package storage

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/reimint-labs/reimint/internal/types"
)

// MemStore is an in-memory Store, used in tests and for ephemeral
// single-process runs where durability doesn't matter.
type MemStore struct {
	mu sync.RWMutex

	blocks   map[uint64][]byte
	commits  map[uint64][]byte
	txLocs   map[types.Hash][2]uint64 // [height, index]
	latest   uint64
	state    map[string][]byte
	stateTop types.Hash

	pending   map[types.Hash]*types.DuplicateVoteEvidence
	committed map[types.Hash]*types.DuplicateVoteEvidence
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		blocks:    make(map[uint64][]byte),
		commits:   make(map[uint64][]byte),
		txLocs:    make(map[types.Hash][2]uint64),
		state:     make(map[string][]byte),
		pending:   make(map[types.Hash]*types.DuplicateVoteEvidence),
		committed: make(map[types.Hash]*types.DuplicateVoteEvidence),
	}
}

// PutBlock implements BlockStore.
func (s *MemStore) PutBlock(block *types.Block, commit *types.Commit) error {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[height] = blockEnc
	s.commits[height] = commitEnc
	for i, tx := range block.Transactions {
		txHash := crypto.Keccak256Hash(tx)
		s.txLocs[txHash] = [2]uint64{height, uint64(i)}
	}
	if height > s.latest {
		s.latest = height
	}
	return nil
}

// GetBlock implements BlockStore.
func (s *MemStore) GetBlock(height uint64) (*types.Block, error) {
	s.mu.RLock()
	raw, ok := s.blocks[height]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: no block at height %d", height)
	}
	block := new(types.Block)
	if err := rlp.DecodeBytes(raw, block); err != nil {
		return nil, fmt.Errorf("storage: decode block %d: %w", height, err)
	}
	return block, nil
}

// GetCommit implements BlockStore.
func (s *MemStore) GetCommit(height uint64) (*types.Commit, error) {
	s.mu.RLock()
	raw, ok := s.commits[height]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: no commit at height %d", height)
	}
	commit := new(types.Commit)
	if err := rlp.DecodeBytes(raw, commit); err != nil {
		return nil, fmt.Errorf("storage: decode commit %d: %w", height, err)
	}
	return commit, nil
}

// GetLatestHeight implements BlockStore.
func (s *MemStore) GetLatestHeight() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, nil
}

// GetTxLocation implements BlockStore.
func (s *MemStore) GetTxLocation(txHash types.Hash) (uint64, int, error) {
	s.mu.RLock()
	loc, ok := s.txLocs[txHash]
	s.mu.RUnlock()
	if !ok {
		return 0, 0, fmt.Errorf("storage: tx %s not found", txHash)
	}
	return loc[0], int(loc[1]), nil
}

// Get implements StateStore.
func (s *MemStore) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.state[string(key)]...), nil
}

// Put implements StateStore.
func (s *MemStore) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[string(key)] = append([]byte(nil), value...)
	return nil
}

// ApplyWriteSet implements StateStore.
func (s *MemStore) ApplyWriteSet(writes map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range writes {
		s.state[k] = append([]byte(nil), v...)
	}
	return nil
}

// GetStateRoot implements StateStore.
func (s *MemStore) GetStateRoot() (types.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateTop, nil
}

// SetStateRoot implements StateStore.
func (s *MemStore) SetStateRoot(root types.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateTop = root
	return nil
}

// PutPendingEvidence implements EvidenceStore.
func (s *MemStore) PutPendingEvidence(ev *types.DuplicateVoteEvidence) error {
	h, err := ev.Hash()
	if err != nil {
		return fmt.Errorf("storage: hash evidence: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[h] = ev
	return nil
}

// PutCommittedEvidence implements EvidenceStore.
func (s *MemStore) PutCommittedEvidence(height uint64, ev *types.DuplicateVoteEvidence) error {
	h, err := ev.Hash()
	if err != nil {
		return fmt.Errorf("storage: hash evidence: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, h)
	s.committed[h] = ev
	return nil
}

// PendingEvidence implements EvidenceStore.
func (s *MemStore) PendingEvidence() ([]*types.DuplicateVoteEvidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.DuplicateVoteEvidence, 0, len(s.pending))
	for _, ev := range s.pending {
		out = append(out, ev)
	}
	return out, nil
}

// Close implements Store. MemStore owns no external resources.
func (s *MemStore) Close() error { return nil }
