// Package storage persists committed blocks, chain state, and
// duplicate-vote evidence across restarts. It backs the collaborators
// the consensus core drives (the execution adapter's state reads, the
// mempool's nonce checks, the node's pending-block pipeline) without
// the consensus package itself ever depending on it — the Engine only
// ever talks to storage indirectly, through the BlockPipeline it is
// handed at construction.
package storage

import (
	"github.com/reimint-labs/reimint/internal/types"
)

// BlockStore persists committed blocks and commits, plus the indices
// needed to look a block back up by height or locate a transaction
// within it.
type BlockStore interface {
	// PutBlock persists block together with the commit that finalized
	// it, and advances the latest-height marker.
	PutBlock(block *types.Block, commit *types.Commit) error

	// GetBlock returns the block committed at height.
	GetBlock(height uint64) (*types.Block, error)

	// GetCommit returns the commit that finalized the block at height.
	GetCommit(height uint64) (*types.Commit, error)

	// GetLatestHeight returns the height of the most recently
	// committed block, or 0 if none has been committed yet.
	GetLatestHeight() (uint64, error)

	// GetTxLocation resolves a transaction hash to the height and
	// index at which it was included.
	GetTxLocation(txHash types.Hash) (height uint64, index int, err error)
}

// StateStore is the narrow key/value surface the execution adapter and
// mempool use to read and mutate chain state between blocks.
type StateStore interface {
	// Get returns the value stored at key, or nil if it is unset.
	Get(key []byte) ([]byte, error)

	// Put writes a single key/value pair.
	Put(key, value []byte) error

	// ApplyWriteSet atomically applies every key/value pair in writes.
	ApplyWriteSet(writes map[string][]byte) error

	// GetStateRoot returns the state root left by the most recently
	// executed block.
	GetStateRoot() (types.Hash, error)

	// SetStateRoot records the state root produced by executing a block.
	SetStateRoot(root types.Hash) error
}

// EvidenceStore durably persists duplicate-vote evidence, mirroring
// consensus.EvidencePool's in-memory pending/committed split so
// evidence submitted just before a crash isn't lost, and so a restarted
// node can tell which evidence a given height has already sealed.
type EvidenceStore interface {
	// PutPendingEvidence records evidence discovered but not yet
	// included in a committed block.
	PutPendingEvidence(ev *types.DuplicateVoteEvidence) error

	// PutCommittedEvidence records that ev was sealed into the block
	// at height, and removes it from the pending set.
	PutCommittedEvidence(height uint64, ev *types.DuplicateVoteEvidence) error

	// PendingEvidence returns all evidence not yet committed, for
	// reloading consensus.EvidencePool after a restart.
	PendingEvidence() ([]*types.DuplicateVoteEvidence, error)
}

// Store is the full storage surface a node opens at startup.
type Store interface {
	BlockStore
	StateStore
	EvidenceStore

	// Close releases the underlying database handle.
	Close() error
}
