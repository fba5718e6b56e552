package consensus

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"go.uber.org/zap"

	"github.com/reimint-labs/reimint/internal/types"
)

// maxAgeNumBlocks bounds how many blocks committed evidence is retained
// for before being pruned from the pool.
const maxAgeNumBlocks = 100000

// evidenceWriteQueueSize bounds how many freshly discovered evidence
// items may be queued for the persist goroutine before AddEvidence
// blocks its caller; genuine equivocation is rare enough that this
// should never fill up in practice.
const evidenceWriteQueueSize = 64

// EvidenceStore is the narrow durability surface the Evidence Pool
// needs: record newly discovered evidence, and reload whatever is still
// pending at startup. storage.Store satisfies this directly, so
// internal/consensus never imports internal/storage.
type EvidenceStore interface {
	PutPendingEvidence(ev *types.DuplicateVoteEvidence) error
	PendingEvidence() ([]*types.DuplicateVoteEvidence, error)
}

// EvidencePool collects and validates duplicate-vote evidence discovered
// while tallying votes, and tracks which evidence has already been
// committed so a proposer never includes it twice. When constructed
// with a non-nil EvidenceStore it reloads any evidence a prior run left
// pending, and persists newly discovered evidence through a single
// writer goroutine so concurrent AddEvidence calls never race on the
// store.
type EvidencePool struct {
	mu sync.Mutex

	pending   map[types.Hash]*types.DuplicateVoteEvidence
	committed map[types.Hash]uint64 // evidence hash -> height it was committed at

	store   EvidenceStore
	logger  *zap.Logger
	writeCh chan *types.DuplicateVoteEvidence
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewEvidencePool creates an EvidencePool, reloading pending evidence
// from store (if non-nil) and starting the single-writer persistence
// goroutine. A nil store yields a pool that only ever holds evidence
// in memory, for tests that don't need durability.
func NewEvidencePool(store EvidenceStore, logger *zap.Logger) *EvidencePool {
	if logger == nil {
		logger = zap.NewNop()
	}
	ep := &EvidencePool{
		pending:   make(map[types.Hash]*types.DuplicateVoteEvidence),
		committed: make(map[types.Hash]uint64),
		store:     store,
		logger:    logger,
	}

	if store != nil {
		reloaded, err := store.PendingEvidence()
		if err != nil {
			logger.Warn("failed to reload pending evidence", zap.Error(err))
		}
		for _, ev := range reloaded {
			if h, hashErr := ev.Hash(); hashErr == nil {
				ep.pending[h] = ev
			}
		}

		ep.writeCh = make(chan *types.DuplicateVoteEvidence, evidenceWriteQueueSize)
		ep.stopCh = make(chan struct{})
		ep.wg.Add(1)
		go ep.persistLoop()
	}

	return ep
}

// persistLoop is the pool's single writer: it is the only goroutine
// that ever calls store.PutPendingEvidence, so concurrent AddEvidence
// callers never need to coordinate a write ordering between themselves.
func (ep *EvidencePool) persistLoop() {
	defer ep.wg.Done()
	for {
		select {
		case ev := <-ep.writeCh:
			if err := ep.store.PutPendingEvidence(ev); err != nil {
				ep.logger.Warn("failed to persist pending evidence", zap.Error(err))
			}
		case <-ep.stopCh:
			for {
				select {
				case ev := <-ep.writeCh:
					if err := ep.store.PutPendingEvidence(ev); err != nil {
						ep.logger.Warn("failed to persist pending evidence", zap.Error(err))
					}
				default:
					return
				}
			}
		}
	}
}

// Stop halts the persistence goroutine and waits for it to drain. Safe
// to call on a pool constructed with a nil store.
func (ep *EvidencePool) Stop() {
	if ep.stopCh == nil {
		return
	}
	close(ep.stopCh)
	ep.wg.Wait()
}

// AddEvidence validates ev (the two votes must actually conflict and
// both carry valid signatures from the same validator) and, unless it
// is already pending or committed, admits it to the pool and queues it
// for durable persistence.
func (ep *EvidencePool) AddEvidence(ev *types.DuplicateVoteEvidence) error {
	if ev == nil || ev.VoteA == nil || ev.VoteB == nil {
		return fmt.Errorf("consensus: nil evidence")
	}
	if err := ep.checkEvidence(ev); err != nil {
		return err
	}

	h, err := ev.Hash()
	if err != nil {
		return fmt.Errorf("consensus: hash evidence: %w", err)
	}

	ep.mu.Lock()
	if _, ok := ep.committed[h]; ok {
		ep.mu.Unlock()
		return nil
	}
	if _, ok := ep.pending[h]; ok {
		ep.mu.Unlock()
		return nil
	}
	ep.pending[h] = ev
	ep.mu.Unlock()

	if ep.writeCh != nil {
		ep.writeCh <- ev
	}
	return nil
}

// checkEvidence verifies that the two votes genuinely equivocate: same
// validator, same (height, round, type), different block hashes, both
// independently well-signed.
func (ep *EvidencePool) checkEvidence(ev *types.DuplicateVoteEvidence) error {
	a, b := ev.VoteA, ev.VoteB
	if a.ValidatorAddr != b.ValidatorAddr {
		return fmt.Errorf("consensus: evidence votes from different validators")
	}
	if a.Height != b.Height || a.Round != b.Round || a.Type != b.Type {
		return fmt.Errorf("consensus: evidence votes are not for the same (height, round, type)")
	}
	if a.BlockHash == b.BlockHash {
		return fmt.Errorf("consensus: evidence votes agree on block hash, not equivocation")
	}
	if err := a.Verify(a.ValidatorAddr); err != nil {
		return fmt.Errorf("consensus: evidence vote A: %w", err)
	}
	if err := b.Verify(b.ValidatorAddr); err != nil {
		return fmt.Errorf("consensus: evidence vote B: %w", err)
	}
	return nil
}

// PendingEvidence returns pending evidence whose combined RLP encoding
// does not exceed maxBytes, for inclusion in the next proposed block.
func (ep *EvidencePool) PendingEvidence(maxBytes int) []*types.DuplicateVoteEvidence {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	out := make([]*types.DuplicateVoteEvidence, 0, len(ep.pending))
	used := 0
	for _, ev := range ep.pending {
		enc, err := rlp.EncodeToBytes(ev)
		if err != nil {
			continue
		}
		if used+len(enc) > maxBytes {
			continue
		}
		used += len(enc)
		out = append(out, ev)
	}
	return out
}

// Update marks committed as sealed into a block at height, removing it
// from the pending set, and prunes committed evidence older than
// maxAgeNumBlocks relative to height.
func (ep *EvidencePool) Update(committed []*types.DuplicateVoteEvidence, height uint64) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	for _, ev := range committed {
		h, err := ev.Hash()
		if err != nil {
			continue
		}
		delete(ep.pending, h)
		ep.committed[h] = height
	}

	for h, committedHeight := range ep.committed {
		if height > committedHeight && height-committedHeight > maxAgeNumBlocks {
			delete(ep.committed, h)
		}
	}
}

// Size returns the number of pending evidence items.
func (ep *EvidencePool) Size() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return len(ep.pending)
}
