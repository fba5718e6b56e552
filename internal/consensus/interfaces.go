package consensus

import (
	"context"

	"github.com/reimint-labs/reimint/internal/types"
)

// ExecutionAdapter invokes deterministic execution for a proposed block,
// producing the state root the header commits to.
type ExecutionAdapter interface {
	ExecuteBlock(ctx context.Context, block *types.Block, prevStateRoot types.Hash) (types.Hash, error)
}

// BlockPipeline is the narrow surface the state machine uses to reach
// outside itself: persisting a decided block, assembling a candidate
// block to propose, resolving the validator set for a height, and
// signing a vote with the node's own key. Keeping it this small is what
// lets the engine run headless in tests against a fake pipeline.
type BlockPipeline interface {
	// CommitBlock persists block with the commit that finalized it.
	CommitBlock(ctx context.Context, block *types.Block, commit *types.Commit) error

	// BuildPendingBlock assembles a candidate block extending parentHash
	// at height, folding in evidence (subject to maxEvidenceBytes) and
	// whatever transactions the mempool is willing to reap.
	BuildPendingBlock(ctx context.Context, height uint64, parentHash types.Hash, evidence []*types.DuplicateVoteEvidence) (*types.Block, error)

	// GetValidatorSet resolves the validator set effective at height.
	GetValidatorSet(ctx context.Context, height uint64) (*types.ValidatorSet, error)

	// SignVote fills in v.Signature and v.ValidatorAddr using the node's
	// own signing key.
	SignVote(v *types.Vote) error

	// SignProposal fills in p.Signature using the node's own signing key.
	SignProposal(p *types.Proposal) error
}

// Transport abstracts gossiping consensus messages to peers; the
// Reactor is the concrete implementation over the P2P layer.
type Transport interface {
	BroadcastProposal(p *types.Proposal) error
	BroadcastVote(v *types.Vote) error
	BroadcastBlockPart(height uint64, round int32, block *types.Block) error
}
