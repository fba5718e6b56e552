package node

import (
	"context"
	"crypto/sha256"
	"fmt"

	"go.uber.org/zap"

	"github.com/reimint-labs/reimint/internal/consensus"
	nodecrypto "github.com/reimint-labs/reimint/internal/crypto"
	"github.com/reimint-labs/reimint/internal/mempool"
	"github.com/reimint-labs/reimint/internal/staking"
	"github.com/reimint-labs/reimint/internal/storage"
	"github.com/reimint-labs/reimint/internal/types"
)

// blockPipeline implements consensus.BlockPipeline: it is the only
// collaborator through which the Engine reaches storage, execution, the
// mempool, and the staking roster. The Engine holds no reference to any
// of those packages directly.
type blockPipeline struct {
	chainID string
	key     *nodecrypto.KeyPair

	store    storage.Store
	executor consensus.ExecutionAdapter
	mempool  *mempool.Mempool
	staking  *staking.Reader

	logger *zap.Logger
}

func newBlockPipeline(
	chainID string,
	key *nodecrypto.KeyPair,
	store storage.Store,
	executor consensus.ExecutionAdapter,
	mp *mempool.Mempool,
	stakingReader *staking.Reader,
	logger *zap.Logger,
) *blockPipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &blockPipeline{
		chainID:  chainID,
		key:      key,
		store:    store,
		executor: executor,
		mempool:  mp,
		staking:  stakingReader,
		logger:   logger,
	}
}

var _ consensus.BlockPipeline = (*blockPipeline)(nil)

// parentOf resolves the parent block hash and state root a new block at
// height should build on, reading the latest committed block from
// storage rather than trusting the caller-supplied parentHash (the
// Engine always passes types.ZeroHash; it tracks no chain state of its
// own).
func (p *blockPipeline) parentOf(height uint64) (parentHash, prevStateRoot types.Hash, err error) {
	if height <= 1 {
		return types.ZeroHash, types.ZeroHash, nil
	}
	parent, err := p.store.GetBlock(height - 1)
	if err != nil {
		return types.Hash{}, types.Hash{}, fmt.Errorf("node: load parent block %d: %w", height-1, err)
	}
	if parent == nil {
		return types.ZeroHash, types.ZeroHash, nil
	}
	parentHash, err = parent.Header.Hash()
	if err != nil {
		return types.Hash{}, types.Hash{}, fmt.Errorf("node: hash parent block %d: %w", height-1, err)
	}
	return parentHash, parent.Header.StateRoot, nil
}

// BuildPendingBlock assembles a candidate block: it reaps transactions
// from the mempool, runs them through the execution adapter to derive
// the new state root, and encodes evidence into ExtraData so the
// resulting header hash already reflects it (tryFinalizeCommit later
// replaces ExtraData with the full proposal/commit payload, but keeps
// the same evidence set, so the hash is unaffected).
func (p *blockPipeline) BuildPendingBlock(ctx context.Context, height uint64, _ types.Hash, evidence []*types.DuplicateVoteEvidence) (*types.Block, error) {
	parentHash, prevStateRoot, err := p.parentOf(height)
	if err != nil {
		return nil, err
	}

	var txs [][]byte
	if p.mempool != nil {
		txs = p.mempool.ReapMaxTxs(1 << 20)
	}

	txRoot, err := types.TxRootOf(txs)
	if err != nil {
		return nil, fmt.Errorf("node: compute tx root: %w", err)
	}

	header := &types.BlockHeader{
		Height:     height,
		ParentHash: parentHash,
		TxRoot:     txRoot,
		Proposer:   p.key.Address,
		ChainID:    p.chainID,
	}

	var vanity [types.VanitySize]byte
	extra, err := types.EncodeExtraData(vanity, &types.ExtraData{
		Round:    -1,
		POLRound: -1,
		Evidence: evidence,
	})
	if err != nil {
		return nil, fmt.Errorf("node: encode pending extra data: %w", err)
	}
	header.ExtraData = extra

	block := &types.Block{Header: header, Transactions: txs}

	stateRoot, err := p.executor.ExecuteBlock(ctx, block, prevStateRoot)
	if err != nil {
		return nil, fmt.Errorf("node: execute pending block: %w", err)
	}
	header.StateRoot = stateRoot

	return block, nil
}

// CommitBlock persists the finalized block and commit, removes its
// transactions from the mempool, seals any evidence it carries into
// durable storage, and carries the validator roster forward onto the
// block's new state root (validator-set changes would, with a real
// staking contract, be driven by executing the block; absent one, the
// roster simply survives unchanged from parent root to child root).
func (p *blockPipeline) CommitBlock(_ context.Context, block *types.Block, commit *types.Commit) error {
	if err := p.store.PutBlock(block, commit); err != nil {
		return fmt.Errorf("node: persist block %d: %w", block.Header.Height, err)
	}

	if p.mempool != nil {
		hashes := make([]types.Hash, 0, len(block.Transactions))
		for _, tx := range block.Transactions {
			hashes = append(hashes, sha256.Sum256(tx))
		}
		p.mempool.RemoveTxs(hashes)
	}

	_, extra, err := types.DecodeExtraData(block.Header.ExtraData)
	if err != nil {
		return fmt.Errorf("node: decode committed extra data: %w", err)
	}
	for _, ev := range extra.Evidence {
		if err := p.store.PutCommittedEvidence(block.Header.Height, ev); err != nil {
			return fmt.Errorf("node: seal evidence at height %d: %w", block.Header.Height, err)
		}
	}

	if p.staking != nil {
		_, prevStateRoot, err := p.parentOf(block.Header.Height)
		if err != nil {
			return err
		}
		valSet, err := p.staking.ValidatorSetAt(prevStateRoot)
		if err != nil {
			return fmt.Errorf("node: load validator set for parent root: %w", err)
		}
		if err := p.staking.SetValidatorSetAt(block.Header.StateRoot, valSet); err != nil {
			return fmt.Errorf("node: carry validator set forward: %w", err)
		}
	}

	return nil
}

// GetValidatorSet returns the validator set effective at height: the
// roster recorded for the state root the chain held just before height
// started, i.e. the state root of height-1's block (or the genesis
// roster at height 1).
func (p *blockPipeline) GetValidatorSet(_ context.Context, height uint64) (*types.ValidatorSet, error) {
	if p.staking == nil {
		return nil, fmt.Errorf("node: no staking reader configured")
	}
	_, prevStateRoot, err := p.parentOf(height)
	if err != nil {
		return nil, err
	}
	return p.staking.ValidatorSetAt(prevStateRoot)
}

// SignVote signs v with the node's validator key.
func (p *blockPipeline) SignVote(v *types.Vote) error {
	return types.SignVote(v, p.key.PrivateKey)
}

// SignProposal signs p with the node's validator key.
func (p *blockPipeline) SignProposal(prop *types.Proposal) error {
	return types.SignProposal(prop, p.chainID, p.key.PrivateKey)
}
