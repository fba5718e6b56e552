package consensus

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/reimint-labs/reimint/internal/types"
)

// handleTimeout dispatches a fired TimeoutInfo to the enterX call it
// names, discarding it if it belongs to another height or (for Propose,
// PrevoteWait and PrecommitWait) another round; the enterX guards ignore
// a step the round state has already passed. Each step's timeout
// triggers exactly one transition — a fired PrevoteWait timeout calls
// enterPrecommit, not a cascade through every later step; whichever
// enterX runs schedules the next timeout itself if its own guard still
// holds.
func (e *Engine) handleTimeout(info TimeoutInfo) {
	if info.Height != e.rs.Height {
		return
	}
	e.cfg.Metrics.TimeoutsTriggered.Inc()
	switch info.Step {
	case StepNewHeight:
		e.enterNewRound(e.rs.Height, 0)
	case StepNewRound:
		e.enterPropose(e.rs.Height, e.rs.Round)
	case StepPropose:
		if e.rs.Round == info.Round {
			e.enterPrevote(e.rs.Height, e.rs.Round)
		}
	case StepPrevoteWait:
		if e.rs.Round == info.Round {
			e.enterPrecommit(e.rs.Height, e.rs.Round)
		}
	case StepPrecommitWait:
		if e.rs.Round == info.Round {
			e.enterNewRound(e.rs.Height, e.rs.Round+1)
		}
	}
}

func (e *Engine) scheduleTimeout(step Step, round int32, d time.Duration) {
	e.ticker.ScheduleTimeout(TimeoutInfo{Duration: d, Height: e.rs.Height, Round: round, Step: step})
}

// enterNewRound advances the round state to round, incrementing the
// proposer priority, then either waits out a configured empty-block
// interval at round 0 or proceeds straight to enterPropose.
func (e *Engine) enterNewRound(height uint64, round int32) {
	if height != e.rs.Height || round < e.rs.Round || (round == e.rs.Round && e.rs.Step != StepNewHeight) {
		return
	}

	e.rs.ResetForNewRound(round)
	e.cfg.Metrics.ConsensusRound.Set(float64(round))

	if round == 0 && e.cfg.CreateEmptyBlocksInterval > 0 {
		e.scheduleTimeout(StepNewRound, round, e.cfg.CreateEmptyBlocksInterval)
		return
	}
	e.enterPropose(height, round)
}

// enterPropose schedules the Propose timeout and, if this node is the
// round's proposer, hands off to decideProposal.
func (e *Engine) enterPropose(height uint64, round int32) {
	if height != e.rs.Height || round < e.rs.Round || (round == e.rs.Round && e.rs.Step >= StepPropose) {
		return
	}
	e.rs.Round = round
	e.rs.Step = StepPropose
	e.scheduleTimeout(StepPropose, round, e.cfg.Timeouts.Duration(StepPropose, round))

	proposer := e.rs.Validators.Proposer()
	if proposer == nil || proposer.Address != e.cfg.Address {
		return
	}
	e.decideProposal(height, round)
}

// decideProposal is the proposer's half of enterPropose: reuse the
// valid block carried over from a prior round's POL, or ask the
// pipeline for a fresh pending block, then feed the resulting
// Proposal/ProposalBlock back through the engine's own queue so they
// take the same code path as a peer's gossip.
func (e *Engine) decideProposal(height uint64, round int32) {
	var block *types.Block
	polRound := int32(-1)

	if e.rs.ValidBlock != nil {
		block = e.rs.ValidBlock
		polRound = e.rs.ValidRound
	} else if e.pipeline != nil {
		evidence := e.evpool.PendingEvidence(e.cfg.MaxEvidenceBytes)
		parentHash := types.ZeroHash
		var err error
		block, err = e.pipeline.BuildPendingBlock(context.Background(), height, parentHash, evidence)
		if err != nil {
			e.logger.Warn("failed to build pending block", zap.Error(err))
			return
		}
	} else {
		return
	}

	blockHash, err := block.Header.Hash()
	if err != nil {
		e.logger.Warn("failed to hash pending block", zap.Error(err))
		return
	}

	proposal := &types.Proposal{
		Height:    height,
		Round:     round,
		POLRound:  polRound,
		BlockHash: blockHash,
		Timestamp: uint64(time.Now().UnixNano()),
	}
	if e.pipeline != nil {
		if err := e.pipeline.SignProposal(proposal); err != nil {
			e.logger.Warn("failed to sign proposal", zap.Error(err))
			return
		}
	}

	if e.transport != nil {
		if err := e.transport.BroadcastProposal(proposal); err != nil {
			e.logger.Warn("failed to broadcast proposal", zap.Error(err))
		}
		if err := e.transport.BroadcastBlockPart(height, round, block); err != nil {
			e.logger.Warn("failed to broadcast proposal block", zap.Error(err))
		}
	}

	e.push(Event{Kind: EventProposal, Proposal: proposal})
	e.push(Event{Kind: EventProposalBlock, Block: block})
}

// enterPrevote casts this node's prevote: for the locked block if one
// is held, for nil if there is no usable proposal block yet, otherwise
// for the proposal block once it validates.
func (e *Engine) enterPrevote(height uint64, round int32) {
	if height != e.rs.Height || round < e.rs.Round || (round == e.rs.Round && e.rs.Step >= StepPrevote) {
		return
	}
	e.rs.Round = round
	e.rs.Step = StepPrevote

	var voteHash types.Hash
	switch {
	case e.rs.LockedBlock != nil:
		voteHash = mustHash(e.rs.LockedBlock)
	case e.rs.ProposalBlock == nil:
		voteHash = types.ZeroHash
	default:
		if e.validateProposalBlock(e.rs.ProposalBlock) {
			voteHash = mustHash(e.rs.ProposalBlock)
		} else {
			voteHash = types.ZeroHash
		}
	}

	e.signAndAddVote(types.VoteTypePrevote, round, voteHash)
}

// validateProposalBlock checks that the block is for the current height
// and that its TxRoot matches its transactions before the node votes for
// it. It does not check the parent hash, and it does not run execution
// (the pipeline does that only after commitBlock).
func (e *Engine) validateProposalBlock(b *types.Block) bool {
	if b == nil || b.Header == nil {
		return false
	}
	if b.Header.Height != e.rs.Height {
		return false
	}
	txRoot, err := types.TxRootOf(b.Transactions)
	if err != nil {
		return false
	}
	return txRoot == b.Header.TxRoot
}

// enterPrevoteWait schedules the PrevoteWait timeout once prevotes for
// round have reached any 2/3 majority (nil or otherwise) but this node
// hasn't yet moved past prevote.
func (e *Engine) enterPrevoteWait(height uint64, round int32) {
	if height != e.rs.Height || round < e.rs.Round || (round == e.rs.Round && e.rs.Step >= StepPrevoteWait) {
		return
	}
	if !e.rs.Votes.Prevotes(round).HasTwoThirdsAny() {
		return
	}
	e.rs.Round = round
	e.rs.Step = StepPrevoteWait
	e.scheduleTimeout(StepPrevoteWait, round, e.cfg.Timeouts.Duration(StepPrevoteWait, round))
}

// enterPrecommit casts this node's precommit: nil if there's no
// prevote majority yet or it points at no block, the locked block if
// the majority matches it, a freshly locked proposal block if the
// majority matches that instead, or nil while unlocking if it matches
// neither.
func (e *Engine) enterPrecommit(height uint64, round int32) {
	if height != e.rs.Height || round < e.rs.Round || (round == e.rs.Round && e.rs.Step >= StepPrecommit) {
		return
	}
	e.rs.Round = round
	e.rs.Step = StepPrecommit

	if polRound, _, ok := e.rs.Votes.POLInfo(round); ok && polRound < round {
		e.logger.Warn("POLInfo round behind precommit round, precommitting nil",
			zap.Int32("polRound", polRound), zap.Int32("round", round))
		e.signAndAddVote(types.VoteTypePrecommit, round, types.ZeroHash)
		return
	}

	maj23, ok := e.rs.Votes.Prevotes(round).HasTwoThirdsMajority()
	switch {
	case !ok:
		e.rs.Unlock()
		e.signAndAddVote(types.VoteTypePrecommit, round, types.ZeroHash)
	case maj23 == types.ZeroHash:
		e.rs.Unlock()
		e.signAndAddVote(types.VoteTypePrecommit, round, types.ZeroHash)
	case e.rs.LockedBlock != nil && maj23 == mustHash(e.rs.LockedBlock):
		e.rs.LockedRound = round
		e.signAndAddVote(types.VoteTypePrecommit, round, maj23)
	case e.rs.ProposalBlock != nil && maj23 == mustHash(e.rs.ProposalBlock):
		if e.validateProposalBlock(e.rs.ProposalBlock) {
			e.rs.Lock(e.rs.ProposalBlock, round)
			e.signAndAddVote(types.VoteTypePrecommit, round, maj23)
		} else {
			e.rs.Unlock()
			e.signAndAddVote(types.VoteTypePrecommit, round, types.ZeroHash)
		}
	default:
		e.rs.Unlock()
		e.rs.ProposalBlock = nil
		e.rs.ProposalBlockHash = maj23
		e.signAndAddVote(types.VoteTypePrecommit, round, types.ZeroHash)
	}
}

// enterPrecommitWait schedules the PrecommitWait timeout once
// precommits for round have reached any 2/3 majority, at most once per
// round.
func (e *Engine) enterPrecommitWait(height uint64, round int32) {
	if height != e.rs.Height || round < e.rs.Round {
		return
	}
	if !e.rs.Votes.Precommits(round).HasTwoThirdsAny() || e.rs.TriggeredTimeoutPrecommit {
		return
	}
	e.rs.TriggeredTimeoutPrecommit = true
	e.scheduleTimeout(StepPrecommitWait, round, e.cfg.Timeouts.Duration(StepPrecommitWait, round))
}

// enterCommit adopts the block matching commitRound's non-nil
// precommit majority — from the lock, the proposal, or neither, in
// which case it records the majority hash and waits for the block to
// arrive (no request is sent) — and attempts to finalize once it has
// one.
func (e *Engine) enterCommit(height uint64, commitRound int32) {
	if height != e.rs.Height || e.rs.Step == StepCommit {
		return
	}
	e.rs.Step = StepCommit
	e.rs.CommitRound = commitRound
	e.rs.CommitTime = time.Now()

	maj23, ok := e.rs.Votes.Precommits(commitRound).HasTwoThirdsMajority()
	if !ok || maj23 == types.ZeroHash {
		e.logger.Error("enterCommit without a non-nil precommit majority", zap.Int32("round", commitRound))
		return
	}

	if e.rs.LockedBlock != nil && mustHash(e.rs.LockedBlock) == maj23 {
		e.rs.ProposalBlock = e.rs.LockedBlock
	}
	if e.rs.ProposalBlock == nil || mustHash(e.rs.ProposalBlock) != maj23 {
		e.rs.ProposalBlock = nil
		e.rs.ProposalBlockHash = maj23
		if e.transport != nil {
			e.logger.Debug("waiting for missing commit block", zap.Uint64("height", height))
		}
		return
	}

	e.tryFinalizeCommit(height)
}

// tryFinalizeCommit builds the Commit, folds it and any sealed evidence
// into the block's ExtraData, commits the block through the pipeline,
// and advances to the next height.
func (e *Engine) tryFinalizeCommit(height uint64) {
	if height != e.rs.Height || e.rs.Step != StepCommit {
		return
	}
	maj23, ok := e.rs.Votes.Precommits(e.rs.CommitRound).HasTwoThirdsMajority()
	if !ok || e.rs.ProposalBlock == nil || mustHash(e.rs.ProposalBlock) != maj23 {
		return
	}

	commit, err := e.rs.Votes.Precommits(e.rs.CommitRound).MakeCommit()
	if err != nil {
		e.logger.Error("failed to make commit", zap.Error(err))
		return
	}

	committedEvidence := e.evpool.PendingEvidence(e.cfg.MaxEvidenceBytes)
	extra := &types.ExtraData{
		Round:       e.rs.Round,
		CommitRound: e.rs.CommitRound,
		POLRound:    -1,
		Evidence:    committedEvidence,
		Proposal:    e.rs.Proposal,
		Commit:      commit,
	}
	if e.rs.Proposal != nil {
		extra.POLRound = e.rs.Proposal.POLRound
	}

	var vanity [types.VanitySize]byte
	encoded, err := types.EncodeExtraData(vanity, extra)
	if err != nil {
		e.logger.Error("failed to encode extra data", zap.Error(err))
		return
	}
	e.rs.ProposalBlock.Header.ExtraData = encoded

	if e.pipeline == nil {
		e.logger.Error("no block pipeline configured, cannot commit")
		return
	}
	committedBlock := e.rs.ProposalBlock
	if err := e.pipeline.CommitBlock(context.Background(), committedBlock, commit); err != nil {
		e.logger.Error("commitBlock failed", zap.Error(err))
		return
	}
	e.evpool.Update(committedEvidence, height)

	nextValidators, err := e.pipeline.GetValidatorSet(context.Background(), height+1)
	if err != nil {
		e.logger.Error("failed to resolve next validator set", zap.Error(err))
		return
	}
	e.newBlockHeader(height+1, nextValidators)
}

// newBlockHeader advances the engine to nextHeight with a fresh
// RoundState, preserving nothing from the prior height (a new
// HeightVoteSet, no lock, no valid block), and schedules the NewHeight
// timeout that fires enterNewRound(h, 0). Called by tryFinalizeCommit
// once commitBlock succeeds; the re-entry happens inline rather than
// through a callback since both run on the engine's single consumer
// goroutine.
func (e *Engine) newBlockHeader(nextHeight uint64, validators *types.ValidatorSet) {
	e.rs = NewRoundState(nextHeight, validators)
	e.cfg.Metrics.ConsensusHeight.Set(float64(nextHeight))
	e.cfg.Metrics.ConsensusRound.Set(0)
	commitTimeout := e.cfg.Timeouts.CommitTimeout
	e.scheduleTimeout(StepNewHeight, 0, commitTimeout)
}

// signAndAddVote signs a vote of typ for round over hash, broadcasts it,
// and records it by calling tryAddVote directly rather than through the
// engine's queue — the same function a peer's vote reaches once popped.
func (e *Engine) signAndAddVote(typ types.VoteType, round int32, hash types.Hash) {
	if e.pipeline == nil {
		return
	}
	v := &types.Vote{
		ChainID:   e.cfg.ChainID,
		Type:      typ,
		Height:    e.rs.Height,
		Round:     round,
		BlockHash: hash,
		Timestamp: uint64(time.Now().UnixNano()),
	}
	v.ValidatorIndex = e.indexOf(e.cfg.Address)
	if err := e.pipeline.SignVote(v); err != nil {
		e.logger.Warn("failed to sign vote", zap.Error(err))
		return
	}
	if e.transport != nil {
		if err := e.transport.BroadcastVote(v); err != nil {
			e.logger.Warn("failed to broadcast vote", zap.Error(err))
		}
	}
	e.tryAddVote(v, "")
}

func (e *Engine) indexOf(addr types.Address) int32 {
	for i := 0; i < e.rs.Validators.Len(); i++ {
		if v := e.rs.Validators.GetByIndex(i); v != nil && v.Address == addr {
			return int32(i)
		}
	}
	return -1
}
