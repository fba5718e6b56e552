package consensus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reimint-labs/reimint/internal/telemetry"
	"github.com/reimint-labs/reimint/internal/types"
)

// EngineConfig wires an Engine's collaborators.
type EngineConfig struct {
	ChainID       string
	Address       types.Address
	Pipeline      BlockPipeline
	Transport     Transport
	EvidenceStore EvidenceStore
	Logger        *zap.Logger
	Metrics       *telemetry.Metrics
	Timeouts      TimeoutParams
	QueueSize     int

	CreateEmptyBlocksInterval time.Duration
	SkipTimeoutCommit         bool
	MaxEvidenceBytes          int
}

// Engine is the height/round/step state machine. All mutation of its
// RoundState happens on the single goroutine run by Start; every other
// goroutine reaches it only by pushing onto its EventQueue.
type Engine struct {
	cfg    EngineConfig
	logger *zap.Logger

	pipeline  BlockPipeline
	transport Transport

	queue   *EventQueue
	ticker  *TimeoutTicker
	evpool  *EvidencePool

	rs *RoundState

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu sync.RWMutex // guards rs for read-only inspection from other goroutines (tests, telemetry)
}

// NewEngine constructs an Engine ready to drive height.
func NewEngine(cfg EngineConfig, height uint64, valSet *types.ValidatorSet) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 10
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		pipeline:  cfg.Pipeline,
		transport: cfg.Transport,
		queue:     NewEventQueue(queueSize),
		ticker:    NewTimeoutTicker(),
		evpool:    NewEvidencePool(cfg.EvidenceStore, logger.Named("evidence")),
		stopCh:    make(chan struct{}),
	}
	e.rs = NewRoundState(height, valSet)
	return e
}

// Evidence returns the engine's evidence pool.
func (e *Engine) Evidence() *EvidencePool { return e.evpool }

// RoundStateSnapshot returns a shallow copy of the round state's
// scalar fields for inspection by tests and telemetry.
func (e *Engine) RoundStateSnapshot() RoundState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return *e.rs
}

// SetPeerMaj23 records peerID's claim of a majority for (round, typ,
// hash), used to target gossip of the relevant votes.
func (e *Engine) SetPeerMaj23(peerID string, round int32, typ types.VoteType, hash types.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch typ {
	case types.VoteTypePrevote:
		e.rs.Votes.Prevotes(round).SetPeerMaj23(peerID, hash)
	case types.VoteTypePrecommit:
		e.rs.Votes.Precommits(round).SetPeerMaj23(peerID, hash)
	}
}

// Start begins the ticker and the engine's single consumer loop, then
// enters round 0 of the current height.
func (e *Engine) Start(ctx context.Context) {
	e.ticker.Start()
	e.wg.Add(2)
	go e.forwardTimeouts()
	go e.loop(ctx)
	e.push(Event{Kind: EventTimeout, Timeout: TimeoutInfo{Height: e.rs.Height, Round: 0, Step: StepNewHeight}})
}

// Stop halts the event loop and the timeout ticker, and awaits
// termination; an in-flight commitBlock call is allowed to finish.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.ticker.Stop()
	e.wg.Wait()
	e.evpool.Stop()
}

// forwardTimeouts feeds fired timeouts into the engine's single event
// queue as ordinary Events, so the Timeout Ticker is just another
// producer alongside the Reactor.
func (e *Engine) forwardTimeouts() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case info, ok := <-e.ticker.Chan():
			if !ok {
				return
			}
			e.push(Event{Kind: EventTimeout, Timeout: info})
		}
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	for {
		ev, ok := e.queue.Pop(e.stopCh)
		if !ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		e.mu.Lock()
		e.dispatch(ev)
		e.mu.Unlock()
	}
}

func (e *Engine) dispatch(ev Event) {
	switch ev.Kind {
	case EventProposal:
		e.setProposal(ev.Proposal)
	case EventProposalBlock:
		e.addProposalBlock(ev.Block)
	case EventVote:
		e.tryAddVote(ev.Vote, ev.PeerID)
	case EventTimeout:
		e.handleTimeout(ev.Timeout)
	}
}

// push enqueues ev for processing by the engine's single consumer
// loop; safe to call from any goroutine.
func (e *Engine) push(ev Event) {
	e.queue.Push(ev)
}

// PushProposal is the Reactor's entry point for a received Proposal.
func (e *Engine) PushProposal(peerID string, p *types.Proposal) {
	e.push(Event{Kind: EventProposal, PeerID: peerID, Proposal: p})
}

// PushProposalBlock is the Reactor's entry point for a received block.
func (e *Engine) PushProposalBlock(peerID string, b *types.Block) {
	e.push(Event{Kind: EventProposalBlock, PeerID: peerID, Block: b})
}

// PushVote is the Reactor's entry point for a received Vote.
func (e *Engine) PushVote(peerID string, v *types.Vote) {
	e.push(Event{Kind: EventVote, PeerID: peerID, Vote: v})
}

// setProposal admits a freshly received Proposal into the round state
// once, validating height/round, POLRound range, and the proposer's
// signature.
func (e *Engine) setProposal(p *types.Proposal) {
	if e.rs.Proposal != nil {
		return
	}
	if p.Height != e.rs.Height || p.Round != e.rs.Round {
		return
	}
	if p.POLRound < -1 || p.POLRound >= p.Round {
		e.logger.Debug("rejecting proposal with invalid POLRound",
			zap.Int32("polRound", p.POLRound), zap.Int32("round", p.Round))
		return
	}
	proposer := e.rs.Validators.Proposer()
	if proposer == nil {
		return
	}
	if err := p.ValidateSignature(e.cfg.ChainID, proposer.Address); err != nil {
		e.logger.Debug("rejecting proposal with bad signature", zap.Error(err))
		return
	}

	e.rs.Proposal = p
	e.rs.ProposalBlockHash = p.BlockHash

	if e.rs.ProposalBlock == nil && e.transport != nil {
		// Block bytes haven't arrived yet. No request is sent; the block
		// is admitted when a ProposalBlock message for this hash arrives.
		e.logger.Debug("proposal block not yet received", zap.Uint64("height", p.Height))
	}
}

// addProposalBlock admits the full block body matching the current
// proposal's hash, updates the valid-block/round bookkeeping if it
// already has a prevote majority, and advances the step if the
// proposal is now complete.
func (e *Engine) addProposalBlock(b *types.Block) {
	if e.rs.ProposalBlock != nil {
		return
	}
	h, err := b.Header.Hash()
	if err != nil {
		e.logger.Warn("failed to hash proposal block", zap.Error(err))
		return
	}
	if h != e.rs.ProposalBlockHash {
		return
	}
	e.rs.ProposalBlock = b

	if maj23, set := e.rs.Votes.Prevotes(e.rs.Round).HasTwoThirdsMajority(); set && maj23 == h && e.rs.ValidRound < e.rs.Round {
		e.rs.ValidRound = e.rs.Round
		e.rs.ValidBlock = b
	}

	if e.rs.Step <= StepPropose && e.isProposalComplete() {
		e.enterPrevote(e.rs.Height, e.rs.Round)
		if maj23, set := e.rs.Votes.Precommits(e.rs.Round).HasTwoThirdsMajority(); set && maj23 != types.ZeroHash {
			e.enterPrecommit(e.rs.Height, e.rs.Round)
		}
	}
	if e.rs.Step == StepCommit {
		e.tryFinalizeCommit(e.rs.Height)
	}
}

// isProposalComplete reports whether the current proposal and its block
// are both present, and — if the proposal cites a POLRound — that round
// actually has a prevote majority.
func (e *Engine) isProposalComplete() bool {
	if e.rs.Proposal == nil || e.rs.ProposalBlock == nil {
		return false
	}
	if e.rs.Proposal.POLRound < 0 {
		return true
	}
	_, ok := e.rs.Votes.Prevotes(e.rs.Proposal.POLRound).HasTwoThirdsMajority()
	return ok
}

// tryAddVote admits v into the round's vote tally, routing a genuine
// equivocation to the evidence pool instead of the usual prevote-path
// or precommit-path branches.
func (e *Engine) tryAddVote(v *types.Vote, peerID string) {
	e.cfg.Metrics.VotesReceived.Inc()
	quorumJustReached, err := e.rs.Votes.AddVote(v, peerID, e.rs.Round)
	if err != nil {
		if conflict, ok := err.(*ConflictingVotesError); ok {
			if conflict.VoteA.ValidatorAddr == e.cfg.Address {
				return
			}
			if addErr := e.evpool.AddEvidence(types.NewDuplicateVoteEvidence(conflict.VoteA, conflict.VoteB)); addErr != nil {
				e.logger.Debug("evidence rejected", zap.Error(addErr))
			}
			return
		}
		e.logger.Debug("dropping vote", zap.Error(err))
		return
	}

	switch v.Type {
	case types.VoteTypePrevote:
		e.onPrevoteAdded(v, quorumJustReached)
	case types.VoteTypePrecommit:
		e.onPrecommitAdded(v)
	}
}

func (e *Engine) onPrevoteAdded(v *types.Vote, quorumJustReached bool) {
	prevotes := e.rs.Votes.Prevotes(v.Round)

	if quorumJustReached {
		if maj23, ok := prevotes.HasTwoThirdsMajority(); ok {
			if e.rs.IsLocked() && e.rs.LockedRound < v.Round && v.Round <= e.rs.Round && maj23 != mustHash(e.rs.LockedBlock) {
				e.rs.Unlock()
			}
			if maj23 != types.ZeroHash && e.rs.ValidRound < v.Round && v.Round == e.rs.Round {
				if e.rs.ProposalBlockHash == maj23 {
					e.rs.ValidRound = v.Round
					e.rs.ValidBlock = e.rs.ProposalBlock
				} else {
					e.rs.ProposalBlock = nil
					e.rs.ProposalBlockHash = maj23
				}
			}
		}
	}

	switch {
	case e.rs.Round < v.Round && prevotes.HasTwoThirdsAny():
		e.enterNewRound(e.rs.Height, v.Round)
	case e.rs.Round == v.Round && e.rs.Step >= StepPrevote:
		if maj23, ok := prevotes.HasTwoThirdsMajority(); ok && (maj23 == types.ZeroHash || e.isProposalComplete()) {
			e.enterPrecommit(e.rs.Height, v.Round)
		} else if prevotes.HasTwoThirdsAny() {
			e.enterPrevoteWait(e.rs.Height, v.Round)
		}
	case e.rs.Proposal != nil && e.rs.Proposal.POLRound == v.Round && e.isProposalComplete():
		e.enterPrevote(e.rs.Height, e.rs.Round)
	}
}

func (e *Engine) onPrecommitAdded(v *types.Vote) {
	e.enterNewRound(e.rs.Height, v.Round)
	e.enterPrecommit(e.rs.Height, v.Round)

	precommits := e.rs.Votes.Precommits(v.Round)
	if maj23, ok := precommits.HasTwoThirdsMajority(); ok && maj23 != types.ZeroHash {
		e.enterCommit(e.rs.Height, v.Round)
		if e.cfg.SkipTimeoutCommit {
			e.tryFinalizeCommit(e.rs.Height)
		}
		return
	}
	if _, ok := precommits.HasTwoThirdsMajority(); !ok {
		e.enterPrecommitWait(e.rs.Height, v.Round)
		return
	}
	if precommits.HasTwoThirdsAny() {
		e.enterNewRound(e.rs.Height, v.Round)
		e.enterPrecommitWait(e.rs.Height, v.Round)
	}
}

func mustHash(b *types.Block) types.Hash {
	if b == nil {
		return types.ZeroHash
	}
	h, err := b.Header.Hash()
	if err != nil {
		return types.ZeroHash
	}
	return h
}
