package consensus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/reimint-labs/reimint/internal/types"
)

// peerRoundState is what the Reactor remembers about a peer's own
// round-state announcements, used to target gossip (e.g. only answer
// GetProposalBlock from a peer that claims to want it) rather than
// flood every message to every peer.
type peerRoundState struct {
	Height uint64
	Round  int32
	Step   uint8
}

// Reactor demultiplexes inbound wire envelopes per peer into Engine
// events, and is the Transport the Engine broadcasts through — both
// directions exist on the same type because gossiping a message this
// node generated and handling one a peer sent share the same encode
// path.
type Reactor struct {
	mu     sync.Mutex
	logger *zap.Logger

	engine *Engine
	send   func(peerID string, raw []byte) error
	peers  map[string]*peerRoundState
}

// NewReactor creates a Reactor bound to engine, using send to deliver
// framed bytes to a specific peer (the P2P layer's per-peer stream
// write, dependency-injected so this package stays transport-agnostic).
func NewReactor(engine *Engine, logger *zap.Logger, send func(peerID string, raw []byte) error) *Reactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reactor{
		logger: logger,
		engine: engine,
		send:   send,
		peers:  make(map[string]*peerRoundState),
	}
}

// BindEngine attaches engine to a Reactor constructed before the Engine
// existed, breaking the construction cycle between the two (the Engine
// needs a Transport at construction, and Reactor is that Transport, but
// Reactor's inbound dispatch needs a live Engine to push events into).
// HandleMessage and replyProposalBlock no-op until this is called.
func (r *Reactor) BindEngine(engine *Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engine = engine
}

// AddPeer registers a newly connected peer.
func (r *Reactor) AddPeer(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[peerID] = &peerRoundState{}
}

// RemovePeer forgets a disconnected peer.
func (r *Reactor) RemovePeer(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peerID)
}

// HandleMessage decodes a raw wire envelope from peerID and dispatches
// it into the Engine's event queue.
func (r *Reactor) HandleMessage(peerID string, raw []byte) {
	r.mu.Lock()
	engine := r.engine
	r.mu.Unlock()
	if engine == nil {
		r.logger.Debug("dropping message received before engine was bound", zap.String("peer", peerID))
		return
	}

	code, decode, err := DecodeMessage(raw)
	if err != nil {
		r.logger.Debug("dropping malformed envelope", zap.String("peer", peerID), zap.Error(err))
		return
	}

	switch code {
	case CodeProposal:
		var p types.Proposal
		if err := decode(&p); err != nil {
			r.logger.Debug("bad proposal payload", zap.Error(err))
			return
		}
		engine.PushProposal(peerID, &p)

	case CodeProposalBlock:
		var b types.Block
		if err := decode(&b); err != nil {
			r.logger.Debug("bad proposal block payload", zap.Error(err))
			return
		}
		engine.PushProposalBlock(peerID, &b)

	case CodeVote:
		var v types.Vote
		if err := decode(&v); err != nil {
			r.logger.Debug("bad vote payload", zap.Error(err))
			return
		}
		engine.PushVote(peerID, &v)

	case CodeNewRoundStep:
		var m NewRoundStepMessage
		if err := decode(&m); err != nil {
			return
		}
		r.mu.Lock()
		if ps, ok := r.peers[peerID]; ok {
			ps.Height, ps.Round, ps.Step = m.Height, m.Round, m.Step
		}
		r.mu.Unlock()

	case CodeVoteSetMaj23:
		var m VoteSetMaj23Message
		if err := decode(&m); err != nil {
			return
		}
		engine.SetPeerMaj23(peerID, m.Round, m.Type, m.BlockHash)

	case CodeGetProposalBlock:
		var m GetProposalBlockMessage
		if err := decode(&m); err != nil {
			return
		}
		r.replyProposalBlock(peerID, m.BlockHash)

	case CodeHasVote, CodeProposalPOL, CodeNewValidBlock, CodeVoteSetBits:
		// Gossip-efficiency hints only; dropped safely if unhandled since
		// honest peers retransmit votes/proposals on their own timers.
	}
}

func (r *Reactor) replyProposalBlock(peerID string, hash types.Hash) {
	r.mu.Lock()
	engine := r.engine
	r.mu.Unlock()
	if engine == nil {
		return
	}
	rs := engine.RoundStateSnapshot()
	if rs.ProposalBlock == nil {
		return
	}
	h, err := rs.ProposalBlock.Header.Hash()
	if err != nil || h != hash {
		return
	}
	r.BroadcastBlockPartTo(peerID, rs.Height, rs.Round, rs.ProposalBlock)
}

// BroadcastProposal implements Transport by framing and sending a
// Proposal to every known peer.
func (r *Reactor) BroadcastProposal(p *types.Proposal) error {
	raw, err := EncodeMessage(CodeProposal, p)
	if err != nil {
		return err
	}
	r.broadcast(raw)
	return nil
}

// BroadcastVote implements Transport.
func (r *Reactor) BroadcastVote(v *types.Vote) error {
	raw, err := EncodeMessage(CodeVote, v)
	if err != nil {
		return err
	}
	r.broadcast(raw)
	return nil
}

// BroadcastBlockPart implements Transport by sending the full proposal
// block to every known peer.
func (r *Reactor) BroadcastBlockPart(height uint64, round int32, block *types.Block) error {
	raw, err := EncodeMessage(CodeProposalBlock, block)
	if err != nil {
		return err
	}
	r.broadcast(raw)
	return nil
}

// BroadcastBlockPartTo sends the proposal block to a single peer,
// answering its GetProposalBlock request.
func (r *Reactor) BroadcastBlockPartTo(peerID string, height uint64, round int32, block *types.Block) {
	raw, err := EncodeMessage(CodeProposalBlock, block)
	if err != nil {
		return
	}
	if r.send != nil {
		if err := r.send(peerID, raw); err != nil {
			r.logger.Debug("failed to send to peer", zap.String("peer", peerID), zap.Error(err))
		}
	}
}

func (r *Reactor) broadcast(raw []byte) {
	r.mu.Lock()
	peers := make([]string, 0, len(r.peers))
	for id := range r.peers {
		peers = append(peers, id)
	}
	r.mu.Unlock()

	if r.send == nil {
		return
	}
	for _, id := range peers {
		if err := r.send(id, raw); err != nil {
			r.logger.Debug("failed to send to peer", zap.String("peer", id), zap.Error(err))
		}
	}
}
