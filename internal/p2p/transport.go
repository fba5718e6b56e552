package p2p

import (
	"context"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/network"

	"github.com/reimint-labs/reimint/internal/consensus"
	"go.uber.org/zap"
)

// GossipBridge wires a consensus Reactor to a GossipSub topic: every
// message the Reactor wants sent (broadcast or peer-targeted) is
// published to the topic, and every message arriving on the topic is
// handed to the Reactor as though it came from a directly connected
// peer. Because GossipSub has no concept of send-to-one-peer, a
// peer-targeted send (e.g. a GetProposalBlock reply) is published the
// same way as a broadcast — other peers simply see a redundant message
// they already have.
type GossipBridge struct {
	host    *Host
	reactor *consensus.Reactor
	logger  *zap.Logger

	notifee *network.NotifyBundle
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewGossipBridge creates a bridge between host's GossipSub consensus
// topic and reactor. Call Start to begin relaying in both directions.
func NewGossipBridge(host *Host, logger *zap.Logger) *GossipBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &GossipBridge{host: host, logger: logger}
	b.reactor = consensus.NewReactor(nil, logger, b.send)
	return b
}

// Reactor returns the bridge's Reactor, pre-wired to publish outbound
// messages over GossipSub. Bind it to an Engine with BindEngine before
// starting the consensus engine.
func (b *GossipBridge) Reactor() *consensus.Reactor {
	return b.reactor
}

// BindEngine attaches engine to the bridge's Reactor so inbound gossip
// reaches the state machine.
func (b *GossipBridge) BindEngine(engine *consensus.Engine) {
	b.reactor.BindEngine(engine)
}

func (b *GossipBridge) send(peerID string, raw []byte) error {
	return b.host.gossip.Publish(context.Background(), TopicConsensus, raw)
}

// Start begins reading from the GossipSub consensus subscription and
// forwarding every message into the Reactor. It also tracks the host's
// connected peers in the Reactor's peer set: GossipSub has no
// send-to-one-peer primitive, so the Reactor's broadcast loop (one send
// call per tracked peer) is what actually triggers b.send's single
// topic-wide Publish — with zero peers tracked it would never fire.
func (b *GossipBridge) Start(ctx context.Context) error {
	sub, err := b.host.gossip.Subscribe(TopicConsensus)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	for _, pid := range b.host.LibP2PHost().Network().Peers() {
		b.reactor.AddPeer(pid.String())
	}
	b.notifee = &network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			b.reactor.AddPeer(conn.RemotePeer().String())
		},
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			b.reactor.RemovePeer(conn.RemotePeer().String())
		},
	}
	b.host.LibP2PHost().Network().Notify(b.notifee)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.readLoop(ctx, sub)
	}()
	return nil
}

// Stop shuts down the bridge's read loop.
func (b *GossipBridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.notifee != nil {
		b.host.LibP2PHost().Network().StopNotify(b.notifee)
	}
	b.wg.Wait()
}

func (b *GossipBridge) readLoop(ctx context.Context, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("gossip subscription error", zap.Error(err))
			return
		}
		if msg.ReceivedFrom == b.host.ID() {
			continue
		}
		b.reactor.HandleMessage(msg.ReceivedFrom.String(), msg.Data)
	}
}
