package node

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"go.uber.org/zap"

	"github.com/reimint-labs/reimint/internal/cliquestub"
	"github.com/reimint-labs/reimint/internal/config"
	"github.com/reimint-labs/reimint/internal/consensus"
	nodecrypto "github.com/reimint-labs/reimint/internal/crypto"
	"github.com/reimint-labs/reimint/internal/execution"
	"github.com/reimint-labs/reimint/internal/mempool"
	"github.com/reimint-labs/reimint/internal/p2p"
	"github.com/reimint-labs/reimint/internal/staking"
	"github.com/reimint-labs/reimint/internal/storage"
	"github.com/reimint-labs/reimint/internal/telemetry"
	"github.com/reimint-labs/reimint/internal/types"
)

// ConsensusEngine is the minimal surface a pluggable consensus engine
// offers the node: a name for logging/config and a way to start it. The
// Reimint engine and the cliquestub stub both satisfy it, letting
// cfg.Consensus.Engine pick between them without internal/node
// depending on either concretely beyond this interface.
type ConsensusEngine interface {
	Name() string
	Start(ctx context.Context) error
}

// reimintEngine adapts *consensus.Engine (whose Start/Stop return
// nothing — the engine's event loop runs for the life of the process,
// and failures inside it are logged rather than surfaced as a return
// value) to ConsensusEngine.
type reimintEngine struct {
	engine *consensus.Engine
}

func (r *reimintEngine) Name() string { return "reimint" }

func (r *reimintEngine) Start(ctx context.Context) error {
	r.engine.Start(ctx)
	return nil
}

// Node is the top-level Reimint node: it owns storage, the mempool, the
// execution adapter, the P2P host, and the consensus engine, and wires
// them together through the narrow interfaces each package exposes.
type Node struct {
	cfg    *config.Config
	key    *nodecrypto.KeyPair
	valSet *types.ValidatorSet

	store    storage.Store
	mempool  *mempool.Mempool
	executor *execution.WASMAdapter
	staking  *staking.Reader
	pipeline *blockPipeline

	host   *p2p.Host
	bridge *p2p.GossipBridge

	engine       *consensus.Engine
	activeEngine ConsensusEngine

	metrics    *telemetry.Metrics
	metricsSrv *telemetry.MetricsServer

	svcMgr *ServiceManager
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewNode creates and wires all subsystems without starting them.
func NewNode(cfg *config.Config, key *nodecrypto.KeyPair, valSet *types.ValidatorSet, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("node_id", key.Address.Hex()))

	store, err := storage.OpenStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}

	stakingReader := staking.NewReader(store)
	if _, err := stakingReader.ValidatorSetAt(types.ZeroHash); err != nil {
		if err := stakingReader.SetValidatorSetAt(types.ZeroHash, valSet); err != nil {
			store.Close()
			return nil, fmt.Errorf("node: seed genesis validator set: %w", err)
		}
	}

	executor, err := execution.NewWASMAdapter(cfg.Execution, store, logger.Named("execution"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("node: create execution adapter: %w", err)
	}

	mp := mempool.NewMempool(cfg.Mempool, store, logger.Named("mempool"))

	metrics := telemetry.NopMetrics()
	var metricsSrv *telemetry.MetricsServer
	if cfg.Telemetry.Enabled {
		metrics = telemetry.NewMetrics("reimint")
		metricsSrv = telemetry.NewMetricsServer(cfg.Telemetry.Addr, metrics, logger.Named("metrics"))
	}

	pipeline := newBlockPipeline(cfg.ChainID, key, store, executor, mp, stakingReader, logger.Named("pipeline"))

	peerKey, err := generatePeerIdentity()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("node: generate p2p identity: %w", err)
	}
	host, err := p2p.NewHost(context.Background(), p2p.HostConfig{
		PrivateKey:    peerKey,
		ListenAddr:    cfg.P2P.ListenAddr,
		MaxPeers:      cfg.P2P.MaxPeers,
		Seeds:         cfg.P2P.Seeds,
		EnableScoring: cfg.P2P.PeerScoring,
		Logger:        logger.Named("p2p"),
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("node: create p2p host: %w", err)
	}
	bridge := p2p.NewGossipBridge(host, logger.Named("gossip"))

	height, err := store.GetLatestHeight()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("node: read latest height: %w", err)
	}
	engine := consensus.NewEngine(consensus.EngineConfig{
		ChainID:       cfg.ChainID,
		Address:       key.Address,
		Pipeline:      pipeline,
		Transport:     bridge.Reactor(),
		EvidenceStore: store,
		Logger:        logger.Named("consensus"),
		Metrics:       metrics,
		Timeouts:      timeoutParamsFrom(cfg.Consensus),
	}, height+1, valSet)
	bridge.BindEngine(engine)

	var activeEngine ConsensusEngine = &reimintEngine{engine: engine}
	if cfg.Consensus.Engine == "clique" {
		activeEngine = cliquestub.New()
	}

	return &Node{
		cfg:          cfg,
		key:          key,
		valSet:       valSet,
		store:        store,
		mempool:      mp,
		executor:     executor,
		staking:      stakingReader,
		pipeline:     pipeline,
		host:         host,
		bridge:       bridge,
		engine:       engine,
		activeEngine: activeEngine,
		metrics:      metrics,
		metricsSrv:   metricsSrv,
		svcMgr:       NewServiceManager(logger),
		logger:       logger,
		done:         make(chan struct{}),
	}, nil
}

// timeoutParamsFrom maps the node's flat per-phase consensus timeouts
// onto the engine's base/delta pairs. The config carries one timeout per
// phase rather than a base+delta pair, so delta is left at zero —
// round-dependent timeout growth isn't exposed as a config knob.
func timeoutParamsFrom(cfg config.ConsensusConfig) consensus.TimeoutParams {
	return consensus.TimeoutParams{
		ProposeBase:   cfg.TimeoutPropose.Duration,
		PrevoteBase:   cfg.TimeoutVote.Duration,
		PrecommitBase: cfg.TimeoutVote.Duration,
		CommitTimeout: cfg.TimeoutCommit.Duration,
	}
}

// generatePeerIdentity creates a random Ed25519 libp2p host identity,
// distinct from the node's secp256k1 validator signing key: the two
// serve unrelated roles (transport-layer peer ID vs. chain identity)
// and must not be conflated.
func generatePeerIdentity() ([]byte, error) {
	_, priv, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	return priv.Raw()
}

// Start boots all subsystems in dependency order: P2P host, then gossip
// bridge, then the consensus engine, then telemetry.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.logger.Info("node starting",
		zap.String("moniker", n.cfg.Moniker),
		zap.String("chain_id", n.cfg.ChainID),
		zap.String("engine", n.activeEngine.Name()),
	)

	if err := n.host.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("node: start p2p host: %w", err)
	}

	if err := n.bridge.Start(ctx); err != nil {
		n.host.Stop()
		cancel()
		return fmt.Errorf("node: start gossip bridge: %w", err)
	}

	if err := n.activeEngine.Start(ctx); err != nil {
		n.bridge.Stop()
		n.host.Stop()
		cancel()
		return fmt.Errorf("node: start consensus engine: %w", err)
	}

	if n.metricsSrv != nil {
		go func() {
			if err := n.metricsSrv.Start(); err != nil {
				n.logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	n.logger.Info("node started successfully")
	return nil
}

// Stop gracefully shuts down the consensus engine, gossip bridge, P2P
// host, metrics server, execution adapter and store, in that order. It
// is safe to call more than once.
func (n *Node) Stop() error {
	n.once.Do(func() {
		n.logger.Info("node stopping")

		if n.cancel != nil {
			n.cancel()
		}
		if n.engine != nil {
			n.engine.Stop()
		}
		if n.bridge != nil {
			n.bridge.Stop()
		}
		if n.host != nil {
			n.host.Stop()
		}
		if n.metricsSrv != nil {
			n.metricsSrv.Stop()
		}
		if n.executor != nil {
			n.executor.Close()
		}
		if n.store != nil {
			n.store.Close()
		}

		n.logger.Info("node stopped")
		close(n.done)
	})
	return nil
}

// Wait blocks until the node has fully stopped.
func (n *Node) Wait() {
	<-n.done
}

// Store returns the node's storage backend, for tests.
func (n *Node) Store() storage.Store {
	return n.store
}

// Engine returns the Reimint consensus engine, for tests. It is nil if
// the node was configured to run the clique stub instead.
func (n *Node) Engine() *consensus.Engine {
	return n.engine
}
