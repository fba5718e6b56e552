package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/reimint-labs/reimint/internal/config"
	"github.com/reimint-labs/reimint/internal/consensus"
	"github.com/reimint-labs/reimint/internal/storage"
	"github.com/reimint-labs/reimint/internal/types"
	"go.uber.org/zap"
)

// Compile-time check that WASMAdapter implements consensus.ExecutionAdapter.
var _ consensus.ExecutionAdapter = (*WASMAdapter)(nil)

// WASMAdapter implements consensus.ExecutionAdapter by fronting a WASM
// sandbox (or, absent a compiled artifact, a deterministic native
// fallback — see Sandbox) with the pipeline position a real
// EVM-compatible backend would occupy. EVM execution semantics are out
// of scope; what this package exercises is the adapter boundary itself:
// given a block and the previous state root, deterministically produce
// the next one.
type WASMAdapter struct {
	sandbox    *Sandbox
	cfg        config.ExecutionConfig
	stateStore storage.StateStore
	logger     *zap.Logger
}

// NewWASMAdapter creates a new WASM execution adapter, loading the WASM
// module from cfg.WASMPath if one is configured and present.
func NewWASMAdapter(cfg config.ExecutionConfig, stateStore storage.StateStore, logger *zap.Logger) (*WASMAdapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	sandbox, err := NewSandbox(cfg)
	if err != nil {
		return nil, fmt.Errorf("execution: create sandbox: %w", err)
	}

	return &WASMAdapter{
		sandbox:    sandbox,
		cfg:        cfg,
		stateStore: stateStore,
		logger:     logger,
	}, nil
}

// ExecuteBlock implements consensus.ExecutionAdapter: a pure function
// of (previous state root, block) to the next state root.
func (w *WASMAdapter) ExecuteBlock(ctx context.Context, block *types.Block, prevStateRoot types.Hash) (types.Hash, error) {
	if block == nil || block.Header == nil {
		return types.Hash{}, errors.New("execution: nil block")
	}

	w.logger.Debug("executing block",
		zap.Uint64("height", block.Header.Height),
		zap.Int("tx_count", len(block.Transactions)),
	)

	root, gasUsed, err := w.sandbox.Execute(ctx, block, prevStateRoot, w.stateStore)
	if err != nil {
		return types.Hash{}, fmt.Errorf("execution: block %d: %w", block.Header.Height, err)
	}

	w.logger.Debug("block executed",
		zap.Uint64("height", block.Header.Height),
		zap.Uint64("gas_used", gasUsed),
		zap.String("state_root", root.String()),
	)

	return root, nil
}

// Close releases sandbox resources.
func (w *WASMAdapter) Close() error {
	if w.sandbox != nil {
		return w.sandbox.Close()
	}
	return nil
}
