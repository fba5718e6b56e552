package execution

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/reimint-labs/reimint/internal/config"
	"github.com/reimint-labs/reimint/internal/storage"
	"github.com/reimint-labs/reimint/internal/types"
)

// Sandbox wraps block execution. When no WASM artifact is loaded it runs
// a deterministic Go-native executor that computes state roots from
// transactions. WASM execution itself is not implemented: with an
// artifact loaded, Execute returns an error.
type Sandbox struct {
	cfg      config.ExecutionConfig
	wasmCode []byte // loaded WASM bytes, nil if no artifact available
}

// NewSandbox creates a new execution sandbox.
// If the WASM artifact exists, it loads it for future execution.
// If not, it operates in native mode using a deterministic Go executor.
func NewSandbox(cfg config.ExecutionConfig) (*Sandbox, error) {
	s := &Sandbox{cfg: cfg}

	// Try to load WASM artifact.
	if cfg.WASMPath != "" {
		data, err := os.ReadFile(cfg.WASMPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("execution: read wasm: %w", err)
			}
			// WASM file not found — will use native executor.
		} else {
			s.wasmCode = data
		}
	}

	return s, nil
}

// Execute runs block execution in the sandbox, returning the resulting
// state root and gas consumed. If a WASM artifact is loaded, it returns
// executeWASM's not-implemented error and does not fall back to the
// native executor. Otherwise, it uses the deterministic native executor.
func (s *Sandbox) Execute(ctx context.Context, block *types.Block, prevStateRoot types.Hash, stateStore storage.StateStore) (types.Hash, uint64, error) {
	if s.wasmCode != nil {
		return s.executeWASM(ctx, block, prevStateRoot, stateStore)
	}
	return s.executeNative(ctx, block, prevStateRoot, stateStore)
}

// executeWASM is the WASM execution path. It does not run the module; a
// wasmtime-go implementation would:
//  1. Create wasmtime.Engine with fuel metering
//  2. Compile module from s.wasmCode
//  3. Create Store with fuel limits (s.cfg.FuelLimit)
//  4. Create Linker and register host functions
//  5. Instantiate module
//  6. Call reimint_init export
//  7. Write ExecutionRequest to guest memory
//  8. Call reimint_execute_block export
//  9. Read ExecutionResponse from guest memory
//  10. Call reimint_free export
//
// It always returns an error, which Execute passes to its caller.
func (s *Sandbox) executeWASM(ctx context.Context, block *types.Block, prevStateRoot types.Hash, stateStore storage.StateStore) (types.Hash, uint64, error) {
	return types.Hash{}, 0, errors.New("execution: WASM execution not yet implemented — use native executor or provide mock")
}

// executeNative is a deterministic Go-native executor.
// It computes state transitions and a new state root without WASM.
//
// State root computation:
//  1. Apply each transaction to state (key = sha256(tx), value = tx)
//  2. Compute new state root from the ordered state entries
//
// This is deterministic: same (prevStateRoot, block) → same result.
func (s *Sandbox) executeNative(ctx context.Context, block *types.Block, prevStateRoot types.Hash, stateStore storage.StateStore) (types.Hash, uint64, error) {
	var gasUsed uint64
	writes := make(map[string][]byte)

	for _, tx := range block.Transactions {
		select {
		case <-ctx.Done():
			return types.Hash{}, 0, ctx.Err()
		default:
		}

		// Per-tx gas: 1000 base + 1 per byte.
		txGas := uint64(1000) + uint64(len(tx))
		gasUsed += txGas

		if s.cfg.GasLimit > 0 && gasUsed > s.cfg.GasLimit {
			return types.Hash{}, 0, fmt.Errorf("execution: gas limit exceeded: %d > %d", gasUsed, s.cfg.GasLimit)
		}

		// Apply tx to state: key = sha256(tx_data), value = tx_data.
		txKey := sha256.Sum256(tx)
		writes[string(txKey[:])] = tx
	}

	// Apply writes to state store.
	if stateStore != nil && len(writes) > 0 {
		if err := stateStore.ApplyWriteSet(writes); err != nil {
			return types.Hash{}, 0, fmt.Errorf("execution: apply writes: %w", err)
		}
	}

	// Compute new state root deterministically.
	newRoot := computeStateRoot(prevStateRoot, block.Transactions)

	// Persist state root.
	if stateStore != nil {
		if err := stateStore.SetStateRoot(newRoot); err != nil {
			return types.Hash{}, 0, fmt.Errorf("execution: set state root: %w", err)
		}
	}

	return newRoot, gasUsed, nil
}

// computeStateRoot computes a deterministic state root from the previous root
// and the list of transactions. This is a simplified version that
// hashes: prevStateRoot || numTxs || sorted(sha256(tx_i)). An empty
// transaction list returns prevRoot unchanged.
func computeStateRoot(prevRoot types.Hash, txs [][]byte) types.Hash {
	if len(txs) == 0 {
		return prevRoot
	}

	// Collect sorted tx hashes for determinism.
	txHashes := make([][32]byte, len(txs))
	for i, tx := range txs {
		txHashes[i] = sha256.Sum256(tx)
	}
	sort.Slice(txHashes, func(i, j int) bool {
		for k := range 32 {
			if txHashes[i][k] != txHashes[j][k] {
				return txHashes[i][k] < txHashes[j][k]
			}
		}
		return false
	})

	// Hash: prevRoot(32) || numTxs(8) || txHash_0(32) || txHash_1(32) || ...
	buf := make([]byte, 32+8+32*len(txHashes))
	copy(buf[0:32], prevRoot[:])
	binary.BigEndian.PutUint64(buf[32:40], uint64(len(txHashes)))
	for i, h := range txHashes {
		copy(buf[40+32*i:40+32*(i+1)], h[:])
	}

	return sha256.Sum256(buf)
}

// Close releases sandbox resources.
func (s *Sandbox) Close() error {
	s.wasmCode = nil
	return nil
}
