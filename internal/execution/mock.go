package execution

import (
	"context"
	"errors"

	"github.com/reimint-labs/reimint/internal/consensus"
	"github.com/reimint-labs/reimint/internal/types"
)

// Compile-time check that MockExecutor implements consensus.ExecutionAdapter.
var _ consensus.ExecutionAdapter = (*MockExecutor)(nil)

// MockExecutor implements consensus.ExecutionAdapter for testing.
// It returns a configurable result without actual WASM execution.
type MockExecutor struct {
	NextStateRoot types.Hash
	ShouldFail    bool
	FailError     error

	// CallCount tracks how many times ExecuteBlock was called.
	CallCount int
	// LastBlock records the most recent block passed to ExecuteBlock.
	LastBlock *types.Block
	// LastPrevRoot records the most recent prevStateRoot.
	LastPrevRoot types.Hash
}

// NewMockExecutor creates a MockExecutor with default settings.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{}
}

// ExecuteBlock implements consensus.ExecutionAdapter.
func (m *MockExecutor) ExecuteBlock(ctx context.Context, block *types.Block, prevStateRoot types.Hash) (types.Hash, error) {
	m.CallCount++
	m.LastBlock = block
	m.LastPrevRoot = prevStateRoot

	if m.ShouldFail {
		if m.FailError != nil {
			return types.Hash{}, m.FailError
		}
		return types.Hash{}, errors.New("mock: execution failed")
	}

	return m.NextStateRoot, nil
}
