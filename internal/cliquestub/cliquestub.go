// Package cliquestub stands in for the Clique signer-rotation consensus
// engine. Its internals are an explicit non-goal; this package exists
// only so internal/node can name a second engine alongside Reimint and
// demonstrate pluggable engine selection by configuration.
package cliquestub

import (
	"context"
	"errors"
)

// Engine satisfies the same minimal selection surface as the Reimint
// engine (node.ConsensusEngine) without implementing signer-rotation
// semantics.
type Engine struct{}

// New returns a Clique engine stub.
func New() *Engine {
	return &Engine{}
}

// Name identifies the engine for logging and config selection.
func (e *Engine) Name() string {
	return "clique"
}

// Start always fails: signer-rotation consensus is not implemented.
func (e *Engine) Start(_ context.Context) error {
	return errors.New("cliquestub: clique consensus engine is not implemented")
}
