//go:build tools

package reimint

// This file keeps module dependencies tracked in go.mod. Of those listed,
// only wasmtime-go is not imported by application code; the others are
// also imported by packages under internal/.
//
// See: https://github.com/golang/go/wiki/Modules#how-can-i-track-tool-dependencies-for-a-module

import (
	_ "github.com/bytecodealliance/wasmtime-go/v29"
	_ "github.com/cockroachdb/pebble"
	_ "github.com/ethereum/go-ethereum/rlp"
	_ "github.com/libp2p/go-libp2p"
	_ "github.com/pelletier/go-toml/v2"
	_ "github.com/prometheus/client_golang/prometheus"
	_ "go.uber.org/zap"
)
