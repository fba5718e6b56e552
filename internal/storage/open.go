package storage

import (
	"fmt"

	"github.com/reimint-labs/reimint/internal/config"
)

// OpenStore opens the Store backend named by cfg.Backend: "pebble" for
// the durable, disk-backed implementation at cfg.DBPath, or "memory"
// for an ephemeral in-process store used in tests and throwaway runs.
func OpenStore(cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "", "pebble":
		return OpenPebbleStore(cfg.DBPath)
	case "memory":
		return NewMemStore(), nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}
