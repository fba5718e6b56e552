package storage

import (
	"encoding/binary"

	"github.com/reimint-labs/reimint/internal/types"
)

// Key prefixes. Each namespace gets its own prefix so an iterator
// restricted to a prefix never crosses into another namespace.
var (
	prefixBlock      = []byte("blk/block/")
	prefixCommit     = []byte("blk/commit/")
	prefixTxLoc      = []byte("blk/txloc/")
	keyLatestHeight  = []byte("meta/latest_height")
	prefixState      = []byte("state/kv/")
	keyStateRoot     = []byte("state/root")
	prefixEvidPend   = []byte("evid/pending/")
	prefixEvidCommit = []byte("evid/committed/")
)

func heightBytes(height uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, height)
	return b
}

func blockKey(height uint64) []byte {
	return append(append([]byte{}, prefixBlock...), heightBytes(height)...)
}

func commitKey(height uint64) []byte {
	return append(append([]byte{}, prefixCommit...), heightBytes(height)...)
}

func txLocKey(txHash types.Hash) []byte {
	return append(append([]byte{}, prefixTxLoc...), txHash[:]...)
}

func stateKey(key []byte) []byte {
	return append(append([]byte{}, prefixState...), key...)
}

// evidenceKey matches the wire key shape height || keccak256(RLP(evidence)):
// the height-major prefix keeps an evidence namespace's keys ordered by
// the height they were recorded or committed at.
func evidenceKey(prefix []byte, height uint64, evHash types.Hash) []byte {
	k := append(append([]byte{}, prefix...), heightBytes(height)...)
	return append(k, evHash[:]...)
}

func encodeTxLoc(height uint64, index int) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint64(b[:8], height)
	binary.BigEndian.PutUint32(b[8:], uint32(index))
	return b
}

func decodeTxLoc(b []byte) (height uint64, index int) {
	return binary.BigEndian.Uint64(b[:8]), int(binary.BigEndian.Uint32(b[8:]))
}
