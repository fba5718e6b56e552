package storage

import (
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/reimint-labs/reimint/internal/types"
)

func testBlock(height uint64, txs [][]byte) (*types.Block, *types.Commit) {
	block := &types.Block{
		Header: &types.BlockHeader{
			Height:     height,
			ParentHash: types.Hash{byte(height)},
			StateRoot:  types.Hash{0xAB},
			ChainID:    "reimint-test",
		},
		Transactions: txs,
	}
	commit := &types.Commit{
		Round:     0,
		BlockHash: types.Hash{byte(height + 1)},
	}
	return block, commit
}

func testEvidence(t *testing.T, height uint64) *types.DuplicateVoteEvidence {
	t.Helper()
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	a := &types.Vote{Height: height, Round: 0, Type: types.VoteTypePrevote, BlockHash: types.Hash{1}}
	b := &types.Vote{Height: height, Round: 0, Type: types.VoteTypePrevote, BlockHash: types.Hash{2}}
	if err := types.SignVote(a, priv); err != nil {
		t.Fatalf("sign vote a: %v", err)
	}
	if err := types.SignVote(b, priv); err != nil {
		t.Fatalf("sign vote b: %v", err)
	}
	return types.NewDuplicateVoteEvidence(a, b)
}

func runStoreSuite(t *testing.T, store Store) {
	t.Helper()

	h, err := store.GetLatestHeight()
	if err != nil {
		t.Fatalf("GetLatestHeight: %v", err)
	}
	if h != 0 {
		t.Fatalf("expected empty store to report height 0, got %d", h)
	}

	block, commit := testBlock(1, [][]byte{[]byte("tx-a"), []byte("tx-b")})
	if err := store.PutBlock(block, commit); err != nil {
		t.Fatalf("PutBlock: %v", err)
	}

	h, err = store.GetLatestHeight()
	if err != nil || h != 1 {
		t.Fatalf("GetLatestHeight after put = (%d, %v), want (1, nil)", h, err)
	}

	gotBlock, err := store.GetBlock(1)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if gotBlock.Header.Height != 1 || len(gotBlock.Transactions) != 2 {
		t.Fatalf("GetBlock returned unexpected block: %+v", gotBlock.Header)
	}

	gotCommit, err := store.GetCommit(1)
	if err != nil {
		t.Fatalf("GetCommit: %v", err)
	}
	if gotCommit.BlockHash != commit.BlockHash {
		t.Fatalf("GetCommit hash mismatch: got %s want %s", gotCommit.BlockHash, commit.BlockHash)
	}

	txHash := crypto.Keccak256Hash([]byte("tx-b"))
	height, idx, err := store.GetTxLocation(txHash)
	if err != nil {
		t.Fatalf("GetTxLocation: %v", err)
	}
	if height != 1 || idx != 1 {
		t.Fatalf("GetTxLocation = (%d, %d), want (1, 1)", height, idx)
	}

	if err := store.Put([]byte("nonce/abc"), []byte{0, 0, 0, 0, 0, 0, 0, 1}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	val, err := store.Get([]byte("nonce/abc"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(val) != 8 || val[7] != 1 {
		t.Fatalf("Get returned %v, want 8-byte nonce ending in 1", val)
	}

	if err := store.ApplyWriteSet(map[string][]byte{"k1": []byte("v1"), "k2": []byte("v2")}); err != nil {
		t.Fatalf("ApplyWriteSet: %v", err)
	}
	if v, _ := store.Get([]byte("k1")); string(v) != "v1" {
		t.Fatalf("Get(k1) = %q, want v1", v)
	}

	root := types.Hash{0xCD}
	if err := store.SetStateRoot(root); err != nil {
		t.Fatalf("SetStateRoot: %v", err)
	}
	gotRoot, err := store.GetStateRoot()
	if err != nil || gotRoot != root {
		t.Fatalf("GetStateRoot = (%s, %v), want (%s, nil)", gotRoot, err, root)
	}

	ev := testEvidence(t, 5)
	if err := store.PutPendingEvidence(ev); err != nil {
		t.Fatalf("PutPendingEvidence: %v", err)
	}
	pending, err := store.PendingEvidence()
	if err != nil {
		t.Fatalf("PendingEvidence: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("PendingEvidence = %d items, want 1", len(pending))
	}

	if err := store.PutCommittedEvidence(6, ev); err != nil {
		t.Fatalf("PutCommittedEvidence: %v", err)
	}
	pending, err = store.PendingEvidence()
	if err != nil {
		t.Fatalf("PendingEvidence after commit: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("PendingEvidence after commit = %d items, want 0", len(pending))
	}
}

func TestMemStore(t *testing.T) {
	runStoreSuite(t, NewMemStore())
}

func TestPebbleStore(t *testing.T) {
	dir, err := os.MkdirTemp("", "reimint-pebble-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(dir)

	store, err := OpenPebbleStore(dir)
	if err != nil {
		t.Fatalf("OpenPebbleStore: %v", err)
	}
	defer store.Close()

	runStoreSuite(t, store)
}

func TestPebbleStoreReopenPreservesState(t *testing.T) {
	dir, err := os.MkdirTemp("", "reimint-pebble-reopen-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(dir)

	store, err := OpenPebbleStore(dir)
	if err != nil {
		t.Fatalf("OpenPebbleStore: %v", err)
	}
	block, commit := testBlock(3, nil)
	if err := store.PutBlock(block, commit); err != nil {
		t.Fatalf("PutBlock: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenPebbleStore(dir)
	if err != nil {
		t.Fatalf("reopen OpenPebbleStore: %v", err)
	}
	defer reopened.Close()

	h, err := reopened.GetLatestHeight()
	if err != nil || h != 3 {
		t.Fatalf("GetLatestHeight after reopen = (%d, %v), want (3, nil)", h, err)
	}
}
