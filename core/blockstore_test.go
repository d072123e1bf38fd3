package core

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*BlockStore, *MemoryKV) {
	t.Helper()
	clk := testClock()
	bus, keys, _ := testBus(t, clk)
	kv := NewMemoryKV()
	return NewBlockStore(kv, bus, keys, clk, zap.NewNop().Sugar()), kv
}

func storedBlock(t *testing.T, height uint64) *Block {
	t.Helper()
	priv, _ := crypto.GenerateKey()
	return &Block{
		Header: BlockHeader{Height: height, Timestamp: testEpoch.Unix()},
		Transactions: []*Transaction{
			testTx(t, priv, Address{1}, 1, 0, 2),
			testTx(t, priv, Address{2}, 2, 1, 2),
		},
	}
}

func TestBlockStoreRoundTrip(t *testing.T) {
	bs, _ := newTestStore(t)
	blk := storedBlock(t, 3)
	merkle, state := Hash{0x0a}, Hash{0x0b}

	if err := bs.StoreBlock(blk, merkle, state); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := bs.GetBlock(blk.Hash())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Hash() != blk.Hash() || len(got.Transactions) != 2 {
		t.Fatal("stored block mismatch")
	}

	byHeight, err := bs.GetBlockByHeight(3)
	if err != nil || byHeight.Hash() != blk.Hash() {
		t.Fatalf("height index: %v", err)
	}

	hashes, err := bs.TxHashes(blk.Hash())
	if err != nil || len(hashes) != 2 || hashes[0] != blk.Transactions[0].HashTx() {
		t.Fatalf("tx hashes: %v", err)
	}

	m, s, err := bs.Roots(blk.Hash())
	if err != nil || m != merkle || s != state {
		t.Fatalf("roots: %v %s %s", err, m.Hex(), s.Hex())
	}

	tip, err := bs.Height()
	if err != nil || tip != 3 {
		t.Fatalf("tip: %v %d", err, tip)
	}
}

// Atomicity: a failed batch leaves no key behind.
func TestBlockStoreAtomicWrite(t *testing.T) {
	bs, kv := newTestStore(t)
	blk := storedBlock(t, 1)
	kv.FailNextWrite(errors.New("power loss"))

	if err := bs.StoreBlock(blk, Hash{1}, Hash{2}); err == nil {
		t.Fatal("failed write reported success")
	}
	if bs.Has(blk.Hash()) {
		t.Fatal("partial block visible after failed batch")
	}
	if _, err := bs.TxHashes(blk.Hash()); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("tx index visible after failed batch: %v", err)
	}
	if _, err := bs.Height(); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("tip advanced by failed batch: %v", err)
	}
}
