package core

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func newTestPool(t *testing.T, cfg MempoolConfig) *TxPool {
	t.Helper()
	return NewTxPool(cfg, NewSignatureVerifier(testLogger()), testLogger())
}

func TestMempoolAdmissionAndDedup(t *testing.T) {
	pool := newTestPool(t, DefaultMempoolConfig())
	priv, _ := crypto.GenerateKey()
	tx := testTx(t, priv, Address{1}, 100, 0, 10)

	if err := pool.AddTx(tx); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := pool.AddTx(tx); err == nil {
		t.Fatal("duplicate admitted")
	}
	if pool.Len() != 1 {
		t.Fatalf("pool size %d", pool.Len())
	}
}

func TestMempoolRejectsBadSignatureAndLowFee(t *testing.T) {
	cfg := DefaultMempoolConfig()
	cfg.MinGasPrice = 5
	pool := newTestPool(t, cfg)
	priv, _ := crypto.GenerateKey()

	lowFee := testTx(t, priv, Address{1}, 1, 0, 4)
	if err := pool.AddTx(lowFee); err == nil {
		t.Fatal("below-floor gas price admitted")
	}

	tampered := testTx(t, priv, Address{1}, 1, 0, 10)
	tampered.Value = 999
	tampered.InvalidateHash()
	if err := pool.AddTx(tampered); err == nil {
		t.Fatal("tampered transaction admitted")
	}
}

func TestMempoolReplaceByFee(t *testing.T) {
	pool := newTestPool(t, DefaultMempoolConfig())
	priv, _ := crypto.GenerateKey()

	base := testTx(t, priv, Address{1}, 100, 0, 10)
	if err := pool.AddTx(base); err != nil {
		t.Fatalf("admit: %v", err)
	}
	// Equal fee does not replace.
	equal := testTx(t, priv, Address{2}, 100, 0, 10)
	if err := pool.AddTx(equal); err == nil {
		t.Fatal("equal-fee replacement admitted")
	}
	higher := testTx(t, priv, Address{2}, 100, 0, 20)
	if err := pool.AddTx(higher); err != nil {
		t.Fatalf("replacement refused: %v", err)
	}
	if _, _, ok := pool.Get(base.HashTx()); ok {
		t.Fatal("replaced transaction still resident")
	}
	if pool.Len() != 1 {
		t.Fatalf("pool size %d after replacement", pool.Len())
	}
}

func TestMempoolPerAccountCap(t *testing.T) {
	cfg := DefaultMempoolConfig()
	cfg.MaxPerAccount = 3
	pool := newTestPool(t, cfg)
	priv, _ := crypto.GenerateKey()

	for i := 0; i < 3; i++ {
		if err := pool.AddTx(testTx(t, priv, Address{1}, 1, uint64(i), 10)); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}
	if err := pool.AddTx(testTx(t, priv, Address{1}, 1, 3, 10)); err == nil {
		t.Fatal("over-cap transaction admitted")
	}
}

func TestMempoolFullEvictsOnlyForHigherFee(t *testing.T) {
	cfg := DefaultMempoolConfig()
	cfg.MaxTransactions = 2
	pool := newTestPool(t, cfg)

	privA, _ := crypto.GenerateKey()
	privB, _ := crypto.GenerateKey()
	privC, _ := crypto.GenerateKey()

	cheap := testTx(t, privA, Address{1}, 1, 0, 5)
	mid := testTx(t, privB, Address{1}, 1, 0, 10)
	if err := pool.AddTx(cheap); err != nil {
		t.Fatalf("admit cheap: %v", err)
	}
	if err := pool.AddTx(mid); err != nil {
		t.Fatalf("admit mid: %v", err)
	}

	sameFee := testTx(t, privC, Address{1}, 1, 0, 5)
	if err := pool.AddTx(sameFee); !errors.Is(err, ErrMempoolFull) {
		t.Fatalf("want ErrMempoolFull, got %v", err)
	}

	rich := testTx(t, privC, Address{1}, 1, 0, 50)
	if err := pool.AddTx(rich); err != nil {
		t.Fatalf("higher-fee admission refused: %v", err)
	}
	if _, _, ok := pool.Get(cheap.HashTx()); ok {
		t.Fatal("lowest-fee transaction survived eviction")
	}
}

// Round trip: admit → propose → rollback → propose → confirm removes
// exactly once; no duplicate confirmation and no wormhole shortcut.
func TestMempoolTwoPhaseCommit(t *testing.T) {
	pool := newTestPool(t, DefaultMempoolConfig())
	priv, _ := crypto.GenerateKey()
	tx := testTx(t, priv, Address{1}, 100, 0, 10)
	if err := pool.AddTx(tx); err != nil {
		t.Fatalf("admit: %v", err)
	}
	h := tx.HashTx()
	blockA := Hash{0xaa}
	blockB := Hash{0xbb}

	// Confirm without propose is the wormhole bypass: refused.
	if err := pool.Confirm(blockA, []Hash{h}); err == nil {
		t.Fatal("pending transaction confirmed directly")
	}

	if err := pool.Propose(blockA, []Hash{h}); err != nil {
		t.Fatalf("propose: %v", err)
	}
	// Double-propose refused.
	if err := pool.Propose(blockB, []Hash{h}); err == nil {
		t.Fatal("transaction proposed twice")
	}
	// Confirm against the wrong block refused.
	if err := pool.Confirm(blockB, []Hash{h}); err == nil {
		t.Fatal("confirmed under the wrong block hash")
	}

	pool.Rollback(blockA, []Hash{h})
	if _, state, _ := pool.Get(h); state != TxPending {
		t.Fatalf("state after rollback: %v", state)
	}

	if err := pool.Propose(blockB, []Hash{h}); err != nil {
		t.Fatalf("re-propose: %v", err)
	}
	if err := pool.Confirm(blockB, []Hash{h}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, _, ok := pool.Get(h); ok {
		t.Fatal("confirmed transaction still resident")
	}
	// Second confirmation is a no-op, not an error.
	if err := pool.Confirm(blockB, []Hash{h}); err != nil {
		t.Fatalf("duplicate confirm errored: %v", err)
	}
}

func TestMempoolSelectionRespectsNonceOrder(t *testing.T) {
	pool := newTestPool(t, DefaultMempoolConfig())
	priv, _ := crypto.GenerateKey()

	// Nonces 0..2 where the middle one pays the least.
	fees := []uint64{30, 5, 40}
	var hashes []Hash
	for nonce, fee := range fees {
		tx := testTx(t, priv, Address{1}, 1, uint64(nonce), fee)
		hashes = append(hashes, tx.HashTx())
		if err := pool.AddTx(tx); err != nil {
			t.Fatalf("admit %d: %v", nonce, err)
		}
	}

	selected := pool.SelectAndPropose(Hash{0xcc}, 10, 0)
	if len(selected) != 3 {
		t.Fatalf("selected %d, want 3", len(selected))
	}
	for i, tx := range selected {
		if tx.Nonce != uint64(i) {
			t.Fatalf("selection out of nonce order at %d: nonce %d", i, tx.Nonce)
		}
	}
	for _, h := range hashes {
		if _, state, _ := pool.Get(h); state != TxProposed {
			t.Fatalf("selected tx not proposed")
		}
	}
}

func TestMempoolSelectionSkipsNonceGap(t *testing.T) {
	pool := newTestPool(t, DefaultMempoolConfig())
	priv, _ := crypto.GenerateKey()

	// Nonce 1 without nonce 0: nothing is selectable.
	if err := pool.AddTx(testTx(t, priv, Address{1}, 1, 1, 10)); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if got := pool.SelectAndPropose(Hash{0xdd}, 10, 0); len(got) != 0 {
		t.Fatalf("selected %d across a nonce gap", len(got))
	}
}
