package core

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

// chainFixture builds a stored chain of the given length and returns
// finality wired to it.
func chainFixture(t *testing.T, length uint64) (*Finality, *BlockStore, []*Block, []Validator, [][]byte, *EventBus) {
	t.Helper()
	clk := testClock()
	bus, keys, _ := testBus(t, clk)
	kv := NewMemoryKV()
	store := NewBlockStore(kv, bus, keys, clk, zap.NewNop().Sugar())
	vals, privs := testValidators(t, 4)

	cfg := FinalityConfig{EpochLength: 4, BreakerWindow: 8, BreakerThreshold: 4}
	fin := NewFinality(cfg, NewValidatorSet(vals), NewSignatureVerifier(testLogger()), store, bus, keys, clk, testLogger())

	blocks := make([]*Block, 0, length)
	parent := Hash{}
	for h := uint64(1); h <= length; h++ {
		blk := &Block{Header: BlockHeader{ParentHash: parent, Height: h, Timestamp: testEpoch.Unix() + int64(h)}}
		if err := store.StoreBlock(blk, Hash{byte(h)}, Hash{byte(h + 100)}); err != nil {
			t.Fatalf("store %d: %v", h, err)
		}
		parent = blk.Hash()
		blocks = append(blocks, blk)
	}
	return fin, store, blocks, vals, privs, bus
}

func attest(t *testing.T, fin *Finality, priv []byte, val Validator, height uint64, hash Hash) error {
	t.Helper()
	att := &Attestation{Height: height, BlockHash: hash, Validator: val.Addr, PubKey: val.PubKey}
	sig, err := SchnorrSign(priv, att.SigningDigest())
	if err != nil {
		t.Fatalf("sign attestation: %v", err)
	}
	att.Sig = sig
	return fin.SubmitAttestation(*att)
}

// Scenario: a supermajority at the epoch boundary finalizes the
// checkpoint and every ancestor.
func TestFinalityCheckpointPromotion(t *testing.T) {
	fin, _, blocks, vals, privs, bus := chainFixture(t, 4)
	finalized, cancel := bus.Subscribe(TopicBlockFinalized, SubConsensus, 4)
	defer cancel()

	checkpoint := blocks[3] // height 4, epoch boundary
	for i := 0; i < 2; i++ {
		if err := attest(t, fin, privs[i], vals[i], 4, checkpoint.Hash()); err != nil {
			t.Fatalf("attest %d: %v", i, err)
		}
	}
	if fin.FinalizedHeight() != 0 {
		t.Fatal("finalized below quorum")
	}
	if err := attest(t, fin, privs[2], vals[2], 4, checkpoint.Hash()); err != nil {
		t.Fatalf("attest 2: %v", err)
	}

	if fin.FinalizedHeight() != 4 {
		t.Fatalf("finalized height %d, want 4", fin.FinalizedHeight())
	}
	// Every ancestor of a finalized block is finalized.
	for _, blk := range blocks {
		if !fin.IsFinalized(blk.Hash()) {
			t.Fatalf("ancestor at height %d not finalized", blk.Header.Height)
		}
	}
	waitEnvelope(t, finalized, time.Second)
}

func TestFinalityRejectsNonCheckpointHeight(t *testing.T) {
	fin, _, blocks, vals, privs, _ := chainFixture(t, 4)
	if err := attest(t, fin, privs[0], vals[0], 3, blocks[2].Hash()); err == nil {
		t.Fatal("non-boundary attestation accepted")
	}
}

func TestFinalityIsMonotonic(t *testing.T) {
	fin, _, blocks, vals, privs, _ := chainFixture(t, 8)

	for i := 0; i < 3; i++ {
		if err := attest(t, fin, privs[i], vals[i], 8, blocks[7].Hash()); err != nil {
			t.Fatalf("attest: %v", err)
		}
	}
	if fin.FinalizedHeight() != 8 {
		t.Fatalf("finalized height %d", fin.FinalizedHeight())
	}
	// Attestations for an older checkpoint cannot rewind.
	for i := 0; i < 3; i++ {
		_ = attest(t, fin, privs[i], vals[i], 4, blocks[3].Hash())
	}
	if fin.FinalizedHeight() != 8 {
		t.Fatal("finality rewound")
	}
}

// The breaker opens deterministically after the configured number of
// rejected attestations and holds checkpoints back.
func TestFinalityCircuitBreaker(t *testing.T) {
	fin, _, blocks, vals, privs, _ := chainFixture(t, 4)

	junk := Attestation{Height: 4, BlockHash: blocks[3].Hash(), Validator: vals[0].Addr, PubKey: vals[0].PubKey, Sig: make([]byte, 64)}
	for i := 0; i < 4; i++ {
		if err := fin.SubmitAttestation(junk); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("junk attestation outcome: %v", err)
		}
	}
	if !fin.BreakerOpen() {
		t.Fatal("breaker closed after threshold rejections")
	}

	// Valid supermajority arrives while open: held back.
	for i := 0; i < 2; i++ {
		if err := attest(t, fin, privs[i], vals[i], 4, blocks[3].Hash()); err != nil {
			t.Fatalf("attest: %v", err)
		}
	}
	if err := attest(t, fin, privs[2], vals[2], 4, blocks[3].Hash()); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("want ErrCircuitBreakerOpen, got %v", err)
	}
	if fin.FinalizedHeight() != 0 {
		t.Fatal("checkpoint promoted through an open breaker")
	}

	// Clean traffic slides the rejections out of the window.
	for i := 0; i < 8; i++ {
		_ = attest(t, fin, privs[3], vals[3], 4, blocks[3].Hash())
	}
	if fin.BreakerOpen() {
		t.Fatal("breaker never recovered")
	}
	if err := attest(t, fin, privs[2], vals[2], 4, blocks[3].Hash()); err != nil {
		t.Fatalf("post-recovery attest: %v", err)
	}
	if fin.FinalizedHeight() != 4 {
		t.Fatalf("finalized height %d after recovery", fin.FinalizedHeight())
	}
}
