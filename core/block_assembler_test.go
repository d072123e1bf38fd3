package core

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/crypto"
)

// countingStore records atomic writes and can be scripted to fail.
type countingStore struct {
	mu     sync.Mutex
	writes int
	fail   int // fail this many writes before succeeding
}

func (c *countingStore) StoreBlock(b *Block, merkleRoot, stateRoot Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail > 0 {
		c.fail--
		return errors.New("disk on fire")
	}
	c.writes++
	return nil
}

func (c *countingStore) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func newTestAssembler(t *testing.T, store blockWriter) (*BlockAssembler, *EventBus, *clock.Mock) {
	t.Helper()
	clk := testClock()
	bus, keys, _ := testBus(t, clk)
	ba := NewBlockAssembler(DefaultAssemblerConfig(), store, bus, keys, clk, testLogger())
	return ba, bus, clk
}

func assemblerBlock(t *testing.T) *Block {
	t.Helper()
	priv, _ := crypto.GenerateKey()
	return &Block{
		Header:       BlockHeader{Height: 5, Timestamp: testEpoch.Unix()},
		Transactions: []*Transaction{testTx(t, priv, Address{1}, 1, 0, 2)},
	}
}

// Scenario: all three contributions arrive — exactly one atomic write
// and one BlockStored event.
func TestAssemblerCommitsWhenComplete(t *testing.T) {
	store := &countingStore{}
	ba, bus, clk := newTestAssembler(t, store)
	stored, cancel := bus.Subscribe(TopicBlockStored, SubFinality, 4)
	defer cancel()

	blk := assemblerBlock(t)
	hash := blk.Hash()
	merkle := Hash{0x01}
	state := Hash{0x02}

	ba.contribute(hash, func(s *AssemblySlot) bool { s.Block = blk; return true })
	if store.writeCount() != 0 {
		t.Fatal("wrote before completion")
	}
	root := merkle
	ba.contribute(hash, func(s *AssemblySlot) bool { s.MerkleRoot = &root; return true })
	if store.writeCount() != 0 {
		t.Fatal("wrote with a contribution missing")
	}
	state2 := state
	ba.contribute(hash, func(s *AssemblySlot) bool { s.StateRoot = &state2; return true })

	if store.writeCount() != 1 {
		t.Fatalf("writes = %d, want exactly 1", store.writeCount())
	}
	env := waitEnvelope(t, stored, time.Second)
	var evt BlockStoredEvent
	if err := UnmarshalPayload(env.Payload, &evt); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if evt.BlockHash != hash || evt.Height != 5 {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if ba.PendingSlots() != 0 {
		t.Fatalf("slot retained after commit: %d", ba.PendingSlots())
	}
	_ = clk
}

func TestAssemblerRejectsDuplicateContribution(t *testing.T) {
	store := &countingStore{}
	ba, _, _ := newTestAssembler(t, store)

	hash := Hash{0x77}
	r1 := Hash{0x01}
	r2 := Hash{0x02}
	ba.contribute(hash, func(s *AssemblySlot) bool {
		if s.MerkleRoot != nil {
			return false
		}
		s.MerkleRoot = &r1
		return true
	})
	// Second merkle root for the same hash must not overwrite.
	ba.contribute(hash, func(s *AssemblySlot) bool {
		if s.MerkleRoot != nil {
			return false
		}
		s.MerkleRoot = &r2
		return true
	})

	ba.mu.Lock()
	slot := ba.slots[hash]
	ba.mu.Unlock()
	if slot == nil || slot.slot.MerkleRoot == nil || *slot.slot.MerkleRoot != r1 {
		t.Fatal("duplicate contribution overwrote the first")
	}
}

// Scenario: partial assembly times out, the slot is dropped with an
// AssemblyTimedOut event and a late contribution never produces a write.
func TestAssemblerPartialTimeout(t *testing.T) {
	store := &countingStore{}
	ba, bus, clk := newTestAssembler(t, store)
	timeouts, cancel := bus.Subscribe(TopicAssemblyTimedOut, SubFinality, 4)
	defer cancel()

	blk := assemblerBlock(t)
	hash := blk.Hash()
	merkle := Hash{0x01}

	ba.contribute(hash, func(s *AssemblySlot) bool { s.Block = blk; return true })
	ba.contribute(hash, func(s *AssemblySlot) bool { s.MerkleRoot = &merkle; return true })

	clk.Add(31 * time.Second)
	ba.GC()

	env := waitEnvelope(t, timeouts, time.Second)
	var evt AssemblyTimedOutEvent
	if err := UnmarshalPayload(env.Payload, &evt); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if evt.BlockHash != hash || len(evt.Missing) != 1 || evt.Missing[0] != "state_root" {
		t.Fatalf("unexpected timeout event: %+v", evt)
	}

	// The timed-out slot is gone, so the late state root lands in a fresh
	// slot that holds nothing else: no write happens.
	state := Hash{0x02}
	ba.contribute(hash, func(s *AssemblySlot) bool { s.StateRoot = &state; return true })
	if store.writeCount() != 0 {
		t.Fatal("late contribution triggered a write")
	}
}

func TestAssemblerRetriesFailedWrite(t *testing.T) {
	store := &countingStore{fail: 1}
	ba, bus, _ := newTestAssembler(t, store)
	failures, cancelF := bus.Subscribe(TopicAssemblyFailed, SubFinality, 4)
	defer cancelF()
	stored, cancelS := bus.Subscribe(TopicBlockStored, SubFinality, 4)
	defer cancelS()

	blk := assemblerBlock(t)
	hash := blk.Hash()
	merkle, state := Hash{0x01}, Hash{0x02}
	ba.contribute(hash, func(s *AssemblySlot) bool { s.Block = blk; return true })
	ba.contribute(hash, func(s *AssemblySlot) bool { s.MerkleRoot = &merkle; return true })
	ba.contribute(hash, func(s *AssemblySlot) bool { s.StateRoot = &state; return true })

	waitEnvelope(t, failures, time.Second)
	if store.writeCount() != 0 {
		t.Fatal("failed write counted as success")
	}
	// The slot is retained; the GC tick retries and succeeds.
	ba.GC()
	waitEnvelope(t, stored, time.Second)
	if store.writeCount() != 1 {
		t.Fatalf("writes = %d after retry", store.writeCount())
	}
}

func TestAssemblerCapacityTailDrop(t *testing.T) {
	store := &countingStore{}
	clk := testClock()
	bus, keys, _ := testBus(t, clk)
	cfg := AssemblerConfig{Timeout: DefaultAssemblyTimeout, MaxPending: 2}
	ba := NewBlockAssembler(cfg, store, bus, keys, clk, testLogger())

	r := Hash{0x01}
	ba.contribute(Hash{1}, func(s *AssemblySlot) bool { s.MerkleRoot = &r; return true })
	ba.contribute(Hash{2}, func(s *AssemblySlot) bool { s.MerkleRoot = &r; return true })
	ba.contribute(Hash{3}, func(s *AssemblySlot) bool { s.MerkleRoot = &r; return true })

	if ba.PendingSlots() != 2 {
		t.Fatalf("capacity not enforced: %d slots", ba.PendingSlots())
	}
	ba.mu.Lock()
	_, overflowExists := ba.slots[Hash{3}]
	ba.mu.Unlock()
	if overflowExists {
		t.Fatal("overflow hash was allocated a slot")
	}
}
