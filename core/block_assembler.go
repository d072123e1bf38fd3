package core

// block_assembler.go – the stateful assembler at the center of the
// choreography.
//
// Three independent contributors feed it per block hash: the validated
// block from consensus, the transaction root from the tx index and the
// state root from the state trie.  Each hash gets one slot; the slot is
// flushed to the block store in a single atomic write only when all
// three contributions are present before the deadline.  Partial writes
// cannot happen: the write path only exists behind Complete().
//
// A contribution that reaches a slot past its deadline is dropped.  Once
// GC has removed a timed-out slot, a contribution for the same hash opens
// a fresh slot; that slot holds only what arrives from then on and times
// out in turn unless all three contributions arrive again.
//
// At-most-one concurrent build per hash is the per-slot critical
// section; different hashes proceed in parallel.

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultAssemblyTimeout bounds a slot's life from first arrival.
	DefaultAssemblyTimeout = 30 * time.Second
	// DefaultMaxPendingAssemblies caps in-flight slots; overflow
	// tail-drops new block hashes.
	DefaultMaxPendingAssemblies = 1000
	// maxCommitAttempts bounds retries of a failed store write.
	maxCommitAttempts = 3

	assemblerGCInterval = time.Second
)

// blockWriter is the assembler's view of the block store.
type blockWriter interface {
	StoreBlock(b *Block, merkleRoot, stateRoot Hash) error
}

// AssemblerConfig tunes the component.
type AssemblerConfig struct {
	Timeout    time.Duration
	MaxPending int
}

// DefaultAssemblerConfig returns the stock tuning.
func DefaultAssemblerConfig() AssemblerConfig {
	return AssemblerConfig{Timeout: DefaultAssemblyTimeout, MaxPending: DefaultMaxPendingAssemblies}
}

type assemblySlot struct {
	mu   sync.Mutex
	slot AssemblySlot
	done bool // committed or dropped; late arrivals bounce off
}

// BlockAssembler buffers contributions and performs the atomic commit.
type BlockAssembler struct {
	mu    sync.Mutex
	slots map[Hash]*assemblySlot

	cfg   AssemblerConfig
	store blockWriter
	bus   *EventBus
	keys  KeyStore
	clk   clock.Clock
	log   *logrus.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBlockAssembler wires the assembler.
func NewBlockAssembler(cfg AssemblerConfig, store blockWriter, bus *EventBus, keys KeyStore, clk clock.Clock, lg *logrus.Logger) *BlockAssembler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAssemblyTimeout
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPendingAssemblies
	}
	if clk == nil {
		clk = clock.New()
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &BlockAssembler{
		slots: make(map[Hash]*assemblySlot),
		cfg:   cfg,
		store: store,
		bus:   bus,
		keys:  keys,
		clk:   clk,
		log:   lg,
		stop:  make(chan struct{}),
	}
}

// PendingSlots reports the number of in-flight assemblies.
func (ba *BlockAssembler) PendingSlots() int {
	ba.mu.Lock()
	defer ba.mu.Unlock()
	return len(ba.slots)
}

//---------------------------------------------------------------------
// Lifecycle
//---------------------------------------------------------------------

// Start subscribes to the three contribution topics and launches GC.
func (ba *BlockAssembler) Start() {
	validated, cancelV := ba.bus.Subscribe(TopicBlockValidated, SubAssembler, 0)
	merkle, cancelM := ba.bus.Subscribe(TopicMerkleRootComputed, SubAssembler, 0)
	state, cancelS := ba.bus.Subscribe(TopicStateRootComputed, SubAssembler, 0)

	ba.wg.Add(1)
	go func() {
		defer ba.wg.Done()
		defer cancelV()
		defer cancelM()
		defer cancelS()
		for {
			select {
			case env, ok := <-validated:
				if !ok {
					return
				}
				ba.handleBlockValidated(env)
			case env, ok := <-merkle:
				if !ok {
					return
				}
				ba.handleRoot(env, TopicMerkleRootComputed)
			case env, ok := <-state:
				if !ok {
					return
				}
				ba.handleRoot(env, TopicStateRootComputed)
			case <-ba.stop:
				return
			}
		}
	}()

	ticker := ba.clk.Ticker(assemblerGCInterval)
	ba.wg.Add(1)
	go func() {
		defer ba.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ba.GC()
			case <-ba.stop:
				return
			}
		}
	}()
}

// Stop shuts the assembler down.
func (ba *BlockAssembler) Stop() {
	ba.stopOnce.Do(func() { close(ba.stop) })
	ba.wg.Wait()
}

//---------------------------------------------------------------------
// Contributions
//---------------------------------------------------------------------

func (ba *BlockAssembler) handleBlockValidated(env *Envelope) {
	if err := ba.bus.Reverify(TopicBlockValidated, env); err != nil {
		ba.log.Debugf("assembler: rejected envelope: %v", err)
		return
	}
	var evt BlockValidatedEvent
	if err := UnmarshalPayload(env.Payload, &evt); err != nil || evt.Block == nil {
		ba.log.Debugf("assembler: malformed block event: %v", err)
		return
	}
	ba.contribute(evt.BlockHash, func(s *AssemblySlot) bool {
		if s.Block != nil {
			return false
		}
		s.Block = evt.Block
		return true
	})
}

func (ba *BlockAssembler) handleRoot(env *Envelope, topic string) {
	if err := ba.bus.Reverify(topic, env); err != nil {
		ba.log.Debugf("assembler: rejected envelope: %v", err)
		return
	}
	var evt RootComputedEvent
	if err := UnmarshalPayload(env.Payload, &evt); err != nil {
		ba.log.Debugf("assembler: malformed root event: %v", err)
		return
	}
	root := evt.Root
	ba.contribute(evt.BlockHash, func(s *AssemblySlot) bool {
		if topic == TopicMerkleRootComputed {
			if s.MerkleRoot != nil {
				return false
			}
			s.MerkleRoot = &root
		} else {
			if s.StateRoot != nil {
				return false
			}
			s.StateRoot = &root
		}
		return true
	})
}

// contribute applies one contribution under the slot's critical section
// and commits when the slot completes.
func (ba *BlockAssembler) contribute(blockHash Hash, apply func(*AssemblySlot) bool) {
	ba.mu.Lock()
	as, ok := ba.slots[blockHash]
	if !ok {
		if len(ba.slots) >= ba.cfg.MaxPending {
			ba.mu.Unlock()
			ba.log.Warnf("assembler: %v, tail-dropping %s", ErrAssemblyCapacity, blockHash.Short())
			return
		}
		now := ba.clk.Now()
		as = &assemblySlot{slot: AssemblySlot{
			FirstArrived: now,
			Deadline:     now.Add(ba.cfg.Timeout),
		}}
		ba.slots[blockHash] = as
	}
	ba.mu.Unlock()

	as.mu.Lock()
	defer as.mu.Unlock()
	if as.done {
		ba.log.Debugf("assembler: late contribution for %s dropped", blockHash.Short())
		return
	}
	if ba.clk.Now().After(as.slot.Deadline) {
		ba.log.Debugf("assembler: contribution for %s past the slot deadline dropped", blockHash.Short())
		return
	}
	if !apply(&as.slot) {
		ba.log.Debugf("assembler: %v for %s", ErrDuplicateContribute, blockHash.Short())
		return
	}
	if as.slot.Complete() {
		ba.commitLocked(blockHash, as)
	}
}

// commitLocked flushes a complete slot; as.mu must be held.
func (ba *BlockAssembler) commitLocked(blockHash Hash, as *assemblySlot) {
	as.slot.attempts++
	err := ba.store.StoreBlock(as.slot.Block, *as.slot.MerkleRoot, *as.slot.StateRoot)
	if err == nil {
		as.done = true
		ba.removeSlot(blockHash)
		ba.log.Infof("assembler: stored block %s at height %d", blockHash.Short(), as.slot.Block.Header.Height)
		ba.emit(TopicBlockStored, mustMarshal(BlockStoredEvent{
			BlockHash: blockHash,
			Height:    as.slot.Block.Header.Height,
		}))
		return
	}

	ba.log.Warnf("assembler: store write for %s failed (attempt %d): %v", blockHash.Short(), as.slot.attempts, err)
	ba.emit(TopicAssemblyFailed, mustMarshal(AssemblyFailedEvent{BlockHash: blockHash, Reason: err.Error()}))
	if as.slot.attempts >= maxCommitAttempts {
		as.done = true
		ba.removeSlot(blockHash)
	}
	// Otherwise the slot is retained; the GC tick retries.
}

func (ba *BlockAssembler) removeSlot(blockHash Hash) {
	ba.mu.Lock()
	delete(ba.slots, blockHash)
	ba.mu.Unlock()
}

//---------------------------------------------------------------------
// Garbage collection
//---------------------------------------------------------------------

// GC retries failed-but-complete slots and expires stale ones.
func (ba *BlockAssembler) GC() {
	now := ba.clk.Now()

	ba.mu.Lock()
	type pending struct {
		hash Hash
		as   *assemblySlot
	}
	candidates := make([]pending, 0, len(ba.slots))
	for h, as := range ba.slots {
		candidates = append(candidates, pending{hash: h, as: as})
	}
	ba.mu.Unlock()

	for _, c := range candidates {
		c.as.mu.Lock()
		switch {
		case c.as.done:
		case c.as.slot.Complete():
			ba.commitLocked(c.hash, c.as)
		case now.After(c.as.slot.Deadline):
			c.as.done = true
			ba.removeSlot(c.hash)
			missing := make([]string, 0, 3)
			if c.as.slot.Block == nil {
				missing = append(missing, "block")
			}
			if c.as.slot.MerkleRoot == nil {
				missing = append(missing, "merkle_root")
			}
			if c.as.slot.StateRoot == nil {
				missing = append(missing, "state_root")
			}
			ba.log.Warnf("assembler: slot %s timed out, missing %v", c.hash.Short(), missing)
			ba.emit(TopicAssemblyTimedOut, mustMarshal(AssemblyTimedOutEvent{BlockHash: c.hash, Missing: missing}))
		}
		c.as.mu.Unlock()
	}
}

//---------------------------------------------------------------------
// Events
//---------------------------------------------------------------------

func mustMarshal(v interface{}) []byte {
	payload, err := MarshalPayload(v)
	if err != nil {
		return nil
	}
	return payload
}

func (ba *BlockAssembler) emit(topic string, payload []byte) {
	if payload == nil {
		return
	}
	env, err := NewEnvelope(SubAssembler, SubFinality, payload, ba.clk.Now())
	if err != nil {
		return
	}
	if err := env.Seal(ba.keys.BusSecret()); err != nil {
		return
	}
	if err := ba.bus.Publish(topic, env); err != nil {
		ba.log.Debugf("assembler: publish %q failed: %v", topic, err)
	}
}
