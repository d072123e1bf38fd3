package core

// finality.go – epoch checkpoints and the attestation circuit breaker.
//
// Every epoch_length blocks a supermajority (2f+1) of validator
// attestations promotes the checkpoint block — and with it every stored
// ancestor — to finalized.  Finalization is monotonic and irreversible
// from this node's view.
//
// The breaker watches a sliding window of attestation outcomes.  Too
// many rejections opens it and checkpoint emission stops until the
// window recovers.  Both trips are pure counts so tests can reproduce
// them exactly.

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// FinalityConfig tunes checkpointing.
type FinalityConfig struct {
	EpochLength      uint64
	BreakerWindow    int // outcomes remembered
	BreakerThreshold int // rejections within the window that open it
}

// DefaultFinalityConfig returns sane defaults.
func DefaultFinalityConfig() FinalityConfig {
	return FinalityConfig{EpochLength: 32, BreakerWindow: 64, BreakerThreshold: 32}
}

// Attestation is one validator's signed endorsement of a checkpoint.
type Attestation struct {
	Height    uint64  `json:"height"`
	BlockHash Hash    `json:"block_hash"`
	Validator Address `json:"validator"`
	PubKey    []byte  `json:"pub_key"`
	Sig       []byte  `json:"sig"`
}

// SigningDigest covers height, hash and validator.
func (a *Attestation) SigningDigest() [32]byte {
	v := VoteMsg{Type: VoteType(0xF0), View: 0, Sequence: a.Height, BlockHash: a.BlockHash, Validator: a.Validator}
	return v.SigningDigest()
}

//---------------------------------------------------------------------
// Circuit breaker
//---------------------------------------------------------------------

// attestationBreaker is a count-based sliding window breaker.
type attestationBreaker struct {
	window    []bool // true = rejected
	size      int
	threshold int
}

func newAttestationBreaker(size, threshold int) *attestationBreaker {
	return &attestationBreaker{size: size, threshold: threshold}
}

func (b *attestationBreaker) record(rejected bool) {
	b.window = append(b.window, rejected)
	if len(b.window) > b.size {
		b.window = b.window[len(b.window)-b.size:]
	}
}

func (b *attestationBreaker) rejections() int {
	n := 0
	for _, r := range b.window {
		if r {
			n++
		}
	}
	return n
}

func (b *attestationBreaker) open() bool { return b.rejections() >= b.threshold }

//---------------------------------------------------------------------
// Finality
//---------------------------------------------------------------------

// blockReader is finality's view of the store.
type blockReader interface {
	GetBlock(h Hash) (*Block, error)
	GetBlockByHeight(height uint64) (*Block, error)
}

// Finality tracks the irreversible prefix of the chain.
type Finality struct {
	mu         sync.Mutex
	cfg        FinalityConfig
	validators *ValidatorSet
	verifier   *SignatureVerifier
	store      blockReader
	breaker    *attestationBreaker

	finalizedHeight uint64
	finalizedSet    map[Hash]uint64           // hash -> height
	votes           map[Hash]map[Address]bool // checkpoint hash -> attesters
	latestStored    uint64

	bus  *EventBus
	keys KeyStore
	clk  clock.Clock
	log  *logrus.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFinality wires the component.
func NewFinality(cfg FinalityConfig, validators *ValidatorSet, verifier *SignatureVerifier, store blockReader, bus *EventBus, keys KeyStore, clk clock.Clock, lg *logrus.Logger) *Finality {
	if cfg.EpochLength == 0 {
		cfg = DefaultFinalityConfig()
	}
	if clk == nil {
		clk = clock.New()
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &Finality{
		cfg:          cfg,
		validators:   validators,
		verifier:     verifier,
		store:        store,
		breaker:      newAttestationBreaker(cfg.BreakerWindow, cfg.BreakerThreshold),
		finalizedSet: make(map[Hash]uint64),
		votes:        make(map[Hash]map[Address]bool),
		bus:          bus,
		keys:         keys,
		clk:          clk,
		log:          lg,
		stop:         make(chan struct{}),
	}
}

// Start subscribes to stored-block events.
func (f *Finality) Start() {
	stored, cancel := f.bus.Subscribe(TopicBlockStored, SubFinality, 0)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer cancel()
		for {
			select {
			case env, ok := <-stored:
				if !ok {
					return
				}
				f.handleBlockStored(env)
			case <-f.stop:
				return
			}
		}
	}()
}

// Stop shuts the component down.
func (f *Finality) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })
	f.wg.Wait()
}

func (f *Finality) handleBlockStored(env *Envelope) {
	if err := f.bus.Reverify(TopicBlockStored, env); err != nil {
		f.log.Debugf("finality: rejected envelope: %v", err)
		return
	}
	var evt BlockStoredEvent
	if err := UnmarshalPayload(env.Payload, &evt); err != nil {
		return
	}
	f.mu.Lock()
	if evt.Height > f.latestStored {
		f.latestStored = evt.Height
	}
	f.mu.Unlock()
}

// FinalizedHeight returns the irreversible tip.
func (f *Finality) FinalizedHeight() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalizedHeight
}

// IsFinalized reports whether a block hash is in the finalized prefix.
func (f *Finality) IsFinalized(h Hash) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.finalizedSet[h]
	return ok
}

// BreakerOpen reports the breaker state.
func (f *Finality) BreakerOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.breaker.open()
}

// IsCheckpoint reports whether height sits on an epoch boundary.
func (f *Finality) IsCheckpoint(height uint64) bool {
	return height > 0 && height%f.cfg.EpochLength == 0
}

// Attest produces the local validator's attestation for a checkpoint.
func (f *Finality) Attest(priv []byte, selfAddr Address, height uint64, blockHash Hash) (*Attestation, error) {
	if !f.IsCheckpoint(height) {
		return nil, fmt.Errorf("height %d is not a checkpoint", height)
	}
	att := &Attestation{Height: height, BlockHash: blockHash, Validator: selfAddr, PubKey: SchnorrPubKey(priv)}
	sig, err := SchnorrSign(priv, att.SigningDigest())
	if err != nil {
		return nil, err
	}
	att.Sig = sig
	return att, nil
}

// SubmitAttestation records one attestation, rejecting invalid ones into
// the breaker window.  Reaching 2f+1 distinct valid attesters promotes
// the checkpoint — unless the breaker is open.
func (f *Finality) SubmitAttestation(att Attestation) error {
	member, ok := f.validators.Member(att.Validator)
	valid := ok &&
		string(member.PubKey) == string(att.PubKey) &&
		f.IsCheckpoint(att.Height) &&
		f.verifier.SchnorrVerify(att.PubKey, att.Sig, att.SigningDigest())

	f.mu.Lock()
	f.breaker.record(!valid)
	if !valid {
		f.mu.Unlock()
		f.log.Debugf("finality: rejected attestation for height %d", att.Height)
		return ErrInvalidSignature
	}
	if att.Height <= f.finalizedHeight {
		f.mu.Unlock()
		return nil // already irreversible
	}
	voters, ok := f.votes[att.BlockHash]
	if !ok {
		voters = make(map[Address]bool)
		f.votes[att.BlockHash] = voters
	}
	voters[att.Validator] = true

	reached := len(voters) >= f.validators.Quorum()
	open := f.breaker.open()
	f.mu.Unlock()

	if !reached {
		return nil
	}
	if open {
		f.log.Warnf("finality: breaker open, checkpoint %s held back", att.BlockHash.Short())
		return ErrCircuitBreakerOpen
	}
	return f.finalize(att.Height, att.BlockHash)
}

// finalize promotes the checkpoint and every stored ancestor above the
// previous finalized height, oldest first so the ancestor invariant
// holds at every step.
func (f *Finality) finalize(height uint64, blockHash Hash) error {
	blk, err := f.store.GetBlock(blockHash)
	if err != nil {
		return fmt.Errorf("checkpoint block missing: %w", err)
	}
	if blk.Header.Height != height {
		return fmt.Errorf("%w: checkpoint height mismatch", ErrMalformedBlock)
	}

	// Walk back to the previous finalized boundary collecting the chain.
	f.mu.Lock()
	floor := f.finalizedHeight
	f.mu.Unlock()

	chain := []*Block{blk}
	cur := blk
	for cur.Header.Height > floor+1 {
		parent, err := f.store.GetBlock(cur.Header.ParentHash)
		if err != nil {
			return fmt.Errorf("ancestor %s missing: %w", cur.Header.ParentHash.Short(), err)
		}
		chain = append(chain, parent)
		cur = parent
	}

	f.mu.Lock()
	for i := len(chain) - 1; i >= 0; i-- {
		b := chain[i]
		f.finalizedSet[b.Hash()] = b.Header.Height
	}
	f.finalizedHeight = height
	delete(f.votes, blockHash)
	f.mu.Unlock()

	f.log.Infof("finality: checkpoint %s finalized at height %d", blockHash.Short(), height)
	payload, err := MarshalPayload(BlockFinalizedEvent{BlockHash: blockHash, Height: height, Epoch: height / f.cfg.EpochLength})
	if err != nil {
		return nil
	}
	env, err := NewEnvelope(SubFinality, SubConsensus, payload, f.clk.Now())
	if err != nil {
		return nil
	}
	if err := env.Seal(f.keys.BusSecret()); err != nil {
		return nil
	}
	if err := f.bus.Publish(TopicBlockFinalized, env); err != nil {
		f.log.Debugf("finality: publish failed: %v", err)
	}
	return nil
}
