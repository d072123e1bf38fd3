package core

// txindex_service.go – the TxIndex component.
//
// Listens for validated blocks, computes the transaction Merkle root and
// publishes MerkleRootComputed keyed by block hash.  Serves inclusion
// proofs for stored blocks — the tx hash list is fetched from BlockStore
// over the bus (request/response keyed by correlation id, which is how
// the TxIndex ↔ BlockStore cycle is broken) — under per-peer rate limits
// and a hard batch cap.

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// MaxProofBatch bounds one verify call.
	MaxProofBatch = 1000
	// proofRequestsPerSec is the per-peer request budget.
	proofRequestsPerSec = 100
	// proofRequestTimeout bounds a proof round trip.
	proofRequestTimeout = 10 * time.Second
)

// TxIndexService glues the Merkle operations to the bus.
type TxIndexService struct {
	bus  *EventBus
	keys KeyStore
	clk  clock.Clock
	log  *logrus.Logger

	mu       sync.Mutex
	limiters map[NodeID]*rate.Limiter
	roots    map[Hash]Hash // block hash -> merkle root, bounded cache
	waiters  map[[16]byte]chan []Hash

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

const txIndexRootCache = 4096

// NewTxIndexService builds the component.
func NewTxIndexService(bus *EventBus, keys KeyStore, clk clock.Clock, lg *logrus.Logger) *TxIndexService {
	if clk == nil {
		clk = clock.New()
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &TxIndexService{
		bus:      bus,
		keys:     keys,
		clk:      clk,
		log:      lg,
		limiters: make(map[NodeID]*rate.Limiter),
		roots:    make(map[Hash]Hash),
		waiters:  make(map[[16]byte]chan []Hash),
		stop:     make(chan struct{}),
	}
}

// Start subscribes to validated-block events and hash responses.
func (ts *TxIndexService) Start() {
	validated, cancelV := ts.bus.Subscribe(TopicBlockValidated, SubTxIndex, 0)
	hashes, cancelH := ts.bus.Subscribe(TopicTxHashesResponse, SubTxIndex, 0)
	ts.wg.Add(1)
	go func() {
		defer ts.wg.Done()
		defer cancelV()
		defer cancelH()
		for {
			select {
			case env, ok := <-validated:
				if !ok {
					return
				}
				ts.handleBlockValidated(env)
			case env, ok := <-hashes:
				if !ok {
					return
				}
				ts.handleTxHashesResponse(env)
			case <-ts.stop:
				return
			}
		}
	}()
}

func (ts *TxIndexService) handleTxHashesResponse(env *Envelope) {
	if err := ts.bus.Reverify(TopicTxHashesResponse, env); err != nil {
		return
	}
	var msg TxHashesResponseMsg
	if err := UnmarshalPayload(env.Payload, &msg); err != nil {
		return
	}
	ts.mu.Lock()
	ch, ok := ts.waiters[env.CorrelationID]
	if ok {
		delete(ts.waiters, env.CorrelationID)
	}
	ts.mu.Unlock()
	if ok {
		ch <- msg.Hashes
	}
}

// RequestTxHashes resolves a stored block's ordered tx hashes from the
// block store over the bus.  The cyclic TxIndex ↔ BlockStore reference
// is broken here: a request goes out, the response comes back keyed by
// the same correlation id.
func (ts *TxIndexService) RequestTxHashes(blockHash Hash) ([]Hash, error) {
	payload, err := MarshalPayload(TxHashesRequestMsg{BlockHash: blockHash})
	if err != nil {
		return nil, err
	}
	env, err := NewEnvelope(SubTxIndex, SubBlockStore, payload, ts.clk.Now())
	if err != nil {
		return nil, err
	}
	if err := env.Seal(ts.keys.BusSecret()); err != nil {
		return nil, err
	}

	ch := make(chan []Hash, 1)
	ts.mu.Lock()
	ts.waiters[env.CorrelationID] = ch
	ts.mu.Unlock()

	ts.bus.ExpectReply(env.CorrelationID, proofRequestTimeout)
	if err := ts.bus.Publish(TopicTxHashesRequest, env); err != nil {
		ts.mu.Lock()
		delete(ts.waiters, env.CorrelationID)
		ts.mu.Unlock()
		return nil, err
	}

	timer := ts.clk.Timer(proofRequestTimeout)
	defer timer.Stop()
	select {
	case hashes := <-ch:
		return hashes, nil
	case <-timer.C:
		ts.mu.Lock()
		delete(ts.waiters, env.CorrelationID)
		ts.mu.Unlock()
		return nil, fmt.Errorf("tx hashes request for %s timed out", blockHash.Short())
	}
}

// Stop shuts the component down.
func (ts *TxIndexService) Stop() {
	ts.stopOnce.Do(func() { close(ts.stop) })
	ts.wg.Wait()
}

func (ts *TxIndexService) handleBlockValidated(env *Envelope) {
	if err := ts.bus.Reverify(TopicBlockValidated, env); err != nil {
		ts.log.Debugf("txindex: rejected envelope: %v", err)
		return
	}
	var evt BlockValidatedEvent
	if err := UnmarshalPayload(env.Payload, &evt); err != nil || evt.Block == nil {
		ts.log.Debugf("txindex: malformed event: %v", err)
		return
	}

	root, err := MerkleRoot(evt.Block.TxHashes())
	if err != nil {
		// Empty blocks index the zero root.
		root = Hash{}
	}
	ts.cacheRoot(evt.BlockHash, root)

	payload, err := MarshalPayload(RootComputedEvent{BlockHash: evt.BlockHash, Root: root})
	if err != nil {
		return
	}
	out, err := NewEnvelope(SubTxIndex, SubAssembler, payload, ts.clk.Now())
	if err != nil {
		return
	}
	if err := out.Seal(ts.keys.BusSecret()); err != nil {
		return
	}
	if err := ts.bus.Publish(TopicMerkleRootComputed, out); err != nil {
		ts.log.Warnf("txindex: root publish failed: %v", err)
	}
}

func (ts *TxIndexService) cacheRoot(blockHash, root Hash) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.roots) >= txIndexRootCache {
		for k := range ts.roots {
			delete(ts.roots, k)
			break
		}
	}
	ts.roots[blockHash] = root
}

// Root returns the cached Merkle root for a block hash.
func (ts *TxIndexService) Root(blockHash Hash) (Hash, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	r, ok := ts.roots[blockHash]
	return r, ok
}

//---------------------------------------------------------------------
// Proof service
//---------------------------------------------------------------------

// allowPeer consults the requesting peer's token bucket.
func (ts *TxIndexService) allowPeer(peer NodeID) bool {
	ts.mu.Lock()
	lim, ok := ts.limiters[peer]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(proofRequestsPerSec), proofRequestsPerSec)
		ts.limiters[peer] = lim
	}
	ts.mu.Unlock()
	return lim.Allow()
}

// BuildProof generates an inclusion proof for one transaction of a block
// given the block's ordered tx hashes.
func (ts *TxIndexService) BuildProof(peer NodeID, leaves []Hash, index uint64) (*MerkleProof, error) {
	if !ts.allowPeer(peer) {
		return nil, fmt.Errorf("proof request rate exceeded for %s", peer.Hex()[:8])
	}
	path, root, err := MerkleProofPath(leaves, index)
	if err != nil {
		return nil, err
	}
	return &MerkleProof{
		TxIndex:   index,
		TreeSize:  uint64(len(leaves)),
		Root:      root,
		Path:      path,
		Timestamp: uint64(ts.clk.Now().Unix()),
	}, nil
}

// VerifyBatch checks up to MaxProofBatch (proof, leaf) pairs; it fails
// closed on the first violation.
func (ts *TxIndexService) VerifyBatch(proofs []*MerkleProof, leaves []Hash) error {
	if len(proofs) == 0 || len(proofs) != len(leaves) {
		return fmt.Errorf("%w: batch shape", ErrMalformedProof)
	}
	if len(proofs) > MaxProofBatch {
		return fmt.Errorf("%w: batch of %d exceeds %d", ErrMalformedProof, len(proofs), MaxProofBatch)
	}
	for i, p := range proofs {
		if err := p.Verify(leaves[i]); err != nil {
			return fmt.Errorf("proof %d: %w", i, err)
		}
	}
	return nil
}
