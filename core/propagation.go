package core

// Propagation subsystem – gossip diffusion of blocks and transactions.
//
// Responsibilities:
//   • Flood new blocks and transaction batches to ⌈√N⌉ random peers.
//   • Per-peer rate limits: one block/s and one tx batch/s; gossip above
//     the budget is dropped.
//   • Time-bounded seen-set dedup: first receipt is validated and
//     rebroadcast, identical hashes inside the window are dropped
//     silently.

import (
	"context"
	crand "crypto/rand"
	"encoding/json"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	logrus "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	protocolBlockTag = "qchain/block/1"
	protocolTxTag    = "qchain/txs/1"

	// seenWindow bounds the dedup memory.
	seenWindow  = 2 * time.Minute
	seenEntries = 65536

	gossipSendTimeout = 5 * time.Second
)

type peerLimiter struct {
	block *rate.Limiter
	txs   *rate.Limiter
}

// Propagation gossips validated payloads across the mesh.
type Propagation struct {
	table     *RoutingTable
	transport NetworkTransport
	verifier  *SignatureVerifier
	registry  *PeerRegistry
	bus       *EventBus
	keys      KeyStore
	clk       clock.Clock
	log       *logrus.Logger

	mu       sync.Mutex
	limiters map[NodeID]*peerLimiter
	seen     *lru.LRU[Hash, struct{}]
}

// NewPropagation wires the subsystem together.
func NewPropagation(table *RoutingTable, transport NetworkTransport, verifier *SignatureVerifier, registry *PeerRegistry, bus *EventBus, keys KeyStore, clk clock.Clock, lg *logrus.Logger) *Propagation {
	if clk == nil {
		clk = clock.New()
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &Propagation{
		table:     table,
		transport: transport,
		verifier:  verifier,
		registry:  registry,
		bus:       bus,
		keys:      keys,
		clk:       clk,
		log:       lg,
		limiters:  make(map[NodeID]*peerLimiter),
		seen:      lru.NewLRU[Hash, struct{}](seenEntries, nil, seenWindow),
	}
}

//---------------------------------------------------------------------
// Peer sampling
//---------------------------------------------------------------------

// fanout is ⌈√N⌉ over the active table.
func (pr *Propagation) fanout() int {
	n := pr.table.ActiveCount()
	if n == 0 {
		return 0
	}
	return int(math.Ceil(math.Sqrt(float64(n))))
}

// samplePeers draws up to n random active peers.
func (pr *Propagation) samplePeers(n int) []PeerInfo {
	var target NodeID
	if _, err := crand.Read(target[:]); err != nil {
		return nil
	}
	peers := pr.table.FindClosest(target, pr.table.ActiveCount())
	for i := len(peers) - 1; i > 0; i-- {
		j, err := crand.Int(crand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			break
		}
		peers[i], peers[j.Int64()] = peers[j.Int64()], peers[i]
	}
	if n < len(peers) {
		peers = peers[:n]
	}
	return peers
}

func (pr *Propagation) limiter(id NodeID) *peerLimiter {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	lim, ok := pr.limiters[id]
	if !ok {
		lim = &peerLimiter{
			block: rate.NewLimiter(rate.Limit(1), 1),
			txs:   rate.NewLimiter(rate.Limit(1), 1),
		}
		pr.limiters[id] = lim
	}
	return lim
}

// markSeen records a hash; reports whether it was already present.
func (pr *Propagation) markSeen(h Hash) bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if _, dup := pr.seen.Get(h); dup {
		return true
	}
	pr.seen.Add(h, struct{}{})
	return false
}

//---------------------------------------------------------------------
// Outbound gossip
//---------------------------------------------------------------------

// GossipBlock disseminates a block to the fanout set, honoring each
// peer's block budget.
func (pr *Propagation) GossipBlock(b *Block) {
	hash := b.Hash()
	pr.markSeen(hash)
	payload, err := json.Marshal(b)
	if err != nil {
		return
	}
	sent := 0
	for _, peer := range pr.samplePeers(pr.fanout()) {
		if !pr.limiter(peer.NodeID).block.Allow() {
			pr.log.Debugf("propagation: block budget exhausted for %s", peer.NodeID.Hex()[:8])
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), gossipSendTimeout)
		if err := pr.transport.SendGossip(ctx, peer, protocolBlockTag, payload); err != nil {
			pr.log.Debugf("propagation: block send to %s failed: %v", peer.NodeID.Hex()[:8], err)
		} else {
			sent++
		}
		cancel()
	}
	pr.log.Debugf("propagation: disseminated block %s to %d peers", hash.Short(), sent)
}

// GossipTxBatch disseminates a transaction batch under the tx budget.
func (pr *Propagation) GossipTxBatch(txs []*Transaction) {
	if len(txs) == 0 {
		return
	}
	payload, err := json.Marshal(txs)
	if err != nil {
		return
	}
	for _, peer := range pr.samplePeers(pr.fanout()) {
		if !pr.limiter(peer.NodeID).txs.Allow() {
			pr.log.Debugf("propagation: tx budget exhausted for %s", peer.NodeID.Hex()[:8])
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), gossipSendTimeout)
		if err := pr.transport.SendGossip(ctx, peer, protocolTxTag, payload); err != nil {
			pr.log.Debugf("propagation: tx send to %s failed: %v", peer.NodeID.Hex()[:8], err)
		}
		cancel()
	}
}

// Broadcast pushes an opaque payload to every active peer under the
// given protocol tag.  Consensus votes ride this path: they go to the
// whole validator mesh, not a random subset.
func (pr *Propagation) Broadcast(tag string, payload []byte) {
	for _, peer := range pr.samplePeers(pr.table.ActiveCount()) {
		ctx, cancel := context.WithTimeout(context.Background(), gossipSendTimeout)
		if err := pr.transport.SendGossip(ctx, peer, tag, payload); err != nil {
			pr.log.Debugf("propagation: broadcast to %s failed: %v", peer.NodeID.Hex()[:8], err)
		}
		cancel()
	}
}

//---------------------------------------------------------------------
// Inbound gossip
//---------------------------------------------------------------------

// HandleBlock processes a block received from a peer: dedup, structural
// and signature validation on first receipt, then rebroadcast.
func (pr *Propagation) HandleBlock(from NodeID, raw []byte) {
	var b Block
	if err := json.Unmarshal(raw, &b); err != nil {
		pr.log.Debugf("propagation: undecodable block from %s", from.Hex()[:8])
		pr.registry.ReportMalformed(from)
		return
	}
	hash := b.Hash()
	if pr.markSeen(hash) {
		return // window duplicate, silent
	}
	if err := b.ValidateShape(); err != nil {
		pr.registry.ReportMalformed(from)
		return
	}
	if err := pr.verifier.VerifyBlockTransactions(&b); err != nil {
		pr.log.Debugf("propagation: block %s failed verification: %v", hash.Short(), err)
		return // bad signatures are a silent drop, never a strike
	}
	pr.registry.ReportClean(from)
	pr.GossipBlock(&b)
}

// HandleTxBatch processes gossiped transactions: dedup per hash, verify,
// then hand the survivors to the mempool over the bus.
func (pr *Propagation) HandleTxBatch(from NodeID, raw []byte) {
	var txs []*Transaction
	if err := json.Unmarshal(raw, &txs); err != nil {
		pr.log.Debugf("propagation: undecodable tx batch from %s", from.Hex()[:8])
		pr.registry.ReportMalformed(from)
		return
	}
	fresh := txs[:0]
	for _, tx := range txs {
		if tx == nil {
			continue
		}
		if pr.markSeen(tx.HashTx()) {
			continue
		}
		if err := pr.verifier.VerifyTransaction(tx); err != nil {
			continue // silent drop
		}
		fresh = append(fresh, tx)
	}
	if len(fresh) == 0 {
		return
	}
	pr.registry.ReportClean(from)
	for _, tx := range fresh {
		pr.submitToMempool(tx)
	}
	pr.GossipTxBatch(fresh)
}

func (pr *Propagation) submitToMempool(tx *Transaction) {
	payload, err := MarshalPayload(TxSubmittedMsg{Tx: tx})
	if err != nil {
		return
	}
	env, err := NewEnvelope(SubPropagation, SubMempool, payload, pr.clk.Now())
	if err != nil {
		return
	}
	if err := env.Seal(pr.keys.BusSecret()); err != nil {
		return
	}
	if err := pr.bus.Publish(TopicTxSubmitted, env); err != nil {
		pr.log.Debugf("propagation: submit dropped: %v", err)
	}
}
