package core

// txpool.go – fee-priority mempool with two-phase block inclusion.
//
// Structure: a max-heap over pending transactions keyed by gas price, a
// per-sender nonce-ordered index, and a hash set for deduplication.
// Admission enforces canonical form, signature validity, the minimum gas
// price, per-account caps with replace-by-fee, and lowest-fee eviction
// when the pool is full.
//
// Inclusion is a two-phase commit: Pending → Proposed → Confirmed or
// rolled back.  The state machine is the "wormhole bypass" defense — no
// caller can confirm a transaction that was never proposed, and no
// transaction can be proposed twice.

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// MempoolConfig tunes admission.
type MempoolConfig struct {
	MaxTransactions int
	MaxPerAccount   int
	MinGasPrice     uint64
	MaxTxGasLimit   uint64
}

// DefaultMempoolConfig returns the stock tuning.
func DefaultMempoolConfig() MempoolConfig {
	return MempoolConfig{
		MaxTransactions: 5000,
		MaxPerAccount:   16,
		MinGasPrice:     1,
		MaxTxGasLimit:   8_000_000,
	}
}

type poolTx struct {
	tx         *Transaction
	state      TxState
	proposedIn Hash
	index      int // heap position; -1 while not pending
}

//---------------------------------------------------------------------
// Fee heap (pending transactions only)
//---------------------------------------------------------------------

type feeHeap []*poolTx

func (h feeHeap) Len() int { return len(h) }
func (h feeHeap) Less(i, j int) bool {
	if h[i].tx.GasPrice != h[j].tx.GasPrice {
		return h[i].tx.GasPrice > h[j].tx.GasPrice
	}
	// Equal fees resolve by hash so ordering stays deterministic.
	a, b := h[i].tx.HashTx(), h[j].tx.HashTx()
	for k := range a {
		if a[k] != b[k] {
			return a[k] < b[k]
		}
	}
	return false
}
func (h feeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *feeHeap) Push(x interface{}) {
	it := x.(*poolTx)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *feeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

//---------------------------------------------------------------------
// TxPool
//---------------------------------------------------------------------

// TxPool is the mempool component state.
type TxPool struct {
	mu       sync.RWMutex
	cfg      MempoolConfig
	verifier *SignatureVerifier
	lookup   map[Hash]*poolTx
	bySender map[Address][]*poolTx // nonce ascending
	pending  feeHeap
	log      *logrus.Logger
}

// NewTxPool builds an empty pool.
func NewTxPool(cfg MempoolConfig, verifier *SignatureVerifier, lg *logrus.Logger) *TxPool {
	if cfg.MaxTransactions <= 0 {
		cfg = DefaultMempoolConfig()
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &TxPool{
		cfg:      cfg,
		verifier: verifier,
		lookup:   make(map[Hash]*poolTx),
		bySender: make(map[Address][]*poolTx),
		log:      lg,
	}
}

// Len reports the number of resident transactions (any state).
func (tp *TxPool) Len() int {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	return len(tp.lookup)
}

// PendingLen reports how many transactions are selectable.
func (tp *TxPool) PendingLen() int {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	return tp.pending.Len()
}

// Get returns the transaction and its lifecycle state.
func (tp *TxPool) Get(h Hash) (*Transaction, TxState, bool) {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	pt, ok := tp.lookup[h]
	if !ok {
		return nil, 0, false
	}
	return pt.tx, pt.state, true
}

//---------------------------------------------------------------------
// Admission
//---------------------------------------------------------------------

// AddTx validates and admits one transaction.
func (tp *TxPool) AddTx(tx *Transaction) error {
	if err := tp.verifier.VerifyTransaction(tx); err != nil {
		return err
	}
	if tx.GasPrice < tp.cfg.MinGasPrice {
		return fmt.Errorf("%w: gas price %d below floor %d", ErrMalformedTransaction, tx.GasPrice, tp.cfg.MinGasPrice)
	}
	if tx.GasLimit > tp.cfg.MaxTxGasLimit {
		return fmt.Errorf("%w: gas limit %d above block cap", ErrMalformedTransaction, tx.GasLimit)
	}
	h := tx.HashTx()

	tp.mu.Lock()
	defer tp.mu.Unlock()

	if _, exists := tp.lookup[h]; exists {
		return fmt.Errorf("tx %s already in pool", h.Short())
	}

	// Replace-by-fee for the same (sender, nonce); strictly higher only.
	if prev := tp.sameNonceLocked(tx.From, tx.Nonce); prev != nil {
		if prev.state != TxPending || tx.GasPrice <= prev.tx.GasPrice {
			return fmt.Errorf("tx with nonce %d from %s not replaceable", tx.Nonce, tx.From.Hex()[:8])
		}
		tp.dropLocked(prev)
		tp.insertLocked(tx)
		return nil
	}

	if len(tp.bySender[tx.From]) >= tp.cfg.MaxPerAccount {
		return fmt.Errorf("per-account cap %d reached for %s", tp.cfg.MaxPerAccount, tx.From.Hex()[:8])
	}

	if len(tp.lookup) >= tp.cfg.MaxTransactions {
		victim := tp.lowestPendingLocked()
		if victim == nil || tx.GasPrice <= victim.tx.GasPrice {
			return ErrMempoolFull
		}
		tp.dropLocked(victim)
		tp.log.Debugf("mempool: evicted %s for higher-fee %s", victim.tx.HashTx().Short(), h.Short())
	}

	tp.insertLocked(tx)
	return nil
}

func (tp *TxPool) sameNonceLocked(sender Address, nonce uint64) *poolTx {
	for _, pt := range tp.bySender[sender] {
		if pt.tx.Nonce == nonce {
			return pt
		}
	}
	return nil
}

func (tp *TxPool) lowestPendingLocked() *poolTx {
	var victim *poolTx
	for _, pt := range tp.pending {
		if victim == nil || pt.tx.GasPrice < victim.tx.GasPrice {
			victim = pt
		}
	}
	return victim
}

func (tp *TxPool) insertLocked(tx *Transaction) {
	pt := &poolTx{tx: tx, state: TxPending, index: -1}
	tp.lookup[tx.HashTx()] = pt
	list := append(tp.bySender[tx.From], pt)
	sort.Slice(list, func(i, j int) bool { return list[i].tx.Nonce < list[j].tx.Nonce })
	tp.bySender[tx.From] = list
	heap.Push(&tp.pending, pt)
}

func (tp *TxPool) dropLocked(pt *poolTx) {
	delete(tp.lookup, pt.tx.HashTx())
	list := tp.bySender[pt.tx.From]
	for i, cand := range list {
		if cand == pt {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(tp.bySender, pt.tx.From)
	} else {
		tp.bySender[pt.tx.From] = list
	}
	if pt.index >= 0 {
		heap.Remove(&tp.pending, pt.index)
	}
}

//---------------------------------------------------------------------
// Selection and the two-phase commit
//---------------------------------------------------------------------

// SelectAndPropose picks up to maxTxs pending transactions by descending
// fee without nonce gaps, marks them Proposed for blockHash and returns
// them.  The selection and the state transition are one critical section
// so a concurrent proposer cannot double-spend the pool.
func (tp *TxPool) SelectAndPropose(blockHash Hash, maxTxs int, gasLimit uint64) []*Transaction {
	if maxTxs <= 0 {
		return nil
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()

	// Snapshot of the heap in fee order, leaving the heap intact.
	order := make([]*poolTx, len(tp.pending))
	copy(order, tp.pending)
	sort.Slice(order, func(i, j int) bool {
		if order[i].tx.GasPrice != order[j].tx.GasPrice {
			return order[i].tx.GasPrice > order[j].tx.GasPrice
		}
		a, b := order[i].tx.HashTx(), order[j].tx.HashTx()
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})

	// nextNonce tracks per-sender continuity across the selection.
	nextNonce := make(map[Address]uint64)
	for sender, list := range tp.bySender {
		for _, pt := range list {
			if pt.state == TxPending {
				nextNonce[sender] = pt.tx.Nonce
				break
			}
		}
	}

	var gasUsed uint64
	chosen := make(map[*poolTx]bool)
	selected := make([]*poolTx, 0, maxTxs)
	for changed := true; changed && len(selected) < maxTxs; {
		changed = false
		for _, pt := range order {
			if len(selected) == maxTxs {
				break
			}
			if pt.state != TxPending || chosen[pt] {
				continue
			}
			want, ok := nextNonce[pt.tx.From]
			if !ok || pt.tx.Nonce != want {
				continue // nonce gap, maybe unblocked by a later pass
			}
			if gasLimit > 0 && gasUsed+pt.tx.GasLimit > gasLimit {
				continue
			}
			gasUsed += pt.tx.GasLimit
			nextNonce[pt.tx.From] = want + 1
			chosen[pt] = true
			selected = append(selected, pt)
			changed = true
		}
	}

	txs := make([]*Transaction, len(selected))
	for i, pt := range selected {
		tp.proposeLocked(pt, blockHash)
		txs[i] = pt.tx
	}
	return txs
}

// Propose marks already-admitted transactions as tentatively included.
// Every hash must be Pending; a second proposal is refused whole.
func (tp *TxPool) Propose(blockHash Hash, hashes []Hash) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	picked := make([]*poolTx, 0, len(hashes))
	for _, h := range hashes {
		pt, ok := tp.lookup[h]
		if !ok {
			return fmt.Errorf("tx %s not in pool", h.Short())
		}
		if pt.state != TxPending {
			return fmt.Errorf("tx %s is %s, cannot propose", h.Short(), pt.state)
		}
		picked = append(picked, pt)
	}
	for _, pt := range picked {
		tp.proposeLocked(pt, blockHash)
	}
	return nil
}

func (tp *TxPool) proposeLocked(pt *poolTx, blockHash Hash) {
	pt.state = TxProposed
	pt.proposedIn = blockHash
	if pt.index >= 0 {
		heap.Remove(&tp.pending, pt.index)
	}
}

// Confirm removes transactions whose block finalized.  Only a Proposed
// transaction bound to the same block hash can be confirmed; anything
// else is a state-machine violation and is refused.
func (tp *TxPool) Confirm(blockHash Hash, hashes []Hash) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for _, h := range hashes {
		pt, ok := tp.lookup[h]
		if !ok {
			continue // already confirmed exactly once
		}
		if pt.state != TxProposed {
			return fmt.Errorf("tx %s is %s, confirm requires proposed", h.Short(), pt.state)
		}
		if pt.proposedIn != blockHash {
			return fmt.Errorf("tx %s proposed in %s, not %s", h.Short(), pt.proposedIn.Short(), blockHash.Short())
		}
		pt.state = TxConfirmed
		tp.dropLocked(pt)
	}
	return nil
}

// Rollback reverts a rejected block's transactions to Pending.
func (tp *TxPool) Rollback(blockHash Hash, hashes []Hash) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for _, h := range hashes {
		pt, ok := tp.lookup[h]
		if !ok || pt.state != TxProposed || pt.proposedIn != blockHash {
			continue
		}
		pt.state = TxPending
		pt.proposedIn = Hash{}
		heap.Push(&tp.pending, pt)
	}
}

// Snapshot returns a copy of all pending transactions in the pool.
func (tp *TxPool) Snapshot() []*Transaction {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	if tp.pending.Len() == 0 {
		return nil
	}
	list := make([]*Transaction, 0, tp.pending.Len())
	for _, pt := range tp.pending {
		list = append(list, pt.tx)
	}
	return list
}
