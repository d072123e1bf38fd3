package core

// statetrie_service.go – the StateTrie component.
//
// On every validated block it applies the account-model transition
// (value transfer, nonce bump, gas fee to the beneficiary) to the trie
// and publishes StateRootComputed keyed by block hash.  Transactions
// carrying contract payloads are additionally run through the
// contract-execution port; its account writes land in the same batch.

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// StateTrieService glues the trie to the event bus.
type StateTrieService struct {
	trie     *StateTrie
	executor ContractExecutor // optional; nil skips contract payloads
	bus      *EventBus
	keys     KeyStore
	clk      clock.Clock
	log      *logrus.Logger

	mu    sync.Mutex
	roots map[Hash]Hash // block hash -> state root

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

const stateRootCache = 4096

// NewStateTrieService wires the component.
func NewStateTrieService(trie *StateTrie, executor ContractExecutor, bus *EventBus, keys KeyStore, clk clock.Clock, lg *logrus.Logger) *StateTrieService {
	if clk == nil {
		clk = clock.New()
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &StateTrieService{
		trie:     trie,
		executor: executor,
		bus:      bus,
		keys:     keys,
		clk:      clk,
		log:      lg,
		roots:    make(map[Hash]Hash),
		stop:     make(chan struct{}),
	}
}

// Trie exposes the underlying trie for read-side callers (gateway).
func (ss *StateTrieService) Trie() *StateTrie { return ss.trie }

// Start subscribes to validated-block events.
func (ss *StateTrieService) Start() {
	validated, cancel := ss.bus.Subscribe(TopicBlockValidated, SubStateTrie, 0)
	ss.wg.Add(1)
	go func() {
		defer ss.wg.Done()
		defer cancel()
		for {
			select {
			case env, ok := <-validated:
				if !ok {
					return
				}
				ss.handleBlockValidated(env)
			case <-ss.stop:
				return
			}
		}
	}()
}

// Stop shuts the component down.
func (ss *StateTrieService) Stop() {
	ss.stopOnce.Do(func() { close(ss.stop) })
	ss.wg.Wait()
}

func (ss *StateTrieService) handleBlockValidated(env *Envelope) {
	if err := ss.bus.Reverify(TopicBlockValidated, env); err != nil {
		ss.log.Debugf("statetrie: rejected envelope: %v", err)
		return
	}
	var evt BlockValidatedEvent
	if err := UnmarshalPayload(env.Payload, &evt); err != nil || evt.Block == nil {
		ss.log.Debugf("statetrie: malformed event: %v", err)
		return
	}

	changes, err := ss.TransitionChanges(evt.Block)
	if err != nil {
		ss.log.Warnf("statetrie: transition for %s failed: %v", evt.BlockHash.Short(), err)
		return
	}
	root, err := ss.trie.Apply(changes)
	if err != nil {
		ss.log.Warnf("statetrie: apply for %s failed: %v", evt.BlockHash.Short(), err)
		return
	}
	ss.cacheRoot(evt.BlockHash, root)

	payload, err := MarshalPayload(RootComputedEvent{BlockHash: evt.BlockHash, Root: root})
	if err != nil {
		return
	}
	out, err := NewEnvelope(SubStateTrie, SubAssembler, payload, ss.clk.Now())
	if err != nil {
		return
	}
	if err := out.Seal(ss.keys.BusSecret()); err != nil {
		return
	}
	if err := ss.bus.Publish(TopicStateRootComputed, out); err != nil {
		ss.log.Warnf("statetrie: root publish failed: %v", err)
	}
}

// TransitionChanges computes the account writes a block implies.  The
// plain value/nonce/fee arithmetic is resolved here; contract payloads
// defer to the executor port.
func (ss *StateTrieService) TransitionChanges(b *Block) ([]StateChange, error) {
	// Working copy of touched accounts so multiple txs from one sender
	// compose within the block.
	touched := make(map[Address]Account)
	load := func(addr Address) (Account, error) {
		if acct, ok := touched[addr]; ok {
			return acct, nil
		}
		acct, _, err := ss.trie.Get(addr)
		if err != nil {
			return Account{}, err
		}
		return acct, nil
	}

	var contractTxs []*Transaction
	for i, tx := range b.Transactions {
		if len(tx.Data) != 0 && ss.executor != nil {
			contractTxs = append(contractTxs, tx)
			continue
		}
		from, err := load(tx.From)
		if err != nil {
			return nil, err
		}
		fee := tx.GasPrice * tx.GasLimit
		cost := tx.Value + fee
		if from.Balance < cost {
			return nil, fmt.Errorf("tx %d: insufficient balance for %s", i, tx.From.Hex()[:8])
		}
		from.Balance -= cost
		from.Nonce++
		touched[tx.From] = from

		to, err := load(tx.To)
		if err != nil {
			return nil, err
		}
		to.Balance += tx.Value
		touched[tx.To] = to

		ben, err := load(b.Header.Beneficiary)
		if err != nil {
			return nil, err
		}
		ben.Balance += fee
		touched[b.Header.Beneficiary] = ben
	}

	if len(contractTxs) != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		execChanges, err := ss.executor.Execute(ctx, b.Header.ParentHash, contractTxs)
		if err != nil {
			return nil, fmt.Errorf("contract execution: %w", err)
		}
		for _, ch := range execChanges {
			touched[ch.Addr] = ch.Account
		}
	}

	changes := make([]StateChange, 0, len(touched))
	for addr, acct := range touched {
		changes = append(changes, StateChange{Addr: addr, Account: acct})
	}
	// Deterministic order: the trie root does not depend on write order,
	// but logs and tests do.
	sort.Slice(changes, func(i, j int) bool {
		return bytes.Compare(changes[i].Addr[:], changes[j].Addr[:]) < 0
	})
	return changes, nil
}

func (ss *StateTrieService) cacheRoot(blockHash, root Hash) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if len(ss.roots) >= stateRootCache {
		for k := range ss.roots {
			delete(ss.roots, k)
			break
		}
	}
	ss.roots[blockHash] = root
}

// Root returns the cached state root for a block hash.
func (ss *StateTrieService) Root(blockHash Hash) (Hash, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	r, ok := ss.roots[blockHash]
	return r, ok
}
