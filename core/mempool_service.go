package core

// mempool_service.go – the bus-facing surface of the transaction pool.
//
// Handles externally submitted transactions (gateway, gossip), serves
// OrderTransactionsRequest for the consensus engine — the only subsystem
// the matrix allows to ask — and applies confirm/rollback outcomes.

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// MempoolService glues the TxPool to the event bus.
type MempoolService struct {
	pool *TxPool
	bus  *EventBus
	keys KeyStore
	clk  clock.Clock
	log  *logrus.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMempoolService wires the pool to the bus.
func NewMempoolService(pool *TxPool, bus *EventBus, keys KeyStore, clk clock.Clock, lg *logrus.Logger) *MempoolService {
	if clk == nil {
		clk = clock.New()
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &MempoolService{pool: pool, bus: bus, keys: keys, clk: clk, log: lg, stop: make(chan struct{})}
}

// Pool exposes the underlying pool for in-process callers.
func (ms *MempoolService) Pool() *TxPool { return ms.pool }

// Start subscribes to the mempool topics.
func (ms *MempoolService) Start() {
	submitted, cancelSub := ms.bus.Subscribe(TopicTxSubmitted, SubMempool, 0)
	order, cancelOrder := ms.bus.Subscribe(TopicOrderTxRequest, SubMempool, 0)
	confirmed, cancelConf := ms.bus.Subscribe(TopicTxConfirmed, SubMempool, 0)
	rolled, cancelRoll := ms.bus.Subscribe(TopicTxRolledBack, SubMempool, 0)

	ms.wg.Add(1)
	go func() {
		defer ms.wg.Done()
		defer cancelSub()
		defer cancelOrder()
		defer cancelConf()
		defer cancelRoll()
		for {
			select {
			case env, ok := <-submitted:
				if !ok {
					return
				}
				ms.handleSubmitted(env)
			case env, ok := <-order:
				if !ok {
					return
				}
				ms.handleOrderRequest(env)
			case env, ok := <-confirmed:
				if !ok {
					return
				}
				ms.handleOutcome(env, TopicTxConfirmed)
			case env, ok := <-rolled:
				if !ok {
					return
				}
				ms.handleOutcome(env, TopicTxRolledBack)
			case <-ms.stop:
				return
			}
		}
	}()
}

// Stop shuts down the handler loop.
func (ms *MempoolService) Stop() {
	ms.stopOnce.Do(func() { close(ms.stop) })
	ms.wg.Wait()
}

func (ms *MempoolService) handleSubmitted(env *Envelope) {
	if err := ms.bus.Reverify(TopicTxSubmitted, env); err != nil {
		ms.log.Debugf("mempool: rejected submission envelope: %v", err)
		return
	}
	var msg TxSubmittedMsg
	if err := UnmarshalPayload(env.Payload, &msg); err != nil || msg.Tx == nil {
		ms.log.Debugf("mempool: malformed submission: %v", err)
		return
	}
	if err := ms.pool.AddTx(msg.Tx); err != nil {
		ms.log.Debugf("mempool: admission refused: %v", err)
	}
}

func (ms *MempoolService) handleOrderRequest(env *Envelope) {
	if err := ms.bus.Reverify(TopicOrderTxRequest, env); err != nil {
		ms.log.Debugf("mempool: rejected order request: %v", err)
		return
	}
	var req OrderTxRequestMsg
	if err := UnmarshalPayload(env.Payload, &req); err != nil {
		ms.log.Debugf("mempool: malformed order request: %v", err)
		return
	}

	// The block hash is unknown at selection time; the selection is
	// keyed to the correlation id until the proposal lands.
	var key Hash
	copy(key[:], env.CorrelationID[:])
	txs := ms.pool.SelectAndPropose(key, req.MaxTxs, req.GasLimit)

	payload, err := MarshalPayload(OrderTxResponseMsg{Txs: txs})
	if err != nil {
		return
	}
	reply, err := NewReply(env, SubMempool, payload, ms.clk.Now())
	if err != nil {
		return
	}
	if err := reply.Seal(ms.keys.BusSecret()); err != nil {
		return
	}
	if err := ms.bus.Publish(TopicOrderTxResponse, reply); err != nil {
		ms.log.Debugf("mempool: order response dropped: %v", err)
	}
}

// Rebind moves a proposal from its selection key to the real block hash
// once the proposer has sealed the candidate.
func (ms *MempoolService) Rebind(selectionKey, blockHash Hash, hashes []Hash) {
	ms.pool.Rollback(selectionKey, hashes)
	if err := ms.pool.Propose(blockHash, hashes); err != nil {
		ms.log.Warnf("mempool: rebind to %s failed: %v", blockHash.Short(), err)
	}
}

func (ms *MempoolService) handleOutcome(env *Envelope, topic string) {
	if err := ms.bus.Reverify(topic, env); err != nil {
		ms.log.Debugf("mempool: rejected outcome envelope: %v", err)
		return
	}
	var msg TxOutcomeMsg
	if err := UnmarshalPayload(env.Payload, &msg); err != nil {
		ms.log.Debugf("mempool: malformed outcome: %v", err)
		return
	}
	switch topic {
	case TopicTxConfirmed:
		if err := ms.pool.Confirm(msg.BlockHash, msg.TxHashes); err != nil {
			ms.log.Warnf("mempool: confirm refused: %v", err)
		}
	case TopicTxRolledBack:
		ms.pool.Rollback(msg.BlockHash, msg.TxHashes)
	}
}
