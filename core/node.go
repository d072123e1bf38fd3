package core

// node.go – wires every component into one running node.
//
// There is no orchestrator at runtime: the constructor builds the
// components, subscribes them to their topics and gets out of the way.
// The only cross-component glue living here is what the choreography
// cannot express inside a single component: rebinding mempool proposals
// to the sealed block hash, gossiping freshly stored blocks, attesting
// checkpoints and confirming transactions on finality.

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

//---------------------------------------------------------------------
// Key store
//---------------------------------------------------------------------

// StaticKeyStore is the in-process KeyStore used by tests and
// single-binary deployments; production nodes wrap an external vault.
type StaticKeyStore struct {
	Secret []byte
	Priv   []byte
	Pub    []byte
}

func (s *StaticKeyStore) BusSecret() []byte        { return s.Secret }
func (s *StaticKeyStore) ValidatorPrivKey() []byte { return s.Priv }
func (s *StaticKeyStore) ValidatorPubKey() []byte  { return s.Pub }

//---------------------------------------------------------------------
// Node configuration
//---------------------------------------------------------------------

// NodeConfig aggregates every component's tuning knobs.
type NodeConfig struct {
	LocalID      NodeID
	SelfAddr     Address
	Validators   []Validator
	Registry     RegistryConfig
	Mempool      MempoolConfig
	Consensus    ConsensusConfig
	Assembler    AssemblerConfig
	Finality     FinalityConfig
	ReplayWindow time.Duration
	Beneficiary  Address
}

// Node owns every component of the running process.
type Node struct {
	cfg NodeConfig
	log *logrus.Logger
	clk clock.Clock

	Keys      *StaticKeyStore
	Nonces    *NonceCache
	Bus       *EventBus
	Verifier  *SignatureVerifier
	Table     *RoutingTable
	Registry  *PeerRegistry
	Pool      *TxPool
	Mempool   *MempoolService
	TxIndex   *TxIndexService
	Trie      *StateTrie
	State     *StateTrieService
	Consensus *QuorumConsensus
	Finality  *Finality
	Assembler *BlockAssembler
	Store     *BlockStore
	Gossip    *Propagation
	Contracts *ContractPortService
	HTLC      *HTLCRegistry
	Gateway   *Gateway

	txSource *busTxSource

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewNode assembles the full component graph.
func NewNode(cfg NodeConfig, keys *StaticKeyStore, transport NetworkTransport, executor ContractExecutor, kv KVStore, clk clock.Clock, lg *logrus.Logger) (*Node, error) {
	if len(keys.Secret) == 0 {
		return nil, fmt.Errorf("empty bus secret")
	}
	if clk == nil {
		clk = clock.New()
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	if kv == nil {
		kv = NewMemoryKV()
	}

	n := &Node{cfg: cfg, log: lg, clk: clk, Keys: keys, stop: make(chan struct{})}

	n.Nonces = NewNonceCache(cfg.ReplayWindow, clk)
	n.Bus = NewEventBus(keys, n.Nonces, clk, lg)
	n.Verifier = NewSignatureVerifier(lg)
	n.Table = NewRoutingTable(cfg.LocalID, cfg.Registry, transport, clk, lg)
	n.Registry = NewPeerRegistry(n.Table, n.Verifier, n.Bus, keys, clk, lg)
	n.Pool = NewTxPool(cfg.Mempool, n.Verifier, lg)
	n.Mempool = NewMempoolService(n.Pool, n.Bus, keys, clk, lg)
	n.TxIndex = NewTxIndexService(n.Bus, keys, clk, lg)
	n.Trie = NewStateTrie()
	n.State = NewStateTrieService(n.Trie, executor, n.Bus, keys, clk, lg)
	n.Store = NewBlockStore(kv, n.Bus, keys, clk, zap.NewNop().Sugar())
	n.Assembler = NewBlockAssembler(cfg.Assembler, n.Store, n.Bus, keys, clk, lg)

	validators := NewValidatorSet(cfg.Validators)
	n.Finality = NewFinality(cfg.Finality, validators, n.Verifier, n.Store, n.Bus, keys, clk, lg)
	n.Gossip = NewPropagation(n.Table, transport, n.Verifier, n.Registry, n.Bus, keys, clk, lg)
	n.Contracts = NewContractPortService(executor, n.Bus, keys, clk, lg)
	n.HTLC = NewHTLCRegistry(clk)

	n.txSource = newBusTxSource(n.Bus, keys, clk, lg)
	qc, err := NewQuorumConsensus(cfg.Consensus, validators, cfg.SelfAddr, keys.Priv, n.Verifier, n.txSource, &gossipVoteBroadcaster{gossip: n.Gossip, log: lg}, n.Bus, keys, clk, lg)
	if err != nil {
		return nil, err
	}
	n.Consensus = qc

	n.Gateway = NewGateway(n.Bus, n.Store, n.Trie, n.Pool, n.Table, n.TxIndex, n.Finality, n.HTLC, keys, clk, lg)
	return n, nil
}

// Start launches every component and the glue loops.
func (n *Node) Start() {
	n.Nonces.Start()
	n.Bus.Start()
	n.txSource.Start()
	n.Registry.Start()
	n.Mempool.Start()
	n.TxIndex.Start()
	n.State.Start()
	n.Store.Start()
	n.Assembler.Start()
	n.Finality.Start()
	n.Contracts.Start()
	n.startGlue()
	n.log.Infof("node %s started with %d validators", n.cfg.LocalID.Hex()[:8], len(n.cfg.Validators))
}

// Stop winds the node down in reverse dependency order.
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.stop) })
	n.wg.Wait()
	n.Contracts.Stop()
	n.Finality.Stop()
	n.Assembler.Stop()
	n.Store.Stop()
	n.State.Stop()
	n.TxIndex.Stop()
	n.Mempool.Stop()
	n.Registry.Stop()
	n.txSource.Stop()
	n.Bus.Stop()
	n.Nonces.Stop()
}

// ProposeNext drives one proposal round when this validator leads the
// current view: the parent is the stored tip, the beneficiary comes from
// configuration.
func (n *Node) ProposeNext() (*Block, error) {
	var parent Hash
	height := uint64(1)
	if tip, err := n.Store.Height(); err == nil {
		if blk, err := n.Store.GetBlockByHeight(tip); err == nil {
			parent = blk.Hash()
			height = tip + 1
		}
	}
	return n.Consensus.Propose(parent, height, n.cfg.Beneficiary)
}

//---------------------------------------------------------------------
// Glue loops
//---------------------------------------------------------------------

func (n *Node) startGlue() {
	validated, cancelV := n.Bus.Subscribe(TopicBlockValidated, SubMempool, 0)
	stored, cancelS := n.Bus.Subscribe(TopicBlockStored, SubPropagation, 0)
	finalized, cancelF := n.Bus.Subscribe(TopicBlockFinalized, SubConsensus, 0)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer cancelV()
		defer cancelS()
		defer cancelF()
		for {
			select {
			case env, ok := <-validated:
				if !ok {
					return
				}
				n.onBlockValidated(env)
			case env, ok := <-stored:
				if !ok {
					return
				}
				n.onBlockStored(env)
			case env, ok := <-finalized:
				if !ok {
					return
				}
				n.onBlockFinalized(env)
			case <-n.stop:
				return
			}
		}
	}()
}

// onBlockValidated rebinds the mempool proposal from its selection key
// to the sealed block hash.
func (n *Node) onBlockValidated(env *Envelope) {
	if err := n.Bus.Reverify(TopicBlockValidated, env); err != nil {
		return
	}
	var evt BlockValidatedEvent
	if err := UnmarshalPayload(env.Payload, &evt); err != nil || evt.Block == nil {
		return
	}
	if key, ok := n.txSource.takePending(); ok {
		n.Mempool.Rebind(key, evt.BlockHash, evt.Block.TxHashes())
	}
}

// onBlockStored gossips the block onward and attests at checkpoints.
func (n *Node) onBlockStored(env *Envelope) {
	if err := n.Bus.Reverify(TopicBlockStored, env); err != nil {
		return
	}
	var evt BlockStoredEvent
	if err := UnmarshalPayload(env.Payload, &evt); err != nil {
		return
	}
	blk, err := n.Store.GetBlock(evt.BlockHash)
	if err != nil {
		return
	}
	n.Gossip.GossipBlock(blk)

	if n.Finality.IsCheckpoint(evt.Height) {
		att, err := n.Finality.Attest(n.Keys.Priv, n.cfg.SelfAddr, evt.Height, evt.BlockHash)
		if err != nil {
			n.log.Debugf("node: attest failed: %v", err)
			return
		}
		if err := n.Finality.SubmitAttestation(*att); err != nil {
			n.log.Debugf("node: own attestation rejected: %v", err)
		}
	}
}

// onBlockFinalized confirms the block's transactions out of the pool.
func (n *Node) onBlockFinalized(env *Envelope) {
	if err := n.Bus.Reverify(TopicBlockFinalized, env); err != nil {
		return
	}
	var evt BlockFinalizedEvent
	if err := UnmarshalPayload(env.Payload, &evt); err != nil {
		return
	}
	hashes, err := n.Store.TxHashes(evt.BlockHash)
	if err != nil || len(hashes) == 0 {
		return
	}
	n.Consensus.ConfirmTransactions(evt.BlockHash, hashes)
}

//---------------------------------------------------------------------
// Consensus adapters
//---------------------------------------------------------------------

const protocolVoteTag = "qchain/vote/1"

// gossipVoteBroadcaster sends votes over the gossip layer.
type gossipVoteBroadcaster struct {
	gossip *Propagation
	log    *logrus.Logger
}

func (g *gossipVoteBroadcaster) BroadcastVote(v VoteMsg) error {
	payload, err := MarshalPayload(v)
	if err != nil {
		return err
	}
	g.gossip.Broadcast(protocolVoteTag, payload)
	return nil
}

// busTxSource satisfies the consensus proposal source by round-tripping
// OrderTransactionsRequest over the bus.
type busTxSource struct {
	bus  *EventBus
	keys KeyStore
	clk  clock.Clock
	log  *logrus.Logger

	mu         sync.Mutex
	pendingKey Hash
	hasPending bool
	waiters    map[[16]byte]chan []*Transaction

	responses <-chan *Envelope
	cancel    func()
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

const orderRequestTimeout = 2 * time.Second

func newBusTxSource(bus *EventBus, keys KeyStore, clk clock.Clock, lg *logrus.Logger) *busTxSource {
	return &busTxSource{
		bus:     bus,
		keys:    keys,
		clk:     clk,
		log:     lg,
		waiters: make(map[[16]byte]chan []*Transaction),
		stop:    make(chan struct{}),
	}
}

func (s *busTxSource) Start() {
	s.responses, s.cancel = s.bus.Subscribe(TopicOrderTxResponse, SubConsensus, 0)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.cancel()
		for {
			select {
			case env, ok := <-s.responses:
				if !ok {
					return
				}
				s.handleResponse(env)
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *busTxSource) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *busTxSource) handleResponse(env *Envelope) {
	if err := s.bus.Reverify(TopicOrderTxResponse, env); err != nil {
		return
	}
	var msg OrderTxResponseMsg
	if err := UnmarshalPayload(env.Payload, &msg); err != nil {
		return
	}
	s.mu.Lock()
	ch, ok := s.waiters[env.CorrelationID]
	if ok {
		delete(s.waiters, env.CorrelationID)
	}
	s.mu.Unlock()
	if ok {
		ch <- msg.Txs
	}
}

// NextBatch performs the request/response round trip and records the
// mempool's selection key for the later rebind.
func (s *busTxSource) NextBatch(selectionKey Hash, maxTxs int, gasLimit uint64) []*Transaction {
	payload, err := MarshalPayload(OrderTxRequestMsg{MaxTxs: maxTxs, GasLimit: gasLimit})
	if err != nil {
		return nil
	}
	env, err := NewEnvelope(SubConsensus, SubMempool, payload, s.clk.Now())
	if err != nil {
		return nil
	}
	if err := env.Seal(s.keys.BusSecret()); err != nil {
		return nil
	}

	ch := make(chan []*Transaction, 1)
	s.mu.Lock()
	s.waiters[env.CorrelationID] = ch
	s.mu.Unlock()

	s.bus.ExpectReply(env.CorrelationID, orderRequestTimeout)
	if err := s.bus.Publish(TopicOrderTxRequest, env); err != nil {
		s.mu.Lock()
		delete(s.waiters, env.CorrelationID)
		s.mu.Unlock()
		return nil
	}

	timer := s.clk.Timer(orderRequestTimeout)
	defer timer.Stop()
	select {
	case txs := <-ch:
		// The mempool keyed its proposal to the request correlation id.
		var key Hash
		copy(key[:], env.CorrelationID[:])
		s.mu.Lock()
		s.pendingKey = key
		s.hasPending = true
		s.mu.Unlock()
		return txs
	case <-timer.C:
		s.mu.Lock()
		delete(s.waiters, env.CorrelationID)
		s.mu.Unlock()
		s.log.Debugf("node: order request timed out")
		return nil
	}
}

// takePending hands out and clears the recorded selection key.
func (s *busTxSource) takePending() (Hash, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasPending {
		return Hash{}, false
	}
	s.hasPending = false
	return s.pendingKey, true
}
