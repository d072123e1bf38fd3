package core

// bus.go – authenticated in-process event bus.
//
// Responsibilities:
//   • Publish/Subscribe fan-out with per-subscriber bounded queues.
//   • The envelope verification pipeline: version → topic allow-list →
//     timestamp window → constant-time HMAC → nonce / correlation check.
//   • Pending-request tracking so responses are only accepted while a
//     request is outstanding; orphans are dropped at debug.
//
// The bus is NOT a trust boundary.  It runs the full pipeline at ingress
// (the nonce insertion must happen exactly once per envelope), and every
// recipient re-runs the stateless steps via Reverify before acting.

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

//---------------------------------------------------------------------
// Topics and the authorization matrix
//---------------------------------------------------------------------

const (
	TopicBlockValidated     = "consensus/block-validated"
	TopicEquivocation       = "consensus/equivocation"
	TopicConsensusFailed    = "consensus/failed"
	TopicMerkleRootComputed = "txindex/merkle-root"
	TopicStateRootComputed  = "statetrie/state-root"
	TopicBlockStored        = "assembler/block-stored"
	TopicAssemblyFailed     = "assembler/failed"
	TopicAssemblyTimedOut   = "assembler/timed-out"
	TopicBlockFinalized     = "finality/finalized"
	TopicPeerListRequest    = "peers/list-request"
	TopicPeerListResponse   = "peers/list-response"
	TopicPeerBanned         = "peers/banned"
	TopicPeerEvicted        = "peers/evicted"
	TopicOrderTxRequest     = "mempool/order-request"
	TopicOrderTxResponse    = "mempool/order-response"
	TopicTxSubmitted        = "mempool/tx-submitted"
	TopicTxConfirmed        = "mempool/tx-confirmed"
	TopicTxRolledBack       = "mempool/tx-rolled-back"
	TopicExecuteTxRequest   = "executor/execute-request"
	TopicExecuteTxResponse  = "executor/execute-response"
	TopicTxHashesRequest    = "blockstore/tx-hashes-request"
	TopicTxHashesResponse   = "blockstore/tx-hashes-response"
	TopicGetBlockRequest    = "blockstore/get-block-request"
	TopicGetBlockResponse   = "blockstore/get-block-response"
	TopicUnauthorizedSender = "bus/unauthorized-sender"
)

type topicSpec struct {
	publishers map[SubsystemID]bool
	response   bool // response-style: correlation check instead of nonce
}

func pubs(ids ...SubsystemID) map[SubsystemID]bool {
	m := make(map[SubsystemID]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// topicMatrix is the IPC authorization matrix: which subsystem may
// publish on which topic.
var topicMatrix = map[string]topicSpec{
	TopicBlockValidated:     {publishers: pubs(SubConsensus)},
	TopicEquivocation:       {publishers: pubs(SubConsensus)},
	TopicConsensusFailed:    {publishers: pubs(SubConsensus)},
	TopicMerkleRootComputed: {publishers: pubs(SubTxIndex)},
	TopicStateRootComputed:  {publishers: pubs(SubStateTrie)},
	TopicBlockStored:        {publishers: pubs(SubAssembler)},
	TopicAssemblyFailed:     {publishers: pubs(SubAssembler)},
	TopicAssemblyTimedOut:   {publishers: pubs(SubAssembler)},
	TopicBlockFinalized:     {publishers: pubs(SubFinality)},
	TopicPeerListRequest:    {publishers: pubs(SubPropagation, SubGateway, SubLightClient)},
	TopicPeerListResponse:   {publishers: pubs(SubPeerRegistry), response: true},
	TopicPeerBanned:         {publishers: pubs(SubPeerRegistry)},
	TopicPeerEvicted:        {publishers: pubs(SubPeerRegistry)},
	TopicOrderTxRequest:     {publishers: pubs(SubConsensus)},
	TopicOrderTxResponse:    {publishers: pubs(SubMempool), response: true},
	TopicTxSubmitted:        {publishers: pubs(SubGateway, SubPropagation)},
	TopicTxConfirmed:        {publishers: pubs(SubConsensus)},
	TopicTxRolledBack:       {publishers: pubs(SubConsensus)},
	TopicExecuteTxRequest:   {publishers: pubs(SubConsensus, SubOrdering)},
	TopicExecuteTxResponse:  {publishers: pubs(SubContractPort), response: true},
	TopicTxHashesRequest:    {publishers: pubs(SubTxIndex)},
	TopicTxHashesResponse:   {publishers: pubs(SubBlockStore), response: true},
	TopicGetBlockRequest:    {publishers: pubs(SubGateway, SubLightClient, SubPropagation)},
	TopicGetBlockResponse:   {publishers: pubs(SubBlockStore), response: true},
	TopicUnauthorizedSender: {publishers: pubs(SubBus)},
}

const (
	// DefaultPastTolerance / DefaultFutureTolerance bound accepted
	// envelope timestamps.
	DefaultPastTolerance   = 60 * time.Second
	DefaultFutureTolerance = 10 * time.Second

	defaultSubscriberBuffer = 256
	pendingSweepInterval    = 5 * time.Second
)

//---------------------------------------------------------------------
// EventBus
//---------------------------------------------------------------------

type subscriber struct {
	owner    SubsystemID
	ch       chan *Envelope
	degraded atomic.Bool // set outside b.mu, so it must be atomic
}

// EventBus routes sealed envelopes between components.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]*subscriber
	secret  []byte
	nonces  *NonceCache
	clk     clock.Clock
	log     *logrus.Logger
	pastTol time.Duration
	futTol  time.Duration

	pendMu  sync.Mutex
	pending map[[16]byte]time.Time // correlation id -> deadline

	stop     chan struct{}
	stopOnce sync.Once
}

// NewEventBus wires the bus to the shared HMAC secret and nonce cache.
func NewEventBus(keys KeyStore, nonces *NonceCache, clk clock.Clock, lg *logrus.Logger) *EventBus {
	if clk == nil {
		clk = clock.New()
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &EventBus{
		subs:    make(map[string][]*subscriber),
		secret:  keys.BusSecret(),
		nonces:  nonces,
		clk:     clk,
		log:     lg,
		pastTol: DefaultPastTolerance,
		futTol:  DefaultFutureTolerance,
		pending: make(map[[16]byte]time.Time),
		stop:    make(chan struct{}),
	}
}

// SetTimestampTolerance overrides the accepted timestamp window.
func (b *EventBus) SetTimestampTolerance(past, future time.Duration) {
	b.pastTol, b.futTol = past, future
}

// Start launches the pending-request sweeper.
func (b *EventBus) Start() {
	ticker := b.clk.Ticker(pendingSweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.sweepPending()
			case <-b.stop:
				return
			}
		}
	}()
}

// Stop terminates background work.
func (b *EventBus) Stop() { b.stopOnce.Do(func() { close(b.stop) }) }

// Subscribe registers owner on topic with a bounded queue and returns the
// receive channel plus a cancel func.  Envelopes arrive in publish order.
func (b *EventBus) Subscribe(topic string, owner SubsystemID, buffer int) (<-chan *Envelope, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	sub := &subscriber{owner: owner, ch: make(chan *Envelope, buffer)}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s == sub {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
	return sub.ch, cancel
}

// ExpectReply registers a pending request so a future response with the
// same correlation id passes verification.  Expired entries are swept.
func (b *EventBus) ExpectReply(correlationID [16]byte, timeout time.Duration) {
	b.pendMu.Lock()
	b.pending[correlationID] = b.clk.Now().Add(timeout)
	b.pendMu.Unlock()
}

func (b *EventBus) sweepPending() {
	now := b.clk.Now()
	b.pendMu.Lock()
	for id, deadline := range b.pending {
		if now.After(deadline) {
			delete(b.pending, id)
		}
	}
	b.pendMu.Unlock()
}

// consumePending removes and reports the pending entry for id.
func (b *EventBus) consumePending(id [16]byte) bool {
	b.pendMu.Lock()
	defer b.pendMu.Unlock()
	deadline, ok := b.pending[id]
	if !ok {
		return false
	}
	delete(b.pending, id)
	return !b.clk.Now().After(deadline)
}

//---------------------------------------------------------------------
// Verification pipeline
//---------------------------------------------------------------------

// Reverify runs the stateless checks (version, allow-list, timestamp,
// HMAC) a recipient performs before acting on an envelope.  The nonce and
// correlation steps are ingress-only and are not repeated here.
func (b *EventBus) Reverify(topic string, env *Envelope) error {
	return b.verifyStateless(topic, env)
}

func (b *EventBus) verifyStateless(topic string, env *Envelope) error {
	if env.Version != EnvelopeVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	spec, ok := topicMatrix[topic]
	if !ok {
		return fmt.Errorf("%w: topic %q", ErrUnknownRecipient, topic)
	}
	if !spec.publishers[env.SenderID] {
		return fmt.Errorf("%w: %s on %q", ErrUnauthorizedSender, env.SenderID, topic)
	}
	now := b.clk.Now()
	ts := time.Unix(env.Timestamp, 0)
	if ts.Before(now.Add(-b.pastTol)) {
		return fmt.Errorf("%w: %s", ErrStaleTimestamp, ts.UTC())
	}
	if ts.After(now.Add(b.futTol)) {
		return fmt.Errorf("%w: %s", ErrFutureTimestamp, ts.UTC())
	}
	return env.VerifyHMAC(b.secret)
}

// verifyIngress runs the complete pipeline including the stateful nonce /
// correlation step.
func (b *EventBus) verifyIngress(topic string, env *Envelope) error {
	if err := b.verifyStateless(topic, env); err != nil {
		return err
	}
	if topicMatrix[topic].response {
		if !b.consumePending(env.CorrelationID) {
			return ErrOrphanResponse
		}
		return nil
	}
	return b.nonces.Observe(env.Nonce, time.Unix(env.Timestamp, 0))
}

//---------------------------------------------------------------------
// Publish
//---------------------------------------------------------------------

// Publish verifies env at ingress and fans it out to every subscriber of
// topic.  Delivery is non-blocking: a full subscriber queue drops the
// envelope with a loud warning and the subscriber is flagged degraded.
func (b *EventBus) Publish(topic string, env *Envelope) error {
	if err := b.verifyIngress(topic, env); err != nil {
		b.dropped(topic, env, err)
		return err
	}
	b.fanout(topic, env)
	return nil
}

func (b *EventBus) fanout(topic string, env *Envelope) {
	b.mu.RLock()
	list := b.subs[topic]
	b.mu.RUnlock()

	for _, sub := range list {
		select {
		case sub.ch <- env:
		default:
			sub.degraded.Store(true)
			b.log.Warnf("bus: subscriber %s degraded, dropped envelope on %q", sub.owner, topic)
		}
	}
}

// dropped handles a rejected envelope: debug log always, plus an
// unauthorized-sender event when the allow-list was the failing check.
func (b *EventBus) dropped(topic string, env *Envelope, err error) {
	b.log.Debugf("bus: dropped envelope on %q from %s: %v", topic, env.SenderID, err)
	if ErrorCode(err) != "UNAUTHORIZED_SENDER" || topic == TopicUnauthorizedSender {
		return
	}
	payload, mErr := MarshalPayload(UnauthorizedSenderEvent{Topic: topic, Sender: env.SenderID})
	if mErr != nil {
		return
	}
	evt, mErr := NewEnvelope(SubBus, SubPeerRegistry, payload, b.clk.Now())
	if mErr != nil {
		return
	}
	if mErr = evt.Seal(b.secret); mErr != nil {
		return
	}
	b.fanout(TopicUnauthorizedSender, evt)
}
