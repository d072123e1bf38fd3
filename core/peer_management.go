package core

// peer_management.go – the PeerRegistry component.
//
// PeerRegistry wraps the RoutingTable with the event-bus surface and the
// peer lifecycle: discovery → staging → identity verification → bucket
// residence → challenge/eviction or ban.  It answers PeerListRequest for
// the subsystems allowed to ask (Propagation, Gateway, LightClient),
// publishes ban/eviction events, and turns repeated misbehaviour into
// reputation strikes.

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

const (
	registrySweepInterval = time.Second
	// DefaultBanDuration applies when no explicit duration is given.
	DefaultBanDuration = 10 * time.Minute

	// strikeMalformed / strikeClean tune the reputation walk.
	strikeMalformed = -15
	strikeClean     = 1
)

// PeerRegistry is the bounded-context component owning all peer state.
type PeerRegistry struct {
	table    *RoutingTable
	verifier *SignatureVerifier
	bus      *EventBus
	keys     KeyStore
	clk      clock.Clock
	log      *logrus.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPeerRegistry wires the registry to its collaborators.
func NewPeerRegistry(table *RoutingTable, verifier *SignatureVerifier, bus *EventBus, keys KeyStore, clk clock.Clock, lg *logrus.Logger) *PeerRegistry {
	if clk == nil {
		clk = clock.New()
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	pr := &PeerRegistry{
		table:    table,
		verifier: verifier,
		bus:      bus,
		keys:     keys,
		clk:      clk,
		log:      lg,
		stop:     make(chan struct{}),
	}
	table.SetEvictionHook(pr.publishEvicted)
	return pr
}

// Table exposes the underlying routing table for read-side callers.
func (pr *PeerRegistry) Table() *RoutingTable { return pr.table }

//---------------------------------------------------------------------
// Lifecycle
//---------------------------------------------------------------------

// Start subscribes to the registry's topics and launches maintenance.
func (pr *PeerRegistry) Start() {
	listReq, cancelList := pr.bus.Subscribe(TopicPeerListRequest, SubPeerRegistry, 0)
	unauth, cancelUnauth := pr.bus.Subscribe(TopicUnauthorizedSender, SubPeerRegistry, 0)

	pr.wg.Add(2)
	go func() {
		defer pr.wg.Done()
		defer cancelList()
		for {
			select {
			case env, ok := <-listReq:
				if !ok {
					return
				}
				pr.handlePeerListRequest(env)
			case <-pr.stop:
				return
			}
		}
	}()
	go func() {
		defer pr.wg.Done()
		defer cancelUnauth()
		for {
			select {
			case _, ok := <-unauth:
				if !ok {
					return
				}
				// Envelope-level violations have no NodeID to strike;
				// the event is kept for operators and future policy.
			case <-pr.stop:
				return
			}
		}
	}()

	ticker := pr.clk.Ticker(registrySweepInterval)
	pr.wg.Add(1)
	go func() {
		defer pr.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pr.table.SweepStaging()
				pr.table.SweepChallenges()
				pr.table.PruneBans()
			case <-pr.stop:
				return
			}
		}
	}()
}

// Stop terminates background work and waits for handlers to drain.
func (pr *PeerRegistry) Stop() {
	pr.stopOnce.Do(func() { close(pr.stop) })
	pr.wg.Wait()
}

//---------------------------------------------------------------------
// Discovery and admission
//---------------------------------------------------------------------

// Discover admits a network-level peer discovery: staging first, then a
// synchronous identity check against the presented proof.  Returns
// ErrStagingAreaFull on overflow (tail-drop).  A failed proof resolves to
// a silent drop.
func (pr *PeerRegistry) Discover(info PeerInfo, proof PeerIdentityProof) error {
	if err := pr.table.Stage(info); err != nil {
		return err
	}
	pr.table.CompleteVerification(info.NodeID, pr.verifier.VerifyIdentityProof(proof))
	return nil
}

// StageOnly admits a peer without resolving verification; the caller
// later reports the outcome via ResolveVerification.  Used when the proof
// arrives asynchronously over the wire.
func (pr *PeerRegistry) StageOnly(info PeerInfo) error { return pr.table.Stage(info) }

// ResolveVerification completes an asynchronous admission.
func (pr *PeerRegistry) ResolveVerification(id NodeID, proof PeerIdentityProof) {
	pr.table.CompleteVerification(id, pr.verifier.VerifyIdentityProof(proof))
}

//---------------------------------------------------------------------
// Misbehaviour accounting
//---------------------------------------------------------------------

// ReportMalformed strikes a peer for a structurally broken message and
// bans it when reputation crosses the floor.
func (pr *PeerRegistry) ReportMalformed(id NodeID) {
	if _, ban := pr.table.AdjustReputation(id, strikeMalformed); ban {
		pr.BanPeer(id, BanMalformedMessage, DefaultBanDuration)
	}
}

// ReportExcessive strikes a peer for exceeding its request budget.
func (pr *PeerRegistry) ReportExcessive(id NodeID) {
	if _, ban := pr.table.AdjustReputation(id, strikeMalformed); ban {
		pr.BanPeer(id, BanExcessiveRequests, DefaultBanDuration)
	}
}

// ReportClean lets a long-lived peer recover reputation slowly.
func (pr *PeerRegistry) ReportClean(id NodeID) {
	pr.table.AdjustReputation(id, strikeClean)
	pr.table.MarkSeen(id)
}

// BanPeer applies a ban and publishes the event.
func (pr *PeerRegistry) BanPeer(id NodeID, reason BanReason, d time.Duration) {
	pr.table.Ban(id, reason, d)
	payload, err := MarshalPayload(PeerBannedEvent{
		NodeID: id,
		Reason: reason.String(),
		Until:  pr.clk.Now().Add(d).Unix(),
	})
	if err != nil {
		return
	}
	pr.publish(TopicPeerBanned, payload)
}

func (pr *PeerRegistry) publishEvicted(id NodeID, bucketIdx int) {
	payload, err := MarshalPayload(PeerEvictedEvent{NodeID: id, Bucket: bucketIdx})
	if err != nil {
		return
	}
	pr.publish(TopicPeerEvicted, payload)
}

//---------------------------------------------------------------------
// Bus endpoints
//---------------------------------------------------------------------

func (pr *PeerRegistry) handlePeerListRequest(env *Envelope) {
	if err := pr.bus.Reverify(TopicPeerListRequest, env); err != nil {
		pr.log.Debugf("peers: rejected list request: %v", err)
		return
	}
	var req PeerListRequestMsg
	if err := UnmarshalPayload(env.Payload, &req); err != nil {
		pr.log.Debugf("peers: malformed list request: %v", err)
		return
	}
	if req.Count <= 0 || req.Count > DefaultBucketSize {
		req.Count = DefaultBucketSize
	}

	peers := pr.table.FindClosest(req.Target, req.Count)
	payload, err := MarshalPayload(PeerListResponseMsg{Peers: peers})
	if err != nil {
		return
	}
	reply, err := NewReply(env, SubPeerRegistry, payload, pr.clk.Now())
	if err != nil {
		return
	}
	if err := reply.Seal(pr.keys.BusSecret()); err != nil {
		return
	}
	if err := pr.bus.Publish(TopicPeerListResponse, reply); err != nil {
		pr.log.Debugf("peers: list response dropped: %v", err)
	}
}

func (pr *PeerRegistry) publish(topic string, payload []byte) {
	env, err := NewEnvelope(SubPeerRegistry, SubPropagation, payload, pr.clk.Now())
	if err != nil {
		return
	}
	if err := env.Seal(pr.keys.BusSecret()); err != nil {
		return
	}
	if err := pr.bus.Publish(topic, env); err != nil {
		pr.log.Debugf("peers: publish %q failed: %v", topic, err)
	}
}
