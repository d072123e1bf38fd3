package core

// kademlia.go – XOR-distance routing table with eviction-on-failure.
//
// 256 k-buckets indexed by the leading-zero count of local⊕remote.  Each
// bucket holds up to K active peers (front = most recently seen) plus at
// most one pending-insertion slot for an eviction challenge.  Newly
// discovered peers wait in a bounded staging map until their identity
// proof checks out; staging overflow tail-drops the newcomer.
//
// The eviction rule is the anti-poisoning defense: a full bucket only
// admits a candidate if its oldest resident fails a PING inside the
// challenge window.  An attacker cannot displace an alive honest peer by
// connecting harder.

import (
	"bytes"
	"context"
	"fmt"
	"math/bits"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

const (
	// NumBuckets is one bucket per possible leading-zero count.
	NumBuckets = 256
	// DefaultBucketSize is K, the per-bucket capacity.
	DefaultBucketSize = 20
	// DefaultMaxPendingPeers caps the staging map.
	DefaultMaxPendingPeers = 1024
	// DefaultMaxPeersPerSubnet caps same-/24 (or /64) peers per bucket.
	DefaultMaxPeersPerSubnet = 2
	// DefaultVerifyDeadline bounds how long a peer may sit unverified.
	DefaultVerifyDeadline = 10 * time.Second
	// DefaultChallengeTimeout is the PING window of an eviction challenge.
	DefaultChallengeTimeout = 5 * time.Second

	// DefaultReputation is where every new peer starts; below
	// banReputationFloor the registry auto-bans.
	DefaultReputation  = 50
	banReputationFloor = 10
)

//---------------------------------------------------------------------
// Distance math (pure, never suspends)
//---------------------------------------------------------------------

// XORDistance returns local⊕remote.
func XORDistance(a, b NodeID) (d [32]byte) {
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// BucketIndex is the leading-zero count of the XOR distance.  Identical
// ids return 255 (they are rejected before insertion anyway).
func BucketIndex(local, remote NodeID) int {
	d := XORDistance(local, remote)
	lz := 0
	for _, byt := range d {
		if byt == 0 {
			lz += 8
			continue
		}
		lz += bits.LeadingZeros8(byt)
		break
	}
	if lz >= NumBuckets {
		lz = NumBuckets - 1
	}
	return lz
}

// closerToTarget orders a before b by ascending XOR distance to target,
// breaking ties by lexicographic NodeID so the order is deterministic.
func closerToTarget(target, a, b NodeID) bool {
	da, db := XORDistance(target, a), XORDistance(target, b)
	if c := bytes.Compare(da[:], db[:]); c != 0 {
		return c < 0
	}
	return bytes.Compare(a[:], b[:]) < 0
}

// subnetKey buckets an IP into its /24 (IPv4) or /64 (IPv6) prefix.
func subnetKey(ip net.IP) string {
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return (&net.IPNet{IP: v4.Mask(net.CIDRMask(24, 32)), Mask: net.CIDRMask(24, 32)}).String()
	}
	return (&net.IPNet{IP: ip.Mask(net.CIDRMask(64, 128)), Mask: net.CIDRMask(64, 128)}).String()
}

//---------------------------------------------------------------------
// Table structures
//---------------------------------------------------------------------

// RegistryConfig tunes the routing table.
type RegistryConfig struct {
	K                 int
	MaxPendingPeers   int
	MaxPeersPerSubnet int
	VerifyDeadline    time.Duration
	ChallengeTimeout  time.Duration
}

// DefaultRegistryConfig returns the stock tuning.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		K:                 DefaultBucketSize,
		MaxPendingPeers:   DefaultMaxPendingPeers,
		MaxPeersPerSubnet: DefaultMaxPeersPerSubnet,
		VerifyDeadline:    DefaultVerifyDeadline,
		ChallengeTimeout:  DefaultChallengeTimeout,
	}
}

type challenge struct {
	oldest    NodeID
	candidate *peerEntry
	deadline  time.Time
}

type bucket struct {
	peers   []*peerEntry // front = most recently seen
	pending *challenge
}

type stagingEntry struct {
	entry    *peerEntry
	deadline time.Time
}

// RoutingTable is the Kademlia table plus staging and ban state.
type RoutingTable struct {
	mu      sync.RWMutex
	local   NodeID
	cfg     RegistryConfig
	buckets [NumBuckets]*bucket
	staging map[NodeID]*stagingEntry
	bans    []banRecord

	transport NetworkTransport
	clk       clock.Clock
	log       *logrus.Logger

	// onEvicted is invoked outside the table lock after a successful
	// challenge eviction.
	onEvicted func(id NodeID, bucketIdx int)
}

// NewRoutingTable builds an empty table for the local node.
func NewRoutingTable(local NodeID, cfg RegistryConfig, transport NetworkTransport, clk clock.Clock, lg *logrus.Logger) *RoutingTable {
	if cfg.K <= 0 {
		cfg.K = DefaultBucketSize
	}
	if cfg.MaxPendingPeers <= 0 {
		cfg.MaxPendingPeers = DefaultMaxPendingPeers
	}
	if cfg.MaxPeersPerSubnet <= 0 {
		cfg.MaxPeersPerSubnet = DefaultMaxPeersPerSubnet
	}
	if cfg.VerifyDeadline <= 0 {
		cfg.VerifyDeadline = DefaultVerifyDeadline
	}
	if cfg.ChallengeTimeout <= 0 {
		cfg.ChallengeTimeout = DefaultChallengeTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	rt := &RoutingTable{
		local:     local,
		cfg:       cfg,
		staging:   make(map[NodeID]*stagingEntry),
		transport: transport,
		clk:       clk,
		log:       lg,
	}
	for i := range rt.buckets {
		rt.buckets[i] = &bucket{}
	}
	return rt
}

// SetEvictionHook registers a callback fired after challenge evictions.
func (rt *RoutingTable) SetEvictionHook(fn func(id NodeID, bucketIdx int)) { rt.onEvicted = fn }

//---------------------------------------------------------------------
// Staging admission
//---------------------------------------------------------------------

// Stage records a freshly discovered peer pending verification.  A full
// staging map tail-drops the newcomer: nothing is evicted to make room.
func (rt *RoutingTable) Stage(info PeerInfo) error {
	if info.NodeID == rt.local {
		return fmt.Errorf("self insertion")
	}
	host, _, err := net.SplitHostPort(info.Addr)
	if err != nil {
		host = info.Addr
	}
	ip := net.ParseIP(host)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.isBannedLocked(info.NodeID) {
		return fmt.Errorf("peer is banned")
	}
	if _, ok := rt.staging[info.NodeID]; ok {
		return nil // already pending
	}
	if len(rt.staging) >= rt.cfg.MaxPendingPeers {
		rt.log.Debugf("peers: staging full, tail-dropping %s", info.NodeID.Hex()[:8])
		return ErrStagingAreaFull
	}
	if info.Reputation == 0 {
		info.Reputation = DefaultReputation
	}
	info.LastSeen = rt.clk.Now().Unix()
	rt.staging[info.NodeID] = &stagingEntry{
		entry:    &peerEntry{info: info, ip: ip, state: PeerPending},
		deadline: rt.clk.Now().Add(rt.cfg.VerifyDeadline),
	}
	return nil
}

// StagingLen reports the number of pending-verification peers.
func (rt *RoutingTable) StagingLen() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.staging)
}

// CompleteVerification resolves a staged peer.  valid=false silently
// drops the entry — never a ban, so a spoofed source address cannot get
// its victim excluded.
func (rt *RoutingTable) CompleteVerification(id NodeID, valid bool) {
	rt.mu.Lock()
	st, ok := rt.staging[id]
	if !ok {
		rt.mu.Unlock()
		return
	}
	delete(rt.staging, id)
	if !valid {
		rt.mu.Unlock()
		rt.log.Debugf("peers: identity proof failed for %s, dropped", id.Hex()[:8])
		return
	}
	st.entry.state = PeerActive
	rt.insertLocked(st.entry)
	rt.mu.Unlock()
}

// SweepStaging drops every staged peer past its verification deadline.
func (rt *RoutingTable) SweepStaging() int {
	now := rt.clk.Now()
	rt.mu.Lock()
	defer rt.mu.Unlock()
	dropped := 0
	for id, st := range rt.staging {
		if now.After(st.deadline) {
			delete(rt.staging, id)
			dropped++
		}
	}
	return dropped
}

//---------------------------------------------------------------------
// Bucket insertion and the eviction challenge
//---------------------------------------------------------------------

// insertLocked places a verified peer; rt.mu must be held.
func (rt *RoutingTable) insertLocked(e *peerEntry) {
	idx := BucketIndex(rt.local, e.info.NodeID)
	b := rt.buckets[idx]

	for i, p := range b.peers {
		if p.info.NodeID == e.info.NodeID {
			// Known peer: refresh recency.
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			b.peers = append([]*peerEntry{p}, b.peers...)
			p.info.LastSeen = rt.clk.Now().Unix()
			return
		}
	}

	if rt.subnetCountLocked(b, e.ip) >= rt.cfg.MaxPeersPerSubnet {
		rt.log.Debugf("peers: subnet cap rejects %s in bucket %d", e.info.NodeID.Hex()[:8], idx)
		return
	}

	if len(b.peers) < rt.cfg.K {
		b.peers = append([]*peerEntry{e}, b.peers...)
		return
	}

	// Bucket full: one challenge at a time; extra candidates are
	// rejected outright.
	if b.pending != nil {
		rt.log.Debugf("peers: bucket %d challenge in progress, rejecting %s", idx, e.info.NodeID.Hex()[:8])
		return
	}

	oldest := b.peers[0]
	for _, p := range b.peers {
		if p.info.LastSeen < oldest.info.LastSeen {
			oldest = p
		}
	}
	b.pending = &challenge{
		oldest:    oldest.info.NodeID,
		candidate: e,
		deadline:  rt.clk.Now().Add(rt.cfg.ChallengeTimeout),
	}
	go rt.runChallenge(idx, oldest.info)
}

func (rt *RoutingTable) subnetCountLocked(b *bucket, ip net.IP) int {
	key := subnetKey(ip)
	if key == "" {
		return 0
	}
	n := 0
	for _, p := range b.peers {
		if subnetKey(p.ip) == key {
			n++
		}
	}
	return n
}

// runChallenge pings the oldest resident of a full bucket.  A timely PONG
// keeps the resident (moved to front) and rejects the candidate; a
// timeout evicts the resident and admits the candidate.
func (rt *RoutingTable) runChallenge(idx int, oldest PeerInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.ChallengeTimeout)
	defer cancel()
	_, err := rt.transport.Ping(ctx, oldest)
	rt.resolveChallenge(idx, err == nil)
}

// resolveChallenge applies the challenge outcome.
func (rt *RoutingTable) resolveChallenge(idx int, pong bool) {
	rt.mu.Lock()
	b := rt.buckets[idx]
	ch := b.pending
	if ch == nil {
		rt.mu.Unlock()
		return
	}
	b.pending = nil

	if pong {
		// Stable peers win: resident to the front, candidate rejected.
		for i, p := range b.peers {
			if p.info.NodeID == ch.oldest {
				b.peers = append(b.peers[:i], b.peers[i+1:]...)
				b.peers = append([]*peerEntry{p}, b.peers...)
				p.info.LastSeen = rt.clk.Now().Unix()
				break
			}
		}
		rt.mu.Unlock()
		rt.log.Debugf("peers: bucket %d resident %s alive, candidate %s rejected",
			idx, ch.oldest.Hex()[:8], ch.candidate.info.NodeID.Hex()[:8])
		return
	}

	evicted := false
	for i, p := range b.peers {
		if p.info.NodeID == ch.oldest {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			evicted = true
			break
		}
	}
	if evicted {
		b.peers = append([]*peerEntry{ch.candidate}, b.peers...)
	}
	hook := rt.onEvicted
	rt.mu.Unlock()

	if evicted {
		rt.log.Infof("peers: evicted unresponsive %s from bucket %d for %s",
			ch.oldest.Hex()[:8], idx, ch.candidate.info.NodeID.Hex()[:8])
		if hook != nil {
			hook(ch.oldest, idx)
		}
	}
}

// SweepChallenges force-resolves challenges past their deadline as
// timeouts.  The transport normally resolves first; this is the backstop
// when a Ping never returns.
func (rt *RoutingTable) SweepChallenges() {
	now := rt.clk.Now()
	var expired []int
	rt.mu.RLock()
	for i, b := range rt.buckets {
		if b.pending != nil && now.After(b.pending.deadline) {
			expired = append(expired, i)
		}
	}
	rt.mu.RUnlock()
	for _, idx := range expired {
		rt.resolveChallenge(idx, false)
	}
}

//---------------------------------------------------------------------
// Lookup and maintenance
//---------------------------------------------------------------------

// FindClosest returns up to count active peers ordered by ascending XOR
// distance to target.  Banned peers never appear.
func (rt *RoutingTable) FindClosest(target NodeID, count int) []PeerInfo {
	rt.mu.RLock()
	all := make([]*peerEntry, 0, count)
	for _, b := range rt.buckets {
		all = append(all, b.peers...)
	}
	rt.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return closerToTarget(target, all[i].info.NodeID, all[j].info.NodeID)
	})
	out := make([]PeerInfo, 0, count)
	for _, p := range all {
		if len(out) == count {
			break
		}
		out = append(out, p.info)
	}
	return out
}

// MarkSeen refreshes recency for an active peer.
func (rt *RoutingTable) MarkSeen(id NodeID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := BucketIndex(rt.local, id)
	b := rt.buckets[idx]
	for i, p := range b.peers {
		if p.info.NodeID == id {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			b.peers = append([]*peerEntry{p}, b.peers...)
			p.info.LastSeen = rt.clk.Now().Unix()
			return
		}
	}
}

// Remove deletes a peer from buckets and staging.
func (rt *RoutingTable) Remove(id NodeID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.removeLocked(id)
}

func (rt *RoutingTable) removeLocked(id NodeID) {
	delete(rt.staging, id)
	idx := BucketIndex(rt.local, id)
	b := rt.buckets[idx]
	for i, p := range b.peers {
		if p.info.NodeID == id {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			return
		}
	}
}

// ActiveCount reports the number of bucket residents.
func (rt *RoutingTable) ActiveCount() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for _, b := range rt.buckets {
		n += len(b.peers)
	}
	return n
}

// BucketPeers returns a copy of one bucket's membership, front first.
func (rt *RoutingTable) BucketPeers(idx int) []PeerInfo {
	if idx < 0 || idx >= NumBuckets {
		return nil
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]PeerInfo, len(rt.buckets[idx].peers))
	for i, p := range rt.buckets[idx].peers {
		out[i] = p.info
	}
	return out
}

// Contains reports whether id currently resides in a bucket.
func (rt *RoutingTable) Contains(id NodeID) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	b := rt.buckets[BucketIndex(rt.local, id)]
	for _, p := range b.peers {
		if p.info.NodeID == id {
			return true
		}
	}
	return false
}

//---------------------------------------------------------------------
// Bans and reputation
//---------------------------------------------------------------------

// Ban excludes a peer until expiry.  The reason taxonomy has no
// invalid-signature member by design.
func (rt *RoutingTable) Ban(id NodeID, reason BanReason, d time.Duration) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.removeLocked(id)
	rt.bans = append(rt.bans, banRecord{id: id, reason: reason, expiry: rt.clk.Now().Add(d)})
	rt.log.Infof("peers: banned %s (%s) for %s", id.Hex()[:8], reason, d)
}

// IsBanned scans the (small) expiring ban list.
func (rt *RoutingTable) IsBanned(id NodeID) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.isBannedLocked(id)
}

func (rt *RoutingTable) isBannedLocked(id NodeID) bool {
	now := rt.clk.Now()
	for _, b := range rt.bans {
		if b.id == id && b.expiry.After(now) {
			return true
		}
	}
	return false
}

// PruneBans drops expired records.
func (rt *RoutingTable) PruneBans() {
	now := rt.clk.Now()
	rt.mu.Lock()
	defer rt.mu.Unlock()
	kept := rt.bans[:0]
	for _, b := range rt.bans {
		if b.expiry.After(now) {
			kept = append(kept, b)
		}
	}
	rt.bans = kept
}

// AdjustReputation moves a peer's score within [0,100] and reports the
// new value.  Callers ban when the floor is crossed.
func (rt *RoutingTable) AdjustReputation(id NodeID, delta int) (int, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := rt.buckets[BucketIndex(rt.local, id)]
	for _, p := range b.peers {
		if p.info.NodeID == id {
			p.info.Reputation += delta
			if p.info.Reputation > 100 {
				p.info.Reputation = 100
			}
			if p.info.Reputation < 0 {
				p.info.Reputation = 0
			}
			return p.info.Reputation, p.info.Reputation < banReputationFloor
		}
	}
	return 0, false
}
