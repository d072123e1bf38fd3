package core

// QuorumConsensus – leader-based three-phase agreement (PBFT family).
//
// Key invariants:
//   • n = 3f+1 validators tolerate f Byzantine; quorum = 2⌊(n-1)/3⌋+1.
//   • Per-sequence state machine Idle → PrePrepared → Prepared →
//     Committed → Finalized; transitions only move forward.
//   • primary(view) = validators[view mod n], deterministic everywhere.
//   • Every transaction signature in a proposal is re-verified here;
//     upstream validation is not trusted.
//   • Vote timers back off exponentially: base · 2^min(k,4).
//
// Build graph dependencies: txpool (candidate transactions via the
// proposal source adapter), security (Schnorr votes, batch certificate
// checks), bus (BlockValidated and failure events), byzantine (vote
// history and slashing proofs).

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/sha3"
)

//---------------------------------------------------------------------
// Wire-up interfaces (keeps core independent of concrete impls)
//---------------------------------------------------------------------

// voteBroadcaster sends a protocol message to every validator.
type voteBroadcaster interface {
	BroadcastVote(v VoteMsg) error
}

// proposalSource hands the primary a candidate transaction batch already
// marked proposed in the pool.
type proposalSource interface {
	NextBatch(selectionKey Hash, maxTxs int, gasLimit uint64) []*Transaction
}

//---------------------------------------------------------------------
// Validator set
//---------------------------------------------------------------------

// Validator is one consensus participant.
type Validator struct {
	Addr   Address `json:"addr"`
	PubKey []byte  `json:"pub_key"` // 32-byte x-only Schnorr key
}

// ValidatorSet is the ordered membership used for leader election.
type ValidatorSet struct {
	members []Validator
	byAddr  map[Address]int
}

// NewValidatorSet builds a set from the ordered member list.
func NewValidatorSet(members []Validator) *ValidatorSet {
	vs := &ValidatorSet{members: members, byAddr: make(map[Address]int, len(members))}
	for i, m := range members {
		vs.byAddr[m.Addr] = i
	}
	return vs
}

// Len is the validator count n.
func (vs *ValidatorSet) Len() int { return len(vs.members) }

// Quorum is 2f+1 for n = 3f+1.
func (vs *ValidatorSet) Quorum() int { return 2*((len(vs.members)-1)/3) + 1 }

// Primary returns the leader for a view.
func (vs *ValidatorSet) Primary(view uint64) Validator {
	return vs.members[view%uint64(len(vs.members))]
}

// Contains reports membership.
func (vs *ValidatorSet) Contains(addr Address) bool {
	_, ok := vs.byAddr[addr]
	return ok
}

// Member returns the validator record for addr.
func (vs *ValidatorSet) Member(addr Address) (Validator, bool) {
	i, ok := vs.byAddr[addr]
	if !ok {
		return Validator{}, false
	}
	return vs.members[i], true
}

//---------------------------------------------------------------------
// Vote signing
//---------------------------------------------------------------------

// SigningDigest is the 32-byte digest a vote signature covers: type,
// view, sequence, block hash and validator address, big-endian packed.
func (v *VoteMsg) SigningDigest() [32]byte {
	buf := make([]byte, 0, 1+8+8+32+20)
	buf = append(buf, byte(v.Type))
	buf = appendUint64(buf, v.View)
	buf = appendUint64(buf, v.Sequence)
	buf = append(buf, v.BlockHash[:]...)
	buf = append(buf, v.Validator[:]...)
	return sha3.Sum256(buf)
}

func appendUint64(buf []byte, v uint64) []byte {
	for shift := 56; shift >= 0; shift -= 8 {
		buf = append(buf, byte(v>>shift))
	}
	return buf
}

//---------------------------------------------------------------------
// Engine configuration and state
//---------------------------------------------------------------------

// ConsensusConfig tunes the engine.
type ConsensusConfig struct {
	BaseTimeout     time.Duration // view timer base, default 5s
	MaxViewExponent uint          // backoff cap: 2^4 = 16× base
	MaxTxsPerBlock  int
	BlockGasLimit   uint64
}

// DefaultConsensusConfig returns the stock tuning.
func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{
		BaseTimeout:     5 * time.Second,
		MaxViewExponent: 4,
		MaxTxsPerBlock:  500,
		BlockGasLimit:   8_000_000,
	}
}

// seqState is the per-sequence PBFT instance.
type seqState struct {
	phase      ConsensusPhase
	view       uint64
	blockHash  Hash
	block      *Block
	prePrepare *VoteMsg
	prepares   map[Address]VoteMsg
	commits    map[Address]VoteMsg
	timer      *clock.Timer
	commitSent bool
}

// QuorumConsensus is the engine state.
type QuorumConsensus struct {
	mu         sync.Mutex
	cfg        ConsensusConfig
	validators *ValidatorSet
	selfAddr   Address
	selfPriv   []byte // 32-byte Schnorr secret
	view       uint64
	nextSeq    uint64
	instances  map[uint64]*seqState
	viewFails  uint // consecutive view changes, drives backoff

	viewChangeVotes map[uint64]map[Address]VoteMsg // proposed view -> votes

	detector *EquivocationDetector
	verifier *SignatureVerifier
	source   proposalSource
	net      voteBroadcaster
	bus      *EventBus
	keys     KeyStore
	clk      clock.Clock
	log      *logrus.Logger
}

// NewQuorumConsensus wires the engine.
func NewQuorumConsensus(
	cfg ConsensusConfig,
	validators *ValidatorSet,
	selfAddr Address,
	selfPriv []byte,
	verifier *SignatureVerifier,
	source proposalSource,
	net voteBroadcaster,
	bus *EventBus,
	keys KeyStore,
	clk clock.Clock,
	lg *logrus.Logger,
) (*QuorumConsensus, error) {
	if validators.Len() == 0 {
		return nil, fmt.Errorf("empty validator set")
	}
	if cfg.BaseTimeout <= 0 {
		cfg = DefaultConsensusConfig()
	}
	if clk == nil {
		clk = clock.New()
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &QuorumConsensus{
		cfg:             cfg,
		validators:      validators,
		selfAddr:        selfAddr,
		selfPriv:        selfPriv,
		nextSeq:         1,
		instances:       make(map[uint64]*seqState),
		viewChangeVotes: make(map[uint64]map[Address]VoteMsg),
		detector:        NewEquivocationDetector(),
		verifier:        verifier,
		source:          source,
		net:             net,
		bus:             bus,
		keys:            keys,
		clk:             clk,
		log:             lg,
	}, nil
}

// View returns the engine's current view.
func (qc *QuorumConsensus) View() uint64 {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.view
}

// Phase reports the state machine position for a sequence.
func (qc *QuorumConsensus) Phase(seq uint64) ConsensusPhase {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	if st, ok := qc.instances[seq]; ok {
		return st.phase
	}
	return PhaseIdle
}

// IsPrimary reports whether the local validator leads the current view.
func (qc *QuorumConsensus) IsPrimary() bool {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.validators.Primary(qc.view).Addr == qc.selfAddr
}

func (qc *QuorumConsensus) signVote(v *VoteMsg) error {
	v.Validator = qc.selfAddr
	v.PubKey = SchnorrPubKey(qc.selfPriv)
	sig, err := SchnorrSign(qc.selfPriv, v.SigningDigest())
	if err != nil {
		return err
	}
	v.Sig = sig
	return nil
}

//---------------------------------------------------------------------
// Proposal (primary only)
//---------------------------------------------------------------------

// Propose builds a candidate block for the next sequence and broadcasts
// the PRE-PREPARE.  Only the primary of the current view may call it.
func (qc *QuorumConsensus) Propose(parent Hash, height uint64, beneficiary Address) (*Block, error) {
	qc.mu.Lock()
	if qc.validators.Primary(qc.view).Addr != qc.selfAddr {
		view := qc.view
		qc.mu.Unlock()
		return nil, fmt.Errorf("not primary for view %d", view)
	}
	seq := qc.nextSeq
	view := qc.view
	qc.mu.Unlock()

	var selKey Hash
	copy(selKey[:], appendUint64(appendUint64(nil, seq), view))
	txs := qc.source.NextBatch(selKey, qc.cfg.MaxTxsPerBlock, qc.cfg.BlockGasLimit)

	block := &Block{
		Header: BlockHeader{
			ParentHash:  parent,
			Height:      height,
			Timestamp:   qc.clk.Now().Unix(),
			Beneficiary: beneficiary,
		},
		Transactions: txs,
	}
	root, err := MerkleRoot(block.TxHashes())
	if err == nil {
		block.Header.MerkleRoot = root
	}
	blockHash := block.Hash()

	vote := VoteMsg{
		Type:      MsgPrePrepare,
		View:      view,
		Sequence:  seq,
		BlockHash: blockHash,
		Block:     block,
	}
	if err := qc.signVote(&vote); err != nil {
		return nil, err
	}
	if err := qc.net.BroadcastVote(vote); err != nil {
		return nil, err
	}
	// The primary processes its own proposal like everyone else.
	qc.HandleVote(vote)
	return block, nil
}

//---------------------------------------------------------------------
// Vote handling
//---------------------------------------------------------------------

// HandleVote is the single entry point for every inbound protocol
// message, local or remote.
func (qc *QuorumConsensus) HandleVote(v VoteMsg) {
	member, ok := qc.validators.Member(v.Validator)
	if !ok {
		qc.log.Debugf("consensus: vote from non-validator %s", v.Validator.Hex()[:8])
		return
	}
	if string(member.PubKey) != string(v.PubKey) {
		qc.log.Debugf("consensus: pubkey mismatch for %s", v.Validator.Hex()[:8])
		return
	}
	if !qc.verifier.SchnorrVerify(v.PubKey, v.Sig, v.SigningDigest()) {
		qc.log.Debugf("consensus: bad vote signature from %s", v.Validator.Hex()[:8])
		return
	}

	if proof, err := qc.detector.Record(v); err != nil {
		qc.emitEquivocation(*proof)
		return
	}

	switch v.Type {
	case MsgPrePrepare:
		qc.handlePrePrepare(v)
	case MsgPrepare:
		qc.handlePrepare(v)
	case MsgCommit:
		qc.handleCommit(v)
	case MsgViewChange:
		qc.handleViewChange(v)
	case MsgNewView:
		qc.handleNewView(v)
	default:
		qc.log.Debugf("consensus: unknown vote type %d", v.Type)
	}
}

func (qc *QuorumConsensus) handlePrePrepare(v VoteMsg) {
	if v.Block == nil {
		qc.log.Debugf("consensus: pre-prepare without block")
		return
	}
	if err := v.Block.ValidateShape(); err != nil {
		qc.log.Debugf("consensus: malformed proposal: %v", err)
		return
	}
	if v.Block.Hash() != v.BlockHash {
		qc.log.Debugf("consensus: proposal hash mismatch")
		return
	}
	// Zero-trust: every signature in the proposal is checked here.
	if err := qc.verifier.VerifyBlockTransactions(v.Block); err != nil {
		qc.log.Warnf("consensus: proposal tx verification failed: %v", err)
		return
	}

	qc.mu.Lock()
	if v.View != qc.view {
		qc.mu.Unlock()
		qc.log.Debugf("consensus: pre-prepare for view %d, current %d", v.View, qc.view)
		return
	}
	if qc.validators.Primary(v.View).Addr != v.Validator {
		qc.mu.Unlock()
		qc.log.Debugf("consensus: pre-prepare from non-primary %s", v.Validator.Hex()[:8])
		return
	}
	st := qc.instanceLocked(v.Sequence)
	if st.phase != PhaseIdle {
		qc.mu.Unlock()
		qc.log.Debugf("consensus: sequence %d already seen", v.Sequence)
		return
	}
	st.phase = PhasePrePrepared
	st.view = v.View
	st.blockHash = v.BlockHash
	st.block = v.Block
	st.prePrepare = &v
	qc.armTimerLocked(st, v.Sequence)

	prepare := VoteMsg{Type: MsgPrepare, View: v.View, Sequence: v.Sequence, BlockHash: v.BlockHash}
	qc.mu.Unlock()

	if err := qc.signVote(&prepare); err != nil {
		return
	}
	if err := qc.net.BroadcastVote(prepare); err != nil {
		qc.log.Warnf("consensus: prepare broadcast failed: %v", err)
	}
	qc.HandleVote(prepare)
}

func (qc *QuorumConsensus) handlePrepare(v VoteMsg) {
	qc.mu.Lock()
	st := qc.instanceLocked(v.Sequence)
	if st.phase >= PhaseCommitted || v.View != st.view {
		qc.mu.Unlock()
		return
	}
	if !st.blockHash.IsZero() && v.BlockHash != st.blockHash {
		qc.mu.Unlock()
		qc.log.Debugf("consensus: prepare hash mismatch at seq %d", v.Sequence)
		return
	}
	st.prepares[v.Validator] = v

	ready := st.phase == PhasePrePrepared && len(st.prepares) >= qc.validators.Quorum() && !st.commitSent
	var commit VoteMsg
	if ready {
		st.phase = PhasePrepared
		st.commitSent = true
		commit = VoteMsg{Type: MsgCommit, View: st.view, Sequence: v.Sequence, BlockHash: st.blockHash}
	}
	qc.mu.Unlock()

	if !ready {
		return
	}
	if err := qc.signVote(&commit); err != nil {
		return
	}
	if err := qc.net.BroadcastVote(commit); err != nil {
		qc.log.Warnf("consensus: commit broadcast failed: %v", err)
	}
	qc.HandleVote(commit)
}

func (qc *QuorumConsensus) handleCommit(v VoteMsg) {
	qc.mu.Lock()
	st := qc.instanceLocked(v.Sequence)
	if st.phase >= PhaseCommitted || v.View != st.view {
		qc.mu.Unlock()
		return
	}
	if !st.blockHash.IsZero() && v.BlockHash != st.blockHash {
		qc.mu.Unlock()
		return
	}
	st.commits[v.Validator] = v

	done := st.phase == PhasePrepared && len(st.commits) >= qc.validators.Quorum() && st.block != nil
	var block *Block
	var blockHash Hash
	var commits []VoteMsg
	if done {
		st.phase = PhaseCommitted
		if st.timer != nil {
			st.timer.Stop()
		}
		block = st.block
		blockHash = st.blockHash
		for _, c := range st.commits {
			commits = append(commits, c)
		}
		if v.Sequence >= qc.nextSeq {
			qc.nextSeq = v.Sequence + 1
		}
		qc.viewFails = 0
	}
	qc.mu.Unlock()

	if !done {
		return
	}
	// Certificate check over the whole commit set at once; a bad batch
	// rejects without naming the culprit.
	if !qc.batchVerifyVotes(commits) {
		qc.log.Warnf("consensus: commit certificate batch verification failed at seq %d", v.Sequence)
		qc.emitConsensusFailed(v.View, v.Sequence, "commit certificate invalid")
		return
	}
	qc.log.Infof("consensus: committed seq %d block %s with %d commits", v.Sequence, blockHash.Short(), len(commits))
	qc.emitBlockValidated(blockHash, block)
}

// batchVerifyVotes runs the Schnorr batch equation over a vote set.
func (qc *QuorumConsensus) batchVerifyVotes(votes []VoteMsg) bool {
	sigs := make([][]byte, len(votes))
	digests := make([][32]byte, len(votes))
	pubs := make([][]byte, len(votes))
	for i, v := range votes {
		sigs[i] = v.Sig
		digests[i] = v.SigningDigest()
		pubs[i] = v.PubKey
	}
	return qc.verifier.BatchVerifySchnorr(sigs, digests, pubs)
}

func (qc *QuorumConsensus) instanceLocked(seq uint64) *seqState {
	st, ok := qc.instances[seq]
	if !ok {
		st = &seqState{
			phase:    PhaseIdle,
			view:     qc.view,
			prepares: make(map[Address]VoteMsg),
			commits:  make(map[Address]VoteMsg),
		}
		qc.instances[seq] = st
	}
	return st
}

//---------------------------------------------------------------------
// View change
//---------------------------------------------------------------------

// timeoutLocked computes base · 2^min(k, cap).
func (qc *QuorumConsensus) timeoutLocked() time.Duration {
	k := qc.viewFails
	if k > qc.cfg.MaxViewExponent {
		k = qc.cfg.MaxViewExponent
	}
	return qc.cfg.BaseTimeout * time.Duration(1<<k)
}

func (qc *QuorumConsensus) armTimerLocked(st *seqState, seq uint64) {
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = qc.clk.AfterFunc(qc.timeoutLocked(), func() { qc.onTimeout(seq) })
}

// onTimeout fires when a sequence failed to commit in time: broadcast
// VIEW-CHANGE for view+1 carrying any prepared certificate held.
func (qc *QuorumConsensus) onTimeout(seq uint64) {
	qc.mu.Lock()
	st, ok := qc.instances[seq]
	if !ok || st.phase >= PhaseCommitted {
		qc.mu.Unlock()
		return
	}
	qc.viewFails++
	proposed := qc.view + 1
	vote := VoteMsg{Type: MsgViewChange, View: proposed, Sequence: seq}
	if st.phase >= PhasePrepared {
		cert := &PreparedCert{View: st.view, Sequence: seq, BlockHash: st.blockHash}
		for _, p := range st.prepares {
			cert.Prepares = append(cert.Prepares, p)
		}
		vote.Cert = cert
		vote.BlockHash = st.blockHash
	}
	qc.mu.Unlock()

	qc.log.Warnf("consensus: seq %d timed out, proposing view %d", seq, proposed)
	qc.emitConsensusFailed(qc.View(), seq, ErrViewChangeTimeout.Error())
	if err := qc.signVote(&vote); err != nil {
		return
	}
	if err := qc.net.BroadcastVote(vote); err != nil {
		qc.log.Warnf("consensus: view-change broadcast failed: %v", err)
	}
	qc.HandleVote(vote)
}

func (qc *QuorumConsensus) handleViewChange(v VoteMsg) {
	if v.Cert != nil && !qc.verifyPreparedCert(v.Cert) {
		qc.log.Debugf("consensus: view-change with bogus certificate from %s", v.Validator.Hex()[:8])
		return
	}

	qc.mu.Lock()
	if v.View <= qc.view {
		qc.mu.Unlock()
		return
	}
	votes, ok := qc.viewChangeVotes[v.View]
	if !ok {
		votes = make(map[Address]VoteMsg)
		qc.viewChangeVotes[v.View] = votes
	}
	votes[v.Validator] = v

	isNewPrimary := qc.validators.Primary(v.View).Addr == qc.selfAddr
	reached := len(votes) >= qc.validators.Quorum()
	var collected []VoteMsg
	if reached && isNewPrimary {
		for _, vc := range votes {
			collected = append(collected, vc)
		}
	}
	qc.mu.Unlock()

	if !reached || !isNewPrimary {
		return
	}

	// Reconcile: adopt the highest prepared certificate seen.
	var best *PreparedCert
	for _, vc := range collected {
		if vc.Cert == nil {
			continue
		}
		if best == nil || vc.Cert.View > best.View {
			best = vc.Cert
		}
	}
	newView := VoteMsg{Type: MsgNewView, View: collected[0].View, Sequence: collected[0].Sequence, Cert: best}
	if best != nil {
		newView.BlockHash = best.BlockHash
	}
	if err := qc.signVote(&newView); err != nil {
		return
	}
	if err := qc.net.BroadcastVote(newView); err != nil {
		qc.log.Warnf("consensus: new-view broadcast failed: %v", err)
	}
	qc.HandleVote(newView)
}

func (qc *QuorumConsensus) handleNewView(v VoteMsg) {
	if qc.validators.Primary(v.View).Addr != v.Validator {
		qc.log.Debugf("consensus: new-view from wrong primary")
		return
	}
	if v.Cert != nil && !qc.verifyPreparedCert(v.Cert) {
		qc.log.Debugf("consensus: new-view with bogus certificate")
		return
	}

	qc.mu.Lock()
	if v.View <= qc.view {
		qc.mu.Unlock()
		return
	}
	qc.view = v.View
	delete(qc.viewChangeVotes, v.View)
	// Unfinished instances restart in the new view; a carried
	// certificate keeps its value alive.
	for seq, st := range qc.instances {
		if st.phase >= PhaseCommitted {
			continue
		}
		st.phase = PhaseIdle
		st.view = v.View
		st.prepares = make(map[Address]VoteMsg)
		st.commits = make(map[Address]VoteMsg)
		st.commitSent = false
		if st.timer != nil {
			st.timer.Stop()
		}
		if v.Cert != nil && v.Cert.Sequence == seq {
			st.blockHash = v.Cert.BlockHash
		} else {
			st.blockHash = Hash{}
			st.block = nil
		}
	}
	qc.mu.Unlock()
	qc.log.Infof("consensus: entered view %d", v.View)
}

// verifyPreparedCert batch-checks a prepared certificate: quorum size,
// matching coordinates and every signature at once.
func (qc *QuorumConsensus) verifyPreparedCert(cert *PreparedCert) bool {
	if len(cert.Prepares) < qc.validators.Quorum() {
		return false
	}
	seen := make(map[Address]bool, len(cert.Prepares))
	for _, p := range cert.Prepares {
		if p.Type != MsgPrepare || p.View != cert.View || p.Sequence != cert.Sequence || p.BlockHash != cert.BlockHash {
			return false
		}
		member, ok := qc.validators.Member(p.Validator)
		if !ok || string(member.PubKey) != string(p.PubKey) || seen[p.Validator] {
			return false
		}
		seen[p.Validator] = true
	}
	return qc.batchVerifyVotes(cert.Prepares)
}

//---------------------------------------------------------------------
// Outbound events
//---------------------------------------------------------------------

func (qc *QuorumConsensus) emitBlockValidated(blockHash Hash, block *Block) {
	payload, err := MarshalPayload(BlockValidatedEvent{BlockHash: blockHash, Block: block})
	if err != nil {
		return
	}
	qc.publish(TopicBlockValidated, payload)
}

func (qc *QuorumConsensus) emitEquivocation(proof SlashingProof) {
	qc.log.Warnf("consensus: equivocation by %s at view %d seq %d", proof.Offender.Hex()[:8], proof.View, proof.Sequence)
	payload, err := MarshalPayload(EquivocationEvent{Proof: proof})
	if err != nil {
		return
	}
	qc.publish(TopicEquivocation, payload)
}

func (qc *QuorumConsensus) emitConsensusFailed(view, seq uint64, reason string) {
	payload, err := MarshalPayload(ConsensusFailedEvent{View: view, Sequence: seq, Reason: reason})
	if err != nil {
		return
	}
	qc.publish(TopicConsensusFailed, payload)
}

// ConfirmTransactions tells the mempool a finalized block's transactions
// are done.
func (qc *QuorumConsensus) ConfirmTransactions(blockHash Hash, hashes []Hash) {
	payload, err := MarshalPayload(TxOutcomeMsg{BlockHash: blockHash, TxHashes: hashes})
	if err != nil {
		return
	}
	qc.publish(TopicTxConfirmed, payload)
}

// RollbackTransactions reverts an aborted proposal's transactions.
func (qc *QuorumConsensus) RollbackTransactions(blockHash Hash, hashes []Hash) {
	payload, err := MarshalPayload(TxOutcomeMsg{BlockHash: blockHash, TxHashes: hashes})
	if err != nil {
		return
	}
	qc.publish(TopicTxRolledBack, payload)
}

func (qc *QuorumConsensus) publish(topic string, payload []byte) {
	env, err := NewEnvelope(SubConsensus, SubAssembler, payload, qc.clk.Now())
	if err != nil {
		return
	}
	if err := env.Seal(qc.keys.BusSecret()); err != nil {
		return
	}
	if err := qc.bus.Publish(topic, env); err != nil {
		qc.log.Warnf("consensus: publish %q failed: %v", topic, err)
	}
}
