package core

import (
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

type recordBroadcaster struct {
	mu    sync.Mutex
	votes []VoteMsg
}

func (r *recordBroadcaster) BroadcastVote(v VoteMsg) error {
	r.mu.Lock()
	r.votes = append(r.votes, v)
	r.mu.Unlock()
	return nil
}

func (r *recordBroadcaster) lastOfType(t VoteType) (VoteMsg, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.votes) - 1; i >= 0; i-- {
		if r.votes[i].Type == t {
			return r.votes[i], true
		}
	}
	return VoteMsg{}, false
}

type stubSource struct{ txs []*Transaction }

func (s *stubSource) NextBatch(Hash, int, uint64) []*Transaction { return s.txs }

// newTestEngine builds an engine running as validators[idx].
func newTestEngine(t *testing.T, idx int) (*QuorumConsensus, *recordBroadcaster, []Validator, [][]byte, *EventBus) {
	t.Helper()
	clk := testClock()
	bus, keys, _ := testBus(t, clk)
	vals, privs := testValidators(t, 4)

	net := &recordBroadcaster{}
	qc, err := NewQuorumConsensus(
		DefaultConsensusConfig(),
		NewValidatorSet(vals),
		vals[idx].Addr,
		privs[idx],
		NewSignatureVerifier(testLogger()),
		&stubSource{},
		net,
		bus,
		keys,
		clk,
		testLogger(),
	)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return qc, net, vals, privs, bus
}

func testBlock(t *testing.T, txCount int) *Block {
	t.Helper()
	priv, _ := crypto.GenerateKey()
	blk := &Block{Header: BlockHeader{Height: 1, Timestamp: testEpoch.Unix()}}
	for i := 0; i < txCount; i++ {
		blk.Transactions = append(blk.Transactions, testTx(t, priv, Address{byte(i + 1)}, 1, uint64(i), 2))
	}
	if len(blk.Transactions) > 0 {
		root, err := MerkleRoot(blk.TxHashes())
		if err != nil {
			t.Fatalf("root: %v", err)
		}
		blk.Header.MerkleRoot = root
	}
	return blk
}

func TestLeaderElectionDeterministic(t *testing.T) {
	vals, _ := testValidators(t, 4)
	vs := NewValidatorSet(vals)
	for view := uint64(0); view < 12; view++ {
		if vs.Primary(view).Addr != vals[view%4].Addr {
			t.Fatalf("primary(%d) wrong", view)
		}
	}
}

func TestQuorumMath(t *testing.T) {
	cases := []struct{ n, want int }{{1, 1}, {4, 3}, {7, 5}, {10, 7}, {13, 9}}
	for _, c := range cases {
		vals, _ := testValidators(t, c.n)
		if got := NewValidatorSet(vals).Quorum(); got != c.want {
			t.Fatalf("quorum(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

// Scenario: clean three-phase commit with 4 validators and 3 txs ends
// in a BlockValidated event carrying the block.
func TestConsensusCleanCommit(t *testing.T) {
	qc, net, vals, privs, bus := newTestEngine(t, 1)
	validated, cancel := bus.Subscribe(TopicBlockValidated, SubAssembler, 4)
	defer cancel()

	blk := testBlock(t, 3)
	hash := blk.Hash()

	prePrepare := signVoteAs(t, VoteMsg{Type: MsgPrePrepare, View: 0, Sequence: 1, BlockHash: hash, Block: blk}, vals[0], privs[0])
	qc.HandleVote(prePrepare)

	if _, ok := net.lastOfType(MsgPrepare); !ok {
		t.Fatal("engine did not broadcast its prepare")
	}
	if qc.Phase(1) != PhasePrePrepared {
		t.Fatalf("phase %v after pre-prepare", qc.Phase(1))
	}

	for _, i := range []int{0, 2} {
		qc.HandleVote(signVoteAs(t, VoteMsg{Type: MsgPrepare, View: 0, Sequence: 1, BlockHash: hash}, vals[i], privs[i]))
	}
	if _, ok := net.lastOfType(MsgCommit); !ok {
		t.Fatal("engine did not broadcast its commit after the prepared certificate")
	}

	for _, i := range []int{0, 2} {
		qc.HandleVote(signVoteAs(t, VoteMsg{Type: MsgCommit, View: 0, Sequence: 1, BlockHash: hash}, vals[i], privs[i]))
	}
	if qc.Phase(1) != PhaseCommitted {
		t.Fatalf("phase %v after commits", qc.Phase(1))
	}

	env := waitEnvelope(t, validated, time.Second)
	var evt BlockValidatedEvent
	if err := UnmarshalPayload(env.Payload, &evt); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if evt.BlockHash != hash || evt.Block == nil || len(evt.Block.Transactions) != 3 {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestConsensusRejectsNonPrimaryProposal(t *testing.T) {
	qc, net, vals, privs, _ := newTestEngine(t, 1)
	blk := testBlock(t, 1)

	// validators[2] is not primary for view 0.
	bad := signVoteAs(t, VoteMsg{Type: MsgPrePrepare, View: 0, Sequence: 1, BlockHash: blk.Hash(), Block: blk}, vals[2], privs[2])
	qc.HandleVote(bad)
	if qc.Phase(1) != PhaseIdle {
		t.Fatal("proposal from non-primary accepted")
	}
	if _, ok := net.lastOfType(MsgPrepare); ok {
		t.Fatal("engine prepared a non-primary proposal")
	}
}

// Zero-trust: a proposal with a forged transaction signature never
// reaches pre-prepared.
func TestConsensusReVerifiesProposalTransactions(t *testing.T) {
	qc, _, vals, privs, _ := newTestEngine(t, 1)
	blk := testBlock(t, 2)
	blk.Transactions[0].Value = 1_000_000
	blk.Transactions[0].InvalidateHash()

	vote := signVoteAs(t, VoteMsg{Type: MsgPrePrepare, View: 0, Sequence: 1, BlockHash: blk.Hash(), Block: blk}, vals[0], privs[0])
	qc.HandleVote(vote)
	if qc.Phase(1) != PhaseIdle {
		t.Fatal("forged proposal accepted")
	}
}

// Scenario: equivocation — two PREPAREs for the same (view, sequence)
// with different hashes yield a verifiable slashing proof.
func TestConsensusEquivocationDetection(t *testing.T) {
	qc, _, vals, privs, bus := newTestEngine(t, 1)
	events, cancel := bus.Subscribe(TopicEquivocation, SubPeerRegistry, 4)
	defer cancel()

	hashA := Hash{0xaa}
	hashB := Hash{0xbb}
	first := signVoteAs(t, VoteMsg{Type: MsgPrepare, View: 0, Sequence: 1, BlockHash: hashA}, vals[2], privs[2])
	second := signVoteAs(t, VoteMsg{Type: MsgPrepare, View: 0, Sequence: 1, BlockHash: hashB}, vals[2], privs[2])

	qc.HandleVote(first)
	qc.HandleVote(second)

	env := waitEnvelope(t, events, time.Second)
	var evt EquivocationEvent
	if err := UnmarshalPayload(env.Payload, &evt); err != nil {
		t.Fatalf("payload: %v", err)
	}
	sv := NewSignatureVerifier(testLogger())
	if err := evt.Proof.VerifyConsistency(sv); err != nil {
		t.Fatalf("emitted proof does not verify: %v", err)
	}
	if evt.Proof.Offender != vals[2].Addr {
		t.Fatalf("wrong offender: %s", evt.Proof.Offender.Hex())
	}
}

// Cross-phase equivocation: a PREPARE for one hash and a COMMIT for a
// different hash at the same (view, sequence) are just as slashable as
// two conflicting PREPAREs.
func TestConsensusCrossPhaseEquivocation(t *testing.T) {
	qc, _, vals, privs, bus := newTestEngine(t, 1)
	events, cancel := bus.Subscribe(TopicEquivocation, SubPeerRegistry, 4)
	defer cancel()

	prepare := signVoteAs(t, VoteMsg{Type: MsgPrepare, View: 0, Sequence: 1, BlockHash: Hash{0xaa}}, vals[2], privs[2])
	commit := signVoteAs(t, VoteMsg{Type: MsgCommit, View: 0, Sequence: 1, BlockHash: Hash{0xbb}}, vals[2], privs[2])

	qc.HandleVote(prepare)
	qc.HandleVote(commit)

	env := waitEnvelope(t, events, time.Second)
	var evt EquivocationEvent
	if err := UnmarshalPayload(env.Payload, &evt); err != nil {
		t.Fatalf("payload: %v", err)
	}
	sv := NewSignatureVerifier(testLogger())
	if err := evt.Proof.VerifyConsistency(sv); err != nil {
		t.Fatalf("cross-phase proof does not verify: %v", err)
	}
	if evt.Proof.First.Type != MsgPrepare || evt.Proof.Second.Type != MsgCommit {
		t.Fatalf("proof does not carry both phases: %s / %s", evt.Proof.First.Type, evt.Proof.Second.Type)
	}
}

// An honest validator voting the same hash through every phase never
// trips the detector.
func TestConsensusMultiPhaseSameHashNotEquivocation(t *testing.T) {
	det := NewEquivocationDetector()
	vals, privs := testValidators(t, 4)
	hash := Hash{0xcc}

	for _, vt := range []VoteType{MsgPrePrepare, MsgPrepare, MsgCommit} {
		v := signVoteAs(t, VoteMsg{Type: vt, View: 0, Sequence: 1, BlockHash: hash}, vals[0], privs[0])
		if proof, err := det.Record(v); err != nil || proof != nil {
			t.Fatalf("%s for the same hash flagged: %v", vt, err)
		}
	}
}

func TestSlashingProofConsistencyRules(t *testing.T) {
	sv := NewSignatureVerifier(testLogger())
	vals, privs := testValidators(t, 4)

	m1 := signVoteAs(t, VoteMsg{Type: MsgPrepare, View: 0, Sequence: 1, BlockHash: Hash{0xaa}}, vals[0], privs[0])
	m2 := signVoteAs(t, VoteMsg{Type: MsgPrepare, View: 0, Sequence: 1, BlockHash: Hash{0xbb}}, vals[0], privs[0])

	proof, err := PrepareSlashingProof(sv, m1, m2)
	if err != nil {
		t.Fatalf("prepare proof: %v", err)
	}
	if err := proof.VerifyConsistency(sv); err != nil {
		t.Fatalf("verify: %v", err)
	}

	// Same hash twice is duplication, not equivocation.
	if _, err := PrepareSlashingProof(sv, m1, m1); err == nil {
		t.Fatal("duplicate votes accepted as a slashing proof")
	}

	// Different senders never slash.
	m3 := signVoteAs(t, VoteMsg{Type: MsgPrepare, View: 0, Sequence: 1, BlockHash: Hash{0xbb}}, vals[1], privs[1])
	if _, err := PrepareSlashingProof(sv, m1, m3); err == nil {
		t.Fatal("cross-sender votes accepted as a slashing proof")
	}

	// Tampered signature fails.
	bad := m2
	bad.Sig = append([]byte(nil), m2.Sig...)
	bad.Sig[10] ^= 0x01
	if _, err := PrepareSlashingProof(sv, m1, bad); err == nil {
		t.Fatal("forged vote accepted in a slashing proof")
	}
}

func TestConsensusViewChangeOnTimeout(t *testing.T) {
	clk := testClock()
	bus, keys, _ := testBus(t, clk)
	vals, privs := testValidators(t, 4)
	net := &recordBroadcaster{}
	qc, err := NewQuorumConsensus(DefaultConsensusConfig(), NewValidatorSet(vals), vals[1].Addr, privs[1],
		NewSignatureVerifier(testLogger()), &stubSource{}, net, bus, keys, clk, testLogger())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	failures, cancel := bus.Subscribe(TopicConsensusFailed, SubGateway, 4)
	defer cancel()

	blk := testBlock(t, 1)
	qc.HandleVote(signVoteAs(t, VoteMsg{Type: MsgPrePrepare, View: 0, Sequence: 1, BlockHash: blk.Hash(), Block: blk}, vals[0], privs[0]))

	// No commits arrive: the 5s base timer fires a view change.
	clk.Add(6 * time.Second)

	vc, ok := net.lastOfType(MsgViewChange)
	if !ok {
		t.Fatal("no view-change broadcast after timeout")
	}
	if vc.View != 1 {
		t.Fatalf("view-change proposes view %d, want 1", vc.View)
	}
	waitEnvelope(t, failures, time.Second)

	// Validator 1 is the new primary for view 1: with 2f+1 view-change
	// votes it must emit NEW-VIEW and enter the view.
	for _, i := range []int{2, 3} {
		qc.HandleVote(signVoteAs(t, VoteMsg{Type: MsgViewChange, View: 1, Sequence: 1}, vals[i], privs[i]))
	}
	if _, ok := net.lastOfType(MsgNewView); !ok {
		t.Fatal("new primary did not broadcast NEW-VIEW")
	}
	if qc.View() != 1 {
		t.Fatalf("engine view %d, want 1", qc.View())
	}
}

func TestConsensusTimeoutBackoffCapped(t *testing.T) {
	qc, _, _, _, _ := newTestEngine(t, 1)

	qc.mu.Lock()
	qc.viewFails = 0
	base := qc.timeoutLocked()
	qc.viewFails = 2
	quad := qc.timeoutLocked()
	qc.viewFails = 10
	capped := qc.timeoutLocked()
	qc.mu.Unlock()

	if quad != 4*base {
		t.Fatalf("backoff at k=2: %s, want %s", quad, 4*base)
	}
	if capped != 16*base {
		t.Fatalf("backoff cap: %s, want %s", capped, 16*base)
	}
}

func TestPreparedCertificateVerification(t *testing.T) {
	qc, _, vals, privs, _ := newTestEngine(t, 1)
	hash := Hash{0x11}

	cert := &PreparedCert{View: 0, Sequence: 1, BlockHash: hash}
	for i := 0; i < 3; i++ {
		cert.Prepares = append(cert.Prepares,
			signVoteAs(t, VoteMsg{Type: MsgPrepare, View: 0, Sequence: 1, BlockHash: hash}, vals[i], privs[i]))
	}
	if !qc.verifyPreparedCert(cert) {
		t.Fatal("valid certificate rejected")
	}

	// Below quorum.
	short := &PreparedCert{View: 0, Sequence: 1, BlockHash: hash, Prepares: cert.Prepares[:2]}
	if qc.verifyPreparedCert(short) {
		t.Fatal("sub-quorum certificate accepted")
	}

	// Duplicate signer padding does not reach quorum.
	padded := &PreparedCert{View: 0, Sequence: 1, BlockHash: hash,
		Prepares: []VoteMsg{cert.Prepares[0], cert.Prepares[0], cert.Prepares[1]}}
	if qc.verifyPreparedCert(padded) {
		t.Fatal("certificate padded with duplicate signers accepted")
	}
}
