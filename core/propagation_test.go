package core

import (
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

func newTestPropagation(t *testing.T) (*Propagation, *fakeTransport, *RoutingTable, *EventBus) {
	t.Helper()
	clk := testClock()
	bus, keys, _ := testBus(t, clk)
	transport := newFakeTransport()
	var local NodeID
	table := NewRoutingTable(local, DefaultRegistryConfig(), transport, clk, testLogger())
	verifier := NewSignatureVerifier(testLogger())
	registry := NewPeerRegistry(table, verifier, bus, keys, clk, testLogger())
	pr := NewPropagation(table, transport, verifier, registry, bus, keys, clk, testLogger())
	return pr, transport, table, bus
}

func seedPeers(t *testing.T, table *RoutingTable, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := nodeIDWithFirstByte(0x80>>(uint(i)%7), i+1)
		if err := table.Stage(PeerInfo{NodeID: id, Addr: fmt.Sprintf("10.%d.%d.1:30303", i/200, i%200)}); err != nil {
			t.Fatalf("stage %d: %v", i, err)
		}
		table.CompleteVerification(id, true)
	}
}

func TestPropagationFanoutIsSqrtN(t *testing.T) {
	pr, _, table, _ := newTestPropagation(t)
	seedPeers(t, table, 16)
	if got := pr.fanout(); got != 4 {
		t.Fatalf("fanout over 16 peers = %d, want 4", got)
	}
	if got := len(pr.samplePeers(pr.fanout())); got != 4 {
		t.Fatalf("sampled %d peers", got)
	}
}

func TestPropagationDeduplicatesByHash(t *testing.T) {
	pr, transport, table, _ := newTestPropagation(t)
	seedPeers(t, table, 4)

	priv, _ := crypto.GenerateKey()
	blk := &Block{
		Header:       BlockHeader{Height: 1, Timestamp: testEpoch.Unix()},
		Transactions: []*Transaction{testTx(t, priv, Address{1}, 1, 0, 2)},
	}
	raw, _ := MarshalPayload(blk)

	var from NodeID
	from[0] = 0x80
	pr.HandleBlock(from, raw)
	first := transport.gossipCount()
	if first == 0 {
		t.Fatal("first receipt not rebroadcast")
	}

	// Identical hash inside the window: silent drop, no rebroadcast.
	pr.HandleBlock(from, raw)
	if transport.gossipCount() != first {
		t.Fatal("duplicate was rebroadcast")
	}
}

func TestPropagationPerPeerRateLimit(t *testing.T) {
	pr, _, table, _ := newTestPropagation(t)
	seedPeers(t, table, 1)
	peerID := table.FindClosest(NodeID{}, 1)[0].NodeID

	lim := pr.limiter(peerID)
	if !lim.block.Allow() {
		t.Fatal("first block send denied")
	}
	// One block per second: the burst is spent.
	if lim.block.Allow() {
		t.Fatal("second block inside the same second allowed")
	}
	if !lim.txs.Allow() {
		t.Fatal("tx budget coupled to block budget")
	}
}

func TestPropagationHandsVerifiedTxsToMempool(t *testing.T) {
	pr, _, table, bus := newTestPropagation(t)
	seedPeers(t, table, 4)
	submitted, cancel := bus.Subscribe(TopicTxSubmitted, SubMempool, 8)
	defer cancel()

	priv, _ := crypto.GenerateKey()
	good := testTx(t, priv, Address{1}, 1, 0, 2)
	forged := testTx(t, priv, Address{2}, 1, 1, 2)
	forged.Value = 999 // breaks the signature
	forged.InvalidateHash()

	raw, _ := MarshalPayload([]*Transaction{good, forged})
	var from NodeID
	from[0] = 0x80
	pr.HandleTxBatch(from, raw)

	env := waitEnvelope(t, submitted, time.Second)
	var msg TxSubmittedMsg
	if err := UnmarshalPayload(env.Payload, &msg); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if msg.Tx.HashTx() != good.HashTx() {
		t.Fatal("wrong transaction forwarded")
	}
	select {
	case <-submitted:
		t.Fatal("forged transaction forwarded to the mempool")
	default:
	}
}

func TestPropagationStrikesMalformedSender(t *testing.T) {
	pr, _, table, _ := newTestPropagation(t)
	seedPeers(t, table, 1)
	peer := table.FindClosest(NodeID{}, 1)[0]

	before := table.BucketPeers(BucketIndex(NodeID{}, peer.NodeID))[0].Reputation
	pr.HandleBlock(peer.NodeID, []byte("{not json"))
	after := table.BucketPeers(BucketIndex(NodeID{}, peer.NodeID))[0].Reputation
	if after >= before {
		t.Fatalf("reputation did not drop: %d -> %d", before, after)
	}
}
