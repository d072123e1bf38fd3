package core

// Shared fixtures for the core test suite: deterministic keys, a bus
// wired to a mock clock and a scriptable transport.

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/sha3"
)

var testEpoch = time.Unix(1_700_000_000, 0)

func testLogger() *logrus.Logger {
	lg := logrus.New()
	lg.SetLevel(logrus.PanicLevel)
	return lg
}

func testKeys(tb testing.TB) *StaticKeyStore {
	tb.Helper()
	priv := make([]byte, 32)
	for i := range priv {
		priv[i] = byte(i + 1)
	}
	return &StaticKeyStore{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
		Priv:   priv,
		Pub:    SchnorrPubKey(priv),
	}
}

func testClock() *clock.Mock {
	mock := clock.NewMock()
	mock.Set(testEpoch)
	return mock
}

func testBus(tb testing.TB, clk clock.Clock) (*EventBus, *StaticKeyStore, *NonceCache) {
	tb.Helper()
	keys := testKeys(tb)
	nonces := NewNonceCache(0, clk)
	bus := NewEventBus(keys, nonces, clk, testLogger())
	return bus, keys, nonces
}

// sealedEnvelope builds and seals an envelope for a payload struct.
func sealedEnvelope(tb testing.TB, keys KeyStore, sender, recipient SubsystemID, payload interface{}, now time.Time) *Envelope {
	tb.Helper()
	raw, err := MarshalPayload(payload)
	if err != nil {
		tb.Fatalf("marshal payload: %v", err)
	}
	env, err := NewEnvelope(sender, recipient, raw, now)
	if err != nil {
		tb.Fatalf("new envelope: %v", err)
	}
	if err := env.Seal(keys.BusSecret()); err != nil {
		tb.Fatalf("seal: %v", err)
	}
	return env
}

// waitEnvelope blocks until an envelope arrives or the deadline hits.
func waitEnvelope(tb testing.TB, ch <-chan *Envelope, d time.Duration) *Envelope {
	tb.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(d):
		tb.Fatalf("no envelope within %s", d)
		return nil
	}
}

//---------------------------------------------------------------------
// Transport mock
//---------------------------------------------------------------------

// fakeTransport scripts PING outcomes per peer and records gossip.
type fakeTransport struct {
	mu        sync.Mutex
	pingErr   map[NodeID]error
	pings     []NodeID
	gossip    []string
	gossipPay [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{pingErr: make(map[NodeID]error)}
}

func (f *fakeTransport) setPingResult(id NodeID, err error) {
	f.mu.Lock()
	f.pingErr[id] = err
	f.mu.Unlock()
}

func (f *fakeTransport) Ping(ctx context.Context, peer PeerInfo) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings = append(f.pings, peer.NodeID)
	if err, ok := f.pingErr[peer.NodeID]; ok {
		return 0, err
	}
	return 5 * time.Millisecond, nil
}

func (f *fakeTransport) FindNode(ctx context.Context, peer PeerInfo, target NodeID) ([]PeerInfo, error) {
	return nil, nil
}

func (f *fakeTransport) SendGossip(ctx context.Context, peer PeerInfo, tag string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gossip = append(f.gossip, tag)
	f.gossipPay = append(f.gossipPay, payload)
	return nil
}

func (f *fakeTransport) gossipCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.gossip)
}

//---------------------------------------------------------------------
// Identities
//---------------------------------------------------------------------

// testPeer fabricates a verifiable peer identity with its ECDSA key.
func testPeer(tb testing.TB, seed byte, addr string) (PeerInfo, PeerIdentityProof, *ecdsa.PrivateKey) {
	tb.Helper()
	keyBytes := make([]byte, 32)
	for i := range keyBytes {
		keyBytes[i] = seed ^ byte(i+7)
	}
	if keyBytes[0] == 0 {
		keyBytes[0] = 1
	}
	priv, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		tb.Fatalf("peer key: %v", err)
	}
	pub := crypto.CompressPubkey(&priv.PublicKey)
	id := NodeIDFromPubKey(pub)

	challenge := []byte(fmt.Sprintf("challenge-%d", seed))
	digest := sha3.Sum256(challenge)
	sig, err := crypto.Sign(digest[:], priv)
	if err != nil {
		tb.Fatalf("sign challenge: %v", err)
	}
	proof := PeerIdentityProof{NodeID: id, PubKey: pub, Challenge: challenge, Sig: sig[:64]}
	info := PeerInfo{NodeID: id, Addr: addr, Reputation: DefaultReputation}
	return info, proof, priv
}

// testValidators builds an ordered validator set with Schnorr keys.
func testValidators(tb testing.TB, n int) ([]Validator, [][]byte) {
	tb.Helper()
	vals := make([]Validator, n)
	privs := make([][]byte, n)
	for i := 0; i < n; i++ {
		priv := make([]byte, 32)
		for j := range priv {
			priv[j] = byte(i*31 + j + 11)
		}
		pub := SchnorrPubKey(priv)
		var addr Address
		copy(addr[:], pub[:20])
		vals[i] = Validator{Addr: addr, PubKey: pub}
		privs[i] = priv
	}
	return vals, privs
}

// signVoteAs signs a vote as the given validator.
func signVoteAs(tb testing.TB, v VoteMsg, val Validator, priv []byte) VoteMsg {
	tb.Helper()
	v.Validator = val.Addr
	v.PubKey = val.PubKey
	sig, err := SchnorrSign(priv, v.SigningDigest())
	if err != nil {
		tb.Fatalf("sign vote: %v", err)
	}
	v.Sig = sig
	return v
}

// testTx builds a signed transaction.
func testTx(tb testing.TB, priv *ecdsa.PrivateKey, to Address, value, nonce, gasPrice uint64) *Transaction {
	tb.Helper()
	tx := &Transaction{To: to, Value: value, Nonce: nonce, GasPrice: gasPrice, GasLimit: 21_000}
	if err := tx.Sign(priv); err != nil {
		tb.Fatalf("sign tx: %v", err)
	}
	return tx
}
