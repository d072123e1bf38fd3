package core

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestTransactionSignVerify(t *testing.T) {
	priv, _ := crypto.GenerateKey()
	tx := testTx(t, priv, Address{9}, 500, 0, 2)

	if err := tx.VerifySig(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if tx.From != AddressFromPubKey(&priv.PublicKey) {
		t.Fatal("sender not derived from the signing key")
	}

	// Field tampering invalidates the signature.
	tx.Value = 501
	tx.InvalidateHash()
	if err := tx.VerifySig(); err == nil {
		t.Fatal("tampered transaction verified")
	}
}

func TestTransactionRejectsHighS(t *testing.T) {
	priv, _ := crypto.GenerateKey()
	tx := testTx(t, priv, Address{9}, 1, 0, 2)

	// Flip S to the high half of the curve order.
	n := crypto.S256().Params().N
	s := new(big.Int).SetBytes(tx.Sig[32:64])
	highS := new(big.Int).Sub(n, s)
	highS.FillBytes(tx.Sig[32:64])

	if err := tx.VerifySig(); !errors.Is(err, ErrMalformedTransaction) {
		t.Fatalf("high-S signature accepted: %v", err)
	}
}

func TestIdentityProofVerification(t *testing.T) {
	sv := NewSignatureVerifier(testLogger())
	info, proof, _ := testPeer(t, 1, "10.0.0.1:30303")

	if !sv.VerifyIdentityProof(proof) {
		t.Fatal("valid proof rejected")
	}

	// Claimed NodeID must derive from the public key.
	bad := proof
	bad.NodeID = NodeID{0xde, 0xad}
	if sv.VerifyIdentityProof(bad) {
		t.Fatal("proof with foreign node id accepted")
	}

	// A different challenge invalidates the signature.
	bad = proof
	bad.Challenge = []byte("other-challenge")
	if sv.VerifyIdentityProof(bad) {
		t.Fatal("proof over wrong challenge accepted")
	}
	_ = info
}

func TestSchnorrSignVerify(t *testing.T) {
	sv := NewSignatureVerifier(testLogger())
	keys := testKeys(t)
	digest := [32]byte{1, 2, 3}

	sig, err := SchnorrSign(keys.Priv, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !sv.SchnorrVerify(keys.Pub, sig, digest) {
		t.Fatal("valid signature rejected")
	}
	other := [32]byte{4, 5, 6}
	if sv.SchnorrVerify(keys.Pub, sig, other) {
		t.Fatal("signature verified over wrong digest")
	}
}

func TestSchnorrBatchVerifyAllOrNothing(t *testing.T) {
	sv := NewSignatureVerifier(testLogger())
	vals, privs := testValidators(t, 4)

	sigs := make([][]byte, 4)
	digests := make([][32]byte, 4)
	pubs := make([][]byte, 4)
	for i := range vals {
		digests[i] = [32]byte{byte(i + 1)}
		sig, err := SchnorrSign(privs[i], digests[i])
		if err != nil {
			t.Fatalf("sign %d: %v", i, err)
		}
		sigs[i] = sig
		pubs[i] = vals[i].PubKey
	}

	if !sv.BatchVerifySchnorr(sigs, digests, pubs) {
		t.Fatal("valid batch rejected")
	}

	// One corrupted signature sinks the whole batch.
	sigs[2] = append([]byte(nil), sigs[2]...)
	sigs[2][40] ^= 0x01
	if sv.BatchVerifySchnorr(sigs, digests, pubs) {
		t.Fatal("batch with a bad signature accepted")
	}
}

func TestVerifyBlockTransactionsZeroTrust(t *testing.T) {
	sv := NewSignatureVerifier(testLogger())
	priv, _ := crypto.GenerateKey()

	blk := &Block{
		Header: BlockHeader{Height: 1, Timestamp: testEpoch.Unix()},
		Transactions: []*Transaction{
			testTx(t, priv, Address{1}, 1, 0, 2),
			testTx(t, priv, Address{2}, 2, 1, 2),
		},
	}
	if err := sv.VerifyBlockTransactions(blk); err != nil {
		t.Fatalf("clean block rejected: %v", err)
	}

	blk.Transactions[1].Nonce = 99
	blk.Transactions[1].InvalidateHash()
	if err := sv.VerifyBlockTransactions(blk); err == nil {
		t.Fatal("block with a forged transaction accepted")
	}
}
