// SPDX-License-Identifier: Apache-2.0
// Package core – shared security primitives for the Quorumchain stack.
//
// Exposes:
//   - SignatureVerifier  – transaction / envelope-adjacent verification.
//   - Identity proofs    – key-possession checks for peer admission.
//   - Schnorr (BIP-340)  – validator vote signatures, single and batch.
//
// Batch verification is all-or-nothing: a failed batch never reports
// which signature was at fault, so a partial result cannot leak.
package core

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcschnorr "github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/sha3"
)

//---------------------------------------------------------------------
// SignatureVerifier
//---------------------------------------------------------------------

// SignatureVerifier is the stateless leaf component every other subsystem
// delegates cryptographic verification to.
type SignatureVerifier struct {
	log *logrus.Logger
}

// NewSignatureVerifier builds the verifier.
func NewSignatureVerifier(lg *logrus.Logger) *SignatureVerifier {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &SignatureVerifier{log: lg}
}

// VerifyTransaction checks shape and signature of one transaction.
func (sv *SignatureVerifier) VerifyTransaction(tx *Transaction) error {
	if err := tx.ValidateShape(); err != nil {
		return err
	}
	return tx.VerifySig()
}

// VerifyBlockTransactions re-verifies every signature in a proposed
// block.  Upstream validation is never trusted.
func (sv *SignatureVerifier) VerifyBlockTransactions(b *Block) error {
	for i, tx := range b.Transactions {
		if err := sv.VerifyTransaction(tx); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
	}
	return nil
}

//---------------------------------------------------------------------
// Peer identity proofs
//---------------------------------------------------------------------

// PeerIdentityProof is what a newly discovered peer presents: its claimed
// NodeID, the public key the ID must derive from, a challenge it was
// given and a signature over that challenge.
type PeerIdentityProof struct {
	NodeID    NodeID `json:"node_id"`
	PubKey    []byte `json:"pub_key"` // 33-byte compressed secp256k1
	Challenge []byte `json:"challenge"`
	Sig       []byte `json:"sig"` // 64-byte {R || S} over sha3(challenge)
}

// VerifyIdentityProof reports whether the proof holds.  It returns a bare
// bool on purpose: a failed proof is a silent drop at the caller, never a
// ban, so there is no error detail to propagate.
func (sv *SignatureVerifier) VerifyIdentityProof(p PeerIdentityProof) bool {
	if len(p.PubKey) != 33 || len(p.Sig) != 64 || len(p.Challenge) == 0 {
		return false
	}
	if NodeIDFromPubKey(p.PubKey) != p.NodeID {
		return false
	}
	digest := sha3.Sum256(p.Challenge)
	return crypto.VerifySignature(p.PubKey, digest[:], p.Sig)
}

//---------------------------------------------------------------------
// Schnorr (BIP-340) vote signatures
//---------------------------------------------------------------------

// SchnorrSign signs a 32-byte digest with a BIP-340 Schnorr signature.
func SchnorrSign(privKey []byte, digest [32]byte) ([]byte, error) {
	priv, _ := btcec.PrivKeyFromBytes(privKey)
	if priv == nil {
		return nil, errors.New("bad private key")
	}
	sig, err := btcschnorr.Sign(priv, digest[:])
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

// SchnorrPubKey returns the 32-byte x-only public key for privKey.
func SchnorrPubKey(privKey []byte) []byte {
	priv, _ := btcec.PrivKeyFromBytes(privKey)
	if priv == nil {
		return nil
	}
	return btcschnorr.SerializePubKey(priv.PubKey())
}

// SchnorrVerify checks one 64-byte signature against a 32-byte x-only
// public key and a 32-byte digest.
func (sv *SignatureVerifier) SchnorrVerify(pubKey, sig []byte, digest [32]byte) bool {
	if len(pubKey) != 32 || len(sig) != 64 {
		return false
	}
	pub, err := btcschnorr.ParsePubKey(pubKey)
	if err != nil {
		return false
	}
	parsed, err := btcschnorr.ParseSignature(sig)
	if err != nil {
		return false
	}
	return parsed.Verify(digest[:], pub)
}

// taggedHash is the BIP-340 tagged hash: sha256(sha256(tag) || sha256(tag) || data...).
func taggedHash(tag string, chunks ...[]byte) [32]byte {
	tagDigest := sha256.Sum256([]byte(tag))
	h := sha256.New()
	h.Write(tagDigest[:])
	h.Write(tagDigest[:])
	for _, c := range chunks {
		h.Write(c)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// liftX decompresses a 32-byte x coordinate to the point with even Y.
func liftX(x []byte) (*secp256k1.JacobianPoint, error) {
	compressed := make([]byte, 33)
	compressed[0] = 0x02
	copy(compressed[1:], x)
	pub, err := secp256k1.ParsePubKey(compressed)
	if err != nil {
		return nil, err
	}
	var p secp256k1.JacobianPoint
	pub.AsJacobian(&p)
	return &p, nil
}

// BatchVerifySchnorr verifies n (signature, digest, x-only pubkey)
// triples at once: with random scalars a_i it checks
//
//	Σ(a_i·s_i)·G == Σ(a_i·R_i) + Σ(a_i·e_i·P_i),  e_i = H(R_i ∥ P_i ∥ m_i)
//
// Any failure rejects the whole batch.
func (sv *SignatureVerifier) BatchVerifySchnorr(sigs [][]byte, digests [][32]byte, pubKeys [][]byte) bool {
	n := len(sigs)
	if n == 0 || len(digests) != n || len(pubKeys) != n {
		return false
	}

	var sSum secp256k1.ModNScalar
	var rhs secp256k1.JacobianPoint

	for i := 0; i < n; i++ {
		if len(sigs[i]) != 64 || len(pubKeys[i]) != 32 {
			return false
		}
		rBytes := sigs[i][:32]
		var s secp256k1.ModNScalar
		if overflow := s.SetByteSlice(sigs[i][32:]); overflow {
			return false
		}

		rPoint, err := liftX(rBytes)
		if err != nil {
			return false
		}
		pPoint, err := liftX(pubKeys[i])
		if err != nil {
			return false
		}

		// e_i = tagged challenge hash reduced mod n.
		eDigest := taggedHash("BIP0340/challenge", rBytes, pubKeys[i], digests[i][:])
		var e secp256k1.ModNScalar
		e.SetByteSlice(eDigest[:])

		// Random blinding scalar; a_0 is pinned to one.
		var a secp256k1.ModNScalar
		if i == 0 {
			a.SetInt(1)
		} else {
			var buf [32]byte
			if _, err := rand.Read(buf[:]); err != nil {
				return false
			}
			a.SetByteSlice(buf[:])
			if a.IsZero() {
				a.SetInt(1)
			}
		}

		// sSum += a_i * s_i
		as := new(secp256k1.ModNScalar).Set(&a)
		as.Mul(&s)
		sSum.Add(as)

		// rhs += a_i*R_i + (a_i*e_i)*P_i
		var aR, aeP secp256k1.JacobianPoint
		secp256k1.ScalarMultNonConst(&a, rPoint, &aR)
		ae := new(secp256k1.ModNScalar).Set(&a)
		ae.Mul(&e)
		secp256k1.ScalarMultNonConst(ae, pPoint, &aeP)
		secp256k1.AddNonConst(&rhs, &aR, &rhs)
		secp256k1.AddNonConst(&rhs, &aeP, &rhs)
	}

	var lhs secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&sSum, &lhs)

	lhs.ToAffine()
	rhs.ToAffine()
	return lhs.X.Equals(&rhs.X) && lhs.Y.Equals(&rhs.Y) && lhs.Z.Equals(&rhs.Z)
}
