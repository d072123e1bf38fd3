package core

// transactions.go – transaction hashing, signing and verification.
//
// Canonical serialization is length-prefixed big-endian and fully
// deterministic; the transaction hash is SHA-3/256 over it.  Signatures
// are 65-byte secp256k1 {R || S || V} with the low-S rule enforced — a
// high-S signature is simply invalid here, never normalized on behalf of
// the sender.

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// Address helpers (our 20-byte address type ↔ go-ethereum common.Address)
// -----------------------------------------------------------------------------

// FromCommon converts a go-ethereum common.Address to Address.
func FromCommon(a common.Address) Address {
	var out Address
	copy(out[:], a.Bytes())
	return out
}

// ToCommon converts an Address to go-ethereum's common.Address.
func (a Address) ToCommon() common.Address { return common.BytesToAddress(a[:]) }

// AddressFromPubKey derives the 20-byte address: Keccak-256 over the
// uncompressed public key (minus the 0x04 tag), low 20 bytes.
func AddressFromPubKey(pub *ecdsa.PublicKey) Address {
	return FromCommon(crypto.PubkeyToAddress(*pub))
}

// NodeIDFromPubKey derives the 256-bit peer identifier via SHA-3/256.
func NodeIDFromPubKey(pub []byte) NodeID {
	var id NodeID
	d := sha3.Sum256(pub)
	copy(id[:], d[:])
	return id
}

// -----------------------------------------------------------------------------
// Canonical serialization and hashing
// -----------------------------------------------------------------------------

// CanonicalBytes returns the deterministic wire form signed and hashed.
// Layout: from 20B | to 20B | value u64 | nonce u64 | gas_price u64 |
// gas_limit u64 | data_len u32 | data.  Integers big-endian.
func (tx *Transaction) CanonicalBytes() []byte {
	buf := make([]byte, 0, 20+20+8*4+4+len(tx.Data))
	var u32 [4]byte
	var u64 [8]byte

	buf = append(buf, tx.From[:]...)
	buf = append(buf, tx.To[:]...)
	binary.BigEndian.PutUint64(u64[:], tx.Value)
	buf = append(buf, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], tx.Nonce)
	buf = append(buf, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], tx.GasPrice)
	buf = append(buf, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], tx.GasLimit)
	buf = append(buf, u64[:]...)
	binary.BigEndian.PutUint32(u32[:], uint32(len(tx.Data)))
	buf = append(buf, u32[:]...)
	buf = append(buf, tx.Data...)
	return buf
}

// HashTx returns the canonical transaction hash, caching the result.
func (tx *Transaction) HashTx() Hash {
	if tx.hash != nil {
		return *tx.hash
	}
	var h Hash
	d := sha3.Sum256(tx.CanonicalBytes())
	copy(h[:], d[:])
	tx.hash = &h
	return h
}

// InvalidateHash clears the cached hash after a field mutation.
func (tx *Transaction) InvalidateHash() { tx.hash = nil }

// -----------------------------------------------------------------------------
// Signing / verification
// -----------------------------------------------------------------------------

// halfN is secp256k1 group order / 2, the low-S boundary.
var halfN = new(big.Int).Rsh(crypto.S256().Params().N, 1)

// Sign computes the canonical hash and attaches a 65-byte signature.
// From is overwritten with the signer's derived address.
func (tx *Transaction) Sign(priv *ecdsa.PrivateKey) error {
	if priv == nil {
		return errors.New("nil privkey")
	}
	tx.From = AddressFromPubKey(&priv.PublicKey)
	tx.InvalidateHash()
	h := tx.HashTx()

	sig, err := crypto.Sign(h[:], priv) // {R || S || V}
	if err != nil {
		return err
	}
	tx.Sig = sig
	return nil
}

// VerifySig checks structure, the low-S rule and that the recovered
// signer matches From.
func (tx *Transaction) VerifySig() error {
	if len(tx.Sig) != 65 {
		return fmt.Errorf("%w: missing or malformed sig", ErrMalformedTransaction)
	}
	s := new(big.Int).SetBytes(tx.Sig[32:64])
	if s.Sign() == 0 || s.Cmp(halfN) > 0 {
		return fmt.Errorf("%w: high-S signature", ErrMalformedTransaction)
	}

	h := tx.HashTx()
	pubKey, err := crypto.SigToPub(h[:], tx.Sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedTransaction, err)
	}
	if !crypto.VerifySignature(crypto.FromECDSAPub(pubKey), h[:], tx.Sig[:64]) {
		return ErrInvalidSignature
	}
	if AddressFromPubKey(pubKey) != tx.From {
		return fmt.Errorf("%w: sender mismatch", ErrInvalidSignature)
	}
	return nil
}

// ValidateShape rejects structurally impossible transactions before any
// cryptographic work is spent on them.
func (tx *Transaction) ValidateShape() error {
	if tx == nil {
		return fmt.Errorf("%w: nil", ErrMalformedTransaction)
	}
	if tx.From.IsZero() {
		return fmt.Errorf("%w: zero sender", ErrMalformedTransaction)
	}
	if tx.GasLimit == 0 {
		return fmt.Errorf("%w: zero gas limit", ErrMalformedTransaction)
	}
	return nil
}
