package core

// blocks.go – canonical block header serialization and hashing.

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// CanonicalBytes returns the deterministic header wire form.  The
// proposer signature is excluded: it signs the header, it is not part of
// what it signs.
func (h *BlockHeader) CanonicalBytes() []byte {
	buf := make([]byte, 0, 32+8+8+32+32+20+8+8)
	var u64 [8]byte

	buf = append(buf, h.ParentHash[:]...)
	binary.BigEndian.PutUint64(u64[:], h.Height)
	buf = append(buf, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], uint64(h.Timestamp))
	buf = append(buf, u64[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = append(buf, h.StateRoot[:]...)
	buf = append(buf, h.Beneficiary[:]...)
	binary.BigEndian.PutUint64(u64[:], h.Difficulty)
	buf = append(buf, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], h.Nonce)
	buf = append(buf, u64[:]...)
	return buf
}

// Hash returns SHA-3/256 over the canonical header.
func (h *BlockHeader) Hash() Hash {
	var out Hash
	d := sha3.Sum256(h.CanonicalBytes())
	copy(out[:], d[:])
	return out
}

// Hash returns the block's header hash.
func (b *Block) Hash() Hash { return b.Header.Hash() }

// TxHashes returns the ordered canonical hashes of the block's txs.
func (b *Block) TxHashes() []Hash {
	hashes := make([]Hash, len(b.Transactions))
	for i, tx := range b.Transactions {
		hashes[i] = tx.HashTx()
	}
	return hashes
}

// ValidateShape rejects structurally broken blocks: nil txs, height zero
// with a parent, or a timestamp before the epoch.
func (b *Block) ValidateShape() error {
	if b == nil {
		return fmt.Errorf("%w: nil block", ErrMalformedBlock)
	}
	if b.Header.Timestamp <= 0 {
		return fmt.Errorf("%w: bad timestamp", ErrMalformedBlock)
	}
	if b.Header.Height == 0 && !b.Header.ParentHash.IsZero() {
		return fmt.Errorf("%w: genesis with parent", ErrMalformedBlock)
	}
	for i, tx := range b.Transactions {
		if tx == nil {
			return fmt.Errorf("%w: nil tx at %d", ErrMalformedBlock, i)
		}
	}
	return nil
}
