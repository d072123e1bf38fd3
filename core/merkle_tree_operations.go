package core

// merkle_tree_operations.go – binary Merkle tree over a block's
// transaction hashes, inclusion proofs and their wire format.
//
// Odd fan-out duplicates the last node: parent = H(node ∥ node).  With a
// single leaf the root is the leaf itself and the proof is empty.  Proof
// length is validated against ⌈log₂ n⌉ before any folding happens.
//
// The wire format carries a CRC-32 for accidental corruption only;
// integrity comes from matching the root, never from the checksum.

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math/bits"

	"golang.org/x/crypto/sha3"
)

// hashPair hashes left ∥ right with SHA-3/256.
func hashPair(left, right Hash) Hash {
	var out Hash
	h := sha3.New256()
	h.Write(left[:])
	h.Write(right[:])
	copy(out[:], h.Sum(nil))
	return out
}

// proofLen is ⌈log₂ n⌉: the exact number of siblings a valid proof has.
func proofLen(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// BuildMerkleTree returns the level-by-level nodes built from the leaf
// hashes.  The last slice contains the single root.
func BuildMerkleTree(leaves []Hash) ([][]Hash, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("%w: no leaves", ErrMalformedProof)
	}
	level := append([]Hash(nil), leaves...)
	tree := [][]Hash{level}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = hashPair(level[i], level[i+1])
		}
		tree = append(tree, next)
		level = next
	}
	return tree, nil
}

// MerkleRoot computes just the root.
func MerkleRoot(leaves []Hash) (Hash, error) {
	tree, err := BuildMerkleTree(leaves)
	if err != nil {
		return Hash{}, err
	}
	return tree[len(tree)-1][0], nil
}

// MerkleProofPath returns the sibling path for the leaf at index, ordered
// from leaf level upwards, plus the root.
func MerkleProofPath(leaves []Hash, index uint64) ([]Hash, Hash, error) {
	if int(index) >= len(leaves) {
		return nil, Hash{}, fmt.Errorf("%w: index %d out of range", ErrMalformedProof, index)
	}
	tree, err := BuildMerkleTree(leaves)
	if err != nil {
		return nil, Hash{}, err
	}

	proof := make([]Hash, 0, len(tree)-1)
	idx := int(index)
	for i := 0; i < len(tree)-1; i++ {
		level := tree[i]
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		if idx%2 == 0 {
			proof = append(proof, level[idx+1])
		} else {
			proof = append(proof, level[idx-1])
		}
		idx /= 2
	}
	return proof, tree[len(tree)-1][0], nil
}

// VerifyMerklePath folds the proof against the leaf according to index
// parity at each level.  The proof length must equal ⌈log₂ n⌉ exactly.
func VerifyMerklePath(root Hash, leaf Hash, proof []Hash, index, treeSize uint64) error {
	if treeSize == 0 || index >= treeSize {
		return fmt.Errorf("%w: index %d outside tree of %d", ErrMalformedProof, index, treeSize)
	}
	if len(proof) != proofLen(int(treeSize)) {
		return fmt.Errorf("%w: proof length %d, want %d", ErrMalformedProof, len(proof), proofLen(int(treeSize)))
	}
	acc := leaf
	idx := index
	for _, sib := range proof {
		if idx%2 == 0 {
			acc = hashPair(acc, sib)
		} else {
			acc = hashPair(sib, acc)
		}
		idx /= 2
	}
	if acc != root {
		return ErrProofRootMismatch
	}
	return nil
}

//---------------------------------------------------------------------
// Proof wire format
//---------------------------------------------------------------------

// MerkleProof is the transportable inclusion proof.
type MerkleProof struct {
	TxIndex   uint64
	TreeSize  uint64
	Root      Hash
	Path      []Hash
	Timestamp uint64
}

var proofMagic = [4]byte{'M', 'K', 'L', 'P'}

const proofWireVersion uint8 = 1

// Encode emits: magic 4B | version u8 | crc32 u32 | tx_index u64 |
// tree_size u64 | root 32B | path_len u16 | path | timestamp u64.  The
// CRC covers everything after itself.  Integers big-endian.
func (p *MerkleProof) Encode() ([]byte, error) {
	if len(p.Path) > int(^uint16(0)) {
		return nil, fmt.Errorf("%w: path too long", ErrMalformedProof)
	}
	body := make([]byte, 0, 8+8+32+2+len(p.Path)*32+8)
	var u16 [2]byte
	var u64 [8]byte

	binary.BigEndian.PutUint64(u64[:], p.TxIndex)
	body = append(body, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], p.TreeSize)
	body = append(body, u64[:]...)
	body = append(body, p.Root[:]...)
	binary.BigEndian.PutUint16(u16[:], uint16(len(p.Path)))
	body = append(body, u16[:]...)
	for _, h := range p.Path {
		body = append(body, h[:]...)
	}
	binary.BigEndian.PutUint64(u64[:], p.Timestamp)
	body = append(body, u64[:]...)

	out := make([]byte, 0, 4+1+4+len(body))
	out = append(out, proofMagic[:]...)
	out = append(out, proofWireVersion)
	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], crc32.ChecksumIEEE(body))
	out = append(out, crc[:]...)
	out = append(out, body...)
	return out, nil
}

// DecodeMerkleProof parses and CRC-checks the wire form.
func DecodeMerkleProof(raw []byte) (*MerkleProof, error) {
	const headerLen = 4 + 1 + 4
	const fixedBody = 8 + 8 + 32 + 2 + 8
	if len(raw) < headerLen+fixedBody {
		return nil, fmt.Errorf("%w: truncated", ErrMalformedProof)
	}
	if raw[0] != proofMagic[0] || raw[1] != proofMagic[1] || raw[2] != proofMagic[2] || raw[3] != proofMagic[3] {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedProof)
	}
	if raw[4] != proofWireVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformedProof, raw[4])
	}
	wantCRC := binary.BigEndian.Uint32(raw[5:9])
	body := raw[headerLen:]
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrMalformedProof)
	}

	p := &MerkleProof{}
	off := 0
	p.TxIndex = binary.BigEndian.Uint64(body[off:])
	off += 8
	p.TreeSize = binary.BigEndian.Uint64(body[off:])
	off += 8
	copy(p.Root[:], body[off:off+32])
	off += 32
	pathLen := int(binary.BigEndian.Uint16(body[off:]))
	off += 2
	if len(body) != fixedBody+pathLen*32 {
		return nil, fmt.Errorf("%w: length mismatch", ErrMalformedProof)
	}
	p.Path = make([]Hash, pathLen)
	for i := 0; i < pathLen; i++ {
		copy(p.Path[i][:], body[off:off+32])
		off += 32
	}
	p.Timestamp = binary.BigEndian.Uint64(body[off:])
	return p, nil
}

// Verify checks the proof for a given leaf against its embedded root.
func (p *MerkleProof) Verify(leaf Hash) error {
	return VerifyMerklePath(p.Root, leaf, p.Path, p.TxIndex, p.TreeSize)
}
