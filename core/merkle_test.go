package core

import (
	"errors"
	"testing"

	"golang.org/x/crypto/sha3"
)

func leafHash(b byte) Hash {
	var h Hash
	d := sha3.Sum256([]byte{b})
	copy(h[:], d[:])
	return h
}

func TestMerkleSingleLeaf(t *testing.T) {
	leaf := leafHash(1)
	root, err := MerkleRoot([]Hash{leaf})
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if root != leaf {
		t.Fatal("single-leaf root must equal the leaf")
	}
	proof, gotRoot, err := MerkleProofPath([]Hash{leaf}, 0)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if len(proof) != 0 {
		t.Fatalf("single-leaf proof not empty: %d", len(proof))
	}
	if gotRoot != leaf {
		t.Fatal("proof root mismatch")
	}
	if err := VerifyMerklePath(root, leaf, nil, 0, 1); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

// Five leaves hit the duplication rule at two levels; the expected root
// is spelled out pair by pair as the reference vector.
func TestMerkleFiveLeavesDuplicationVector(t *testing.T) {
	leaves := make([]Hash, 5)
	for i := range leaves {
		leaves[i] = leafHash(byte(i))
	}

	// Level 1: (0,1) (2,3) (4,4)
	n01 := hashPair(leaves[0], leaves[1])
	n23 := hashPair(leaves[2], leaves[3])
	n44 := hashPair(leaves[4], leaves[4])
	// Level 2: (n01,n23) (n44,n44)
	n0123 := hashPair(n01, n23)
	n4444 := hashPair(n44, n44)
	want := hashPair(n0123, n4444)

	got, err := MerkleRoot(leaves)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if got != want {
		t.Fatalf("root %s does not match the reference vector %s", got.Hex(), want.Hex())
	}
}

func TestMerkleBuildThenVerifyEveryLeaf(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8, 13, 100} {
		leaves := make([]Hash, n)
		for i := range leaves {
			leaves[i] = leafHash(byte(i))
		}
		root, err := MerkleRoot(leaves)
		if err != nil {
			t.Fatalf("n=%d root: %v", n, err)
		}
		for i := 0; i < n; i++ {
			proof, proofRoot, err := MerkleProofPath(leaves, uint64(i))
			if err != nil {
				t.Fatalf("n=%d i=%d proof: %v", n, i, err)
			}
			if proofRoot != root {
				t.Fatalf("n=%d i=%d proof root mismatch", n, i)
			}
			if len(proof) != proofLen(n) {
				t.Fatalf("n=%d i=%d proof length %d, want %d", n, i, len(proof), proofLen(n))
			}
			if err := VerifyMerklePath(root, leaves[i], proof, uint64(i), uint64(n)); err != nil {
				t.Fatalf("n=%d i=%d verify: %v", n, i, err)
			}
			// The same proof must not verify at a different index.
			if n > 1 {
				wrong := (i + 1) % n
				if err := VerifyMerklePath(root, leaves[i], proof, uint64(wrong), uint64(n)); err == nil {
					t.Fatalf("n=%d proof for %d verified at index %d", n, i, wrong)
				}
			}
		}
	}
}

func TestMerkleProofLengthValidation(t *testing.T) {
	leaves := []Hash{leafHash(0), leafHash(1), leafHash(2), leafHash(3)}
	root, _ := MerkleRoot(leaves)
	proof, _, err := MerkleProofPath(leaves, 1)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}

	short := proof[:len(proof)-1]
	if err := VerifyMerklePath(root, leaves[1], short, 1, 4); !errors.Is(err, ErrMalformedProof) {
		t.Fatalf("short proof not rejected: %v", err)
	}
	long := append(append([]Hash(nil), proof...), leafHash(9))
	if err := VerifyMerklePath(root, leaves[1], long, 1, 4); !errors.Is(err, ErrMalformedProof) {
		t.Fatalf("long proof not rejected: %v", err)
	}
	if err := VerifyMerklePath(root, leaves[1], proof, 9, 4); !errors.Is(err, ErrMalformedProof) {
		t.Fatalf("out-of-range index not rejected: %v", err)
	}
}

func TestMerkleProofWireRoundTrip(t *testing.T) {
	leaves := []Hash{leafHash(0), leafHash(1), leafHash(2)}
	path, root, err := MerkleProofPath(leaves, 2)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	p := &MerkleProof{TxIndex: 2, TreeSize: 3, Root: root, Path: path, Timestamp: 1_700_000_000}

	wire, err := p.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeMerkleProof(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.TxIndex != p.TxIndex || decoded.TreeSize != p.TreeSize ||
		decoded.Root != p.Root || len(decoded.Path) != len(p.Path) || decoded.Timestamp != p.Timestamp {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
	if err := decoded.Verify(leaves[2]); err != nil {
		t.Fatalf("verify decoded: %v", err)
	}

	// A flipped payload byte fails the CRC before any fold.
	wire[len(wire)-1] ^= 0x01
	if _, err := DecodeMerkleProof(wire); !errors.Is(err, ErrMalformedProof) {
		t.Fatalf("corrupted wire accepted: %v", err)
	}

	// Bad magic.
	wire[len(wire)-1] ^= 0x01
	wire[0] = 'X'
	if _, err := DecodeMerkleProof(wire); !errors.Is(err, ErrMalformedProof) {
		t.Fatalf("bad magic accepted: %v", err)
	}
}

func TestMerkleVerifyBatchBounds(t *testing.T) {
	ts := NewTxIndexService(nil, testKeys(t), testClock(), testLogger())

	leaves := []Hash{leafHash(0), leafHash(1)}
	path, root, _ := MerkleProofPath(leaves, 0)
	good := &MerkleProof{TxIndex: 0, TreeSize: 2, Root: root, Path: path}

	if err := ts.VerifyBatch([]*MerkleProof{good}, []Hash{leaves[0]}); err != nil {
		t.Fatalf("valid batch rejected: %v", err)
	}

	over := make([]*MerkleProof, MaxProofBatch+1)
	overLeaves := make([]Hash, MaxProofBatch+1)
	for i := range over {
		over[i] = good
		overLeaves[i] = leaves[0]
	}
	if err := ts.VerifyBatch(over, overLeaves); err == nil {
		t.Fatal("oversized batch accepted")
	}

	if err := ts.VerifyBatch([]*MerkleProof{good}, []Hash{leaves[1]}); err == nil {
		t.Fatal("wrong leaf verified")
	}
}
