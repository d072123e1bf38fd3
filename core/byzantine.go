package core

// byzantine.go – equivocation detection and slashing proofs.
//
// Per (validator, view, sequence) the detector records the first block
// hash a signed vote carried — the vote type is deliberately NOT part of
// the key, so a PREPARE for one hash followed by a COMMIT for another at
// the same coordinates is caught just like two conflicting PREPAREs.
// Honest multi-phase voting is unaffected: a later vote for the same
// hash is a no-op.  A second vote with a different non-empty hash is
// equivocation; the two signed messages together are the slashing proof
// handed to external enforcement.

import (
	"fmt"
	"sync"
)

type voteKey struct {
	validator Address
	view      uint64
	sequence  uint64
}

// EquivocationDetector keeps per-coordinate vote history.
type EquivocationDetector struct {
	mu    sync.Mutex
	first map[voteKey]VoteMsg
}

// NewEquivocationDetector builds an empty detector.
func NewEquivocationDetector() *EquivocationDetector {
	return &EquivocationDetector{first: make(map[voteKey]VoteMsg)}
}

// Record stores a vote and returns a slashing proof if it conflicts with
// an earlier one.  Votes with an empty block hash never equivocate.
func (d *EquivocationDetector) Record(v VoteMsg) (*SlashingProof, error) {
	if v.BlockHash.IsZero() {
		return nil, nil
	}
	key := voteKey{validator: v.Validator, view: v.View, sequence: v.Sequence}

	d.mu.Lock()
	defer d.mu.Unlock()
	prev, ok := d.first[key]
	if !ok {
		d.first[key] = v
		return nil, nil
	}
	if prev.BlockHash == v.BlockHash {
		return nil, nil // duplicate, not equivocation
	}
	proof := &SlashingProof{
		Offender: v.Validator,
		View:     v.View,
		Sequence: v.Sequence,
		First:    prev,
		Second:   v,
	}
	return proof, ErrEquivocation
}

// PruneBelow drops history for sequences already finalized.
func (d *EquivocationDetector) PruneBelow(sequence uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.first {
		if k.sequence < sequence {
			delete(d.first, k)
		}
	}
}

// PrepareSlashingProof packages two conflicting votes after validating
// them the same way VerifyConsistency will.
func PrepareSlashingProof(sv *SignatureVerifier, m1, m2 VoteMsg) (*SlashingProof, error) {
	proof := &SlashingProof{
		Offender: m1.Validator,
		View:     m1.View,
		Sequence: m1.Sequence,
		First:    m1,
		Second:   m2,
	}
	if err := proof.VerifyConsistency(sv); err != nil {
		return nil, err
	}
	return proof, nil
}

// VerifyConsistency checks that the proof really demonstrates
// equivocation: shared coordinates, differing non-empty hashes, and two
// independently valid signatures.
func (p *SlashingProof) VerifyConsistency(sv *SignatureVerifier) error {
	m1, m2 := p.First, p.Second
	if m1.Validator != m2.Validator || m1.Validator != p.Offender {
		return fmt.Errorf("%w: sender mismatch", ErrMalformedProof)
	}
	if m1.View != m2.View || m1.Sequence != m2.Sequence || m1.View != p.View || m1.Sequence != p.Sequence {
		return fmt.Errorf("%w: coordinate mismatch", ErrMalformedProof)
	}
	if m1.BlockHash.IsZero() || m2.BlockHash.IsZero() {
		return fmt.Errorf("%w: empty block hash", ErrMalformedProof)
	}
	if m1.BlockHash == m2.BlockHash {
		return fmt.Errorf("%w: hashes agree", ErrMalformedProof)
	}
	if !sv.SchnorrVerify(m1.PubKey, m1.Sig, m1.SigningDigest()) {
		return fmt.Errorf("%w: first vote", ErrInvalidSignature)
	}
	if !sv.SchnorrVerify(m2.PubKey, m2.Sig, m2.SigningDigest()) {
		return fmt.Errorf("%w: second vote", ErrInvalidSignature)
	}
	return nil
}
