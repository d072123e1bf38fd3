package core

// htlc.go – hashed-timelock contract records, the one cross-chain
// surface this node exposes.
//
// A contract locks value behind a SHA-3/256 hashlock until either the
// receiver presents the preimage (claim) or the timelock passes and the
// sender takes the value back (refund).  Terminal states never change.

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/crypto/sha3"
)

// HTLCState is the contract lifecycle.
type HTLCState uint8

const (
	HTLCOpen HTLCState = iota
	HTLCClaimed
	HTLCRefunded
)

func (s HTLCState) String() string {
	switch s {
	case HTLCOpen:
		return "open"
	case HTLCClaimed:
		return "claimed"
	case HTLCRefunded:
		return "refunded"
	}
	return "unknown"
}

// HTLC is one hashed-timelock contract.
type HTLC struct {
	ID       Hash      `json:"id"`
	Sender   Address   `json:"sender"`
	Receiver Address   `json:"receiver"`
	Amount   uint64    `json:"amount"`
	Hashlock Hash      `json:"hashlock"`
	Timelock int64     `json:"timelock_unix"`
	State    HTLCState `json:"state"`
	Preimage []byte    `json:"preimage,omitempty"`
}

// HTLCRegistry tracks open contracts.
type HTLCRegistry struct {
	mu        sync.RWMutex
	contracts map[Hash]*HTLC
	clk       clock.Clock
}

// NewHTLCRegistry builds an empty registry.
func NewHTLCRegistry(clk clock.Clock) *HTLCRegistry {
	if clk == nil {
		clk = clock.New()
	}
	return &HTLCRegistry{contracts: make(map[Hash]*HTLC), clk: clk}
}

// Open creates a contract.  The id is the hash of the canonical tuple so
// the same lock cannot be opened twice.
func (r *HTLCRegistry) Open(sender, receiver Address, amount uint64, hashlock Hash, timelock time.Time) (*HTLC, error) {
	if amount == 0 {
		return nil, fmt.Errorf("zero amount")
	}
	if !timelock.After(r.clk.Now()) {
		return nil, fmt.Errorf("timelock already passed")
	}

	var id Hash
	h := sha3.New256()
	h.Write(sender[:])
	h.Write(receiver[:])
	h.Write(hashlock[:])
	h.Write(appendUint64(nil, uint64(timelock.Unix())))
	h.Write(appendUint64(nil, amount))
	copy(id[:], h.Sum(nil))

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.contracts[id]; exists {
		return nil, fmt.Errorf("contract %s already open", id.Short())
	}
	c := &HTLC{
		ID:       id,
		Sender:   sender,
		Receiver: receiver,
		Amount:   amount,
		Hashlock: hashlock,
		Timelock: timelock.Unix(),
		State:    HTLCOpen,
	}
	r.contracts[id] = c
	return c, nil
}

// Claim releases the value to the receiver given the correct preimage.
func (r *HTLCRegistry) Claim(id Hash, preimage []byte) (*HTLC, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contracts[id]
	if !ok {
		return nil, fmt.Errorf("unknown contract %s", id.Short())
	}
	if c.State != HTLCOpen {
		return nil, fmt.Errorf("contract %s is %s", id.Short(), c.State)
	}
	if r.clk.Now().Unix() >= c.Timelock {
		return nil, fmt.Errorf("contract %s past its timelock", id.Short())
	}
	digest := sha3.Sum256(preimage)
	if Hash(digest) != c.Hashlock {
		return nil, fmt.Errorf("preimage does not open %s", id.Short())
	}
	c.State = HTLCClaimed
	c.Preimage = append([]byte(nil), preimage...)
	return c, nil
}

// Refund returns the value to the sender once the timelock passed.
func (r *HTLCRegistry) Refund(id Hash) (*HTLC, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contracts[id]
	if !ok {
		return nil, fmt.Errorf("unknown contract %s", id.Short())
	}
	if c.State != HTLCOpen {
		return nil, fmt.Errorf("contract %s is %s", id.Short(), c.State)
	}
	if r.clk.Now().Unix() < c.Timelock {
		return nil, fmt.Errorf("contract %s still locked", id.Short())
	}
	c.State = HTLCRefunded
	return c, nil
}

// Get returns a copy of the contract record.
func (r *HTLCRegistry) Get(id Hash) (HTLC, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[id]
	if !ok {
		return HTLC{}, false
	}
	return *c, true
}
