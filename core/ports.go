package core

// ports.go – contracts the core consumes from external collaborators.
//
// The physical transport, the byte-blob store, the key store and the
// contract interpreter all live outside this module; the core only ever
// sees these interfaces.  Keeping them dependency-free means no subsystem
// file imports a transport or storage engine directly.

import (
	"context"
	"time"
)

//---------------------------------------------------------------------
// Network transport
//---------------------------------------------------------------------

// NetworkTransport is the physical peer IO port: liveness pings, Kademlia
// node lookups and raw gossip sends.  Implementations are expected to be
// safe for concurrent use.
type NetworkTransport interface {
	// Ping checks liveness of a remote peer; it returns the round-trip
	// time or an error once ctx expires.
	Ping(ctx context.Context, peer PeerInfo) (time.Duration, error)

	// FindNode asks a remote peer for its closest known peers to target.
	FindNode(ctx context.Context, peer PeerInfo, target NodeID) ([]PeerInfo, error)

	// SendGossip pushes an opaque payload to a peer under a protocol tag.
	SendGossip(ctx context.Context, peer PeerInfo, tag string, payload []byte) error
}

//---------------------------------------------------------------------
// Persistence
//---------------------------------------------------------------------

// WriteBatch collects writes that must land atomically.
type WriteBatch interface {
	Put(key, value []byte)
	Delete(key []byte)
}

// KVStore is the byte-blob persistence port.  Batch writes are atomic:
// either every operation in the batch is visible or none is.
type KVStore interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Has(key []byte) (bool, error)
	NewBatch() WriteBatch
	Write(batch WriteBatch) error
}

// ErrKeyNotFound is returned by KVStore.Get for missing keys; declared
// here so callers do not depend on a concrete store.
var ErrKeyNotFound = kvNotFoundError{}

type kvNotFoundError struct{}

func (kvNotFoundError) Error() string { return "key not found" }

//---------------------------------------------------------------------
// Keys and clocks
//---------------------------------------------------------------------

// KeyStore hands out the bus HMAC secret and the local validator key
// material.  Key bytes never appear in envelopes or logs.
type KeyStore interface {
	BusSecret() []byte
	ValidatorPrivKey() []byte
	ValidatorPubKey() []byte
}

// NetworkClock provides network-adjusted wall time; implementations must
// keep skew within five seconds of the peer majority.
type NetworkClock interface {
	NetworkNow() time.Time
}

//---------------------------------------------------------------------
// Contract execution
//---------------------------------------------------------------------

// ContractExecutor applies an ordered transaction list against the
// current state and returns the resulting account writes.  The interpreter
// itself is an external collaborator; the core treats execution as a
// transactional black box.
type ContractExecutor interface {
	Execute(ctx context.Context, parent Hash, txs []*Transaction) ([]StateChange, error)
}
