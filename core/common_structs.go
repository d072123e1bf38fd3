package core

// common_structs.go – shared data types for the Quorumchain node.
//
// Every cross-component type lives here so the individual subsystem files
// can stay focused on behaviour.  Identifier types (NodeID, Address, Hash,
// SubsystemID), the authenticated envelope, peer records, transaction and
// block structures, consensus vote records and the assembler slot are all
// declared in this file.

import (
	"encoding/hex"
	"net"
	"time"
)

//---------------------------------------------------------------------
// Identifiers
//---------------------------------------------------------------------

// NodeID is a 256-bit peer identifier derived from the peer's public key
// via SHA-3/256.
type NodeID [32]byte

// Address represents a 20-byte account identifier: the low 20 bytes of the
// Keccak-256 digest of the uncompressed public key.
type Address [20]byte

// Hash represents a 32-byte SHA-3/256 content digest.
type Hash [32]byte

func (id NodeID) Hex() string  { return hex.EncodeToString(id[:]) }
func (a Address) Hex() string  { return hex.EncodeToString(a[:]) }
func (h Hash) Hex() string     { return hex.EncodeToString(h[:]) }
func (h Hash) IsZero() bool    { return h == Hash{} }
func (a Address) IsZero() bool { return a == Address{} }

// Short returns the first four bytes of the hash in hex, for log lines.
func (h Hash) Short() string { return hex.EncodeToString(h[:4]) }

// SubsystemID tags a bounded-context component for routing and
// authorization on the event bus.
type SubsystemID uint8

const (
	SubUnknown SubsystemID = iota
	SubBus
	SubSignatureVerifier
	SubNonceGuard
	SubPeerRegistry
	SubMempool
	SubTxIndex
	SubStateTrie
	SubConsensus
	SubFinality
	SubAssembler
	SubBlockStore
	SubPropagation
	SubGateway
	SubLightClient
	SubOrdering
	SubContractPort
)

var subsystemNames = map[SubsystemID]string{
	SubBus:               "bus",
	SubSignatureVerifier: "sigverify",
	SubNonceGuard:        "nonceguard",
	SubPeerRegistry:      "peers",
	SubMempool:           "mempool",
	SubTxIndex:           "txindex",
	SubStateTrie:         "statetrie",
	SubConsensus:         "consensus",
	SubFinality:          "finality",
	SubAssembler:         "assembler",
	SubBlockStore:        "blockstore",
	SubPropagation:       "propagation",
	SubGateway:           "gateway",
	SubLightClient:       "lightclient",
	SubOrdering:          "ordering",
	SubContractPort:      "contractport",
}

func (s SubsystemID) String() string {
	if n, ok := subsystemNames[s]; ok {
		return n
	}
	return "unknown"
}

//---------------------------------------------------------------------
// Authenticated envelope
//---------------------------------------------------------------------

// EnvelopeVersion is the only wire version this node speaks.
const EnvelopeVersion uint16 = 1

// Envelope wraps every inter-component message.  Identity is derived
// solely from SenderID; payloads never carry identity fields.
type Envelope struct {
	Version       uint16
	SenderID      SubsystemID
	RecipientID   SubsystemID
	CorrelationID [16]byte
	ReplyTo       string
	Timestamp     int64 // unix seconds
	Nonce         [16]byte
	Payload       []byte
	Signature     [32]byte // HMAC-SHA-256 over the canonical form
}

//---------------------------------------------------------------------
// Peer records
//---------------------------------------------------------------------

// PeerState tracks where a peer sits in its lifecycle.
type PeerState uint8

const (
	PeerPending PeerState = iota // discovered, identity proof not yet checked
	PeerActive                   // verified, resident in a k-bucket
	PeerBanned                   // excluded with expiry and reason
)

// BanReason enumerates the reasons a peer may be banned.  Invalid
// signatures are deliberately absent: a bad signature is a silent drop so
// that a spoofed source address cannot get a victim banned.
type BanReason uint8

const (
	BanMalformedMessage BanReason = iota + 1
	BanExcessiveRequests
	BanManual
)

func (r BanReason) String() string {
	switch r {
	case BanMalformedMessage:
		return "malformed-message"
	case BanExcessiveRequests:
		return "excessive-requests"
	case BanManual:
		return "manual"
	}
	return "unknown"
}

// PeerInfo is the externally visible record for a known peer.
type PeerInfo struct {
	NodeID     NodeID `json:"node_id"`
	Addr       string `json:"addr"`
	LastSeen   int64  `json:"last_seen_unix"`
	Reputation int    `json:"reputation"`
}

// peerEntry is the registry's internal mutable record.
type peerEntry struct {
	info  PeerInfo
	ip    net.IP
	state PeerState
}

// banRecord is one entry of the expiring ban list.
type banRecord struct {
	id     NodeID
	reason BanReason
	expiry time.Time
}

//---------------------------------------------------------------------
// Transactions
//---------------------------------------------------------------------

// Transaction is the canonical account-model transaction.  Signature is
// the 65-byte {R || S || V} secp256k1 form; S must be in the low half of
// the curve order.
type Transaction struct {
	From     Address `json:"from"`
	To       Address `json:"to"`
	Value    uint64  `json:"value"`
	Nonce    uint64  `json:"nonce"`
	GasPrice uint64  `json:"gas_price"`
	GasLimit uint64  `json:"gas_limit"`
	Data     []byte  `json:"data,omitempty"`
	Sig      []byte  `json:"sig"`

	hash *Hash // cached canonical hash
}

// TxState is the mempool lifecycle state of an admitted transaction.
type TxState uint8

const (
	TxPending TxState = iota
	TxProposed
	TxConfirmed
)

func (s TxState) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxProposed:
		return "proposed"
	case TxConfirmed:
		return "confirmed"
	}
	return "unknown"
}

//---------------------------------------------------------------------
// Blocks
//---------------------------------------------------------------------

// BlockHeader is the canonical header.  BlockHash is SHA-3/256 over the
// canonical serialization of every field except ProposerSig.
type BlockHeader struct {
	ParentHash  Hash    `json:"parent_hash"`
	Height      uint64  `json:"height"`
	Timestamp   int64   `json:"timestamp"`
	MerkleRoot  Hash    `json:"merkle_root"`
	StateRoot   Hash    `json:"state_root"`
	Beneficiary Address `json:"beneficiary"`
	Difficulty  uint64  `json:"difficulty"`
	Nonce       uint64  `json:"nonce"`
	ProposerSig []byte  `json:"proposer_sig,omitempty"`
}

// Block is a header plus the ordered transaction list.
type Block struct {
	Header       BlockHeader    `json:"header"`
	Transactions []*Transaction `json:"txs"`
}

//---------------------------------------------------------------------
// State model
//---------------------------------------------------------------------

// Account is the value stored at an address in the state trie.  Each
// account's storage lives in its own sub-trie referenced by StorageRoot.
type Account struct {
	Balance     uint64 `json:"balance"`
	Nonce       uint64 `json:"nonce"`
	CodeHash    Hash   `json:"code_hash"`
	StorageRoot Hash   `json:"storage_root"`
}

// StateChange is one account write produced by transaction execution.
// Delete removes the account, which is how a reversal batch restores
// the absence of an account the forward batch created.
type StateChange struct {
	Addr    Address
	Account Account
	Delete  bool
}

//---------------------------------------------------------------------
// Consensus records
//---------------------------------------------------------------------

// ConsensusPhase orders the per-sequence PBFT state machine.  Transitions
// are monotonic.
type ConsensusPhase uint8

const (
	PhaseIdle ConsensusPhase = iota
	PhasePrePrepared
	PhasePrepared
	PhaseCommitted
	PhaseFinalized
)

func (p ConsensusPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePrePrepared:
		return "pre-prepared"
	case PhasePrepared:
		return "prepared"
	case PhaseCommitted:
		return "committed"
	case PhaseFinalized:
		return "finalized"
	}
	return "unknown"
}

// VoteType discriminates PBFT protocol messages.
type VoteType uint8

const (
	MsgPrePrepare VoteType = iota + 1
	MsgPrepare
	MsgCommit
	MsgViewChange
	MsgNewView
)

func (t VoteType) String() string {
	switch t {
	case MsgPrePrepare:
		return "pre-prepare"
	case MsgPrepare:
		return "prepare"
	case MsgCommit:
		return "commit"
	case MsgViewChange:
		return "view-change"
	case MsgNewView:
		return "new-view"
	}
	return "unknown"
}

// VoteMsg is one signed consensus protocol message.  Block is only set on
// PRE-PREPARE; Cert carries a prepared certificate on VIEW-CHANGE and
// NEW-VIEW.
type VoteMsg struct {
	Type      VoteType      `json:"type"`
	View      uint64        `json:"view"`
	Sequence  uint64        `json:"sequence"`
	BlockHash Hash          `json:"block_hash"`
	Block     *Block        `json:"block,omitempty"`
	Cert      *PreparedCert `json:"cert,omitempty"`
	Validator Address       `json:"validator"`
	PubKey    []byte        `json:"pub_key"`
	Sig       []byte        `json:"sig"`
}

// PreparedCert proves a value could have been committed in a view: the
// PRE-PREPARE plus at least 2f+1 matching PREPAREs.
type PreparedCert struct {
	View      uint64    `json:"view"`
	Sequence  uint64    `json:"sequence"`
	BlockHash Hash      `json:"block_hash"`
	Prepares  []VoteMsg `json:"prepares"`
}

// SlashingProof packages two conflicting signed votes from the same
// validator at the same (view, sequence).  Both messages are retained so
// external enforcement can re-verify them independently.
type SlashingProof struct {
	Offender Address `json:"offender"`
	View     uint64  `json:"view"`
	Sequence uint64  `json:"sequence"`
	First    VoteMsg `json:"first"`
	Second   VoteMsg `json:"second"`
}

//---------------------------------------------------------------------
// Block assembly
//---------------------------------------------------------------------

// AssemblySlot buffers the three independent contributions for one block
// hash.  Commit happens only when all three are present before the
// deadline; otherwise the slot is dropped whole.
type AssemblySlot struct {
	Block        *Block
	MerkleRoot   *Hash
	StateRoot    *Hash
	FirstArrived time.Time
	Deadline     time.Time
	attempts     int
}

// Complete reports whether every contribution has arrived.
func (s *AssemblySlot) Complete() bool {
	return s.Block != nil && s.MerkleRoot != nil && s.StateRoot != nil
}
