package core

// messages.go – typed envelope payloads.
//
// Payloads are JSON inside the envelope.  None of them carries identity:
// the envelope's SenderID is the only source of "who said this".

import "encoding/json"

// MarshalPayload encodes a payload struct for an envelope.
func MarshalPayload(v interface{}) ([]byte, error) { return json.Marshal(v) }

// UnmarshalPayload decodes an envelope payload into out.
func UnmarshalPayload(data []byte, out interface{}) error { return json.Unmarshal(data, out) }

// BlockValidatedEvent announces a committed consensus decision.
type BlockValidatedEvent struct {
	BlockHash Hash   `json:"block_hash"`
	Block     *Block `json:"block"`
}

// RootComputedEvent carries an independently computed root for a block.
// TxIndex publishes it on the merkle topic, StateTrie on the state topic.
type RootComputedEvent struct {
	BlockHash Hash `json:"block_hash"`
	Root      Hash `json:"root"`
}

// BlockStoredEvent confirms an atomic assembly write.
type BlockStoredEvent struct {
	BlockHash Hash   `json:"block_hash"`
	Height    uint64 `json:"height"`
}

// AssemblyFailedEvent reports a failed store write for a complete slot.
type AssemblyFailedEvent struct {
	BlockHash Hash   `json:"block_hash"`
	Reason    string `json:"reason"`
}

// AssemblyTimedOutEvent reports a slot dropped with contributions missing.
type AssemblyTimedOutEvent struct {
	BlockHash Hash     `json:"block_hash"`
	Missing   []string `json:"missing"`
}

// BlockFinalizedEvent marks a checkpoint promotion.
type BlockFinalizedEvent struct {
	BlockHash Hash   `json:"block_hash"`
	Height    uint64 `json:"height"`
	Epoch     uint64 `json:"epoch"`
}

// EquivocationEvent carries a slashing proof for external enforcement.
type EquivocationEvent struct {
	Proof SlashingProof `json:"proof"`
}

// ConsensusFailedEvent surfaces a protocol-level consensus failure.
type ConsensusFailedEvent struct {
	View     uint64 `json:"view"`
	Sequence uint64 `json:"sequence"`
	Reason   string `json:"reason"`
}

// PeerListRequestMsg asks the registry for peers close to Target.
type PeerListRequestMsg struct {
	Target NodeID `json:"target"`
	Count  int    `json:"count"`
}

// PeerListResponseMsg answers a PeerListRequestMsg.
type PeerListResponseMsg struct {
	Peers []PeerInfo `json:"peers"`
}

// PeerBannedEvent reports a ban with its taxonomy reason.
type PeerBannedEvent struct {
	NodeID NodeID `json:"node_id"`
	Reason string `json:"reason"`
	Until  int64  `json:"until_unix"`
}

// PeerEvictedEvent reports a bucket eviction after a failed challenge.
type PeerEvictedEvent struct {
	NodeID NodeID `json:"node_id"`
	Bucket int    `json:"bucket"`
}

// UnauthorizedSenderEvent is emitted by the bus when the allow-list check
// rejects a publisher.
type UnauthorizedSenderEvent struct {
	Topic  string      `json:"topic"`
	Sender SubsystemID `json:"sender"`
}

// OrderTxRequestMsg asks the mempool for a candidate transaction set.
type OrderTxRequestMsg struct {
	MaxTxs   int    `json:"max_txs"`
	GasLimit uint64 `json:"gas_limit"`
}

// OrderTxResponseMsg returns the proposed selection.
type OrderTxResponseMsg struct {
	Txs []*Transaction `json:"txs"`
}

// TxSubmittedMsg carries one externally submitted transaction.
type TxSubmittedMsg struct {
	Tx *Transaction `json:"tx"`
}

// TxOutcomeMsg finalizes or rolls back previously proposed transactions.
type TxOutcomeMsg struct {
	BlockHash Hash   `json:"block_hash"`
	TxHashes  []Hash `json:"tx_hashes"`
}

// ExecuteTxRequestMsg asks the contract port to apply txs on a parent.
type ExecuteTxRequestMsg struct {
	Parent Hash           `json:"parent"`
	Txs    []*Transaction `json:"txs"`
}

// ExecuteTxResponseMsg returns the account writes.
type ExecuteTxResponseMsg struct {
	Changes []StateChange `json:"changes"`
}

// TxHashesRequestMsg asks the block store for a block's tx hash list.
type TxHashesRequestMsg struct {
	BlockHash Hash `json:"block_hash"`
}

// TxHashesResponseMsg answers with the ordered hashes.
type TxHashesResponseMsg struct {
	BlockHash Hash   `json:"block_hash"`
	Hashes    []Hash `json:"hashes"`
}

// GetBlockRequestMsg requests one block by hash or height.
type GetBlockRequestMsg struct {
	BlockHash *Hash   `json:"block_hash,omitempty"`
	Height    *uint64 `json:"height,omitempty"`
}

// GetBlockResponseMsg answers a GetBlockRequestMsg; Block is nil when the
// store has no match.
type GetBlockResponseMsg struct {
	Block *Block `json:"block,omitempty"`
}
