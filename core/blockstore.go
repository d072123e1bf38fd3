// core/blockstore.go
package core

// Block persistence behind the byte-blob port.  The physical engine is an
// external collaborator; this file carries the in-memory reference store,
// the key schema and the component serving historical lookups over the
// bus.  Every block lands through one atomic batch: header+body, height
// index, tx-hash list and the two roots together or not at all.

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

//---------------------------------------------------------------------
// In-memory KVStore implementation
//---------------------------------------------------------------------

type memBatch struct {
	puts    map[string][]byte
	deletes map[string]bool
}

func (b *memBatch) Put(key, value []byte) {
	b.puts[string(key)] = append([]byte(nil), value...)
	delete(b.deletes, string(key))
}

func (b *memBatch) Delete(key []byte) {
	b.deletes[string(key)] = true
	delete(b.puts, string(key))
}

// MemoryKV is the reference KVStore used by tests and single-process
// deployments.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte

	// failNext makes the next batch write fail; test hook for the
	// assembler's retry path.
	failNext error
}

// NewMemoryKV returns an empty store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

// FailNextWrite arms a one-shot write failure.
func (m *MemoryKV) FailNextWrite(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

func (m *MemoryKV) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Put(key, value []byte) error {
	m.mu.Lock()
	m.data[string(key)] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Has(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

func (m *MemoryKV) NewBatch() WriteBatch {
	return &memBatch{puts: make(map[string][]byte), deletes: make(map[string]bool)}
}

func (m *MemoryKV) Write(batch WriteBatch) error {
	b, ok := batch.(*memBatch)
	if !ok {
		return fmt.Errorf("foreign batch type")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	for k, v := range b.puts {
		m.data[k] = v
	}
	for k := range b.deletes {
		delete(m.data, k)
	}
	return nil
}

//---------------------------------------------------------------------
// Key schema
//---------------------------------------------------------------------

func keyBlock(h Hash) []byte  { return append([]byte("b:"), h[:]...) }
func keyMerkle(h Hash) []byte { return append([]byte("m:"), h[:]...) }
func keyState(h Hash) []byte  { return append([]byte("s:"), h[:]...) }
func keyTxs(h Hash) []byte    { return append([]byte("t:"), h[:]...) }

func keyHeight(height uint64) []byte {
	out := make([]byte, 2+8)
	copy(out, "h:")
	binary.BigEndian.PutUint64(out[2:], height)
	return out
}

var keyTip = []byte("tip")

//---------------------------------------------------------------------
// BlockStore
//---------------------------------------------------------------------

// BlockStore wraps the KV port with the block schema and the bus
// endpoints for historical lookups.
type BlockStore struct {
	kv   KVStore
	bus  *EventBus
	keys KeyStore
	clk  clock.Clock
	log  *zap.SugaredLogger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBlockStore wires the store to its port.
func NewBlockStore(kv KVStore, bus *EventBus, keys KeyStore, clk clock.Clock, lg *zap.SugaredLogger) *BlockStore {
	if clk == nil {
		clk = clock.New()
	}
	if lg == nil {
		lg = zap.NewNop().Sugar()
	}
	return &BlockStore{kv: kv, bus: bus, keys: keys, clk: clk, log: lg, stop: make(chan struct{})}
}

// StoreBlock persists a complete assembly atomically.
func (bs *BlockStore) StoreBlock(b *Block, merkleRoot, stateRoot Hash) error {
	if b == nil {
		return ErrMalformedBlock
	}
	blockHash := b.Hash()
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	txHashes := b.TxHashes()
	txRaw, err := json.Marshal(txHashes)
	if err != nil {
		return fmt.Errorf("encode tx hashes: %w", err)
	}

	batch := bs.kv.NewBatch()
	batch.Put(keyBlock(blockHash), raw)
	batch.Put(keyMerkle(blockHash), merkleRoot[:])
	batch.Put(keyState(blockHash), stateRoot[:])
	batch.Put(keyTxs(blockHash), txRaw)
	batch.Put(keyHeight(b.Header.Height), blockHash[:])

	tip, _ := bs.Height()
	if b.Header.Height >= tip {
		var enc [8]byte
		binary.BigEndian.PutUint64(enc[:], b.Header.Height)
		batch.Put(keyTip, enc[:])
	}

	if err := bs.kv.Write(batch); err != nil {
		return fmt.Errorf("atomic write: %w", err)
	}
	bs.log.Debugw("block stored", "hash", blockHash.Hex(), "height", b.Header.Height, "txs", len(txHashes))
	return nil
}

// GetBlock loads a block by hash.
func (bs *BlockStore) GetBlock(h Hash) (*Block, error) {
	raw, err := bs.kv.Get(keyBlock(h))
	if err != nil {
		return nil, err
	}
	var b Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode block %s: %w", h.Short(), err)
	}
	return &b, nil
}

// GetBlockByHeight follows the height index.
func (bs *BlockStore) GetBlockByHeight(height uint64) (*Block, error) {
	raw, err := bs.kv.Get(keyHeight(height))
	if err != nil {
		return nil, err
	}
	var h Hash
	copy(h[:], raw)
	return bs.GetBlock(h)
}

// TxHashes returns the ordered transaction hashes of a stored block.
func (bs *BlockStore) TxHashes(h Hash) ([]Hash, error) {
	raw, err := bs.kv.Get(keyTxs(h))
	if err != nil {
		return nil, err
	}
	var hashes []Hash
	if err := json.Unmarshal(raw, &hashes); err != nil {
		return nil, err
	}
	return hashes, nil
}

// Roots returns the merkle and state roots stored with a block.
func (bs *BlockStore) Roots(h Hash) (merkle Hash, state Hash, err error) {
	m, err := bs.kv.Get(keyMerkle(h))
	if err != nil {
		return
	}
	s, err := bs.kv.Get(keyState(h))
	if err != nil {
		return
	}
	copy(merkle[:], m)
	copy(state[:], s)
	return
}

// Height returns the highest stored height.
func (bs *BlockStore) Height() (uint64, error) {
	raw, err := bs.kv.Get(keyTip)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

// Has reports whether a block hash is stored.
func (bs *BlockStore) Has(h Hash) bool {
	ok, _ := bs.kv.Has(keyBlock(h))
	return ok
}

//---------------------------------------------------------------------
// Bus endpoints
//---------------------------------------------------------------------

// Start subscribes to the store's request topics.
func (bs *BlockStore) Start() {
	txReq, cancelTx := bs.bus.Subscribe(TopicTxHashesRequest, SubBlockStore, 0)
	blkReq, cancelBlk := bs.bus.Subscribe(TopicGetBlockRequest, SubBlockStore, 0)

	bs.wg.Add(1)
	go func() {
		defer bs.wg.Done()
		defer cancelTx()
		defer cancelBlk()
		for {
			select {
			case env, ok := <-txReq:
				if !ok {
					return
				}
				bs.handleTxHashesRequest(env)
			case env, ok := <-blkReq:
				if !ok {
					return
				}
				bs.handleGetBlockRequest(env)
			case <-bs.stop:
				return
			}
		}
	}()
}

// Stop shuts the endpoints down.
func (bs *BlockStore) Stop() {
	bs.stopOnce.Do(func() { close(bs.stop) })
	bs.wg.Wait()
}

func (bs *BlockStore) handleTxHashesRequest(env *Envelope) {
	if err := bs.bus.Reverify(TopicTxHashesRequest, env); err != nil {
		bs.log.Debugw("rejected tx-hashes request", "err", err)
		return
	}
	var req TxHashesRequestMsg
	if err := UnmarshalPayload(env.Payload, &req); err != nil {
		return
	}
	hashes, err := bs.TxHashes(req.BlockHash)
	if err != nil {
		bs.log.Debugw("tx-hashes lookup failed", "hash", req.BlockHash.Hex(), "err", err)
		hashes = nil
	}
	bs.reply(env, TopicTxHashesResponse, TxHashesResponseMsg{BlockHash: req.BlockHash, Hashes: hashes})
}

func (bs *BlockStore) handleGetBlockRequest(env *Envelope) {
	if err := bs.bus.Reverify(TopicGetBlockRequest, env); err != nil {
		bs.log.Debugw("rejected get-block request", "err", err)
		return
	}
	var req GetBlockRequestMsg
	if err := UnmarshalPayload(env.Payload, &req); err != nil {
		return
	}
	var blk *Block
	switch {
	case req.BlockHash != nil:
		blk, _ = bs.GetBlock(*req.BlockHash)
	case req.Height != nil:
		blk, _ = bs.GetBlockByHeight(*req.Height)
	}
	bs.reply(env, TopicGetBlockResponse, GetBlockResponseMsg{Block: blk})
}

func (bs *BlockStore) reply(req *Envelope, topic string, msg interface{}) {
	payload, err := MarshalPayload(msg)
	if err != nil {
		return
	}
	out, err := NewReply(req, SubBlockStore, payload, bs.clk.Now())
	if err != nil {
		return
	}
	if err := out.Seal(bs.keys.BusSecret()); err != nil {
		return
	}
	if err := bs.bus.Publish(topic, out); err != nil {
		bs.log.Debugw("reply dropped", "topic", topic, "err", err)
	}
}
