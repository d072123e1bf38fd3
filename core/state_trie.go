package core

// state_trie.go – nibble-indexed authenticated Patricia trie mapping
// Address → Account, with per-account storage sub-tries.
//
// Nodes are RLP-encoded byte-string lists — leaf/extension as
// [compactPath, value], branch as 17 slots (16 children + value) — and
// addressed by the SHA-3/256 hash of their encoding.  The state root is
// the hash of the root node.  Writes never mutate: every Set produces a
// new root over shared unchanged nodes, which is what makes
// apply-then-reverse restore the original root exactly.
//
// Proofs are the node sequence along the path.  Verification re-walks
// the claimed address through the supplied nodes while reconstructing
// hashes, so a proof lifted from a different address cannot verify.

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/sha3"
)

// MaxStorageSlotsPerAccount caps a single account's storage trie.
const MaxStorageSlotsPerAccount = 100_000

// EmptyRoot marks an empty (sub-)trie.
var EmptyRoot = Hash{}

//---------------------------------------------------------------------
// Nibble and node encoding
//---------------------------------------------------------------------

func keyToNibbles(key []byte) []byte {
	out := make([]byte, len(key)*2)
	for i, b := range key {
		out[i*2] = b >> 4
		out[i*2+1] = b & 0x0f
	}
	return out
}

// hexToCompact packs nibbles with the hex-prefix flag nibble:
// bit0 = odd length, bit1 = leaf.
func hexToCompact(nibbles []byte, leaf bool) []byte {
	flag := byte(0)
	if leaf {
		flag = 2
	}
	odd := len(nibbles)%2 == 1
	if odd {
		flag |= 1
	}
	out := make([]byte, 0, len(nibbles)/2+1)
	if odd {
		out = append(out, flag<<4|nibbles[0])
		nibbles = nibbles[1:]
	} else {
		out = append(out, flag<<4)
	}
	for i := 0; i < len(nibbles); i += 2 {
		out = append(out, nibbles[i]<<4|nibbles[i+1])
	}
	return out
}

func compactToHex(compact []byte) (nibbles []byte, leaf bool, err error) {
	if len(compact) == 0 {
		return nil, false, fmt.Errorf("%w: empty path", ErrMalformedProof)
	}
	flag := compact[0] >> 4
	leaf = flag&2 != 0
	odd := flag&1 != 0
	if flag > 3 {
		return nil, false, fmt.Errorf("%w: bad path flag", ErrMalformedProof)
	}
	if odd {
		nibbles = append(nibbles, compact[0]&0x0f)
	}
	for _, b := range compact[1:] {
		nibbles = append(nibbles, b>>4, b&0x0f)
	}
	return nibbles, leaf, nil
}

const branchWidth = 17 // 16 children + value slot

func hashNode(encoded []byte) Hash {
	var h Hash
	d := sha3.Sum256(encoded)
	copy(h[:], d[:])
	return h
}

//---------------------------------------------------------------------
// StateTrie
//---------------------------------------------------------------------

// StateTrie owns the node store shared by the account trie and every
// storage sub-trie.
type StateTrie struct {
	mu    sync.RWMutex
	nodes map[Hash][]byte // hash -> encoded node
	root  Hash

	slotCount map[Address]int // storage slots in use per account
}

// NewStateTrie returns an empty trie.
func NewStateTrie() *StateTrie {
	return &StateTrie{
		nodes:     make(map[Hash][]byte),
		slotCount: make(map[Address]int),
	}
}

// Root returns the current state root.
func (st *StateTrie) Root() Hash {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.root
}

// encodeAccount / decodeAccount use RLP, matching the node encoding.
func encodeAccount(a Account) []byte {
	enc, _ := rlp.EncodeToBytes([]interface{}{a.Balance, a.Nonce, a.CodeHash[:], a.StorageRoot[:]})
	return enc
}

func decodeAccount(raw []byte) (Account, error) {
	var fields []rlp.RawValue
	if err := rlp.DecodeBytes(raw, &fields); err != nil || len(fields) != 4 {
		return Account{}, fmt.Errorf("malformed account encoding")
	}
	var a Account
	if err := rlp.DecodeBytes(fields[0], &a.Balance); err != nil {
		return Account{}, err
	}
	if err := rlp.DecodeBytes(fields[1], &a.Nonce); err != nil {
		return Account{}, err
	}
	var ch, sr []byte
	if err := rlp.DecodeBytes(fields[2], &ch); err != nil {
		return Account{}, err
	}
	if err := rlp.DecodeBytes(fields[3], &sr); err != nil {
		return Account{}, err
	}
	copy(a.CodeHash[:], ch)
	copy(a.StorageRoot[:], sr)
	return a, nil
}

//---------------------------------------------------------------------
// Raw trie operations (hash-addressed, immutable)
//---------------------------------------------------------------------

func (st *StateTrie) loadNode(h Hash) ([][]byte, error) {
	enc, ok := st.nodes[h]
	if !ok {
		return nil, fmt.Errorf("missing trie node %s", h.Short())
	}
	var elems [][]byte
	if err := rlp.DecodeBytes(enc, &elems); err != nil {
		return nil, fmt.Errorf("corrupt trie node %s: %w", h.Short(), err)
	}
	return elems, nil
}

func (st *StateTrie) storeNode(elems [][]byte) Hash {
	enc, _ := rlp.EncodeToBytes(elems)
	h := hashNode(enc)
	st.nodes[h] = enc
	return h
}

// trieGet walks key below root.  Returns nil when absent.
func (st *StateTrie) trieGet(root Hash, key []byte) ([]byte, error) {
	if root == EmptyRoot {
		return nil, nil
	}
	nibbles := keyToNibbles(key)
	cur := root
	for {
		elems, err := st.loadNode(cur)
		if err != nil {
			return nil, err
		}
		switch len(elems) {
		case 2:
			path, leaf, err := compactToHex(elems[0])
			if err != nil {
				return nil, err
			}
			if leaf {
				if bytes.Equal(path, nibbles) {
					return elems[1], nil
				}
				return nil, nil
			}
			if len(nibbles) < len(path) || !bytes.Equal(nibbles[:len(path)], path) {
				return nil, nil
			}
			nibbles = nibbles[len(path):]
			copy(cur[:], elems[1])
		case branchWidth:
			if len(nibbles) == 0 {
				if len(elems[16]) == 0 {
					return nil, nil
				}
				return elems[16], nil
			}
			child := elems[nibbles[0]]
			if len(child) == 0 {
				return nil, nil
			}
			nibbles = nibbles[1:]
			copy(cur[:], child)
		default:
			return nil, fmt.Errorf("corrupt trie node arity %d", len(elems))
		}
	}
}

// trieInsert returns the new subtree root with key set to value.
func (st *StateTrie) trieInsert(root Hash, nibbles []byte, value []byte) (Hash, error) {
	if root == EmptyRoot {
		return st.storeNode([][]byte{hexToCompact(nibbles, true), value}), nil
	}
	elems, err := st.loadNode(root)
	if err != nil {
		return EmptyRoot, err
	}

	switch len(elems) {
	case 2:
		path, leaf, err := compactToHex(elems[0])
		if err != nil {
			return EmptyRoot, err
		}
		common := commonPrefix(path, nibbles)

		if leaf && common == len(path) && common == len(nibbles) {
			// Same key: replace value.
			return st.storeNode([][]byte{elems[0], value}), nil
		}
		if !leaf && common == len(path) {
			// Descend through the extension.
			var child Hash
			copy(child[:], elems[1])
			newChild, err := st.trieInsert(child, nibbles[common:], value)
			if err != nil {
				return EmptyRoot, err
			}
			return st.storeNode([][]byte{elems[0], newChild[:]}), nil
		}

		// Split: branch at the divergence point.
		branch := make([][]byte, branchWidth)
		for i := range branch {
			branch[i] = []byte{}
		}

		// Existing node's remainder.
		rest := path[common:]
		if leaf {
			if len(rest) == 0 {
				branch[16] = elems[1]
			} else {
				h := st.storeNode([][]byte{hexToCompact(rest[1:], true), elems[1]})
				branch[rest[0]] = h[:]
			}
		} else {
			// Extension remainder keeps pointing at its child.
			if len(rest) == 1 {
				branch[rest[0]] = elems[1]
			} else {
				h := st.storeNode([][]byte{hexToCompact(rest[1:], false), elems[1]})
				branch[rest[0]] = h[:]
			}
		}

		// New key's remainder.
		newRest := nibbles[common:]
		if len(newRest) == 0 {
			branch[16] = value
		} else {
			h := st.storeNode([][]byte{hexToCompact(newRest[1:], true), value})
			branch[newRest[0]] = h[:]
		}

		branchHash := st.storeNode(branch)
		if common == 0 {
			return branchHash, nil
		}
		return st.storeNode([][]byte{hexToCompact(nibbles[:common], false), branchHash[:]}), nil

	case branchWidth:
		next := make([][]byte, branchWidth)
		copy(next, elems)
		if len(nibbles) == 0 {
			next[16] = value
			return st.storeNode(next), nil
		}
		var child Hash
		copy(child[:], elems[nibbles[0]])
		var newChild Hash
		if len(elems[nibbles[0]]) == 0 {
			newChild, err = st.trieInsert(EmptyRoot, nibbles[1:], value)
		} else {
			newChild, err = st.trieInsert(child, nibbles[1:], value)
		}
		if err != nil {
			return EmptyRoot, err
		}
		next[nibbles[0]] = newChild[:]
		return st.storeNode(next), nil

	default:
		return EmptyRoot, fmt.Errorf("corrupt trie node arity %d", len(elems))
	}
}

// trieDelete removes key below root, collapsing redundant nodes so the
// result is the canonical trie for the remaining key set.
func (st *StateTrie) trieDelete(root Hash, nibbles []byte) (Hash, error) {
	if root == EmptyRoot {
		return EmptyRoot, nil
	}
	elems, err := st.loadNode(root)
	if err != nil {
		return EmptyRoot, err
	}

	switch len(elems) {
	case 2:
		path, leaf, err := compactToHex(elems[0])
		if err != nil {
			return EmptyRoot, err
		}
		if leaf {
			if bytes.Equal(path, nibbles) {
				return EmptyRoot, nil
			}
			return root, nil // absent key, nothing to do
		}
		if len(nibbles) < len(path) || !bytes.Equal(nibbles[:len(path)], path) {
			return root, nil
		}
		var child Hash
		copy(child[:], elems[1])
		newChild, err := st.trieDelete(child, nibbles[len(path):])
		if err != nil {
			return EmptyRoot, err
		}
		if newChild == child {
			return root, nil
		}
		if newChild == EmptyRoot {
			return EmptyRoot, nil
		}
		return st.graft(path, newChild)

	case branchWidth:
		if len(nibbles) == 0 {
			if len(elems[16]) == 0 {
				return root, nil
			}
			next := make([][]byte, branchWidth)
			copy(next, elems)
			next[16] = []byte{}
			return st.collapseBranch(next)
		}
		if len(elems[nibbles[0]]) == 0 {
			return root, nil
		}
		var child Hash
		copy(child[:], elems[nibbles[0]])
		newChild, err := st.trieDelete(child, nibbles[1:])
		if err != nil {
			return EmptyRoot, err
		}
		if newChild == child {
			return root, nil
		}
		next := make([][]byte, branchWidth)
		copy(next, elems)
		if newChild == EmptyRoot {
			next[nibbles[0]] = []byte{}
		} else {
			next[nibbles[0]] = newChild[:]
		}
		return st.collapseBranch(next)

	default:
		return EmptyRoot, fmt.Errorf("corrupt trie node arity %d", len(elems))
	}
}

// graft prepends prefix to child, merging short-node chains so the trie
// stays canonical.
func (st *StateTrie) graft(prefix []byte, child Hash) (Hash, error) {
	elems, err := st.loadNode(child)
	if err != nil {
		return EmptyRoot, err
	}
	if len(elems) == 2 {
		path, leaf, err := compactToHex(elems[0])
		if err != nil {
			return EmptyRoot, err
		}
		merged := append(append([]byte(nil), prefix...), path...)
		return st.storeNode([][]byte{hexToCompact(merged, leaf), elems[1]}), nil
	}
	return st.storeNode([][]byte{hexToCompact(prefix, false), child[:]}), nil
}

// collapseBranch rebuilds a branch node, folding it away when only one
// entry survives.
func (st *StateTrie) collapseBranch(elems [][]byte) (Hash, error) {
	livePos := -1
	live := 0
	for i := 0; i < 16; i++ {
		if len(elems[i]) != 0 {
			live++
			livePos = i
		}
	}
	hasValue := len(elems[16]) != 0

	if live == 0 && !hasValue {
		return EmptyRoot, nil
	}
	if live == 0 && hasValue {
		return st.storeNode([][]byte{hexToCompact(nil, true), elems[16]}), nil
	}
	if live == 1 && !hasValue {
		var child Hash
		copy(child[:], elems[livePos])
		return st.graft([]byte{byte(livePos)}, child)
	}
	return st.storeNode(elems), nil
}

// Delete removes an account and returns the new root.
func (st *StateTrie) Delete(addr Address) (Hash, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	newRoot, err := st.trieDelete(st.root, keyToNibbles(addr[:]))
	if err != nil {
		return EmptyRoot, err
	}
	st.root = newRoot
	return newRoot, nil
}

func commonPrefix(a, b []byte) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

//---------------------------------------------------------------------
// Account API
//---------------------------------------------------------------------

// Get returns the account at addr, if present.
func (st *StateTrie) Get(addr Address) (Account, bool, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	raw, err := st.trieGet(st.root, addr[:])
	if err != nil {
		return Account{}, false, err
	}
	if raw == nil {
		return Account{}, false, nil
	}
	a, err := decodeAccount(raw)
	if err != nil {
		return Account{}, false, err
	}
	return a, true, nil
}

// Set writes one account and returns the new state root.
func (st *StateTrie) Set(addr Address, account Account) (Hash, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.setLocked(addr, account)
}

func (st *StateTrie) setLocked(addr Address, account Account) (Hash, error) {
	newRoot, err := st.trieInsert(st.root, keyToNibbles(addr[:]), encodeAccount(account))
	if err != nil {
		return EmptyRoot, err
	}
	st.root = newRoot
	return newRoot, nil
}

// Apply batches account writes and returns the resulting root.  The
// whole batch lands or none of it does.
func (st *StateTrie) Apply(changes []StateChange) (Hash, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	saved := st.root
	for _, ch := range changes {
		var err error
		if ch.Delete {
			var newRoot Hash
			newRoot, err = st.trieDelete(st.root, keyToNibbles(ch.Addr[:]))
			if err == nil {
				st.root = newRoot
			}
		} else {
			_, err = st.setLocked(ch.Addr, ch.Account)
		}
		if err != nil {
			st.root = saved
			return EmptyRoot, err
		}
	}
	return st.root, nil
}

// SetRoot rewinds the trie to a previously produced root.  Nodes are
// never discarded, so any historical root stays resolvable.
func (st *StateTrie) SetRoot(root Hash) {
	st.mu.Lock()
	st.root = root
	st.mu.Unlock()
}

//---------------------------------------------------------------------
// Storage sub-tries
//---------------------------------------------------------------------

// SetStorage writes one 32-byte slot in addr's storage trie and rewrites
// the account's StorageRoot.  The per-account slot cap is the state-bloat
// guard.
func (st *StateTrie) SetStorage(addr Address, slot [32]byte, value []byte) (Hash, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	raw, err := st.trieGet(st.root, addr[:])
	if err != nil {
		return EmptyRoot, err
	}
	var acct Account
	if raw != nil {
		if acct, err = decodeAccount(raw); err != nil {
			return EmptyRoot, err
		}
	}

	existing, err := st.trieGet(acct.StorageRoot, slot[:])
	if err != nil {
		return EmptyRoot, err
	}
	if existing == nil {
		if st.slotCount[addr] >= MaxStorageSlotsPerAccount {
			return EmptyRoot, fmt.Errorf("storage slot cap reached for %s", addr.Hex()[:8])
		}
		st.slotCount[addr]++
	}

	newStorageRoot, err := st.trieInsert(acct.StorageRoot, keyToNibbles(slot[:]), value)
	if err != nil {
		return EmptyRoot, err
	}
	acct.StorageRoot = newStorageRoot
	return st.setLocked(addr, acct)
}

// GetStorage reads one slot from addr's storage trie.
func (st *StateTrie) GetStorage(addr Address, slot [32]byte) ([]byte, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	raw, err := st.trieGet(st.root, addr[:])
	if err != nil || raw == nil {
		return nil, err
	}
	acct, err := decodeAccount(raw)
	if err != nil {
		return nil, err
	}
	return st.trieGet(acct.StorageRoot, slot[:])
}

//---------------------------------------------------------------------
// Proofs
//---------------------------------------------------------------------

// Prove collects the encoded nodes along addr's path.  The same shape
// serves inclusion and exclusion: verification decides which one it is.
func (st *StateTrie) Prove(addr Address) ([][]byte, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	var proof [][]byte
	if st.root == EmptyRoot {
		return proof, nil
	}
	nibbles := keyToNibbles(addr[:])
	cur := st.root
	for {
		enc, ok := st.nodes[cur]
		if !ok {
			return nil, fmt.Errorf("missing trie node %s", cur.Short())
		}
		proof = append(proof, enc)
		var elems [][]byte
		if err := rlp.DecodeBytes(enc, &elems); err != nil {
			return nil, err
		}
		switch len(elems) {
		case 2:
			path, leaf, err := compactToHex(elems[0])
			if err != nil {
				return nil, err
			}
			if leaf {
				return proof, nil
			}
			if len(nibbles) < len(path) || !bytes.Equal(nibbles[:len(path)], path) {
				return proof, nil
			}
			nibbles = nibbles[len(path):]
			copy(cur[:], elems[1])
		case branchWidth:
			if len(nibbles) == 0 {
				return proof, nil
			}
			child := elems[nibbles[0]]
			if len(child) == 0 {
				return proof, nil
			}
			nibbles = nibbles[1:]
			copy(cur[:], child)
		default:
			return nil, fmt.Errorf("corrupt trie node arity %d", len(elems))
		}
	}
}

// VerifyAccountProof re-walks the claimed address through the proof
// nodes while checking every hash link back to root.  It returns the
// proven account for inclusion, or included=false for a valid exclusion
// proof.  The address is an input on purpose: a proof substituted from a
// different address fails the walk.
func VerifyAccountProof(root Hash, addr Address, proof [][]byte) (Account, bool, error) {
	if root == EmptyRoot {
		if len(proof) != 0 {
			return Account{}, false, fmt.Errorf("%w: proof against empty root", ErrMalformedProof)
		}
		return Account{}, false, nil
	}
	if len(proof) == 0 {
		return Account{}, false, fmt.Errorf("%w: empty proof", ErrMalformedProof)
	}

	nibbles := keyToNibbles(addr[:])
	want := root
	for i, enc := range proof {
		if hashNode(enc) != want {
			return Account{}, false, fmt.Errorf("%w: node %d hash mismatch", ErrWrongAddressProof, i)
		}
		var elems [][]byte
		if err := rlp.DecodeBytes(enc, &elems); err != nil {
			return Account{}, false, fmt.Errorf("%w: node %d: %v", ErrMalformedProof, i, err)
		}
		last := i == len(proof)-1

		switch len(elems) {
		case 2:
			path, leaf, err := compactToHex(elems[0])
			if err != nil {
				return Account{}, false, err
			}
			if leaf {
				if !last {
					return Account{}, false, fmt.Errorf("%w: leaf before end", ErrMalformedProof)
				}
				if !bytes.Equal(path, nibbles) {
					return Account{}, false, nil // valid exclusion: diverging leaf
				}
				acct, err := decodeAccount(elems[1])
				if err != nil {
					return Account{}, false, err
				}
				return acct, true, nil
			}
			if len(nibbles) < len(path) || !bytes.Equal(nibbles[:len(path)], path) {
				if !last {
					return Account{}, false, fmt.Errorf("%w: divergence before end", ErrMalformedProof)
				}
				return Account{}, false, nil // valid exclusion: path mismatch
			}
			nibbles = nibbles[len(path):]
			copy(want[:], elems[1])
			if last {
				return Account{}, false, fmt.Errorf("%w: truncated proof", ErrMalformedProof)
			}
		case branchWidth:
			if len(nibbles) == 0 {
				if !last {
					return Account{}, false, fmt.Errorf("%w: value before end", ErrMalformedProof)
				}
				if len(elems[16]) == 0 {
					return Account{}, false, nil
				}
				acct, err := decodeAccount(elems[16])
				if err != nil {
					return Account{}, false, err
				}
				return acct, true, nil
			}
			child := elems[nibbles[0]]
			if len(child) == 0 {
				if !last {
					return Account{}, false, fmt.Errorf("%w: gap before end", ErrMalformedProof)
				}
				return Account{}, false, nil // valid exclusion: empty branch slot
			}
			nibbles = nibbles[1:]
			copy(want[:], child)
			if last {
				return Account{}, false, fmt.Errorf("%w: truncated proof", ErrMalformedProof)
			}
		default:
			return Account{}, false, fmt.Errorf("%w: node arity %d", ErrMalformedProof, len(elems))
		}
	}
	return Account{}, false, fmt.Errorf("%w: unterminated proof", ErrMalformedProof)
}
