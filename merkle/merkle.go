// Package merkle summarizes sets of (key, content hash) pairs so two copies of
// a dataset can cheaply check for equality and find where they differ.
//
// Each subscription topic has an Accumulator, the XOR of all content hashes
// plus a count. It is maintained incrementally and is a fast, probabilistic
// equality check. A Tree is a binary merkle tree over the sorted pairs.
// Compare walks two trees from their roots, skipping equal subtrees, and
// classifies the keys in the differing parts.
package merkle

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"
)

var ErrAccumulator = errors.New("merkle: bad accumulator")

// Hash is a 256-bit BLAKE2b hash.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero returns whether h is all zeroes, the root of an empty tree.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func sum(a, b []byte) Hash {
	d, _ := blake2b.New256(nil)
	d.Write(a)
	d.Write(b)
	var h Hash
	d.Sum(h[:0])
	return h
}

// HashRecord returns the content hash of a record with primary key pk and
// encoded form data.
func HashRecord(pk, data []byte) Hash {
	return sum(pk, data)
}

// Accumulator is an order independent summary of a set of hashes.
type Accumulator struct {
	Hash  Hash
	Count uint64
}

// AccumulatorSize is the length of a marshaled Accumulator.
const AccumulatorSize = len(Hash{}) + 8

// Add adds h to the set.
func (a *Accumulator) Add(h Hash) {
	a.xor(h)
	a.Count++
}

// Remove removes h, which must have been added before, from the set.
func (a *Accumulator) Remove(h Hash) {
	a.xor(h)
	a.Count--
}

func (a *Accumulator) xor(h Hash) {
	for i := range a.Hash {
		a.Hash[i] ^= h[i]
	}
}

func (a Accumulator) Equal(o Accumulator) bool {
	return a == o
}

func (a Accumulator) String() string {
	return fmt.Sprintf("%s/%d", a.Hash, a.Count)
}

// Marshal returns the hash followed by the big-endian count.
func (a Accumulator) Marshal() []byte {
	buf := make([]byte, AccumulatorSize)
	copy(buf, a.Hash[:])
	binary.BigEndian.PutUint64(buf[len(a.Hash):], a.Count)
	return buf
}

// UnmarshalAccumulator parses the output of Accumulator.Marshal.
func UnmarshalAccumulator(buf []byte) (Accumulator, error) {
	var a Accumulator
	if len(buf) != AccumulatorSize {
		return a, fmt.Errorf("%w: got %d bytes, expected %d", ErrAccumulator, len(buf), AccumulatorSize)
	}
	copy(a.Hash[:], buf)
	a.Count = binary.BigEndian.Uint64(buf[len(a.Hash):])
	return a, nil
}

// QuickEqual returns whether two accumulators are equal. Equal accumulators
// very likely summarize the same set, but XOR summaries can collide. Only
// Compare gives a definite answer.
func QuickEqual(a, b Accumulator) bool {
	return a.Equal(b)
}

// Item is a key and the content hash of its record.
type Item struct {
	Key  []byte
	Hash Hash
}

// Tree is an immutable merkle tree over items sorted by key.
type Tree struct {
	items []Item
	// levels[0] has the leaf hashes, the last level has the root. Empty for an
	// empty tree.
	levels [][]Hash
}

// New builds a tree from items, which are sorted by key. If a key occurs
// multiple times, the last item for that key is kept.
func New(items []Item) *Tree {
	l := make([]Item, len(items))
	copy(l, items)
	sort.SliceStable(l, func(i, j int) bool {
		return bytes.Compare(l[i].Key, l[j].Key) < 0
	})
	// Deduplicate, keeping the last of equal keys.
	o := 0
	for i := range l {
		if i+1 < len(l) && bytes.Equal(l[i].Key, l[i+1].Key) {
			continue
		}
		l[o] = l[i]
		o++
	}
	l = l[:o]

	t := &Tree{items: l}
	if len(l) == 0 {
		return t
	}
	leaves := make([]Hash, len(l))
	for i, it := range l {
		leaves[i] = sum(it.Key, it.Hash[:])
	}
	t.levels = append(t.levels, leaves)
	for level := leaves; len(level) > 1; {
		next := make([]Hash, (len(level)+1)/2)
		for i := range next {
			left := level[2*i]
			right := left
			if 2*i+1 < len(level) {
				right = level[2*i+1]
			}
			next[i] = sum(left[:], right[:])
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t
}

// Root returns the merkle root, the zero hash for an empty tree.
func (t *Tree) Root() Hash {
	if len(t.levels) == 0 {
		return Hash{}
	}
	return t.levels[len(t.levels)-1][0]
}

// Len returns the number of items.
func (t *Tree) Len() int {
	return len(t.items)
}

// Items returns the items in key order. The returned slice must not be
// modified.
func (t *Tree) Items() []Item {
	return t.items
}

// Lookup returns the hash for key.
func (t *Tree) Lookup(key []byte) (Hash, bool) {
	i := sort.Search(len(t.items), func(i int) bool {
		return bytes.Compare(t.items[i].Key, key) >= 0
	})
	if i < len(t.items) && bytes.Equal(t.items[i].Key, key) {
		return t.items[i].Hash, true
	}
	return Hash{}, false
}

// Accumulator returns the XOR accumulator over the item hashes.
func (t *Tree) Accumulator() Accumulator {
	var a Accumulator
	for _, it := range t.items {
		a.Add(it.Hash)
	}
	return a
}

// height returns the level of the root.
func (t *Tree) height() int {
	return len(t.levels) - 1
}

// node is a position in a tree. A node that does not exist, e.g. the missing
// right sibling of an odd node, has ok false.
type node struct {
	t     *Tree
	level int
	index int
	ok    bool
}

func (t *Tree) root() node {
	if len(t.levels) == 0 {
		return node{t: t}
	}
	return node{t, t.height(), 0, true}
}

func (n node) hash() Hash {
	return n.t.levels[n.level][n.index]
}

func (n node) child(i int) node {
	c := node{t: n.t, level: n.level - 1, index: 2*n.index + i}
	c.ok = c.index < len(n.t.levels[c.level])
	return c
}

// leaves returns the items under n.
func (n node) leaves() []Item {
	if !n.ok {
		return nil
	}
	start := n.index << n.level
	end := (n.index + 1) << n.level
	if end > len(n.t.items) {
		end = len(n.t.items)
	}
	return n.t.items[start:end]
}
