package larch

import (
	"bytes"
	"sort"
)

// Node is the common capability every on-disk node type satisfies. BTree
// and NodeStore are polymorphic over this interface only; neither ever
// distinguishes leaf from index except through a type switch at the
// point a decision actually depends on it.
type Node interface {
	ID() NodeId
	SetID(NodeId)
	// EncodedSize is the number of bytes this node occupies once encoded,
	// maintained incrementally by the node so callers never need to
	// re-serialize just to learn whether a mutation overflowed node_size.
	EncodedSize() int
}

// LeafNode holds an ordered, unique-by-key sequence of (key, value)
// pairs. It is the only node type that stores values.
type LeafNode struct {
	id    NodeId
	pairs []kv
	size  int
}

func (n *LeafNode) ID() NodeId      { return n.id }
func (n *LeafNode) SetID(id NodeId) { n.id = id }
func (n *LeafNode) EncodedSize() int {
	if n.size == 0 {
		n.size = leafEncodedSize(n.pairs)
	}
	return n.size
}

// Len returns the number of pairs stored in the leaf.
func (n *LeafNode) Len() int { return len(n.pairs) }

// FirstKey returns the smallest key in the leaf, or nil if empty.
func (n *LeafNode) FirstKey() []byte {
	if len(n.pairs) == 0 {
		return nil
	}
	return n.pairs[0].key
}

// find returns the index of key within the leaf, and whether it was
// found. When not found, idx is the insertion point that keeps pairs
// sorted.
func (n *LeafNode) find(key []byte) (idx int, found bool) {
	idx = sort.Search(len(n.pairs), func(i int) bool {
		return bytes.Compare(n.pairs[i].key, key) >= 0
	})
	if idx < len(n.pairs) && bytes.Equal(n.pairs[idx].key, key) {
		return idx, true
	}
	return idx, false
}

// Get returns the value for key and whether it was present.
func (n *LeafNode) Get(key []byte) ([]byte, bool) {
	idx, found := n.find(key)
	if !found {
		return nil, false
	}
	return n.pairs[idx].value, true
}

// Pairs returns a copy of the leaf's (key, value) pairs, for external
// introspection (fsck-larch's invariant checks).
func (n *LeafNode) Pairs() []KV {
	out := make([]KV, len(n.pairs))
	for i, p := range n.pairs {
		out[i] = KV{Key: p.key, Value: p.value}
	}
	return out
}

// Put inserts or replaces key's value, updating the cached encoded size
// incrementally.
func (n *LeafNode) Put(key, value []byte) {
	idx, found := n.find(key)
	if found {
		n.size += len(value) - len(n.pairs[idx].value)
		n.pairs[idx].value = value
		return
	}

	n.pairs = append(n.pairs, kv{})
	copy(n.pairs[idx+1:], n.pairs[idx:])
	n.pairs[idx] = kv{key: key, value: value}
	n.size += len(key) + valueLenFieldSize + len(value)
}

// Remove deletes key if present, reporting whether anything was removed.
func (n *LeafNode) Remove(key []byte) bool {
	idx, found := n.find(key)
	if !found {
		return false
	}

	n.size -= len(n.pairs[idx].key) + valueLenFieldSize + len(n.pairs[idx].value)
	n.pairs = append(n.pairs[:idx], n.pairs[idx+1:]...)
	return true
}

// findPairs returns the inclusive subrange [lo, hi] of pairs.
func (n *LeafNode) findPairs(lo, hi []byte) []kv {
	start := sort.Search(len(n.pairs), func(i int) bool {
		return bytes.Compare(n.pairs[i].key, lo) >= 0
	})
	end := sort.Search(len(n.pairs), func(i int) bool {
		return bytes.Compare(n.pairs[i].key, hi) > 0
	})
	if start >= end {
		return nil
	}
	return n.pairs[start:end]
}

// splitAt performs a byte-size-based split: it walks pairs accumulating
// encoded size until the running total would exceed half of node_size
// and splits there, keeping at least one pair on each side. If the right
// half would still exceed node_size, the boundary moves right one pair
// at a time for as long as the left half stays within node_size. No
// minimum fill is enforced for either half beyond holding one pair. The
// left half stays in n; the right half is returned as a fresh,
// unparented LeafNode (caller assigns an id).
func (n *LeafNode) splitAt(nodeSize int) *LeafNode {
	target := nodeSize / 2
	running := leafHeaderSize
	splitIdx := 0

	for i, p := range n.pairs {
		pairSize := len(p.key) + valueLenFieldSize + len(p.value)
		if running+pairSize > target && i > 0 {
			splitIdx = i
			break
		}
		running += pairSize
		splitIdx = i + 1
	}

	// Guarantee both halves are non-empty.
	if splitIdx == 0 {
		splitIdx = 1
	}
	if splitIdx == len(n.pairs) {
		splitIdx = len(n.pairs) - 1
	}
	for splitIdx < len(n.pairs)-1 &&
		leafEncodedSize(n.pairs[splitIdx:]) > nodeSize &&
		leafEncodedSize(n.pairs[:splitIdx+1]) <= nodeSize {
		splitIdx++
	}

	right := &LeafNode{pairs: append([]kv(nil), n.pairs[splitIdx:]...)}
	n.pairs = n.pairs[:splitIdx]
	n.size = leafEncodedSize(n.pairs)
	right.size = leafEncodedSize(right.pairs)

	return right
}

// IndexNode holds an ordered sequence of (key, child_id) entries. The
// subtree at entries[i].child contains keys in [entries[i].key,
// entries[i+1].key) (or +inf for the last entry).
type IndexNode struct {
	id      NodeId
	entries []indexEntry
	size    int
}

func (n *IndexNode) ID() NodeId      { return n.id }
func (n *IndexNode) SetID(id NodeId) { n.id = id }
func (n *IndexNode) EncodedSize() int {
	if n.size == 0 {
		n.size = indexEncodedSize(n.entries)
	}
	return n.size
}

// Len returns the number of entries.
func (n *IndexNode) Len() int { return len(n.entries) }

// FirstKey returns the smallest key covered by this index node.
func (n *IndexNode) FirstKey() []byte {
	if len(n.entries) == 0 {
		return nil
	}
	return n.entries[0].key
}

// childForKey picks the entry with the greatest key <= target; if target
// is less than the first entry's key, it still returns the first child
// (leftmost-key pinning stays robust during insertion at a new minimum).
func (n *IndexNode) childForKey(key []byte) int {
	idx := sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(n.entries[i].key, key) > 0
	})
	idx--
	if idx < 0 {
		idx = 0
	}
	return idx
}

// childRange returns the inclusive range of entry indexes [lo, hi] whose
// child subtrees may intersect the key range [loKey, hiKey].
func (n *IndexNode) childRange(loKey, hiKey []byte) (lo, hi int) {
	lo = sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(n.entries[i].key, loKey) > 0
	}) - 1
	if lo < 0 {
		lo = 0
	}

	hi = sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(n.entries[i].key, hiKey) > 0
	}) - 1
	if hi < 0 {
		hi = 0
	}
	return lo, hi
}

// IndexEntry is a single (key, child) pair, exposed read-only for
// external introspection (fsck-larch).
type IndexEntry struct {
	Key   []byte
	Child NodeId
}

// Entries returns a copy of the index node's (key, child) pairs.
func (n *IndexNode) Entries() []IndexEntry {
	out := make([]IndexEntry, len(n.entries))
	for i, e := range n.entries {
		out[i] = IndexEntry{Key: e.key, Child: e.child}
	}
	return out
}

// insertEntry inserts (key, child) keeping entries sorted by key.
func (n *IndexNode) insertEntry(key []byte, child NodeId) {
	idx := sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(n.entries[i].key, key) >= 0
	})
	n.entries = append(n.entries, indexEntry{})
	copy(n.entries[idx+1:], n.entries[idx:])
	n.entries[idx] = indexEntry{key: key, child: child}
	n.size = indexEncodedSize(n.entries)
}

// removeAt removes the entry at position idx.
func (n *IndexNode) removeAt(idx int) {
	n.entries = append(n.entries[:idx], n.entries[idx+1:]...)
	n.size = indexEncodedSize(n.entries)
}

// setKeyAt rewrites the key of the entry at idx, maintaining the
// leftmost-key invariant after a child's first key changes.
func (n *IndexNode) setKeyAt(idx int, key []byte) {
	n.entries[idx].key = key
}

// splitAt splits the index node at the count midpoint (all index entries
// are equal-sized, so a count split is also a byte-size split). The left
// half stays in n; the right half is returned unparented.
func (n *IndexNode) splitAt() *IndexNode {
	mid := len(n.entries) / 2
	right := &IndexNode{entries: append([]indexEntry(nil), n.entries[mid:]...)}
	n.entries = n.entries[:mid]
	n.size = indexEncodedSize(n.entries)
	right.size = indexEncodedSize(right.entries)
	return right
}

// cloneLeaf copies a leaf's content into a fresh LeafNode with no id
// assigned yet; the caller obtains an id from the NodeStore.
func cloneLeaf(n *LeafNode) *LeafNode {
	return &LeafNode{pairs: append([]kv(nil), n.pairs...), size: n.size}
}

// cloneIndex copies an index node's content into a fresh IndexNode with
// no id assigned yet.
func cloneIndex(n *IndexNode) *IndexNode {
	return &IndexNode{entries: append([]indexEntry(nil), n.entries...), size: n.size}
}
