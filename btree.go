package larch

import (
	"fmt"
)

// KV is a single materialized key/value pair returned by LookupRange.
type KV struct {
	Key   []byte
	Value []byte
}

// BTree is a single copy-on-write tree over a shared NodeStore. Multiple
// BTrees (one per Forest root) may reference the same underlying nodes;
// CoW descent (see makeWritableLeaf/makeWritableIndex) is what keeps
// mutating one tree from disturbing any other.
type BTree struct {
	store NodeStore
	pool  *nodePool
	root  NodeId

	keySize        int
	nodeSize       int
	minIndexLength int
	maxIndexLength int
}

// newBTree wraps root (NoNode for an empty tree) in a BTree bound to
// store's structural parameters, recycling CoW clone allocations
// through pool. A nil pool falls back to plain allocation (used by
// standalone tests that construct a BTree without a Forest).
func newBTree(store NodeStore, root NodeId, pool *nodePool) *BTree {
	keySize := store.KeySize()
	nodeSize := store.NodeSize()
	max := maxIndexEntries(nodeSize, keySize)

	return &BTree{
		store:          store,
		pool:           pool,
		root:           root,
		keySize:        keySize,
		nodeSize:       nodeSize,
		minIndexLength: max / 2,
		maxIndexLength: max,
	}
}

// IndexLengthBounds returns the (min, max) index-node entry-count bounds
// for a forest with the given node_size/key_size, for external tools
// (fsck-larch) that need the bound without an existing BTree handle.
func IndexLengthBounds(nodeSize, keySize int) (min, max int) {
	max = maxIndexEntries(nodeSize, keySize)
	return max / 2, max
}

// maxIndexEntries computes the largest number of (key, child_id) entries
// that fit within nodeSize, per §4.1's index format. min_index_length is
// always half of this (the usual B-tree min-fill ratio).
func maxIndexEntries(nodeSize, keySize int) int {
	n := (nodeSize - indexHeaderSize) / (keySize + childIDSize)
	if n < 2 {
		n = 2
	}
	return n
}

// Root returns the tree's current root id, NoNode for an empty tree.
func (t *BTree) Root() NodeId { return t.root }

// MinIndexLength and MaxIndexLength expose the computed index-node
// entry-count bounds, for fsck-larch's invariant 2 check.
func (t *BTree) MinIndexLength() int { return t.minIndexLength }
func (t *BTree) MaxIndexLength() int { return t.maxIndexLength }

// maxValueSize is the largest value Insert will accept: half the node
// size, less the overhead of the single-pair leaf that would have to
// hold it.
func (t *BTree) maxValueSize() int {
	overhead := leafHeaderSize + t.keySize + valueLenFieldSize
	max := t.nodeSize/2 - overhead
	if max < 0 {
		max = 0
	}
	return max
}

func (t *BTree) validateKey(key []byte) error {
	if len(key) != t.keySize {
		return fmt.Errorf("larch: key length %d != %d: %w", len(key), t.keySize, ErrWrongKeySize)
	}
	return nil
}

func (t *BTree) validateValue(value []byte) error {
	if max := t.maxValueSize(); len(value) > max {
		return fmt.Errorf("larch: value length %d exceeds max %d: %w", len(value), max, ErrValueTooLarge)
	}
	return nil
}

// Lookup returns the value stored for key.
func (t *BTree) Lookup(key []byte) ([]byte, error) {
	if err := t.validateKey(key); err != nil {
		return nil, err
	}

	id := t.root
	for id != NoNode {
		node, err := t.store.GetNode(id)
		if err != nil {
			return nil, err
		}
		switch n := node.(type) {
		case *LeafNode:
			v, ok := n.Get(key)
			if !ok {
				return nil, fmt.Errorf("larch: %w", ErrKeyNotFound)
			}
			return v, nil
		case *IndexNode:
			id = n.entries[n.childForKey(key)].child
		}
	}
	return nil, fmt.Errorf("larch: %w", ErrKeyNotFound)
}

// LookupRange returns every (key, value) pair with lo <= key <= hi, in
// ascending key order, materialized rather than streamed (so a caller
// may mutate the tree between successive calls).
func (t *BTree) LookupRange(lo, hi []byte) ([]KV, error) {
	var results []KV
	err := t.walkRange(lo, hi, func(leaf *LeafNode) {
		for _, p := range leaf.findPairs(lo, hi) {
			results = append(results, KV{Key: p.key, Value: p.value})
		}
	})
	return results, err
}

// CountRange returns the number of keys in [lo, hi] without
// materializing their values.
func (t *BTree) CountRange(lo, hi []byte) (int, error) {
	count := 0
	err := t.walkRange(lo, hi, func(leaf *LeafNode) {
		count += len(leaf.findPairs(lo, hi))
	})
	return count, err
}

// RangeIsEmpty reports whether no key falls in [lo, hi].
func (t *BTree) RangeIsEmpty(lo, hi []byte) (bool, error) {
	count, err := t.CountRange(lo, hi)
	return count == 0, err
}

// walkRange visits every leaf whose key range may intersect [lo, hi],
// in ascending order. Stack-based rather than recursive: tree height is
// O(log N), but an explicit stack avoids relying on call-stack depth
// for pathological or adversarially tall trees (spec.md §9).
func (t *BTree) walkRange(lo, hi []byte, visit func(*LeafNode)) error {
	if t.root == NoNode {
		return nil
	}

	stack := []NodeId{t.root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		node, err := t.store.GetNode(id)
		if err != nil {
			return err
		}

		switch n := node.(type) {
		case *LeafNode:
			visit(n)
		case *IndexNode:
			loIdx, hiIdx := n.childRange(lo, hi)
			// Push right-to-left so the leftmost child pops (and is
			// visited) first, preserving ascending key order.
			for i := hiIdx; i >= loIdx; i-- {
				stack = append(stack, n.entries[i].child)
			}
		}
	}
	return nil
}

// firstKeyAtOrAfter finds the smallest key in [lo, hi], via the same
// stack-based descent as walkRange, stopping at the first match.
func (t *BTree) firstKeyAtOrAfter(lo, hi []byte) ([]byte, bool, error) {
	if t.root == NoNode {
		return nil, false, nil
	}

	stack := []NodeId{t.root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		node, err := t.store.GetNode(id)
		if err != nil {
			return nil, false, err
		}

		switch n := node.(type) {
		case *LeafNode:
			if pairs := n.findPairs(lo, hi); len(pairs) > 0 {
				return pairs[0].key, true, nil
			}
		case *IndexNode:
			loIdx, hiIdx := n.childRange(lo, hi)
			for i := hiIdx; i >= loIdx; i-- {
				stack = append(stack, n.entries[i].child)
			}
		}
	}
	return nil, false, nil
}

// splitInfo describes a node's right half after it was split, for the
// caller (the node one level up) to insert as a new sibling entry.
type splitInfo struct {
	key   []byte
	child NodeId
}

// makeWritableLeaf returns a leaf at id safe to mutate in place: n
// itself if id's refcount is 1 (sole owner), otherwise a clone with a
// fresh id. Cloning decrements id's refcount by one, since the caller's
// reference to it is being redirected to the clone.
func (t *BTree) makeWritableLeaf(id NodeId, n *LeafNode) (*LeafNode, NodeId, error) {
	if t.store.Refcount(id) == 1 {
		return n, id, nil
	}

	clone := t.poolCloneLeaf(n)
	newID, err := t.store.NewID()
	if err != nil {
		return nil, 0, err
	}
	clone.SetID(newID)
	if _, err := t.store.IncrRefcount(newID); err != nil {
		return nil, 0, err
	}
	if _, err := t.store.DecrRefcount(id); err != nil {
		return nil, 0, err
	}
	return clone, newID, nil
}

// poolCloneLeaf clones n through t.pool when one is set, falling back
// to a plain heap allocation for pool-less BTree instances.
func (t *BTree) poolCloneLeaf(n *LeafNode) *LeafNode {
	if t.pool == nil {
		return cloneLeaf(n)
	}
	return t.pool.cloneLeaf(n)
}

// poolCloneIndex is poolCloneLeaf's IndexNode counterpart.
func (t *BTree) poolCloneIndex(n *IndexNode) *IndexNode {
	if t.pool == nil {
		return cloneIndex(n)
	}
	return t.pool.cloneIndex(n)
}

// makeWritableIndex is makeWritableLeaf's counterpart for index nodes.
// Cloning an index node additionally bumps the refcount of every direct
// child, since the clone becomes a second parent for each of them
// (transiently, until the recursive descent below either confirms that
// ownership or replaces it with a further clone of its own).
func (t *BTree) makeWritableIndex(id NodeId, n *IndexNode) (*IndexNode, NodeId, error) {
	if t.store.Refcount(id) == 1 {
		return n, id, nil
	}

	clone := t.poolCloneIndex(n)
	newID, err := t.store.NewID()
	if err != nil {
		return nil, 0, err
	}
	clone.SetID(newID)
	if _, err := t.store.IncrRefcount(newID); err != nil {
		return nil, 0, err
	}
	for i, e := range clone.entries {
		if _, err := t.store.IncrRefcount(e.child); err != nil {
			// Roll back every child already bumped in this loop plus the
			// clone's own refcount, so a partial failure (e.g. the refcount
			// overflow guard tripping on one child) leaves every refcount
			// exactly as it was before this clone attempt, not holding a
			// phantom extra parent that was never actually wired in.
			for _, done := range clone.entries[:i] {
				t.store.DecrRefcount(done.child)
			}
			t.store.DecrRefcount(newID)
			return nil, 0, err
		}
	}
	if _, err := t.store.DecrRefcount(id); err != nil {
		return nil, 0, err
	}
	return clone, newID, nil
}

// retireSubtree decrements id's refcount and, if it reaches zero,
// removes the node and recursively retires its children (an index
// node's refcount hitting zero means none of its entries are reachable
// through it any longer). Iterative via an explicit stack rather than
// recursive, per spec.md §9. A retired node is handed back to pool (if
// non-nil) for reuse by a future CoW clone.
func retireSubtree(store NodeStore, pool *nodePool, id NodeId) error {
	stack := []NodeId{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		willEmpty := store.Refcount(cur) == 1
		var node Node
		var children []NodeId
		if willEmpty {
			n, err := store.GetNode(cur)
			if err != nil {
				return err
			}
			node = n
			if idx, ok := node.(*IndexNode); ok {
				for _, e := range idx.entries {
					children = append(children, e.child)
				}
			}
		}

		left, err := store.DecrRefcount(cur)
		if err != nil {
			return err
		}
		if left > 0 {
			continue
		}

		if err := store.RemoveNode(cur); err != nil {
			return err
		}
		if pool != nil && node != nil {
			switch n := node.(type) {
			case *LeafNode:
				pool.putLeaf(n)
			case *IndexNode:
				pool.putIndex(n)
			}
		}
		stack = append(stack, children...)
	}
	return nil
}

// Insert replaces any existing mapping for key.
func (t *BTree) Insert(key, value []byte) error {
	if err := t.validateKey(key); err != nil {
		return err
	}
	if err := t.validateValue(value); err != nil {
		return err
	}

	if t.root == NoNode {
		leaf := &LeafNode{}
		leaf.Put(key, value)
		id, err := t.store.NewID()
		if err != nil {
			return err
		}
		leaf.SetID(id)
		if _, err := t.store.IncrRefcount(id); err != nil {
			return err
		}
		if err := t.store.PutNode(leaf); err != nil {
			return err
		}
		t.root = id
		return nil
	}

	newRootID, firstKey, split, err := t.insertInto(t.root, key, value)
	if err != nil {
		return err
	}

	if split == nil {
		t.root = newRootID
		return nil
	}

	newRoot := &IndexNode{}
	newRoot.insertEntry(firstKey, newRootID)
	newRoot.insertEntry(split.key, split.child)

	rootID, err := t.store.NewID()
	if err != nil {
		return err
	}
	newRoot.SetID(rootID)
	if _, err := t.store.IncrRefcount(rootID); err != nil {
		return err
	}
	if err := t.store.PutNode(newRoot); err != nil {
		return err
	}

	t.root = rootID
	return nil
}

// insertInto performs CoW insert into the subtree rooted at id. It
// returns the subtree's (possibly new) root id, that root's first key
// (for the parent's leftmost-key entry), and a non-nil split if the
// subtree itself had to split — in which case the returned id/firstKey
// describe the left half and split describes the new right sibling.
func (t *BTree) insertInto(id NodeId, key, value []byte) (NodeId, []byte, *splitInfo, error) {
	node, err := t.store.GetNode(id)
	if err != nil {
		return 0, nil, nil, err
	}

	switch n := node.(type) {
	case *LeafNode:
		writable, wID, err := t.makeWritableLeaf(id, n)
		if err != nil {
			return 0, nil, nil, err
		}
		writable.Put(key, value)

		if writable.EncodedSize() <= t.nodeSize {
			if err := t.store.PutNode(writable); err != nil {
				return 0, nil, nil, err
			}
			return wID, writable.FirstKey(), nil, nil
		}

		right := writable.splitAt(t.nodeSize)
		rightID, err := t.store.NewID()
		if err != nil {
			return 0, nil, nil, err
		}
		right.SetID(rightID)
		if _, err := t.store.IncrRefcount(rightID); err != nil {
			return 0, nil, nil, err
		}
		if err := t.store.PutNode(writable); err != nil {
			return 0, nil, nil, err
		}
		if err := t.store.PutNode(right); err != nil {
			return 0, nil, nil, err
		}
		return wID, writable.FirstKey(), &splitInfo{key: right.FirstKey(), child: rightID}, nil

	case *IndexNode:
		writable, wID, err := t.makeWritableIndex(id, n)
		if err != nil {
			return 0, nil, nil, err
		}

		idx := writable.childForKey(key)
		childID := writable.entries[idx].child

		newChildID, childFirstKey, childSplit, err := t.insertInto(childID, key, value)
		if err != nil {
			return 0, nil, nil, err
		}

		writable.entries[idx].child = newChildID
		writable.setKeyAt(idx, childFirstKey)
		if childSplit != nil {
			writable.insertEntry(childSplit.key, childSplit.child)
		}

		if writable.Len() <= t.maxIndexLength {
			if err := t.store.PutNode(writable); err != nil {
				return 0, nil, nil, err
			}
			return wID, writable.FirstKey(), nil, nil
		}

		right := writable.splitAt()
		rightID, err := t.store.NewID()
		if err != nil {
			return 0, nil, nil, err
		}
		right.SetID(rightID)
		if _, err := t.store.IncrRefcount(rightID); err != nil {
			return 0, nil, nil, err
		}
		if err := t.store.PutNode(writable); err != nil {
			return 0, nil, nil, err
		}
		if err := t.store.PutNode(right); err != nil {
			return 0, nil, nil, err
		}
		return wID, writable.FirstKey(), &splitInfo{key: right.FirstKey(), child: rightID}, nil
	}

	return 0, nil, nil, fmt.Errorf("larch: unknown node type %T", node)
}

// Remove deletes key, failing with ErrKeyNotFound if it is absent. The
// presence check happens before any mutation so a failed Remove leaves
// the tree structurally unchanged.
func (t *BTree) Remove(key []byte) error {
	if err := t.validateKey(key); err != nil {
		return err
	}
	if _, err := t.Lookup(key); err != nil {
		return err
	}

	newRootID, _, _, err := t.removeFrom(t.root, key)
	if err != nil {
		return err
	}
	t.root = newRootID

	return t.shallowRoot()
}

// RemoveRange removes every key in [lo, hi].
func (t *BTree) RemoveRange(lo, hi []byte) error {
	for {
		key, ok, err := t.firstKeyAtOrAfter(lo, hi)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := t.Remove(key); err != nil {
			return err
		}
	}
}

// removeFrom performs CoW point-removal of key from the subtree rooted
// at id. It returns the subtree's new id (NoNode if the subtree became
// entirely empty), its new first key, and whether it is an IndexNode
// now below min_index_length (signaling the parent to merge/redistribute).
func (t *BTree) removeFrom(id NodeId, key []byte) (NodeId, []byte, bool, error) {
	node, err := t.store.GetNode(id)
	if err != nil {
		return 0, nil, false, err
	}

	switch n := node.(type) {
	case *LeafNode:
		writable, wID, err := t.makeWritableLeaf(id, n)
		if err != nil {
			return 0, nil, false, err
		}
		writable.Remove(key)

		if writable.Len() == 0 {
			if err := retireSubtree(t.store, t.pool, wID); err != nil {
				return 0, nil, false, err
			}
			return NoNode, nil, false, nil
		}

		if err := t.store.PutNode(writable); err != nil {
			return 0, nil, false, err
		}
		return wID, writable.FirstKey(), false, nil

	case *IndexNode:
		writable, wID, err := t.makeWritableIndex(id, n)
		if err != nil {
			return 0, nil, false, err
		}

		idx := writable.childForKey(key)
		childID := writable.entries[idx].child

		newChildID, childFirstKey, childUnderflow, err := t.removeFrom(childID, key)
		if err != nil {
			return 0, nil, false, err
		}

		switch {
		case newChildID == NoNode:
			writable.removeAt(idx)
		case childUnderflow:
			writable.entries[idx].child = newChildID
			writable.setKeyAt(idx, childFirstKey)
			if err := t.fixUnderflow(writable, idx); err != nil {
				return 0, nil, false, err
			}
		default:
			writable.entries[idx].child = newChildID
			writable.setKeyAt(idx, childFirstKey)
		}

		if writable.Len() == 0 {
			if err := retireSubtree(t.store, t.pool, wID); err != nil {
				return 0, nil, false, err
			}
			return NoNode, nil, false, nil
		}

		if err := t.store.PutNode(writable); err != nil {
			return 0, nil, false, err
		}
		return wID, writable.FirstKey(), writable.Len() < t.minIndexLength, nil
	}

	return 0, nil, false, fmt.Errorf("larch: unknown node type %T", node)
}

// fixUnderflow merges or redistributes the child at parent.entries[idx]
// (already confirmed below min_index_length) with a neighbor sibling.
// The left neighbor is preferred; if idx is the leftmost entry, the
// right neighbor is used instead. If idx has no sibling (parent has
// only this one entry), there is nothing to merge with here — the
// caller's own underflow check (or, at the root, shallowRoot) handles it.
func (t *BTree) fixUnderflow(parent *IndexNode, idx int) error {
	sibIdx := idx - 1
	if sibIdx < 0 {
		sibIdx = idx + 1
	}
	if sibIdx < 0 || sibIdx >= parent.Len() {
		return nil
	}

	childNode, err := t.store.GetNode(parent.entries[idx].child)
	if err != nil {
		return err
	}
	child, ok := childNode.(*IndexNode)
	if !ok {
		return fmt.Errorf("larch: underflow signaled for non-index node %d", parent.entries[idx].child)
	}

	sibNode, err := t.store.GetNode(parent.entries[sibIdx].child)
	if err != nil {
		return err
	}
	sib, ok := sibNode.(*IndexNode)
	if !ok {
		return fmt.Errorf("larch: sibling %d is not an index node", parent.entries[sibIdx].child)
	}

	writableSib, _, err := t.makeWritableIndex(parent.entries[sibIdx].child, sib)
	if err != nil {
		return err
	}

	left, right := child, writableSib
	leftIdx, rightIdx := idx, sibIdx
	if sibIdx < idx {
		left, right = writableSib, child
		leftIdx, rightIdx = sibIdx, idx
	}

	if left.Len()+right.Len() <= t.maxIndexLength {
		left.entries = append(left.entries, right.entries...)
		left.size = indexEncodedSize(left.entries)
		if err := t.store.PutNode(left); err != nil {
			return err
		}
		// right's entries now belong to left, so only right itself is
		// released; its children keep the parent reference left took over.
		if _, err := t.store.DecrRefcount(right.ID()); err != nil {
			return err
		}
		if err := t.store.RemoveNode(right.ID()); err != nil {
			return err
		}

		parent.entries[leftIdx].child = left.ID()
		parent.setKeyAt(leftIdx, left.FirstKey())
		parent.removeAt(rightIdx)
		return nil
	}

	redistributeIndex(left, right)
	if err := t.store.PutNode(left); err != nil {
		return err
	}
	if err := t.store.PutNode(right); err != nil {
		return err
	}

	parent.entries[leftIdx].child = left.ID()
	parent.setKeyAt(leftIdx, left.FirstKey())
	parent.entries[rightIdx].child = right.ID()
	parent.setKeyAt(rightIdx, right.FirstKey())
	return nil
}

// redistributeIndex moves entries between two already-writable siblings
// until both meet the min-fill floor, preferred over a merge when the
// combined entry count would exceed max_index_length.
func redistributeIndex(left, right *IndexNode) {
	total := left.Len() + right.Len()
	target := total / 2

	for left.Len() > target {
		last := len(left.entries) - 1
		e := left.entries[last]
		left.entries = left.entries[:last]
		right.entries = append([]indexEntry{e}, right.entries...)
	}
	for right.Len() > total-target {
		e := right.entries[0]
		right.entries = right.entries[1:]
		left.entries = append(left.entries, e)
	}

	left.size = indexEncodedSize(left.entries)
	right.size = indexEncodedSize(right.entries)
}

// shallowRoot collapses the root while it is an IndexNode with exactly
// one entry, replacing it with that entry's child. The dissolved root's
// single reference (previously counted as "is root") transfers to the
// promoted child without any change to the child's own refcount, so
// only the old root itself is retired. May cascade.
func (t *BTree) shallowRoot() error {
	for t.root != NoNode {
		node, err := t.store.GetNode(t.root)
		if err != nil {
			return err
		}
		idxNode, ok := node.(*IndexNode)
		if !ok || idxNode.Len() != 1 {
			return nil
		}

		child := idxNode.entries[0].child
		old := t.root
		if _, err := t.store.DecrRefcount(old); err != nil {
			return err
		}
		if err := t.store.RemoveNode(old); err != nil {
			return err
		}
		t.root = child
	}
	return nil
}
