package larch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTree(keySize, nodeSize int) (*BTree, *MemStore) {
	store := NewMemStore(keySize, nodeSize)
	return newBTree(store, NoNode, nil), store
}

func TestBTreeInsertLookup(t *testing.T) {
	tree, _ := newTestTree(4, 128)

	require.NoError(t, tree.Insert(key4(1), []byte("one")))
	v, err := tree.Lookup(key4(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)
}

func TestBTreeInsertOverwritesExistingKey(t *testing.T) {
	tree, _ := newTestTree(4, 128)

	require.NoError(t, tree.Insert(key4(1), []byte("one")))
	require.NoError(t, tree.Insert(key4(1), []byte("ONE")))

	v, err := tree.Lookup(key4(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("ONE"), v)
}

func TestBTreeLookupMissingKeyFails(t *testing.T) {
	tree, _ := newTestTree(4, 128)
	_, err := tree.Lookup(key4(1))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestBTreeInsertThenRemoveNotFound(t *testing.T) {
	tree, _ := newTestTree(4, 128)
	require.NoError(t, tree.Insert(key4(1), []byte("one")))
	require.NoError(t, tree.Remove(key4(1)))

	_, err := tree.Lookup(key4(1))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestBTreeDoubleRemoveIsNotIdempotent(t *testing.T) {
	tree, _ := newTestTree(4, 128)
	require.NoError(t, tree.Insert(key4(1), []byte("one")))
	require.NoError(t, tree.Remove(key4(1)))
	assert.ErrorIs(t, tree.Remove(key4(1)), ErrKeyNotFound)
}

func TestBTreeRemoveLeavesTreeUnchangedOnMiss(t *testing.T) {
	tree, _ := newTestTree(4, 128)
	require.NoError(t, tree.Insert(key4(1), []byte("one")))
	require.NoError(t, tree.Insert(key4(2), []byte("two")))

	err := tree.Remove(key4(99))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	v, err := tree.Lookup(key4(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)
	v, err = tree.Lookup(key4(2))
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), v)
}

func TestBTreeWrongKeySize(t *testing.T) {
	tree, _ := newTestTree(4, 128)
	err := tree.Insert([]byte{1, 2, 3}, []byte("v"))
	assert.ErrorIs(t, err, ErrWrongKeySize)
}

func TestBTreeValueTooLargeLeavesTreeUnchanged(t *testing.T) {
	tree, _ := newTestTree(4, 128)
	require.NoError(t, tree.Insert(key4(1), []byte("one")))

	huge := make([]byte, 1000)
	err := tree.Insert(key4(2), huge)
	assert.ErrorIs(t, err, ErrValueTooLarge)

	_, err = tree.Lookup(key4(2))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	v, err := tree.Lookup(key4(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)
}

// TestBTreeSequentialInsertAndRangeScan covers spec.md §8 scenario 1:
// key_size=4, node_size=128, 1024 sequential keys, verifying the full
// ascending lookup_range.
func TestBTreeSequentialInsertAndRangeScan(t *testing.T) {
	tree, _ := newTestTree(4, 128)

	const n = 1024
	for i := uint32(0); i < n; i++ {
		require.NoError(t, tree.Insert(key4(i), key4(i)))
	}

	lo := key4(0)
	hi := key4(n - 1)
	pairs, err := tree.LookupRange(lo, hi)
	require.NoError(t, err)
	require.Len(t, pairs, n)

	for i, p := range pairs {
		assert.Equal(t, key4(uint32(i)), p.Key)
		assert.Equal(t, key4(uint32(i)), p.Value)
	}

	count, err := tree.CountRange(lo, hi)
	require.NoError(t, err)
	assert.Equal(t, n, count)
}

// TestBTreeCloneIsolation covers spec.md §8 scenario 2's essence: a
// clone of a tree must be mutable independently of its source, with
// neither side's writes visible on the other, across multiple
// generations of cloning.
func TestBTreeCloneIsolation(t *testing.T) {
	store := NewMemStore(4, 128)
	a := newBTree(store, NoNode, nil)

	for i := uint32(0); i < 512; i++ {
		require.NoError(t, a.Insert(key4(i), key4(i)))
	}

	bRoot, err := cloneTreeRoot(store, a.Root())
	require.NoError(t, err)
	b := newBTree(store, bRoot, nil)

	// mutate b only: remove the even keys
	for i := uint32(0); i < 512; i += 2 {
		require.NoError(t, b.Remove(key4(i)))
	}

	// a is untouched
	countA, err := a.CountRange(key4(0), key4(511))
	require.NoError(t, err)
	assert.Equal(t, 512, countA)

	// b only has the odd keys left
	countB, err := b.CountRange(key4(0), key4(511))
	require.NoError(t, err)
	assert.Equal(t, 256, countB)

	for i := uint32(1); i < 512; i += 2 {
		v, err := b.Lookup(key4(i))
		require.NoError(t, err)
		assert.Equal(t, key4(i), v)
	}

	// clone b again (a third generation) and mutate further, verifying
	// b is unaffected by c's writes
	cRoot, err := cloneTreeRoot(store, b.Root())
	require.NoError(t, err)
	c := newBTree(store, cRoot, nil)
	require.NoError(t, c.Insert(key4(1000), key4(1000)))

	_, err = b.Lookup(key4(1000))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	v, err := c.Lookup(key4(1000))
	require.NoError(t, err)
	assert.Equal(t, key4(1000), v)
}

// TestBTreeRemoveAllButOneCollapsesToOneNode covers spec.md §8 scenario
// 3 at the default node_size: after removing all but the first of 100
// keys, the one-entry index root is shallowed away, a single leaf is
// left as the root, and the surviving key is still reachable.
func TestBTreeRemoveAllButOneCollapsesToOneNode(t *testing.T) {
	store := NewMemStore(19, DefaultNodeSize)
	tree := newBTree(store, NoNode, nil)

	keys := make([][]byte, 100)
	for i := range keys {
		k := make([]byte, 19)
		k[0] = byte(i >> 8)
		k[1] = byte(i)
		keys[i] = k
		require.NoError(t, tree.Insert(k, make([]byte, 128)))
	}

	for i := 1; i < len(keys); i++ {
		require.NoError(t, tree.Remove(keys[i]))
	}

	v, err := tree.Lookup(keys[0])
	require.NoError(t, err)
	assert.Len(t, v, 128)

	liveIDs, err := store.ListNodeIDs()
	require.NoError(t, err)
	assert.Len(t, liveIDs, 1, "a single remaining key collapses to one leaf as the root")
}

// TestBTreeRefcountOverflowGuard covers spec.md §8 scenario 5: cloning a
// tree whose root's child already has refcount 65535 (the clone would be
// one more parent of it) fails cleanly rather than wrapping.
func TestBTreeRefcountOverflowGuard(t *testing.T) {
	store := NewMemStore(4, 128)
	tree := newBTree(store, NoNode, nil)
	for i := uint32(0); i < 10; i++ {
		require.NoError(t, tree.Insert(key4(i), key4(i)))
	}

	rootNode, err := store.GetNode(tree.Root())
	require.NoError(t, err)
	idx, ok := rootNode.(*IndexNode)
	require.True(t, ok, "ten 12-byte pairs overflow a 128-byte leaf, so the root is an index node")

	child := idx.entries[0].child
	for i := 0; i < 65534; i++ {
		_, err := store.IncrRefcount(child)
		require.NoError(t, err)
	}
	require.Equal(t, uint16(65535), store.Refcount(child))

	_, err = cloneTreeRoot(store, tree.Root())
	assert.ErrorIs(t, err, ErrRefcountOverflow)
}

// TestCloneTreeRootRollsBackPartialRefcountBumpOnOverflow covers the
// multi-child case scenario 5 only hints at: when an index root's clone
// loop bumps several children's refcounts successfully and then hits the
// overflow guard on a later one, every child already bumped in that same
// attempt must be rolled back rather than left holding a refcount for a
// clone that was never actually created.
func TestCloneTreeRootRollsBackPartialRefcountBumpOnOverflow(t *testing.T) {
	store := NewMemStore(4, 128)
	tree := newBTree(store, NoNode, nil)

	const n = 300
	for i := uint32(0); i < n; i++ {
		require.NoError(t, tree.Insert(key4(i), key4(i)))
	}

	rootNode, err := store.GetNode(tree.Root())
	require.NoError(t, err)
	idx, ok := rootNode.(*IndexNode)
	require.True(t, ok, "sequential insert should have split the root into an index node")
	require.GreaterOrEqual(t, idx.Len(), 2, "need at least two children for a partial-bump scenario")

	before := make([]uint16, idx.Len())
	for i, e := range idx.entries {
		before[i] = store.Refcount(e.child)
	}

	// drive the last child's refcount to the overflow boundary so the
	// clone loop succeeds on every earlier child before failing on it.
	last := idx.entries[len(idx.entries)-1].child
	for store.Refcount(last) < 65535 {
		_, err := store.IncrRefcount(last)
		require.NoError(t, err)
	}
	before[len(before)-1] = 65535

	_, err = cloneTreeRoot(store, tree.Root())
	assert.ErrorIs(t, err, ErrRefcountOverflow)

	for i, e := range idx.entries {
		assert.Equal(t, before[i], store.Refcount(e.child),
			"child %d refcount must be rolled back exactly on a failed clone, not left with a phantom extra parent", i)
	}
}

// TestMakeWritableIndexRollsBackPartialRefcountBumpOnOverflow is the
// in-place-mutation counterpart: makeWritableIndex's own clone-on-write
// loop must roll back identically to cloneTreeRoot's when one child's
// refcount overflows partway through.
func TestMakeWritableIndexRollsBackPartialRefcountBumpOnOverflow(t *testing.T) {
	store := NewMemStore(4, 128)
	tree := newBTree(store, NoNode, nil)

	const n = 300
	for i := uint32(0); i < n; i++ {
		require.NoError(t, tree.Insert(key4(i), key4(i)))
	}

	rootNode, err := store.GetNode(tree.Root())
	require.NoError(t, err)
	idx, ok := rootNode.(*IndexNode)
	require.True(t, ok, "sequential insert should have split the root into an index node")
	require.GreaterOrEqual(t, idx.Len(), 2, "need at least two children for a partial-bump scenario")

	// give the root a second owner, forcing makeWritableIndex down the
	// clone path the way a shared (Forest-cloned) tree would.
	_, err = store.IncrRefcount(tree.Root())
	require.NoError(t, err)

	before := make([]uint16, idx.Len())
	for i, e := range idx.entries {
		before[i] = store.Refcount(e.child)
	}

	last := idx.entries[len(idx.entries)-1].child
	for store.Refcount(last) < 65535 {
		_, err := store.IncrRefcount(last)
		require.NoError(t, err)
	}
	before[len(before)-1] = 65535

	err = tree.Insert(key4(n), key4(n))
	assert.ErrorIs(t, err, ErrRefcountOverflow)

	for i, e := range idx.entries {
		assert.Equal(t, before[i], store.Refcount(e.child),
			"child %d refcount must be rolled back exactly when the clone fails partway through", i)
	}
	assert.Equal(t, uint16(2), store.Refcount(tree.Root()),
		"the old root's own refcount is untouched by a failed clone attempt")
}

func TestBTreeRemoveRange(t *testing.T) {
	tree, _ := newTestTree(4, 128)
	for i := uint32(0); i < 50; i++ {
		require.NoError(t, tree.Insert(key4(i), key4(i)))
	}

	require.NoError(t, tree.RemoveRange(key4(10), key4(29)))

	count, err := tree.CountRange(key4(0), key4(49))
	require.NoError(t, err)
	assert.Equal(t, 30, count)

	for i := uint32(10); i <= 29; i++ {
		_, err := tree.Lookup(key4(i))
		assert.ErrorIs(t, err, ErrKeyNotFound)
	}
	for _, i := range []uint32{0, 9, 30, 49} {
		_, err := tree.Lookup(key4(i))
		assert.NoError(t, err)
	}
}

func TestBTreeRangeIsEmpty(t *testing.T) {
	tree, _ := newTestTree(4, 128)
	empty, err := tree.RangeIsEmpty(key4(0), key4(100))
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, tree.Insert(key4(50), []byte("v")))
	empty, err = tree.RangeIsEmpty(key4(0), key4(100))
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestBTreeManyInsertsAndRemovesPreserveRemaining(t *testing.T) {
	tree, _ := newTestTree(4, 64)

	const n = 300
	for i := uint32(0); i < n; i++ {
		require.NoError(t, tree.Insert(key4(i), key4(i)))
	}
	for i := uint32(0); i < n; i += 3 {
		require.NoError(t, tree.Remove(key4(i)))
	}

	for i := uint32(0); i < n; i++ {
		v, err := tree.Lookup(key4(i))
		if i%3 == 0 {
			assert.ErrorIs(t, err, ErrKeyNotFound)
		} else {
			require.NoError(t, err)
			assert.Equal(t, key4(i), v)
		}
	}
}
