package larch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeafNodePutGetRemove(t *testing.T) {
	leaf := &LeafNode{}

	leaf.Put(key4(5), []byte("five"))
	leaf.Put(key4(1), []byte("one"))
	leaf.Put(key4(3), []byte("three"))

	assert.Equal(t, key4(1), leaf.FirstKey())
	assert.Equal(t, 3, leaf.Len())

	v, ok := leaf.Get(key4(3))
	require.True(t, ok)
	assert.Equal(t, []byte("three"), v)

	// overwrite
	leaf.Put(key4(3), []byte("THREE"))
	assert.Equal(t, 3, leaf.Len())
	v, ok = leaf.Get(key4(3))
	require.True(t, ok)
	assert.Equal(t, []byte("THREE"), v)

	assert.True(t, leaf.Remove(key4(1)))
	assert.False(t, leaf.Remove(key4(1)))
	assert.Equal(t, 2, leaf.Len())
	assert.Equal(t, key4(3), leaf.FirstKey())
}

func TestLeafNodeFindPairs(t *testing.T) {
	leaf := &LeafNode{}
	for i := uint32(0); i < 10; i++ {
		leaf.Put(key4(i), []byte{byte(i)})
	}

	pairs := leaf.findPairs(key4(3), key4(6))
	require.Len(t, pairs, 4)
	assert.Equal(t, key4(3), pairs[0].key)
	assert.Equal(t, key4(6), pairs[3].key)
}

func TestLeafNodeSplitAtKeepsBothHalvesNonEmpty(t *testing.T) {
	leaf := &LeafNode{}
	for i := uint32(0); i < 20; i++ {
		leaf.Put(key4(i), make([]byte, 8))
	}

	total := leaf.Len()
	right := leaf.splitAt(128)

	assert.Greater(t, leaf.Len(), 0)
	assert.Greater(t, right.Len(), 0)
	assert.Equal(t, total, leaf.Len()+right.Len())

	// left half strictly precedes right half
	assert.Less(t, string(leaf.FirstKey()), string(right.FirstKey()))
}

func TestIndexNodeChildForKey(t *testing.T) {
	idx := &IndexNode{}
	idx.insertEntry(key4(10), 1)
	idx.insertEntry(key4(20), 2)
	idx.insertEntry(key4(30), 3)

	// below the first entry still routes to the first child
	assert.Equal(t, 0, idx.childForKey(key4(0)))
	assert.Equal(t, 0, idx.childForKey(key4(10)))
	assert.Equal(t, 1, idx.childForKey(key4(25)))
	assert.Equal(t, 2, idx.childForKey(key4(30)))
	assert.Equal(t, 2, idx.childForKey(key4(999)))
}

func TestIndexNodeChildRange(t *testing.T) {
	idx := &IndexNode{}
	idx.insertEntry(key4(0), 1)
	idx.insertEntry(key4(10), 2)
	idx.insertEntry(key4(20), 3)
	idx.insertEntry(key4(30), 4)

	lo, hi := idx.childRange(key4(12), key4(25))
	assert.Equal(t, 1, lo)
	assert.Equal(t, 2, hi)
}

func TestIndexNodeSplitAt(t *testing.T) {
	idx := &IndexNode{}
	for i := uint32(0); i < 8; i++ {
		idx.insertEntry(key4(i*10), NodeId(i+1))
	}

	right := idx.splitAt()
	assert.Equal(t, 4, idx.Len())
	assert.Equal(t, 4, right.Len())
	assert.Less(t, string(idx.FirstKey()), string(right.FirstKey()))
}

func TestCloneLeafAndIndexAreIndependent(t *testing.T) {
	leaf := &LeafNode{}
	leaf.Put(key4(1), []byte("one"))
	clone := cloneLeaf(leaf)
	clone.Put(key4(2), []byte("two"))
	assert.Equal(t, 1, leaf.Len())
	assert.Equal(t, 2, clone.Len())

	idx := &IndexNode{}
	idx.insertEntry(key4(1), 1)
	idxClone := cloneIndex(idx)
	idxClone.insertEntry(key4(2), 2)
	assert.Equal(t, 1, idx.Len())
	assert.Equal(t, 2, idxClone.Len())
}
