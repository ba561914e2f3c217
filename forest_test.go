package larch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForestNewTreeIsEmpty(t *testing.T) {
	f := OpenMemory(4, 128, nil)
	defer f.Close()

	id, err := f.NewTree()
	require.NoError(t, err)

	_, err = f.Lookup(id, key4(1))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestForestInsertLookupRemove(t *testing.T) {
	f := OpenMemory(4, 128, nil)
	defer f.Close()

	id, err := f.NewTree()
	require.NoError(t, err)

	require.NoError(t, f.Insert(id, key4(1), []byte("one")))
	v, err := f.Lookup(id, key4(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)

	require.NoError(t, f.Remove(id, key4(1)))
	_, err = f.Lookup(id, key4(1))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestForestCloneTreeIsolation(t *testing.T) {
	f := OpenMemory(4, 128, nil)
	defer f.Close()

	a, err := f.NewTree()
	require.NoError(t, err)
	for i := uint32(0); i < 200; i++ {
		require.NoError(t, f.Insert(a, key4(i), key4(i)))
	}

	b, err := f.CloneTree(a)
	require.NoError(t, err)

	for i := uint32(0); i < 200; i += 2 {
		require.NoError(t, f.Remove(b, key4(i)))
	}

	ta, err := f.Tree(a)
	require.NoError(t, err)
	countA, err := ta.CountRange(key4(0), key4(199))
	require.NoError(t, err)
	assert.Equal(t, 200, countA, "clone mutation must not affect the source tree")

	tb, err := f.Tree(b)
	require.NoError(t, err)
	countB, err := tb.CountRange(key4(0), key4(199))
	require.NoError(t, err)
	assert.Equal(t, 100, countB)
}

func TestForestCloneEmptyTree(t *testing.T) {
	f := OpenMemory(4, 128, nil)
	defer f.Close()

	a, err := f.NewTree()
	require.NoError(t, err)

	b, err := f.CloneTree(a)
	require.NoError(t, err)

	_, err = f.Lookup(b, key4(1))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, f.Insert(b, key4(1), []byte("v")))
	_, err = f.Lookup(a, key4(1))
	assert.ErrorIs(t, err, ErrKeyNotFound, "inserting into a clone of an empty tree must not populate the source")
}

func TestForestRemoveTreeDropsItFromTreeIDs(t *testing.T) {
	f := OpenMemory(4, 128, nil)
	defer f.Close()

	a, err := f.NewTree()
	require.NoError(t, err)
	b, err := f.NewTree()
	require.NoError(t, err)

	require.NoError(t, f.RemoveTree(a))

	ids := f.TreeIDs()
	assert.ElementsMatch(t, []TreeID{b}, ids)

	_, err = f.Tree(a)
	assert.Error(t, err)
}

func TestForestRootOf(t *testing.T) {
	f := OpenMemory(4, 128, nil)
	defer f.Close()

	id, err := f.NewTree()
	require.NoError(t, err)

	root, err := f.RootOf(id)
	require.NoError(t, err)
	assert.Equal(t, NoNode, root)

	require.NoError(t, f.Insert(id, key4(1), []byte("v")))
	root, err = f.RootOf(id)
	require.NoError(t, err)
	assert.NotEqual(t, NoNode, root)
}

func TestForestUnusableLatchBlocksFurtherOps(t *testing.T) {
	f := OpenMemory(4, 128, nil)
	defer f.Close()

	id, err := f.NewTree()
	require.NoError(t, err)
	require.NoError(t, f.Insert(id, key4(1), []byte("v")))

	root, err := f.RootOf(id)
	require.NoError(t, err)

	// simulate corruption: drop the node out from under the store
	// without clearing its refcount bookkeeping, so the next read sees
	// ErrNodeMissing.
	require.NoError(t, f.Store().RemoveNode(root))

	_, err = f.Lookup(id, key4(1))
	assert.ErrorIs(t, err, ErrForestUnusable)

	// the latch is sticky: even an unrelated op now fails
	_, err = f.NewTree()
	assert.ErrorIs(t, err, ErrForestUnusable)
}

func TestForestReadOnlyRejectsMutatingCalls(t *testing.T) {
	dir := t.TempDir()

	seed, err := Open(ForestOptions{Dir: dir, KeySize: 4, NodeSize: 128})
	require.NoError(t, err)
	id, err := seed.NewTree()
	require.NoError(t, err)
	require.NoError(t, seed.Insert(id, key4(1), []byte("one")))
	require.NoError(t, seed.Commit())
	require.NoError(t, seed.Close())

	f, err := Open(ForestOptions{Dir: dir, KeySize: 4, NodeSize: 128, ReadOnly: true})
	require.NoError(t, err)
	defer f.Close()

	// reads still work
	v, err := f.Lookup(id, key4(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)

	// every mutating entry point fails immediately with ErrReadOnly,
	// without allocating ids or touching in-memory refcount bookkeeping.
	assert.ErrorIs(t, f.Insert(id, key4(2), []byte("two")), ErrReadOnly)
	assert.ErrorIs(t, f.Remove(id, key4(1)), ErrReadOnly)
	_, err = f.NewTree()
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = f.CloneTree(id)
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, f.RemoveTree(id), ErrReadOnly)

	// the forest itself is not latched unusable by a rejected mutation,
	// only refused the mutation: reads keep working afterward.
	v, err = f.Lookup(id, key4(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)
}

func TestForestCommitPersistsRootsOnReopen(t *testing.T) {
	dir := t.TempDir()

	f, err := Open(ForestOptions{Dir: dir, KeySize: 4, NodeSize: 128})
	require.NoError(t, err)

	id, err := f.NewTree()
	require.NoError(t, err)
	require.NoError(t, f.Insert(id, key4(1), []byte("one")))
	require.NoError(t, f.Commit())
	require.NoError(t, f.Close())

	reopened, err := Open(ForestOptions{Dir: dir, KeySize: 4, NodeSize: 128})
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Lookup(id, key4(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)
}
