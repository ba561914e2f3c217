package larch

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefcountStoreGetSetIncrDecr(t *testing.T) {
	r := NewRefcountStore(t.TempDir())

	assert.Equal(t, uint16(0), r.Get(NodeId(1)))

	v, err := r.Incr(NodeId(1))
	require.NoError(t, err)
	assert.Equal(t, uint16(1), v)

	v, err = r.Incr(NodeId(1))
	require.NoError(t, err)
	assert.Equal(t, uint16(2), v)

	assert.Equal(t, uint16(1), r.Decr(NodeId(1)))
	assert.Equal(t, uint16(0), r.Decr(NodeId(1)))
	// decrementing an already-zero count is a no-op, not negative
	assert.Equal(t, uint16(0), r.Decr(NodeId(1)))

	require.NoError(t, r.Set(NodeId(2), 42))
	assert.Equal(t, uint16(42), r.Get(NodeId(2)))
}

func TestRefcountStoreOverflowGuard(t *testing.T) {
	r := NewRefcountStore(t.TempDir())
	require.NoError(t, r.Set(NodeId(5), 65535))

	_, err := r.Incr(NodeId(5))
	assert.ErrorIs(t, err, ErrRefcountOverflow)
	assert.Equal(t, uint16(65535), r.Get(NodeId(5)))
}

func TestRefcountStoreDifferentBucketsAreIndependent(t *testing.T) {
	r := NewRefcountStore(t.TempDir())

	// bucket = id mod BucketSize: id1 is bucket 1 and id2 is bucket 2,
	// both at slot 0
	id1 := NodeId(1)
	id2 := NodeId(2)

	require.NoError(t, r.Set(id1, 3))
	require.NoError(t, r.Set(id2, 7))

	assert.Equal(t, uint16(3), r.Get(id1))
	assert.Equal(t, uint16(7), r.Get(id2))
}

func TestRefcountStoreFlushDeletesAllZeroBucket(t *testing.T) {
	dir := t.TempDir()
	rcDir := filepath.Join(dir, "refcounts")
	r := NewRefcountStore(rcDir)

	require.NoError(t, r.Set(NodeId(1), 1))
	j := NewJournal(dir, nil)
	require.NoError(t, r.Flush(j))
	require.NoError(t, j.Commit())

	// now drop it back to zero and flush again: the bucket file should
	// be staged for deletion rather than rewritten
	r.Decr(NodeId(1))
	j2 := NewJournal(dir, nil)
	require.NoError(t, r.Flush(j2))
	assert.False(t, j2.Empty())
	require.NoError(t, j2.Commit())

	// reopening fresh should see a zero count again, not a corrupt file
	r2 := NewRefcountStore(rcDir)
	assert.Equal(t, uint16(0), r2.Get(NodeId(1)))
}

func TestRefcountStoreFlushWritesNonZeroBucket(t *testing.T) {
	dir := t.TempDir()
	rcDir := filepath.Join(dir, "refcounts")
	r := NewRefcountStore(rcDir)
	require.NoError(t, r.Set(NodeId(9), 4))

	j := NewJournal(dir, nil)
	require.NoError(t, r.Flush(j))
	require.NoError(t, j.Commit())

	r2 := NewRefcountStore(rcDir)
	assert.Equal(t, uint16(4), r2.Get(NodeId(9)))
}

func TestRefcountStoreLiveIDs(t *testing.T) {
	dir := t.TempDir()
	r := NewRefcountStore(dir)

	require.NoError(t, r.Set(NodeId(1), 1))
	require.NoError(t, r.Set(NodeId(2), 0))
	require.NoError(t, r.Set(NodeId(3), 5))

	ids, err := r.LiveIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []NodeId{1, 3}, ids)
}

func TestRefcountStoreLiveIDsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	rcDir := filepath.Join(dir, "refcounts")
	r := NewRefcountStore(rcDir)
	require.NoError(t, r.Set(NodeId(1), 1))
	require.NoError(t, r.Set(NodeId(BucketSize+2), 1))

	j := NewJournal(dir, nil)
	require.NoError(t, r.Flush(j))
	require.NoError(t, j.Commit())

	r2 := NewRefcountStore(rcDir)
	ids, err := r2.LiveIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []NodeId{1, BucketSize + 2}, ids)
}
