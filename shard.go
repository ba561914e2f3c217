package larch

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// shardDepth and shardWidth control how a NodeId is split into nested
// directory components so that no single directory under nodes/ ever
// holds more than a few thousand files. This is deliberately a trivial,
// swappable policy per spec.md's scope note; the only real requirement
// is that it round-trips (idPath(id) -> id via parseShardPath).
const (
	shardDepth = 2
	shardWidth = 2 // hex digits consumed per directory level
)

// idPath returns the node file's path relative to the nodes/ directory,
// e.g. id 0x1a2b3c -> "3c/2b/00000000001a2b3c".
func idPath(id NodeId) string {
	hexID := fmt.Sprintf("%016x", uint64(id))
	parts := make([]string, 0, shardDepth+1)

	// Order outermost-directory-first: the hex chunk nearest the value's
	// low bits becomes the top directory, spreading sequential ids
	// across directories immediately. The full hex id is the file name.
	for level := 0; level < shardDepth; level++ {
		start := len(hexID) - shardWidth*(level+1)
		end := start + shardWidth
		parts = append(parts, hexID[start:end])
	}
	parts = append(parts, hexID)

	return filepath.Join(parts...)
}

// parseShardPath recovers the NodeId encoded by idPath, given the path
// relative to nodes/. Present so the round-trip property in spec.md §4.5
// is checkable directly, independent of the filesystem.
func parseShardPath(relPath string) (NodeId, error) {
	full := filepath.Base(relPath)
	id, err := strconv.ParseUint(full, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("larch: cannot parse shard path %q: %w", relPath, err)
	}
	return NodeId(id), nil
}

// bucketPath returns the refcount bucket file's path relative to the
// refcounts/ directory for a given bucket index.
func bucketPath(bucket uint32) string {
	return fmt.Sprintf("refcount-%d", bucket)
}

func bucketIndex(id NodeId) uint32 {
	return uint32(uint64(id) % BucketSize)
}

func bucketSlot(id NodeId) uint32 {
	return uint32(uint64(id) / BucketSize)
}
