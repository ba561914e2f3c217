package larch

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// RefcountStore persists a NodeId -> uint16 refcount map, bucketed so
// that a forest with many nodes never reads or writes one giant file.
// Bucket index = id mod BucketSize; within a bucket, slot = id /
// BucketSize. A missing bucket file means every count in it is zero; an
// all-zero bucket is deleted on flush rather than written back out.
type RefcountStore struct {
	dir     string
	buckets map[uint32][]uint16
	dirty   map[uint32]bool
}

// NewRefcountStore returns a RefcountStore rooted at dir (the forest's
// refcounts/ subdirectory). Buckets are loaded lazily on first access.
func NewRefcountStore(dir string) *RefcountStore {
	return &RefcountStore{
		dir:     dir,
		buckets: make(map[uint32][]uint16),
		dirty:   make(map[uint32]bool),
	}
}

func (r *RefcountStore) loadBucket(idx uint32) ([]uint16, error) {
	if b, ok := r.buckets[idx]; ok {
		return b, nil
	}

	b := make([]uint16, BucketSize)
	path := filepath.Join(r.dir, bucketPath(idx))
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// all-zero bucket
	case err != nil:
		return nil, err
	default:
		if len(data) != BucketSize*2 {
			return nil, fmt.Errorf("larch: refcount bucket %d has wrong size %d: %w", idx, len(data), ErrFormatProblem)
		}
		for i := range b {
			b[i] = binary.BigEndian.Uint16(data[i*2 : i*2+2])
		}
	}

	r.buckets[idx] = b
	return b, nil
}

// Get returns id's current refcount (0 if the id has never existed).
func (r *RefcountStore) Get(id NodeId) uint16 {
	b, err := r.loadBucket(bucketIndex(id))
	if err != nil {
		return 0
	}
	return b[bucketSlot(id)]
}

// Set assigns id's refcount directly, marking its bucket dirty.
func (r *RefcountStore) Set(id NodeId, v uint16) error {
	idx := bucketIndex(id)
	b, err := r.loadBucket(idx)
	if err != nil {
		return err
	}
	b[bucketSlot(id)] = v
	r.dirty[idx] = true
	return nil
}

// Incr increments id's refcount by one and returns the new value,
// failing with ErrRefcountOverflow rather than wrapping past 65535.
func (r *RefcountStore) Incr(id NodeId) (uint16, error) {
	idx := bucketIndex(id)
	b, err := r.loadBucket(idx)
	if err != nil {
		return 0, err
	}

	slot := bucketSlot(id)
	if b[slot] == 65535 {
		return 0, fmt.Errorf("larch: node %d: %w", id, ErrRefcountOverflow)
	}

	b[slot]++
	r.dirty[idx] = true
	return b[slot], nil
}

// Decr decrements id's refcount by one and returns the new value. It is
// a no-op returning 0 if the count is already 0.
func (r *RefcountStore) Decr(id NodeId) uint16 {
	idx := bucketIndex(id)
	b, err := r.loadBucket(idx)
	if err != nil {
		return 0
	}

	slot := bucketSlot(id)
	if b[slot] == 0 {
		return 0
	}

	b[slot]--
	r.dirty[idx] = true
	return b[slot]
}

// Flush stages every dirty bucket into journal j: an all-zero bucket is
// staged for deletion (and its file dropped if one existed), otherwise
// its 32768 counts are encoded big-endian and staged for write.
func (r *RefcountStore) Flush(j *Journal) error {
	for idx := range r.dirty {
		b := r.buckets[idx]
		relPath := filepath.Join("refcounts", bucketPath(idx))

		if bucketIsZero(b) {
			j.Delete(relPath)
			continue
		}

		data := make([]byte, BucketSize*2)
		for i, v := range b {
			binary.BigEndian.PutUint16(data[i*2:i*2+2], v)
		}
		j.Write(relPath, data)
	}

	r.dirty = make(map[uint32]bool)
	return nil
}

// LiveIDs returns every NodeId with a nonzero refcount, across both
// already-loaded (possibly still-dirty, not yet flushed) buckets and
// bucket files on disk.
func (r *RefcountStore) LiveIDs() ([]NodeId, error) {
	indices := make(map[uint32]bool)
	for idx := range r.buckets {
		indices[idx] = true
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, e := range entries {
		var idx uint32
		if _, scanErr := fmt.Sscanf(e.Name(), "refcount-%d", &idx); scanErr == nil {
			indices[idx] = true
		}
	}

	var ids []NodeId
	for idx := range indices {
		b, err := r.loadBucket(idx)
		if err != nil {
			return nil, err
		}
		for slot, v := range b {
			if v > 0 {
				ids = append(ids, NodeId(uint64(idx)+uint64(slot)*BucketSize))
			}
		}
	}

	return ids, nil
}

func bucketIsZero(b []uint16) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
