package larch

// NodeStore is the capability set BTree and Forest are polymorphic
// over: allocate ids, read/write/remove nodes, adjust refcounts, and
// commit. Disk and in-memory variants both implement it.
type NodeStore interface {
	// NewID allocates and returns a fresh NodeId, persisted as last_id at
	// the next Commit. Fails with ErrReadOnly on a store opened read-only.
	NewID() (NodeId, error)

	// LastID returns the highest NodeId allocated so far, for fsck-larch's
	// invariant 6 check (last_id >= every observed NodeId).
	LastID() uint64

	// GetNode returns the node for id, decoding if necessary. Fails with
	// ErrNodeMissing if the refcount is zero or storage lacks the node.
	GetNode(id NodeId) (Node, error)

	// PutNode marks node dirty, to be encoded and persisted at or before
	// the next Commit. Fails with ErrReadOnly on a store opened read-only.
	PutNode(node Node) error

	// RemoveNode drops a dirty node from the upload queue if present,
	// otherwise schedules its on-disk file for deletion at Commit. Fails
	// with ErrReadOnly on a store opened read-only.
	RemoveNode(id NodeId) error

	// Refcount returns id's current refcount.
	Refcount(id NodeId) uint16

	// IncrRefcount increments id's refcount and returns the new value.
	// Fails with ErrReadOnly on a store opened read-only.
	IncrRefcount(id NodeId) (uint16, error)

	// DecrRefcount decrements id's refcount and returns the new value.
	// Fails with ErrReadOnly on a store opened read-only.
	DecrRefcount(id NodeId) (uint16, error)

	// ListNodeIDs enumerates every currently live node id.
	ListNodeIDs() ([]NodeId, error)

	// RootIDs returns the tree roots this store was opened with (nil for
	// a fresh DiskStore or any MemStore), letting Forest.Open reconstruct
	// its BTree handles without the caller needing to persist that list
	// separately.
	RootIDs() []NodeId

	// Commit flushes the upload queue and refcount store, then durably
	// rewrites metadata (format, node_size, key_size, last_id, rootIDs)
	// through the journal.
	Commit(rootIDs []NodeId) error

	// KeySize and NodeSize report the forest-wide structural parameters
	// this store was opened with.
	KeySize() int
	NodeSize() int

	// Close releases any held resources (file handles, locks).
	Close() error
}
