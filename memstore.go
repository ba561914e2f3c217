package larch

import "sync"

// MemStore is the in-memory NodeStore variant: a plain map keyed by
// NodeId, with no journal and no disk footprint. Commit is a no-op
// since every mutation is already durable for the process's lifetime.
// Useful for tests and for embedding larch as a pure in-process index.
type MemStore struct {
	mu        sync.Mutex
	nodeSize  int
	keySize   int
	lastID    uint64
	nodes     map[NodeId]Node
	refcounts map[NodeId]uint16
}

// NewMemStore returns an empty in-memory NodeStore.
func NewMemStore(keySize, nodeSize int) *MemStore {
	return &MemStore{
		nodeSize:  nodeSize,
		keySize:   keySize,
		nodes:     make(map[NodeId]Node),
		refcounts: make(map[NodeId]uint16),
	}
}

func (s *MemStore) KeySize() int  { return s.keySize }
func (s *MemStore) NodeSize() int { return s.nodeSize }

func (s *MemStore) NewID() (NodeId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	return NodeId(s.lastID), nil
}

// LastID returns the highest NodeId allocated so far.
func (s *MemStore) LastID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

func (s *MemStore) GetNode(id NodeId) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refcounts[id] == 0 {
		return nil, ErrNodeMissing
	}
	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrNodeMissing
	}
	return n, nil
}

func (s *MemStore) PutNode(node Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node.ID()] = node
	return nil
}

func (s *MemStore) RemoveNode(id NodeId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
	return nil
}

func (s *MemStore) Refcount(id NodeId) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refcounts[id]
}

func (s *MemStore) IncrRefcount(id NodeId) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refcounts[id] == 65535 {
		return 0, ErrRefcountOverflow
	}
	s.refcounts[id]++
	return s.refcounts[id], nil
}

func (s *MemStore) DecrRefcount(id NodeId) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refcounts[id] == 0 {
		return 0, nil
	}
	s.refcounts[id]--
	if s.refcounts[id] == 0 {
		delete(s.nodes, id)
	}
	return s.refcounts[id], nil
}

// RootIDs always returns nil: MemStore has no metadata file, so a
// caller opening a "fresh" Forest over one never expects prior roots.
func (s *MemStore) RootIDs() []NodeId { return nil }

func (s *MemStore) ListNodeIDs() ([]NodeId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]NodeId, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	return ids, nil
}

// Commit is a no-op: MemStore has no journal, so every PutNode/
// RemoveNode/refcount change is already durable for the process.
func (s *MemStore) Commit(rootIDs []NodeId) error { return nil }

// Close is a no-op.
func (s *MemStore) Close() error { return nil }
