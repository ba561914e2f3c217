package larch

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// readCache is a bounded LRU of decoded nodes, keyed by NodeId. Grounded
// on hashicorp/golang-lru's appearance in the corpus's own forest.go
// files (onflow/flow-go's ledger forest, zhangfz/burrow's storage
// forest) as the bounded node cache for a forest of trees.
type readCache struct {
	cache *lru.Cache
}

func newReadCache(size int) *readCache {
	c, _ := lru.New(size)
	return &readCache{cache: c}
}

func (c *readCache) get(id NodeId) (Node, bool) {
	v, ok := c.cache.Get(id)
	if !ok {
		return nil, false
	}
	return v.(Node), true
}

func (c *readCache) add(node Node) {
	c.cache.Add(node.ID(), node)
}

func (c *readCache) remove(id NodeId) {
	c.cache.Remove(id)
}

// uploadQueue is an LRU-ordered map of dirty nodes awaiting encode+stage,
// capped at a fixed capacity. When it would grow past capacity, the
// least-recently-touched node is pushed out through onEvict, which
// encodes it and stages the write in the forest's journal. put on an id
// already queued updates the entry's content in place and refreshes its
// recency (golang-lru's Add semantics on an existing key), which is the
// spec's "a node created then immediately superseded is removed before
// it ever reaches the encoder" optimization: no eviction fires at all
// for the common put-then-put-again-within-one-op case.
//
// remove is for the other spec-mandated case: dropping a node that
// should not be staged for a write at all (its content is being
// discarded, not persisted). Since a forest is owned by exactly one
// goroutine at a time (spec.md §5 rules out concurrent multi-writer
// access), a simple suppression flag around the call is race-free.
type uploadQueue struct {
	mu       sync.Mutex
	cache    *lru.Cache
	suppress bool
	onEvict  func(NodeId, Node)
}

func newUploadQueue(capacity int, onEvict func(NodeId, Node)) *uploadQueue {
	q := &uploadQueue{onEvict: onEvict}
	c, _ := lru.NewWithEvict(capacity, func(key, value interface{}) {
		if q.suppress {
			return
		}
		q.onEvict(key.(NodeId), value.(Node))
	})
	q.cache = c
	return q
}

func (q *uploadQueue) put(node Node) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cache.Add(node.ID(), node)
}

func (q *uploadQueue) get(id NodeId) (Node, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.cache.Get(id)
	if !ok {
		return nil, false
	}
	return v.(Node), true
}

// remove drops id from the queue without staging a write, reporting
// whether it had been present.
func (q *uploadQueue) remove(id NodeId) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.cache.Contains(id) {
		return false
	}
	q.suppress = true
	q.cache.Remove(id)
	q.suppress = false
	return true
}

// contains reports whether id is currently queued.
func (q *uploadQueue) contains(id NodeId) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cache.Contains(id)
}

// drain forces every remaining queued node through onEvict, in no
// particular order, emptying the queue. Called at commit time to flush whatever
// the upload queue didn't already evict on its own.
func (q *uploadQueue) drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cache.Purge()
}
