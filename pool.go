package larch

import "sync"

// nodePool recycles LeafNode/IndexNode allocations across the CoW clone
// path so a busy forest doesn't hand the garbage collector a fresh node
// on every mutated entry. Adapted from the teacher's MariNodePool: same
// get/put/reset shape, retargeted at B-tree nodes instead of trie nodes.
type nodePool struct {
	leaves  sync.Pool
	indexes sync.Pool
}

func newNodePool() *nodePool {
	np := &nodePool{}
	np.leaves.New = func() interface{} { return &LeafNode{} }
	np.indexes.New = func() interface{} { return &IndexNode{} }
	return np
}

func (p *nodePool) getLeaf() *LeafNode {
	return p.leaves.Get().(*LeafNode)
}

func (p *nodePool) putLeaf(n *LeafNode) {
	n.id = 0
	n.pairs = n.pairs[:0]
	n.size = 0
	p.leaves.Put(n)
}

func (p *nodePool) getIndex() *IndexNode {
	return p.indexes.Get().(*IndexNode)
}

func (p *nodePool) putIndex(n *IndexNode) {
	n.id = 0
	n.entries = n.entries[:0]
	n.size = 0
	p.indexes.Put(n)
}

// cloneLeaf copies src's content into a pooled LeafNode with no id
// assigned yet; the caller obtains an id from the NodeStore.
func (p *nodePool) cloneLeaf(src *LeafNode) *LeafNode {
	n := p.getLeaf()
	n.pairs = append(n.pairs[:0], src.pairs...)
	n.size = src.size
	return n
}

// cloneIndex copies src's content into a pooled IndexNode with no id
// assigned yet.
func (p *nodePool) cloneIndex(src *IndexNode) *IndexNode {
	n := p.getIndex()
	n.entries = append(n.entries[:0], src.entries...)
	n.size = src.size
	return n
}
