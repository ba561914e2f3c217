package larch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Forest is a collection of BTrees sharing one NodeStore, RefcountStore,
// and metadata file. Tree identity is positional: TreeID is an index
// into the forest's tree slice, matching the ordering of metadata's
// root_ids.
type Forest struct {
	store    NodeStore
	pool     *nodePool
	log      *logrus.Logger
	readOnly bool

	mu       sync.Mutex
	trees    []*BTree
	unusable error
}

// TreeID identifies one of a forest's trees by position.
type TreeID int

// Open opens or creates a forest directory as a DiskStore and
// reconstructs a BTree handle for every persisted root.
func Open(opts ForestOptions) (*Forest, error) {
	opts = opts.withDefaults()
	store, err := OpenDiskStore(opts)
	if err != nil {
		return nil, err
	}
	return newForest(store, opts.Logger, opts.ReadOnly), nil
}

// OpenMemory wraps a fresh in-memory NodeStore in a Forest, for tests
// and lightweight embedding where no directory is wanted. MemStore has
// no read-only mode, so the forest it backs never latches on that axis.
func OpenMemory(keySize, nodeSize int, log *logrus.Logger) *Forest {
	return newForest(NewMemStore(keySize, nodeSize), newLogger(log), false)
}

func newForest(store NodeStore, log *logrus.Logger, readOnly bool) *Forest {
	f := &Forest{store: store, pool: newNodePool(), log: log, readOnly: readOnly}
	for _, root := range store.RootIDs() {
		f.trees = append(f.trees, newBTree(store, root, f.pool))
	}
	return f
}

// checkUsable fails the forest's tree and commit methods once the forest
// has latched into an unusable state per spec.md §7; TreeIDs, Store and
// Close do not check it.
func (f *Forest) checkUsable() error {
	if f.unusable != nil {
		return fmt.Errorf("larch: %w: %v", ErrForestUnusable, f.unusable)
	}
	return nil
}

// checkWritable fails every mutating public method up front on a forest
// opened read-only, rather than letting it allocate ids or mutate
// in-memory bookkeeping that Commit would reject only much later.
func (f *Forest) checkWritable() error {
	if f.readOnly {
		return fmt.Errorf("larch: %w", ErrReadOnly)
	}
	return nil
}

// latch marks the forest permanently unusable (until re-opened),
// triggered by NodeMissing or CorruptNode from a forest call
// (wrapStoreErr) and by any failed Commit. A journal replay failure
// makes Open itself fail, so no forest exists to latch.
func (f *Forest) latch(cause error) error {
	f.unusable = cause
	return fmt.Errorf("larch: %w: %v", ErrForestUnusable, cause)
}

// NewTree creates and returns the id of a fresh, empty tree.
func (f *Forest) NewTree() (TreeID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkUsable(); err != nil {
		return 0, err
	}
	if err := f.checkWritable(); err != nil {
		return 0, err
	}

	f.trees = append(f.trees, newBTree(f.store, NoNode, f.pool))
	return TreeID(len(f.trees) - 1), nil
}

// CloneTree creates a new tree whose content, at the moment of cloning,
// equals source's: a fresh root id is allocated, source's root content
// is copied into it, and every direct child of that content has its
// refcount bumped (it now has one more parent: the new root). An empty
// source (NoNode) clones to another empty tree.
func (f *Forest) CloneTree(source TreeID) (TreeID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkUsable(); err != nil {
		return 0, err
	}
	if err := f.checkWritable(); err != nil {
		return 0, err
	}

	src, err := f.tree(source)
	if err != nil {
		return 0, err
	}

	if src.Root() == NoNode {
		f.trees = append(f.trees, newBTree(f.store, NoNode, f.pool))
		return TreeID(len(f.trees) - 1), nil
	}

	newRoot, err := cloneTreeRoot(f.store, src.Root())
	if err != nil {
		return 0, f.wrapStoreErr(err)
	}

	f.trees = append(f.trees, newBTree(f.store, newRoot, f.pool))
	return TreeID(len(f.trees) - 1), nil
}

// cloneTreeRoot allocates a fresh id for a copy of the node at id,
// bumping the refcount of each of its direct children (an IndexNode's
// only) since the new root becomes an additional parent of each. The
// new root's own refcount is set to 1 ("is root").
func cloneTreeRoot(store NodeStore, id NodeId) (NodeId, error) {
	node, err := store.GetNode(id)
	if err != nil {
		return 0, err
	}

	newID, err := store.NewID()
	if err != nil {
		return 0, err
	}

	switch n := node.(type) {
	case *LeafNode:
		clone := cloneLeaf(n)
		clone.SetID(newID)
		if err := store.PutNode(clone); err != nil {
			return 0, err
		}
	case *IndexNode:
		clone := cloneIndex(n)
		clone.SetID(newID)
		for i, e := range clone.entries {
			if _, err := store.IncrRefcount(e.child); err != nil {
				// Same partial-failure rollback as makeWritableIndex: undo
				// every child refcount already bumped in this loop before
				// surfacing the error, so a clone that fails partway
				// through never leaves a child counted as the new root's
				// parent when the new root itself was never created.
				for _, done := range clone.entries[:i] {
					store.DecrRefcount(done.child)
				}
				return 0, err
			}
		}
		if err := store.PutNode(clone); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("larch: unknown node type %T", node)
	}

	if _, err := store.IncrRefcount(newID); err != nil {
		return 0, err
	}
	return newID, nil
}

// RemoveTree decrements tree's root refcount, cascading into its
// children when that reaches zero, and drops the tree from the
// forest's live set. Physical node deletion is deferred to Commit.
func (f *Forest) RemoveTree(tree TreeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkUsable(); err != nil {
		return err
	}
	if err := f.checkWritable(); err != nil {
		return err
	}

	t, err := f.tree(tree)
	if err != nil {
		return err
	}

	if t.Root() != NoNode {
		if err := retireSubtree(f.store, f.pool, t.Root()); err != nil {
			return f.wrapStoreErr(err)
		}
	}

	f.trees[tree] = nil
	return nil
}

// Tree returns the BTree handle for tree, for read/write operations.
func (f *Forest) Tree(tree TreeID) (*BTree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkUsable(); err != nil {
		return nil, err
	}
	return f.tree(tree)
}

func (f *Forest) tree(id TreeID) (*BTree, error) {
	if id < 0 || int(id) >= len(f.trees) || f.trees[id] == nil {
		return nil, fmt.Errorf("larch: no such tree %d", id)
	}
	return f.trees[id], nil
}

// TreeIDs enumerates every currently live tree, skipping ids freed by
// RemoveTree. Supplemental introspection not named by spec.md's BTree/
// Forest contracts, grounded on the teacher's Version.go root listing.
func (f *Forest) TreeIDs() []TreeID {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ids []TreeID
	for i, t := range f.trees {
		if t != nil {
			ids = append(ids, TreeID(i))
		}
	}
	return ids
}

// RootOf returns tree's current root NodeId, for fsck-larch and other
// external inspection.
func (f *Forest) RootOf(tree TreeID) (NodeId, error) {
	t, err := f.Tree(tree)
	if err != nil {
		return NoNode, err
	}
	return t.Root(), nil
}

// Insert is a convenience wrapper around Tree(tree).Insert that latches
// the forest unusable on NodeMissing/CorruptNode, matching spec.md §7's
// propagation rule for operations routed through the forest rather than
// a bare BTree handle.
func (f *Forest) Insert(tree TreeID, key, value []byte) error {
	if err := f.checkWritable(); err != nil {
		return err
	}
	t, err := f.Tree(tree)
	if err != nil {
		return err
	}
	if err := t.Insert(key, value); err != nil {
		return f.wrapStoreErr(err)
	}
	return nil
}

// Lookup is Tree(tree).Lookup, with the same latching behavior as Insert.
func (f *Forest) Lookup(tree TreeID, key []byte) ([]byte, error) {
	t, err := f.Tree(tree)
	if err != nil {
		return nil, err
	}
	v, err := t.Lookup(key)
	if err != nil {
		return nil, f.wrapStoreErr(err)
	}
	return v, nil
}

// Remove is Tree(tree).Remove, with the same latching behavior as Insert.
func (f *Forest) Remove(tree TreeID, key []byte) error {
	if err := f.checkWritable(); err != nil {
		return err
	}
	t, err := f.Tree(tree)
	if err != nil {
		return err
	}
	if err := t.Remove(key); err != nil {
		return f.wrapStoreErr(err)
	}
	return nil
}

// Commit flushes the NodeStore's upload queue and refcount store, then
// durably rewrites metadata through the journal. After Commit returns
// nil, every invariant in spec.md §8 holds on disk. A failed commit
// latches the forest unusable: the caller must reopen to retry, since
// on-disk state is only guaranteed consistent with the prior commit,
// not with whatever the failed attempt partially staged in memory.
func (f *Forest) Commit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkUsable(); err != nil {
		return err
	}

	roots := make([]NodeId, len(f.trees))
	for i, t := range f.trees {
		if t == nil {
			roots[i] = NoNode
			continue
		}
		roots[i] = t.Root()
	}

	if err := f.store.Commit(roots); err != nil {
		return f.latch(err)
	}
	return nil
}

// Store exposes the forest's underlying NodeStore to external
// collaborators (fsck-larch, benchmarks) that need to inspect node
// content or refcounts directly rather than through a BTree handle.
func (f *Forest) Store() NodeStore { return f.store }

// Close releases the forest's NodeStore resources (file handles, locks).
func (f *Forest) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.store.Close()
}

// wrapStoreErr latches the forest when the underlying error is one of
// the fatal kinds spec.md §7 names (NodeMissing, CorruptNode) — a
// half-mutated refcount graph is not safe to keep operating on — and
// otherwise passes it through unlatched.
func (f *Forest) wrapStoreErr(err error) error {
	if errors.Is(err, ErrNodeMissing) || errors.Is(err, ErrCorruptNode) {
		return f.latch(err)
	}
	return err
}
