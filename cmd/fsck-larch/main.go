// Command fsck-larch opens a larch forest read-only and checks it
// against the invariants every committed forest must satisfy, printing
// one line per violation. Exit code 0 means clean.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/obnam-mirror/larch"
)

func main() {
	fix := flag.Bool("fix", false, "open read-write and decrement refcounts of unreadable nodes")
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: fsck-larch [--fix] <forest-dir>")
		os.Exit(2)
	}

	log := logrus.StandardLogger()

	f, err := larch.Open(larch.ForestOptions{Dir: args[0], ReadOnly: !*fix})
	if err != nil {
		log.WithError(err).Fatal("fsck-larch: failed to open forest")
	}
	defer f.Close()

	violations := check(f, log)
	if *fix && violations.dangling > 0 {
		violations.fixed = fixDangling(f, log, violations)
	}

	total := violations.total()
	if total > 0 {
		fmt.Fprintf(os.Stderr, "fsck-larch: %d violation(s) found, %d fixed\n", total, violations.fixed)
		os.Exit(1)
	}
	fmt.Println("fsck-larch: clean")
}

type report struct {
	encodedSize int
	entryCount  int
	leftmostKey int
	refcount    int
	dangling    int
	orphan      int
	idBound     int
	fixed       int

	danglingIDs []larch.NodeId
}

func (r *report) total() int {
	return r.encodedSize + r.entryCount + r.leftmostKey + r.refcount +
		r.dangling + r.orphan + r.idBound
}

// check walks every reachable node from every tree root, verifying
// invariants 1, 2, 3, and 6 from spec.md §8 directly, and tallying
// parent counts to check invariants 4 and 5 against the store's live id
// and refcount bookkeeping once the walk completes.
func check(f *larch.Forest, log *logrus.Logger) *report {
	r := &report{}
	store := f.Store()
	lastID := store.LastID()
	min, max := larch.IndexLengthBounds(store.NodeSize(), store.KeySize())

	parents := make(map[larch.NodeId]int)
	visited := make(map[larch.NodeId]bool)

	for _, treeID := range f.TreeIDs() {
		root, err := f.RootOf(treeID)
		if err != nil {
			log.WithError(err).Error("fsck-larch: failed to read tree root")
			continue
		}
		if root == larch.NoNode {
			continue
		}
		parents[root]++ // is-root indicator

		stack := []larch.NodeId{root}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[id] {
				continue
			}
			visited[id] = true

			if uint64(id) > lastID {
				log.Errorf("invariant 6: node %d exceeds last_id %d", id, lastID)
				r.idBound++
			}

			node, err := store.GetNode(id)
			if err != nil {
				log.WithError(err).Errorf("invariant 5: node %d unreadable", id)
				r.dangling++
				r.danglingIDs = append(r.danglingIDs, id)
				continue
			}

			if id != root && node.EncodedSize() > store.NodeSize() {
				log.Errorf("invariant 1: node %d encoded size %d exceeds node_size %d", id, node.EncodedSize(), store.NodeSize())
				r.encodedSize++
			}

			idxNode, ok := node.(*larch.IndexNode)
			if !ok {
				continue
			}

			entries := idxNode.Entries()
			if id != root && (len(entries) < min || len(entries) > max) {
				log.Errorf("invariant 2: index node %d has %d entries, want [%d, %d]", id, len(entries), min, max)
				r.entryCount++
			}

			for _, e := range entries {
				parents[e.Child]++

				child, err := store.GetNode(e.Child)
				if err != nil {
					log.WithError(err).Errorf("invariant 5: child %d of %d unreadable", e.Child, id)
					r.dangling++
					r.danglingIDs = append(r.danglingIDs, e.Child)
					continue
				}

				if !bytes.Equal(firstKeyOf(child), e.Key) {
					log.Errorf("invariant 3: entry (%x -> %d) but child's first key is %x", e.Key, e.Child, firstKeyOf(child))
					r.leftmostKey++
				}

				stack = append(stack, e.Child)
			}
		}
	}

	liveIDs, err := store.ListNodeIDs()
	if err != nil {
		log.WithError(err).Error("fsck-larch: failed to list live node ids")
		return r
	}

	live := make(map[larch.NodeId]bool, len(liveIDs))
	for _, id := range liveIDs {
		live[id] = true
		want := parents[id]
		got := int(store.Refcount(id))
		if got != want {
			log.Errorf("invariant 4: node %d refcount=%d, expected %d parent(s)", id, got, want)
			r.refcount++
		}
	}

	for id := range parents {
		if !live[id] {
			log.Errorf("invariant 5: node %d reachable from a tree but not in the live set", id)
			r.orphan++
		}
	}

	return r
}

func firstKeyOf(n larch.Node) []byte {
	switch v := n.(type) {
	case *larch.LeafNode:
		return v.FirstKey()
	case *larch.IndexNode:
		return v.FirstKey()
	default:
		return nil
	}
}

// fixDangling decrements, once, the refcount of every id the walk could
// not read (and thus cannot be a legitimate member of any tree), then
// commits. It does not cascade into children and does not edit the
// parent entries that point at those ids; it never invents data.
func fixDangling(f *larch.Forest, log *logrus.Logger, r *report) int {
	store := f.Store()
	fixed := 0
	for _, id := range r.danglingIDs {
		if store.Refcount(id) == 0 {
			continue
		}
		if _, err := store.DecrRefcount(id); err != nil {
			log.WithError(err).Errorf("fsck-larch: failed to decrement refcount for %d", id)
			continue
		}
		fixed++
	}
	if fixed > 0 {
		if err := f.Commit(); err != nil {
			log.WithError(err).Error("fsck-larch: failed to commit fixes")
			return 0
		}
	}
	return fixed
}
