// Command larch-bench is a minimal load generator over a larch forest:
// sequential or random insert, point lookup, and range scan, printing
// throughput. No correctness logic lives here — it is a thin external
// collaborator per spec.md §1.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/obnam-mirror/larch"
)

func main() {
	dir := flag.String("dir", "", "forest directory (created if missing)")
	keySize := flag.Int("key-size", 8, "key size in bytes")
	nodeSize := flag.Int("node-size", larch.DefaultNodeSize, "node size in bytes")
	count := flag.Int("count", 100000, "number of keys to insert")
	valueSize := flag.Int("value-size", 64, "value size in bytes")
	random := flag.Bool("random", false, "insert keys in random order instead of sequential")
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "usage: larch-bench --dir=<path> [flags]")
		os.Exit(2)
	}

	f, err := larch.Open(larch.ForestOptions{Dir: *dir, KeySize: *keySize, NodeSize: *nodeSize})
	if err != nil {
		fmt.Fprintf(os.Stderr, "larch-bench: open: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	tree, err := f.NewTree()
	if err != nil {
		fmt.Fprintf(os.Stderr, "larch-bench: new tree: %v\n", err)
		os.Exit(1)
	}

	order := make([]int, *count)
	for i := range order {
		order[i] = i
	}
	if *random {
		rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	value := make([]byte, *valueSize)

	start := time.Now()
	for _, i := range order {
		key := encodeKey(i, *keySize)
		if err := f.Insert(tree, key, value); err != nil {
			fmt.Fprintf(os.Stderr, "larch-bench: insert: %v\n", err)
			os.Exit(1)
		}
	}
	insertElapsed := time.Since(start)

	if err := f.Commit(); err != nil {
		fmt.Fprintf(os.Stderr, "larch-bench: commit: %v\n", err)
		os.Exit(1)
	}

	start = time.Now()
	for i := 0; i < *count; i++ {
		key := encodeKey(i, *keySize)
		if _, err := f.Lookup(tree, key); err != nil {
			fmt.Fprintf(os.Stderr, "larch-bench: lookup: %v\n", err)
			os.Exit(1)
		}
	}
	lookupElapsed := time.Since(start)

	t, err := f.Tree(tree)
	if err != nil {
		fmt.Fprintf(os.Stderr, "larch-bench: tree: %v\n", err)
		os.Exit(1)
	}

	lo := encodeKey(0, *keySize)
	hi := encodeKey(*count-1, *keySize)
	start = time.Now()
	n, err := t.CountRange(lo, hi)
	scanElapsed := time.Since(start)
	if err != nil {
		fmt.Fprintf(os.Stderr, "larch-bench: range scan: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("insert: %d keys in %s (%.0f ops/sec)\n", *count, insertElapsed, float64(*count)/insertElapsed.Seconds())
	fmt.Printf("lookup: %d keys in %s (%.0f ops/sec)\n", *count, lookupElapsed, float64(*count)/lookupElapsed.Seconds())
	fmt.Printf("range scan: %d keys in %s\n", n, scanElapsed)
}

func encodeKey(i, size int) []byte {
	key := make([]byte, size)
	binary.BigEndian.PutUint64(key[max(0, size-8):], uint64(i))
	return key
}
