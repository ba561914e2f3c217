package larch

import "bytes"

// Iterate walks every (key, value) pair in ascending key order, calling
// fn for each. Iteration stops early if fn returns false. A convenience
// wrapper around LookupRange over the tree's full key space, mirroring
// the teacher's Iterate.go helper around its own Range walk.
func (t *BTree) Iterate(fn func(key, value []byte) bool) error {
	lo := bytes.Repeat([]byte{0x00}, t.keySize)
	hi := bytes.Repeat([]byte{0xFF}, t.keySize)

	pairs, err := t.LookupRange(lo, hi)
	if err != nil {
		return err
	}

	for _, p := range pairs {
		if !fn(p.Key, p.Value) {
			break
		}
	}
	return nil
}
