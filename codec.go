package larch

import (
	"encoding/binary"
	"fmt"
)

// On-disk node format, all multi-byte integers big-endian:
//
//	Leaf:  magic "ORBL"(4) . id(8) . pair_count(4) . keys(pair_count*key_size)
//	       . value_lengths(pair_count*4) . values(concatenated)
//	Index: magic "ORBI"(4) . id(8) . entry_count(4) . keys(entry_count*key_size)
//	       . child_ids(entry_count*8)
var (
	leafMagic  = [4]byte{'O', 'R', 'B', 'L'}
	indexMagic = [4]byte{'O', 'R', 'B', 'I'}
)

const (
	magicSize         = 4
	idFieldSize       = 8
	countFieldSize    = 4
	valueLenFieldSize = 4
	childIDSize       = 8

	leafHeaderSize  = magicSize + idFieldSize + countFieldSize
	indexHeaderSize = magicSize + idFieldSize + countFieldSize
)

// leafEncodedSize computes the exact encoded size of a leaf holding
// pairs, without serializing it. Exposed so LeafNode can keep a running
// total instead of re-encoding on every mutation.
func leafEncodedSize(pairs []kv) int {
	size := leafHeaderSize
	for _, p := range pairs {
		size += len(p.key) + valueLenFieldSize + len(p.value)
	}
	return size
}

// indexEncodedSize computes the exact encoded size of an index node
// holding entries, without serializing it.
func indexEncodedSize(entries []indexEntry) int {
	size := indexHeaderSize
	for _, e := range entries {
		size += len(e.key) + childIDSize
	}
	return size
}

// Codec encodes and decodes nodes for a forest with a fixed key_size.
type Codec struct {
	KeySize int
}

// NewCodec returns a Codec bound to keySize.
func NewCodec(keySize int) *Codec { return &Codec{KeySize: keySize} }

// EncodedSize returns the exact number of bytes Encode(node) would
// produce, without allocating.
func (c *Codec) EncodedSize(node Node) int {
	switch n := node.(type) {
	case *LeafNode:
		return leafEncodedSize(n.pairs)
	case *IndexNode:
		return indexEncodedSize(n.entries)
	default:
		return 0
	}
}

// Encode serializes node into a freshly allocated buffer.
func (c *Codec) Encode(node Node) ([]byte, error) {
	switch n := node.(type) {
	case *LeafNode:
		return c.encodeLeaf(n)
	case *IndexNode:
		return c.encodeIndex(n)
	default:
		return nil, fmt.Errorf("larch: unknown node type %T", node)
	}
}

func (c *Codec) encodeLeaf(n *LeafNode) ([]byte, error) {
	buf := make([]byte, 0, leafEncodedSize(n.pairs))
	buf = append(buf, leafMagic[:]...)
	buf = appendUint64(buf, uint64(n.id))
	buf = appendUint32(buf, uint32(len(n.pairs)))

	for _, p := range n.pairs {
		if len(p.key) != c.KeySize {
			return nil, fmt.Errorf("larch: leaf key length %d != %d: %w", len(p.key), c.KeySize, ErrWrongKeySize)
		}
		buf = append(buf, p.key...)
	}
	for _, p := range n.pairs {
		buf = appendUint32(buf, uint32(len(p.value)))
	}
	for _, p := range n.pairs {
		buf = append(buf, p.value...)
	}

	return buf, nil
}

func (c *Codec) encodeIndex(n *IndexNode) ([]byte, error) {
	buf := make([]byte, 0, indexHeaderSize+len(n.entries)*(c.KeySize+childIDSize))
	buf = append(buf, indexMagic[:]...)
	buf = appendUint64(buf, uint64(n.id))
	buf = appendUint32(buf, uint32(len(n.entries)))

	for _, e := range n.entries {
		if len(e.key) != c.KeySize {
			return nil, fmt.Errorf("larch: index key length %d != %d: %w", len(e.key), c.KeySize, ErrWrongKeySize)
		}
		buf = append(buf, e.key...)
	}
	for _, e := range n.entries {
		buf = appendUint64(buf, uint64(e.child))
	}

	return buf, nil
}

// Decode parses buf into a Node, failing with ErrCorruptNode if the
// magic is unknown, declared counts overrun the buffer, or the decoded
// id is zero.
func (c *Codec) Decode(buf []byte) (Node, error) {
	if len(buf) < magicSize+idFieldSize+countFieldSize {
		return nil, fmt.Errorf("larch: node buffer too short: %w", ErrCorruptNode)
	}

	var magic [4]byte
	copy(magic[:], buf[:magicSize])

	switch magic {
	case leafMagic:
		return c.decodeLeaf(buf)
	case indexMagic:
		return c.decodeIndex(buf)
	default:
		return nil, fmt.Errorf("larch: unknown node magic %q: %w", magic, ErrCorruptNode)
	}
}

func (c *Codec) decodeLeaf(buf []byte) (*LeafNode, error) {
	id := binary.BigEndian.Uint64(buf[magicSize : magicSize+idFieldSize])
	if id == 0 {
		return nil, fmt.Errorf("larch: decoded node id is zero: %w", ErrCorruptNode)
	}

	offset := magicSize + idFieldSize
	count := binary.BigEndian.Uint32(buf[offset : offset+countFieldSize])
	offset += countFieldSize

	keysEnd := offset + int(count)*c.KeySize
	if keysEnd > len(buf) {
		return nil, fmt.Errorf("larch: leaf keys overrun buffer: %w", ErrCorruptNode)
	}
	keys := buf[offset:keysEnd]
	offset = keysEnd

	lensEnd := offset + int(count)*valueLenFieldSize
	if lensEnd > len(buf) {
		return nil, fmt.Errorf("larch: leaf value-lengths overrun buffer: %w", ErrCorruptNode)
	}
	valueLens := make([]uint32, count)
	for i := range valueLens {
		valueLens[i] = binary.BigEndian.Uint32(buf[offset+i*valueLenFieldSize : offset+(i+1)*valueLenFieldSize])
	}
	offset = lensEnd

	pairs := make([]kv, count)
	for i := 0; i < int(count); i++ {
		key := append([]byte(nil), keys[i*c.KeySize:(i+1)*c.KeySize]...)
		vlen := int(valueLens[i])
		if offset+vlen > len(buf) {
			return nil, fmt.Errorf("larch: leaf value overruns buffer: %w", ErrCorruptNode)
		}
		value := append([]byte(nil), buf[offset:offset+vlen]...)
		offset += vlen
		pairs[i] = kv{key: key, value: value}
	}

	return &LeafNode{id: NodeId(id), pairs: pairs, size: leafEncodedSize(pairs)}, nil
}

func (c *Codec) decodeIndex(buf []byte) (*IndexNode, error) {
	id := binary.BigEndian.Uint64(buf[magicSize : magicSize+idFieldSize])
	if id == 0 {
		return nil, fmt.Errorf("larch: decoded node id is zero: %w", ErrCorruptNode)
	}

	offset := magicSize + idFieldSize
	count := binary.BigEndian.Uint32(buf[offset : offset+countFieldSize])
	offset += countFieldSize

	keysEnd := offset + int(count)*c.KeySize
	if keysEnd > len(buf) {
		return nil, fmt.Errorf("larch: index keys overrun buffer: %w", ErrCorruptNode)
	}
	keys := buf[offset:keysEnd]
	offset = keysEnd

	childrenEnd := offset + int(count)*childIDSize
	if childrenEnd > len(buf) {
		return nil, fmt.Errorf("larch: index children overrun buffer: %w", ErrCorruptNode)
	}

	entries := make([]indexEntry, count)
	for i := 0; i < int(count); i++ {
		key := append([]byte(nil), keys[i*c.KeySize:(i+1)*c.KeySize]...)
		child := binary.BigEndian.Uint64(buf[offset+i*childIDSize : offset+(i+1)*childIDSize])
		entries[i] = indexEntry{key: key, child: NodeId(child)}
	}

	return &IndexNode{id: NodeId(id), entries: entries, size: indexEncodedSize(entries)}, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}
