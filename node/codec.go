package node

import (
	"encoding/binary"
	"fmt"

	"stridekv/keyspace"
)

// keySlotSize is the on-disk size of one {key, value_offset, value_length}
// triple: a big-endian key followed by a little-endian uint64 offset and
// little-endian uint32 length.
const keySlotSize = keyspace.ByteLen + 8 + 4

// childSlotSize is the on-disk size of one child id.
const childSlotSize = 8

// headerSize is the on-disk size of the first_key/last_key pair.
const headerSize = 2 * keyspace.ByteLen

// CalculateDegree returns the largest degree whose node fits within
// blockSize bytes: header + (degree-1) key slots + degree child slots.
func CalculateDegree(blockSize int) (uint32, error) {
	// blockSize >= header + (degree-1)*keySlotSize + degree*childSlotSize
	// => degree <= (blockSize - header + keySlotSize) / (keySlotSize + childSlotSize)
	avail := blockSize - headerSize + keySlotSize
	if avail < keySlotSize+childSlotSize {
		return 0, fmt.Errorf("node: block size %d too small to hold any degree", blockSize)
	}
	degree := avail / (keySlotSize + childSlotSize)
	if degree < 2 {
		return 0, fmt.Errorf("node: block size %d yields degree %d, need at least 2", blockSize, degree)
	}
	return uint32(degree), nil
}

// Size returns the number of bytes Serialize writes before padding, for a
// node of this degree.
func Size(degree uint32) int {
	return headerSize + int(degree-1)*keySlotSize + int(degree)*childSlotSize
}

// Serialize encodes n into a block of exactly blockSize bytes, per the
// fixed layout: first_key, last_key, (degree-1) key slots, (degree) child
// ids, then zero padding. It fails if the encoded content does not fit.
func (n *Node) Serialize(blockSize int) ([]byte, error) {
	need := Size(n.Degree)
	if need > blockSize {
		return nil, fmt.Errorf("node %d: encoded size %d exceeds block size %d", n.ID, need, blockSize)
	}
	buf := make([]byte, blockSize)
	off := 0
	copy(buf[off:], n.First.Bytes())
	off += keyspace.ByteLen
	copy(buf[off:], n.Last.Bytes())
	off += keyspace.ByteLen

	for _, kv := range n.Keys {
		copy(buf[off:], kv.Key.Bytes())
		off += keyspace.ByteLen
		binary.LittleEndian.PutUint64(buf[off:], kv.Offset)
		off += 8
		binary.LittleEndian.PutUint32(buf[off:], kv.Length)
		off += 4
	}
	for _, child := range n.Children {
		binary.LittleEndian.PutUint64(buf[off:], child)
		off += 8
	}
	return buf, nil
}

// Deserialize decodes a node of the given id, level and degree from a
// block previously written by Serialize. The degree must match the one
// the block was written with; there is no way to detect a mismatch other
// than corrupted-looking output, per the on-disk format's lack of a
// degree field.
func Deserialize(id uint64, level, degree uint32, block []byte) (*Node, error) {
	need := Size(degree)
	if len(block) < need {
		return nil, fmt.Errorf("node %d: block too short: have %d, need %d", id, len(block), need)
	}
	n := &Node{
		ID:       id,
		Level:    level,
		Degree:   degree,
		Keys:     make([]KeyValue, degree-1),
		Children: make([]uint64, degree),
	}
	off := 0
	first, err := keyspace.FromBytes(block[off : off+keyspace.ByteLen])
	if err != nil {
		return nil, err
	}
	n.First = first
	off += keyspace.ByteLen
	last, err := keyspace.FromBytes(block[off : off+keyspace.ByteLen])
	if err != nil {
		return nil, err
	}
	n.Last = last
	off += keyspace.ByteLen

	for i := range n.Keys {
		key, err := keyspace.FromBytes(block[off : off+keyspace.ByteLen])
		if err != nil {
			return nil, err
		}
		off += keyspace.ByteLen
		offset := binary.LittleEndian.Uint64(block[off:])
		off += 8
		length := binary.LittleEndian.Uint32(block[off:])
		off += 4
		n.Keys[i] = KeyValue{Key: key, Offset: offset, Length: length}
	}
	for i := range n.Children {
		n.Children[i] = binary.LittleEndian.Uint64(block[off:])
		off += 8
	}
	return n, nil
}
