// Package journal implements the per-flush collection of node mutations
// and the Add-pass algorithm that produces them: descending the tree
// against the current buffer contents, flipping dirty nodes to
// copy-on-write successors, and rebalancing overflowing nodes around
// their stride anchors. It is grounded on
// _examples/original_source/db/delta.h (the running-best nearest-stride
// assignment AddKeys performs) and db/journal.h (the level-indexed
// multimap committed deepest-first), generalized the way the teacher's
// wal_manager batches and orders its on-disk writes
// (wal_manager/wal.go).
package journal

import (
	"stridekv/node"
)

// Delta wraps a node plus, lazily, a copy-on-write successor produced on
// first mutation within one flush pass. The original is never mutated
// in place, so concurrent Gets against the pre-flush tree stay
// consistent while this pass builds the post-flush one.
type Delta struct {
	Original *node.Node
	successor *node.Node

	Existing        int
	Insertions      int
	Evictions       int
	Synthetics      int
	ChildrenUpdated int
}

// newDelta starts tracking a node that is about to be mutated by this pass.
func newDelta(original *node.Node) *Delta {
	return &Delta{Original: original}
}

// Node returns the node this delta currently represents: the successor
// if one has been flipped, otherwise the original.
func (d *Delta) Node() *node.Node {
	if d.successor != nil {
		return d.successor
	}
	return d.Original
}

// flip clones the original into a successor on first call, returning it
// on every call thereafter without re-cloning.
func (d *Delta) flip() *node.Node {
	if d.successor == nil {
		clone := *d.Original
		clone.Keys = append([]node.KeyValue(nil), d.Original.Keys...)
		clone.Children = append([]uint64(nil), d.Original.Children...)
		d.successor = &clone
	}
	return d.successor
}
