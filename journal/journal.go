package journal

import (
	"fmt"
	"sort"

	"stridekv/buffer"
	"stridekv/keyspace"
	"stridekv/node"
	"stridekv/tree"
	"stridekv/valuestore"
)

// ValueStore is the subset of valuestore.Store/valuestore.Memory the
// Add pass and Commit need: reserving an offset for a not-yet-persisted
// value, and persisting a record at a previously reserved offset.
type ValueStore interface {
	Reserve(key keyspace.Key, value []byte) uint64
	Set(rec valuestore.Record) error
}

// Journal holds the level-indexed multimap of Deltas produced by one
// flush pass's Add pass, ready for Commit to persist deepest level
// first.
type Journal struct {
	deltas map[uint32][]*Delta
}

// New constructs an empty journal for one flush pass.
func New() *Journal {
	return &Journal{deltas: make(map[uint32][]*Delta)}
}

// Size returns the total number of deltas recorded across all levels.
func (j *Journal) Size() int {
	n := 0
	for _, ds := range j.deltas {
		n += len(ds)
	}
	return n
}

// TotalInsertions returns net insertions (inserted minus evicted) across
// every delta in the journal.
func (j *Journal) TotalInsertions() int {
	total := 0
	for _, ds := range j.deltas {
		for _, d := range ds {
			total += d.Insertions - d.Evictions
		}
	}
	return total
}

func (j *Journal) record(level uint32, d *Delta) {
	j.deltas[level] = append(j.deltas[level], d)
}

// source identifies which of existing/candidates/evictions a combined
// entry was drawn from.
type source int

const (
	sourceExisting source = iota
	sourceCandidate
	sourceEviction
)

type combinedEntry struct {
	source source
	kv     node.KeyValue // sourceExisting
	value  []byte        // sourceCandidate
	offset uint64        // sourceEviction
	length uint32        // sourceEviction
}

// Process runs the Add pass: descend the tree from the root, and for
// every node whose range the buffer has new keys for, flip it to a
// copy-on-write successor, rebalance (fitting or overflowing around
// stride anchors), and recurse into any child the rebalance newly
// touches or that the buffer still has keys for.
func (j *Journal) Process(t *tree.Tree, buf *buffer.Buffer, values ValueStore) error {
	root, err := t.Root()
	if err != nil {
		return err
	}
	return j.processNode(t, buf, values, root)
}

func (j *Journal) processNode(t *tree.Tree, buf *buffer.Buffer, values ValueStore, n *node.Node) error {
	candidates, evictions, err := buf.GetCandidates(n.First, n.Last)
	if err != nil {
		return err
	}
	existing := existingEntries(n)

	combined := make(map[keyspace.Key]combinedEntry, len(existing))
	for k, kv := range existing {
		combined[k] = combinedEntry{source: sourceExisting, kv: kv}
	}
	for _, c := range candidates {
		if _, dup := combined[c.Key]; dup {
			buf.RemoveDuplicate(c.Key)
			continue
		}
		combined[c.Key] = combinedEntry{source: sourceCandidate, value: c.Value}
	}
	for _, e := range evictions {
		if _, dup := combined[e.Key]; dup {
			continue
		}
		combined[e.Key] = combinedEntry{source: sourceEviction, offset: e.Offset, length: e.Length}
	}

	if len(combined) == len(existing) {
		return j.recurseClean(t, buf, values, n)
	}

	delta := newDelta(n)
	delta.Existing = len(existing)
	j.record(n.Level, delta)
	successor := delta.flip()
	successor.Clear()

	keysPerNode := len(successor.Keys)
	if len(combined) <= keysPerNode {
		if err := j.rebalanceFit(buf, values, successor, combined, delta); err != nil {
			return err
		}
	} else {
		if err := j.rebalanceOverflow(buf, values, successor, combined, delta); err != nil {
			return err
		}
	}

	if err := successor.IsSane(); err != nil {
		return fmt.Errorf("journal: node %d failed sanity after rebalance: %w", successor.ID, err)
	}

	if successor.EmptyKeyCount() == 0 {
		return j.recurseChildren(t, buf, values, successor, delta)
	}
	return nil
}

func existingEntries(n *node.Node) map[keyspace.Key]node.KeyValue {
	out := make(map[keyspace.Key]node.KeyValue)
	for _, kv := range n.Keys {
		if kv.IsZero() || kv.IsSynthetic() {
			continue
		}
		out[kv.Key] = kv
	}
	return out
}

func (j *Journal) recurseClean(t *tree.Tree, buf *buffer.Buffer, values ValueStore, n *node.Node) error {
	var childErr error
	n.EachChild(func(slot int, first, last keyspace.Key, child uint64) {
		if childErr != nil || child == 0 {
			return
		}
		has, err := buf.ContainsRange(first, last)
		if err != nil {
			childErr = err
			return
		}
		if !has {
			return
		}
		next, err := t.GetNode(child, n.Level+1)
		if err != nil {
			childErr = err
			return
		}
		childErr = j.processNode(t, buf, values, next)
	})
	return childErr
}

func (j *Journal) recurseChildren(t *tree.Tree, buf *buffer.Buffer, values ValueStore, n *node.Node, delta *Delta) error {
	var childErr error
	n.EachChild(func(slot int, first, last keyspace.Key, child uint64) {
		if childErr != nil {
			return
		}
		has, err := buf.ContainsRange(first, last)
		if err != nil {
			childErr = err
			return
		}
		if !has {
			return
		}
		var next *node.Node
		if child == 0 {
			next, err = t.Store.New(n.Level+1, first, last)
			if err != nil {
				childErr = err
				return
			}
			n.SetChild(slot, next.ID)
			delta.ChildrenUpdated++
		} else {
			next, err = t.GetNode(child, n.Level+1)
			if err != nil {
				childErr = err
				return
			}
		}
		childErr = j.processNode(t, buf, values, next)
	})
	return childErr
}

// placeEntry writes e into successor's slot i under key, performing
// whatever buffer/value-store side effect that source requires.
func placeEntry(buf *buffer.Buffer, values ValueStore, successor *node.Node, i int, key keyspace.Key, e combinedEntry, delta *Delta) error {
	switch e.source {
	case sourceExisting:
		successor.SetKeyValue(i, e.kv)
	case sourceCandidate:
		offset := values.Reserve(key, e.value)
		if err := buf.SetOffset(key, offset); err != nil {
			return fmt.Errorf("journal: assigning offset to %s: %w", key.ToHex(), err)
		}
		successor.SetKeyValue(i, node.KeyValue{Key: key, Offset: offset, Length: uint32(len(e.value))})
		delta.Insertions++
	case sourceEviction:
		successor.SetKeyValue(i, node.KeyValue{Key: key, Offset: e.offset, Length: e.length})
		buf.RemoveDuplicate(key)
	}
	return nil
}

// rebalanceFit copies every combined entry into successor's slots,
// right-aligned in ascending key order, when everything fits.
func (j *Journal) rebalanceFit(buf *buffer.Buffer, values ValueStore, successor *node.Node, combined map[keyspace.Key]combinedEntry, delta *Delta) error {
	keys := make([]keyspace.Key, 0, len(combined))
	for k := range combined {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keyspace.Less(keys[i], keys[j]) })

	start := len(successor.Keys) - len(keys)
	for i, key := range keys {
		if err := placeEntry(buf, values, successor, start+i, key, combined[key], delta); err != nil {
			return err
		}
	}
	return nil
}

// rebalanceOverflow assigns each combined entry to the slot whose
// stride anchor it is nearest to, keeping whichever candidate is
// strictly closer on a tie for the same slot, evicting everything not
// chosen, and filling any slot left unassigned with a synthetic anchor.
func (j *Journal) rebalanceOverflow(buf *buffer.Buffer, values ValueStore, successor *node.Node, combined map[keyspace.Key]combinedEntry, delta *Delta) error {
	keysPerNode := uint32(len(successor.Keys))
	stride, err := successor.Stride()
	if err != nil {
		return err
	}

	type slotPick struct {
		key  keyspace.Key
		dist keyspace.Key
	}
	best := make([]*slotPick, keysPerNode)

	for key := range combined {
		idx, dist, err := keyspace.NearestStride(successor.First, stride, key, keysPerNode)
		if err != nil {
			return err
		}
		cur := best[idx]
		if cur == nil || keyspace.Cmp(dist, cur.dist) < 0 ||
			(keyspace.Cmp(dist, cur.dist) == 0 && keyspace.Cmp(key, cur.key) < 0) {
			best[idx] = &slotPick{key: key, dist: dist}
		}
	}

	chosen := make(map[keyspace.Key]bool, keysPerNode)
	for idx, pick := range best {
		if pick == nil {
			continue
		}
		if err := placeEntry(buf, values, successor, idx, pick.key, combined[pick.key], delta); err != nil {
			return err
		}
		chosen[pick.key] = true
	}

	for key, e := range combined {
		if chosen[key] {
			continue
		}
		switch e.source {
		case sourceCandidate:
			offset := values.Reserve(key, e.value)
			if err := values.Set(valuestore.Record{Offset: offset, Key: key, Value: e.value}); err != nil {
				return fmt.Errorf("journal: persisting evicted candidate %s: %w", key.ToHex(), err)
			}
			buf.RemoveDuplicate(key)
			if _, err := buf.AddEvictee(key, offset, uint32(len(e.value))); err != nil {
				return fmt.Errorf("journal: evicting candidate %s: %w", key.ToHex(), err)
			}
			delta.Evictions++
		case sourceExisting:
			if _, err := buf.AddEvictee(key, e.kv.Offset, e.kv.Length); err != nil {
				return fmt.Errorf("journal: evicting existing key %s: %w", key.ToHex(), err)
			}
			delta.Evictions++
		case sourceEviction:
			// already Evicted in the buffer; nothing to do.
		}
	}

	added, err := successor.AddSyntheticAnchors()
	if err != nil {
		return err
	}
	delta.Synthetics += added
	return nil
}

// Commit persists one flush pass: first the buffer's NeedsCommitting
// entries to the value store, then every dirty node, deepest journal
// level first, so no parent is ever written pointing at a child that
// hasn't been written yet.
func (j *Journal) Commit(t *tree.Tree, buf *buffer.Buffer, values ValueStore, batchSize int) error {
	if err := buf.Commit(values, batchSize); err != nil {
		return fmt.Errorf("journal: committing buffer: %w", err)
	}

	levels := make([]uint32, 0, len(j.deltas))
	for lvl := range j.deltas {
		levels = append(levels, lvl)
	}
	sort.Slice(levels, func(i, k int) bool { return levels[i] > levels[k] })

	for _, lvl := range levels {
		for _, delta := range j.deltas[lvl] {
			n := delta.Node()
			if err := t.Store.Set(n); err != nil {
				return fmt.Errorf("journal: writing node %d: %w", n.ID, err)
			}
			t.Cache.Add(n)
		}
	}
	return nil
}
