// Package tree implements root management and descent over the
// stride-partitioned search tree. It composes over a key store and a
// node cache only — per the design notes, the tree is logically
// stateless, with the buffer and the journal owned one layer up by the
// engine's flush worker. It is grounded on
// _examples/original_source/db/tree.h (Init and Get's descent; the Add
// pass's rebalance lives in package journal) and on the teacher's
// bplustree.BPlusTree for the Go shape
// of a tree type that composes a pager and a cache rather than owning
// node storage itself (bplustree/struct.go, bplustree/find_leaf.go).
package tree

import (
	"errors"
	"fmt"

	"stridekv/keyspace"
	"stridekv/node"
	"stridekv/nodecache"
)

// RootID is the fixed block id of the tree's root node.
const RootID = uint64(0)

// ErrKeyNotFound is returned by Get when no node's slots or children
// cover the requested key.
var ErrKeyNotFound = errors.New("tree: key not found")

// KeyStore is the subset of keystore.Store/keystore.Memory the tree
// needs: allocate, read and write nodes by id.
type KeyStore interface {
	New(level uint32, first, last keyspace.Key) (*node.Node, error)
	Get(id uint64, level uint32) (*node.Node, error)
	Set(n *node.Node) error
}

// Tree ties a key store and a node cache together into root management
// and key descent.
type Tree struct {
	Store KeyStore
	Cache *nodecache.Cache
}

// New constructs a tree over store, caching reads in cache.
func New(store KeyStore, cache *nodecache.Cache) *Tree {
	return &Tree{Store: store, Cache: cache}
}

// one and keyspace.Max bound the root's range: the zero key is reserved as
// "empty", so the root covers (1, max key) rather than (0, max key).
var one = func() keyspace.Key {
	var k keyspace.Key
	k[keyspace.ByteLen-1] = 1
	return k
}()

// Init ensures a root node exists, creating one covering (1, Max) at
// level 0 if absent, optionally pre-populated with synthetic anchors.
func (t *Tree) Init(addSynthetics bool) error {
	if _, err := t.getNode(RootID, 0); err == nil {
		return nil
	}
	root, err := t.Store.New(0, one, keyspace.Max)
	if err != nil {
		return fmt.Errorf("tree: allocating root: %w", err)
	}
	if addSynthetics {
		if _, err := root.AddSyntheticAnchors(); err != nil {
			return fmt.Errorf("tree: seeding root anchors: %w", err)
		}
	}
	if err := t.Store.Set(root); err != nil {
		return fmt.Errorf("tree: persisting root: %w", err)
	}
	t.Cache.Add(root)
	return nil
}

// getNode fetches a node by id, consulting the cache first.
func (t *Tree) getNode(id uint64, level uint32) (*node.Node, error) {
	if n, ok := t.Cache.GetById(id); ok {
		return n, nil
	}
	n, err := t.Store.Get(id, level)
	if err != nil {
		return nil, err
	}
	t.Cache.Add(n)
	return n, nil
}

// Get descends from the deepest cached ancestor covering key (falling
// back to the root), returning the value-store location of a matching
// real key.
func (t *Tree) Get(key keyspace.Key) (offset uint64, length uint32, err error) {
	start, ok := t.Cache.Get(key)
	if !ok {
		start, err = t.getNode(RootID, 0)
		if err != nil {
			return 0, 0, err
		}
	}
	return t.descend(start, key)
}

func (t *Tree) descend(n *node.Node, key keyspace.Key) (uint64, uint32, error) {
	if offset, length, ok := n.Find(key); ok {
		return offset, length, nil
	}
	var childID uint64
	found := false
	n.EachChild(func(slot int, first, last keyspace.Key, child uint64) {
		if found || child == 0 {
			return
		}
		if keyspace.Cmp(first, key) < 0 && keyspace.Cmp(key, last) < 0 {
			childID = child
			found = true
		}
	})
	if !found {
		return 0, 0, ErrKeyNotFound
	}
	child, err := t.getNode(childID, n.Level+1)
	if err != nil {
		return 0, 0, err
	}
	return t.descend(child, key)
}

// Root fetches the root node, consulting the cache first.
func (t *Tree) Root() (*node.Node, error) {
	return t.getNode(RootID, 0)
}

// GetNode fetches the node with the given id and level, consulting the
// cache first. Exported so the journal package can descend the tree
// while building a flush pass.
func (t *Tree) GetNode(id uint64, level uint32) (*node.Node, error) {
	return t.getNode(id, level)
}

// WalkFunc is called once per reachable node during Walk.
type WalkFunc func(n *node.Node) error

// Walk visits every node reachable from the root, depth-first, stopping
// at the first error either from fetching a node or from visit itself.
func (t *Tree) Walk(visit WalkFunc) error {
	root, err := t.getNode(RootID, 0)
	if err != nil {
		return err
	}
	return t.walk(root, visit)
}

func (t *Tree) walk(n *node.Node, visit WalkFunc) error {
	if err := visit(n); err != nil {
		return err
	}
	var walkErr error
	n.EachChild(func(slot int, first, last keyspace.Key, child uint64) {
		if walkErr != nil || child == 0 {
			return
		}
		next, err := t.getNode(child, n.Level+1)
		if err != nil {
			walkErr = err
			return
		}
		walkErr = t.walk(next, visit)
	})
	return walkErr
}

// IsSane runs each reachable node's invariant checks, returning the
// first violation found.
func (t *Tree) IsSane() error {
	return t.Walk(func(n *node.Node) error { return n.IsSane() })
}

// NonSyntheticKeyCount sums the real (non-synthetic) key count across
// every reachable node.
func (t *Tree) NonSyntheticKeyCount() (int, error) {
	total := 0
	err := t.Walk(func(n *node.Node) error {
		total += n.NonSyntheticKeyCount()
		return nil
	})
	return total, err
}
