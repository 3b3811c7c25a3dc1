// Package nodecache implements the bounded LRU over tree nodes: indexed
// primarily by (level, first_key) so that a deepest-containing-node
// lookup can walk level by level from the deepest cached level down to
// the root, with an auxiliary id index for direct lookups. It is
// grounded on the teacher's bplustree.BufferPool (mutex-guarded map plus
// an access-order list implementing LRU, bplustree/buffer_pool.go) and
// on _examples/original_source/db/cache.h's NodeCache for the exact
// Get/Add contract and the hits/misses/inserts/updates telemetry its
// ToString() reports.
package nodecache

import (
	"container/list"
	"sort"
	"sync"

	"stridekv/keyspace"
	"stridekv/node"
)

// Stats mirrors NodeCache::ToString()'s counters.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Inserts uint64
	Updates uint64
}

type levelEntry struct {
	first keyspace.Key
	n     *node.Node
}

type idLoc struct {
	level uint32
	elem  *list.Element
}

// Cache is a bounded, level-and-first-key-ordered LRU of tree nodes.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	byLevel map[uint32][]levelEntry
	byID    map[uint64]idLoc
	lru     *list.List // front = most recently used; Value is uint64 node id
	stats   Stats
}

// New constructs a cache bounded to maxSize entries. A maxSize of zero
// disables caching entirely.
func New(maxSize int) *Cache {
	return &Cache{
		maxSize: maxSize,
		byLevel: make(map[uint32][]levelEntry),
		byID:    make(map[uint64]idLoc),
		lru:     list.New(),
	}
}

// SetMaxSize changes the cache's capacity. Intended to be called before
// first use; shrinking a populated cache is not this method's job.
func (c *Cache) SetMaxSize(maxSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSize = maxSize
}

// Stats returns a snapshot of the cache's telemetry counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Size returns the number of entries currently cached.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}

// Add inserts n, or refreshes it and promotes it to MRU if already
// present. The entire operation runs under one lock.
func (c *Cache) Add(n *node.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxSize == 0 {
		return
	}

	if loc, ok := c.byID[n.ID]; ok {
		c.replaceInLevel(loc.level, n)
		c.lru.MoveToFront(loc.elem)
		c.stats.Updates++
		return
	}

	if len(c.byID) >= c.maxSize {
		c.evictLRU()
	}

	elem := c.lru.PushFront(n.ID)
	c.byID[n.ID] = idLoc{level: n.Level, elem: elem}
	c.insertInLevel(n)
	c.stats.Inserts++
}

// GetById looks up a node directly by id. Per the data model this may
// promote to MRU; it does here, matching Add's promotion behavior.
func (c *Cache) GetById(id uint64) (*node.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	loc, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	n := c.findInLevel(loc.level, id)
	if n == nil {
		return nil, false
	}
	c.lru.MoveToFront(loc.elem)
	return n, true
}

// Get returns the deepest cached node whose range strictly contains key.
// It walks cached levels from deepest to shallowest, within each level
// binary-searching for the entry whose first key is the greatest one
// not exceeding key, and checking that the candidate's range strictly
// brackets key. The zero key always misses.
func (c *Cache) Get(key keyspace.Key) (*node.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key.IsZero() {
		c.stats.Misses++
		return nil, false
	}

	levels := make([]uint32, 0, len(c.byLevel))
	for lvl := range c.byLevel {
		levels = append(levels, lvl)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] > levels[j] })

	for _, lvl := range levels {
		entries := c.byLevel[lvl]
		// upper_bound: first index whose first key exceeds key.
		idx := sort.Search(len(entries), func(i int) bool {
			return keyspace.Cmp(entries[i].first, key) > 0
		})
		if idx == 0 {
			continue
		}
		cand := entries[idx-1]
		if keyspace.Cmp(cand.first, key) < 0 && keyspace.Cmp(key, cand.n.Last) < 0 {
			loc := c.byID[cand.n.ID]
			c.lru.MoveToFront(loc.elem)
			c.stats.Hits++
			return cand.n, true
		}
	}
	c.stats.Misses++
	return nil, false
}

func (c *Cache) insertInLevel(n *node.Node) {
	entries := c.byLevel[n.Level]
	idx := sort.Search(len(entries), func(i int) bool {
		return keyspace.Cmp(entries[i].first, n.First) >= 0
	})
	entries = append(entries, levelEntry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = levelEntry{first: n.First, n: n}
	c.byLevel[n.Level] = entries
}

func (c *Cache) replaceInLevel(level uint32, n *node.Node) {
	entries := c.byLevel[level]
	for i := range entries {
		if entries[i].n.ID == n.ID {
			entries[i].n = n
			entries[i].first = n.First
			return
		}
	}
	c.insertInLevel(n)
}

func (c *Cache) findInLevel(level uint32, id uint64) *node.Node {
	for _, e := range c.byLevel[level] {
		if e.n.ID == id {
			return e.n
		}
	}
	return nil
}

func (c *Cache) evictLRU() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	id := back.Value.(uint64)
	loc, ok := c.byID[id]
	if !ok {
		c.lru.Remove(back)
		return
	}
	entries := c.byLevel[loc.level]
	for i, e := range entries {
		if e.n.ID == id {
			c.byLevel[loc.level] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	delete(c.byID, id)
	c.lru.Remove(back)
}
