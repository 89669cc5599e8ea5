package locking

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hupe1980/annstore/internal/numa"
	"github.com/hupe1980/annstore/model"
)

// DefaultLockCacheSize is the per-node capacity of the lock cache.
const DefaultLockCacheSize = 256

// LockCache keeps a small per-NUMA-node LRU of recently used vector locks so
// repeated accesses from the same node skip the shared bucket table and its
// cross-node cache-line traffic. Cached locks pin a table reference; the
// eviction callback returns it.
type LockCache struct {
	table *Table
	nodes []*nodeLockCache
}

type nodeLockCache struct {
	cache  *lru.Cache[model.VectorID, *VectorLock]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewLockCache creates one LRU per NUMA node, each holding up to size locks.
func NewLockCache(table *Table, size int) (*LockCache, error) {
	if size <= 0 {
		size = DefaultLockCacheSize
	}
	lc := &LockCache{
		table: table,
		nodes: make([]*nodeLockCache, numa.NumNodes()),
	}
	for i := range lc.nodes {
		nc := &nodeLockCache{}
		c, err := lru.NewWithEvict[model.VectorID, *VectorLock](size, func(_ model.VectorID, l *VectorLock) {
			table.Put(l)
		})
		if err != nil {
			return nil, err
		}
		nc.cache = c
		lc.nodes[i] = nc
	}
	return lc, nil
}

// Get returns the lock for id, serving it from the local node's cache when
// possible. The caller does not own a new reference; the cache does.
func (lc *LockCache) Get(id model.VectorID) *VectorLock {
	nc := lc.nodes[numa.CurrentNode()]
	if l, ok := nc.cache.Get(id); ok {
		nc.hits.Add(1)
		return l
	}
	nc.misses.Add(1)
	l := lc.table.Get(id)
	nc.cache.Add(id, l)
	return l
}

// Acquire locks id in the given mode, resolving the lock object through the
// local node's cache so repeated acquisitions of hot ids skip the shared
// bucket table. Release the result with Release.
func (lc *LockCache) Acquire(c *Context, id model.VectorID, mode Mode, timeout time.Duration) (*VectorLock, error) {
	l := lc.Get(id)
	l.refs.Add(1) // caller's reference, returned by Release
	return lc.table.acquireHeld(c, l, mode, timeout)
}

// Release unlocks a lock obtained from Acquire.
func (lc *LockCache) Release(c *Context, l *VectorLock, mode Mode) {
	lc.table.Release(c, l, mode)
}

// Invalidate drops id from every node's cache, releasing the pinned
// references via the eviction callback.
func (lc *LockCache) Invalidate(id model.VectorID) {
	for _, nc := range lc.nodes {
		nc.cache.Remove(id)
	}
}

// Purge empties all node caches.
func (lc *LockCache) Purge() {
	for _, nc := range lc.nodes {
		nc.cache.Purge()
	}
}

// Stats returns cumulative hit/miss counts across all nodes.
func (lc *LockCache) Stats() (hits, misses uint64) {
	for _, nc := range lc.nodes {
		hits += nc.hits.Load()
		misses += nc.misses.Load()
	}
	return hits, misses
}
