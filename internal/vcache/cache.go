// Package vcache implements the NUMA-aware vector data cache: a
// handle-indexed arena of SIMD-aligned entries with hash-table and LRU
// residency, a bounded hot tier protected from ordinary eviction, and a
// compressed victim cache for cheap re-admission after eviction.
package vcache

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/hupe1980/annstore/internal/locking"
	"github.com/hupe1980/annstore/internal/numa"
	"github.com/hupe1980/annstore/internal/resource"
	"github.com/hupe1980/annstore/model"
)

var (
	// ErrCapacityExceeded is returned when neither the memory budget nor
	// eviction can make room for a new entry.
	ErrCapacityExceeded = errors.New("vcache: capacity exceeded")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("vcache: cache closed")
)

// ErrElementTypeMismatch indicates an insert whose element tag differs from
// the cache's configured element type.
type ErrElementTypeMismatch struct {
	Expected model.ElementType
	Actual   model.ElementType
}

func (e *ErrElementTypeMismatch) Error() string {
	return fmt.Sprintf("vcache: element type mismatch: expected %s, got %s", e.Expected, e.Actual)
}

const (
	// DefaultAlignment is the SIMD alignment of payload allocations.
	DefaultAlignment = 16

	// DefaultHotThreshold is the access count that promotes an entry.
	DefaultHotThreshold = 4
)

// Options configures a Cache.
type Options struct {
	// MaxEntries bounds resident entries. Must be positive.
	MaxEntries int

	// HotCapacity bounds the hot tier. Defaults to MaxEntries/8, minimum 1.
	HotCapacity int

	// HotThreshold is the access count that triggers promotion.
	HotThreshold uint32

	// Alignment of payload allocations; power of two, at least 16.
	Alignment int

	// ElementType all inserted records must carry.
	ElementType model.ElementType

	// Codec compresses victim-cache payloads.
	Codec Codec

	// VictimCapacity bounds the compressed victim cache. 0 disables it.
	VictimCapacity int

	// Controller accounts payload memory. Optional.
	Controller *resource.Controller
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries         int
	HotEntries      int
	VictimEntries   int
	Hits            uint64
	Misses          uint64
	VictimHits      uint64
	Inserts         uint64
	Evictions       uint64
	Promotions      uint64
	Demotions       uint64
	NUMALocalAllocs uint64
	MemoryBytes     int64
}

// Cache is the vector data cache. Structural state (hash table, LRU links,
// hot ring, victim cache) is guarded by an index-class lock in the
// vector-table rank; payloads are immutable once published and pinned by
// per-slot reference counts.
type Cache struct {
	opts       Options
	structural *locking.IndexLock

	// Guarded by structural writer lock.
	table    map[model.VectorID]int32
	slots    []slot
	free     []int32
	lruHead  int32
	lruTail  int32
	hot      []int32
	hotNext  int // ring cursor: least-recently-promoted
	victims  *victimCache
	closed   bool
	memBytes int64

	tracker patternTracker

	hits       atomic.Uint64
	misses     atomic.Uint64
	victimHits atomic.Uint64
	inserts    atomic.Uint64
	evictions  atomic.Uint64
	promotions atomic.Uint64
	demotions  atomic.Uint64
	numaLocal  atomic.Uint64
}

// New creates a Cache.
func New(opts Options) (*Cache, error) {
	if opts.MaxEntries <= 0 {
		return nil, fmt.Errorf("vcache: MaxEntries must be positive, got %d", opts.MaxEntries)
	}
	if opts.Alignment < DefaultAlignment {
		opts.Alignment = DefaultAlignment
	}
	if opts.Alignment&(opts.Alignment-1) != 0 {
		return nil, fmt.Errorf("vcache: alignment %d is not a power of two", opts.Alignment)
	}
	if opts.HotCapacity <= 0 {
		opts.HotCapacity = max(opts.MaxEntries/8, 1)
	}
	if opts.HotThreshold == 0 {
		opts.HotThreshold = DefaultHotThreshold
	}

	c := &Cache{
		opts:       opts,
		structural: locking.NewIndexLock(locking.RankVectorTable),
		table:      make(map[model.VectorID]int32, opts.MaxEntries),
		slots:      make([]slot, 0, opts.MaxEntries),
		lruHead:    nilSlot,
		lruTail:    nilSlot,
		hot:        make([]int32, 0, opts.HotCapacity),
		victims:    newVictimCache(opts.Codec, opts.VictimCapacity),
	}
	return c, nil
}

// Lookup returns a borrowed reference to the resident entry for id. A miss
// consults the victim cache and re-admits from it before reporting a miss.
func (c *Cache) Lookup(lc *locking.Context, id model.VectorID, kind AccessKind) (*Ref, bool, error) {
	if err := c.structural.WriteLock(lc); err != nil {
		return nil, false, err
	}
	defer c.structural.WriteUnlock(lc)

	if c.closed {
		return nil, false, ErrClosed
	}

	pat := c.tracker.observe(uint64(id), kind)

	if si, ok := c.table[id]; ok {
		c.hits.Add(1)
		s := &c.slots[si]
		s.pattern.Store(uint32(pat))
		c.lruMoveToHead(si)
		if acc := s.accesses.Add(1); acc >= c.opts.HotThreshold && !s.hasFlag(FlagHot) {
			c.promoteLocked(si)
		}
		s.refs.Add(1)
		return &Ref{c: c, slot: si, gen: s.gen.Load()}, true, nil
	}

	// Victim path: decompress and re-admit without touching the backing
	// store.
	if bits, elem, ok := c.victims.take(id); ok {
		si, err := c.insertLocked(id, bits, elem)
		if err == nil {
			c.victimHits.Add(1)
			s := &c.slots[si]
			s.pattern.Store(uint32(pat))
			s.refs.Add(1)
			return &Ref{c: c, slot: si, gen: s.gen.Load()}, true, nil
		}
	}

	c.misses.Add(1)
	return nil, false, nil
}

// Insert admits a record and returns a borrowed reference to it. If the id
// is already resident the existing entry is returned, guaranteeing at most
// one resident entry per id. Eviction runs first when the cache is full.
func (c *Cache) Insert(lc *locking.Context, rec model.VectorRecord) (*Ref, error) {
	if rec.Dimensions == 0 || int(rec.Dimensions) != len(rec.Bits) {
		return nil, fmt.Errorf("vcache: invalid record: dims=%d bits=%d", rec.Dimensions, len(rec.Bits))
	}
	if rec.ElementType != c.opts.ElementType {
		return nil, &ErrElementTypeMismatch{Expected: c.opts.ElementType, Actual: rec.ElementType}
	}

	if err := c.structural.WriteLock(lc); err != nil {
		return nil, err
	}
	defer c.structural.WriteUnlock(lc)

	if c.closed {
		return nil, ErrClosed
	}

	if si, ok := c.table[rec.ID]; ok {
		s := &c.slots[si]
		c.lruMoveToHead(si)
		s.refs.Add(1)
		return &Ref{c: c, slot: si, gen: s.gen.Load()}, nil
	}

	si, err := c.insertLocked(rec.ID, rec.Bits, rec.ElementType)
	if err != nil {
		return nil, err
	}
	s := &c.slots[si]
	s.refs.Add(1)
	return &Ref{c: c, slot: si, gen: s.gen.Load()}, nil
}

// insertLocked allocates and publishes a new entry. Caller holds the
// structural writer lock and has verified the id is absent.
func (c *Cache) insertLocked(id model.VectorID, bits []uint32, elem model.ElementType) (int32, error) {
	if len(c.table) >= c.opts.MaxEntries {
		if c.evictLocked(1) == 0 {
			return nilSlot, ErrCapacityExceeded
		}
	}

	size := alignUp(len(bits)*4, c.opts.Alignment)
	if c.opts.Controller != nil && !c.opts.Controller.TryAcquireMemory(int64(size)) {
		return nilSlot, ErrCapacityExceeded
	}

	raw, buf := alignedAlloc(size, c.opts.Alignment)
	view := bitsView(buf, len(bits))
	if view == nil {
		if c.opts.Controller != nil {
			c.opts.Controller.ReleaseMemory(int64(size))
		}
		return nilSlot, ErrCapacityExceeded
	}
	copy(view, bits)

	si := c.allocSlot()
	s := &c.slots[si]
	s.id = id
	s.dims = uint32(len(bits))
	s.elem = elem
	s.numaNode = int32(numa.CurrentNode())
	s.raw = raw
	s.bits = view
	s.memBytes = int64(size)
	s.accesses.Store(1)
	s.flags.Store(uint32(FlagValid | FlagSIMD))

	c.table[id] = si
	c.lruPushHead(si)
	c.victims.drop(id)
	c.memBytes += int64(size)
	c.inserts.Add(1)
	c.numaLocal.Add(1)
	return si, nil
}

// Remove drops id from residency and from the victim cache without
// spilling. It refuses to remove an entry that is externally referenced or
// pinned by the LOCKED flag.
func (c *Cache) Remove(lc *locking.Context, id model.VectorID) (bool, error) {
	if err := c.structural.WriteLock(lc); err != nil {
		return false, err
	}
	defer c.structural.WriteUnlock(lc)
	if c.closed {
		return false, ErrClosed
	}

	c.victims.drop(id)
	si, ok := c.table[id]
	if !ok {
		return false, nil
	}
	s := &c.slots[si]
	if s.refs.Load() > 0 || s.hasFlag(FlagLocked) {
		return false, nil
	}
	if s.hasFlag(FlagHot) {
		c.unhotLocked(si)
	}
	c.removeLocked(si, false)
	return true, nil
}

// unhotLocked drops si from the hot ring, keeping promotion order intact.
func (c *Cache) unhotLocked(si int32) {
	for i, h := range c.hot {
		if h != si {
			continue
		}
		c.hot = append(c.hot[:i], c.hot[i+1:]...)
		if c.hotNext > i {
			c.hotNext--
		}
		if len(c.hot) > 0 {
			c.hotNext %= len(c.hot)
		} else {
			c.hotNext = 0
		}
		c.slots[si].clearFlag(FlagHot)
		return
	}
}

// Evict removes up to n cold entries from the LRU tail, skipping hot,
// locked and externally referenced entries. Returns the number evicted.
func (c *Cache) Evict(lc *locking.Context, n int) (int, error) {
	if err := c.structural.WriteLock(lc); err != nil {
		return 0, err
	}
	defer c.structural.WriteUnlock(lc)
	if c.closed {
		return 0, ErrClosed
	}
	return c.evictLocked(n), nil
}

func (c *Cache) evictLocked(n int) int {
	freed := 0
	si := c.lruTail
	for si != nilSlot && freed < n {
		s := &c.slots[si]
		prev := s.prev
		if !s.hasFlag(FlagHot) && !s.hasFlag(FlagLocked) && s.refs.Load() == 0 {
			c.removeLocked(si, true)
			freed++
		}
		si = prev
	}
	return freed
}

// removeLocked unlinks a slot, optionally spilling its payload into the
// victim cache, and recycles it.
func (c *Cache) removeLocked(si int32, spill bool) {
	s := &c.slots[si]
	if spill {
		c.victims.add(s.id, s.bits, s.elem)
	}
	delete(c.table, s.id)
	c.lruUnlink(si)
	c.memBytes -= s.memBytes
	if c.opts.Controller != nil {
		c.opts.Controller.ReleaseMemory(s.memBytes)
	}
	c.evictions.Add(1)
	c.freeSlot(si)
}

// promoteLocked moves a slot into the hot tier, demoting the
// least-recently-promoted hot entry when the tier is full.
func (c *Cache) promoteLocked(si int32) {
	if len(c.hot) < c.opts.HotCapacity {
		c.hot = append(c.hot, si)
		c.slots[si].setFlag(FlagHot)
		c.promotions.Add(1)
		return
	}
	old := c.hot[c.hotNext]
	c.slots[old].clearFlag(FlagHot)
	c.slots[old].accesses.Store(0)
	c.demotions.Add(1)

	c.hot[c.hotNext] = si
	c.hotNext = (c.hotNext + 1) % c.opts.HotCapacity
	c.slots[si].setFlag(FlagHot)
	c.promotions.Add(1)
}

// SetLocked sets or clears the LOCKED flag, pinning the entry against
// eviction independent of its reference count.
func (c *Cache) SetLocked(r *Ref, locked bool) {
	s := &c.slots[r.slot]
	if locked {
		s.setFlag(FlagLocked)
	} else {
		s.clearFlag(FlagLocked)
	}
}

// Contains reports whether id is resident.
func (c *Cache) Contains(lc *locking.Context, id model.VectorID) (bool, error) {
	if err := c.structural.WriteLock(lc); err != nil {
		return false, err
	}
	defer c.structural.WriteUnlock(lc)
	_, ok := c.table[id]
	return ok, nil
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	lc := locking.NewContext()
	if err := c.structural.WriteLock(lc); err != nil {
		return Stats{}
	}
	defer c.structural.WriteUnlock(lc)
	return Stats{
		Entries:         len(c.table),
		HotEntries:      len(c.hot),
		VictimEntries:   c.victims.len(),
		Hits:            c.hits.Load(),
		Misses:          c.misses.Load(),
		VictimHits:      c.victimHits.Load(),
		Inserts:         c.inserts.Load(),
		Evictions:       c.evictions.Load(),
		Promotions:      c.promotions.Load(),
		Demotions:       c.demotions.Load(),
		NUMALocalAllocs: c.numaLocal.Load(),
		MemoryBytes:     c.memBytes,
	}
}

// Close releases all entries. Outstanding Refs keep their payload slices
// alive through the Go allocator, but the cache stops serving.
func (c *Cache) Close() {
	lc := locking.NewContext()
	if err := c.structural.WriteLock(lc); err != nil {
		return
	}
	defer c.structural.WriteUnlock(lc)
	if c.closed {
		return
	}
	c.closed = true
	for si := c.lruHead; si != nilSlot; {
		s := &c.slots[si]
		next := s.next
		if c.opts.Controller != nil {
			c.opts.Controller.ReleaseMemory(s.memBytes)
		}
		si = next
	}
	c.table = nil
	c.lruHead, c.lruTail = nilSlot, nilSlot
	c.hot = nil
	c.memBytes = 0
}

// releaseSlot returns a borrow. The gen check makes stale double-releases
// harmless.
func (c *Cache) releaseSlot(si int32, gen uint32) {
	s := &c.slots[si]
	if s.gen.Load() != gen {
		return
	}
	s.refs.Add(-1)
}

func (c *Cache) allocSlot() int32 {
	if n := len(c.free); n > 0 {
		si := c.free[n-1]
		c.free = c.free[:n-1]
		return si
	}
	c.slots = append(c.slots, slot{prev: nilSlot, next: nilSlot})
	return int32(len(c.slots) - 1)
}

func (c *Cache) freeSlot(si int32) {
	s := &c.slots[si]
	s.gen.Add(1)
	s.flags.Store(0)
	s.accesses.Store(0)
	s.raw = nil
	s.bits = nil
	s.memBytes = 0
	s.prev, s.next = nilSlot, nilSlot
	c.free = append(c.free, si)
}

// Intrusive LRU list. Head is most recently used.

func (c *Cache) lruPushHead(si int32) {
	s := &c.slots[si]
	s.prev = nilSlot
	s.next = c.lruHead
	if c.lruHead != nilSlot {
		c.slots[c.lruHead].prev = si
	}
	c.lruHead = si
	if c.lruTail == nilSlot {
		c.lruTail = si
	}
}

func (c *Cache) lruUnlink(si int32) {
	s := &c.slots[si]
	if s.prev != nilSlot {
		c.slots[s.prev].next = s.next
	} else {
		c.lruHead = s.next
	}
	if s.next != nilSlot {
		c.slots[s.next].prev = s.prev
	} else {
		c.lruTail = s.prev
	}
	s.prev, s.next = nilSlot, nilSlot
}

func (c *Cache) lruMoveToHead(si int32) {
	if c.lruHead == si {
		return
	}
	c.lruUnlink(si)
	c.lruPushHead(si)
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
