package vcache

import (
	"math"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/annstore/internal/locking"
	"github.com/hupe1980/annstore/internal/resource"
	"github.com/hupe1980/annstore/model"
)

func payloadAddr(r *Ref) uintptr {
	return uintptr(unsafe.Pointer(&r.Bits()[0]))
}

func record(id model.VectorID, vals ...float32) model.VectorRecord {
	bits := make([]uint32, len(vals))
	for i, v := range vals {
		bits[i] = math.Float32bits(v)
	}
	return model.VectorRecord{
		ID:          id,
		Dimensions:  uint32(len(vals)),
		ElementType: model.ElementFloat32,
		Bits:        bits,
	}
}

func newTestCache(t *testing.T, maxEntries int, optFns ...func(o *Options)) *Cache {
	t.Helper()
	opts := Options{MaxEntries: maxEntries, HotThreshold: 100}
	for _, fn := range optFns {
		fn(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func TestInsertAndLookup(t *testing.T) {
	c := newTestCache(t, 4)
	lc := locking.NewContext()

	ref, err := c.Insert(lc, record(1, 1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, model.VectorID(1), ref.ID())
	assert.Equal(t, uint32(3), ref.Dimensions())
	assert.Equal(t, math.Float32bits(2), ref.Bits()[1])
	assert.True(t, ref.Flags()&FlagValid != 0)
	assert.True(t, ref.Flags()&FlagSIMD != 0)
	ref.Release()

	got, ok, err := c.Lookup(lc, 1, AccessSearch)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.VectorID(1), got.ID())
	got.Release()

	_, ok, err = c.Lookup(lc, 99, AccessSearch)
	require.NoError(t, err)
	assert.False(t, ok)

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, 1, s.Entries)
}

func TestLRUEvictionOrder(t *testing.T) {
	// With capacity 2, inserting 1,2,3 with no intervening lookups evicts
	// the least recently used cold entry, id 1.
	c := newTestCache(t, 2)
	lc := locking.NewContext()

	for id := model.VectorID(1); id <= 3; id++ {
		ref, err := c.Insert(lc, record(id, float32(id)))
		require.NoError(t, err)
		ref.Release()
	}

	ok, err := c.Contains(lc, 1)
	require.NoError(t, err)
	assert.False(t, ok, "id 1 must be evicted")
	ok, _ = c.Contains(lc, 2)
	assert.True(t, ok)
	ok, _ = c.Contains(lc, 3)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestEvictionSkipsReferenced(t *testing.T) {
	c := newTestCache(t, 2)
	lc := locking.NewContext()

	ref1, err := c.Insert(lc, record(1, 1))
	require.NoError(t, err)
	ref2, err := c.Insert(lc, record(2, 2))
	require.NoError(t, err)
	ref2.Release()

	// id 1 is LRU but still borrowed, so id 2 goes instead.
	ref3, err := c.Insert(lc, record(3, 3))
	require.NoError(t, err)
	ref3.Release()

	ok, _ := c.Contains(lc, 1)
	assert.True(t, ok, "referenced entry survives eviction")
	ok, _ = c.Contains(lc, 2)
	assert.False(t, ok)

	ref1.Release()
}

func TestEvictionSkipsLocked(t *testing.T) {
	c := newTestCache(t, 2)
	lc := locking.NewContext()

	ref1, err := c.Insert(lc, record(1, 1))
	require.NoError(t, err)
	c.SetLocked(ref1, true)
	ref1.Release()

	ref2, err := c.Insert(lc, record(2, 2))
	require.NoError(t, err)
	ref2.Release()

	ref3, err := c.Insert(lc, record(3, 3))
	require.NoError(t, err)
	ref3.Release()

	ok, _ := c.Contains(lc, 1)
	assert.True(t, ok, "LOCKED entry survives eviction")
}

func TestEvictionSkipsHot(t *testing.T) {
	c := newTestCache(t, 2, func(o *Options) {
		o.HotThreshold = 2
		o.HotCapacity = 1
	})
	lc := locking.NewContext()

	ref, err := c.Insert(lc, record(1, 1))
	require.NoError(t, err)
	ref.Release()

	// Cross the promotion threshold.
	for i := 0; i < 2; i++ {
		got, ok, err := c.Lookup(lc, 1, AccessSearch)
		require.NoError(t, err)
		require.True(t, ok)
		got.Release()
	}
	assert.Equal(t, uint64(1), c.Stats().Promotions)

	ref, err = c.Insert(lc, record(2, 2))
	require.NoError(t, err)
	ref.Release()
	ref, err = c.Insert(lc, record(3, 3))
	require.NoError(t, err)
	ref.Release()

	ok, _ := c.Contains(lc, 1)
	assert.True(t, ok, "hot entry survives eviction")
	assert.Equal(t, 1, c.Stats().HotEntries)
}

func TestHotRingDemotesOldest(t *testing.T) {
	c := newTestCache(t, 8, func(o *Options) {
		o.HotThreshold = 2
		o.HotCapacity = 2
	})
	lc := locking.NewContext()

	promote := func(id model.VectorID) {
		ref, err := c.Insert(lc, record(id, float32(id)))
		require.NoError(t, err)
		ref.Release()
		for i := 0; i < 2; i++ {
			got, ok, err := c.Lookup(lc, id, AccessSearch)
			require.NoError(t, err)
			require.True(t, ok)
			got.Release()
		}
	}

	promote(1)
	promote(2)
	promote(3) // ring full: id 1 is demoted

	s := c.Stats()
	assert.Equal(t, 2, s.HotEntries)
	assert.Equal(t, uint64(3), s.Promotions)
	assert.Equal(t, uint64(1), s.Demotions)
}

func TestDuplicateInsertReturnsExisting(t *testing.T) {
	c := newTestCache(t, 4)
	lc := locking.NewContext()

	ref1, err := c.Insert(lc, record(1, 1, 2))
	require.NoError(t, err)
	ref2, err := c.Insert(lc, record(1, 9, 9))
	require.NoError(t, err)

	// Same resident entry, original payload.
	assert.Equal(t, math.Float32bits(1), ref2.Bits()[0])
	assert.Equal(t, 1, c.Stats().Entries)

	ref1.Release()
	ref2.Release()
}

func TestNoDuplicateResidencyConcurrent(t *testing.T) {
	c := newTestCache(t, 64)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lc := locking.NewContext()
			for id := model.VectorID(1); id <= 16; id++ {
				ref, err := c.Insert(lc, record(id, float32(id)))
				if err == nil {
					ref.Release()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 16, c.Stats().Entries)
}

func TestVictimCacheReadmission(t *testing.T) {
	for _, codec := range []Codec{CodecS2, CodecLZ4, CodecNone} {
		t.Run(codec.String(), func(t *testing.T) {
			c := newTestCache(t, 2, func(o *Options) {
				o.Codec = codec
				o.VictimCapacity = 4
			})
			lc := locking.NewContext()

			for id := model.VectorID(1); id <= 3; id++ {
				ref, err := c.Insert(lc, record(id, float32(id), float32(id)+0.5, 0, 0))
				require.NoError(t, err)
				ref.Release()
			}

			// id 1 was evicted into the victim cache; a lookup re-admits it
			// with the payload intact, evicting another entry to make room.
			got, ok, err := c.Lookup(lc, 1, AccessSearch)
			require.NoError(t, err)
			require.True(t, ok, "victim re-admission")
			assert.Equal(t, math.Float32bits(1.5), got.Bits()[1])
			got.Release()

			assert.Equal(t, uint64(1), c.Stats().VictimHits)
		})
	}
}

func TestRemove(t *testing.T) {
	c := newTestCache(t, 4, func(o *Options) { o.VictimCapacity = 4 })
	lc := locking.NewContext()

	ref, err := c.Insert(lc, record(1, 1))
	require.NoError(t, err)

	// Referenced entries refuse removal.
	removed, err := c.Remove(lc, 1)
	require.NoError(t, err)
	assert.False(t, removed)

	ref.Release()
	removed, err = c.Remove(lc, 1)
	require.NoError(t, err)
	assert.True(t, removed)

	ok, _ := c.Contains(lc, 1)
	assert.False(t, ok)

	// Removal does not spill to the victim cache.
	_, ok, err = c.Lookup(lc, 1, AccessSearch)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryAccounting(t *testing.T) {
	ctrl := resource.NewController(resource.Config{MemoryLimitBytes: 64})
	c := newTestCache(t, 8, func(o *Options) { o.Controller = ctrl })
	lc := locking.NewContext()

	ref, err := c.Insert(lc, record(1, 1, 2, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, int64(16), ctrl.MemoryUsed())
	ref.Release()

	// Entries the budget cannot admit are refused, then satisfied after
	// eviction frees memory.
	big := make([]float32, 16) // 64 bytes: exceeds what remains
	vals := record(2, big...)
	_, err = c.Insert(lc, vals)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	removed, err := c.Remove(lc, 1)
	require.NoError(t, err)
	require.True(t, removed)
	assert.Equal(t, int64(0), ctrl.MemoryUsed())

	ref, err = c.Insert(lc, vals)
	require.NoError(t, err)
	ref.Release()
	assert.Equal(t, int64(64), ctrl.MemoryUsed())
}

func TestStaleRefReleaseIsHarmless(t *testing.T) {
	c := newTestCache(t, 2)
	lc := locking.NewContext()

	ref, err := c.Insert(lc, record(1, 1))
	require.NoError(t, err)
	ref.Release()
	ref.Release() // double release is a no-op

	// Evict id 1, recycle its slot for id 3, then release the stale ref
	// again: the generation check must protect the new occupant.
	ref2, err := c.Insert(lc, record(2, 2))
	require.NoError(t, err)
	ref2.Release()
	ref3, err := c.Insert(lc, record(3, 3))
	require.NoError(t, err)

	ref.released = false
	ref.Release()

	got, ok, err := c.Lookup(lc, 3, AccessSearch)
	require.NoError(t, err)
	require.True(t, ok)
	got.Release()
	ref3.Release()
}

func TestPatternClassifier(t *testing.T) {
	var p patternTracker

	pat := p.observe(10, AccessInsert)
	pat = p.observe(11, AccessInsert)
	assert.True(t, pat&PatternSequential != 0, "id = last+1 is sequential")

	pat = p.observe(50, AccessInsert)
	assert.True(t, pat&PatternSequential == 0)

	// Search-dominated stream flips the search bit.
	for i := 0; i < 10; i++ {
		pat = p.observe(uint64(100+i*2), AccessSearch)
	}
	assert.True(t, pat&PatternSearch != 0)

	// A burst inside the window flips the batch bit.
	var burst Pattern
	for i := 0; i < batchThreshold+1; i++ {
		burst = p.observe(uint64(i), AccessInsert)
	}
	assert.True(t, burst&PatternBatch != 0)

	assert.True(t, p.observe(1, AccessBatch)&PatternBatch != 0)
}

func TestAlignment(t *testing.T) {
	c := newTestCache(t, 4, func(o *Options) { o.Alignment = 64 })
	lc := locking.NewContext()

	ref, err := c.Insert(lc, record(1, 1, 2, 3))
	require.NoError(t, err)
	defer ref.Release()

	assert.Equal(t, uintptr(0), uintptr(payloadAddr(ref))&63, "payload is 64-byte aligned")
}

func TestCacheClose(t *testing.T) {
	c := newTestCache(t, 4)
	lc := locking.NewContext()

	ref, err := c.Insert(lc, record(1, 1))
	require.NoError(t, err)
	ref.Release()

	c.Close()
	_, _, err = c.Lookup(lc, 1, AccessSearch)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Insert(lc, record(2, 2))
	assert.ErrorIs(t, err, ErrClosed)
}
