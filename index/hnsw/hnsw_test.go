package hnsw

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/annstore/bitmath"
	"github.com/hupe1980/annstore/index"
	"github.com/hupe1980/annstore/internal/locking"
	"github.com/hupe1980/annstore/model"
)

// mapSource serves payloads from a guarded map, standing in for the cache.
// It counts acquisitions per access tag.
type mapSource struct {
	mu       sync.RWMutex
	vectors  map[model.VectorID][]uint32
	accesses map[index.Access]int
}

func (m *mapSource) put(id model.VectorID, bits []uint32) {
	m.mu.Lock()
	m.vectors[id] = bits
	m.mu.Unlock()
}

func (m *mapSource) get(id model.VectorID) []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vectors[id]
}

func (m *mapSource) accessCount(access index.Access) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accesses[access]
}

func (m *mapSource) Acquire(_ *locking.Context, id model.VectorID, access index.Access) ([]uint32, func(), error) {
	m.mu.Lock()
	m.accesses[access]++
	bits, ok := m.vectors[id]
	m.mu.Unlock()
	if !ok {
		return nil, nil, index.ErrNotFound
	}
	return bits, func() {}, nil
}

func vec(vals ...float32) []uint32 {
	bits := make([]uint32, len(vals))
	for i, v := range vals {
		bits[i] = math.Float32bits(v)
	}
	return bits
}

func newTestIndex(t *testing.T, dims int, optFns ...func(o *Options)) (*Index, *mapSource) {
	t.Helper()
	h, src, _ := newTestIndexWithTable(t, dims, optFns...)
	return h, src
}

func newTestIndexWithTable(t *testing.T, dims int, optFns ...func(o *Options)) (*Index, *mapSource, *locking.Table) {
	t.Helper()
	src := &mapSource{
		vectors:  make(map[model.VectorID][]uint32),
		accesses: make(map[index.Access]int),
	}
	table := locking.NewTable(nil)
	locks, err := locking.NewLockCache(table, 0)
	require.NoError(t, err)
	h, err := New(src, locks, append([]func(o *Options){func(o *Options) {
		o.Dimensions = dims
	}}, optFns...)...)
	require.NoError(t, err)
	return h, src, table
}

func insert(t *testing.T, h *Index, src *mapSource, id model.VectorID, v []uint32) {
	t.Helper()
	src.put(id, v)
	lc := locking.NewContext()
	require.NoError(t, h.Insert(context.Background(), lc, id, v))
}

func search(t *testing.T, h *Index, query []uint32, k, ef int) []model.Result {
	t.Helper()
	lc := locking.NewContext()
	results, err := h.Search(context.Background(), lc, query, k, ef)
	require.NoError(t, err)
	return results
}

func TestKNNSearchOrdersByDistance(t *testing.T) {
	h, src := newTestIndex(t, 4, func(o *Options) {
		o.M = 8
		o.EFConstruction = 32
	})

	insert(t, h, src, 1, vec(0, 0, 0, 0))
	insert(t, h, src, 2, vec(1, 0, 0, 0))
	insert(t, h, src, 3, vec(10, 10, 10, 10))

	results := search(t, h, vec(0, 0, 0, 0), 2, 32)
	require.Len(t, results, 2)
	assert.Equal(t, model.VectorID(1), results[0].ID)
	assert.Equal(t, bitmath.ZeroBits, results[0].Distance)
	assert.Equal(t, model.VectorID(2), results[1].ID)
	assert.Equal(t, math.Float32bits(1), results[1].Distance)
}

func TestSearchEmptyIndex(t *testing.T) {
	h, _ := newTestIndex(t, 4)
	results := search(t, h, vec(0, 0, 0, 0), 5, 32)
	assert.Empty(t, results)
}

func TestSelfRecall(t *testing.T) {
	const n = 60
	h, src := newTestIndex(t, 8)

	for i := 1; i <= n; i++ {
		v := vec(
			float32(i), float32(i%7), float32(i%13), float32(i%3),
			float32(i*i%31), float32(i%5), float32(i%11), float32(i%17),
		)
		insert(t, h, src, model.VectorID(i), v)
	}

	for i := 1; i <= n; i++ {
		results := search(t, h, src.get(model.VectorID(i)), 1, n)
		require.Len(t, results, 1, "id %d", i)
		assert.Equal(t, model.VectorID(i), results[0].ID)
		assert.Equal(t, bitmath.ZeroBits, results[0].Distance)
	}
}

func TestLayerZeroConnectivity(t *testing.T) {
	h, src := newTestIndex(t, 4)
	for i := 1; i <= 40; i++ {
		insert(t, h, src, model.VectorID(i), vec(float32(i), float32(i%5), 0, 1))
	}

	count := h.arena.len()
	require.Equal(t, uint32(40), count)
	for row := model.RowID(0); row < model.RowID(count); row++ {
		assert.NotEmpty(t, h.arena.at(row).neighbors(0),
			"row %d must keep at least one base-layer edge", row)
	}
}

func TestNeighborListsBoundedByM(t *testing.T) {
	h, src := newTestIndex(t, 2, func(o *Options) {
		o.M = 4
		o.EFConstruction = 16
	})
	for i := 1; i <= 50; i++ {
		insert(t, h, src, model.VectorID(i), vec(float32(i%10), float32(i/10)))
	}

	for row := model.RowID(0); row < model.RowID(h.arena.len()); row++ {
		n := h.arena.at(row)
		for l := int32(0); l <= n.level; l++ {
			assert.LessOrEqual(t, len(n.neighbors(l)), 4,
				"row %d layer %d", row, l)
		}
	}
}

func TestDuplicateInsert(t *testing.T) {
	h, src := newTestIndex(t, 2)
	insert(t, h, src, 1, vec(1, 2))

	lc := locking.NewContext()
	err := h.Insert(context.Background(), lc, 1, vec(1, 2))
	assert.ErrorIs(t, err, index.ErrDuplicateID)
}

func TestDimensionMismatch(t *testing.T) {
	h, _ := newTestIndex(t, 4)
	lc := locking.NewContext()

	err := h.Insert(context.Background(), lc, 1, vec(1, 2))
	assert.ErrorIs(t, err, index.ErrDimensionMismatch)

	_, err = h.Search(context.Background(), lc, vec(1, 2), 1, 8)
	assert.ErrorIs(t, err, index.ErrDimensionMismatch)
}

func TestRemoveTombstonesNode(t *testing.T) {
	h, src := newTestIndex(t, 2)
	insert(t, h, src, 1, vec(0, 0))
	insert(t, h, src, 2, vec(1, 0))
	insert(t, h, src, 3, vec(2, 0))

	lc := locking.NewContext()
	require.NoError(t, h.Remove(context.Background(), lc, 2))

	results := search(t, h, vec(1, 0), 3, 16)
	for _, r := range results {
		assert.NotEqual(t, model.VectorID(2), r.ID, "tombstoned id must not surface")
	}
	require.Len(t, results, 2)

	// Removing twice or removing an absent id fails.
	assert.ErrorIs(t, h.Remove(context.Background(), lc, 2), index.ErrNotFound)
	assert.ErrorIs(t, h.Remove(context.Background(), lc, 99), index.ErrNotFound)
	assert.Equal(t, uint64(1), h.Stats().Deletes)
}

func TestEqualDistanceTieBreaksLowerID(t *testing.T) {
	h, src := newTestIndex(t, 2)
	// Two vectors equidistant from the query.
	insert(t, h, src, 9, vec(1, 0))
	insert(t, h, src, 4, vec(-1, 0))

	results := search(t, h, vec(0, 0), 2, 8)
	require.Len(t, results, 2)
	assert.Equal(t, model.VectorID(4), results[0].ID)
	assert.Equal(t, model.VectorID(9), results[1].ID)
}

func TestStats(t *testing.T) {
	h, src := newTestIndex(t, 2)
	for i := 1; i <= 20; i++ {
		insert(t, h, src, model.VectorID(i), vec(float32(i), 0))
	}
	search(t, h, vec(3, 0), 2, 8)

	s := h.Stats()
	assert.Equal(t, uint64(20), s.NodeCount)
	assert.Equal(t, uint64(20), s.Inserts)
	assert.Equal(t, uint64(1), s.Searches)
	assert.Greater(t, s.DistanceComps, uint64(0))
	assert.Greater(t, s.MemoryBytes, uint64(0))
	assert.NotZero(t, s.EntryPointID)
	assert.Less(t, s.MaxLayer, uint32(DefaultMaxLayers))

	var layerTotal uint32
	for _, c := range s.LayerDistribution {
		layerTotal += c
	}
	assert.Equal(t, uint32(20), layerTotal, "histogram covers every node")
}

func TestCleanup(t *testing.T) {
	h, src := newTestIndex(t, 2)
	for i := 1; i <= 10; i++ {
		insert(t, h, src, model.VectorID(i), vec(float32(i), 0))
	}
	h.Cleanup()

	s := h.Stats()
	assert.Equal(t, uint64(0), s.NodeCount)
	assert.Equal(t, uint64(10), s.Inserts, "cumulative counters survive cleanup")
	assert.Empty(t, search(t, h, vec(1, 0), 1, 8))

	// The index accepts inserts again after cleanup.
	insert(t, h, src, 100, vec(5, 5))
	results := search(t, h, vec(5, 5), 1, 8)
	require.Len(t, results, 1)
	assert.Equal(t, model.VectorID(100), results[0].ID)
}

func TestLevelDrawDistribution(t *testing.T) {
	h, _ := newTestIndex(t, 2)

	counts := map[int32]int{}
	for i := 0; i < 10000; i++ {
		counts[h.drawLevel()]++
	}
	// The draw decays exponentially: level 0 dominates and deep levels
	// stay rare.
	assert.Greater(t, counts[0], 8000)
	for l, c := range counts {
		if l >= 4 {
			assert.Less(t, c, 100, fmt.Sprintf("level %d drawn too often", l))
		}
	}
}

func TestInsertUnwindsAfterLockTimeout(t *testing.T) {
	h, src, table := newTestIndexWithTable(t, 2, func(o *Options) {
		o.MaxLayers = 1
		o.LockTimeout = 50 * time.Millisecond
	})
	insert(t, h, src, 1, vec(0, 0))
	insert(t, h, src, 2, vec(1, 0))

	// Hold vector 1's write lock so linking the new node times out after it
	// has already extended vector 2's neighbor list.
	blocker := locking.NewContext()
	held, err := table.Acquire(blocker, 1, locking.Write, time.Second)
	require.NoError(t, err)

	src.put(3, vec(2, 0))
	lc := locking.NewContext()
	err = h.Insert(context.Background(), lc, 3, vec(2, 0))
	require.ErrorIs(t, err, locking.ErrLockTimeout)

	// The failed insert must leave no trace: no registration, no dangling
	// edge toward the abandoned row, no insert counted.
	_, registered := h.rows[3]
	assert.False(t, registered)
	row2 := h.rows[2]
	for _, nb := range h.arena.at(row2).neighbors(0) {
		assert.NotEqual(t, model.VectorID(3), h.arena.at(nb).id, "vector 2 keeps only its original edges")
	}
	assert.Equal(t, uint64(2), h.Stats().Inserts)

	table.Release(blocker, held, locking.Write)

	// The retry succeeds and the vector becomes searchable.
	lc = locking.NewContext()
	require.NoError(t, h.Insert(context.Background(), lc, 3, vec(2, 0)))

	results := search(t, h, vec(2, 0), 3, 16)
	require.Len(t, results, 3)
	assert.Equal(t, model.VectorID(3), results[0].ID)
}

func TestAcquireAccessTags(t *testing.T) {
	h, src := newTestIndex(t, 2)
	for i := 1; i <= 8; i++ {
		insert(t, h, src, model.VectorID(i), vec(float32(i), 0))
	}

	// Inserts fetch payloads only for linking, never as search traffic.
	assert.Greater(t, src.accessCount(index.AccessInsert), 0)
	assert.Zero(t, src.accessCount(index.AccessSearch))

	search(t, h, vec(4, 0), 2, 8)
	assert.Greater(t, src.accessCount(index.AccessSearch), 0)
}

func TestConcurrentSearchDuringInsert(t *testing.T) {
	h, src := newTestIndex(t, 4)
	for i := 1; i <= 32; i++ {
		insert(t, h, src, model.VectorID(i), vec(float32(i), 1, 2, 3))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 33; i <= 64; i++ {
			id := model.VectorID(i)
			v := vec(float32(i), 1, 2, 3)
			src.put(id, v)
			lc := locking.NewContext()
			assert.NoError(t, h.Insert(context.Background(), lc, id, v))
		}
	}()

	for i := 0; i < 200; i++ {
		results := search(t, h, vec(5, 1, 2, 3), 3, 16)
		assert.NotEmpty(t, results)
	}
	<-done

	assert.Equal(t, uint64(64), h.Stats().NodeCount)
}
