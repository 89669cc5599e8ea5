package lsh

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/annstore/bitmath"
	"github.com/hupe1980/annstore/index"
	"github.com/hupe1980/annstore/internal/locking"
	"github.com/hupe1980/annstore/model"
)

type mapSource struct {
	mu      sync.RWMutex
	vectors map[model.VectorID][]uint32
}

func (m *mapSource) put(id model.VectorID, bits []uint32) {
	m.mu.Lock()
	m.vectors[id] = bits
	m.mu.Unlock()
}

func (m *mapSource) Acquire(_ *locking.Context, id model.VectorID, _ index.Access) ([]uint32, func(), error) {
	m.mu.RLock()
	bits, ok := m.vectors[id]
	m.mu.RUnlock()
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
	src := &mapSource{vectors: make(map[model.VectorID][]uint32)}
	l, err := New(src, append([]func(o *Options){func(o *Options) {
		o.Dimensions = dims
	}}, optFns...)...)
	require.NoError(t, err)
	return l, src
}

func insert(t *testing.T, l *Index, src *mapSource, id model.VectorID, v []uint32) {
	t.Helper()
	src.put(id, v)
	lc := locking.NewContext()
	require.NoError(t, l.Insert(context.Background(), lc, id, v))
}

func search(t *testing.T, l *Index, query []uint32, k int) []model.Result {
	t.Helper()
	lc := locking.NewContext()
	results, err := l.Search(context.Background(), lc, query, k, k)
	require.NoError(t, err)
	return results
}

func TestIdenticalVectorAlwaysFound(t *testing.T) {
	l, src := newTestIndex(t, 8)

	for i := 1; i <= 50; i++ {
		v := vec(
			float32(i), float32(i%7), float32(i%3), float32(i%13),
			float32(i%5), float32(i*3%17), float32(i%2), float32(i%11),
		)
		insert(t, l, src, model.VectorID(i), v)
	}

	// An identical query shares every bucket with the stored vector, so
	// membership guarantees it surfaces with distance zero.
	for i := 1; i <= 50; i++ {
		src.mu.RLock()
		v := src.vectors[model.VectorID(i)]
		src.mu.RUnlock()

		results := search(t, l, v, 1)
		require.Len(t, results, 1, "id %d", i)
		assert.Equal(t, model.VectorID(i), results[0].ID)
		assert.Equal(t, bitmath.ZeroBits, results[0].Distance)
	}
}

func TestSearchRanksByExactDistance(t *testing.T) {
	l, src := newTestIndex(t, 2)
	insert(t, l, src, 1, vec(0, 0))
	insert(t, l, src, 2, vec(0.5, 0))
	insert(t, l, src, 3, vec(0.9, 0))

	// Close vectors land in the same buckets under the default width.
	results := search(t, l, vec(0, 0), 3)
	require.NotEmpty(t, results)
	assert.Equal(t, model.VectorID(1), results[0].ID)
	for i := 1; i < len(results); i++ {
		assert.True(t, bitmath.Less(results[i-1].Distance, results[i].Distance) ||
			results[i-1].Distance == results[i].Distance)
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	l, _ := newTestIndex(t, 4)
	results := search(t, l, vec(1, 2, 3, 4), 5)
	assert.Empty(t, results)
}

func TestRemoveClearsAllBuckets(t *testing.T) {
	l, src := newTestIndex(t, 4)
	v := vec(1, 2, 3, 4)
	insert(t, l, src, 7, v)

	lc := locking.NewContext()
	require.NoError(t, l.Remove(context.Background(), lc, 7))

	results := search(t, l, v, 1)
	assert.Empty(t, results, "removed id must not be reachable from any bucket")
	assert.Equal(t, uint64(0), l.Stats().BucketCount, "empty buckets are dropped")

	assert.ErrorIs(t, l.Remove(context.Background(), lc, 7), index.ErrNotFound)
}

func TestDuplicateInsert(t *testing.T) {
	l, src := newTestIndex(t, 2)
	insert(t, l, src, 1, vec(1, 2))

	lc := locking.NewContext()
	err := l.Insert(context.Background(), lc, 1, vec(1, 2))
	assert.ErrorIs(t, err, index.ErrDuplicateID)
}

func TestDimensionMismatch(t *testing.T) {
	l, _ := newTestIndex(t, 4)
	lc := locking.NewContext()

	err := l.Insert(context.Background(), lc, 1, vec(1))
	assert.ErrorIs(t, err, index.ErrDimensionMismatch)

	_, err = l.Search(context.Background(), lc, vec(1), 1, 1)
	assert.ErrorIs(t, err, index.ErrDimensionMismatch)
}

func TestSignatureDeterministic(t *testing.T) {
	l, _ := newTestIndex(t, 4)
	v := vec(1, 2, 3, 4)

	s1, err := l.signature(v)
	require.NoError(t, err)
	s2, err := l.signature(v)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
	assert.Len(t, s1, DefaultTables*DefaultFunctions)
}

func TestInsertFillsBucketPerTableFunctionPair(t *testing.T) {
	l, src := newTestIndex(t, 2, func(o *Options) {
		o.Tables = 5
		o.Functions = 3
	})
	insert(t, l, src, 1, vec(1, 2))

	assert.Equal(t, uint64(5*3), l.Stats().BucketCount,
		"one bucket per table-function pair")
}

func TestCollisionCounter(t *testing.T) {
	l, src := newTestIndex(t, 2)
	// Identical vectors collide in every bucket.
	insert(t, l, src, 1, vec(1, 1))
	src.put(2, vec(1, 1))
	lc := locking.NewContext()
	require.NoError(t, l.Insert(context.Background(), lc, 2, vec(1, 1)))

	assert.Equal(t, uint64(DefaultTables*DefaultFunctions), l.Stats().BucketCollisions)
}

func TestStats(t *testing.T) {
	l, src := newTestIndex(t, 2, func(o *Options) {
		o.Tables = 4
		o.Functions = 2
	})
	for i := 1; i <= 10; i++ {
		insert(t, l, src, model.VectorID(i), vec(float32(i*10), float32(i)))
	}
	search(t, l, vec(10, 1), 2)

	s := l.Stats()
	assert.Equal(t, uint64(10), s.NodeCount)
	assert.Equal(t, uint64(10), s.Inserts)
	assert.Equal(t, uint64(1), s.Searches)
	assert.Equal(t, uint32(4), s.HashTables)
	assert.Equal(t, uint32(2), s.HashFunctions)
	assert.Greater(t, s.BucketCount, uint64(0))
	assert.Greater(t, s.DistanceComps, uint64(0))
}

func TestCleanup(t *testing.T) {
	l, src := newTestIndex(t, 2)
	for i := 1; i <= 10; i++ {
		insert(t, l, src, model.VectorID(i), vec(float32(i), 0))
	}
	l.Cleanup()

	s := l.Stats()
	assert.Equal(t, uint64(0), s.NodeCount)
	assert.Equal(t, uint64(0), s.BucketCount)
	assert.Empty(t, search(t, l, vec(1, 0), 1))

	insert(t, l, src, 42, vec(4, 2))
	results := search(t, l, vec(4, 2), 1)
	require.Len(t, results, 1)
	assert.Equal(t, model.VectorID(42), results[0].ID)
}
