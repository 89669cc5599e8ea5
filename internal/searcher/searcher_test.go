package searcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/annstore/model"
)

func TestMinHeapOrdering(t *testing.T) {
	q := NewQueue(false)
	q.Push(Candidate{ID: 1, Distance: 30})
	q.Push(Candidate{ID: 2, Distance: 10})
	q.Push(Candidate{ID: 3, Distance: 20})

	c, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(2), c.ID)
	c, _ = q.Pop()
	assert.Equal(t, uint64(3), c.ID)
	c, _ = q.Pop()
	assert.Equal(t, uint64(1), c.ID)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestMaxHeapKeepsWorstOnTop(t *testing.T) {
	q := NewQueue(true)
	q.Push(Candidate{ID: 1, Distance: 30})
	q.Push(Candidate{ID: 2, Distance: 10})

	top, ok := q.Top()
	require.True(t, ok)
	assert.Equal(t, uint64(1), top.ID)
}

func TestTieBreakLowerID(t *testing.T) {
	q := NewQueue(false)
	q.Push(Candidate{ID: 9, Distance: 5})
	q.Push(Candidate{ID: 3, Distance: 5})
	q.Push(Candidate{ID: 7, Distance: 5})

	c, _ := q.Pop()
	assert.Equal(t, uint64(3), c.ID)
	c, _ = q.Pop()
	assert.Equal(t, uint64(7), c.ID)
	c, _ = q.Pop()
	assert.Equal(t, uint64(9), c.ID)
}

func TestPushBounded(t *testing.T) {
	q := NewQueue(true)
	for i := uint64(1); i <= 10; i++ {
		q.PushBounded(Candidate{ID: i, Distance: uint32(i * 10)}, 3)
	}
	require.Equal(t, 3, q.Len())

	// The three smallest distances survive.
	var got []uint64
	for q.Len() > 0 {
		c, _ := q.Pop()
		got = append(got, c.ID)
	}
	assert.ElementsMatch(t, []uint64{1, 2, 3}, got)
}

func TestQueueMin(t *testing.T) {
	q := NewQueue(true)
	_, ok := q.Min()
	assert.False(t, ok)

	q.Push(Candidate{ID: 1, Distance: 30})
	q.Push(Candidate{ID: 2, Distance: 10})
	q.Push(Candidate{ID: 3, Distance: 20})

	c, ok := q.Min()
	require.True(t, ok)
	assert.Equal(t, uint64(2), c.ID)
}

func TestVisitedSet(t *testing.T) {
	v := NewVisitedSet(64)

	assert.False(t, v.Visited(5))
	v.Visit(5)
	assert.True(t, v.Visited(5))

	// Growth past the initial capacity.
	v.Visit(5000)
	assert.True(t, v.Visited(5000))
	assert.False(t, v.Visited(4999))

	v.Reset()
	assert.False(t, v.Visited(5))
	assert.False(t, v.Visited(5000))
}

func TestVisitedSetResetOnlyDirty(t *testing.T) {
	v := NewVisitedSet(128)
	rows := []model.RowID{1, 63, 64, 100}
	for _, r := range rows {
		v.Visit(r)
	}
	v.Reset()
	for _, r := range rows {
		assert.False(t, v.Visited(r))
	}
}

func TestSearcherPoolReset(t *testing.T) {
	s := Get()
	s.Visited.Visit(1)
	s.Results.Push(Candidate{ID: 1, Distance: 1})
	s.Explore.Push(Candidate{ID: 2, Distance: 2})
	Put(s)

	s2 := Get()
	defer Put(s2)
	assert.Equal(t, 0, s2.Results.Len())
	assert.Equal(t, 0, s2.Explore.Len())
	assert.False(t, s2.Visited.Visited(1))
}
