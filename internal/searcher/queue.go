// Package searcher implements the pooled search execution context: candidate
// priority queues ordered by distance bit patterns and a visited set for
// graph traversal.
package searcher

// Candidate is one entry in a candidate queue. Distance is a non-negative
// float32 bit pattern, compared as a plain integer; ties break toward the
// lower id so result ordering is deterministic.
type Candidate struct {
	ID       uint64
	Distance uint32
}

// Queue is a binary heap of candidates. It is value-based and does not
// implement container/heap to avoid interface overhead in the search hot
// path.
type Queue struct {
	isMaxHeap bool
	items     []Candidate
}

// NewQueue creates a queue. Max-heaps keep the k best (smallest) candidates
// with the worst on top; min-heaps drive exploration from the closest.
func NewQueue(isMaxHeap bool) *Queue {
	return &Queue{
		isMaxHeap: isMaxHeap,
		items:     make([]Candidate, 0, 16),
	}
}

// Reset clears the queue for reuse.
func (q *Queue) Reset() {
	q.items = q.items[:0]
}

// Len returns the number of queued candidates.
func (q *Queue) Len() int { return len(q.items) }

// Top returns the root of the heap without removing it.
func (q *Queue) Top() (Candidate, bool) {
	if len(q.items) == 0 {
		return Candidate{}, false
	}
	return q.items[0], true
}

// Min returns the closest queued candidate. O(n) on a max-heap, but n is
// bounded by ef.
func (q *Queue) Min() (Candidate, bool) {
	if len(q.items) == 0 {
		return Candidate{}, false
	}
	best := q.items[0]
	for _, it := range q.items[1:] {
		if less(it, best) {
			best = it
		}
	}
	return best, true
}

// Push inserts a candidate, maintaining the heap invariant.
func (q *Queue) Push(c Candidate) {
	q.items = append(q.items, c)
	q.siftUp(len(q.items) - 1)
}

// PushBounded inserts into a heap capped at capacity, replacing the worst
// element when full and the new candidate is better.
func (q *Queue) PushBounded(c Candidate, capacity int) {
	if len(q.items) < capacity {
		q.Push(c)
		return
	}
	top, _ := q.Top()
	if q.isMaxHeap {
		if less(c, top) {
			q.items[0] = c
			q.siftDown(0)
		}
		return
	}
	if less(top, c) {
		q.items[0] = c
		q.siftDown(0)
	}
}

// Pop removes and returns the root.
func (q *Queue) Pop() (Candidate, bool) {
	n := len(q.items)
	if n == 0 {
		return Candidate{}, false
	}
	c := q.items[0]
	q.items[0] = q.items[n-1]
	q.items = q.items[:n-1]
	if len(q.items) > 0 {
		q.siftDown(0)
	}
	return c, true
}

// less orders candidates by distance, lower id first on ties.
func less(a, b Candidate) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}

func (q *Queue) cmp(i, j int) bool {
	if q.isMaxHeap {
		return less(q.items[j], q.items[i])
	}
	return less(q.items[i], q.items[j])
}

func (q *Queue) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !q.cmp(i, parent) {
			break
		}
		q.items[i], q.items[parent] = q.items[parent], q.items[i]
		i = parent
	}
}

func (q *Queue) siftDown(i int) {
	n := len(q.items)
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		child := left
		if right := left + 1; right < n && q.cmp(right, left) {
			child = right
		}
		if !q.cmp(child, i) {
			break
		}
		q.items[i], q.items[child] = q.items[child], q.items[i]
		i = child
	}
}
