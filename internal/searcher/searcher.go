package searcher

import "sync"

// Searcher is a reusable execution context for one search or insert
// traversal. It owns all scratch memory, eliminating heap allocations in the
// steady state.
//
// Searcher is NOT thread-safe; it belongs to a single goroutine for the
// duration of an operation.
type Searcher struct {
	// Visited tracks visited rows during graph traversal.
	Visited *VisitedSet

	// Results is a max-heap keeping the best ef candidates (worst on top).
	Results *Queue

	// Explore is a min-heap driving beam expansion from the closest
	// candidate outward.
	Explore *Queue

	// ScratchDists is a reusable buffer for batch distance outputs.
	ScratchDists []uint32

	// ScratchCands is a reusable buffer for extracting ordered results.
	ScratchCands []Candidate
}

var pool = sync.Pool{
	New: func() any {
		return &Searcher{
			Visited:      NewVisitedSet(1024),
			Results:      NewQueue(true),
			Explore:      NewQueue(false),
			ScratchDists: make([]uint32, 0, 256),
			ScratchCands: make([]Candidate, 0, 128),
		}
	},
}

// Get returns a reset Searcher from the pool.
func Get() *Searcher {
	s := pool.Get().(*Searcher)
	s.Reset()
	return s
}

// Put returns a Searcher to the pool.
func Put(s *Searcher) {
	pool.Put(s)
}

// Reset clears all scratch state, preserving capacity.
func (s *Searcher) Reset() {
	s.Visited.Reset()
	s.Results.Reset()
	s.Explore.Reset()
	s.ScratchDists = s.ScratchDists[:0]
	s.ScratchCands = s.ScratchCands[:0]
}
