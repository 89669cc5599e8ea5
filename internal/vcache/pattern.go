package vcache

import (
	"sync/atomic"
	"time"
)

// Pattern classifies the access stream hitting the cache.
type Pattern uint32

const (
	PatternSequential Pattern = 1 << iota
	PatternSearch
	PatternBatch
)

// AccessKind tags a lookup with the operation that triggered it.
type AccessKind uint8

const (
	AccessInsert AccessKind = iota
	AccessSearch
	AccessBatch
)

const (
	// batchWindow is the sliding window for batch detection.
	batchWindow = 100 * time.Millisecond

	// batchThreshold is the access count within batchWindow that flips the
	// batch bit.
	batchThreshold = 32
)

// patternTracker maintains the cache-wide access classifier:
// sequential when ids arrive as last+1, search-dominated when search lookups
// exceed half of all accesses, batch when a short window sees a burst.
type patternTracker struct {
	lastID      atomic.Uint64
	total       atomic.Uint64
	searches    atomic.Uint64
	windowStart atomic.Int64
	windowCount atomic.Uint32
}

// observe records one access and returns the pattern bits it exhibits.
func (p *patternTracker) observe(id uint64, kind AccessKind) Pattern {
	var pat Pattern

	last := p.lastID.Swap(id)
	if id == last+1 {
		pat |= PatternSequential
	}

	total := p.total.Add(1)
	searches := p.searches.Load()
	if kind == AccessSearch {
		searches = p.searches.Add(1)
	}
	if searches*2 > total {
		pat |= PatternSearch
	}

	now := time.Now().UnixNano()
	start := p.windowStart.Load()
	if now-start > int64(batchWindow) {
		if p.windowStart.CompareAndSwap(start, now) {
			p.windowCount.Store(0)
		}
	}
	if p.windowCount.Add(1) > batchThreshold || kind == AccessBatch {
		pat |= PatternBatch
	}

	return pat
}
