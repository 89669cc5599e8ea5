package locking

import (
	"fmt"
	"sync/atomic"
)

// Rank places a lock class in the global acquisition hierarchy.
// Locks must be acquired in ascending rank order; equal ranks are permitted
// (multiple vector locks are ordered by id at the call site).
type Rank uint8

const (
	RankGlobal Rank = 1 + iota
	RankIndex
	RankVectorTable
	RankVector
	RankMetadata

	rankCount
)

func (r Rank) String() string {
	switch r {
	case RankGlobal:
		return "global"
	case RankIndex:
		return "index"
	case RankVectorTable:
		return "vector-table"
	case RankVector:
		return "vector"
	case RankMetadata:
		return "metadata"
	default:
		return fmt.Sprintf("rank(%d)", uint8(r))
	}
}

var nextContextID atomic.Uint64

// Context tracks the lock ranks held by one logical operation and carries the
// abort signal the deadlock detector uses to break cycles. One Context per
// insert/search/evict operation; never shared between goroutines.
type Context struct {
	id       uint64
	held     [rankCount]int8
	maxHeld  Rank
	abort    chan struct{}
	aborted  atomic.Bool
	detector *Detector
}

// NewContext creates a detached acquisition context. Operations that should
// participate in deadlock detection use Detector.NewContext instead.
func NewContext() *Context {
	return &Context{
		id:    nextContextID.Add(1),
		abort: make(chan struct{}),
	}
}

// ID returns the context's unique operation id.
func (c *Context) ID() uint64 { return c.id }

// Aborted reports whether the deadlock detector selected this operation as a
// cycle victim.
func (c *Context) Aborted() bool { return c.aborted.Load() }

// Close unregisters the context from its detector. Contexts must be closed
// once the operation completes.
func (c *Context) Close() {
	if c.detector != nil {
		c.detector.unregister(c)
	}
}

func (c *Context) push(r Rank) error {
	if r == 0 || r >= rankCount {
		return fmt.Errorf("%w: invalid rank %d", ErrOrderViolation, r)
	}
	if c.maxHeld > r {
		return fmt.Errorf("%w: acquiring %s while holding %s", ErrOrderViolation, r, c.maxHeld)
	}
	c.held[r]++
	if r > c.maxHeld {
		c.maxHeld = r
	}
	return nil
}

func (c *Context) pop(r Rank) {
	if r == 0 || r >= rankCount || c.held[r] == 0 {
		return
	}
	c.held[r]--
	if r == c.maxHeld && c.held[r] == 0 {
		for c.maxHeld > 0 && c.held[c.maxHeld] == 0 {
			c.maxHeld--
		}
	}
}

func (c *Context) markAborted() {
	if c.aborted.CompareAndSwap(false, true) {
		close(c.abort)
	}
}
