package locking

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// IndexLock protects a read-mostly structure with RCU-style semantics: a
// writer mutex serializes structural updates against each other while an
// even/odd sequence counter lets readers detect a concurrent writer and
// retry without ever blocking.
//
// Typical reader:
//
//	for {
//		seq := l.ReadBegin()
//		... read atomically-published state ...
//		if !l.ReadRetry(seq) {
//			break
//		}
//	}
type IndexLock struct {
	rank Rank
	mu   sync.Mutex
	seq  atomic.Uint64
}

// NewIndexLock creates an index-class lock at the given rank.
func NewIndexLock(rank Rank) *IndexLock {
	return &IndexLock{rank: rank}
}

// WriteLock acquires the writer mutex and marks a structural update in
// progress (sequence becomes odd).
func (l *IndexLock) WriteLock(lc *Context) error {
	if err := lc.push(l.rank); err != nil {
		return err
	}
	l.mu.Lock()
	l.seq.Add(1)
	return nil
}

// WriteUnlock publishes the structural update (sequence becomes even again)
// and releases the writer mutex.
func (l *IndexLock) WriteUnlock(lc *Context) {
	l.seq.Add(1)
	l.mu.Unlock()
	lc.pop(l.rank)
}

// ReadBegin returns a stable (even) sequence value, spinning past any writer
// in progress. Readers never block on the mutex.
func (l *IndexLock) ReadBegin() uint64 {
	for {
		s := l.seq.Load()
		if s&1 == 0 {
			return s
		}
		runtime.Gosched()
	}
}

// ReadRetry reports whether a structural update overlapped the read section
// started at seq, in which case the reader must retry.
func (l *IndexLock) ReadRetry(seq uint64) bool {
	return l.seq.Load() != seq
}

// Generation returns the current sequence value. Odd values indicate a
// writer in progress.
func (l *IndexLock) Generation() uint64 {
	return l.seq.Load()
}
