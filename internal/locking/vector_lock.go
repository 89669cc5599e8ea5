package locking

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/annstore/model"
)

// Mode selects reader or writer semantics for a vector lock.
type Mode uint8

const (
	Read Mode = iota
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

const (
	// numBuckets is the fixed size of the vector-lock hash table.
	numBuckets = 1024

	// DefaultTimeout is used when a caller passes a non-positive timeout.
	DefaultTimeout = 2 * time.Second

	// stateWriter marks exclusive ownership in VectorLock.state.
	stateWriter = -1
)

// VectorLock is a reader/writer lock for a single vector id.
//
// state encodes ownership: 0 free, n>0 reader count, -1 writer held.
// Locks are created on first access and reclaimed by the detector's sweep
// once both the reference count and the owner state reach zero.
type VectorLock struct {
	id    model.VectorID
	state atomic.Int64
	refs  atomic.Int32

	acquires   atomic.Uint64
	contention atomic.Uint64
	holdNanos  atomic.Uint64
	writeSince atomic.Int64
}

// ID returns the vector id this lock guards.
func (l *VectorLock) ID() model.VectorID { return l.id }

func (l *VectorLock) tryAcquire(mode Mode) bool {
	if mode == Write {
		if l.state.CompareAndSwap(0, stateWriter) {
			l.writeSince.Store(time.Now().UnixNano())
			return true
		}
		return false
	}
	for {
		s := l.state.Load()
		if s < 0 {
			return false
		}
		if l.state.CompareAndSwap(s, s+1) {
			return true
		}
	}
}

func (l *VectorLock) release(mode Mode) {
	if mode == Write {
		started := l.writeSince.Swap(0)
		if started > 0 {
			l.holdNanos.Add(uint64(time.Now().UnixNano() - started))
		}
		l.state.Store(0)
		return
	}
	l.state.Add(-1)
}

// TryUpgrade converts a read hold into a write hold. It succeeds only when
// the caller is the sole reader; otherwise the caller keeps its read hold.
func (l *VectorLock) TryUpgrade() bool {
	if l.state.CompareAndSwap(1, stateWriter) {
		l.writeSince.Store(time.Now().UnixNano())
		return true
	}
	return false
}

// Downgrade converts a write hold into a read hold without a release window.
func (l *VectorLock) Downgrade() {
	started := l.writeSince.Swap(0)
	if started > 0 {
		l.holdNanos.Add(uint64(time.Now().UnixNano() - started))
	}
	l.state.Store(1)
}

// LockStats is a point-in-time snapshot of one lock's counters.
type LockStats struct {
	Acquires   uint64
	Contention uint64
	HoldNanos  uint64
}

// Stats returns the lock's counters.
func (l *VectorLock) Stats() LockStats {
	return LockStats{
		Acquires:   l.acquires.Load(),
		Contention: l.contention.Load(),
		HoldNanos:  l.holdNanos.Load(),
	}
}

type lockBucket struct {
	mu    sync.Mutex
	locks map[model.VectorID]*VectorLock
}

// TableStats aggregates counters across the whole lock table.
type TableStats struct {
	Acquisitions uint64
	Contentions  uint64
	Timeouts     uint64
	Aborts       uint64
	Upgrades     uint64
	ActiveLocks  uint64
}

// Table is the canonical per-vector lock table: a fixed bucket array of
// id-keyed reader/writer locks with reference counting.
type Table struct {
	detector *Detector
	buckets  [numBuckets]lockBucket

	acquisitions atomic.Uint64
	contentions  atomic.Uint64
	timeouts     atomic.Uint64
	aborts       atomic.Uint64
	upgrades     atomic.Uint64
	activeLocks  atomic.Int64
}

// NewTable creates a vector lock table. detector may be nil, in which case
// acquisitions still time out but never participate in cycle detection.
func NewTable(detector *Detector) *Table {
	t := &Table{detector: detector}
	for i := range t.buckets {
		t.buckets[i].locks = make(map[model.VectorID]*VectorLock)
	}
	if detector != nil {
		detector.attach(t)
	}
	return t
}

func (t *Table) bucket(id model.VectorID) *lockBucket {
	// Fibonacci hashing spreads sequential ids across buckets.
	h := uint64(id) * 0x9E3779B97F4A7C15
	return &t.buckets[h>>54] // top 10 bits, numBuckets = 1<<10
}

// Get returns the lock for id, creating it on first access. The returned
// lock holds a reference that must be returned with Put.
func (t *Table) Get(id model.VectorID) *VectorLock {
	b := t.bucket(id)
	b.mu.Lock()
	l, ok := b.locks[id]
	if !ok {
		l = &VectorLock{id: id}
		b.locks[id] = l
		t.activeLocks.Add(1)
	}
	l.refs.Add(1)
	b.mu.Unlock()
	return l
}

// Put returns a reference obtained from Get. The lock object stays resident
// until the detector sweep reclaims it.
func (t *Table) Put(l *VectorLock) {
	l.refs.Add(-1)
}

// Acquire locks id in the given mode, respecting the rank hierarchy and the
// timeout. A non-positive timeout selects DefaultTimeout.
func (t *Table) Acquire(lc *Context, id model.VectorID, mode Mode, timeout time.Duration) (*VectorLock, error) {
	return t.acquireHeld(lc, t.Get(id), mode, timeout)
}

// acquireHeld runs the acquisition protocol on an already-referenced lock,
// consuming the reference on failure. It is the shared back half of Acquire
// and LockCache.Acquire.
func (t *Table) acquireHeld(lc *Context, l *VectorLock, mode Mode, timeout time.Duration) (*VectorLock, error) {
	if err := lc.push(RankVector); err != nil {
		t.Put(l)
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if l.tryAcquire(mode) {
		l.acquires.Add(1)
		t.acquisitions.Add(1)
		t.notify(evAcquired, lc, l.id, mode)
		return l, nil
	}

	// Contended path: spin with bounded backoff until the deadline, watching
	// for a detector abort.
	l.contention.Add(1)
	t.contentions.Add(1)
	t.notify(evWaiting, lc, l.id, mode)
	defer t.notify(evWaitDone, lc, l.id, mode)

	deadline := time.Now().Add(timeout)
	var b Backoff
	for {
		if lc.Aborted() {
			t.aborts.Add(1)
			t.Put(l)
			lc.pop(RankVector)
			return nil, ErrDeadlockAborted
		}
		if l.tryAcquire(mode) {
			l.acquires.Add(1)
			t.acquisitions.Add(1)
			t.notify(evAcquired, lc, l.id, mode)
			return l, nil
		}
		if time.Now().After(deadline) {
			t.timeouts.Add(1)
			t.Put(l)
			lc.pop(RankVector)
			return nil, ErrLockTimeout
		}
		b.Wait()
	}
}

// TryAcquire locks id without waiting.
func (t *Table) TryAcquire(lc *Context, id model.VectorID, mode Mode) (*VectorLock, bool) {
	if err := lc.push(RankVector); err != nil {
		return nil, false
	}
	l := t.Get(id)
	if l.tryAcquire(mode) {
		l.acquires.Add(1)
		t.acquisitions.Add(1)
		t.notify(evAcquired, lc, id, mode)
		return l, true
	}
	l.contention.Add(1)
	t.contentions.Add(1)
	t.Put(l)
	lc.pop(RankVector)
	return nil, false
}

// Release unlocks l and returns its table reference.
func (t *Table) Release(lc *Context, l *VectorLock, mode Mode) {
	l.release(mode)
	t.notify(evReleased, lc, l.id, mode)
	t.Put(l)
	lc.pop(RankVector)
}

// Upgrade promotes a read hold to a write hold, waiting out other readers up
// to the timeout.
func (t *Table) Upgrade(lc *Context, l *VectorLock, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	var b Backoff
	for {
		if l.TryUpgrade() {
			t.upgrades.Add(1)
			return nil
		}
		if lc.Aborted() {
			t.aborts.Add(1)
			return ErrDeadlockAborted
		}
		if time.Now().After(deadline) {
			t.timeouts.Add(1)
			return ErrLockTimeout
		}
		b.Wait()
	}
}

// Stats returns aggregate counters for the table.
func (t *Table) Stats() TableStats {
	active := t.activeLocks.Load()
	if active < 0 {
		active = 0
	}
	return TableStats{
		Acquisitions: t.acquisitions.Load(),
		Contentions:  t.contentions.Load(),
		Timeouts:     t.timeouts.Load(),
		Aborts:       t.aborts.Load(),
		Upgrades:     t.upgrades.Load(),
		ActiveLocks:  uint64(active),
	}
}

func (t *Table) notify(kind eventKind, lc *Context, id model.VectorID, mode Mode) {
	if t.detector != nil {
		t.detector.report(kind, lc, id, mode)
	}
}

// sweep reclaims lock objects with no references and no owner. Called from
// the detector loop so reclamation is deferred past in-flight lookups.
func (t *Table) sweep() {
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		for id, l := range b.locks {
			if l.refs.Load() == 0 && l.state.Load() == 0 {
				delete(b.locks, id)
				t.activeLocks.Add(-1)
			}
		}
		b.mu.Unlock()
	}
}
