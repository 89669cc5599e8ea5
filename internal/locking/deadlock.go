package locking

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/annstore/model"
)

type eventKind uint8

const (
	evAcquired eventKind = iota
	evReleased
	evWaiting
	evWaitDone
)

type lockEvent struct {
	kind eventKind
	ctx  *Context
	id   model.VectorID
	mode Mode
}

const (
	eventBufferSize     = 4096
	defaultScanInterval = 50 * time.Millisecond
)

// DetectorStats is a snapshot of the detector's counters.
type DetectorStats struct {
	CyclesDetected uint64
	VictimsAborted uint64
	EventsDropped  uint64
	ScansCompleted uint64
}

// Detector maintains a waits-for graph fed by lock acquisition events and
// periodically scans it for cycles. When a cycle is found, the youngest
// participant (highest context id) is aborted; its in-flight acquisition
// observes ErrDeadlockAborted and the caller retries.
//
// Events travel over a buffered channel; under extreme pressure events are
// dropped rather than blocking the lock fast path, which only delays
// detection (the timeout path still bounds every wait).
type Detector struct {
	events  chan lockEvent
	stop    chan struct{}
	done    chan struct{}
	limiter *rate.Limiter

	mu    sync.Mutex
	ctxs  map[uint64]*Context
	table *Table

	// Graph state, owned by the run loop.
	waiting map[uint64]model.VectorID          // ctx id -> lock it waits on
	holders map[model.VectorID]map[uint64]Mode // lock -> holder ctx ids

	cycles  atomic.Uint64
	aborts  atomic.Uint64
	dropped atomic.Uint64
	scans   atomic.Uint64
}

// NewDetector creates and starts a deadlock detector scanning at the given
// interval (non-positive selects the default).
func NewDetector(scanInterval time.Duration) *Detector {
	if scanInterval <= 0 {
		scanInterval = defaultScanInterval
	}
	d := &Detector{
		events:  make(chan lockEvent, eventBufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Every(scanInterval), 1),
		ctxs:    make(map[uint64]*Context),
		waiting: make(map[uint64]model.VectorID),
		holders: make(map[model.VectorID]map[uint64]Mode),
	}
	go d.run(scanInterval)
	return d
}

// NewContext creates an acquisition context registered with the detector.
func (d *Detector) NewContext() *Context {
	c := NewContext()
	c.detector = d
	d.mu.Lock()
	d.ctxs[c.id] = c
	d.mu.Unlock()
	return c
}

func (d *Detector) unregister(c *Context) {
	d.mu.Lock()
	delete(d.ctxs, c.id)
	d.mu.Unlock()
}

func (d *Detector) attach(t *Table) {
	d.mu.Lock()
	d.table = t
	d.mu.Unlock()
}

// Stop terminates the detector loop and waits for it to drain.
func (d *Detector) Stop() {
	close(d.stop)
	<-d.done
}

// Stats returns the detector's counters.
func (d *Detector) Stats() DetectorStats {
	return DetectorStats{
		CyclesDetected: d.cycles.Load(),
		VictimsAborted: d.aborts.Load(),
		EventsDropped:  d.dropped.Load(),
		ScansCompleted: d.scans.Load(),
	}
}

func (d *Detector) report(kind eventKind, lc *Context, id model.VectorID, mode Mode) {
	select {
	case d.events <- lockEvent{kind: kind, ctx: lc, id: id, mode: mode}:
	default:
		d.dropped.Add(1)
	}
}

func (d *Detector) run(scanInterval time.Duration) {
	defer close(d.done)
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case ev := <-d.events:
			d.apply(ev)
		case <-ticker.C:
			if !d.limiter.Allow() {
				continue
			}
			d.scan()
			d.scans.Add(1)
			d.mu.Lock()
			t := d.table
			d.mu.Unlock()
			if t != nil {
				t.sweep()
			}
		}
	}
}

func (d *Detector) apply(ev lockEvent) {
	switch ev.kind {
	case evAcquired:
		hs := d.holders[ev.id]
		if hs == nil {
			hs = make(map[uint64]Mode)
			d.holders[ev.id] = hs
		}
		hs[ev.ctx.id] = ev.mode
		delete(d.waiting, ev.ctx.id)
	case evReleased:
		if hs := d.holders[ev.id]; hs != nil {
			delete(hs, ev.ctx.id)
			if len(hs) == 0 {
				delete(d.holders, ev.id)
			}
		}
	case evWaiting:
		d.waiting[ev.ctx.id] = ev.id
	case evWaitDone:
		delete(d.waiting, ev.ctx.id)
	}
}

// scan walks waiter -> lock -> holders edges looking for a cycle and aborts
// the youngest participant of the first cycle found.
func (d *Detector) scan() {
	for start := range d.waiting {
		cycle := d.findCycle(start)
		if len(cycle) == 0 {
			continue
		}
		d.cycles.Add(1)

		victim := cycle[0]
		for _, id := range cycle[1:] {
			if id > victim {
				victim = id
			}
		}

		d.mu.Lock()
		c := d.ctxs[victim]
		d.mu.Unlock()
		if c != nil {
			c.markAborted()
			d.aborts.Add(1)
		}
		// Drop the victim's wait edge so one scan aborts one victim per cycle.
		delete(d.waiting, victim)
	}
}

func (d *Detector) findCycle(start uint64) []uint64 {
	visited := map[uint64]bool{}
	path := []uint64{}

	var walk func(ctxID uint64) []uint64
	walk = func(ctxID uint64) []uint64 {
		if visited[ctxID] {
			for i, id := range path {
				if id == ctxID {
					return append([]uint64(nil), path[i:]...)
				}
			}
			return nil
		}
		visited[ctxID] = true
		path = append(path, ctxID)
		defer func() { path = path[:len(path)-1] }()

		lockID, ok := d.waiting[ctxID]
		if !ok {
			return nil
		}
		for holder := range d.holders[lockID] {
			if holder == ctxID {
				continue
			}
			if cycle := walk(holder); cycle != nil {
				return cycle
			}
		}
		return nil
	}

	return walk(start)
}
