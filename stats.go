package annstore

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/annstore/index"
)

// Monitor owns the store-level counters. It is created by New and shared by
// reference; there is no ambient global statistics state.
type Monitor struct {
	inserts  atomic.Uint64
	searches atomic.Uint64
	deletes  atomic.Uint64
	failures atomic.Uint64

	insertNanos atomic.Uint64
	searchNanos atomic.Uint64
}

func (m *Monitor) observeInsert(d time.Duration, err error) {
	if err != nil {
		m.failures.Add(1)
		return
	}
	m.inserts.Add(1)
	m.insertNanos.Add(uint64(d))
}

func (m *Monitor) observeSearch(d time.Duration, err error) {
	if err != nil {
		m.failures.Add(1)
		return
	}
	m.searches.Add(1)
	m.searchNanos.Add(uint64(d))
}

func (m *Monitor) observeDelete(err error) {
	if err != nil {
		m.failures.Add(1)
		return
	}
	m.deletes.Add(1)
}

// MonitorStats aggregates counters from every component into the shape the
// external monitoring surface expects.
type MonitorStats struct {
	// Store-level operation counters.
	Inserts        uint64
	Searches       uint64
	Deletes        uint64
	Failures       uint64
	AvgInsertNanos uint64
	AvgSearchNanos uint64

	// Vector cache.
	CacheHits       uint64
	CacheMisses     uint64
	CacheEvictions  uint64
	VictimHits      uint64
	NUMALocalAllocs uint64
	MemoryUsedBytes int64

	// Lock manager.
	LockAcquisitions uint64
	LockContentions  uint64
	LockTimeouts     uint64
	DeadlockAborts   uint64
	CyclesDetected   uint64
	LockCacheHits    uint64
	LockCacheMisses  uint64

	// Numeric context usage across the active index.
	SIMDOps uint64
}

// Stats is the per-index statistics snapshot re-exported at the store level.
type Stats = index.Stats
