// Package annstore implements a concurrent approximate-nearest-neighbor
// vector store: two interchangeable ANN indexes (a hierarchical graph and a
// multi-table hash index) over a NUMA-aware tiered vector cache, synchronized
// through a ranked lock manager with background deadlock detection.
//
// Vector elements cross every boundary as 32-bit IEEE-754 bit patterns and
// are only decoded to native floats inside an acquired numeric context, so
// distance ordering and result propagation never depend on ambient
// floating-point state.
package annstore

import (
	"context"
	"slices"
	"time"

	"github.com/hupe1980/annstore/bitmath"
	"github.com/hupe1980/annstore/index"
	"github.com/hupe1980/annstore/index/hnsw"
	"github.com/hupe1980/annstore/index/lsh"
	"github.com/hupe1980/annstore/internal/locking"
	"github.com/hupe1980/annstore/internal/resource"
	"github.com/hupe1980/annstore/internal/vcache"
	"github.com/hupe1980/annstore/model"
)

// Store is the search façade: the only surface external collaborators call.
// It validates requests before touching any component, dispatches to the
// configured index and aggregates statistics.
type Store struct {
	opts       Options
	logger     *Logger
	monitor    *Monitor
	controller *resource.Controller
	detector   *locking.Detector
	locks      *locking.Table
	lockCache  *locking.LockCache
	cache      *vcache.Cache
	backing    *backingStore
	idx        index.Index

	closed chan struct{}
}

var _ index.VectorSource = (*Store)(nil)

// New creates a Store.
func New(optFns ...func(o *Options)) (*Store, error) {
	opts := Options{
		Metric:      bitmath.MetricEuclidean,
		ElementType: model.ElementFloat32,
		MaxK:        DefaultMaxK,
		LockTimeout: locking.DefaultTimeout,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimensions <= 0 {
		return nil, &ErrInvalidDimension{Dimension: opts.Dimensions}
	}
	if !opts.Metric.Valid() {
		return nil, bitmath.ErrUnknownMetric
	}
	if opts.MaxK <= 0 {
		opts.MaxK = DefaultMaxK
	}
	if opts.Cache.MaxEntries <= 0 {
		opts.Cache.MaxEntries = DefaultCacheEntries
	}
	if opts.Logger == nil {
		opts.Logger = NoopLogger()
	}

	controller := resource.NewController(resource.Config{
		MemoryLimitBytes: opts.MemoryLimitBytes,
	})
	detector := locking.NewDetector(opts.DeadlockScanInterval)
	locks := locking.NewTable(detector)

	lockCache, err := locking.NewLockCache(locks, opts.LockCacheSize)
	if err != nil {
		detector.Stop()
		return nil, err
	}

	cache, err := vcache.New(vcache.Options{
		MaxEntries:     opts.Cache.MaxEntries,
		HotCapacity:    opts.Cache.HotCapacity,
		HotThreshold:   opts.Cache.HotThreshold,
		Alignment:      opts.Cache.Alignment,
		ElementType:    opts.ElementType,
		Codec:          opts.Cache.Codec,
		VictimCapacity: opts.Cache.VictimCapacity,
		Controller:     controller,
	})
	if err != nil {
		detector.Stop()
		return nil, err
	}

	s := &Store{
		opts:       opts,
		logger:     opts.Logger,
		monitor:    &Monitor{},
		controller: controller,
		detector:   detector,
		locks:      locks,
		lockCache:  lockCache,
		cache:      cache,
		backing:    newBackingStore(),
		closed:     make(chan struct{}),
	}

	switch opts.Index {
	case IndexLSH:
		s.idx, err = lsh.New(s, func(o *lsh.Options) {
			o.Dimensions = opts.Dimensions
			o.Metric = opts.Metric
			o.Tables = opts.LSH.Tables
			o.Functions = opts.LSH.Functions
			o.BucketWidthBits = opts.LSH.BucketWidthBits
			if opts.LSH.Seed != 0 {
				o.Seed = opts.LSH.Seed
			}
		})
	default:
		s.idx, err = hnsw.New(s, lockCache, func(o *hnsw.Options) {
			o.Dimensions = opts.Dimensions
			o.Metric = opts.Metric
			o.M = opts.HNSW.M
			o.EFConstruction = opts.HNSW.EFConstruction
			o.MaxLayers = opts.HNSW.MaxLayers
			o.LevelMultiplierBits = opts.HNSW.LevelMultiplierBits
			o.LockTimeout = opts.LockTimeout
			if opts.HNSW.Seed != 0 {
				o.Seed = opts.HNSW.Seed
			}
		})
	}
	if err != nil {
		detector.Stop()
		return nil, err
	}

	s.logger.Info("store initialized",
		"index", opts.Index.String(),
		"dimensions", opts.Dimensions,
		"metric", opts.Metric.String(),
	)
	return s, nil
}

func (s *Store) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Acquire resolves a vector id to its cached payload bits, admitting from
// the backing store on a miss. It implements index.VectorSource. The access
// tag keeps the cache's pattern classifier seeing insert-driven fetches and
// search-driven fetches as distinct streams.
func (s *Store) Acquire(lc *locking.Context, id model.VectorID, access index.Access) ([]uint32, func(), error) {
	kind := vcache.AccessSearch
	if access == index.AccessInsert {
		kind = vcache.AccessInsert
	}
	ref, ok, err := s.cache.Lookup(lc, id, kind)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		rec, found := s.backing.get(id)
		if !found {
			return nil, nil, ErrNotFound
		}
		ref, err = s.cache.Insert(lc, rec)
		if err != nil {
			// Budget exhausted: serve a private copy without caching.
			return slices.Clone(rec.Bits), func() {}, nil
		}
	}
	return ref.Bits(), ref.Release, nil
}

// Insert stores a vector and adds it to the active index. The bits slice is
// copied; the caller keeps ownership of its memory.
func (s *Store) Insert(ctx context.Context, id model.VectorID, bits []uint32) error {
	if s.isClosed() {
		return ErrClosed
	}
	if len(bits) != s.opts.Dimensions {
		return &ErrDimensionMismatch{Expected: s.opts.Dimensions, Actual: len(bits)}
	}
	start := time.Now()

	err := s.insert(ctx, id, bits)
	s.monitor.observeInsert(time.Since(start), err)
	s.logger.LogInsert(ctx, uint64(id), len(bits), err)
	return err
}

func (s *Store) insert(ctx context.Context, id model.VectorID, bits []uint32) error {
	rec := model.VectorRecord{
		ID:          id,
		Dimensions:  uint32(len(bits)),
		ElementType: s.opts.ElementType,
		Bits:        bits,
	}
	if !s.backing.put(rec) {
		return ErrDuplicateID
	}

	lc := s.detector.NewContext()
	defer lc.Close()

	// Warm the local node's lock cache so the relinking writes hit it.
	s.lockCache.Get(id)

	ref, err := s.cache.Insert(lc, rec)
	if err != nil {
		s.backing.delete(id)
		return translateError(err)
	}

	if err := s.idx.Insert(ctx, lc, id, rec.Bits); err != nil {
		ref.Release()
		s.cache.Remove(lc, id) //nolint:errcheck // unwind is best-effort
		s.backing.delete(id)
		return translateError(err)
	}
	ref.Release()
	return nil
}

// Search returns up to k nearest neighbors of query, closest first. An ef
// below k is raised to k; an empty store yields an empty result.
func (s *Store) Search(ctx context.Context, query []uint32, k, ef int) ([]model.Result, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if len(query) != s.opts.Dimensions {
		return nil, &ErrDimensionMismatch{Expected: s.opts.Dimensions, Actual: len(query)}
	}
	if k <= 0 || k > s.opts.MaxK {
		return nil, ErrInvalidK
	}
	if ef < k {
		ef = k
	}
	start := time.Now()

	lc := s.detector.NewContext()
	defer lc.Close()

	results, err := s.idx.Search(ctx, lc, query, k, ef)
	err = translateError(err)
	s.monitor.observeSearch(time.Since(start), err)
	s.logger.LogSearch(ctx, k, len(results), err)
	return results, err
}

// Delete removes a vector from the index, the cache and the backing store.
func (s *Store) Delete(ctx context.Context, id model.VectorID) error {
	if s.isClosed() {
		return ErrClosed
	}
	lc := s.detector.NewContext()
	defer lc.Close()

	err := translateError(s.idx.Remove(ctx, lc, id))
	if err == nil {
		s.cache.Remove(lc, id) //nolint:errcheck // residency cleanup is best-effort
		s.backing.delete(id)
		s.lockCache.Invalidate(id)
	}
	s.monitor.observeDelete(err)
	s.logger.LogDelete(ctx, uint64(id), err)
	return err
}

// Get returns a copy of the stored vector payload.
func (s *Store) Get(ctx context.Context, id model.VectorID) (model.VectorRecord, error) {
	if s.isClosed() {
		return model.VectorRecord{}, ErrClosed
	}
	rec, ok := s.backing.get(id)
	if !ok {
		return model.VectorRecord{}, ErrNotFound
	}
	rec.Bits = slices.Clone(rec.Bits)
	return rec, nil
}

// Len returns the number of stored vectors.
func (s *Store) Len() int {
	return s.backing.len()
}

// Stats returns the active index's statistics snapshot.
func (s *Store) Stats() Stats {
	return s.idx.Stats()
}

// MonitorStats aggregates counters from every component.
func (s *Store) MonitorStats() MonitorStats {
	cs := s.cache.Stats()
	ls := s.locks.Stats()
	ds := s.detector.Stats()
	is := s.idx.Stats()
	lch, lcm := s.lockCache.Stats()

	ms := MonitorStats{
		Inserts:  s.monitor.inserts.Load(),
		Searches: s.monitor.searches.Load(),
		Deletes:  s.monitor.deletes.Load(),
		Failures: s.monitor.failures.Load(),

		CacheHits:       cs.Hits,
		CacheMisses:     cs.Misses,
		CacheEvictions:  cs.Evictions,
		VictimHits:      cs.VictimHits,
		NUMALocalAllocs: cs.NUMALocalAllocs,
		MemoryUsedBytes: s.controller.MemoryUsed(),

		LockAcquisitions: ls.Acquisitions,
		LockContentions:  ls.Contentions,
		LockTimeouts:     ls.Timeouts,
		DeadlockAborts:   ls.Aborts,
		CyclesDetected:   ds.CyclesDetected,
		LockCacheHits:    lch,
		LockCacheMisses:  lcm,

		SIMDOps: is.DistanceComps,
	}
	if ms.Inserts > 0 {
		ms.AvgInsertNanos = s.monitor.insertNanos.Load() / ms.Inserts
	}
	if ms.Searches > 0 {
		ms.AvgSearchNanos = s.monitor.searchNanos.Load() / ms.Searches
	}
	return ms
}

// Cleanup releases the active index's memory, resetting it to the empty
// state. Stored payloads and the cache are unaffected.
func (s *Store) Cleanup() {
	s.idx.Cleanup()
}

// Close stops the background detector and releases cache memory. The store
// rejects all operations afterwards.
func (s *Store) Close() error {
	if s.isClosed() {
		return nil
	}
	close(s.closed)
	s.detector.Stop()
	s.lockCache.Purge()
	s.cache.Close()
	s.logger.Info("store closed")
	return nil
}
