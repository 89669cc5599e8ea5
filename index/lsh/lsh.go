// Package lsh implements the multi-table locality-sensitive hashing index:
// random-projection signatures map each vector into one bucket per
// table-function pair, and a search re-ranks the union of matching buckets
// by exact distance.
//
// Bucket membership is kept in 64-bit roaring bitmaps, so the union across
// tables is a cheap bitmap OR and candidates come out deduplicated.
package lsh

import (
	"context"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/annstore/bitmath"
	"github.com/hupe1980/annstore/index"
	"github.com/hupe1980/annstore/internal/locking"
	"github.com/hupe1980/annstore/internal/searcher"
	"github.com/hupe1980/annstore/model"
)

const (
	// DefaultTables is the number of independent hash tables.
	DefaultTables = 8

	// DefaultFunctions is the number of hash functions per table.
	DefaultFunctions = 4

	// defaultBucketWidth quantizes projections into buckets.
	defaultBucketWidth = 4.0

	// rerankBatch bounds how many candidate payloads are held at once while
	// the numeric context computes their exact distances.
	rerankBatch = 64

	fnvOffset = 0xCBF29CE484222325
	fnvPrime  = 0x00000100000001B3
)

// Options configures the hash index.
type Options struct {
	// Dimensions of all indexed vectors.
	Dimensions int

	// Metric selects the distance used for exact re-ranking.
	Metric bitmath.Metric

	// Tables is the number of independent hash tables.
	Tables int

	// Functions is the number of hash functions per table.
	Functions int

	// BucketWidthBits is the projection quantization width as a float32 bit
	// pattern. Zero selects the default width.
	BucketWidthBits uint32

	// Seed initializes the projection hyperplanes. Zero selects a fixed
	// default so runs are reproducible.
	Seed uint64
}

// Index is the hash-based ANN index.
type Index struct {
	opts       Options
	source     index.VectorSource
	structural *locking.IndexLock
	width      float64

	// planes[t][f] is one random hyperplane as float32 bit patterns.
	planes [][][]uint32

	// tables holds one bucket map per (table, function) pair, laid out flat
	// as t*Functions+f. Guarded by the structural writer lock.
	tables []map[uint64]*roaring64.Bitmap
	sigs   map[model.VectorID][]uint64

	inserts        atomic.Uint64
	searches       atomic.Uint64
	deletes        atomic.Uint64
	distanceComps  atomic.Uint64
	insertNanos    atomic.Uint64
	searchNanos    atomic.Uint64
	collisions     atomic.Uint64
	falsePositives atomic.Uint64
}

var _ index.Index = (*Index)(nil)

// New creates a hash index reading vector payloads through source.
func New(source index.VectorSource, optFns ...func(o *Options)) (*Index, error) {
	opts := Options{
		Metric:    bitmath.MetricEuclidean,
		Tables:    DefaultTables,
		Functions: DefaultFunctions,
		Seed:      0x2545F4914F6CDD1D,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimensions <= 0 {
		return nil, index.ErrDimensionMismatch
	}
	if !opts.Metric.Valid() {
		return nil, bitmath.ErrUnknownMetric
	}
	if opts.Tables <= 0 {
		opts.Tables = DefaultTables
	}
	if opts.Functions <= 0 {
		opts.Functions = DefaultFunctions
	}

	width := float64(defaultBucketWidth)
	if opts.BucketWidthBits != 0 {
		if w := math.Float32frombits(opts.BucketWidthBits); w > 0 {
			width = float64(w)
		}
	}

	l := &Index{
		opts:       opts,
		source:     source,
		structural: locking.NewIndexLock(locking.RankIndex),
		width:      width,
		planes:     generatePlanes(opts.Seed, opts.Tables, opts.Functions, opts.Dimensions),
		sigs:       make(map[model.VectorID][]uint64),
	}
	l.tables = make([]map[uint64]*roaring64.Bitmap, opts.Tables*opts.Functions)
	for t := range l.tables {
		l.tables[t] = make(map[uint64]*roaring64.Bitmap)
	}
	return l, nil
}

// generatePlanes draws deterministic hyperplanes with components in [-1, 1).
func generatePlanes(seed uint64, tables, functions, dims int) [][][]uint32 {
	state := seed
	next := func() uint64 {
		state += 0x9E3779B97F4A7C15
		x := state
		x ^= x >> 12
		x ^= x << 25
		x ^= x >> 27
		return x * 0x2545F4914F6CDD1D
	}

	planes := make([][][]uint32, tables)
	for t := range planes {
		planes[t] = make([][]uint32, functions)
		for f := range planes[t] {
			plane := make([]uint32, dims)
			for d := range plane {
				r := float64(next()>>11) / float64(1<<53)
				plane[d] = math.Float32bits(float32(2*r - 1))
			}
			planes[t][f] = plane
		}
	}
	return planes
}

// signature computes one bucket key per (table, function) pair: the
// quantized projection of v onto that pair's hyperplane, FNV-mixed so
// nearby quantization levels spread across the key space. Keys are laid out
// flat, matching the tables slice.
func (l *Index) signature(v []uint32) ([]uint64, error) {
	if len(v) != l.opts.Dimensions {
		return nil, index.ErrDimensionMismatch
	}
	keys := make([]uint64, l.opts.Tables*l.opts.Functions)

	nc := bitmath.Acquire()
	for t := range l.planes {
		for f, plane := range l.planes[t] {
			p, ok := nc.Projection(v, plane)
			if !ok {
				nc.Release()
				return nil, index.ErrDimensionMismatch
			}
			q := int64(math.Floor(p / l.width))
			h := uint64(fnvOffset)
			h ^= uint64(q)
			h *= fnvPrime
			keys[t*l.opts.Functions+f] = h
		}
	}
	l.distanceComps.Add(nc.Release())
	return keys, nil
}

// Insert records id in one bucket per table-function pair.
func (l *Index) Insert(ctx context.Context, lc *locking.Context, id model.VectorID, vector []uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()

	keys, err := l.signature(vector)
	if err != nil {
		return err
	}

	if err := l.structural.WriteLock(lc); err != nil {
		return err
	}
	defer l.structural.WriteUnlock(lc)

	if _, ok := l.sigs[id]; ok {
		return index.ErrDuplicateID
	}
	for t, key := range keys {
		b := l.tables[t][key]
		if b == nil {
			b = roaring64.New()
			l.tables[t][key] = b
		} else if !b.IsEmpty() {
			l.collisions.Add(1)
		}
		b.Add(uint64(id))
	}
	l.sigs[id] = keys

	l.inserts.Add(1)
	l.insertNanos.Add(uint64(time.Since(start)))
	return nil
}

// Remove clears id from every bucket its stored signature maps to.
func (l *Index) Remove(ctx context.Context, lc *locking.Context, id model.VectorID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.structural.WriteLock(lc); err != nil {
		return err
	}
	defer l.structural.WriteUnlock(lc)

	keys, ok := l.sigs[id]
	if !ok {
		return index.ErrNotFound
	}
	for t, key := range keys {
		if b := l.tables[t][key]; b != nil {
			b.Remove(uint64(id))
			if b.IsEmpty() {
				delete(l.tables[t], key)
			}
		}
	}
	delete(l.sigs, id)
	l.deletes.Add(1)
	return nil
}

// Search unions the query's matching buckets across all tables and re-ranks
// the candidates by exact distance, returning the k closest.
func (l *Index) Search(ctx context.Context, lc *locking.Context, query []uint32, k, ef int) ([]model.Result, error) {
	if len(query) != l.opts.Dimensions {
		return nil, index.ErrDimensionMismatch
	}
	if k <= 0 {
		return nil, index.ErrInvalidK
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() {
		l.searches.Add(1)
		l.searchNanos.Add(uint64(time.Since(start)))
	}()

	keys, err := l.signature(query)
	if err != nil {
		return nil, err
	}

	// Candidate collection is a short critical section; the expensive exact
	// re-rank below runs without the structural lock.
	union := roaring64.New()
	if err := l.structural.WriteLock(lc); err != nil {
		return nil, err
	}
	for t, key := range keys {
		if b := l.tables[t][key]; b != nil {
			union.Or(b)
		}
	}
	l.structural.WriteUnlock(lc)

	if union.IsEmpty() {
		return []model.Result{}, nil
	}

	sr := searcher.Get()
	defer searcher.Put(sr)
	sr.Reset()

	var (
		examined  uint64
		batchIDs  []model.VectorID
		batchBits [][]uint32
		releases  []func()
	)
	flush := func() {
		if len(batchIDs) == 0 {
			return
		}
		if cap(sr.ScratchDists) < len(batchIDs) {
			sr.ScratchDists = make([]uint32, len(batchIDs))
		}
		dists := sr.ScratchDists[:len(batchIDs)]

		nc := bitmath.Acquire()
		nc.BatchDistance(l.opts.Metric, query, batchBits, dists)
		l.distanceComps.Add(nc.Release())
		for _, release := range releases {
			release()
		}

		for i, id := range batchIDs {
			sr.Results.PushBounded(searcher.Candidate{ID: uint64(id), Distance: dists[i]}, k)
		}
		batchIDs = batchIDs[:0]
		batchBits = batchBits[:0]
		releases = releases[:0]
	}

	it := union.Iterator()
	for it.HasNext() {
		id := model.VectorID(it.Next())
		bits, release, err := l.source.Acquire(lc, id, index.AccessSearch)
		if err != nil {
			continue
		}
		examined++
		batchIDs = append(batchIDs, id)
		batchBits = append(batchBits, bits)
		releases = append(releases, release)
		if len(batchIDs) >= rerankBatch {
			flush()
		}
	}
	flush()

	out := sr.ScratchCands[:0]
	for sr.Results.Len() > 0 {
		c, _ := sr.Results.Pop()
		out = append(out, c)
	}
	slices.Reverse(out) // max-heap pops worst first
	sr.ScratchCands = out

	if examined > uint64(len(out)) {
		l.falsePositives.Add(examined - uint64(len(out)))
	}

	results := make([]model.Result, len(out))
	for i, c := range out {
		results[i] = model.Result{ID: model.VectorID(c.ID), Distance: c.Distance}
	}
	return results, nil
}

// Stats returns a point-in-time snapshot.
func (l *Index) Stats() index.Stats {
	s := index.Stats{
		Inserts:          l.inserts.Load(),
		Searches:         l.searches.Load(),
		Deletes:          l.deletes.Load(),
		DistanceComps:    l.distanceComps.Load(),
		HashTables:       uint32(l.opts.Tables),
		HashFunctions:    uint32(l.opts.Functions),
		BucketCollisions: l.collisions.Load(),
		FalsePositives:   l.falsePositives.Load(),
	}
	if s.Inserts > 0 {
		s.AvgInsertNanos = l.insertNanos.Load() / s.Inserts
	}
	if s.Searches > 0 {
		s.AvgSearchNanos = l.searchNanos.Load() / s.Searches
	}

	lc := locking.NewContext()
	if err := l.structural.WriteLock(lc); err != nil {
		return s
	}
	defer l.structural.WriteUnlock(lc)

	s.NodeCount = uint64(len(l.sigs))
	for _, table := range l.tables {
		s.BucketCount += uint64(len(table))
		for _, b := range table {
			s.MemoryBytes += b.GetSizeInBytes()
		}
	}
	return s
}

// Cleanup drops all buckets and signatures, keeping cumulative counters.
func (l *Index) Cleanup() {
	lc := locking.NewContext()
	if err := l.structural.WriteLock(lc); err != nil {
		return
	}
	defer l.structural.WriteUnlock(lc)

	for t := range l.tables {
		l.tables[t] = make(map[uint64]*roaring64.Bitmap)
	}
	l.sigs = make(map[model.VectorID][]uint64)
}
