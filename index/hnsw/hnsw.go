// Package hnsw implements the hierarchical navigable small world graph
// index: a multi-layer proximity graph with exponentially decaying layer
// assignment, greedy descent through the upper layers and beam search at the
// base layer.
//
// Readers are never blocked: adjacency lists and the segment directory are
// published through atomic pointers, and a sequence counter on the
// structural lock lets a search detect an overlapping structural update and
// retry. Structural writers (inserts, removals) serialize on the index-class
// lock and take per-vector locks while relinking a neighbor.
package hnsw

import (
	"context"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/hupe1980/annstore/bitmath"
	"github.com/hupe1980/annstore/index"
	"github.com/hupe1980/annstore/internal/conv"
	"github.com/hupe1980/annstore/internal/locking"
	"github.com/hupe1980/annstore/internal/searcher"
	"github.com/hupe1980/annstore/model"
)

const (
	// DefaultM is the maximum neighbor count per node per layer.
	DefaultM = 16

	// DefaultEFConstruction is the construction-time beam width.
	DefaultEFConstruction = 200

	// DefaultMaxLayers caps the assigned layer.
	DefaultMaxLayers = 16

	// maxSearchRetries bounds how often a search restarts after observing a
	// concurrent structural update before returning its best-effort result.
	maxSearchRetries = 2

	noEntry = int64(-1)
)

// Options configures the graph index.
type Options struct {
	// Dimensions of all indexed vectors.
	Dimensions int

	// Metric selects the distance function.
	Metric bitmath.Metric

	// M is the maximum number of connections per node per layer.
	M int

	// EFConstruction is the beam width used while linking a new node.
	EFConstruction int

	// MaxLayers caps the assigned layer, bounding descent depth.
	MaxLayers int

	// LevelMultiplierBits is the layer-decay multiplier as a float32 bit
	// pattern. Zero selects 1/ln(M).
	LevelMultiplierBits uint32

	// Seed initializes the layer RNG. Zero selects a fixed default so runs
	// are reproducible.
	Seed uint64

	// LockTimeout bounds per-vector lock acquisition during relinking.
	LockTimeout time.Duration
}

// Index is the hierarchical graph ANN index.
type Index struct {
	opts       Options
	source     index.VectorSource
	locks      *locking.LockCache
	structural *locking.IndexLock

	arena *nodeArena

	// rows maps vector ids to arena rows. Guarded by the structural writer
	// lock; searches never consult it.
	rows map[model.VectorID]model.RowID

	// deleted is a copy-on-write tombstone set indexed by row.
	deleted atomic.Pointer[bitset.BitSet]

	entryRow atomic.Int64
	maxLevel atomic.Int32
	rngState atomic.Uint64
	levelMul float64

	inserts       atomic.Uint64
	searches      atomic.Uint64
	deletes       atomic.Uint64
	distanceComps atomic.Uint64
	insertNanos   atomic.Uint64
	searchNanos   atomic.Uint64
	memBytes      atomic.Uint64

	layerCounts [index.LayerBuckets]atomic.Uint32
}

var _ index.Index = (*Index)(nil)

// New creates a graph index reading vector payloads through source and
// synchronizing per-vector mutations through the NUMA-local lock cache.
func New(source index.VectorSource, locks *locking.LockCache, optFns ...func(o *Options)) (*Index, error) {
	opts := Options{
		Metric:         bitmath.MetricEuclidean,
		M:              DefaultM,
		EFConstruction: DefaultEFConstruction,
		MaxLayers:      DefaultMaxLayers,
		Seed:           0x9E3779B97F4A7C15,
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
	if opts.M < 2 {
		opts.M = DefaultM
	}
	if opts.EFConstruction < opts.M {
		opts.EFConstruction = opts.M
	}
	if opts.MaxLayers <= 0 || opts.MaxLayers > index.LayerBuckets {
		opts.MaxLayers = DefaultMaxLayers
	}

	mul := float64(1) / math.Log(float64(opts.M))
	if opts.LevelMultiplierBits != 0 {
		if m := math.Float32frombits(opts.LevelMultiplierBits); m > 0 {
			mul = float64(m)
		}
	}

	h := &Index{
		opts:       opts,
		source:     source,
		locks:      locks,
		structural: locking.NewIndexLock(locking.RankIndex),
		arena:      newNodeArena(),
		rows:       make(map[model.VectorID]model.RowID),
		levelMul:   mul,
	}
	h.entryRow.Store(noEntry)
	h.rngState.Store(opts.Seed)
	h.deleted.Store(bitset.New(segmentSize))

	return h, nil
}

// drawLevel assigns a layer via exponential decay over a xorshift64* draw.
func (h *Index) drawLevel() int32 {
	seed := h.rngState.Add(0x9E3779B97F4A7C15)
	seed ^= seed >> 12
	seed ^= seed << 25
	seed ^= seed >> 27
	r := float64(seed*0x2545F4914F6CDD1D>>11) / float64(1<<53)
	if r <= 0 {
		r = math.SmallestNonzeroFloat64
	}
	level := int32(-math.Log(r) * h.levelMul)
	if maxL := int32(h.opts.MaxLayers - 1); level > maxL {
		level = maxL
	}
	return level
}

// linkedEdge records one neighbor-list extension made while wiring a new
// node, so a failed insert can be unwound edge by edge.
type linkedEdge struct {
	nb    model.RowID
	layer int32
}

// Insert adds a vector to the graph. The id's payload must already be
// resolvable through the index's VectorSource. A failed insert leaves no
// trace: the id stays unregistered and no neighbor list keeps an edge to
// the abandoned row, so retryable errors really are retryable.
func (h *Index) Insert(ctx context.Context, lc *locking.Context, id model.VectorID, vector []uint32) error {
	if len(vector) != h.opts.Dimensions {
		return index.ErrDimensionMismatch
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()

	level := h.drawLevel()

	if err := h.structural.WriteLock(lc); err != nil {
		return err
	}
	defer h.structural.WriteUnlock(lc)

	if _, ok := h.rows[id]; ok {
		return index.ErrDuplicateID
	}

	row := h.arena.append(newNode(id, level))
	h.rows[id] = row
	h.layerCounts[min(int(level), index.LayerBuckets-1)].Add(1)
	mem := uint64(64 + (int(level)+1)*(24+h.opts.M*4))
	h.memBytes.Add(mem)

	entry := h.entryRow.Load()
	if entry == noEntry {
		h.entryRow.Store(int64(row))
		h.maxLevel.Store(level)
		h.inserts.Add(1)
		h.insertNanos.Add(uint64(time.Since(start)))
		return nil
	}

	maxL := h.maxLevel.Load()
	linked, err := h.connect(lc, vector, row, level, model.RowID(entry), maxL)
	if err != nil {
		h.unwindInsert(row, id, level, mem, linked)
		return err
	}

	if level > maxL {
		h.maxLevel.Store(level)
		h.entryRow.Store(int64(row))
	}

	h.inserts.Add(1)
	h.insertNanos.Add(uint64(time.Since(start)))
	return nil
}

// connect wires row into the graph: greedy descent through the upper layers,
// then a beam search and bidirectional linking at each layer at or below the
// node's level. It reports which neighbor lists it extended.
func (h *Index) connect(lc *locking.Context, vector []uint32, row model.RowID, level int32, cur model.RowID, maxL int32) ([]linkedEdge, error) {
	curDist, err := h.distanceTo(lc, index.AccessInsert, vector, cur)
	if err != nil {
		return nil, err
	}
	for l := maxL; l > level; l-- {
		cur, curDist, err = h.greedyStep(lc, index.AccessInsert, vector, cur, curDist, l)
		if err != nil {
			return nil, err
		}
	}

	sr := searcher.Get()
	defer searcher.Put(sr)

	var linked []linkedEdge
	for l := min(level, maxL); l >= 0; l-- {
		cands, err := h.searchLayer(lc, sr, index.AccessInsert, vector, cur, curDist, h.opts.EFConstruction, l, nil)
		if err != nil {
			return linked, err
		}
		selected := cands
		if len(selected) > h.opts.M {
			selected = selected[:h.opts.M]
		}

		links := make([]model.RowID, len(selected))
		for i, c := range selected {
			links[i] = model.RowID(c.ID)
		}
		h.arena.at(row).setNeighbors(l, links)

		for _, c := range selected {
			if err := h.linkNeighbor(lc, model.RowID(c.ID), row, l, c.Distance); err != nil {
				return linked, err
			}
			linked = append(linked, linkedEdge{nb: model.RowID(c.ID), layer: l})
		}

		if len(cands) > 0 {
			cur = model.RowID(cands[0].ID)
			curDist = cands[0].Distance
		}
	}
	return linked, nil
}

// unwindInsert reverses a partially completed insert so a retry starts from
// a clean graph. The structural writer lock serializes all writers, so
// neighbor lists can be republished directly; concurrent readers observe
// either the old snapshot or the stripped one and retry on the generation
// bump either way.
func (h *Index) unwindInsert(row model.RowID, id model.VectorID, level int32, mem uint64, linked []linkedEdge) {
	for _, e := range linked {
		nb := h.arena.at(e.nb)
		current := nb.neighbors(e.layer)
		stripped := make([]model.RowID, 0, len(current))
		for _, r := range current {
			if r != row {
				stripped = append(stripped, r)
			}
		}
		if len(stripped) != len(current) {
			nb.setNeighbors(e.layer, stripped)
		}
	}
	for l := int32(0); l <= level; l++ {
		h.arena.at(row).setNeighbors(l, nil)
	}

	// The arena is append-only, so the abandoned row stays allocated;
	// tombstone it so it can never surface in a result set.
	updated := h.deleted.Load().Clone()
	updated.Set(uint(row))
	h.deleted.Store(updated)

	delete(h.rows, id)
	h.layerCounts[min(int(level), index.LayerBuckets-1)].Add(^uint32(0))
	h.memBytes.Add(^(mem - 1))
}

// linkNeighbor adds newRow to nb's adjacency at layer l, pruning back to M
// by distance when the list overflows. Ties prune toward keeping the lower
// vector id.
func (h *Index) linkNeighbor(lc *locking.Context, nb, newRow model.RowID, l int32, dist uint32) error {
	nbNode := h.arena.at(nb)
	current := nbNode.neighbors(l)

	if len(current) < h.opts.M {
		updated := make([]model.RowID, len(current), len(current)+1)
		copy(updated, current)
		updated = append(updated, newRow)
		return h.publishNeighbors(lc, nbNode, l, updated)
	}

	// Overflow: rank all candidates by distance from nb and keep the M
	// closest. Payloads are fetched before the per-vector lock so the
	// numeric context and the lock never overlap a blocking acquire.
	nbBits, release, err := h.source.Acquire(lc, nbNode.id, index.AccessInsert)
	if err != nil {
		return err
	}

	cands := make([]searcher.Candidate, 0, len(current)+1)
	cands = append(cands, searcher.Candidate{ID: uint64(newRow), Distance: dist})
	for _, r := range current {
		d, err := h.distanceBetween(lc, nbBits, r)
		if err != nil {
			continue
		}
		cands = append(cands, searcher.Candidate{ID: uint64(r), Distance: d})
	}
	release()

	slices.SortFunc(cands, func(a, b searcher.Candidate) int {
		if a.Distance != b.Distance {
			if a.Distance < b.Distance {
				return -1
			}
			return 1
		}
		return h.compareIDs(model.RowID(a.ID), model.RowID(b.ID))
	})
	if len(cands) > h.opts.M {
		cands = cands[:h.opts.M]
	}

	updated := make([]model.RowID, len(cands))
	for i, c := range cands {
		updated[i] = model.RowID(c.ID)
	}
	return h.publishNeighbors(lc, nbNode, l, updated)
}

// publishNeighbors swaps nb's adjacency under its per-vector lock, resolved
// through the NUMA-local lock cache.
func (h *Index) publishNeighbors(lc *locking.Context, nb *node, l int32, rows []model.RowID) error {
	vl, err := h.locks.Acquire(lc, nb.id, locking.Write, h.opts.LockTimeout)
	if err != nil {
		return err
	}
	nb.setNeighbors(l, rows)
	h.locks.Release(lc, vl, locking.Write)
	return nil
}

func (h *Index) compareIDs(a, b model.RowID) int {
	ida, idb := h.arena.at(a).id, h.arena.at(b).id
	switch {
	case ida < idb:
		return -1
	case ida > idb:
		return 1
	default:
		return 0
	}
}

// distanceTo computes the distance from query bits to the vector at row.
func (h *Index) distanceTo(lc *locking.Context, access index.Access, query []uint32, row model.RowID) (uint32, error) {
	bits, release, err := h.source.Acquire(lc, h.arena.at(row).id, access)
	if err != nil {
		return bitmath.SentinelBits, err
	}
	nc := bitmath.Acquire()
	d := nc.Distance(h.opts.Metric, query, bits)
	h.distanceComps.Add(nc.Release())
	release()
	return d, nil
}

// distanceBetween computes the distance from already-acquired bits to the
// vector at row. Only the insert path ranks existing neighbors.
func (h *Index) distanceBetween(lc *locking.Context, from []uint32, row model.RowID) (uint32, error) {
	bits, release, err := h.source.Acquire(lc, h.arena.at(row).id, index.AccessInsert)
	if err != nil {
		return bitmath.SentinelBits, err
	}
	nc := bitmath.Acquire()
	d := nc.Distance(h.opts.Metric, from, bits)
	h.distanceComps.Add(nc.Release())
	release()
	return d, nil
}

// greedyStep walks layer l from cur toward query, one best neighbor per hop,
// until no neighbor improves the distance.
func (h *Index) greedyStep(lc *locking.Context, access index.Access, query []uint32, cur model.RowID, curDist uint32, l int32) (model.RowID, uint32, error) {
	for {
		improved := false
		for _, nb := range h.arena.at(cur).neighbors(l) {
			d, err := h.distanceTo(lc, access, query, nb)
			if err != nil {
				continue
			}
			if bitmath.Less(d, curDist) {
				cur, curDist = nb, d
				improved = true
			}
		}
		if !improved {
			return cur, curDist, nil
		}
	}
}

// searchLayer runs a beam search of width ef at layer l starting from entry.
// It returns candidates sorted ascending by distance (ties toward the lower
// vector id). filter, when non-nil, gates admission to the result set but
// not to exploration.
func (h *Index) searchLayer(lc *locking.Context, sr *searcher.Searcher, access index.Access, query []uint32, entry model.RowID, entryDist uint32, ef int, l int32, filter func(model.RowID) bool) ([]searcher.Candidate, error) {
	sr.Reset()
	sr.Visited.Visit(entry)
	sr.Explore.Push(searcher.Candidate{ID: uint64(entry), Distance: entryDist})
	if filter == nil || filter(entry) {
		sr.Results.PushBounded(searcher.Candidate{ID: uint64(entry), Distance: entryDist}, ef)
	}

	var (
		batchRows     []model.RowID
		batchBits     [][]uint32
		batchReleases []func()
	)

	for sr.Explore.Len() > 0 {
		c, _ := sr.Explore.Pop()
		if sr.Results.Len() >= ef {
			if worst, ok := sr.Results.Top(); ok && bitmath.Less(worst.Distance, c.Distance) {
				break
			}
		}

		batchRows = batchRows[:0]
		batchBits = batchBits[:0]
		batchReleases = batchReleases[:0]
		for _, nb := range h.arena.at(model.RowID(c.ID)).neighbors(l) {
			if sr.Visited.Visited(nb) {
				continue
			}
			sr.Visited.Visit(nb)
			bits, release, err := h.source.Acquire(lc, h.arena.at(nb).id, access)
			if err != nil {
				continue
			}
			batchRows = append(batchRows, nb)
			batchBits = append(batchBits, bits)
			batchReleases = append(batchReleases, release)
		}
		if len(batchRows) == 0 {
			continue
		}

		if cap(sr.ScratchDists) < len(batchRows) {
			sr.ScratchDists = make([]uint32, len(batchRows))
		}
		dists := sr.ScratchDists[:len(batchRows)]

		nc := bitmath.Acquire()
		nc.BatchDistance(h.opts.Metric, query, batchBits, dists)
		h.distanceComps.Add(nc.Release())
		for _, release := range batchReleases {
			release()
		}

		for i, nb := range batchRows {
			d := dists[i]
			admit := sr.Results.Len() < ef
			if !admit {
				worst, _ := sr.Results.Top()
				admit = bitmath.Less(d, worst.Distance)
			}
			if !admit {
				continue
			}
			sr.Explore.Push(searcher.Candidate{ID: uint64(nb), Distance: d})
			if filter == nil || filter(nb) {
				sr.Results.PushBounded(searcher.Candidate{ID: uint64(nb), Distance: d}, ef)
			}
		}
	}

	out := sr.ScratchCands[:0]
	for sr.Results.Len() > 0 {
		c, _ := sr.Results.Pop()
		out = append(out, c)
	}
	// Max-heap pops worst first.
	slices.Reverse(out)
	slices.SortStableFunc(out, func(a, b searcher.Candidate) int {
		if a.Distance != b.Distance {
			if a.Distance < b.Distance {
				return -1
			}
			return 1
		}
		return h.compareIDs(model.RowID(a.ID), model.RowID(b.ID))
	})
	sr.ScratchCands = out
	return out, nil
}

// Search returns up to k nearest neighbors of query. It retries when a
// structural update overlapped the traversal, up to a bounded number of
// attempts.
func (h *Index) Search(ctx context.Context, lc *locking.Context, query []uint32, k, ef int) ([]model.Result, error) {
	if len(query) != h.opts.Dimensions {
		return nil, index.ErrDimensionMismatch
	}
	if k <= 0 {
		return nil, index.ErrInvalidK
	}
	if ef < k {
		ef = k
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() {
		h.searches.Add(1)
		h.searchNanos.Add(uint64(time.Since(start)))
	}()

	for attempt := 0; ; attempt++ {
		seq := h.structural.ReadBegin()
		results, err := h.searchOnce(lc, query, k, ef)
		if err != nil {
			return nil, err
		}
		if !h.structural.ReadRetry(seq) || attempt >= maxSearchRetries {
			return results, nil
		}
	}
}

func (h *Index) searchOnce(lc *locking.Context, query []uint32, k, ef int) ([]model.Result, error) {
	entry := h.entryRow.Load()
	if entry == noEntry {
		return []model.Result{}, nil
	}

	cur := model.RowID(entry)
	curDist, err := h.distanceTo(lc, index.AccessSearch, query, cur)
	if err != nil {
		return nil, err
	}
	for l := h.maxLevel.Load(); l > 0; l-- {
		cur, curDist, err = h.greedyStep(lc, index.AccessSearch, query, cur, curDist, l)
		if err != nil {
			return nil, err
		}
	}

	deleted := h.deleted.Load()
	filter := func(row model.RowID) bool {
		return !deleted.Test(uint(row))
	}

	sr := searcher.Get()
	defer searcher.Put(sr)

	cands, err := h.searchLayer(lc, sr, index.AccessSearch, query, cur, curDist, ef, 0, filter)
	if err != nil {
		return nil, err
	}
	if len(cands) > k {
		cands = cands[:k]
	}

	results := make([]model.Result, len(cands))
	for i, c := range cands {
		results[i] = model.Result{
			ID:       h.arena.at(model.RowID(c.ID)).id,
			Distance: c.Distance,
		}
	}
	// Re-key ties on vector id now that rows are resolved.
	slices.SortStableFunc(results, func(a, b model.Result) int {
		if a.Distance != b.Distance {
			if bitmath.Less(a.Distance, b.Distance) {
				return -1
			}
			return 1
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return results, nil
}

// Remove tombstones id. The node stays traversable so the graph keeps its
// connectivity, but it no longer appears in results.
func (h *Index) Remove(ctx context.Context, lc *locking.Context, id model.VectorID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.structural.WriteLock(lc); err != nil {
		return err
	}
	defer h.structural.WriteUnlock(lc)

	row, ok := h.rows[id]
	if !ok {
		return index.ErrNotFound
	}
	old := h.deleted.Load()
	if old.Test(uint(row)) {
		return index.ErrNotFound
	}
	updated := old.Clone()
	updated.Set(uint(row))
	h.deleted.Store(updated)
	h.deletes.Add(1)
	return nil
}

// Stats returns a point-in-time snapshot.
func (h *Index) Stats() index.Stats {
	s := index.Stats{
		NodeCount:     uint64(h.arena.len()),
		Inserts:       h.inserts.Load(),
		Searches:      h.searches.Load(),
		Deletes:       h.deletes.Load(),
		DistanceComps: h.distanceComps.Load(),
		MemoryBytes:   h.memBytes.Load(),
	}
	if entry := h.entryRow.Load(); entry != noEntry {
		if ml, err := conv.IntToUint32(int(h.maxLevel.Load())); err == nil {
			s.MaxLayer = ml
		}
		s.EntryPointID = uint64(h.arena.at(model.RowID(entry)).id)
	}
	if s.Inserts > 0 {
		s.AvgInsertNanos = h.insertNanos.Load() / s.Inserts
	}
	if s.Searches > 0 {
		s.AvgSearchNanos = h.searchNanos.Load() / s.Searches
	}
	for i := range h.layerCounts {
		s.LayerDistribution[i] = h.layerCounts[i].Load()
	}
	return s
}

// Cleanup resets the graph to the empty state, keeping cumulative counters.
func (h *Index) Cleanup() {
	lc := locking.NewContext()
	if err := h.structural.WriteLock(lc); err != nil {
		return
	}
	defer h.structural.WriteUnlock(lc)

	h.arena.reset()
	h.rows = make(map[model.VectorID]model.RowID)
	h.deleted.Store(bitset.New(segmentSize))
	h.entryRow.Store(noEntry)
	h.maxLevel.Store(0)
	h.memBytes.Store(0)
	for i := range h.layerCounts {
		h.layerCounts[i].Store(0)
	}
}
