package hnsw

import (
	"sync/atomic"

	"github.com/hupe1980/annstore/model"
)

// segmentBits sizes node segments at 1024 entries. Growing the index appends
// whole segments, so node addresses stay stable and readers never observe a
// moved node.
const (
	segmentBits = 10
	segmentSize = 1 << segmentBits
	segmentMask = segmentSize - 1
)

// node is one graph vertex. The adjacency list of each layer is published
// through an atomic pointer: writers copy, extend and swap, readers load a
// consistent snapshot without locks.
type node struct {
	id    model.VectorID
	level int32
	// layers[l] holds the neighbor rows at layer l, 0 <= l <= level.
	layers []atomic.Pointer[[]model.RowID]
}

func newNode(id model.VectorID, level int32) node {
	n := node{
		id:     id,
		level:  level,
		layers: make([]atomic.Pointer[[]model.RowID], level+1),
	}
	empty := make([]model.RowID, 0)
	for l := range n.layers {
		n.layers[l].Store(&empty)
	}
	return n
}

// neighbors returns the published adjacency snapshot at layer l.
func (n *node) neighbors(l int32) []model.RowID {
	if l < 0 || int(l) >= len(n.layers) {
		return nil
	}
	return *n.layers[l].Load()
}

// setNeighbors publishes a new adjacency list at layer l. The slice must not
// be mutated after publication.
func (n *node) setNeighbors(l int32, rows []model.RowID) {
	n.layers[l].Store(&rows)
}

type segment [segmentSize]node

// nodeArena is a segmented, append-only node store. The segment directory is
// republished copy-on-write when a segment is added; rows at indexes below
// the published count are immutable in placement and safe to read without
// the structural lock.
type nodeArena struct {
	segments atomic.Pointer[[]*segment]
	count    atomic.Uint32
}

func newNodeArena() *nodeArena {
	a := &nodeArena{}
	segs := make([]*segment, 0, 8)
	a.segments.Store(&segs)
	return a
}

// len returns the number of published rows.
func (a *nodeArena) len() uint32 { return a.count.Load() }

// at returns the node for row. Row must be below len.
func (a *nodeArena) at(row model.RowID) *node {
	segs := *a.segments.Load()
	return &segs[row>>segmentBits][row&segmentMask]
}

// append stores n and publishes it under the next row. Caller holds the
// structural writer lock.
func (a *nodeArena) append(n node) model.RowID {
	row := a.count.Load()
	segs := *a.segments.Load()
	if int(row>>segmentBits) >= len(segs) {
		grown := make([]*segment, len(segs)+1)
		copy(grown, segs)
		grown[len(segs)] = &segment{}
		a.segments.Store(&grown)
		segs = grown
	}
	segs[row>>segmentBits][row&segmentMask] = n
	a.count.Store(row + 1)
	return model.RowID(row)
}

// reset drops all segments. Caller holds the structural writer lock.
func (a *nodeArena) reset() {
	segs := make([]*segment, 0, 8)
	a.segments.Store(&segs)
	a.count.Store(0)
}
