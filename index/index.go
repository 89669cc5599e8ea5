// Package index defines the contract shared by the ANN index
// implementations and the types the façade uses to drive them.
package index

import (
	"context"
	"errors"

	"github.com/hupe1980/annstore/internal/locking"
	"github.com/hupe1980/annstore/model"
)

var (
	// ErrInvalidK is returned when k is zero or exceeds the configured
	// maximum.
	ErrInvalidK = errors.New("index: invalid k")

	// ErrInvalidEF is returned when ef is smaller than k.
	ErrInvalidEF = errors.New("index: ef must be >= k")

	// ErrDimensionMismatch is returned when a vector's dimensionality does
	// not match the index configuration.
	ErrDimensionMismatch = errors.New("index: dimension mismatch")

	// ErrCapacityExceeded is returned when node or bucket allocation fails.
	ErrCapacityExceeded = errors.New("index: capacity exceeded")

	// ErrDuplicateID is returned when inserting an id that is already
	// indexed. Updates are delete then insert.
	ErrDuplicateID = errors.New("index: duplicate id")

	// ErrNotFound is returned by Remove for an id that is not indexed.
	ErrNotFound = errors.New("index: id not found")
)

// Access tags a payload acquisition with the operation driving it, so the
// cache's access-pattern classifier sees insert traffic and search traffic
// as distinct streams.
type Access uint8

const (
	AccessInsert Access = iota
	AccessSearch
)

// VectorSource resolves a vector id to its payload bit patterns. The façade
// backs it with the vector cache; a returned release func must be called once
// the bits are no longer needed, after which the slice must not be touched.
type VectorSource interface {
	Acquire(lc *locking.Context, id model.VectorID, access Access) (bits []uint32, release func(), err error)
}

// LayerBuckets is the number of buckets in the per-layer node histogram.
const LayerBuckets = 16

// Stats is the uniform statistics snapshot produced by every index.
// Hash-index fields are zero for graph indexes and vice versa.
type Stats struct {
	NodeCount    uint64
	MaxLayer     uint32
	EntryPointID uint64

	Inserts       uint64
	Searches      uint64
	Deletes       uint64
	DistanceComps uint64

	AvgInsertNanos uint64
	AvgSearchNanos uint64
	MemoryBytes    uint64

	LayerDistribution [LayerBuckets]uint32

	HashTables       uint32
	HashFunctions    uint32
	BucketCount      uint64
	BucketCollisions uint64
	FalsePositives   uint64
}

// Index is the uniform ANN index contract the façade dispatches to.
//
// Implementations synchronize internally through the lock manager; the
// locking.Context carries the caller's position in the rank hierarchy and its
// deadlock-abort signal across component boundaries.
type Index interface {
	// Insert adds a vector to the index. The bits slice is owned by the
	// caller and copied as needed.
	Insert(ctx context.Context, lc *locking.Context, id model.VectorID, vector []uint32) error

	// Search returns up to k nearest neighbors of query, closest first.
	// An empty index yields an empty result, not an error.
	Search(ctx context.Context, lc *locking.Context, query []uint32, k, ef int) ([]model.Result, error)

	// Remove unindexes id. Graph indexes tombstone; hash indexes clear
	// every bucket the id's signature maps to.
	Remove(ctx context.Context, lc *locking.Context, id model.VectorID) error

	// Stats returns a point-in-time snapshot.
	Stats() Stats

	// Cleanup releases index memory and resets to the empty state. Safe to
	// call after a partially failed initialization.
	Cleanup()
}
