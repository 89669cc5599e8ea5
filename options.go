package annstore

import (
	"time"

	"github.com/hupe1980/annstore/bitmath"
	"github.com/hupe1980/annstore/internal/vcache"
	"github.com/hupe1980/annstore/model"
)

// IndexKind selects the active ANN index implementation. The choice is made
// per store, not per query.
type IndexKind int

const (
	// IndexHNSW selects the hierarchical graph index.
	IndexHNSW IndexKind = iota

	// IndexLSH selects the multi-table hash index.
	IndexLSH
)

func (k IndexKind) String() string {
	if k == IndexLSH {
		return "lsh"
	}
	return "hnsw"
}

// HNSWOptions are the graph-index tuning knobs.
type HNSWOptions struct {
	// M is the maximum number of connections per node per layer.
	M int

	// EFConstruction is the construction-time beam width.
	EFConstruction int

	// MaxLayers caps the assigned layer.
	MaxLayers int

	// LevelMultiplierBits is the layer-decay multiplier as a float32 bit
	// pattern. Zero selects 1/ln(M).
	LevelMultiplierBits uint32

	// Seed initializes the layer RNG.
	Seed uint64
}

// LSHOptions are the hash-index tuning knobs.
type LSHOptions struct {
	// Tables is the number of independent hash tables.
	Tables int

	// Functions is the number of hash functions per table.
	Functions int

	// BucketWidthBits is the projection quantization width as a float32 bit
	// pattern.
	BucketWidthBits uint32

	// Seed initializes the projection hyperplanes.
	Seed uint64
}

// CacheOptions configure the vector data cache.
type CacheOptions struct {
	// MaxEntries bounds resident vectors.
	MaxEntries int

	// HotCapacity bounds the hot tier. Zero derives it from MaxEntries.
	HotCapacity int

	// HotThreshold is the access count that promotes an entry.
	HotThreshold uint32

	// Alignment of payload allocations; power of two, at least 16.
	Alignment int

	// Codec compresses victim-cache payloads.
	Codec vcache.Codec

	// VictimCapacity bounds the compressed victim cache. 0 disables it.
	VictimCapacity int
}

// Options configure a Store.
type Options struct {
	// Dimensions of all stored vectors. Required.
	Dimensions int

	// Metric selects the distance function.
	Metric bitmath.Metric

	// ElementType all inserted vectors must carry.
	ElementType model.ElementType

	// Index selects the active ANN implementation.
	Index IndexKind

	// MaxK caps k per search.
	MaxK int

	// MemoryLimitBytes bounds cache payload memory. 0 tracks without a
	// hard limit.
	MemoryLimitBytes int64

	// LockTimeout bounds per-vector lock acquisitions.
	LockTimeout time.Duration

	// DeadlockScanInterval paces the deadlock detector. Non-positive
	// selects the detector default.
	DeadlockScanInterval time.Duration

	// LockCacheSize is the per-NUMA-node lock cache capacity.
	LockCacheSize int

	// Cache configures the vector data cache.
	Cache CacheOptions

	// HNSW tunes the graph index when Index is IndexHNSW.
	HNSW HNSWOptions

	// LSH tunes the hash index when Index is IndexLSH.
	LSH LSHOptions

	// Logger receives operation logs. Nil selects NoopLogger.
	Logger *Logger
}

const (
	// DefaultMaxK caps k when Options.MaxK is zero.
	DefaultMaxK = 1024

	// DefaultCacheEntries sizes the cache when unset.
	DefaultCacheEntries = 4096
)
