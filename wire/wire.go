// Package wire defines the bit-exact request/response layouts of the
// external control surface. Every field is little-endian; vector payloads
// cross the boundary as arrays of 32-bit IEEE-754 bit patterns, never as
// native floats, so the layouts are alignment- and endianness-stable.
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/hupe1980/annstore/index"
	"github.com/hupe1980/annstore/model"
)

// ErrShortBuffer is returned when a payload is truncated.
var ErrShortBuffer = errors.New("wire: short buffer")

// Op identifies a control-surface operation.
type Op uint32

const (
	OpHNSWInit Op = 1 + iota
	OpHNSWInsert
	OpHNSWSearch
	OpHNSWStats
	OpHNSWCleanup
	OpLSHInit
	OpLSHInsert
	OpLSHSearch
	OpLSHStats
	OpLSHCleanup
	OpMonitorStats
)

// Status is the response status code.
type Status uint32

const (
	StatusOK Status = iota
	StatusInvalidArgument
	StatusCapacityExceeded
	StatusTimeout
	StatusDeadlockAborted
	StatusNotFound
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidArgument:
		return "invalid-argument"
	case StatusCapacityExceeded:
		return "capacity-exceeded"
	case StatusTimeout:
		return "timeout"
	case StatusDeadlockAborted:
		return "deadlock-aborted"
	case StatusNotFound:
		return "not-found"
	default:
		return "internal"
	}
}

// HNSWInitRequest configures the graph index.
// Layout: dimensions u32 | metric u32 | max_connections u32 |
// ef_construction u32 | max_layers u32 | level_multiplier_bits u32.
type HNSWInitRequest struct {
	Dimensions          uint32
	Metric              uint32
	MaxConnections      uint32
	EFConstruction      uint32
	MaxLayers           uint32
	LevelMultiplierBits uint32
}

const hnswInitSize = 24

// Marshal appends the request layout to dst.
func (r *HNSWInitRequest) Marshal(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, r.Dimensions)
	dst = binary.LittleEndian.AppendUint32(dst, r.Metric)
	dst = binary.LittleEndian.AppendUint32(dst, r.MaxConnections)
	dst = binary.LittleEndian.AppendUint32(dst, r.EFConstruction)
	dst = binary.LittleEndian.AppendUint32(dst, r.MaxLayers)
	dst = binary.LittleEndian.AppendUint32(dst, r.LevelMultiplierBits)
	return dst
}

// Unmarshal parses the request layout from b.
func (r *HNSWInitRequest) Unmarshal(b []byte) error {
	if len(b) < hnswInitSize {
		return ErrShortBuffer
	}
	r.Dimensions = binary.LittleEndian.Uint32(b[0:])
	r.Metric = binary.LittleEndian.Uint32(b[4:])
	r.MaxConnections = binary.LittleEndian.Uint32(b[8:])
	r.EFConstruction = binary.LittleEndian.Uint32(b[12:])
	r.MaxLayers = binary.LittleEndian.Uint32(b[16:])
	r.LevelMultiplierBits = binary.LittleEndian.Uint32(b[20:])
	return nil
}

// LSHInitRequest configures the hash index.
// Layout: dimensions u32 | metric u32 | hash_tables u32 |
// hash_functions_per_table u32.
type LSHInitRequest struct {
	Dimensions            uint32
	Metric                uint32
	HashTables            uint32
	HashFunctionsPerTable uint32
}

const lshInitSize = 16

// Marshal appends the request layout to dst.
func (r *LSHInitRequest) Marshal(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, r.Dimensions)
	dst = binary.LittleEndian.AppendUint32(dst, r.Metric)
	dst = binary.LittleEndian.AppendUint32(dst, r.HashTables)
	dst = binary.LittleEndian.AppendUint32(dst, r.HashFunctionsPerTable)
	return dst
}

// Unmarshal parses the request layout from b.
func (r *LSHInitRequest) Unmarshal(b []byte) error {
	if len(b) < lshInitSize {
		return ErrShortBuffer
	}
	r.Dimensions = binary.LittleEndian.Uint32(b[0:])
	r.Metric = binary.LittleEndian.Uint32(b[4:])
	r.HashTables = binary.LittleEndian.Uint32(b[8:])
	r.HashFunctionsPerTable = binary.LittleEndian.Uint32(b[12:])
	return nil
}

// InsertRequest carries one vector.
// Layout: vector_id u64 | count u32 | bits [count]u32.
type InsertRequest struct {
	VectorID uint64
	Bits     []uint32
}

// Marshal appends the request layout to dst.
func (r *InsertRequest) Marshal(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, r.VectorID)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(r.Bits)))
	for _, b := range r.Bits {
		dst = binary.LittleEndian.AppendUint32(dst, b)
	}
	return dst
}

// Unmarshal parses the request layout from b.
func (r *InsertRequest) Unmarshal(b []byte) error {
	if len(b) < 12 {
		return ErrShortBuffer
	}
	r.VectorID = binary.LittleEndian.Uint64(b[0:])
	count := int(binary.LittleEndian.Uint32(b[8:]))
	if len(b) < 12+count*4 {
		return ErrShortBuffer
	}
	r.Bits = make([]uint32, count)
	for i := range r.Bits {
		r.Bits[i] = binary.LittleEndian.Uint32(b[12+i*4:])
	}
	return nil
}

// SearchRequest carries one query.
// Layout: k u32 | ef u32 | count u32 | query [count]u32.
type SearchRequest struct {
	K     uint32
	EF    uint32
	Query []uint32
}

// Marshal appends the request layout to dst.
func (r *SearchRequest) Marshal(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, r.K)
	dst = binary.LittleEndian.AppendUint32(dst, r.EF)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(r.Query)))
	for _, b := range r.Query {
		dst = binary.LittleEndian.AppendUint32(dst, b)
	}
	return dst
}

// Unmarshal parses the request layout from b.
func (r *SearchRequest) Unmarshal(b []byte) error {
	if len(b) < 12 {
		return ErrShortBuffer
	}
	r.K = binary.LittleEndian.Uint32(b[0:])
	r.EF = binary.LittleEndian.Uint32(b[4:])
	count := int(binary.LittleEndian.Uint32(b[8:]))
	if len(b) < 12+count*4 {
		return ErrShortBuffer
	}
	r.Query = make([]uint32, count)
	for i := range r.Query {
		r.Query[i] = binary.LittleEndian.Uint32(b[12+i*4:])
	}
	return nil
}

// StatusResponse is the minimal response.
// Layout: status u32.
type StatusResponse struct {
	Status Status
}

// Marshal appends the response layout to dst.
func (r *StatusResponse) Marshal(dst []byte) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(r.Status))
}

// Unmarshal parses the response layout from b.
func (r *StatusResponse) Unmarshal(b []byte) error {
	if len(b) < 4 {
		return ErrShortBuffer
	}
	r.Status = Status(binary.LittleEndian.Uint32(b))
	return nil
}

// SearchResponse carries ranked hits.
// Layout: status u32 | count u32 | ids [count]u64 | distances [count]u32.
type SearchResponse struct {
	Status    Status
	IDs       []uint64
	Distances []uint32
}

// Marshal appends the response layout to dst.
func (r *SearchResponse) Marshal(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(r.Status))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(r.IDs)))
	for _, id := range r.IDs {
		dst = binary.LittleEndian.AppendUint64(dst, id)
	}
	for _, d := range r.Distances {
		dst = binary.LittleEndian.AppendUint32(dst, d)
	}
	return dst
}

// Unmarshal parses the response layout from b.
func (r *SearchResponse) Unmarshal(b []byte) error {
	if len(b) < 8 {
		return ErrShortBuffer
	}
	r.Status = Status(binary.LittleEndian.Uint32(b[0:]))
	count := int(binary.LittleEndian.Uint32(b[4:]))
	if len(b) < 8+count*12 {
		return ErrShortBuffer
	}
	r.IDs = make([]uint64, count)
	r.Distances = make([]uint32, count)
	for i := range r.IDs {
		r.IDs[i] = binary.LittleEndian.Uint64(b[8+i*8:])
	}
	off := 8 + count*8
	for i := range r.Distances {
		r.Distances[i] = binary.LittleEndian.Uint32(b[off+i*4:])
	}
	return nil
}

// NewSearchResponse builds a response from ranked results.
func NewSearchResponse(status Status, results []model.Result) *SearchResponse {
	r := &SearchResponse{
		Status:    status,
		IDs:       make([]uint64, len(results)),
		Distances: make([]uint32, len(results)),
	}
	for i, res := range results {
		r.IDs[i] = uint64(res.ID)
		r.Distances[i] = res.Distance
	}
	return r
}

// StatsResponse carries one index's statistics snapshot.
// Layout: status u32 | node_count u64 | max_layer u32 | entry_point_id u64 |
// inserts u64 | searches u64 | deletes u64 | distance_comps u64 |
// avg_insert_nanos u64 | avg_search_nanos u64 | memory_bytes u64 |
// layer_distribution [16]u32 | hash_tables u32 | hash_functions u32 |
// bucket_count u64 | bucket_collisions u64 | false_positives u64.
type StatsResponse struct {
	Status Status
	Stats  index.Stats
}

const statsRespSize = 4 + 8 + 4 + 8 + 8*7 + index.LayerBuckets*4 + 4 + 4 + 8*3

// Marshal appends the response layout to dst.
func (r *StatsResponse) Marshal(dst []byte) []byte {
	s := &r.Stats
	dst = binary.LittleEndian.AppendUint32(dst, uint32(r.Status))
	dst = binary.LittleEndian.AppendUint64(dst, s.NodeCount)
	dst = binary.LittleEndian.AppendUint32(dst, s.MaxLayer)
	dst = binary.LittleEndian.AppendUint64(dst, s.EntryPointID)
	dst = binary.LittleEndian.AppendUint64(dst, s.Inserts)
	dst = binary.LittleEndian.AppendUint64(dst, s.Searches)
	dst = binary.LittleEndian.AppendUint64(dst, s.Deletes)
	dst = binary.LittleEndian.AppendUint64(dst, s.DistanceComps)
	dst = binary.LittleEndian.AppendUint64(dst, s.AvgInsertNanos)
	dst = binary.LittleEndian.AppendUint64(dst, s.AvgSearchNanos)
	dst = binary.LittleEndian.AppendUint64(dst, s.MemoryBytes)
	for _, c := range s.LayerDistribution {
		dst = binary.LittleEndian.AppendUint32(dst, c)
	}
	dst = binary.LittleEndian.AppendUint32(dst, s.HashTables)
	dst = binary.LittleEndian.AppendUint32(dst, s.HashFunctions)
	dst = binary.LittleEndian.AppendUint64(dst, s.BucketCount)
	dst = binary.LittleEndian.AppendUint64(dst, s.BucketCollisions)
	dst = binary.LittleEndian.AppendUint64(dst, s.FalsePositives)
	return dst
}

// Unmarshal parses the response layout from b.
func (r *StatsResponse) Unmarshal(b []byte) error {
	if len(b) < statsRespSize {
		return ErrShortBuffer
	}
	s := &r.Stats
	r.Status = Status(binary.LittleEndian.Uint32(b[0:]))
	s.NodeCount = binary.LittleEndian.Uint64(b[4:])
	s.MaxLayer = binary.LittleEndian.Uint32(b[12:])
	s.EntryPointID = binary.LittleEndian.Uint64(b[16:])
	s.Inserts = binary.LittleEndian.Uint64(b[24:])
	s.Searches = binary.LittleEndian.Uint64(b[32:])
	s.Deletes = binary.LittleEndian.Uint64(b[40:])
	s.DistanceComps = binary.LittleEndian.Uint64(b[48:])
	s.AvgInsertNanos = binary.LittleEndian.Uint64(b[56:])
	s.AvgSearchNanos = binary.LittleEndian.Uint64(b[64:])
	s.MemoryBytes = binary.LittleEndian.Uint64(b[72:])
	off := 80
	for i := range s.LayerDistribution {
		s.LayerDistribution[i] = binary.LittleEndian.Uint32(b[off+i*4:])
	}
	off += index.LayerBuckets * 4
	s.HashTables = binary.LittleEndian.Uint32(b[off:])
	s.HashFunctions = binary.LittleEndian.Uint32(b[off+4:])
	s.BucketCount = binary.LittleEndian.Uint64(b[off+8:])
	s.BucketCollisions = binary.LittleEndian.Uint64(b[off+16:])
	s.FalsePositives = binary.LittleEndian.Uint64(b[off+24:])
	return nil
}

// MonitorStatsResponse carries the aggregate counters.
// Layout: status u32 followed by 20 u64 counters in declaration order.
type MonitorStatsResponse struct {
	Status Status

	Inserts        uint64
	Searches       uint64
	Deletes        uint64
	Failures       uint64
	AvgInsertNanos uint64
	AvgSearchNanos uint64

	CacheHits       uint64
	CacheMisses     uint64
	CacheEvictions  uint64
	VictimHits      uint64
	NUMALocalAllocs uint64
	MemoryUsedBytes uint64

	LockAcquisitions uint64
	LockContentions  uint64
	LockTimeouts     uint64
	DeadlockAborts   uint64
	CyclesDetected   uint64
	LockCacheHits    uint64
	LockCacheMisses  uint64

	SIMDOps uint64
}

const monitorRespSize = 4 + 20*8

func (r *MonitorStatsResponse) fields() []*uint64 {
	return []*uint64{
		&r.Inserts, &r.Searches, &r.Deletes, &r.Failures,
		&r.AvgInsertNanos, &r.AvgSearchNanos,
		&r.CacheHits, &r.CacheMisses, &r.CacheEvictions, &r.VictimHits,
		&r.NUMALocalAllocs, &r.MemoryUsedBytes,
		&r.LockAcquisitions, &r.LockContentions, &r.LockTimeouts,
		&r.DeadlockAborts, &r.CyclesDetected, &r.LockCacheHits,
		&r.LockCacheMisses, &r.SIMDOps,
	}
}

// Marshal appends the response layout to dst.
func (r *MonitorStatsResponse) Marshal(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(r.Status))
	for _, f := range r.fields() {
		dst = binary.LittleEndian.AppendUint64(dst, *f)
	}
	return dst
}

// Unmarshal parses the response layout from b.
func (r *MonitorStatsResponse) Unmarshal(b []byte) error {
	if len(b) < monitorRespSize {
		return ErrShortBuffer
	}
	r.Status = Status(binary.LittleEndian.Uint32(b[0:]))
	for i, f := range r.fields() {
		*f = binary.LittleEndian.Uint64(b[4+i*8:])
	}
	return nil
}
