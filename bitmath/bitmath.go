// Package bitmath implements distance math over vectors encoded as 32-bit
// IEEE-754 bit patterns.
//
// The execution environment forbids floating-point instructions outside
// narrowly guarded sections. Bit patterns are therefore only decoded inside
// an explicitly acquired Context (see context.go); distance ordering, sentinel
// checks and result propagation operate on raw uint32 values. Non-negative
// float32 values compare monotonically as their bit patterns, so candidate
// queues never need a live float context.
package bitmath

import (
	"errors"
	"fmt"
	"math"
)

// ErrUnknownMetric is returned when a metric value is out of range.
var ErrUnknownMetric = errors.New("bitmath: unknown metric")

// SentinelBits is the saturated error distance (the bit pattern of
// math.MaxFloat32). It is returned for zero or mismatched dimensions and
// sorts after every valid distance.
const SentinelBits uint32 = 0x7F7FFFFF

// ZeroBits is the bit pattern of +0.0.
const ZeroBits uint32 = 0

// Metric selects the distance function.
type Metric int

const (
	MetricEuclidean Metric = iota
	MetricCosine
	MetricManhattan
)

func (m Metric) String() string {
	switch m {
	case MetricEuclidean:
		return "Euclidean"
	case MetricCosine:
		return "Cosine"
	case MetricManhattan:
		return "Manhattan"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// Valid reports whether m names a supported metric.
func (m Metric) Valid() bool {
	return m >= MetricEuclidean && m <= MetricManhattan
}

// Less reports whether distance a sorts before distance b.
// Both values must be non-negative float32 bit patterns, which is guaranteed
// for every distance this package produces.
func Less(a, b uint32) bool {
	return a < b
}

// Compare returns -1, 0 or +1 ordering two distance bit patterns.
func Compare(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// IsSentinel reports whether d is the saturated error distance.
func IsSentinel(d uint32) bool {
	return d >= SentinelBits
}

// sanitize clamps a computed distance into the representable range.
// NaN and negative results (possible from cancellation error) saturate.
func sanitize(d float32) uint32 {
	if math.IsNaN(float64(d)) || d < 0 {
		return SentinelBits
	}
	bits := math.Float32bits(d)
	if bits > SentinelBits {
		return SentinelBits
	}
	return bits
}
