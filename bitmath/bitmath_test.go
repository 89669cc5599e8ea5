package bitmath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bits(fs ...float32) []uint32 {
	out := make([]uint32, len(fs))
	for i, f := range fs {
		out[i] = math.Float32bits(f)
	}
	return out
}

func TestLess(t *testing.T) {
	assert.True(t, Less(bits(1)[0], bits(2)[0]))
	assert.False(t, Less(bits(2)[0], bits(1)[0]))
	assert.True(t, Less(ZeroBits, bits(0.5)[0]))
	assert.True(t, Less(bits(1000)[0], SentinelBits))
}

func TestCompare(t *testing.T) {
	assert.Equal(t, -1, Compare(bits(1)[0], bits(2)[0]))
	assert.Equal(t, 1, Compare(bits(2)[0], bits(1)[0]))
	assert.Equal(t, 0, Compare(bits(3)[0], bits(3)[0]))
}

func TestIsSentinel(t *testing.T) {
	assert.True(t, IsSentinel(SentinelBits))
	assert.False(t, IsSentinel(bits(1e30)[0]))
}

func TestMetricValid(t *testing.T) {
	assert.True(t, MetricEuclidean.Valid())
	assert.True(t, MetricCosine.Valid())
	assert.True(t, MetricManhattan.Valid())
	assert.False(t, Metric(42).Valid())
}

func TestContextEuclidean(t *testing.T) {
	nc := Acquire()
	defer nc.Release()

	d := nc.Euclidean(bits(0, 0, 0, 0), bits(1, 0, 0, 0))
	assert.Equal(t, bits(1)[0], d)

	d = nc.Euclidean(bits(0, 0, 0, 0), bits(3, 4, 0, 0))
	assert.Equal(t, bits(5)[0], d)

	d = nc.Euclidean(bits(1, 2, 3), bits(1, 2, 3))
	assert.Equal(t, ZeroBits, d)
}

func TestContextEuclideanWideVector(t *testing.T) {
	// Above the SIMD threshold the vectorized kernel must agree with the
	// scalar result for exactly representable inputs.
	a := make([]float32, 32)
	b := make([]float32, 32)
	b[0] = 3
	b[1] = 4

	av := make([]uint32, len(a))
	bv := make([]uint32, len(b))
	for i := range a {
		av[i] = math.Float32bits(a[i])
		bv[i] = math.Float32bits(b[i])
	}

	nc := Acquire()
	defer nc.Release()
	assert.Equal(t, bits(5)[0], nc.Euclidean(av, bv))
}

func TestContextManhattan(t *testing.T) {
	nc := Acquire()
	defer nc.Release()

	d := nc.Manhattan(bits(1, -2, 3), bits(0, 0, 0))
	assert.Equal(t, bits(6)[0], d)
}

func TestContextCosine(t *testing.T) {
	nc := Acquire()
	defer nc.Release()

	// Identical direction: distance 0.
	d := nc.Cosine(bits(1, 0, 0), bits(2, 0, 0))
	assert.Equal(t, ZeroBits, d)

	// Orthogonal: distance 1.
	d = nc.Cosine(bits(1, 0), bits(0, 1))
	assert.Equal(t, bits(1)[0], d)

	// Zero-norm input saturates.
	d = nc.Cosine(bits(0, 0), bits(1, 1))
	assert.Equal(t, SentinelBits, d)
}

func TestContextSentinelCases(t *testing.T) {
	nc := Acquire()

	assert.Equal(t, SentinelBits, nc.Euclidean(nil, nil))
	assert.Equal(t, SentinelBits, nc.Euclidean(bits(1, 2), bits(1)))
	assert.Equal(t, SentinelBits, nc.Distance(Metric(99), bits(1), bits(1)))

	nc.Release()

	// Use after release saturates instead of panicking.
	assert.Equal(t, SentinelBits, nc.Euclidean(bits(1), bits(1)))
}

func TestContextOpsCount(t *testing.T) {
	nc := Acquire()
	nc.Euclidean(bits(1, 2), bits(3, 4))
	nc.Euclidean(bits(1, 2), bits(3, 4))
	assert.Equal(t, uint64(2), nc.Ops())
	assert.Equal(t, uint64(2), nc.Release())
}

func TestBatchDistance(t *testing.T) {
	nc := Acquire()
	defer nc.Release()

	query := bits(0, 0)
	vecs := [][]uint32{
		bits(1, 0),
		bits(0, 2),
		bits(3), // mismatched dims saturate without aborting the batch
	}
	out := make([]uint32, len(vecs))
	nc.BatchDistance(MetricEuclidean, query, vecs, out)

	assert.Equal(t, bits(1)[0], out[0])
	assert.Equal(t, bits(2)[0], out[1])
	assert.Equal(t, SentinelBits, out[2])
}

func TestProjection(t *testing.T) {
	nc := Acquire()
	defer nc.Release()

	p, ok := nc.Projection(bits(1, 2, 3), bits(4, 5, 6))
	require.True(t, ok)
	assert.InDelta(t, 32.0, p, 1e-6)

	_, ok = nc.Projection(bits(1), bits(1, 2))
	assert.False(t, ok)
}

func TestDistanceOrderingMatchesFloats(t *testing.T) {
	// Distances this package produces are non-negative float32 bit
	// patterns, which must order identically to their float values.
	vals := []float32{0, 0.001, 0.5, 1, 1.5, 2, 100, 1e10, math.MaxFloat32}
	for i := 1; i < len(vals); i++ {
		a := math.Float32bits(vals[i-1])
		b := math.Float32bits(vals[i])
		assert.True(t, Less(a, b), "expected %v < %v", vals[i-1], vals[i])
	}
}
