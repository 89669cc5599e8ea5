package bitmath

import (
	"math"
	"sync"

	"github.com/viterin/vek/vek32"
)

// vekMinDims is the dimension threshold above which batch operations route
// through vek's SIMD kernels instead of the scalar loops.
const vekMinDims = 16

// Context is a scoped numeric context. It is the only place bit patterns are
// decoded to native floats, mirroring the guarded floating-point sections of
// the host environment.
//
// A Context is single-owner and non-reentrant: acquire it, compute, release
// it. It must not be held across a blocking call (lock acquisition, channel
// receive) and must never be nested. Use-after-release returns SentinelBits
// rather than panicking.
type Context struct {
	active   bool
	ops      uint64
	scratchA []float32
	scratchB []float32
}

var ctxPool = sync.Pool{
	New: func() any {
		return &Context{
			scratchA: make([]float32, 0, 1024),
			scratchB: make([]float32, 0, 1024),
		}
	},
}

// Acquire obtains a numeric context from the pool.
func Acquire() *Context {
	c := ctxPool.Get().(*Context)
	c.active = true
	c.ops = 0
	return c
}

// Release ends the guarded section and returns the context to the pool.
// It returns the number of distance computations performed, so callers can
// fold the count into their own statistics.
func (c *Context) Release() uint64 {
	ops := c.ops
	c.active = false
	c.ops = 0
	ctxPool.Put(c)
	return ops
}

// Ops returns the number of distance computations performed so far.
func (c *Context) Ops() uint64 { return c.ops }

func (c *Context) decodeA(bits []uint32) []float32 {
	if cap(c.scratchA) < len(bits) {
		c.scratchA = make([]float32, len(bits))
	}
	dst := c.scratchA[:len(bits)]
	for i, b := range bits {
		dst[i] = math.Float32frombits(b)
	}
	return dst
}

func (c *Context) decodeB(bits []uint32) []float32 {
	if cap(c.scratchB) < len(bits) {
		c.scratchB = make([]float32, len(bits))
	}
	dst := c.scratchB[:len(bits)]
	for i, b := range bits {
		dst[i] = math.Float32frombits(b)
	}
	return dst
}

// Distance computes the distance between two bit-pattern vectors under the
// given metric and returns it as a float32 bit pattern.
// Zero or mismatched dimensions yield SentinelBits; Distance never panics.
func (c *Context) Distance(m Metric, a, b []uint32) uint32 {
	if !c.active || len(a) == 0 || len(a) != len(b) {
		return SentinelBits
	}
	c.ops++

	fa := c.decodeA(a)
	fb := c.decodeB(b)

	switch m {
	case MetricEuclidean:
		return sanitize(c.euclidean(fa, fb))
	case MetricCosine:
		return sanitize(c.cosine(fa, fb))
	case MetricManhattan:
		return sanitize(c.manhattan(fa, fb))
	default:
		return SentinelBits
	}
}

// Euclidean computes the Euclidean distance between two bit-pattern vectors.
func (c *Context) Euclidean(a, b []uint32) uint32 {
	return c.Distance(MetricEuclidean, a, b)
}

// Cosine computes the cosine distance (1 - similarity) between two
// bit-pattern vectors. A zero-norm input saturates.
func (c *Context) Cosine(a, b []uint32) uint32 {
	return c.Distance(MetricCosine, a, b)
}

// Manhattan computes the L1 distance between two bit-pattern vectors.
func (c *Context) Manhattan(a, b []uint32) uint32 {
	return c.Distance(MetricManhattan, a, b)
}

func (c *Context) euclidean(a, b []float32) float32 {
	if len(a) >= vekMinDims {
		return vek32.Distance(a, b)
	}
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return float32(math.Sqrt(float64(sum)))
}

func (c *Context) cosine(a, b []float32) float32 {
	var dot, na, nb float32
	if len(a) >= vekMinDims {
		dot = vek32.Dot(a, b)
		na = vek32.Dot(a, a)
		nb = vek32.Dot(b, b)
	} else {
		for i := range a {
			dot += a[i] * b[i]
			na += a[i] * a[i]
			nb += b[i] * b[i]
		}
	}
	if na == 0 || nb == 0 {
		return math.MaxFloat32
	}
	sim := float64(dot) / math.Sqrt(float64(na)*float64(nb))
	d := 1 - sim
	if d < 0 {
		d = 0
	}
	return float32(d)
}

func (c *Context) manhattan(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum
}

// BatchDistance computes the distance from query to each vector in vecs,
// writing bit-pattern results into out. out must have len(vecs) capacity.
// Individual mismatches saturate without aborting the batch.
func (c *Context) BatchDistance(m Metric, query []uint32, vecs [][]uint32, out []uint32) {
	for i, v := range vecs {
		if i >= len(out) {
			return
		}
		out[i] = c.Distance(m, query, v)
	}
}

// Projection computes the dot product of a bit-pattern vector with a
// bit-pattern hyperplane and returns the raw float64 value. It is used by
// hash-based indexes for bucket assignment; the result never escapes the
// guarded section as a float (callers quantize it to an integer key).
func (c *Context) Projection(v, plane []uint32) (float64, bool) {
	if !c.active || len(v) == 0 || len(v) != len(plane) {
		return 0, false
	}
	c.ops++
	fv := c.decodeA(v)
	fp := c.decodeB(plane)
	if len(fv) >= vekMinDims {
		return float64(vek32.Dot(fv, fp)), true
	}
	var dot float32
	for i := range fv {
		dot += fv[i] * fp[i]
	}
	return float64(dot), true
}
