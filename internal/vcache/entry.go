package vcache

import (
	"sync/atomic"
	"unsafe"

	"github.com/hupe1980/annstore/model"
)

// Flags describe the state of a cache slot.
type Flags uint32

const (
	FlagValid Flags = 1 << iota
	FlagHot
	FlagSIMD
	FlagLocked
)

const nilSlot = int32(-1)

// slot is one arena entry. The payload fields are immutable while FlagValid
// is set; lifecycle fields are atomics so borrowers can pin a slot without
// the structural lock.
type slot struct {
	id       model.VectorID
	dims     uint32
	elem     model.ElementType
	numaNode int32
	raw      []byte   // aligned backing allocation
	bits     []uint32 // payload view into raw
	memBytes int64

	flags    atomic.Uint32
	refs     atomic.Int32  // external borrows
	accesses atomic.Uint32 // hot-promotion counter
	pattern  atomic.Uint32 // Pattern bits
	gen      atomic.Uint32 // bumped on free; invalidates stale Refs

	// LRU links, guarded by the cache's structural lock.
	prev, next int32
}

func (s *slot) hasFlag(f Flags) bool {
	return Flags(s.flags.Load())&f != 0
}

func (s *slot) setFlag(f Flags) {
	for {
		old := s.flags.Load()
		if old&uint32(f) != 0 || s.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

func (s *slot) clearFlag(f Flags) {
	for {
		old := s.flags.Load()
		if old&uint32(f) == 0 || s.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

// Ref is a borrowed reference to a resident cache entry. The payload stays
// pinned (never evicted or freed) until Release is called. Refs are
// single-owner and not safe for concurrent use.
type Ref struct {
	c        *Cache
	slot     int32
	gen      uint32
	released bool
}

// ID returns the vector id.
func (r *Ref) ID() model.VectorID { return r.c.slots[r.slot].id }

// Dimensions returns the vector dimensionality.
func (r *Ref) Dimensions() uint32 { return r.c.slots[r.slot].dims }

// ElementType returns the payload element tag.
func (r *Ref) ElementType() model.ElementType { return r.c.slots[r.slot].elem }

// NUMANode returns the node the payload was allocated on.
func (r *Ref) NUMANode() int { return int(r.c.slots[r.slot].numaNode) }

// Flags returns the entry's current flag bits.
func (r *Ref) Flags() Flags { return Flags(r.c.slots[r.slot].flags.Load()) }

// Pattern returns the access-pattern bits observed for this entry.
func (r *Ref) Pattern() Pattern { return Pattern(r.c.slots[r.slot].pattern.Load()) }

// Bits returns the payload as IEEE-754 bit patterns. The slice aliases
// cache-owned memory and is valid only until Release.
func (r *Ref) Bits() []uint32 { return r.c.slots[r.slot].bits }

// Release returns the borrow. Safe to call exactly once.
func (r *Ref) Release() {
	if r.released {
		return
	}
	r.released = true
	r.c.releaseSlot(r.slot, r.gen)
}

// alignedAlloc returns a zero-filled buffer of size bytes whose start is
// aligned to align (a power of two), plus the raw allocation that keeps it
// alive.
func alignedAlloc(size, align int) (raw, buf []byte) {
	raw = make([]byte, size+align)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) & uintptr(align-1)); rem != 0 {
		off = align - rem
	}
	return raw, raw[off : off+size : off+size]
}

// bitsView reinterprets an aligned byte buffer as uint32 bit patterns.
func bitsView(buf []byte, dims int) []uint32 {
	if dims == 0 || len(buf) < dims*4 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&buf[0])), dims)
}
