package vcache

import (
	"fmt"
	"unsafe"

	"github.com/klauspost/compress/s2"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/annstore/model"
)

// Codec selects the compression used for victim-cache payloads.
type Codec uint8

const (
	CodecS2 Codec = iota
	CodecLZ4
	CodecNone
)

func (c Codec) String() string {
	switch c {
	case CodecS2:
		return "s2"
	case CodecLZ4:
		return "lz4"
	case CodecNone:
		return "none"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

type victimEntry struct {
	comp    []byte
	rawSize int
	dims    uint32
	elem    model.ElementType
	plain   bool // payload stored uncompressed
}

// victimCache holds compressed payloads of recently evicted entries so a
// quick re-access re-admits from memory instead of the backing store.
// It is guarded by the owning cache's structural lock.
type victimCache struct {
	codec    Codec
	capacity int
	entries  map[model.VectorID]victimEntry
	order    []model.VectorID // FIFO eviction of victims
}

func newVictimCache(codec Codec, capacity int) *victimCache {
	if capacity <= 0 {
		return nil
	}
	return &victimCache{
		codec:    codec,
		capacity: capacity,
		entries:  make(map[model.VectorID]victimEntry, capacity),
		order:    make([]model.VectorID, 0, capacity),
	}
}

func (v *victimCache) add(id model.VectorID, bits []uint32, elem model.ElementType) {
	if v == nil || len(bits) == 0 {
		return
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&bits[0])), len(bits)*4)

	comp, plain, err := v.compress(raw)
	if err != nil {
		return // codec failure: skip, correctness unaffected
	}

	if _, ok := v.entries[id]; !ok {
		for len(v.order) >= v.capacity {
			old := v.order[0]
			v.order = v.order[1:]
			delete(v.entries, old)
		}
		v.order = append(v.order, id)
	}
	v.entries[id] = victimEntry{
		comp:    comp,
		rawSize: len(raw),
		dims:    uint32(len(bits)),
		elem:    elem,
		plain:   plain,
	}
}

// take removes and decompresses the victim payload for id.
func (v *victimCache) take(id model.VectorID) ([]uint32, model.ElementType, bool) {
	if v == nil {
		return nil, 0, false
	}
	e, ok := v.entries[id]
	if !ok {
		return nil, 0, false
	}
	delete(v.entries, id)
	for i, vid := range v.order {
		if vid == id {
			v.order = append(v.order[:i], v.order[i+1:]...)
			break
		}
	}

	raw, err := v.decompress(e)
	if err != nil || len(raw) != e.rawSize {
		return nil, 0, false
	}
	bits := make([]uint32, e.dims)
	copy(bits, unsafe.Slice((*uint32)(unsafe.Pointer(&raw[0])), e.dims))
	return bits, e.elem, true
}

func (v *victimCache) drop(id model.VectorID) {
	if v == nil {
		return
	}
	if _, ok := v.entries[id]; !ok {
		return
	}
	delete(v.entries, id)
	for i, vid := range v.order {
		if vid == id {
			v.order = append(v.order[:i], v.order[i+1:]...)
			return
		}
	}
}

func (v *victimCache) len() int {
	if v == nil {
		return 0
	}
	return len(v.entries)
}

func (v *victimCache) compress(raw []byte) (comp []byte, plain bool, err error) {
	switch v.codec {
	case CodecS2:
		return s2.Encode(nil, raw), false, nil
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, dst, nil)
		if err != nil {
			return nil, false, err
		}
		if n == 0 {
			// Incompressible: store as-is with a copy.
			cp := make([]byte, len(raw))
			copy(cp, raw)
			return cp, true, nil
		}
		return dst[:n], false, nil
	default:
		cp := make([]byte, len(raw))
		copy(cp, raw)
		return cp, true, nil
	}
}

func (v *victimCache) decompress(e victimEntry) ([]byte, error) {
	if e.plain {
		return e.comp, nil
	}
	switch v.codec {
	case CodecS2:
		return s2.Decode(nil, e.comp)
	case CodecLZ4:
		dst := make([]byte, e.rawSize)
		n, err := lz4.UncompressBlock(e.comp, dst)
		if err != nil {
			return nil, err
		}
		return dst[:n], nil
	default:
		return e.comp, nil
	}
}
