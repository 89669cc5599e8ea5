package model

import (
	"fmt"
)

// VectorID is the user-facing stable identifier of a vector.
type VectorID uint64

// RowID is a dense, index-local identifier for a vector.
// It is transient and only meaningful inside a single index instance.
type RowID uint32

// ElementType tags the element encoding of a vector payload.
type ElementType uint8

const (
	ElementFloat32 ElementType = iota
	ElementFloat16
	ElementInt8
)

func (t ElementType) String() string {
	switch t {
	case ElementFloat32:
		return "Float32"
	case ElementFloat16:
		return "Float16"
	case ElementInt8:
		return "Int8"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// ByteSize returns the storage size of one element in bytes.
func (t ElementType) ByteSize() int {
	switch t {
	case ElementFloat16:
		return 2
	case ElementInt8:
		return 1
	default:
		return 4
	}
}

// VectorRecord is the immutable vector payload. Vector elements cross every
// boundary as 32-bit IEEE-754 bit patterns; they are never decoded to native
// floats outside an acquired numeric context.
//
// A record is never mutated in place: updates are delete+insert.
type VectorRecord struct {
	ID          VectorID
	Dimensions  uint32
	ElementType ElementType
	Bits        []uint32
}

// Result is a single search hit. Distance is a non-negative float32 bit
// pattern, so results order correctly under plain integer comparison.
type Result struct {
	ID       VectorID
	Distance uint32
}

func (r Result) String() string {
	return fmt.Sprintf("Result(%d:%#x)", r.ID, r.Distance)
}
