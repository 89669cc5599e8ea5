package searcher

import "github.com/hupe1980/annstore/model"

// VisitedSet tracks visited rows using a bitset plus a dirty list so Reset
// is proportional to the nodes actually touched, not the index size.
type VisitedSet struct {
	bits  []uint64
	dirty []model.RowID
}

// NewVisitedSet creates a visited set sized for capacity rows.
func NewVisitedSet(capacity int) *VisitedSet {
	return &VisitedSet{
		bits:  make([]uint64, (capacity+63)/64),
		dirty: make([]model.RowID, 0, 128),
	}
}

// Visit marks a row as visited.
func (v *VisitedSet) Visit(row model.RowID) {
	word := int(row >> 6)
	mask := uint64(1) << (row & 63)
	if word >= len(v.bits) {
		v.grow(word + 1)
	}
	if v.bits[word]&mask == 0 {
		v.bits[word] |= mask
		v.dirty = append(v.dirty, row)
	}
}

// Visited reports whether the row has been visited.
func (v *VisitedSet) Visited(row model.RowID) bool {
	word := int(row >> 6)
	if word >= len(v.bits) {
		return false
	}
	return v.bits[word]&(uint64(1)<<(row&63)) != 0
}

// Reset clears only the bits dirtied in the current session.
func (v *VisitedSet) Reset() {
	for _, row := range v.dirty {
		v.bits[row>>6] &^= uint64(1) << (row & 63)
	}
	v.dirty = v.dirty[:0]
}

func (v *VisitedSet) grow(newLen int) {
	newCap := max(len(v.bits)*2, newLen)
	newBits := make([]uint64, newCap)
	copy(newBits, v.bits)
	v.bits = newBits
}
