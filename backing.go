package annstore

import (
	"sync"

	"github.com/hupe1980/annstore/model"
)

// backingStore stands in for the block-storage collaborator: the durable
// home of every vector payload, consulted when the cache has evicted an
// entry. Payloads are copied in and out so callers never alias its memory.
type backingStore struct {
	mu      sync.RWMutex
	records map[model.VectorID]model.VectorRecord
}

func newBackingStore() *backingStore {
	return &backingStore{
		records: make(map[model.VectorID]model.VectorRecord),
	}
}

func (b *backingStore) get(id model.VectorID) (model.VectorRecord, bool) {
	b.mu.RLock()
	rec, ok := b.records[id]
	b.mu.RUnlock()
	return rec, ok
}

// put stores a copy of rec. Returns false when the id already exists.
func (b *backingStore) put(rec model.VectorRecord) bool {
	bits := make([]uint32, len(rec.Bits))
	copy(bits, rec.Bits)
	rec.Bits = bits

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.records[rec.ID]; ok {
		return false
	}
	b.records[rec.ID] = rec
	return true
}

func (b *backingStore) delete(id model.VectorID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.records[id]; !ok {
		return false
	}
	delete(b.records, id)
	return true
}

func (b *backingStore) len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

func (b *backingStore) reset() {
	b.mu.Lock()
	b.records = make(map[model.VectorID]model.VectorRecord)
	b.mu.Unlock()
}
