package wire

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/annstore"
	"github.com/hupe1980/annstore/bitmath"
	"github.com/hupe1980/annstore/model"
)

// Handler binds the wire layouts to a store. The external dispatch layer
// hands it an opcode and a request payload and sends back whatever bytes it
// returns; the handler owns the store lifecycle (init creates it, cleanup
// resets the index).
type Handler struct {
	mu    sync.Mutex
	store *annstore.Store
	kind  annstore.IndexKind

	// NewStore builds the store on init. Overridable for testing.
	NewStore func(optFns ...func(o *annstore.Options)) (*annstore.Store, error)
}

// NewHandler creates an unbound handler; an init op must arrive first.
func NewHandler() *Handler {
	return &Handler{NewStore: annstore.New}
}

// StatusOf maps the store's error taxonomy onto wire status codes.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, annstore.ErrLockTimeout):
		return StatusTimeout
	case errors.Is(err, annstore.ErrDeadlockAborted):
		return StatusDeadlockAborted
	case errors.Is(err, annstore.ErrCapacityExceeded):
		return StatusCapacityExceeded
	case errors.Is(err, annstore.ErrNotFound):
		return StatusNotFound
	case errors.Is(err, annstore.ErrInvalidK),
		errors.Is(err, annstore.ErrDuplicateID),
		errors.Is(err, ErrShortBuffer):
		return StatusInvalidArgument
	}
	var dm *annstore.ErrDimensionMismatch
	var id *annstore.ErrInvalidDimension
	var et *annstore.ErrElementTypeMismatch
	if errors.As(err, &dm) || errors.As(err, &id) || errors.As(err, &et) {
		return StatusInvalidArgument
	}
	return StatusInternal
}

// Handle executes one operation and returns the marshaled response.
func (h *Handler) Handle(ctx context.Context, op Op, payload []byte) []byte {
	switch op {
	case OpHNSWInit:
		return h.handleHNSWInit(payload)
	case OpLSHInit:
		return h.handleLSHInit(payload)
	case OpHNSWInsert, OpLSHInsert:
		return h.handleInsert(ctx, payload)
	case OpHNSWSearch, OpLSHSearch:
		return h.handleSearch(ctx, payload)
	case OpHNSWStats, OpLSHStats:
		return h.handleStats()
	case OpHNSWCleanup, OpLSHCleanup:
		return h.handleCleanup()
	case OpMonitorStats:
		return h.handleMonitorStats()
	default:
		return status(StatusInvalidArgument)
	}
}

// Close releases the bound store.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.store == nil {
		return nil
	}
	err := h.store.Close()
	h.store = nil
	return err
}

func status(s Status) []byte {
	r := StatusResponse{Status: s}
	return r.Marshal(nil)
}

func (h *Handler) current() *annstore.Store {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.store
}

func (h *Handler) bind(s *annstore.Store, kind annstore.IndexKind) {
	h.mu.Lock()
	if h.store != nil {
		h.store.Close() //nolint:errcheck // replaced on re-init
	}
	h.store = s
	h.kind = kind
	h.mu.Unlock()
}

func (h *Handler) handleHNSWInit(payload []byte) []byte {
	var req HNSWInitRequest
	if err := req.Unmarshal(payload); err != nil {
		return status(StatusOf(err))
	}
	s, err := h.NewStore(func(o *annstore.Options) {
		o.Dimensions = int(req.Dimensions)
		o.Metric = bitmath.Metric(req.Metric)
		o.Index = annstore.IndexHNSW
		o.HNSW.M = int(req.MaxConnections)
		o.HNSW.EFConstruction = int(req.EFConstruction)
		o.HNSW.MaxLayers = int(req.MaxLayers)
		o.HNSW.LevelMultiplierBits = req.LevelMultiplierBits
	})
	if err != nil {
		return status(StatusOf(err))
	}
	h.bind(s, annstore.IndexHNSW)
	return status(StatusOK)
}

func (h *Handler) handleLSHInit(payload []byte) []byte {
	var req LSHInitRequest
	if err := req.Unmarshal(payload); err != nil {
		return status(StatusOf(err))
	}
	s, err := h.NewStore(func(o *annstore.Options) {
		o.Dimensions = int(req.Dimensions)
		o.Metric = bitmath.Metric(req.Metric)
		o.Index = annstore.IndexLSH
		o.LSH.Tables = int(req.HashTables)
		o.LSH.Functions = int(req.HashFunctionsPerTable)
	})
	if err != nil {
		return status(StatusOf(err))
	}
	h.bind(s, annstore.IndexLSH)
	return status(StatusOK)
}

func (h *Handler) handleInsert(ctx context.Context, payload []byte) []byte {
	s := h.current()
	if s == nil {
		return status(StatusInvalidArgument)
	}
	var req InsertRequest
	if err := req.Unmarshal(payload); err != nil {
		return status(StatusOf(err))
	}
	err := s.Insert(ctx, model.VectorID(req.VectorID), req.Bits)
	return status(StatusOf(err))
}

func (h *Handler) handleSearch(ctx context.Context, payload []byte) []byte {
	s := h.current()
	if s == nil {
		return status(StatusInvalidArgument)
	}
	var req SearchRequest
	if err := req.Unmarshal(payload); err != nil {
		resp := NewSearchResponse(StatusOf(err), nil)
		return resp.Marshal(nil)
	}
	results, err := s.Search(ctx, req.Query, int(req.K), int(req.EF))
	// Partial results travel with a non-OK status so the caller can decide.
	resp := NewSearchResponse(StatusOf(err), results)
	return resp.Marshal(nil)
}

func (h *Handler) handleStats() []byte {
	s := h.current()
	if s == nil {
		return status(StatusInvalidArgument)
	}
	resp := StatsResponse{Status: StatusOK, Stats: s.Stats()}
	return resp.Marshal(nil)
}

func (h *Handler) handleCleanup() []byte {
	s := h.current()
	if s == nil {
		return status(StatusInvalidArgument)
	}
	s.Cleanup()
	return status(StatusOK)
}

func (h *Handler) handleMonitorStats() []byte {
	s := h.current()
	if s == nil {
		return status(StatusInvalidArgument)
	}
	ms := s.MonitorStats()
	resp := MonitorStatsResponse{
		Status: StatusOK,

		Inserts:        ms.Inserts,
		Searches:       ms.Searches,
		Deletes:        ms.Deletes,
		Failures:       ms.Failures,
		AvgInsertNanos: ms.AvgInsertNanos,
		AvgSearchNanos: ms.AvgSearchNanos,

		CacheHits:       ms.CacheHits,
		CacheMisses:     ms.CacheMisses,
		CacheEvictions:  ms.CacheEvictions,
		VictimHits:      ms.VictimHits,
		NUMALocalAllocs: ms.NUMALocalAllocs,
		MemoryUsedBytes: uint64(max(ms.MemoryUsedBytes, 0)),

		LockAcquisitions: ms.LockAcquisitions,
		LockContentions:  ms.LockContentions,
		LockTimeouts:     ms.LockTimeouts,
		DeadlockAborts:   ms.DeadlockAborts,
		CyclesDetected:   ms.CyclesDetected,
		LockCacheHits:    ms.LockCacheHits,
		LockCacheMisses:  ms.LockCacheMisses,

		SIMDOps: ms.SIMDOps,
	}
	return resp.Marshal(nil)
}
