// Package resource tracks and limits memory held by the cache and indexes.
package resource

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrMemoryLimitExceeded is returned when the memory limit would be exceeded.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes is the hard limit for managed memory.
	// If 0, no hard limit is enforced (only tracking).
	MemoryLimitBytes int64
}

// Controller manages the global memory budget. All allocations the cache and
// indexes make for vector payloads pass through it, so an allocation failure
// surfaces as a clean error instead of partially-initialized memory.
type Controller struct {
	cfg     Config
	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	c := &Controller{cfg: cfg}
	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}
	return c
}

// AcquireMemory blocks until amount bytes are available or ctx is done.
func (c *Controller) AcquireMemory(ctx context.Context, amount int64) error {
	if amount <= 0 {
		return nil
	}
	if c.memSem != nil {
		if amount > c.cfg.MemoryLimitBytes {
			return ErrMemoryLimitExceeded
		}
		if err := c.memSem.Acquire(ctx, amount); err != nil {
			return err
		}
	}
	c.memUsed.Add(amount)
	return nil
}

// TryAcquireMemory acquires amount bytes without blocking.
func (c *Controller) TryAcquireMemory(amount int64) bool {
	if amount <= 0 {
		return true
	}
	if c.memSem != nil {
		if amount > c.cfg.MemoryLimitBytes || !c.memSem.TryAcquire(amount) {
			return false
		}
	}
	c.memUsed.Add(amount)
	return true
}

// ReleaseMemory returns amount bytes to the budget.
func (c *Controller) ReleaseMemory(amount int64) {
	if amount <= 0 {
		return
	}
	if c.memSem != nil {
		c.memSem.Release(amount)
	}
	c.memUsed.Add(-amount)
}

// MemoryUsed returns the bytes currently accounted for.
func (c *Controller) MemoryUsed() int64 {
	return c.memUsed.Load()
}
