package locking

import (
	"sync/atomic"
	"time"
)

const (
	// backoffSpins is the number of raw CAS attempts before sleeping.
	backoffSpins = 8

	// backoffBase is the first sleep duration after spinning fails.
	backoffBase = time.Microsecond

	// backoffMax bounds the exponential backoff delay.
	backoffMax = time.Millisecond

	// transformRetries bounds lock-free transform attempts before giving up.
	transformRetries = 64
)

// Backoff implements bounded exponential backoff for CAS retry loops.
// The zero value is ready to use.
type Backoff struct {
	attempt uint
}

// Wait spins for the first few attempts, then sleeps with exponentially
// increasing delay capped at backoffMax.
func (b *Backoff) Wait() {
	if b.attempt < backoffSpins {
		b.attempt++
		return
	}
	shift := b.attempt - backoffSpins
	d := backoffBase << min(shift, 16)
	if d > backoffMax {
		d = backoffMax
	}
	b.attempt++
	time.Sleep(d)
}

// Reset clears the backoff state after a successful acquisition.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// TransformInt64 applies f to the value at addr with CAS, retrying with
// backoff up to a fixed bound. f returns the new value and whether the
// update should proceed. Reports whether the swap was applied.
func TransformInt64(addr *atomic.Int64, f func(old int64) (int64, bool)) (int64, bool) {
	var b Backoff
	for i := 0; i < transformRetries; i++ {
		old := addr.Load()
		next, ok := f(old)
		if !ok {
			return old, false
		}
		if addr.CompareAndSwap(old, next) {
			return next, true
		}
		b.Wait()
	}
	return addr.Load(), false
}

// TransformUint64 is TransformInt64 for unsigned counters.
func TransformUint64(addr *atomic.Uint64, f func(old uint64) (uint64, bool)) (uint64, bool) {
	var b Backoff
	for i := 0; i < transformRetries; i++ {
		old := addr.Load()
		next, ok := f(old)
		if !ok {
			return old, false
		}
		if addr.CompareAndSwap(old, next) {
			return next, true
		}
		b.Wait()
	}
	return addr.Load(), false
}

// ExchangeMax atomically raises the value at addr to v if v is larger.
func ExchangeMax(addr *atomic.Int64, v int64) {
	for {
		old := addr.Load()
		if v <= old || addr.CompareAndSwap(old, v) {
			return
		}
	}
}
