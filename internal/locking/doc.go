// Package locking provides the synchronization primitives shared by the
// vector cache and the index implementations: reader/writer vector locks
// keyed by vector id, seqlock-style index locks for read-mostly traversal,
// bounded lock-free update helpers, a per-NUMA-node lock cache, and a
// background deadlock detector.
//
// # Lock ordering
//
// Every acquisition goes through an acquisition Context that enforces the
// global rank hierarchy (global < index < vector-table < vector < metadata).
// Acquiring a lock with a rank below the highest rank currently held is a
// programming error and fails with ErrOrderViolation instead of deadlocking.
//
// # Deadlock handling
//
// Acquisitions carry a timeout and return ErrLockTimeout on expiry. The
// detector walks a waits-for graph fed by acquisition events and aborts one
// participant of any cycle; the victim observes ErrDeadlockAborted and must
// treat it as retryable.
package locking
