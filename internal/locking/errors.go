package locking

import "errors"

var (
	// ErrLockTimeout is returned when a lock acquisition exceeds its deadline.
	ErrLockTimeout = errors.New("locking: acquisition timed out")

	// ErrDeadlockAborted is returned when the deadlock detector aborted this
	// operation to break a cycle. The operation is safe to retry.
	ErrDeadlockAborted = errors.New("locking: aborted to break deadlock cycle")

	// ErrOrderViolation is returned when an acquisition would violate the
	// global lock-rank hierarchy.
	ErrOrderViolation = errors.New("locking: lock order violation")
)
