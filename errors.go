package annstore

import (
	"errors"
	"fmt"

	"github.com/hupe1980/annstore/index"
	"github.com/hupe1980/annstore/internal/locking"
	"github.com/hupe1980/annstore/internal/vcache"
)

var (
	// ErrInvalidK is returned when k is not positive or exceeds MaxK.
	ErrInvalidK = errors.New("k must be positive and within the configured maximum")

	// ErrCapacityExceeded is returned when an allocation or admission fails.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrLockTimeout is returned when a lock acquisition exceeds its
	// deadline. Retryable.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrDeadlockAborted is returned when the deadlock detector aborted the
	// operation to break a cycle. Retryable.
	ErrDeadlockAborted = errors.New("operation aborted to break a deadlock")

	// ErrNotFound is returned for operations on an absent vector id.
	// Searches return zero results instead.
	ErrNotFound = errors.New("vector not found")

	// ErrDuplicateID is returned when inserting an already-present id.
	ErrDuplicateID = errors.New("duplicate vector id")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store is closed")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// ErrInvalidDimension indicates an invalid configured dimension.
type ErrInvalidDimension struct {
	Dimension int
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("invalid dimension: %d", e.Dimension)
}

// ErrElementTypeMismatch indicates an insert whose element tag differs from
// the store configuration.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrElementTypeMismatch struct {
	Expected string
	Actual   string
	cause    error
}

func (e *ErrElementTypeMismatch) Error() string {
	return fmt.Sprintf("element type mismatch: expected %s, got %s", e.Expected, e.Actual)
}

func (e *ErrElementTypeMismatch) Unwrap() error { return e.cause }

// translateError maps component-level errors onto the store's taxonomy so
// callers match on one set of sentinels regardless of which layer failed.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, locking.ErrLockTimeout):
		return fmt.Errorf("%w: %w", ErrLockTimeout, err)
	case errors.Is(err, locking.ErrDeadlockAborted):
		return fmt.Errorf("%w: %w", ErrDeadlockAborted, err)
	case errors.Is(err, vcache.ErrCapacityExceeded),
		errors.Is(err, index.ErrCapacityExceeded):
		return fmt.Errorf("%w: %w", ErrCapacityExceeded, err)
	case errors.Is(err, index.ErrInvalidK):
		return fmt.Errorf("%w: %w", ErrInvalidK, err)
	case errors.Is(err, index.ErrDuplicateID):
		return fmt.Errorf("%w: %w", ErrDuplicateID, err)
	case errors.Is(err, index.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, index.ErrDimensionMismatch):
		return &ErrDimensionMismatch{cause: err}
	}

	var etm *vcache.ErrElementTypeMismatch
	if errors.As(err, &etm) {
		return &ErrElementTypeMismatch{
			Expected: etm.Expected.String(),
			Actual:   etm.Actual.String(),
			cause:    err,
		}
	}

	return err
}
