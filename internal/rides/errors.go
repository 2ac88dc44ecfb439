package rides

import (
	"errors"

	"github.com/example/ride-dispatch/internal/storage"
)

// Error taxonomy surfaced by every lifecycle, passenger and early-stop
// operation. Concurrency conflicts (AlreadyTaken, StaleWrite,
// CapacityExceeded) mean the caller should re-read and decide whether to
// retry; the service never retries on the caller's behalf.
var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidState      = errors.New("operation not allowed in current state")
	ErrAlreadyTaken      = errors.New("ride already taken")
	ErrCapacityExceeded  = errors.New("capacity exceeded")
	ErrNotJoinable       = errors.New("ride not joinable")

	// Re-exported store errors so callers handle one taxonomy.
	ErrStaleWrite = storage.ErrStaleWrite
	ErrNotFound   = storage.ErrNotFound
)
