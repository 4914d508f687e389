package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSensorUnavailable is returned when host telemetry cannot be read.
	// Non-fatal: callers log it and treat the reading as unknown.
	ErrSensorUnavailable = errors.New("sensor unavailable")

	// ErrSourceUnreadable is returned when the input media duration cannot
	// be probed. Fatal, no retry.
	ErrSourceUnreadable = errors.New("source unreadable")

	// ErrResourceExhausted is returned when the resource gate stays closed
	// past the bounded recovery wait. Fatal for the job.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrNotLockHolder is returned when a release is attempted on a lock
	// record whose holder PID belongs to a different process.
	ErrNotLockHolder = errors.New("lock held by a different process")
)

// LockHeldError reports that a live process holds the job-class lock.
// Retryable with backoff; fatal only past the caller's deadline.
type LockHeldError struct {
	Class      string
	HolderPID  int
	AcquiredAt time.Time
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("lock for class %q held by pid %d since %s",
		e.Class, e.HolderPID, e.AcquiredAt.Format(time.RFC3339))
}

// ChunkError wraps a per-chunk failure. It never aborts sibling chunks;
// it becomes a merge gap instead.
type ChunkError struct {
	Index int
	Stage string
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d: %s: %v", e.Index, e.Stage, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// NewChunkError creates a per-chunk failure for the given stage.
func NewChunkError(index int, stage string, err error) error {
	return &ChunkError{Index: index, Stage: stage, Err: err}
}
