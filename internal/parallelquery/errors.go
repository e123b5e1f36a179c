package parallelquery

import (
	"errors"
	"fmt"
)

var (
	// ErrTargetNotMet is wrapped by TargetNotMetError.
	ErrTargetNotMet = errors.New("parallelquery: parallel worker target not met")

	// ErrInterrupted is returned when the caller's context ends mid-run.
	ErrInterrupted = errors.New("parallelquery: interrupted")

	// ErrQueryTimeout is returned when a completed statement's value could
	// not be collected in time.
	ErrQueryTimeout = errors.New("parallelquery: timed out collecting statement result")
)

// TargetNotMetError reports that every attempt ran without reaching the
// minimum worker count.
type TargetNotMetError struct {
	Statement string
	Attempts  int
	Observed  int // highest worker count seen across all attempts
	Min       int
}

func (e *TargetNotMetError) Error() string {
	return fmt.Sprintf("parallelquery: %s: %d attempts, max %d workers observed, minimum %d",
		e.Statement, e.Attempts, e.Observed, e.Min)
}

func (e *TargetNotMetError) Unwrap() error { return ErrTargetNotMet }

// QueryError is a statement failure other than cancellation. It is not
// retried.
type QueryError struct {
	Statement string
	Attempt   int
	Err       error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("parallelquery: %s attempt %d: %v", e.Statement, e.Attempt, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// CleanupError wraps a failing cleanup action.
type CleanupError struct {
	Statement string
	Attempt   int
	Err       error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("parallelquery: %s cleanup after attempt %d: %v", e.Statement, e.Attempt, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }
