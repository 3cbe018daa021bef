package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout        = errors.New("execution timed out")
	ErrMemoryExceeded = errors.New("memory limit exceeded")
	ErrCancelled      = errors.New("execution cancelled")
	ErrInvalidRequest = errors.New("invalid execution request")
	ErrLoadFailed     = errors.New("script failed to load")
	ErrManagerClosed  = errors.New("sandbox manager closed")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
