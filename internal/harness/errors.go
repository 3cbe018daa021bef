package harness

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnavailable    = errors.New("harness unavailable")
)

// RequestError is the only error ExecuteTest returns. Err wraps
// ErrInvalidRequest, storage.ErrScriptNotFound or ErrUnavailable.
type RequestError struct {
	Op  string
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func invalidf(op, format string, args ...any) *RequestError {
	return &RequestError{Op: op, Err: fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))}
}
