package sandbox

import (
	"fmt"
	"time"
)

// Limits bounds a single run.
type Limits struct {
	Timeout      time.Duration `json:"timeout"`
	MemoryBytes  int64         `json:"memory_bytes"`
	APICallLimit int64         `json:"api_call_limit"`
}

// DefaultLimits returns a fresh copy of the defaults on every call.
func DefaultLimits() Limits {
	return Limits{
		Timeout:      30 * time.Second,
		MemoryBytes:  128 * 1024 * 1024, // 128MB
		APICallLimit: 100,
	}
}

func (l Limits) Validate() error {
	if l.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %s", ErrInvalidRequest, l.Timeout)
	}
	if l.MemoryBytes <= 0 {
		return fmt.Errorf("%w: memory limit must be positive, got %d", ErrInvalidRequest, l.MemoryBytes)
	}
	if l.APICallLimit <= 0 {
		return fmt.Errorf("%w: api call limit must be positive, got %d", ErrInvalidRequest, l.APICallLimit)
	}
	return nil
}

// Within reports an error if any limit exceeds its ceiling in max.
func (l Limits) Within(max Limits) error {
	if max.Timeout > 0 && l.Timeout > max.Timeout {
		return fmt.Errorf("%w: timeout exceeds %s maximum", ErrInvalidRequest, max.Timeout)
	}
	if max.MemoryBytes > 0 && l.MemoryBytes > max.MemoryBytes {
		return fmt.Errorf("%w: memory limit exceeds %d bytes maximum", ErrInvalidRequest, max.MemoryBytes)
	}
	if max.APICallLimit > 0 && l.APICallLimit > max.APICallLimit {
		return fmt.Errorf("%w: api call limit exceeds %d maximum", ErrInvalidRequest, max.APICallLimit)
	}
	return nil
}
