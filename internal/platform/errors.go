package platform

import (
	"errors"
	"fmt"
)

// Code classifies a failed platform call the way the hosted platform does.
type Code string

const (
	CodePermissionDenied Code = "permission_denied"
	CodeNotFound         Code = "not_found"
	CodeQuotaExceeded    Code = "quota_exceeded"
	CodeInvalidRequest   Code = "invalid_request"
	CodeAborted          Code = "aborted"
)

var (
	// ErrQuotaExceeded is returned by a Meter when the run has used up its
	// API call budget.
	ErrQuotaExceeded = errors.New("api call quota exceeded")
	// ErrAborted is matched by calls interrupted by run cancellation.
	ErrAborted       = errors.New("api call aborted")
	// ErrBadRule wraps validation failures of an ErrorRule.
	ErrBadRule       = errors.New("invalid error rule")
)

// Error is the failure value of every mocked platform call.
type Error struct {
	Code       Code
	Op         string
	Collection string
	Message    string
}

func (e *Error) Error() string {
	if e.Collection != "" {
		return fmt.Sprintf("%s: %s %s: %s", e.Code, e.Op, e.Collection, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Op, e.Message)
}

// Is lets errors.Is match quota and abort failures against the package
// sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrQuotaExceeded:
		return e.Code == CodeQuotaExceeded
	case ErrAborted:
		return e.Code == CodeAborted
	}
	return false
}

// CodeOf returns the platform code carried by err, or "" if err is not a
// platform error.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsQuotaExceeded reports whether err is a quota rejection.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

func validCode(c Code) bool {
	switch c {
	case CodePermissionDenied, CodeNotFound, CodeInvalidRequest:
		return true
	}
	return false
}
