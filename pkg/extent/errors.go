package extent

import (
	"fmt"
)

// ErrorCode represents the type of error that occurred.
type ErrorCode int

const (
	// CodeOverlap indicates an insert whose byte range intersects a live extent.
	CodeOverlap ErrorCode = iota + 1

	// CodeNotFound indicates no extent matches the request.
	CodeNotFound

	// CodeAllocation indicates the pool could not allocate a tree node.
	CodeAllocation

	// CodeInvalidArgument indicates a zero size, a misaligned offset, or an
	// offset whose end does not fit in 64 bits.
	CodeInvalidArgument

	// CodeNotEmpty indicates Destroy was called on an index with live extents.
	CodeNotEmpty

	// CodeCorrupted indicates the persistent structure violates an invariant.
	CodeCorrupted
)

// String returns a human-readable name for the error code.
func (c ErrorCode) String() string {
	switch c {
	case CodeOverlap:
		return "Overlap"
	case CodeNotFound:
		return "NotFound"
	case CodeAllocation:
		return "Allocation"
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeNotEmpty:
		return "NotEmpty"
	case CodeCorrupted:
		return "Corrupted"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// Error is returned by every index operation. Compare with errors.Is against
// the Err* sentinels below; pool failures stay reachable through Unwrap.
type Error struct {
	Code    ErrorCode
	Op      string
	Offset  uint64
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Op != "" {
		msg = fmt.Sprintf("extent %s at offset %d: %s", e.Op, e.Offset, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying pool error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrOverlap         = &Error{Code: CodeOverlap}
	ErrNotFound        = &Error{Code: CodeNotFound}
	ErrAllocation      = &Error{Code: CodeAllocation}
	ErrInvalidArgument = &Error{Code: CodeInvalidArgument}
	ErrNotEmpty        = &Error{Code: CodeNotEmpty}
	ErrCorrupted       = &Error{Code: CodeCorrupted}
)

func newError(code ErrorCode, op string, off uint64, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Offset:  off,
		Message: fmt.Sprintf(format, args...),
	}
}

func wrapError(code ErrorCode, op string, off uint64, err error) *Error {
	return &Error{
		Code:   code,
		Op:     op,
		Offset: off,
		Err:    err,
	}
}

// IsNotFound returns true if err is a NotFound error.
func IsNotFound(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Code == CodeNotFound
}
