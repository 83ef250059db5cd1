// Package errdefs provides the error kinds shared by every entropy component.
package errdefs

import (
	"errors"
	"fmt"
)

// Error kinds. Components wrap these so callers can match with errors.Is.
var (
	// ErrNotFound indicates a missing commit, key, resource or experiment.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a duplicate result, resource name or import.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidArgument indicates a caller supplied an unusable argument.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrIllegalState indicates an operation was called out of lifecycle order.
	ErrIllegalState = errors.New("illegal state")

	// ErrUnsupported indicates a capability the target does not provide.
	ErrUnsupported = errors.New("unsupported")

	// ErrVersionMismatch indicates a stored schema version differs from the code's.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrNodeFailure indicates a graph node exhausted its retries or failed fatally.
	ErrNodeFailure = errors.New("node failure")

	// ErrMissingOutput indicates a parent node did not produce a required output.
	ErrMissingOutput error = &kindError{msg: "missing output", parent: ErrNodeFailure}
)

type kindError struct {
	msg    string
	parent error
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.parent }

// Error wraps an error kind with the operation and target it concerns.
type Error struct {
	Op      string // Operation being performed (e.g. "Commit", "SaveResult")
	Target  string // Key, id or name the operation was applied to
	Message string // Additional context message
	Err     error  // Underlying error, usually one of the kinds above
}

func (e *Error) Error() string {
	target := ""
	if e.Target != "" {
		target = " " + e.Target
	}

	if e.Message != "" {
		return fmt.Sprintf("%s%s: %s: %v", e.Op, target, e.Message, e.Err)
	}

	return fmt.Sprintf("%s%s: %v", e.Op, target, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error comparison against the wrapped kind.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// New creates an error of the given kind.
func New(op, target string, kind error) *Error {
	return &Error{Op: op, Target: target, Err: kind}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(op, target string, kind error, format string, args ...any) *Error {
	return &Error{Op: op, Target: target, Err: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFound(op, target string) *Error { return New(op, target, ErrNotFound) }

func AlreadyExists(op, target string) *Error { return New(op, target, ErrAlreadyExists) }

func InvalidArgument(op, target, message string) *Error {
	return &Error{Op: op, Target: target, Err: ErrInvalidArgument, Message: message}
}

func IllegalState(op, target, message string) *Error {
	return &Error{Op: op, Target: target, Err: ErrIllegalState, Message: message}
}

func Unsupported(op, target, message string) *Error {
	return &Error{Op: op, Target: target, Err: ErrUnsupported, Message: message}
}

// IsNotFound checks if an error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if an error indicates a duplicate entity.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsInvalidArgument checks if an error indicates a bad argument.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// IsIllegalState checks if an error indicates an out-of-order lifecycle call.
func IsIllegalState(err error) bool {
	return errors.Is(err, ErrIllegalState)
}

// IsUnsupported checks if an error indicates a missing capability.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

// IsVersionMismatch checks if an error indicates a schema version mismatch.
func IsVersionMismatch(err error) bool {
	return errors.Is(err, ErrVersionMismatch)
}

// IsNodeFailure checks if an error indicates a failed graph node.
func IsNodeFailure(err error) bool {
	return errors.Is(err, ErrNodeFailure)
}

var kindNames = []struct {
	kind error
	name string
}{
	{ErrMissingOutput, "missing_output"},
	{ErrNodeFailure, "node_failure"},
	{ErrNotFound, "not_found"},
	{ErrAlreadyExists, "already_exists"},
	{ErrInvalidArgument, "invalid_argument"},
	{ErrIllegalState, "illegal_state"},
	{ErrUnsupported, "unsupported"},
	{ErrVersionMismatch, "version_mismatch"},
}

// KindOf names the most specific error kind err wraps, or "internal" when it
// wraps none of them.
func KindOf(err error) string {
	for _, entry := range kindNames {
		if errors.Is(err, entry.kind) {
			return entry.name
		}
	}

	return "internal"
}
