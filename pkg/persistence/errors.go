package persistence

import (
	"errors"
	"fmt"

	"github.com/dukex/entropy/pkg/errdefs"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrCommitNotFound indicates no commit matches the given id or number.
	ErrCommitNotFound = fmt.Errorf("commit %w", errdefs.ErrNotFound)

	// ErrTempEmpty indicates the temp slot was read before anything was saved to it.
	ErrTempEmpty = fmt.Errorf("temp is empty, use save_temp before load_temp: %w", errdefs.ErrNotFound)

	// ErrVersionMismatch indicates a stored file or schema was written by another version.
	ErrVersionMismatch = fmt.Errorf("param store %w", errdefs.ErrVersionMismatch)
)

// CommitError wraps commit-related errors with additional context.
type CommitError struct {
	Op       string // Operation being performed (e.g., "GetCommit", "Commit")
	CommitID string // Commit id if applicable
	Num      int    // Commit number if applicable
	Err      error  // Underlying error
}

func (e *CommitError) Error() string {
	target := e.CommitID
	if target == "" && e.Num != 0 {
		target = fmt.Sprintf("#%d", e.Num)
	}

	if target == "" {
		return fmt.Sprintf("%s operation failed: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("%s operation failed for commit %s: %v", e.Op, target, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for commit errors.
func (e *CommitError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewCommitNotFound creates a not-found error for a commit id.
func NewCommitNotFound(op, commitID string) *CommitError {
	return &CommitError{Op: op, CommitID: commitID, Err: ErrCommitNotFound}
}

// NewCommitNumNotFound creates a not-found error for a commit number.
func NewCommitNumNotFound(op string, num int) *CommitError {
	return &CommitError{Op: op, Num: num, Err: ErrCommitNotFound}
}

// VersionError reports a stored version that does not match the code's version.
type VersionError struct {
	Path     string
	Found    string
	Expected string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf(
		"param store at '%s' is version %s, expected %s. Please upgrade it using `entropy upgrade`",
		e.Path, e.Found, e.Expected,
	)
}

func (e *VersionError) Unwrap() error {
	return ErrVersionMismatch
}

// IsCommitNotFound checks if an error indicates a commit was not found.
func IsCommitNotFound(err error) bool {
	return errors.Is(err, ErrCommitNotFound)
}

// IsTempEmpty checks if an error indicates the temp slot is empty.
func IsTempEmpty(err error) bool {
	return errors.Is(err, ErrTempEmpty)
}
