// Package lock provides exclusive ownership of lab resources across processes.
package lock

import (
	"context"
)

// Locker grants exclusive ownership of named resources.
type Locker interface {
	// Acquire takes the lock for owner. Acquiring a lock owner already holds
	// succeeds. A lock held by another owner is IllegalState.
	Acquire(ctx context.Context, resource, owner string) error

	// Release frees the lock and reports whether owner held it.
	Release(ctx context.Context, resource, owner string) (bool, error)

	// Holder returns the current owner of the lock.
	Holder(ctx context.Context, resource string) (string, bool, error)
}
