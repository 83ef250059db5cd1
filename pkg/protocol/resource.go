package protocol

import (
	"context"

	"github.com/dukex/entropy/pkg/models"
)

// Resource is a lab resource managed by entropy.
type Resource interface {
	// Connect opens the connection to the underlying device or service.
	Connect(ctx context.Context) error

	// Teardown releases whatever Connect acquired.
	Teardown(ctx context.Context) error

	// Instance returns the object handed to experiment code.
	Instance() any
}

// Snapshotter is a Resource whose state can be saved and restored.
type Snapshotter interface {
	Resource

	// Snapshot serializes the current state. When update is set the resource
	// refreshes its state from the device first.
	Snapshot(ctx context.Context, update bool) (string, error)

	// RevertToSnapshot restores a state produced by Snapshot.
	RevertToSnapshot(ctx context.Context, snapshot string) error
}

// SpecDiscoverer is a Resource that can describe its parameters and functions.
type SpecDiscoverer interface {
	DynamicDriverSpec(ctx context.Context) (models.DriverSpec, error)
}

// Named is a Resource that wants to know the name it was registered under.
type Named interface {
	SetEntropyName(name string)
}
