// Package protocol defines the contracts between entropy and pluggable lab drivers.
package protocol

// DriverFactory creates resources of one driver type.
type DriverFactory interface {
	// ID returns the unique identifier for this driver, "<module>.<Class>"
	ID() string

	// Create instantiates a resource from positional and keyword arguments
	Create(args []any, kwargs map[string]any) (Resource, error)

	// Schema returns the JSON schema of the keyword arguments, or nil
	Schema() map[string]any
}
