package registry

import (
	"github.com/dukex/entropy/pkg/protocol"
)

// CreateFunc builds a resource from its arguments.
type CreateFunc func(args []any, kwargs map[string]any) (protocol.Resource, error)

type funcDriver struct {
	id     string
	create CreateFunc
	schema map[string]any
}

// NewDriver returns a DriverFactory backed by a function. schema may be nil.
func NewDriver(id string, create CreateFunc, schema map[string]any) protocol.DriverFactory {
	return &funcDriver{id: id, create: create, schema: schema}
}

func (d *funcDriver) ID() string { return d.id }

func (d *funcDriver) Create(args []any, kwargs map[string]any) (protocol.Resource, error) {
	return d.create(args, kwargs)
}

func (d *funcDriver) Schema() map[string]any { return d.schema }
