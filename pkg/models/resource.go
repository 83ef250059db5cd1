package models

import (
	"time"
)

type DriverType int

const (
	DriverTypePackaged DriverType = 1
	DriverTypeLocal    DriverType = 2
)

// Parameter describes a driver parameter discovered at registration.
type Parameter struct {
	Name      string  `json:"name"`
	Unit      string  `json:"unit,omitempty"`
	Step      float64 `json:"step,omitempty"`
	Scale     float64 `json:"scale,omitempty"`
	Offset    float64 `json:"offset,omitempty"`
	Vals      any     `json:"vals,omitempty"`
	Submodule string  `json:"submodule,omitempty"`
}

// Function describes a driver function discovered at registration.
type Function struct {
	Name       string      `json:"name"`
	Parameters []Parameter `json:"parameters,omitempty"`
}

// DriverSpec is the cached description of a driver's functionality.
type DriverSpec struct {
	Parameters          []Parameter `json:"parameters"`
	Functions           []Function  `json:"functions"`
	UndeclaredFunctions []Function  `json:"undeclared_functions"`
}

// ResourceRecord is the durable descriptor of a registered lab resource.
type ResourceRecord struct {
	ID                     int64          `json:"id"`
	Name                   string         `json:"name"`
	DriverID               string         `json:"driver_id"`
	Module                 string         `json:"module"`
	ClassName              string         `json:"class_name"`
	SourceCode             string         `json:"source_code,omitempty"`
	Version                string         `json:"version,omitempty"`
	DriverType             DriverType     `json:"driver_type"`
	Args                   []any          `json:"args"`
	Kwargs                 map[string]any `json:"kwargs"`
	NumberOfExperimentArgs int            `json:"number_of_experiment_args"`
	KeysOfExperimentKwargs []string       `json:"keys_of_experiment_kwargs"`
	CachedMetadata         DriverSpec     `json:"cached_metadata"`
	UpdateTime             time.Time      `json:"update_time"`
	Deleted                bool           `json:"deleted"`
}

// ResourceState is a named snapshot of a resource's serialized state.
type ResourceState struct {
	ID         int64     `json:"id"`
	Resource   string    `json:"resource"`
	Name       string    `json:"name"`
	State      string    `json:"state"`
	UpdateTime time.Time `json:"update_time"`
}
