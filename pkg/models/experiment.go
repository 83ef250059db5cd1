package models

import (
	"time"
)

// ExperimentInitialData is recorded when an experiment run starts.
type ExperimentInitialData struct {
	Label       string    `json:"label"`
	User        string    `json:"user"`
	LabTopology string    `json:"lab_topology"`
	Script      string    `json:"script"`
	StartTime   time.Time `json:"start_time"`
	Story       string    `json:"story,omitempty"`
}

// ExperimentEndData is recorded when an experiment run ends.
type ExperimentEndData struct {
	EndTime time.Time `json:"end_time"`
	Success bool      `json:"success"`
}

// RawResultData is a result published by user code.
type RawResultData struct {
	Label string `json:"label" validate:"required"`
	Data  any    `json:"data"`
	Stage int    `json:"stage"`
	Story string `json:"story,omitempty"`
}

// Metadata is a metadata entry published by user code.
type Metadata struct {
	Label string `json:"label" validate:"required"`
	Stage int    `json:"stage"`
	Data  any    `json:"data"`
}

// Figure is a serialized figure blob, usually plotly JSON.
type Figure struct {
	Figure string `json:"figure" validate:"required"`
}

// PlotSpec is plot data together with the name of the generator that renders it.
type PlotSpec struct {
	Label     string `json:"label"`
	Story     string `json:"story,omitempty"`
	Generator string `json:"generator"`
	Data      any    `json:"data"`
}

// NodeData is the run record written before a graph node executes.
type NodeData struct {
	StageID   int       `json:"stage_id"`
	StartTime time.Time `json:"start_time"`
	Label     string    `json:"label"`
	IsKeyNode bool      `json:"is_key_node"`
}

// Debug holds environment details captured for an experiment.
type Debug struct {
	Env          string `json:"env"`
	History      string `json:"history"`
	StationSpecs string `json:"station_specs"`
	Extra        string `json:"extra"`
}

type ExperimentRecord struct {
	ID          int64      `json:"id"`
	Label       string     `json:"label"`
	Script      string     `json:"script"`
	User        string     `json:"user"`
	Story       string     `json:"story,omitempty"`
	LabTopology string     `json:"lab_topology,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Success     bool       `json:"success"`
	Favorite    bool       `json:"favorite"`
}

// DataType discriminates how a bulk payload was encoded.
type DataType int

const (
	// DataTypeNative payloads were stored in the bulk format directly.
	DataTypeNative DataType = 1
	// DataTypeSerialized payloads went through generic object serialization.
	DataTypeSerialized DataType = 2
	// DataTypeRepr payloads are the printable representation and cannot be decoded.
	DataTypeRepr DataType = 3
)

func (d DataType) String() string {
	switch d {
	case DataTypeNative:
		return "native"
	case DataTypeSerialized:
		return "serialized"
	case DataTypeRepr:
		return "repr"
	default:
		return "unknown"
	}
}

type ResultRecord struct {
	ExperimentID int64     `json:"experiment_id"`
	Stage        int       `json:"stage"`
	Label        string    `json:"label"`
	Story        string    `json:"story,omitempty"`
	Data         any       `json:"data"`
	Time         time.Time `json:"time"`
	DataType     DataType  `json:"data_type"`
}

type MetadataRecord struct {
	ExperimentID int64     `json:"experiment_id"`
	Stage        int       `json:"stage"`
	Label        string    `json:"label"`
	Data         any       `json:"data"`
	Time         time.Time `json:"time"`
	DataType     DataType  `json:"data_type"`
}

type FigureRecord struct {
	ID           int64     `json:"id"`
	ExperimentID int64     `json:"experiment_id"`
	Figure       string    `json:"figure"`
	Time         time.Time `json:"time"`
}

type PlotRecord struct {
	ID           int64     `json:"id"`
	ExperimentID int64     `json:"experiment_id"`
	Label        string    `json:"label"`
	Story        string    `json:"story,omitempty"`
	Generator    string    `json:"generator"`
	Data         any       `json:"data"`
	Time         time.Time `json:"time"`
}

type DebugRecord struct {
	ID           int64  `json:"id"`
	ExperimentID int64  `json:"experiment_id"`
	Env          string `json:"env"`
	History      string `json:"history"`
	StationSpecs string `json:"station_specs"`
	Extra        string `json:"extra"`
}

type NodeRecord struct {
	ExperimentID int64     `json:"experiment_id"`
	StageID      int       `json:"stage_id"`
	Label        string    `json:"label"`
	Start        time.Time `json:"start"`
	IsKeyNode    bool      `json:"is_key_node"`
}

// NodeResults groups the results of one node invocation.
type NodeResults struct {
	StageID int            `json:"stage_id"`
	Results []ResultRecord `json:"results"`
}
