// Package events defines the notifications published while experiments run.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic is the default topic events are published to.
const Topic = "entropy.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Experiment lifecycle events.
	ExperimentStartedEvent  EventType = "experiment.started"
	ExperimentFinishedEvent EventType = "experiment.finished"
	ExperimentFailedEvent   EventType = "experiment.failed"

	// Graph node events.
	NodeStartedEvent  EventType = "node.started"
	NodeFinishedEvent EventType = "node.finished"
	NodeFailedEvent   EventType = "node.failed"

	FigureSavedEvent     EventType = "figure.saved"
	ParamsCommittedEvent EventType = "params.committed"
)

type BaseEvent struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	ExperimentID int64     `json:"experiment_id,omitempty"`
}

type ExperimentStarted struct {
	BaseEvent

	Label string `json:"label"`
	User  string `json:"user,omitempty"`
}

func (e ExperimentStarted) GetType() EventType {
	return ExperimentStartedEvent
}

type ExperimentFinished struct {
	BaseEvent

	Label    string        `json:"label"`
	Duration time.Duration `json:"duration"`
}

func (e ExperimentFinished) GetType() EventType {
	return ExperimentFinishedEvent
}

type ExperimentFailed struct {
	BaseEvent

	Label    string        `json:"label"`
	Error    string        `json:"error"`
	Duration time.Duration `json:"duration"`
}

func (e ExperimentFailed) GetType() EventType {
	return ExperimentFailedEvent
}

type NodeStarted struct {
	BaseEvent

	StageID int    `json:"stage_id"`
	Label   string `json:"label"`
}

func (e NodeStarted) GetType() EventType {
	return NodeStartedEvent
}

type NodeFinished struct {
	BaseEvent

	StageID  int           `json:"stage_id"`
	Label    string        `json:"label"`
	Outputs  []string      `json:"outputs,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (e NodeFinished) GetType() EventType {
	return NodeFinishedEvent
}

type NodeFailed struct {
	BaseEvent

	StageID  int    `json:"stage_id"`
	Label    string `json:"label"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

func (e NodeFailed) GetType() EventType {
	return NodeFailedEvent
}

// FigureSaved tells readers that cached figures of an experiment are stale.
type FigureSaved struct {
	BaseEvent
}

func (e FigureSaved) GetType() EventType {
	return FigureSavedEvent
}

type ParamsCommitted struct {
	BaseEvent

	CommitID string `json:"commit_id"`
	Label    string `json:"label,omitempty"`
}

func (e ParamsCommitted) GetType() EventType {
	return ParamsCommittedEvent
}

// NewBaseEvent creates a new base event with common fields.
func NewBaseEvent(eventType EventType, experimentID int64) BaseEvent {
	return BaseEvent{
		ID:           uuid.New().String(),
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		ExperimentID: experimentID,
	}
}

// New returns an empty event of eventType for decoding, or nil for an unknown type.
func New(eventType EventType) any {
	switch eventType {
	case ExperimentStartedEvent:
		return &ExperimentStarted{}
	case ExperimentFinishedEvent:
		return &ExperimentFinished{}
	case ExperimentFailedEvent:
		return &ExperimentFailed{}
	case NodeStartedEvent:
		return &NodeStarted{}
	case NodeFinishedEvent:
		return &NodeFinished{}
	case NodeFailedEvent:
		return &NodeFailed{}
	case FigureSavedEvent:
		return &FigureSaved{}
	case ParamsCommittedEvent:
		return &ParamsCommitted{}
	default:
		return nil
	}
}
