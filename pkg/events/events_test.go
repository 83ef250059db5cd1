package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeFailed_JSONSerialization(t *testing.T) {
	original := &NodeFailed{
		BaseEvent: NewBaseEvent(NodeFailedEvent, 7),
		StageID:   3,
		Label:     "fit",
		Error:     "boom",
		Attempts:  2,
	}

	jsonData, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(jsonData), `"type":"node.failed"`)
	assert.Contains(t, string(jsonData), `"experiment_id":7`)
	assert.Contains(t, string(jsonData), `"stage_id":3`)

	var deserialized NodeFailed

	err = json.Unmarshal(jsonData, &deserialized)
	require.NoError(t, err)

	assert.Equal(t, original.ID, deserialized.ID)
	assert.Equal(t, original.Label, deserialized.Label)
	assert.Equal(t, original.Attempts, deserialized.Attempts)
	assert.WithinDuration(t, original.Timestamp, deserialized.Timestamp, time.Millisecond)
}

func TestNew(t *testing.T) {
	for _, eventType := range []EventType{
		ExperimentStartedEvent,
		ExperimentFinishedEvent,
		ExperimentFailedEvent,
		NodeStartedEvent,
		NodeFinishedEvent,
		NodeFailedEvent,
		FigureSavedEvent,
		ParamsCommittedEvent,
	} {
		event := New(eventType)
		require.NotNil(t, event, eventType)

		typed, ok := event.(interface{ GetType() EventType })
		require.True(t, ok)
		assert.Equal(t, eventType, typed.GetType())
	}

	assert.Nil(t, New("workflow.triggered"))
}

func TestNewBaseEvent(t *testing.T) {
	first := NewBaseEvent(ExperimentStartedEvent, 1)
	second := NewBaseEvent(ExperimentStartedEvent, 1)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, ExperimentStartedEvent, first.Type)
	assert.Equal(t, time.UTC, first.Timestamp.Location())
}
