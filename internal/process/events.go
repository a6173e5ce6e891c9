package process

import (
	"encoding/json"
	"fmt"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/store"
)

// EventType names one process log event kind.
type EventType string

const (
	EventProcessStarted        EventType = "ProcessStarted"
	EventStepStarted           EventType = "StepStarted"
	EventStepCompleted         EventType = "StepCompleted"
	EventStepFailed            EventType = "StepFailed"
	EventStepTimedOut          EventType = "StepTimedOut"
	EventStepRetryScheduled    EventType = "StepRetryScheduled"
	EventProcessCompleted      EventType = "ProcessCompleted"
	EventProcessFailed         EventType = "ProcessFailed"
	EventCompensationStarted   EventType = "CompensationStarted"
	EventCompensationCompleted EventType = "CompensationCompleted"
	EventCompensationFailed    EventType = "CompensationFailed"
	EventProcessCompensated    EventType = "ProcessCompensated"
	EventProcessPaused         EventType = "ProcessPaused"
	EventProcessResumed        EventType = "ProcessResumed"
)

// Event is one process log entry payload. Unused fields stay empty and are
// omitted on the wire; Type decides which fields carry meaning.
type Event struct {
	Type EventType `json:"type"`
	// Step is the forward or compensation step the event refers to.
	Step string `json:"step,omitempty"`
	// Branch identifies the parallel branch for branch-level events.
	Branch string `json:"branch,omitempty"`
	// CommandID links the event to the command that produced it.
	CommandID string `json:"commandId,omitempty"`
	// Error carries the failure reason for failure events.
	Error string `json:"error,omitempty"`
	// Retryable records the classifier verdict on StepFailed and
	// StepTimedOut events.
	Retryable bool `json:"retryable,omitempty"`
	// Attempt is the retry ordinal on a StepRetryScheduled event.
	Attempt int `json:"attempt,omitempty"`
	// DelayMillis is the scheduled retry delay.
	DelayMillis int64 `json:"delayMillis,omitempty"`
}

// logEvent serializes the event for the process store.
func (e Event) logEvent() store.LogEvent {
	payload, err := json.Marshal(e)
	if err != nil {
		// Event fields are plain scalars; marshalling cannot fail.
		payload = []byte(`{}`)
	}
	return store.LogEvent{Type: string(e.Type), Payload: payload}
}

// ParseEvent decodes a process log entry back into an Event.
func ParseEvent(entry *store.ProcessLogEntry) (Event, error) {
	var e Event
	if err := json.Unmarshal(entry.Event, &e); err != nil {
		return Event{}, fmt.Errorf("failed to decode process event %d: %w", entry.Seq, err)
	}
	if e.Type == "" {
		e.Type = EventType(entry.EventType)
	}
	return e, nil
}
