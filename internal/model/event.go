package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskEvent is the on-wire JSON envelope published to and consumed from the
// Dispatch Bus (spec.md §3, §6).
type TaskEvent struct {
	EventID       uuid.UUID       `json:"event_id"`
	EventType     string          `json:"event_type"`
	Timestamp     time.Time       `json:"timestamp"`
	TraceID       uuid.UUID       `json:"trace_id"`
	ParentEventID *uuid.UUID      `json:"parent_event_id,omitempty"`
	Priority      int             `json:"priority,omitempty"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	Payload       json.RawMessage `json:"payload"`
	AgentName     string          `json:"agent_name,omitempty"`
	ExecutionID   *uuid.UUID      `json:"execution_id,omitempty"`
}

// NewTaskEvent constructs a TaskEvent with fresh event_id, current
// timestamp, and the documented defaults (retry_count=0, max_retries=3).
func NewTaskEvent(eventType string, traceID uuid.UUID, payload any) (TaskEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return TaskEvent{}, err
	}
	return TaskEvent{
		EventID:    NewEventID(),
		EventType:  eventType,
		Timestamp:  time.Now().UTC(),
		TraceID:    traceID,
		MaxRetries: 3,
		Payload:    raw,
	}, nil
}

// Derive builds a child event that preserves trace_id and sets
// parent_event_id to this event's event_id, per spec.md §3's invariant that
// trace_id is preserved on every derived event.
func (e TaskEvent) Derive(eventType string, payload any) (TaskEvent, error) {
	child, err := NewTaskEvent(eventType, e.TraceID, payload)
	if err != nil {
		return TaskEvent{}, err
	}
	parent := e.EventID
	child.ParentEventID = &parent
	child.AgentName = e.AgentName
	child.ExecutionID = e.ExecutionID
	return child, nil
}

// UnmarshalPayload decodes the event's opaque payload into v.
func (e TaskEvent) UnmarshalPayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}
