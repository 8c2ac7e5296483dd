package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle state of one ExecutionRecord.
type ExecutionStatus string

const (
	ExecQueued    ExecutionStatus = "QUEUED"
	ExecRunning   ExecutionStatus = "RUNNING"
	ExecCompleted ExecutionStatus = "COMPLETED"
	ExecFailed    ExecutionStatus = "FAILED"
	ExecTimeout   ExecutionStatus = "TIMEOUT"
	ExecCancelled ExecutionStatus = "CANCELLED"

	// Terminal statuses are never overwritten — records are append-only for
	// audit past this point (spec.md §3).
)

// IsTerminal reports whether s is a terminal ExecutionStatus.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecCompleted, ExecFailed, ExecTimeout, ExecCancelled:
		return true
	}
	return false
}

// ExecutionRecord is the durable audit trail for one agent invocation,
// created QUEUED on submission and moved to a terminal status on completion,
// failure, timeout, or cancellation (spec.md §3).
type ExecutionRecord struct {
	ExecutionID uuid.UUID       `json:"execution_id"`
	AgentName   string          `json:"agent_name"`
	TraceID     uuid.UUID       `json:"trace_id"`
	Status      ExecutionStatus `json:"status"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Retries     int             `json:"retries"`
}
