package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PlanStatus is a node in the collaborative plan state machine (spec.md §4.7).
type PlanStatus string

const (
	PlanPlanning              PlanStatus = "PLANNING"
	PlanRunning               PlanStatus = "RUNNING"
	PlanWaitingClarification  PlanStatus = "WAITING_CLARIFICATION"
	PlanCompleted             PlanStatus = "COMPLETED"
	PlanFailed                PlanStatus = "FAILED"
)

// PlanStep is one ordered unit of work in a collaborative plan, tagged with
// the executor agent responsible for it.
type PlanStep struct {
	Index        int             `json:"index"`
	ExecutorName string          `json:"executor_name"`
	Description  string          `json:"description,omitempty"`
	ExecutionID  *uuid.UUID      `json:"execution_id,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Completed    bool            `json:"completed"`
}

// Clarification is a pause in plan execution awaiting an out-of-band reply
// (spec.md §4.7, GLOSSARY).
type Clarification struct {
	Question string     `json:"question"`
	Deadline time.Time  `json:"deadline"`
	Reply    *string    `json:"reply,omitempty"`
}

// PlanRunState is the durable state of one collaborative task
// (spec.md §3). Persisted as a single JSON blob per spec.md §9's design note.
type PlanRunState struct {
	TaskID           string          `json:"task_id"`
	Plan             []PlanStep      `json:"plan"`
	CurrentStep      int             `json:"current_step"`
	Status           PlanStatus      `json:"status"`
	Clarification    *Clarification  `json:"clarification,omitempty"`
	AggregatedResult json.RawMessage `json:"aggregated_result,omitempty"`
	TraceID          uuid.UUID       `json:"trace_id"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
