package model

import "time"

// AgentStatus is a node in the Orchestrator's per-agent state machine
// (spec.md §4.4).
type AgentStatus string

const (
	StatusRegistered AgentStatus = "REGISTERED"
	StatusStarting   AgentStatus = "STARTING"
	StatusHealthy    AgentStatus = "HEALTHY"
	StatusDegraded   AgentStatus = "DEGRADED"
	StatusFailed     AgentStatus = "FAILED"
	StatusStopped    AgentStatus = "STOPPED"
)

// MaxRestarts is the bound on consecutive restart attempts before an agent
// is marked FAILED (spec.md §4.4, §8).
const MaxRestarts = 3

// HeartbeatTimeout is how long a discipline may go without reporting
// liveness before the Orchestrator marks the agent DEGRADED.
const HeartbeatTimeout = 180 * time.Second

// AgentRegistration is the mutable, Orchestrator-owned record of one active
// agent. It is never shared as a pointer to external callers — the
// Orchestrator hands out value-copy snapshots.
type AgentRegistration struct {
	Descriptor       AgentDescriptor
	Status           AgentStatus
	RestartCount     int
	LastHeartbeat    time.Time
	ActiveExecutions int
	FailureReason    string
}

// Snapshot returns a copy safe to hand to a reader without sharing mutable
// state with the Orchestrator's supervisor loop.
func (r AgentRegistration) Snapshot() AgentRegistration {
	cp := r
	cp.Descriptor.Tags = append([]string(nil), r.Descriptor.Tags...)
	cp.Descriptor.Tools = append([]ToolConfig(nil), r.Descriptor.Tools...)
	cp.Descriptor.Subscriptions = append([]string(nil), r.Descriptor.Subscriptions...)
	return cp
}
