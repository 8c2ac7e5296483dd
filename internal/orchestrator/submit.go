package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orbitfleet/orchestra/internal/bus"
	"github.com/orbitfleet/orchestra/internal/model"
)

// Submit routes an operator- or event-triggered task to the discipline
// matching agentName's descriptor mode: it mints an execution_id, writes a
// QUEUED ExecutionRecord, and publishes the routing-table event from
// spec.md §4.4. traceID is used as given; when it is uuid.Nil a fresh
// trace_id is minted at this ingress point.
func (o *Orchestrator) Submit(ctx context.Context, agentName string, payload any, traceID uuid.UUID) (uuid.UUID, error) {
	reg, ok := o.Get(agentName)
	if !ok {
		return uuid.Nil, fmt.Errorf("orchestrator: submit: unknown agent %q", agentName)
	}
	if traceID == uuid.Nil {
		traceID = model.NewTraceID()
	}

	executionID := model.NewExecutionID()
	now := time.Now().UTC()
	rec := model.ExecutionRecord{
		ExecutionID: executionID,
		AgentName:   agentName,
		TraceID:     traceID,
		Status:      model.ExecQueued,
		SubmittedAt: now,
	}
	if err := o.store.AppendExecution(ctx, rec); err != nil {
		return uuid.Nil, fmt.Errorf("orchestrator: submit: record execution: %w", err)
	}

	ev, err := model.NewTaskEvent(reg.Descriptor.RoutingKey(), traceID, payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("orchestrator: submit: build event: %w", err)
	}
	ev.AgentName = agentName
	ev.ExecutionID = &executionID
	if reg.Descriptor.RetryConfig != nil && reg.Descriptor.RetryConfig.MaxRetries > 0 {
		ev.MaxRetries = reg.Descriptor.RetryConfig.MaxRetries
	}

	if err := o.bus.Publish(ctx, reg.Descriptor.RoutingKey(), ev, true); err != nil {
		return uuid.Nil, fmt.Errorf("orchestrator: submit: publish: %w", err)
	}
	return executionID, nil
}

// RegisterExecutionCancel lets a discipline associate a running execution's
// cancellation function with its execution_id, so a later Cancel call can
// abandon the in-flight LLM call (spec.md §5).
func (o *Orchestrator) RegisterExecutionCancel(executionID uuid.UUID, cancel context.CancelFunc) {
	o.mu.Lock()
	o.executionStops[executionID.String()] = cancel
	o.mu.Unlock()
}

// UnregisterExecutionCancel removes a completed execution's cancel function.
func (o *Orchestrator) UnregisterExecutionCancel(executionID uuid.UUID) {
	o.mu.Lock()
	delete(o.executionStops, executionID.String())
	o.mu.Unlock()
}

// Cancel marks executionID CANCELLED and, if it is currently RUNNING,
// invokes its registered cancellation function to abandon the in-flight
// call (spec.md §5).
func (o *Orchestrator) Cancel(ctx context.Context, executionID uuid.UUID) error {
	o.mu.Lock()
	cancel, running := o.executionStops[executionID.String()]
	o.mu.Unlock()

	if running {
		cancel()
	}

	rec, err := o.store.GetExecution(ctx, executionID.String())
	if err != nil {
		return fmt.Errorf("orchestrator: cancel: %w", err)
	}
	rec.Status = model.ExecCancelled
	completed := time.Now().UTC()
	rec.CompletedAt = &completed
	if err := o.store.UpdateExecution(ctx, rec); err != nil {
		return fmt.Errorf("orchestrator: cancel: update record: %w", err)
	}
	return nil
}

// bus.Retryable/bus.Fatal are re-exported through this package so that
// disciplines built alongside the orchestrator (autonomous, collaborative,
// continuous, scheduled) can classify handler outcomes without importing
// internal/bus directly.
var (
	Retryable = bus.Retryable
	Fatal     = bus.Fatal
)
