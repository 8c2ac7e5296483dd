// Package autonomous implements the Autonomous Pool (spec.md §4.5): a
// shared, work-stealing consumer group over autonomous.task.submitted that
// runs each task in an isolated, one-shot LLM call.
package autonomous

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/orbitfleet/orchestra/internal/bus"
	"github.com/orbitfleet/orchestra/internal/model"
	"github.com/orbitfleet/orchestra/internal/orchestrator"
	"github.com/orbitfleet/orchestra/internal/provider"
	"github.com/orbitfleet/orchestra/internal/registry"
	"github.com/orbitfleet/orchestra/internal/storage"
)

const (
	submittedQueue = "pool.autonomous"
	failuresQueue  = "pool.autonomous.failures"
)

// defaultPrefetch is the default consumer-group concurrency (spec.md §4.5).
const defaultPrefetch = 4

// Pool implements orchestrator.Discipline for AUTONOMOUS descriptors. A
// single Pool instance backs every autonomous agent — Activate is a no-op
// per descriptor beyond the first, since the pool subscribes once to the
// shared queue and resolves the target agent per event. The bus itself owns
// retry accounting and DLQ routing (spec.md §4.2); this pool only classifies
// each error as Retryable or Fatal and never re-derives the retry count.
type Pool struct {
	reg       *registry.Registry
	bus       *bus.Bus
	store     *storage.Store
	orch      *orchestrator.Orchestrator
	providers *provider.Registry
	logger    *slog.Logger

	subscribed bool
}

// New constructs a Pool. Register it with the Orchestrator via
// RegisterDiscipline(model.ModeAutonomous, pool).
func New(reg *registry.Registry, b *bus.Bus, store *storage.Store, orch *orchestrator.Orchestrator, providers *provider.Registry, logger *slog.Logger) *Pool {
	return &Pool{reg: reg, bus: b, store: store, orch: orch, providers: providers, logger: logger}
}

// Activate subscribes the shared consumer group and the failure-tracking
// consumer on first call; subsequent calls (one per autonomous descriptor
// loaded) are no-ops, since both queues are shared across every autonomous
// agent.
func (p *Pool) Activate(ctx context.Context, desc model.AgentDescriptor) (func(context.Context), error) {
	if p.subscribed {
		return func(context.Context) {}, nil
	}

	stopSubmitted, err := p.bus.Subscribe(ctx, submittedQueue, []string{"autonomous.task.submitted"}, p.handle, bus.SubscribeOptions{
		Prefetch: defaultPrefetch,
	})
	if err != nil {
		return nil, fmt.Errorf("autonomous: subscribe submitted: %w", err)
	}

	stopFailures, err := p.bus.Subscribe(ctx, failuresQueue, []string{"autonomous.task.failed"}, p.handleFailed, bus.SubscribeOptions{
		Prefetch: defaultPrefetch,
	})
	if err != nil {
		stopSubmitted()
		return nil, fmt.Errorf("autonomous: subscribe failures: %w", err)
	}

	p.subscribed = true
	return func(context.Context) {
		stopSubmitted()
		stopFailures()
	}, nil
}

type taskPayload struct {
	Prompt string `json:"prompt"`
}

// handle implements bus.Handler for one autonomous.task.submitted event
// (spec.md §4.5's numbered algorithm). It never publishes a failed event or
// touches retry_count itself — returning Fatal or Retryable delegates that
// entirely to the bus, which already owns backoff, DLQ routing, and
// publishing the synthetic *.failed event once retries are exhausted.
func (p *Pool) handle(ctx context.Context, ev model.TaskEvent) error {
	desc, ok := p.reg.Get(ev.AgentName)
	if !ok || desc.Mode != model.ModeAutonomous {
		return orchestrator.Fatal(fmt.Errorf("autonomous: resolve agent %q: descriptor missing or wrong mode", ev.AgentName))
	}

	if ev.ExecutionID != nil {
		if err := p.markRunning(ctx, *ev.ExecutionID); err != nil {
			p.logger.Warn("autonomous: mark running failed", "execution_id", ev.ExecutionID, "error", err)
		}
	}

	var payload taskPayload
	_ = ev.UnmarshalPayload(&payload)

	llmProvider, err := p.providers.Get(desc.LLM.Provider)
	if err != nil {
		return orchestrator.Fatal(fmt.Errorf("autonomous: %w", err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	if ev.ExecutionID != nil {
		p.orch.RegisterExecutionCancel(*ev.ExecutionID, cancel)
		defer p.orch.UnregisterExecutionCancel(*ev.ExecutionID)
	}
	defer cancel()

	resp, err := llmProvider.Complete(runCtx, provider.CompletionRequest{
		Model:        desc.LLM.Model,
		SystemPrompt: desc.SystemPrompt,
		Messages:     []provider.Message{{Role: "user", Content: payload.Prompt}},
		Temperature:  desc.LLM.Temperature,
		MaxTokens:    desc.LLM.MaxTokens,
	})
	if err != nil {
		if runCtx.Err() != nil {
			return orchestrator.Fatal(fmt.Errorf("autonomous: cancelled: %w", runCtx.Err()))
		}
		return orchestrator.Retryable(err)
	}

	if err := p.completeSuccess(ctx, ev, resp); err != nil {
		p.logger.Error("autonomous: persist success failed", "execution_id", ev.ExecutionID, "error", err)
	}
	p.orch.Heartbeat(desc.Name)

	completed, err := ev.Derive("autonomous.task.completed", map[string]any{"result": resp.Text})
	if err != nil {
		return fmt.Errorf("autonomous: build completion event: %w", err)
	}
	if err := p.bus.Publish(ctx, "autonomous.task.completed", completed, true); err != nil {
		return fmt.Errorf("autonomous: publish completion: %w", err)
	}
	return nil
}

// handleFailed marks the ExecutionRecord tied to a synthetic
// autonomous.task.failed event as terminal-FAILED. The bus itself publishes
// this event once a task is Fatal or exhausts its retries — this consumer
// is the only place execution-record state and bus-driven failure meet.
func (p *Pool) handleFailed(ctx context.Context, ev model.TaskEvent) error {
	if ev.ExecutionID == nil {
		return nil
	}
	rec, err := p.store.GetExecution(ctx, ev.ExecutionID.String())
	if err != nil {
		return fmt.Errorf("autonomous: load execution for failure: %w", err)
	}
	if rec.Status.IsTerminal() {
		return nil
	}

	var payload struct {
		Error string `json:"error"`
	}
	_ = ev.UnmarshalPayload(&payload)

	now := time.Now().UTC()
	rec.Status = model.ExecFailed
	rec.CompletedAt = &now
	rec.Error = &payload.Error
	rec.Retries = ev.RetryCount
	if err := p.store.UpdateExecution(ctx, rec); err != nil {
		return fmt.Errorf("autonomous: update execution on failure: %w", err)
	}
	return nil
}

func (p *Pool) markRunning(ctx context.Context, executionID uuid.UUID) error {
	rec, err := p.store.GetExecution(ctx, executionID.String())
	if err != nil {
		return err
	}
	if rec.Status != model.ExecQueued {
		return nil
	}
	now := time.Now().UTC()
	rec.Status = model.ExecRunning
	rec.StartedAt = &now
	return p.store.UpdateExecution(ctx, rec)
}

func (p *Pool) completeSuccess(ctx context.Context, ev model.TaskEvent, resp provider.CompletionResponse) error {
	if ev.ExecutionID == nil {
		return nil
	}
	rec, err := p.store.GetExecution(ctx, ev.ExecutionID.String())
	if err != nil {
		return err
	}
	result, err := json.Marshal(map[string]any{"text": resp.Text, "finish_reason": resp.FinishReason})
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.Status = model.ExecCompleted
	rec.CompletedAt = &now
	rec.Result = result
	return p.store.UpdateExecution(ctx, rec)
}
