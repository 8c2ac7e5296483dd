// Package collaborative implements the Collaborative Pool (spec.md §4.7):
// multi-step plans that a planner LLM decomposes into ordered steps, each
// routed to an executor agent's own discipline queue and awaited in order.
package collaborative

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
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
	submittedQueue     = "pool.collaborative"
	awaitQueue         = "pool.collaborative.awaits"
	clarificationQueue = "pool.collaborative.clarifications"

	defaultPrefetch          = 8
	defaultMaxPlanSteps      = 10
	defaultStepTimeout       = 300 * time.Second
	defaultClarifyTimeout    = 300 * time.Second
	plannerSystemPromptExtra = `
Respond with a single JSON object of the form:
{"steps": [{"executor_name": "<agent name>", "description": "<what this step does>"}]}
Choose executor_name only from the agents listed as preferred collaborators. Output nothing but the JSON object.`
)

// Pool implements orchestrator.Discipline for COLLABORATIVE descriptors.
// Like the autonomous pool, one Pool instance backs every collaborative
// descriptor; Activate is a one-time subscribe.
type Pool struct {
	reg       *registry.Registry
	bus       *bus.Bus
	store     *storage.Store
	orch      *orchestrator.Orchestrator
	providers *provider.Registry
	logger    *slog.Logger

	subscribed bool

	mu              sync.Mutex
	stepAwaiters    map[string]chan model.TaskEvent
	clarifyAwaiters map[string]chan model.TaskEvent
}

// New constructs a Pool. Register it with the Orchestrator via
// RegisterDiscipline(model.ModeCollaborative, pool).
func New(reg *registry.Registry, b *bus.Bus, store *storage.Store, orch *orchestrator.Orchestrator, providers *provider.Registry, logger *slog.Logger) *Pool {
	return &Pool{
		reg: reg, bus: b, store: store, orch: orch, providers: providers, logger: logger,
		stepAwaiters:    make(map[string]chan model.TaskEvent),
		clarifyAwaiters: make(map[string]chan model.TaskEvent),
	}
}

// Activate subscribes the plan-intake queue, the step-completion signal
// queue, and the clarification-reply queue on first call.
func (p *Pool) Activate(ctx context.Context, desc model.AgentDescriptor) (func(context.Context), error) {
	if p.subscribed {
		return func(context.Context) {}, nil
	}

	stopPlans, err := p.bus.Subscribe(ctx, submittedQueue, []string{"collaborative.task.submitted"}, p.handlePlan, bus.SubscribeOptions{
		Prefetch: defaultPrefetch,
	})
	if err != nil {
		return nil, fmt.Errorf("collaborative: subscribe plans: %w", err)
	}

	stopAwaits, err := p.bus.Subscribe(ctx, awaitQueue, []string{"*.task.completed", "*.task.failed", "*.task.timeout", "*.result.*"}, p.handleSignal, bus.SubscribeOptions{
		Prefetch: defaultPrefetch,
	})
	if err != nil {
		stopPlans()
		return nil, fmt.Errorf("collaborative: subscribe awaits: %w", err)
	}

	stopClarify, err := p.bus.Subscribe(ctx, clarificationQueue, []string{"collaborative.clarification.provided"}, p.handleClarificationReply, bus.SubscribeOptions{
		Prefetch: defaultPrefetch,
	})
	if err != nil {
		stopPlans()
		stopAwaits()
		return nil, fmt.Errorf("collaborative: subscribe clarifications: %w", err)
	}

	p.subscribed = true
	return func(context.Context) {
		stopPlans()
		stopAwaits()
		stopClarify()
	}, nil
}

type planPayload struct {
	Prompt string `json:"prompt"`
}

type plannedStep struct {
	ExecutorName string `json:"executor_name"`
	Description  string `json:"description"`
}

type plannerOutput struct {
	Steps []plannedStep `json:"steps"`
}

// handlePlan implements bus.Handler for one collaborative.task.submitted
// event, running spec.md §4.7's full numbered algorithm to completion (or
// failure) before returning. Blocking here for the plan's whole lifetime is
// intentional — the bus bounds concurrency across plans via Prefetch, and a
// plan's steps must execute strictly in order.
func (p *Pool) handlePlan(ctx context.Context, ev model.TaskEvent) error {
	desc, ok := p.reg.Get(ev.AgentName)
	if !ok || desc.Mode != model.ModeCollaborative {
		return orchestrator.Fatal(fmt.Errorf("collaborative: resolve agent %q: descriptor missing or wrong mode", ev.AgentName))
	}
	cfg := desc.CollaborativeConfig
	maxSteps := defaultMaxPlanSteps
	if cfg != nil && cfg.MaxPlanSteps > 0 {
		maxSteps = cfg.MaxPlanSteps
	}
	clarifyTimeout := defaultClarifyTimeout
	if cfg != nil && cfg.ClarificationTimeoutSeconds > 0 {
		clarifyTimeout = time.Duration(cfg.ClarificationTimeoutSeconds) * time.Second
	}

	taskID := ev.TraceID.String()
	if ev.ExecutionID != nil {
		taskID = ev.ExecutionID.String()
	}

	run := model.PlanRunState{
		TaskID:    taskID,
		Status:    model.PlanPlanning,
		TraceID:   ev.TraceID,
		UpdatedAt: time.Now().UTC(),
	}
	if err := p.store.SavePlan(ctx, run); err != nil {
		return fmt.Errorf("collaborative: persist initial plan: %w", err)
	}

	var payload planPayload
	_ = ev.UnmarshalPayload(&payload)

	steps, err := p.plan(ctx, desc, payload.Prompt)
	if err != nil {
		return orchestrator.Fatal(p.failPlan(ctx, run, fmt.Errorf("collaborative: planning failed: %w", err)))
	}
	if len(steps) == 0 {
		return orchestrator.Fatal(p.failPlan(ctx, run, fmt.Errorf("collaborative: planner returned no steps")))
	}
	if len(steps) > maxSteps {
		return orchestrator.Fatal(p.failPlan(ctx, run, fmt.Errorf("collaborative: plan has %d steps, exceeds max_plan_steps=%d", len(steps), maxSteps)))
	}

	run.Plan = make([]model.PlanStep, len(steps))
	for i, s := range steps {
		run.Plan[i] = model.PlanStep{Index: i, ExecutorName: s.ExecutorName, Description: s.Description}
	}
	run.Status = model.PlanRunning
	run.CurrentStep = 0
	run.UpdatedAt = time.Now().UTC()
	if err := p.store.SavePlan(ctx, run); err != nil {
		return fmt.Errorf("collaborative: persist plan: %w", err)
	}

	for i := range run.Plan {
		step := &run.Plan[i]
		run.CurrentStep = i

		signal, stepErr := p.runStep(ctx, ev, run, step, clarifyTimeout)
		if stepErr != nil {
			return orchestrator.Fatal(p.failPlan(ctx, run, stepErr))
		}

		var result struct {
			Result json.RawMessage `json:"result"`
		}
		_ = signal.UnmarshalPayload(&result)
		step.Result = result.Result
		step.Completed = true
		run.UpdatedAt = time.Now().UTC()
		if err := p.store.SavePlan(ctx, run); err != nil {
			return fmt.Errorf("collaborative: persist step %d: %w", i, err)
		}
	}

	return p.completePlan(ctx, ev, run)
}

// runStep emits the step's task event to its executor, awaits the matching
// completion signal (or a clarification interruption), and returns the
// completion event's payload. It blocks until the step resolves, times out,
// or the plan is cancelled.
func (p *Pool) runStep(ctx context.Context, ev model.TaskEvent, run model.PlanRunState, step *model.PlanStep, clarifyTimeout time.Duration) (model.TaskEvent, error) {
	stepPayload := map[string]any{
		"task_id":     run.TaskID,
		"description": step.Description,
		"step_index":  step.Index,
	}
	executionID, err := p.orch.Submit(ctx, step.ExecutorName, stepPayload, ev.TraceID)
	if err != nil {
		return model.TaskEvent{}, fmt.Errorf("collaborative: submit step %d to %q: %w", step.Index, step.ExecutorName, err)
	}
	step.ExecutionID = &executionID

	signal, err := p.awaitStep(ctx, executionID, defaultStepTimeout)
	if err != nil {
		return model.TaskEvent{}, err
	}
	if strings.HasSuffix(signal.EventType, ".task.failed") || strings.HasSuffix(signal.EventType, ".task.timeout") {
		return model.TaskEvent{}, fmt.Errorf("collaborative: step %d (%s) did not complete: %s", step.Index, step.ExecutorName, signal.EventType)
	}

	if q, isClarification := clarificationQuestion(signal); isClarification {
		reply, err := p.awaitClarification(ctx, run.TaskID, q, clarifyTimeout)
		if err != nil {
			return model.TaskEvent{}, err
		}
		return reply, nil
	}
	return signal, nil
}

func clarificationQuestion(ev model.TaskEvent) (string, bool) {
	var marker struct {
		ClarificationQuestion string `json:"clarification_question"`
	}
	_ = ev.UnmarshalPayload(&marker)
	return marker.ClarificationQuestion, marker.ClarificationQuestion != ""
}

// awaitStep blocks until a *.task.completed/*.task.failed/*.task.timeout
// signal arrives for executionID, or until timeout/ctx cancellation.
func (p *Pool) awaitStep(ctx context.Context, executionID uuid.UUID, timeout time.Duration) (model.TaskEvent, error) {
	ch := make(chan model.TaskEvent, 1)
	key := executionID.String()

	p.mu.Lock()
	p.stepAwaiters[key] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.stepAwaiters, key)
		p.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return model.TaskEvent{}, orchestrator.Fatal(ctx.Err())
	case <-timer.C:
		return model.TaskEvent{}, fmt.Errorf("collaborative: step execution %s timed out after %s", key, timeout)
	case ev := <-ch:
		return ev, nil
	}
}

// awaitClarification persists WAITING_CLARIFICATION status, blocks for a
// reply on collaborative.clarification.provided keyed by taskID, and
// restores RUNNING status once resolved.
func (p *Pool) awaitClarification(ctx context.Context, taskID, question string, timeout time.Duration) (model.TaskEvent, error) {
	ch := make(chan model.TaskEvent, 1)

	p.mu.Lock()
	p.clarifyAwaiters[taskID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.clarifyAwaiters, taskID)
		p.mu.Unlock()
	}()

	deadline := time.Now().Add(timeout)
	run, err := p.store.GetPlan(ctx, taskID)
	if err != nil {
		return model.TaskEvent{}, fmt.Errorf("collaborative: load plan for clarification: %w", err)
	}
	run.Status = model.PlanWaitingClarification
	run.Clarification = &model.Clarification{Question: question, Deadline: deadline}
	run.UpdatedAt = time.Now().UTC()
	if err := p.store.SavePlan(ctx, run); err != nil {
		return model.TaskEvent{}, fmt.Errorf("collaborative: persist clarification wait: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return model.TaskEvent{}, orchestrator.Fatal(ctx.Err())
	case <-timer.C:
		return model.TaskEvent{}, fmt.Errorf("collaborative: clarification for %q timed out after %s", taskID, timeout)
	case reply := <-ch:
		run.Status = model.PlanRunning
		run.Clarification = nil
		run.UpdatedAt = time.Now().UTC()
		if err := p.store.SavePlan(ctx, run); err != nil {
			return model.TaskEvent{}, fmt.Errorf("collaborative: persist clarification resume: %w", err)
		}
		return reply, nil
	}
}

// handleSignal routes a *.task.completed/*.task.failed/*.task.timeout/
// *.result.* event to whichever runStep call is currently awaiting its
// execution_id, if any. Events with no matching awaiter are ignored — most
// completion signals on the bus belong to non-collaborative executions.
func (p *Pool) handleSignal(ctx context.Context, ev model.TaskEvent) error {
	if ev.ExecutionID == nil {
		return nil
	}
	p.mu.Lock()
	ch, ok := p.stepAwaiters[ev.ExecutionID.String()]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case ch <- ev:
	default:
	}
	return nil
}

type clarificationReplyPayload struct {
	TaskID string `json:"task_id"`
	Reply  string `json:"reply"`
}

// handleClarificationReply routes a collaborative.clarification.provided
// event to the runStep call currently suspended on that task's clarification.
func (p *Pool) handleClarificationReply(ctx context.Context, ev model.TaskEvent) error {
	var reply clarificationReplyPayload
	if err := ev.UnmarshalPayload(&reply); err != nil || reply.TaskID == "" {
		return orchestrator.Fatal(fmt.Errorf("collaborative: malformed clarification reply: %w", err))
	}

	p.mu.Lock()
	ch, ok := p.clarifyAwaiters[reply.TaskID]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	resumed, err := ev.Derive("collaborative.clarification.resumed", map[string]any{"result": reply.Reply})
	if err != nil {
		return fmt.Errorf("collaborative: build resumed event: %w", err)
	}
	select {
	case ch <- resumed:
	default:
	}
	return nil
}

// plan invokes the planner LLM and parses its JSON step list.
func (p *Pool) plan(ctx context.Context, desc model.AgentDescriptor, taskPrompt string) ([]plannedStep, error) {
	llmProvider, err := p.providers.Get(desc.LLM.Provider)
	if err != nil {
		return nil, err
	}

	var collaborators string
	if desc.CollaborativeConfig != nil && len(desc.CollaborativeConfig.PreferredCollaborators) > 0 {
		collaborators = "Preferred collaborators: " + strings.Join(desc.CollaborativeConfig.PreferredCollaborators, ", ") + "."
	}

	resp, err := llmProvider.Complete(ctx, provider.CompletionRequest{
		Model:        desc.LLM.Model,
		SystemPrompt: desc.SystemPrompt + plannerSystemPromptExtra,
		Messages: []provider.Message{
			{Role: "user", Content: strings.TrimSpace(collaborators + "\n" + taskPrompt)},
		},
		Temperature: desc.LLM.Temperature,
		MaxTokens:   desc.LLM.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("planner completion: %w", err)
	}

	var out plannerOutput
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Text)), &out); err != nil {
		return nil, fmt.Errorf("parse planner output: %w", err)
	}
	return out.Steps, nil
}

// extractJSONObject trims any prose surrounding a JSON object in text,
// since LLMs frequently wrap requested JSON in commentary despite
// instructions not to.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return text
	}
	return text[start : end+1]
}

// failPlan persists the terminal PlanFailed state. It does not publish
// "collaborative.task.failed" itself — the bus's Fatal handling owns that
// single publish once this pool's caller returns orchestrator.Fatal(cause),
// matching the autonomous pool's convention of never self-publishing.
func (p *Pool) failPlan(ctx context.Context, run model.PlanRunState, cause error) error {
	run.Status = model.PlanFailed
	run.UpdatedAt = time.Now().UTC()
	if err := p.store.SavePlan(ctx, run); err != nil {
		p.logger.Error("collaborative: persist failed plan", "task_id", run.TaskID, "error", err)
	}
	return cause
}

func (p *Pool) completePlan(ctx context.Context, ev model.TaskEvent, run model.PlanRunState) error {
	results := make([]json.RawMessage, len(run.Plan))
	for i, s := range run.Plan {
		results[i] = s.Result
	}
	aggregated, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("collaborative: marshal aggregated result: %w", err)
	}

	run.Status = model.PlanCompleted
	run.AggregatedResult = aggregated
	run.UpdatedAt = time.Now().UTC()
	if err := p.store.SavePlan(ctx, run); err != nil {
		return fmt.Errorf("collaborative: persist completed plan: %w", err)
	}

	completed, err := ev.Derive("collaborative.task.completed", map[string]any{"aggregated_result": json.RawMessage(aggregated)})
	if err != nil {
		return fmt.Errorf("collaborative: build completion event: %w", err)
	}
	if err := p.bus.Publish(ctx, "collaborative.task.completed", completed, true); err != nil {
		return fmt.Errorf("collaborative: publish completion: %w", err)
	}
	return nil
}
