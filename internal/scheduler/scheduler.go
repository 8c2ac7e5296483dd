// Package scheduler implements the Scheduler's contract boundary
// (spec.md §4, "specified only at its contract boundary"): time-triggered
// events published onto `scheduled.task.<agent_name>`, plus the minimal
// execution and timeout enforcement needed to make a SCHEDULED descriptor
// actually run somewhere, since no other discipline owns that mode.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/orbitfleet/orchestra/internal/bus"
	"github.com/orbitfleet/orchestra/internal/model"
	"github.com/orbitfleet/orchestra/internal/orchestrator"
	"github.com/orbitfleet/orchestra/internal/provider"
	"github.com/orbitfleet/orchestra/internal/registry"
	"github.com/orbitfleet/orchestra/internal/storage"
)

const executionQueue = "scheduler.ticks"

const defaultTimeout = 300 * time.Second

// Scheduler implements orchestrator.Discipline for SCHEDULED descriptors.
// Activate registers a cron entry or interval ticker that publishes a tick
// event on every fire; a single shared bus consumer executes the tick as a
// one-shot LLM call under the descriptor's timeout_seconds, mirroring the
// autonomous pool's execution shape but with hard deadline enforcement.
type Scheduler struct {
	reg       *registry.Registry
	bus       *bus.Bus
	store     *storage.Store
	orch      *orchestrator.Orchestrator
	providers *provider.Registry
	logger    *slog.Logger

	cron *cron.Cron

	mu         sync.Mutex
	tickers    map[string]chan struct{}
	subscribed bool
}

// New constructs a Scheduler. Register it with the Orchestrator via
// RegisterDiscipline(model.ModeScheduled, scheduler).
func New(reg *registry.Registry, b *bus.Bus, store *storage.Store, orch *orchestrator.Orchestrator, providers *provider.Registry, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		reg: reg, bus: b, store: store, orch: orch, providers: providers, logger: logger,
		cron:    cron.New(),
		tickers: make(map[string]chan struct{}),
	}
}

// Activate registers desc's trigger (cron entry or interval ticker) and
// ensures the shared tick-execution consumer is running.
func (s *Scheduler) Activate(ctx context.Context, desc model.AgentDescriptor) (func(context.Context), error) {
	cfg := desc.ScheduleConfig
	if cfg == nil {
		return nil, fmt.Errorf("scheduler: %q: missing schedule_config", desc.Name)
	}

	var stopTrigger func()
	switch cfg.Type {
	case model.ScheduleCron:
		spec := cfg.Cron
		if cfg.Timezone != "" {
			spec = fmt.Sprintf("CRON_TZ=%s %s", cfg.Timezone, cfg.Cron)
		}
		id, err := s.cron.AddFunc(spec, func() { s.tick(context.Background(), desc) })
		if err != nil {
			return nil, fmt.Errorf("scheduler: %q: invalid cron %q: %w", desc.Name, cfg.Cron, err)
		}
		s.cron.Start()
		stopTrigger = func() { s.cron.Remove(id) }
	case model.ScheduleInterval:
		if cfg.IntervalSeconds <= 0 {
			return nil, fmt.Errorf("scheduler: %q: interval_seconds must be positive", desc.Name)
		}
		done := make(chan struct{})
		s.mu.Lock()
		s.tickers[desc.Name] = done
		s.mu.Unlock()
		go s.runInterval(desc, time.Duration(cfg.IntervalSeconds)*time.Second, done)
		stopTrigger = func() { close(done) }
	default:
		return nil, fmt.Errorf("scheduler: %q: unknown schedule type %q", desc.Name, cfg.Type)
	}

	stopConsumer, err := s.ensureConsumer(ctx)
	if err != nil {
		stopTrigger()
		return nil, err
	}

	return func(context.Context) {
		stopTrigger()
		_ = stopConsumer
	}, nil
}

func (s *Scheduler) runInterval(desc model.AgentDescriptor, interval time.Duration, done chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.tick(context.Background(), desc)
		}
	}
}

// tick publishes a fresh scheduled.task.<name> event carrying the
// descriptor's static task_data, mirroring how an operator submission
// enters the bus (spec.md §4.4's routing table).
func (s *Scheduler) tick(ctx context.Context, desc model.AgentDescriptor) {
	var payload map[string]any
	if desc.ScheduleConfig != nil {
		payload = desc.ScheduleConfig.TaskData
	}
	if _, err := s.orch.Submit(ctx, desc.Name, payload, model.NewTraceID()); err != nil {
		s.logger.Error("scheduler: tick submit failed", "agent", desc.Name, "error", err)
	}
}

// ensureConsumer subscribes the shared executionQueue exactly once across
// every SCHEDULED descriptor (they all share QueueName()="scheduler.ticks").
func (s *Scheduler) ensureConsumer(ctx context.Context) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribed {
		return func() {}, nil
	}
	stop, err := s.bus.Subscribe(ctx, executionQueue, []string{"scheduled.task.*"}, s.execute, bus.SubscribeOptions{
		Prefetch: 4,
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: subscribe executions: %w", err)
	}
	s.subscribed = true
	return stop, nil
}

type schedulePayload map[string]any

// execute runs one scheduled.task.<name> tick as a one-shot LLM call under
// a hard deadline (timeout_seconds, default 300s). Exceeding the deadline
// publishes scheduled.task.<name>.timeout and marks the ExecutionRecord
// TIMEOUT rather than FAILED, per spec.md §5's timeout/cancellation model.
func (s *Scheduler) execute(ctx context.Context, ev model.TaskEvent) error {
	desc, ok := s.reg.Get(ev.AgentName)
	if !ok || desc.Mode != model.ModeScheduled {
		return orchestrator.Fatal(fmt.Errorf("scheduler: resolve agent %q: descriptor missing or wrong mode", ev.AgentName))
	}

	timeout := defaultTimeout
	if desc.ScheduleConfig != nil && desc.ScheduleConfig.TimeoutSeconds > 0 {
		timeout = time.Duration(desc.ScheduleConfig.TimeoutSeconds) * time.Second
	}

	llmProvider, err := s.providers.Get(desc.LLM.Provider)
	if err != nil {
		return orchestrator.Fatal(fmt.Errorf("scheduler: %w", err))
	}

	var payload schedulePayload
	_ = ev.UnmarshalPayload(&payload)
	prompt := stringifyTaskData(payload)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if ev.ExecutionID != nil {
		s.orch.RegisterExecutionCancel(*ev.ExecutionID, cancel)
		defer s.orch.UnregisterExecutionCancel(*ev.ExecutionID)
	}

	resp, err := llmProvider.Complete(runCtx, provider.CompletionRequest{
		Model:        desc.LLM.Model,
		SystemPrompt: desc.SystemPrompt,
		Messages:     []provider.Message{{Role: "user", Content: prompt}},
		Temperature:  desc.LLM.Temperature,
		MaxTokens:    desc.LLM.MaxTokens,
	})
	if err != nil {
		if runCtx.Err() != nil {
			return s.timeoutExecution(ctx, ev, desc)
		}
		return orchestrator.Retryable(err)
	}

	if err := s.completeExecution(ctx, ev, resp.Text); err != nil {
		s.logger.Error("scheduler: persist success failed", "execution_id", ev.ExecutionID, "error", err)
	}
	s.orch.Heartbeat(desc.Name)

	completed, err := ev.Derive("scheduled.task."+desc.Name+".completed", map[string]any{"result": resp.Text})
	if err != nil {
		return fmt.Errorf("scheduler: build completion event: %w", err)
	}
	if err := s.bus.Publish(ctx, completed.EventType, completed, true); err != nil {
		return fmt.Errorf("scheduler: publish completion: %w", err)
	}
	return nil
}

func stringifyTaskData(payload schedulePayload) string {
	if len(payload) == 0 {
		return "run the scheduled task"
	}
	var b strings.Builder
	for k, v := range payload {
		fmt.Fprintf(&b, "%s: %v\n", k, v)
	}
	return b.String()
}

func (s *Scheduler) completeExecution(ctx context.Context, ev model.TaskEvent, resultText string) error {
	if ev.ExecutionID == nil {
		return nil
	}
	rec, err := s.store.GetExecution(ctx, ev.ExecutionID.String())
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.Status = model.ExecCompleted
	rec.CompletedAt = &now
	rec.Result = []byte(fmt.Sprintf("%q", resultText))
	return s.store.UpdateExecution(ctx, rec)
}

// timeoutExecution marks the ExecutionRecord TIMEOUT and publishes the
// synthetic timeout event named in spec.md's worked example
// ("expect two scheduled.task.<name>.timeout events").
func (s *Scheduler) timeoutExecution(ctx context.Context, ev model.TaskEvent, desc model.AgentDescriptor) error {
	if ev.ExecutionID != nil {
		if rec, err := s.store.GetExecution(ctx, ev.ExecutionID.String()); err == nil {
			now := time.Now().UTC()
			rec.Status = model.ExecTimeout
			rec.CompletedAt = &now
			_ = s.store.UpdateExecution(ctx, rec)
		}
	}

	timedOut, err := ev.Derive("scheduled.task."+desc.Name+".timeout", map[string]any{"timeout": true})
	if err != nil {
		return fmt.Errorf("scheduler: build timeout event: %w", err)
	}
	if err := s.bus.Publish(ctx, timedOut.EventType, timedOut, true); err != nil {
		return fmt.Errorf("scheduler: publish timeout: %w", err)
	}
	// Acknowledged, not retried: a deadline that already elapsed once will
	// elapse again identically on redelivery.
	return nil
}
