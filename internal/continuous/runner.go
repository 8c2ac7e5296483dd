// Package continuous implements the Continuous Runner (spec.md §4.6): one
// serialized, per-agent queue driving a stateful conversation loop with
// crash-recoverable, optimistically-versioned persistence.
package continuous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orbitfleet/orchestra/internal/bus"
	"github.com/orbitfleet/orchestra/internal/model"
	"github.com/orbitfleet/orchestra/internal/orchestrator"
	"github.com/orbitfleet/orchestra/internal/provider"
	"github.com/orbitfleet/orchestra/internal/registry"
	"github.com/orbitfleet/orchestra/internal/storage"
)

const (
	maxStaleVersionAttempts = 3
	idleScanInterval        = 60 * time.Second
)

type cachedState struct {
	state     model.ContinuousAgentState
	lastSaved time.Time
	dirty     bool
}

// Runner implements orchestrator.Discipline for CONTINUOUS descriptors. It
// owns an in-memory {agent_name -> ContinuousAgentState} cache, populated
// lazily on first message and evicted by the idle-flush ticker.
type Runner struct {
	reg       *registry.Registry
	bus       *bus.Bus
	store     *storage.Store
	orch      *orchestrator.Orchestrator
	providers *provider.Registry
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]*cachedState

	idleOnce sync.Once
}

// New constructs a Runner. Register it with the Orchestrator via
// RegisterDiscipline(model.ModeContinuous, runner).
func New(reg *registry.Registry, b *bus.Bus, store *storage.Store, orch *orchestrator.Orchestrator, providers *provider.Registry, logger *slog.Logger) *Runner {
	return &Runner{
		reg: reg, bus: b, store: store, orch: orch, providers: providers, logger: logger,
		cache: make(map[string]*cachedState),
	}
}

// Activate subscribes desc's dedicated per-agent queue with prefetch=1
// (spec.md §5's strict-FIFO-per-continuous-agent guarantee) and starts the
// runner-wide idle-flush ticker on first call.
func (r *Runner) Activate(ctx context.Context, desc model.AgentDescriptor) (func(context.Context), error) {
	name := desc.Name
	handler := func(ctx context.Context, ev model.TaskEvent) error {
		return r.handle(ctx, desc, ev)
	}

	stop, err := r.bus.Subscribe(ctx, desc.QueueName(), []string{desc.RoutingKey()}, handler, bus.SubscribeOptions{
		Prefetch: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("continuous: subscribe %q: %w", name, err)
	}

	var stopIdle func()
	r.idleOnce.Do(func() {
		stopIdle = r.startIdleFlush(ctx)
	})

	return func(shutdownCtx context.Context) {
		stop()
		if stopIdle != nil {
			stopIdle()
		}
		r.flushAndEvict(shutdownCtx, name)
	}, nil
}

type continuousPayload struct {
	Message string `json:"message"`
}

// handle implements bus.Handler for one continuous.task.<name> event
// (spec.md §4.6's numbered event loop). It only commits the new turns to
// the shared in-memory cache after the LLM call succeeds, so a Retryable
// redelivery of the same event never double-appends.
func (r *Runner) handle(ctx context.Context, desc model.AgentDescriptor, ev model.TaskEvent) error {
	name := desc.Name
	cfg := desc.ContinuousConfig
	maxHistory := 50
	saveInterval := 30 * time.Second
	if cfg != nil {
		if cfg.MaxConversationHistory > 0 {
			maxHistory = cfg.MaxConversationHistory
		}
		if cfg.SaveIntervalSeconds > 0 {
			saveInterval = time.Duration(cfg.SaveIntervalSeconds) * time.Second
		}
	}

	cs, err := r.loadOrCreate(ctx, name)
	if err != nil {
		return fmt.Errorf("continuous: load state %q: %w", name, err)
	}

	var payload continuousPayload
	_ = ev.UnmarshalPayload(&payload)
	userTurn := model.ConversationTurn{Role: "user", Content: payload.Message}

	conversation := append([]model.ConversationTurn(nil), cs.state.Conversation...)
	pending := model.ContinuousAgentState{Conversation: conversation}
	pending.AppendTurn(userTurn, maxHistory)

	llmProvider, err := r.providers.Get(desc.LLM.Provider)
	if err != nil {
		return orchestrator.Fatal(fmt.Errorf("continuous: %w", err))
	}

	messages := make([]provider.Message, len(pending.Conversation))
	for i, t := range pending.Conversation {
		messages[i] = provider.Message{Role: t.Role, Content: t.Content}
	}

	resp, err := llmProvider.Complete(ctx, provider.CompletionRequest{
		Model:        desc.LLM.Model,
		SystemPrompt: desc.SystemPrompt,
		Messages:     messages,
		Temperature:  desc.LLM.Temperature,
		MaxTokens:    desc.LLM.MaxTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			return orchestrator.Fatal(fmt.Errorf("continuous: cancelled: %w", ctx.Err()))
		}
		return orchestrator.Retryable(err)
	}
	assistantTurn := model.ConversationTurn{Role: "assistant", Content: resp.Text}
	pending.AppendTurn(assistantTurn, maxHistory)

	cs.state.Conversation = pending.Conversation
	cs.state.EventCount++
	cs.state.LastActivity = time.Now().UTC()
	cs.dirty = true

	if time.Since(cs.lastSaved) >= saveInterval {
		if err := r.persist(ctx, name, cs, userTurn, assistantTurn, maxHistory); err != nil {
			return orchestrator.Fatal(fmt.Errorf("continuous: persist %q: %w", name, err))
		}
	}

	r.orch.Heartbeat(name)

	result, err := ev.Derive("continuous.result."+name, map[string]any{"reply": resp.Text})
	if err != nil {
		return fmt.Errorf("continuous: build result event: %w", err)
	}
	if err := r.bus.Publish(ctx, result.EventType, result, true); err != nil {
		return fmt.Errorf("continuous: publish result: %w", err)
	}
	return nil
}

func (r *Runner) loadOrCreate(ctx context.Context, name string) (*cachedState, error) {
	r.mu.Lock()
	if cs, ok := r.cache[name]; ok {
		r.mu.Unlock()
		return cs, nil
	}
	r.mu.Unlock()

	state, err := r.store.GetContinuous(ctx, name)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		state = *model.NewContinuousAgentState(name)
	}

	// lastSaved starts at zero so the first message on a freshly loaded or
	// newly created state always persists immediately, regardless of
	// save_interval_seconds.
	cs := &cachedState{state: state}
	r.mu.Lock()
	if existing, ok := r.cache[name]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.cache[name] = cs
	r.mu.Unlock()
	return cs, nil
}

// persist saves cs.state via optimistic compare-and-swap. On a stale
// version it reloads the durable row and re-applies only this message's
// two new turns on top of it (spec.md §4.6 step 4: "reload, re-apply this
// turn, retry"), bounded to maxStaleVersionAttempts before giving up.
func (r *Runner) persist(ctx context.Context, name string, cs *cachedState, userTurn, assistantTurn model.ConversationTurn, maxHistory int) error {
	for attempt := 0; attempt < maxStaleVersionAttempts; attempt++ {
		candidate := cs.state
		candidate.Version = cs.state.Version + 1

		err := r.store.SaveContinuous(ctx, candidate, cs.state.Version)
		if err == nil {
			cs.state.Version = candidate.Version
			cs.lastSaved = time.Now()
			cs.dirty = false
			return nil
		}
		if !errors.Is(err, storage.ErrStaleVersion) {
			return err
		}

		fresh, gerr := r.store.GetContinuous(ctx, name)
		if gerr != nil {
			if !errors.Is(gerr, storage.ErrNotFound) {
				return gerr
			}
			fresh = *model.NewContinuousAgentState(name)
		}
		fresh.AppendTurn(userTurn, maxHistory)
		fresh.AppendTurn(assistantTurn, maxHistory)
		fresh.EventCount++
		cs.state = fresh
	}
	return fmt.Errorf("continuous: %s: %w after %d attempts", name, storage.ErrStaleVersion, maxStaleVersionAttempts)
}

// startIdleFlush runs a 60s ticker that flushes and evicts any cached agent
// idle past its configured idle_timeout_seconds (spec.md §4.6, default
// 900s). Evicted agents transparently reload from durable state on their
// next event.
func (r *Runner) startIdleFlush(ctx context.Context) func() {
	ticker := time.NewTicker(idleScanInterval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				r.sweepIdle(ctx)
			}
		}
	}()

	return func() { close(done) }
}

func (r *Runner) sweepIdle(ctx context.Context) {
	r.mu.Lock()
	names := make([]string, 0, len(r.cache))
	for name := range r.cache {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		idleTimeout := 900 * time.Second
		if desc, ok := r.reg.Get(name); ok && desc.ContinuousConfig != nil && desc.ContinuousConfig.IdleTimeoutSeconds > 0 {
			idleTimeout = time.Duration(desc.ContinuousConfig.IdleTimeoutSeconds) * time.Second
		}

		r.mu.Lock()
		cs, ok := r.cache[name]
		r.mu.Unlock()
		if !ok {
			continue
		}
		if time.Since(cs.state.LastActivity) <= idleTimeout {
			continue
		}
		r.flushAndEvict(ctx, name)
	}
}

func (r *Runner) flushAndEvict(ctx context.Context, name string) {
	r.mu.Lock()
	cs, ok := r.cache[name]
	if ok {
		delete(r.cache, name)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if cs.dirty {
		candidate := cs.state
		candidate.Version = cs.state.Version + 1
		if err := r.store.SaveContinuous(ctx, candidate, cs.state.Version); err != nil {
			r.logger.Error("continuous: idle flush failed", "agent", name, "error", err)
		}
	}
}
