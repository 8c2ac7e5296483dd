// Package orchestrator implements the Orchestrator (spec.md §4.4): it owns
// the AgentRegistration map, activates the discipline matching each
// descriptor's mode, supervises health, and routes submissions onto the
// Dispatch Bus.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/orbitfleet/orchestra/internal/bus"
	"github.com/orbitfleet/orchestra/internal/model"
	"github.com/orbitfleet/orchestra/internal/registry"
	"github.com/orbitfleet/orchestra/internal/storage"
)

// drainTimeout bounds how long Shutdown and descriptor-reload waits for an
// in-flight activation to stop cleanly before its context is cancelled.
const drainTimeout = 30 * time.Second

// healthCheckInterval is how often the supervisor loop scans for missed
// heartbeats. It must be smaller than model.HeartbeatTimeout to detect a
// miss promptly.
const healthCheckInterval = 30 * time.Second

// Discipline activates one AgentDescriptor's execution mode: it subscribes
// whatever bus queue(s) the mode requires and returns a stop function. Each
// mode (autonomous, collaborative, continuous, scheduled) is registered by
// its owning package via RegisterDiscipline.
type Discipline interface {
	Activate(ctx context.Context, desc model.AgentDescriptor) (stop func(context.Context), err error)
}

type registration struct {
	model.AgentRegistration
	stop       func(context.Context)
	activateCtx context.Context
	cancel      context.CancelFunc
}

// Orchestrator is the single writer of the AgentRegistration map. Readers
// obtain value-copy snapshots via Get/List.
type Orchestrator struct {
	registry *registry.Registry
	bus      *bus.Bus
	store    *storage.Store
	logger   *slog.Logger

	mu             sync.RWMutex
	disciplines    map[model.AgentMode]Discipline
	registrations  map[string]*registration
	executionStops map[string]context.CancelFunc

	stopHealthLoop context.CancelFunc
	wg             sync.WaitGroup
}

// New constructs an Orchestrator bound to the given registry, bus, and
// store. Call RegisterDiscipline for each mode before Start.
func New(reg *registry.Registry, b *bus.Bus, store *storage.Store, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		registry:       reg,
		bus:            b,
		store:          store,
		logger:         logger,
		disciplines:    make(map[model.AgentMode]Discipline),
		registrations:  make(map[string]*registration),
		executionStops: make(map[string]context.CancelFunc),
	}
}

// RegisterDiscipline binds the Discipline responsible for activating agents
// of the given mode.
func (o *Orchestrator) RegisterDiscipline(mode model.AgentMode, d Discipline) {
	o.mu.Lock()
	o.disciplines[mode] = d
	o.mu.Unlock()
}

// Start performs the initial registry load, reconciles every descriptor into
// an activation, subscribes to hot reload, and starts the health supervisor
// loop. It returns once the initial reconcile has run.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.registry.OnLoad(func(descs map[string]model.AgentDescriptor) {
		o.reconcile(ctx, descs)
	})
	if err := o.registry.Load(); err != nil {
		return fmt.Errorf("orchestrator: initial registry load: %w", err)
	}

	stopWatch, err := o.registry.Watch(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: start config watch: %w", err)
	}
	context.AfterFunc(ctx, stopWatch)

	healthCtx, cancel := context.WithCancel(ctx)
	o.stopHealthLoop = cancel
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.healthLoop(healthCtx)
	}()

	return nil
}

// reconcile diffs the newly loaded descriptor set against current
// registrations: new descriptors are activated, removed ones are stopped
// (durable state retained), and descriptors whose content changed (compared
// ignoring LoadedAt) are stopped and re-activated with restart_count reset
// to 0. Unchanged descriptors keep running.
func (o *Orchestrator) reconcile(ctx context.Context, next map[string]model.AgentDescriptor) {
	o.mu.Lock()
	current := make(map[string]*registration, len(o.registrations))
	for name, reg := range o.registrations {
		current[name] = reg
	}
	o.mu.Unlock()

	for name, desc := range next {
		existing, ok := current[name]
		var prev model.AgentDescriptor
		if ok {
			prev = existing.Descriptor
			prev.LoadedAt = desc.LoadedAt
		}
		switch {
		case !ok:
			o.activate(ctx, desc)
		case !reflect.DeepEqual(prev, desc):
			o.stopRegistration(existing, drainTimeout)
			o.activate(ctx, desc)
		}
	}

	for name, existing := range current {
		if _, stillPresent := next[name]; !stillPresent {
			o.stopRegistration(existing, drainTimeout)
			o.mu.Lock()
			delete(o.registrations, name)
			o.mu.Unlock()
			o.logger.Info("orchestrator: descriptor removed, registration stopped", "agent", name)
		}
	}
}

// activate transitions a descriptor REGISTERED->STARTING->HEALTHY|FAILED,
// invoking the discipline bound to its mode.
func (o *Orchestrator) activate(ctx context.Context, desc model.AgentDescriptor) {
	o.mu.RLock()
	d, ok := o.disciplines[desc.Mode]
	o.mu.RUnlock()
	if !ok {
		o.logger.Error("orchestrator: no discipline registered for mode", "agent", desc.Name, "mode", desc.Mode)
		return
	}

	reg := &registration{
		AgentRegistration: model.AgentRegistration{
			Descriptor: desc,
			Status:     model.StatusStarting,
		},
	}
	o.mu.Lock()
	o.registrations[desc.Name] = reg
	o.mu.Unlock()

	actCtx, cancel := context.WithCancel(ctx)
	stop, err := d.Activate(actCtx, desc)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		cancel()
		reg.Status = model.StatusFailed
		reg.FailureReason = err.Error()
		o.logger.Error("orchestrator: activation failed", "agent", desc.Name, "error", err)
		return
	}
	reg.Status = model.StatusHealthy
	reg.LastHeartbeat = time.Now()
	reg.stop = stop
	reg.activateCtx = actCtx
	reg.cancel = cancel
	o.logger.Info("orchestrator: agent activated", "agent", desc.Name, "mode", desc.Mode)
}

// stopRegistration invokes the registration's stop function (if activated),
// waiting up to timeout before cancelling its context.
func (o *Orchestrator) stopRegistration(reg *registration, timeout time.Duration) {
	if reg.stop == nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	reg.stop(stopCtx)
	if reg.cancel != nil {
		reg.cancel()
	}
	o.mu.Lock()
	reg.Status = model.StatusStopped
	o.mu.Unlock()
}

// Heartbeat records liveness for the named agent. Disciplines call this
// periodically (e.g. after each successfully processed event) — spec.md §5.
func (o *Orchestrator) Heartbeat(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if reg, ok := o.registrations[name]; ok {
		reg.LastHeartbeat = time.Now()
		if reg.Status == model.StatusDegraded {
			reg.Status = model.StatusHealthy
		}
		// A heartbeat confirms recovery and clears the restart budget so
		// unrelated future incidents each get a fresh model.MaxRestarts
		// attempts, per spec.md §8: "healthy heartbeats -> restart_count == 0".
		reg.RestartCount = 0
	}
}

// Get returns a read-only snapshot of one agent's registration.
func (o *Orchestrator) Get(name string) (model.AgentRegistration, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	reg, ok := o.registrations[name]
	if !ok {
		return model.AgentRegistration{}, false
	}
	return reg.AgentRegistration.Snapshot(), true
}

// List returns a snapshot of every current registration.
func (o *Orchestrator) List() []model.AgentRegistration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]model.AgentRegistration, 0, len(o.registrations))
	for _, reg := range o.registrations {
		out = append(out, reg.AgentRegistration.Snapshot())
	}
	return out
}

// Shutdown broadcasts stop to every activation, waiting up to drainTimeout
// for in-flight work before cancelling remaining contexts, then marks every
// registration STOPPED.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	if o.stopHealthLoop != nil {
		o.stopHealthLoop()
	}

	o.mu.RLock()
	regs := make([]*registration, 0, len(o.registrations))
	for _, reg := range o.registrations {
		regs = append(regs, reg)
	}
	o.mu.RUnlock()

	var wg sync.WaitGroup
	for _, reg := range regs {
		reg := reg
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.stopRegistration(reg, drainTimeout)
		}()
	}
	wg.Wait()
	o.wg.Wait()
	o.logger.Info("orchestrator: shutdown complete")
}
