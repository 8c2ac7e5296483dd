package orchestrator

import (
	"context"
	"time"

	"github.com/orbitfleet/orchestra/internal/model"
)

// healthLoop scans registrations for missed heartbeats every
// healthCheckInterval and drives the DEGRADED->restart->HEALTHY|FAILED
// transitions described in spec.md §4.4.
func (o *Orchestrator) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.checkHeartbeats(ctx)
		}
	}
}

func (o *Orchestrator) checkHeartbeats(ctx context.Context) {
	o.mu.Lock()
	var stale []*registration
	for _, reg := range o.registrations {
		if reg.Status != model.StatusHealthy && reg.Status != model.StatusDegraded {
			continue
		}
		if time.Since(reg.LastHeartbeat) > model.HeartbeatTimeout {
			reg.Status = model.StatusDegraded
			stale = append(stale, reg)
		}
	}
	o.mu.Unlock()

	for _, reg := range stale {
		o.restart(ctx, reg)
	}
}

// restart re-activates a DEGRADED agent, bounded to model.MaxRestarts
// consecutive attempts before the agent is marked FAILED and left inactive
// (spec.md §4.4: "on the 4th consecutive failure -> FAILED").
func (o *Orchestrator) restart(ctx context.Context, reg *registration) {
	o.mu.Lock()
	name := reg.Descriptor.Name
	if reg.RestartCount >= model.MaxRestarts {
		reg.Status = model.StatusFailed
		reg.FailureReason = "exceeded max restarts after repeated heartbeat misses"
		o.mu.Unlock()
		o.logger.Error("orchestrator: agent exhausted restart budget", "agent", name, "restart_count", reg.RestartCount)
		return
	}
	reg.RestartCount++
	desc := reg.Descriptor
	o.mu.Unlock()

	o.stopRegistration(reg, drainTimeout)
	o.logger.Warn("orchestrator: restarting agent after missed heartbeat", "agent", name, "attempt", reg.RestartCount)
	o.activate(ctx, desc)

	o.mu.Lock()
	if fresh, ok := o.registrations[name]; ok {
		fresh.RestartCount = reg.RestartCount
	}
	o.mu.Unlock()
}
