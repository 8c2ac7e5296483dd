package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/orbitfleet/orchestra/internal/model"
)

// SavePlan upserts a PlanRunState keyed by TaskID (spec.md §4.1's save_plan
// operation) — the collaborative pool calls this after every step so a
// crashed orchestrator can resume from the last recorded step.
func (s *Store) SavePlan(ctx context.Context, run model.PlanRunState) error {
	planJSON, err := json.Marshal(run.Plan)
	if err != nil {
		return fmt.Errorf("storage: marshal plan: %w", err)
	}
	var clarificationJSON []byte
	if run.Clarification != nil {
		clarificationJSON, err = json.Marshal(run.Clarification)
		if err != nil {
			return fmt.Errorf("storage: marshal clarification: %w", err)
		}
	}

	_, err = s.db.pool.Exec(ctx, `
		INSERT INTO plan_run
			(task_id, plan, current_step, status, clarification, aggregated_result, trace_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (task_id) DO UPDATE SET
			plan = $2, current_step = $3, status = $4, clarification = $5,
			aggregated_result = $6, updated_at = $8`,
		run.TaskID, planJSON, run.CurrentStep, run.Status, clarificationJSON,
		run.AggregatedResult, run.TraceID, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: save plan %s: %w", run.TaskID, err)
	}
	return nil
}

// GetPlan fetches a PlanRunState by task ID, used to resume a collaborative
// task after a crash (spec.md §4.5's recovery requirement).
func (s *Store) GetPlan(ctx context.Context, taskID string) (model.PlanRunState, error) {
	var run model.PlanRunState
	var planJSON, clarificationJSON []byte

	err := s.db.pool.QueryRow(ctx, `
		SELECT task_id, plan, current_step, status, clarification, aggregated_result, trace_id, updated_at
		FROM plan_run WHERE task_id = $1`, taskID,
	).Scan(&run.TaskID, &planJSON, &run.CurrentStep, &run.Status, &clarificationJSON,
		&run.AggregatedResult, &run.TraceID, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PlanRunState{}, fmt.Errorf("storage: get plan %s: %w", taskID, ErrNotFound)
		}
		return model.PlanRunState{}, fmt.Errorf("storage: get plan %s: %w", taskID, err)
	}
	if err := json.Unmarshal(planJSON, &run.Plan); err != nil {
		return model.PlanRunState{}, fmt.Errorf("storage: unmarshal plan %s: %w", taskID, err)
	}
	if len(clarificationJSON) > 0 {
		var c model.Clarification
		if err := json.Unmarshal(clarificationJSON, &c); err != nil {
			return model.PlanRunState{}, fmt.Errorf("storage: unmarshal clarification %s: %w", taskID, err)
		}
		run.Clarification = &c
	}
	return run, nil
}

// ListActivePlans returns plan runs not yet in a terminal status, used on
// orchestrator startup to resume in-flight collaborative tasks.
func (s *Store) ListActivePlans(ctx context.Context) ([]model.PlanRunState, error) {
	rows, err := s.db.pool.Query(ctx, `
		SELECT task_id, plan, current_step, status, clarification, aggregated_result, trace_id, updated_at
		FROM plan_run
		WHERE status NOT IN ($1, $2)`, model.PlanCompleted, model.PlanFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active plans: %w", err)
	}
	defer rows.Close()

	var out []model.PlanRunState
	for rows.Next() {
		var run model.PlanRunState
		var planJSON, clarificationJSON []byte
		if err := rows.Scan(&run.TaskID, &planJSON, &run.CurrentStep, &run.Status, &clarificationJSON,
			&run.AggregatedResult, &run.TraceID, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan plan row: %w", err)
		}
		if err := json.Unmarshal(planJSON, &run.Plan); err != nil {
			return nil, fmt.Errorf("storage: unmarshal plan %s: %w", run.TaskID, err)
		}
		if len(clarificationJSON) > 0 {
			var c model.Clarification
			if err := json.Unmarshal(clarificationJSON, &c); err != nil {
				return nil, fmt.Errorf("storage: unmarshal clarification %s: %w", run.TaskID, err)
			}
			run.Clarification = &c
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
