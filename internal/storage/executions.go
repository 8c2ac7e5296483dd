package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/orbitfleet/orchestra/internal/model"
)

// AppendExecution inserts a new execution record in QUEUED or RUNNING
// status (spec.md §4.1's append_execution operation).
func (s *Store) AppendExecution(ctx context.Context, rec model.ExecutionRecord) error {
	_, err := s.db.pool.Exec(ctx, `
		INSERT INTO execution_record
			(execution_id, agent_name, trace_id, status, submitted_at, started_at, retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ExecutionID, rec.AgentName, rec.TraceID, rec.Status,
		rec.SubmittedAt, rec.StartedAt, rec.Retries,
	)
	if err != nil {
		return fmt.Errorf("storage: append execution %s: %w", rec.ExecutionID, err)
	}
	return nil
}

// UpdateExecution transitions an existing execution record's status and
// terminal fields. It is a no-op error path (ErrNotFound) if the execution
// does not exist, which should not happen in practice since executions are
// always appended before they are updated.
func (s *Store) UpdateExecution(ctx context.Context, rec model.ExecutionRecord) error {
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE execution_record
		SET status = $2, started_at = $3, completed_at = $4, result = $5, error = $6, retries = $7
		WHERE execution_id = $1`,
		rec.ExecutionID, rec.Status, rec.StartedAt, rec.CompletedAt,
		rec.Result, rec.Error, rec.Retries,
	)
	if err != nil {
		return fmt.Errorf("storage: update execution %s: %w", rec.ExecutionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: update execution %s: %w", rec.ExecutionID, ErrNotFound)
	}
	return nil
}

// GetExecution fetches a single execution record by ID.
func (s *Store) GetExecution(ctx context.Context, executionID string) (model.ExecutionRecord, error) {
	var rec model.ExecutionRecord
	err := s.db.pool.QueryRow(ctx, `
		SELECT execution_id, agent_name, trace_id, status, submitted_at, started_at, completed_at, result, error, retries
		FROM execution_record WHERE execution_id = $1`, executionID,
	).Scan(&rec.ExecutionID, &rec.AgentName, &rec.TraceID, &rec.Status,
		&rec.SubmittedAt, &rec.StartedAt, &rec.CompletedAt, &rec.Result, &rec.Error, &rec.Retries)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ExecutionRecord{}, fmt.Errorf("storage: get execution %s: %w", executionID, ErrNotFound)
		}
		return model.ExecutionRecord{}, fmt.Errorf("storage: get execution %s: %w", executionID, err)
	}
	return rec, nil
}

// ListExecutionsByAgent returns the most recent executions for agentName,
// newest first, matching the (agent_name, submitted_at DESC) index named in
// spec.md §6.
func (s *Store) ListExecutionsByAgent(ctx context.Context, agentName string, limit int) ([]model.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.pool.Query(ctx, `
		SELECT execution_id, agent_name, trace_id, status, submitted_at, started_at, completed_at, result, error, retries
		FROM execution_record
		WHERE agent_name = $1
		ORDER BY submitted_at DESC
		LIMIT $2`, agentName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list executions for %s: %w", agentName, err)
	}
	defer rows.Close()

	var out []model.ExecutionRecord
	for rows.Next() {
		var rec model.ExecutionRecord
		if err := rows.Scan(&rec.ExecutionID, &rec.AgentName, &rec.TraceID, &rec.Status,
			&rec.SubmittedAt, &rec.StartedAt, &rec.CompletedAt, &rec.Result, &rec.Error, &rec.Retries); err != nil {
			return nil, fmt.Errorf("storage: scan execution row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
