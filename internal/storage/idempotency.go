package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ClaimEvent reserves (queue_name, event_id) for processing, returning
// alreadyProcessed=true if a prior delivery already completed successfully.
// This backs the idempotency property from spec.md §8: at-least-once
// delivery means a handler may see the same event_id more than once, and
// consumers that require exactly-once side effects call ClaimEvent first.
func (s *Store) ClaimEvent(ctx context.Context, queueName string, eventID uuid.UUID) (alreadyProcessed bool, err error) {
	tag, err := s.db.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (queue_name, event_id, status)
		VALUES ($1, $2, 'in_progress')
		ON CONFLICT (queue_name, event_id) DO NOTHING`,
		queueName, eventID,
	)
	if err != nil {
		return false, fmt.Errorf("storage: claim event %s: %w", eventID, err)
	}
	if tag.RowsAffected() == 1 {
		return false, nil
	}

	var status string
	if err := s.db.pool.QueryRow(ctx,
		`SELECT status FROM idempotency_keys WHERE queue_name = $1 AND event_id = $2`,
		queueName, eventID,
	).Scan(&status); err != nil {
		return false, fmt.Errorf("storage: lookup event claim %s: %w", eventID, err)
	}
	return status == "completed", nil
}

// CompleteEvent marks a claimed event_id as durably processed.
func (s *Store) CompleteEvent(ctx context.Context, queueName string, eventID uuid.UUID) error {
	_, err := s.db.pool.Exec(ctx, `
		UPDATE idempotency_keys SET status = 'completed', updated_at = now()
		WHERE queue_name = $1 AND event_id = $2`,
		queueName, eventID,
	)
	if err != nil {
		return fmt.Errorf("storage: complete event %s: %w", eventID, err)
	}
	return nil
}

// ReleaseEvent clears an in-progress claim so a retry can reprocess it
// immediately instead of waiting for CleanupIdempotencyKeys.
func (s *Store) ReleaseEvent(ctx context.Context, queueName string, eventID uuid.UUID) error {
	_, err := s.db.pool.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE queue_name = $1 AND event_id = $2 AND status = 'in_progress'`,
		queueName, eventID,
	)
	if err != nil {
		return fmt.Errorf("storage: release event %s: %w", eventID, err)
	}
	return nil
}

// CleanupIdempotencyKeys removes completed and abandoned in-progress claims
// older than their respective TTLs, keeping the table from growing
// unbounded.
func (s *Store) CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	tag, err := s.db.pool.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE (status = 'completed' AND updated_at < now() - ($1 * interval '1 microsecond'))
		   OR (status = 'in_progress' AND updated_at < now() - ($2 * interval '1 microsecond'))`,
		completedTTL.Microseconds(), inProgressTTL.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
