package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/orbitfleet/orchestra/internal/model"
)

// maxStaleVersionAttempts bounds the caller-side compare-and-swap retry loop
// for SaveContinuous (spec.md §4.6's "no more than 3 attempts" invariant).
const maxStaleVersionAttempts = 3

// GetContinuous loads a ContinuousAgentState by agent name, or
// model.ErrNotFound if the agent has never run continuously before.
func (s *Store) GetContinuous(ctx context.Context, agentName string) (model.ContinuousAgentState, error) {
	var st model.ContinuousAgentState
	var conversationJSON, memoryJSON []byte

	err := s.db.pool.QueryRow(ctx, `
		SELECT agent_name, conversation, memory, event_count, last_activity, version
		FROM continuous_state WHERE agent_name = $1`, agentName,
	).Scan(&st.AgentName, &conversationJSON, &memoryJSON, &st.EventCount, &st.LastActivity, &st.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ContinuousAgentState{}, fmt.Errorf("storage: get continuous state %s: %w", agentName, ErrNotFound)
		}
		return model.ContinuousAgentState{}, fmt.Errorf("storage: get continuous state %s: %w", agentName, err)
	}
	if err := json.Unmarshal(conversationJSON, &st.Conversation); err != nil {
		return model.ContinuousAgentState{}, fmt.Errorf("storage: unmarshal conversation %s: %w", agentName, err)
	}
	st.Memory = make(map[string]any)
	if len(memoryJSON) > 0 {
		if err := json.Unmarshal(memoryJSON, &st.Memory); err != nil {
			return model.ContinuousAgentState{}, fmt.Errorf("storage: unmarshal memory %s: %w", agentName, err)
		}
	}
	return st, nil
}

// SaveContinuous performs an optimistic-concurrency compare-and-swap:
// the row is only updated if its stored version equals expectedVersion,
// otherwise ErrStaleVersion is returned to the caller (spec.md §4.6).
// Bare inserts (row does not exist yet) always succeed regardless of
// expectedVersion.
func (s *Store) SaveContinuous(ctx context.Context, st model.ContinuousAgentState, expectedVersion int64) error {
	conversationJSON, err := json.Marshal(st.Conversation)
	if err != nil {
		return fmt.Errorf("storage: marshal conversation: %w", err)
	}
	memoryJSON, err := json.Marshal(st.Memory)
	if err != nil {
		return fmt.Errorf("storage: marshal memory: %w", err)
	}

	tag, err := s.db.pool.Exec(ctx, `
		INSERT INTO continuous_state (agent_name, conversation, memory, event_count, last_activity, version)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_name) DO UPDATE SET
			conversation = $2, memory = $3, event_count = $4, last_activity = $5, version = $6
		WHERE continuous_state.version = $7`,
		st.AgentName, conversationJSON, memoryJSON, st.EventCount, st.LastActivity, st.Version, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("storage: save continuous state %s: %w", st.AgentName, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: save continuous state %s: %w", st.AgentName, ErrStaleVersion)
	}
	return nil
}

// SaveContinuousWithRetry wraps SaveContinuous in a bounded reload-and-retry
// loop: on ErrStaleVersion it reloads the current state, lets mutate apply
// the caller's change on top of the fresh version, and tries again, up to
// maxStaleVersionAttempts times.
func (s *Store) SaveContinuousWithRetry(ctx context.Context, agentName string, mutate func(current model.ContinuousAgentState) model.ContinuousAgentState) error {
	current, err := s.GetContinuous(ctx, agentName)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, ErrNotFound) {
		current = *model.NewContinuousAgentState(agentName)
	}

	for attempt := 0; attempt < maxStaleVersionAttempts; attempt++ {
		next := mutate(current)
		expected := current.Version
		next.Version = expected + 1
		next.LastActivity = time.Now()

		err := s.SaveContinuous(ctx, next, expected)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrStaleVersion) {
			return err
		}

		current, err = s.GetContinuous(ctx, agentName)
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("storage: save continuous state %s: %w", agentName, ErrStaleVersion)
}

// ListContinuousAgents returns the names of all agents with persisted
// continuous state, used on orchestrator startup to resume runners.
func (s *Store) ListContinuousAgents(ctx context.Context) ([]string, error) {
	rows, err := s.db.pool.Query(ctx, `SELECT agent_name FROM continuous_state`)
	if err != nil {
		return nil, fmt.Errorf("storage: list continuous agents: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("storage: scan continuous agent row: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
