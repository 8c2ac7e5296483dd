package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitfleet/orchestra/internal/model"
	"github.com/orbitfleet/orchestra/internal/storage"
)

func TestAppendAndGetExecution(t *testing.T) {
	ctx := context.Background()
	rec := model.ExecutionRecord{
		ExecutionID: uuid.New(),
		AgentName:   "billing-summarizer",
		TraceID:     uuid.New(),
		Status:      model.ExecQueued,
		SubmittedAt: time.Now().UTC(),
	}

	require.NoError(t, testStore.AppendExecution(ctx, rec))

	got, err := testStore.GetExecution(ctx, rec.ExecutionID.String())
	require.NoError(t, err)
	assert.Equal(t, model.ExecQueued, got.Status)
	assert.Equal(t, "billing-summarizer", got.AgentName)
}

func TestUpdateExecution_TransitionsToTerminal(t *testing.T) {
	ctx := context.Background()
	rec := model.ExecutionRecord{
		ExecutionID: uuid.New(),
		AgentName:   "billing-summarizer",
		TraceID:     uuid.New(),
		Status:      model.ExecQueued,
		SubmittedAt: time.Now().UTC(),
	}
	require.NoError(t, testStore.AppendExecution(ctx, rec))

	now := time.Now().UTC()
	rec.Status = model.ExecCompleted
	rec.StartedAt = &now
	rec.CompletedAt = &now
	require.NoError(t, testStore.UpdateExecution(ctx, rec))

	got, err := testStore.GetExecution(ctx, rec.ExecutionID.String())
	require.NoError(t, err)
	assert.True(t, got.Status.IsTerminal())
	assert.NotNil(t, got.CompletedAt)
}

func TestUpdateExecution_NotFound(t *testing.T) {
	ctx := context.Background()
	err := testStore.UpdateExecution(ctx, model.ExecutionRecord{
		ExecutionID: uuid.New(),
		Status:      model.ExecFailed,
	})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListExecutionsByAgent_NewestFirst(t *testing.T) {
	ctx := context.Background()
	agent := "digest-agent-" + uuid.NewString()[:8]

	var last time.Time
	for i := 0; i < 3; i++ {
		last = time.Now().UTC()
		require.NoError(t, testStore.AppendExecution(ctx, model.ExecutionRecord{
			ExecutionID: uuid.New(),
			AgentName:   agent,
			TraceID:     uuid.New(),
			Status:      model.ExecQueued,
			SubmittedAt: last,
		}))
		time.Sleep(time.Millisecond)
	}

	got, err := testStore.ListExecutionsByAgent(ctx, agent, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].SubmittedAt.After(got[1].SubmittedAt) || got[0].SubmittedAt.Equal(got[1].SubmittedAt))
}
