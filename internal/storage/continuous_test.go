package storage_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitfleet/orchestra/internal/model"
	"github.com/orbitfleet/orchestra/internal/storage"
)

func TestSaveContinuous_InitialInsert(t *testing.T) {
	ctx := context.Background()
	agent := "watcher-" + uuid.NewString()[:8]

	st := model.NewContinuousAgentState(agent)
	st.AppendTurn(model.ConversationTurn{Role: "user", Content: "status?"}, 50)

	require.NoError(t, testStore.SaveContinuous(ctx, *st, 0))

	got, err := testStore.GetContinuous(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Version)
	assert.Len(t, got.Conversation, 1)
}

func TestSaveContinuous_StaleVersionRejected(t *testing.T) {
	ctx := context.Background()
	agent := "watcher-" + uuid.NewString()[:8]

	st := model.NewContinuousAgentState(agent)
	require.NoError(t, testStore.SaveContinuous(ctx, *st, 0))

	current, err := testStore.GetContinuous(ctx, agent)
	require.NoError(t, err)

	// Simulate a concurrent writer advancing the version first.
	current.Version = 1
	require.NoError(t, testStore.SaveContinuous(ctx, current, 0))

	// A second writer still using the old expected_version=0 must be rejected.
	stale := current
	stale.Version = 1
	err = testStore.SaveContinuous(ctx, stale, 0)
	require.ErrorIs(t, err, storage.ErrStaleVersion)
}

func TestSaveContinuousWithRetry_ConvergesOnStaleVersion(t *testing.T) {
	ctx := context.Background()
	agent := "watcher-" + uuid.NewString()[:8]

	require.NoError(t, testStore.SaveContinuousWithRetry(ctx, agent, func(cur model.ContinuousAgentState) model.ContinuousAgentState {
		cur.AppendTurn(model.ConversationTurn{Role: "user", Content: "first"}, 50)
		return cur
	}))

	require.NoError(t, testStore.SaveContinuousWithRetry(ctx, agent, func(cur model.ContinuousAgentState) model.ContinuousAgentState {
		cur.AppendTurn(model.ConversationTurn{Role: "assistant", Content: "second"}, 50)
		return cur
	}))

	got, err := testStore.GetContinuous(ctx, agent)
	require.NoError(t, err)
	assert.Len(t, got.Conversation, 2)
	assert.Equal(t, int64(1), got.Version)
}

func TestListContinuousAgents(t *testing.T) {
	ctx := context.Background()
	agent := "watcher-" + uuid.NewString()[:8]

	st := model.NewContinuousAgentState(agent)
	require.NoError(t, testStore.SaveContinuous(ctx, *st, 0))

	names, err := testStore.ListContinuousAgents(ctx)
	require.NoError(t, err)

	found := false
	for _, n := range names {
		if n == agent {
			found = true
		}
	}
	assert.True(t, found)
}
