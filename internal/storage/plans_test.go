package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitfleet/orchestra/internal/model"
)

func TestSaveAndGetPlan(t *testing.T) {
	ctx := context.Background()
	taskID := "task-" + uuid.NewString()

	run := model.PlanRunState{
		TaskID: taskID,
		Plan: []model.PlanStep{
			{Index: 0, ExecutorName: "researcher", Description: "gather facts"},
			{Index: 1, ExecutorName: "writer", Description: "draft summary"},
		},
		CurrentStep: 0,
		Status:      model.PlanRunning,
		TraceID:     uuid.New(),
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, testStore.SavePlan(ctx, run))

	got, err := testStore.GetPlan(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, model.PlanRunning, got.Status)
	assert.Len(t, got.Plan, 2)
}

func TestSavePlan_UpsertsOnTaskID(t *testing.T) {
	ctx := context.Background()
	taskID := "task-" + uuid.NewString()

	run := model.PlanRunState{
		TaskID:      taskID,
		Plan:        []model.PlanStep{{Index: 0, ExecutorName: "researcher"}},
		CurrentStep: 0,
		Status:      model.PlanPlanning,
		TraceID:     uuid.New(),
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, testStore.SavePlan(ctx, run))

	run.CurrentStep = 1
	run.Status = model.PlanRunning
	run.UpdatedAt = time.Now().UTC()
	require.NoError(t, testStore.SavePlan(ctx, run))

	got, err := testStore.GetPlan(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, model.PlanRunning, got.Status)
	assert.Equal(t, 1, got.CurrentStep)
}

func TestSavePlan_PersistsClarification(t *testing.T) {
	ctx := context.Background()
	taskID := "task-" + uuid.NewString()

	deadline := time.Now().UTC().Add(5 * time.Minute)
	run := model.PlanRunState{
		TaskID:      taskID,
		Plan:        []model.PlanStep{{Index: 0, ExecutorName: "researcher"}},
		CurrentStep: 0,
		Status:      model.PlanWaitingClarification,
		Clarification: &model.Clarification{
			Question: "Which quarter's data should I use?",
			Deadline: deadline,
		},
		TraceID:   uuid.New(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, testStore.SavePlan(ctx, run))

	got, err := testStore.GetPlan(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, got.Clarification)
	assert.Equal(t, "Which quarter's data should I use?", got.Clarification.Question)
}

func TestListActivePlans_ExcludesTerminal(t *testing.T) {
	ctx := context.Background()

	active := model.PlanRunState{
		TaskID:      "task-" + uuid.NewString(),
		Plan:        []model.PlanStep{{Index: 0, ExecutorName: "researcher"}},
		Status:      model.PlanRunning,
		TraceID:     uuid.New(),
		UpdatedAt:   time.Now().UTC(),
	}
	done := model.PlanRunState{
		TaskID:      "task-" + uuid.NewString(),
		Plan:        []model.PlanStep{{Index: 0, ExecutorName: "researcher"}},
		Status:      model.PlanCompleted,
		TraceID:     uuid.New(),
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, testStore.SavePlan(ctx, active))
	require.NoError(t, testStore.SavePlan(ctx, done))

	plans, err := testStore.ListActivePlans(ctx)
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, p := range plans {
		ids[p.TaskID] = true
	}
	assert.True(t, ids[active.TaskID])
	assert.False(t, ids[done.TaskID])
}
