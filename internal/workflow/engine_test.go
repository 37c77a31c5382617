// SPDX-License-Identifier: Apache-2.0

package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fleetmend/fleetmend/internal/core/errs"
	"github.com/fleetmend/fleetmend/internal/core/models"
	"github.com/fleetmend/fleetmend/internal/store"
	"github.com/fleetmend/fleetmend/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) (*workflow.Engine, *store.MemoryStore, *models.RemediationAction) {
	t.Helper()

	s := store.NewMemoryStore()
	engine := workflow.NewEngine(s, nil)

	action := &models.RemediationAction{
		ServerID:         "web-01",
		Title:            "Restart nginx",
		ActionType:       "restart_service",
		Command:          "systemctl restart nginx",
		RequiresApproval: true,
		Status:           models.ActionStatusPending,
	}
	require.NoError(t, s.CreateAction(context.Background(), action))

	return engine, s, action
}

func TestCreateWorkflow(t *testing.T) {
	engine, s, action := newEngine(t)
	ctx := context.Background()

	wf, err := engine.CreateWorkflow(ctx, action, []string{"infra-lead", "security"})
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowStatusPending, wf.Status)
	assert.Equal(t, 1, wf.CurrentStep)
	assert.Equal(t, action.ID, wf.ActionID)

	steps, err := s.StepsForWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "infra-lead", steps[0].ApproverRole)
	assert.Equal(t, 1, steps[0].StepNumber)
	assert.Equal(t, "security", steps[1].ApproverRole)
	assert.Equal(t, models.StepStatusPending, steps[0].Status)
	assert.Equal(t, models.StepStatusPending, steps[1].Status)
}

func TestCreateWorkflowValidation(t *testing.T) {
	engine, _, action := newEngine(t)
	ctx := context.Background()

	_, err := engine.CreateWorkflow(ctx, nil, []string{"infra-lead"})
	assert.True(t, errs.IsValidation(err))

	_, err = engine.CreateWorkflow(ctx, action, nil)
	assert.True(t, errs.IsValidation(err))
}

func TestGetNextPendingStep(t *testing.T) {
	engine, _, action := newEngine(t)
	ctx := context.Background()

	wf, err := engine.CreateWorkflow(ctx, action, []string{"infra-lead", "security"})
	require.NoError(t, err)

	next, err := engine.GetNextPendingStep(ctx, wf.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 1, next.StepNumber)

	_, err = engine.Decide(ctx, wf.ID, next.ID, workflow.OutcomeApprove, "alice", "")
	require.NoError(t, err)

	next, err = engine.GetNextPendingStep(ctx, wf.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 2, next.StepNumber)
}

func TestApproveAllSteps(t *testing.T) {
	engine, s, action := newEngine(t)
	ctx := context.Background()

	wf, err := engine.CreateWorkflow(ctx, action, []string{"infra-lead", "security"})
	require.NoError(t, err)

	step1, err := engine.GetNextPendingStep(ctx, wf.ID)
	require.NoError(t, err)

	updated, err := engine.Decide(ctx, wf.ID, step1.ID, workflow.OutcomeApprove, "alice", "looks safe")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusPending, updated.Status, "workflow stays pending until the final step")
	assert.Equal(t, 2, updated.CurrentStep)

	step2, err := engine.GetNextPendingStep(ctx, wf.ID)
	require.NoError(t, err)

	updated, err = engine.Decide(ctx, wf.ID, step2.ID, workflow.OutcomeApprove, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusApproved, updated.Status)
	assert.NotNil(t, updated.CompletedAt)

	history, err := s.HistoryForWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "step_approved", history[0].Action)
	assert.Equal(t, "alice", history[0].ActorID)
	assert.Equal(t, "bob", history[1].ActorID)
}

func TestRejectShortCircuits(t *testing.T) {
	engine, s, action := newEngine(t)
	ctx := context.Background()

	wf, err := engine.CreateWorkflow(ctx, action, []string{"infra-lead", "security", "cto"})
	require.NoError(t, err)

	step1, err := engine.GetNextPendingStep(ctx, wf.ID)
	require.NoError(t, err)

	updated, err := engine.Decide(ctx, wf.ID, step1.ID, workflow.OutcomeReject, "alice", "too risky")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusRejected, updated.Status)

	// Later steps stay pending forever and are never evaluated
	steps, err := s.StepsForWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusRejected, steps[0].Status)
	assert.Equal(t, models.StepStatusPending, steps[1].Status)
	assert.Equal(t, models.StepStatusPending, steps[2].Status)

	// No further decisions are accepted
	_, err = engine.Decide(ctx, wf.ID, steps[1].ID, workflow.OutcomeApprove, "bob", "")
	assert.True(t, errs.IsValidation(err))
}

func TestDecideOutOfOrderRejected(t *testing.T) {
	engine, s, action := newEngine(t)
	ctx := context.Background()

	wf, err := engine.CreateWorkflow(ctx, action, []string{"infra-lead", "security"})
	require.NoError(t, err)

	steps, err := s.StepsForWorkflow(ctx, wf.ID)
	require.NoError(t, err)

	// Attempt to decide step 2 while step 1 is still pending
	_, err = engine.Decide(ctx, wf.ID, steps[1].ID, workflow.OutcomeApprove, "bob", "")
	assert.True(t, errs.IsValidation(err), "expected ordering violation, got %v", err)

	reloaded, err := s.GetStep(ctx, steps[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPending, reloaded.Status)
}

func TestDecideValidation(t *testing.T) {
	engine, _, action := newEngine(t)
	ctx := context.Background()

	wf, err := engine.CreateWorkflow(ctx, action, []string{"infra-lead"})
	require.NoError(t, err)

	_, err = engine.Decide(ctx, wf.ID, "", workflow.OutcomeApprove, "", "")
	assert.True(t, errs.IsValidation(err), "missing approver id")

	_, err = engine.Decide(ctx, wf.ID, "", "defer", "alice", "")
	assert.True(t, errs.IsValidation(err), "unknown outcome")

	_, err = engine.Decide(ctx, "ghost", "", workflow.OutcomeApprove, "alice", "")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestConcurrentDecisionsOneWinner(t *testing.T) {
	engine, _, action := newEngine(t)
	ctx := context.Background()

	wf, err := engine.CreateWorkflow(ctx, action, []string{"infra-lead"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Decide(ctx, wf.ID, "", workflow.OutcomeApprove, "alice", "")
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners, "exactly one concurrent decision may win")

	final, err := engine.GetNextPendingStep(ctx, wf.ID)
	require.NoError(t, err)
	assert.Nil(t, final)
}

func TestDecideWithoutStepIDTargetsNextPending(t *testing.T) {
	engine, _, action := newEngine(t)
	ctx := context.Background()

	wf, err := engine.CreateWorkflow(ctx, action, []string{"infra-lead", "security"})
	require.NoError(t, err)

	// Empty step id means "the next pending step"
	updated, err := engine.Decide(ctx, wf.ID, "", workflow.OutcomeApprove, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, 2, updated.CurrentStep)
}
