// SPDX-License-Identifier: Apache-2.0

// Package workflow models a strictly ordered chain of approvals attached to
// a remediation action. Steps are decided in step-number order; approving
// the final step approves the workflow, rejecting any step rejects the
// workflow immediately and later steps are never evaluated.
package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fleetmend/fleetmend/internal/core/errs"
	"github.com/fleetmend/fleetmend/internal/core/models"
	"github.com/fleetmend/fleetmend/internal/store"
)

// Outcome is a decision on a workflow step.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReject  Outcome = "reject"
)

// Engine creates and advances approval workflows.
type Engine struct {
	store  store.Store
	logger *slog.Logger
}

// NewEngine creates a workflow engine backed by the given store
func NewEngine(s store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  s,
		logger: logger.With("component", "workflow-engine"),
	}
}

// CreateWorkflow creates a pending workflow for the action with one pending
// step per approver role, in the given order.
func (e *Engine) CreateWorkflow(ctx context.Context, action *models.RemediationAction, approverRoles []string) (*models.ApprovalWorkflow, error) {
	if action == nil || action.ID == "" {
		return nil, errs.NewValidation("workflow requires a persisted action")
	}
	if len(approverRoles) == 0 {
		return nil, errs.NewValidation("workflow requires at least one approver")
	}

	workflow := &models.ApprovalWorkflow{
		ActionID:    action.ID,
		Status:      models.WorkflowStatusPending,
		CurrentStep: 1,
	}
	if err := e.store.CreateWorkflow(ctx, workflow); err != nil {
		return nil, fmt.Errorf("error creating workflow: %w", err)
	}

	for i, role := range approverRoles {
		step := &models.WorkflowStep{
			WorkflowID:   workflow.ID,
			StepNumber:   i + 1,
			ApproverRole: role,
			Status:       models.StepStatusPending,
		}
		if err := e.store.CreateStep(ctx, step); err != nil {
			return nil, fmt.Errorf("error creating workflow step %d: %w", i+1, err)
		}
	}

	e.logger.Info("workflow created",
		"workflowId", workflow.ID, "actionId", action.ID, "steps", len(approverRoles))
	return workflow, nil
}

// GetNextPendingStep returns the lowest-numbered step still pending, or nil
// when every step is resolved.
func (e *Engine) GetNextPendingStep(ctx context.Context, workflowID string) (*models.WorkflowStep, error) {
	if _, err := e.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}

	steps, err := e.store.StepsForWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("error loading workflow steps: %w", err)
	}

	for i := range steps {
		if steps[i].Status == models.StepStatusPending {
			return &steps[i], nil
		}
	}
	return nil, nil
}

// Decide resolves the next pending step of the workflow. If stepID is
// non-empty it must name that step; deciding any other step is an ordering
// violation. The step transition is a check-and-set, so concurrent
// decisions on the same step resolve to exactly one winner and the losers
// receive a concurrency conflict.
func (e *Engine) Decide(ctx context.Context, workflowID, stepID string, outcome Outcome, approverID, comments string) (*models.ApprovalWorkflow, error) {
	if approverID == "" {
		return nil, errs.NewValidation("approver id is required")
	}
	if outcome != OutcomeApprove && outcome != OutcomeReject {
		return nil, errs.NewValidation("unknown outcome: %s", outcome)
	}

	workflow, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if workflow.Status != models.WorkflowStatusPending {
		return nil, errs.NewValidation("workflow is already %s", workflow.Status)
	}

	next, err := e.GetNextPendingStep(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, errs.NewValidation("workflow has no pending steps")
	}
	if stepID != "" && stepID != next.ID {
		return nil, errs.NewValidation("step %s is not the next pending step", stepID)
	}

	stepStatus := models.StepStatusApproved
	historyAction := "step_approved"
	if outcome == OutcomeReject {
		stepStatus = models.StepStatusRejected
		historyAction = "step_rejected"
	}

	if err := e.store.CompareAndSwapStepStatus(ctx, next.ID,
		models.StepStatusPending, stepStatus, approverID, comments); err != nil {
		return nil, err
	}

	e.appendHistory(ctx, &models.ApprovalHistory{
		WorkflowID: workflowID,
		StepID:     next.ID,
		Action:     historyAction,
		ActorID:    approverID,
		Comments:   comments,
		Metadata: map[string]interface{}{
			"stepNumber":   next.StepNumber,
			"approverRole": next.ApproverRole,
		},
	})

	if outcome == OutcomeReject {
		// Later steps are never evaluated
		if err := e.store.CompareAndSwapWorkflowStatus(ctx, workflowID,
			models.WorkflowStatusPending, models.WorkflowStatusRejected); err != nil {
			return nil, fmt.Errorf("error rejecting workflow: %w", err)
		}
		return e.store.GetWorkflow(ctx, workflowID)
	}

	remaining, err := e.GetNextPendingStep(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if remaining == nil {
		// Final step approved: the workflow is approved
		if err := e.store.CompareAndSwapWorkflowStatus(ctx, workflowID,
			models.WorkflowStatusPending, models.WorkflowStatusApproved); err != nil {
			return nil, fmt.Errorf("error approving workflow: %w", err)
		}
	} else {
		workflow.CurrentStep = remaining.StepNumber
		if err := e.store.UpdateWorkflow(ctx, workflow); err != nil {
			return nil, fmt.Errorf("error advancing workflow: %w", err)
		}
	}

	return e.store.GetWorkflow(ctx, workflowID)
}

// appendHistory records a decision; the history log is best-effort and must
// not undo an already-resolved step
func (e *Engine) appendHistory(ctx context.Context, entry *models.ApprovalHistory) {
	if err := e.store.AppendHistory(ctx, entry); err != nil {
		e.logger.Error("failed to append approval history",
			"workflowId", entry.WorkflowID, "action", entry.Action, "error", err)
	}
}
