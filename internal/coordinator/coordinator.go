// SPDX-License-Identifier: Apache-2.0

// Package coordinator owns the remediation action lifecycle. It is the only
// component that moves an action between statuses, and it does so through
// compare-and-swap transitions so that concurrent approvals, rejections, and
// execution triggers resolve to exactly one winner.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fleetmend/fleetmend/internal/audit"
	"github.com/fleetmend/fleetmend/internal/core/errs"
	"github.com/fleetmend/fleetmend/internal/core/models"
	"github.com/fleetmend/fleetmend/internal/executor"
	"github.com/fleetmend/fleetmend/internal/notify"
	"github.com/fleetmend/fleetmend/internal/store"
	"github.com/fleetmend/fleetmend/internal/workflow"
)

// CommandRunner is the slice of the executor the coordinator needs.
type CommandRunner interface {
	Execute(ctx context.Context, req executor.Request) (*models.CommandExecutionResult, error)
}

// PendingApproval pairs a pending workflow with its action and the step
// awaiting a decision.
type PendingApproval struct {
	Workflow models.ApprovalWorkflow   `json:"workflow"`
	Action   *models.RemediationAction `json:"action,omitempty"`
	NextStep *models.WorkflowStep      `json:"nextStep,omitempty"`
}

// WorkflowDetail is the full approval state of one action.
type WorkflowDetail struct {
	Workflow models.ApprovalWorkflow  `json:"workflow"`
	Steps    []models.WorkflowStep    `json:"steps"`
	History  []models.ApprovalHistory `json:"history"`
}

// Coordinator drives remediation actions from submission through approval to
// execution.
type Coordinator struct {
	store     store.Store
	engine    *workflow.Engine
	runner    CommandRunner
	auditor   audit.Recorder
	notifier  notify.Publisher
	logger    *slog.Logger
	approvers []string
}

// New creates a coordinator. approvers is the ordered approver-role chain
// applied to every action that requires approval.
func New(s store.Store, engine *workflow.Engine, runner CommandRunner,
	auditor audit.Recorder, notifier notify.Publisher, approvers []string, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if auditor == nil {
		auditor = audit.NewLogRecorder(logger)
	}
	if notifier == nil {
		notifier = notify.NopPublisher{}
	}

	return &Coordinator{
		store:     s,
		engine:    engine,
		runner:    runner,
		auditor:   auditor,
		notifier:  notifier,
		logger:    logger.With("component", "coordinator"),
		approvers: approvers,
	}
}

// Submit validates and persists a new action. Actions that require approval
// get a pending workflow attached; actions that do not are approved and
// executed immediately.
func (c *Coordinator) Submit(ctx context.Context, action *models.RemediationAction) (*models.RemediationAction, error) {
	if action == nil {
		return nil, errs.NewValidation("action is required")
	}
	if action.ServerID == "" {
		return nil, errs.NewValidation("server id is required")
	}
	if action.Command == "" {
		return nil, errs.NewValidation("command is required")
	}
	if action.ActionType == "" {
		return nil, errs.NewValidation("action type is required")
	}

	action.Status = models.ActionStatusPending
	action.Result = nil
	if err := c.store.CreateAction(ctx, action); err != nil {
		return nil, fmt.Errorf("error persisting action: %w", err)
	}

	c.auditor.Record(ctx, "action_submitted", action.ID, "", map[string]interface{}{
		"serverId":         action.ServerID,
		"actionType":       action.ActionType,
		"requiresApproval": action.RequiresApproval,
	})
	c.notifier.Publish("remediation.submitted", action)

	if action.RequiresApproval {
		if _, err := c.engine.CreateWorkflow(ctx, action, c.approvers); err != nil {
			return nil, err
		}
		return c.store.GetAction(ctx, action.ID)
	}

	// No approval required: the action moves straight to approved and runs.
	next, err := Transition(models.ActionStatusPending, EventApprove)
	if err != nil {
		return nil, err
	}
	if err := c.store.CompareAndSwapActionStatus(ctx, action.ID, models.ActionStatusPending, next); err != nil {
		return nil, err
	}
	return c.execute(ctx, action.ID)
}

// Get loads an action by id.
func (c *Coordinator) Get(ctx context.Context, actionID string) (*models.RemediationAction, error) {
	return c.store.GetAction(ctx, actionID)
}

// Approve records an approval decision on the action's workflow. When the
// decision completes the workflow, the action is executed before returning.
func (c *Coordinator) Approve(ctx context.Context, actionID, approverID, comments string) (*models.RemediationAction, error) {
	return c.decide(ctx, actionID, workflow.OutcomeApprove, approverID, comments)
}

// Reject records a rejection. The workflow and the action both become
// rejected and the command is never dispatched.
func (c *Coordinator) Reject(ctx context.Context, actionID, approverID, comments string) (*models.RemediationAction, error) {
	return c.decide(ctx, actionID, workflow.OutcomeReject, approverID, comments)
}

func (c *Coordinator) decide(ctx context.Context, actionID string, outcome workflow.Outcome, approverID, comments string) (*models.RemediationAction, error) {
	action, err := c.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}

	wf, err := c.store.WorkflowForAction(ctx, actionID)
	if err != nil {
		return nil, fmt.Errorf("error loading workflow for action %s: %w", actionID, err)
	}

	updated, err := c.engine.Decide(ctx, wf.ID, "", outcome, approverID, comments)
	if err != nil {
		return nil, err
	}

	switch updated.Status {
	case models.WorkflowStatusRejected:
		next, err := Transition(action.Status, EventReject)
		if err != nil {
			return nil, err
		}
		if err := c.store.CompareAndSwapActionStatus(ctx, actionID, action.Status, next); err != nil {
			return nil, err
		}
		c.auditor.Record(ctx, "action_rejected", actionID, approverID, map[string]interface{}{
			"comments": comments,
		})
		c.notifier.Publish("remediation.rejected", map[string]interface{}{
			"actionId":   actionID,
			"approverId": approverID,
			"comments":   comments,
		})
		return c.store.GetAction(ctx, actionID)

	case models.WorkflowStatusApproved:
		next, err := Transition(action.Status, EventApprove)
		if err != nil {
			return nil, err
		}
		if err := c.store.CompareAndSwapActionStatus(ctx, actionID, action.Status, next); err != nil {
			return nil, err
		}
		c.auditor.Record(ctx, "action_approved", actionID, approverID, nil)
		c.notifier.Publish("remediation.approved", map[string]interface{}{
			"actionId":   actionID,
			"approverId": approverID,
		})
		return c.execute(ctx, actionID)

	default:
		// Intermediate approval: more steps remain.
		c.auditor.Record(ctx, "step_decided", actionID, approverID, map[string]interface{}{
			"outcome":     string(outcome),
			"currentStep": updated.CurrentStep,
		})
		return c.store.GetAction(ctx, actionID)
	}
}

// execute dispatches the approved action's command exactly once. The
// approved->executing swap elects the dispatching caller; losers observe the
// action as it stands and return it untouched.
func (c *Coordinator) execute(ctx context.Context, actionID string) (*models.RemediationAction, error) {
	action, err := c.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}

	next, err := Transition(models.ActionStatusApproved, EventTrigger)
	if err != nil {
		return nil, err
	}
	if err := c.store.CompareAndSwapActionStatus(ctx, actionID, models.ActionStatusApproved, next); err != nil {
		if errs.IsConcurrencyConflict(err) {
			c.logger.Info("execution already claimed", "actionId", actionID)
			return c.store.GetAction(ctx, actionID)
		}
		return nil, err
	}

	c.auditor.Record(ctx, "action_executing", actionID, "", map[string]interface{}{
		"serverId": action.ServerID,
		"command":  action.Command,
	})

	// The action id doubles as the execution request id, so a re-entrant
	// trigger can never dispatch the command a second time.
	result, runErr := c.runner.Execute(ctx, executor.Request{
		ID:                action.ID,
		ServerID:          action.ServerID,
		ActionType:        action.ActionType,
		Command:           action.Command,
		Parameters:        action.Parameters,
		SafetyChecks:      action.SafetyChecks,
		MaxExecutionTime:  action.MaxExecutionTime,
		RequiresElevation: action.RequiresElevation,
	})

	event := EventSucceed
	auditAction := "action_completed"
	eventType := "remediation.completed"
	if runErr != nil {
		event = EventFail
		auditAction = "action_failed"
		eventType = "remediation.failed"
	}

	action, err = c.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	action.Result = resultMap(result, runErr)
	if err := c.store.UpdateAction(ctx, action); err != nil {
		return nil, fmt.Errorf("error recording execution result: %w", err)
	}

	final, err := Transition(models.ActionStatusExecuting, event)
	if err != nil {
		return nil, err
	}
	if err := c.store.CompareAndSwapActionStatus(ctx, actionID, models.ActionStatusExecuting, final); err != nil {
		return nil, err
	}

	c.auditor.Record(ctx, auditAction, actionID, "", action.Result)
	c.notifier.Publish(eventType, map[string]interface{}{
		"actionId": actionID,
		"serverId": action.ServerID,
		"result":   action.Result,
	})

	if runErr != nil {
		c.logger.Warn("action execution failed",
			"actionId", actionID, "serverId", action.ServerID, "error", runErr)
	}

	return c.store.GetAction(ctx, actionID)
}

// WorkflowForAction returns the full approval state of the action.
func (c *Coordinator) WorkflowForAction(ctx context.Context, actionID string) (*WorkflowDetail, error) {
	wf, err := c.store.WorkflowForAction(ctx, actionID)
	if err != nil {
		return nil, err
	}

	steps, err := c.store.StepsForWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, fmt.Errorf("error loading workflow steps: %w", err)
	}
	history, err := c.store.HistoryForWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, fmt.Errorf("error loading approval history: %w", err)
	}

	return &WorkflowDetail{Workflow: *wf, Steps: steps, History: history}, nil
}

// ListPendingApprovals returns every workflow still awaiting a decision,
// with its action and next pending step attached.
func (c *Coordinator) ListPendingApprovals(ctx context.Context) ([]PendingApproval, error) {
	workflows, err := c.store.PendingWorkflows(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing pending workflows: %w", err)
	}

	out := make([]PendingApproval, 0, len(workflows))
	for i := range workflows {
		entry := PendingApproval{Workflow: workflows[i]}

		if action, err := c.store.GetAction(ctx, workflows[i].ActionID); err == nil {
			entry.Action = action
		}
		if next, err := c.engine.GetNextPendingStep(ctx, workflows[i].ID); err == nil {
			entry.NextStep = next
		}

		out = append(out, entry)
	}
	return out, nil
}

// resultMap flattens an execution result into the action's result payload.
// The shape is stable: execution-domain failures still carry output and exit
// code fields so the caller can always render them.
func resultMap(result *models.CommandExecutionResult, runErr error) map[string]interface{} {
	out := map[string]interface{}{
		"success":       false,
		"output":        "",
		"errorOutput":   "",
		"exitCode":      0,
		"executionTime": int64(0),
	}
	if result != nil {
		out["success"] = result.Success
		out["output"] = result.Output
		out["errorOutput"] = result.ErrorOutput
		out["exitCode"] = result.ExitCode
		out["executionTime"] = result.ExecutionTime
		out["timestamp"] = result.Timestamp
	}
	if runErr != nil {
		out["error"] = runErr.Error()
	}
	return out
}
