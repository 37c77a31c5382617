// SPDX-License-Identifier: Apache-2.0

// Package store is the persistence collaborator for the remediation
// subsystem. All state-machine mutations in the coordinator and workflow
// engine are expressed through this interface; the compare-and-swap
// operations are atomic at the single-record level and fail with a
// concurrency conflict when the current status does not match.
package store

import (
	"context"

	"github.com/fleetmend/fleetmend/internal/core/models"
)

// Store provides record-level CRUD plus conditional status transitions.
type Store interface {
	// Remediation actions
	CreateAction(ctx context.Context, action *models.RemediationAction) error
	GetAction(ctx context.Context, id string) (*models.RemediationAction, error)
	UpdateAction(ctx context.Context, action *models.RemediationAction) error
	// CompareAndSwapActionStatus transitions the action from one status to
	// another iff its current status matches. Lifecycle timestamps
	// (approvedAt, executedAt, completedAt) are stamped with the transition.
	CompareAndSwapActionStatus(ctx context.Context, id string, from, to models.ActionStatus) error

	// Approval workflows
	CreateWorkflow(ctx context.Context, workflow *models.ApprovalWorkflow) error
	GetWorkflow(ctx context.Context, id string) (*models.ApprovalWorkflow, error)
	UpdateWorkflow(ctx context.Context, workflow *models.ApprovalWorkflow) error
	CompareAndSwapWorkflowStatus(ctx context.Context, id string, from, to models.WorkflowStatus) error
	WorkflowForAction(ctx context.Context, actionID string) (*models.ApprovalWorkflow, error)
	PendingWorkflows(ctx context.Context) ([]models.ApprovalWorkflow, error)

	// Workflow steps
	CreateStep(ctx context.Context, step *models.WorkflowStep) error
	GetStep(ctx context.Context, id string) (*models.WorkflowStep, error)
	StepsForWorkflow(ctx context.Context, workflowID string) ([]models.WorkflowStep, error)
	// CompareAndSwapStepStatus resolves a pending step, recording the
	// decision fields atomically with the transition. Steps are immutable
	// once resolved.
	CompareAndSwapStepStatus(ctx context.Context, id string, from, to models.StepStatus, decidedBy, comments string) error

	// Approval history, append-only
	AppendHistory(ctx context.Context, entry *models.ApprovalHistory) error
	HistoryForWorkflow(ctx context.Context, workflowID string) ([]models.ApprovalHistory, error)

	// Server connections
	SaveConnection(ctx context.Context, conn models.ServerConnection) error
	GetConnection(ctx context.Context, serverID string) (*models.ServerConnection, error)
	DeleteConnection(ctx context.Context, serverID string) error
	ListConnections(ctx context.Context) ([]models.ServerConnection, error)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
