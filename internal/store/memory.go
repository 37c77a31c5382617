// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetmend/fleetmend/internal/core/errs"
	"github.com/fleetmend/fleetmend/internal/core/models"
)

// MemoryStore is an in-memory Store for tests and single-node deployments.
// All records are copied on the way in and out, so callers never share
// memory with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	actions     map[string]models.RemediationAction
	workflows   map[string]models.ApprovalWorkflow
	steps       map[string]models.WorkflowStep
	history     []models.ApprovalHistory
	connections map[string]models.ServerConnection
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actions:     make(map[string]models.RemediationAction),
		workflows:   make(map[string]models.ApprovalWorkflow),
		steps:       make(map[string]models.WorkflowStep),
		connections: make(map[string]models.ServerConnection),
	}
}

// CreateAction stores a new action, assigning an id and creation time if
// missing
func (s *MemoryStore) CreateAction(ctx context.Context, action *models.RemediationAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.actions[action.ID]; exists {
		return fmt.Errorf("action %q already exists", action.ID)
	}

	s.actions[action.ID] = *action
	return nil
}

// GetAction returns a copy of the action with the given id
func (s *MemoryStore) GetAction(ctx context.Context, id string) (*models.RemediationAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	action, found := s.actions[id]
	if !found {
		return nil, fmt.Errorf("action %q: %w", id, errs.ErrNotFound)
	}
	return &action, nil
}

// UpdateAction overwrites the stored action
func (s *MemoryStore) UpdateAction(ctx context.Context, action *models.RemediationAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, found := s.actions[action.ID]; !found {
		return fmt.Errorf("action %q: %w", action.ID, errs.ErrNotFound)
	}
	s.actions[action.ID] = *action
	return nil
}

// CompareAndSwapActionStatus atomically transitions the action status
func (s *MemoryStore) CompareAndSwapActionStatus(ctx context.Context, id string, from, to models.ActionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	action, found := s.actions[id]
	if !found {
		return fmt.Errorf("action %q: %w", id, errs.ErrNotFound)
	}
	if action.Status != from {
		return fmt.Errorf("action %q is %s, not %s: %w", id, action.Status, from, errs.ErrConcurrencyConflict)
	}

	now := time.Now().UTC()
	action.Status = to
	switch to {
	case models.ActionStatusApproved:
		action.ApprovedAt = &now
	case models.ActionStatusExecuting:
		action.ExecutedAt = &now
	case models.ActionStatusCompleted, models.ActionStatusFailed, models.ActionStatusRejected:
		action.CompletedAt = &now
	}

	s.actions[id] = action
	return nil
}

// CreateWorkflow stores a new workflow
func (s *MemoryStore) CreateWorkflow(ctx context.Context, workflow *models.ApprovalWorkflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if workflow.ID == "" {
		workflow.ID = uuid.NewString()
	}
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = time.Now().UTC()
	}

	for _, existing := range s.workflows {
		if existing.ActionID == workflow.ActionID {
			return fmt.Errorf("action %q already has a workflow", workflow.ActionID)
		}
	}

	s.workflows[workflow.ID] = *workflow
	return nil
}

// GetWorkflow returns a copy of the workflow with the given id
func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*models.ApprovalWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	workflow, found := s.workflows[id]
	if !found {
		return nil, fmt.Errorf("workflow %q: %w", id, errs.ErrNotFound)
	}
	return &workflow, nil
}

// UpdateWorkflow overwrites the stored workflow
func (s *MemoryStore) UpdateWorkflow(ctx context.Context, workflow *models.ApprovalWorkflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, found := s.workflows[workflow.ID]; !found {
		return fmt.Errorf("workflow %q: %w", workflow.ID, errs.ErrNotFound)
	}
	s.workflows[workflow.ID] = *workflow
	return nil
}

// CompareAndSwapWorkflowStatus atomically transitions the workflow status
func (s *MemoryStore) CompareAndSwapWorkflowStatus(ctx context.Context, id string, from, to models.WorkflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	workflow, found := s.workflows[id]
	if !found {
		return fmt.Errorf("workflow %q: %w", id, errs.ErrNotFound)
	}
	if workflow.Status != from {
		return fmt.Errorf("workflow %q is %s, not %s: %w", id, workflow.Status, from, errs.ErrConcurrencyConflict)
	}

	workflow.Status = to
	if to != models.WorkflowStatusPending {
		now := time.Now().UTC()
		workflow.CompletedAt = &now
	}

	s.workflows[id] = workflow
	return nil
}

// WorkflowForAction returns the workflow attached to an action
func (s *MemoryStore) WorkflowForAction(ctx context.Context, actionID string) (*models.ApprovalWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, workflow := range s.workflows {
		if workflow.ActionID == actionID {
			result := workflow
			return &result, nil
		}
	}
	return nil, fmt.Errorf("workflow for action %q: %w", actionID, errs.ErrNotFound)
}

// PendingWorkflows returns all workflows still awaiting decisions
func (s *MemoryStore) PendingWorkflows(ctx context.Context) ([]models.ApprovalWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []models.ApprovalWorkflow{}
	for _, workflow := range s.workflows {
		if workflow.Status == models.WorkflowStatusPending {
			result = append(result, workflow)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// CreateStep stores a new workflow step
func (s *MemoryStore) CreateStep(ctx context.Context, step *models.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	s.steps[step.ID] = *step
	return nil
}

// GetStep returns a copy of the step with the given id
func (s *MemoryStore) GetStep(ctx context.Context, id string) (*models.WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	step, found := s.steps[id]
	if !found {
		return nil, fmt.Errorf("step %q: %w", id, errs.ErrNotFound)
	}
	return &step, nil
}

// StepsForWorkflow returns the workflow's steps ordered by step number
func (s *MemoryStore) StepsForWorkflow(ctx context.Context, workflowID string) ([]models.WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []models.WorkflowStep{}
	for _, step := range s.steps {
		if step.WorkflowID == workflowID {
			result = append(result, step)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StepNumber < result[j].StepNumber
	})
	return result, nil
}

// CompareAndSwapStepStatus atomically resolves a pending step
func (s *MemoryStore) CompareAndSwapStepStatus(ctx context.Context, id string, from, to models.StepStatus, decidedBy, comments string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, found := s.steps[id]
	if !found {
		return fmt.Errorf("step %q: %w", id, errs.ErrNotFound)
	}
	if step.Status != from {
		return fmt.Errorf("step %q is %s, not %s: %w", id, step.Status, from, errs.ErrConcurrencyConflict)
	}

	now := time.Now().UTC()
	step.Status = to
	step.ApprovedBy = decidedBy
	step.Comments = comments
	step.CompletedAt = &now

	s.steps[id] = step
	return nil
}

// AppendHistory appends an approval history entry
func (s *MemoryStore) AppendHistory(ctx context.Context, entry *models.ApprovalHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	s.history = append(s.history, *entry)
	return nil
}

// HistoryForWorkflow returns history entries for a workflow in append order
func (s *MemoryStore) HistoryForWorkflow(ctx context.Context, workflowID string) ([]models.ApprovalHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []models.ApprovalHistory{}
	for _, entry := range s.history {
		if entry.WorkflowID == workflowID {
			result = append(result, entry)
		}
	}
	return result, nil
}

// SaveConnection upserts a server connection record
func (s *MemoryStore) SaveConnection(ctx context.Context, conn models.ServerConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now().UTC()
	}
	s.connections[conn.ServerID] = conn
	return nil
}

// GetConnection returns the connection record for a server
func (s *MemoryStore) GetConnection(ctx context.Context, serverID string) (*models.ServerConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, found := s.connections[serverID]
	if !found {
		return nil, fmt.Errorf("connection %q: %w", serverID, errs.ErrConnectionNotFound)
	}
	return &conn, nil
}

// DeleteConnection removes the connection record for a server
func (s *MemoryStore) DeleteConnection(ctx context.Context, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, found := s.connections[serverID]; !found {
		return fmt.Errorf("connection %q: %w", serverID, errs.ErrConnectionNotFound)
	}
	delete(s.connections, serverID)
	return nil
}

// ListConnections returns all connection records sorted by server id
func (s *MemoryStore) ListConnections(ctx context.Context) ([]models.ServerConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.ServerConnection, 0, len(s.connections))
	for _, conn := range s.connections {
		result = append(result, conn)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ServerID < result[j].ServerID
	})
	return result, nil
}
