// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/fleetmend/fleetmend/internal/core/errs"
	"github.com/fleetmend/fleetmend/internal/core/models"
)

// PostgresStore is the Postgres-backed Store. Check-and-set transitions are
// expressed as conditional UPDATEs keyed on the current status, so they are
// atomic at the row level without explicit transactions.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore connects to Postgres and verifies the connection
func NewPostgresStore(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresStore{
		db:     db,
		logger: logger.With("component", "postgres-store"),
	}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the tables if they do not exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS remediation_actions (
			id TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS approval_workflows (
			id TEXT PRIMARY KEY,
			action_id TEXT NOT NULL UNIQUE,
			data JSONB NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			step_number INT NOT NULL,
			data JSONB NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS approval_history (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS server_connections (
			server_id TEXT PRIMARY KEY,
			data JSONB NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	s.logger.Info("database schema ensured")
	return nil
}

// CreateAction stores a new action, assigning an id and creation time if
// missing
func (s *PostgresStore) CreateAction(ctx context.Context, action *models.RemediationAction) error {
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to serialize action: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO remediation_actions (id, data, status, created_at) VALUES ($1, $2, $3, $4)`,
		action.ID, data, string(action.Status), action.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

// GetAction returns the action with the given id
func (s *PostgresStore) GetAction(ctx context.Context, id string) (*models.RemediationAction, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM remediation_actions WHERE id = $1`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("action %q: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query action: %w", err)
	}

	var action models.RemediationAction
	if err := json.Unmarshal(data, &action); err != nil {
		return nil, fmt.Errorf("failed to deserialize action: %w", err)
	}
	return &action, nil
}

// UpdateAction overwrites the stored action
func (s *PostgresStore) UpdateAction(ctx context.Context, action *models.RemediationAction) error {
	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to serialize action: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE remediation_actions SET data = $2, status = $3 WHERE id = $1`,
		action.ID, data, string(action.Status))
	if err != nil {
		return fmt.Errorf("failed to update action: %w", err)
	}
	return requireRow(result, fmt.Sprintf("action %q", action.ID))
}

// CompareAndSwapActionStatus atomically transitions the action status using
// a conditional update keyed on the current status
func (s *PostgresStore) CompareAndSwapActionStatus(ctx context.Context, id string, from, to models.ActionStatus) error {
	action, err := s.GetAction(ctx, id)
	if err != nil {
		return err
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

	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to serialize action: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE remediation_actions SET data = $2, status = $3 WHERE id = $1 AND status = $4`,
		id, data, string(to), string(from))
	if err != nil {
		return fmt.Errorf("failed to transition action: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check transition: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("action %q is no longer %s: %w", id, from, errs.ErrConcurrencyConflict)
	}
	return nil
}

// CreateWorkflow stores a new workflow
func (s *PostgresStore) CreateWorkflow(ctx context.Context, workflow *models.ApprovalWorkflow) error {
	if workflow.ID == "" {
		workflow.ID = uuid.NewString()
	}
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("failed to serialize workflow: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_workflows (id, action_id, data, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		workflow.ID, workflow.ActionID, data, string(workflow.Status), workflow.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

// GetWorkflow returns the workflow with the given id
func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*models.ApprovalWorkflow, error) {
	return s.queryWorkflow(ctx, `SELECT data FROM approval_workflows WHERE id = $1`, id)
}

// WorkflowForAction returns the workflow attached to an action
func (s *PostgresStore) WorkflowForAction(ctx context.Context, actionID string) (*models.ApprovalWorkflow, error) {
	return s.queryWorkflow(ctx, `SELECT data FROM approval_workflows WHERE action_id = $1`, actionID)
}

func (s *PostgresStore) queryWorkflow(ctx context.Context, query, arg string) (*models.ApprovalWorkflow, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workflow for %q: %w", arg, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow: %w", err)
	}

	var workflow models.ApprovalWorkflow
	if err := json.Unmarshal(data, &workflow); err != nil {
		return nil, fmt.Errorf("failed to deserialize workflow: %w", err)
	}
	return &workflow, nil
}

// UpdateWorkflow overwrites the stored workflow
func (s *PostgresStore) UpdateWorkflow(ctx context.Context, workflow *models.ApprovalWorkflow) error {
	data, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("failed to serialize workflow: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE approval_workflows SET data = $2, status = $3 WHERE id = $1`,
		workflow.ID, data, string(workflow.Status))
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	return requireRow(result, fmt.Sprintf("workflow %q", workflow.ID))
}

// CompareAndSwapWorkflowStatus atomically transitions the workflow status
func (s *PostgresStore) CompareAndSwapWorkflowStatus(ctx context.Context, id string, from, to models.WorkflowStatus) error {
	workflow, err := s.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}

	workflow.Status = to
	if to != models.WorkflowStatusPending {
		now := time.Now().UTC()
		workflow.CompletedAt = &now
	}

	data, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("failed to serialize workflow: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE approval_workflows SET data = $2, status = $3 WHERE id = $1 AND status = $4`,
		id, data, string(to), string(from))
	if err != nil {
		return fmt.Errorf("failed to transition workflow: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check transition: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("workflow %q is no longer %s: %w", id, from, errs.ErrConcurrencyConflict)
	}
	return nil
}

// PendingWorkflows returns all workflows still awaiting decisions
func (s *PostgresStore) PendingWorkflows(ctx context.Context) ([]models.ApprovalWorkflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM approval_workflows WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending workflows: %w", err)
	}
	defer rows.Close()

	result := []models.ApprovalWorkflow{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		var workflow models.ApprovalWorkflow
		if err := json.Unmarshal(data, &workflow); err != nil {
			return nil, fmt.Errorf("failed to deserialize workflow: %w", err)
		}
		result = append(result, workflow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return result, nil
}

// CreateStep stores a new workflow step
func (s *PostgresStore) CreateStep(ctx context.Context, step *models.WorkflowStep) error {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}

	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to serialize step: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_steps (id, workflow_id, step_number, data, status) VALUES ($1, $2, $3, $4, $5)`,
		step.ID, step.WorkflowID, step.StepNumber, data, string(step.Status))
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}
	return nil
}

// GetStep returns the step with the given id
func (s *PostgresStore) GetStep(ctx context.Context, id string) (*models.WorkflowStep, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM workflow_steps WHERE id = $1`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("step %q: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query step: %w", err)
	}

	var step models.WorkflowStep
	if err := json.Unmarshal(data, &step); err != nil {
		return nil, fmt.Errorf("failed to deserialize step: %w", err)
	}
	return &step, nil
}

// StepsForWorkflow returns the workflow's steps ordered by step number
func (s *PostgresStore) StepsForWorkflow(ctx context.Context, workflowID string) ([]models.WorkflowStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM workflow_steps WHERE workflow_id = $1 ORDER BY step_number`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	result := []models.WorkflowStep{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		var step models.WorkflowStep
		if err := json.Unmarshal(data, &step); err != nil {
			return nil, fmt.Errorf("failed to deserialize step: %w", err)
		}
		result = append(result, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return result, nil
}

// CompareAndSwapStepStatus atomically resolves a pending step
func (s *PostgresStore) CompareAndSwapStepStatus(ctx context.Context, id string, from, to models.StepStatus, decidedBy, comments string) error {
	step, err := s.GetStep(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	step.Status = to
	step.ApprovedBy = decidedBy
	step.Comments = comments
	step.CompletedAt = &now

	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to serialize step: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE workflow_steps SET data = $2, status = $3 WHERE id = $1 AND status = $4`,
		id, data, string(to), string(from))
	if err != nil {
		return fmt.Errorf("failed to transition step: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check transition: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("step %q is no longer %s: %w", id, from, errs.ErrConcurrencyConflict)
	}
	return nil
}

// AppendHistory appends an approval history entry
func (s *PostgresStore) AppendHistory(ctx context.Context, entry *models.ApprovalHistory) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize history entry: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_history (id, workflow_id, data, created_at) VALUES ($1, $2, $3, $4)`,
		entry.ID, entry.WorkflowID, data, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}
	return nil
}

// HistoryForWorkflow returns history entries for a workflow in append order
func (s *PostgresStore) HistoryForWorkflow(ctx context.Context, workflowID string) ([]models.ApprovalHistory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM approval_history WHERE workflow_id = $1 ORDER BY created_at`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	result := []models.ApprovalHistory{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		var entry models.ApprovalHistory
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("failed to deserialize history entry: %w", err)
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return result, nil
}

// SaveConnection upserts a server connection record
func (s *PostgresStore) SaveConnection(ctx context.Context, conn models.ServerConnection) error {
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(conn)
	if err != nil {
		return fmt.Errorf("failed to serialize connection: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO server_connections (server_id, data) VALUES ($1, $2)
		 ON CONFLICT (server_id) DO UPDATE SET data = EXCLUDED.data`,
		conn.ServerID, data)
	if err != nil {
		return fmt.Errorf("failed to upsert connection: %w", err)
	}
	return nil
}

// GetConnection returns the connection record for a server
func (s *PostgresStore) GetConnection(ctx context.Context, serverID string) (*models.ServerConnection, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM server_connections WHERE server_id = $1`, serverID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("connection %q: %w", serverID, errs.ErrConnectionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query connection: %w", err)
	}

	var conn models.ServerConnection
	if err := json.Unmarshal(data, &conn); err != nil {
		return nil, fmt.Errorf("failed to deserialize connection: %w", err)
	}
	return &conn, nil
}

// DeleteConnection removes the connection record for a server
func (s *PostgresStore) DeleteConnection(ctx context.Context, serverID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM server_connections WHERE server_id = $1`, serverID)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("connection %q: %w", serverID, errs.ErrConnectionNotFound)
	}
	return nil
}

// ListConnections returns all connection records sorted by server id
func (s *PostgresStore) ListConnections(ctx context.Context) ([]models.ServerConnection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM server_connections ORDER BY server_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	result := []models.ServerConnection{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		var conn models.ServerConnection
		if err := json.Unmarshal(data, &conn); err != nil {
			return nil, fmt.Errorf("failed to deserialize connection: %w", err)
		}
		result = append(result, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return result, nil
}

// requireRow converts a zero-row update into a not-found error
func requireRow(result sql.Result, what string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", what, errs.ErrNotFound)
	}
	return nil
}
