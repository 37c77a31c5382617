// SPDX-License-Identifier: Apache-2.0

package models

import "time"

// ActionStatus tracks a remediation action through its lifecycle.
type ActionStatus string

const (
	ActionStatusPending   ActionStatus = "pending"
	ActionStatusApproved  ActionStatus = "approved"
	ActionStatusRejected  ActionStatus = "rejected"
	ActionStatusExecuting ActionStatus = "executing"
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusFailed    ActionStatus = "failed"
)

// Valid reports whether the status is one of the known action statuses
func (s ActionStatus) Valid() bool {
	switch s {
	case ActionStatusPending, ActionStatusApproved, ActionStatusRejected,
		ActionStatusExecuting, ActionStatusCompleted, ActionStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible from the status
func (s ActionStatus) Terminal() bool {
	switch s {
	case ActionStatusRejected, ActionStatusCompleted, ActionStatusFailed:
		return true
	}
	return false
}

// WorkflowStatus tracks an approval workflow's lifecycle.
type WorkflowStatus string

const (
	WorkflowStatusPending  WorkflowStatus = "pending"
	WorkflowStatusApproved WorkflowStatus = "approved"
	WorkflowStatusRejected WorkflowStatus = "rejected"
)

// Valid reports whether the status is one of the known workflow statuses
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowStatusPending, WorkflowStatusApproved, WorkflowStatusRejected:
		return true
	}
	return false
}

// StepStatus tracks an individual approval step's lifecycle.
type StepStatus string

const (
	StepStatusPending  StepStatus = "pending"
	StepStatusApproved StepStatus = "approved"
	StepStatusRejected StepStatus = "rejected"
)

// RemediationAction represents a proposed corrective operation against a
// server, possibly gated by an approval workflow. Actions are created by the
// advisory producer and mutated only by the coordinator.
type RemediationAction struct {
	ID                string                 `json:"id"`
	AlertID           string                 `json:"alertId,omitempty"`
	ServerID          string                 `json:"serverId"`
	AgentID           string                 `json:"agentId,omitempty"`
	Title             string                 `json:"title"`
	Description       string                 `json:"description,omitempty"`
	ActionType        string                 `json:"actionType"`
	Confidence        float64                `json:"confidence,omitempty"`
	EstimatedDowntime string                 `json:"estimatedDowntime,omitempty"`
	RequiresApproval  bool                   `json:"requiresApproval"`
	Command           string                 `json:"command"`
	Parameters        map[string]interface{} `json:"parameters,omitempty"`
	SafetyChecks      []string               `json:"safetyChecks,omitempty"`
	MaxExecutionTime  int                    `json:"maxExecutionTime,omitempty"` // seconds
	RequiresElevation bool                   `json:"requiresElevation,omitempty"`
	Status            ActionStatus           `json:"status"`
	Result            map[string]interface{} `json:"result,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
	ApprovedAt        *time.Time             `json:"approvedAt,omitempty"`
	ExecutedAt        *time.Time             `json:"executedAt,omitempty"`
	CompletedAt       *time.Time             `json:"completedAt,omitempty"`
}

// ApprovalWorkflow is the ordered chain of approval steps attached to exactly
// one remediation action.
type ApprovalWorkflow struct {
	ID          string         `json:"id"`
	ActionID    string         `json:"actionId"`
	Status      WorkflowStatus `json:"status"`
	CurrentStep int            `json:"currentStep"`
	CreatedAt   time.Time      `json:"createdAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// WorkflowStep is a single approval checkpoint within a workflow. Steps are
// immutable once they leave the pending status.
type WorkflowStep struct {
	ID           string     `json:"id"`
	WorkflowID   string     `json:"workflowId"`
	StepNumber   int        `json:"stepNumber"`
	ApproverRole string     `json:"approverRole"`
	Status       StepStatus `json:"status"`
	ApprovedBy   string     `json:"approvedBy,omitempty"`
	Comments     string     `json:"comments,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// ApprovalHistory is an append-only log entry recording a decision taken on a
// workflow step. History entries are never mutated or deleted.
type ApprovalHistory struct {
	ID         string                 `json:"id"`
	WorkflowID string                 `json:"workflowId"`
	StepID     string                 `json:"stepId,omitempty"`
	Action     string                 `json:"action"`
	ActorID    string                 `json:"actorId"`
	Comments   string                 `json:"comments,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// ConnectionType identifies how commands reach a server.
type ConnectionType string

const (
	ConnectionTypeLocal ConnectionType = "local"
	ConnectionTypeSSH   ConnectionType = "ssh"
)

// Valid reports whether the connection type is supported
func (t ConnectionType) Valid() bool {
	switch t {
	case ConnectionTypeLocal, ConnectionTypeSSH:
		return true
	}
	return false
}

// ConnectionConfig carries the transport settings for reaching a server.
type ConnectionConfig struct {
	Host           string `json:"host,omitempty" yaml:"host,omitempty"`
	Port           int    `json:"port,omitempty" yaml:"port,omitempty"`
	User           string `json:"user,omitempty" yaml:"user,omitempty"`
	Password       string `json:"password,omitempty" yaml:"password,omitempty"`
	PrivateKey     string `json:"privateKey,omitempty" yaml:"private_key,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// ServerConnection is a registered, typed handle describing how to reach and
// execute on a given server. Registration is an idempotent upsert keyed by
// ServerID.
type ServerConnection struct {
	ServerID  string           `json:"serverId"`
	Type      ConnectionType   `json:"connectionType"`
	Config    ConnectionConfig `json:"connectionConfig"`
	CreatedAt time.Time        `json:"createdAt,omitempty"`
}

// CommandExecutionResult is produced exactly once per execution attempt and
// never mutated. ExecutionTime is in milliseconds.
type CommandExecutionResult struct {
	Success       bool      `json:"success"`
	Output        string    `json:"output"`
	ErrorOutput   string    `json:"errorOutput"`
	ExitCode      int       `json:"exitCode"`
	ExecutionTime int64     `json:"executionTime"`
	Timestamp     time.Time `json:"timestamp"`
}
