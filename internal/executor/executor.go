// SPDX-License-Identifier: Apache-2.0

// Package executor safely runs administrative commands against registered
// targets. A request flows through resolution, parameter validation,
// template rendering, and safety checks before anything is dispatched; the
// dispatch itself is bounded by a hard deadline and performed at most once
// per request id.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetmend/fleetmend/internal/core/config"
	"github.com/fleetmend/fleetmend/internal/core/errs"
	"github.com/fleetmend/fleetmend/internal/core/models"
	"github.com/fleetmend/fleetmend/internal/core/schema"
	"github.com/fleetmend/fleetmend/internal/core/template"
	"github.com/fleetmend/fleetmend/internal/registry"
	"github.com/fleetmend/fleetmend/internal/safety"
)

// Request describes one command execution. ID is caller-supplied and used
// for idempotency: the executor dispatches at most once per id and performs
// no automatic retry, so a retry requires a fresh id.
type Request struct {
	ID                string                 `json:"id"`
	ServerID          string                 `json:"serverId"`
	ActionType        string                 `json:"actionType"`
	Command           string                 `json:"command"`
	Parameters        map[string]interface{} `json:"parameters,omitempty"`
	SafetyChecks      []string               `json:"safetyChecks,omitempty"`
	MaxExecutionTime  int                    `json:"maxExecutionTime,omitempty"` // seconds
	RequiresElevation bool                   `json:"requiresElevation,omitempty"`
}

// Options holds executor behavior settings.
type Options struct {
	// DefaultMaxExecutionTime in seconds, applied when a request has none
	DefaultMaxExecutionTime int

	// ElevationPrefix is prepended to the rendered command when the request
	// requires elevation
	ElevationPrefix string

	// ActionTypes maps known action types to parameter schemas and defaults
	ActionTypes map[string]config.ActionTypeDef
}

// Executor resolves connections and dispatches commands through per-type
// runners.
type Executor struct {
	registry *registry.Registry
	checker  *safety.Checker
	runners  map[models.ConnectionType]Runner
	options  Options
	logger   *slog.Logger

	mu          sync.Mutex
	dispatched  map[string]bool
	serverLocks map[string]*sync.Mutex
}

// New creates an executor with the default local and ssh runners
func New(reg *registry.Registry, checker *safety.Checker, options Options, logger *slog.Logger) *Executor {
	if options.DefaultMaxExecutionTime <= 0 {
		options.DefaultMaxExecutionTime = config.DefaultMaxExecutionTime
	}
	if options.ElevationPrefix == "" {
		options.ElevationPrefix = config.DefaultElevationPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		registry: reg,
		checker:  checker,
		runners: map[models.ConnectionType]Runner{
			models.ConnectionTypeLocal: NewLocalRunner(),
			models.ConnectionTypeSSH:   NewSSHRunner(),
		},
		options:     options,
		logger:      logger.With("component", "executor"),
		dispatched:  make(map[string]bool),
		serverLocks: make(map[string]*sync.Mutex),
	}
}

// WithRunner replaces the runner for a connection type, primarily for tests
func (e *Executor) WithRunner(connType models.ConnectionType, runner Runner) *Executor {
	e.runners[connType] = runner
	return e
}

// Execute runs the request through the full pipeline. For execution-domain
// failures (missing parameter, failed safety check, timeout, non-zero exit,
// transport failure) the returned result is always non-nil so callers can
// report stdout/stderr/exit code fields even when the command never ran.
func (e *Executor) Execute(ctx context.Context, req Request) (*models.CommandExecutionResult, error) {
	if req.ID == "" {
		return nil, errs.NewValidation("request id is required")
	}
	if req.ServerID == "" {
		return nil, errs.NewValidation("server id is required")
	}
	if req.Command == "" {
		return nil, errs.NewValidation("command is required")
	}

	// 1. Resolve the connection. No command runs for an unknown server.
	conn, err := e.registry.Resolve(req.ServerID)
	if err != nil {
		return nil, err
	}

	// 2. Validate parameters against the action type's schema, if one is
	// configured, with defaults merged in first.
	params := req.Parameters
	if def, found := e.options.ActionTypes[req.ActionType]; found {
		params = schema.MergeWithDefaults(params, def.Defaults)
		if def.Schema != nil {
			if err := schema.ValidateParams(def.Schema, params); err != nil {
				return nil, err
			}
		}
	}

	// 3. Render the template. A placeholder with no matching parameter fails
	// before any process is spawned.
	tmpl, err := template.Parse(req.Command)
	if err != nil {
		return nil, err
	}
	rendered, err := tmpl.Render(params)
	if err != nil {
		return neverDispatchedResult(), err
	}

	// 4. Evaluate safety checks against the rendered command. A failing
	// check aborts with zero side effects.
	checkInput := safety.Input{
		Command:    rendered,
		ActionType: req.ActionType,
		Params:     params,
		Connection: conn,
	}
	if err := e.checker.Evaluate(req.SafetyChecks, checkInput); err != nil {
		e.logger.Warn("safety check rejected command",
			"requestId", req.ID, "serverId", req.ServerID, "error", err)
		return neverDispatchedResult(), err
	}

	// 5. Elevation wrapping per connection-type convention.
	if req.RequiresElevation {
		rendered = e.options.ElevationPrefix + " " + rendered
	}

	runner, found := e.runners[conn.Type]
	if !found {
		return nil, errs.NewValidation("no runner for connection type %s", conn.Type)
	}

	// Claim the request id before dispatch; a duplicate id never dispatches.
	serverLock, err := e.claim(req.ID, req.ServerID)
	if err != nil {
		return nil, err
	}

	// One command at a time per server.
	serverLock.Lock()
	defer serverLock.Unlock()

	timeoutSeconds := req.MaxExecutionTime
	if timeoutSeconds <= 0 {
		timeoutSeconds = e.options.DefaultMaxExecutionTime
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	e.logger.Info("dispatching command",
		"requestId", req.ID, "serverId", req.ServerID, "connectionType", conn.Type)

	start := time.Now()
	out, runErr := runner.Run(runCtx, conn, rendered)
	elapsed := time.Since(start)

	result := &models.CommandExecutionResult{
		ExecutionTime: elapsed.Milliseconds(),
		Timestamp:     start.UTC(),
	}
	if out != nil {
		result.Output = out.Stdout
		result.ErrorOutput = out.Stderr
		result.ExitCode = out.ExitCode
	}

	switch {
	case errors.Is(runErr, context.DeadlineExceeded):
		e.logger.Warn("command exceeded deadline",
			"requestId", req.ID, "serverId", req.ServerID, "timeoutSeconds", timeoutSeconds)
		return result, fmt.Errorf("command exceeded %ds deadline: %w", timeoutSeconds, errs.ErrExecutionTimeout)

	case runErr != nil:
		return result, &errs.TransportError{Op: "dispatch", Err: runErr}

	case out.ExitCode != 0:
		return result, &errs.NonZeroExitError{ExitCode: out.ExitCode}

	default:
		result.Success = true
		return result, nil
	}
}

// TestConnection runs a no-op diagnostic command against the server's
// registered connection.
func (e *Executor) TestConnection(ctx context.Context, serverID string) (*models.CommandExecutionResult, error) {
	return e.Execute(ctx, Request{
		ID:               uuid.NewString(),
		ServerID:         serverID,
		ActionType:       "connection_test",
		Command:          "echo fleetmend connection test",
		MaxExecutionTime: 10,
	})
}

// claim marks the request id as dispatched and returns the per-server lock.
// A second claim for the same id fails with a concurrency conflict.
//
// Claimed ids are kept for the life of the process: evicting one would let a
// late retry with the same id dispatch a second time. Memory grows with the
// number of distinct requests served, and a restart resets the guarantee to
// what the store's status CAS enforces.
func (e *Executor) claim(requestID, serverID string) (*sync.Mutex, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dispatched[requestID] {
		return nil, fmt.Errorf("request %q was already dispatched: %w", requestID, errs.ErrConcurrencyConflict)
	}
	e.dispatched[requestID] = true

	lock, found := e.serverLocks[serverID]
	if !found {
		lock = &sync.Mutex{}
		e.serverLocks[serverID] = lock
	}

	return lock, nil
}

// neverDispatchedResult is the result shape for execution-domain failures
// where no process was spawned: no stdout, no exit code.
func neverDispatchedResult() *models.CommandExecutionResult {
	return &models.CommandExecutionResult{
		Success:   false,
		Timestamp: time.Now().UTC(),
	}
}
