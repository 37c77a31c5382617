// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/fleetmend/fleetmend/internal/core/errs"
	"github.com/fleetmend/fleetmend/internal/core/models"
	"github.com/fleetmend/fleetmend/internal/executor"
)

// executionEnvelope is the response body for command execution endpoints.
// The shape is identical for success and failure so dashboards can always
// render output and exit code.
type executionEnvelope struct {
	Success       bool   `json:"success"`
	Output        string `json:"output"`
	ErrorOutput   string `json:"errorOutput"`
	ExitCode      int    `json:"exitCode"`
	ExecutionTime int64  `json:"executionTime"`
	Error         string `json:"error,omitempty"`
}

func envelopeFrom(result *models.CommandExecutionResult, err error) executionEnvelope {
	env := executionEnvelope{}
	if result != nil {
		env.Success = result.Success
		env.Output = result.Output
		env.ErrorOutput = result.ErrorOutput
		env.ExitCode = result.ExitCode
		env.ExecutionTime = result.ExecutionTime
	}
	if err != nil {
		env.Success = false
		env.Error = err.Error()
	}
	return env
}

// decisionRequest is the body for approve and reject endpoints.
type decisionRequest struct {
	ApproverID string `json:"approverId"`
	Comments   string `json:"comments,omitempty"`
}

func (s *Server) handleRegisterConnection(w http.ResponseWriter, r *http.Request) {
	var conn models.ServerConnection
	if err := s.decodeJSON(r, &conn); err != nil {
		s.respondError(w, err)
		return
	}

	if err := s.registry.Register(conn); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.store.SaveConnection(r.Context(), conn); err != nil {
		s.respondError(w, err)
		return
	}

	// The connection config carries credentials; acknowledge the
	// registration without echoing it back.
	s.respondJSON(w, http.StatusCreated, map[string]string{
		"serverId": conn.ServerID,
		"status":   "registered",
	})
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleRemoveConnection(w http.ResponseWriter, r *http.Request) {
	serverID := mux.Vars(r)["serverId"]

	if err := s.registry.Remove(serverID); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.store.DeleteConnection(r.Context(), serverID); err != nil && !errs.IsNotFound(err) {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	serverID := mux.Vars(r)["serverId"]

	result, err := s.commands.TestConnection(r.Context(), serverID)
	if err != nil && !errs.IsExecutionFailure(err) {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, envelopeFrom(result, err))
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executor.Request
	if err := s.decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if err := s.ensureConnection(r.Context(), req.ServerID); err != nil {
		s.respondError(w, err)
		return
	}

	result, err := s.commands.Execute(r.Context(), req)
	if err != nil && !errs.IsExecutionFailure(err) {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, envelopeFrom(result, err))
}

func (s *Server) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	var action models.RemediationAction
	if err := s.decodeJSON(r, &action); err != nil {
		s.respondError(w, err)
		return
	}

	if action.ServerID != "" {
		if err := s.ensureConnection(r.Context(), action.ServerID); err != nil {
			s.respondError(w, err)
			return
		}
	}

	submitted, err := s.coordinator.Submit(r.Context(), &action)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, submitted)
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	actionID := mux.Vars(r)["id"]

	action, err := s.coordinator.Get(r.Context(), actionID)
	if err != nil {
		s.respondError(w, err)
		return
	}

	response := map[string]interface{}{"action": action}
	if detail, err := s.coordinator.WorkflowForAction(r.Context(), actionID); err == nil {
		response["workflow"] = detail
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleApproveAction(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, s.coordinator.Approve)
}

func (s *Server) handleRejectAction(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, s.coordinator.Reject)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request,
	decide func(ctx context.Context, actionID, approverID, comments string) (*models.RemediationAction, error)) {
	actionID := mux.Vars(r)["id"]

	var req decisionRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}

	action, err := decide(r.Context(), actionID, req.ApproverID, req.Comments)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, action)
}

func (s *Server) handlePendingWorkflows(w http.ResponseWriter, r *http.Request) {
	pending, err := s.coordinator.ListPendingApprovals(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, pending)
}

// ensureConnection auto-registers a local connection for an unknown server
// when implicit local execution is enabled. Otherwise the unknown server is
// left for the executor to reject.
func (s *Server) ensureConnection(ctx context.Context, serverID string) error {
	if serverID == "" || !s.execCfg.AllowImplicitLocal {
		return nil
	}
	if _, err := s.registry.Resolve(serverID); err == nil {
		return nil
	}

	conn := models.ServerConnection{
		ServerID: serverID,
		Type:     models.ConnectionTypeLocal,
	}
	if err := s.registry.Register(conn); err != nil {
		return err
	}
	if err := s.store.SaveConnection(ctx, conn); err != nil {
		return err
	}

	s.logger.Info("implicitly registered local connection", "serverId", serverID)
	return nil
}
