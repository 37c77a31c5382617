// SPDX-License-Identifier: Apache-2.0

// Package api exposes the remediation service over HTTP. Request-shape
// problems map to 4xx responses; execution-domain failures are successful
// HTTP exchanges whose envelope reports success=false.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fleetmend/fleetmend/internal/coordinator"
	"github.com/fleetmend/fleetmend/internal/core/config"
	"github.com/fleetmend/fleetmend/internal/core/errs"
	"github.com/fleetmend/fleetmend/internal/core/models"
	"github.com/fleetmend/fleetmend/internal/executor"
	"github.com/fleetmend/fleetmend/internal/registry"
	"github.com/fleetmend/fleetmend/internal/store"
)

// CommandService is the slice of the executor the API needs.
type CommandService interface {
	Execute(ctx context.Context, req executor.Request) (*models.CommandExecutionResult, error)
	TestConnection(ctx context.Context, serverID string) (*models.CommandExecutionResult, error)
}

// Server wires the HTTP routes to the remediation components.
type Server struct {
	registry    *registry.Registry
	store       store.Store
	commands    CommandService
	coordinator *coordinator.Coordinator
	execCfg     config.ExecutionConfig
	logger      *slog.Logger
	router      *mux.Router
}

// NewServer creates the HTTP server and registers all routes
func NewServer(reg *registry.Registry, s store.Store, commands CommandService,
	coord *coordinator.Coordinator, execCfg config.ExecutionConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	srv := &Server{
		registry:    reg,
		store:       s,
		commands:    commands,
		coordinator: coord,
		execCfg:     execCfg,
		logger:      logger.With("component", "api"),
		router:      mux.NewRouter(),
	}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.router.Use(s.logRequests)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/connections", s.handleRegisterConnection).Methods(http.MethodPost)
	api.HandleFunc("/connections", s.handleListConnections).Methods(http.MethodGet)
	api.HandleFunc("/connections/{serverId}", s.handleRemoveConnection).Methods(http.MethodDelete)
	api.HandleFunc("/connections/{serverId}/test", s.handleTestConnection).Methods(http.MethodPost)

	api.HandleFunc("/execute", s.handleExecute).Methods(http.MethodPost)

	api.HandleFunc("/remediation-actions", s.handleSubmitAction).Methods(http.MethodPost)
	api.HandleFunc("/remediation-actions/{id}", s.handleGetAction).Methods(http.MethodGet)
	api.HandleFunc("/remediation-actions/{id}/approve", s.handleApproveAction).Methods(http.MethodPost)
	api.HandleFunc("/remediation-actions/{id}/reject", s.handleRejectAction).Methods(http.MethodPost)

	api.HandleFunc("/workflows/pending", s.handlePendingWorkflows).Methods(http.MethodGet)
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start).String())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondJSON writes v as the JSON response body
func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// respondError maps an error to an HTTP status: request-shape problems are
// 400, unknown entities 404, lost races 409, anything else 500.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errs.IsValidation(err):
		status = http.StatusBadRequest
	case errs.IsNotFound(err):
		status = http.StatusNotFound
	case errs.IsConcurrencyConflict(err):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.NewValidation("invalid request body: %v", err)
	}
	return nil
}
