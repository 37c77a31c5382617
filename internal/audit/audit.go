// SPDX-License-Identifier: Apache-2.0

// Package audit records state transitions for later review. Recording is
// fire-and-forget from the coordinator's perspective: a failed audit write
// must never block a state transition, but it is surfaced to observability.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Recorder accepts audit records.
type Recorder interface {
	Record(ctx context.Context, action, entityID, actorID string, details map[string]interface{})
}

// LogRecorder writes audit records as structured log entries.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder creates a recorder writing to the given logger
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger.With("component", "audit")}
}

// Record emits one audit entry
func (r *LogRecorder) Record(ctx context.Context, action, entityID, actorID string, details map[string]interface{}) {
	r.logger.InfoContext(ctx, "audit",
		"action", action,
		"entityId", entityID,
		"actorId", actorID,
		"timestamp", time.Now().UTC().Format(time.RFC3339Nano),
		"details", details,
	)
}

var _ Recorder = (*LogRecorder)(nil)
