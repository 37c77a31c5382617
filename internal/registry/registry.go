// SPDX-License-Identifier: Apache-2.0

// Package registry maps server identifiers to registered execution targets.
// The registry is shared mutable state resolved concurrently by command
// requests, so every operation is guarded by an internal mutex. It is an
// explicitly owned object injected into its consumers rather than a
// module-level singleton, so tests can construct isolated registries.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fleetmend/fleetmend/internal/core/errs"
	"github.com/fleetmend/fleetmend/internal/core/models"
)

// Registry holds registered server connections keyed by server identifier.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]models.ServerConnection
}

// New creates an empty connection registry
func New() *Registry {
	return &Registry{
		connections: make(map[string]models.ServerConnection),
	}
}

// Register stores a connection, overwriting any existing registration for
// the same server identifier. Registration has no side effects beyond
// storing the configuration.
func (r *Registry) Register(conn models.ServerConnection) error {
	if conn.ServerID == "" {
		return errs.NewValidation("server id is required")
	}
	if !conn.Type.Valid() {
		return errs.NewValidation("unknown connection type: %s", conn.Type)
	}
	if conn.Type == models.ConnectionTypeSSH && conn.Config.Host == "" {
		return errs.NewValidation("ssh connections require a host")
	}

	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[conn.ServerID] = conn

	return nil
}

// Resolve returns the connection registered for serverID
func (r *Registry) Resolve(serverID string) (models.ServerConnection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, found := r.connections[serverID]
	if !found {
		return models.ServerConnection{}, fmt.Errorf("no connection registered for server %q: %w", serverID, errs.ErrConnectionNotFound)
	}

	return conn, nil
}

// Remove deletes the registration for serverID
func (r *Registry) Remove(serverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, found := r.connections[serverID]; !found {
		return fmt.Errorf("no connection registered for server %q: %w", serverID, errs.ErrConnectionNotFound)
	}

	delete(r.connections, serverID)
	return nil
}

// List returns a snapshot of all registered connections sorted by server id
func (r *Registry) List() []models.ServerConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]models.ServerConnection, 0, len(r.connections))
	for _, conn := range r.connections {
		result = append(result, conn)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ServerID < result[j].ServerID
	})

	return result
}
