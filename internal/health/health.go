// Package health provides health check endpoints for a replicator node.
package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/devrev/pairdb/replicator/internal/database"
	"github.com/devrev/pairdb/replicator/internal/model"
	"go.uber.org/zap"
)

// DatabaseLister returns the hosted databases.
type DatabaseLister interface {
	Databases() []*database.Database
}

// HealthCheck manages health check functionality.
type HealthCheck struct {
	databases DatabaseLister
	logger    *zap.Logger
	mu        sync.RWMutex
	ready     bool
}

// NewHealthCheck creates a new HealthCheck instance.
func NewHealthCheck(databases DatabaseLister, logger *zap.Logger) *HealthCheck {
	return &HealthCheck{
		databases: databases,
		logger:    logger,
	}
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LivenessHandler handles GET /health requests.
// Returns 200 OK if the process is running.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "healthy"})
}

// ReadinessHandler handles GET /ready requests.
// Returns 200 OK once every database has started. Each check summarises
// pending conflicts and faulted outgoing channels of one database.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	for _, db := range hc.databases.Databases() {
		faulted := 0
		for _, stats := range db.Replication().Stats() {
			if stats.State == model.ChannelStateFaulted {
				faulted++
			}
		}
		checks[db.Name()] = fmt.Sprintf("conflicts=%d faulted_channels=%d", db.Conflicts().Count(), faulted)
	}

	if !hc.IsReady() {
		writeJSON(w, http.StatusServiceUnavailable, ReadinessResponse{Status: "not_ready", Checks: checks})
		return
	}
	writeJSON(w, http.StatusOK, ReadinessResponse{Status: "ready", Checks: checks})
}

// IsReady returns the current readiness status.
func (hc *HealthCheck) IsReady() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.ready
}

// SetReady sets the readiness status.
func (hc *HealthCheck) SetReady(ready bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if hc.ready != ready {
		hc.logger.Info("Readiness changed", zap.Bool("ready", ready))
	}
	hc.ready = ready
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
