package client

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/devrev/pairdb/replicator/internal/handler"
	"github.com/devrev/pairdb/replicator/internal/model"
	"go.uber.org/zap"
)

// GetConflicts lists pending conflict versions, for docID only when it is set
func (r *Router) GetConflicts(ctx context.Context, docID string) ([]handler.ConflictResult, error) {
	query := url.Values{}
	if docID != "" {
		query.Set("docId", docID)
	}
	var out handler.Results[handler.ConflictResult]
	err := r.Execute(ctx, func(ctx context.Context, node model.ServerNode) error {
		return r.request(ctx, node, http.MethodGet, "/replication/conflicts", query, nil, &out)
	})
	return out.Results, err
}

// GetTombstones lists deleted documents
func (r *Router) GetTombstones(ctx context.Context) ([]handler.TombstoneResult, error) {
	var out handler.Results[handler.TombstoneResult]
	err := r.Execute(ctx, func(ctx context.Context, node model.ServerNode) error {
		return r.request(ctx, node, http.MethodGet, "/replication/tombstones", nil, nil, &out)
	})
	return out.Results, err
}

// GetIncomingRejectionInfo lists why incoming replication was refused, per source
func (r *Router) GetIncomingRejectionInfo(ctx context.Context) ([]model.RejectionInfo, error) {
	var out []model.RejectionInfo
	err := r.Execute(ctx, func(ctx context.Context, node model.ServerNode) error {
		return r.request(ctx, node, http.MethodGet, "/replication/debug/incoming-rejection-info", nil, nil, &out)
	})
	return out, err
}

// GetTopology fetches the topology of the database
func (r *Router) GetTopology(ctx context.Context) (*model.Topology, error) {
	var out model.Topology
	err := r.Execute(ctx, func(ctx context.Context, node model.ServerNode) error {
		return r.request(ctx, node, http.MethodGet, "/topology/full", nil, nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PutConflictSolver installs cfg on the database and returns the stored configuration
func (r *Router) PutConflictSolver(ctx context.Context, cfg *model.ConflictSolverConfig) (*model.ConflictSolverConfig, error) {
	var out model.ConflictSolverConfig
	err := r.Execute(ctx, func(ctx context.Context, node model.ServerNode) error {
		return r.request(ctx, node, http.MethodPut, "/admin/replication/conflicts/solver", nil, cfg, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateTopology fetches the topology and installs it when its etag is newer.
// An empty topology is never installed.
func (r *Router) UpdateTopology(ctx context.Context) (bool, error) {
	t, err := r.GetTopology(ctx)
	if err != nil {
		return false, err
	}
	if len(t.Nodes) == 0 {
		return false, nil
	}
	return r.cache.Update(t), nil
}

// RefreshTopology calls UpdateTopology every interval until ctx is done
func (r *Router) RefreshTopology(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.UpdateTopology(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("Topology refresh failed", zap.Error(err))
			}
		}
	}
}
