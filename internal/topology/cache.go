// Package topology keeps the versioned node list of each database and persists it locally.
package topology

import (
	"sync"
	"sync/atomic"

	"github.com/devrev/pairdb/replicator/internal/metrics"
	"github.com/devrev/pairdb/replicator/internal/model"
	"go.uber.org/zap"
)

// Cache holds the newest known topology of one database.
// Reads are lock free; updates only move the etag forward.
type Cache struct {
	database string
	current  atomic.Pointer[model.Topology]
	local    *LocalCache
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// serializes Publish so each one sees the previous etag
	publishMu sync.Mutex
}

// NewCache creates a cache for database. local may be nil for a memory-only cache.
func NewCache(database string, local *LocalCache, m *metrics.Metrics, logger *zap.Logger) *Cache {
	return &Cache{
		database: database,
		local:    local,
		metrics:  m,
		logger:   logger.With(zap.String("db", database)),
	}
}

// Database returns the database name
func (c *Cache) Database() string {
	return c.database
}

// Current returns a copy of the newest topology, or nil before the first update
func (c *Cache) Current() *model.Topology {
	return c.current.Load().Clone()
}

// Etag returns the etag of the current topology, or 0 when empty
func (c *Cache) Etag() int64 {
	if t := c.current.Load(); t != nil {
		return t.Etag
	}
	return 0
}

// Update installs t if its etag is greater than the current one.
// Accepted topologies are mirrored to the local cache.
func (c *Cache) Update(t *model.Topology) bool {
	if t == nil {
		return false
	}
	next := t.Clone()

	for {
		cur := c.current.Load()
		if cur != nil && next.Etag <= cur.Etag {
			c.record(false)
			c.logger.Debug("Ignoring stale topology",
				zap.Int64("etag", next.Etag),
				zap.Int64("current_etag", cur.Etag))
			return false
		}
		if c.current.CompareAndSwap(cur, next) {
			break
		}
	}

	c.record(true)
	c.logger.Info("Topology updated",
		zap.Int64("etag", next.Etag),
		zap.Int("nodes", len(next.Nodes)))

	if c.local != nil {
		if _, err := c.local.TrySave(c.database, next); err != nil {
			c.logger.Warn("Failed to persist topology", zap.Error(err))
		}
	}
	return true
}

// Publish installs nodes under the next etag unless they equal the current node list
func (c *Cache) Publish(nodes []model.ServerNode) bool {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	if current := c.current.Load(); current != nil && sameNodes(current.Nodes, nodes) {
		return false
	}
	return c.Update(&model.Topology{Nodes: nodes, Etag: c.Etag() + 1})
}

// Warm loads the persisted topology. Any cache error counts as a miss.
func (c *Cache) Warm() bool {
	if c.local == nil {
		return false
	}
	t, err := c.local.Load(c.database)
	if err != nil {
		if IsCacheMiss(err) {
			c.logger.Debug("No cached topology")
		} else {
			c.logger.Warn("Ignoring unusable topology cache", zap.Error(err))
		}
		return false
	}
	return c.Update(t)
}

func (c *Cache) record(accepted bool) {
	if c.metrics != nil {
		c.metrics.RecordTopologyUpdate(c.database, accepted)
	}
}
