package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/replicator/internal/client"
	"github.com/devrev/pairdb/replicator/internal/config"
	"github.com/devrev/pairdb/replicator/internal/database"
	"github.com/devrev/pairdb/replicator/internal/metrics"
	"github.com/devrev/pairdb/replicator/internal/model"
	"github.com/devrev/pairdb/replicator/internal/replication"
	"github.com/devrev/pairdb/replicator/internal/topology"
	"github.com/devrev/pairdb/replicator/internal/util/backoff"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Node hosts the configured databases of one replicator process.
type Node struct {
	cfg       *config.Config
	databases map[string]*database.Database
	names     []string
	routers   []*client.Router
	gossip    *topology.GossipSource
	logger    *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode builds every configured database with its topology cache.
// Nothing replicates until Open.
func NewNode(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*Node, error) {
	n := &Node{
		cfg:       cfg,
		databases: make(map[string]*database.Database, len(cfg.Databases)),
		logger:    logger,
	}

	local := topology.NewLocalCache(cfg.Topology.CacheDir, logger)
	transport := replication.NewHTTPTransport(cfg.Replication.RequestTimeout)
	channel := replication.ChannelConfig{
		SourceURL:      cfg.AdvertisedURL(),
		BatchSize:      cfg.Replication.BatchSize,
		PollInterval:   cfg.Replication.PollInterval,
		RequestTimeout: cfg.Replication.RequestTimeout,
		Backoff: backoff.Policy{
			Initial:    cfg.Replication.InitialBackoff,
			Max:        cfg.Replication.MaxBackoff,
			Multiplier: cfg.Replication.BackoffMultiplier,
			Jitter:     0.2,
		},
	}

	caches := make(map[string]*topology.Cache, len(cfg.Databases))
	for _, dbCfg := range cfg.Databases {
		dbLogger := logger.With(zap.String("db", dbCfg.Name))
		cache := topology.NewCache(dbCfg.Name, local, m, dbLogger)
		if cache.Warm() {
			dbLogger.Info("Topology restored from cache", zap.Int64("etag", cache.Etag()))
		}
		caches[dbCfg.Name] = cache

		dests := make([]replication.Destination, 0, len(dbCfg.Destinations))
		for _, d := range dbCfg.Destinations {
			name := d.Database
			if name == "" {
				name = dbCfg.Name
			}
			dests = append(dests, replication.Destination{URL: d.URL, Database: name})
		}

		db := database.New(database.Options{
			Name:             dbCfg.Name,
			DbID:             cfg.DatabaseID(dbCfg),
			Channel:          channel,
			Destinations:     dests,
			Transport:        transport,
			ResolverWorkers:  cfg.Resolver.Workers,
			ResolverQueue:    cfg.Resolver.QueueSize,
			ScriptTimeout:    cfg.Resolver.ScriptTimeout,
			MaxRetries:       cfg.Resolver.MaxRetries,
			SweepInterval:    cfg.Resolver.SweepInterval,
			RejectionHistory: cfg.Replication.RejectionHistory,
			Topology:         cache,
			Metrics:          m,
			Logger:           logger,
		})

		if dbCfg.ConflictSolverFile != "" {
			solver, err := config.LoadConflictSolver(dbCfg.ConflictSolverFile)
			if err != nil {
				return nil, fmt.Errorf("database %s: %w", dbCfg.Name, err)
			}
			if err := db.SetConflictSolver(solver); err != nil {
				return nil, fmt.Errorf("database %s: failed to install conflict solver: %w", dbCfg.Name, err)
			}
		}

		if !cfg.Gossip.Enabled {
			cache.Publish(staticTopology(cfg, dbCfg.Name, dests))
		}

		if len(cfg.Topology.SeedURLs) > 0 && cfg.Topology.RefreshInterval > 0 {
			n.routers = append(n.routers, client.NewRouter(client.Config{
				Database: dbCfg.Name,
				SeedURLs: cfg.Topology.SeedURLs,
				Timeout:  cfg.Replication.RequestTimeout,
			}, cache, m, logger))
		}

		n.databases[dbCfg.Name] = db
		n.names = append(n.names, dbCfg.Name)
	}
	sort.Strings(n.names)

	if cfg.Gossip.Enabled {
		n.gossip = topology.NewGossipSource(topology.GossipConfig{
			NodeID:         cfg.Server.NodeID,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, topology.MemberMeta{
			URL:        cfg.AdvertisedURL(),
			ClusterTag: cfg.Topology.ClusterTag,
			Databases:  n.names,
		}, caches, logger)
	}

	return n, nil
}

// staticTopology lists this node followed by the configured destinations of database
func staticTopology(cfg *config.Config, database string, dests []replication.Destination) []model.ServerNode {
	nodes := []model.ServerNode{{
		URL:        cfg.AdvertisedURL(),
		Database:   database,
		ClusterTag: cfg.Topology.ClusterTag,
		ServerRole: model.ServerRoleMember,
	}}
	for _, d := range dests {
		nodes = append(nodes, model.ServerNode{
			URL:        d.URL,
			Database:   d.Database,
			ServerRole: model.ServerRoleMember,
		})
	}
	return nodes
}

// Database returns the hosted database called name
func (n *Node) Database(name string) (*database.Database, bool) {
	db, ok := n.databases[name]
	return db, ok
}

// Databases returns the hosted databases ordered by name
func (n *Node) Databases() []*database.Database {
	out := make([]*database.Database, 0, len(n.names))
	for _, name := range n.names {
		out = append(out, n.databases[name])
	}
	return out
}

// Open starts outgoing replication of every database and joins the gossip cluster
func (n *Node) Open(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, db := range n.databases {
		db := db
		g.Go(func() error {
			return db.Start(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to start databases: %w", err)
	}

	if n.gossip != nil {
		if err := n.gossip.Start(); err != nil {
			return err
		}
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	for _, router := range n.routers {
		n.wg.Add(1)
		go func(router *client.Router) {
			defer n.wg.Done()
			router.RefreshTopology(refreshCtx, n.cfg.Topology.RefreshInterval)
		}(router)
	}

	n.logger.Info("Node opened",
		zap.String("node_id", n.cfg.Server.NodeID),
		zap.Strings("databases", n.names))
	return nil
}

// Close leaves the cluster and stops every database
func (n *Node) Close(timeout time.Duration) {
	if n.cancel != nil {
		n.cancel()
		n.wg.Wait()
	}
	if n.gossip != nil {
		if err := n.gossip.Shutdown(); err != nil {
			n.logger.Warn("Gossip shutdown failed", zap.Error(err))
		}
	}
	for _, db := range n.databases {
		db.Stop(timeout)
	}
}
