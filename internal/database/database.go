// Package database assembles the stores, services and replication of one hosted database.
package database

import (
	"context"
	"encoding/json"
	"time"

	apperrors "github.com/devrev/pairdb/replicator/internal/errors"
	"github.com/devrev/pairdb/replicator/internal/metrics"
	"github.com/devrev/pairdb/replicator/internal/model"
	"github.com/devrev/pairdb/replicator/internal/replication"
	"github.com/devrev/pairdb/replicator/internal/resolver"
	"github.com/devrev/pairdb/replicator/internal/service"
	"github.com/devrev/pairdb/replicator/internal/store"
	"github.com/devrev/pairdb/replicator/internal/topology"
	"github.com/devrev/pairdb/replicator/internal/util/keylock"
	"github.com/devrev/pairdb/replicator/internal/util/workerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options configures a Database
type Options struct {
	Name             string
	DbID             uuid.UUID
	Channel          replication.ChannelConfig
	Destinations     []replication.Destination
	Transport        replication.Transport
	ResolverWorkers  int
	ResolverQueue    int
	ScriptTimeout    time.Duration
	MaxRetries       int
	SweepInterval    time.Duration
	RejectionHistory int
	Topology         *topology.Cache
	Metrics          *metrics.Metrics
	Logger           *zap.Logger
}

// Database is one replicated database instance hosted by this node
type Database struct {
	name        string
	docs        *store.DocumentStore
	conflicts   *store.ConflictStore
	locks       *keylock.KeyedMutex
	pool        *workerpool.WorkerPool
	resolution  *service.ConflictService
	replication *service.ReplicationService
	manager     *replication.Manager
	topology    *topology.Cache
	dests       []replication.Destination
	sweep       time.Duration
	logger      *zap.Logger
}

// New wires a database. Outgoing replication starts with Start.
func New(opts Options) *Database {
	logger := opts.Logger.With(zap.String("db", opts.Name))
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNopMetrics()
	}
	if opts.Topology == nil {
		opts.Topology = topology.NewCache(opts.Name, nil, opts.Metrics, logger)
	}
	if opts.Transport == nil {
		opts.Transport = replication.NewHTTPTransport(opts.Channel.RequestTimeout)
	}
	opts.Channel.Database = opts.Name

	docs := store.NewDocumentStore(opts.DbID, logger)
	conflicts := store.NewConflictStore(docs, logger)
	locks := keylock.New()
	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "resolver-" + opts.Name,
		MaxWorkers: opts.ResolverWorkers,
		QueueSize:  opts.ResolverQueue,
		Logger:     logger,
	})

	res := resolver.NewResolver(resolver.NewGojaEvaluator(opts.ScriptTimeout))
	resolution := service.NewConflictService(service.ConflictServiceConfig{
		Database:    opts.Name,
		MaxRetries:  opts.MaxRetries,
		Parallelism: opts.ResolverWorkers,
	}, docs, conflicts, locks, res, pool, opts.Metrics, logger)

	incoming := service.NewReplicationService(opts.Name, docs, conflicts, locks, resolution, opts.RejectionHistory, opts.Metrics, logger)
	manager := replication.NewManager(opts.Channel, docs, opts.Transport, opts.Metrics, logger)
	docs.SetChangeNotifier(manager.Notify)

	return &Database{
		name:        opts.Name,
		docs:        docs,
		conflicts:   conflicts,
		locks:       locks,
		pool:        pool,
		resolution:  resolution,
		replication: incoming,
		manager:     manager,
		topology:    opts.Topology,
		dests:       opts.Destinations,
		sweep:       opts.SweepInterval,
		logger:      logger,
	}
}

// Start opens the outgoing replication channels and the periodic resolution sweep
func (d *Database) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.manager.SetDestinations(d.dests)
	d.resolution.StartSweep(d.sweep)
	d.logger.Info("Database started",
		zap.String("db_id", d.docs.DbID().String()),
		zap.Int("destinations", len(d.dests)))
	return nil
}

// Stop closes replication channels and background resolution
func (d *Database) Stop(timeout time.Duration) {
	d.manager.Stop()
	d.resolution.Stop()
	if err := d.pool.Stop(timeout); err != nil {
		d.logger.Warn("Resolver pool did not stop cleanly", zap.Error(err))
	}
}

// Name returns the database name
func (d *Database) Name() string { return d.name }

// DbID returns the identity used in change vectors
func (d *Database) DbID() uuid.UUID { return d.docs.DbID() }

// Documents returns the document store
func (d *Database) Documents() *store.DocumentStore { return d.docs }

// Conflicts returns the conflict store
func (d *Database) Conflicts() *store.ConflictStore { return d.conflicts }

// Resolution returns the conflict service
func (d *Database) Resolution() *service.ConflictService { return d.resolution }

// Incoming returns the incoming replication service
func (d *Database) Incoming() *service.ReplicationService { return d.replication }

// Replication returns the outgoing replication manager
func (d *Database) Replication() *replication.Manager { return d.manager }

// Topology returns the topology cache of the database
func (d *Database) Topology() *topology.Cache { return d.topology }

// Get returns the live document id.
// Fails with ConflictPending while concurrent versions await resolution.
func (d *Database) Get(id string) (*model.Document, error) {
	if versions := d.conflicts.ListConflicts(id); len(versions) > 0 {
		return nil, apperrors.ConflictPending(id, len(versions))
	}
	doc, ok := d.docs.Get(id)
	if !ok {
		return nil, apperrors.DocumentNotFound(id)
	}
	return doc, nil
}

// Put writes a document. A write to a conflicted document supersedes every pending version.
func (d *Database) Put(id, collection string, data json.RawMessage) (*model.Document, error) {
	if id == "" {
		return nil, apperrors.InvalidArgument("document id is required", nil)
	}
	if !json.Valid(data) {
		return nil, apperrors.InvalidArgument("document body must be valid JSON", nil)
	}

	unlock := d.locks.Lock(id)
	defer unlock()

	if merged, pending := d.conflicts.MergedVector(id); pending {
		d.docs.CommitResolved(id, collection, data, false, merged)
		d.conflicts.Clear(id)
		d.logger.Info("Conflict superseded by local write", zap.String("doc_id", id))
		doc, _ := d.docs.Get(id)
		return doc, nil
	}
	return d.docs.Put(id, collection, data), nil
}

// Delete removes a document and leaves a tombstone
func (d *Database) Delete(id string) (*model.Tombstone, error) {
	unlock := d.locks.Lock(id)
	defer unlock()

	if merged, pending := d.conflicts.MergedVector(id); pending {
		snap, _ := d.conflicts.Snapshot(id)
		d.docs.CommitResolved(id, snap.Collection, nil, true, merged)
		d.conflicts.Clear(id)
		ts, _ := d.docs.GetTombstone(id)
		return ts, nil
	}

	ts, ok := d.docs.Delete(id)
	if !ok {
		return nil, apperrors.DocumentNotFound(id)
	}
	return ts, nil
}

// SetConflictSolver stores a copy of cfg as the replicated system document and installs it
func (d *Database) SetConflictSolver(cfg *model.ConflictSolverConfig) error {
	if cfg == nil {
		return apperrors.InvalidArgument("conflict solver configuration is required", nil)
	}
	stamped := *cfg
	if cfg.ResolveByCollection != nil {
		stamped.ResolveByCollection = make(map[string]model.ScriptResolver, len(cfg.ResolveByCollection))
	}

	now := time.Now().UTC()
	for collection, script := range cfg.ResolveByCollection {
		if script.Script == "" {
			return apperrors.InvalidArgument("empty resolution script for collection "+collection, nil)
		}
		if script.LastModified.IsZero() {
			script.LastModified = now
		}
		stamped.ResolveByCollection[collection] = script
	}

	data, err := json.Marshal(&stamped)
	if err != nil {
		return apperrors.InternalError("failed to encode conflict solver", err)
	}
	if _, err := d.Put(model.ConflictSolverDocumentID, model.SystemCollection, data); err != nil {
		return err
	}
	return d.resolution.ApplySolverDocument(data, false)
}

// ConflictSolver returns the installed configuration, or nil
func (d *Database) ConflictSolver() *model.ConflictSolverConfig {
	return d.resolution.Config()
}
