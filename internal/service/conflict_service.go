// Package service holds the conflict resolution and incoming replication logic of a database.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/replicator/internal/algorithm"
	apperrors "github.com/devrev/pairdb/replicator/internal/errors"
	"github.com/devrev/pairdb/replicator/internal/metrics"
	"github.com/devrev/pairdb/replicator/internal/model"
	"github.com/devrev/pairdb/replicator/internal/resolver"
	"github.com/devrev/pairdb/replicator/internal/store"
	"github.com/devrev/pairdb/replicator/internal/util"
	"github.com/devrev/pairdb/replicator/internal/util/keylock"
	"github.com/devrev/pairdb/replicator/internal/util/workerpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Outcome is the result of one resolution attempt
type Outcome int

const (
	// OutcomeNoConflict means nothing was pending for the document
	OutcomeNoConflict Outcome = iota
	// OutcomePending means the conflict stays until a strategy or the resolver database acts
	OutcomePending
	// OutcomeResolved means a winner was committed and the conflict cleared
	OutcomeResolved
)

// String returns the outcome name
func (o Outcome) String() string {
	switch o {
	case OutcomeResolved:
		return "resolved"
	case OutcomePending:
		return "pending"
	default:
		return "no_conflict"
	}
}

// ConflictServiceConfig tunes a ConflictService
type ConflictServiceConfig struct {
	Database   string
	MaxRetries int
	// Parallelism bounds ResolveAll; defaults to the pool size
	Parallelism int
}

// ConflictService resolves pending conflicts of one database
type ConflictService struct {
	database    string
	docs        *store.DocumentStore
	conflicts   *store.ConflictStore
	locks       *keylock.KeyedMutex
	resolver    *resolver.Resolver
	ops         *algorithm.ChangeVectorOps
	pool        *workerpool.WorkerPool
	config      atomic.Pointer[model.ConflictSolverConfig]
	maxRetries  int
	parallelism int
	metrics     *metrics.Metrics
	logger      *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	sweeping atomic.Bool
	wg       sync.WaitGroup
}

// NewConflictService creates a conflict service.
// locks must be the same KeyedMutex used by every writer of docs.
func NewConflictService(
	cfg ConflictServiceConfig,
	docs *store.DocumentStore,
	conflicts *store.ConflictStore,
	locks *keylock.KeyedMutex,
	res *resolver.Resolver,
	pool *workerpool.WorkerPool,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ConflictService {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &ConflictService{
		database:    cfg.Database,
		docs:        docs,
		conflicts:   conflicts,
		locks:       locks,
		resolver:    res,
		ops:         algorithm.NewChangeVectorOps(),
		pool:        pool,
		maxRetries:  cfg.MaxRetries,
		parallelism: cfg.Parallelism,
		metrics:     m,
		logger:      logger.With(zap.String("db", cfg.Database)),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Config returns the installed conflict solver configuration, or nil
func (s *ConflictService) Config() *model.ConflictSolverConfig {
	return s.config.Load()
}

// SetConfig installs cfg and schedules a pass over every pending conflict
func (s *ConflictService) SetConfig(cfg *model.ConflictSolverConfig) {
	s.config.Store(cfg)

	fields := []zap.Field{zap.Bool("empty", cfg.IsEmpty())}
	if cfg != nil {
		fields = append(fields,
			zap.Bool("resolve_to_latest", cfg.ResolveToLatest),
			zap.Int("collection_scripts", len(cfg.ResolveByCollection)))
		if cfg.DatabaseResolverID != nil {
			fields = append(fields, zap.String("resolver_db", cfg.DatabaseResolverID.String()))
		}
	}
	s.logger.Info("Conflict solver configuration installed", fields...)

	s.submit(workerpool.Task{
		ID:  "resolve-all",
		Key: "@resolve-all",
		Fn: func(ctx context.Context) error {
			_, err := s.ResolveAll(ctx)
			return err
		},
	})
}

// ApplySolverDocument installs the configuration carried by the system document.
// A deleted document removes the configuration.
func (s *ConflictService) ApplySolverDocument(data json.RawMessage, deleted bool) error {
	if deleted {
		s.SetConfig(nil)
		return nil
	}
	var cfg model.ConflictSolverConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return apperrors.InvalidArgument("invalid conflict solver document", err)
	}
	s.SetConfig(&cfg)
	return nil
}

// Trigger schedules background resolution of docID.
// Triggers for a document already queued are coalesced.
func (s *ConflictService) Trigger(docID string) {
	s.submit(workerpool.Task{
		ID:  "resolve-" + docID,
		Key: docID,
		Fn: func(ctx context.Context) error {
			_, err := s.Resolve(ctx, docID)
			return err
		},
	})
}

func (s *ConflictService) submit(task workerpool.Task) {
	task.Context = s.ctx
	if err := s.pool.Submit(task); err != nil {
		// the conflict stays pending until the next sweep
		s.logger.Warn("Failed to schedule resolution",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

// Resolve tries to commit a winner for the conflict on docID.
// The strategy runs outside the document lock; the commit only happens if no
// version was recorded in the meantime, otherwise the attempt is repeated.
func (s *ConflictService) Resolve(ctx context.Context, docID string) (Outcome, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return OutcomePending, err
		}

		snap, ok := s.conflicts.Snapshot(docID)
		if !ok {
			return OutcomeNoConflict, nil
		}

		sel := resolver.Select(snap.Collection, s.Config(), s.docs.DbID())
		if sel.Strategy == resolver.StrategyNone || !sel.Authoritative {
			s.logger.Debug("Conflict left pending",
				zap.String("doc_id", docID),
				zap.String("collection", snap.Collection),
				zap.String("strategy", sel.Strategy.String()),
				zap.Bool("authoritative", sel.Authoritative))
			return OutcomePending, nil
		}

		res, err := s.resolver.Resolve(ctx, sel, snap.Versions)
		if err != nil {
			return OutcomePending, s.resolutionFailed(snap, sel, err)
		}

		committed, gone := s.commit(snap, res)
		if gone {
			return OutcomeNoConflict, nil
		}
		if committed {
			s.metrics.RecordResolved(s.database, sel.Strategy.String())
			s.publishPending()
			s.logger.Info("Conflict resolved",
				zap.String("doc_id", docID),
				zap.String("collection", snap.Collection),
				zap.String("strategy", sel.Strategy.String()),
				zap.Int("versions", len(snap.Versions)),
				zap.Bool("deleted", res.Deleted))

			if docID == model.ConflictSolverDocumentID {
				if err := s.ApplySolverDocument(res.Data, res.Deleted); err != nil {
					s.logger.Warn("Resolved conflict solver document is invalid", zap.Error(err))
				}
			}
			return OutcomeResolved, nil
		}

		s.logger.Debug("Conflict changed during resolution, retrying",
			zap.String("doc_id", docID),
			zap.Int("attempt", attempt+1))
	}

	return OutcomePending, fmt.Errorf("conflict on %s kept changing after %d attempts", docID, s.maxRetries)
}

// commit stores res if the conflict entry still has the snapshot revision.
// gone reports that the conflict was cleared by someone else.
func (s *ConflictService) commit(snap model.Conflict, res *resolver.Resolution) (committed, gone bool) {
	unlock := s.locks.Lock(snap.DocumentID)
	defer unlock()

	current, ok := s.conflicts.Snapshot(snap.DocumentID)
	if !ok {
		return false, true
	}
	if current.Revision != snap.Revision {
		return false, false
	}

	base := res.ChangeVector
	if local, _, found := s.docs.LocalChangeVector(snap.DocumentID); found {
		base = s.ops.Merge(base, local)
	}
	s.docs.CommitResolved(snap.DocumentID, snap.Collection, res.Data, res.Deleted, base)
	s.conflicts.ClearIfUnchanged(snap.DocumentID, snap.Revision)
	return true, false
}

func (s *ConflictService) resolutionFailed(snap model.Conflict, sel resolver.Selection, err error) error {
	s.metrics.RecordResolutionFailure(s.database, sel.Strategy.String())

	fields := []zap.Field{
		zap.String("doc_id", snap.DocumentID),
		zap.String("collection", snap.Collection),
		zap.String("strategy", sel.Strategy.String()),
		zap.Error(err),
	}
	if sel.Strategy == resolver.StrategyScript {
		fields = append(fields, zap.String("script_checksum", util.ScriptIdentity(sel.Script)))
		s.logger.Warn("Resolution script failed, conflict left pending", fields...)
		return apperrors.ScriptFailed(snap.Collection, err).WithDetail("doc_id", snap.DocumentID)
	}
	s.logger.Warn("Resolution failed, conflict left pending", fields...)
	return apperrors.InternalError("resolution failed for "+snap.DocumentID, err)
}

// ResolveAll attempts every pending conflict with bounded parallelism.
// Individual failures leave their conflicts pending and do not stop the pass.
func (s *ConflictService) ResolveAll(ctx context.Context) (int, error) {
	ids := s.conflicts.DocumentIDs()
	if len(ids) == 0 {
		return 0, nil
	}
	start := time.Now()

	var resolved atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			outcome, err := s.Resolve(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}
			if outcome == OutcomeResolved {
				resolved.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()

	s.logger.Info("Resolution pass completed",
		zap.Int("pending_before", len(ids)),
		zap.Int64("resolved", resolved.Load()),
		zap.Duration("duration", time.Since(start)))
	return int(resolved.Load()), err
}

// Recorded updates bookkeeping after a new conflicting version and schedules resolution
func (s *ConflictService) Recorded(docID string) {
	s.metrics.RecordConflict(s.database)
	s.publishPending()
	s.Trigger(docID)
}

func (s *ConflictService) publishPending() {
	s.metrics.SetPendingConflicts(s.database, s.conflicts.Count())
}

// StartSweep runs ResolveAll every interval until Stop. It picks up conflicts whose
// scheduling was rejected or whose resolution ran out of retries.
// A non-positive interval disables the sweep.
func (s *ConflictService) StartSweep(interval time.Duration) {
	if interval <= 0 || !s.sweeping.CompareAndSwap(false, true) {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if s.conflicts.Count() == 0 {
					continue
				}
				if _, err := s.ResolveAll(s.ctx); err != nil && s.ctx.Err() == nil {
					s.logger.Warn("Resolution sweep failed", zap.Error(err))
				}
			}
		}
	}()
	s.logger.Debug("Resolution sweep started", zap.Duration("interval", interval))
}

// Stop cancels in-flight resolutions and waits for the sweep to exit
func (s *ConflictService) Stop() {
	s.cancel()
	s.wg.Wait()
}
