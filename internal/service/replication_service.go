package service

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"time"

	"github.com/devrev/pairdb/replicator/internal/algorithm"
	apperrors "github.com/devrev/pairdb/replicator/internal/errors"
	"github.com/devrev/pairdb/replicator/internal/metrics"
	"github.com/devrev/pairdb/replicator/internal/model"
	"github.com/devrev/pairdb/replicator/internal/store"
	"github.com/devrev/pairdb/replicator/internal/util/keylock"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// ReplicationService applies batches replicated from other databases
type ReplicationService struct {
	database    string
	docs        *store.DocumentStore
	conflicts   *store.ConflictStore
	locks       *keylock.KeyedMutex
	resolution  *ConflictService
	ops         *algorithm.ChangeVectorOps
	accepted    *xsync.MapOf[uuid.UUID, uint64]
	rejections  *xsync.MapOf[string, []model.RejectionReason]
	historySize int
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewReplicationService creates the incoming side of replication for one database.
// historySize bounds the rejection reasons kept per source.
func NewReplicationService(
	database string,
	docs *store.DocumentStore,
	conflicts *store.ConflictStore,
	locks *keylock.KeyedMutex,
	resolution *ConflictService,
	historySize int,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ReplicationService {
	if historySize <= 0 {
		historySize = 25
	}
	return &ReplicationService{
		database:    database,
		docs:        docs,
		conflicts:   conflicts,
		locks:       locks,
		resolution:  resolution,
		ops:         algorithm.NewChangeVectorOps(),
		accepted:    xsync.NewMapOf[uuid.UUID, uint64](),
		rejections:  xsync.NewMapOf[string, []model.RejectionReason](),
		historySize: historySize,
		metrics:     m,
		logger:      logger.With(zap.String("db", database)),
	}
}

// LastAcceptedEtag returns the highest source etag accepted from source
func (s *ReplicationService) LastAcceptedEtag(source uuid.UUID) uint64 {
	etag, _ := s.accepted.Load(source)
	return etag
}

// HandleBatch applies every item of batch and acknowledges the highest source etag seen.
// Items that fail validation are recorded as rejections and acknowledged so they are not resent.
func (s *ReplicationService) HandleBatch(ctx context.Context, batch *model.ReplicationBatch) (*model.ReplicationAck, error) {
	sourceName := batch.SourceDatabaseName
	if sourceName == "" {
		sourceName = batch.SourceURL
	}

	if batch.SourceDbID == uuid.Nil {
		s.reject(sourceName, "missing source database id")
		return nil, apperrors.ReplicationRejected(sourceName, "missing source database id")
	}
	if batch.SourceDbID == s.docs.DbID() {
		s.reject(sourceName, "replication from this database to itself")
		return nil, apperrors.ReplicationRejected(sourceName, "source is this database")
	}

	ack := &model.ReplicationAck{LastAcceptedEtag: batch.LastEtag}
	for i := range batch.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item := &batch.Items[i]

		outcome := s.handleItem(sourceName, batch.SourceDbID, item)
		s.metrics.RecordIncoming(s.database, string(outcome))
		switch outcome {
		case model.OutcomeApplied, model.OutcomeMerged:
			ack.Applied++
		case model.OutcomeConflict:
			ack.Conflicts++
		default:
			ack.Discarded++
		}
		if item.Etag > ack.LastAcceptedEtag {
			ack.LastAcceptedEtag = item.Etag
		}
	}

	s.accepted.Compute(batch.SourceDbID, func(old uint64, loaded bool) (uint64, bool) {
		if ack.LastAcceptedEtag > old {
			return ack.LastAcceptedEtag, false
		}
		return old, false
	})

	s.logger.Debug("Replication batch applied",
		zap.String("source", sourceName),
		zap.Int("items", len(batch.Items)),
		zap.Int("applied", ack.Applied),
		zap.Int("conflicts", ack.Conflicts),
		zap.Int("discarded", ack.Discarded),
		zap.Uint64("last_accepted_etag", ack.LastAcceptedEtag))
	return ack, nil
}

func (s *ReplicationService) handleItem(sourceName string, source uuid.UUID, item *model.ReplicationItem) model.IncomingOutcome {
	if item.ID == "" {
		s.reject(sourceName, "item without document id")
		return model.OutcomeRejected
	}
	if !item.Deleted && !json.Valid(item.Data) {
		s.reject(sourceName, "invalid JSON payload for document "+item.ID)
		return model.OutcomeRejected
	}
	if len(item.ChangeVector) == 0 {
		s.reject(sourceName, "empty change vector for document "+item.ID)
		return model.OutcomeRejected
	}

	unlock := s.locks.Lock(item.ID)
	defer unlock()

	if merged, pending := s.conflicts.MergedVector(item.ID); pending {
		switch s.ops.Compare(item.ChangeVector, merged) {
		case model.Dominates:
			s.apply(item)
			s.conflicts.Clear(item.ID)
			s.resolution.publishPending()
			return model.OutcomeApplied
		case model.Concurrent:
			return s.record(source, item)
		default:
			return s.discard(item, "covered by pending conflict")
		}
	}

	local, exists := s.docs.LocalVersion(item.ID)
	if !exists {
		s.apply(item)
		return model.OutcomeApplied
	}

	switch s.ops.Compare(item.ChangeVector, local.ChangeVector) {
	case model.Dominates:
		s.apply(item)
		return model.OutcomeApplied
	case model.Concurrent:
		if sameContent(local, item) {
			s.docs.MergeVector(item.ID, item.ChangeVector)
			s.logger.Debug("Merged identical concurrent version", zap.String("doc_id", item.ID))
			return model.OutcomeMerged
		}
		return s.record(source, item)
	default:
		return s.discard(item, "local version is newer or equal")
	}
}

func (s *ReplicationService) apply(item *model.ReplicationItem) {
	s.docs.ApplyReplicated(item)

	if item.ID == model.ConflictSolverDocumentID {
		if err := s.resolution.ApplySolverDocument(item.Data, item.Deleted); err != nil {
			s.logger.Warn("Replicated conflict solver document is invalid", zap.Error(err))
		}
	}
}

func (s *ReplicationService) record(source uuid.UUID, item *model.ReplicationItem) model.IncomingOutcome {
	versions, recorded := s.conflicts.Record(item.ID, item.Collection, item.Version(source))
	if !recorded {
		return s.discard(item, "version already recorded")
	}
	s.logger.Info("Conflict detected",
		zap.String("doc_id", item.ID),
		zap.String("collection", item.Collection),
		zap.String("source_db", source.String()),
		zap.Int("versions", versions))
	s.resolution.Recorded(item.ID)
	return model.OutcomeConflict
}

func (s *ReplicationService) discard(item *model.ReplicationItem, reason string) model.IncomingOutcome {
	s.logger.Debug("Discarding replicated version",
		zap.String("doc_id", item.ID),
		zap.String("reason", reason))
	return model.OutcomeDiscarded
}

// reject remembers reason for source, keeping the newest historySize entries
func (s *ReplicationService) reject(source, reason string) {
	s.metrics.RecordRejection(s.database, source)
	s.logger.Warn("Incoming replication rejected",
		zap.String("source", source),
		zap.String("reason", reason))

	entry := model.RejectionReason{Reason: reason, Time: time.Now().UTC()}
	s.rejections.Compute(source, func(old []model.RejectionReason, loaded bool) ([]model.RejectionReason, bool) {
		next := make([]model.RejectionReason, 0, len(old)+1)
		next = append(next, old...)
		next = append(next, entry)
		if len(next) > s.historySize {
			next = next[len(next)-s.historySize:]
		}
		return next, false
	})
}

// RejectionInfo returns the rejection history grouped by source database, sorted by name
func (s *ReplicationService) RejectionInfo() []model.RejectionInfo {
	out := make([]model.RejectionInfo, 0)
	s.rejections.Range(func(source string, reasons []model.RejectionReason) bool {
		value := make([]model.RejectionReason, len(reasons))
		copy(value, reasons)
		out = append(out, model.RejectionInfo{
			Key:   model.RejectionKey{SourceDatabaseName: source},
			Value: value,
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key.SourceDatabaseName < out[j].Key.SourceDatabaseName })
	return out
}

// sameContent reports whether the local version and item carry the same payload
func sameContent(local model.DocumentVersion, item *model.ReplicationItem) bool {
	if local.Deleted || item.Deleted {
		return local.Deleted && item.Deleted
	}
	var a, b interface{}
	if err := json.Unmarshal(local.Data, &a); err != nil {
		return false
	}
	if err := json.Unmarshal(item.Data, &b); err != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}
