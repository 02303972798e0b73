package store

import (
	"sort"
	"sync/atomic"

	"github.com/devrev/pairdb/replicator/internal/algorithm"
	"github.com/devrev/pairdb/replicator/internal/model"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// LocalVersionReader exposes the locally stored version of a document
type LocalVersionReader interface {
	LocalVersion(docID string) (model.DocumentVersion, bool)
}

// ConflictStore holds documents with unresolved concurrent versions.
// Entries are immutable snapshots replaced atomically per document.
type ConflictStore struct {
	local     LocalVersionReader
	ops       *algorithm.ChangeVectorOps
	conflicts *xsync.MapOf[string, *model.Conflict]
	revisions atomic.Uint64
	logger    *zap.Logger
}

// NewConflictStore creates an empty conflict store seeded from local
func NewConflictStore(local LocalVersionReader, logger *zap.Logger) *ConflictStore {
	return &ConflictStore{
		local:     local,
		ops:       algorithm.NewChangeVectorOps(),
		conflicts: xsync.NewMapOf[string, *model.Conflict](),
		logger:    logger,
	}
}

// Record adds incoming to the conflict set of docID.
// A new entry is seeded with the locally stored version. Versions with an identical
// change vector are stored once and versions dominated by incoming are pruned.
// Returns the number of versions held and whether incoming was added.
func (s *ConflictStore) Record(docID, collection string, incoming model.DocumentVersion) (int, bool) {
	recorded := false

	entry, ok := s.conflicts.Compute(docID, func(old *model.Conflict, loaded bool) (*model.Conflict, bool) {
		var versions []model.DocumentVersion
		if loaded {
			versions = old.Versions
		} else if local, found := s.local.LocalVersion(docID); found {
			versions = []model.DocumentVersion{local}
		}

		if s.containsDominating(versions, incoming) {
			// duplicate or stale
			return old, !loaded
		}

		kept := make([]model.DocumentVersion, 0, len(versions)+1)
		for _, v := range versions {
			if s.ops.Compare(incoming.ChangeVector, v.ChangeVector) == model.Dominates {
				continue
			}
			kept = append(kept, v)
		}
		kept = append(kept, incoming)

		next := &model.Conflict{
			DocumentID: docID,
			Collection: collection,
			Versions:   kept,
			Revision:   s.revisions.Add(1),
		}
		if loaded && old.Collection != "" {
			next.Collection = old.Collection
		}
		recorded = true
		return next, false
	})
	if !ok {
		return 0, false
	}

	if recorded {
		s.logger.Debug("Conflict recorded",
			zap.String("doc_id", docID),
			zap.String("collection", entry.Collection),
			zap.Int("versions", len(entry.Versions)))
	}
	return len(entry.Versions), recorded
}

// containsDominating reports whether any version dominates or equals incoming
func (s *ConflictStore) containsDominating(versions []model.DocumentVersion, incoming model.DocumentVersion) bool {
	for _, v := range versions {
		if cmp := s.ops.Compare(incoming.ChangeVector, v.ChangeVector); cmp == model.Equal || cmp == model.Dominated {
			return true
		}
	}
	return false
}

// ListConflicts returns the versions recorded for docID
func (s *ConflictStore) ListConflicts(docID string) []model.DocumentVersion {
	entry, ok := s.conflicts.Load(docID)
	if !ok {
		return nil
	}
	out := make([]model.DocumentVersion, len(entry.Versions))
	copy(out, entry.Versions)
	return out
}

// ListAll returns every pending conflict keyed by document id
func (s *ConflictStore) ListAll() map[string][]model.DocumentVersion {
	out := make(map[string][]model.DocumentVersion)
	s.conflicts.Range(func(docID string, entry *model.Conflict) bool {
		versions := make([]model.DocumentVersion, len(entry.Versions))
		copy(versions, entry.Versions)
		out[docID] = versions
		return true
	})
	return out
}

// Snapshot returns the current entry for docID including its revision
func (s *ConflictStore) Snapshot(docID string) (model.Conflict, bool) {
	entry, ok := s.conflicts.Load(docID)
	if !ok {
		return model.Conflict{}, false
	}
	cp := *entry
	cp.Versions = make([]model.DocumentVersion, len(entry.Versions))
	copy(cp.Versions, entry.Versions)
	return cp, true
}

// DocumentIDs returns the ids with pending conflicts in sorted order
func (s *ConflictStore) DocumentIDs() []string {
	var ids []string
	s.conflicts.Range(func(docID string, _ *model.Conflict) bool {
		ids = append(ids, docID)
		return true
	})
	sort.Strings(ids)
	return ids
}

// Has reports whether docID has a pending conflict
func (s *ConflictStore) Has(docID string) bool {
	_, ok := s.conflicts.Load(docID)
	return ok
}

// MergedVector returns the Merge of all pending versions of docID
func (s *ConflictStore) MergedVector(docID string) (model.ChangeVector, bool) {
	entry, ok := s.conflicts.Load(docID)
	if !ok {
		return nil, false
	}
	vectors := make([]model.ChangeVector, 0, len(entry.Versions))
	for _, v := range entry.Versions {
		vectors = append(vectors, v.ChangeVector)
	}
	return s.ops.Merge(vectors...), true
}

// Clear drops all versions of docID. No-op when nothing is pending.
func (s *ConflictStore) Clear(docID string) {
	s.conflicts.Delete(docID)
}

// ClearIfUnchanged drops the entry only if its revision still equals revision
func (s *ConflictStore) ClearIfUnchanged(docID string, revision uint64) bool {
	cleared := false
	s.conflicts.Compute(docID, func(old *model.Conflict, loaded bool) (*model.Conflict, bool) {
		if !loaded {
			return old, true
		}
		if old.Revision != revision {
			return old, false
		}
		cleared = true
		return old, true
	})
	return cleared
}

// Count returns the number of documents with pending conflicts
func (s *ConflictStore) Count() int {
	return s.conflicts.Size()
}
