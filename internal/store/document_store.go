package store

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/replicator/internal/algorithm"
	"github.com/devrev/pairdb/replicator/internal/model"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// DocumentStore is the in-memory stand-in for the storage engine of one database.
// Writers for the same document id must be serialized by the caller.
type DocumentStore struct {
	dbID       uuid.UUID
	ops        *algorithm.ChangeVectorOps
	documents  *xsync.MapOf[string, *model.Document]
	tombstones *xsync.MapOf[string, *model.Tombstone]
	lastEtag   atomic.Uint64 // storage etag, orders outgoing replication
	ownEtag    atomic.Uint64 // this database's entry in change vectors
	onChange   atomic.Pointer[func()]
	logger     *zap.Logger

	// storage etags become visible in the order they are assigned; readers
	// scanning by etag hold it shared so a lower etag cannot land behind them
	commitMu sync.RWMutex
}

// NewDocumentStore creates an empty store for database dbID
func NewDocumentStore(dbID uuid.UUID, logger *zap.Logger) *DocumentStore {
	return &DocumentStore{
		dbID:       dbID,
		ops:        algorithm.NewChangeVectorOps(),
		documents:  xsync.NewMapOf[string, *model.Document](),
		tombstones: xsync.NewMapOf[string, *model.Tombstone](),
		logger:     logger,
	}
}

// SetChangeNotifier registers fn to be called after every stored change
func (s *DocumentStore) SetChangeNotifier(fn func()) {
	s.onChange.Store(&fn)
}

// DbID returns the database identity used in change vectors
func (s *DocumentStore) DbID() uuid.UUID {
	return s.dbID
}

// Get returns a copy of the live document
func (s *DocumentStore) Get(id string) (*model.Document, bool) {
	doc, ok := s.documents.Load(id)
	if !ok {
		return nil, false
	}
	cp := *doc
	cp.ChangeVector = doc.ChangeVector.Clone()
	return &cp, true
}

// GetTombstone returns a copy of the tombstone for id
func (s *DocumentStore) GetTombstone(id string) (*model.Tombstone, bool) {
	ts, ok := s.tombstones.Load(id)
	if !ok {
		return nil, false
	}
	cp := *ts
	cp.ChangeVector = ts.ChangeVector.Clone()
	return &cp, true
}

// LocalVersion returns the stored version of id, live or deleted
func (s *DocumentStore) LocalVersion(id string) (model.DocumentVersion, bool) {
	if doc, ok := s.documents.Load(id); ok {
		return doc.Version(s.dbID), true
	}
	if ts, ok := s.tombstones.Load(id); ok {
		return ts.Version(s.dbID), true
	}
	return model.DocumentVersion{}, false
}

// LocalChangeVector returns the change vector of the stored version of id
func (s *DocumentStore) LocalChangeVector(id string) (model.ChangeVector, string, bool) {
	if doc, ok := s.documents.Load(id); ok {
		return doc.ChangeVector.Clone(), doc.Collection, true
	}
	if ts, ok := s.tombstones.Load(id); ok {
		return ts.ChangeVector.Clone(), ts.Collection, true
	}
	return nil, "", false
}

// Put stores a local write and advances this database's entry
func (s *DocumentStore) Put(id, collection string, data json.RawMessage) *model.Document {
	base, _, _ := s.LocalChangeVector(id)
	return s.storeDocument(id, collection, data, s.advance(base))
}

// Delete removes the live document and leaves a tombstone behind.
// Returns false when there is nothing to delete.
func (s *DocumentStore) Delete(id string) (*model.Tombstone, bool) {
	doc, ok := s.documents.Load(id)
	if !ok {
		return nil, false
	}
	return s.storeTombstone(id, doc.Collection, s.advance(doc.ChangeVector)), true
}

// CommitResolved stores the winner of a conflict.
// The stored vector is base advanced by this database.
func (s *DocumentStore) CommitResolved(id, collection string, data json.RawMessage, deleted bool, base model.ChangeVector) model.ChangeVector {
	cv := s.advance(base)
	if deleted {
		s.storeTombstone(id, collection, cv)
	} else {
		s.storeDocument(id, collection, data, cv)
	}
	return cv
}

// ApplyReplicated stores an incoming version as is, merged with the local vector
func (s *DocumentStore) ApplyReplicated(item *model.ReplicationItem) model.ChangeVector {
	base, _, _ := s.LocalChangeVector(item.ID)
	cv := s.ops.Merge(base, item.ChangeVector)
	s.observeOwn(cv)

	if item.Deleted {
		s.storeTombstone(item.ID, item.Collection, cv)
	} else {
		s.storeDocument(item.ID, item.Collection, item.Data, cv)
	}
	return cv
}

// MergeVector widens the stored vector of id without changing its content
func (s *DocumentStore) MergeVector(id string, incoming model.ChangeVector) (model.ChangeVector, bool) {
	if doc, ok := s.documents.Load(id); ok {
		cv := s.ops.Merge(doc.ChangeVector, incoming)
		s.observeOwn(cv)
		s.storeDocument(id, doc.Collection, doc.Data, cv)
		return cv, true
	}
	if ts, ok := s.tombstones.Load(id); ok {
		cv := s.ops.Merge(ts.ChangeVector, incoming)
		s.observeOwn(cv)
		s.storeTombstone(id, ts.Collection, cv)
		return cv, true
	}
	return nil, false
}

// ChangesSince returns up to limit documents and tombstones stored after etag, in etag order
func (s *DocumentStore) ChangesSince(etag uint64, limit int) []model.ReplicationItem {
	var items []model.ReplicationItem

	s.commitMu.RLock()
	s.documents.Range(func(id string, doc *model.Document) bool {
		if doc.Etag > etag {
			items = append(items, model.ReplicationItem{
				ID:           doc.ID,
				Collection:   doc.Collection,
				Data:         doc.Data,
				ChangeVector: doc.ChangeVector.Clone(),
				Etag:         doc.Etag,
				LastModified: doc.LastModified,
			})
		}
		return true
	})
	s.tombstones.Range(func(id string, ts *model.Tombstone) bool {
		if ts.DeletedAtEtag > etag {
			items = append(items, model.ReplicationItem{
				ID:           ts.ID,
				Collection:   ts.Collection,
				ChangeVector: ts.ChangeVector.Clone(),
				Etag:         ts.DeletedAtEtag,
				Deleted:      true,
				LastModified: ts.LastModified,
			})
		}
		return true
	})
	s.commitMu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].Etag < items[j].Etag })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// Tombstones returns all tombstones ordered by deletion etag
func (s *DocumentStore) Tombstones() []*model.Tombstone {
	var out []*model.Tombstone
	s.tombstones.Range(func(id string, ts *model.Tombstone) bool {
		cp := *ts
		out = append(out, &cp)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAtEtag < out[j].DeletedAtEtag })
	return out
}

// Count returns the number of live documents
func (s *DocumentStore) Count() int {
	return s.documents.Size()
}

// LastEtag returns the highest storage etag handed out
func (s *DocumentStore) LastEtag() uint64 {
	return s.lastEtag.Load()
}

// advance returns base merged with this database's latest own etag, advanced by one
func (s *DocumentStore) advance(base model.ChangeVector) model.ChangeVector {
	own := s.ownEtag.Add(1)
	floor := model.ChangeVector{{DbID: s.dbID, Etag: own - 1}}
	cv := s.ops.Advance(s.ops.Merge(base, floor), s.dbID)
	if etag := cv.EtagFor(s.dbID); etag > own {
		s.raiseOwn(etag)
	}
	return cv
}

// observeOwn keeps the own counter ahead of any vector stored locally
func (s *DocumentStore) observeOwn(cv model.ChangeVector) {
	s.raiseOwn(cv.EtagFor(s.dbID))
}

func (s *DocumentStore) raiseOwn(etag uint64) {
	for {
		current := s.ownEtag.Load()
		if etag <= current || s.ownEtag.CompareAndSwap(current, etag) {
			return
		}
	}
}

func (s *DocumentStore) storeDocument(id, collection string, data json.RawMessage, cv model.ChangeVector) *model.Document {
	s.commitMu.Lock()
	doc := &model.Document{
		ID:           id,
		Collection:   collection,
		Data:         data,
		ChangeVector: cv,
		Etag:         s.lastEtag.Add(1),
		LastModified: time.Now().UTC(),
	}
	s.documents.Store(id, doc)
	s.tombstones.Delete(id)
	s.commitMu.Unlock()

	s.changed()
	return doc
}

func (s *DocumentStore) storeTombstone(id, collection string, cv model.ChangeVector) *model.Tombstone {
	s.commitMu.Lock()
	ts := &model.Tombstone{
		ID:            id,
		Collection:    collection,
		ChangeVector:  cv,
		DeletedAtEtag: s.lastEtag.Add(1),
		LastModified:  time.Now().UTC(),
	}
	s.tombstones.Store(id, ts)
	s.documents.Delete(id)
	s.commitMu.Unlock()

	s.changed()
	return ts
}

func (s *DocumentStore) changed() {
	if fn := s.onChange.Load(); fn != nil {
		(*fn)()
	}
}
