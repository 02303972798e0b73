package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SystemCollection holds documents managed by the replicator itself
const SystemCollection = "@system"

// ConflictSolverDocumentID is the id of the replicated conflict solver configuration
const ConflictSolverDocumentID = "@system/conflict-solver"

// Document is a live document stored on this database instance
type Document struct {
	ID           string          `json:"Id"`
	Collection   string          `json:"Collection"`
	Data         json.RawMessage `json:"Data"`
	ChangeVector ChangeVector    `json:"ChangeVector"`
	Etag         uint64          `json:"Etag"` // local storage etag
	LastModified time.Time       `json:"LastModified"`
}

// Tombstone records a delete so stale replicated creates cannot resurrect the document
type Tombstone struct {
	ID            string       `json:"Id"`
	Collection    string       `json:"Collection"`
	ChangeVector  ChangeVector `json:"ChangeVector"`
	DeletedAtEtag uint64       `json:"DeletedAtEtag"`
	LastModified  time.Time    `json:"LastModified"`
}

// DocumentVersion is one version of a document taking part in a conflict
type DocumentVersion struct {
	Data         json.RawMessage `json:"Data,omitempty"`
	ChangeVector ChangeVector    `json:"ChangeVector"`
	SourceDbID   uuid.UUID       `json:"SourceDbId"`
	Deleted      bool            `json:"Deleted"`
	LastModified time.Time       `json:"LastModified"`
}

// Version returns the document as a conflict version sourced from dbID
func (d *Document) Version(dbID uuid.UUID) DocumentVersion {
	return DocumentVersion{
		Data:         d.Data,
		ChangeVector: d.ChangeVector.Clone(),
		SourceDbID:   dbID,
		LastModified: d.LastModified,
	}
}

// Version returns the tombstone as a deleted conflict version sourced from dbID
func (t *Tombstone) Version(dbID uuid.UUID) DocumentVersion {
	return DocumentVersion{
		ChangeVector: t.ChangeVector.Clone(),
		SourceDbID:   dbID,
		Deleted:      true,
		LastModified: t.LastModified,
	}
}

// Conflict holds the concurrent versions of one document awaiting resolution
type Conflict struct {
	DocumentID string            `json:"DocumentId"`
	Collection string            `json:"Collection"`
	Versions   []DocumentVersion `json:"Versions"`
	Revision   uint64            `json:"Revision"` // bumped on every mutation
}
