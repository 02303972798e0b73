package model

import (
	"github.com/google/uuid"
)

// ChangeVectorEntry is the highest etag observed for writes owned by one database
type ChangeVectorEntry struct {
	DbID uuid.UUID `json:"DbId"`
	Etag uint64    `json:"Etag"`
}

// ChangeVector tracks causality across database instances.
// Holds at most one entry per DbID.
type ChangeVector []ChangeVectorEntry

// ChangeVectorComparison represents the result of comparing two change vectors
type ChangeVectorComparison int

const (
	// Equal means both vectors carry the same etag for every database
	Equal ChangeVectorComparison = iota
	// Dominates means the first vector strictly dominates the second
	Dominates
	// Dominated means the second vector strictly dominates the first
	Dominated
	// Concurrent means neither dominates (conflict)
	Concurrent
)

// String returns the comparison name
func (c ChangeVectorComparison) String() string {
	switch c {
	case Equal:
		return "equal"
	case Dominates:
		return "dominates"
	case Dominated:
		return "dominated"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// EtagFor returns the etag recorded for dbID, or 0 when absent
func (cv ChangeVector) EtagFor(dbID uuid.UUID) uint64 {
	for _, e := range cv {
		if e.DbID == dbID {
			return e.Etag
		}
	}
	return 0
}

// Clone returns a copy that shares no backing array with cv
func (cv ChangeVector) Clone() ChangeVector {
	if cv == nil {
		return nil
	}
	out := make(ChangeVector, len(cv))
	copy(out, cv)
	return out
}
