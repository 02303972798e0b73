package algorithm

import (
	"sort"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/devrev/pairdb/replicator/internal/model"
	"github.com/google/uuid"
)

// ChangeVectorOps provides operations on change vectors
type ChangeVectorOps struct{}

// NewChangeVectorOps creates a new ChangeVectorOps
func NewChangeVectorOps() *ChangeVectorOps {
	return &ChangeVectorOps{}
}

// Compare compares two change vectors. A missing entry counts as etag 0.
func (o *ChangeVectorOps) Compare(a, b model.ChangeVector) model.ChangeVectorComparison {
	mapA := o.toMap(a)
	mapB := o.toMap(b)

	allDbs := mapset.NewThreadUnsafeSet[uuid.UUID]()
	for dbID := range mapA {
		allDbs.Add(dbID)
	}
	for dbID := range mapB {
		allDbs.Add(dbID)
	}

	aGreater := false
	bGreater := false
	allDbs.Each(func(dbID uuid.UUID) bool {
		ea, eb := mapA[dbID], mapB[dbID]
		if ea > eb {
			aGreater = true
		} else if eb > ea {
			bGreater = true
		}
		return aGreater && bGreater
	})

	switch {
	case aGreater && bGreater:
		return model.Concurrent
	case aGreater:
		return model.Dominates
	case bGreater:
		return model.Dominated
	default:
		return model.Equal
	}
}

// Merge returns the per-database maximum over all vectors in canonical order
func (o *ChangeVectorOps) Merge(vectors ...model.ChangeVector) model.ChangeVector {
	merged := make(map[uuid.UUID]uint64)
	for _, cv := range vectors {
		for _, e := range cv {
			if existing, ok := merged[e.DbID]; !ok || e.Etag > existing {
				merged[e.DbID] = e.Etag
			}
		}
	}
	return o.fromMap(merged)
}

// Advance increments the entry owned by dbID
func (o *ChangeVectorOps) Advance(cv model.ChangeVector, dbID uuid.UUID) model.ChangeVector {
	m := o.toMap(cv)
	m[dbID]++
	return o.fromMap(m)
}

// MaxEtag returns the highest single-database etag in cv and the database that owns it.
// Equal etags are broken by the lexicographically highest DbID.
func (o *ChangeVectorOps) MaxEtag(cv model.ChangeVector) (uint64, uuid.UUID) {
	var (
		maxEtag uint64
		owner   uuid.UUID
	)
	for _, e := range cv {
		if e.Etag > maxEtag || (e.Etag == maxEtag && e.DbID.String() > owner.String()) {
			maxEtag = e.Etag
			owner = e.DbID
		}
	}
	return maxEtag, owner
}

// Normalize returns cv in canonical order with duplicate entries collapsed
func (o *ChangeVectorOps) Normalize(cv model.ChangeVector) model.ChangeVector {
	return o.Merge(cv)
}

// Format renders cv as "<dbid>:<etag>" entries joined by commas, in canonical order
func (o *ChangeVectorOps) Format(cv model.ChangeVector) string {
	normalized := o.Normalize(cv)
	parts := make([]string, 0, len(normalized))
	for _, e := range normalized {
		parts = append(parts, e.DbID.String()+":"+strconv.FormatUint(e.Etag, 10))
	}
	return strings.Join(parts, ",")
}

// toMap converts a change vector to a map keyed by database
func (o *ChangeVectorOps) toMap(cv model.ChangeVector) map[uuid.UUID]uint64 {
	m := make(map[uuid.UUID]uint64, len(cv))
	for _, e := range cv {
		if e.Etag > m[e.DbID] {
			m[e.DbID] = e.Etag
		}
	}
	return m
}

// fromMap builds a change vector sorted by DbID
func (o *ChangeVectorOps) fromMap(m map[uuid.UUID]uint64) model.ChangeVector {
	entries := make(model.ChangeVector, 0, len(m))
	for dbID, etag := range m {
		entries = append(entries, model.ChangeVectorEntry{DbID: dbID, Etag: etag})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].DbID.String() < entries[j].DbID.String()
	})
	return entries
}
