package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/devrev/pairdb/replicator/internal/algorithm"
	"github.com/devrev/pairdb/replicator/internal/model"
	"github.com/google/uuid"
)

// Resolution is the winner computed for a conflict set
type Resolution struct {
	Data    json.RawMessage
	Deleted bool
	// ChangeVector is the Merge of every input version
	ChangeVector model.ChangeVector
	// Winner is the index of the chosen input, or -1 for a script result
	Winner int
}

// ScriptEvaluator runs a resolution script against conflicting payloads.
// A nil result with a nil error means the script resolved to a delete.
type ScriptEvaluator interface {
	Evaluate(ctx context.Context, script string, docs []json.RawMessage) (json.RawMessage, error)
}

// Resolver applies strategies to conflict sets
type Resolver struct {
	ops       *algorithm.ChangeVectorOps
	evaluator ScriptEvaluator
}

// NewResolver creates a Resolver using evaluator for script strategies
func NewResolver(evaluator ScriptEvaluator) *Resolver {
	return &Resolver{
		ops:       algorithm.NewChangeVectorOps(),
		evaluator: evaluator,
	}
}

// Resolve reduces versions to one winner under sel
func (r *Resolver) Resolve(ctx context.Context, sel Selection, versions []model.DocumentVersion) (*Resolution, error) {
	if len(versions) == 0 {
		return nil, fmt.Errorf("no versions to resolve")
	}
	switch sel.Strategy {
	case StrategyLatest:
		return r.ResolveLatest(versions), nil
	case StrategyDesignated:
		if !sel.Authoritative {
			return nil, fmt.Errorf("database %s is not the designated resolver", sel.ResolverID)
		}
		return r.ResolveDesignated(versions, sel.ResolverID), nil
	case StrategyScript:
		return r.ResolveScript(ctx, sel.Script, versions)
	default:
		return nil, fmt.Errorf("no resolution strategy configured")
	}
}

// ResolveLatest picks the version with the highest single-database etag.
// Ties go to the highest owning DbID, then to the highest canonical vector string,
// so every database picks the same winner.
func (r *Resolver) ResolveLatest(versions []model.DocumentVersion) *Resolution {
	best := 0
	for i := 1; i < len(versions); i++ {
		if r.later(versions[i], versions[best]) {
			best = i
		}
	}
	return r.winner(versions, best)
}

// ResolveDesignated picks the version carrying the highest etag of the resolver database.
// Falls back to ResolveLatest when no version carries one.
func (r *Resolver) ResolveDesignated(versions []model.DocumentVersion, resolverID uuid.UUID) *Resolution {
	best := -1
	var bestEtag uint64
	for i, v := range versions {
		etag := v.ChangeVector.EtagFor(resolverID)
		if etag == 0 {
			continue
		}
		if best < 0 || etag > bestEtag || (etag == bestEtag && r.later(v, versions[best])) {
			best = i
			bestEtag = etag
		}
	}
	if best < 0 {
		return r.ResolveLatest(versions)
	}
	return r.winner(versions, best)
}

// ResolveScript evaluates script against the live payloads of versions
func (r *Resolver) ResolveScript(ctx context.Context, script string, versions []model.DocumentVersion) (*Resolution, error) {
	if r.evaluator == nil {
		return nil, fmt.Errorf("script evaluation is not available")
	}

	docs := make([]json.RawMessage, 0, len(versions))
	for _, v := range versions {
		if v.Deleted {
			docs = append(docs, json.RawMessage("null"))
			continue
		}
		docs = append(docs, v.Data)
	}

	out, err := r.evaluator.Evaluate(ctx, script, docs)
	if err != nil {
		return nil, err
	}
	return &Resolution{
		Data:         out,
		Deleted:      out == nil,
		ChangeVector: r.mergeAll(versions),
		Winner:       -1,
	}, nil
}

// later reports whether a beats b under the latest-wins order
func (r *Resolver) later(a, b model.DocumentVersion) bool {
	etagA, ownerA := r.ops.MaxEtag(a.ChangeVector)
	etagB, ownerB := r.ops.MaxEtag(b.ChangeVector)
	if etagA != etagB {
		return etagA > etagB
	}
	if c := strings.Compare(ownerA.String(), ownerB.String()); c != 0 {
		return c > 0
	}
	return r.ops.Format(a.ChangeVector) > r.ops.Format(b.ChangeVector)
}

func (r *Resolver) winner(versions []model.DocumentVersion, idx int) *Resolution {
	v := versions[idx]
	return &Resolution{
		Data:         v.Data,
		Deleted:      v.Deleted,
		ChangeVector: r.mergeAll(versions),
		Winner:       idx,
	}
}

func (r *Resolver) mergeAll(versions []model.DocumentVersion) model.ChangeVector {
	vectors := make([]model.ChangeVector, 0, len(versions))
	for _, v := range versions {
		vectors = append(vectors, v.ChangeVector)
	}
	return r.ops.Merge(vectors...)
}
