// Package resolver decides how conflicting document versions are reduced to a single winner.
package resolver

import (
	"github.com/devrev/pairdb/replicator/internal/model"
	"github.com/google/uuid"
)

// Strategy identifies a resolution strategy
type Strategy int

const (
	// StrategyNone leaves the conflict pending
	StrategyNone Strategy = iota
	// StrategyScript evaluates a per-collection script
	StrategyScript
	// StrategyDesignated defers to a single resolver database
	StrategyDesignated
	// StrategyLatest picks the version with the highest etag
	StrategyLatest
)

// String returns the strategy name used in logs and metrics
func (s Strategy) String() string {
	switch s {
	case StrategyScript:
		return "script"
	case StrategyDesignated:
		return "designated"
	case StrategyLatest:
		return "latest"
	default:
		return "none"
	}
}

// Selection is the strategy chosen for one resolution pass
type Selection struct {
	Strategy   Strategy
	Script     string
	ResolverID uuid.UUID
	// Authoritative is false when another database owns the resolution
	Authoritative bool
}

// Select picks the strategy for collection under cfg, as seen by database self.
// Precedence is collection script, designated resolver, latest, none.
func Select(collection string, cfg *model.ConflictSolverConfig, self uuid.UUID) Selection {
	if collection == model.SystemCollection {
		return Selection{Strategy: StrategyLatest, Authoritative: true}
	}
	if cfg == nil {
		return Selection{Strategy: StrategyNone}
	}
	if script, ok := cfg.ResolveByCollection[collection]; ok && script.Script != "" {
		return Selection{Strategy: StrategyScript, Script: script.Script, Authoritative: true}
	}
	if cfg.DatabaseResolverID != nil {
		return Selection{
			Strategy:      StrategyDesignated,
			ResolverID:    *cfg.DatabaseResolverID,
			Authoritative: *cfg.DatabaseResolverID == self,
		}
	}
	if cfg.ResolveToLatest {
		return Selection{Strategy: StrategyLatest, Authoritative: true}
	}
	return Selection{Strategy: StrategyNone}
}
