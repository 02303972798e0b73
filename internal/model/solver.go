package model

import (
	"time"

	"github.com/google/uuid"
)

// ScriptResolver is a user supplied resolution script for one collection
type ScriptResolver struct {
	Script       string    `json:"Script" yaml:"script"`
	LastModified time.Time `json:"LastModified,omitempty" yaml:"-"`
}

// ConflictSolverConfig is the per-database conflict resolution policy
type ConflictSolverConfig struct {
	ResolveByCollection map[string]ScriptResolver `json:"ResolveByCollection" yaml:"resolve_by_collection"`
	DatabaseResolverID  *uuid.UUID                `json:"DatabaseResolverId" yaml:"database_resolver_id"`
	ResolveToLatest     bool                      `json:"ResolveToLatest" yaml:"resolve_to_latest"`
}

// IsEmpty reports whether no resolution policy is configured
func (c *ConflictSolverConfig) IsEmpty() bool {
	return c == nil || (len(c.ResolveByCollection) == 0 && c.DatabaseResolverID == nil && !c.ResolveToLatest)
}
