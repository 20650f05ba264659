// Package registry holds per-construct permission grants and trust
// policies. It is the single authority on whether a construct may
// propose or execute under a given scope; every decision fails closed.
package registry

import (
	"sync"
	"time"

	"github.com/vvault-systems/warden/pkg/scope"
)

// Denial reasons returned by ValidateAction and friends.
const (
	ReasonUnknownScope    = "unknown_scope"
	ReasonInvalidScope    = "invalid_scope"
	ReasonNoGrant         = "no_grant"
	ReasonSuspended       = "suspended"
	ReasonScopeNotGranted = "scope_not_granted"
)

// PermissionGrant is the scope set held by one construct. Grants are
// never deleted, only deactivated, so reinstatement restores the prior
// scope set exactly.
type PermissionGrant struct {
	AgentID       string                    `json:"agent_id"`
	Scopes        map[scope.Scope]time.Time `json:"scopes"` // scope -> granted-at
	Active        bool                      `json:"active"`
	GrantedAt     time.Time                 `json:"granted_at"`
	GrantedBy     string                    `json:"granted_by"`
	SuspendedAt   *time.Time                `json:"suspended_at,omitempty"`
	SuspendReason string                    `json:"suspend_reason,omitempty"`
}

// HasScope reports whether the grant is active and contains s.
func (g *PermissionGrant) HasScope(s scope.Scope) bool {
	if g == nil || !g.Active {
		return false
	}
	_, ok := g.Scopes[s]
	return ok
}

// ScopeList returns the granted scopes in unspecified order.
func (g *PermissionGrant) ScopeList() []scope.Scope {
	out := make([]scope.Scope, 0, len(g.Scopes))
	for s := range g.Scopes {
		out = append(out, s)
	}
	return out
}

// Validation is the outcome of ValidateAction.
type Validation struct {
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// Registry owns all grants and trust policies. All methods are safe for
// concurrent use; state is in-memory and scoped to one process.
type Registry struct {
	mu       sync.RWMutex
	catalog  *scope.Catalog
	grants   map[string]*PermissionGrant
	policies map[string]*TrustPolicy
	cel      *autoApproveEnv
	clock    func() time.Time
}

// New creates an empty registry over the given catalog.
func New(catalog *scope.Catalog) *Registry {
	return &Registry{
		catalog:  catalog,
		grants:   make(map[string]*PermissionGrant),
		policies: make(map[string]*TrustPolicy),
		cel:      newAutoApproveEnv(),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Catalog exposes the scope catalog this registry validates against.
func (r *Registry) Catalog() *scope.Catalog { return r.catalog }

// GetGrant returns the grant for agentID, or nil if none exists.
func (r *Registry) GetGrant(agentID string) *PermissionGrant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.grants[agentID]
}

// HasScope reports whether agentID holds s under an active grant.
func (r *Registry) HasScope(agentID string, s scope.Scope) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.grants[agentID].HasScope(s)
}

// ValidateAction decides whether agentID may act under s right now.
// The check runs in order: catalog, grant existence, suspension, scope
// membership. On success the result carries the catalog's
// requires-approval flag so callers know whether a human must decide.
func (r *Registry) ValidateAction(agentID string, s scope.Scope) Validation {
	if !r.catalog.IsValid(s) {
		return Validation{Reason: ReasonUnknownScope}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	grant, ok := r.grants[agentID]
	if !ok {
		return Validation{Reason: ReasonNoGrant}
	}
	if !grant.Active {
		return Validation{Reason: ReasonSuspended}
	}
	if _, ok := grant.Scopes[s]; !ok {
		return Validation{Reason: ReasonScopeNotGranted}
	}
	return Validation{Allowed: true, RequiresApproval: r.catalog.RequiresApproval(s)}
}

// GrantScope adds s to agentID's grant, creating the grant record if
// absent. Idempotent: re-granting a held scope preserves the original
// granted-at timestamp. Returns false with reason invalid_scope when
// the catalog rejects s.
func (r *Registry) GrantScope(agentID string, s scope.Scope, grantedBy string) (bool, string) {
	if !r.catalog.IsValid(s) {
		return false, ReasonInvalidScope
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock().UTC()
	grant, ok := r.grants[agentID]
	if !ok {
		grant = &PermissionGrant{
			AgentID:   agentID,
			Scopes:    make(map[scope.Scope]time.Time),
			Active:    true,
			GrantedAt: now,
			GrantedBy: grantedBy,
		}
		r.grants[agentID] = grant
	}
	if _, held := grant.Scopes[s]; !held {
		grant.Scopes[s] = now
	}
	return true, ""
}

// RevokeScope removes s from agentID's grant. Returns false when the
// grant or scope was absent.
func (r *Registry) RevokeScope(agentID string, s scope.Scope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	grant, ok := r.grants[agentID]
	if !ok {
		return false
	}
	if _, held := grant.Scopes[s]; !held {
		return false
	}
	delete(grant.Scopes, s)
	return true
}

// Suspend deactivates agentID's grant without clearing scopes, so a
// later Reinstate restores the prior permissions exactly. Returns false
// when no grant exists.
func (r *Registry) Suspend(agentID, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	grant, ok := r.grants[agentID]
	if !ok {
		return false
	}
	now := r.clock().UTC()
	grant.Active = false
	grant.SuspendedAt = &now
	grant.SuspendReason = reason
	return true
}

// Reinstate reactivates a suspended grant. Returns false when no grant
// exists.
func (r *Registry) Reinstate(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	grant, ok := r.grants[agentID]
	if !ok {
		return false
	}
	grant.Active = true
	grant.SuspendedAt = nil
	grant.SuspendReason = ""
	return true
}

// Snapshot is the read-only permission export for inspection by UIs or
// the CLI.
type Snapshot struct {
	AgentID     string           `json:"agent_id"`
	Permissions *PermissionGrant `json:"permissions"`
	Policy      *TrustPolicy     `json:"policy"`
}

// Export returns a point-in-time copy of agentID's grant and effective
// policy. The copy shares no mutable state with the registry.
func (r *Registry) Export(agentID string) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{AgentID: agentID, Policy: r.effectivePolicyLocked(agentID)}
	if grant, ok := r.grants[agentID]; ok {
		cp := *grant
		cp.Scopes = make(map[scope.Scope]time.Time, len(grant.Scopes))
		for s, at := range grant.Scopes {
			cp.Scopes[s] = at
		}
		snap.Permissions = &cp
	}
	return snap
}
