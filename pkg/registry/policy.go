package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/vvault-systems/warden/pkg/scope"
)

// DefaultMaxPendingManifests bounds outstanding proposals per approver
// when a policy does not say otherwise.
const DefaultMaxPendingManifests = 5

// AutoApprove configures policy-driven approval without a human in the
// loop. Scopes and RiskLevels are matched as sets, with "*" as a
// wildcard. Expression is an optional CEL predicate over
// {scope, risk_level, target} that can further allow — it is never
// consulted when Enabled is false and can never turn a match off.
type AutoApprove struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	Scopes     []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	RiskLevels []string `json:"risk_levels,omitempty" yaml:"risk_levels,omitempty"`
	Expression string   `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// RequirePreview lists scopes whose proposals must be previewed before
// approval.
type RequirePreview struct {
	Always []scope.Scope `json:"always,omitempty" yaml:"always,omitempty"`
}

// TrustPolicy is the per-construct configuration governing
// auto-approval, preview requirements, and the pending-proposal
// ceiling.
type TrustPolicy struct {
	AgentID             string         `json:"agent_id" yaml:"agent_id"`
	AutoApprove         AutoApprove    `json:"auto_approve" yaml:"auto_approve"`
	RequirePreview      RequirePreview `json:"require_preview" yaml:"require_preview"`
	MaxPendingManifests int            `json:"max_pending_manifests" yaml:"max_pending_manifests"`
	UpdatedAt           time.Time      `json:"updated_at" yaml:"-"`
}

// DefaultPolicy is the conservative baseline: nothing auto-approves and
// the pending ceiling applies.
func DefaultPolicy(agentID string) *TrustPolicy {
	return &TrustPolicy{
		AgentID:             agentID,
		MaxPendingManifests: DefaultMaxPendingManifests,
	}
}

// PolicyPatch carries the fields of an UpdatePolicy call. Nil fields
// retain their prior values, or catalog defaults on first write.
type PolicyPatch struct {
	AutoApprove         *AutoApprove    `json:"auto_approve,omitempty"`
	RequirePreview      *RequirePreview `json:"require_preview,omitempty"`
	MaxPendingManifests *int            `json:"max_pending_manifests,omitempty"`
}

// GetPolicy returns the stored policy for agentID, or nil if none has
// been written.
func (r *Registry) GetPolicy(agentID string) *TrustPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policies[agentID]
}

// EffectivePolicy returns the stored policy or the conservative default
// when none exists.
func (r *Registry) EffectivePolicy(agentID string) *TrustPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.effectivePolicyLocked(agentID)
}

func (r *Registry) effectivePolicyLocked(agentID string) *TrustPolicy {
	if p, ok := r.policies[agentID]; ok {
		return p
	}
	return DefaultPolicy(agentID)
}

// UpdatePolicy merges patch into agentID's policy and returns the
// result. The first write starts from the conservative default.
func (r *Registry) UpdatePolicy(agentID string, patch PolicyPatch) *TrustPolicy {
	r.mu.Lock()
	defer r.mu.Unlock()

	policy, ok := r.policies[agentID]
	if !ok {
		policy = DefaultPolicy(agentID)
		r.policies[agentID] = policy
	}
	if patch.AutoApprove != nil {
		policy.AutoApprove = *patch.AutoApprove
	}
	if patch.RequirePreview != nil {
		policy.RequirePreview = *patch.RequirePreview
	}
	if patch.MaxPendingManifests != nil && *patch.MaxPendingManifests > 0 {
		policy.MaxPendingManifests = *patch.MaxPendingManifests
	}
	policy.UpdatedAt = r.clock().UTC()
	return policy
}

// ShouldAutoApprove reports whether agentID's policy approves a
// proposal under s at the given risk without a human. The set rules
// must both match (scope listed or wildcard, risk listed or wildcard);
// failing that, an optional CEL expression gets one chance to allow.
// Evaluation errors fail closed.
func (r *Registry) ShouldAutoApprove(agentID string, s scope.Scope, risk scope.RiskLevel, target string) bool {
	r.mu.RLock()
	policy := r.policies[agentID]
	r.mu.RUnlock()

	if policy == nil || !policy.AutoApprove.Enabled {
		return false
	}
	if setContains(policy.AutoApprove.Scopes, string(s)) && setContains(policy.AutoApprove.RiskLevels, string(risk)) {
		return true
	}
	if policy.AutoApprove.Expression == "" {
		return false
	}
	allowed, err := r.cel.eval(policy.AutoApprove.Expression, map[string]any{
		"scope":      string(s),
		"risk_level": string(risk),
		"target":     target,
	})
	return err == nil && allowed
}

// RequiresPreview reports whether proposals under s must be previewed
// before approval. With no stored policy the answer is always true;
// granting blind approval is opt-in, never the default.
func (r *Registry) RequiresPreview(agentID string, s scope.Scope) bool {
	r.mu.RLock()
	policy := r.policies[agentID]
	r.mu.RUnlock()

	if policy == nil {
		return true
	}
	for _, listed := range policy.RequirePreview.Always {
		if listed == s {
			return true
		}
	}
	return false
}

func setContains(set []string, v string) bool {
	for _, s := range set {
		if s == scope.Wildcard || s == v {
			return true
		}
	}
	return false
}

// autoApproveEnv compiles and caches CEL programs for trust-policy
// expressions. Compilation happens once per distinct expression.
type autoApproveEnv struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newAutoApproveEnv() *autoApproveEnv {
	env, err := cel.NewEnv(
		cel.Variable("scope", cel.StringType),
		cel.Variable("risk_level", cel.StringType),
		cel.Variable("target", cel.StringType),
	)
	if err != nil {
		// The variable declarations above are static; this cannot fail
		// at runtime with a healthy build.
		panic(fmt.Sprintf("cel environment: %v", err))
	}
	return &autoApproveEnv{env: env, cache: make(map[string]cel.Program)}
}

func (a *autoApproveEnv) eval(expr string, input map[string]any) (bool, error) {
	prg, err := a.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("auto-approve expression eval: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("auto-approve expression must yield bool, got %T", out.Value())
	}
	return allowed, nil
}

func (a *autoApproveEnv) program(expr string) (cel.Program, error) {
	a.mu.RLock()
	prg, ok := a.cache[expr]
	a.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := a.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("auto-approve expression compile: %w", issues.Err())
	}
	prg, err := a.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("auto-approve expression program: %w", err)
	}

	a.mu.Lock()
	a.cache[expr] = prg
	a.mu.Unlock()
	return prg, nil
}
