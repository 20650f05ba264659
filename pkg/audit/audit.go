// Package audit records every permission change and manifest-lifecycle
// event in the authorization pipeline. The pipeline treats the sink as
// fire-and-forget: a slow or failing sink never blocks or fails the
// operation that produced the event.
package audit

import (
	"context"
	"time"
)

// Action names for pipeline events. The manifest store and registry
// emit exactly these; external consumers key off them.
const (
	ActionProposed         = "proposed"
	ActionProposalDenied   = "proposal_denied"
	ActionAutoRejected     = "proposal_auto_rejected"
	ActionPreviewing       = "previewing"
	ActionApproved         = "approved"
	ActionRejected         = "rejected"
	ActionQueued           = "queued"
	ActionExecuted         = "executed"
	ActionExecutionDenied  = "execution_denied"
	ActionRolledBack       = "rolled_back"
	ActionRollbackFailed   = "rollback_failed"
	ActionExpired          = "expired"
	ActionScopeGranted     = "scope_granted"
	ActionScopeRevoked     = "scope_revoked"
	ActionSuspended        = "construct_suspended"
	ActionReinstated       = "construct_reinstated"
	ActionPolicyUpdated    = "policy_updated"
	ActionProposalThrottle = "proposal_throttled"
)

// Event is one audit record.
type Event struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agent_id"`
	Action     string         `json:"action"`
	ManifestID string         `json:"manifest_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Details    map[string]any `json:"details,omitempty"`
}

// Sink is the append-only audit log contract. Implementations must not
// block the caller; batching or asynchronous persistence is their
// concern. ManifestID is empty for permission-only events.
type Sink interface {
	Log(ctx context.Context, agentID, action, manifestID string, details map[string]any)
}

// Discard is a Sink that drops every event. Useful in tests that do not
// assert on audit output.
var Discard Sink = discard{}

type discard struct{}

func (discard) Log(context.Context, string, string, string, map[string]any) {}

// Tee fans every event out to all sinks, in order.
func Tee(sinks ...Sink) Sink { return tee(sinks) }

type tee []Sink

func (t tee) Log(ctx context.Context, agentID, action, manifestID string, details map[string]any) {
	for _, s := range t {
		s.Log(ctx, agentID, action, manifestID, details)
	}
}
