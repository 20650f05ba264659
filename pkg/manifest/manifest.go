// Package manifest implements the action-manifest lifecycle: a
// construct proposes a mutating action, a human (or trust policy)
// decides it, and approved work is handed off durably to an external
// runner. Every transition is audited; terminal manifests are retained,
// never deleted.
package manifest

import (
	"fmt"
	"time"

	"github.com/vvault-systems/warden/pkg/scope"
)

// Status is the lifecycle state of a manifest.
type Status string

const (
	StatusProposed   Status = "PROPOSED"
	StatusPreviewing Status = "PREVIEWING"
	StatusApproved   Status = "APPROVED"
	StatusQueued     Status = "QUEUED"
	StatusExecuted   Status = "EXECUTED"
	StatusRolledBack Status = "ROLLED_BACK"
	StatusRejected   Status = "REJECTED"
	StatusExpired    Status = "EXPIRED"
)

// transitions is the complete graph. A transition absent here is
// illegal regardless of caller; every operation checks this table
// before mutating anything.
var transitions = map[Status][]Status{
	StatusProposed:   {StatusPreviewing, StatusApproved, StatusRejected, StatusExpired},
	StatusPreviewing: {StatusApproved, StatusRejected, StatusExpired},
	StatusApproved:   {StatusQueued},
	StatusQueued:     {StatusExecuted},
	StatusExecuted:   {StatusRolledBack},
	// REJECTED, EXPIRED, ROLLED_BACK are terminal.
}

// CanTransition reports whether from -> to is an edge of the lifecycle
// graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions. EXECUTED is
// not terminal: a reversible manifest can still be rolled back.
func Terminal(s Status) bool {
	return len(transitions[s]) == 0
}

// Proposal is the construct-supplied body of a propose call.
type Proposal struct {
	Scope         scope.Scope     `json:"scope"`
	Target        string          `json:"target"`
	CurrentState  any             `json:"current_state"`
	ProposedState any             `json:"proposed_state"`
	Diff          string          `json:"diff,omitempty"`
	Rationale     string          `json:"rationale,omitempty"`
	RiskLevel     scope.RiskLevel `json:"risk_level"`
	Reversible    bool            `json:"reversible"`
	Previewable   bool            `json:"previewable"`
}

// Manifest is one proposed-and-tracked action through its full
// lifecycle. Only the Store mutates it.
type Manifest struct {
	ManifestID    string          `json:"manifest_id"`
	Actor         string          `json:"actor"`
	ApproverID    string          `json:"approver_id"` // the human whose pending set tracks this
	Scope         scope.Scope     `json:"scope"`
	Target        string          `json:"target"`
	CurrentState  any             `json:"current_state"`
	ProposedState any             `json:"proposed_state"`
	Diff          string          `json:"diff,omitempty"`
	Rationale     string          `json:"rationale,omitempty"`
	RiskLevel     scope.RiskLevel `json:"risk_level"`
	Reversible    bool            `json:"reversible"`
	Previewable   bool            `json:"previewable"`
	Status        Status          `json:"status"`

	ActorSignature string    `json:"actor_signature"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`

	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	ApprovedBy   string     `json:"approved_by,omitempty"`
	AutoApproved bool       `json:"auto_approved,omitempty"`

	GrantedWriteScope scope.Scope `json:"granted_write_scope,omitempty"`

	RejectedAt     *time.Time `json:"rejected_at,omitempty"`
	RejectedBy     string     `json:"rejected_by,omitempty"`
	RejectedReason string     `json:"rejected_reason,omitempty"`

	QueuedAt *time.Time `json:"queued_at,omitempty"`
	JobID    string     `json:"job_id,omitempty"`

	ExecutedAt *time.Time `json:"executed_at,omitempty"`

	RolledBackAt *time.Time `json:"rolled_back_at,omitempty"`
	RolledBackBy string     `json:"rolled_back_by,omitempty"`
}

// Clone returns a shallow copy safe to hand outside the store lock.
// Current/proposed state payloads are shared; callers treat them as
// read-only.
func (m *Manifest) Clone() *Manifest {
	cp := *m
	return &cp
}

// Preview is the reviewer-facing view of a manifest: everything a human
// needs to decide without touching the live system.
type Preview struct {
	ManifestID    string          `json:"manifest_id"`
	Actor         string          `json:"actor"`
	Scope         scope.Scope     `json:"scope"`
	Target        string          `json:"target"`
	CurrentState  any             `json:"current_state"`
	ProposedState any             `json:"proposed_state"`
	Diff          string          `json:"diff,omitempty"`
	Rationale     string          `json:"rationale,omitempty"`
	RiskLevel     scope.RiskLevel `json:"risk_level"`
	Reversible    bool            `json:"reversible"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// Error codes for lifecycle failures. Permission denials carry the
// registry's reason codes instead.
const (
	ErrCodeNotFound           = "manifest_not_found"
	ErrCodeInvalidStatus      = "invalid_status"
	ErrCodeExpired            = "expired"
	ErrCodeMaxPendingExceeded = "max_pending_exceeded"
	ErrCodeNotPreviewable     = "not_previewable"
	ErrCodeNotReversible      = "not_reversible"
	ErrCodeExecutionDenied    = "execution_denied"
	ErrCodeRollbackFailed     = "rollback_failed"
	ErrCodeSpoolWrite         = "spool_write_failed"
)

// Error is a structured, per-call failure. State-conflict errors carry
// the manifest's current status so callers can react; nothing in the
// pipeline panics or kills the process.
type Error struct {
	Code   string `json:"code"`
	Status Status `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s (status=%s): %s", e.Code, e.Status, e.Detail)
	}
	if e.Detail == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// ErrCode extracts the code from a pipeline error, or "" for foreign
// errors.
func ErrCode(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
