package manifest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vvault-systems/warden/pkg/audit"
	"github.com/vvault-systems/warden/pkg/registry"
)

// DefaultTTL is the proposal expiry horizon when none is configured.
const DefaultTTL = 24 * time.Hour

// Executor performs (or reverses) a manifest's mutation directly. It
// receives a manifest copy; for rollback the current and proposed
// states are already swapped so the executor applies the inverse
// transform.
type Executor func(ctx context.Context, m *Manifest) (any, error)

// Store owns every manifest and is the only component that mutates one.
// A single mutex makes each lifecycle operation atomic with respect to
// concurrent calls for the same manifest or construct: the
// propose-and-count, approve-and-grant, execute-and-enqueue, and
// rollback paths each run entirely under the lock.
type Store struct {
	mu        sync.Mutex
	registry  *registry.Registry
	sink      audit.Sink
	spool     Spool
	signer    Signer
	clock     func() time.Time
	ttl       time.Duration
	manifests map[string]*Manifest
	pending   map[string]map[string]struct{} // approver -> manifest ids in PROPOSED/PREVIEWING
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithTTL overrides the proposal expiry horizon.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithSigner overrides the default digest signer.
func WithSigner(signer Signer) Option {
	return func(s *Store) { s.signer = signer }
}

// NewStore creates a manifest store over the given collaborators. The
// spool receives one durable record per executed manifest; the sink
// receives every lifecycle event.
func NewStore(reg *registry.Registry, sink audit.Sink, spool Spool, opts ...Option) *Store {
	s := &Store{
		registry:  reg,
		sink:      sink,
		spool:     spool,
		signer:    DigestSigner{},
		clock:     time.Now,
		ttl:       DefaultTTL,
		manifests: make(map[string]*Manifest),
		pending:   make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Propose validates the construct's scope, registers a new manifest as
// pending for userID, enforces the pending ceiling, and finally lets
// the trust policy auto-approve. The ceiling check runs after
// registration, so it is inclusive of the manifest that trips it; the
// auto-rejected manifest is returned alongside the error as a normal
// terminal record.
func (s *Store) Propose(ctx context.Context, agentID, userID string, p Proposal) (*Manifest, error) {
	v := s.registry.ValidateAction(agentID, p.Scope)
	if !v.Allowed {
		s.sink.Log(ctx, agentID, audit.ActionProposalDenied, "", map[string]any{
			"scope":  string(p.Scope),
			"reason": v.Reason,
		})
		return nil, &Error{Code: v.Reason, Detail: fmt.Sprintf("scope %s denied", p.Scope)}
	}

	now := s.clock().UTC()
	signature, err := s.signer.Sign(agentID, p, now)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}

	m := &Manifest{
		ManifestID:     uuid.New().String(),
		Actor:          agentID,
		ApproverID:     userID,
		Scope:          p.Scope,
		Target:         p.Target,
		CurrentState:   p.CurrentState,
		ProposedState:  p.ProposedState,
		Diff:           p.Diff,
		Rationale:      p.Rationale,
		RiskLevel:      p.RiskLevel,
		Reversible:     p.Reversible,
		Previewable:    p.Previewable,
		Status:         StatusProposed,
		ActorSignature: signature,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.manifests[m.ManifestID] = m
	s.addPendingLocked(m)

	limit := s.registry.EffectivePolicy(agentID).MaxPendingManifests
	if s.pendingCountLocked(userID, agentID) > limit {
		s.transitionLocked(m, StatusRejected)
		m.RejectedAt = &now
		m.RejectedBy = "system"
		m.RejectedReason = ErrCodeMaxPendingExceeded
		s.removePendingLocked(m)
		s.sink.Log(ctx, agentID, audit.ActionAutoRejected, m.ManifestID, map[string]any{
			"scope":       string(p.Scope),
			"approver_id": userID,
			"limit":       limit,
		})
		return m.Clone(), &Error{Code: ErrCodeMaxPendingExceeded, Status: StatusRejected,
			Detail: fmt.Sprintf("approver %s already has %d pending manifests for %s", userID, limit, agentID)}
	}

	s.sink.Log(ctx, agentID, audit.ActionProposed, m.ManifestID, map[string]any{
		"scope":       string(p.Scope),
		"target":      p.Target,
		"risk_level":  string(p.RiskLevel),
		"approver_id": userID,
	})

	if s.registry.ShouldAutoApprove(agentID, p.Scope, p.RiskLevel, p.Target) {
		return s.approveLocked(ctx, m, "system", true)
	}
	return m.Clone(), nil
}

// Preview transitions a PROPOSED, previewable manifest to PREVIEWING
// and returns the reviewer-facing view. An already-expired manifest is
// flipped to EXPIRED instead.
func (s *Store) Preview(ctx context.Context, manifestID, userID string) (*Preview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.manifests[manifestID]
	if !ok {
		return nil, &Error{Code: ErrCodeNotFound, Detail: manifestID}
	}
	if m.Status != StatusProposed {
		return nil, &Error{Code: ErrCodeInvalidStatus, Status: m.Status, Detail: "preview is only legal from PROPOSED"}
	}
	if !m.Previewable {
		return nil, &Error{Code: ErrCodeNotPreviewable, Status: m.Status, Detail: manifestID}
	}
	if s.expireIfPastLocked(ctx, m) {
		return nil, &Error{Code: ErrCodeExpired, Status: m.Status, Detail: manifestID}
	}

	s.transitionLocked(m, StatusPreviewing)
	s.sink.Log(ctx, m.Actor, audit.ActionPreviewing, m.ManifestID, map[string]any{"user_id": userID})

	return &Preview{
		ManifestID:    m.ManifestID,
		Actor:         m.Actor,
		Scope:         m.Scope,
		Target:        m.Target,
		CurrentState:  m.CurrentState,
		ProposedState: m.ProposedState,
		Diff:          m.Diff,
		Rationale:     m.Rationale,
		RiskLevel:     m.RiskLevel,
		Reversible:    m.Reversible,
		ExpiresAt:     m.ExpiresAt,
	}, nil
}

// Approve moves a PROPOSED or PREVIEWING manifest to APPROVED, grants
// the paired write scope to the actor if the catalog defines one, and
// clears pending tracking. An expired manifest flips to EXPIRED and the
// call fails.
func (s *Store) Approve(ctx context.Context, manifestID, userID string) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.manifests[manifestID]
	if !ok {
		return nil, &Error{Code: ErrCodeNotFound, Detail: manifestID}
	}
	return s.approveLocked(ctx, m, userID, false)
}

func (s *Store) approveLocked(ctx context.Context, m *Manifest, userID string, auto bool) (*Manifest, error) {
	if m.Status != StatusProposed && m.Status != StatusPreviewing {
		return nil, &Error{Code: ErrCodeInvalidStatus, Status: m.Status, Detail: "approve is only legal from PROPOSED or PREVIEWING"}
	}
	if s.expireIfPastLocked(ctx, m) {
		return nil, &Error{Code: ErrCodeExpired, Status: m.Status, Detail: m.ManifestID}
	}

	now := s.clock().UTC()
	s.transitionLocked(m, StatusApproved)
	m.ApprovedAt = &now
	m.ApprovedBy = userID
	m.AutoApproved = auto

	if ws := s.registry.Catalog().WriteScopeFor(m.Scope); ws != "" {
		if ok, reason := s.registry.GrantScope(m.Actor, ws, userID); !ok {
			// The propose-scope was validated, so its catalog pairing
			// cannot be invalid; treat defensively anyway.
			return nil, &Error{Code: reason, Detail: string(ws)}
		}
		m.GrantedWriteScope = ws
		s.sink.Log(ctx, m.Actor, audit.ActionScopeGranted, m.ManifestID, map[string]any{
			"scope":      string(ws),
			"granted_by": userID,
		})
	}

	s.sink.Log(ctx, m.Actor, audit.ActionApproved, m.ManifestID, map[string]any{
		"approved_by":   userID,
		"auto_approved": auto,
	})
	s.removePendingLocked(m)
	return m.Clone(), nil
}

// Reject moves a PROPOSED or PREVIEWING manifest to REJECTED and clears
// pending tracking.
func (s *Store) Reject(ctx context.Context, manifestID, userID, reason string) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.manifests[manifestID]
	if !ok {
		return nil, &Error{Code: ErrCodeNotFound, Detail: manifestID}
	}
	if m.Status != StatusProposed && m.Status != StatusPreviewing {
		return nil, &Error{Code: ErrCodeInvalidStatus, Status: m.Status, Detail: "reject is only legal from PROPOSED or PREVIEWING"}
	}

	now := s.clock().UTC()
	s.transitionLocked(m, StatusRejected)
	m.RejectedAt = &now
	m.RejectedBy = userID
	m.RejectedReason = reason

	s.sink.Log(ctx, m.Actor, audit.ActionRejected, m.ManifestID, map[string]any{
		"rejected_by": userID,
		"reason":      reason,
	})
	s.removePendingLocked(m)
	return m.Clone(), nil
}

// Execute re-validates the granted write scope at the moment of
// execution — approval is not a bearer token; revocation or suspension
// since approval blocks the hand-off. On success the job record is
// written durably first and only then does the manifest flip to QUEUED.
func (s *Store) Execute(ctx context.Context, manifestID, userID string) (*Manifest, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.manifests[manifestID]
	if !ok {
		return nil, "", &Error{Code: ErrCodeNotFound, Detail: manifestID}
	}
	if m.Status != StatusApproved {
		return nil, "", &Error{Code: ErrCodeInvalidStatus, Status: m.Status, Detail: "execute is only legal from APPROVED"}
	}

	ws := m.GrantedWriteScope
	if ws == "" {
		ws = m.Scope
	}
	if v := s.registry.ValidateAction(m.Actor, ws); !v.Allowed {
		s.sink.Log(ctx, m.Actor, audit.ActionExecutionDenied, m.ManifestID, map[string]any{
			"scope":  string(ws),
			"reason": v.Reason,
		})
		return nil, "", &Error{Code: ErrCodeExecutionDenied, Status: m.Status, Detail: v.Reason}
	}

	now := s.clock().UTC()
	job := &Job{
		JobID:      uuid.New().String(),
		ManifestID: m.ManifestID,
		Actor:      m.Actor,
		Status:     JobStatusQueued,
		Action:     m.Scope,
		Target:     m.Target,
		Payload:    m.ProposedState,
		ApprovedAt: derefTime(m.ApprovedAt),
		ExpiresAt:  m.ExpiresAt,
		Signature:  m.ActorSignature,
		EnqueueTS:  now,
		Manifest:   m.Clone(),
	}
	if err := s.spool.Enqueue(ctx, job); err != nil {
		// Durable write failed: the manifest stays APPROVED and the
		// caller may retry.
		return nil, "", &Error{Code: ErrCodeSpoolWrite, Status: m.Status, Detail: err.Error()}
	}

	s.transitionLocked(m, StatusQueued)
	m.QueuedAt = &now
	m.JobID = job.JobID

	s.sink.Log(ctx, m.Actor, audit.ActionQueued, m.ManifestID, map[string]any{
		"job_id":  job.JobID,
		"user_id": userID,
	})
	s.removePendingLocked(m)
	return m.Clone(), job.JobID, nil
}

// MarkExecuted is the runner's completion report: a QUEUED manifest
// whose job finished becomes EXECUTED, the state rollback later
// reverses from.
func (s *Store) MarkExecuted(ctx context.Context, manifestID, runnerID string) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.manifests[manifestID]
	if !ok {
		return nil, &Error{Code: ErrCodeNotFound, Detail: manifestID}
	}
	if m.Status != StatusQueued {
		return nil, &Error{Code: ErrCodeInvalidStatus, Status: m.Status, Detail: "completion report is only legal from QUEUED"}
	}

	now := s.clock().UTC()
	s.transitionLocked(m, StatusExecuted)
	m.ExecutedAt = &now
	s.sink.Log(ctx, m.Actor, audit.ActionExecuted, m.ManifestID, map[string]any{"runner_id": runnerID})
	return m.Clone(), nil
}

// Rollback reverses an EXECUTED, reversible manifest by invoking the
// executor with current and proposed states swapped. Executor failure
// leaves the manifest EXECUTED; the rollback is all-or-nothing from the
// manifest's perspective.
func (s *Store) Rollback(ctx context.Context, manifestID, userID string, exec Executor) (*Manifest, any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.manifests[manifestID]
	if !ok {
		return nil, nil, &Error{Code: ErrCodeNotFound, Detail: manifestID}
	}
	if m.Status != StatusExecuted {
		return nil, nil, &Error{Code: ErrCodeInvalidStatus, Status: m.Status, Detail: "rollback is only legal from EXECUTED"}
	}
	if !m.Reversible {
		return nil, nil, &Error{Code: ErrCodeNotReversible, Status: m.Status, Detail: manifestID}
	}

	inverse := m.Clone()
	inverse.CurrentState, inverse.ProposedState = m.ProposedState, m.CurrentState

	result, err := exec(ctx, inverse)
	if err != nil {
		s.sink.Log(ctx, m.Actor, audit.ActionRollbackFailed, m.ManifestID, map[string]any{
			"user_id": userID,
			"error":   err.Error(),
		})
		return nil, nil, &Error{Code: ErrCodeRollbackFailed, Status: m.Status, Detail: err.Error()}
	}

	now := s.clock().UTC()
	s.transitionLocked(m, StatusRolledBack)
	m.RolledBackAt = &now
	m.RolledBackBy = userID
	s.sink.Log(ctx, m.Actor, audit.ActionRolledBack, m.ManifestID, map[string]any{"user_id": userID})
	return m.Clone(), result, nil
}

// CleanupExpired moves every PROPOSED or PREVIEWING manifest past its
// horizon to EXPIRED and returns how many flipped. Idempotent, and safe
// to run concurrently with proposal traffic: it only ever moves
// manifests out of the two pre-approval states.
func (s *Store) CleanupExpired(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, m := range s.manifests {
		if m.Status != StatusProposed && m.Status != StatusPreviewing {
			continue
		}
		if s.expireIfPastLocked(ctx, m) {
			count++
		}
	}
	return count
}

// Get returns a copy of the manifest, or a not-found error.
func (s *Store) Get(manifestID string) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.manifests[manifestID]
	if !ok {
		return nil, &Error{Code: ErrCodeNotFound, Detail: manifestID}
	}
	return m.Clone(), nil
}

// PendingFor returns the manifests currently awaiting userID's
// decision, oldest first.
func (s *Store) PendingFor(userID string) []*Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.pending[userID]
	out := make([]*Manifest, 0, len(ids))
	for id := range ids {
		out = append(out, s.manifests[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PendingCount returns the number of manifests awaiting userID's
// decision that were proposed by agentID.
func (s *Store) PendingCount(userID, agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingCountLocked(userID, agentID)
}

func (s *Store) pendingCountLocked(userID, agentID string) int {
	count := 0
	for id := range s.pending[userID] {
		if s.manifests[id].Actor == agentID {
			count++
		}
	}
	return count
}

func (s *Store) addPendingLocked(m *Manifest) {
	set, ok := s.pending[m.ApproverID]
	if !ok {
		set = make(map[string]struct{})
		s.pending[m.ApproverID] = set
	}
	set[m.ManifestID] = struct{}{}
}

func (s *Store) removePendingLocked(m *Manifest) {
	if set, ok := s.pending[m.ApproverID]; ok {
		delete(set, m.ManifestID)
		if len(set) == 0 {
			delete(s.pending, m.ApproverID)
		}
	}
}

// expireIfPastLocked flips m to EXPIRED when its horizon has passed.
func (s *Store) expireIfPastLocked(ctx context.Context, m *Manifest) bool {
	if !s.clock().UTC().After(m.ExpiresAt) {
		return false
	}
	s.transitionLocked(m, StatusExpired)
	s.removePendingLocked(m)
	s.sink.Log(ctx, m.Actor, audit.ActionExpired, m.ManifestID, map[string]any{
		"expired_at": m.ExpiresAt,
	})
	return true
}

// transitionLocked applies an edge of the lifecycle graph. Callers have
// already validated legality against the source state; this is the
// final guard that no code path writes an edge missing from the table.
func (s *Store) transitionLocked(m *Manifest, to Status) {
	if !CanTransition(m.Status, to) {
		panic(fmt.Sprintf("illegal manifest transition %s -> %s", m.Status, to))
	}
	m.Status = to
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
