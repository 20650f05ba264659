package manifest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vvault-systems/warden/pkg/audit"
	"github.com/vvault-systems/warden/pkg/registry"
	"github.com/vvault-systems/warden/pkg/scope"
)

// memSpool is an in-memory Spool for tests.
type memSpool struct {
	mu       sync.Mutex
	jobs     []*Job
	failNext bool
}

func (s *memSpool) Enqueue(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("disk full")
	}
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *memSpool) Pending(context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, len(s.jobs))
	copy(out, s.jobs)
	return out, nil
}

func (s *memSpool) MarkDone(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.JobID == jobID {
			j.Status = JobStatusDone
			return nil
		}
	}
	return fmt.Errorf("job %s not found", jobID)
}

type fixture struct {
	reg   *registry.Registry
	store *Store
	spool *memSpool
	sink  *audit.ChainSink
	now   time.Time
	mu    sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		spool: &memSpool{},
		now:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	f.sink = audit.NewChainSink().WithClock(f.clock)
	f.reg = registry.New(scope.Default()).WithClock(f.clock)
	f.reg.GrantScope("katana-001", scope.MemoryWrite, "userA")
	f.reg.GrantScope("katana-001", scope.MemoryRead, "userA")
	f.store = NewStore(f.reg, f.sink, f.spool, WithClock(f.clock))
	return f
}

func memoryProposal() Proposal {
	return Proposal{
		Scope:         scope.MemoryWrite,
		Target:        "memory_log",
		CurrentState:  map[string]any{"entries": 41},
		ProposedState: map[string]any{"entries": 42},
		Diff:          "+1 entry",
		Rationale:     "append session summary",
		RiskLevel:     scope.RiskLow,
		Reversible:    true,
		Previewable:   true,
	}
}

func TestProposeUnknownScopeFailsClosed(t *testing.T) {
	f := newFixture(t)
	p := memoryProposal()
	p.Scope = "memory.obliterate"

	m, err := f.store.Propose(context.Background(), "katana-001", "userA", p)
	if m != nil || ErrCode(err) != registry.ReasonUnknownScope {
		t.Fatalf("expected unknown_scope, got m=%v err=%v", m, err)
	}
	if len(f.store.PendingFor("userA")) != 0 {
		t.Fatal("denied proposal must not register as pending")
	}
	entries := f.sink.Entries()
	if len(entries) != 1 || entries[0].Event.Action != audit.ActionProposalDenied {
		t.Fatalf("expected a single proposal_denied event, got %v", entries)
	}
}

func TestProposeWithoutGrantFails(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.Propose(context.Background(), "stranger-007", "userA", memoryProposal())
	if ErrCode(err) != registry.ReasonNoGrant {
		t.Fatalf("expected no_grant, got %v", err)
	}
}

func TestFullApprovalPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.store.Propose(ctx, "katana-001", "userA", memoryProposal())
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusProposed {
		t.Fatalf("expected PROPOSED, got %s", m.Status)
	}
	if m.ActorSignature == "" || m.ExpiresAt.IsZero() {
		t.Fatal("manifest missing signature or expiry")
	}
	if v := f.reg.ValidateAction("katana-001", scope.MemoryWrite); !v.RequiresApproval {
		t.Fatal("memory.write must require approval")
	}

	approved, err := f.store.Approve(ctx, m.ManifestID, "userA")
	if err != nil {
		t.Fatal(err)
	}
	if approved.Status != StatusApproved || approved.ApprovedBy != "userA" || approved.AutoApproved {
		t.Fatalf("unexpected approval record: %+v", approved)
	}
	if approved.GrantedWriteScope != scope.MemoryWriteExec {
		t.Fatalf("expected granted write scope %s, got %s", scope.MemoryWriteExec, approved.GrantedWriteScope)
	}
	if !f.reg.HasScope("katana-001", scope.MemoryWriteExec) {
		t.Fatal("approval must grant the paired write scope")
	}
	if len(f.store.PendingFor("userA")) != 0 {
		t.Fatal("approval must clear pending tracking")
	}

	queued, jobID, err := f.store.Execute(ctx, m.ManifestID, "userA")
	if err != nil {
		t.Fatal(err)
	}
	if queued.Status != StatusQueued || queued.JobID != jobID {
		t.Fatalf("unexpected queued record: %+v", queued)
	}

	jobs, _ := f.spool.Pending(ctx)
	if len(jobs) != 1 {
		t.Fatalf("expected one spooled job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.Target != "memory_log" || job.ManifestID != m.ManifestID || job.Status != JobStatusQueued {
		t.Fatalf("job record wrong: %+v", job)
	}
	if payload, ok := job.Payload.(map[string]any); !ok || payload["entries"] != 42 {
		t.Fatalf("job payload must carry the proposed state, got %+v", job.Payload)
	}
	if job.Manifest == nil || job.Manifest.ManifestID != m.ManifestID {
		t.Fatal("job must embed the full manifest for replay")
	}

	if err := f.sink.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestApproveWithoutWriteCounterpartGrantsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := memoryProposal()
	p.Scope = scope.MemoryRead

	m, err := f.store.Propose(ctx, "katana-001", "userA", p)
	if err != nil {
		t.Fatal(err)
	}
	before := len(f.reg.GetGrant("katana-001").Scopes)

	approved, err := f.store.Approve(ctx, m.ManifestID, "userA")
	if err != nil {
		t.Fatal(err)
	}
	if approved.GrantedWriteScope != "" {
		t.Fatalf("read-only scope must grant nothing, got %s", approved.GrantedWriteScope)
	}
	if after := len(f.reg.GetGrant("katana-001").Scopes); after != before {
		t.Fatalf("scope set changed from %d to %d", before, after)
	}
}

func TestAutoApprovePolicy(t *testing.T) {
	f := newFixture(t)
	f.reg.UpdatePolicy("katana-001", registry.PolicyPatch{
		AutoApprove: &registry.AutoApprove{
			Enabled:    true,
			Scopes:     []string{"memory.write"},
			RiskLevels: []string{"low"},
		},
	})

	m, err := f.store.Propose(context.Background(), "katana-001", "userA", memoryProposal())
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusApproved || !m.AutoApproved || m.ApprovedBy != "system" {
		t.Fatalf("expected auto-approved manifest, got %+v", m)
	}
	if m.GrantedWriteScope != scope.MemoryWriteExec {
		t.Fatal("auto-approval must still grant the write scope")
	}

	// High risk falls outside the policy and stays PROPOSED.
	p := memoryProposal()
	p.RiskLevel = scope.RiskHigh
	m2, err := f.store.Propose(context.Background(), "katana-001", "userA", p)
	if err != nil {
		t.Fatal(err)
	}
	if m2.Status != StatusProposed {
		t.Fatalf("expected PROPOSED for high risk, got %s", m2.Status)
	}
}

func TestPreviewFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, _ := f.store.Propose(ctx, "katana-001", "userA", memoryProposal())

	pv, err := f.store.Preview(ctx, m.ManifestID, "userA")
	if err != nil {
		t.Fatal(err)
	}
	if pv.Target != "memory_log" || pv.Diff != "+1 entry" || !pv.Reversible {
		t.Fatalf("preview missing reviewer fields: %+v", pv)
	}
	got, _ := f.store.Get(m.ManifestID)
	if got.Status != StatusPreviewing {
		t.Fatalf("expected PREVIEWING, got %s", got.Status)
	}

	// Second preview is a state conflict, carrying the current status.
	_, err = f.store.Preview(ctx, m.ManifestID, "userA")
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != ErrCodeInvalidStatus || perr.Status != StatusPreviewing {
		t.Fatalf("expected invalid_status carrying PREVIEWING, got %v", err)
	}

	// Approval is legal from PREVIEWING.
	if _, err := f.store.Approve(ctx, m.ManifestID, "userA"); err != nil {
		t.Fatal(err)
	}
}

func TestPreviewRequiresPreviewableFlag(t *testing.T) {
	f := newFixture(t)
	p := memoryProposal()
	p.Previewable = false

	m, _ := f.store.Propose(context.Background(), "katana-001", "userA", p)
	_, err := f.store.Preview(context.Background(), m.ManifestID, "userA")
	if ErrCode(err) != ErrCodeNotPreviewable {
		t.Fatalf("expected not_previewable, got %v", err)
	}
	got, _ := f.store.Get(m.ManifestID)
	if got.Status != StatusProposed {
		t.Fatal("failed preview must not change state")
	}
}

func TestRejectClearsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, _ := f.store.Propose(ctx, "katana-001", "userA", memoryProposal())
	rejected, err := f.store.Reject(ctx, m.ManifestID, "userA", "too risky")
	if err != nil {
		t.Fatal(err)
	}
	if rejected.Status != StatusRejected || rejected.RejectedReason != "too risky" || rejected.RejectedBy != "userA" {
		t.Fatalf("unexpected rejection record: %+v", rejected)
	}
	if len(f.store.PendingFor("userA")) != 0 {
		t.Fatal("rejection must clear pending tracking")
	}

	// Terminal: nothing else is legal.
	if _, err := f.store.Approve(ctx, m.ManifestID, "userA"); ErrCode(err) != ErrCodeInvalidStatus {
		t.Fatalf("expected invalid_status after rejection, got %v", err)
	}
}

func TestApproveExpiredManifestFlipsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, _ := f.store.Propose(ctx, "katana-001", "userA", memoryProposal())
	f.advance(DefaultTTL + time.Minute)

	_, err := f.store.Approve(ctx, m.ManifestID, "userA")
	if ErrCode(err) != ErrCodeExpired {
		t.Fatalf("expected expired, got %v", err)
	}
	got, _ := f.store.Get(m.ManifestID)
	if got.Status != StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", got.Status)
	}
	if len(f.store.PendingFor("userA")) != 0 {
		t.Fatal("expiry must clear pending tracking")
	}
}

func TestExecuteDeniedAfterSuspension(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, _ := f.store.Propose(ctx, "katana-001", "userA", memoryProposal())
	if _, err := f.store.Approve(ctx, m.ManifestID, "userA"); err != nil {
		t.Fatal(err)
	}

	f.reg.Suspend("katana-001", "post-approval anomaly")

	_, _, err := f.store.Execute(ctx, m.ManifestID, "userA")
	if ErrCode(err) != ErrCodeExecutionDenied {
		t.Fatalf("expected execution_denied, got %v", err)
	}
	got, _ := f.store.Get(m.ManifestID)
	if got.Status != StatusApproved {
		t.Fatalf("denied execution must leave APPROVED, got %s", got.Status)
	}
	if jobs, _ := f.spool.Pending(ctx); len(jobs) != 0 {
		t.Fatal("denied execution must not spool a job")
	}

	// Reinstatement restores the grant and execution proceeds.
	f.reg.Reinstate("katana-001")
	if _, _, err := f.store.Execute(ctx, m.ManifestID, "userA"); err != nil {
		t.Fatal(err)
	}
}

func TestExecuteDeniedAfterRevocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, _ := f.store.Propose(ctx, "katana-001", "userA", memoryProposal())
	approved, err := f.store.Approve(ctx, m.ManifestID, "userA")
	if err != nil {
		t.Fatal(err)
	}

	f.reg.RevokeScope("katana-001", approved.GrantedWriteScope)

	_, _, err = f.store.Execute(ctx, m.ManifestID, "userA")
	if ErrCode(err) != ErrCodeExecutionDenied {
		t.Fatalf("expected execution_denied, got %v", err)
	}
}

func TestExecuteSpoolFailureLeavesApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, _ := f.store.Propose(ctx, "katana-001", "userA", memoryProposal())
	if _, err := f.store.Approve(ctx, m.ManifestID, "userA"); err != nil {
		t.Fatal(err)
	}

	f.spool.failNext = true
	_, _, err := f.store.Execute(ctx, m.ManifestID, "userA")
	if ErrCode(err) != ErrCodeSpoolWrite {
		t.Fatalf("expected spool_write_failed, got %v", err)
	}
	got, _ := f.store.Get(m.ManifestID)
	if got.Status != StatusApproved || got.JobID != "" {
		t.Fatalf("failed durable write must leave APPROVED with no job id, got %+v", got)
	}

	// Retry succeeds.
	if _, _, err := f.store.Execute(ctx, m.ManifestID, "userA"); err != nil {
		t.Fatal(err)
	}
}

func TestRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, _ := f.store.Propose(ctx, "katana-001", "userA", memoryProposal())
	f.store.Approve(ctx, m.ManifestID, "userA")
	f.store.Execute(ctx, m.ManifestID, "userA")
	if _, err := f.store.MarkExecuted(ctx, m.ManifestID, "runner-1"); err != nil {
		t.Fatal(err)
	}

	// Executor failure leaves the manifest EXECUTED.
	_, _, err := f.store.Rollback(ctx, m.ManifestID, "userA", func(context.Context, *Manifest) (any, error) {
		return nil, errors.New("target unreachable")
	})
	if ErrCode(err) != ErrCodeRollbackFailed {
		t.Fatalf("expected rollback_failed, got %v", err)
	}
	got, _ := f.store.Get(m.ManifestID)
	if got.Status != StatusExecuted {
		t.Fatalf("failed rollback must leave EXECUTED, got %s", got.Status)
	}

	// Success swaps states and lands in ROLLED_BACK.
	var sawCurrent, sawProposed any
	rolled, result, err := f.store.Rollback(ctx, m.ManifestID, "userA", func(_ context.Context, inv *Manifest) (any, error) {
		sawCurrent, sawProposed = inv.CurrentState, inv.ProposedState
		return "reversed", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if rolled.Status != StatusRolledBack || rolled.RolledBackBy != "userA" {
		t.Fatalf("unexpected rollback record: %+v", rolled)
	}
	if result != "reversed" {
		t.Fatalf("executor result lost: %v", result)
	}
	if sawCurrent.(map[string]any)["entries"] != 42 || sawProposed.(map[string]any)["entries"] != 41 {
		t.Fatalf("executor must see swapped states, got current=%v proposed=%v", sawCurrent, sawProposed)
	}
}

func TestRollbackNonReversible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := memoryProposal()
	p.Reversible = false
	m, _ := f.store.Propose(ctx, "katana-001", "userA", p)
	f.store.Approve(ctx, m.ManifestID, "userA")
	f.store.Execute(ctx, m.ManifestID, "userA")
	f.store.MarkExecuted(ctx, m.ManifestID, "runner-1")

	_, _, err := f.store.Rollback(ctx, m.ManifestID, "userA", func(context.Context, *Manifest) (any, error) {
		t.Fatal("executor must not run for a non-reversible manifest")
		return nil, nil
	})
	if ErrCode(err) != ErrCodeNotReversible {
		t.Fatalf("expected not_reversible, got %v", err)
	}
	got, _ := f.store.Get(m.ManifestID)
	if got.Status != StatusExecuted {
		t.Fatal("failed rollback must not change state")
	}
}

func TestPendingCeilingInclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	limit := 5

	for i := 0; i < limit; i++ {
		if _, err := f.store.Propose(ctx, "katana-001", "userA", memoryProposal()); err != nil {
			t.Fatalf("proposal %d: %v", i, err)
		}
	}

	m, err := f.store.Propose(ctx, "katana-001", "userA", memoryProposal())
	if ErrCode(err) != ErrCodeMaxPendingExceeded {
		t.Fatalf("expected max_pending_exceeded, got %v", err)
	}
	if m == nil || m.Status != StatusRejected || m.RejectedReason != ErrCodeMaxPendingExceeded {
		t.Fatalf("auto-rejected manifest must be returned as a terminal record, got %+v", m)
	}
	if got := len(f.store.PendingFor("userA")); got != limit {
		t.Fatalf("pending set must not exceed the limit, got %d", got)
	}

	// A different approver has their own pending set.
	if _, err := f.store.Propose(ctx, "katana-001", "userB", memoryProposal()); err != nil {
		t.Fatalf("second approver must not be affected: %v", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m1, _ := f.store.Propose(ctx, "katana-001", "userA", memoryProposal())
	f.store.Preview(ctx, m1.ManifestID, "userA")
	m2, _ := f.store.Propose(ctx, "katana-001", "userA", memoryProposal())

	// An approved manifest must never expire.
	m3, _ := f.store.Propose(ctx, "katana-001", "userA", memoryProposal())
	f.store.Approve(ctx, m3.ManifestID, "userA")

	f.advance(DefaultTTL + time.Minute)

	if n := f.store.CleanupExpired(ctx); n != 2 {
		t.Fatalf("expected 2 expired, got %d", n)
	}
	for _, id := range []string{m1.ManifestID, m2.ManifestID} {
		got, _ := f.store.Get(id)
		if got.Status != StatusExpired {
			t.Fatalf("%s: expected EXPIRED, got %s", id, got.Status)
		}
	}
	got3, _ := f.store.Get(m3.ManifestID)
	if got3.Status != StatusApproved {
		t.Fatalf("approved manifest must survive the sweep, got %s", got3.Status)
	}
	if len(f.store.PendingFor("userA")) != 0 {
		t.Fatal("expired manifests must leave the pending set")
	}

	if n := f.store.CleanupExpired(ctx); n != 0 {
		t.Fatalf("second sweep must be a no-op, got %d", n)
	}
}

func TestConcurrentProposalsRespectCeiling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.store.Propose(ctx, "katana-001", "userA", memoryProposal()) //nolint:errcheck
		}()
	}
	wg.Wait()

	if got := len(f.store.PendingFor("userA")); got > registry.DefaultMaxPendingManifests {
		t.Fatalf("pending set exceeded ceiling under concurrency: %d", got)
	}
}
