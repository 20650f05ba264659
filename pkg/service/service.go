// Package service assembles the authorization pipeline: scope catalog,
// permission registry, manifest store, durable spool, audit sinks and
// the expiration sweeper, behind one façade the transport layer calls.
package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/vvault-systems/warden/pkg/audit"
	"github.com/vvault-systems/warden/pkg/config"
	"github.com/vvault-systems/warden/pkg/manifest"
	"github.com/vvault-systems/warden/pkg/observability"
	"github.com/vvault-systems/warden/pkg/registry"
	"github.com/vvault-systems/warden/pkg/scope"
	"github.com/vvault-systems/warden/pkg/spool"
	"github.com/vvault-systems/warden/pkg/sweeper"
)

// ErrCodeThrottled is returned when a construct exceeds its proposal
// rate.
const ErrCodeThrottled = "proposal_throttled"

// Service is the assembled pipeline. All lifecycle operations go
// through it so that rate limiting, tracing and permission-change
// auditing are applied uniformly.
type Service struct {
	registry *registry.Registry
	store    *manifest.Store
	spool    manifest.Spool
	chain    *audit.ChainSink
	sink     audit.Sink
	sweep    *sweeper.Sweeper
	obs      *observability.Provider
	logger   *slog.Logger
	rollback manifest.Executor
	db       *sql.DB

	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

type options struct {
	spool    manifest.Spool
	extra    audit.Sink
	clock    func() time.Time
	rollback manifest.Executor
	obs      *observability.Provider
}

// Option configures New.
type Option func(*options)

// WithSpool overrides the config-selected spool backend.
func WithSpool(sp manifest.Spool) Option {
	return func(o *options) { o.spool = sp }
}

// WithAuditSink adds an extra sink behind the built-in hash chain.
func WithAuditSink(s audit.Sink) Option {
	return func(o *options) { o.extra = s }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithRollbackExecutor sets the executor Rollback drives. Without one,
// rollback requests fail.
func WithRollbackExecutor(exec manifest.Executor) Option {
	return func(o *options) { o.rollback = exec }
}

// WithObservability overrides the telemetry provider.
func WithObservability(p *observability.Provider) Option {
	return func(o *options) { o.obs = p }
}

// New assembles a Service from configuration. The primary construct is
// seeded before the first request can arrive.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{
		logger:   slog.Default().With("component", "service"),
		rollback: o.rollback,
		limiters: make(map[string]*rate.Limiter),
	}

	if cfg.ProposalsPerMinute > 0 {
		s.limit = rate.Limit(float64(cfg.ProposalsPerMinute) / 60)
		s.burst = cfg.ProposalsPerMinute
	}

	s.chain = audit.NewChainSink()
	sinks := []audit.Sink{s.chain, audit.NewWriterSink()}
	if o.extra != nil {
		sinks = append(sinks, o.extra)
	}
	s.sink = audit.Tee(sinks...)

	s.registry = registry.New(scope.Default())
	if o.clock != nil {
		s.registry.WithClock(o.clock)
	}
	s.registry.SeedPrimary(cfg.PrimaryConstructID)

	sp, db, err := buildSpool(cfg, o.spool)
	if err != nil {
		return nil, err
	}
	s.spool, s.db = sp, db

	storeOpts := []manifest.Option{manifest.WithTTL(cfg.ManifestTTL)}
	if o.clock != nil {
		storeOpts = append(storeOpts, manifest.WithClock(o.clock))
	}
	if cfg.SignerKey != "" {
		storeOpts = append(storeOpts, manifest.WithSigner(manifest.JWTSigner{Key: []byte(cfg.SignerKey)}))
	}
	s.store = manifest.NewStore(s.registry, s.sink, s.spool, storeOpts...)

	s.sweep = sweeper.New(s.store, cfg.SweepInterval, s.logger)

	if o.obs != nil {
		s.obs = o.obs
	} else {
		obsCfg := observability.DefaultConfig()
		obsCfg.ServiceName = cfg.ServiceName
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obsCfg.Enabled = cfg.OTLPEndpoint != ""
		s.obs, err = observability.New(ctx, obsCfg)
		if err != nil {
			return nil, fmt.Errorf("init observability: %w", err)
		}
	}

	return s, nil
}

func buildSpool(cfg *config.Config, override manifest.Spool) (manifest.Spool, *sql.DB, error) {
	if override != nil {
		return override, nil, nil
	}
	switch cfg.SpoolBackend {
	case config.SpoolFile:
		sp, err := spool.NewFileSpool(cfg.SpoolDir)
		return sp, nil, err
	case config.SpoolSQLite:
		db, err := sql.Open("sqlite", cfg.SpoolDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite spool: %w", err)
		}
		sp, err := spool.NewSQLiteSpool(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return sp, db, nil
	case config.SpoolPostgres:
		db, err := sql.Open("postgres", cfg.SpoolDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres spool: %w", err)
		}
		return spool.NewPostgresSpool(db), db, nil
	default:
		return nil, nil, fmt.Errorf("unknown spool backend %q", cfg.SpoolBackend)
	}
}

// Start launches background work, currently the expiration sweeper.
func (s *Service) Start(ctx context.Context) {
	s.sweep.Start(ctx)
	s.logger.InfoContext(ctx, "pipeline started")
}

// Shutdown stops background work and flushes telemetry.
func (s *Service) Shutdown(ctx context.Context) error {
	s.sweep.Stop()
	if err := s.obs.Shutdown(ctx); err != nil {
		return err
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Propose submits an action manifest on behalf of agentID for userID's
// review, subject to the per-construct proposal rate.
func (s *Service) Propose(ctx context.Context, agentID, userID string, p manifest.Proposal) (*manifest.Manifest, error) {
	ctx, done := s.track(ctx, "propose", agentID)
	if lim := s.limiterFor(agentID); lim != nil && !lim.Allow() {
		s.sink.Log(ctx, agentID, audit.ActionProposalThrottle, "", map[string]any{
			"scope": string(p.Scope),
		})
		err := &manifest.Error{Code: ErrCodeThrottled, Detail: fmt.Sprintf("construct %s exceeded its proposal rate", agentID)}
		done(err)
		return nil, err
	}

	m, err := s.store.Propose(ctx, agentID, userID, p)
	done(err)
	return m, err
}

// Preview renders the reviewer-facing view of a pending manifest.
func (s *Service) Preview(ctx context.Context, manifestID, userID string) (*manifest.Preview, error) {
	ctx, done := s.track(ctx, "preview", manifestID)
	p, err := s.store.Preview(ctx, manifestID, userID)
	done(err)
	return p, err
}

// Approve records userID's approval and grants the paired write scope.
func (s *Service) Approve(ctx context.Context, manifestID, userID string) (*manifest.Manifest, error) {
	ctx, done := s.track(ctx, "approve", manifestID)
	m, err := s.store.Approve(ctx, manifestID, userID)
	done(err)
	return m, err
}

// Reject records userID's rejection.
func (s *Service) Reject(ctx context.Context, manifestID, userID, reason string) (*manifest.Manifest, error) {
	ctx, done := s.track(ctx, "reject", manifestID)
	m, err := s.store.Reject(ctx, manifestID, userID, reason)
	done(err)
	return m, err
}

// Execute hands an approved manifest to the durable spool.
func (s *Service) Execute(ctx context.Context, manifestID, userID string) (*manifest.Manifest, string, error) {
	ctx, done := s.track(ctx, "execute", manifestID)
	m, jobID, err := s.store.Execute(ctx, manifestID, userID)
	done(err)
	return m, jobID, err
}

// MarkExecuted records the runner's completion report for a queued job.
func (s *Service) MarkExecuted(ctx context.Context, manifestID, runnerID string) (*manifest.Manifest, error) {
	ctx, done := s.track(ctx, "mark_executed", manifestID)
	m, err := s.store.MarkExecuted(ctx, manifestID, runnerID)
	done(err)
	return m, err
}

// Rollback reverses an executed manifest through the configured
// executor.
func (s *Service) Rollback(ctx context.Context, manifestID, userID string) (*manifest.Manifest, any, error) {
	ctx, done := s.track(ctx, "rollback", manifestID)
	if s.rollback == nil {
		err := &manifest.Error{Code: manifest.ErrCodeRollbackFailed, Detail: "no rollback executor configured"}
		done(err)
		return nil, nil, err
	}
	m, result, err := s.store.Rollback(ctx, manifestID, userID, s.rollback)
	done(err)
	return m, result, err
}

// Get returns a manifest by id.
func (s *Service) Get(manifestID string) (*manifest.Manifest, error) {
	return s.store.Get(manifestID)
}

// PendingFor lists manifests awaiting userID's decision, oldest first.
func (s *Service) PendingFor(userID string) []*manifest.Manifest {
	return s.store.PendingFor(userID)
}

// PendingJobs lists spool records not yet completed by a runner.
func (s *Service) PendingJobs(ctx context.Context) ([]*manifest.Job, error) {
	return s.spool.Pending(ctx)
}

// Snapshot exports a construct's current permission state.
func (s *Service) Snapshot(agentID string) registry.Snapshot {
	return s.registry.Export(agentID)
}

// GrantScope grants a scope directly, outside the manifest flow, and
// audits it. Bootstrap and operator tooling use this.
func (s *Service) GrantScope(ctx context.Context, agentID string, sc scope.Scope, grantedBy string) error {
	ok, reason := s.registry.GrantScope(agentID, sc, grantedBy)
	if !ok {
		return &manifest.Error{Code: reason, Detail: string(sc)}
	}
	s.sink.Log(ctx, agentID, audit.ActionScopeGranted, "", map[string]any{
		"scope":      string(sc),
		"granted_by": grantedBy,
	})
	return nil
}

// RevokeScope removes a granted scope and audits the removal.
func (s *Service) RevokeScope(ctx context.Context, agentID string, sc scope.Scope) bool {
	if !s.registry.RevokeScope(agentID, sc) {
		return false
	}
	s.sink.Log(ctx, agentID, audit.ActionScopeRevoked, "", map[string]any{
		"scope": string(sc),
	})
	return true
}

// Suspend freezes all of a construct's permissions.
func (s *Service) Suspend(ctx context.Context, agentID, reason string) bool {
	if !s.registry.Suspend(agentID, reason) {
		return false
	}
	s.sink.Log(ctx, agentID, audit.ActionSuspended, "", map[string]any{
		"reason": reason,
	})
	return true
}

// Reinstate lifts a suspension.
func (s *Service) Reinstate(ctx context.Context, agentID string) bool {
	if !s.registry.Reinstate(agentID) {
		return false
	}
	s.sink.Log(ctx, agentID, audit.ActionReinstated, "", nil)
	return true
}

// UpdatePolicy merges a trust-policy patch and audits the change.
func (s *Service) UpdatePolicy(ctx context.Context, agentID string, patch registry.PolicyPatch) *registry.TrustPolicy {
	p := s.registry.UpdatePolicy(agentID, patch)
	s.sink.Log(ctx, agentID, audit.ActionPolicyUpdated, "", map[string]any{
		"max_pending": p.MaxPendingManifests,
	})
	return p
}

// AuditTrail returns the chain entries touching one manifest.
func (s *Service) AuditTrail(manifestID string) []*audit.ChainEntry {
	return s.chain.ByManifest(manifestID)
}

// VerifyAudit re-walks the hash chain.
func (s *Service) VerifyAudit() error {
	return s.chain.Verify()
}

// CleanupExpired runs one sweep outside the timer, for tooling.
func (s *Service) CleanupExpired(ctx context.Context) int {
	return s.store.CleanupExpired(ctx)
}

func (s *Service) limiterFor(agentID string) *rate.Limiter {
	if s.limit == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[agentID]
	if !ok {
		lim = rate.NewLimiter(s.limit, s.burst)
		s.limiters[agentID] = lim
	}
	return lim
}

func (s *Service) track(ctx context.Context, op, subject string) (context.Context, func(error)) {
	return s.obs.TrackOperation(ctx, "warden."+op,
		attribute.String("warden.operation", op),
		attribute.String("warden.subject", subject),
	)
}
