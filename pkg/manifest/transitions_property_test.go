//go:build property
// +build property

// Property-based tests for the manifest lifecycle graph.
package manifest_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/vvault-systems/warden/pkg/audit"
	"github.com/vvault-systems/warden/pkg/manifest"
	"github.com/vvault-systems/warden/pkg/registry"
	"github.com/vvault-systems/warden/pkg/scope"
)

type nullSpool struct{}

func (nullSpool) Enqueue(context.Context, *manifest.Job) error      { return nil }
func (nullSpool) Pending(context.Context) ([]*manifest.Job, error)  { return nil, nil }
func (nullSpool) MarkDone(context.Context, string) error            { return nil }

// TestStatusSequenceIsAlwaysAPath drives a manifest with arbitrary
// operation sequences and checks that the observed status history never
// leaves the lifecycle graph: every consecutive pair of distinct
// statuses is a declared edge, and nothing reaches QUEUED or EXECUTED
// without passing through APPROVED.
func TestStatusSequenceIsAlwaysAPath(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	ops := []string{"preview", "approve", "reject", "execute", "complete", "rollback", "rollback_fail", "sweep_expired"}

	properties.Property("status history is a path through the graph", prop.ForAll(
		func(choices []int) bool {
			ctx := context.Background()
			now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			clock := func() time.Time { return now }

			reg := registry.New(scope.Default()).WithClock(clock)
			reg.GrantScope("katana-001", scope.MemoryWrite, "userA")
			store := manifest.NewStore(reg, audit.Discard, nullSpool{}, manifest.WithClock(clock))

			m, err := store.Propose(ctx, "katana-001", "userA", manifest.Proposal{
				Scope:         scope.MemoryWrite,
				Target:        "memory_log",
				CurrentState:  "a",
				ProposedState: "b",
				RiskLevel:     scope.RiskLow,
				Reversible:    true,
				Previewable:   true,
			})
			if err != nil {
				return false
			}

			history := []manifest.Status{m.Status}
			observe := func() {
				cur, err := store.Get(m.ManifestID)
				if err != nil {
					return
				}
				if history[len(history)-1] != cur.Status {
					history = append(history, cur.Status)
				}
			}

			for _, c := range choices {
				switch ops[c%len(ops)] {
				case "preview":
					store.Preview(ctx, m.ManifestID, "userA") //nolint:errcheck
				case "approve":
					store.Approve(ctx, m.ManifestID, "userA") //nolint:errcheck
				case "reject":
					store.Reject(ctx, m.ManifestID, "userA", "no") //nolint:errcheck
				case "execute":
					store.Execute(ctx, m.ManifestID, "userA") //nolint:errcheck
				case "complete":
					store.MarkExecuted(ctx, m.ManifestID, "runner") //nolint:errcheck
				case "rollback":
					store.Rollback(ctx, m.ManifestID, "userA", func(context.Context, *manifest.Manifest) (any, error) {
						return nil, nil
					}) //nolint:errcheck
				case "rollback_fail":
					store.Rollback(ctx, m.ManifestID, "userA", func(context.Context, *manifest.Manifest) (any, error) {
						return nil, errors.New("boom")
					}) //nolint:errcheck
				case "sweep_expired":
					now = now.Add(manifest.DefaultTTL + time.Minute)
					store.CleanupExpired(ctx)
				}
				observe()
			}

			// Every consecutive pair must be an edge.
			for i := 1; i < len(history); i++ {
				if !manifest.CanTransition(history[i-1], history[i]) {
					return false
				}
			}
			// No shortcut to the hand-off states.
			seenApproved := false
			for _, st := range history {
				if st == manifest.StatusApproved {
					seenApproved = true
				}
				if (st == manifest.StatusQueued || st == manifest.StatusExecuted) && !seenApproved {
					return false
				}
			}
			return history[0] == manifest.StatusProposed
		},
		gen.SliceOf(gen.IntRange(0, len(ops)-1)),
	))

	properties.TestingRun(t)
}
