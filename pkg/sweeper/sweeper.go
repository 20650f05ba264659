// Package sweeper expires stale proposals on a timer. The sweeper is a
// lifecycle-owned task: the service starts it once at init and stops it
// on shutdown, rather than leaving a free-running timer behind.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval between sweeps.
const DefaultInterval = 60 * time.Second

// Target is the slice of the manifest store the sweeper drives.
type Target interface {
	CleanupExpired(ctx context.Context) int
}

// Sweeper periodically expires PROPOSED/PREVIEWING manifests past their
// horizon. Each tick holds the store lock only for the duration of one
// cleanup pass.
type Sweeper struct {
	target   Target
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a sweeper over target. A non-positive interval falls back
// to the default.
func New(target Target, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{target: target, interval: interval, logger: logger}
}

// Start launches the sweep loop. Calling Start on a running sweeper is
// a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx)
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.target.CleanupExpired(ctx); n > 0 {
				s.logger.Info("expired stale manifests", "count", n)
			}
		}
	}
}

// Stop cancels the loop and waits for it to exit. Safe to call more
// than once or before Start.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
