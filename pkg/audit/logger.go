package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WriterSink writes structured JSON audit lines to a configurable
// Writer. Marshal or write failures are logged and swallowed so the
// pipeline never observes them.
type WriterSink struct {
	mu     sync.Mutex
	writer io.Writer
	logger *slog.Logger
	clock  func() time.Time
}

// NewWriterSink creates a sink writing to os.Stdout.
func NewWriterSink() *WriterSink {
	return NewWriterSinkTo(os.Stdout)
}

// NewWriterSinkTo creates a sink writing to the given writer. This
// allows injection for testing and custom destinations.
func NewWriterSinkTo(w io.Writer) *WriterSink {
	if w == nil {
		w = os.Stdout
	}
	return &WriterSink{
		writer: w,
		logger: slog.Default(),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *WriterSink) WithClock(clock func() time.Time) *WriterSink {
	s.clock = clock
	return s
}

func (s *WriterSink) Log(_ context.Context, agentID, action, manifestID string, details map[string]any) {
	event := Event{
		ID:         uuid.New().String(),
		AgentID:    agentID,
		Action:     action,
		ManifestID: manifestID,
		Timestamp:  s.clock().UTC(),
		Details:    details,
	}

	line, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("audit event dropped", "action", action, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Prefix for easy filtering when multiplexed with other output.
	if _, err := s.writer.Write(append([]byte("AUDIT: "), append(line, '\n')...)); err != nil {
		s.logger.Warn("audit write failed", "action", action, "error", err)
	}
}
