package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrChainBroken = errors.New("audit hash chain is broken")

// ChainEntry is a single immutable entry in the chained store. Each
// entry hashes its payload and the previous entry's hash, so any
// retroactive edit is detectable by Verify.
type ChainEntry struct {
	EntryID      string    `json:"entry_id"`
	Sequence     uint64    `json:"sequence"`
	Timestamp    time.Time `json:"timestamp"`
	Event        Event     `json:"event"`
	PayloadHash  string    `json:"payload_hash"`
	PreviousHash string    `json:"previous_hash"`
	EntryHash    string    `json:"entry_hash"`
}

// EntryHandler is called synchronously for every appended entry.
type EntryHandler func(entry *ChainEntry)

// ChainSink is an in-memory append-only audit store with hash chaining.
// It implements Sink and keeps every event queryable for inspection.
type ChainSink struct {
	mu        sync.RWMutex
	entries   []*ChainEntry
	sequence  uint64
	chainHead string
	handlers  []EntryHandler
	clock     func() time.Time
}

// NewChainSink creates an empty chained store.
func NewChainSink() *ChainSink {
	return &ChainSink{chainHead: "genesis", clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *ChainSink) WithClock(clock func() time.Time) *ChainSink {
	s.clock = clock
	return s
}

// OnAppend registers a handler invoked for each new entry. Handlers run
// under the store lock and must return quickly.
func (s *ChainSink) OnAppend(h EntryHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *ChainSink) Log(_ context.Context, agentID, action, manifestID string, details map[string]any) {
	event := Event{
		ID:         uuid.New().String(),
		AgentID:    agentID,
		Action:     action,
		ManifestID: manifestID,
		Details:    details,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	event.Timestamp = now

	payload, err := json.Marshal(event)
	if err != nil {
		// Nothing sensible to chain; drop rather than fail the caller.
		return
	}

	s.sequence++
	entry := &ChainEntry{
		EntryID:      event.ID,
		Sequence:     s.sequence,
		Timestamp:    now,
		Event:        event,
		PayloadHash:  hashHex(payload),
		PreviousHash: s.chainHead,
	}
	entry.EntryHash = entryHash(entry)
	s.chainHead = entry.EntryHash
	s.entries = append(s.entries, entry)

	for _, h := range s.handlers {
		h(entry)
	}
}

// Entries returns a snapshot of all entries in append order.
func (s *ChainSink) Entries() []*ChainEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ChainEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// ByManifest returns all entries touching the given manifest.
func (s *ChainSink) ByManifest(manifestID string) []*ChainEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ChainEntry
	for _, e := range s.entries {
		if e.Event.ManifestID == manifestID {
			out = append(out, e)
		}
	}
	return out
}

// Verify walks the chain from genesis and checks every link.
func (s *ChainSink) Verify() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prev := "genesis"
	for _, e := range s.entries {
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: entry %d previous-hash mismatch", ErrChainBroken, e.Sequence)
		}
		if entryHash(e) != e.EntryHash {
			return fmt.Errorf("%w: entry %d content altered", ErrChainBroken, e.Sequence)
		}
		prev = e.EntryHash
	}
	return nil
}

func entryHash(e *ChainEntry) string {
	// Entry hash covers the payload hash plus chain position, so both
	// content tampering and reordering break verification.
	material := fmt.Sprintf("%d|%s|%s|%s", e.Sequence, e.Timestamp.Format(time.RFC3339Nano), e.PayloadHash, e.PreviousHash)
	return hashHex([]byte(material))
}

func hashHex(b []byte) string {
	h := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(h[:])
}
