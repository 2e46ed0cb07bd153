package sinks

import (
	"context"
	"sort"
	"sync"

	"github.com/jmansell/quotewatch/internal/status"
)

// SnapshotSink keeps the latest status per source for the observation API.
type SnapshotSink struct {
	mu     sync.RWMutex
	latest map[string]status.Event
}

// NewSnapshotSink constructs an empty SnapshotSink.
func NewSnapshotSink() *SnapshotSink {
	return &SnapshotSink{latest: make(map[string]status.Event)}
}

// Consume replaces the stored status for each event's source.
func (s *SnapshotSink) Consume(_ context.Context, batch []status.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.latest[evt.SourceKey()] = evt
	}
	return nil
}

// Snapshot returns the latest event per source, ordered by source key for
// stable display.
func (s *SnapshotSink) Snapshot() []status.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]status.Event, 0, len(s.latest))
	for _, evt := range s.latest {
		out = append(out, evt)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SourceKey() < out[j].SourceKey()
	})
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *SnapshotSink) Close(context.Context) error {
	return nil
}
