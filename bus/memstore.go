package bus

import (
	"context"
	"sync"

	"github.com/flowsim/flowsim"
)

// MemEventStore keeps events in memory, grouped by run. It is the default
// store for tests and for servers that do not need persistence across
// restarts.
type MemEventStore struct {
	mu   sync.RWMutex
	runs map[string][]flowsim.Event
}

// NewMemEventStore creates a new in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{runs: make(map[string][]flowsim.Event)}
}

func (s *MemEventStore) Append(_ context.Context, event flowsim.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[event.RunID] = append(s.runs[event.RunID], event)
	return nil
}

func (s *MemEventStore) List(_ context.Context, runID string, afterSeq uint64, limit int) ([]flowsim.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []flowsim.Event
	for _, e := range s.runs[runID] {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, runID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest uint64
	for _, e := range s.runs[runID] {
		if e.Seq > latest {
			latest = e.Seq
		}
	}
	return latest, nil
}

// Compile-time interface check.
var _ EventStore = (*MemEventStore)(nil)
