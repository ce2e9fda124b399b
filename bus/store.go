package bus

import (
	"context"

	"github.com/flowsim/flowsim"
)

// EventStore persists a run's event log so clients can replay it later.
type EventStore interface {
	// Append stores one event.
	Append(ctx context.Context, event flowsim.Event) error

	// List returns a run's events in seq order. Events with Seq at or
	// below afterSeq are skipped; a positive limit caps the result.
	List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]flowsim.Event, error)

	// LatestSeq returns the highest Seq stored for a run (0 if none).
	LatestSeq(ctx context.Context, runID string) (uint64, error)
}
