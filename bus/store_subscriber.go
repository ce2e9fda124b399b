package bus

import (
	"context"
	"log/slog"

	"github.com/flowsim/flowsim"
)

// StoreSubscriber feeds events into an EventStore. Its Handle method has
// the flowsim.EventHandler signature, so it can be attached directly to a
// simulator or composed with MultiEventHandler.
//
// A failed append is logged and otherwise swallowed: persistence problems
// must never stall or kill a running simulation.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a new StoreSubscriber. A nil logger falls
// back to slog.Default.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{store: store, logger: logger}
}

// Handle persists one event.
func (s *StoreSubscriber) Handle(event flowsim.Event) {
	if err := s.store.Append(context.Background(), event); err != nil {
		s.logger.Error("event append failed",
			"run_id", event.RunID,
			"seq", event.Seq,
			"kind", event.Kind,
			"error", err,
		)
	}
}
