// Package bus distributes simulation events to interested observers.
// The simulator publishes every event it emits; SSE streams, stores, and
// telemetry handlers subscribe without the simulator knowing about them.
package bus

import "github.com/flowsim/flowsim"

// EventBus fans events out to subscribers.
type EventBus interface {
	// Publish delivers an event to every matching subscriber.
	Publish(event flowsim.Event)

	// Subscribe returns a subscription for one run's events.
	// The caller must close it when done.
	Subscribe(runID string) Subscription

	// SubscribeAll returns a subscription covering every run.
	// The caller must close it when done.
	SubscribeAll() Subscription

	// Close shuts the bus down along with all open subscriptions.
	Close() error
}

// Subscription is one subscriber's view of the bus.
type Subscription interface {
	// Events returns the channel events arrive on. It is closed when the
	// subscription or the bus closes.
	Events() <-chan flowsim.Event

	// Close unsubscribes and releases resources.
	Close() error
}
