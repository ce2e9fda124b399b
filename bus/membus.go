package bus

import (
	"sync"

	"github.com/flowsim/flowsim"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-process event bus. Subscribers are kept in a single set;
// each carries a run filter (empty = every run). Closing a subscription
// removes it from the set, so abandoned SSE clients do not accumulate.
type MemBus struct {
	mu      sync.Mutex
	subs    map[*memSub]struct{}
	bufSize int
	closed  bool
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[*memSub]struct{}),
		bufSize: bufSize,
	}
}

// Publish delivers an event to every subscriber whose filter matches.
// Delivery is non-blocking: a subscriber that has fallen behind by more
// than its buffer loses events rather than stalling the publisher.
// Publishing on a closed bus is a no-op.
func (b *MemBus) Publish(event flowsim.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for sub := range b.subs {
		if sub.runID != "" && sub.runID != event.RunID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber buffer full; drop.
		}
	}
}

// Subscribe registers a subscriber for a single run.
// The returned Subscription must be closed when done.
func (b *MemBus) Subscribe(runID string) Subscription {
	return b.addSub(runID)
}

// SubscribeAll registers a subscriber that receives events from every run.
// The returned Subscription must be closed when done.
func (b *MemBus) SubscribeAll() Subscription {
	return b.addSub("")
}

func (b *MemBus) addSub(runID string) *memSub {
	sub := &memSub{
		bus:   b,
		runID: runID,
		ch:    make(chan flowsim.Event, b.bufSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.subs[sub] = struct{}{}
	}
	return sub
}

// Close shuts down the bus and every active subscription.
func (b *MemBus) Close() error {
	b.mu.Lock()
	b.closed = true
	remaining := make([]*memSub, 0, len(b.subs))
	for sub := range b.subs {
		remaining = append(remaining, sub)
	}
	clear(b.subs)
	b.mu.Unlock()

	for _, sub := range remaining {
		sub.closeOnce.Do(func() { close(sub.ch) })
	}
	return nil
}

// memSub is a single bus subscription.
type memSub struct {
	bus       *MemBus
	runID     string // empty matches every run
	ch        chan flowsim.Event
	closeOnce sync.Once
}

// Events returns the subscription's event channel. It is closed when the
// subscription or the bus closes.
func (s *memSub) Events() <-chan flowsim.Event {
	return s.ch
}

// Close unsubscribes from the bus and closes the event channel. Safe to
// call more than once.
func (s *memSub) Close() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	// No publisher can reach this subscription now; Publish only sends
	// while holding the bus lock with the subscription still in the set.
	s.closeOnce.Do(func() { close(s.ch) })
	return nil
}

// Compile-time interface checks.
var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
