package flowsim

import (
	"time"
)

// EventKind identifies the type of event emitted by the simulator.
type EventKind string

const (
	// EventRunStarted is emitted when a simulation run begins.
	EventRunStarted EventKind = "run.started"

	// EventRunFinished is emitted when no active tokens remain.
	EventRunFinished EventKind = "run.finished"

	// EventRunPaused is emitted when the run is paused.
	EventRunPaused EventKind = "run.paused"

	// EventRunResumed is emitted when a paused run resumes.
	EventRunResumed EventKind = "run.resumed"

	// EventRunStopped is emitted when the run is stopped.
	EventRunStopped EventKind = "run.stopped"

	// EventRunReset is emitted when all run state is discarded.
	EventRunReset EventKind = "run.reset"

	// EventStepCompleted is emitted after every step with the active
	// node/edge projections in the payload.
	EventStepCompleted EventKind = "step.completed"

	// EventTokenSpawned is emitted when a token is created, either at a
	// start event or by gateway fan-out.
	EventTokenSpawned EventKind = "token.spawned"

	// EventTokenMoved is emitted when a token advances along an edge.
	EventTokenMoved EventKind = "token.moved"

	// EventTokenCompleted is emitted when a token reaches an end event
	// or a dead end.
	EventTokenCompleted EventKind = "token.completed"

	// EventTokenTerminated is emitted when a token's current node can no
	// longer be resolved in the graph.
	EventTokenTerminated EventKind = "token.terminated"

	// EventGatewayDecision is emitted when a gateway selects its edges.
	EventGatewayDecision EventKind = "gateway.decision"

	// EventGraphWarning is emitted for valid-but-degenerate graph shapes,
	// such as a gateway with no outgoing edges.
	EventGraphWarning EventKind = "graph.warning"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured, streamable record of what happened during a
// simulation. Events should stay small; the full run state is available
// via Simulator.Snapshot.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// RunID is the unique identifier for this run.
	RunID string

	// Seq is a per-run monotonically increasing sequence number,
	// assigned by the simulator.
	Seq uint64

	// NodeID is the node this event refers to (empty for run-level events).
	NodeID string

	// TokenID is the token this event refers to (empty for run-level events).
	TokenID string

	// Time is when the event occurred.
	Time time.Time

	// Step is the step counter at the time of the event.
	Step int

	// Elapsed is the duration since the run started.
	Elapsed time.Duration

	// Payload contains event-specific data.
	Payload map[string]any

	// TraceID and SpanID are populated by tracing integrations.
	TraceID string
	SpanID  string
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithNode sets the node this event refers to.
func (e Event) WithNode(nodeID string) Event {
	e.NodeID = nodeID
	return e
}

// WithToken sets the token this event refers to.
func (e Event) WithToken(tokenID string) Event {
	e.TokenID = tokenID
	return e
}

// WithStep sets the step counter on the event.
func (e Event) WithStep(step int) Event {
	e.Step = step
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventHandler is a function type for handling events.
// Implementations can log, store, or forward events as needed.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
			// Drop event if channel is full
		}
	}
}
