package flowsim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Simulation errors
var (
	ErrNoStartEvent     = errors.New("process has no start event")
	ErrMaxStepsExceeded = errors.New("maximum steps exceeded")
)

// DefaultSpeed is the step interval used when none is configured.
const DefaultSpeed = 500 * time.Millisecond

// DefaultMaxSteps bounds RunToCompletion against cyclic graphs.
const DefaultMaxSteps = 1000

// Config configures a Simulator.
type Config struct {
	// Speed is the interval between scheduled steps (default 500ms).
	Speed time.Duration

	// RandomPaths enables randomized path choice at gateways.
	RandomPaths bool

	// Resolver decides gateway branching. If nil, a time-seeded resolver
	// is used; tests inject a seeded one.
	Resolver *GatewayResolver

	// EventHandler receives simulation events. Handlers run synchronously
	// on the stepping goroutine and must not call back into the Simulator.
	EventHandler EventHandler

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time
}

// Simulator owns the run state of a single simulation: it seeds tokens,
// schedules steps while running and unpaused, and exposes the active
// node/edge projections to callers. All methods are safe for concurrent
// use; each step is atomic with respect to the observable state.
type Simulator struct {
	graph   ProcessGraph
	stepper *Stepper
	handler EventHandler
	now     func() time.Time

	mu         sync.Mutex
	state      *RunState
	runID      string
	seq        uint64
	started    time.Time
	generation uint64 // invalidates scheduled callbacks on pause/stop/reset
	finished   bool
}

// NewSimulator creates a simulator for the given process graph. The graph
// is treated as an immutable snapshot; editing it during a run is
// undefined behavior.
func NewSimulator(g ProcessGraph, cfg Config) *Simulator {
	if cfg.Speed <= 0 {
		cfg.Speed = DefaultSpeed
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Simulator{
		graph:   g,
		stepper: NewStepper(cfg.Resolver),
		handler: cfg.EventHandler,
		now:     cfg.Now,
		state:   NewRunState(cfg.Speed, cfg.RandomPaths),
	}
}

// Start begins a new run, or resumes a paused one without reseeding.
// A new run seeds one token at the first start event found in node order;
// a graph without start events fails with ErrNoStartEvent.
func (s *Simulator) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Running {
		if s.state.Paused {
			s.state.Paused = false
			s.emitLocked(NewEvent(EventRunResumed, ""))
			s.scheduleLocked()
		}
		return nil
	}

	if err := s.seedLocked(); err != nil {
		return err
	}
	s.scheduleLocked()
	return nil
}

// seedLocked initializes a fresh run with a single token at the first
// start event. Only the first start event is seeded; the loader flags
// multiple start events as valid but unusual.
func (s *Simulator) seedLocked() error {
	starts := s.graph.StartEvents()
	if len(starts) == 0 {
		return ErrNoStartEvent
	}

	s.runID = uuid.NewString()
	s.seq = 0
	s.started = s.now()
	s.finished = false

	tok := NewToken(starts[0].ID)
	s.state.Running = true
	s.state.Paused = false
	s.state.Steps = 0
	s.state.Tokens = []*Token{tok}
	s.state.ActiveNodeIDs = []string{tok.CurrentNodeID}
	s.state.ActiveEdgeIDs = nil

	s.emitLocked(NewEvent(EventRunStarted, "").
		WithNode(starts[0].ID).
		WithPayload("speed_ms", s.state.Speed.Milliseconds()).
		WithPayload("random_paths", s.state.RandomPaths))
	s.emitLocked(NewEvent(EventTokenSpawned, "").
		WithToken(tok.ID).
		WithNode(tok.CurrentNodeID).
		WithPayload("seed", true))
	return nil
}

// Pause suspends scheduled stepping. Idempotent; a step already scheduled
// re-checks the pause flag before executing and no-ops.
func (s *Simulator) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Running || s.state.Paused {
		return
	}
	s.state.Paused = true
	s.generation++
	s.emitLocked(NewEvent(EventRunPaused, ""))
}

// Stop ends the run and discards all tokens and projections.
func (s *Simulator) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked(EventRunStopped)
}

// Reset clears all run state so a fresh Start begins from zero. Speed and
// path policy settings survive a reset.
func (s *Simulator) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked(EventRunReset)
}

func (s *Simulator) clearLocked(kind EventKind) {
	s.generation++
	if s.state.Running {
		s.emitLocked(NewEvent(kind, ""))
	}
	s.state.Running = false
	s.state.Paused = false
	s.state.Tokens = nil
	s.state.ActiveNodeIDs = nil
	s.state.ActiveEdgeIDs = nil
	s.state.Steps = 0
	s.finished = false
}

// Step performs exactly one step, regardless of the pause flag, enabling
// manual single-step control. No-op when not running or when no active
// tokens remain.
func (s *Simulator) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepLocked()
}

// SetSpeed changes the step interval, effective from the next scheduled
// step onward. It never affects a step already in flight.
func (s *Simulator) SetSpeed(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.state.Speed = d
	}
}

// SetRandomPaths switches the gateway path policy, effective from the
// next step onward.
func (s *Simulator) SetRandomPaths(random bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.RandomPaths = random
}

// IsRunning reports whether a run exists.
func (s *Simulator) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Running
}

// IsPaused reports whether the run is paused.
func (s *Simulator) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Paused
}

// RunID returns the identifier of the current run (empty before Start).
func (s *Simulator) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// Snapshot returns a deep copy of the current run state. Callers may
// inspect and retain it freely; it never aliases simulator-owned data.
func (s *Simulator) Snapshot() *RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// RunToCompletion seeds a run (unless one is already in progress) and
// steps synchronously until no active tokens remain. maxSteps guards
// against cyclic graphs; zero or negative uses DefaultMaxSteps. The
// timing driver is not involved.
func (s *Simulator) RunToCompletion(ctx context.Context, maxSteps int) (*RunState, error) {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Running {
		if err := s.seedLocked(); err != nil {
			return nil, err
		}
	}
	// Paused runs are stepped manually here, so a scheduled callback from
	// an earlier Start never races this loop.
	s.state.Paused = true
	s.generation++

	for i := 0; s.state.HasActiveTokens(); i++ {
		if err := ctx.Err(); err != nil {
			return s.state.Clone(), err
		}
		if i >= maxSteps {
			return s.state.Clone(), fmt.Errorf("%w: %d", ErrMaxStepsExceeded, maxSteps)
		}
		s.stepLocked()
	}

	return s.state.Clone(), nil
}

// stepLocked performs one stepper invocation and emits the step summary.
func (s *Simulator) stepLocked() {
	if !s.state.Running || !s.state.HasActiveTokens() {
		return
	}

	s.state = s.stepper.Step(s.graph, s.state, s.emitLocked)

	active, completed, terminated := s.state.TokenCounts()
	s.emitLocked(NewEvent(EventStepCompleted, "").
		WithPayload("active_nodes", append([]string(nil), s.state.ActiveNodeIDs...)).
		WithPayload("active_edges", append([]string(nil), s.state.ActiveEdgeIDs...)).
		WithPayload("tokens_active", active).
		WithPayload("tokens_completed", completed).
		WithPayload("tokens_terminated", terminated))

	if active == 0 && !s.finished {
		s.finished = true
		s.emitLocked(NewEvent(EventRunFinished, "").
			WithPayload("steps", s.state.Steps).
			WithPayload("tokens_completed", completed).
			WithPayload("tokens_terminated", terminated))
	}
}

// scheduleLocked arms the timing driver: one future step after Speed.
// Each fired step reschedules the next, so speed changes apply to the
// following step rather than retroactively. The generation captured at
// schedule time lets pause/stop/reset invalidate an in-flight callback.
func (s *Simulator) scheduleLocked() {
	gen := s.generation
	time.AfterFunc(s.state.Speed, func() {
		s.tick(gen)
	})
}

func (s *Simulator) tick(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check run flags: a pause or stop that landed between scheduling
	// and firing must win.
	if gen != s.generation || !s.state.Running || s.state.Paused {
		return
	}

	s.stepLocked()

	if s.state.Running && !s.state.Paused && s.state.HasActiveTokens() {
		s.scheduleLocked()
	}
}

// emitLocked stamps run metadata onto an event and hands it to the
// configured handler. Must be called with the mutex held.
func (s *Simulator) emitLocked(e Event) {
	e.RunID = s.runID
	s.seq++
	e.Seq = s.seq
	e.Step = s.state.Steps
	if e.Time.IsZero() {
		e.Time = s.now()
	}
	e.Elapsed = e.Time.Sub(s.started)
	if s.handler != nil {
		s.handler(e)
	}
}
