package flowsim

import (
	"time"
)

// RunState is the complete state of a simulation run. The active node and
// edge sets are projections recomputed on every step; they are always
// derivable from the token list and never authoritative on their own.
type RunState struct {
	// Running reports whether a run exists. It stays true after the last
	// token finishes; the timing driver simply stops scheduling steps.
	Running bool

	// Paused suspends scheduled stepping. Only meaningful while Running.
	Paused bool

	// Speed is the interval between scheduled steps.
	Speed time.Duration

	// RandomPaths switches gateway resolution from deterministic to
	// randomized path choice.
	RandomPaths bool

	// Tokens holds every token of the run, in spawn order. Fan-out
	// children replace their parent; finished tokens persist until reset.
	Tokens []*Token

	// ActiveNodeIDs are the nodes occupied by tokens advanced this step.
	ActiveNodeIDs []string

	// ActiveEdgeIDs are the edges traversed this step only.
	ActiveEdgeIDs []string

	// Steps counts completed step invocations.
	Steps int
}

// NewRunState creates an idle state with the given configuration.
func NewRunState(speed time.Duration, randomPaths bool) *RunState {
	return &RunState{
		Speed:       speed,
		RandomPaths: randomPaths,
	}
}

// Clone returns a deep copy: tokens and projections are copied so the
// original state is never observable mid-mutation.
func (s *RunState) Clone() *RunState {
	c := *s
	c.Tokens = make([]*Token, len(s.Tokens))
	for i, t := range s.Tokens {
		c.Tokens[i] = t.Clone()
	}
	c.ActiveNodeIDs = append([]string(nil), s.ActiveNodeIDs...)
	c.ActiveEdgeIDs = append([]string(nil), s.ActiveEdgeIDs...)
	return &c
}

// HasActiveTokens reports whether any token can still advance.
func (s *RunState) HasActiveTokens() bool {
	for _, t := range s.Tokens {
		if t.Status == TokenActive {
			return true
		}
	}
	return false
}

// TokenCounts returns the number of tokens per status.
func (s *RunState) TokenCounts() (active, completed, terminated int) {
	for _, t := range s.Tokens {
		switch t.Status {
		case TokenActive:
			active++
		case TokenCompleted:
			completed++
		case TokenTerminated:
			terminated++
		}
	}
	return active, completed, terminated
}
