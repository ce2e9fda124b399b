package flowsim

import (
	"github.com/google/uuid"
)

// TokenStatus is the lifecycle state of a token.
type TokenStatus string

const (
	// TokenActive means the token advances on the next step.
	TokenActive TokenStatus = "active"

	// TokenCompleted means the token reached an end event or a dead end.
	TokenCompleted TokenStatus = "completed"

	// TokenTerminated means the token was abandoned because its current
	// node could no longer be resolved in the graph.
	TokenTerminated TokenStatus = "terminated"
)

// String returns the string representation of the TokenStatus.
func (s TokenStatus) String() string {
	return string(s)
}

// Token is a unit of simulated execution occupying exactly one graph node.
// Completed and terminated tokens persist until the run is reset; a token
// consumed by a gateway fan-out is replaced by its children instead.
type Token struct {
	// ID uniquely identifies the token within a run.
	ID string

	// CurrentNodeID is the node the token currently occupies.
	CurrentNodeID string

	// Path is the append-only sequence of visited node IDs.
	Path []string

	// Data is a per-token key-value bag, copied (not shared) on fork.
	Data map[string]any

	// Status is the lifecycle state.
	Status TokenStatus
}

// NewToken creates an active token positioned at the given node.
func NewToken(nodeID string) *Token {
	return &Token{
		ID:            uuid.NewString(),
		CurrentNodeID: nodeID,
		Path:          []string{nodeID},
		Data:          make(map[string]any),
		Status:        TokenActive,
	}
}

// Advance moves the token along an edge to the target node.
func (t *Token) Advance(target string) {
	t.CurrentNodeID = target
	t.Path = append(t.Path, target)
}

// Fork creates a child token at the given target node. The child receives
// copies of the parent's path and data so branches never share state.
func (t *Token) Fork(target string) *Token {
	path := make([]string, len(t.Path), len(t.Path)+1)
	copy(path, t.Path)
	path = append(path, target)

	data := make(map[string]any, len(t.Data))
	for k, v := range t.Data {
		data[k] = v
	}

	return &Token{
		ID:            uuid.NewString(),
		CurrentNodeID: target,
		Path:          path,
		Data:          data,
		Status:        TokenActive,
	}
}

// Clone returns a deep-enough copy for snapshotting: path and data are
// copied so callers cannot mutate simulator-owned state.
func (t *Token) Clone() *Token {
	c := *t
	c.Path = make([]string, len(t.Path))
	copy(c.Path, t.Path)
	c.Data = make(map[string]any, len(t.Data))
	for k, v := range t.Data {
		c.Data[k] = v
	}
	return &c
}
