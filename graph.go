package flowsim

import (
	"errors"
	"fmt"
)

// Graph errors
var (
	ErrNodeNotFound  = errors.New("node not found")
	ErrDuplicateNode = errors.New("duplicate node ID")
	ErrDuplicateEdge = errors.New("duplicate edge ID")
	ErrInvalidEdge   = errors.New("invalid edge")
	ErrEmptyGraph    = errors.New("graph has no nodes")
)

// NodeKind identifies the category of a process node.
type NodeKind string

const (
	NodeKindEvent   NodeKind = "event"
	NodeKindTask    NodeKind = "task"
	NodeKindGateway NodeKind = "gateway"
)

// String returns the string representation of the NodeKind.
func (k NodeKind) String() string {
	return string(k)
}

// EventSubtype distinguishes event nodes.
type EventSubtype string

const (
	EventStart        EventSubtype = "start"
	EventIntermediate EventSubtype = "intermediate"
	EventEnd          EventSubtype = "end"
)

// GatewaySubtype selects the branching policy of a gateway node.
type GatewaySubtype string

const (
	GatewayExclusive  GatewaySubtype = "exclusive"
	GatewayParallel   GatewaySubtype = "parallel"
	GatewayInclusive  GatewaySubtype = "inclusive"
	GatewayEventBased GatewaySubtype = "event-based"
	GatewayComplex    GatewaySubtype = "complex"
)

// Node is a single element of a process graph: an event, a task, or a
// gateway. Subtype fields are only meaningful for the matching kind.
type Node struct {
	ID             string
	Kind           NodeKind
	EventSubtype   EventSubtype   // set when Kind == NodeKindEvent
	GatewaySubtype GatewaySubtype // set when Kind == NodeKindGateway
	Label          string         // optional display name
}

// IsStartEvent reports whether the node is a start event.
func (n Node) IsStartEvent() bool {
	return n.Kind == NodeKindEvent && n.EventSubtype == EventStart
}

// IsEndEvent reports whether the node is an end event.
func (n Node) IsEndEvent() bool {
	return n.Kind == NodeKindEvent && n.EventSubtype == EventEnd
}

// Edge is a directed sequence flow between two nodes. Conditions are
// opaque to the simulator; only their presence influences routing.
type Edge struct {
	ID           string
	Source       string // source node ID
	Target       string // target node ID
	HasCondition bool
	IsDefault    bool
}

// ProcessGraph is the read-only view of a process consumed by the
// simulator. Implementations must not change during a run.
type ProcessGraph interface {
	// Nodes returns all nodes in insertion order.
	Nodes() []Node

	// Edges returns all edges in insertion order.
	Edges() []Edge

	// NodeByID retrieves a node by its ID.
	NodeByID(id string) (Node, bool)

	// Outgoing returns the edges leaving the given node, in the order
	// they were added (source order).
	Outgoing(nodeID string) []Edge

	// StartEvents returns all start event nodes in insertion order.
	StartEvents() []Node
}

// BasicProcessGraph is a simple implementation of the ProcessGraph
// interface, built node by node and edge by edge.
type BasicProcessGraph struct {
	nodes     map[string]Node
	nodeOrder []string // preserves insertion order
	edges     []Edge
	edgeIDs   map[string]bool
	outgoing  map[string][]Edge // node ID -> outgoing edges in source order
}

// NewProcessGraph creates a new empty process graph.
func NewProcessGraph() *BasicProcessGraph {
	return &BasicProcessGraph{
		nodes:    make(map[string]Node),
		edgeIDs:  make(map[string]bool),
		outgoing: make(map[string][]Edge),
	}
}

// Nodes returns all nodes in insertion order.
func (g *BasicProcessGraph) Nodes() []Node {
	nodes := make([]Node, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		nodes = append(nodes, g.nodes[id])
	}
	return nodes
}

// Edges returns all edges in insertion order.
func (g *BasicProcessGraph) Edges() []Edge {
	return g.edges
}

// NodeByID retrieves a node by its ID.
func (g *BasicProcessGraph) NodeByID(id string) (Node, bool) {
	node, ok := g.nodes[id]
	return node, ok
}

// Outgoing returns the edges leaving the given node in source order.
func (g *BasicProcessGraph) Outgoing(nodeID string) []Edge {
	return g.outgoing[nodeID]
}

// StartEvents returns all start event nodes in insertion order.
func (g *BasicProcessGraph) StartEvents() []Node {
	var starts []Node
	for _, id := range g.nodeOrder {
		if n := g.nodes[id]; n.IsStartEvent() {
			starts = append(starts, n)
		}
	}
	return starts
}

// AddNode adds a node to the graph.
// Returns an error if a node with the same ID already exists.
func (g *BasicProcessGraph) AddNode(node Node) error {
	if node.ID == "" {
		return errors.New("cannot add node with empty ID")
	}
	if _, exists := g.nodes[node.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, node.ID)
	}

	g.nodes[node.ID] = node
	g.nodeOrder = append(g.nodeOrder, node.ID)
	return nil
}

// AddEdge adds a directed edge between two existing nodes.
func (g *BasicProcessGraph) AddEdge(edge Edge) error {
	if edge.ID == "" {
		return fmt.Errorf("%w: empty edge ID", ErrInvalidEdge)
	}
	if g.edgeIDs[edge.ID] {
		return fmt.Errorf("%w: %s", ErrDuplicateEdge, edge.ID)
	}
	if _, ok := g.nodes[edge.Source]; !ok {
		return fmt.Errorf("%w: source node %q not found", ErrInvalidEdge, edge.Source)
	}
	if _, ok := g.nodes[edge.Target]; !ok {
		return fmt.Errorf("%w: target node %q not found", ErrInvalidEdge, edge.Target)
	}

	g.edges = append(g.edges, edge)
	g.edgeIDs[edge.ID] = true
	g.outgoing[edge.Source] = append(g.outgoing[edge.Source], edge)
	return nil
}

// Validate checks the graph for structural issues the simulator relies on.
// Malformed process semantics (unreachable nodes, dangling gateways) are a
// loader concern, not re-checked here.
func (g *BasicProcessGraph) Validate() error {
	if len(g.nodes) == 0 {
		return ErrEmptyGraph
	}
	return nil
}

// Ensure interface compliance at compile time.
var _ ProcessGraph = (*BasicProcessGraph)(nil)
