// Package loader reads process definitions from JSON or YAML files,
// validates them, and compiles them into executable process graphs.
package loader

import (
	"fmt"

	"github.com/flowsim/flowsim"
)

// Diagnostic represents a validation error or warning produced while
// checking a process definition.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "PD-001"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // JSON path to offending field
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// ProcessDefinition is the serializable representation of a process
// graph as produced by the external editor.
type ProcessDefinition struct {
	ID    string    `json:"id"`
	Name  string    `json:"name,omitempty"`
	Nodes []NodeDef `json:"nodes"`
	Edges []EdgeDef `json:"edges"`
}

// NodeDef is a serializable node within a ProcessDefinition.
type NodeDef struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	EventSubtype   string `json:"eventSubtype,omitempty"`
	GatewaySubtype string `json:"gatewaySubtype,omitempty"`
	Label          string `json:"label,omitempty"`
}

// EdgeDef is a serializable edge within a ProcessDefinition. The
// condition expression is carried verbatim; the simulator only cares
// whether one is present.
type EdgeDef struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
	Default   bool   `json:"default,omitempty"`
}

var validNodeKinds = map[string]bool{
	string(flowsim.NodeKindEvent):   true,
	string(flowsim.NodeKindTask):    true,
	string(flowsim.NodeKindGateway): true,
}

var validEventSubtypes = map[string]bool{
	string(flowsim.EventStart):        true,
	string(flowsim.EventIntermediate): true,
	string(flowsim.EventEnd):          true,
}

var validGatewaySubtypes = map[string]bool{
	string(flowsim.GatewayExclusive):  true,
	string(flowsim.GatewayParallel):   true,
	string(flowsim.GatewayInclusive):  true,
	string(flowsim.GatewayEventBased): true,
	string(flowsim.GatewayComplex):    true,
}

// Validate checks structural integrity of the ProcessDefinition:
//   - PD-001: edge source/target reference existing nodes
//   - PD-002: duplicate node IDs
//   - PD-003: unknown node kind or subtype
//   - PD-004: no start event (simulation cannot begin)
//   - PD-005: multiple start events (valid but unusual; only the first
//     is seeded)
//   - PD-006: gateway with no outgoing edges (degenerate dead end)
//   - PD-007: default flag on an edge whose source is not a gateway
func (pd *ProcessDefinition) Validate() []Diagnostic {
	var diags []Diagnostic

	nodeIDs := make(map[string]bool, len(pd.Nodes))
	nodeByID := make(map[string]NodeDef, len(pd.Nodes))

	// PD-002: duplicate node IDs
	for i, node := range pd.Nodes {
		if nodeIDs[node.ID] {
			diags = append(diags, Diagnostic{
				Code:     "PD-002",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Duplicate node ID %q", node.ID),
				Path:     fmt.Sprintf("nodes[%d].id", i),
			})
		}
		nodeIDs[node.ID] = true
		nodeByID[node.ID] = node
	}

	// PD-003: unknown kinds and subtypes
	for i, node := range pd.Nodes {
		if !validNodeKinds[node.Kind] {
			diags = append(diags, Diagnostic{
				Code:     "PD-003",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Node %q has unknown kind %q", node.ID, node.Kind),
				Path:     fmt.Sprintf("nodes[%d].kind", i),
			})
			continue
		}
		if node.Kind == string(flowsim.NodeKindEvent) && node.EventSubtype != "" && !validEventSubtypes[node.EventSubtype] {
			diags = append(diags, Diagnostic{
				Code:     "PD-003",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Event %q has unknown subtype %q", node.ID, node.EventSubtype),
				Path:     fmt.Sprintf("nodes[%d].eventSubtype", i),
			})
		}
		if node.Kind == string(flowsim.NodeKindGateway) && node.GatewaySubtype != "" && !validGatewaySubtypes[node.GatewaySubtype] {
			diags = append(diags, Diagnostic{
				Code:     "PD-003",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Gateway %q has unknown subtype %q", node.ID, node.GatewaySubtype),
				Path:     fmt.Sprintf("nodes[%d].gatewaySubtype", i),
			})
		}
	}

	// PD-001: edge endpoints must reference existing nodes
	hasOutgoing := make(map[string]bool)
	for i, edge := range pd.Edges {
		if !nodeIDs[edge.Source] {
			diags = append(diags, Diagnostic{
				Code:     "PD-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge source %q references unknown node", edge.Source),
				Path:     fmt.Sprintf("edges[%d].source", i),
			})
		}
		if !nodeIDs[edge.Target] {
			diags = append(diags, Diagnostic{
				Code:     "PD-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge target %q references unknown node", edge.Target),
				Path:     fmt.Sprintf("edges[%d].target", i),
			})
		}
		hasOutgoing[edge.Source] = true

		// PD-007: default flag outside a gateway
		if edge.Default {
			if src, ok := nodeByID[edge.Source]; ok && src.Kind != string(flowsim.NodeKindGateway) {
				diags = append(diags, Diagnostic{
					Code:     "PD-007",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("Edge %q is flagged default but its source %q is not a gateway", edge.ID, edge.Source),
					Path:     fmt.Sprintf("edges[%d].default", i),
				})
			}
		}
	}

	// PD-004 / PD-005: start event count
	var startCount int
	for _, node := range pd.Nodes {
		if node.Kind == string(flowsim.NodeKindEvent) && node.EventSubtype == string(flowsim.EventStart) {
			startCount++
		}
	}
	switch {
	case startCount == 0:
		diags = append(diags, Diagnostic{
			Code:     "PD-004",
			Severity: SeverityError,
			Message:  "Process has no start event; simulation cannot begin",
			Path:     "nodes",
		})
	case startCount > 1:
		diags = append(diags, Diagnostic{
			Code:     "PD-005",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("Process has %d start events; valid but unusual, only the first is seeded", startCount),
			Path:     "nodes",
		})
	}

	// PD-006: gateways without outgoing edges
	for i, node := range pd.Nodes {
		if node.Kind == string(flowsim.NodeKindGateway) && !hasOutgoing[node.ID] {
			diags = append(diags, Diagnostic{
				Code:     "PD-006",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("Gateway %q has no outgoing edges; tokens reaching it will complete as a dead end", node.ID),
				Path:     fmt.Sprintf("nodes[%d]", i),
			})
		}
	}

	return diags
}

// Build compiles the definition into an executable process graph. The
// definition should be validated first; Build reports only the structural
// errors the graph itself enforces.
func (pd *ProcessDefinition) Build() (*flowsim.BasicProcessGraph, error) {
	g := flowsim.NewProcessGraph()

	for _, n := range pd.Nodes {
		node := flowsim.Node{
			ID:             n.ID,
			Kind:           flowsim.NodeKind(n.Kind),
			EventSubtype:   flowsim.EventSubtype(n.EventSubtype),
			GatewaySubtype: flowsim.GatewaySubtype(n.GatewaySubtype),
			Label:          n.Label,
		}
		if err := g.AddNode(node); err != nil {
			return nil, fmt.Errorf("node %q: %w", n.ID, err)
		}
	}

	for i, e := range pd.Edges {
		id := e.ID
		if id == "" {
			id = fmt.Sprintf("%s->%s#%d", e.Source, e.Target, i)
		}
		edge := flowsim.Edge{
			ID:           id,
			Source:       e.Source,
			Target:       e.Target,
			HasCondition: e.Condition != "",
			IsDefault:    e.Default,
		}
		if err := g.AddEdge(edge); err != nil {
			return nil, fmt.Errorf("edge %q: %w", id, err)
		}
	}

	return g, nil
}
