package flowsim

// Stepper advances every active token by exactly one graph hop per
// invocation. Step is pure with respect to its inputs: the given state is
// never mutated and the graph is only read. Events describing what
// happened are passed to the emitter; the simulator stamps them with run
// metadata before fan-out.
type Stepper struct {
	resolver *GatewayResolver
}

// NewStepper creates a stepper delegating branch decisions to the given
// resolver.
func NewStepper(resolver *GatewayResolver) *Stepper {
	if resolver == nil {
		resolver = NewGatewayResolver()
	}
	return &Stepper{resolver: resolver}
}

// Step computes the successor state: every active token advances one hop,
// gateways fan out or pick a path per policy, and the active node/edge
// projections are rebuilt from the tokens touched this step. Edges are
// only active for the step in which they were traversed.
func (s *Stepper) Step(g ProcessGraph, state *RunState, emit EventEmitter) *RunState {
	if emit == nil {
		emit = func(Event) {}
	}

	next := state.Clone()
	next.Steps++

	nodeSet := make(map[string]bool)
	edgeSet := make(map[string]bool)
	var activeNodes, activeEdges []string

	markNode := func(id string) {
		if !nodeSet[id] {
			nodeSet[id] = true
			activeNodes = append(activeNodes, id)
		}
	}
	markEdge := func(id string) {
		if !edgeSet[id] {
			edgeSet[id] = true
			activeEdges = append(activeEdges, id)
		}
	}

	result := make([]*Token, 0, len(next.Tokens))
	for _, tok := range next.Tokens {
		if tok.Status != TokenActive {
			// Finished tokens pass through untouched and no longer
			// contribute to the projections.
			result = append(result, tok)
			continue
		}

		node, ok := g.NodeByID(tok.CurrentNodeID)
		if !ok {
			// The graph no longer knows this node. Abandon the token
			// rather than aborting the run; other tokens continue.
			tok.Status = TokenTerminated
			emit(NewEvent(EventTokenTerminated, "").
				WithToken(tok.ID).
				WithNode(tok.CurrentNodeID).
				WithPayload("reason", "node not found"))
			result = append(result, tok)
			continue
		}

		if node.IsEndEvent() {
			tok.Status = TokenCompleted
			emit(NewEvent(EventTokenCompleted, "").
				WithToken(tok.ID).
				WithNode(node.ID).
				WithPayload("reason", "end event"))
			markNode(node.ID)
			result = append(result, tok)
			continue
		}

		outgoing := g.Outgoing(node.ID)
		if len(outgoing) == 0 {
			tok.Status = TokenCompleted
			if node.Kind == NodeKindGateway {
				emit(NewEvent(EventGraphWarning, "").
					WithNode(node.ID).
					WithPayload("warning", "gateway has no outgoing edges"))
			}
			emit(NewEvent(EventTokenCompleted, "").
				WithToken(tok.ID).
				WithNode(node.ID).
				WithPayload("reason", "dead end"))
			markNode(node.ID)
			result = append(result, tok)
			continue
		}

		decision := s.resolver.Resolve(node, outgoing, next.RandomPaths)
		if node.Kind == NodeKindGateway {
			targets := make([]string, len(decision.Edges))
			for i, e := range decision.Edges {
				targets[i] = e.Target
			}
			emit(NewEvent(EventGatewayDecision, "").
				WithToken(tok.ID).
				WithNode(node.ID).
				WithPayload("gateway", string(node.GatewaySubtype)).
				WithPayload("targets", targets).
				WithPayload("fork", decision.Fork))
		}

		if decision.Fork {
			// The parent is consumed by the split: its children take its
			// place in the token list.
			for _, e := range decision.Edges {
				child := tok.Fork(e.Target)
				emit(NewEvent(EventTokenSpawned, "").
					WithToken(child.ID).
					WithNode(child.CurrentNodeID).
					WithPayload("parent", tok.ID).
					WithPayload("edge", e.ID))
				s.arrive(g, child, emit)
				markEdge(e.ID)
				markNode(child.CurrentNodeID)
				result = append(result, child)
			}
			continue
		}

		edge := decision.Edges[0]
		tok.Advance(edge.Target)
		emit(NewEvent(EventTokenMoved, "").
			WithToken(tok.ID).
			WithNode(tok.CurrentNodeID).
			WithPayload("edge", edge.ID))
		s.arrive(g, tok, emit)
		markEdge(edge.ID)
		markNode(tok.CurrentNodeID)
		result = append(result, tok)
	}

	next.Tokens = result
	next.ActiveNodeIDs = activeNodes
	next.ActiveEdgeIDs = activeEdges
	return next
}

// arrive applies on-arrival transitions: a token landing on an end event
// completes immediately and never advances again.
func (s *Stepper) arrive(g ProcessGraph, tok *Token, emit EventEmitter) {
	node, ok := g.NodeByID(tok.CurrentNodeID)
	if !ok {
		return
	}
	if node.IsEndEvent() {
		tok.Status = TokenCompleted
		emit(NewEvent(EventTokenCompleted, "").
			WithToken(tok.ID).
			WithNode(node.ID).
			WithPayload("reason", "end event"))
	}
}
