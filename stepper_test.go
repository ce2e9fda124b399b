package flowsim

import (
	"testing"
)

func seededState(g ProcessGraph, randomPaths bool, startID string) *RunState {
	st := NewRunState(DefaultSpeed, randomPaths)
	st.Running = true
	st.Tokens = []*Token{NewToken(startID)}
	st.ActiveNodeIDs = []string{startID}
	return st
}

func TestStepper_LinearWalk(t *testing.T) {
	// Start -> Task -> End: after step 1 the task is active, after step 2
	// the end event is active and the sole token has completed.
	g := linearGraph(t)
	stepper := NewStepper(seededResolver(1))
	st := seededState(g, false, "start")

	st = stepper.Step(g, st, nil)
	if len(st.ActiveNodeIDs) != 1 || st.ActiveNodeIDs[0] != "task" {
		t.Fatalf("after step 1, ActiveNodeIDs = %v, want [task]", st.ActiveNodeIDs)
	}
	if len(st.ActiveEdgeIDs) != 1 || st.ActiveEdgeIDs[0] != "e1" {
		t.Fatalf("after step 1, ActiveEdgeIDs = %v, want [e1]", st.ActiveEdgeIDs)
	}

	st = stepper.Step(g, st, nil)
	if len(st.ActiveNodeIDs) != 1 || st.ActiveNodeIDs[0] != "end" {
		t.Fatalf("after step 2, ActiveNodeIDs = %v, want [end]", st.ActiveNodeIDs)
	}
	if st.Tokens[0].Status != TokenCompleted {
		t.Errorf("token status = %s, want completed", st.Tokens[0].Status)
	}
	wantPath := []string{"start", "task", "end"}
	if len(st.Tokens[0].Path) != len(wantPath) {
		t.Fatalf("token path = %v, want %v", st.Tokens[0].Path, wantPath)
	}
	for i, id := range wantPath {
		if st.Tokens[0].Path[i] != id {
			t.Errorf("token path[%d] = %s, want %s", i, st.Tokens[0].Path[i], id)
		}
	}
}

func TestStepper_CompletedTokenNeverAdvances(t *testing.T) {
	g := linearGraph(t)
	stepper := NewStepper(seededResolver(1))
	st := seededState(g, false, "start")

	st = stepper.Step(g, st, nil)
	st = stepper.Step(g, st, nil)

	// Further steps must not move the completed token, and the edge set
	// holds only edges traversed in the step itself.
	st = stepper.Step(g, st, nil)
	if st.Tokens[0].CurrentNodeID != "end" {
		t.Errorf("completed token moved to %s", st.Tokens[0].CurrentNodeID)
	}
	if len(st.ActiveEdgeIDs) != 0 {
		t.Errorf("ActiveEdgeIDs = %v after idle step, want empty", st.ActiveEdgeIDs)
	}
}

func TestStepper_ParallelFanOut(t *testing.T) {
	// Start -> Split -> {A, B}: the step that processes the split replaces
	// the incoming token with exactly two tokens at A and B.
	g := parallelGraph(t)
	stepper := NewStepper(seededResolver(1))
	st := seededState(g, false, "start")

	st = stepper.Step(g, st, nil) // start -> split
	parentID := st.Tokens[0].ID
	st = stepper.Step(g, st, nil) // split -> {a, b}

	if len(st.Tokens) != 2 {
		t.Fatalf("after split, len(Tokens) = %d, want 2", len(st.Tokens))
	}
	positions := map[string]bool{}
	for _, tok := range st.Tokens {
		if tok.ID == parentID {
			t.Error("parent token still present after fan-out")
		}
		if tok.Status != TokenActive {
			t.Errorf("child token status = %s, want active", tok.Status)
		}
		positions[tok.CurrentNodeID] = true
	}
	if !positions["a"] || !positions["b"] {
		t.Errorf("child positions = %v, want {a, b}", positions)
	}
	if len(st.ActiveNodeIDs) != 2 {
		t.Errorf("ActiveNodeIDs = %v, want both branch targets", st.ActiveNodeIDs)
	}
}

func TestStepper_ParallelRunToEnd(t *testing.T) {
	g := parallelGraph(t)
	stepper := NewStepper(seededResolver(1))
	st := seededState(g, false, "start")

	for i := 0; i < 20 && st.HasActiveTokens(); i++ {
		st = stepper.Step(g, st, nil)
	}
	if st.HasActiveTokens() {
		t.Fatal("run did not finish within 20 steps")
	}
	_, completed, terminated := st.TokenCounts()
	if completed != 2 || terminated != 0 {
		t.Errorf("token counts completed=%d terminated=%d, want 2/0", completed, terminated)
	}
}

func TestStepper_ExclusiveConditionRouting(t *testing.T) {
	// Start -> Exclusive(cond1 -> X, default -> Y): under the deterministic
	// policy the conditional edge wins and the token moves to X.
	g := NewProcessGraph()
	mustAddNode(t, g, Node{ID: "start", Kind: NodeKindEvent, EventSubtype: EventStart})
	mustAddNode(t, g, Node{ID: "gw", Kind: NodeKindGateway, GatewaySubtype: GatewayExclusive})
	mustAddNode(t, g, Node{ID: "x", Kind: NodeKindTask})
	mustAddNode(t, g, Node{ID: "y", Kind: NodeKindTask})
	mustAddEdge(t, g, Edge{ID: "e1", Source: "start", Target: "gw"})
	mustAddEdge(t, g, Edge{ID: "cond1", Source: "gw", Target: "x", HasCondition: true})
	mustAddEdge(t, g, Edge{ID: "def", Source: "gw", Target: "y", IsDefault: true})

	stepper := NewStepper(seededResolver(1))
	st := seededState(g, false, "start")

	st = stepper.Step(g, st, nil) // start -> gw
	st = stepper.Step(g, st, nil) // gw -> x

	if len(st.Tokens) != 1 || st.Tokens[0].CurrentNodeID != "x" {
		t.Errorf("token at %s, want x", st.Tokens[0].CurrentNodeID)
	}
}

func TestStepper_DeadEndCompletes(t *testing.T) {
	g := NewProcessGraph()
	mustAddNode(t, g, Node{ID: "start", Kind: NodeKindEvent, EventSubtype: EventStart})
	mustAddNode(t, g, Node{ID: "task", Kind: NodeKindTask})
	mustAddEdge(t, g, Edge{ID: "e1", Source: "start", Target: "task"})

	stepper := NewStepper(seededResolver(1))
	st := seededState(g, false, "start")

	st = stepper.Step(g, st, nil) // start -> task
	st = stepper.Step(g, st, nil) // task has no outgoing edges

	if st.Tokens[0].Status != TokenCompleted {
		t.Errorf("dead-end token status = %s, want completed", st.Tokens[0].Status)
	}
}

func TestStepper_GatewayWithoutOutgoingWarns(t *testing.T) {
	g := NewProcessGraph()
	mustAddNode(t, g, Node{ID: "start", Kind: NodeKindEvent, EventSubtype: EventStart})
	mustAddNode(t, g, Node{ID: "gw", Kind: NodeKindGateway, GatewaySubtype: GatewayParallel})
	mustAddEdge(t, g, Edge{ID: "e1", Source: "start", Target: "gw"})

	stepper := NewStepper(seededResolver(1))
	st := seededState(g, false, "start")

	var warnings []Event
	emit := func(e Event) {
		if e.Kind == EventGraphWarning {
			warnings = append(warnings, e)
		}
	}

	st = stepper.Step(g, st, emit) // start -> gw
	st = stepper.Step(g, st, emit) // gw is a dead end

	if st.Tokens[0].Status != TokenCompleted {
		t.Errorf("token status = %s, want completed (degenerate gateway is not an error)", st.Tokens[0].Status)
	}
	if len(warnings) != 1 {
		t.Errorf("got %d graph warnings, want 1", len(warnings))
	}
}

func TestStepper_MissingNodeTerminates(t *testing.T) {
	g := linearGraph(t)
	stepper := NewStepper(seededResolver(1))

	st := NewRunState(DefaultSpeed, false)
	st.Running = true
	stray := NewToken("ghost") // node not present in the graph
	healthy := NewToken("start")
	st.Tokens = []*Token{stray, healthy}

	st = stepper.Step(g, st, nil)

	if st.Tokens[0].Status != TokenTerminated {
		t.Errorf("stray token status = %s, want terminated", st.Tokens[0].Status)
	}
	// The run continues for the other token.
	if st.Tokens[1].CurrentNodeID != "task" {
		t.Errorf("healthy token at %s, want task", st.Tokens[1].CurrentNodeID)
	}
}

func TestStepper_DoesNotMutateInput(t *testing.T) {
	g := linearGraph(t)
	stepper := NewStepper(seededResolver(1))
	st := seededState(g, false, "start")
	st.Tokens[0].Data["k"] = "v"

	next := stepper.Step(g, st, nil)

	if st.Tokens[0].CurrentNodeID != "start" {
		t.Error("Step() mutated the input token position")
	}
	if st.Steps != 0 {
		t.Error("Step() mutated the input step counter")
	}
	if next == st {
		t.Error("Step() returned its input state")
	}
	next.Tokens[0].Data["k"] = "changed"
	if st.Tokens[0].Data["k"] != "v" {
		t.Error("successor state shares token data with the input")
	}
}

func TestStepper_ForkCopiesData(t *testing.T) {
	g := parallelGraph(t)
	stepper := NewStepper(seededResolver(1))
	st := seededState(g, false, "start")
	st.Tokens[0].Data["order"] = 42

	st = stepper.Step(g, st, nil) // start -> split
	st = stepper.Step(g, st, nil) // split -> {a, b}

	st.Tokens[0].Data["order"] = 1
	if st.Tokens[1].Data["order"] != 42 {
		t.Error("forked tokens share a data bag")
	}
	if len(st.Tokens[0].Path) != 3 {
		t.Errorf("child path length = %d, want 3 (start, split, branch)", len(st.Tokens[0].Path))
	}
}

func TestStepper_InclusiveDeterministicFanOut(t *testing.T) {
	g := NewProcessGraph()
	mustAddNode(t, g, Node{ID: "start", Kind: NodeKindEvent, EventSubtype: EventStart})
	mustAddNode(t, g, Node{ID: "gw", Kind: NodeKindGateway, GatewaySubtype: GatewayInclusive})
	mustAddNode(t, g, Node{ID: "x", Kind: NodeKindTask})
	mustAddNode(t, g, Node{ID: "y", Kind: NodeKindTask})
	mustAddNode(t, g, Node{ID: "z", Kind: NodeKindTask})
	mustAddEdge(t, g, Edge{ID: "e1", Source: "start", Target: "gw"})
	mustAddEdge(t, g, Edge{ID: "e2", Source: "gw", Target: "x"})
	mustAddEdge(t, g, Edge{ID: "e3", Source: "gw", Target: "y"})
	mustAddEdge(t, g, Edge{ID: "e4", Source: "gw", Target: "z"})

	stepper := NewStepper(seededResolver(1))
	st := seededState(g, false, "start")

	st = stepper.Step(g, st, nil)
	st = stepper.Step(g, st, nil)

	if len(st.Tokens) != 3 {
		t.Errorf("deterministic inclusive split produced %d tokens, want 3", len(st.Tokens))
	}
}

func TestStepper_FanOutOntoEndEventCompletes(t *testing.T) {
	g := NewProcessGraph()
	mustAddNode(t, g, Node{ID: "start", Kind: NodeKindEvent, EventSubtype: EventStart})
	mustAddNode(t, g, Node{ID: "gw", Kind: NodeKindGateway, GatewaySubtype: GatewayParallel})
	mustAddNode(t, g, Node{ID: "end1", Kind: NodeKindEvent, EventSubtype: EventEnd})
	mustAddNode(t, g, Node{ID: "end2", Kind: NodeKindEvent, EventSubtype: EventEnd})
	mustAddEdge(t, g, Edge{ID: "e1", Source: "start", Target: "gw"})
	mustAddEdge(t, g, Edge{ID: "e2", Source: "gw", Target: "end1"})
	mustAddEdge(t, g, Edge{ID: "e3", Source: "gw", Target: "end2"})

	stepper := NewStepper(seededResolver(1))
	st := seededState(g, false, "start")

	st = stepper.Step(g, st, nil)
	st = stepper.Step(g, st, nil)

	if st.HasActiveTokens() {
		t.Error("tokens forked directly onto end events should complete on arrival")
	}
	_, completed, _ := st.TokenCounts()
	if completed != 2 {
		t.Errorf("completed tokens = %d, want 2", completed)
	}
}
