package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/flowsim/flowsim"
	flowotel "github.com/flowsim/flowsim/otel"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func TestTracingHandler_RunStartedCreatesRootSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()

	h.Handle(flowsim.Event{
		Kind:  flowsim.EventRunStarted,
		RunID: "run-1",
		Time:  now,
		Payload: map[string]any{
			"process": "order-process",
		},
	})

	sc := h.ActiveRunSpanContext("run-1")
	if !sc.IsValid() {
		t.Fatal("expected valid run span context after run.started")
	}

	h.Handle(flowsim.Event{
		Kind:    flowsim.EventRunFinished,
		RunID:   "run-1",
		Time:    now.Add(100 * time.Millisecond),
		Elapsed: 100 * time.Millisecond,
		Step:    4,
	})

	spans := exporter.GetSpans()
	if len(spans) == 0 {
		t.Fatal("expected at least one span")
	}

	runSpan := spans[0]
	if runSpan.Name != "run:order-process" {
		t.Errorf("expected span name 'run:order-process', got %q", runSpan.Name)
	}

	found := false
	for _, attr := range runSpan.Attributes {
		if string(attr.Key) == "flowsim.run_id" && attr.Value.AsString() == "run-1" {
			found = true
		}
	}
	if !found {
		t.Error("expected flowsim.run_id attribute on run span")
	}
}

func TestTracingHandler_RunStartedUsesRunIDWhenNoProcessName(t *testing.T) {
	exporter, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()

	h.Handle(flowsim.Event{
		Kind:    flowsim.EventRunStarted,
		RunID:   "run-anon",
		Time:    now,
		Payload: map[string]any{},
	})
	h.Handle(flowsim.Event{
		Kind:  flowsim.EventRunFinished,
		RunID: "run-anon",
		Time:  now.Add(50 * time.Millisecond),
	})

	spans := exporter.GetSpans()
	if len(spans) == 0 {
		t.Fatal("expected at least one span")
	}
	if spans[0].Name != "run:run-anon" {
		t.Errorf("expected span name 'run:run-anon', got %q", spans[0].Name)
	}
}

func TestTracingHandler_TokenSpawnedCreatesChildSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()

	h.Handle(flowsim.Event{
		Kind:  flowsim.EventRunStarted,
		RunID: "run-1",
		Time:  now,
	})
	h.Handle(flowsim.Event{
		Kind:    flowsim.EventTokenSpawned,
		RunID:   "run-1",
		TokenID: "tok-1",
		NodeID:  "start",
		Time:    now,
	})

	tokenSC := h.ActiveTokenSpanContext("run-1", "tok-1")
	if !tokenSC.IsValid() {
		t.Fatal("expected valid token span context after token.spawned")
	}

	runSC := h.ActiveRunSpanContext("run-1")
	if tokenSC.TraceID() != runSC.TraceID() {
		t.Error("token span should share the run span's trace")
	}

	h.Handle(flowsim.Event{
		Kind:    flowsim.EventTokenCompleted,
		RunID:   "run-1",
		TokenID: "tok-1",
		NodeID:  "end",
		Time:    now.Add(10 * time.Millisecond),
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 ended span, got %d", len(spans))
	}
	if spans[0].Name != "token:tok-1" {
		t.Errorf("expected span name 'token:tok-1', got %q", spans[0].Name)
	}
	if spans[0].Status.Code != otelcodes.Ok {
		t.Errorf("expected Ok status, got %v", spans[0].Status.Code)
	}
}

func TestTracingHandler_TokenTerminatedEndsSpanWithError(t *testing.T) {
	exporter, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()

	h.Handle(flowsim.Event{Kind: flowsim.EventRunStarted, RunID: "run-1", Time: now})
	h.Handle(flowsim.Event{
		Kind:    flowsim.EventTokenSpawned,
		RunID:   "run-1",
		TokenID: "tok-1",
		NodeID:  "ghost",
		Time:    now,
	})
	h.Handle(flowsim.Event{
		Kind:    flowsim.EventTokenTerminated,
		RunID:   "run-1",
		TokenID: "tok-1",
		NodeID:  "ghost",
		Time:    now.Add(5 * time.Millisecond),
		Payload: map[string]any{"reason": "node not found"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 ended span, got %d", len(spans))
	}
	if spans[0].Status.Code != otelcodes.Error {
		t.Errorf("expected Error status, got %v", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "node not found" {
		t.Errorf("expected status description %q, got %q", "node not found", spans[0].Status.Description)
	}
}

func TestTracingHandler_TokenMovedAddsSpanEvent(t *testing.T) {
	exporter, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()

	h.Handle(flowsim.Event{Kind: flowsim.EventRunStarted, RunID: "run-1", Time: now})
	h.Handle(flowsim.Event{
		Kind: flowsim.EventTokenSpawned, RunID: "run-1", TokenID: "tok-1", NodeID: "start", Time: now,
	})
	h.Handle(flowsim.Event{
		Kind:    flowsim.EventTokenMoved,
		RunID:   "run-1",
		TokenID: "tok-1",
		NodeID:  "task-a",
		Time:    now.Add(time.Millisecond),
		Payload: map[string]any{"edge": "e1"},
	})
	h.Handle(flowsim.Event{
		Kind: flowsim.EventTokenCompleted, RunID: "run-1", TokenID: "tok-1", NodeID: "end",
		Time: now.Add(2 * time.Millisecond),
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if len(spans[0].Events) != 1 {
		t.Fatalf("expected 1 span event, got %d", len(spans[0].Events))
	}
	if spans[0].Events[0].Name != string(flowsim.EventTokenMoved) {
		t.Errorf("expected span event %q, got %q", flowsim.EventTokenMoved, spans[0].Events[0].Name)
	}
}

func TestTracingHandler_RunFinishedEndsOrphanTokenSpans(t *testing.T) {
	exporter, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()

	h.Handle(flowsim.Event{Kind: flowsim.EventRunStarted, RunID: "run-1", Time: now})
	h.Handle(flowsim.Event{
		Kind: flowsim.EventTokenSpawned, RunID: "run-1", TokenID: "tok-1", NodeID: "start", Time: now,
	})

	// Finish the run without ending the token.
	h.Handle(flowsim.Event{
		Kind:  flowsim.EventRunFinished,
		RunID: "run-1",
		Time:  now.Add(time.Millisecond),
	})

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 ended spans (token + run), got %d", len(spans))
	}

	if sc := h.ActiveTokenSpanContext("run-1", "tok-1"); sc.IsValid() {
		t.Error("token span context should be invalid after run.finished")
	}
	if sc := h.ActiveRunSpanContext("run-1"); sc.IsValid() {
		t.Error("run span context should be invalid after run.finished")
	}
}

func TestTracingHandler_IgnoresUnknownTokens(t *testing.T) {
	exporter, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	// Events for tokens that were never spawned must be no-ops.
	h.Handle(flowsim.Event{Kind: flowsim.EventTokenMoved, RunID: "run-1", TokenID: "ghost"})
	h.Handle(flowsim.Event{Kind: flowsim.EventTokenCompleted, RunID: "run-1", TokenID: "ghost"})

	if got := len(exporter.GetSpans()); got != 0 {
		t.Errorf("expected no spans, got %d", got)
	}
}

func TestEnrichEmitter_PopulatesTraceContext(t *testing.T) {
	_, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(flowsim.Event{Kind: flowsim.EventRunStarted, RunID: "run-1", Time: now})
	h.Handle(flowsim.Event{
		Kind: flowsim.EventTokenSpawned, RunID: "run-1", TokenID: "tok-1", NodeID: "start", Time: now,
	})

	var captured flowsim.Event
	emit := flowotel.EnrichEmitter(func(e flowsim.Event) { captured = e }, h)

	emit(flowsim.Event{
		Kind:    flowsim.EventTokenMoved,
		RunID:   "run-1",
		TokenID: "tok-1",
		NodeID:  "task-a",
	})

	if captured.TraceID == "" || captured.SpanID == "" {
		t.Fatal("expected TraceID and SpanID to be populated for token event")
	}

	tokenSC := h.ActiveTokenSpanContext("run-1", "tok-1")
	if captured.TraceID != tokenSC.TraceID().String() {
		t.Errorf("TraceID = %q, want %q", captured.TraceID, tokenSC.TraceID().String())
	}
	if captured.SpanID != tokenSC.SpanID().String() {
		t.Errorf("SpanID = %q, want %q", captured.SpanID, tokenSC.SpanID().String())
	}
}

func TestEnrichEmitter_FallsBackToRunSpan(t *testing.T) {
	_, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	h.Handle(flowsim.Event{Kind: flowsim.EventRunStarted, RunID: "run-1", Time: time.Now()})

	var captured flowsim.Event
	emit := flowotel.EnrichEmitter(func(e flowsim.Event) { captured = e }, h)

	emit(flowsim.Event{Kind: flowsim.EventStepCompleted, RunID: "run-1"})

	runSC := h.ActiveRunSpanContext("run-1")
	if captured.TraceID != runSC.TraceID().String() {
		t.Errorf("TraceID = %q, want run span trace %q", captured.TraceID, runSC.TraceID().String())
	}
}

func TestEnrichEmitter_PassThroughWithoutSpans(t *testing.T) {
	_, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	var captured flowsim.Event
	emit := flowotel.EnrichEmitter(func(e flowsim.Event) { captured = e }, h)

	emit(flowsim.Event{Kind: flowsim.EventStepCompleted, RunID: "unknown-run"})

	if captured.TraceID != "" || captured.SpanID != "" {
		t.Error("expected event to pass through unchanged when no span is active")
	}
}
