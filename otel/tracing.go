// Package otel provides OpenTelemetry integration for simulator events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowsim/flowsim"
)

// TracingHandler translates simulator events into OpenTelemetry spans.
// Each run gets a root span and each token gets a child span under it;
// spans are created and ended based on event kind.
type TracingHandler struct {
	tracer trace.Tracer

	mu         sync.RWMutex
	runSpans   map[string]trace.Span       // runID -> span
	runCtxs    map[string]context.Context  // runID -> context (for child spans)
	tokenSpans map[string]trace.Span       // runID:tokenID -> span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from simulator events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:     tracer,
		runSpans:   make(map[string]trace.Span),
		runCtxs:    make(map[string]context.Context),
		tokenSpans: make(map[string]trace.Span),
	}
}

// Handle processes a simulator event and creates or ends spans accordingly.
// It implements flowsim.EventHandler semantics.
func (h *TracingHandler) Handle(e flowsim.Event) {
	switch e.Kind {
	case flowsim.EventRunStarted:
		h.handleRunStarted(e)
	case flowsim.EventTokenSpawned:
		h.handleTokenSpawned(e)
	case flowsim.EventTokenCompleted:
		h.handleTokenEnded(e, codes.Ok, "")
	case flowsim.EventTokenTerminated:
		h.handleTokenEnded(e, codes.Error, "token terminated")
	case flowsim.EventTokenMoved, flowsim.EventGatewayDecision:
		h.handleTokenEvent(e)
	case flowsim.EventRunFinished:
		h.handleRunFinished(e)
	}
}

// handleRunStarted creates a root span for the run.
func (h *TracingHandler) handleRunStarted(e flowsim.Event) {
	processName := ""
	if name, ok := e.Payload["process"]; ok {
		if s, ok := name.(string); ok {
			processName = s
		}
	}

	spanName := "run:" + e.RunID
	if processName != "" {
		spanName = "run:" + processName
	}

	ctx, span := h.tracer.Start(context.Background(), spanName,
		trace.WithAttributes(
			attribute.String("flowsim.run_id", e.RunID),
		),
		trace.WithTimestamp(e.Time),
	)

	if processName != "" {
		span.SetAttributes(attribute.String("flowsim.process", processName))
	}

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

// handleTokenSpawned creates a child span under the run span.
func (h *TracingHandler) handleTokenSpawned(e flowsim.Event) {
	h.mu.RLock()
	parentCtx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()

	if !ok {
		// No parent run span; start from background context.
		parentCtx = context.Background()
	}

	spanName := "token:" + e.TokenID

	_, span := h.tracer.Start(parentCtx, spanName,
		trace.WithAttributes(
			attribute.String("flowsim.run_id", e.RunID),
			attribute.String("flowsim.token_id", e.TokenID),
			attribute.String("flowsim.node_id", e.NodeID),
		),
		trace.WithTimestamp(e.Time),
	)

	key := e.RunID + ":" + e.TokenID
	h.mu.Lock()
	h.tokenSpans[key] = span
	h.mu.Unlock()
}

// handleTokenEnded ends the token span with the given status.
func (h *TracingHandler) handleTokenEnded(e flowsim.Event, code codes.Code, msg string) {
	key := e.RunID + ":" + e.TokenID

	h.mu.Lock()
	span, ok := h.tokenSpans[key]
	if ok {
		delete(h.tokenSpans, key)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	span.SetAttributes(
		attribute.String("flowsim.final_node", e.NodeID),
		attribute.Int("flowsim.step", e.Step),
	)
	if code == codes.Error {
		if reason, found := e.Payload["reason"]; found {
			if s, ok := reason.(string); ok && s != "" {
				msg = s
			}
		}
		span.SetStatus(codes.Error, msg)
		span.RecordError(spanError(msg), trace.WithTimestamp(e.Time))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// handleTokenEvent adds a span event for token.moved and gateway.decision events.
func (h *TracingHandler) handleTokenEvent(e flowsim.Event) {
	key := e.RunID + ":" + e.TokenID

	h.mu.RLock()
	span, ok := h.tokenSpans[key]
	h.mu.RUnlock()

	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("flowsim.event_kind", string(e.Kind)),
		attribute.String("flowsim.node_id", e.NodeID),
	}

	if edgeID, found := e.Payload["edge"]; found {
		if s, ok := edgeID.(string); ok {
			attrs = append(attrs, attribute.String("flowsim.edge_id", s))
		}
	}

	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

// handleRunFinished ends the root run span.
func (h *TracingHandler) handleRunFinished(e flowsim.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	if ok {
		delete(h.runSpans, e.RunID)
		delete(h.runCtxs, e.RunID)
	}

	// Any token spans still open when the run finishes are ended too.
	var orphans []trace.Span
	for key, ts := range h.tokenSpans {
		if len(key) > len(e.RunID) && key[:len(e.RunID)+1] == e.RunID+":" {
			orphans = append(orphans, ts)
			delete(h.tokenSpans, key)
		}
	}
	h.mu.Unlock()

	for _, ts := range orphans {
		ts.End(trace.WithTimestamp(e.Time))
	}

	if ok {
		span.SetAttributes(
			attribute.String("flowsim.duration", e.Elapsed.String()),
			attribute.Int("flowsim.steps", e.Step),
		)
		span.SetStatus(codes.Ok, "")
		span.End(trace.WithTimestamp(e.Time))
	}
}

// ActiveTokenSpanContext returns the SpanContext for the active token span
// identified by runID and tokenID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveTokenSpanContext(runID, tokenID string) trace.SpanContext {
	key := runID + ":" + tokenID

	h.mu.RLock()
	span, ok := h.tokenSpans[key]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the SpanContext for the active run span
// identified by runID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
