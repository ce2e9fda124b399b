package otel

import (
	"github.com/flowsim/flowsim"
)

// EnrichEmitter wraps an EventEmitter with OpenTelemetry trace context.
// When events are emitted, it looks up the active span from the TracingHandler
// and populates the TraceID and SpanID fields on the event.
//
// For token-level events (where TokenID is set), the token span is checked
// first. If no token span is found, it falls back to the run-level span.
// When no span is active, the event passes through unchanged.
func EnrichEmitter(emit flowsim.EventEmitter, tracing *TracingHandler) flowsim.EventEmitter {
	return func(e flowsim.Event) {
		// For token-level events, try the token span first.
		if e.TokenID != "" {
			sc := tracing.ActiveTokenSpanContext(e.RunID, e.TokenID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		// Fallback to run-level span.
		if e.TraceID == "" && e.RunID != "" {
			sc := tracing.ActiveRunSpanContext(e.RunID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		emit(e)
	}
}
