// Package sse streams simulation events to HTTP clients over Server-Sent
// Events. A stream replays what the event store already holds for a run,
// then follows the live event bus until the run finishes or the client
// disconnects.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/flowsim/flowsim"
	"github.com/flowsim/flowsim/bus"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// sseEvent is the wire shape of one simulation event.
type sseEvent struct {
	Kind      string         `json:"kind"`
	RunID     string         `json:"run_id"`
	NodeID    string         `json:"node_id,omitempty"`
	TokenID   string         `json:"token_id,omitempty"`
	Time      time.Time      `json:"time"`
	Step      int            `json:"step"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Payload   map[string]any `json:"payload"`
	Seq       uint64         `json:"seq"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

// SSEHandler serves the event stream for a single run, identified by the
// "run_id" path value (Go 1.22+ ServeMux). An optional "after" query
// parameter resumes from a sequence cursor: only events with a higher seq
// are sent, so a reconnecting client passes the last id it saw.
//
// Each event is framed as:
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// with a ": ping" comment every HeartbeatInterval. The stream ends once a
// run.finished event has been written.
type SSEHandler struct {
	store bus.EventStore
	bus   bus.EventBus
}

// NewSSEHandler creates a new SSEHandler with the given EventStore and EventBus.
func NewSSEHandler(store bus.EventStore, eb bus.EventBus) *SSEHandler {
	return &SSEHandler{
		store: store,
		bus:   eb,
	}
}

// ServeHTTP implements http.Handler.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}

	cursor := uint64(0)
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		cursor = parsed
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	out := &stream{w: w, flusher: flusher, cursor: cursor}
	ctx := r.Context()

	// Subscribe before reading the store, so nothing published between
	// replay and the live phase can be missed. The live loop dedups any
	// overlap by seq.
	sub := h.bus.Subscribe(runID)
	defer sub.Close()

	stored, err := h.store.List(ctx, runID, cursor, 0)
	if err != nil {
		return
	}
	for _, event := range stored {
		if ctx.Err() != nil {
			return
		}
		done, err := out.emit(event)
		if done || err != nil {
			return
		}
	}

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			done, err := out.emit(event)
			if done || err != nil {
				return
			}

		case <-heartbeat.C:
			if err := out.ping(); err != nil {
				return
			}
		}
	}
}

// stream tracks the write side of one SSE connection.
type stream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	cursor  uint64 // highest seq written (or the client's resume point)
}

// emit writes one event frame, skipping events at or below the cursor.
// It reports done=true after writing a run.finished event.
func (s *stream) emit(event flowsim.Event) (done bool, err error) {
	if event.Seq <= s.cursor {
		return false, nil
	}

	data, err := json.Marshal(sseEvent{
		Kind:      string(event.Kind),
		RunID:     event.RunID,
		NodeID:    event.NodeID,
		TokenID:   event.TokenID,
		Time:      event.Time,
		Step:      event.Step,
		ElapsedMs: event.Elapsed.Milliseconds(),
		Payload:   event.Payload,
		Seq:       event.Seq,
		TraceID:   event.TraceID,
		SpanID:    event.SpanID,
	})
	if err != nil {
		return false, err
	}

	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Kind, data); err != nil {
		return false, err
	}
	s.flusher.Flush()
	s.cursor = event.Seq

	return event.Kind == flowsim.EventRunFinished, nil
}

// ping writes a comment line that keeps idle connections alive.
func (s *stream) ping() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
