package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"time"

	"github.com/flowsim/flowsim"
	"github.com/flowsim/flowsim/loader"
)

// createRunRequest is the POST /api/runs body.
type createRunRequest struct {
	Definition  json.RawMessage `json:"definition"`
	SpeedMs     int64           `json:"speed_ms,omitempty"`
	RandomPaths bool            `json:"random_paths,omitempty"`

	// Paused seeds the run without starting the timing driver, so clients
	// can single-step from the beginning.
	Paused bool `json:"paused,omitempty"`

	// Seed fixes the random source for reproducible random-path runs.
	Seed *int64 `json:"seed,omitempty"`
}

// runView is the API representation of a run.
type runView struct {
	RunID       string      `json:"run_id"`
	ProcessID   string      `json:"process_id,omitempty"`
	ProcessName string      `json:"process_name,omitempty"`
	Running     bool        `json:"running"`
	Paused      bool        `json:"paused"`
	SpeedMs     int64       `json:"speed_ms"`
	RandomPaths bool        `json:"random_paths"`
	Steps       int         `json:"steps"`
	ActiveNodes []string    `json:"active_nodes"`
	ActiveEdges []string    `json:"active_edges"`
	Tokens      []tokenView `json:"tokens"`
	CreatedAt   time.Time   `json:"created_at"`
}

// tokenView is the API representation of a token.
type tokenView struct {
	ID     string   `json:"id"`
	NodeID string   `json:"node_id"`
	Status string   `json:"status"`
	Path   []string `json:"path"`
}

func toRunView(runID string, entry *runEntry) runView {
	state := entry.sim.Snapshot()

	tokens := make([]tokenView, 0, len(state.Tokens))
	for _, tok := range state.Tokens {
		tokens = append(tokens, tokenView{
			ID:     tok.ID,
			NodeID: tok.CurrentNodeID,
			Status: string(tok.Status),
			Path:   tok.Path,
		})
	}

	view := runView{
		RunID:       runID,
		Running:     state.Running,
		Paused:      state.Paused,
		SpeedMs:     state.Speed.Milliseconds(),
		RandomPaths: state.RandomPaths,
		Steps:       state.Steps,
		ActiveNodes: state.ActiveNodeIDs,
		ActiveEdges: state.ActiveEdgeIDs,
		Tokens:      tokens,
		CreatedAt:   entry.createdAt,
	}
	if entry.def != nil {
		view.ProcessID = entry.def.ID
		view.ProcessName = entry.def.Name
	}
	return view
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateRun builds a simulator from the posted process definition and
// starts it. With "paused": true the run is seeded but the timing driver is
// held, leaving the client in manual-step control.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error())
		return
	}

	var req createRunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if len(req.Definition) == 0 {
		writeError(w, http.StatusBadRequest, "MISSING_DEFINITION", "request must include a process definition")
		return
	}

	var pd loader.ProcessDefinition
	if err := json.Unmarshal(req.Definition, &pd); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	diags := pd.Validate()
	if loader.HasErrors(diags) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"process definition validation failed", diagMessages(diags)...)
		return
	}

	g, err := pd.Build()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "BUILD_ERROR", err.Error())
		return
	}

	runID, entry, err := s.startRun(g, &pd, runOptions{
		SpeedMs:     req.SpeedMs,
		RandomPaths: req.RandomPaths,
		Paused:      req.Paused,
		Seed:        req.Seed,
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "START_ERROR", err.Error())
		return
	}

	for _, d := range loader.Warnings(diags) {
		s.logger.Warn("process definition warning",
			"run_id", runID, "code", d.Code, "message", d.Message)
	}

	writeJSON(w, http.StatusCreated, toRunView(runID, entry))
}

// runOptions carries per-run configuration shared by the HTTP handler and
// the scheduler.
type runOptions struct {
	SpeedMs     int64
	RandomPaths bool
	Paused      bool
	Seed        *int64
}

// startRun creates, registers, and starts a simulator for the given graph.
func (s *Server) startRun(g flowsim.ProcessGraph, pd *loader.ProcessDefinition, opts runOptions) (string, *runEntry, error) {
	cfg := flowsim.Config{
		Speed:        s.defaultSpeed,
		RandomPaths:  opts.RandomPaths,
		EventHandler: s.eventHandler(),
	}
	if opts.SpeedMs > 0 {
		cfg.Speed = time.Duration(opts.SpeedMs) * time.Millisecond
	}
	if opts.Seed != nil {
		cfg.Resolver = flowsim.NewGatewayResolverWithRand(rand.New(rand.NewSource(*opts.Seed)))
	}

	sim := flowsim.NewSimulator(g, cfg)
	if err := sim.Start(); err != nil {
		return "", nil, err
	}
	if opts.Paused {
		// Pausing before the first tick fires cancels the scheduled step.
		sim.Pause()
	}

	runID := sim.RunID()
	entry := &runEntry{
		sim:       sim,
		def:       pd,
		createdAt: time.Now().UTC(),
	}
	s.register(runID, entry)

	s.logger.Info("run started",
		"run_id", runID,
		"process_id", entryProcessID(entry),
		"speed_ms", cfg.Speed.Milliseconds(),
		"random_paths", opts.RandomPaths,
		"paused", opts.Paused)

	return runID, entry, nil
}

func entryProcessID(entry *runEntry) string {
	if entry.def == nil {
		return ""
	}
	return entry.def.ID
}

// handleListRuns returns a summary for every registered run, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	views := make([]runView, 0, len(s.runs))
	for runID, entry := range s.runs {
		views = append(views, toRunView(runID, entry))
	}
	s.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	writeJSON(w, http.StatusOK, views)
}

// handleGetRun returns the current snapshot of a run.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	entry := s.lookup(runID)
	if entry == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
		return
	}
	writeJSON(w, http.StatusOK, toRunView(runID, entry))
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	s.controlRun(w, r, func(sim *flowsim.Simulator) { sim.Pause() })
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	s.controlRun(w, r, func(sim *flowsim.Simulator) { _ = sim.Start() })
}

func (s *Server) handleStepRun(w http.ResponseWriter, r *http.Request) {
	s.controlRun(w, r, func(sim *flowsim.Simulator) { sim.Step() })
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	s.controlRun(w, r, func(sim *flowsim.Simulator) { sim.Stop() })
}

func (s *Server) handleResetRun(w http.ResponseWriter, r *http.Request) {
	s.controlRun(w, r, func(sim *flowsim.Simulator) { sim.Reset() })
}

// controlRun applies a control action and responds with the new snapshot.
func (s *Server) controlRun(w http.ResponseWriter, r *http.Request, action func(*flowsim.Simulator)) {
	runID := r.PathValue("run_id")
	entry := s.lookup(runID)
	if entry == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
		return
	}
	action(entry.sim)
	writeJSON(w, http.StatusOK, toRunView(runID, entry))
}

// handleSetSpeed updates the step interval for a run.
func (s *Server) handleSetSpeed(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	entry := s.lookup(runID)
	if entry == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
		return
	}

	var req struct {
		SpeedMs int64 `json:"speed_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if req.SpeedMs <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_SPEED", "speed_ms must be positive")
		return
	}

	entry.sim.SetSpeed(time.Duration(req.SpeedMs) * time.Millisecond)
	writeJSON(w, http.StatusOK, toRunView(runID, entry))
}

// handleSetRandom updates the gateway path policy for a run.
func (s *Server) handleSetRandom(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	entry := s.lookup(runID)
	if entry == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
		return
	}

	var req struct {
		RandomPaths bool `json:"random_paths"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	entry.sim.SetRandomPaths(req.RandomPaths)
	writeJSON(w, http.StatusOK, toRunView(runID, entry))
}

// diagMessages flattens diagnostics into detail strings.
func diagMessages(diags []loader.Diagnostic) []string {
	msgs := make([]string, 0, len(diags))
	for _, d := range diags {
		if d.Path != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s (%s)", d.Code, d.Message, d.Path))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: %s", d.Code, d.Message))
	}
	return msgs
}

// isMaxBytesError reports whether err came from http.MaxBytesReader.
func isMaxBytesError(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
