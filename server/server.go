// Package server exposes the simulator over an HTTP API: runs are created
// from process definitions, controlled via pause/resume/step/stop, and
// observed via snapshots and an SSE event stream.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/flowsim/flowsim"
	"github.com/flowsim/flowsim/bus"
	"github.com/flowsim/flowsim/loader"
	"github.com/flowsim/flowsim/sse"
)

// Config configures a Server instance.
type Config struct {
	Bus        bus.EventBus
	EventStore bus.EventStore

	// Events is an optional extra handler invoked for every simulator
	// event, after bus publication and store persistence.
	Events flowsim.EventHandler

	// DefaultSpeed is used for runs that do not specify one.
	DefaultSpeed time.Duration

	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the simulation HTTP API server. It owns the registry of live
// runs and wires each run's events into the bus and event store.
type Server struct {
	bus          bus.EventBus
	eventStore   bus.EventStore
	events       flowsim.EventHandler
	defaultSpeed time.Duration
	corsOrigin   string
	maxBody      int64
	logger       *slog.Logger

	mu        sync.RWMutex
	runs      map[string]*runEntry // runID -> entry
	scheduler *Scheduler
}

// runEntry tracks one live simulation and the definition it was built from.
type runEntry struct {
	sim       *flowsim.Simulator
	def       *loader.ProcessDefinition
	createdAt time.Time
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	defaultSpeed := cfg.DefaultSpeed
	if defaultSpeed <= 0 {
		defaultSpeed = flowsim.DefaultSpeed
	}
	return &Server{
		bus:          cfg.Bus,
		eventStore:   cfg.EventStore,
		events:       cfg.Events,
		defaultSpeed: defaultSpeed,
		corsOrigin:   corsOrigin,
		maxBody:      maxBody,
		logger:       logger,
		runs:         make(map[string]*runEntry),
	}
}

// SetScheduler attaches a scheduler so its schedule CRUD routes are
// registered alongside the run routes. Must be called before Handler.
func (s *Server) SetScheduler(sched *Scheduler) {
	s.scheduler = sched
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts simulation API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/runs", s.handleCreateRun)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{run_id}/pause", s.handlePauseRun)
	mux.HandleFunc("POST /api/runs/{run_id}/resume", s.handleResumeRun)
	mux.HandleFunc("POST /api/runs/{run_id}/step", s.handleStepRun)
	mux.HandleFunc("POST /api/runs/{run_id}/stop", s.handleStopRun)
	mux.HandleFunc("POST /api/runs/{run_id}/reset", s.handleResetRun)
	mux.HandleFunc("PUT /api/runs/{run_id}/speed", s.handleSetSpeed)
	mux.HandleFunc("PUT /api/runs/{run_id}/random", s.handleSetRandom)

	if s.eventStore != nil && s.bus != nil {
		mux.Handle("GET /api/runs/{run_id}/events", sse.NewSSEHandler(s.eventStore, s.bus))
	}

	if s.scheduler != nil {
		mux.HandleFunc("POST /api/schedules", s.handleCreateSchedule)
		mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
		mux.HandleFunc("GET /api/schedules/{schedule_id}", s.handleGetSchedule)
		mux.HandleFunc("DELETE /api/schedules/{schedule_id}", s.handleDeleteSchedule)
	}
}

// eventHandler builds the composite handler a new simulator publishes to:
// bus fan-out, store persistence, then the configured extra handler.
func (s *Server) eventHandler() flowsim.EventHandler {
	handlers := make([]flowsim.EventHandler, 0, 3)
	if s.bus != nil {
		handlers = append(handlers, s.bus.Publish)
	}
	if s.eventStore != nil {
		sub := bus.NewStoreSubscriber(s.eventStore, s.logger)
		handlers = append(handlers, sub.Handle)
	}
	if s.events != nil {
		handlers = append(handlers, s.events)
	}
	return flowsim.MultiEventHandler(handlers...)
}

// lookup returns the run entry for an ID, or nil if unknown.
func (s *Server) lookup(runID string) *runEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runs[runID]
}

// register adds a run to the registry.
func (s *Server) register(runID string, entry *runEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = entry
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}
