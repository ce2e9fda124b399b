package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowsim/flowsim"
	"github.com/flowsim/flowsim/loader"
)

const (
	defaultSchedulePollInterval = 5 * time.Second
	defaultScheduleBatchLimit   = 100
)

// ScheduleRunStatus is the outcome of the most recent scheduled launch.
type ScheduleRunStatus string

const (
	ScheduleRunStatusRunning        ScheduleRunStatus = "running"
	ScheduleRunStatusCompleted      ScheduleRunStatus = "completed"
	ScheduleRunStatusFailed         ScheduleRunStatus = "failed"
	ScheduleRunStatusSkippedOverlap ScheduleRunStatus = "skipped_overlap"
)

// Schedule launches a process definition on a recurring UTC cron cadence.
type Schedule struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name,omitempty"`
	Cron        string                    `json:"cron"`
	Definition  *loader.ProcessDefinition `json:"definition"`
	Options     runOptions                `json:"-"`
	Enabled     bool                      `json:"enabled"`
	NextRunAt   time.Time                 `json:"next_run_at"`
	LastRunAt   *time.Time                `json:"last_run_at,omitempty"`
	LastRunID   string                    `json:"last_run_id,omitempty"`
	LastStatus  ScheduleRunStatus         `json:"last_status,omitempty"`
	LastError   string                    `json:"last_error,omitempty"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// ScheduleStore persists schedules. The in-memory implementation suffices
// for a single-process server; launches are idempotent per tick either way.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, sched Schedule) error
	GetSchedule(ctx context.Context, id string) (Schedule, bool, error)
	ListSchedules(ctx context.Context) ([]Schedule, error)
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error)
	UpdateSchedule(ctx context.Context, sched Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
}

// ErrScheduleExists is returned when creating a schedule with a taken ID.
var ErrScheduleExists = errors.New("schedule already exists")

// MemScheduleStore is a thread-safe in-memory schedule store.
type MemScheduleStore struct {
	mu        sync.RWMutex
	schedules map[string]Schedule
}

// NewMemScheduleStore creates an empty in-memory schedule store.
func NewMemScheduleStore() *MemScheduleStore {
	return &MemScheduleStore{schedules: make(map[string]Schedule)}
}

func (s *MemScheduleStore) CreateSchedule(_ context.Context, sched Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sched.ID]; ok {
		return ErrScheduleExists
	}
	s.schedules[sched.ID] = sched
	return nil
}

func (s *MemScheduleStore) GetSchedule(_ context.Context, id string) (Schedule, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[id]
	return sched, ok, nil
}

func (s *MemScheduleStore) ListSchedules(_ context.Context) ([]Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, sched)
	}
	return out, nil
}

func (s *MemScheduleStore) ListDueSchedules(_ context.Context, now time.Time, limit int) ([]Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []Schedule
	for _, sched := range s.schedules {
		if !sched.Enabled || sched.NextRunAt.After(now) {
			continue
		}
		due = append(due, sched)
		if limit > 0 && len(due) >= limit {
			break
		}
	}
	return due, nil
}

func (s *MemScheduleStore) UpdateSchedule(_ context.Context, sched Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sched.ID]; !ok {
		return fmt.Errorf("schedule %q not found", sched.ID)
	}
	s.schedules[sched.ID] = sched
	return nil
}

func (s *MemScheduleStore) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, id)
	return nil
}

var _ ScheduleStore = (*MemScheduleStore)(nil)

// SchedulerConfig configures the background schedule runner.
type SchedulerConfig struct {
	Server       *Server
	Store        ScheduleStore
	PollInterval time.Duration
	BatchLimit   int
	Now          func() time.Time
	Logger       *slog.Logger
}

// Scheduler periodically launches simulation runs for due schedules.
// An enabled schedule whose previous launch is still active is skipped
// for that tick rather than overlapped.
type Scheduler struct {
	server       *Server
	store        ScheduleStore
	pollInterval time.Duration
	batchLimit   int
	now          func() time.Time
	logger       *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler instance.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Server == nil {
		return nil, errors.New("scheduler server is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("scheduler store is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultSchedulePollInterval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultScheduleBatchLimit
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Scheduler{
		server:       cfg.Server,
		store:        cfg.Store,
		pollInterval: cfg.PollInterval,
		batchLimit:   cfg.BatchLimit,
		now:          cfg.Now,
		logger:       cfg.Logger,
		active:       map[string]struct{}{},
	}, nil
}

// AddSchedule validates and registers a new schedule, computing its first
// due time from the cron expression.
func (s *Scheduler) AddSchedule(ctx context.Context, name, cronExpr string, pd *loader.ProcessDefinition, opts runOptions) (Schedule, error) {
	if pd == nil {
		return Schedule{}, errors.New("schedule definition is nil")
	}
	diags := pd.Validate()
	if loader.HasErrors(diags) {
		return Schedule{}, &loader.DiagnosticError{Diagnostics: diags}
	}

	now := s.now().UTC()
	nextRunAt, err := nextCronRunUTC(cronExpr, now)
	if err != nil {
		return Schedule{}, err
	}

	sched := Schedule{
		ID:         uuid.NewString(),
		Name:       name,
		Cron:       cronExpr,
		Definition: pd,
		Options:    opts,
		Enabled:    true,
		NextRunAt:  nextRunAt,
		UpdatedAt:  now,
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return Schedule{}, err
	}
	return sched, nil
}

// Start starts background polling.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = s.RunOnce(loopCtx)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				_ = s.RunOnce(loopCtx)
			}
		}
	}()

	return nil
}

// Stop stops background polling, waiting for the loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes a single scheduler pass, launching every due schedule.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.now().UTC()
	due, err := s.store.ListDueSchedules(ctx, now, s.batchLimit)
	if err != nil {
		return err
	}

	for _, sched := range due {
		s.processDueSchedule(ctx, sched, now)
	}
	return nil
}

func (s *Scheduler) processDueSchedule(ctx context.Context, sched Schedule, now time.Time) {
	if !sched.Enabled {
		return
	}

	if s.isScheduleActive(sched.ID) {
		s.markSkippedOverlap(ctx, sched, now)
		return
	}

	nextRunAt, err := nextCronRunUTC(sched.Cron, now)
	if err != nil {
		s.markScheduleFailure(ctx, sched, now, fmt.Errorf("invalid cron expression: %w", err))
		return
	}

	sched.NextRunAt = nextRunAt
	sched.LastStatus = ScheduleRunStatusRunning
	sched.LastError = ""
	sched.UpdatedAt = now
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		s.logger.Error("update schedule before launch", "schedule_id", sched.ID, "error", err)
		return
	}

	s.markScheduleActive(sched.ID)
	go s.launchSchedule(sched)
}

// launchSchedule builds a graph from the schedule's definition and runs it
// to completion so overlap detection reflects actual simulation activity.
func (s *Scheduler) launchSchedule(sched Schedule) {
	defer s.unmarkScheduleActive(sched.ID)

	runID, runErr := s.runDefinition(sched)

	finish := s.now().UTC()
	latest, found, err := s.store.GetSchedule(context.Background(), sched.ID)
	if err != nil {
		s.logger.Error("load schedule after launch", "schedule_id", sched.ID, "error", err)
		return
	}
	if !found {
		return
	}

	latest.UpdatedAt = finish
	latest.LastRunAt = &finish
	if runErr != nil {
		latest.LastStatus = ScheduleRunStatusFailed
		latest.LastError = runErr.Error()
	} else {
		latest.LastStatus = ScheduleRunStatusCompleted
		latest.LastError = ""
		latest.LastRunID = runID
	}

	if err := s.store.UpdateSchedule(context.Background(), latest); err != nil {
		s.logger.Error("persist schedule result", "schedule_id", sched.ID, "error", err)
	}
}

func (s *Scheduler) runDefinition(sched Schedule) (string, error) {
	g, err := sched.Definition.Build()
	if err != nil {
		return "", fmt.Errorf("building process graph: %w", err)
	}

	runID, entry, err := s.server.startRun(g, sched.Definition, sched.Options)
	if err != nil {
		return "", err
	}

	// Wait until the run leaves the active phase so that the next cron tick
	// sees overlap correctly.
	for entry.sim.Snapshot().HasActiveTokens() {
		time.Sleep(flowsim.DefaultSpeed / 10)
	}
	return runID, nil
}

func (s *Scheduler) markSkippedOverlap(ctx context.Context, sched Schedule, now time.Time) {
	nextRunAt, err := nextCronRunUTC(sched.Cron, now)
	if err != nil {
		s.markScheduleFailure(ctx, sched, now, fmt.Errorf("invalid cron expression: %w", err))
		return
	}

	sched.NextRunAt = nextRunAt
	sched.LastStatus = ScheduleRunStatusSkippedOverlap
	sched.LastError = "skipped because prior scheduled run is still active"
	sched.UpdatedAt = now
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		s.logger.Error("persist overlap skip", "schedule_id", sched.ID, "error", err)
	}
}

func (s *Scheduler) markScheduleFailure(ctx context.Context, sched Schedule, now time.Time, runErr error) {
	nextRunAt, nextErr := nextCronRunUTC(sched.Cron, now)
	if nextErr == nil {
		sched.NextRunAt = nextRunAt
	}
	sched.LastStatus = ScheduleRunStatusFailed
	sched.LastError = runErr.Error()
	sched.UpdatedAt = now
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		s.logger.Error("persist schedule failure", "schedule_id", sched.ID, "error", err)
	}
}

func (s *Scheduler) isScheduleActive(scheduleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[scheduleID]
	return ok
}

func (s *Scheduler) markScheduleActive(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[scheduleID] = struct{}{}
}

func (s *Scheduler) unmarkScheduleActive(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, scheduleID)
}
