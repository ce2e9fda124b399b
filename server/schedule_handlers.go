package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/flowsim/flowsim/loader"
)

// createScheduleRequest is the POST /api/schedules body.
type createScheduleRequest struct {
	Name        string          `json:"name,omitempty"`
	Cron        string          `json:"cron"`
	Definition  json.RawMessage `json:"definition"`
	SpeedMs     int64           `json:"speed_ms,omitempty"`
	RandomPaths bool            `json:"random_paths,omitempty"`
	Seed        *int64          `json:"seed,omitempty"`
}

// handleCreateSchedule registers a recurring launch of a process definition.
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if len(req.Definition) == 0 {
		writeError(w, http.StatusBadRequest, "MISSING_DEFINITION", "schedule must include a process definition")
		return
	}

	var pd loader.ProcessDefinition
	if err := json.Unmarshal(req.Definition, &pd); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	sched, err := s.scheduler.AddSchedule(r.Context(), req.Name, req.Cron, &pd, runOptions{
		SpeedMs:     req.SpeedMs,
		RandomPaths: req.RandomPaths,
		Seed:        req.Seed,
	})
	if err != nil {
		var diagErr *loader.DiagnosticError
		if errors.As(err, &diagErr) {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				"process definition validation failed", diagMessages(diagErr.Diagnostics)...)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, sched)
}

// handleListSchedules returns every registered schedule, next-due first.
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.scheduler.store.ListSchedules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	sort.Slice(schedules, func(i, j int) bool {
		return schedules[i].NextRunAt.Before(schedules[j].NextRunAt)
	})
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("schedule_id")
	sched, found, err := s.scheduler.store.GetSchedule(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("schedule_id")
	if _, found, err := s.scheduler.store.GetSchedule(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	} else if !found {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", id))
		return
	}

	if err := s.scheduler.store.DeleteSchedule(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
