package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelci/kestrel/internal/model"
	"github.com/kestrelci/kestrel/internal/schedule"
	"github.com/kestrelci/kestrel/internal/store"
)

// createScheduleRequest is the JSON body for POST /v1/schedules.
type createScheduleRequest struct {
	CronExpr      string `json:"cron_expression"`
	RepositoryID  string `json:"repository_id"`
	EnvironmentID string `json:"environment_id"`
	TargetPath    string `json:"target_path"`
	Branch        string `json:"branch"`
	RunnerType    string `json:"runner_type"`
	Enabled       *bool  `json:"enabled"`
}

// updateScheduleRequest is the JSON body for PATCH /v1/schedules/{id}.
// Only the enabled flag is mutable; retargeting a schedule means replacing it.
type updateScheduleRequest struct {
	Enabled *bool `json:"enabled"`
}

// scheduleResponse decorates a schedule with its computed next fire time.
type scheduleResponse struct {
	*model.Schedule
	NextFireAt *time.Time `json:"next_fire_at,omitempty"`
}

// listSchedulesResponse wraps the schedule list.
type listSchedulesResponse struct {
	Schedules []scheduleResponse `json:"schedules"`
}

func (s *Server) scheduleResponse(sc *model.Schedule) scheduleResponse {
	resp := scheduleResponse{Schedule: sc}
	if sc.Enabled {
		anchor := sc.CreatedAt
		if sc.LastFiredAt != nil {
			anchor = *sc.LastFiredAt
		}
		if next := schedule.NextFire(sc.CronExpr, anchor); !next.IsZero() {
			resp.NextFireAt = &next
		}
	}
	return resp
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.RepositoryID == "" {
		s.writeError(w, http.StatusBadRequest, "repository_id is required")
		return
	}
	if req.TargetPath == "" {
		s.writeError(w, http.StatusBadRequest, "target_path is required")
		return
	}
	if err := schedule.ValidateCron(req.CronExpr); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch req.RunnerType {
	case "", model.RunnerAuto, model.RunnerSubprocess, model.RunnerContainer:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown runner_type")
		return
	}

	branch := req.Branch
	if branch == "" {
		branch = "main"
	}
	runnerType := req.RunnerType
	if runnerType == "" {
		runnerType = model.RunnerAuto
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	sc := &model.Schedule{
		ID:            model.NewID(),
		CronExpr:      req.CronExpr,
		Enabled:       enabled,
		RepositoryID:  req.RepositoryID,
		EnvironmentID: req.EnvironmentID,
		TargetPath:    req.TargetPath,
		Branch:        branch,
		RunnerType:    runnerType,
		CreatedAt:     time.Now().UTC(),
	}

	if err := s.store.CreateSchedule(r.Context(), sc); err != nil {
		s.logger.Error("create schedule", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}

	s.writeJSON(w, http.StatusCreated, s.scheduleResponse(sc))
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sc, err := s.store.GetSchedule(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err != nil {
		s.logger.Error("get schedule", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get schedule")
		return
	}

	s.writeJSON(w, http.StatusOK, s.scheduleResponse(sc))
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"

	schedules, err := s.store.ListSchedules(r.Context(), enabledOnly)
	if err != nil {
		s.logger.Error("list schedules", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}

	resp := listSchedulesResponse{Schedules: make([]scheduleResponse, 0, len(schedules))}
	for _, sc := range schedules {
		resp.Schedules = append(resp.Schedules, s.scheduleResponse(sc))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateScheduleRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Enabled == nil {
		s.writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if err := s.store.SetScheduleEnabled(r.Context(), id, *req.Enabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.logger.Error("update schedule", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to update schedule")
		return
	}

	sc, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		s.logger.Error("get updated schedule", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve schedule")
		return
	}

	s.writeJSON(w, http.StatusOK, s.scheduleResponse(sc))
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.store.DeleteSchedule(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.logger.Error("delete schedule", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete schedule")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
