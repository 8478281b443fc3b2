package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelci/kestrel/internal/engine"
	"github.com/kestrelci/kestrel/internal/model"
	"github.com/kestrelci/kestrel/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createRunRequest is the JSON body for POST /v1/runs.
type createRunRequest struct {
	RepositoryID  string `json:"repository_id"`
	EnvironmentID string `json:"environment_id"`
	TargetPath    string `json:"target_path"`
	Branch        string `json:"branch"`
	RunnerType    string `json:"runner_type"`
	TimeoutS      *int   `json:"timeout_s"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
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
	switch req.RunnerType {
	case "", model.RunnerAuto, model.RunnerSubprocess, model.RunnerContainer:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown runner_type")
		return
	}
	if req.TimeoutS != nil && *req.TimeoutS <= 0 {
		s.writeError(w, http.StatusBadRequest, "timeout_s must be positive")
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

	run := &model.Run{
		ID:            model.NewID(),
		RepositoryID:  req.RepositoryID,
		EnvironmentID: req.EnvironmentID,
		TargetPath:    req.TargetPath,
		Branch:        branch,
		RunnerType:    runnerType,
		Status:        model.StatusPending,
		TimeoutS:      req.TimeoutS,
		TriggeredBy:   model.TriggerUser,
		CreatedAt:     time.Now().UTC(),
	}

	// Submit reports dispatch failures through the run itself (status error
	// with error_message set), so the response is 201 either way and the
	// client reads the outcome from the returned run.
	if err := s.engine.Submit(r.Context(), run); err != nil {
		s.logger.Error("create run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	s.writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	filter := store.RunFilter{
		Status:       r.URL.Query().Get("status"),
		RepositoryID: r.URL.Query().Get("repository_id"),
		ScheduleID:   r.URL.Query().Get("schedule_id"),
	}

	runs, total, err := s.store.ListRuns(r.Context(), filter, limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.engine.Cancel(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("cancel run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel run")
		return
	}

	// Cancelling a finished run is a no-op and still returns 200 with the
	// run in its terminal state.
	s.writeJSON(w, http.StatusOK, run)
}

// cancelAllResponse is the JSON response for POST /v1/runs/cancel-all.
type cancelAllResponse struct {
	Cancelled int `json:"cancelled"`
}

func (s *Server) handleCancelAllRuns(w http.ResponseWriter, r *http.Request) {
	count, err := s.engine.CancelAll(r.Context())
	if err != nil {
		s.logger.Error("cancel all runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel runs")
		return
	}

	s.writeJSON(w, http.StatusOK, cancelAllResponse{Cancelled: count})
}

func (s *Server) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.engine.Retry(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if errors.Is(err, engine.ErrRunActive) {
		s.writeError(w, http.StatusConflict, "run has not finished")
		return
	}
	if err != nil {
		s.logger.Error("retry run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retry run")
		return
	}

	s.writeJSON(w, http.StatusCreated, run)
}

// runOutputResponse is the JSON response for GET /v1/runs/{id}/output.
type runOutputResponse struct {
	RunID  string `json:"run_id"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

func (s *Server) handleGetRunOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run output", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	s.writeJSON(w, http.StatusOK, runOutputResponse{
		RunID:  run.ID,
		Stdout: string(run.Stdout),
		Stderr: string(run.Stderr),
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
