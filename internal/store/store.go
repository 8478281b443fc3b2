package store

import (
	"context"
	"errors"
	"time"

	"github.com/kestrelci/kestrel/internal/model"
)

// ErrNotFound is returned when a run or schedule does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyFinished is returned when an update targets a run that has
// already reached a terminal status. Terminal statuses are never overwritten.
var ErrAlreadyFinished = errors.New("run already finished")

// RunFilter narrows ListRuns results. Zero values mean "no filter".
type RunFilter struct {
	Status       string
	RepositoryID string
	ScheduleID   string
}

// FinishUpdate carries everything that must be persisted together with a
// terminal status. Writing status and finish metadata in one statement is what
// keeps readers from ever observing a terminal run without its duration or
// error message.
type FinishUpdate struct {
	ID           string
	Status       string
	ErrorMessage string
	ExitCode     *int
	Stdout       []byte
	Stderr       []byte
	StartedAt    *time.Time
	FinishedAt   time.Time
	DurationMS   int

	// FromStatus, when set, narrows the write to runs currently in that
	// status. A run that moved on (a queued run the worker just marked
	// running) is left alone instead of being finished with stale data.
	FromStatus string
}

// RunStats holds aggregate execution statistics.
type RunStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByRunner map[string]int `json:"count_by_runner"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for runs and schedules.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, f RunFilter, limit, offset int) ([]*model.Run, int, error)
	// ListActiveRuns returns all runs in pending or running status.
	ListActiveRuns(ctx context.Context) ([]*model.Run, error)

	// MarkRunning transitions a pending run to running and records its start
	// time. Returns ErrAlreadyFinished if the run has reached a terminal
	// status in the meantime (e.g. cancelled while queued).
	MarkRunning(ctx context.Context, id string, startedAt time.Time) error
	// FinishRun writes a terminal status together with its finish metadata in
	// a single statement. It never overwrites an earlier terminal status;
	// losing that race returns ErrAlreadyFinished.
	FinishRun(ctx context.Context, f FinishUpdate) error
	// RequestCancel sets the cancellation flag on an active run. Requesting
	// cancellation of a terminal run is a silent no-op (returns false).
	RequestCancel(ctx context.Context, id string) (bool, error)
	// CancelRequested reports whether cancellation has been requested for the run.
	CancelRequested(ctx context.Context, id string) (bool, error)

	CreateSchedule(ctx context.Context, s *model.Schedule) error
	GetSchedule(ctx context.Context, id string) (*model.Schedule, error)
	ListSchedules(ctx context.Context, enabledOnly bool) ([]*model.Schedule, error)
	SetScheduleEnabled(ctx context.Context, id string, enabled bool) error
	SetScheduleFired(ctx context.Context, id string, firedAt time.Time) error
	DeleteSchedule(ctx context.Context, id string) error

	GetRunStats(ctx context.Context) (*RunStats, error)
	Close() error
}
