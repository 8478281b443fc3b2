package model

import "time"

// Run status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusPassed    = "passed"
	StatusFailed    = "failed"
	StatusError     = "error"
	StatusCancelled = "cancelled"
	StatusTimeout   = "timeout"
)

// Runner type constants.
const (
	RunnerSubprocess = "subprocess"
	RunnerContainer  = "container"
	RunnerAuto       = "auto"
)

// Trigger source constants for Run.TriggeredBy.
const (
	TriggerUser     = "user"
	TriggerSchedule = "schedule"
	TriggerRetry    = "retry"
)

// validTransitions maps each status to the set of statuses it may transition to.
// The five terminal statuses have no outgoing transitions.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusError:     true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusPassed:    true,
		StatusFailed:    true,
		StatusError:     true,
		StatusCancelled: true,
		StatusTimeout:   true,
	},
}

// statusRank orders statuses along the state machine so that event consumers
// can check that a run's status sequence never goes backwards.
var statusRank = map[string]int{
	StatusPending:   0,
	StatusRunning:   1,
	StatusPassed:    2,
	StatusFailed:    2,
	StatusError:     2,
	StatusCancelled: 2,
	StatusTimeout:   2,
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether the given status has no outgoing transitions.
func IsTerminal(status string) bool {
	_, ok := validTransitions[status]
	return !ok && statusRank[status] > 0
}

// StatusRank returns the position of a status along the state machine.
// All terminal statuses share the same rank.
func StatusRank(status string) int {
	return statusRank[status]
}

// Run represents one execution attempt of a test target.
type Run struct {
	ID              string     `json:"id"`
	RepositoryID    string     `json:"repository_id"`
	EnvironmentID   string     `json:"environment_id,omitempty"`
	TargetPath      string     `json:"target_path"`
	Branch          string     `json:"branch"`
	RunnerType      string     `json:"runner_type"`
	Status          string     `json:"status"`
	TimeoutS        *int       `json:"timeout_s,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	Stdout          []byte     `json:"stdout,omitempty"`
	Stderr          []byte     `json:"stderr,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	TriggeredBy     string     `json:"triggered_by"`
	RetriedFromID   string     `json:"retried_from_id,omitempty"`
	ScheduleID      string     `json:"schedule_id,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	DurationMS      *int       `json:"duration_ms,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// Schedule describes a cron-triggered run template. Firing a schedule creates
// a new Run; the schedule itself never participates in run execution.
type Schedule struct {
	ID            string     `json:"id"`
	CronExpr      string     `json:"cron_expression"`
	Enabled       bool       `json:"enabled"`
	RepositoryID  string     `json:"repository_id"`
	EnvironmentID string     `json:"environment_id,omitempty"`
	TargetPath    string     `json:"target_path"`
	Branch        string     `json:"branch"`
	RunnerType    string     `json:"runner_type"`
	LastFiredAt   *time.Time `json:"last_fired_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// StatusEvent is one run status transition delivered over the push channel.
// The push channel is best-effort; clients reconcile authoritative state via
// GET /v1/runs/{id}.
type StatusEvent struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}
