package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kestrelci/kestrel/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id               TEXT PRIMARY KEY,
    repository_id    TEXT NOT NULL,
    environment_id   TEXT,
    target_path      TEXT NOT NULL,
    branch           TEXT NOT NULL,
    runner_type      TEXT NOT NULL,
    status           TEXT NOT NULL,
    timeout_s        INTEGER,
    exit_code        INTEGER,
    stdout           BLOB,
    stderr           BLOB,
    error_message    TEXT,
    triggered_by     TEXT NOT NULL,
    retried_from_id  TEXT,
    schedule_id      TEXT,
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    duration_ms      INTEGER,
    created_at       DATETIME NOT NULL,
    started_at       DATETIME,
    finished_at      DATETIME
)`

const createSchedulesTable = `
CREATE TABLE IF NOT EXISTS schedules (
    id              TEXT PRIMARY KEY,
    cron_expression TEXT NOT NULL,
    enabled         INTEGER NOT NULL DEFAULT 1,
    repository_id   TEXT NOT NULL,
    environment_id  TEXT,
    target_path     TEXT NOT NULL,
    branch          TEXT NOT NULL,
    runner_type     TEXT NOT NULL,
    last_fired_at   DATETIME,
    created_at      DATETIME NOT NULL
)`

// terminalSet is the SQL predicate fragment listing all terminal statuses.
// Updates that must not clobber a finished run guard on it.
var terminalSet = fmt.Sprintf("('%s','%s','%s','%s','%s')",
	model.StatusPassed, model.StatusFailed, model.StatusError,
	model.StatusCancelled, model.StatusTimeout)

const runColumns = `id, repository_id, environment_id, target_path, branch,
	runner_type, status, timeout_s, exit_code, stdout, stderr, error_message,
	triggered_by, retried_from_id, schedule_id, cancel_requested, duration_ms,
	created_at, started_at, finished_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createRunsTable, createSchedulesTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (
			id, repository_id, environment_id, target_path, branch,
			runner_type, status, timeout_s, exit_code, stdout, stderr,
			error_message, triggered_by, retried_from_id, schedule_id,
			cancel_requested, duration_ms, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RepositoryID, r.EnvironmentID, r.TargetPath, r.Branch,
		r.RunnerType, r.Status, r.TimeoutS, r.ExitCode, r.Stdout, r.Stderr,
		r.ErrorMessage, r.TriggeredBy, r.RetriedFromID, r.ScheduleID,
		r.CancelRequested, r.DurationMS, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func scanRun(row interface{ Scan(...any) error }) (*model.Run, error) {
	r := &model.Run{}
	err := row.Scan(
		&r.ID, &r.RepositoryID, &r.EnvironmentID, &r.TargetPath, &r.Branch,
		&r.RunnerType, &r.Status, &r.TimeoutS, &r.ExitCode, &r.Stdout, &r.Stderr,
		&r.ErrorMessage, &r.TriggeredBy, &r.RetriedFromID, &r.ScheduleID,
		&r.CancelRequested, &r.DurationMS, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a filtered, paginated list of runs ordered by created_at
// DESC, along with the total count matching the filter.
func (s *SQLiteStore) ListRuns(ctx context.Context, f RunFilter, limit, offset int) ([]*model.Run, int, error) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.RepositoryID != "" {
		conds = append(conds, "repository_id = ?")
		args = append(args, f.RepositoryID)
	}
	if f.ScheduleID != "" {
		conds = append(conds, "schedule_id = ?")
		args = append(args, f.ScheduleID)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// ListActiveRuns returns all runs in pending or running status, oldest first.
func (s *SQLiteStore) ListActiveRuns(ctx context.Context) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		WHERE status IN (?, ?) ORDER BY created_at ASC`,
		model.StatusPending, model.StatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active runs: %w", err)
	}
	return runs, nil
}

// MarkRunning transitions a pending run to running. The status predicate in
// the UPDATE makes the pending→running transition race-safe against a
// concurrent cancellation having already finished the run.
func (s *SQLiteStore) MarkRunning(ctx context.Context, id string, startedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		model.StatusRunning, startedAt.UTC(), id, model.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return s.classifyNoRows(ctx, result, id)
}

// FinishRun writes a terminal status and its finish metadata atomically.
// The NOT IN predicate is the invariant: a terminal status is never
// overwritten. With FromStatus set the predicate narrows further, so the
// write also loses to a concurrent transition out of that status.
func (s *SQLiteStore) FinishRun(ctx context.Context, f FinishUpdate) error {
	if !model.IsTerminal(f.Status) {
		return fmt.Errorf("finish run: %q is not a terminal status", f.Status)
	}

	q := `UPDATE runs SET
			status = ?, error_message = ?, exit_code = ?, stdout = ?, stderr = ?,
			duration_ms = ?, started_at = COALESCE(?, started_at), finished_at = ?
		WHERE id = ? AND status NOT IN ` + terminalSet
	args := []any{
		f.Status, f.ErrorMessage, f.ExitCode, f.Stdout, f.Stderr,
		f.DurationMS, f.StartedAt, f.FinishedAt.UTC(), f.ID,
	}
	if f.FromStatus != "" {
		q += ` AND status = ?`
		args = append(args, f.FromStatus)
	}

	result, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return s.classifyNoRows(ctx, result, f.ID)
}

// RequestCancel sets the cancellation flag on a pending or running run.
func (s *SQLiteStore) RequestCancel(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET cancel_requested = 1 WHERE id = ? AND status IN (?, ?)`,
		id, model.StatusPending, model.StatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish "terminal, no-op" from "no such run".
		if _, err := s.GetRun(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// CancelRequested reports whether cancellation has been requested for the run.
func (s *SQLiteStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM runs WHERE id = ?`, id,
	).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("cancel requested: %w", err)
	}
	return requested, nil
}

// classifyNoRows turns a zero-rows-affected UPDATE into the right sentinel:
// ErrNotFound when the run does not exist, ErrAlreadyFinished when the guard
// predicate rejected the write.
func (s *SQLiteStore) classifyNoRows(ctx context.Context, result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetRun(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyFinished
}

// CreateSchedule inserts a new schedule record.
func (s *SQLiteStore) CreateSchedule(ctx context.Context, sc *model.Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (
			id, cron_expression, enabled, repository_id, environment_id,
			target_path, branch, runner_type, last_fired_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.CronExpr, sc.Enabled, sc.RepositoryID, sc.EnvironmentID,
		sc.TargetPath, sc.Branch, sc.RunnerType, sc.LastFiredAt, sc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

const scheduleColumns = `id, cron_expression, enabled, repository_id,
	environment_id, target_path, branch, runner_type, last_fired_at, created_at`

func scanSchedule(row interface{ Scan(...any) error }) (*model.Schedule, error) {
	sc := &model.Schedule{}
	err := row.Scan(
		&sc.ID, &sc.CronExpr, &sc.Enabled, &sc.RepositoryID,
		&sc.EnvironmentID, &sc.TargetPath, &sc.Branch, &sc.RunnerType,
		&sc.LastFiredAt, &sc.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return sc, nil
}

// GetSchedule retrieves a schedule by ID.
func (s *SQLiteStore) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	sc, err := scanSchedule(s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

// ListSchedules returns all schedules, optionally only enabled ones.
func (s *SQLiteStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]*model.Schedule, error) {
	q := `SELECT ` + scheduleColumns + ` FROM schedules`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*model.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return schedules, nil
}

// SetScheduleEnabled flips the enabled flag on a schedule.
func (s *SQLiteStore) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	return checkFound(result)
}

// SetScheduleFired records when a schedule last created a run.
func (s *SQLiteStore) SetScheduleFired(ctx context.Context, id string, firedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_fired_at = ? WHERE id = ?`, firedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("set schedule fired: %w", err)
	}
	return checkFound(result)
}

// DeleteSchedule removes a schedule. Runs it created are kept.
func (s *SQLiteStore) DeleteSchedule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return checkFound(result)
}

func checkFound(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRunStats computes aggregate run statistics.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{
		CountByStatus: make(map[string]int),
		CountByRunner: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	runnerRows, err := s.db.QueryContext(ctx, `SELECT runner_type, COUNT(*) FROM runs GROUP BY runner_type`)
	if err != nil {
		return nil, fmt.Errorf("count by runner: %w", err)
	}
	defer runnerRows.Close()
	for runnerRows.Next() {
		var runner string
		var count int
		if err := runnerRows.Scan(&runner, &count); err != nil {
			return nil, fmt.Errorf("scan runner count: %w", err)
		}
		stats.CountByRunner[runner] = count
	}
	if err := runnerRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runner counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		`SELECT AVG(duration_ms) FROM runs WHERE duration_ms IS NOT NULL`,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}
