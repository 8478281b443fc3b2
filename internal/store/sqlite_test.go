package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kestrelci/kestrel/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeRun() *model.Run {
	timeout := 60
	return &model.Run{
		ID:           model.NewID(),
		RepositoryID: "repo-1",
		TargetPath:   "tests/",
		Branch:       "main",
		RunnerType:   model.RunnerSubprocess,
		Status:       model.StatusPending,
		TimeoutS:     &timeout,
		TriggeredBy:  model.TriggerUser,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := makeRun()
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != model.StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if got.RepositoryID != "repo-1" || got.Branch != "main" {
		t.Errorf("unexpected run fields: %+v", got)
	}
	if got.TimeoutS == nil || *got.TimeoutS != 60 {
		t.Errorf("timeout_s = %v, want 60", got.TimeoutS)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMarkRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeRun()
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	start := time.Now().UTC()
	if err := s.MarkRunning(ctx, r.ID, start); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	got, _ := s.GetRun(ctx, r.ID)
	if got.Status != model.StatusRunning {
		t.Errorf("status = %q, want running", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("started_at not set")
	}

	// Second MarkRunning must fail: the run is no longer pending.
	if err := s.MarkRunning(ctx, r.ID, start); !errors.Is(err, ErrAlreadyFinished) {
		t.Errorf("second MarkRunning err = %v, want ErrAlreadyFinished", err)
	}
}

func TestFinishRunAtomicMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeRun()
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	start := time.Now().UTC()
	if err := s.MarkRunning(ctx, r.ID, start); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	exit := 1
	err := s.FinishRun(ctx, FinishUpdate{
		ID:           r.ID,
		Status:       model.StatusFailed,
		ErrorMessage: "tests exited with code 1",
		ExitCode:     &exit,
		Stdout:       []byte("3 passed, 1 failed"),
		FinishedAt:   time.Now().UTC(),
		DurationMS:   1200,
	})
	if err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, _ := s.GetRun(ctx, r.ID)
	if got.Status != model.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.ErrorMessage == "" || got.FinishedAt == nil || got.DurationMS == nil {
		t.Errorf("finish metadata missing: %+v", got)
	}
	if got.ExitCode == nil || *got.ExitCode != 1 {
		t.Errorf("exit_code = %v, want 1", got.ExitCode)
	}
	if string(got.Stdout) != "3 passed, 1 failed" {
		t.Errorf("stdout = %q", got.Stdout)
	}
}

func TestFinishRunNeverOverwritesTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeRun()
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	first := FinishUpdate{
		ID:           r.ID,
		Status:       model.StatusCancelled,
		ErrorMessage: "cancellation requested",
		FinishedAt:   time.Now().UTC(),
	}
	if err := s.FinishRun(ctx, first); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	second := FinishUpdate{
		ID:         r.ID,
		Status:     model.StatusPassed,
		FinishedAt: time.Now().UTC(),
	}
	if err := s.FinishRun(ctx, second); !errors.Is(err, ErrAlreadyFinished) {
		t.Fatalf("FinishRun on terminal run err = %v, want ErrAlreadyFinished", err)
	}

	got, _ := s.GetRun(ctx, r.ID)
	if got.Status != model.StatusCancelled {
		t.Errorf("status = %q, terminal status was overwritten", got.Status)
	}
	if got.ErrorMessage != "cancellation requested" {
		t.Errorf("error_message = %q, finish metadata was overwritten", got.ErrorMessage)
	}
}

func TestFinishRunFromStatusGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A run that moved from pending to running must not be finished by a
	// write that was aimed at the pending run.
	r := makeRun()
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.MarkRunning(ctx, r.ID, time.Now().UTC()); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	err := s.FinishRun(ctx, FinishUpdate{
		ID:           r.ID,
		Status:       model.StatusCancelled,
		ErrorMessage: "cancellation requested before start",
		FinishedAt:   time.Now().UTC(),
		FromStatus:   model.StatusPending,
	})
	if !errors.Is(err, ErrAlreadyFinished) {
		t.Fatalf("guarded FinishRun err = %v, want ErrAlreadyFinished", err)
	}
	got, _ := s.GetRun(ctx, r.ID)
	if got.Status != model.StatusRunning {
		t.Errorf("status = %q, want running to survive the guarded write", got.Status)
	}

	// The same guarded write succeeds while the run really is pending.
	r2 := makeRun()
	if err := s.CreateRun(ctx, r2); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	err = s.FinishRun(ctx, FinishUpdate{
		ID:         r2.ID,
		Status:     model.StatusCancelled,
		FinishedAt: time.Now().UTC(),
		FromStatus: model.StatusPending,
	})
	if err != nil {
		t.Fatalf("guarded FinishRun on pending run: %v", err)
	}
	got2, _ := s.GetRun(ctx, r2.ID)
	if got2.Status != model.StatusCancelled {
		t.Errorf("status = %q, want cancelled", got2.Status)
	}
}

func TestFinishRunRejectsNonTerminalStatus(t *testing.T) {
	s := newTestStore(t)
	r := makeRun()
	if err := s.CreateRun(context.Background(), r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	err := s.FinishRun(context.Background(), FinishUpdate{
		ID:         r.ID,
		Status:     model.StatusRunning,
		FinishedAt: time.Now().UTC(),
	})
	if err == nil {
		t.Fatal("FinishRun accepted a non-terminal status")
	}
}

func TestRequestCancel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeRun()
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	flagged, err := s.RequestCancel(ctx, r.ID)
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if !flagged {
		t.Error("RequestCancel on pending run = false, want true")
	}

	requested, err := s.CancelRequested(ctx, r.ID)
	if err != nil {
		t.Fatalf("CancelRequested: %v", err)
	}
	if !requested {
		t.Error("cancel_requested flag not set")
	}
}

func TestRequestCancelTerminalIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeRun()
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.FinishRun(ctx, FinishUpdate{
		ID: r.ID, Status: model.StatusPassed, FinishedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	flagged, err := s.RequestCancel(ctx, r.ID)
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if flagged {
		t.Error("RequestCancel on terminal run = true, want false (no-op)")
	}

	got, _ := s.GetRun(ctx, r.ID)
	if got.Status != model.StatusPassed || got.CancelRequested {
		t.Errorf("terminal run mutated by cancel: %+v", got)
	}
}

func TestRequestCancelNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.RequestCancel(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListRunsFilterAndPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r := makeRun()
		r.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if i%2 == 1 {
			r.RepositoryID = "repo-2"
		}
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	runs, total, err := s.ListRuns(ctx, RunFilter{}, 3, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(runs) != 3 {
		t.Errorf("len(runs) = %d, want 3", len(runs))
	}
	// Newest first.
	if runs[0].CreatedAt.Before(runs[1].CreatedAt) {
		t.Error("runs not ordered created_at DESC")
	}

	repo2, total2, err := s.ListRuns(ctx, RunFilter{RepositoryID: "repo-2"}, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns filtered: %v", err)
	}
	if total2 != 2 || len(repo2) != 2 {
		t.Errorf("filtered = %d/%d, want 2/2", len(repo2), total2)
	}
}

func TestListActiveRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active := makeRun()
	if err := s.CreateRun(ctx, active); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	done := makeRun()
	if err := s.CreateRun(ctx, done); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.FinishRun(ctx, FinishUpdate{
		ID: done.ID, Status: model.StatusPassed, FinishedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	runs, err := s.ListActiveRuns(ctx)
	if err != nil {
		t.Fatalf("ListActiveRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != active.ID {
		t.Errorf("active runs = %v, want only %s", runs, active.ID)
	}
}

func TestScheduleCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sc := &model.Schedule{
		ID:           model.NewID(),
		CronExpr:     "*/5 * * * *",
		Enabled:      true,
		RepositoryID: "repo-1",
		TargetPath:   "tests/",
		Branch:       "main",
		RunnerType:   model.RunnerAuto,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.CreateSchedule(ctx, sc); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	got, err := s.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.CronExpr != "*/5 * * * *" || !got.Enabled {
		t.Errorf("unexpected schedule: %+v", got)
	}

	if err := s.SetScheduleEnabled(ctx, sc.ID, false); err != nil {
		t.Fatalf("SetScheduleEnabled: %v", err)
	}
	enabled, err := s.ListSchedules(ctx, true)
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	if len(enabled) != 0 {
		t.Errorf("enabled schedules = %d, want 0", len(enabled))
	}

	fired := time.Now().UTC()
	if err := s.SetScheduleFired(ctx, sc.ID, fired); err != nil {
		t.Fatalf("SetScheduleFired: %v", err)
	}
	got, _ = s.GetSchedule(ctx, sc.ID)
	if got.LastFiredAt == nil {
		t.Error("last_fired_at not set")
	}

	if err := s.DeleteSchedule(ctx, sc.ID); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if _, err := s.GetSchedule(ctx, sc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
}

func TestGetRunStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	passed := makeRun()
	if err := s.CreateRun(ctx, passed); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.FinishRun(ctx, FinishUpdate{
		ID: passed.ID, Status: model.StatusPassed,
		FinishedAt: time.Now().UTC(), DurationMS: 400,
	}); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	pending := makeRun()
	pending.RunnerType = model.RunnerContainer
	if err := s.CreateRun(ctx, pending); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	stats, err := s.GetRunStats(ctx)
	if err != nil {
		t.Fatalf("GetRunStats: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("total = %d, want 2", stats.Total)
	}
	if stats.CountByStatus[model.StatusPassed] != 1 {
		t.Errorf("passed count = %d, want 1", stats.CountByStatus[model.StatusPassed])
	}
	if stats.CountByRunner[model.RunnerContainer] != 1 {
		t.Errorf("container count = %d, want 1", stats.CountByRunner[model.RunnerContainer])
	}
	if stats.AvgDurationMS != 400 {
		t.Errorf("avg duration = %v, want 400", stats.AvgDurationMS)
	}
}
