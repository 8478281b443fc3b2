// Package schedule fires stored cron schedules by submitting runs to the
// execution engine. Schedules live in the database and are evaluated on a
// fixed tick rather than with per-schedule timers, so edits through the API
// take effect on the next tick without any re-registration step.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kestrelci/kestrel/internal/model"
	"github.com/kestrelci/kestrel/internal/store"
)

// DefaultTick is how often schedules are evaluated.
const DefaultTick = 30 * time.Second

// cronParser accepts standard five-field expressions (minute granularity).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron reports whether expr is a valid five-field cron expression.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// NextFire returns the next fire time for expr strictly after the given time.
// The zero value is returned for unparseable expressions.
func NextFire(expr string, after time.Time) time.Time {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(after)
}

// Submitter queues a run for execution. Satisfied by engine.Engine.
type Submitter interface {
	Submit(ctx context.Context, run *model.Run) error
}

// Scheduler polls enabled schedules and submits a run for each one whose
// next fire time has passed. A schedule fires at most once per tick, so a
// tick longer than the cron interval coalesces missed fires into one run.
type Scheduler struct {
	store    store.Store
	engine   Submitter
	logger   *slog.Logger
	tick     time.Duration
	now      func() time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a scheduler. A tick of zero uses DefaultTick.
func New(s store.Store, eng Submitter, logger *slog.Logger, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Scheduler{
		store:  s,
		engine: eng,
		logger: logger,
		tick:   tick,
		now:    func() time.Time { return time.Now().UTC() },
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the polling loop in a goroutine.
func (s *Scheduler) Start() {
	go s.loop()
}

// Stop terminates the polling loop and waits for it to exit. Runs already
// submitted keep executing.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick evaluates all enabled schedules once and fires the due ones. It is
// exported so a single evaluation can be driven directly in tests.
func (s *Scheduler) Tick(ctx context.Context) {
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		s.logger.Error("list schedules", "error", err)
		return
	}

	now := s.now()
	for _, sched := range schedules {
		if !s.due(sched, now) {
			continue
		}
		if err := s.fire(ctx, sched, now); err != nil {
			s.logger.Error("fire schedule", "schedule_id", sched.ID, "error", err)
		}
	}
}

// due reports whether the schedule's next fire time after its last firing
// has passed. A schedule that has never fired is anchored at its creation
// time, so enabling an old schedule does not trigger a backlog of runs.
func (s *Scheduler) due(sched *model.Schedule, now time.Time) bool {
	expr, err := cronParser.Parse(sched.CronExpr)
	if err != nil {
		s.logger.Warn("skipping schedule with bad cron expression",
			"schedule_id", sched.ID, "cron", sched.CronExpr)
		return false
	}

	anchor := sched.CreatedAt
	if sched.LastFiredAt != nil {
		anchor = *sched.LastFiredAt
	}
	return !expr.Next(anchor).After(now)
}

func (s *Scheduler) fire(ctx context.Context, sched *model.Schedule, now time.Time) error {
	run := &model.Run{
		ID:            model.NewID(),
		RepositoryID:  sched.RepositoryID,
		EnvironmentID: sched.EnvironmentID,
		TargetPath:    sched.TargetPath,
		Branch:        sched.Branch,
		RunnerType:    sched.RunnerType,
		Status:        model.StatusPending,
		TriggeredBy:   model.TriggerSchedule,
		ScheduleID:    sched.ID,
		CreatedAt:     now,
	}

	// Record the firing before submitting: a crash between the two loses
	// one run instead of duplicating it on restart.
	if err := s.store.SetScheduleFired(ctx, sched.ID, now); err != nil {
		return fmt.Errorf("mark schedule fired: %w", err)
	}
	if err := s.engine.Submit(ctx, run); err != nil {
		return fmt.Errorf("submit scheduled run: %w", err)
	}

	s.logger.Info("schedule fired", "schedule_id", sched.ID, "run_id", run.ID, "cron", sched.CronExpr)
	return nil
}
