package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kestrelci/kestrel/internal/model"
	"github.com/kestrelci/kestrel/internal/runner"
	"github.com/kestrelci/kestrel/internal/store"
	"github.com/kestrelci/kestrel/internal/workspace"
)

// DefaultTimeout is the watchdog deadline when a run specifies none.
const DefaultTimeout = 10 * time.Minute

// DefaultReportPath is where the test runner is expected to write its result
// artifact, relative to the workspace.
const DefaultReportPath = "report.xml"

// defaultCancelPoll is how often a worker checks the cancellation flag while
// its run executes.
const defaultCancelPoll = 250 * time.Millisecond

// ErrRunActive is returned by Retry for a run that has not finished yet.
var ErrRunActive = errors.New("run has not finished")

// Options configures the engine.
type Options struct {
	// Workers is the dispatch pool size. Zero means 1, which serializes all
	// test execution and gives each run exclusive use of its workspace.
	Workers int
	// DefaultTimeout applies to runs without their own timeout_s.
	DefaultTimeout time.Duration
	// ReportPath is the expected result artifact, relative to the workspace.
	ReportPath string
	// CancelPoll overrides the cancellation checkpoint interval (tests).
	CancelPoll time.Duration
}

// Engine owns the run lifecycle: it dispatches queued runs to the worker
// pool, drives the runner adapters, walks each run through the state
// machine, and publishes every transition to the status broker.
type Engine struct {
	store      store.Store
	registry   *runner.Registry
	repos      workspace.RepoResolver
	envs       workspace.EnvResolver
	broker     *StatusBroker
	dispatcher *Dispatcher
	logger     *slog.Logger

	defaultTimeout time.Duration
	reportPath     string
	cancelPoll     time.Duration
}

// NewEngine creates an engine. Call Start to launch the worker pool.
func NewEngine(s store.Store, reg *runner.Registry, repos workspace.RepoResolver, envs workspace.EnvResolver, logger *slog.Logger, opts Options) *Engine {
	e := &Engine{
		store:          s,
		registry:       reg,
		repos:          repos,
		envs:           envs,
		broker:         NewStatusBroker(),
		logger:         logger,
		defaultTimeout: opts.DefaultTimeout,
		reportPath:     opts.ReportPath,
		cancelPoll:     opts.CancelPoll,
	}
	if e.defaultTimeout <= 0 {
		e.defaultTimeout = DefaultTimeout
	}
	if e.reportPath == "" {
		e.reportPath = DefaultReportPath
	}
	if e.cancelPoll <= 0 {
		e.cancelPoll = defaultCancelPoll
	}
	e.dispatcher = NewDispatcher(opts.Workers, e.execute, e.discardQueued, logger)
	return e
}

// Start launches the dispatch worker pool.
func (e *Engine) Start() {
	e.dispatcher.Start()
}

// Shutdown drains the dispatcher with the given grace period, then
// force-cancels whatever remains. See Dispatcher.Shutdown.
func (e *Engine) Shutdown(grace time.Duration) {
	e.dispatcher.Shutdown(grace)
}

// Broker returns the engine's status broker for SSE subscription.
func (e *Engine) Broker() *StatusBroker {
	return e.broker
}

// QueueDepth returns the number of queued (not yet started) runs.
func (e *Engine) QueueDepth() int {
	return e.dispatcher.QueueDepth()
}

// Submit persists the run with status pending and queues it for execution.
// The run row is committed before the job is queued, because the worker reads
// it back through an independent storage session.
//
// A dispatch failure does not surface as an error: the run is finished with
// status error and the failure recorded in error_message, so the caller can
// still return the created run. Only a storage failure returns an error.
func (e *Engine) Submit(ctx context.Context, run *model.Run) error {
	if err := e.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	if _, err := e.dispatcher.Submit(run.ID); err != nil {
		msg := fmt.Sprintf("dispatch failed: %v", err)
		e.logger.Warn("dispatch rejected run", "run_id", run.ID, "error", err)
		e.finish(store.FinishUpdate{
			ID:           run.ID,
			Status:       model.StatusError,
			ErrorMessage: msg,
			FinishedAt:   time.Now().UTC(),
		})
		e.broker.Close(run.ID)
		run.Status = model.StatusError
		run.ErrorMessage = msg
	}
	return nil
}

// Cancel requests cancellation of a run. Cancelling a run that already
// reached a terminal status is a silent no-op returning the run unchanged.
// A still-queued run is finished as cancelled immediately, so its worker
// never invokes the adapter; a running run is killed at the worker's next
// cancellation checkpoint.
func (e *Engine) Cancel(ctx context.Context, id string) (*model.Run, error) {
	run, err := e.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if model.IsTerminal(run.Status) {
		return run, nil
	}

	if _, err := e.store.RequestCancel(ctx, id); err != nil {
		return nil, err
	}

	if run.Status == model.StatusPending {
		// FromStatus makes this lose to a worker that already marked the
		// run running; the flag above then makes the worker's checkpoint
		// kill the adapter, which keeps the captured output.
		e.finish(store.FinishUpdate{
			ID:           id,
			Status:       model.StatusCancelled,
			ErrorMessage: "cancellation requested before start",
			FinishedAt:   time.Now().UTC(),
			FromStatus:   model.StatusPending,
		})
	}

	return e.store.GetRun(ctx, id)
}

// CancelAll cancels every pending and running run and returns how many were
// affected.
func (e *Engine) CancelAll(ctx context.Context) (int, error) {
	active, err := e.store.ListActiveRuns(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, run := range active {
		if _, err := e.Cancel(ctx, run.ID); err != nil {
			e.logger.Error("cancel run", "run_id", run.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// Retry creates a new pending run referencing the original and dispatches
// it. The original run is never mutated; only finished runs can be retried.
func (e *Engine) Retry(ctx context.Context, id string) (*model.Run, error) {
	orig, err := e.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if !model.IsTerminal(orig.Status) {
		return nil, ErrRunActive
	}

	retry := &model.Run{
		ID:            model.NewID(),
		RepositoryID:  orig.RepositoryID,
		EnvironmentID: orig.EnvironmentID,
		TargetPath:    orig.TargetPath,
		Branch:        orig.Branch,
		RunnerType:    orig.RunnerType,
		Status:        model.StatusPending,
		TimeoutS:      orig.TimeoutS,
		TriggeredBy:   model.TriggerRetry,
		RetriedFromID: orig.ID,
		ScheduleID:    orig.ScheduleID,
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.Submit(ctx, retry); err != nil {
		return nil, err
	}
	return retry, nil
}

// execute runs one dispatched job on a worker goroutine, walking the run
// through pending→running→terminal. ctx is cancelled only by a forced
// dispatcher shutdown.
func (e *Engine) execute(ctx context.Context, runID string) {
	// Terminal state reached on every path below.
	defer e.broker.Close(runID)

	run, err := e.store.GetRun(context.Background(), runID)
	if err != nil {
		e.logger.Error("load dispatched run", "run_id", runID, "error", err)
		return
	}
	if model.IsTerminal(run.Status) {
		// Cancelled while queued; the adapter is never started.
		return
	}
	if run.CancelRequested {
		e.finish(store.FinishUpdate{
			ID:           runID,
			Status:       model.StatusCancelled,
			ErrorMessage: "cancellation requested before start",
			FinishedAt:   time.Now().UTC(),
		})
		return
	}

	rn, err := e.registry.Resolve(run.RunnerType)
	if err != nil {
		e.finishError(runID, nil, fmt.Sprintf("resolve runner: %v", err))
		return
	}
	workDir, err := e.repos.Resolve(ctx, run.RepositoryID, run.Branch)
	if err != nil {
		e.finishError(runID, nil, fmt.Sprintf("resolve workspace: %v", err))
		return
	}
	env, err := e.envs.Resolve(ctx, run.EnvironmentID)
	if err != nil {
		e.finishError(runID, nil, fmt.Sprintf("resolve environment: %v", err))
		return
	}

	start := time.Now().UTC()
	if err := e.store.MarkRunning(context.Background(), runID, start); err != nil {
		// A cancellation finished the run between dequeue and here.
		if !errors.Is(err, store.ErrAlreadyFinished) {
			e.logger.Error("mark running", "run_id", runID, "error", err)
		}
		return
	}
	e.broker.Publish(runID, model.StatusRunning)

	timeout := e.defaultTimeout
	if run.TimeoutS != nil && *run.TimeoutS > 0 {
		timeout = time.Duration(*run.TimeoutS) * time.Second
	}

	h, err := rn.Start(ctx, runner.Spec{
		RunID:      runID,
		WorkDir:    workDir,
		TargetPath: run.TargetPath,
		Executable: env.Executable,
		Args:       env.Args,
		Timeout:    timeout,
	})
	if err != nil {
		e.finishError(runID, &start, err.Error())
		return
	}

	stopWatch := e.watchCancellation(runID, h)
	outcome, waitErr := h.Wait(ctx)
	if waitErr != nil {
		// Forced shutdown: kill the execution and collect the real outcome.
		h.Cancel()
		outcome, _ = h.Wait(context.Background())
	}
	stopWatch()

	stdout, stderr := h.Output()
	now := time.Now().UTC()
	f := store.FinishUpdate{
		ID:         runID,
		Stdout:     stdout,
		Stderr:     stderr,
		StartedAt:  &start,
		FinishedAt: now,
		DurationMS: int(now.Sub(start).Milliseconds()),
	}

	switch outcome.Kind {
	case runner.OutcomeTimeout:
		f.Status = model.StatusTimeout
		f.ErrorMessage = fmt.Sprintf("run timed out after %s", timeout)
	case runner.OutcomeCancelled:
		f.Status = model.StatusCancelled
		f.ErrorMessage = "cancellation requested"
	default:
		exit := outcome.ExitCode
		f.ExitCode = &exit
		hasReport := e.reportExists(workDir)
		switch {
		case exit == 0 && hasReport:
			f.Status = model.StatusPassed
		case hasReport:
			// The tests ran and some failed; not an infrastructure failure.
			f.Status = model.StatusFailed
			f.ErrorMessage = fmt.Sprintf("tests exited with code %d", exit)
		case exit == 0:
			// A clean exit without the result artifact must never read as
			// passed: the tooling failed silently.
			f.Status = model.StatusError
			f.ErrorMessage = fmt.Sprintf("exit code 0 but result report %s is missing", e.reportPath)
		default:
			f.Status = model.StatusError
			f.ErrorMessage = fmt.Sprintf("test runner exited with code %d without producing %s", exit, e.reportPath)
		}
	}

	e.finish(f)
}

// watchCancellation polls the cancellation flag while the run executes and
// kills the adapter when it is set. The returned func stops the watch.
func (e *Engine) watchCancellation(runID string, h runner.Handle) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(e.cancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				requested, err := e.store.CancelRequested(context.Background(), runID)
				if err != nil {
					e.logger.Error("check cancellation flag", "run_id", runID, "error", err)
					continue
				}
				if requested {
					h.Cancel()
					return
				}
			}
		}
	}()
	return func() { close(stop) }
}

// discardQueued records a run abandoned by a forced shutdown as cancelled.
func (e *Engine) discardQueued(runID string) {
	e.finish(store.FinishUpdate{
		ID:           runID,
		Status:       model.StatusCancelled,
		ErrorMessage: "dispatcher shut down before execution started",
		FinishedAt:   time.Now().UTC(),
	})
	e.broker.Close(runID)
}

// reportExists checks for the result artifact in the workspace.
func (e *Engine) reportExists(workDir string) bool {
	_, err := os.Stat(filepath.Join(workDir, e.reportPath))
	return err == nil
}

// finishError finishes a run as error. startedAt is nil when execution never
// started.
func (e *Engine) finishError(runID string, startedAt *time.Time, msg string) {
	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(now.Sub(*startedAt).Milliseconds())
	}
	e.finish(store.FinishUpdate{
		ID:           runID,
		Status:       model.StatusError,
		ErrorMessage: msg,
		StartedAt:    startedAt,
		FinishedAt:   now,
		DurationMS:   durationMS,
	})
}

// finish persists a terminal status with its metadata in one write and
// publishes the transition. Losing a terminal race (the run was finished by
// someone else) is not an error; the earlier terminal status stands.
func (e *Engine) finish(f store.FinishUpdate) {
	if err := e.store.FinishRun(context.Background(), f); err != nil {
		if !errors.Is(err, store.ErrAlreadyFinished) {
			e.logger.Error("finish run", "run_id", f.ID, "status", f.Status, "error", err)
		}
		return
	}
	runsTotal.WithLabelValues(f.Status).Inc()
	runDuration.Observe(float64(f.DurationMS) / 1000)
	e.broker.Publish(f.ID, f.Status)
}
