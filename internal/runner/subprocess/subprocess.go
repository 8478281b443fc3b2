// Package subprocess implements the runner adapter that executes the test
// runner as a child process in the run's workspace directory.
package subprocess

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kestrelci/kestrel/internal/runner"
)

// Runner spawns the test-runner executable directly on the host.
type Runner struct {
	logger *slog.Logger

	// OutputLimit caps captured bytes per stream. Zero uses the default.
	OutputLimit int
}

// New creates a subprocess runner.
func New(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Capabilities implements runner.Runner.
func (r *Runner) Capabilities() runner.Capabilities {
	return runner.Capabilities{
		Name:     "subprocess",
		Isolated: false,
	}
}

// Start spawns the executable with the target path appended to its argument
// vector, working directory bound to the workspace. The process gets its own
// process group so that a forced termination also reaches test children.
func (r *Runner) Start(ctx context.Context, spec runner.Spec) (runner.Handle, error) {
	args := append(append([]string{}, spec.Args...), spec.TargetPath)
	cmd := exec.Command(spec.Executable, args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := runner.NewCappedBuffer(r.OutputLimit)
	stderr := runner.NewCappedBuffer(r.OutputLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, &runner.StartError{Err: err}
	}

	h := &handle{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
		logger: r.logger,
	}

	if spec.Timeout > 0 {
		h.watchdog = time.AfterFunc(spec.Timeout, func() {
			h.timedOut.Store(true)
			h.kill()
		})
	}

	go h.reap()

	r.logger.Debug("spawned test process",
		"run_id", spec.RunID,
		"pid", cmd.Process.Pid,
		"executable", spec.Executable,
	)

	return h, nil
}

// handle tracks one child process from spawn to reap.
type handle struct {
	cmd      *exec.Cmd
	stdout   *runner.CappedBuffer
	stderr   *runner.CappedBuffer
	done     chan struct{}
	logger   *slog.Logger
	watchdog *time.Timer

	killOnce  sync.Once
	timedOut  atomic.Bool
	cancelled atomic.Bool

	outcome runner.Outcome // valid after done is closed
}

// reap waits for the child, classifies the outcome, and releases the watchdog.
func (h *handle) reap() {
	err := h.cmd.Wait()
	if h.watchdog != nil {
		h.watchdog.Stop()
	}

	exitCode := 0
	if err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	switch {
	case h.timedOut.Load():
		h.outcome = runner.Outcome{Kind: runner.OutcomeTimeout, ExitCode: -1}
	case h.cancelled.Load():
		h.outcome = runner.Outcome{Kind: runner.OutcomeCancelled, ExitCode: -1}
	default:
		h.outcome = runner.Outcome{Kind: runner.OutcomeFinished, ExitCode: exitCode}
	}

	close(h.done)
}

// Wait implements runner.Handle.
func (h *handle) Wait(ctx context.Context) (runner.Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return runner.Outcome{}, ctx.Err()
	}
}

// Cancel implements runner.Handle. Safe to call after natural completion.
func (h *handle) Cancel() {
	select {
	case <-h.done:
		return
	default:
	}
	h.cancelled.Store(true)
	h.kill()
}

// kill signals the whole process group. SIGKILL rather than SIGTERM: test
// runners routinely install signal handlers that would swallow a softer stop.
func (h *handle) kill() {
	h.killOnce.Do(func() {
		pgid := -h.cmd.Process.Pid
		if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			h.logger.Warn("kill process group", "pid", h.cmd.Process.Pid, "error", err)
			// Fall back to the single process.
			_ = h.cmd.Process.Kill()
		}
	})
}

// Output implements runner.Handle.
func (h *handle) Output() (stdout, stderr []byte) {
	return h.stdout.Snapshot(), h.stderr.Snapshot()
}
