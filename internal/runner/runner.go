package runner

import (
	"context"
	"time"
)

// Spec describes one test execution handed to an adapter.
type Spec struct {
	RunID string

	// WorkDir is the checked-out repository path. Subprocess runs execute in
	// it directly; container runs get it volume-mounted.
	WorkDir string

	// TargetPath selects the tests to run, relative to WorkDir.
	TargetPath string

	Executable string
	Args       []string
	Env        []string

	// Timeout is the watchdog deadline. Zero means no watchdog.
	Timeout time.Duration
}

// OutcomeKind classifies how an execution ended.
type OutcomeKind string

const (
	// OutcomeFinished means the process ran to completion and produced an
	// exit code on its own.
	OutcomeFinished OutcomeKind = "finished"
	// OutcomeTimeout means the adapter's watchdog force-terminated the process.
	OutcomeTimeout OutcomeKind = "timeout"
	// OutcomeCancelled means Cancel force-terminated the process before
	// natural completion.
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is the result of waiting on an execution. ExitCode is only
// meaningful when Kind is OutcomeFinished; forced terminations report -1.
type Outcome struct {
	Kind     OutcomeKind
	ExitCode int
}

// Handle tracks one in-flight execution. It is valid from Start until the
// owning run reaches a terminal state.
type Handle interface {
	// Wait blocks until the execution ends and returns its outcome. The
	// context only abandons the wait; it does not terminate the execution.
	// Wait may be called again after a context error to collect the final
	// outcome.
	Wait(ctx context.Context) (Outcome, error)

	// Cancel force-terminates the execution. It is idempotent and a no-op
	// after natural completion.
	Cancel()

	// Output returns the stdout and stderr captured so far. Partial output
	// captured before a forced termination is preserved.
	Output() (stdout, stderr []byte)
}

// Runner starts executions on one concrete technology.
type Runner interface {
	// Start spawns the execution described by spec and arms the watchdog.
	// Spawn failures are returned as *StartError.
	Start(ctx context.Context, spec Spec) (Handle, error)

	// Capabilities reports what this runner provides.
	Capabilities() Capabilities
}

// Capabilities describes a registered runner.
type Capabilities struct {
	Name     string `json:"name"`
	Isolated bool   `json:"isolated"`
}

// StartError reports that an adapter could not spawn the execution: missing
// binary, permission denied, image pull failure. Start errors terminate the
// run with status "error" and are never retried automatically.
type StartError struct {
	Err error
}

func (e *StartError) Error() string {
	return "start execution: " + e.Err.Error()
}

func (e *StartError) Unwrap() error {
	return e.Err
}
