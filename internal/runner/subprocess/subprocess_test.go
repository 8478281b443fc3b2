package subprocess

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/kestrelci/kestrel/internal/runner"
)

func newTestRunner() *Runner {
	return New(slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

// shSpec builds a spec that runs the given shell script. The script stands in
// for the test-runner executable; TargetPath is appended as $1.
func shSpec(t *testing.T, script string, timeout time.Duration) runner.Spec {
	t.Helper()
	return runner.Spec{
		RunID:      "run-test",
		WorkDir:    t.TempDir(),
		TargetPath: "tests/",
		Executable: "/bin/sh",
		Args:       []string{"-c", script, "sh"},
		Timeout:    timeout,
	}
}

func TestStartAndWaitExitZero(t *testing.T) {
	r := newTestRunner()
	h, err := r.Start(context.Background(), shSpec(t, "echo out; echo err >&2; exit 0", 5*time.Second))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	outcome, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if outcome.Kind != runner.OutcomeFinished {
		t.Errorf("kind = %q, want finished", outcome.Kind)
	}
	if outcome.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", outcome.ExitCode)
	}

	stdout, stderr := h.Output()
	if !strings.Contains(string(stdout), "out") {
		t.Errorf("stdout = %q, want to contain 'out'", stdout)
	}
	if !strings.Contains(string(stderr), "err") {
		t.Errorf("stderr = %q, want to contain 'err'", stderr)
	}
}

func TestNonZeroExit(t *testing.T) {
	r := newTestRunner()
	h, err := r.Start(context.Background(), shSpec(t, "exit 3", 5*time.Second))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	outcome, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if outcome.Kind != runner.OutcomeFinished || outcome.ExitCode != 3 {
		t.Errorf("outcome = %+v, want finished/3", outcome)
	}
}

func TestMissingExecutableIsStartError(t *testing.T) {
	r := newTestRunner()
	spec := shSpec(t, "", time.Second)
	spec.Executable = "/nonexistent/test-runner"

	_, err := r.Start(context.Background(), spec)
	if err == nil {
		t.Fatal("Start with missing executable succeeded")
	}
	var startErr *runner.StartError
	if !errors.As(err, &startErr) {
		t.Errorf("err = %T, want *runner.StartError", err)
	}
}

func TestWatchdogTimeout(t *testing.T) {
	r := newTestRunner()
	h, err := r.Start(context.Background(), shSpec(t, "echo partial; sleep 30", 300*time.Millisecond))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	begin := time.Now()
	outcome, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if outcome.Kind != runner.OutcomeTimeout {
		t.Errorf("kind = %q, want timeout", outcome.Kind)
	}
	if elapsed := time.Since(begin); elapsed > 5*time.Second {
		t.Errorf("watchdog took %v, want well under the 30s sleep", elapsed)
	}

	// Output captured before forced termination is preserved.
	stdout, _ := h.Output()
	if !strings.Contains(string(stdout), "partial") {
		t.Errorf("stdout = %q, want partial output preserved", stdout)
	}
}

func TestCancel(t *testing.T) {
	r := newTestRunner()
	h, err := r.Start(context.Background(), shSpec(t, "sleep 30", 0))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.Cancel()
	outcome, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if outcome.Kind != runner.OutcomeCancelled {
		t.Errorf("kind = %q, want cancelled", outcome.Kind)
	}
}

func TestCancelAfterCompletionIsNoOp(t *testing.T) {
	r := newTestRunner()
	h, err := r.Start(context.Background(), shSpec(t, "exit 0", 5*time.Second))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	outcome, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	// Cancel after natural completion must neither panic nor change the outcome.
	h.Cancel()
	h.Cancel()

	again, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait after cancel: %v", err)
	}
	if again != outcome {
		t.Errorf("outcome changed by late cancel: %+v vs %+v", again, outcome)
	}
}

func TestWaitContextAbandonsNotKills(t *testing.T) {
	r := newTestRunner()
	h, err := r.Start(context.Background(), shSpec(t, "sleep 0.3; echo done; exit 0", 5*time.Second))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := h.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait err = %v, want deadline exceeded", err)
	}

	// The process keeps running; a second Wait collects the real outcome.
	outcome, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if outcome.Kind != runner.OutcomeFinished || outcome.ExitCode != 0 {
		t.Errorf("outcome = %+v, want finished/0", outcome)
	}
}

func TestWorkDirIsRespected(t *testing.T) {
	r := newTestRunner()
	spec := shSpec(t, "pwd", 5*time.Second)

	h, err := r.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	stdout, _ := h.Output()
	if !strings.Contains(string(stdout), spec.WorkDir) {
		t.Errorf("pwd = %q, want workspace %q", stdout, spec.WorkDir)
	}
}
