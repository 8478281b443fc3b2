// Package container implements the runner adapter that executes the test
// runner inside an isolated Docker container with the workspace
// volume-mounted.
package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/kestrelci/kestrel/internal/runner"
)

// workspaceMount is where the checked-out repository appears inside the
// container. The adapter sets it as the working directory, so the lifecycle
// contract (execute in the workspace, write the report there) is identical to
// the subprocess runner's.
const workspaceMount = "/workspace"

// removeTimeout bounds container cleanup after an execution ends.
const removeTimeout = 10 * time.Second

// pingTimeout bounds the daemon reachability check during construction.
const pingTimeout = 5 * time.Second

// dockerAPI is the subset of the Docker client the adapter uses. Narrowing
// the dependency keeps the adapter testable without a daemon.
type dockerAPI interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Runner launches test executions in Docker containers.
type Runner struct {
	cli    dockerAPI
	image  string
	logger *slog.Logger

	// OutputLimit caps captured bytes per stream. Zero uses the default.
	OutputLimit int
}

// New creates a container runner using the Docker client configured from the
// standard environment variables (DOCKER_HOST etc.). Constructing the client
// never touches the daemon, so New pings it explicitly: a host without a
// reachable daemon must not end up with a registered container runner.
func New(defaultImage string, logger *slog.Logger) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("ping docker daemon: %w", err)
	}

	return &Runner{cli: cli, image: defaultImage, logger: logger}, nil
}

// Capabilities implements runner.Runner.
func (r *Runner) Capabilities() runner.Capabilities {
	return runner.Capabilities{
		Name:     "container",
		Isolated: true,
	}
}

// Start creates and starts a container running the test executable against
// the volume-mounted workspace. Image pull failures and container create or
// start failures are StartErrors.
func (r *Runner) Start(ctx context.Context, spec runner.Spec) (runner.Handle, error) {
	if err := r.ensureImage(ctx); err != nil {
		return nil, &runner.StartError{Err: err}
	}

	cmd := append([]string{spec.Executable}, spec.Args...)
	cmd = append(cmd, spec.TargetPath)

	cfg := &container.Config{
		Image:      r.image,
		Cmd:        cmd,
		Env:        spec.Env,
		WorkingDir: workspaceMount,
	}
	hostCfg := &container.HostConfig{
		Binds: []string{spec.WorkDir + ":" + workspaceMount},
	}

	created, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "kestrel-"+spec.RunID)
	if err != nil {
		return nil, &runner.StartError{Err: fmt.Errorf("create container: %w", err)}
	}

	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		r.remove(created.ID)
		return nil, &runner.StartError{Err: fmt.Errorf("start container: %w", err)}
	}

	h := &handle{
		cli:         r.cli,
		containerID: created.ID,
		stdout:      runner.NewCappedBuffer(r.OutputLimit),
		stderr:      runner.NewCappedBuffer(r.OutputLimit),
		done:        make(chan struct{}),
		logger:      r.logger,
	}

	if spec.Timeout > 0 {
		h.watchdog = time.AfterFunc(spec.Timeout, func() {
			h.timedOut.Store(true)
			h.kill()
		})
	}

	go h.reap()

	r.logger.Debug("started test container",
		"run_id", spec.RunID,
		"container_id", created.ID,
		"image", r.image,
	)

	return h, nil
}

// ensureImage checks for the image locally and pulls it if absent.
func (r *Runner) ensureImage(ctx context.Context) error {
	if _, err := r.cli.ImageInspect(ctx, r.image); err == nil {
		return nil
	}
	reader, err := r.cli.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", r.image, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func (r *Runner) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		r.logger.Warn("remove container", "container_id", containerID, "error", err)
	}
}

// handle tracks one container from start to removal.
type handle struct {
	cli         dockerAPI
	containerID string
	stdout      *runner.CappedBuffer
	stderr      *runner.CappedBuffer
	done        chan struct{}
	logger      *slog.Logger
	watchdog    *time.Timer

	killOnce  sync.Once
	timedOut  atomic.Bool
	cancelled atomic.Bool

	outcome runner.Outcome // valid after done is closed
}

// reap waits for the container to stop, collects its output, classifies the
// outcome, and removes the container.
func (h *handle) reap() {
	waitCh, errCh := h.cli.ContainerWait(context.Background(), h.containerID, container.WaitConditionNotRunning)

	exitCode := -1
	select {
	case resp := <-waitCh:
		exitCode = int(resp.StatusCode)
	case err := <-errCh:
		h.logger.Warn("container wait", "container_id", h.containerID, "error", err)
	}

	if h.watchdog != nil {
		h.watchdog.Stop()
	}

	h.collectLogs()
	h.remove()

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

// collectLogs demultiplexes the container's log stream into the capture
// buffers. Partial output of a killed container is still available here.
func (h *handle) collectLogs() {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()

	logs, err := h.cli.ContainerLogs(ctx, h.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		h.logger.Warn("collect container logs", "container_id", h.containerID, "error", err)
		return
	}
	defer logs.Close()

	if _, err := stdcopy.StdCopy(h.stdout, h.stderr, logs); err != nil {
		h.logger.Warn("demux container logs", "container_id", h.containerID, "error", err)
	}
}

func (h *handle) remove() {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := h.cli.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true}); err != nil {
		h.logger.Warn("remove container", "container_id", h.containerID, "error", err)
	}
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

func (h *handle) kill() {
	h.killOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
		defer cancel()
		if err := h.cli.ContainerKill(ctx, h.containerID, "SIGKILL"); err != nil {
			h.logger.Warn("kill container", "container_id", h.containerID, "error", err)
		}
	})
}

// Output implements runner.Handle.
func (h *handle) Output() (stdout, stderr []byte) {
	return h.stdout.Snapshot(), h.stderr.Snapshot()
}
