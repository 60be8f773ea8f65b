// Package docker implements the executor contract by running commands
// inside a single ephemeral container via the Docker daemon. The
// container is created once per build, mounts the project root, and is
// force-removed when the build ends.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/terrpan/forge/internal/executor"
)

// DefaultContainerRoot is where the project root is mounted inside the
// build container.
const DefaultContainerRoot = "/workspace"

// Config holds Docker-specific settings for a build container.
type Config struct {
	// Image is the container image builds run in.
	Image string

	// HostRoot is the project root on the host, bind-mounted at
	// ContainerRoot.
	HostRoot string

	// ContainerRoot is the mount point inside the container.
	// Default: /workspace.
	ContainerRoot string

	// Privileged bind-mounts the host's Docker socket into the build
	// container so operations can run Docker commands themselves
	// (docker build, docker push, etc.).
	//
	// Security note: the socket gives the build full access to the
	// host Docker daemon. Only enable this for builds that need it.
	Privileged bool

	// Env holds extra environment entries applied to every exec.
	Env []string
}

// Executor runs commands via `exec` sessions in one long-lived container.
type Executor struct {
	client        *dockerclient.Client
	containerID   string
	hostRoot      string
	containerRoot string
	env           []string
	logger        *slog.Logger
}

// Compile-time check that Executor satisfies the executor contract.
var _ executor.Executor = (*Executor)(nil)

// New connects to the Docker daemon, pulls the build image, and starts
// the build container with the project root mounted.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Executor, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("docker executor: image is required")
	}
	if cfg.ContainerRoot == "" {
		cfg.ContainerRoot = DefaultContainerRoot
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	logger.Info("pulling build image", slog.String("image", cfg.Image))

	pull, err := client.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("image pull %s: %w", cfg.Image, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.Copy(io.Discard, pull); err != nil {
		return nil, fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return nil, fmt.Errorf("closing image pull stream: %w", err)
	}

	binds := []string{fmt.Sprintf("%s:%s", cfg.HostRoot, cfg.ContainerRoot)}
	if cfg.Privileged {
		binds = append(binds, "/var/run/docker.sock:/var/run/docker.sock")
		logger.Info("privileged mode: mounting docker socket into build container")
	}

	resp, err := client.ContainerCreate(
		ctx,
		&container.Config{
			Image:      cfg.Image,
			WorkingDir: cfg.ContainerRoot,
			Env:        cfg.Env,
			// Keep the container alive between exec sessions.
			Cmd: []string{"sleep", "infinity"},
		},
		&container.HostConfig{
			Binds: binds,
		},
		nil, // networking config
		nil, // platform
		"",
	)
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}

	if err := client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container start: %w", err)
	}

	logger.Info("build container started",
		slog.String("image", cfg.Image),
		slog.String("containerID", resp.ID),
	)

	return &Executor{
		client:        client,
		containerID:   resp.ID,
		hostRoot:      cfg.HostRoot,
		containerRoot: cfg.ContainerRoot,
		env:           cfg.Env,
		logger:        logger,
	}, nil
}

// Name identifies the backend.
func (e *Executor) Name() string { return "docker" }

// ContainerID returns the build container's ID.
func (e *Executor) ContainerID() string { return e.containerID }

// TranslatePath maps a host path under the project root to the
// container's view of it. Paths outside the project root are returned
// unchanged -- they only make sense to whichever side created them.
func (e *Executor) TranslatePath(hostPath string) string {
	rel, err := filepath.Rel(e.hostRoot, hostPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return hostPath
	}
	return filepath.ToSlash(filepath.Join(e.containerRoot, rel))
}

// Run executes cmd via a container exec session and waits for it.
func (e *Executor) Run(ctx context.Context, cmd executor.Command) (executor.Result, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	workDir := e.containerRoot
	if cmd.Dir != "" {
		workDir = e.TranslatePath(cmd.Dir)
	}

	execResp, err := e.client.ContainerExecCreate(ctx, e.containerID, container.ExecOptions{
		Cmd:          append([]string{cmd.Name}, cmd.Args...),
		WorkingDir:   workDir,
		Env:          append(append([]string{}, e.env...), cmd.Env...),
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  cmd.Stdin != nil,
	})
	if err != nil {
		return executor.Result{}, fmt.Errorf("exec create: %w", err)
	}

	attach, err := e.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return executor.Result{}, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	if cmd.Stdin != nil {
		go func() {
			_, _ = io.Copy(attach.Conn, cmd.Stdin)
			_ = attach.CloseWrite()
		}()
	}

	var stdout, stderr strings.Builder
	copyDone := make(chan error, 1)
	go func() {
		// The attached stream multiplexes stdout and stderr.
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- err
	}()

	if err := drainExec(ctx, attach.Close, copyDone); err != nil {
		if ctx.Err() == nil {
			return executor.Result{}, fmt.Errorf("exec output: %w", err)
		}
		res := executor.Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if errors.Is(err, context.DeadlineExceeded) {
			return res, &executor.TimeoutError{Command: cmd.Name, Timeout: cmd.Timeout}
		}
		return res, fmt.Errorf("exec %s: %w", cmd.Name, err)
	}

	inspect, err := e.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return executor.Result{}, fmt.Errorf("exec inspect: %w", err)
	}

	return executor.Result{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// drainExec waits for the output copier to finish. When ctx ends first
// it closes the attached stream and still waits for the copier to stop,
// so the output buffers are safe to read after drainExec returns.
func drainExec(ctx context.Context, closeStream func(), copyDone <-chan error) error {
	select {
	case <-ctx.Done():
		closeStream()
		<-copyDone
		return ctx.Err()
	case err := <-copyDone:
		return err
	}
}

// CopyFrom streams the given container path as a tar archive, the
// format the Docker API delivers filesystem content in. Relative paths
// resolve against the mounted project root.
func (e *Executor) CopyFrom(ctx context.Context, containerPath string) (io.ReadCloser, error) {
	if !strings.HasPrefix(containerPath, "/") {
		containerPath = filepath.ToSlash(filepath.Join(e.containerRoot, containerPath))
	}
	reader, _, err := e.client.CopyFromContainer(ctx, e.containerID, containerPath)
	if err != nil {
		return nil, fmt.Errorf("copy from container %s: %w", containerPath, err)
	}
	return reader, nil
}

// Close force-removes the build container. Idempotent with respect to
// an already-removed container: the daemon's not-found error is ignored.
func (e *Executor) Close(ctx context.Context) error {
	e.logger.Info("removing build container", slog.String("containerID", e.containerID))
	err := e.client.ContainerRemove(ctx, e.containerID, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}
