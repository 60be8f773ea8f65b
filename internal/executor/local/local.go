// Package local implements the executor contract by spawning processes
// on the host.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/terrpan/forge/internal/executor"
)

// Executor runs commands as local child processes.
type Executor struct {
	logger *slog.Logger
}

// Compile-time check that Executor satisfies the executor contract.
var _ executor.Executor = (*Executor)(nil)

// New creates a local executor.
func New(logger *slog.Logger) *Executor {
	return &Executor{logger: logger}
}

// Name identifies the backend.
func (e *Executor) Name() string { return "local" }

// Run spawns the command and waits for it. The process inherits the
// host environment plus cmd.Env. Context cancellation kills it.
func (e *Executor) Run(ctx context.Context, cmd executor.Command) (executor.Result, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	proc := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	proc.Dir = cmd.Dir
	proc.Env = append(os.Environ(), cmd.Env...)
	proc.Stdin = cmd.Stdin

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	e.logger.Debug("running local command",
		slog.String("cmd", cmd.Name),
		slog.Any("args", cmd.Args),
		slog.String("dir", cmd.Dir),
	)

	err := proc.Run()
	res := executor.Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		// Surface a context timeout/cancel as an error; a plain
		// non-zero exit is reported through the exit code instead.
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return res, &executor.TimeoutError{Command: cmd.Name, Timeout: cmd.Timeout}
			}
			return res, fmt.Errorf("command %s: %w", cmd.Name, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("command %s: %w", cmd.Name, err)
	}

	return res, nil
}
