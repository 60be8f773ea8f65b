// Package executor defines the command-execution contract shared by the
// local-process and container backends, and the Binding indirection that
// operations resolve the active backend through at run time.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Command describes one command invocation.
type Command struct {
	// Name is the program to run (resolved against PATH by the backend).
	Name string

	// Args are the program arguments, exec-style (no shell splitting).
	Args []string

	// Dir is the working directory. Paths are host paths; the container
	// backend translates them into its own view of the project root.
	Dir string

	// Env holds additional environment entries in "KEY=value" form.
	Env []string

	// Stdin, when non-nil, is streamed to the process.
	Stdin io.Reader

	// Timeout bounds the command. Zero means no per-command timeout.
	Timeout time.Duration
}

// Result is the outcome of a completed command. A non-zero exit code is
// not an error at this layer -- callers decide what an exit code means.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Executor runs commands either as local processes or inside a container.
// Implementations must honor context cancellation by killing the
// underlying process or exec session.
type Executor interface {
	// Run executes cmd and blocks until it finishes or ctx is done.
	Run(ctx context.Context, cmd Command) (Result, error)

	// Name identifies the backend ("local", "docker") for logging.
	Name() string
}

// ErrSealed is returned by Binding.Swap once execution has started.
var ErrSealed = errors.New("executor binding is sealed: build execution has started")

// TimeoutError reports that a command was killed because it exceeded
// its deadline. It unwraps to context.DeadlineExceeded so existing
// errors.Is checks keep working.
type TimeoutError struct {
	// Command is the program that timed out.
	Command string

	// Timeout is the per-command limit that was exceeded. Zero when
	// the deadline came from the surrounding context instead.
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("command %s timed out after %s", e.Command, e.Timeout)
	}
	return fmt.Sprintf("command %s timed out", e.Command)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// Binding holds the currently active executor behind a single-swap gate.
//
// Operations capture the Binding at script-load time and resolve the
// executor through Current when their step actually runs. The caller may
// swap the backend exactly once, between script load and the first step
// (typically after the privileged-requirement scan), after which the
// runner seals the binding and further swaps are rejected.
//
// The binding is owned by a single build; Current is only called from
// that build's worker goroutine, so no locking is needed around reads.
type Binding struct {
	active Executor
	sealed bool
}

// NewBinding returns a Binding with e as the active executor.
func NewBinding(e Executor) *Binding {
	return &Binding{active: e}
}

// Current returns the active executor.
func (b *Binding) Current() Executor {
	return b.active
}

// Swap replaces the active executor. It fails with ErrSealed once the
// workflow runner has begun executing steps.
func (b *Binding) Swap(e Executor) error {
	if b.sealed {
		return ErrSealed
	}
	b.active = e
	return nil
}

// Seal permanently rejects further swaps. Called by the workflow runner
// immediately before the first step executes. Sealing twice is a no-op.
func (b *Binding) Seal() {
	b.sealed = true
}

// Sealed reports whether the binding has been sealed.
func (b *Binding) Sealed() bool {
	return b.sealed
}
