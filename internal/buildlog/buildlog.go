// Package buildlog defines the sink for build lifecycle events and an
// slog-backed implementation. Verbosity filtering and the destination
// (console, file, remote stream) are the implementation's concern; the
// engine only emits events.
package buildlog

import (
	"log/slog"
	"strings"
	"time"
)

// Logger receives structured lifecycle and message events from the
// workflow runner and the operations it executes.
type Logger interface {
	StepStarted(name, context string)
	StepCompleted(name string, duration time.Duration)
	StepFailed(name string, duration time.Duration, err error)
	StepSkipped(name string)

	WorkflowStarted(name string, totalSteps int)
	WorkflowCompleted(name string, totalSteps, stepsRun, stepsFailed int, duration time.Duration)

	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// WithDepth returns a Logger whose output nests at the given
	// build depth (used by nested child builds).
	WithDepth(depth int) Logger
}

// Slog adapts a *slog.Logger to the Logger interface. Depth controls an
// indent prefix so the output of nested child builds visually nests
// under the parent.
type Slog struct {
	logger *slog.Logger
	indent string
}

// NewSlog wraps logger. depth is the build nesting level (0 for a
// top-level build).
func NewSlog(logger *slog.Logger, depth int) *Slog {
	if depth < 0 {
		depth = 0
	}
	return &Slog{
		logger: logger,
		indent: strings.Repeat("  ", depth),
	}
}

var _ Logger = (*Slog)(nil)

// WithDepth returns a copy of the logger indented for the given depth.
func (l *Slog) WithDepth(depth int) Logger {
	return NewSlog(l.logger, depth)
}

func (l *Slog) StepStarted(name, context string) {
	args := []any{slog.String("step", name)}
	if context != "" {
		args = append(args, slog.String("context", context))
	}
	l.logger.Info(l.indent+"step started", args...)
}

func (l *Slog) StepCompleted(name string, duration time.Duration) {
	l.logger.Info(l.indent+"step completed",
		slog.String("step", name),
		slog.Duration("duration", duration),
	)
}

func (l *Slog) StepFailed(name string, duration time.Duration, err error) {
	l.logger.Error(l.indent+"step failed",
		slog.String("step", name),
		slog.Duration("duration", duration),
		slog.String("error", err.Error()),
	)
}

func (l *Slog) StepSkipped(name string) {
	l.logger.Info(l.indent+"step skipped", slog.String("step", name))
}

func (l *Slog) WorkflowStarted(name string, totalSteps int) {
	l.logger.Info(l.indent+"workflow started",
		slog.String("workflow", name),
		slog.Int("totalSteps", totalSteps),
	)
}

func (l *Slog) WorkflowCompleted(name string, totalSteps, stepsRun, stepsFailed int, duration time.Duration) {
	l.logger.Info(l.indent+"workflow completed",
		slog.String("workflow", name),
		slog.Int("totalSteps", totalSteps),
		slog.Int("stepsRun", stepsRun),
		slog.Int("stepsFailed", stepsFailed),
		slog.Duration("duration", duration),
	)
}

func (l *Slog) Debug(msg string, args ...any) { l.logger.Debug(l.indent+msg, args...) }
func (l *Slog) Info(msg string, args ...any)  { l.logger.Info(l.indent+msg, args...) }
func (l *Slog) Warn(msg string, args ...any)  { l.logger.Warn(l.indent+msg, args...) }
func (l *Slog) Error(msg string, args ...any) { l.logger.Error(l.indent+msg, args...) }
