package build

import (
	"fmt"
	"time"
)

// StepStatus is the terminal state of one executed (or skipped) step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Status is the terminal state of a whole build.
type Status string

const (
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// StepResult captures the outcome of a single step.
type StepResult struct {
	Name     string
	Status   StepStatus
	Duration time.Duration
	Err      string
}

// Result aggregates the per-step outcomes of one build.
type Result struct {
	Status      Status
	Steps       []StepResult
	StepsRun    int
	StepsFailed int
	Duration    time.Duration

	// FailedStep names the step that halted the build, empty on success.
	FailedStep string
}

// Succeeded reports whether every attempted step completed.
func (r Result) Succeeded() bool {
	return r.Status == Succeeded
}

// StepError records a step whose underlying command exited non-zero.
type StepError struct {
	Step     string
	ExitCode int
	Stderr   string
}

func (e *StepError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("step %q exited with code %d: %s", e.Step, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("step %q exited with code %d", e.Step, e.ExitCode)
}
