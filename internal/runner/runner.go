// Package runner walks a frozen step registry in registration order,
// invoking each deferred action against the currently active executor
// and reporting lifecycle events to the build logger.
package runner

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/forge/internal/build"
	"github.com/terrpan/forge/internal/buildlog"
)

// Config holds the runner's collaborators.
type Config struct {
	Logger buildlog.Logger
}

// Runner executes one build's step registry. Steps run strictly
// sequentially in registration order; steps commonly have shell-level
// side effects on shared working directories, so ordering is a
// correctness requirement.
type Runner struct {
	logger buildlog.Logger

	tracer trace.Tracer
	meter  metric.Meter

	stepsExecuted   metric.Int64Counter
	stepDuration    metric.Float64Histogram
	buildsCompleted metric.Int64Counter
	buildDuration   metric.Float64Histogram
}

// New creates a Runner.
func New(cfg Config) *Runner {
	r := &Runner{
		logger: cfg.Logger,
		tracer: otel.Tracer("forge/runner"),
		meter:  otel.Meter("forge/runner"),
	}

	// Initialize metrics (errors are logged but not fatal).
	var err error
	r.stepsExecuted, err = r.meter.Int64Counter(
		"forge.steps.executed",
		metric.WithDescription("Total number of build steps executed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create stepsExecuted counter", slog.String("error", err.Error()))
	}

	r.stepDuration, err = r.meter.Float64Histogram(
		"forge.step.duration",
		metric.WithDescription("Duration of one build step (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 300, 900),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create stepDuration histogram", slog.String("error", err.Error()))
	}

	r.buildsCompleted, err = r.meter.Int64Counter(
		"forge.builds.completed",
		metric.WithDescription("Total number of builds completed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create buildsCompleted counter", slog.String("error", err.Error()))
	}

	r.buildDuration, err = r.meter.Float64Histogram(
		"forge.build.duration",
		metric.WithDescription("Duration of one build (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 300, 900, 1800, 3600),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create buildDuration histogram", slog.String("error", err.Error()))
	}

	return r
}

// Run drains the step registry. It freezes the registry and seals the
// executor binding on entry, checks ctx before each step (cancellation
// is cooperative, at step boundaries only), and stops at the first
// failed step, marking the remainder Skipped.
func (r *Runner) Run(ctx context.Context, name string, bctx *build.Context) build.Result {
	ctx, span := r.tracer.Start(ctx, "runner.Run")
	defer span.End()

	steps := bctx.Registry.Freeze()
	bctx.Executor.Seal()

	span.SetAttributes(
		attribute.String("build.name", name),
		attribute.Int("build.total_steps", len(steps)),
		attribute.String("build.executor", bctx.Executor.Current().Name()),
	)

	r.logger.WorkflowStarted(name, len(steps))
	start := time.Now()

	result := build.Result{Status: build.Succeeded}

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			r.skipRemaining(steps[i:], &result)
			result.Status = build.Cancelled
			break
		}

		stepRes := r.runStep(ctx, step)
		result.Steps = append(result.Steps, stepRes)
		result.StepsRun++

		if stepRes.Status == build.StepFailed {
			result.StepsFailed++
			result.Status = build.Failed
			result.FailedStep = step.Name
			// Fail-fast: the single decision point after a failed
			// step. A continue-on-failure mode would hook in here.
			r.skipRemaining(steps[i+1:], &result)
			break
		}
	}

	result.Duration = time.Since(start)

	if r.buildsCompleted != nil {
		r.buildsCompleted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(result.Status)),
		))
	}
	if r.buildDuration != nil {
		r.buildDuration.Record(ctx, result.Duration.Seconds())
	}

	r.logger.WorkflowCompleted(name, len(steps), result.StepsRun, result.StepsFailed, result.Duration)
	span.SetAttributes(attribute.String("build.status", string(result.Status)))

	return result
}

func (r *Runner) runStep(ctx context.Context, step build.Step) build.StepResult {
	ctx, span := r.tracer.Start(ctx, "runner.step",
		trace.WithAttributes(attribute.String("step.name", step.Name)),
	)
	defer span.End()

	r.logger.StepStarted(step.Name, step.Context)
	start := time.Now()

	err := step.Action(ctx)
	elapsed := time.Since(start)

	res := build.StepResult{
		Name:     step.Name,
		Duration: elapsed,
	}

	if err != nil {
		res.Status = build.StepFailed
		res.Err = err.Error()
		r.logger.StepFailed(step.Name, elapsed, err)
	} else {
		res.Status = build.StepCompleted
		r.logger.StepCompleted(step.Name, elapsed)
	}

	if r.stepsExecuted != nil {
		r.stepsExecuted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(res.Status)),
		))
	}
	if r.stepDuration != nil {
		r.stepDuration.Record(ctx, elapsed.Seconds())
	}
	span.SetAttributes(attribute.String("step.status", string(res.Status)))

	return res
}

func (r *Runner) skipRemaining(steps []build.Step, result *build.Result) {
	for _, step := range steps {
		r.logger.StepSkipped(step.Name)
		result.Steps = append(result.Steps, build.StepResult{
			Name:   step.Name,
			Status: build.StepSkipped,
		})
	}
}
