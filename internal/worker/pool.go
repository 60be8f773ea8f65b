// Package worker runs builds end-to-end on a fixed-size pool. A worker
// owns one build for its entire lifetime: cancellation registration,
// script load, privileged-requirement scan, executor selection, step
// execution, artifact extraction, and record finalization.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/terrpan/forge/internal/artifact"
	"github.com/terrpan/forge/internal/build"
	"github.com/terrpan/forge/internal/buildfile"
	"github.com/terrpan/forge/internal/buildlog"
	"github.com/terrpan/forge/internal/cancel"
	"github.com/terrpan/forge/internal/content"
	"github.com/terrpan/forge/internal/dind"
	"github.com/terrpan/forge/internal/executor"
	"github.com/terrpan/forge/internal/executor/local"
	"github.com/terrpan/forge/internal/gitmeta"
	"github.com/terrpan/forge/internal/runner"
	"github.com/terrpan/forge/internal/store"
)

// ContainerExecutor is the container backend as the pool consumes it:
// a command executor that can also stream files out and be torn down.
type ContainerExecutor interface {
	executor.Executor
	artifact.Copier
	Close(ctx context.Context) error
}

// DockerFactory creates a container executor for one build. nil means
// containerized execution is not configured and every build runs
// locally regardless of its privileged requirements.
type DockerFactory func(ctx context.Context, hostRoot string, privileged bool) (ContainerExecutor, error)

// Config holds the pool's collaborators and sizing.
type Config struct {
	// Workers is the pool size; each worker executes one build
	// start-to-finish before taking another.
	Workers int64

	// UseDocker forces containerized execution for every build, not
	// just those whose scan demands privileges.
	UseDocker bool

	Store   store.Store
	Cancels *cancel.Registry
	Docker  DockerFactory
	Logger  *slog.Logger
}

// SubmitRequest describes one build to run.
type SubmitRequest struct {
	Dir           string
	Configuration string
	Profiles      []string
	Variables     map[string]string
}

// Pool schedules builds across a fixed number of workers. Builds run
// concurrently with no cross-build ordering guarantee; within a build,
// steps are strictly sequential.
type Pool struct {
	cfg    Config
	sem    *semaphore.Weighted
	logger *slog.Logger

	wg sync.WaitGroup

	tracer trace.Tracer
	meter  metric.Meter

	buildsSubmitted metric.Int64Counter

	mu     sync.Mutex
	active int
}

// New creates a Pool.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	p := &Pool{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.Workers),
		logger: cfg.Logger,
		tracer: otel.Tracer("forge/worker"),
		meter:  otel.Meter("forge/worker"),
	}

	var err error
	p.buildsSubmitted, err = p.meter.Int64Counter(
		"forge.builds.submitted",
		metric.WithDescription("Total number of builds submitted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create buildsSubmitted counter", slog.String("error", err.Error()))
	}

	_, err = p.meter.Int64ObservableGauge(
		"forge.builds.active",
		metric.WithDescription("Number of builds currently executing"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			p.mu.Lock()
			n := p.active
			p.mu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create active gauge", slog.String("error", err.Error()))
	}

	return p
}

// Submit enqueues a build and returns its identifier. The build runs
// asynchronously as soon as a worker is free; ctx only covers the
// enqueue itself.
func (p *Pool) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	id := uuid.NewString()

	rec := store.Record{
		ID:         id,
		Dir:        req.Dir,
		Status:     store.StatusQueued,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := p.cfg.Store.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("creating build record: %w", err)
	}

	if p.buildsSubmitted != nil {
		p.buildsSubmitted.Add(ctx, 1)
	}
	p.logger.Info("build submitted",
		slog.String("buildID", id),
		slog.String("dir", req.Dir),
	)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runBuild(id, req)
	}()

	return id, nil
}

// Wait blocks until every submitted build has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// runBuild is one worker executing one build start-to-finish.
func (p *Pool) runBuild(id string, req SubmitRequest) {
	// The build's context is detached from the submitter; the
	// cancellation registry is its only external kill switch.
	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	// Registered before script load so callers can cancel a build
	// that is still compiling, removed only after finalization.
	p.cfg.Cancels.Register(id, cancelFn)
	defer p.cfg.Cancels.Remove(id)

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.finalize(id, store.StatusCancelled, build.Result{}, err)
		return
	}
	defer p.sem.Release(1)

	p.mu.Lock()
	p.active++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	ctx, span := p.tracer.Start(ctx, "worker.runBuild",
		trace.WithAttributes(attribute.String("build.id", id)),
	)
	defer span.End()

	if !p.markRunning(ctx, id) {
		// Already force-transitioned (e.g. swept or cancelled while
		// queued); do not resurrect a terminal record.
		return
	}

	result, err := p.execute(ctx, id, req)
	status := statusFor(ctx, result, err)
	p.finalize(id, status, result, err)
}

// execute performs the load/scan/run/extract sequence.
func (p *Pool) execute(ctx context.Context, id string, req SubmitRequest) (build.Result, error) {
	logger := p.logger.With(slog.String("buildID", id))
	blog := buildlog.NewSlog(logger, 0)

	scriptPath := filepath.Join(req.Dir, buildfile.DefaultScriptName)
	text, err := os.ReadFile(scriptPath)
	if err != nil {
		return build.Result{}, fmt.Errorf("reading build definition: %w", err)
	}

	// Static scan first: the privileged decision has to precede both
	// executor selection and script load.
	scanner := dind.New(content.Local{}, logger)
	required, err := scanner.Scan(ctx, scriptPath)
	if err != nil {
		return build.Result{}, fmt.Errorf("privileged-requirement scan: %w", err)
	}
	privileged := len(required) > 0
	if privileged {
		logger.Info("build requires privileged container access",
			slog.Any("operations", required.Values()),
		)
	}

	tempDir, err := os.MkdirTemp("", "forge-build-*")
	if err != nil {
		return build.Result{}, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	vars := gitmeta.Variables(req.Dir, logger)
	for k, v := range req.Variables {
		vars[k] = v
	}

	bind := executor.NewBinding(local.New(logger))

	bctx, err := buildfile.Load(text, req.Dir, bind, buildfile.Options{
		Configuration: req.Configuration,
		Profiles:      req.Profiles,
		Variables:     vars,
		TempDir:       tempDir,
		Privileged:    privileged,
	}, blog)
	if err != nil {
		return build.Result{}, err
	}

	// Swap to the container backend between load and the first step,
	// the only window the binding allows it.
	var containerExec ContainerExecutor
	if p.cfg.Docker != nil && (p.cfg.UseDocker || privileged) {
		containerExec, err = p.cfg.Docker(ctx, req.Dir, privileged)
		if err != nil {
			return build.Result{}, fmt.Errorf("starting build container: %w", err)
		}
		defer func() {
			if cerr := containerExec.Close(context.WithoutCancel(ctx)); cerr != nil {
				logger.Error("build container cleanup failed", slog.String("error", cerr.Error()))
			}
		}()
		if err := bind.Swap(containerExec); err != nil {
			return build.Result{}, err
		}
	}

	result := runner.New(runner.Config{Logger: blog}).Run(ctx, filepath.Base(req.Dir), bctx)

	if result.Succeeded() {
		extractor := artifact.New(blog)
		var copier artifact.Copier
		if containerExec != nil {
			copier = containerExec
		}
		copied, err := extractor.Extract(ctx, bctx.Artifacts, copier, req.Dir)
		if err != nil {
			// Partial artifact delivery does not revoke success.
			logger.Warn("some artifacts failed to extract",
				slog.Int("copied", copied),
				slog.String("error", err.Error()),
			)
		}
	}

	return result, nil
}

func (p *Pool) markRunning(ctx context.Context, id string) bool {
	rec, err := p.cfg.Store.Get(ctx, id)
	if err != nil || rec.Status.Terminal() {
		return false
	}
	rec.Status = store.StatusRunning
	rec.StartedAt = time.Now().UTC()
	if err := p.cfg.Store.Update(ctx, rec); err != nil {
		p.logger.Error("failed to mark build running",
			slog.String("buildID", id),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (p *Pool) finalize(id string, status store.Status, result build.Result, err error) {
	ctx := context.Background()

	rec, gerr := p.cfg.Store.Get(ctx, id)
	if gerr != nil {
		p.logger.Error("failed to load build record for finalization",
			slog.String("buildID", id),
			slog.String("error", gerr.Error()),
		)
		return
	}
	if rec.Status.Terminal() {
		// The sweeper got there first; its verdict stands.
		return
	}

	rec.Status = status
	rec.FinishedAt = time.Now().UTC()
	rec.StepsRun = result.StepsRun
	rec.StepsFailed = result.StepsFailed
	if err != nil {
		rec.Error = err.Error()
	} else if result.FailedStep != "" {
		rec.Error = fmt.Sprintf("step %q failed", result.FailedStep)
	}

	if uerr := p.cfg.Store.Update(ctx, rec); uerr != nil {
		p.logger.Error("failed to finalize build record",
			slog.String("buildID", id),
			slog.String("error", uerr.Error()),
		)
		return
	}

	p.logger.Info("build finished",
		slog.String("buildID", id),
		slog.String("status", string(status)),
		slog.Int("stepsRun", result.StepsRun),
		slog.Int("stepsFailed", result.StepsFailed),
	)
}

// statusFor maps an execution outcome to a record status.
func statusFor(ctx context.Context, result build.Result, err error) store.Status {
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		return store.StatusCancelled
	case err != nil:
		return store.StatusFailed
	}
	switch result.Status {
	case build.Succeeded:
		return store.StatusSucceeded
	case build.Cancelled:
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return store.StatusTimedOut
		}
		return store.StatusCancelled
	default:
		return store.StatusFailed
	}
}
