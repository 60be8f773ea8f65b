package worker

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/forge/internal/buildfile"
	"github.com/terrpan/forge/internal/cancel"
	"github.com/terrpan/forge/internal/executor"
	"github.com/terrpan/forge/internal/store"
)

// ---------------------------------------------------------------------------
// Fake container backend
// ---------------------------------------------------------------------------

type fakeContainer struct {
	mu       sync.Mutex
	commands []executor.Command
	closed   bool
}

func (f *fakeContainer) Run(_ context.Context, cmd executor.Command) (executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return executor.Result{}, nil
}

func (f *fakeContainer) Name() string { return "docker" }

func (f *fakeContainer) CopyFrom(_ context.Context, _ string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeContainer) Close(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeContainer) commandCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands)
}

type fakeDockerFactory struct {
	mu         sync.Mutex
	calls      int
	privileged bool
	container  *fakeContainer
}

func (f *fakeDockerFactory) make(_ context.Context, _ string, privileged bool) (ContainerExecutor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.privileged = privileged
	f.container = &fakeContainer{}
	return f.container, nil
}

func writeScript(t *testing.T, text string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, buildfile.DefaultScriptName), []byte(text), 0o644))
	return dir
}

func newTestPool(st store.Store, cancels *cancel.Registry) *Pool {
	return New(Config{
		Workers: 2,
		Store:   st,
		Cancels: cancels,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestPoolRunsBuildToSuccess(t *testing.T) {
	st := store.NewMemory()
	cancels := cancel.NewRegistry()
	pool := newTestPool(st, cancels)

	dir := writeScript(t, `
name: smoke
steps:
  - name: noop
    run: "true"
`)

	id, err := pool.Submit(context.Background(), SubmitRequest{Dir: dir})
	require.NoError(t, err)
	pool.Wait()

	rec, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, rec.Status)
	assert.Equal(t, 1, rec.StepsRun)
	assert.Equal(t, 0, rec.StepsFailed)
	assert.False(t, rec.StartedAt.IsZero())
	assert.False(t, rec.FinishedAt.IsZero())
}

func TestPoolRecordsFailedBuild(t *testing.T) {
	st := store.NewMemory()
	pool := newTestPool(st, cancel.NewRegistry())

	dir := writeScript(t, `
steps:
  - name: works
    run: "true"
  - name: breaks
    run: "false"
  - name: never
    run: "true"
`)

	id, err := pool.Submit(context.Background(), SubmitRequest{Dir: dir})
	require.NoError(t, err)
	pool.Wait()

	rec, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Equal(t, 2, rec.StepsRun)
	assert.Equal(t, 1, rec.StepsFailed)
	assert.Contains(t, rec.Error, "breaks")
}

func TestPoolRecordsCompilationFailure(t *testing.T) {
	st := store.NewMemory()
	pool := newTestPool(st, cancel.NewRegistry())

	dir := writeScript(t, `
steps:
  - uses: docker.unknown
`)

	id, err := pool.Submit(context.Background(), SubmitRequest{Dir: dir})
	require.NoError(t, err)
	pool.Wait()

	rec, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "docker.unknown")
}

func TestPoolMissingScriptFailsBuild(t *testing.T) {
	st := store.NewMemory()
	pool := newTestPool(st, cancel.NewRegistry())

	id, err := pool.Submit(context.Background(), SubmitRequest{Dir: t.TempDir()})
	require.NoError(t, err)
	pool.Wait()

	rec, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
}

func TestPoolRemovesCancellationHandleAfterBuild(t *testing.T) {
	st := store.NewMemory()
	cancels := cancel.NewRegistry()
	pool := newTestPool(st, cancels)

	dir := writeScript(t, `
steps:
  - run: "true"
`)

	_, err := pool.Submit(context.Background(), SubmitRequest{Dir: dir})
	require.NoError(t, err)
	pool.Wait()

	assert.Equal(t, 0, cancels.Len())
}

func TestPoolPrivilegedBuildSwitchesToContainer(t *testing.T) {
	// Even with the local executor configured pool-wide, a build whose
	// scan finds privileged operations must run in a container.
	st := store.NewMemory()
	factory := &fakeDockerFactory{}
	pool := New(Config{
		Workers:   1,
		UseDocker: false,
		Store:     st,
		Cancels:   cancel.NewRegistry(),
		Docker:    factory.make,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	dir := writeScript(t, `
steps:
  - name: image
    uses: docker.build
    with:
      image: example/app
`)

	id, err := pool.Submit(context.Background(), SubmitRequest{Dir: dir})
	require.NoError(t, err)
	pool.Wait()

	rec, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, rec.Status)

	require.Equal(t, 1, factory.calls)
	assert.True(t, factory.privileged)
	require.NotNil(t, factory.container)
	assert.True(t, factory.container.closed)
	require.Equal(t, 1, factory.container.commandCount())
	assert.Equal(t, "docker", factory.container.commands[0].Name)
}

func TestPoolUnprivilegedBuildStaysLocal(t *testing.T) {
	st := store.NewMemory()
	factory := &fakeDockerFactory{}
	pool := New(Config{
		Workers: 1,
		Store:   st,
		Cancels: cancel.NewRegistry(),
		Docker:  factory.make,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	dir := writeScript(t, `
steps:
  - run: "true"
`)

	id, err := pool.Submit(context.Background(), SubmitRequest{Dir: dir})
	require.NoError(t, err)
	pool.Wait()

	rec, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, rec.Status)
	assert.Equal(t, 0, factory.calls)
}

func TestPoolHonorsCallerVariables(t *testing.T) {
	st := store.NewMemory()
	pool := newTestPool(st, cancel.NewRegistry())

	// The when condition only admits the step if the caller-supplied
	// variable overrides the definition's default.
	dir := writeScript(t, `
variables:
  mode: fast
steps:
  - name: gate
    run: "false"
    when: vars.mode == "fast"
  - name: ok
    run: "true"
`)

	id, err := pool.Submit(context.Background(), SubmitRequest{
		Dir:       dir,
		Variables: map[string]string{"mode": "thorough"},
	})
	require.NoError(t, err)
	pool.Wait()

	rec, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, rec.Status)
	assert.Equal(t, 1, rec.StepsRun)
}
