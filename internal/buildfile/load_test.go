package buildfile

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/forge/internal/build"
	"github.com/terrpan/forge/internal/buildinfo"
	"github.com/terrpan/forge/internal/buildlog"
	"github.com/terrpan/forge/internal/executor"
)

// ---------------------------------------------------------------------------
// Recording executor
// ---------------------------------------------------------------------------

type recordingExecutor struct {
	mu       sync.Mutex
	commands []executor.Command

	exitCode int // returned by every Run
}

func (r *recordingExecutor) Run(_ context.Context, cmd executor.Command) (executor.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
	return executor.Result{ExitCode: r.exitCode}, nil
}

func (r *recordingExecutor) Name() string { return "recording" }

func (r *recordingExecutor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testLogger() buildlog.Logger {
	return buildlog.NewSlog(slog.New(slog.NewTextHandler(io.Discard, nil)), 0)
}

func load(t *testing.T, text string, opts Options) (*build.Context, *recordingExecutor) {
	t.Helper()
	if opts.TempDir == "" {
		opts.TempDir = t.TempDir()
	}
	exec := &recordingExecutor{}
	bctx, err := Load([]byte(text), t.TempDir(), executor.NewBinding(exec), opts, testLogger())
	require.NoError(t, err)
	return bctx, exec
}

func runAll(t *testing.T, bctx *build.Context) {
	t.Helper()
	for _, step := range bctx.Registry.Freeze() {
		require.NoError(t, step.Action(context.Background()), "step %q", step.Name)
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func TestLoadRegistersStepsWithoutExecuting(t *testing.T) {
	bctx, exec := load(t, `
name: demo
steps:
  - name: generate
    run: protoc --go_out=. api.proto
  - name: compile
    run: go build ./...
  - name: test
    run: go test ./...
`, Options{})

	assert.Equal(t, 3, bctx.Registry.Len())
	assert.Equal(t, 0, exec.count(), "loading must not execute commands")
}

func TestLoadPreservesDeclarationOrder(t *testing.T) {
	bctx, _ := load(t, `
steps:
  - name: first
    run: echo 1
  - name: second
    shell: echo 2
  - name: third
    uses: git.checkout
    with:
      ref: main
`, Options{})

	steps := bctx.Registry.Freeze()
	require.Len(t, steps, 3)
	assert.Equal(t, "first", steps[0].Name)
	assert.Equal(t, "second", steps[1].Name)
	assert.Equal(t, "third", steps[2].Name)
}

func TestRunStepSplitsArgv(t *testing.T) {
	bctx, exec := load(t, `
steps:
  - run: go build -o "out dir/app" ./cmd
`, Options{})
	runAll(t, bctx)

	require.Equal(t, 1, exec.count())
	cmd := exec.commands[0]
	assert.Equal(t, "go", cmd.Name)
	assert.Equal(t, []string{"build", "-o", "out dir/app", "./cmd"}, cmd.Args)
}

func TestShellStepWrapsScript(t *testing.T) {
	bctx, exec := load(t, `
steps:
  - shell: go vet ./... && go test ./...
`, Options{})
	runAll(t, bctx)

	require.Equal(t, 1, exec.count())
	cmd := exec.commands[0]
	assert.Equal(t, "/bin/sh", cmd.Name)
	assert.Equal(t, []string{"-c", "go vet ./... && go test ./..."}, cmd.Args)
}

func TestStepFailureMapsExitCode(t *testing.T) {
	bctx, exec := load(t, `
steps:
  - name: flaky
    run: make test
`, Options{})
	exec.exitCode = 2

	steps := bctx.Registry.Freeze()
	require.Len(t, steps, 1)

	err := steps[0].Action(context.Background())
	var stepErr *build.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "flaky", stepErr.Step)
	assert.Equal(t, 2, stepErr.ExitCode)
}

// ---------------------------------------------------------------------------
// Variables and templates
// ---------------------------------------------------------------------------

func TestVariableInterpolation(t *testing.T) {
	bctx, exec := load(t, `
variables:
  image: example/app
steps:
  - run: "docker save {{ .Var.image }}"
`, Options{})
	runAll(t, bctx)

	require.Equal(t, 1, exec.count())
	assert.Equal(t, []string{"save", "example/app"}, exec.commands[0].Args)
}

func TestCallerVariablesOverrideDefinition(t *testing.T) {
	bctx, _ := load(t, `
variables:
  channel: stable
  arch: amd64
steps:
  - run: echo ok
`, Options{Variables: map[string]string{"channel": "nightly"}})

	assert.Equal(t, "nightly", bctx.Vars["channel"])
	assert.Equal(t, "amd64", bctx.Vars["arch"])
}

func TestConfigurationAvailableToTemplates(t *testing.T) {
	bctx, exec := load(t, `
steps:
  - run: "make build-{{ .Configuration | lower }}"
`, Options{Configuration: "Release"})
	runAll(t, bctx)

	require.Equal(t, 1, exec.count())
	assert.Equal(t, "make", exec.commands[0].Name)
	assert.Equal(t, []string{"build-release"}, exec.commands[0].Args)
}

// ---------------------------------------------------------------------------
// Profiles, conditions, foreach
// ---------------------------------------------------------------------------

func TestProfileFilteringIsCaseInsensitive(t *testing.T) {
	text := `
steps:
  - name: always
    run: make all
  - name: nightly-only
    run: make soak
    profiles: [Nightly]
`
	bctx, _ := load(t, text, Options{})
	assert.Equal(t, 1, bctx.Registry.Len())

	bctx, _ = load(t, text, Options{Profiles: []string{"NIGHTLY"}})
	assert.Equal(t, 2, bctx.Registry.Len())
}

func TestWhenConditionFiltersAtLoadTime(t *testing.T) {
	bctx, _ := load(t, `
variables:
  publish: "no"
steps:
  - name: build
    run: make build
  - name: publish
    run: make publish
    when: vars.publish == "yes"
  - name: nightly
    run: make soak
    when: profile("nightly")
`, Options{})

	steps := bctx.Registry.Freeze()
	require.Len(t, steps, 1)
	assert.Equal(t, "build", steps[0].Name)
}

func TestWhenRequiresBoolean(t *testing.T) {
	_, err := Load([]byte(`
steps:
  - run: make all
    when: "1 + 1"
`), t.TempDir(), executor.NewBinding(&recordingExecutor{}), Options{TempDir: t.TempDir()}, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected a boolean")
}

func TestForeachListExpandsToOneStepPerItem(t *testing.T) {
	bctx, exec := load(t, `
steps:
  - name: "build {{ .Item }}"
    run: "go build -o bin/app-{{ .Item }} ./cmd"
    foreach: [linux, darwin, windows]
`, Options{})

	assert.Equal(t, 3, bctx.Registry.Len())
	runAll(t, bctx)

	require.Equal(t, 3, exec.count())
	assert.Equal(t, []string{"build", "-o", "bin/app-linux", "./cmd"}, exec.commands[0].Args)
	assert.Equal(t, []string{"build", "-o", "bin/app-darwin", "./cmd"}, exec.commands[1].Args)
	assert.Equal(t, []string{"build", "-o", "bin/app-windows", "./cmd"}, exec.commands[2].Args)
}

func TestForeachExpressionForm(t *testing.T) {
	bctx, _ := load(t, `
steps:
  - name: "lint {{ .Item }}"
    run: "golangci-lint run ./{{ .Item }}/..."
    foreach: 'split(vars.packages, ",")'
`, Options{Variables: map[string]string{"packages": "internal,cmd"}})

	steps := bctx.Registry.Freeze()
	require.Len(t, steps, 2)
	assert.Equal(t, "lint internal", steps[0].Name)
	assert.Equal(t, "lint cmd", steps[1].Name)
}

func TestForeachWithPerItemCondition(t *testing.T) {
	bctx, _ := load(t, `
steps:
  - name: "pack {{ .Item }}"
    run: "make pack-{{ .Item }}"
    foreach: [alpha, beta, rc]
    when: item != "beta"
`, Options{})

	steps := bctx.Registry.Freeze()
	require.Len(t, steps, 2)
	assert.Equal(t, "pack alpha", steps[0].Name)
	assert.Equal(t, "pack rc", steps[1].Name)
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

func TestDockerBuildOperation(t *testing.T) {
	bctx, exec := load(t, `
steps:
  - uses: docker.build
    with:
      image: example/app:latest
      file: build/Dockerfile
`, Options{})
	runAll(t, bctx)

	require.Equal(t, 1, exec.count())
	cmd := exec.commands[0]
	assert.Equal(t, "docker", cmd.Name)
	assert.Equal(t, []string{"build", "-t", "example/app:latest", "-f", "build/Dockerfile", "."}, cmd.Args)
}

func TestDockerLoginSendsPasswordViaStdin(t *testing.T) {
	bctx, exec := load(t, `
steps:
  - uses: docker.login
    with:
      registry: ghcr.io
      username: bot
      password: hunter2
`, Options{})
	runAll(t, bctx)

	require.Equal(t, 1, exec.count())
	cmd := exec.commands[0]
	assert.Equal(t, []string{"login", "-u", "bot", "--password-stdin", "ghcr.io"}, cmd.Args)
	assert.NotContains(t, cmd.Args, "hunter2")

	require.NotNil(t, cmd.Stdin)
	secret, err := io.ReadAll(cmd.Stdin)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(secret))
}

func TestOperationMissingRequiredInput(t *testing.T) {
	_, err := Load([]byte(`
steps:
  - uses: docker.push
`), t.TempDir(), executor.NewBinding(&recordingExecutor{}), Options{TempDir: t.TempDir()}, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "with.image")
}

func TestStepEnvironmentCarriesDepthSignal(t *testing.T) {
	bctx, exec := load(t, `
steps:
  - run: make all
    env:
      CC: clang
`, Options{Depth: 1, Privileged: true})
	runAll(t, bctx)

	require.Equal(t, 1, exec.count())
	env := exec.commands[0].Env
	assert.Contains(t, env, "CC=clang")
	assert.Contains(t, env, "FORGE_DEPTH=2")
	assert.Contains(t, env, "FORGE_PRIVILEGED=1")
}

// ---------------------------------------------------------------------------
// Artifacts
// ---------------------------------------------------------------------------

func TestLoadDeclaresArtifacts(t *testing.T) {
	bctx, _ := load(t, `
variables:
  version: 1.4.0
artifacts:
  - source: bin/app
    dest: "dist/app-{{ .Var.version }}"
    archive: targz
  - source: docs/
steps:
  - run: make all
`, Options{})

	require.Len(t, bctx.Artifacts, 2)
	assert.Equal(t, "bin/app", bctx.Artifacts[0].Source)
	assert.Equal(t, "dist/app-1.4.0", bctx.Artifacts[0].Dest)
	assert.Equal(t, build.ArchiveTarGz, bctx.Artifacts[0].Archive)
	assert.Equal(t, build.ArchiveNone, bctx.Artifacts[1].Archive)
}

// ---------------------------------------------------------------------------
// Validation and Verify
// ---------------------------------------------------------------------------

func TestLoadRejectsStepWithMultipleOperations(t *testing.T) {
	_, err := Load([]byte(`
steps:
  - run: make all
    shell: make all
`), t.TempDir(), executor.NewBinding(&recordingExecutor{}), Options{TempDir: t.TempDir()}, testLogger())

	var cerr *CompilationError
	require.ErrorAs(t, err, &cerr)
	require.Len(t, cerr.Diagnostics, 1)
	assert.Equal(t, "steps[0]", cerr.Diagnostics[0].Path)
}

func TestLoadRejectsUnknownOperation(t *testing.T) {
	_, err := Load([]byte(`
steps:
  - uses: docker.unknown
`), t.TempDir(), executor.NewBinding(&recordingExecutor{}), Options{TempDir: t.TempDir()}, testLogger())

	var cerr *CompilationError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Error(), "docker.unknown")
}

func TestLoadCollectsAllDiagnostics(t *testing.T) {
	_, err := Load([]byte(`
artifacts:
  - dest: out
steps:
  - uses: docker.unknown
  - name: empty
`), t.TempDir(), executor.NewBinding(&recordingExecutor{}), Options{TempDir: t.TempDir()}, testLogger())

	var cerr *CompilationError
	require.ErrorAs(t, err, &cerr)
	assert.Len(t, cerr.Diagnostics, 3)
}

func TestLoadEnforcesRequiresConstraint(t *testing.T) {
	prev := buildinfo.Version
	buildinfo.Version = "1.2.0"
	defer func() { buildinfo.Version = prev }()

	script := []byte(`
requires: ">= 2.0"
steps:
  - run: make all
`)
	_, err := Load(script, t.TempDir(), executor.NewBinding(&recordingExecutor{}), Options{TempDir: t.TempDir()}, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not satisfy")

	buildinfo.Version = "2.1.0"
	_, err = Load(script, t.TempDir(), executor.NewBinding(&recordingExecutor{}), Options{TempDir: t.TempDir()}, testLogger())
	assert.NoError(t, err)
}

func TestVerifyReportsProblemsWithoutExecuting(t *testing.T) {
	diags := Verify([]byte(`
steps:
  - run: "echo {{ .Var.x"
  - uses: docker.unknown
  - run: make all
    when: "garbage ==="
`))

	require.NotEmpty(t, diags)
	assert.GreaterOrEqual(t, len(diags), 3)
}

func TestVerifyCleanDefinition(t *testing.T) {
	diags := Verify([]byte(`
name: demo
variables:
  image: example/app
artifacts:
  - source: bin/app
    archive: zip
steps:
  - name: compile
    run: go build ./...
  - uses: docker.build
    with:
      image: "{{ .Var.image }}"
    when: profile("release")
`))

	assert.Empty(t, diags)
}

func TestLoadRejectsEmptyDefinition(t *testing.T) {
	_, err := Load([]byte("name: empty\n"), t.TempDir(), executor.NewBinding(&recordingExecutor{}), Options{TempDir: t.TempDir()}, testLogger())

	var cerr *CompilationError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Error(), "at least one step")
}

// ---------------------------------------------------------------------------
// Nested builds
// ---------------------------------------------------------------------------

func TestNestedBuildRunsChildDefinition(t *testing.T) {
	root := t.TempDir()
	childDir := filepath.Join(root, "lib")
	require.NoError(t, os.MkdirAll(childDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(childDir, DefaultScriptName), []byte(`
name: lib
steps:
  - name: compile
    run: go build ./...
`), 0o644))

	exec := &recordingExecutor{}
	bctx, err := Load([]byte(`
name: app
steps:
  - name: build-lib
    uses: build.run
    with:
      dir: lib
`), root, executor.NewBinding(exec), Options{TempDir: t.TempDir()}, testLogger())
	require.NoError(t, err)

	steps := bctx.Registry.Freeze()
	require.Len(t, steps, 1)
	require.NoError(t, steps[0].Action(context.Background()))

	// The child's commands run through the parent's executor binding,
	// rooted in the child directory.
	require.Equal(t, 1, exec.count())
	assert.Equal(t, "go", exec.commands[0].Name)
	assert.Equal(t, childDir, exec.commands[0].Dir)
}

func TestNestedBuildHonorsScriptOverride(t *testing.T) {
	root := t.TempDir()
	childDir := filepath.Join(root, "tools")
	require.NoError(t, os.MkdirAll(childDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(childDir, "release.yaml"), []byte(`
steps:
  - run: make release
`), 0o644))

	exec := &recordingExecutor{}
	bctx, err := Load([]byte(`
steps:
  - uses: build.run
    with:
      dir: tools
      script: release.yaml
`), root, executor.NewBinding(exec), Options{TempDir: t.TempDir()}, testLogger())
	require.NoError(t, err)

	runAll(t, bctx)

	require.Equal(t, 1, exec.count())
	assert.Equal(t, "make", exec.commands[0].Name)
}

func TestNestedBuildFailureNamesFailedStep(t *testing.T) {
	root := t.TempDir()
	childDir := filepath.Join(root, "lib")
	require.NoError(t, os.MkdirAll(childDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(childDir, DefaultScriptName), []byte(`
steps:
  - name: breaks
    run: false
`), 0o644))

	exec := &recordingExecutor{exitCode: 1}
	bctx, err := Load([]byte(`
steps:
  - uses: build.run
    with:
      dir: lib
`), root, executor.NewBinding(exec), Options{TempDir: t.TempDir()}, testLogger())
	require.NoError(t, err)

	steps := bctx.Registry.Freeze()
	require.Len(t, steps, 1)
	err = steps[0].Action(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "breaks")
}
