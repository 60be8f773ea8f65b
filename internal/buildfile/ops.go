package buildfile

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	shlex "github.com/flynn-archive/go-shlex"

	"github.com/terrpan/forge/internal/build"
	"github.com/terrpan/forge/internal/buildlog"
	"github.com/terrpan/forge/internal/executor"
	"github.com/terrpan/forge/internal/runner"
)

// opRequest carries everything an operation needs to build its deferred
// step at declaration time. Nothing in here runs until the workflow
// runner invokes the step's action.
type opRequest struct {
	bctx   *build.Context
	logger buildlog.Logger

	name    string
	with    map[string]string
	dir     string
	env     map[string]string
	timeout time.Duration
}

type opFunc func(r opRequest) (build.Step, error)

// operations maps operation identifiers to their step builders. The
// docker and compose namespaces are flagged as privilege-requiring by
// the dind scanner's allowlist.
var operations = map[string]opFunc{
	"docker.build": dockerBuildOp,
	"docker.push":  dockerPushOp,
	"docker.pull":  dockerPullOp,
	"docker.tag":   dockerTagOp,
	"docker.login": dockerLoginOp,
	"compose.up":   composeUpOp,
	"compose.down": composeDownOp,
	"git.clone":    gitCloneOp,
	"git.checkout": gitCheckoutOp,
	"git.tag":      gitTagOp,
}

// build.run is registered here rather than in the composite literal:
// nested builds load child definitions through Load, which consults
// this map, and the compiler rejects that reference cycle in an
// initializer.
func init() {
	operations["build.run"] = nestedBuildOp
}

// KnownOperation reports whether id names a registered operation.
func KnownOperation(id string) bool {
	_, ok := operations[id]
	return ok
}

// ---------------------------------------------------------------------------
// Process operations (run / shell)
// ---------------------------------------------------------------------------

// processStep builds a step that runs an argv-form command through
// whichever executor is active when the step executes.
func processStep(r opRequest, display string, argv []string) build.Step {
	bctx := r.bctx
	return build.Step{
		Name:    r.name,
		Context: display,
		Action: func(ctx context.Context) error {
			return runCommand(ctx, bctx, executor.Command{
				Name:    argv[0],
				Args:    argv[1:],
				Dir:     r.workDir(),
				Env:     r.cmdEnv(),
				Timeout: r.timeout,
			}, r.name, r.logger)
		},
	}
}

func runOp(r opRequest, command string) (build.Step, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return build.Step{}, fmt.Errorf("parsing command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return build.Step{}, fmt.Errorf("empty command")
	}
	return processStep(r, command, argv), nil
}

func shellOp(r opRequest, script string) (build.Step, error) {
	if script == "" {
		return build.Step{}, fmt.Errorf("empty shell script")
	}
	return processStep(r, script, []string{"/bin/sh", "-c", script}), nil
}

// runCommand resolves the active executor through the binding captured
// at declaration time, runs the command, and maps a non-zero exit code
// to a step execution error.
func runCommand(ctx context.Context, bctx *build.Context, cmd executor.Command, step string, logger buildlog.Logger) error {
	res, err := bctx.Executor.Current().Run(ctx, cmd)
	if res.Stdout != "" {
		logger.Debug("command output", "step", step, "stdout", res.Stdout)
	}
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &build.StepError{Step: step, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return nil
}

// workDir resolves the step's working directory against the project root.
func (r opRequest) workDir() string {
	if r.dir == "" {
		return r.bctx.RootDir
	}
	if filepath.IsAbs(r.dir) {
		return r.dir
	}
	return filepath.Join(r.bctx.RootDir, r.dir)
}

// cmdEnv merges the step's environment with the nesting-depth and
// privileged-mode signals child processes consume.
func (r opRequest) cmdEnv() []string {
	keys := make([]string, 0, len(r.env))
	for k := range r.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys)+2)
	for _, k := range keys {
		env = append(env, k+"="+r.env[k])
	}
	env = append(env, "FORGE_DEPTH="+strconv.Itoa(r.bctx.Depth+1))
	if r.bctx.Privileged {
		env = append(env, "FORGE_PRIVILEGED=1")
	}
	return env
}

func (r opRequest) require(key string) (string, error) {
	v := r.with[key]
	if v == "" {
		return "", fmt.Errorf("operation requires with.%s", key)
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// Docker namespace
// ---------------------------------------------------------------------------

func dockerCLIStep(r opRequest, display string, args []string) build.Step {
	return processStep(r, display, append([]string{"docker"}, args...))
}

func dockerBuildOp(r opRequest) (build.Step, error) {
	image, err := r.require("image")
	if err != nil {
		return build.Step{}, err
	}
	buildCtx := r.with["context"]
	if buildCtx == "" {
		buildCtx = "."
	}
	args := []string{"build", "-t", image}
	if file := r.with["file"]; file != "" {
		args = append(args, "-f", file)
	}
	args = append(args, buildCtx)
	return dockerCLIStep(r, "docker build -t "+image, args), nil
}

func dockerPushOp(r opRequest) (build.Step, error) {
	image, err := r.require("image")
	if err != nil {
		return build.Step{}, err
	}
	return dockerCLIStep(r, "docker push "+image, []string{"push", image}), nil
}

func dockerPullOp(r opRequest) (build.Step, error) {
	image, err := r.require("image")
	if err != nil {
		return build.Step{}, err
	}
	return dockerCLIStep(r, "docker pull "+image, []string{"pull", image}), nil
}

func dockerTagOp(r opRequest) (build.Step, error) {
	source, err := r.require("source")
	if err != nil {
		return build.Step{}, err
	}
	target, err := r.require("target")
	if err != nil {
		return build.Step{}, err
	}
	return dockerCLIStep(r, "docker tag "+source+" "+target, []string{"tag", source, target}), nil
}

func dockerLoginOp(r opRequest) (build.Step, error) {
	registry := r.with["registry"]
	username, err := r.require("username")
	if err != nil {
		return build.Step{}, err
	}
	password, err := r.require("password")
	if err != nil {
		return build.Step{}, err
	}

	args := []string{"login", "-u", username, "--password-stdin"}
	if registry != "" {
		args = append(args, registry)
	}

	bctx := r.bctx
	display := "docker login"
	if registry != "" {
		display += " " + registry
	}
	return build.Step{
		Name:    r.name,
		Context: display,
		Action: func(ctx context.Context) error {
			// The password goes through stdin, never the argv.
			return runCommand(ctx, bctx, executor.Command{
				Name:    "docker",
				Args:    args,
				Dir:     r.workDir(),
				Env:     r.cmdEnv(),
				Stdin:   passwordReader(password),
				Timeout: r.timeout,
			}, r.name, r.logger)
		},
	}, nil
}

func passwordReader(password string) io.Reader {
	return strings.NewReader(password)
}

// ---------------------------------------------------------------------------
// Compose namespace
// ---------------------------------------------------------------------------

func composeArgs(r opRequest, verb string, extra ...string) []string {
	args := []string{"compose"}
	if file := r.with["file"]; file != "" {
		args = append(args, "-f", file)
	}
	args = append(args, verb)
	return append(args, extra...)
}

func composeUpOp(r opRequest) (build.Step, error) {
	return dockerCLIStep(r, "docker compose up", composeArgs(r, "up", "-d", "--wait")), nil
}

func composeDownOp(r opRequest) (build.Step, error) {
	return dockerCLIStep(r, "docker compose down", composeArgs(r, "down", "-v")), nil
}

// ---------------------------------------------------------------------------
// Git namespace
// ---------------------------------------------------------------------------

func gitCloneOp(r opRequest) (build.Step, error) {
	url, err := r.require("url")
	if err != nil {
		return build.Step{}, err
	}
	args := []string{"clone"}
	if ref := r.with["ref"]; ref != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, url)
	if dest := r.with["dest"]; dest != "" {
		args = append(args, dest)
	}
	return processStep(r, "git clone "+url, append([]string{"git"}, args...)), nil
}

func gitCheckoutOp(r opRequest) (build.Step, error) {
	ref, err := r.require("ref")
	if err != nil {
		return build.Step{}, err
	}
	return processStep(r, "git checkout "+ref, []string{"git", "checkout", ref}), nil
}

func gitTagOp(r opRequest) (build.Step, error) {
	tag, err := r.require("tag")
	if err != nil {
		return build.Step{}, err
	}
	args := []string{"git", "tag", tag}
	if msg := r.with["message"]; msg != "" {
		args = []string{"git", "tag", "-a", tag, "-m", msg}
	}
	return processStep(r, "git tag "+tag, args), nil
}

// ---------------------------------------------------------------------------
// Nested builds
// ---------------------------------------------------------------------------

// nestedBuildOp registers a step that loads and runs a child build
// definition in-process. The child inherits the parent's executor
// binding, its privileged mode, and logs one indent level deeper.
func nestedBuildOp(r opRequest) (build.Step, error) {
	dir, err := r.require("dir")
	if err != nil {
		return build.Step{}, err
	}
	script := r.with["script"]
	if script == "" {
		script = DefaultScriptName
	}

	parent := r.bctx
	logger := r.logger
	return build.Step{
		Name:    r.name,
		Context: "build " + dir,
		Action: func(ctx context.Context) error {
			root := dir
			if !filepath.IsAbs(root) {
				root = filepath.Join(parent.RootDir, dir)
			}
			path := filepath.Join(root, script)

			text, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading nested build script %s: %w", path, err)
			}

			tempDir, err := os.MkdirTemp("", "forge-nested-*")
			if err != nil {
				return fmt.Errorf("creating nested build temp dir: %w", err)
			}
			defer os.RemoveAll(tempDir)

			childLog := logger.WithDepth(parent.Depth + 1)
			child, err := Load(text, root, parent.Executor, Options{
				Configuration: parent.Configuration,
				Profiles:      parent.Profiles(),
				TempDir:       tempDir,
				Depth:         parent.Depth + 1,
				Privileged:    parent.Privileged,
			}, childLog)
			if err != nil {
				return fmt.Errorf("loading nested build %s: %w", dir, err)
			}

			res := runner.New(runner.Config{Logger: childLog}).Run(ctx, dir, child)
			if !res.Succeeded() {
				return fmt.Errorf("nested build %s %s at step %q", dir, res.Status, res.FailedStep)
			}
			return nil
		},
	}, nil
}
