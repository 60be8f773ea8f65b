// Package buildfile is the script-loading front end: it compiles a YAML
// build definition against an execution context, during which every
// operation declaration appends one deferred step to the registry. No
// command runs during loading.
//
// Definitions carry executable logic resolved at load time: variable
// interpolation (Go templates with sprig functions), boolean conditions
// (expr expressions over variables and profiles), and foreach expansion.
package buildfile

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/Masterminds/sprig/v3"
	"github.com/expr-lang/expr"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/forge/internal/build"
	"github.com/terrpan/forge/internal/buildinfo"
	"github.com/terrpan/forge/internal/buildlog"
	"github.com/terrpan/forge/internal/executor"
)

// Options are the caller-supplied knobs for loading one build.
type Options struct {
	// Configuration is the build configuration name ("Debug", "Release").
	Configuration string

	// Profiles is the activation list; profile matching is
	// case-insensitive.
	Profiles []string

	// Variables override (or extend) the definition's variable map.
	Variables map[string]string

	// TempDir is the build's scratch directory. Required; owned and
	// cleaned up by the caller.
	TempDir string

	// Depth is the nesting level, 0 for a top-level build.
	Depth int

	// Privileged marks that a parent build already enabled privileged
	// container access, so this build inherits it.
	Privileged bool
}

// Load compiles the definition text and returns a populated execution
// context. Construction of the context and evaluation of the script body
// happen atomically from the caller's view: on error the returned
// context is nil and any partially populated registry is discarded with
// it. Failures carry a *CompilationError with the full diagnostic list.
func Load(text []byte, rootDir string, bind *executor.Binding, opts Options, logger buildlog.Logger) (*build.Context, error) {
	raw, err := parse(text)
	if err != nil {
		return nil, err
	}
	if diags := raw.validate(); len(diags) > 0 {
		return nil, &CompilationError{Diagnostics: diags}
	}
	if err := checkRequires(raw.Requires); err != nil {
		return nil, err
	}

	bctx := build.NewContext(rootDir, opts.TempDir, bind, opts.Profiles)
	bctx.Configuration = opts.Configuration
	bctx.Depth = opts.Depth
	bctx.Privileged = opts.Privileged

	for k, v := range raw.Variables {
		bctx.Vars[k] = v
	}
	for k, v := range opts.Variables {
		bctx.Vars[k] = v
	}

	ld := &loader{bctx: bctx, logger: logger}

	for i, a := range raw.Artifacts {
		if err := ld.declareArtifact(a); err != nil {
			return nil, compileErr(fmt.Sprintf("artifacts[%d]", i), "%v", err)
		}
	}
	for i, s := range raw.Steps {
		if err := ld.registerStep(s); err != nil {
			return nil, compileErr(fmt.Sprintf("steps[%d]", i), "%v", err)
		}
	}

	logger.Debug("build definition loaded",
		"name", raw.Name,
		"steps", bctx.Registry.Len(),
		"artifacts", len(bctx.Artifacts),
	)
	return bctx, nil
}

// Verify compiles the definition without evaluating side effects: it
// parses, validates, and checks every template and expression, but
// registers nothing. Intended for pre-flight validation.
func Verify(text []byte) []Diagnostic {
	raw, err := parse(text)
	if err != nil {
		var cerr *CompilationError
		if errors.As(err, &cerr) {
			return cerr.Diagnostics
		}
		return []Diagnostic{{Message: err.Error()}}
	}

	diags := raw.validate()
	if err := checkRequires(raw.Requires); err != nil {
		diags = append(diags, Diagnostic{Path: "requires", Message: err.Error()})
	}

	for i, s := range raw.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		for _, t := range []string{s.Name, s.Run, s.Shell, s.Dir} {
			if err := checkTemplate(t); err != nil {
				diags = append(diags, Diagnostic{Path: path, Message: err.Error()})
			}
		}
		for _, v := range s.With {
			if err := checkTemplate(v); err != nil {
				diags = append(diags, Diagnostic{Path: path, Message: err.Error()})
			}
		}
		if s.When != "" {
			if _, err := expr.Compile(s.When); err != nil {
				diags = append(diags, Diagnostic{Path: path, Message: fmt.Sprintf("when: %v", err)})
			}
		}
		if s.Foreach.Expr != "" {
			if _, err := expr.Compile(s.Foreach.Expr); err != nil {
				diags = append(diags, Diagnostic{Path: path, Message: fmt.Sprintf("foreach: %v", err)})
			}
		}
	}
	return diags
}

func parse(text []byte) (*rawBuildfile, error) {
	var raw rawBuildfile
	dec := yaml.NewDecoder(bytes.NewReader(text))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, compileErr("", "invalid YAML: %v", err)
	}
	return &raw, nil
}

// checkRequires enforces the definition's engine version constraint.
// Development builds ("dev") satisfy every constraint.
func checkRequires(constraint string) error {
	if constraint == "" || buildinfo.Version == "dev" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return compileErr("requires", "invalid constraint %q: %v", constraint, err)
	}
	v, err := semver.NewVersion(strings.TrimPrefix(buildinfo.Version, "v"))
	if err != nil {
		return nil
	}
	if !c.Check(v) {
		return compileErr("requires", "engine version %s does not satisfy %q", buildinfo.Version, constraint)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Step registration
// ---------------------------------------------------------------------------

type loader struct {
	bctx   *build.Context
	logger buildlog.Logger
}

// tmplData is the data every template in a definition renders against.
type tmplData struct {
	Var           map[string]string
	Item          string
	Root          string
	Configuration string
	OS            string
}

func (ld *loader) data(item string) tmplData {
	return tmplData{
		Var:           ld.bctx.Vars,
		Item:          item,
		Root:          ld.bctx.RootDir,
		Configuration: ld.bctx.Configuration,
		OS:            runtime.GOOS,
	}
}

// exprEnv is the environment when/foreach expressions evaluate against.
func (ld *loader) exprEnv(item string) map[string]any {
	return map[string]any{
		"vars":          ld.bctx.Vars,
		"item":          item,
		"os":            runtime.GOOS,
		"configuration": ld.bctx.Configuration,
		"profile":       ld.bctx.ProfileActive,
	}
}

func (ld *loader) declareArtifact(a rawArtifact) error {
	source, err := ld.render(a.Source, "")
	if err != nil {
		return err
	}
	dest, err := ld.render(a.Dest, "")
	if err != nil {
		return err
	}
	return ld.bctx.DeclareArtifact(build.ArtifactSpec{
		Source:  source,
		Dest:    dest,
		Archive: build.ArchiveFormat(a.Archive),
	})
}

// registerStep resolves profiles, conditions, and foreach expansion for
// one raw step and appends the resulting step(s) to the registry.
func (ld *loader) registerStep(s rawStep) error {
	if len(s.Profiles) > 0 && !ld.anyProfileActive(s.Profiles) {
		ld.logger.Debug("step excluded by profiles", "step", s.label())
		return nil
	}

	items := []string{""}
	if !s.Foreach.empty() {
		expanded, err := ld.expandForeach(s.Foreach)
		if err != nil {
			return err
		}
		items = expanded
	}

	for _, item := range items {
		include, err := ld.evalWhen(s.When, item)
		if err != nil {
			return err
		}
		if !include {
			ld.logger.Debug("step excluded by condition", "step", s.label())
			continue
		}
		if err := ld.registerOne(s, item); err != nil {
			return err
		}
	}
	return nil
}

func (ld *loader) registerOne(s rawStep, item string) error {
	r, err := ld.resolveRequest(s, item)
	if err != nil {
		return err
	}

	var step build.Step
	switch {
	case s.Run != "":
		command, err := ld.render(s.Run, item)
		if err != nil {
			return err
		}
		step, err = runOp(r, command)
		if err != nil {
			return err
		}
	case s.Shell != "":
		script, err := ld.render(s.Shell, item)
		if err != nil {
			return err
		}
		step, err = shellOp(r, script)
		if err != nil {
			return err
		}
	default:
		step, err = operations[s.Uses](r)
		if err != nil {
			return err
		}
	}

	return ld.bctx.Registry.Append(step)
}

func (ld *loader) resolveRequest(s rawStep, item string) (opRequest, error) {
	name, err := ld.render(s.label(), item)
	if err != nil {
		return opRequest{}, err
	}
	dir, err := ld.render(s.Dir, item)
	if err != nil {
		return opRequest{}, err
	}

	with := make(map[string]string, len(s.With))
	for k, v := range s.With {
		rendered, err := ld.render(v, item)
		if err != nil {
			return opRequest{}, err
		}
		with[k] = rendered
	}

	env := make(map[string]string, len(s.Env))
	for k, v := range s.Env {
		rendered, err := ld.render(v, item)
		if err != nil {
			return opRequest{}, err
		}
		env[k] = rendered
	}

	return opRequest{
		bctx:    ld.bctx,
		logger:  ld.logger,
		name:    name,
		with:    with,
		dir:     dir,
		env:     env,
		timeout: time.Duration(s.TimeoutSeconds) * time.Second,
	}, nil
}

func (ld *loader) anyProfileActive(profiles []string) bool {
	for _, p := range profiles {
		if ld.bctx.ProfileActive(p) {
			return true
		}
	}
	return false
}

func (ld *loader) evalWhen(condition, item string) (bool, error) {
	if condition == "" {
		return true, nil
	}
	out, err := expr.Eval(condition, ld.exprEnv(item))
	if err != nil {
		return false, fmt.Errorf("when %q: %w", condition, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("when %q: expected a boolean, got %T", condition, out)
	}
	return b, nil
}

func (ld *loader) expandForeach(f foreach) ([]string, error) {
	if len(f.Items) > 0 {
		items := make([]string, len(f.Items))
		for i, raw := range f.Items {
			rendered, err := ld.render(raw, "")
			if err != nil {
				return nil, err
			}
			items[i] = rendered
		}
		return items, nil
	}

	out, err := expr.Eval(f.Expr, ld.exprEnv(""))
	if err != nil {
		return nil, fmt.Errorf("foreach %q: %w", f.Expr, err)
	}
	switch v := out.(type) {
	case []string:
		return v, nil
	case []any:
		items := make([]string, len(v))
		for i, e := range v {
			items[i] = fmt.Sprint(e)
		}
		return items, nil
	default:
		return nil, fmt.Errorf("foreach %q: expected a list, got %T", f.Expr, out)
	}
}

// render interpolates a template string against the build's variables.
func (ld *loader) render(text, item string) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New("buildfile").Funcs(sprig.TxtFuncMap()).Parse(text)
	if err != nil {
		return "", fmt.Errorf("template %q: %w", text, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ld.data(item)); err != nil {
		return "", fmt.Errorf("template %q: %w", text, err)
	}
	return buf.String(), nil
}

func checkTemplate(text string) error {
	if !strings.Contains(text, "{{") {
		return nil
	}
	_, err := template.New("buildfile").Funcs(sprig.TxtFuncMap()).Parse(text)
	if err != nil {
		return fmt.Errorf("template %q: %w", text, err)
	}
	return nil
}
