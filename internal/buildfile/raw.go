package buildfile

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// DefaultScriptName is the conventional build definition filename at the
// project root (or a subdirectory, for nested builds).
const DefaultScriptName = "forge.yaml"

// rawBuildfile is the unvalidated YAML shape of a build definition.
type rawBuildfile struct {
	Name      string            `yaml:"name"`
	Requires  string            `yaml:"requires"`
	Variables map[string]string `yaml:"variables"`
	Artifacts []rawArtifact     `yaml:"artifacts"`
	Steps     []rawStep         `yaml:"steps"`
}

type rawArtifact struct {
	Source  string `yaml:"source"`
	Dest    string `yaml:"dest"`
	Archive string `yaml:"archive"`
}

// rawStep is one step declaration. Exactly one of Run, Shell, or Uses
// selects the operation; everything else modifies it.
type rawStep struct {
	Name           string            `yaml:"name"`
	Run            string            `yaml:"run"`
	Shell          string            `yaml:"shell"`
	Uses           string            `yaml:"uses"`
	With           map[string]string `yaml:"with"`
	Dir            string            `yaml:"dir"`
	Env            map[string]string `yaml:"env"`
	TimeoutSeconds int64             `yaml:"timeout_seconds"`
	When           string            `yaml:"when"`
	Foreach        foreach           `yaml:"foreach"`
	Profiles       []string          `yaml:"profiles"`
}

// foreach accepts either a YAML list of items or an expression string
// that evaluates to a list at load time.
type foreach struct {
	Items []string
	Expr  string
}

// UnmarshalYAML supports both the list form and the expression
// shorthand.
func (f *foreach) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&f.Expr)
	case yaml.SequenceNode:
		return node.Decode(&f.Items)
	default:
		return fmt.Errorf("foreach must be a list or an expression string")
	}
}

func (f foreach) empty() bool {
	return len(f.Items) == 0 && f.Expr == ""
}

func (a rawArtifact) validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Source, validation.Required),
		validation.Field(&a.Archive, validation.In("", "none", "targz", "zip")),
	)
}

func (s rawStep) validate() error {
	declared := 0
	for _, op := range []string{s.Run, s.Shell, s.Uses} {
		if op != "" {
			declared++
		}
	}
	if declared != 1 {
		return fmt.Errorf("a step declares exactly one of run, shell, or uses")
	}
	if s.Uses != "" && !KnownOperation(s.Uses) {
		return fmt.Errorf("unknown operation %q", s.Uses)
	}
	return validation.ValidateStruct(&s,
		validation.Field(&s.TimeoutSeconds, validation.Min(0)),
	)
}

// validate checks the whole raw definition, collecting every problem
// rather than stopping at the first.
func (b rawBuildfile) validate() []Diagnostic {
	var diags []Diagnostic

	if len(b.Steps) == 0 {
		diags = append(diags, Diagnostic{Path: "steps", Message: "at least one step is required"})
	}
	for i, s := range b.Steps {
		if err := s.validate(); err != nil {
			diags = append(diags, Diagnostic{
				Path:    fmt.Sprintf("steps[%d]", i),
				Message: err.Error(),
			})
		}
	}
	for i, a := range b.Artifacts {
		if err := a.validate(); err != nil {
			diags = append(diags, Diagnostic{
				Path:    fmt.Sprintf("artifacts[%d]", i),
				Message: err.Error(),
			})
		}
	}
	return diags
}

// label returns the step's display name, falling back to whatever
// identifies the operation.
func (s rawStep) label() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Uses != "":
		return s.Uses
	case s.Run != "":
		return s.Run
	default:
		return s.Shell
	}
}
