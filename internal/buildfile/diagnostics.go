package buildfile

import (
	"fmt"
	"strings"
)

// Diagnostic is one load-time problem in a build definition.
type Diagnostic struct {
	// Path locates the problem ("steps[3]", "artifacts[0]", "requires").
	Path    string
	Message string
}

func (d Diagnostic) String() string {
	if d.Path == "" {
		return d.Message
	}
	return fmt.Sprintf("%s: %s", d.Path, d.Message)
}

// CompilationError reports that a build definition failed to load. It is
// fatal to the load phase: the step registry may be partially populated
// and must be discarded along with the context.
type CompilationError struct {
	Diagnostics []Diagnostic
}

func (e *CompilationError) Error() string {
	msgs := make([]string, len(e.Diagnostics))
	for i, d := range e.Diagnostics {
		msgs[i] = d.String()
	}
	return fmt.Sprintf("build definition failed to compile: %s", strings.Join(msgs, "; "))
}

func compileErr(path, format string, args ...any) *CompilationError {
	return &CompilationError{Diagnostics: []Diagnostic{{
		Path:    path,
		Message: fmt.Sprintf(format, args...),
	}}}
}
