// Package build holds the per-build data model: the execution context, the
// ordered step registry, and the result types the workflow runner produces.
package build

import (
	"fmt"
	"strings"

	"github.com/terrpan/forge/internal/executor"
)

// ArchiveFormat selects how an artifact is packaged on the host side.
type ArchiveFormat string

const (
	ArchiveNone  ArchiveFormat = "none"
	ArchiveTarGz ArchiveFormat = "targz"
	ArchiveZip   ArchiveFormat = "zip"
)

// ArtifactSpec declares one output to copy back to the host after a
// successful containerized run. Source is relative to the project root as
// the container sees it; Dest is relative to the host output root.
type ArtifactSpec struct {
	Source  string
	Dest    string
	Archive ArchiveFormat
}

// Context is the execution context for one build: path handles, the
// mutable variable map, caller-supplied options, the step registry, and
// the executor binding operations resolve commands through.
//
// A Context is created once per build and owned exclusively by that
// build's worker. After script load begins only the variable map is
// mutated (operations may set variables during load and execution).
type Context struct {
	// RootDir is the project root on the host.
	RootDir string

	// TempDir is a scratch directory removed when the build ends.
	TempDir string

	// Configuration is the caller-selected configuration name
	// (e.g. "Debug", "Release").
	Configuration string

	// Vars is the build variable map. Operations may read and write it.
	Vars map[string]string

	// Artifacts collects declarations made during script load. They are
	// consumed by the extractor only after a successful run.
	Artifacts []ArtifactSpec

	// Registry is the ordered sequence of deferred steps.
	Registry *Registry

	// Executor resolves the active command backend.
	Executor *executor.Binding

	// Depth is the nesting level of this build (0 for a top-level
	// build). Propagated to children so their log output nests.
	Depth int

	// Privileged records that this build runs with access to a
	// container runtime, either because the requirement scan demanded
	// it or because a parent build already enabled it.
	Privileged bool

	profiles map[string]bool
}

// NewContext creates a Context with the given active profiles. Profile
// names are case-insensitive; duplicates collapse into one profile.
func NewContext(rootDir, tempDir string, bind *executor.Binding, activeProfiles []string) *Context {
	profiles := make(map[string]bool, len(activeProfiles))
	for _, p := range activeProfiles {
		profiles[strings.ToLower(p)] = true
	}
	return &Context{
		RootDir:  rootDir,
		TempDir:  tempDir,
		Vars:     make(map[string]string),
		Registry: NewRegistry(),
		Executor: bind,
		profiles: profiles,
	}
}

// ProfileActive reports whether the named profile was activated by the
// caller. Matching is case-insensitive.
func (c *Context) ProfileActive(name string) bool {
	return c.profiles[strings.ToLower(name)]
}

// Profiles returns the active profile names in no particular order.
func (c *Context) Profiles() []string {
	out := make([]string, 0, len(c.profiles))
	for p := range c.profiles {
		out = append(out, p)
	}
	return out
}

// DeclareArtifact records an artifact declaration made during script load.
func (c *Context) DeclareArtifact(spec ArtifactSpec) error {
	switch spec.Archive {
	case ArchiveNone, ArchiveTarGz, ArchiveZip:
	case "":
		spec.Archive = ArchiveNone
	default:
		return fmt.Errorf("unknown archive format %q", spec.Archive)
	}
	if spec.Source == "" {
		return fmt.Errorf("artifact declaration has empty source")
	}
	c.Artifacts = append(c.Artifacts, spec)
	return nil
}
