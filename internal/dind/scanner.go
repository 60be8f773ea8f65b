// Package dind statically determines whether a build definition, or any
// build definition it nests, declares operations that need privileged
// container access (a container runtime available inside the build
// container).
//
// The scan is textual on purpose: it matches operation declarations via
// literal patterns without understanding comments or string literals, so
// a commented-out privileged operation is still detected. The bias is
// fail-safe toward enabling privileged mode, not toward validating the
// script.
package dind

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/terrpan/forge/internal/buildfile"
	"github.com/terrpan/forge/internal/content"
)

// privilegedOps is the fixed allowlist of operation identifiers that
// require access to a container runtime. Keys are lower-case.
var privilegedOps = map[string]string{
	"docker.build": "docker.build",
	"docker.push":  "docker.push",
	"docker.pull":  "docker.pull",
	"docker.tag":   "docker.tag",
	"docker.login": "docker.login",
	"compose.up":   "compose.up",
	"compose.down": "compose.down",
}

var (
	// usesPattern matches operation declarations: `uses: docker.build`.
	// The leading class swallows comment markers and the list dash, so
	// a commented-out declaration still matches.
	usesPattern = regexp.MustCompile(`(?mi)^[#\s]*-?\s*uses:\s*"?([A-Za-z0-9_.-]+)"?`)

	// runDockerPattern matches raw command steps that invoke the
	// docker CLI directly: `run: docker build -t img .`.
	runDockerPattern = regexp.MustCompile(`(?mi)^[#\s]*-?\s*(?:run|shell):.*\bdocker\s+(build|push|pull|login|tag)\b`)

	// dirPattern matches any `dir:` value; each one is treated as a
	// candidate nested-build directory. Over-matching is fine: a
	// directory without a build script contributes nothing.
	dirPattern = regexp.MustCompile(`(?mi)^\s*dir:\s*"?([^"#\n]+?)"?\s*$`)

	// scriptPattern matches `script:` overrides on nested-build steps.
	scriptPattern = regexp.MustCompile(`(?mi)^\s*script:\s*"?([^"#\n]+?)"?\s*$`)
)

// Set is a deduplicated, case-insensitive set of operation identifiers.
type Set map[string]struct{}

// Add inserts id in canonical (lower-case) form.
func (s Set) Add(id string) {
	s[strings.ToLower(id)] = struct{}{}
}

// Has reports whether id is in the set.
func (s Set) Has(id string) bool {
	_, ok := s[strings.ToLower(id)]
	return ok
}

// Values returns the identifiers in sorted order.
func (s Set) Values() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Scanner walks a build definition and its reachable nested definitions.
type Scanner struct {
	provider content.Provider
	logger   *slog.Logger
}

// New creates a Scanner that reads scripts through provider.
func New(provider content.Provider, logger *slog.Logger) *Scanner {
	return &Scanner{provider: provider, logger: logger}
}

// Scan reads the script at scriptPath and every nested build definition
// reachable from it, returning the union of privileged operation
// identifiers found at any depth. Scanning is read-only: it mutates no
// build state and may be called any number of times with identical
// results.
//
// Traversal keeps a visited set of absolute script paths; a path already
// in the set terminates that branch, which handles direct and indirect
// cycles (including a child referencing its own parent). A missing
// nested script is not an error -- that branch contributes nothing.
func (s *Scanner) Scan(ctx context.Context, scriptPath string) (Set, error) {
	abs, err := filepath.Abs(scriptPath)
	if err != nil {
		return nil, err
	}

	result := make(Set)
	visited := make(map[string]bool)
	s.scan(ctx, abs, result, visited)
	return result, nil
}

func (s *Scanner) scan(ctx context.Context, scriptPath string, result Set, visited map[string]bool) {
	if visited[scriptPath] {
		return
	}
	visited[scriptPath] = true

	data, err := s.provider.GetFileContent(ctx, "", scriptPath)
	if err != nil {
		if !errors.Is(err, content.ErrNotFound) {
			s.logger.Debug("scan: unreadable script",
				slog.String("path", scriptPath),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	text := string(data)

	for _, m := range usesPattern.FindAllStringSubmatch(text, -1) {
		if id, ok := privilegedOps[strings.ToLower(m[1])]; ok {
			result.Add(id)
		}
	}

	for _, m := range runDockerPattern.FindAllStringSubmatch(text, -1) {
		result.Add("docker." + strings.ToLower(m[1]))
	}

	// Candidate nested builds: every dir value, resolved relative to
	// the current script's directory, combined with the default script
	// name and every script override seen in this file. The cross
	// product over-approximates, which only costs extra not-found
	// reads.
	names := []string{buildfile.DefaultScriptName}
	for _, m := range scriptPattern.FindAllStringSubmatch(text, -1) {
		if name := strings.TrimSpace(m[1]); name != "" {
			names = append(names, name)
		}
	}

	base := filepath.Dir(scriptPath)
	for _, m := range dirPattern.FindAllStringSubmatch(text, -1) {
		dir := strings.TrimSpace(m[1])
		if dir == "" {
			continue
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(base, dir)
		}
		for _, name := range names {
			s.scan(ctx, filepath.Join(dir, name), result, visited)
		}
	}
}
