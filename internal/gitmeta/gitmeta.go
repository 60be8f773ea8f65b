// Package gitmeta derives build variables from the project's git
// repository so definitions can interpolate the commit, branch, and
// remote without shelling out.
package gitmeta

import (
	"log/slog"

	git "github.com/go-git/go-git/v5"
)

// Variables returns the git-derived variable map for the repository
// containing root: git_commit, git_short_commit, git_branch, and
// git_remote when available. A directory that is not a git repository
// yields an empty map; builds do not require version control.
func Variables(root string, logger *slog.Logger) map[string]string {
	vars := make(map[string]string)

	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		logger.Debug("no git repository detected", slog.String("root", root))
		return vars
	}

	head, err := repo.Head()
	if err != nil {
		logger.Debug("git repository has no HEAD", slog.String("error", err.Error()))
		return vars
	}

	commit := head.Hash().String()
	vars["git_commit"] = commit
	if len(commit) >= 8 {
		vars["git_short_commit"] = commit[:8]
	}
	if head.Name().IsBranch() {
		vars["git_branch"] = head.Name().Short()
	}

	if remote, err := repo.Remote(git.DefaultRemoteName); err == nil {
		if urls := remote.Config().URLs; len(urls) > 0 {
			vars["git_remote"] = urls[0]
		}
	}

	return vars
}
