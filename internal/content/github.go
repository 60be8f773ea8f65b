package content

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v45/github"
	"golang.org/x/oauth2"
)

// GitHub fetches file content from a GitHub repository. It is used to
// resolve nested build scripts that live in a remote repository rather
// than the local checkout.
type GitHub struct {
	client *github.Client
	owner  string
	repo   string
}

var _ Provider = (*GitHub)(nil)

// NewGitHub creates a provider for owner/repo. token may be empty for
// public repositories.
func NewGitHub(ctx context.Context, owner, repo, token string) *GitHub {
	var httpClient *http.Client
	if token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(ctx, src)
	}
	return &GitHub{
		client: github.NewClient(httpClient),
		owner:  owner,
		repo:   repo,
	}
}

// GetFileContent fetches path at ref (a branch, tag, or commit SHA; the
// repository default branch when empty).
func (g *GitHub) GetFileContent(ctx context.Context, ref, path string) ([]byte, error) {
	opts := &github.RepositoryContentGetOptions{Ref: ref}

	file, _, resp, err := g.client.Repositories.GetContents(ctx, g.owner, g.repo, path, opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("github contents %s@%s: %w", path, ref, err)
	}
	if file == nil {
		// The path resolved to a directory.
		return nil, ErrNotFound
	}

	text, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decoding github content %s: %w", path, err)
	}
	return []byte(text), nil
}
