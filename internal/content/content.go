// Package content abstracts where build definitions are read from: the
// local filesystem for ordinary builds, or a remote repository when a
// nested build script lives outside the checked-out tree.
package content

import (
	"context"
	"errors"
	"io/fs"
	"os"
)

// ErrNotFound reports that the requested file does not exist. Callers
// like the privileged-requirement scanner treat it as "contributes
// nothing", not as a failure.
var ErrNotFound = errors.New("content: file not found")

// Provider fetches file content by ref and path. The meaning of ref is
// provider-specific (a git ref for remote providers; ignored for the
// local filesystem).
type Provider interface {
	GetFileContent(ctx context.Context, ref, path string) ([]byte, error)
}

// Local reads files from the host filesystem.
type Local struct{}

var _ Provider = Local{}

// GetFileContent reads the file at path. ref is ignored.
func (Local) GetFileContent(_ context.Context, _ string, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}
