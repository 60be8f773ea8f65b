// Package artifact copies declared build outputs from the build
// container back to the host after a successful run, optionally packing
// them into a tar.gz or zip archive.
package artifact

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/terrpan/forge/internal/build"
	"github.com/terrpan/forge/internal/buildlog"
)

// Copier streams a container path as a tar archive, the wire format the
// Docker API delivers filesystem content in.
type Copier interface {
	CopyFrom(ctx context.Context, containerPath string) (io.ReadCloser, error)
}

// Extractor copies declared artifacts out of a build container.
type Extractor struct {
	logger buildlog.Logger
}

// New creates an Extractor.
func New(logger buildlog.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract processes every declaration. A nil copier means no
// containerized run occurred, which is a logged no-op. A declaration
// that fails to copy is reported through the returned (joined) error
// and skipped; artifacts already copied are never rolled back --
// extraction runs after the build has succeeded, and partial delivery
// beats discarding a successful build.
//
// The returned count is the number of declarations copied successfully.
func (e *Extractor) Extract(ctx context.Context, decls []build.ArtifactSpec, copier Copier, hostRoot string) (int, error) {
	if copier == nil {
		e.logger.Debug("artifact extraction skipped: no containerized run")
		return 0, nil
	}

	var (
		copied int
		errs   []error
	)
	for _, decl := range decls {
		if err := e.extractOne(ctx, decl, copier, hostRoot); err != nil {
			e.logger.Error("artifact copy failed",
				"source", decl.Source,
				"error", err.Error(),
			)
			errs = append(errs, fmt.Errorf("artifact %s: %w", decl.Source, err))
			continue
		}
		copied++
		e.logger.Info("artifact extracted",
			"source", decl.Source,
			"dest", decl.Dest,
			"archive", string(decl.Archive),
		)
	}
	return copied, errors.Join(errs...)
}

func (e *Extractor) extractOne(ctx context.Context, decl build.ArtifactSpec, copier Copier, hostRoot string) error {
	stream, err := copier.CopyFrom(ctx, decl.Source)
	if err != nil {
		return err
	}
	defer stream.Close()

	switch decl.Archive {
	case build.ArchiveTarGz:
		return writeTarGz(stream, archivePath(hostRoot, decl, ".tar.gz"))
	case build.ArchiveZip:
		return writeZip(stream, archivePath(hostRoot, decl, ".zip"))
	default:
		return untar(stream, filepath.Join(hostRoot, decl.Dest))
	}
}

// archivePath resolves the destination file for an archived artifact.
// When the declared destination is a directory rather than a file path,
// a conventional name derived from the source is used.
func archivePath(hostRoot string, decl build.ArtifactSpec, ext string) string {
	dest := decl.Dest
	if dest == "" || !strings.HasSuffix(dest, ext) {
		base := path.Base(strings.TrimRight(decl.Source, "/"))
		dest = filepath.Join(dest, base+ext)
	}
	return filepath.Join(hostRoot, dest)
}

// writeTarGz compresses the tar stream as delivered; the container copy
// is already tar, so archiving is a host-side gzip pass.
func writeTarGz(stream io.Reader, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, stream); err != nil {
		return fmt.Errorf("compressing: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finalizing gzip: %w", err)
	}
	return out.Close()
}

// writeZip repacks the tar stream into a zip file.
func writeZip(stream io.Reader, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tar stream: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		w, err := zw.Create(hdr.Name)
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, tr); err != nil {
			return fmt.Errorf("writing %s: %w", hdr.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalizing zip: %w", err)
	}
	return out.Close()
}

// untar unpacks the tar stream under destDir, rejecting entries that
// escape it.
func untar(stream io.Reader, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar stream: %w", err)
		}

		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		rel, err := filepath.Rel(destDir, target)
		if err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("tar entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("writing %s: %w", target, err)
			}
			if err := f.Close(); err != nil {
				return err
			}
		default:
			// Symlinks and specials are not extracted.
		}
	}
}
