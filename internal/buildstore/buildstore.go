// Package buildstore manages the on-disk tree of extracted build versions
// that the supervisor spawns game-server executables out of.
//
// Layout: <root>/<version>/... where <version> is an opaque directory name
// chosen by the uploader. Ingest is not atomic: the zip is extracted
// directly under its own version directory, and nothing serializes two
// uploads of the same version name. A half-extracted directory from a
// failed upload is left in place deliberately — re-uploading the same
// version name overwrites the files it contains, and Purge can always
// clean it up.
package buildstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/siegeup/serverlauncher/internal/osutil"
)

// ErrNotFound is returned by FindExecutable when a version directory has no
// candidate executable under it.
var ErrNotFound = errors.New("no executable found in build version")

// crashHandlerMarker excludes the Unity crash-reporter helper binary, which
// sits alongside the real server executable in every Unity Linux/Windows
// build and is never what the supervisor should launch.
const crashHandlerMarker = "UnityCrashHandler"

// Store is the build-version directory tree rooted at <base>/builds.
type Store struct {
	root string
	fs   osutil.FileOps
}

// New returns a Store rooted at root. The caller is responsible for the
// root directory existing or calling EnsureRoot.
func New(root string, fs osutil.FileOps) *Store {
	return &Store{root: root, fs: fs}
}

// EnsureRoot creates the build root directory if it does not already exist.
func (s *Store) EnsureRoot() error {
	return s.fs.MkdirAll(s.root, 0o750)
}

// VersionDir returns the directory a given version is (or would be)
// extracted into.
func (s *Store) VersionDir(version string) string {
	return filepath.Join(s.root, version)
}

// Ingest extracts the zip archive at archivePath into <root>/<version>/.
// Any regular file discovered that looks like a server executable (see
// FindExecutable's criteria) is chmod'd owner-rwx, group/other-rx. The
// archive file at archivePath is removed once extraction succeeds;
// callers are expected to have written the uploaded stream there first.
func (s *Store) Ingest(ctx context.Context, version, archivePath string) error {
	if version == "" {
		return fmt.Errorf("buildstore: version must not be empty")
	}

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("buildstore: open archive: %w", err)
	}
	defer zr.Close()

	destRoot := s.VersionDir(version)
	if err := s.fs.MkdirAll(destRoot, 0o750); err != nil {
		return fmt.Errorf("buildstore: mkdir %s: %w", destRoot, err)
	}

	for _, f := range zr.File {
		if err := extractEntry(destRoot, f); err != nil {
			return fmt.Errorf("buildstore: extract %s: %w", f.Name, err)
		}
	}

	if err := markExecutables(destRoot); err != nil {
		slog.ErrorContext(ctx, "buildstore.Ingest markExecutables", "error", err, "version", version)
	}

	if err := os.Remove(archivePath); err != nil {
		slog.WarnContext(ctx, "buildstore.Ingest: failed to remove temp archive", "error", err, "path", archivePath)
	}

	slog.InfoContext(ctx, "buildstore.Ingest complete", "version", version, "dest", destRoot)
	return nil
}

// extractEntry writes a single zip entry under destRoot, refusing to
// escape destRoot via a path-traversal entry name.
func extractEntry(destRoot string, f *zip.File) error {
	cleanName := filepath.Clean(f.Name)
	if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
		return fmt.Errorf("unsafe archive entry name %q", f.Name)
	}
	target := filepath.Join(destRoot, cleanName)

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o750)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

// markExecutables walks the extracted tree and chmods any file that looks
// like a server executable so it can actually be exec'd.
func markExecutables(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if looksExecutable(info.Name()) {
			return os.Chmod(path, 0o755)
		}
		return nil
	})
}

func looksExecutable(name string) bool {
	if strings.Contains(name, crashHandlerMarker) {
		return false
	}
	return strings.HasSuffix(name, ".exe") || strings.HasSuffix(name, ".x86_64")
}

// FindExecutable performs a depth-first walk of <root>/<version> and
// returns the first regular file whose name does not contain
// "UnityCrashHandler" and ends with ".exe" or ".x86_64". Entries within a
// directory are visited in lexical order (filepath.Walk), so the search is
// deterministic for a fixed filesystem state.
func (s *Store) FindExecutable(version string) (string, error) {
	root := s.VersionDir(version)
	if _, err := os.Stat(root); err != nil {
		return "", ErrNotFound
	}

	found := ""
	walkErr := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if found != "" {
			return filepath.SkipDir
		}
		if info.IsDir() {
			return nil
		}
		if looksExecutable(info.Name()) {
			found = path
			return filepath.SkipDir
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, filepath.SkipDir) {
		return "", fmt.Errorf("buildstore: walk %s: %w", root, walkErr)
	}
	if found == "" {
		return "", ErrNotFound
	}
	return found, nil
}

// List returns the names of the top-level build-version directories.
func (s *Store) List() ([]string, error) {
	entries, err := s.fs.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("buildstore: list %s: %w", s.root, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Purge removes every top-level build-version directory whose name is not
// present in liveVersions. liveVersions must be computed by the caller as
// a single atomic snapshot of in-use versions (e.g. the set of versions
// among currently running children) before Purge is invoked, so that a
// version cannot be deleted out from under a child that started spawning
// concurrently with the purge. It returns the names removed.
func (s *Store) Purge(liveVersions map[string]struct{}) ([]string, error) {
	entries, err := s.fs.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("buildstore: list %s: %w", s.root, err)
	}

	var removed []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, live := liveVersions[e.Name()]; live {
			continue
		}
		target := filepath.Join(s.root, e.Name())
		if err := s.fs.RemoveAll(target); err != nil {
			return removed, fmt.Errorf("buildstore: remove %s: %w", target, err)
		}
		removed = append(removed, e.Name())
	}
	return removed, nil
}
