package buildstore

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/siegeup/serverlauncher/internal/osutil"
)

func writeTestZip(t *testing.T, dir string, files map[string]string) string {
	t.Helper()
	archivePath := filepath.Join(dir, "upload.zip")
	f, err := os.Create(archivePath)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return archivePath
}

func TestIngestAndFindExecutable(t *testing.T) {
	base := t.TempDir()
	store := New(filepath.Join(base, "builds"), osutil.NewDefaultFileOps())
	if err := store.EnsureRoot(); err != nil {
		t.Fatalf("EnsureRoot: %v", err)
	}

	archive := writeTestZip(t, base, map[string]string{
		"nested/dir/SiegeUpLinuxServer.x86_64":       "binary",
		"nested/dir/UnityCrashHandler64.x86_64":      "crash-handler",
		"nested/dir/README.txt":                      "docs",
	})

	if err := store.Ingest(context.Background(), "v1", archive); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if _, err := os.Stat(archive); !os.IsNotExist(err) {
		t.Fatalf("expected archive to be removed after ingest, stat err=%v", err)
	}

	exePath, err := store.FindExecutable("v1")
	if err != nil {
		t.Fatalf("FindExecutable: %v", err)
	}
	if filepath.Base(exePath) != "SiegeUpLinuxServer.x86_64" {
		t.Fatalf("expected to find server binary, got %s", exePath)
	}

	info, err := os.Stat(exePath)
	if err != nil {
		t.Fatalf("stat exe: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Fatalf("expected executable to be chmod'd 0o755 (owner-rwx, group/other-rx), mode=%v", info.Mode().Perm())
	}
}

func TestFindExecutableMissing(t *testing.T) {
	base := t.TempDir()
	store := New(filepath.Join(base, "builds"), osutil.NewDefaultFileOps())
	store.EnsureRoot()

	if _, err := store.FindExecutable("missing-version"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPurgeKeepsLiveVersions(t *testing.T) {
	base := t.TempDir()
	store := New(filepath.Join(base, "builds"), osutil.NewDefaultFileOps())
	store.EnsureRoot()

	archive1 := writeTestZip(t, base, map[string]string{"a.x86_64": "x"})
	if err := store.Ingest(context.Background(), "v1", archive1); err != nil {
		t.Fatalf("ingest v1: %v", err)
	}
	archive2 := writeTestZip(t, base, map[string]string{"b.x86_64": "x"})
	if err := store.Ingest(context.Background(), "v2", archive2); err != nil {
		t.Fatalf("ingest v2: %v", err)
	}

	removed, err := store.Purge(map[string]struct{}{"v1": {}})
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if len(removed) != 1 || removed[0] != "v2" {
		t.Fatalf("expected only v2 purged, got %v", removed)
	}
	if _, err := os.Stat(store.VersionDir("v1")); err != nil {
		t.Fatalf("expected v1 to remain: %v", err)
	}
	if _, err := os.Stat(store.VersionDir("v2")); !os.IsNotExist(err) {
		t.Fatalf("expected v2 to be removed")
	}
}

func TestList(t *testing.T) {
	base := t.TempDir()
	store := New(filepath.Join(base, "builds"), osutil.NewDefaultFileOps())
	store.EnsureRoot()

	archive := writeTestZip(t, base, map[string]string{"a.x86_64": "x"})
	if err := store.Ingest(context.Background(), "v1", archive); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	names, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 1 || names[0] != "v1" {
		t.Fatalf("expected [v1], got %v", names)
	}
}
