package admin

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/mirrorkeep/apt-cache-proxy/internal/config"
)

func newTestAdmin(t *testing.T, cacheDays int, retentionEnabled bool) (*Admin, string) {
	t.Helper()
	root := t.TempDir()
	fs := afero.NewOsFs()
	cfg := config.NewStore(config.Config{
		CacheDays:             cacheDays,
		CacheRetentionEnabled: retentionEnabled,
	}, new(slog.LevelVar))
	return New(fs, cfg, root), root
}

func TestIsCacheValidMissingFile(t *testing.T) {
	a, root := newTestAdmin(t, 7, true)
	if a.IsCacheValid(filepath.Join(root, "nope")) {
		t.Fatal("missing file must be invalid")
	}
}

func TestIsCacheValidRetentionDisabledAlwaysValid(t *testing.T) {
	a, root := newTestAdmin(t, 7, false)
	p := filepath.Join(root, "pkg.deb")
	os.WriteFile(p, []byte("x"), 0o644)
	old := time.Now().Add(-365 * 24 * time.Hour)
	os.Chtimes(p, old, old)

	if !a.IsCacheValid(p) {
		t.Fatal("expected any extant file to be valid when retention is disabled")
	}
}

func TestIsCacheValidExpiresPastCacheDays(t *testing.T) {
	a, root := newTestAdmin(t, 7, true)
	p := filepath.Join(root, "pkg.deb")
	os.WriteFile(p, []byte("x"), 0o644)
	old := time.Now().Add(-30 * 24 * time.Hour)
	os.Chtimes(p, old, old)

	if a.IsCacheValid(p) {
		t.Fatal("expected file older than cache_days to be invalid")
	}
}

func TestIsCacheValidFreshFile(t *testing.T) {
	a, root := newTestAdmin(t, 7, true)
	p := filepath.Join(root, "pkg.deb")
	os.WriteFile(p, []byte("x"), 0o644)

	if !a.IsCacheValid(p) {
		t.Fatal("expected fresh file to be valid")
	}
}

func TestDeleteRemovesPresentFile(t *testing.T) {
	a, root := newTestAdmin(t, 7, true)
	p := filepath.Join(root, "debian", "aa")
	os.MkdirAll(p, 0o755)
	file := filepath.Join(p, "pkg.deb")
	os.WriteFile(file, []byte("x"), 0o644)

	ok, err := a.Delete("debian/aa/pkg.deb")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !ok {
		t.Fatal("expected deletion to occur")
	}
	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Fatal("expected file to be removed")
	}
}

func TestDeleteMissingFileReturnsFalse(t *testing.T) {
	a, _ := newTestAdmin(t, 7, true)
	ok, err := a.Delete("debian/aa/nope.deb")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok {
		t.Fatal("expected no deletion for a missing file")
	}
}

func TestDeleteRefusesTraversal(t *testing.T) {
	a, root := newTestAdmin(t, 7, true)

	outside := filepath.Join(filepath.Dir(root), "outside-secret.txt")
	os.WriteFile(outside, []byte("secret"), 0o644)
	t.Cleanup(func() { os.Remove(outside) })

	ok, err := a.Delete("../outside-secret.txt")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok {
		t.Fatal("expected traversal attempt to be refused")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatal("traversal-guarded file must survive the refused delete")
	}
}

func TestDeleteRefusesDirectories(t *testing.T) {
	a, root := newTestAdmin(t, 7, true)
	dir := filepath.Join(root, "debian", "aa")
	os.MkdirAll(dir, 0o755)

	ok, err := a.Delete("debian/aa")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok {
		t.Fatal("expected directories to never be deleted")
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatal("directory must survive the refused delete")
	}
}
