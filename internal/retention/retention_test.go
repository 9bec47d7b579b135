package retention

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func writeFileAt(t *testing.T, fs afero.Fs, path string, age time.Duration) {
	t.Helper()
	if err := afero.WriteFile(fs, path, []byte("data"), 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
	when := time.Now().Add(-age)
	if err := fs.Chtimes(path, when, when); err != nil {
		t.Fatalf("Chtimes(%s): %v", path, err)
	}
}

func TestSweepDeletesOnlyExpiredFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFileAt(t, fs, "/cache/debian/aa/old_pkg.deb", 10*24*time.Hour)
	writeFileAt(t, fs, "/cache/debian/bb/fresh_pkg.deb", time.Hour)

	s := New(fs, "/cache", nil, time.Hour, func() bool { return true }, func() time.Duration { return 7 * 24 * time.Hour })
	if err := s.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if exists, _ := afero.Exists(fs, "/cache/debian/aa/old_pkg.deb"); exists {
		t.Fatal("expected expired file to be deleted")
	}
	if exists, _ := afero.Exists(fs, "/cache/debian/bb/fresh_pkg.deb"); !exists {
		t.Fatal("expected fresh file to survive sweep")
	}
}

func TestSweepNoopWhenDisabled(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFileAt(t, fs, "/cache/debian/aa/old_pkg.deb", 30*24*time.Hour)

	s := New(fs, "/cache", nil, time.Hour, func() bool { return false }, func() time.Duration { return 7 * 24 * time.Hour })
	if err := s.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if exists, _ := afero.Exists(fs, "/cache/debian/aa/old_pkg.deb"); !exists {
		t.Fatal("expected retention-disabled sweep to leave files untouched")
	}
}

func TestStartStopRunsSweepOnTicker(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFileAt(t, fs, "/cache/debian/aa/old_pkg.deb", 30*24*time.Hour)

	s := New(fs, "/cache", nil, 10*time.Millisecond, func() bool { return true }, func() time.Duration { return time.Hour })
	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if exists, _ := afero.Exists(fs, "/cache/debian/aa/old_pkg.deb"); exists {
		t.Fatal("expected background ticker to have swept the expired file")
	}
}
