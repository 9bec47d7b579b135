// Package fsutil provides the filesystem-timestamp helpers retention
// and cache-validity checks are built on: recovering a file's access
// time where the platform and backing Fs support it, and falling back
// to modification time otherwise.
package fsutil

import (
	"os"
	"syscall"
	"time"

	"github.com/spf13/afero"
)

// AccessTime returns the best access-time estimate for info: the real
// atime on unix filesystems backed by *os.File, or ModTime() when the
// underlying Sys() doesn't expose a Stat_t (afero's in-memory fs used in
// tests, non-unix platforms, or a filesystem mounted noatime-agnostic).
//
// os.FileInfo.Sys() on a real file returns the stdlib syscall package's
// *syscall.Stat_t, not golang.org/x/sys/unix's distinct (if structurally
// identical) type of the same name, so the assertion has to target
// *syscall.Stat_t to ever succeed.
func AccessTime(info os.FileInfo) time.Time {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return time.Unix(stat.Atim.Sec, stat.Atim.Nsec)
	}
	return info.ModTime()
}

// LastUsed returns the more recent of AccessTime and ModTime, matching
// the original implementation's `max(atime, mtime)` cache-age formula:
// a file that was only ever written, never read back, should still
// count as "used" as of its write time.
func LastUsed(info os.FileInfo) time.Time {
	at := AccessTime(info)
	mt := info.ModTime()
	if mt.After(at) {
		return mt
	}
	return at
}

// Stat is a small indirection over fs.Stat so callers can share a single
// afero.Fs between production (afero.NewOsFs()) and tests
// (afero.NewMemMapFs()).
func Stat(fs afero.Fs, path string) (os.FileInfo, error) {
	return fs.Stat(path)
}
