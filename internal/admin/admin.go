// Package admin implements the cache-administration surface: validity
// checks against the retention window, and a traversal-guarded delete.
package admin

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/yookoala/realpath"

	"github.com/mirrorkeep/apt-cache-proxy/internal/config"
	"github.com/mirrorkeep/apt-cache-proxy/internal/fsutil"
)

// Admin answers cache-validity questions and performs guarded deletes
// against a single storage root.
type Admin struct {
	fs   afero.Fs
	cfg  *config.Store
	root string
}

// New constructs an Admin rooted at root (the resolved, absolute
// storage_path_resolved configuration key).
func New(fs afero.Fs, cfg *config.Store, root string) *Admin {
	return &Admin{fs: fs, cfg: cfg, root: root}
}

// IsCacheValid reports whether p names an extant, non-expired cache
// file. A missing file is always invalid; an extant file is always
// valid when retention is disabled, regardless of age.
func (a *Admin) IsCacheValid(p string) bool {
	info, err := a.fs.Stat(p)
	if err != nil {
		return false
	}
	if info.IsDir() {
		return false
	}

	cfg := a.cfg.Get()
	if !cfg.CacheRetentionEnabled {
		return true
	}

	age := time.Since(fsutil.LastUsed(info))
	return age <= time.Duration(cfg.CacheDays)*24*time.Hour
}

// Delete removes relPath (interpreted relative to the storage root) if
// it is a present, regular file. It refuses — without mutating
// anything — any path whose resolved absolute form escapes the
// resolved storage root, guarding against directory traversal via
// "..", symlinks, or absolute-path injection. Directories are never
// deleted.
func (a *Admin) Delete(relPath string) (bool, error) {
	target := filepath.Join(a.root, relPath)

	resolvedRoot, err := realpath.Realpath(a.root)
	if err != nil {
		return false, err
	}

	// The target itself may not exist yet (realpath.Realpath requires
	// an extant path), so resolve its parent directory and rejoin the
	// leaf name — this still defeats symlink-based escapes in any
	// intermediate directory component.
	resolvedParent, err := realpath.Realpath(filepath.Dir(target))
	if err != nil {
		// Parent doesn't exist: nothing to delete, and nothing to escape.
		return false, nil
	}
	resolvedTarget := filepath.Join(resolvedParent, filepath.Base(target))

	if resolvedTarget != resolvedRoot && !strings.HasPrefix(resolvedTarget, resolvedRoot+string(filepath.Separator)) {
		return false, nil
	}

	info, err := a.fs.Stat(resolvedTarget)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}

	if err := a.fs.Remove(resolvedTarget); err != nil {
		return false, err
	}
	return true, nil
}
