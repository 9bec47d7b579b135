// Package mirrors resolves an upstream key (typically a distro name)
// to its ordered list of mirror base URLs. It stands in for the mirror
// configuration storage the core treats as an external collaborator.
package mirrors

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/spf13/afero"
)

// Resolver maps an upstream key to its ordered mirror URLs.
type Resolver interface {
	Resolve(upstreamKey string) ([]string, bool)
}

// FileResolver loads a JSON document of the form
// {"upstream_key": ["https://mirror1/...", "https://mirror2/..."]} and
// serves Resolve from an in-memory snapshot, reloadable via Reload.
type FileResolver struct {
	fs   afero.Fs
	path string

	mu   sync.RWMutex
	urls map[string][]string
}

// NewFileResolver loads path immediately; an error means the file is
// missing or malformed.
func NewFileResolver(fs afero.Fs, path string) (*FileResolver, error) {
	r := &FileResolver{fs: fs, path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the backing file, replacing the in-memory snapshot
// atomically on success. A failed reload leaves the previous snapshot
// in place.
func (r *FileResolver) Reload() error {
	data, err := afero.ReadFile(r.fs, r.path)
	if err != nil {
		return fmt.Errorf("mirrors: reading %s: %w", r.path, err)
	}

	var urls map[string][]string
	if err := json.Unmarshal(data, &urls); err != nil {
		return fmt.Errorf("mirrors: parsing %s: %w", r.path, err)
	}

	r.mu.Lock()
	r.urls = urls
	r.mu.Unlock()
	return nil
}

// Resolve returns the ordered mirror list for upstreamKey.
func (r *FileResolver) Resolve(upstreamKey string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	urls, ok := r.urls[upstreamKey]
	return urls, ok
}
