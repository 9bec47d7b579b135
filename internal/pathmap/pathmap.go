// Package pathmap implements the deterministic mapping from a (distro,
// request-path) fingerprint to a cache file path.
package pathmap

import (
	"crypto/md5"
	"encoding/hex"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Mapper maps fingerprints to cache paths under a storage root.
type Mapper struct {
	fs   afero.Fs
	root string
}

// New returns a Mapper rooted at root, performing filesystem operations
// through fs (afero.NewOsFs() in production, afero.NewMemMapFs() in tests).
func New(fs afero.Fs, root string) *Mapper {
	return &Mapper{fs: fs, root: root}
}

// Fingerprint is the (distro, request-path) pair reduced to its cache
// identity: the full hash disambiguates collisions, the basename is for
// human inspection only.
type Fingerprint struct {
	Distro string
	Path   string
}

// Hash returns the hex md5 of the fingerprint's request path.
func (f Fingerprint) Hash() string {
	sum := md5.Sum([]byte(f.Path))
	return hex.EncodeToString(sum[:])
}

// Basename is the final path segment of the request path, or "index" if
// the request path is empty or ends in a separator.
func (f Fingerprint) Basename() string {
	// path.Base("pool/main/") returns "main", not "", unlike Python's
	// os.path.basename; check for the trailing separator first so a
	// directory-shaped request path falls through to "index" like the
	// original implementation does.
	if f.Path == "" || strings.HasSuffix(f.Path, "/") {
		return "index"
	}
	b := path.Base(f.Path)
	if b == "." || b == "/" {
		return "index"
	}
	return b
}

// Map computes the cache file path for (distro, reqPath) and idempotently
// creates its parent directory. The returned path always lies under the
// mapper's storage root: <root>/<distro>/<hash[0:2]>/<hash>_<basename>.
func (m *Mapper) Map(distro, reqPath string) (string, error) {
	fp := Fingerprint{Distro: distro, Path: reqPath}
	hash := fp.Hash()

	dir := filepath.Join(m.root, distro, hash[:2])
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	return filepath.Join(dir, hash+"_"+fp.Basename()), nil
}

// RealBasename recovers the original basename from a mapped cache path of
// the form ".../<hash>_<basename>". It must never be used for identity
// comparisons — only the full hash disambiguates fingerprints.
func RealBasename(cachePath string) string {
	name := filepath.Base(cachePath)
	if idx := strings.IndexByte(name, '_'); idx == 32 {
		return name[idx+1:]
	}
	return name
}
