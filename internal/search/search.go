// Package search implements package lookup across the cache: a direct
// path probe against the configured mirrors, and a scan of cached index
// files (Debian Packages stanzas) for a substring match.
package search

import (
	"bufio"
	"context"
	"net/textproto"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	debversion "github.com/knqyf263/go-deb-version"
	"github.com/spf13/afero"

	"github.com/mirrorkeep/apt-cache-proxy/internal/admin"
	"github.com/mirrorkeep/apt-cache-proxy/internal/pathmap"
	"github.com/mirrorkeep/apt-cache-proxy/internal/upstream"
)

const (
	maxHits      = 20
	probeTimeout = 2 * time.Second
)

// Hit is a single search result.
type Hit struct {
	Path    string
	Package string
	Version string
	Cached  bool
}

// Searcher answers package lookups for one distro tree.
type Searcher struct {
	fs      afero.Fs
	root    string
	fetcher *upstream.Fetcher
	admin   *admin.Admin
}

// New constructs a Searcher rooted at the storage root, probing mirrors
// through fetcher and annotating cache status through adm.
func New(fs afero.Fs, root string, fetcher *upstream.Fetcher, adm *admin.Admin) *Searcher {
	return &Searcher{fs: fs, root: root, fetcher: fetcher, admin: adm}
}

// Search runs the direct-path probe first, falling back to an index scan
// if the query does not look like a path or the probe finds nothing.
func (s *Searcher) Search(ctx context.Context, distro, query string, mirrorURLs []string) ([]Hit, error) {
	if strings.Contains(query, "/") {
		if hit, ok := s.probe(ctx, distro, query, mirrorURLs); ok {
			return []Hit{hit}, nil
		}
	}
	return s.scan(distro, query)
}

// probe issues a HEAD against each mirror for query treated as a relative
// path. The first 200 wins.
func (s *Searcher) probe(ctx context.Context, distro, query string, mirrorURLs []string) (Hit, bool) {
	for _, base := range mirrorURLs {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		ok, err := s.fetcher.Head(probeCtx, joinURL(base, query))
		cancel()
		if err != nil || !ok {
			continue
		}

		cached := s.admin.IsCacheValid(s.cachePathFor(distro, query))
		return Hit{Path: query, Package: path.Base(query), Cached: cached}, true
	}
	return Hit{}, false
}

// scan walks <storage>/<distro>, parsing every cached index file
// (filename containing "Packages" after stripping the hash prefix) for
// stanzas whose Package field matches query as a case-insensitive
// substring. Each directory's entries are sorted by name; its files are
// scanned in that order, and its subdirectories go onto a stack, so they
// are walked in reverse name order. Scan results are therefore
// deterministic for a stable tree.
func (s *Searcher) scan(distro, query string) ([]Hit, error) {
	var hits []Hit
	distroRoot := s.root + "/" + distro

	frontier := []string{distroRoot}
	for len(frontier) > 0 && len(hits) < maxHits {
		dir := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]

		entries, err := afero.ReadDir(s.fs, dir)
		if err != nil {
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, e := range entries {
			path := dir + "/" + e.Name()
			if e.IsDir() {
				frontier = append(frontier, path)
				continue
			}
			if !strings.Contains(pathmap.RealBasename(path), "Packages") {
				continue
			}
			hits = append(hits, s.scanFile(distro, path, query, maxHits-len(hits))...)
			if len(hits) >= maxHits {
				break
			}
		}
	}
	return hits, nil
}

func (s *Searcher) scanFile(distro, path, query string, remaining int) []Hit {
	f, err := s.fs.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var r interface {
		Read([]byte) (int, error)
	} = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			// Not valid gzip despite the extension: skip rather than fail
			// the whole scan.
			return nil
		}
		defer gz.Close()
		r = gz
	}

	var hits []Hit
	tp := textproto.NewReader(bufio.NewReader(r))
	for len(hits) < remaining {
		hdr, err := tp.ReadMIMEHeader()
		if len(hdr) == 0 {
			if err != nil {
				break
			}
			continue
		}

		pkg := hdr.Get("Package")
		filename := hdr.Get("Filename")
		if pkg == "" || filename == "" {
			if err != nil {
				break
			}
			continue
		}

		if strings.Contains(strings.ToLower(pkg), strings.ToLower(query)) {
			hits = append(hits, Hit{
				Path:    filename,
				Package: pkg,
				Version: validatedVersion(hdr.Get("Version")),
				Cached:  s.admin.IsCacheValid(s.cachePathFor(distro, filename)),
			})
		}

		if err != nil {
			break
		}
	}
	return hits
}

// validatedVersion returns raw unchanged if it parses as a Debian
// version, else an empty string — a malformed Version: line should
// downgrade the field, not corrupt the hit.
func validatedVersion(raw string) string {
	if raw == "" {
		return ""
	}
	if _, err := debversion.NewVersion(raw); err != nil {
		return ""
	}
	return raw
}

// cachePathFor recomputes the content-addressed cache path for
// (distro, reqPath) without pathmap.Mapper.Map's directory-creation side
// effect — a lookup must never create cache directories.
func (s *Searcher) cachePathFor(distro, reqPath string) string {
	fp := pathmap.Fingerprint{Distro: distro, Path: reqPath}
	hash := fp.Hash()
	return s.root + "/" + distro + "/" + hash[:2] + "/" + hash + "_" + fp.Basename()
}

func joinURL(base, reqPath string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(reqPath, "/")
}
