package prefetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/afero"

	"github.com/mirrorkeep/apt-cache-proxy/internal/admin"
	"github.com/mirrorkeep/apt-cache-proxy/internal/blacklist"
	"github.com/mirrorkeep/apt-cache-proxy/internal/config"
	"github.com/mirrorkeep/apt-cache-proxy/internal/mirror"
	"github.com/mirrorkeep/apt-cache-proxy/internal/mirrors"
	"github.com/mirrorkeep/apt-cache-proxy/internal/pathmap"
	"github.com/mirrorkeep/apt-cache-proxy/internal/statsdb"
	"github.com/mirrorkeep/apt-cache-proxy/internal/stats"
	"github.com/mirrorkeep/apt-cache-proxy/internal/upstream"
)

func newTestPrefetcher(t *testing.T, mirrorURL string) (*Prefetcher, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()

	db, err := statsdb.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("statsdb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tracker := stats.New(db, nil, 0, nil)
	bl := blacklist.New()
	paths := pathmap.New(fs, "/cache")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := mirror.New(fs, upstream.New(), paths, bl, tracker, log)

	afero.WriteFile(fs, "/mirrors.json", []byte(`{"debian": ["`+mirrorURL+`"]}`), 0o644)
	resolver, err := mirrors.NewFileResolver(fs, "/mirrors.json")
	if err != nil {
		t.Fatalf("NewFileResolver: %v", err)
	}

	cfg := config.NewStore(config.Config{CacheRetentionEnabled: false}, new(slog.LevelVar))
	adm := admin.New(fs, cfg, "/cache")

	return New(srv, paths, resolver, adm), fs
}

func TestPrefetchCachesPackage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("deb-bytes"))
	}))
	defer upstream.Close()

	p, fs := newTestPrefetcher(t, upstream.URL)
	result, err := p.Prefetch(context.Background(), "debian", "pool/main/a/apt/apt.deb")
	if err != nil {
		t.Fatalf("Prefetch: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected OK, got %+v", result)
	}

	cachePath, _ := pathmap.New(fs, "/cache").Map("debian", "pool/main/a/apt/apt.deb")
	data, err := afero.ReadFile(fs, cachePath)
	if err != nil {
		t.Fatalf("cache file not written: %v", err)
	}
	if string(data) != "deb-bytes" {
		t.Fatalf("got %q", data)
	}
}

func TestPrefetchSkipsAlreadyCached(t *testing.T) {
	p, fs := newTestPrefetcher(t, "http://127.0.0.1:1")

	cachePath, _ := pathmap.New(fs, "/cache").Map("debian", "pool/main/a/apt/apt.deb")
	afero.WriteFile(fs, cachePath, []byte("already-here"), 0o644)

	result, err := p.Prefetch(context.Background(), "debian", "pool/main/a/apt/apt.deb")
	if err != nil {
		t.Fatalf("Prefetch: %v", err)
	}
	if !result.OK || result.Message != "already cached" {
		t.Fatalf("got %+v", result)
	}
}

func TestPrefetchReportsNoUpstream(t *testing.T) {
	p, _ := newTestPrefetcher(t, "http://127.0.0.1:1")

	result, err := p.Prefetch(context.Background(), "unknown-distro", "pool/main/a/apt/apt.deb")
	if err != nil {
		t.Fatalf("Prefetch: %v", err)
	}
	if result.OK || result.Message != "no upstream" {
		t.Fatalf("got %+v", result)
	}
}

func TestPrefetchReportsUpstreamFailure(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer failing.Close()

	p, _ := newTestPrefetcher(t, failing.URL)
	result, err := p.Prefetch(context.Background(), "debian", "pool/main/a/apt/apt.deb")
	if err != nil {
		t.Fatalf("Prefetch: %v", err)
	}
	if result.OK {
		t.Fatalf("expected failure, got %+v", result)
	}
}
