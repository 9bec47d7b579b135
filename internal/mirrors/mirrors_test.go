package mirrors

import (
	"testing"

	"github.com/spf13/afero"
)

func TestFileResolverResolvesConfiguredKey(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/mirrors.json", []byte(`{"debian": ["https://a/debian", "https://b/debian"]}`), 0o644)

	r, err := NewFileResolver(fs, "/mirrors.json")
	if err != nil {
		t.Fatalf("NewFileResolver: %v", err)
	}

	urls, ok := r.Resolve("debian")
	if !ok || len(urls) != 2 || urls[0] != "https://a/debian" {
		t.Fatalf("got %v, %v", urls, ok)
	}

	if _, ok := r.Resolve("unknown"); ok {
		t.Fatal("expected unknown key to miss")
	}
}

func TestFileResolverReloadPicksUpChanges(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/mirrors.json", []byte(`{"debian": ["https://a/debian"]}`), 0o644)

	r, err := NewFileResolver(fs, "/mirrors.json")
	if err != nil {
		t.Fatalf("NewFileResolver: %v", err)
	}

	afero.WriteFile(fs, "/mirrors.json", []byte(`{"debian": ["https://a/debian", "https://b/debian"]}`), 0o644)
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	urls, _ := r.Resolve("debian")
	if len(urls) != 2 {
		t.Fatalf("got %v, want 2 urls after reload", urls)
	}
}

func TestNewFileResolverFailsOnMalformedJSON(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/mirrors.json", []byte(`not json`), 0o644)

	if _, err := NewFileResolver(fs, "/mirrors.json"); err == nil {
		t.Fatal("expected error for malformed mirrors file")
	}
}
