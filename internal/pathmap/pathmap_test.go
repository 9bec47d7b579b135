package pathmap

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func TestMapDeterministicAndRooted(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := New(fs, "/cache")

	const reqPath = "pool/main/h/hello/hello_2.10.deb"
	want := md5.Sum([]byte(reqPath))
	hash := hex.EncodeToString(want[:])

	got, err := m.Map("debian", reqPath)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	wantPath := "/cache/debian/" + hash[:2] + "/" + hash + "_hello_2.10.deb"
	if got != wantPath {
		t.Fatalf("got %q, want %q", got, wantPath)
	}
	if !strings.HasPrefix(got, "/cache/") {
		t.Fatalf("path %q escapes storage root", got)
	}

	got2, err := m.Map("debian", reqPath)
	if err != nil {
		t.Fatalf("Map (2nd call): %v", err)
	}
	if got != got2 {
		t.Fatalf("Map is not deterministic: %q != %q", got, got2)
	}

	if ok, _ := fs.DirExists("/cache/debian/" + hash[:2]); !ok {
		t.Fatal("expected cache directory to be created lazily")
	}
}

func TestMapEmptyPathUsesIndexBasename(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := New(fs, "/cache")

	got, err := m.Map("debian", "")
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if !strings.HasSuffix(got, "_index") {
		t.Fatalf("got %q, want suffix _index", got)
	}
}

func TestRealBasenameIgnoresHashPrefix(t *testing.T) {
	hash := strings.Repeat("a", 32)
	got := RealBasename("/cache/debian/aa/" + hash + "_hello_2.10.deb")
	if got != "hello_2.10.deb" {
		t.Fatalf("got %q, want hello_2.10.deb", got)
	}
}

func TestRealBasenameNonConformingName(t *testing.T) {
	got := RealBasename("/cache/debian/aa/shortname")
	if got != "shortname" {
		t.Fatalf("got %q, want shortname unchanged", got)
	}
}
