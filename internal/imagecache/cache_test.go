package imagecache

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDigestToDirName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"sha256:abc123def456", "sha256_abc123def456"},
		{"sha512:xyz789", "sha512_xyz789"},
		{"nocolon", "nocolon"},
		{"multi:colon:digest", "multi_colon:digest"},
	}

	for _, tt := range tests {
		if got := digestToDirName(tt.input); got != tt.want {
			t.Errorf("digestToDirName(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestReadImageEnv_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	data := `["PATH=/usr/bin","DEBUG=1"]`
	if err := os.WriteFile(filepath.Join(dir, ".image-env.json"), []byte(data), 0644); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	env := ReadImageEnv(dir)
	if env["PATH"] != "/usr/bin" || env["DEBUG"] != "1" {
		t.Fatalf("unexpected env: %+v", env)
	}
}

func TestReadImageEnv_MissingFileReturnsNil(t *testing.T) {
	dir := t.TempDir()
	if env := ReadImageEnv(dir); env != nil {
		t.Fatalf("expected nil for missing file, got %+v", env)
	}
}

func TestCache_GetOrPull_RebuildsIndexFromRefFile(t *testing.T) {
	cacheDir := t.TempDir()
	digest := "sha256:deadbeef"
	entryDir := filepath.Join(cacheDir, digestToDirName(digest))
	if err := os.MkdirAll(entryDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(entryDir, ".image-ref"), []byte("example.com/app:latest"), 0644); err != nil {
		t.Fatal(err)
	}

	c := NewCache(cacheDir, "amd64")
	dir, d, err := c.GetOrPull(nil, "example.com/app:latest", nil)
	if err != nil {
		t.Fatalf("GetOrPull: %v", err)
	}
	if d != digest {
		t.Fatalf("expected digest %s, got %s", digest, d)
	}
	if dir != entryDir {
		t.Fatalf("expected dir %s, got %s", entryDir, dir)
	}
}
