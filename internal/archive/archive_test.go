package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/sandkit/sandkit/internal/logger"
)

// Resolve logs through logger.Log, which stays nil until Init runs.
func init() { _ = logger.Init("error", "") }

func buildTarGz(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write content: %v", err)
		}
	}
	tw.Close()
	gz.Close()

	path := filepath.Join(t.TempDir(), "archive.tar.gz")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return path
}

func TestResolveExtractsAndReusesCacheEntry(t *testing.T) {
	archivePath := buildTarGz(t, map[string]string{"hello.txt": "world"})
	cache := NewCache(t.TempDir())

	dir1, err := cache.Resolve(archivePath, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir1, "hello.txt"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(data) != "world" {
		t.Errorf("hello.txt = %q, want %q", string(data), "world")
	}

	// Resolving again must return the same directory without re-extracting
	// (the completion marker short-circuits it).
	dir2, err := cache.Resolve(archivePath, "")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if dir1 != dir2 {
		t.Errorf("dir1 = %q, dir2 = %q, want identical content-addressed path", dir1, dir2)
	}
}

func TestResolveRejectsPathTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	tw.WriteHeader(&tar.Header{Name: "../../etc/passwd", Mode: 0644, Size: 0})
	tw.Close()
	gz.Close()

	archivePath := filepath.Join(t.TempDir(), "evil.tar.gz")
	os.WriteFile(archivePath, buf.Bytes(), 0644)

	cache := NewCache(t.TempDir())
	if _, err := cache.Resolve(archivePath, ""); err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
}

func TestResolveUnreadableArchive(t *testing.T) {
	cache := NewCache(t.TempDir())
	if _, err := cache.Resolve(filepath.Join(t.TempDir(), "missing.tar.gz"), ""); err == nil {
		t.Fatal("expected error for missing archive")
	}
}
