// Package archive implements the content-addressed rootfs archive cache.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/sandkit/sandkit/internal/logger"
)

var (
	// ErrUnreadableArchive is returned when the archive file cannot be opened or hashed.
	ErrUnreadableArchive = errors.New("archive: unreadable archive")
	// ErrUnknownCompression is returned when a recognised compression header
	// cannot be opened by its decompressor. Input whose magic bytes match no
	// compressed format is read as plain tar.
	ErrUnknownCompression = errors.New("archive: unknown compression format")
	// ErrLockTimeout is returned when the cross-process extraction lock can't be acquired in time.
	ErrLockTimeout = errors.New("archive: lock acquisition timed out")

	lockAcquireTimeout = 2 * time.Minute
)

const completionMarker = ".complete"

// Cache maps an archive's content hash to an extracted rootfs directory.
// Safe for concurrent use by multiple goroutines and multiple processes —
// concurrent first-use of the same archive is serialized by a cross-process
// advisory file lock, not an in-process mutex.
type Cache struct {
	root string
}

// NewCache returns a Cache rooted at root. The directory is created lazily
// on first Resolve, not here.
func NewCache(root string) *Cache {
	return &Cache{root: root}
}

// Resolve extracts archivePath into a content-addressed directory under the
// cache root (or into targetDir if non-empty) and returns that directory.
// If the archive has already been extracted by anyone, the existing
// extraction is reused without extracting again; the archive file is still
// read once on every call to compute its content hash.
func (c *Cache) Resolve(archivePath string, targetDir string) (string, error) {
	hash, err := hashFile(archivePath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadableArchive, err)
	}

	dir := targetDir
	if dir == "" {
		if err := os.MkdirAll(c.root, 0755); err != nil {
			return "", fmt.Errorf("archive: create cache root: %w", err)
		}
		dir = filepath.Join(c.root, hash)
	}

	lockPath := dir + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return "", fmt.Errorf("archive: create lock parent: %w", err)
	}
	fl := flock.New(lockPath)

	ctx, cancel := context.WithTimeout(context.Background(), lockAcquireTimeout)
	defer cancel()
	locked, err := fl.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil || !locked {
		return "", ErrLockTimeout
	}
	defer fl.Unlock()

	markerPath := filepath.Join(dir, completionMarker)
	if _, err := os.Stat(markerPath); err == nil {
		logger.Log.Debug("archive cache hit", "hash", hash, "dir", dir)
		return dir, nil
	}

	// Partial or absent — wipe and re-extract from scratch.
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("archive: clear partial extraction: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("archive: create extraction dir: %w", err)
	}

	if err := extract(archivePath, dir); err != nil {
		os.RemoveAll(dir)
		return "", err
	}

	// Atomically mark complete: write to a temp name, then rename.
	tmpMarker := markerPath + ".tmp"
	if err := os.WriteFile(tmpMarker, nil, 0644); err != nil {
		return "", fmt.Errorf("archive: write completion marker: %w", err)
	}
	if err := os.Rename(tmpMarker, markerPath); err != nil {
		return "", fmt.Errorf("archive: finalize completion marker: %w", err)
	}

	logger.Log.Info("archive extracted", "hash", hash, "dir", dir)
	return dir, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
