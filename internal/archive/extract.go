package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// kind identifies an archive's compression by its magic bytes, never by
// filename — a ".tar.gz" that is actually zstd must still extract.
type kind int

const (
	kindNone kind = iota
	kindGzip
	kindBzip2
	kindXZ
	kindZstd
)

var magic = []struct {
	bytes []byte
	kind  kind
}{
	{[]byte{0x1f, 0x8b}, kindGzip},
	{[]byte{'B', 'Z', 'h'}, kindBzip2},
	{[]byte{0xfd, '7', 'z', 'X', 'Z', 0x00}, kindXZ},
	{[]byte{0x28, 0xb5, 0x2f, 0xfd}, kindZstd},
}

func sniff(r *bufio.Reader) (kind, error) {
	// Longest magic above is 6 bytes.
	head, err := r.Peek(6)
	if err != nil && err != io.EOF {
		return kindNone, err
	}
	for _, m := range magic {
		if bytes.HasPrefix(head, m.bytes) {
			return m.kind, nil
		}
	}
	return kindNone, nil
}

// maxExtractedBytes bounds extraction against archive-bomb style inputs.
// 16GiB is generous for a rootfs tree while still catching runaway archives.
const maxExtractedBytes = 16 << 30

func extract(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreadableArchive, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	k, err := sniff(br)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreadableArchive, err)
	}

	var tarStream io.Reader
	switch k {
	case kindNone:
		tarStream = br
	case kindGzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnknownCompression, err)
		}
		defer gz.Close()
		tarStream = gz
	case kindBzip2:
		tarStream = bzip2.NewReader(br)
	case kindXZ:
		xzr, err := xz.NewReader(br)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnknownCompression, err)
		}
		tarStream = xzr
	case kindZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnknownCompression, err)
		}
		defer zr.Close()
		tarStream = zr
	default:
		return ErrUnknownCompression
	}

	return untar(tarStream, destDir)
}

func untar(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	var extracted int64

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: read tar header: %w", err)
		}

		if filepath.IsAbs(hdr.Name) {
			return fmt.Errorf("archive: absolute path in archive: %q", hdr.Name)
		}
		if !filepath.IsLocal(hdr.Name) {
			return fmt.Errorf("archive: path escapes extraction directory: %q", hdr.Name)
		}

		target, err := securejoin.SecureJoin(destDir, hdr.Name)
		if err != nil {
			return fmt.Errorf("archive: unsafe path %q: %w", hdr.Name, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("archive: mkdir %s: %w", hdr.Name, err)
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("archive: mkdir parent of %s: %w", hdr.Name, err)
			}
			if extracted+hdr.Size > maxExtractedBytes {
				return fmt.Errorf("archive: extraction would exceed %d bytes", maxExtractedBytes)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|syscall.O_NOFOLLOW, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("archive: create %s: %w", hdr.Name, err)
			}
			n, err := io.Copy(out, io.LimitReader(tr, maxExtractedBytes-extracted+1))
			out.Close()
			if err != nil {
				return fmt.Errorf("archive: write %s: %w", hdr.Name, err)
			}
			extracted += n
			if extracted > maxExtractedBytes {
				return fmt.Errorf("archive: extraction exceeded %d bytes", maxExtractedBytes)
			}
			if err := os.Chown(target, hdr.Uid, hdr.Gid); err != nil && os.Geteuid() == 0 {
				return fmt.Errorf("archive: chown %s: %w", hdr.Name, err)
			}

		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("archive: absolute symlink target in %q", hdr.Name)
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("archive: symlink %s: %w", hdr.Name, err)
			}

		case tar.TypeLink:
			linkTarget, err := securejoin.SecureJoin(destDir, hdr.Linkname)
			if err != nil {
				return fmt.Errorf("archive: unsafe link target %q: %w", hdr.Linkname, err)
			}
			os.Remove(target)
			if err := os.Link(linkTarget, target); err != nil {
				return fmt.Errorf("archive: hardlink %s: %w", hdr.Name, err)
			}

		default:
			// Device nodes, fifos etc. are silently skipped — a rootfs tree
			// rarely needs them pre-created. Nothing else creates them
			// either: the sandbox mounts no /dev of its own.
		}
	}
}
