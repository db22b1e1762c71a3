// Package archive detects, extracts, and creates the backup archives the
// restore flow exchanges with the embedding shell. Extraction refuses any
// entry that would escape the destination root.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	kgzip "github.com/klauspost/compress/gzip"
)

// Format is the detected container format of an uploaded archive.
type Format string

const (
	FormatZip          Format = "zip"
	FormatGzipTar      Format = "gzip-tar"
	FormatUnrecognized Format = "unrecognized"
)

var (
	// ErrUnsupportedArchive rejects payloads that are neither zip nor
	// gzip-compressed tar.
	ErrUnsupportedArchive = errors.New("unsupported archive format: expected .zip or .tar.gz")
	// ErrUnsafeArchivePath rejects archives carrying a path-traversal entry.
	ErrUnsafeArchivePath = errors.New("archive entry escapes destination directory")
)

// DetectFormat inspects the leading magic bytes. Magic detection is
// authoritative when conclusive; callers may apply a filename-extension
// heuristic only for unrecognized buffers.
func DetectFormat(b []byte) Format {
	if len(b) >= 2 {
		if b[0] == 0x50 && b[1] == 0x4B {
			return FormatZip
		}
		if b[0] == 0x1F && b[1] == 0x8B {
			return FormatGzipTar
		}
	}
	return FormatUnrecognized
}

// ExtractZip unpacks buf into destDir. Every entry path is resolved against
// destDir up front and the whole operation is rejected before any write when
// one of them is not a descendant (zip-slip defense): either all entries are
// written or none.
func ExtractZip(buf []byte, destDir string) error {
	zr, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if errors.Is(err, zip.ErrInsecurePath) {
		return fmt.Errorf("%w: %w", ErrUnsafeArchivePath, err)
	}
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	targets := make([]string, len(zr.File))
	for i, f := range zr.File {
		target, err := secureJoin(destDir, f.Name)
		if err != nil {
			return err
		}
		targets[i] = target
	}
	for i, f := range zr.File {
		target := targets[i]
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return fmt.Errorf("create dir %s: %w", f.Name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return fmt.Errorf("create parent of %s: %w", f.Name, err)
		}
		if err := writeZipEntry(f, target); err != nil {
			return err
		}
	}
	return nil
}

func writeZipEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", f.Name, err)
	}
	// #nosec G110 -- destination is a caller-owned scratch dir
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return fmt.Errorf("write %s: %w", f.Name, err)
	}
	return out.Close()
}

// ExtractGzipTar validates the gzip stream, spools buf to a temporary file,
// and delegates extraction to the host tar scoped to destDir. The temp file
// is removed regardless of outcome.
func ExtractGzipTar(buf []byte, destDir string) error {
	gz, err := kgzip.NewReader(bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("invalid gzip stream: %w", err)
	}
	_ = gz.Close()

	tmp, err := os.CreateTemp("", "gatekeeper-restore-*.tar.gz")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()
	if _, err := tmp.Write(buf); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("spool temp archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp archive: %w", err)
	}
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	// #nosec G204 -- fixed argv, paths come from this process
	cmd := exec.Command("tar", "-xzf", tmpPath, "-C", destDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tar extraction failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// PackDirectory recursively packs every file under dir into a zip buffer
// using paths relative to dir. Reads only; the live tree is never modified.
func PackDirectory(dir string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})
	root := filepath.Clean(dir)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		in, err := os.Open(path) // #nosec G304 -- walking the caller's own tree
		if err != nil {
			return err
		}
		_, err = io.Copy(w, in)
		_ = in.Close()
		return err
	})
	if err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("pack %s: %w", dir, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize zip: %w", err)
	}
	return buf.Bytes(), nil
}

// ResolveBackupRoot locates the gateway configuration inside an extracted
// archive. Uploaded backups may wrap their payload in one top-level folder:
// accept the config directly inside extractedDir, or directly inside a sole
// subdirectory. Anything else means the archive is not a gateway backup.
func ResolveBackupRoot(extractedDir, configName string) (string, error) {
	if _, err := os.Stat(filepath.Join(extractedDir, configName)); err == nil {
		return extractedDir, nil
	}
	entries, err := os.ReadDir(extractedDir)
	if err != nil {
		return "", fmt.Errorf("read extracted dir: %w", err)
	}
	var dirs []os.DirEntry
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e)
		}
	}
	if len(dirs) == 1 {
		wrapped := filepath.Join(extractedDir, dirs[0].Name())
		if _, err := os.Stat(filepath.Join(wrapped, configName)); err == nil {
			return wrapped, nil
		}
	}
	return "", fmt.Errorf("archive does not contain %s at its root", configName)
}

// secureJoin resolves name against root and fails unless the result stays a
// descendant of root.
func secureJoin(root, name string) (string, error) {
	cleanRoot := filepath.Clean(root)
	target := filepath.Join(cleanRoot, filepath.FromSlash(name))
	if target != cleanRoot && !strings.HasPrefix(target, cleanRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeArchivePath, name)
	}
	return target, nil
}
